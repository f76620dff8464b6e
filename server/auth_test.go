package server

import "testing"

func TestAuthenticators(t *testing.T) {
	t.Parallel()

	hashed, err := HashPassword("s3cret")
	fatalIfErr(t, err, "HashPassword")

	hybrid := NewHybridAuthenticator([]User{
		{Name: "Alice", Password: "wonderland"},
		{Name: "bob", Password: hashed},
	}, true)
	closed := NewHybridAuthenticator([]User{{Name: "alice", Password: "wonderland"}}, false)

	tests := []struct {
		name string
		auth Authenticator
		user string
		pass string
		want bool
	}{
		{"anonymous", AnonymousAuthenticator{}, "anonymous", "x@y", true},
		{"anonymous ftp", AnonymousAuthenticator{}, "FTP", "", true},
		{"anonymous rejects users", AnonymousAuthenticator{}, "alice", "wonderland", false},
		{"simple ok", SimpleAuthenticator{Username: "u", Password: "p"}, "u", "p", true},
		{"simple wrong password", SimpleAuthenticator{Username: "u", Password: "p"}, "u", "q", false},
		{"simple wrong user", SimpleAuthenticator{Username: "u", Password: "p"}, "U", "p", false},
		{"hybrid plain", hybrid, "alice", "wonderland", true},
		{"hybrid name case", hybrid, "ALICE", "wonderland", true},
		{"hybrid password case", hybrid, "alice", "Wonderland", false},
		{"hybrid bcrypt", hybrid, "bob", "s3cret", true},
		{"hybrid bcrypt wrong", hybrid, "bob", hashed, false},
		{"hybrid anonymous", hybrid, "anonymous", "", true},
		{"hybrid unknown", hybrid, "carol", "x", false},
		{"closed anonymous", closed, "anonymous", "", false},
		{"func", AuthenticatorFunc(func(u, p string) bool { return u == p }), "same", "same", true},
	}
	for _, tt := range tests {
		if got := tt.auth.Authenticate(tt.user, tt.pass); got != tt.want {
			t.Errorf("%s: Authenticate(%q, %q) = %v, want %v", tt.name, tt.user, tt.pass, got, tt.want)
		}
	}
}
