package server

import (
	"crypto/subtle"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

// isAnonymousName reports whether name is one of the conventional
// anonymous user names.
func isAnonymousName(name string) bool {
	return strings.EqualFold(name, "anonymous") || strings.EqualFold(name, "ftp")
}

// AnonymousAuthenticator accepts "anonymous" and "ftp" with any password.
type AnonymousAuthenticator struct{}

func (AnonymousAuthenticator) Authenticate(username, _ string) bool {
	return isAnonymousName(username)
}

// SimpleAuthenticator accepts exactly one user name and password.
type SimpleAuthenticator struct {
	Username string
	Password string
}

func (a SimpleAuthenticator) Authenticate(username, password string) bool {
	return username == a.Username && checkPassword(a.Password, password)
}

// User is one entry of a HybridAuthenticator. Password is either plain text
// or a bcrypt hash ("$2a$", "$2b$" or "$2y$").
type User struct {
	Name     string
	Password string
}

// HybridAuthenticator checks a list of users, and optionally lets anonymous
// users in too. User names are case-insensitive.
type HybridAuthenticator struct {
	users          map[string]string
	allowAnonymous bool
}

// NewHybridAuthenticator returns an authenticator for users. Later entries
// replace earlier ones with the same name.
func NewHybridAuthenticator(users []User, allowAnonymous bool) *HybridAuthenticator {
	m := make(map[string]string, len(users))
	for _, u := range users {
		m[strings.ToLower(u.Name)] = u.Password
	}
	return &HybridAuthenticator{users: m, allowAnonymous: allowAnonymous}
}

func (a *HybridAuthenticator) Authenticate(username, password string) bool {
	if stored, ok := a.users[strings.ToLower(username)]; ok {
		return checkPassword(stored, password)
	}
	return a.allowAnonymous && isAnonymousName(username)
}

// HashPassword returns a bcrypt hash usable as User.Password.
func HashPassword(password string) (string, error) {
	h, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	return string(h), err
}

func isBcryptHash(s string) bool {
	return strings.HasPrefix(s, "$2a$") || strings.HasPrefix(s, "$2b$") || strings.HasPrefix(s, "$2y$")
}

func checkPassword(stored, given string) bool {
	if isBcryptHash(stored) {
		return bcrypt.CompareHashAndPassword([]byte(stored), []byte(given)) == nil
	}
	return subtle.ConstantTimeCompare([]byte(stored), []byte(given)) == 1
}
