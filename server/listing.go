package server

import (
	"fmt"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// ListFormat selects the line layout of LIST replies.
type ListFormat int

const (
	// ListFormatUnix is the "ls -l" layout most clients parse.
	ListFormatUnix ListFormat = iota
	// ListFormatDOS is the MS-DOS "dir" layout.
	ListFormatDOS
)

func (f ListFormat) String() string {
	if f == ListFormatDOS {
		return "dos"
	}
	return "unix"
}

// ParseListFormat accepts "unix" and "dos", case-insensitively.
func ParseListFormat(s string) (ListFormat, error) {
	switch strings.ToLower(s) {
	case "", "unix":
		return ListFormatUnix, nil
	case "dos", "windows":
		return ListFormatDOS, nil
	}
	return 0, errors.Errorf("unknown list format %q", s)
}

// formatEntry renders one LIST line, without the line terminator. now
// decides between the "time" and "year" date columns of the Unix layout.
func (f ListFormat) formatEntry(e FileEntry, now time.Time) string {
	if f == ListFormatDOS {
		return formatDOSEntry(e)
	}
	return formatUnixEntry(e, now)
}

func formatUnixEntry(e FileEntry, now time.Time) string {
	date := e.ModTime.Format("Jan 02  2006")
	if e.ModTime.Year() == now.Year() {
		date = e.ModTime.Format("Jan 02 15:04")
	}

	if e.IsDir {
		return fmt.Sprintf("drwxrwxrwx   1 owner   group %15d %s %s", 0, date, e.Name)
	}
	perm := "rwx"
	if e.ReadOnly {
		perm = "r-x"
	}
	return fmt.Sprintf("-%s%s%s   1 owner   group %15d %s %s", perm, perm, perm, e.Size, date, e.Name)
}

func formatDOSEntry(e FileEntry) string {
	date := e.ModTime.Format("01-02-06  03:04PM")
	if e.IsDir {
		return fmt.Sprintf("%s       <DIR>          %s", date, e.Name)
	}
	return fmt.Sprintf("%s %20d %s", date, e.Size, e.Name)
}

// formatListing renders a LIST payload: an empty first line, then one
// CRLF-terminated line per entry.
func formatListing(f ListFormat, entries []FileEntry, now time.Time) string {
	var b strings.Builder
	b.WriteString("\r\n")
	for _, e := range entries {
		b.WriteString(f.formatEntry(e, now))
		b.WriteString("\r\n")
	}
	return b.String()
}

// formatNameList renders an NLST payload.
func formatNameList(names []string) string {
	var b strings.Builder
	for _, n := range names {
		b.WriteString(n)
		b.WriteString("\r\n")
	}
	return b.String()
}

// listPath strips "ls"-style options such as "-la" that many clients send
// with LIST and NLST.
func listPath(arg string) string {
	for {
		arg = strings.TrimLeft(arg, " ")
		if !strings.HasPrefix(arg, "-") {
			return arg
		}
		i := strings.IndexByte(arg, ' ')
		if i < 0 {
			return ""
		}
		arg = arg[i:]
	}
}
