package store

import (
	"net/url"
	"strings"
)

// Mode is the backend kind selected from a connection string.
type Mode int

const (
	ModeUnrecognized Mode = iota
	ModeDocument
	ModeRelational
)

func (m Mode) String() string {
	switch m {
	case ModeDocument:
		return "document"
	case ModeRelational:
		return "relational"
	default:
		return "unrecognized"
	}
}

var (
	documentSchemes   = []string{"mongodb://", "mongodb+srv://"}
	documentHosts     = []string{".mongodb.net"}
	relationalSchemes = []string{"postgres://", "postgresql://", "sqlite://", "file:"}
	relationalHosts   = []string{".supabase.co", ".neon.tech", ".postgres.database.azure.com"}
)

// ParseMode classifies conn by scheme prefix, then by well-known hosted
// database domains. Anything else is ModeUnrecognized; it never guesses.
func ParseMode(conn string) Mode {
	conn = strings.TrimSpace(conn)
	lower := strings.ToLower(conn)
	if lower == "" {
		return ModeUnrecognized
	}
	if hasAnyPrefix(lower, documentSchemes) {
		return ModeDocument
	}
	if hasAnyPrefix(lower, relationalSchemes) {
		return ModeRelational
	}
	host := hostOf(lower)
	if host == "" {
		return ModeUnrecognized
	}
	if hasAnySuffix(host, documentHosts) {
		return ModeDocument
	}
	if hasAnySuffix(host, relationalHosts) {
		return ModeRelational
	}
	return ModeUnrecognized
}

func hostOf(conn string) string {
	u, err := url.Parse(conn)
	if err == nil && u.Host != "" {
		return u.Hostname()
	}
	// bare "user:pass@host:port/db" forms
	if i := strings.LastIndex(conn, "@"); i >= 0 {
		conn = conn[i+1:]
	}
	if i := strings.IndexAny(conn, ":/?"); i >= 0 {
		conn = conn[:i]
	}
	return conn
}

func hasAnyPrefix(s string, prefixes []string) bool {
	for _, p := range prefixes {
		if strings.HasPrefix(s, p) {
			return true
		}
	}
	return false
}

func hasAnySuffix(host string, suffixes []string) bool {
	for _, suf := range suffixes {
		if strings.HasSuffix(host, suf) {
			return true
		}
	}
	return false
}
