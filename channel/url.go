package channel

import (
	"fmt"
	"net/url"
	"strings"
)

// URL is a parsed channel URL: "<protocol>[+<protocol>]*://[user@]host[:port][/path]?k=v;k=v"
// (spec §6). Protocols chain outside-in: the first entry is the outermost
// prefix, the last is the base channel's own protocol.
type URL struct {
	Protocols []string // e.g. ["busywait", "tcp"] for "busywait+tcp://..."
	User      string
	Host      string
	Port      string
	Path      string
	Params    map[string]string

	raw string
}

// ParseURL parses raw per spec §6's syntax. Query parameters are
// ";"-separated key=value pairs, not the standard "&"-separated form, so
// parsing is done by hand rather than delegating entirely to net/url.
func ParseURL(raw string) (*URL, error) {
	schemeEnd := strings.Index(raw, "://")
	if schemeEnd < 0 {
		return nil, fmt.Errorf("channel: invalid url %q: missing scheme separator", raw)
	}
	scheme := raw[:schemeEnd]
	if scheme == "" {
		return nil, fmt.Errorf("channel: invalid url %q: empty scheme", raw)
	}
	protocols := strings.Split(scheme, "+")
	for _, p := range protocols {
		if p == "" {
			return nil, fmt.Errorf("channel: invalid url %q: empty protocol segment", raw)
		}
	}

	rest := raw[schemeEnd+3:]
	authority := rest
	var query string
	if qi := strings.IndexByte(rest, '?'); qi >= 0 {
		authority = rest[:qi]
		query = rest[qi+1:]
	}

	var path string
	if si := strings.IndexByte(authority, '/'); si >= 0 {
		path = authority[si:]
		authority = authority[:si]
	}

	var user string
	if ai := strings.IndexByte(authority, '@'); ai >= 0 {
		user = authority[:ai]
		authority = authority[ai+1:]
	}

	host, port := authority, ""
	if ci := strings.LastIndexByte(authority, ':'); ci >= 0 && !strings.Contains(authority[ci+1:], "]") {
		host, port = authority[:ci], authority[ci+1:]
	}

	params := map[string]string{}
	for _, kv := range strings.Split(query, ";") {
		if kv == "" {
			continue
		}
		k, v, found := strings.Cut(kv, "=")
		if !found {
			params[k] = ""
			continue
		}
		dv, err := url.QueryUnescape(v)
		if err != nil {
			dv = v
		}
		params[k] = dv
	}

	return &URL{
		Protocols: protocols,
		User:      user,
		Host:      host,
		Port:      port,
		Path:      path,
		Params:    params,
		raw:       raw,
	}, nil
}

func (u *URL) String() string { return u.raw }

// Get returns a query parameter, or "" with ok=false if absent.
func (u *URL) Get(key string) (string, bool) {
	v, ok := u.Params[key]
	return v, ok
}

// GetDefault returns a query parameter or def if absent.
func (u *URL) GetDefault(key, def string) string {
	if v, ok := u.Params[key]; ok {
		return v
	}
	return def
}

// BaseProtocol is the innermost protocol, the one that actually owns the
// fd/file/transport (the last entry of a "+"-chain).
func (u *URL) BaseProtocol() string {
	return u.Protocols[len(u.Protocols)-1]
}
