package permission

import (
	"errors"
	"net/url"
	"path"
	"strings"
	"sync"
)

// Routes is the allow-list of public endpoints. Every call not matched by a
// registered pattern is protected and carries credentials.
//
// Patterns are registered during initialization and then frozen; lookups are
// safe for concurrent use.
type Routes struct {
	mu     sync.RWMutex
	rules  []rule
	index  map[string]struct{}
	hosts  map[string]struct{}
	frozen bool
}

type rule struct {
	method   string
	segments []string
	// rest is set when the pattern ends in "/**" and matches any suffix.
	rest bool
}

// NewRoutes returns an empty, unfrozen allow-list.
func NewRoutes() *Routes {
	return &Routes{
		index: make(map[string]struct{}),
		hosts: make(map[string]struct{}),
	}
}

// Register adds a public pattern of the form "[METHOD ]/path". Each path
// segment is matched with [path.Match]; a final "**" segment matches any
// remainder, including none.
//
//	"/auth/refresh"        any method, exact path
//	"POST /auth/login"     POST only
//	"GET /public/*/logo"   one wildcard segment
//	"/docs/**"             everything under /docs
func (r *Routes) Register(pattern string) error {
	ru, err := parsePattern(pattern)
	if err != nil {
		return err
	}
	key := ru.method + " " + strings.Join(ru.segments, "/")
	if ru.rest {
		key += "/**"
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.frozen {
		return errors.New("routes frozen")
	}
	if _, exists := r.index[key]; exists {
		return errors.New("route already registered")
	}
	r.index[key] = struct{}{}
	r.rules = append(r.rules, ru)
	return nil
}

// ManageHost restricts credential handling to the given host ("api.example.com"
// or "api.example.com:8443"). Once any host is managed, calls to other hosts
// are public so tokens never reach third parties. With no managed hosts every
// host is managed.
func (r *Routes) ManageHost(host string) error {
	host = strings.ToLower(strings.TrimSpace(host))
	if host == "" {
		return errors.New("host cannot be empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.frozen {
		return errors.New("routes frozen")
	}
	r.hosts[host] = struct{}{}
	return nil
}

// Freeze prevents further registrations.
func (r *Routes) Freeze() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frozen = true
}

// Frozen reports whether [Routes.Freeze] was called.
func (r *Routes) Frozen() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.frozen
}

// Count returns the number of registered patterns.
func (r *Routes) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.rules)
}

// IsPublic classifies a call. The path is cleaned first, so "/auth/../admin"
// is matched as "/admin".
func (r *Routes) IsPublic(method string, u *url.URL) bool {
	if u == nil {
		return false
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	if len(r.hosts) > 0 && u.Host != "" {
		if _, managed := r.hosts[strings.ToLower(u.Host)]; !managed {
			return true
		}
	}

	segments := splitPath(CleanPath(u.Path))
	method = strings.ToUpper(method)
	for i := range r.rules {
		if r.rules[i].matches(method, segments) {
			return true
		}
	}
	return false
}

// CleanPath normalizes p to a rooted, slash-separated path without dot
// segments or duplicate slashes.
func CleanPath(p string) string {
	if p == "" {
		return "/"
	}
	if p[0] != '/' {
		p = "/" + p
	}
	return path.Clean(p)
}

func (ru rule) matches(method string, segments []string) bool {
	if ru.method != "" && ru.method != method {
		return false
	}
	if ru.rest {
		if len(segments) < len(ru.segments) {
			return false
		}
	} else if len(segments) != len(ru.segments) {
		return false
	}
	for i, pat := range ru.segments {
		ok, err := path.Match(pat, segments[i])
		if err != nil || !ok {
			return false
		}
	}
	return true
}

func parsePattern(pattern string) (rule, error) {
	pattern = strings.TrimSpace(pattern)
	if pattern == "" {
		return rule{}, errors.New("route pattern cannot be empty")
	}

	var ru rule
	if method, rest, found := strings.Cut(pattern, " "); found {
		ru.method = strings.ToUpper(strings.TrimSpace(method))
		pattern = strings.TrimSpace(rest)
	}
	if !strings.HasPrefix(pattern, "/") {
		return rule{}, errors.New("route pattern must start with /")
	}

	cleaned := path.Clean(pattern)
	if cleaned != pattern && cleaned+"/" != pattern {
		return rule{}, errors.New("route pattern must be clean")
	}

	segments := splitPath(cleaned)
	for i, seg := range segments {
		if seg == "**" {
			if i != len(segments)-1 {
				return rule{}, errors.New("** must be the last segment")
			}
			ru.rest = true
			segments = segments[:i]
			break
		}
		if _, err := path.Match(seg, ""); err != nil {
			return rule{}, errors.New("invalid route pattern segment")
		}
	}
	ru.segments = segments
	return ru, nil
}

func splitPath(p string) []string {
	p = strings.Trim(p, "/")
	if p == "" {
		return nil
	}
	return strings.Split(p, "/")
}
