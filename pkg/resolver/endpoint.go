package resolver

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"github.com/gobwas/glob"

	"github.com/careflow/careflow/pkg/engine"
)

var segmentPattern = regexp.MustCompile(`^[\w-]+$`)

// EndpointPolicy normalizes activity endpoints and checks them against an
// allow-list of schemes and base URLs.
type EndpointPolicy struct {
	base    *url.URL
	schemes map[string]bool
	allowed []glob.Glob
}

// NewEndpointPolicy builds a policy. Relative endpoints are joined to baseURL.
// allowedBaseURLs are scheme://host globs with '.' as the separator, so
// "https://*.careflow.local" matches one subdomain level and "**" any number.
// When allowedBaseURLs is empty only the base URL's own origin is allowed.
func NewEndpointPolicy(baseURL string, allowedSchemes, allowedBaseURLs []string) (*EndpointPolicy, error) {
	base, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("invalid base URL %q", baseURL)
	}

	if len(allowedSchemes) == 0 {
		allowedSchemes = []string{"https"}
	}
	schemes := make(map[string]bool, len(allowedSchemes))
	for _, s := range allowedSchemes {
		schemes[strings.ToLower(s)] = true
	}

	if len(allowedBaseURLs) == 0 {
		allowedBaseURLs = []string{origin(base)}
	}
	globs := make([]glob.Glob, 0, len(allowedBaseURLs))
	for _, pattern := range allowedBaseURLs {
		g, err := glob.Compile(strings.ToLower(strings.TrimRight(pattern, "/")), '.')
		if err != nil {
			return nil, fmt.Errorf("invalid allowed base URL %q: %w", pattern, err)
		}
		globs = append(globs, g)
	}

	return &EndpointPolicy{base: base, schemes: schemes, allowed: globs}, nil
}

// Normalize turns a raw endpoint into an absolute URL with repeated slashes
// collapsed. Relative endpoints get an "api/" prefix when absent and are
// joined to the base URL; absolute ones keep their path as given. It does
// not check the allow-list.
func (p *EndpointPolicy) Normalize(raw string) (*url.URL, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, fmt.Errorf("endpoint is empty")
	}

	if strings.Contains(raw, "://") {
		u, err := url.Parse(raw)
		if err != nil {
			return nil, fmt.Errorf("malformed endpoint: %w", err)
		}
		u.Path = "/" + collapseSlashes(u.Path)
		u.RawPath = ""
		return u, nil
	}

	path, query, _ := strings.Cut(raw, "?")
	u := *p.base
	u.Path = "/" + apiPath(path)
	u.RawPath = ""
	u.RawQuery = query
	return &u, nil
}

// Validate normalizes raw and enforces the allow-list. Failures are
// InvalidEndpoint errors.
func (p *EndpointPolicy) Validate(raw string) (string, error) {
	u, err := p.Normalize(raw)
	if err != nil {
		return "", engine.NewInvalidEndpointError(raw, err.Error())
	}

	if !p.schemes[strings.ToLower(u.Scheme)] {
		return "", engine.NewInvalidEndpointError(raw, fmt.Sprintf("scheme %q is not allowed", u.Scheme))
	}
	if u.User != nil {
		return "", engine.NewInvalidEndpointError(raw, "credentials in endpoint are not allowed")
	}
	if u.RawQuery != "" || u.Fragment != "" {
		return "", engine.NewInvalidEndpointError(raw, "query strings and fragments are not allowed")
	}

	o := origin(u)
	matched := false
	for _, g := range p.allowed {
		if g.Match(o) {
			matched = true
			break
		}
	}
	if !matched {
		return "", engine.NewInvalidEndpointError(raw, fmt.Sprintf("%s is not an allowed base URL", o))
	}

	if !strings.HasPrefix(u.Path, "/api/") {
		return "", engine.NewInvalidEndpointError(raw, "path must start with /api/")
	}
	for _, seg := range strings.Split(strings.TrimPrefix(u.Path, "/"), "/") {
		if !segmentPattern.MatchString(seg) {
			return "", engine.NewInvalidEndpointError(raw, fmt.Sprintf("invalid path segment %q", seg))
		}
	}

	return u.String(), nil
}

// collapseSlashes drops empty segments, so repeated, leading and trailing
// slashes disappear.
func collapseSlashes(path string) string {
	parts := strings.Split(path, "/")
	kept := parts[:0]
	for _, part := range parts {
		if part != "" {
			kept = append(kept, part)
		}
	}
	return strings.Join(kept, "/")
}

// apiPath collapses slashes and prefixes "api/" when absent.
func apiPath(path string) string {
	path = collapseSlashes(path)
	if path != "api" && !strings.HasPrefix(path, "api/") {
		path = "api/" + path
	}
	return path
}

func origin(u *url.URL) string {
	return strings.ToLower(u.Scheme + "://" + u.Host)
}
