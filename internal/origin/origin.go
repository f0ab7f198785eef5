// Package origin decides which browser origins may call the HTTP API and open
// signaling sockets.
package origin

import (
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	mapset "github.com/deckarep/golang-set/v2"
)

var ErrInvalidOrigin = errors.New("invalid origin")

// Null is the opaque origin browsers send from sandboxed frames and file://
// pages.
const Null = "null"

// Wildcard in an allow-list admits every origin.
const Wildcard = "*"

type parsed struct {
	scheme string
	host   string // lowercased, without IPv6 brackets
	port   uint16 // 0 for the scheme's default port
}

func (o parsed) authority() string {
	h := o.host
	if strings.Contains(h, ":") {
		h = "[" + h + "]"
	}
	if o.port != 0 {
		h += ":" + strconv.Itoa(int(o.port))
	}
	return h
}

func (o parsed) String() string {
	if o.scheme == "" {
		return Null
	}
	return o.scheme + "://" + o.authority()
}

// Normalize validates an Origin header value and returns it as
// scheme://host[:port] with scheme and host lowercased and the default port
// dropped. "null" is returned unchanged.
func Normalize(header string) (string, error) {
	o, err := parse(header)
	if err != nil {
		return "", err
	}
	return o.String(), nil
}

func parse(header string) (parsed, error) {
	raw := strings.TrimSpace(header)
	switch raw {
	case "":
		return parsed{}, fmt.Errorf("%w: empty", ErrInvalidOrigin)
	case Null:
		return parsed{}, nil
	}

	u, err := url.Parse(raw)
	if err != nil {
		return parsed{}, fmt.Errorf("%w: %v", ErrInvalidOrigin, err)
	}
	if u.Opaque != "" || u.User != nil || u.RawQuery != "" || u.ForceQuery || u.Fragment != "" || (u.Path != "" && u.Path != "/") {
		return parsed{}, fmt.Errorf("%w: %q is not scheme://host[:port]", ErrInvalidOrigin, raw)
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return parsed{}, fmt.Errorf("%w: unsupported scheme %q", ErrInvalidOrigin, u.Scheme)
	}
	host, port, err := splitAuthority(u.Host, scheme)
	if err != nil {
		return parsed{}, err
	}
	return parsed{scheme: scheme, host: host, port: port}, nil
}

// splitAuthority parses host[:port] as it appears in an Origin or a Host
// header.
func splitAuthority(authority, scheme string) (string, uint16, error) {
	authority = strings.ToLower(strings.TrimSpace(authority))
	if authority == "" || strings.HasSuffix(authority, ":") {
		return "", 0, fmt.Errorf("%w: bad host %q", ErrInvalidOrigin, authority)
	}
	u := url.URL{Host: authority}
	host := u.Hostname()
	if host == "" || strings.Contains(host, "%") || (strings.Contains(host, ":") && !strings.HasPrefix(authority, "[")) {
		return "", 0, fmt.Errorf("%w: bad host %q", ErrInvalidOrigin, authority)
	}

	var port uint16
	if p := u.Port(); p != "" {
		n, err := strconv.ParseUint(p, 10, 16)
		if err != nil || n == 0 {
			return "", 0, fmt.Errorf("%w: bad port %q", ErrInvalidOrigin, p)
		}
		port = uint16(n)
	}
	if (scheme == "http" && port == 80) || (scheme == "https" && port == 443) {
		port = 0
	}
	return host, port, nil
}

// Policy is the set of origins allowed to reach the service. An empty policy
// admits only origins whose host:port matches the request's Host header.
type Policy struct {
	any     bool
	allowed mapset.Set[string]
}

// NewPolicy builds a policy from allow-list entries, each "*" or a full
// origin.
func NewPolicy(entries []string) (*Policy, error) {
	p := &Policy{allowed: mapset.NewThreadUnsafeSet[string]()}
	for _, entry := range entries {
		entry = strings.TrimSpace(entry)
		if entry == Wildcard {
			p.any = true
			continue
		}
		normalized, err := Normalize(entry)
		if err != nil {
			return nil, fmt.Errorf("allowed origin %q: %w", entry, err)
		}
		p.allowed.Add(normalized)
	}
	return p, nil
}

// AllowsAny reports whether the policy contains the wildcard.
func (p *Policy) AllowsAny() bool { return p != nil && p.any }

// Check reports whether a request carrying the Origin header may proceed
// against requestHost. The normalized origin is returned for CORS headers.
func (p *Policy) Check(header, requestHost string) (string, bool) {
	o, err := parse(header)
	if err != nil {
		return "", false
	}
	normalized := o.String()
	if p == nil {
		return normalized, false
	}
	if p.any || p.allowed.Contains(normalized) {
		return normalized, true
	}
	if p.allowed.Cardinality() > 0 || o.scheme == "" {
		return normalized, false
	}

	// Same host:port. Schemes are not compared: TLS is often terminated by a
	// proxy in front of the service.
	host, port, err := splitAuthority(requestHost, o.scheme)
	if err != nil {
		return normalized, false
	}
	return normalized, host == o.host && port == o.port
}
