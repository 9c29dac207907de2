// Package ldaptest provides an in-memory directory for tests.
package ldaptest

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"sync"

	"ldapauth/internal/ldap"
)

// Server is a fake directory server. It evaluates the equality, presence,
// and, or and not filters the engine issues.
type Server struct {
	mu sync.Mutex

	entries   []*ldap.Entry
	passwords map[string]string

	// AllowAnonymous accepts binds with empty DN and password.
	AllowAnonymous bool
	// ConnectErr fails every connection attempt.
	ConnectErr error
	// SearchErr fails every search.
	SearchErr error

	connects int
	closes   int
	binds    []string
	filters  []string
}

// NewServer returns an empty server.
func NewServer() *Server {
	return &Server{passwords: map[string]string{}}
}

// AddEntry stores an entry. A non-empty password makes the DN bindable.
func (s *Server) AddEntry(dn string, attrs map[string][]string, password string) *ldap.Entry {
	s.mu.Lock()
	defer s.mu.Unlock()

	e := ldap.NewEntry(dn, attrs)
	s.entries = append(s.entries, e)
	if password != "" {
		s.passwords[strings.ToLower(dn)] = password
	}
	return e
}

// SetPassword makes dn bindable without a matching entry, like a service
// account stored elsewhere.
func (s *Server) SetPassword(dn, password string) {
	s.mu.Lock()
	s.passwords[strings.ToLower(dn)] = password
	s.mu.Unlock()
}

// Connects returns the number of sessions opened.
func (s *Server) Connects() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connects
}

// Closes returns the number of sessions closed.
func (s *Server) Closes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closes
}

// Binds returns the DNs bound, in order. Anonymous binds are recorded as "".
func (s *Server) Binds() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.binds...)
}

// Filters returns every search filter received, in order.
func (s *Server) Filters() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.filters...)
}

// Network routes connections to fake servers by server id.
type Network struct {
	mu      sync.Mutex
	servers map[string]*Server
}

// NewNetwork returns a network with no servers.
func NewNetwork() *Network {
	return &Network{servers: map[string]*Server{}}
}

// Add attaches srv under id.
func (n *Network) Add(id string, srv *Server) *Server {
	n.mu.Lock()
	n.servers[id] = srv
	n.mu.Unlock()
	return srv
}

// Connect implements ldap.Connector.
func (n *Network) Connect(_ context.Context, cfg *ldap.ServerConfig) (ldap.Directory, error) {
	n.mu.Lock()
	srv, ok := n.servers[cfg.ID]
	n.mu.Unlock()
	if !ok {
		return nil, &ldap.Error{Op: "connect", ServerID: cfg.ID, Category: ldap.CategoryConnection,
			Cause: fmt.Errorf("no route to %s", cfg.URL())}
	}

	srv.mu.Lock()
	defer srv.mu.Unlock()
	if srv.ConnectErr != nil {
		return nil, &ldap.Error{Op: "connect", ServerID: cfg.ID, Category: ldap.CategoryConnection, Cause: srv.ConnectErr}
	}
	srv.connects++
	return &conn{srv: srv, serverID: cfg.ID}, nil
}

type conn struct {
	srv      *Server
	serverID string
	closed   bool
}

var errClosed = errors.New("connection closed")

func (c *conn) Bind(_ context.Context, dn, password string) error {
	c.srv.mu.Lock()
	defer c.srv.mu.Unlock()

	if c.closed {
		return &ldap.Error{Op: "bind", ServerID: c.serverID, Category: ldap.CategoryConnection, Cause: errClosed}
	}
	if dn == "" && password == "" {
		c.srv.binds = append(c.srv.binds, "")
		if !c.srv.AllowAnonymous {
			return invalidCredentials(c.serverID, dn)
		}
		return nil
	}
	if password == "" {
		return &ldap.Error{Op: "bind", ServerID: c.serverID, DN: dn, Category: ldap.CategoryAuthentication, Cause: ldap.ErrEmptyPassword}
	}
	c.srv.binds = append(c.srv.binds, dn)
	if want, ok := c.srv.passwords[strings.ToLower(dn)]; !ok || want != password {
		return invalidCredentials(c.serverID, dn)
	}
	return nil
}

func invalidCredentials(serverID, dn string) error {
	return &ldap.Error{Op: "bind", ServerID: serverID, DN: dn, Category: ldap.CategoryAuthentication, Code: 49,
		Cause: errors.New("invalid credentials")}
}

func (c *conn) Search(_ context.Context, req ldap.SearchRequest) ([]*ldap.Entry, error) {
	c.srv.mu.Lock()
	defer c.srv.mu.Unlock()

	if c.closed {
		return nil, &ldap.Error{Op: "search", ServerID: c.serverID, Category: ldap.CategoryConnection, Cause: errClosed}
	}
	c.srv.filters = append(c.srv.filters, req.Filter)
	if c.srv.SearchErr != nil {
		return nil, &ldap.Error{Op: "search", ServerID: c.serverID, Category: ldap.CategoryServer, Cause: c.srv.SearchErr}
	}

	f, rest, err := parseFilter(req.Filter)
	if err != nil || rest != "" {
		return nil, &ldap.Error{Op: "search", ServerID: c.serverID, Category: ldap.CategoryValidation, Code: 87,
			Cause: fmt.Errorf("bad filter %q", req.Filter)}
	}

	var out []*ldap.Entry
	for _, e := range c.srv.entries {
		if underBase(e.DN, req.BaseDN) && f.matches(e) {
			out = append(out, e.Clone())
		}
	}
	return out, nil
}

func (c *conn) Add(_ context.Context, dn string, attrs map[string][]string) error {
	c.srv.mu.Lock()
	defer c.srv.mu.Unlock()
	for _, e := range c.srv.entries {
		if strings.EqualFold(e.DN, dn) {
			return &ldap.Error{Op: "add", ServerID: c.serverID, DN: dn, Category: ldap.CategoryConflict, Code: 68,
				Cause: errors.New("entry already exists")}
		}
	}
	c.srv.entries = append(c.srv.entries, ldap.NewEntry(dn, attrs))
	return nil
}

func (c *conn) Modify(_ context.Context, dn string, replace map[string][]string) error {
	c.srv.mu.Lock()
	defer c.srv.mu.Unlock()
	for _, e := range c.srv.entries {
		if strings.EqualFold(e.DN, dn) {
			for name, values := range replace {
				e.SetAttribute(name, values...)
			}
			return nil
		}
	}
	return &ldap.Error{Op: "modify", ServerID: c.serverID, DN: dn, Category: ldap.CategoryNotFound, Code: 32,
		Cause: errors.New("no such object")}
}

func (c *conn) Delete(_ context.Context, dn string) error {
	c.srv.mu.Lock()
	defer c.srv.mu.Unlock()
	for i, e := range c.srv.entries {
		if strings.EqualFold(e.DN, dn) {
			c.srv.entries = append(c.srv.entries[:i], c.srv.entries[i+1:]...)
			return nil
		}
	}
	return &ldap.Error{Op: "delete", ServerID: c.serverID, DN: dn, Category: ldap.CategoryNotFound, Code: 32,
		Cause: errors.New("no such object")}
}

func (c *conn) Close() error {
	c.srv.mu.Lock()
	defer c.srv.mu.Unlock()
	if !c.closed {
		c.closed = true
		c.srv.closes++
	}
	return nil
}

func underBase(dn, base string) bool {
	dn, base = strings.ToLower(dn), strings.ToLower(base)
	return dn == base || strings.HasSuffix(dn, ","+base)
}

type filter struct {
	op       byte
	attr     string
	value    string
	children []*filter
}

func parseFilter(s string) (*filter, string, error) {
	if len(s) < 2 || s[0] != '(' {
		return nil, s, fmt.Errorf("expected '(' at %q", s)
	}
	s = s[1:]
	switch s[0] {
	case '&', '|':
		f := &filter{op: s[0]}
		s = s[1:]
		for len(s) > 0 && s[0] == '(' {
			child, rest, err := parseFilter(s)
			if err != nil {
				return nil, s, err
			}
			f.children = append(f.children, child)
			s = rest
		}
		if len(s) == 0 || s[0] != ')' {
			return nil, s, fmt.Errorf("unterminated %c filter", f.op)
		}
		return f, s[1:], nil
	case '!':
		child, rest, err := parseFilter(s[1:])
		if err != nil {
			return nil, s, err
		}
		if len(rest) == 0 || rest[0] != ')' {
			return nil, rest, fmt.Errorf("unterminated ! filter")
		}
		return &filter{op: '!', children: []*filter{child}}, rest[1:], nil
	default:
		end := strings.IndexByte(s, ')')
		if end < 0 {
			return nil, s, fmt.Errorf("unterminated item")
		}
		attr, value, ok := strings.Cut(s[:end], "=")
		if !ok {
			return nil, s, fmt.Errorf("item without '=': %q", s[:end])
		}
		if value == "*" {
			return &filter{op: '*', attr: attr}, s[end+1:], nil
		}
		v, err := unescape(value)
		if err != nil {
			return nil, s, err
		}
		return &filter{op: '=', attr: attr, value: v}, s[end+1:], nil
	}
}

func unescape(v string) (string, error) {
	var b strings.Builder
	for i := 0; i < len(v); i++ {
		if v[i] != '\\' {
			b.WriteByte(v[i])
			continue
		}
		if i+2 >= len(v) {
			return "", fmt.Errorf("short escape in %q", v)
		}
		decoded, err := hex.DecodeString(v[i+1 : i+3])
		if err != nil {
			return "", fmt.Errorf("bad escape in %q: %w", v, err)
		}
		b.Write(decoded)
		i += 2
	}
	return b.String(), nil
}

func (f *filter) matches(e *ldap.Entry) bool {
	switch f.op {
	case '&':
		for _, c := range f.children {
			if !c.matches(e) {
				return false
			}
		}
		return true
	case '|':
		for _, c := range f.children {
			if c.matches(e) {
				return true
			}
		}
		return false
	case '!':
		return !f.children[0].matches(e)
	case '*':
		return e.Has(f.attr)
	default:
		for _, v := range e.Values(f.attr) {
			if strings.EqualFold(strings.TrimSpace(v), strings.TrimSpace(f.value)) {
				return true
			}
		}
		return false
	}
}
