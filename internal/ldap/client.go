package ldap

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"time"

	"github.com/go-ldap/ldap/v3"
)

const defaultTimeout = 10 * time.Second

// Directory is one open session with a directory server. Implementations
// are not safe for concurrent use.
type Directory interface {
	// Bind authenticates the session. An empty dn and password performs an
	// anonymous bind; a dn with an empty password is refused.
	Bind(ctx context.Context, dn, password string) error
	Search(ctx context.Context, req SearchRequest) ([]*Entry, error)
	Add(ctx context.Context, dn string, attrs map[string][]string) error
	Modify(ctx context.Context, dn string, replace map[string][]string) error
	Delete(ctx context.Context, dn string) error
	Close() error
}

// Connector opens sessions to configured servers.
type Connector interface {
	Connect(ctx context.Context, server *ServerConfig) (Directory, error)
}

// Scope is the depth of a search.
type Scope int

const (
	ScopeSubtree Scope = iota
	ScopeOneLevel
	ScopeBase
)

// SearchRequest is a directory search.
type SearchRequest struct {
	BaseDN     string
	Filter     string
	Attributes []string
	Scope      Scope
	SizeLimit  int
}

// Dialer connects to servers over the network.
type Dialer struct {
	// TLSConfig is the base TLS configuration for ssl and starttls servers.
	TLSConfig *tls.Config
}

// NewDialer returns a Connector dialling real servers.
func NewDialer() *Dialer {
	return &Dialer{}
}

// Connect dials the server and applies its encryption setting. The
// returned session is not bound.
func (d *Dialer) Connect(ctx context.Context, server *ServerConfig) (Directory, error) {
	if err := ctx.Err(); err != nil {
		return nil, wrapError("connect", server.ID, "", err)
	}

	timeout := server.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	if deadline, ok := ctx.Deadline(); ok {
		if remaining := time.Until(deadline); remaining < timeout {
			timeout = remaining
		}
	}

	tlsConfig := d.tlsConfig(server)
	opts := []ldap.DialOpt{ldap.DialWithDialer(&net.Dialer{Timeout: timeout})}
	if server.Encryption == EncryptionSSL {
		opts = append(opts, ldap.DialWithTLSConfig(tlsConfig))
	}

	conn, err := ldap.DialURL(server.URL(), opts...)
	if err != nil {
		return nil, wrapError("connect", server.ID, "", fmt.Errorf("dial %s: %w", server.URL(), err))
	}
	conn.SetTimeout(timeout)

	if server.Encryption == EncryptionStartTLS {
		if err := conn.StartTLS(tlsConfig); err != nil {
			conn.Close()
			return nil, wrapError("connect", server.ID, "", fmt.Errorf("StartTLS: %w", err))
		}
	}

	return &session{conn: conn, serverID: server.ID}, nil
}

func (d *Dialer) tlsConfig(server *ServerConfig) *tls.Config {
	cfg := &tls.Config{MinVersion: tls.VersionTLS12}
	if d.TLSConfig != nil {
		cfg = d.TLSConfig.Clone()
	}
	cfg.ServerName = server.Address
	cfg.InsecureSkipVerify = server.InsecureSkipVerify
	return cfg
}

type session struct {
	conn     *ldap.Conn
	serverID string
}

func (s *session) Bind(ctx context.Context, dn, password string) error {
	if err := ctx.Err(); err != nil {
		return wrapError("bind", s.serverID, dn, err)
	}
	switch {
	case dn == "" && password == "":
		return wrapError("bind", s.serverID, dn, s.conn.UnauthenticatedBind(""))
	case password == "":
		return wrapError("bind", s.serverID, dn, ErrEmptyPassword)
	default:
		return wrapError("bind", s.serverID, dn, s.conn.Bind(dn, password))
	}
}

func (s *session) Search(ctx context.Context, req SearchRequest) ([]*Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, wrapError("search", s.serverID, req.BaseDN, err)
	}

	scope := ldap.ScopeWholeSubtree
	switch req.Scope {
	case ScopeOneLevel:
		scope = ldap.ScopeSingleLevel
	case ScopeBase:
		scope = ldap.ScopeBaseObject
	}

	result, err := s.conn.Search(ldap.NewSearchRequest(
		req.BaseDN,
		scope,
		ldap.NeverDerefAliases,
		req.SizeLimit,
		0,
		false,
		req.Filter,
		req.Attributes,
		nil,
	))
	if err != nil {
		if ldap.IsErrorWithCode(err, ldap.LDAPResultNoSuchObject) {
			return nil, nil
		}
		return nil, wrapError("search", s.serverID, req.BaseDN, err)
	}

	entries := make([]*Entry, 0, len(result.Entries))
	for _, e := range result.Entries {
		entries = append(entries, fromLDAP(e))
	}
	return entries, nil
}

func (s *session) Add(ctx context.Context, dn string, attrs map[string][]string) error {
	if err := ctx.Err(); err != nil {
		return wrapError("add", s.serverID, dn, err)
	}
	req := ldap.NewAddRequest(dn, nil)
	for name, values := range attrs {
		req.Attribute(name, values)
	}
	return wrapError("add", s.serverID, dn, s.conn.Add(req))
}

func (s *session) Modify(ctx context.Context, dn string, replace map[string][]string) error {
	if err := ctx.Err(); err != nil {
		return wrapError("modify", s.serverID, dn, err)
	}
	req := ldap.NewModifyRequest(dn, nil)
	for name, values := range replace {
		req.Replace(name, values)
	}
	return wrapError("modify", s.serverID, dn, s.conn.Modify(req))
}

func (s *session) Delete(ctx context.Context, dn string) error {
	if err := ctx.Err(); err != nil {
		return wrapError("delete", s.serverID, dn, err)
	}
	return wrapError("delete", s.serverID, dn, s.conn.Del(ldap.NewDelRequest(dn, nil)))
}

func (s *session) Close() error {
	s.conn.Close()
	return nil
}

// OpenSession connects to server and binds with the server's own
// credentials: the service account, or anonymously for the anonymous bind
// methods. Servers using the user bind method have no credentials of their
// own and are refused.
func OpenSession(ctx context.Context, connector Connector, server *ServerConfig) (Directory, error) {
	if server.BindsAsUser() {
		return nil, &Error{Op: "bind", ServerID: server.ID, Category: CategoryValidation,
			Cause: fmt.Errorf("bind method %q needs user credentials", server.BindMethod)}
	}

	dir, err := connector.Connect(ctx, server)
	if err != nil {
		return nil, err
	}

	dn, password := "", ""
	if server.BindMethod == BindServiceAccount {
		dn, password = server.BindDN, server.BindPassword
	}
	if err := dir.Bind(ctx, dn, password); err != nil {
		_ = dir.Close()
		return nil, err
	}
	return dir, nil
}
