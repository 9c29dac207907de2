// Package ldap talks to directory servers: connecting and binding, resolving
// login names to entries, and computing group memberships.
package ldap

import (
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/go-ldap/ldap/v3"
)

// BindMethod selects the credentials used for the directory session that
// resolves a login name.
type BindMethod string

const (
	BindServiceAccount    BindMethod = "service_account"
	BindUser              BindMethod = "user"
	BindAnonymousThenUser BindMethod = "anonymous_then_user"
	BindAnonymousOnly     BindMethod = "anonymous_only"
)

// Encryption is the transport security of a server connection.
type Encryption string

const (
	EncryptionNone     Encryption = "none"
	EncryptionSSL      Encryption = "ssl"
	EncryptionStartTLS Encryption = "starttls"
)

// PUIDEncoding describes how a binary persistent id attribute is rendered
// as text.
type PUIDEncoding string

const (
	PUIDHex  PUIDEncoding = "hex"
	PUIDGUID PUIDEncoding = "guid"
	PUIDSID  PUIDEncoding = "sid"
)

// MatchByDN is the member-matching attribute sentinel meaning "use the
// entry's DN".
const MatchByDN = "dn"

// ServerConfig is the definition of one directory server.
type ServerConfig struct {
	ID             string `yaml:"id" json:"id"`
	Label          string `yaml:"label" json:"label"`
	Weight         int    `yaml:"weight" json:"weight"`
	Enabled        bool   `yaml:"enabled" json:"enabled" default:"true"`
	Authentication bool   `yaml:"authentication" json:"authentication" default:"true"`

	Address            string        `yaml:"address" json:"address"`
	Port               int           `yaml:"port" json:"port" default:"389"`
	Timeout            time.Duration `yaml:"timeout" json:"timeout" default:"10s"`
	Encryption         Encryption    `yaml:"encryption" json:"encryption" default:"none"`
	InsecureSkipVerify bool          `yaml:"insecure_skip_verify" json:"insecure_skip_verify"`

	BindMethod   BindMethod `yaml:"bind_method" json:"bind_method" default:"service_account"`
	BindDN       string     `yaml:"bind_dn" json:"bind_dn"`
	BindPassword string     `yaml:"bind_password" json:"-"`

	BaseDN []string `yaml:"base_dn" json:"base_dn"`

	// UserAttr is the attribute holding the login name, e.g. cn, uid or
	// sAMAccountName.
	UserAttr string `yaml:"user_attr" json:"user_attr" default:"cn"`
	// AccountNameAttr, when set, names the attribute the local account
	// name is taken from instead of UserAttr.
	AccountNameAttr string `yaml:"account_name_attr" json:"account_name_attr"`
	MailAttr        string `yaml:"mail_attr" json:"mail_attr" default:"mail"`
	// MailTemplate builds an address from [attribute] tokens when set.
	MailTemplate string `yaml:"mail_template" json:"mail_template"`
	// UserDNExpression builds a bind DN from %username and %basedn for the
	// user bind method.
	UserDNExpression string `yaml:"user_dn_expression" json:"user_dn_expression"`

	PUIDAttr     string       `yaml:"unique_persistent_attr" json:"unique_persistent_attr"`
	PUIDBinary   bool         `yaml:"unique_persistent_attr_binary" json:"unique_persistent_attr_binary"`
	PUIDEncoding PUIDEncoding `yaml:"unique_persistent_attr_encoding" json:"unique_persistent_attr_encoding" default:"hex"`

	Groups GroupConfig `yaml:"groups" json:"groups"`
}

// GroupConfig describes how group memberships are stored on a server.
type GroupConfig struct {
	Unused bool `yaml:"unused" json:"unused"`

	ObjectClass string `yaml:"object_class" json:"object_class" default:"groupOfNames"`
	// MembershipAttr is the attribute on a group naming its members.
	MembershipAttr string `yaml:"membership_attr" json:"membership_attr"`
	// MemberMatchAttr is the attribute on the member whose value appears
	// in MembershipAttr, or MatchByDN.
	MemberMatchAttr string `yaml:"member_match_attr" json:"member_match_attr" default:"dn"`
	Nested          bool   `yaml:"nested" json:"nested"`

	// UserAttr is a membership attribute stored on the user, e.g. memberOf.
	UserAttr string `yaml:"user_attr" json:"user_attr"`
	// DNDerivedAttr takes groups from RDN values of the user's own DN.
	DNDerivedAttr string `yaml:"dn_derived_attr" json:"dn_derived_attr"`
}

// URL returns the connection URL for the server.
func (s *ServerConfig) URL() string {
	scheme := "ldap"
	if s.Encryption == EncryptionSSL {
		scheme = "ldaps"
	}
	port := s.Port
	if port == 0 {
		port = 389
		if s.Encryption == EncryptionSSL {
			port = 636
		}
	}
	return scheme + "://" + net.JoinHostPort(s.Address, strconv.Itoa(port))
}

// BaseDNs returns the non-empty base DNs in configured order.
func (s *ServerConfig) BaseDNs() []string {
	out := make([]string, 0, len(s.BaseDN))
	for _, dn := range s.BaseDN {
		if dn = strings.TrimSpace(dn); dn != "" {
			out = append(out, dn)
		}
	}
	return out
}

// AccountNameAttribute returns the attribute the local account name comes
// from.
func (s *ServerConfig) AccountNameAttribute() string {
	if s.AccountNameAttr != "" {
		return s.AccountNameAttr
	}
	return s.UserAttr
}

// UserBindDN expands UserDNExpression for one base DN. The name is
// escaped for use inside a DN.
func (s *ServerConfig) UserBindDN(username, baseDN string) string {
	dn := strings.ReplaceAll(s.UserDNExpression, "%username", ldap.EscapeDN(strings.TrimSpace(username)))
	return strings.ReplaceAll(dn, "%basedn", baseDN)
}

// BindsAsUser reports whether the lookup session is bound as the user
// attempting to log in.
func (s *ServerConfig) BindsAsUser() bool {
	return s.BindMethod == BindUser
}

// Validate checks a definition before it is used.
func (s *ServerConfig) Validate() error {
	if s.ID == "" {
		return fmt.Errorf("server %q: id is required", s.Address)
	}
	if s.Address == "" {
		return fmt.Errorf("server %s: address is required", s.ID)
	}
	if s.UserAttr == "" {
		return fmt.Errorf("server %s: user_attr is required", s.ID)
	}
	switch s.Encryption {
	case "", EncryptionNone, EncryptionSSL, EncryptionStartTLS:
	default:
		return fmt.Errorf("server %s: unknown encryption %q", s.ID, s.Encryption)
	}
	switch s.BindMethod {
	case BindServiceAccount:
		if s.BindDN == "" {
			return fmt.Errorf("server %s: bind_dn is required for %s", s.ID, s.BindMethod)
		}
	case BindUser:
		if !strings.Contains(s.UserDNExpression, "%username") {
			return fmt.Errorf("server %s: user_dn_expression must contain %%username", s.ID)
		}
	case BindAnonymousThenUser, BindAnonymousOnly:
	default:
		return fmt.Errorf("server %s: unknown bind method %q", s.ID, s.BindMethod)
	}
	if s.PUIDBinary {
		switch s.PUIDEncoding {
		case PUIDHex, PUIDGUID, PUIDSID:
		default:
			return fmt.Errorf("server %s: unknown persistent id encoding %q", s.ID, s.PUIDEncoding)
		}
	}
	return nil
}
