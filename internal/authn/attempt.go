package authn

import (
	"ldapauth/internal/ldap"
)

// Outcome is the result of testing credentials.
type Outcome int

const (
	OutcomeUnknown Outcome = iota
	OutcomeSuccess
	// OutcomeBind means a lookup session could not be bound.
	OutcomeBind
	// OutcomeFind means no server had a matching entry.
	OutcomeFind
	// OutcomeDisallowed means an allow/exclude rule or hook rejected the
	// entry.
	OutcomeDisallowed
	// OutcomeCredentials means the password was rejected.
	OutcomeCredentials
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomeBind:
		return "bind"
	case OutcomeFind:
		return "find"
	case OutcomeDisallowed:
		return "disallowed"
	case OutcomeCredentials:
		return "credentials"
	default:
		return "unknown"
	}
}

// Source is where an attempt's identity comes from.
type Source int

const (
	// SourceForm is a submitted name and password.
	SourceForm Source = iota
	// SourceSSO is a name asserted by an upstream authenticator.
	SourceSSO
)

func (s Source) String() string {
	if s == SourceSSO {
		return "sso"
	}
	return "form"
}

// Attempt carries what is known about one login as it moves through the
// validation steps. Steps return updated copies instead of mutating a
// shared value.
type Attempt struct {
	AuthName string
	Source   Source

	Server *ldap.ServerConfig
	Entry  *ldap.Entry

	// AccountName is the local name derived from Entry.
	AccountName string
	// Email is the address to store; EmailFromTemplate records that the
	// template produced it.
	Email             string
	EmailFromTemplate bool

	Account *Account
	// Mapped is true when Account is already linked to AuthName in the
	// identity map.
	Mapped bool

	Outcome Outcome
}

func (a Attempt) withServer(s *ldap.ServerConfig, e *ldap.Entry) Attempt {
	a.Server, a.Entry = s, e
	return a
}

func (a Attempt) withOutcome(o Outcome) Attempt {
	a.Outcome = o
	return a
}

func (a Attempt) withAccount(acct *Account, mapped bool) Attempt {
	a.Account, a.Mapped = acct, mapped
	return a
}

// credentials holds a password, submitted or the service account's, for
// the length of one attempt.
type credentials struct {
	password []byte
}

func newCredentials(password string) *credentials {
	return &credentials{password: []byte(password)}
}

func (c *credentials) secret() string {
	if c == nil {
		return ""
	}
	return string(c.password)
}

// clear overwrites the password so it does not outlive the attempt.
func (c *credentials) clear() {
	if c == nil {
		return
	}
	for i := range c.password {
		c.password[i] = 0
	}
	c.password = nil
}
