package authn

import (
	"context"
	"errors"
	"time"

	"ldapauth/internal/ldap"
)

// ErrMultipleAccounts is returned by stores when a lookup that must be
// unique matches more than one account.
var ErrMultipleAccounts = errors.New("more than one account matches")

// AccountStatus is whether an account may log in.
type AccountStatus int

const (
	StatusBlocked AccountStatus = iota
	StatusActive
)

// DirectoryLink records which directory entry an account was last
// reconciled with.
type DirectoryLink struct {
	ServerID      string
	PUIDAttribute string
	PUID          string
	CurrentDN     string
	LastChecked   time.Time
	// Excluded is set by administrators to keep an account away from
	// directory authentication.
	Excluded bool
}

// Account is a local user record.
type Account struct {
	ID        int64
	Name      string
	Email     string
	Status    AccountStatus
	Link      DirectoryLink
	CreatedAt time.Time
}

// AccountStore persists local accounts. Lookups return (nil, nil) when
// nothing matches.
type AccountStore interface {
	FindByID(ctx context.Context, id int64) (*Account, error)
	FindByName(ctx context.Context, name string) (*Account, error)
	FindByEmail(ctx context.Context, email string) (*Account, error)
	// FindByPUID returns ErrMultipleAccounts when several accounts carry
	// the same persistent id.
	FindByPUID(ctx context.Context, serverID, attribute, puid string) (*Account, error)
	// Create stores a new account and sets its ID.
	Create(ctx context.Context, a *Account) error
	Save(ctx context.Context, a *Account) error
}

// IdentityMap associates external names with local accounts, per
// namespace.
type IdentityMap interface {
	// Lookup returns the account id mapped to name, if any.
	Lookup(ctx context.Context, namespace, name string) (int64, bool, error)
	// Associate maps name to accountID, replacing any previous mapping of
	// that account in the namespace.
	Associate(ctx context.Context, namespace, name string, accountID int64) error
	// IsMapped reports whether accountID has a mapping in namespace.
	IsMapped(ctx context.Context, namespace string, accountID int64) (bool, error)
}

// Authorization is what one authorization profile grants a user.
type Authorization struct {
	Profile string
	Applied []string
}

// Authorizer computes authorizations from directory data. account may be
// a synthesised record that is not stored.
type Authorizer interface {
	Authorizations(ctx context.Context, dir ldap.Directory, server *ldap.ServerConfig, account *Account, entry *ldap.Entry) ([]Authorization, error)
}

// Hook lets other components take part in login decisions.
type Hook interface {
	// AllowUser can veto a login that passed every other rule.
	AllowUser(ctx context.Context, authName string, server *ldap.ServerConfig, entry *ldap.Entry) bool
	// AlterEntry can adjust the entry before account fields are derived
	// from it.
	AlterEntry(ctx context.Context, authName string, entry *ldap.Entry)
}
