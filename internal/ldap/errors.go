package ldap

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/go-ldap/ldap/v3"
)

var (
	// ErrEntryNotFound means no base DN produced exactly one matching entry.
	ErrEntryNotFound = errors.New("ldap: entry not found")
	// ErrServerNotFound is returned by registries for unknown server ids.
	ErrServerNotFound = errors.New("ldap: server not found")
	// ErrEmptyPassword is returned instead of sending a bind that a server
	// would treat as unauthenticated.
	ErrEmptyPassword = errors.New("ldap: refusing bind with empty password")
)

// ErrorCategory groups directory failures by what the caller can do about
// them.
type ErrorCategory string

const (
	CategoryConnection     ErrorCategory = "connection"
	CategoryAuthentication ErrorCategory = "authentication"
	CategoryPermission     ErrorCategory = "permission"
	CategoryNotFound       ErrorCategory = "not_found"
	CategoryConflict       ErrorCategory = "conflict"
	CategoryValidation     ErrorCategory = "validation"
	CategoryServer         ErrorCategory = "server"
	CategoryUnknown        ErrorCategory = "unknown"
)

// Error is a categorised directory failure.
type Error struct {
	Op       string
	ServerID string
	DN       string
	Category ErrorCategory
	Code     uint16
	Cause    error
}

func (e *Error) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "ldap %s", e.Op)
	if e.ServerID != "" {
		fmt.Fprintf(&b, " on %s", e.ServerID)
	}
	b.WriteString(" failed")
	if e.Code > 0 {
		fmt.Fprintf(&b, " (code %d)", e.Code)
	}
	if e.DN != "" {
		fmt.Fprintf(&b, " dn=%q", e.DN)
	}
	if e.Cause != nil {
		b.WriteString(": ")
		b.WriteString(e.Cause.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Cause }

func wrapError(op, serverID, dn string, err error) error {
	if err == nil {
		return nil
	}
	var existing *Error
	if errors.As(err, &existing) {
		return err
	}
	e := &Error{Op: op, ServerID: serverID, DN: dn, Cause: err, Category: CategoryUnknown}
	var le *ldap.Error
	switch {
	case errors.As(err, &le):
		e.Code = le.ResultCode
		e.Category = categorize(le.ResultCode)
	case errors.Is(err, ErrEmptyPassword):
		e.Category = CategoryAuthentication
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		e.Category = CategoryConnection
	default:
		var ne net.Error
		if errors.As(err, &ne) {
			e.Category = CategoryConnection
		}
	}
	return e
}

func categorize(code uint16) ErrorCategory {
	switch code {
	case ldap.LDAPResultInvalidCredentials,
		ldap.LDAPResultInappropriateAuthentication,
		ldap.LDAPResultStrongAuthRequired,
		ldap.LDAPResultConfidentialityRequired:
		return CategoryAuthentication
	case ldap.LDAPResultInsufficientAccessRights,
		ldap.LDAPResultUnwillingToPerform:
		return CategoryPermission
	case ldap.LDAPResultNoSuchObject,
		ldap.LDAPResultNoSuchAttribute:
		return CategoryNotFound
	case ldap.LDAPResultEntryAlreadyExists,
		ldap.LDAPResultAttributeOrValueExists:
		return CategoryConflict
	case ldap.LDAPResultInvalidAttributeSyntax,
		ldap.LDAPResultConstraintViolation,
		ldap.LDAPResultInvalidDNSyntax,
		ldap.LDAPResultFilterError:
		return CategoryValidation
	case ldap.LDAPResultServerDown,
		ldap.LDAPResultUnavailable,
		ldap.LDAPResultBusy,
		ldap.LDAPResultTimeLimitExceeded,
		ldap.LDAPResultAdminLimitExceeded:
		return CategoryServer
	case ldap.ErrorNetwork,
		ldap.LDAPResultConnectError,
		ldap.LDAPResultTimeout:
		return CategoryConnection
	default:
		return CategoryUnknown
	}
}

// CategoryOf returns the category of err, or CategoryUnknown.
func CategoryOf(err error) ErrorCategory {
	var e *Error
	if errors.As(err, &e) {
		return e.Category
	}
	return CategoryUnknown
}

// IsInvalidCredentials reports whether err is a rejected bind.
func IsInvalidCredentials(err error) bool {
	return CategoryOf(err) == CategoryAuthentication
}
