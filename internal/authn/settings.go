// Package authn decides logins against directory servers and keeps local
// accounts in step with the directory entries they authenticate as.
package authn

import (
	"fmt"
	"time"
)

// Mode controls how directory logins coexist with local passwords.
type Mode string

const (
	// ModeExclusive makes the directory the only way in and surfaces
	// directory failures to the user.
	ModeExclusive Mode = "exclusive"
	// ModeMixed lets local password logins proceed when the directory
	// rejects a name.
	ModeMixed Mode = "mixed"
)

// EmailTemplateHandling says when the email template replaces the
// directory address.
type EmailTemplateHandling string

const (
	EmailTemplateNone    EmailTemplateHandling = "none"
	EmailTemplateIfEmpty EmailTemplateHandling = "if_empty"
	EmailTemplateAlways  EmailTemplateHandling = "always"
)

// EmailUpdate says what happens when the directory address differs from
// the local one.
type EmailUpdate string

const (
	EmailUpdateNotify EmailUpdate = "update_notify"
	EmailUpdateSilent EmailUpdate = "update"
	EmailUpdateNever  EmailUpdate = "never"
)

// ConflictResolution applies when a local account shares the directory
// name but has never been linked to it.
type ConflictResolution string

const (
	ConflictLog       ConflictResolution = "log"
	ConflictAssociate ConflictResolution = "associate"
)

// Registration is the status given to provisioned accounts.
type Registration string

const (
	RegistrationActive        Registration = "active"
	RegistrationAdminApproval Registration = "admin_approval"
)

// DefaultEmailTemplate is used when a conflict needs a template email but
// none is configured.
const DefaultEmailTemplate = "@username@localhost"

// Settings configures login decisions and account reconciliation.
type Settings struct {
	Mode Mode `yaml:"mode" default:"mixed"`

	// ExcludeIfTextInDN rejects entries whose DN contains any of these,
	// case-insensitively.
	ExcludeIfTextInDN []string `yaml:"exclude_if_text_in_dn"`
	// AllowOnlyIfTextInDN, when non-empty, requires the DN to contain one.
	AllowOnlyIfTextInDN []string `yaml:"allow_only_if_text_in_dn"`
	// ExcludeIfNoAuthorizations rejects users the authorization mapping
	// grants nothing.
	ExcludeIfNoAuthorizations bool `yaml:"exclude_if_no_authorizations"`

	EmailTemplate                     string                `yaml:"email_template"`
	EmailTemplateHandling             EmailTemplateHandling `yaml:"email_template_handling" default:"none"`
	EmailTemplateUsageResolveConflict bool                  `yaml:"email_template_usage_resolve_conflict"`
	EmailTemplateUsageNeverUpdate     bool                  `yaml:"email_template_usage_never_update"`
	EmailUpdate                       EmailUpdate           `yaml:"email_update" default:"update_notify"`

	UserConflictResolve       ConflictResolution `yaml:"user_conflict_resolve" default:"associate"`
	ProvisionOnAuthentication bool               `yaml:"provision_on_authentication" default:"true"`
	Registration              Registration       `yaml:"registration" default:"active"`

	// ExcludedAccountIDs never authenticate against the directory.
	ExcludedAccountIDs []int64 `yaml:"excluded_account_ids" default:"[1]"`
	// IdentityNamespace keys directory names in the identity map.
	IdentityNamespace string `yaml:"identity_namespace" default:"ldap_user"`

	// AttemptTimeout bounds a whole login attempt across servers. Zero
	// means no bound beyond per-server timeouts.
	AttemptTimeout time.Duration `yaml:"attempt_timeout"`
}

// DefaultSettings returns the settings used when none are configured.
func DefaultSettings() Settings {
	return Settings{
		Mode:                      ModeMixed,
		EmailTemplateHandling:     EmailTemplateNone,
		EmailUpdate:               EmailUpdateNotify,
		UserConflictResolve:       ConflictAssociate,
		ProvisionOnAuthentication: true,
		Registration:              RegistrationActive,
		ExcludedAccountIDs:        []int64{1},
		IdentityNamespace:         "ldap_user",
	}
}

// Validate rejects unknown enumeration values.
func (s Settings) Validate() error {
	switch s.Mode {
	case ModeExclusive, ModeMixed:
	default:
		return fmt.Errorf("unknown authentication mode %q", s.Mode)
	}
	switch s.EmailTemplateHandling {
	case EmailTemplateNone, EmailTemplateIfEmpty, EmailTemplateAlways:
	default:
		return fmt.Errorf("unknown email template handling %q", s.EmailTemplateHandling)
	}
	switch s.EmailUpdate {
	case EmailUpdateNotify, EmailUpdateSilent, EmailUpdateNever:
	default:
		return fmt.Errorf("unknown email update policy %q", s.EmailUpdate)
	}
	switch s.UserConflictResolve {
	case ConflictLog, ConflictAssociate:
	default:
		return fmt.Errorf("unknown user conflict resolution %q", s.UserConflictResolve)
	}
	switch s.Registration {
	case RegistrationActive, RegistrationAdminApproval:
	default:
		return fmt.Errorf("unknown registration policy %q", s.Registration)
	}
	if s.IdentityNamespace == "" {
		return fmt.Errorf("identity namespace is empty")
	}
	return nil
}

func (s Settings) excludedAccount(id int64) bool {
	for _, x := range s.ExcludedAccountIDs {
		if x == id {
			return true
		}
	}
	return false
}
