package authn

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/hashicorp/go-hclog"

	"ldapauth/internal/ldap"
	"ldapauth/internal/logging"
)

// Reconciler matches an authenticated directory identity to a local
// account, creating or updating the account as configured.
type Reconciler struct {
	settings   Settings
	accounts   AccountStore
	identities IdentityMap
	hooks      []Hook
	logs       logging.Sinks
	now        func() time.Time
}

func newReconciler(settings Settings, accounts AccountStore, identities IdentityMap, hooks []Hook, logs logging.Sinks, now func() time.Time) *Reconciler {
	return &Reconciler{
		settings:   settings,
		accounts:   accounts,
		identities: identities,
		hooks:      hooks,
		logs:       logs,
		now:        now,
	}
}

// Reconcile runs after a successful credential test. Any failure leaves
// the session without an account id.
func (r *Reconciler) Reconcile(ctx context.Context, attempt Attempt, session Session) Session {
	session.AccountID = 0
	if attempt.Outcome != OutcomeSuccess || attempt.Server == nil || attempt.Entry == nil {
		return session
	}

	server := attempt.Server
	entry := attempt.Entry.Clone()
	for _, h := range r.hooks {
		h.AlterEntry(ctx, attempt.AuthName, entry)
	}
	attempt = attempt.withServer(server, entry)

	log := r.logs.Detail.With("auth_name", attempt.AuthName, "server_id", server.ID)
	ns := r.settings.IdentityNamespace

	name := attempt.AuthName
	if server.AccountNameAttr != "" {
		name = server.AccountName(entry)
		if name == "" {
			r.logs.Errors.Error("directory entry has no value for the account name attribute",
				"auth_name", attempt.AuthName, "server_id", server.ID, "dn", entry.DN, "attribute", server.AccountNameAttr)
			return session
		}
	}
	attempt.AccountName = name

	account, mapped, err := r.findAccount(ctx, attempt.AuthName, name)
	if err != nil {
		return r.failed(session, attempt, "account lookup failed", err)
	}
	attempt = attempt.withAccount(account, mapped)

	attempt.Email, attempt.EmailFromTemplate = r.email(server, entry, name)

	if attempt.Account == nil {
		if attempt, err = r.repairRename(ctx, attempt, log); err != nil {
			return r.failed(session, attempt, "persistent id repair failed", err)
		}
	}

	if attempt.Account != nil && r.excluded(attempt.Account) {
		r.logs.Errors.Warn("directory identity resolves to an account excluded from directory authentication",
			"auth_name", attempt.AuthName, "server_id", server.ID, "dn", entry.DN, "account_id", attempt.Account.ID)
		return session
	}

	if attempt.Account != nil && !attempt.Mapped {
		if r.settings.UserConflictResolve == ConflictLog && !linkedTo(attempt.Account, server, entry) {
			r.logs.Errors.Error("a local account with this name exists but is not linked to the directory; not associating",
				"auth_name", attempt.AuthName, "server_id", server.ID, "account_id", attempt.Account.ID)
			return session.withError(msgConflict)
		}
		if err := r.identities.Associate(ctx, ns, attempt.AuthName, attempt.Account.ID); err != nil {
			return r.failed(session, attempt, "identity association failed", err)
		}
		log.Info("associated existing local account", "account_id", attempt.Account.ID)
		attempt = attempt.withAccount(attempt.Account, true)
	}

	if attempt.Account != nil {
		if session, err = r.updateEmail(ctx, attempt, session, log); err != nil {
			return r.failed(session, attempt, "email update failed", err)
		}
	} else {
		attempt, err = r.provision(ctx, attempt, log)
		switch {
		case errors.Is(err, errEmailConflict):
			r.logs.Errors.Error("cannot provision account: email address belongs to another local account",
				"auth_name", attempt.AuthName, "server_id", server.ID, "email", attempt.Email)
			return session.withError(msgConflict)
		case errors.Is(err, errProvisioningDisabled):
			r.logs.Errors.Info("no local account and provisioning on authentication is disabled",
				"auth_name", attempt.AuthName, "server_id", server.ID)
			return session
		case err != nil:
			return r.failed(session, attempt, "provisioning failed", err)
		}
	}

	account = attempt.Account
	account.Link.ServerID = server.ID
	account.Link.PUIDAttribute = server.PUIDAttr
	account.Link.PUID = server.PUID(entry)
	account.Link.CurrentDN = entry.DN
	account.Link.LastChecked = r.now()
	if err := r.accounts.Save(ctx, account); err != nil {
		return r.failed(session, attempt, "saving account failed", err)
	}

	if account.Status == StatusBlocked {
		log.Info("local account is blocked", "account_id", account.ID)
		return session.withError(fmt.Sprintf(msgBlocked, account.Name))
	}

	log.Debug("login reconciled", "account_id", account.ID, "account_name", account.Name)
	session.AccountID = account.ID
	return session
}

var (
	errEmailConflict        = errors.New("email address belongs to another account")
	errProvisioningDisabled = errors.New("provisioning on authentication is disabled")
)

func (r *Reconciler) excluded(account *Account) bool {
	return r.settings.excludedAccount(account.ID) || account.Link.Excluded
}

// linkedTo reports whether account was last reconciled with entry. Such
// an account came from this directory even when its identity mapping is
// missing.
func linkedTo(account *Account, server *ldap.ServerConfig, entry *ldap.Entry) bool {
	if account.Link.ServerID != server.ID {
		return false
	}
	if puid := server.PUID(entry); server.PUIDAttr != "" && puid != "" {
		return account.Link.PUIDAttribute == server.PUIDAttr && account.Link.PUID == puid
	}
	return account.Link.CurrentDN != "" && strings.EqualFold(account.Link.CurrentDN, entry.DN)
}

func (r *Reconciler) failed(session Session, attempt Attempt, msg string, err error) Session {
	r.logs.Errors.Error(msg, "auth_name", attempt.AuthName, "server_id", attempt.Server.ID, "error", err)
	session.AccountID = 0
	return session
}

// findAccount prefers the identity map entry for authName, then an
// account named name.
func (r *Reconciler) findAccount(ctx context.Context, authName, name string) (*Account, bool, error) {
	ns := r.settings.IdentityNamespace
	id, ok, err := r.identities.Lookup(ctx, ns, authName)
	if err != nil {
		return nil, false, err
	}
	if ok {
		account, err := r.accounts.FindByID(ctx, id)
		if err != nil {
			return nil, false, err
		}
		if account != nil {
			return account, true, nil
		}
	}

	account, err := r.accounts.FindByName(ctx, name)
	if err != nil || account == nil {
		return nil, false, err
	}
	mapped, err := r.identities.IsMapped(ctx, ns, account.ID)
	if err != nil {
		return nil, false, err
	}
	return account, mapped, nil
}

// email returns the address for the account and whether the template
// produced it.
func (r *Reconciler) email(server *ldap.ServerConfig, entry *ldap.Entry, name string) (string, bool) {
	mail := server.Mail(entry)
	if r.settings.EmailTemplate == "" {
		return mail, false
	}
	switch r.settings.EmailTemplateHandling {
	case EmailTemplateAlways:
		return expandEmailTemplate(r.settings.EmailTemplate, name), true
	case EmailTemplateIfEmpty:
		if mail == "" {
			return expandEmailTemplate(r.settings.EmailTemplate, name), true
		}
	}
	return mail, false
}

func expandEmailTemplate(template, name string) string {
	return strings.ReplaceAll(template, "@username", name)
}

// repairRename finds an account already carrying the entry's persistent
// id. Its name has drifted from the directory, so it is renamed and
// linked.
func (r *Reconciler) repairRename(ctx context.Context, attempt Attempt, log hclog.Logger) (Attempt, error) {
	server := attempt.Server
	puid := server.PUID(attempt.Entry)
	if server.PUIDAttr == "" || puid == "" {
		return attempt, nil
	}

	account, err := r.accounts.FindByPUID(ctx, server.ID, server.PUIDAttr, puid)
	if errors.Is(err, ErrMultipleAccounts) {
		r.logs.Errors.Error("several local accounts carry the same persistent id; not repairing",
			"auth_name", attempt.AuthName, "server_id", server.ID, "puid", puid)
		return attempt, nil
	}
	if err != nil || account == nil {
		return attempt, err
	}
	if r.excluded(account) {
		return attempt.withAccount(account, false), nil
	}

	if account.Name != attempt.AccountName {
		log.Info("renaming local account to match the directory", "account_id", account.ID, "from", account.Name, "to", attempt.AccountName)
		account.Name = attempt.AccountName
		if err := r.accounts.Save(ctx, account); err != nil {
			return attempt, err
		}
	}
	if err := r.identities.Associate(ctx, r.settings.IdentityNamespace, attempt.AuthName, account.ID); err != nil {
		return attempt, err
	}
	return attempt.withAccount(account, true), nil
}

// updateEmail brings a linked account's address in line with the
// directory.
func (r *Reconciler) updateEmail(ctx context.Context, attempt Attempt, session Session, log hclog.Logger) (Session, error) {
	account := attempt.Account
	email := attempt.Email
	switch {
	case email == "", strings.EqualFold(account.Email, email):
		return session, nil
	case r.settings.EmailUpdate == EmailUpdateNever:
		return session, nil
	case attempt.EmailFromTemplate && r.settings.EmailTemplateUsageNeverUpdate:
		return session, nil
	}

	other, err := r.accounts.FindByEmail(ctx, email)
	if err != nil {
		return session, err
	}
	if other != nil && other.ID != account.ID {
		r.logs.Errors.Warn("directory email address is used by another local account; not updating",
			"auth_name", attempt.AuthName, "server_id", attempt.Server.ID, "account_id", account.ID, "other_account_id", other.ID)
		return session, nil
	}

	log.Info("updating email address", "account_id", account.ID)
	account.Email = email
	if r.settings.EmailUpdate == EmailUpdateNotify {
		session = session.withMessage(LevelStatus, fmt.Sprintf(msgEmailUpdated, email))
	}
	return session, nil
}

// provision creates the local account. The address is retried once with
// the email template when the directory one is taken. The account is
// created already linked to the entry, so a failed association is
// repaired on the next login.
func (r *Reconciler) provision(ctx context.Context, attempt Attempt, log hclog.Logger) (Attempt, error) {
	conflict, err := r.emailTaken(ctx, attempt.Email)
	if err != nil {
		return attempt, err
	}
	if conflict && r.settings.EmailTemplateUsageResolveConflict && !attempt.EmailFromTemplate {
		template := r.settings.EmailTemplate
		if template == "" {
			template = DefaultEmailTemplate
		}
		attempt.Email = expandEmailTemplate(template, attempt.AccountName)
		attempt.EmailFromTemplate = true
		log.Info("directory email address is taken; using the email template", "email", attempt.Email)
		if conflict, err = r.emailTaken(ctx, attempt.Email); err != nil {
			return attempt, err
		}
	}
	if conflict {
		return attempt, errEmailConflict
	}
	if !r.settings.ProvisionOnAuthentication {
		return attempt, errProvisioningDisabled
	}

	status := StatusActive
	if r.settings.Registration == RegistrationAdminApproval {
		status = StatusBlocked
	}
	server := attempt.Server
	account := &Account{
		Name:      attempt.AccountName,
		Email:     attempt.Email,
		Status:    status,
		CreatedAt: r.now(),
		Link: DirectoryLink{
			ServerID:      server.ID,
			PUIDAttribute: server.PUIDAttr,
			PUID:          server.PUID(attempt.Entry),
			CurrentDN:     attempt.Entry.DN,
		},
	}
	if err := r.accounts.Create(ctx, account); err != nil {
		return attempt, err
	}
	if err := r.identities.Associate(ctx, r.settings.IdentityNamespace, attempt.AuthName, account.ID); err != nil {
		return attempt, err
	}
	log.Info("provisioned local account", "account_id", account.ID, "account_name", account.Name)
	return attempt.withAccount(account, true), nil
}

func (r *Reconciler) emailTaken(ctx context.Context, email string) (bool, error) {
	if email == "" {
		return false, nil
	}
	other, err := r.accounts.FindByEmail(ctx, email)
	if err != nil {
		return false, err
	}
	return other != nil, nil
}
