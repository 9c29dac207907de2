package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"ldapauth/internal/authn"
)

const accountColumns = `
	id, name, email, status,
	ldap_server_id, ldap_puid_attr, ldap_puid, ldap_current_dn, ldap_last_checked, ldap_excluded,
	created_at`

// AccountRepo stores local accounts. Name and email lookups are case
// insensitive.
type AccountRepo struct {
	db *DB
}

// NewAccountRepo constructs an account repository.
func NewAccountRepo(db *DB) *AccountRepo {
	return &AccountRepo{db: db}
}

func (r *AccountRepo) FindByID(ctx context.Context, id int64) (*authn.Account, error) {
	return r.findOne(ctx, "find account by id", `WHERE id = $1`, id)
}

func (r *AccountRepo) FindByName(ctx context.Context, name string) (*authn.Account, error) {
	return r.findOne(ctx, "find account by name", `WHERE lower(name) = lower($1)`, name)
}

func (r *AccountRepo) FindByEmail(ctx context.Context, email string) (*authn.Account, error) {
	if email == "" {
		return nil, nil
	}
	return r.findOne(ctx, "find account by email", `WHERE lower(email) = lower($1) ORDER BY id LIMIT 1`, email)
}

// FindByPUID returns authn.ErrMultipleAccounts when more than one account
// carries the id.
func (r *AccountRepo) FindByPUID(ctx context.Context, serverID, attribute, puid string) (*authn.Account, error) {
	if puid == "" {
		return nil, nil
	}
	rows, err := r.db.Reader().Query(ctx, `SELECT `+accountColumns+` FROM accounts
		WHERE ldap_server_id = $1 AND ldap_puid_attr = $2 AND ldap_puid = $3
		ORDER BY id LIMIT 2`, serverID, attribute, puid)
	if err != nil {
		return nil, fmt.Errorf("find account by puid: %w", err)
	}
	defer rows.Close()

	var out []*authn.Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, fmt.Errorf("scan account: %w", err)
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate accounts: %w", err)
	}

	switch len(out) {
	case 0:
		return nil, nil
	case 1:
		return out[0], nil
	default:
		return nil, authn.ErrMultipleAccounts
	}
}

// Create inserts a and sets its ID and CreatedAt.
func (r *AccountRepo) Create(ctx context.Context, a *authn.Account) error {
	row := r.db.Writer().QueryRow(ctx, `
		INSERT INTO accounts (name, email, status,
			ldap_server_id, ldap_puid_attr, ldap_puid, ldap_current_dn, ldap_last_checked, ldap_excluded)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING id, created_at
	`, a.Name, a.Email, int(a.Status),
		a.Link.ServerID, a.Link.PUIDAttribute, a.Link.PUID, a.Link.CurrentDN, nullTime(a.Link.LastChecked), a.Link.Excluded)
	if err := row.Scan(&a.ID, &a.CreatedAt); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return fmt.Errorf("account '%s' already exists", a.Name)
		}
		return fmt.Errorf("create account: %w", err)
	}
	return nil
}

func (r *AccountRepo) Save(ctx context.Context, a *authn.Account) error {
	tag, err := r.db.Writer().Exec(ctx, `
		UPDATE accounts SET
			name = $2, email = $3, status = $4,
			ldap_server_id = $5, ldap_puid_attr = $6, ldap_puid = $7, ldap_current_dn = $8,
			ldap_last_checked = $9, ldap_excluded = $10
		WHERE id = $1
	`, a.ID, a.Name, a.Email, int(a.Status),
		a.Link.ServerID, a.Link.PUIDAttribute, a.Link.PUID, a.Link.CurrentDN, nullTime(a.Link.LastChecked), a.Link.Excluded)
	if err != nil {
		return fmt.Errorf("save account: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("save account: no account with id %d", a.ID)
	}
	return nil
}

func (r *AccountRepo) findOne(ctx context.Context, op, where string, args ...any) (*authn.Account, error) {
	row := r.db.Reader().QueryRow(ctx, `SELECT `+accountColumns+` FROM accounts `+where, args...)
	a, err := scanAccount(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return a, nil
}

func scanAccount(row pgx.Row) (*authn.Account, error) {
	var (
		a       authn.Account
		status  int
		checked *time.Time
	)
	err := row.Scan(&a.ID, &a.Name, &a.Email, &status,
		&a.Link.ServerID, &a.Link.PUIDAttribute, &a.Link.PUID, &a.Link.CurrentDN, &checked, &a.Link.Excluded,
		&a.CreatedAt)
	if err != nil {
		return nil, err
	}
	a.Status = authn.AccountStatus(status)
	if checked != nil {
		a.Link.LastChecked = *checked
	}
	return &a, nil
}

func nullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
