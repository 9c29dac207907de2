package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// IdentityMapRepo maps external login names to accounts per provider
// namespace.
type IdentityMapRepo struct {
	db *DB
}

func NewIdentityMapRepo(db *DB) *IdentityMapRepo {
	return &IdentityMapRepo{db: db}
}

func (r *IdentityMapRepo) Lookup(ctx context.Context, namespace, name string) (int64, bool, error) {
	var id int64
	err := r.db.Reader().QueryRow(ctx, `
		SELECT account_id FROM authmap
		WHERE provider = $1 AND lower(authname) = lower($2)
	`, namespace, name).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("lookup identity: %w", err)
	}
	return id, true, nil
}

// Associate replaces the account's mapping in namespace. A mapping of the
// same name held by another account is moved to accountID.
func (r *IdentityMapRepo) Associate(ctx context.Context, namespace, name string, accountID int64) error {
	err := pgx.BeginFunc(ctx, r.db.Writer(), func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `
			DELETE FROM authmap
			WHERE provider = $1 AND lower(authname) = lower($2) AND account_id <> $3
		`, namespace, name, accountID); err != nil {
			return err
		}
		_, err := tx.Exec(ctx, `
			INSERT INTO authmap (account_id, provider, authname)
			VALUES ($1, $2, $3)
			ON CONFLICT (account_id, provider) DO UPDATE SET authname = EXCLUDED.authname
		`, accountID, namespace, name)
		return err
	})
	if err != nil {
		return fmt.Errorf("associate identity: %w", err)
	}
	return nil
}

func (r *IdentityMapRepo) IsMapped(ctx context.Context, namespace string, accountID int64) (bool, error) {
	var mapped bool
	err := r.db.Reader().QueryRow(ctx, `
		SELECT EXISTS (SELECT 1 FROM authmap WHERE provider = $1 AND account_id = $2)
	`, namespace, accountID).Scan(&mapped)
	if err != nil {
		return false, fmt.Errorf("check identity mapping: %w", err)
	}
	return mapped, nil
}
