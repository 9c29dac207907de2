package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"ldapauth/internal/ldap"
)

// ServerRepo keeps directory server definitions in the database. The
// definition is stored as JSON; the bind password is sealed separately.
type ServerRepo struct {
	db      *DB
	secrets *SecretBox
}

func NewServerRepo(db *DB, secrets *SecretBox) *ServerRepo {
	return &ServerRepo{db: db, secrets: secrets}
}

// ListEnabledForAuthentication implements ldap.Registry.
func (r *ServerRepo) ListEnabledForAuthentication(ctx context.Context) ([]*ldap.ServerConfig, error) {
	return r.list(ctx, `WHERE enabled AND authentication`)
}

// List returns every stored server.
func (r *ServerRepo) List(ctx context.Context) ([]*ldap.ServerConfig, error) {
	return r.list(ctx, ``)
}

// Load implements ldap.Registry.
func (r *ServerRepo) Load(ctx context.Context, id string) (*ldap.ServerConfig, error) {
	var def []byte
	var sealed string
	err := r.db.Reader().QueryRow(ctx, `
		SELECT definition, bind_password FROM ldap_servers WHERE id = $1
	`, id).Scan(&def, &sealed)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ldap.ErrServerNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("load server: %w", err)
	}
	return r.decode(id, def, sealed)
}

// Upsert validates and stores cfg, replacing any server with the same id.
func (r *ServerRepo) Upsert(ctx context.Context, cfg *ldap.ServerConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	def, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("encode server %s: %w", cfg.ID, err)
	}
	sealed, err := r.secrets.Seal(cfg.BindPassword)
	if err != nil {
		return fmt.Errorf("seal bind password for %s: %w", cfg.ID, err)
	}

	_, err = r.db.Writer().Exec(ctx, `
		INSERT INTO ldap_servers (id, weight, enabled, authentication, definition, bind_password)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO UPDATE SET
			weight = EXCLUDED.weight,
			enabled = EXCLUDED.enabled,
			authentication = EXCLUDED.authentication,
			definition = EXCLUDED.definition,
			bind_password = EXCLUDED.bind_password,
			updated_at = NOW()
	`, cfg.ID, cfg.Weight, cfg.Enabled, cfg.Authentication, def, sealed)
	if err != nil {
		return fmt.Errorf("upsert server %s: %w", cfg.ID, err)
	}
	return nil
}

// Delete removes a server definition.
func (r *ServerRepo) Delete(ctx context.Context, id string) error {
	_, err := r.db.Writer().Exec(ctx, `DELETE FROM ldap_servers WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete server: %w", err)
	}
	return nil
}

func (r *ServerRepo) list(ctx context.Context, where string) ([]*ldap.ServerConfig, error) {
	rows, err := r.db.Reader().Query(ctx, `
		SELECT id, definition, bind_password FROM ldap_servers `+where+`
		ORDER BY weight ASC, id ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("list servers: %w", err)
	}
	defer rows.Close()

	var out []*ldap.ServerConfig
	for rows.Next() {
		var (
			id     string
			def    []byte
			sealed string
		)
		if err := rows.Scan(&id, &def, &sealed); err != nil {
			return nil, fmt.Errorf("scan server: %w", err)
		}
		cfg, err := r.decode(id, def, sealed)
		if err != nil {
			return nil, err
		}
		out = append(out, cfg)
	}
	if rows.Err() != nil {
		return nil, fmt.Errorf("iterate servers: %w", rows.Err())
	}
	return out, nil
}

// decode rebuilds a server from its stored row. The id column wins over
// the copy inside the JSON definition.
func (r *ServerRepo) decode(id string, def []byte, sealed string) (*ldap.ServerConfig, error) {
	var cfg ldap.ServerConfig
	if err := json.Unmarshal(def, &cfg); err != nil {
		return nil, fmt.Errorf("decode server %s: %w", id, err)
	}
	cfg.ID = id
	password, err := r.secrets.Open(sealed)
	if err != nil {
		return nil, fmt.Errorf("bind password for %s: %w", id, err)
	}
	cfg.BindPassword = password
	return &cfg, nil
}
