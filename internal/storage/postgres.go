// internal/storage/postgres.go
package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"

	"tenant-provisioner/internal/model"
	"tenant-provisioner/internal/registry"
)

const uniqueViolation = "23505"

const tenantColumns = `id, name, email, first_name, last_name, admin_username, admin_email, created_by,
	subscription_tier, provisioning_state, account_id, table_name, stack_id, execution_arn,
	execution_status, provisioning_error, deletion_attempts, registered_on, last_modified,
	provisioning_submitted_at, provisioning_completed_at, deletion_submitted_at,
	deletion_failed_at, deleted_at`

const schema = `
CREATE TABLE IF NOT EXISTS tenants (
	id                        TEXT PRIMARY KEY,
	name                      TEXT NOT NULL DEFAULT '',
	email                     TEXT NOT NULL DEFAULT '',
	first_name                TEXT NOT NULL DEFAULT '',
	last_name                 TEXT NOT NULL DEFAULT '',
	admin_username            TEXT NOT NULL DEFAULT '',
	admin_email               TEXT NOT NULL DEFAULT '',
	created_by                TEXT NOT NULL DEFAULT '',
	subscription_tier         TEXT NOT NULL,
	provisioning_state        TEXT NOT NULL,
	account_id                TEXT NOT NULL DEFAULT '',
	table_name                TEXT NOT NULL DEFAULT '',
	stack_id                  TEXT NOT NULL DEFAULT '',
	execution_arn             TEXT NOT NULL DEFAULT '',
	execution_status          TEXT NOT NULL DEFAULT '',
	provisioning_error        TEXT NOT NULL DEFAULT '',
	deletion_attempts         INTEGER NOT NULL DEFAULT 0,
	registered_on             TIMESTAMPTZ NOT NULL,
	last_modified             TIMESTAMPTZ NOT NULL,
	provisioning_submitted_at TIMESTAMPTZ,
	provisioning_completed_at TIMESTAMPTZ,
	deletion_submitted_at     TIMESTAMPTZ,
	deletion_failed_at        TIMESTAMPTZ,
	deleted_at                TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS tenants_state_idx ON tenants (provisioning_state);
`

// PostgresStore keeps the tenant registry in a single Postgres table.
type PostgresStore struct {
	DB *sql.DB
}

func NewPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open db: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to connect to db: %w", err)
	}
	return &PostgresStore{DB: db}, nil
}

// Migrate creates the registry table if it does not exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.DB.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to migrate registry schema: %w", err)
	}
	return nil
}

func (s *PostgresStore) Close() error {
	return s.DB.Close()
}

func (s *PostgresStore) Create(ctx context.Context, t *model.Tenant) error {
	if t.LastModified.IsZero() {
		t.LastModified = time.Now().UTC()
	}
	query := `INSERT INTO tenants (` + tenantColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17,
			$18, $19, $20, $21, $22, $23, $24)`
	_, err := s.DB.ExecContext(ctx, query, tenantArgs(t)...)
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
		return registry.ErrAlreadyExists
	}
	if err != nil {
		return fmt.Errorf("insert failed: %w", err)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (*model.Tenant, error) {
	row := s.DB.QueryRowContext(ctx, `SELECT `+tenantColumns+` FROM tenants WHERE id = $1`, id)
	t, err := scanTenant(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, registry.ErrNotFound
	}
	return t, err
}

func (s *PostgresStore) List(ctx context.Context, f registry.Filter) ([]model.Tenant, error) {
	var (
		where []string
		args  []any
	)
	if len(f.States) > 0 {
		states := make([]string, len(f.States))
		for i, st := range f.States {
			states[i] = string(st)
		}
		args = append(args, pq.Array(states))
		where = append(where, fmt.Sprintf("provisioning_state = ANY($%d)", len(args)))
	}
	if f.Tier != "" {
		args = append(args, string(f.Tier))
		where = append(where, fmt.Sprintf("subscription_tier = $%d", len(args)))
	}

	query := `SELECT ` + tenantColumns + ` FROM tenants`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY registered_on"
	if f.Limit > 0 {
		args = append(args, f.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := s.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query failed: %w", err)
	}
	defer rows.Close()

	var tenants []model.Tenant
	for rows.Next() {
		t, err := scanTenant(rows)
		if err != nil {
			return nil, err
		}
		tenants = append(tenants, *t)
	}
	return tenants, rows.Err()
}

// Apply locks the row, checks the mutation's expectations and writes the result
// in one transaction.
func (s *PostgresStore) Apply(ctx context.Context, id string, m registry.Mutation) (*model.Tenant, error) {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin failed: %w", err)
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, `SELECT `+tenantColumns+` FROM tenants WHERE id = $1 FOR UPDATE`, id)
	t, err := scanTenant(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, registry.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if !m.Satisfied(t) {
		return nil, registry.ErrPrecondition
	}
	m.ApplyTo(t, time.Now().UTC())

	_, err = tx.ExecContext(ctx, `
		UPDATE tenants SET
			name = $2, email = $3, first_name = $4, last_name = $5, admin_username = $6,
			admin_email = $7, created_by = $8, subscription_tier = $9, provisioning_state = $10,
			account_id = $11, table_name = $12, stack_id = $13, execution_arn = $14,
			execution_status = $15, provisioning_error = $16, deletion_attempts = $17,
			registered_on = $18, last_modified = $19, provisioning_submitted_at = $20,
			provisioning_completed_at = $21, deletion_submitted_at = $22,
			deletion_failed_at = $23, deleted_at = $24
		WHERE id = $1`, tenantArgs(t)...)
	if err != nil {
		return nil, fmt.Errorf("update failed: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit failed: %w", err)
	}
	return t, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanTenant(row scanner) (*model.Tenant, error) {
	var t model.Tenant
	err := row.Scan(&t.ID, &t.Name, &t.Email, &t.FirstName, &t.LastName, &t.AdminUsername,
		&t.AdminEmail, &t.CreatedBy, &t.SubscriptionTier, &t.ProvisioningState, &t.AccountID,
		&t.TableName, &t.StackID, &t.ExecutionArn, &t.ExecutionStatus, &t.ProvisioningError,
		&t.DeletionAttempts, &t.RegisteredOn, &t.LastModified, &t.ProvisioningSubmittedAt,
		&t.ProvisioningCompletedAt, &t.DeletionSubmittedAt, &t.DeletionFailedAt, &t.DeletedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan failed: %w", err)
	}
	return &t, nil
}

func tenantArgs(t *model.Tenant) []any {
	return []any{t.ID, t.Name, t.Email, t.FirstName, t.LastName, t.AdminUsername,
		t.AdminEmail, t.CreatedBy, string(t.SubscriptionTier), string(t.ProvisioningState),
		t.AccountID, t.TableName, t.StackID, t.ExecutionArn, t.ExecutionStatus,
		t.ProvisioningError, t.DeletionAttempts, t.RegisteredOn, t.LastModified,
		t.ProvisioningSubmittedAt, t.ProvisioningCompletedAt, t.DeletionSubmittedAt,
		t.DeletionFailedAt, t.DeletedAt}
}
