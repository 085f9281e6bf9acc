package repository

import (
	"context"
	"encoding/json"
	stderrors "errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/pesio-ai/be-pm-approvals/pkg/database"
	"github.com/pesio-ai/be-pm-approvals/pkg/errors"
)

// PostgresStore implements Store on PostgreSQL. Schema lives in migrations/.
type PostgresStore struct {
	db *database.DB
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore creates a new PostgresStore.
func NewPostgresStore(db *database.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// InTransaction runs fn in a single database transaction.
func (s *PostgresStore) InTransaction(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	return s.db.InTransaction(ctx, func(tx pgx.Tx) error {
		return fn(ctx, &pgTx{tx: tx})
	})
}

// Ping checks database connectivity.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.Ping(ctx)
}

// pgTx implements Tx over one pgx transaction.
type pgTx struct {
	tx pgx.Tx
}

var _ Tx = (*pgTx)(nil)

// LockEntity takes pg_advisory_xact_lock on a 64-bit hash of key. The lock is
// released at commit or rollback.
func (t *pgTx) LockEntity(ctx context.Context, key string) error {
	if _, err := t.tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, key); err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to acquire entity lock")
	}
	return nil
}

// ── helpers ───────────────────────────────────────────────────────────────────

type rowScanner interface {
	Scan(dest ...any) error
}

const pgUniqueViolation = "23505"

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return stderrors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation
}

func isNoRows(err error) bool {
	return stderrors.Is(err, pgx.ErrNoRows)
}

// toJSONB marshals v, mapping nil maps and slices to SQL NULL.
func toJSONB(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to marshal jsonb column")
	}
	if string(data) == "null" {
		return nil, nil
	}
	return data, nil
}

func fromJSONB(data []byte, dest any) error {
	if len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, dest); err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to unmarshal jsonb column")
	}
	return nil
}

// versionMiss distinguishes a stale version from a missing row after an
// UPDATE ... WHERE version = $n matched nothing.
func (t *pgTx) versionMiss(ctx context.Context, table, resource, id string) error {
	var exists bool
	err := t.tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM `+table+` WHERE id = $1)`, id).Scan(&exists)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to check "+resource)
	}
	if !exists {
		return errors.NotFound(resource, id)
	}
	return ErrConcurrentUpdate
}
