// internal/loans/postgres.go
package loans

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/doug-martin/goqu/v9"
	_ "github.com/doug-martin/goqu/v9/dialect/postgres"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"libranexus/internal/outbox"
)

const schema = `
CREATE TABLE IF NOT EXISTS loans (
	id             UUID PRIMARY KEY,
	user_id        TEXT NOT NULL,
	book_id        TEXT NOT NULL,
	book_title     TEXT NOT NULL DEFAULT '',
	status         TEXT NOT NULL CHECK (status IN ('requested', 'active', 'returned', 'failed')),
	sequence       INT NOT NULL DEFAULT 0,
	failure_reason TEXT NOT NULL DEFAULT '',
	created_at     TIMESTAMPTZ NOT NULL,
	updated_at     TIMESTAMPTZ NOT NULL,
	due_at         TIMESTAMPTZ,
	returned_at    TIMESTAMPTZ
);

CREATE INDEX IF NOT EXISTS loans_user_created_idx ON loans (user_id, created_at DESC);
CREATE INDEX IF NOT EXISTS loans_status_idx ON loans (status);
`

var loanColumns = []any{
	"id", "user_id", "book_id", "book_title", "status", "sequence", "failure_reason",
	"created_at", "updated_at", "due_at", "returned_at",
}

var dialect = goqu.Dialect("postgres")

// PostgresRepository stores loans and their outbox in one database so both
// commit in the same transaction.
type PostgresRepository struct {
	db     *sqlx.DB
	outbox *outbox.PostgresStore
}

func NewPostgresRepository(db *sqlx.DB, store *outbox.PostgresStore) *PostgresRepository {
	return &PostgresRepository{db: db, outbox: store}
}

// Migrate creates the loans and outbox tables.
func (r *PostgresRepository) Migrate(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("migrate loans: %w", err)
	}
	if _, err := r.db.ExecContext(ctx, outbox.Schema); err != nil {
		return fmt.Errorf("migrate outbox: %w", err)
	}
	return nil
}

func (r *PostgresRepository) Insert(ctx context.Context, loan *Loan, events ...outbox.Event) error {
	return r.inTx(ctx, func(tx *sqlx.Tx) error {
		_, err := tx.NamedExecContext(ctx, `
			INSERT INTO loans (id, user_id, book_id, book_title, status, sequence, failure_reason,
				created_at, updated_at, due_at, returned_at)
			VALUES (:id, :user_id, :book_id, :book_title, :status, :sequence, :failure_reason,
				:created_at, :updated_at, :due_at, :returned_at)
		`, loan)
		if err != nil {
			return fmt.Errorf("insert loan: %w", err)
		}
		return r.append(ctx, tx, events)
	})
}

func (r *PostgresRepository) Transition(ctx context.Context, loan *Loan, from Status, events ...outbox.Event) error {
	return r.inTx(ctx, func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE loans
			SET status = $1, sequence = $2, updated_at = $3, returned_at = $4
			WHERE id = $5 AND status = $6
		`, loan.Status, loan.Sequence, loan.UpdatedAt, loan.ReturnedAt, loan.ID, from)
		if err != nil {
			return fmt.Errorf("update loan: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("update loan: %w", err)
		}
		if n == 0 {
			return ErrStaleStatus
		}
		return r.append(ctx, tx, events)
	})
}

func (r *PostgresRepository) append(ctx context.Context, tx *sqlx.Tx, events []outbox.Event) error {
	if len(events) == 0 {
		return nil
	}
	return r.outbox.Append(ctx, tx, events...)
}

func (r *PostgresRepository) inTx(ctx context.Context, fn func(*sqlx.Tx) error) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func (r *PostgresRepository) Get(ctx context.Context, id uuid.UUID) (*Loan, error) {
	query, args, err := dialect.From("loans").Select(loanColumns...).
		Where(goqu.C("id").Eq(id.String())).
		Prepared(true).ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build query: %w", err)
	}

	var loan Loan
	if err := r.db.GetContext(ctx, &loan, query, args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrLoanNotFound
		}
		return nil, err
	}
	return &loan, nil
}

func (r *PostgresRepository) List(ctx context.Context, filter Filter) ([]*Loan, error) {
	ds := dialect.From("loans").Select(loanColumns...)
	if filter.UserID != "" {
		ds = ds.Where(goqu.C("user_id").Eq(filter.UserID))
	}
	if filter.Status != "" {
		ds = ds.Where(goqu.C("status").Eq(string(filter.Status)))
	}
	query, args, err := ds.
		Order(goqu.C("created_at").Desc(), goqu.C("id").Desc()).
		Limit(uint(filter.Limit)).
		Prepared(true).ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build query: %w", err)
	}

	loans := []*Loan{}
	if err := r.db.SelectContext(ctx, &loans, query, args...); err != nil {
		return nil, err
	}
	return loans, nil
}

func (r *PostgresRepository) Events(ctx context.Context, id uuid.UUID) ([]outbox.Event, error) {
	return r.outbox.LoadEvents(ctx, id)
}
