// internal/catalog/postgres.go
package catalog

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const schema = `
CREATE TABLE IF NOT EXISTS books (
	id               TEXT PRIMARY KEY,
	isbn             TEXT NOT NULL DEFAULT '',
	title            TEXT NOT NULL,
	author           TEXT NOT NULL DEFAULT '',
	total_copies     INT NOT NULL CHECK (total_copies >= 0),
	available_copies INT NOT NULL CHECK (available_copies >= 0),
	reserved_copies  INT NOT NULL DEFAULT 0 CHECK (reserved_copies >= 0),
	version          BIGINT NOT NULL DEFAULT 1,
	created_at       TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at       TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	CHECK (available_copies + reserved_copies <= total_copies)
);

CREATE TABLE IF NOT EXISTS reservations (
	id          TEXT PRIMARY KEY,
	book_id     TEXT NOT NULL REFERENCES books(id),
	status      TEXT NOT NULL,
	created_at  TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	released_at TIMESTAMPTZ
);

CREATE INDEX IF NOT EXISTS reservations_book_idx ON reservations (book_id, status);
`

// PostgresStore is the pgx-backed ledger store.
type PostgresStore struct {
	db *pgxpool.Pool
}

func NewPostgresStore(db *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the ledger tables if they do not exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, schema); err != nil {
		return fmt.Errorf("migrate catalog schema: %w", err)
	}
	return nil
}

func (s *PostgresStore) CreateBook(ctx context.Context, b *Book) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO books (id, isbn, title, author, total_copies, available_copies, reserved_copies, version, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, b.ID, b.ISBN, b.Title, b.Author, b.TotalCopies, b.AvailableCopies, b.ReservedCopies, b.Version, b.CreatedAt, b.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert book: %w", err)
	}
	return nil
}

const bookColumns = `id, isbn, title, author, total_copies, available_copies, reserved_copies, version, created_at, updated_at`

func scanBook(row pgx.Row) (*Book, error) {
	b := &Book{}
	err := row.Scan(&b.ID, &b.ISBN, &b.Title, &b.Author, &b.TotalCopies, &b.AvailableCopies,
		&b.ReservedCopies, &b.Version, &b.CreatedAt, &b.UpdatedAt)
	return b, err
}

func (s *PostgresStore) GetBook(ctx context.Context, id string) (*Book, error) {
	b, err := scanBook(s.db.QueryRow(ctx, `SELECT `+bookColumns+` FROM books WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrBookNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get book: %w", err)
	}
	return b, nil
}

func (s *PostgresStore) ListBooks(ctx context.Context, query string, limit int) ([]*Book, error) {
	var (
		rows pgx.Rows
		err  error
	)
	if query == "" {
		rows, err = s.db.Query(ctx, `SELECT `+bookColumns+` FROM books ORDER BY title LIMIT $1`, limit)
	} else {
		rows, err = s.db.Query(ctx, `
			SELECT `+bookColumns+`
			FROM books
			WHERE to_tsvector('english', title || ' ' || author) @@ plainto_tsquery('english', $1)
			ORDER BY title
			LIMIT $2
		`, query, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("list books: %w", err)
	}
	defer rows.Close()

	var books []*Book
	for rows.Next() {
		b, err := scanBook(rows)
		if err != nil {
			return nil, fmt.Errorf("scan book: %w", err)
		}
		books = append(books, b)
	}
	return books, rows.Err()
}

func (s *PostgresStore) GetReservation(ctx context.Context, id string) (*Reservation, error) {
	r := &Reservation{}
	err := s.db.QueryRow(ctx, `
		SELECT id, book_id, status, created_at, released_at FROM reservations WHERE id = $1
	`, id).Scan(&r.ID, &r.BookID, &r.Status, &r.CreatedAt, &r.ReleasedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrReservationNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get reservation: %w", err)
	}
	return r, nil
}

// Apply performs the version-checked update and the reservation write in one transaction.
func (s *PostgresStore) Apply(ctx context.Context, m Mutation) error {
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `
		UPDATE books
		SET available_copies = $1, reserved_copies = $2, version = version + 1, updated_at = NOW()
		WHERE id = $3 AND version = $4
	`, m.Book.AvailableCopies, m.Book.ReservedCopies, m.Book.ID, m.Book.Version)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23514" {
			return fmt.Errorf("book %s: inventory invariant rejected by database: %w", m.Book.ID, err)
		}
		return fmt.Errorf("update book: %w", err)
	}
	if tag.RowsAffected() != 1 {
		return ErrVersionConflict
	}

	switch m.Reservation.Status {
	case ReservationHeld:
		tag, err = tx.Exec(ctx, `
			INSERT INTO reservations (id, book_id, status, created_at)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (id) DO NOTHING
		`, m.Reservation.ID, m.Reservation.BookID, m.Reservation.Status, m.Reservation.CreatedAt)
	case ReservationReleased:
		tag, err = tx.Exec(ctx, `
			INSERT INTO reservations (id, book_id, status, created_at, released_at)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (id) DO UPDATE SET status = EXCLUDED.status, released_at = EXCLUDED.released_at
			WHERE reservations.status = 'reserved'
		`, m.Reservation.ID, m.Reservation.BookID, m.Reservation.Status, m.Reservation.CreatedAt, m.Reservation.ReleasedAt)
	default:
		return fmt.Errorf("unknown reservation status %q", m.Reservation.Status)
	}
	if err != nil {
		return fmt.Errorf("write reservation: %w", err)
	}
	if tag.RowsAffected() != 1 {
		return ErrVersionConflict
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}
