package stores

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/google/uuid"

	"github.com/openfroyo/froyopkg/pkg/engine"

	// SQLite driver
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.New("not found")

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db  *sql.DB
	cfg Config
	now func() time.Time
}

// Config holds SQLite store configuration
type Config struct {
	Path            string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// NewSQLiteStore creates a new SQLite store instance
func NewSQLiteStore(cfg Config) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	if cfg.MaxOpenConns == 0 {
		cfg.MaxOpenConns = 4
	}
	if cfg.MaxIdleConns == 0 {
		cfg.MaxIdleConns = 2
	}
	if cfg.ConnMaxLifetime == 0 {
		cfg.ConnMaxLifetime = 5 * time.Minute
	}
	// Every connection to :memory: opens a separate database.
	if isMemory(cfg.Path) {
		cfg.MaxOpenConns = 1
		cfg.MaxIdleConns = 1
		cfg.ConnMaxLifetime = 0
	}

	return &SQLiteStore{cfg: cfg, now: time.Now}, nil
}

func isMemory(path string) bool {
	return path == ":memory:" || strings.Contains(path, "mode=memory")
}

func (s *SQLiteStore) dsn() string {
	if isMemory(s.cfg.Path) {
		return s.cfg.Path + "?_pragma=foreign_keys(1)"
	}
	return fmt.Sprintf("file:%s?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)&_txlock=immediate", s.cfg.Path)
}

// Init opens the database connection and enables WAL mode for file
// databases.
func (s *SQLiteStore) Init(ctx context.Context) error {
	db, err := sql.Open("sqlite", s.dsn())
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(s.cfg.MaxOpenConns)
	db.SetMaxIdleConns(s.cfg.MaxIdleConns)
	db.SetConnMaxLifetime(s.cfg.ConnMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to ping database: %w", err)
	}

	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys = ON"); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	s.db = db
	return nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Migrate runs database migrations.
func (s *SQLiteStore) Migrate(_ context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	driver, err := migratesqlite.WithInstance(s.db, &migratesqlite.Config{})
	if err != nil {
		return fmt.Errorf("failed to create database driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// BeginTransaction records a new running transaction against imageRoot.
func (s *SQLiteStore) BeginTransaction(ctx context.Context, imageRoot string) (*Transaction, error) {
	now := s.now().UTC()
	tx := &Transaction{
		ID:        uuid.NewString(),
		ImageRoot: imageRoot,
		Status:    engine.RunStatusRunning,
		StartedAt: now,
		CreatedAt: now,
		UpdatedAt: now,
	}

	query := `
		INSERT INTO transactions (id, image_root, status, reboot_needed, started_at, created_at, updated_at)
		VALUES (?, ?, ?, 0, ?, ?, ?)
	`
	if _, err := s.db.ExecContext(ctx, query,
		tx.ID, tx.ImageRoot, tx.Status, tx.StartedAt, tx.CreatedAt, tx.UpdatedAt,
	); err != nil {
		return nil, fmt.Errorf("failed to create transaction: %w", err)
	}

	return tx, nil
}

// FinishTransaction sets the final status of a transaction.
func (s *SQLiteStore) FinishTransaction(ctx context.Context, id string, status engine.RunStatus, rebootNeeded bool, errMsg *string) error {
	if err := status.Validate(); err != nil {
		return err
	}
	if !status.IsTerminal() {
		return fmt.Errorf("cannot finish transaction %s with non-terminal status %s", id, status)
	}

	query := `
		UPDATE transactions
		SET status = ?, reboot_needed = ?, error = ?, completed_at = ?
		WHERE id = ?
	`
	result, err := s.db.ExecContext(ctx, query, status, rebootNeeded, errMsg, s.now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to update transaction: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("transaction %s: %w", id, ErrNotFound)
	}

	return nil
}

const transactionColumns = `id, image_root, status, reboot_needed, started_at, completed_at, error, created_at, updated_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanTransaction(row scanner) (*Transaction, error) {
	tx := &Transaction{}
	err := row.Scan(
		&tx.ID,
		&tx.ImageRoot,
		&tx.Status,
		&tx.RebootNeeded,
		&tx.StartedAt,
		&tx.CompletedAt,
		&tx.Error,
		&tx.CreatedAt,
		&tx.UpdatedAt,
	)
	return tx, err
}

// GetTransaction retrieves a transaction by ID
func (s *SQLiteStore) GetTransaction(ctx context.Context, id string) (*Transaction, error) {
	query := `SELECT ` + transactionColumns + ` FROM transactions WHERE id = ?`

	tx, err := scanTransaction(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("transaction %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get transaction: %w", err)
	}

	return tx, nil
}

// ListTransactions lists transactions, newest first.
func (s *SQLiteStore) ListTransactions(ctx context.Context, limit, offset int) ([]*Transaction, error) {
	query := `SELECT ` + transactionColumns + `
		FROM transactions
		ORDER BY started_at DESC, rowid DESC
		LIMIT ? OFFSET ?
	`

	rows, err := s.db.QueryContext(ctx, query, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list transactions: %w", err)
	}
	defer rows.Close()

	txs := []*Transaction{}
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan transaction: %w", err)
		}
		txs = append(txs, tx)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating transactions: %w", err)
	}

	return txs, nil
}

// RecordTransition appends a plan transition to its transaction. ID,
// sequence number and timestamp are filled in.
func (s *SQLiteStore) RecordTransition(ctx context.Context, tr *Transition) error {
	if err := tr.Operation.Validate(); err != nil {
		return err
	}
	if err := tr.State.Validate(); err != nil {
		return err
	}
	if tr.ID == "" {
		tr.ID = uuid.NewString()
	}
	if tr.RecordedAt.IsZero() {
		tr.RecordedAt = s.now().UTC()
	}

	query := `
		INSERT INTO transitions (id, transaction_id, seq, origin, destination, operation, state, action_count, error, recorded_at)
		VALUES (?, ?, (SELECT COALESCE(MAX(seq), 0) + 1 FROM transitions WHERE transaction_id = ?), ?, ?, ?, ?, ?, ?, ?)
		RETURNING seq
	`
	err := s.db.QueryRowContext(ctx, query,
		tr.ID,
		tr.TransactionID,
		tr.TransactionID,
		tr.Origin,
		tr.Destination,
		tr.Operation,
		tr.State,
		tr.ActionCount,
		tr.Error,
		tr.RecordedAt,
	).Scan(&tr.Seq)
	if err != nil {
		return fmt.Errorf("failed to record transition: %w", err)
	}

	return nil
}

// ListTransitions lists the transitions of a transaction in order.
func (s *SQLiteStore) ListTransitions(ctx context.Context, transactionID string) ([]*Transition, error) {
	query := `
		SELECT id, transaction_id, seq, origin, destination, operation, state, action_count, error, recorded_at
		FROM transitions
		WHERE transaction_id = ?
		ORDER BY seq ASC
	`

	rows, err := s.db.QueryContext(ctx, query, transactionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list transitions: %w", err)
	}
	defer rows.Close()

	trs := []*Transition{}
	for rows.Next() {
		tr := &Transition{}
		err := rows.Scan(
			&tr.ID,
			&tr.TransactionID,
			&tr.Seq,
			&tr.Origin,
			&tr.Destination,
			&tr.Operation,
			&tr.State,
			&tr.ActionCount,
			&tr.Error,
			&tr.RecordedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan transition: %w", err)
		}
		trs = append(trs, tr)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating transitions: %w", err)
	}

	return trs, nil
}

// AppendEvent appends a new event to the log. An empty level is derived
// from the event type.
func (s *SQLiteStore) AppendEvent(ctx context.Context, event *Event) error {
	if event.Level == "" {
		event.Level = LevelOf(event.Type)
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = s.now().UTC()
	}

	query := `
		INSERT INTO events (transaction_id, type, level, message, details, timestamp)
		VALUES (?, ?, ?, ?, ?, ?)
	`

	result, err := s.db.ExecContext(ctx, query,
		event.TransactionID,
		event.Type,
		event.Level,
		event.Message,
		event.Details,
		event.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("failed to append event: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get event ID: %w", err)
	}

	event.ID = id
	return nil
}

// GetEvents retrieves events with optional filters, oldest first.
func (s *SQLiteStore) GetEvents(ctx context.Context, transactionID *string, level *EventLevel, limit, offset int) ([]*Event, error) {
	query := `
		SELECT id, transaction_id, type, level, message, details, timestamp
		FROM events
		WHERE (? IS NULL OR transaction_id = ?)
		  AND (? IS NULL OR level = ?)
		ORDER BY id ASC
		LIMIT ? OFFSET ?
	`

	rows, err := s.db.QueryContext(ctx, query, transactionID, transactionID, level, level, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to get events: %w", err)
	}
	defer rows.Close()

	events := []*Event{}
	for rows.Next() {
		event := &Event{}
		err := rows.Scan(
			&event.ID,
			&event.TransactionID,
			&event.Type,
			&event.Level,
			&event.Message,
			&event.Details,
			&event.Timestamp,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		events = append(events, event)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating events: %w", err)
	}

	return events, nil
}

// HealthCheck verifies the database connection is healthy
func (s *SQLiteStore) HealthCheck(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	return s.db.PingContext(ctx)
}

var _ Store = (*SQLiteStore)(nil)
