package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/mattn/go-sqlite3"

	"classsync/pkg/chunk"
	dbconfig "classsync/pkg/database"
	"classsync/pkg/interfaces"
	"classsync/pkg/types"
)

// CellLimit is the per-cell width, in UTF-16 units, enforced by the SQLite store.
const CellLimit = 1000000

// Manager implements interfaces.RowStore on a local SQLite file. Each lesson
// is a row of the sheets table; its rows live in sheet_rows as JSON arrays of
// cells. Reads run concurrently on the pool, writes go through a single
// writer goroutine.
type Manager struct {
	db           *sqlx.DB
	config       *dbconfig.Config
	writeChannel chan writeOperation
	shutdown     chan struct{}
	wg           sync.WaitGroup
	closed       bool
	mu           sync.RWMutex
	retryDelay   time.Duration
}

type writeOperation struct {
	operation func(*sqlx.DB) error
	result    chan error
}

type rowRecord struct {
	Index int    `db:"row_index"`
	Cells string `db:"cells"`
}

type getter interface {
	GetContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error
}

// NewManager opens the database, applies the embedded migrations and starts
// the writer goroutine.
func NewManager(config *dbconfig.Config) (*Manager, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid database config: %w", err)
	}

	db, err := sqlx.Open("sqlite3", config.DatabasePath+"?_busy_timeout=5000&_journal_mode=WAL&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(config.MaxConnections)
	db.SetConnMaxLifetime(config.ConnMaxLifetime)
	db.SetConnMaxIdleTime(config.ConnMaxIdleTime)

	if _, err := db.Exec(dbconfig.Pragmas()); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to apply SQLite optimizations: %w", err)
	}

	migrations := dbconfig.NewMigrationManager(db.DB, dbconfig.Migrations())
	if err := migrations.ApplyMigrations(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to apply database migrations: %w", err)
	}
	if err := migrations.ValidateSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("database schema is invalid: %w", err)
	}

	manager := &Manager{
		db:           db,
		config:       config,
		writeChannel: make(chan writeOperation, 100),
		shutdown:     make(chan struct{}),
		retryDelay:   5 * time.Second,
	}

	manager.wg.Add(1)
	go manager.writeLoop()

	return manager, nil
}

// writeLoop runs every write; a busy or locked database is retried once.
func (m *Manager) writeLoop() {
	defer m.wg.Done()

	for {
		select {
		case op := <-m.writeChannel:
			err := op.operation(m.db)
			if err != nil && isBusy(err) {
				log.Printf("Database write failed, retrying in %v: %v", m.retryDelay, err)
				time.Sleep(m.retryDelay)
				err = op.operation(m.db)
				if err != nil {
					log.Printf("Database write failed after retry: %v", err)
				}
			}
			op.result <- err

		case <-m.shutdown:
			log.Println("Database write loop shutting down")
			return
		}
	}
}

func (m *Manager) executeWrite(ctx context.Context, operation func(*sqlx.DB) error) error {
	m.mu.RLock()
	if m.closed {
		m.mu.RUnlock()
		return fmt.Errorf("%w: database manager is closed", interfaces.ErrStoreUnavailable)
	}
	m.mu.RUnlock()

	result := make(chan error, 1)

	select {
	case m.writeChannel <- writeOperation{operation: operation, result: result}:
	case <-ctx.Done():
		return fmt.Errorf("%w: %v", interfaces.ErrStoreUnavailable, ctx.Err())
	case <-m.shutdown:
		return fmt.Errorf("%w: database manager is shutting down", interfaces.ErrStoreUnavailable)
	}

	select {
	case err := <-result:
		return err
	case <-m.shutdown:
		return fmt.Errorf("%w: database manager is shutting down", interfaces.ErrStoreUnavailable)
	case <-ctx.Done():
		return fmt.Errorf("%w: %v", interfaces.ErrStoreUnavailable, ctx.Err())
	}
}

func isBusy(err error) bool {
	var se sqlite3.Error
	if errors.As(err, &se) {
		return se.Code == sqlite3.ErrBusy || se.Code == sqlite3.ErrLocked
	}
	return false
}

// classify wraps a driver error into the store taxonomy.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, interfaces.ErrStoreRejected) || errors.Is(err, interfaces.ErrStoreUnavailable) {
		return fmt.Errorf("%s: %w", op, err)
	}
	var se sqlite3.Error
	if errors.As(err, &se) && se.Code == sqlite3.ErrConstraint {
		return fmt.Errorf("%s: %w: %v", op, interfaces.ErrStoreRejected, err)
	}
	return fmt.Errorf("%s: %w: %v", op, interfaces.ErrStoreUnavailable, err)
}

func (m *Manager) sheetID(ctx context.Context, q getter, rng types.Range) (types.LessonID, error) {
	var id types.LessonID
	err := q.GetContext(ctx, &id, "SELECT id FROM sheets WHERE title = ?", rng.Title())
	if errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("%w: unable to parse range %s", interfaces.ErrStoreRejected, rng)
	}
	return id, err
}

func encodeCells(row types.Row) (string, error) {
	for i, cell := range row {
		if chunk.Width(cell) > CellLimit {
			return "", fmt.Errorf("%w: cell %d exceeds %d units", interfaces.ErrStoreRejected, i, CellLimit)
		}
	}
	if row == nil {
		row = types.Row{}
	}
	data, err := json.Marshal([]string(row))
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func decodeCells(data string) (types.Row, error) {
	var row types.Row
	if err := json.Unmarshal([]byte(data), &row); err != nil {
		return nil, fmt.Errorf("corrupt row cells: %w", err)
	}
	return row, nil
}

// ListLessons returns sheets in tab order.
func (m *Manager) ListLessons(ctx context.Context) ([]types.Lesson, error) {
	lessons := []types.Lesson{}
	err := m.db.SelectContext(ctx, &lessons, "SELECT id, title FROM sheets ORDER BY position, id")
	if err != nil {
		return nil, classify("list lessons", err)
	}
	return lessons, nil
}

func (m *Manager) CreateLesson(ctx context.Context, title string) (types.LessonID, error) {
	var id types.LessonID
	err := m.executeWrite(ctx, func(db *sqlx.DB) error {
		result, err := db.ExecContext(ctx, `
			INSERT INTO sheets (title, position)
			SELECT ?, COALESCE(MAX(position), 0) + 1 FROM sheets
		`, title)
		if err != nil {
			return err
		}
		lastID, err := result.LastInsertId()
		if err != nil {
			return err
		}
		id = types.LessonID(lastID)
		return nil
	})
	if err != nil {
		return 0, classify("create lesson", err)
	}
	return id, nil
}

func (m *Manager) RenameLesson(ctx context.Context, id types.LessonID, title string) error {
	err := m.executeWrite(ctx, func(db *sqlx.DB) error {
		result, err := db.ExecContext(ctx, "UPDATE sheets SET title = ? WHERE id = ?", title, id)
		if err != nil {
			return err
		}
		if n, _ := result.RowsAffected(); n == 0 {
			return fmt.Errorf("%w: no sheet with id %d", interfaces.ErrStoreRejected, id)
		}
		return nil
	})
	return classify("rename lesson", err)
}

func (m *Manager) DeleteLesson(ctx context.Context, id types.LessonID) error {
	err := m.executeWrite(ctx, func(db *sqlx.DB) error {
		tx, err := db.BeginTxx(ctx, nil)
		if err != nil {
			return err
		}
		defer func() { _ = tx.Rollback() }()

		if _, err := tx.ExecContext(ctx, "DELETE FROM sheet_rows WHERE sheet_id = ?", id); err != nil {
			return err
		}
		result, err := tx.ExecContext(ctx, "DELETE FROM sheets WHERE id = ?", id)
		if err != nil {
			return err
		}
		if n, _ := result.RowsAffected(); n == 0 {
			return fmt.Errorf("%w: no sheet with id %d", interfaces.ErrStoreRejected, id)
		}
		return tx.Commit()
	})
	return classify("delete lesson", err)
}

// ReadAllRows returns rows 1..N. Gaps left by ReplaceRow past the end read
// back as empty rows.
func (m *Manager) ReadAllRows(ctx context.Context, rng types.Range) ([]types.Row, error) {
	id, err := m.sheetID(ctx, m.db, rng)
	if err != nil {
		return nil, classify("read rows", err)
	}

	var records []rowRecord
	err = m.db.SelectContext(ctx, &records,
		"SELECT row_index, cells FROM sheet_rows WHERE sheet_id = ? ORDER BY row_index", id)
	if err != nil {
		return nil, classify("read rows", err)
	}

	rows := []types.Row{}
	for _, record := range records {
		row, err := decodeCells(record.Cells)
		if err != nil {
			return nil, classify("read rows", err)
		}
		for len(rows) < record.Index-1 {
			rows = append(rows, types.Row{})
		}
		rows = append(rows, row)
	}
	return rows, nil
}

func (m *Manager) ReadRow(ctx context.Context, rng types.Range, index int) (types.Row, error) {
	if index < 1 {
		return nil, fmt.Errorf("read row: %w: row index %d", interfaces.ErrStoreRejected, index)
	}
	id, err := m.sheetID(ctx, m.db, rng)
	if err != nil {
		return nil, classify("read row", err)
	}

	var cells string
	err = m.db.GetContext(ctx, &cells,
		"SELECT cells FROM sheet_rows WHERE sheet_id = ? AND row_index = ?", id, index)
	if errors.Is(err, sql.ErrNoRows) {
		return types.Row{}, nil
	}
	if err != nil {
		return nil, classify("read row", err)
	}
	row, err := decodeCells(cells)
	return row, classify("read row", err)
}

func (m *Manager) AppendRow(ctx context.Context, rng types.Range, row types.Row) error {
	cells, err := encodeCells(row)
	if err != nil {
		return classify("append row", err)
	}

	err = m.executeWrite(ctx, func(db *sqlx.DB) error {
		tx, err := db.BeginTxx(ctx, nil)
		if err != nil {
			return err
		}
		defer func() { _ = tx.Rollback() }()

		id, err := m.sheetID(ctx, tx, rng)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO sheet_rows (sheet_id, row_index, cells)
			SELECT ?, COALESCE(MAX(row_index), 0) + 1, ? FROM sheet_rows WHERE sheet_id = ?
		`, id, cells, id); err != nil {
			return err
		}
		return tx.Commit()
	})
	return classify("append row", err)
}

func (m *Manager) ReplaceRow(ctx context.Context, rng types.Range, index int, row types.Row) error {
	if index < 1 {
		return fmt.Errorf("replace row: %w: row index %d", interfaces.ErrStoreRejected, index)
	}
	cells, err := encodeCells(row)
	if err != nil {
		return classify("replace row", err)
	}

	err = m.executeWrite(ctx, func(db *sqlx.DB) error {
		id, err := m.sheetID(ctx, db, rng)
		if err != nil {
			return err
		}
		_, err = db.ExecContext(ctx, `
			INSERT INTO sheet_rows (sheet_id, row_index, cells) VALUES (?, ?, ?)
			ON CONFLICT (sheet_id, row_index) DO UPDATE SET cells = excluded.cells
		`, id, index, cells)
		return err
	})
	return classify("replace row", err)
}

func (m *Manager) ClearRange(ctx context.Context, rng types.Range) error {
	err := m.executeWrite(ctx, func(db *sqlx.DB) error {
		id, err := m.sheetID(ctx, db, rng)
		if err != nil {
			return err
		}
		_, err = db.ExecContext(ctx, "DELETE FROM sheet_rows WHERE sheet_id = ?", id)
		return err
	})
	return classify("clear range", err)
}

func (m *Manager) CellLimit() int {
	return CellLimit
}

// HealthCheck validates connectivity and that the schema is readable.
func (m *Manager) HealthCheck(ctx context.Context) error {
	if err := m.db.PingContext(ctx); err != nil {
		return classify("health check", err)
	}
	var count int
	if err := m.db.GetContext(ctx, &count, "SELECT COUNT(*) FROM sheets"); err != nil {
		return classify("health check", err)
	}
	return nil
}

// Close stops the writer and closes the pool. Safe to call twice.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()

	close(m.shutdown)
	m.wg.Wait()

	if err := m.db.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	return nil
}

var _ interfaces.RowStore = (*Manager)(nil)
