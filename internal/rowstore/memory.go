// Package rowstore holds the process-local RowStore used by the "memory"
// backend and by tests.
package rowstore

import (
	"context"
	"fmt"
	"sync"

	"classsync/pkg/chunk"
	"classsync/pkg/interfaces"
	"classsync/pkg/types"
)

// DefaultCellLimit matches the Google Sheets per-cell character limit.
const DefaultCellLimit = 50000

type sheet struct {
	id    types.LessonID
	title string
	rows  []types.Row
}

// Memory implements interfaces.RowStore with in-process maps.
type Memory struct {
	mu        sync.RWMutex
	sheets    []*sheet
	nextID    types.LessonID
	cellLimit int
	closed    bool

	// FailWith, when set, is consulted before every operation; a non-nil
	// result is returned instead of running the operation.
	FailWith func(op string) error

	appends int
}

// NewMemory creates an empty store. A cellLimit <= 0 selects DefaultCellLimit.
func NewMemory(cellLimit int) *Memory {
	if cellLimit <= 0 {
		cellLimit = DefaultCellLimit
	}
	return &Memory{cellLimit: cellLimit}
}

func (m *Memory) check(op string) error {
	if m.closed {
		return fmt.Errorf("%s: %w: store is closed", op, interfaces.ErrStoreUnavailable)
	}
	if m.FailWith != nil {
		if err := m.FailWith(op); err != nil {
			return err
		}
	}
	return nil
}

func (m *Memory) byID(id types.LessonID) *sheet {
	for _, s := range m.sheets {
		if s.id == id {
			return s
		}
	}
	return nil
}

func (m *Memory) byRange(rng types.Range) (*sheet, error) {
	title := rng.Title()
	for _, s := range m.sheets {
		if s.title == title {
			return s, nil
		}
	}
	return nil, fmt.Errorf("%w: unable to parse range %s", interfaces.ErrStoreRejected, rng)
}

func (m *Memory) checkRow(row types.Row) error {
	for i, cell := range row {
		if chunk.Width(cell) > m.cellLimit {
			return fmt.Errorf("%w: cell %d exceeds %d units", interfaces.ErrStoreRejected, i, m.cellLimit)
		}
	}
	return nil
}

// ListLessons returns sheets in creation order.
func (m *Memory) ListLessons(ctx context.Context) ([]types.Lesson, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.check("list lessons"); err != nil {
		return nil, err
	}

	lessons := make([]types.Lesson, 0, len(m.sheets))
	for _, s := range m.sheets {
		lessons = append(lessons, types.Lesson{ID: s.id, Title: s.title})
	}
	return lessons, nil
}

func (m *Memory) CreateLesson(ctx context.Context, title string) (types.LessonID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check("create lesson"); err != nil {
		return 0, err
	}

	for _, s := range m.sheets {
		if s.title == title {
			return 0, fmt.Errorf("%w: a sheet named %q already exists", interfaces.ErrStoreRejected, title)
		}
	}
	id := m.nextID
	m.nextID++
	m.sheets = append(m.sheets, &sheet{id: id, title: title})
	return id, nil
}

func (m *Memory) RenameLesson(ctx context.Context, id types.LessonID, title string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check("rename lesson"); err != nil {
		return err
	}

	s := m.byID(id)
	if s == nil {
		return fmt.Errorf("%w: no sheet with id %d", interfaces.ErrStoreRejected, id)
	}
	for _, other := range m.sheets {
		if other != s && other.title == title {
			return fmt.Errorf("%w: a sheet named %q already exists", interfaces.ErrStoreRejected, title)
		}
	}
	s.title = title
	return nil
}

func (m *Memory) DeleteLesson(ctx context.Context, id types.LessonID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check("delete lesson"); err != nil {
		return err
	}

	for i, s := range m.sheets {
		if s.id == id {
			m.sheets = append(m.sheets[:i], m.sheets[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("%w: no sheet with id %d", interfaces.ErrStoreRejected, id)
}

func (m *Memory) ReadAllRows(ctx context.Context, rng types.Range) ([]types.Row, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.check("read rows"); err != nil {
		return nil, err
	}

	s, err := m.byRange(rng)
	if err != nil {
		return nil, err
	}
	rows := make([]types.Row, 0, len(s.rows))
	for _, row := range s.rows {
		rows = append(rows, row.Clone())
	}
	return rows, nil
}

func (m *Memory) ReadRow(ctx context.Context, rng types.Range, index int) (types.Row, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.check("read row"); err != nil {
		return nil, err
	}

	s, err := m.byRange(rng)
	if err != nil {
		return nil, err
	}
	if index < 1 {
		return nil, fmt.Errorf("%w: row index %d", interfaces.ErrStoreRejected, index)
	}
	if index > len(s.rows) {
		return types.Row{}, nil
	}
	return s.rows[index-1].Clone(), nil
}

func (m *Memory) AppendRow(ctx context.Context, rng types.Range, row types.Row) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check("append row"); err != nil {
		return err
	}

	s, err := m.byRange(rng)
	if err != nil {
		return err
	}
	if err := m.checkRow(row); err != nil {
		return err
	}
	s.rows = append(s.rows, row.Clone())
	m.appends++
	return nil
}

func (m *Memory) ReplaceRow(ctx context.Context, rng types.Range, index int, row types.Row) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check("replace row"); err != nil {
		return err
	}

	s, err := m.byRange(rng)
	if err != nil {
		return err
	}
	if index < 1 {
		return fmt.Errorf("%w: row index %d", interfaces.ErrStoreRejected, index)
	}
	if err := m.checkRow(row); err != nil {
		return err
	}
	for len(s.rows) < index {
		s.rows = append(s.rows, types.Row{})
	}
	s.rows[index-1] = row.Clone()
	return nil
}

func (m *Memory) ClearRange(ctx context.Context, rng types.Range) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check("clear range"); err != nil {
		return err
	}

	s, err := m.byRange(rng)
	if err != nil {
		return err
	}
	s.rows = nil
	return nil
}

func (m *Memory) CellLimit() int {
	return m.cellLimit
}

func (m *Memory) HealthCheck(ctx context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.check("health check")
}

func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// AppendCount reports how many rows have been appended since creation.
func (m *Memory) AppendCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.appends
}

var _ interfaces.RowStore = (*Memory)(nil)
