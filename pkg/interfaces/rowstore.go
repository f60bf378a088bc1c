package interfaces

import (
	"context"

	"classsync/pkg/types"
)

// RowStore is the contract over the external tabular store. One sheet (tab)
// per lesson, addressed by its range; rows are 1-based.
//
// Implementations wrap every failure around ErrStoreUnavailable or
// ErrStoreRejected and never swallow errors. Calls against the same range
// are not serialized here; callers that need read-modify-write consistency
// must lock per lesson.
type RowStore interface {
	// ListLessons enumerates all sheets of the backing spreadsheet in order.
	ListLessons(ctx context.Context) ([]types.Lesson, error)

	// CreateLesson adds a sheet and returns the id the store assigned.
	CreateLesson(ctx context.Context, title string) (types.LessonID, error)

	RenameLesson(ctx context.Context, id types.LessonID, title string) error
	DeleteLesson(ctx context.Context, id types.LessonID) error

	// ReadAllRows returns every row of the range, or an empty slice when the
	// range has no data yet.
	ReadAllRows(ctx context.Context, rng types.Range) ([]types.Row, error)

	// ReadRow returns a single 1-based row, empty when the row has no data.
	ReadRow(ctx context.Context, rng types.Range, index int) (types.Row, error)

	AppendRow(ctx context.Context, rng types.Range, row types.Row) error

	// ReplaceRow overwrites the whole 1-based row. Cells beyond len(row) are
	// cleared.
	ReplaceRow(ctx context.Context, rng types.Range, index int, row types.Row) error

	ClearRange(ctx context.Context, rng types.Range) error

	// CellLimit is the maximum number of characters the store accepts in one
	// cell.
	CellLimit() int

	HealthCheck(ctx context.Context) error
	Close() error
}
