// Package lesson keeps the in-memory view of the store's lessons and the
// per-lesson scratch text.
package lesson

import (
	"context"
	"fmt"
	"log"
	"sync"

	"classsync/pkg/interfaces"
	"classsync/pkg/types"
)

// Directory caches lesson id → title. Store writes go through it so the
// cache follows every change this process makes.
type Directory struct {
	store  interfaces.RowStore
	titles map[types.LessonID]string
	order  []types.LessonID
	mu     sync.RWMutex

	// writeMu orders Refresh against Create, Rename and Delete, so a listing
	// never overwrites a change made after it was taken.
	writeMu sync.Mutex
}

// NewDirectory creates an empty directory; call Refresh to populate it.
func NewDirectory(store interfaces.RowStore) *Directory {
	return &Directory{
		store:  store,
		titles: make(map[types.LessonID]string),
	}
}

// Refresh rebuilds the cache from the store's listing and returns it.
func (d *Directory) Refresh(ctx context.Context) ([]types.Lesson, error) {
	d.writeMu.Lock()
	defer d.writeMu.Unlock()

	lessons, err := d.store.ListLessons(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to refresh lesson directory: %w", err)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	d.titles = make(map[types.LessonID]string, len(lessons))
	d.order = make([]types.LessonID, 0, len(lessons))
	for _, l := range lessons {
		d.titles[l.ID] = l.Title
		d.order = append(d.order, l.ID)
	}

	out := make([]types.Lesson, len(lessons))
	copy(out, lessons)
	return out, nil
}

// List returns the cached lessons in store order.
func (d *Directory) List() []types.Lesson {
	d.mu.RLock()
	defer d.mu.RUnlock()

	lessons := make([]types.Lesson, 0, len(d.order))
	for _, id := range d.order {
		lessons = append(lessons, types.Lesson{ID: id, Title: d.titles[id]})
	}
	return lessons
}

// Title returns the cached title of a lesson.
func (d *Directory) Title(id types.LessonID) (string, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	title, ok := d.titles[id]
	return title, ok
}

// RangeFor returns the store range of a lesson, derived from its current title.
func (d *Directory) RangeFor(id types.LessonID) (types.Range, error) {
	title, ok := d.Title(id)
	if !ok {
		return "", fmt.Errorf("%w: %s", interfaces.ErrUnknownLesson, id)
	}
	return types.RangeForTitle(title), nil
}

// Create adds a lesson to the store and the cache.
func (d *Directory) Create(ctx context.Context, title string) (types.Lesson, error) {
	if err := types.ValidateLessonTitle(title); err != nil {
		return types.Lesson{}, err
	}

	d.writeMu.Lock()
	defer d.writeMu.Unlock()

	id, err := d.store.CreateLesson(ctx, title)
	if err != nil {
		return types.Lesson{}, fmt.Errorf("failed to create lesson: %w", err)
	}

	d.mu.Lock()
	if _, exists := d.titles[id]; !exists {
		d.order = append(d.order, id)
	}
	d.titles[id] = title
	d.mu.Unlock()

	log.Printf("Created lesson: id=%s title=%q", id, title)
	return types.Lesson{ID: id, Title: title}, nil
}

// Rename retitles a lesson in the store and the cache.
func (d *Directory) Rename(ctx context.Context, id types.LessonID, title string) (types.Lesson, error) {
	if err := types.ValidateLessonTitle(title); err != nil {
		return types.Lesson{}, err
	}

	d.writeMu.Lock()
	defer d.writeMu.Unlock()

	if _, ok := d.Title(id); !ok {
		return types.Lesson{}, fmt.Errorf("%w: %s", interfaces.ErrUnknownLesson, id)
	}

	if err := d.store.RenameLesson(ctx, id, title); err != nil {
		return types.Lesson{}, fmt.Errorf("failed to rename lesson: %w", err)
	}

	d.mu.Lock()
	d.titles[id] = title
	d.mu.Unlock()

	log.Printf("Renamed lesson: id=%s title=%q", id, title)
	return types.Lesson{ID: id, Title: title}, nil
}

// Delete removes a lesson from the store and the cache.
func (d *Directory) Delete(ctx context.Context, id types.LessonID) error {
	d.writeMu.Lock()
	defer d.writeMu.Unlock()

	if _, ok := d.Title(id); !ok {
		return fmt.Errorf("%w: %s", interfaces.ErrUnknownLesson, id)
	}

	if err := d.store.DeleteLesson(ctx, id); err != nil {
		return fmt.Errorf("failed to delete lesson: %w", err)
	}

	d.mu.Lock()
	delete(d.titles, id)
	for i, existing := range d.order {
		if existing == id {
			d.order = append(d.order[:i], d.order[i+1:]...)
			break
		}
	}
	d.mu.Unlock()

	log.Printf("Deleted lesson: id=%s", id)
	return nil
}
