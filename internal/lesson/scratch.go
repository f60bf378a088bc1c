package lesson

import (
	"sync"

	"classsync/pkg/types"
)

// Scratch holds the shared scratch text of each lesson. It is never
// persisted.
type Scratch struct {
	texts map[types.LessonID]string
	mu    sync.RWMutex
}

func NewScratch() *Scratch {
	return &Scratch{texts: make(map[types.LessonID]string)}
}

// Get returns the lesson's scratch text, empty if none was set.
func (s *Scratch) Get(id types.LessonID) string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.texts[id]
}

func (s *Scratch) Set(id types.LessonID, text string) {
	s.mu.Lock()
	s.texts[id] = text
	s.mu.Unlock()
}

// Reset empties the lesson's scratch text.
func (s *Scratch) Reset(id types.LessonID) {
	s.Set(id, "")
}

// Drop forgets the lesson entirely.
func (s *Scratch) Drop(id types.LessonID) {
	s.mu.Lock()
	delete(s.texts, id)
	s.mu.Unlock()
}
