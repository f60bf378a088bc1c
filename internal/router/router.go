// Package router runs the per-connection action state machine: it validates
// each inbound action against the sender's presence, performs the store
// reads and writes, and then fans notifications out through a Notifier.
package router

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"classsync/internal/lesson"
	"classsync/internal/presence"
	"classsync/pkg/interfaces"
	"classsync/pkg/types"
)

// Config tunes a Router.
type Config struct {
	// MaxCellWidth is the chunk width, in UTF-16 units, for stored documents.
	MaxCellWidth int
	// ActionTimeout bounds the store calls of a single action. Zero disables it.
	ActionTimeout time.Duration
	// RateLimitPerMinute caps actions per connection.
	RateLimitPerMinute int
}

// Router coordinates presence, the lesson directory, scratch text and the
// row store. It is safe for concurrent use; actions of one connection must be
// dispatched in order by the caller.
type Router struct {
	store       interfaces.RowStore
	directory   *lesson.Directory
	scratch     *lesson.Scratch
	presence    *presence.Registry
	notifier    interfaces.Notifier
	rateLimiter *RateLimiter
	locks       *lessonLocks

	maxCellWidth  int
	actionTimeout time.Duration
}

// NewRouter creates a router. The chunk width must already be validated
// against the store's cell limit.
func NewRouter(store interfaces.RowStore, directory *lesson.Directory, scratch *lesson.Scratch,
	registry *presence.Registry, notifier interfaces.Notifier, cfg Config) *Router {
	return &Router{
		store:         store,
		directory:     directory,
		scratch:       scratch,
		presence:      registry,
		notifier:      notifier,
		rateLimiter:   NewRateLimiter(cfg.RateLimitPerMinute),
		locks:         newLessonLocks(),
		maxCellWidth:  cfg.MaxCellWidth,
		actionTimeout: cfg.ActionTimeout,
	}
}

// lessonLocks serializes store read-modify-write sequences per lesson.
type lessonLocks struct {
	mu    sync.Mutex
	locks map[types.LessonID]*sync.Mutex
}

func newLessonLocks() *lessonLocks {
	return &lessonLocks{locks: make(map[types.LessonID]*sync.Mutex)}
}

func (l *lessonLocks) lock(id types.LessonID) func() {
	l.mu.Lock()
	m, ok := l.locks[id]
	if !ok {
		m = &sync.Mutex{}
		l.locks[id] = m
	}
	l.mu.Unlock()

	m.Lock()
	return m.Unlock
}

// forget drops the mutex of a deleted lesson.
func (l *lessonLocks) forget(id types.LessonID) {
	l.mu.Lock()
	delete(l.locks, id)
	l.mu.Unlock()
}

// Dispatch runs one action for connID. A failed action is logged, reported to
// the caller as an error notification, and returned; nothing is broadcast.
func (r *Router) Dispatch(ctx context.Context, connID string, action types.Action) error {
	err := r.dispatch(ctx, connID, action)
	if err != nil {
		log.Printf("Action failed: conn=%s action=%s error=%v", connID, action.Type, err)
		r.notify([]string{connID}, types.NotifyError, types.ErrorPayload{
			Code:    errorCode(err),
			Message: err.Error(),
			Action:  action.Type,
		})
	}
	return err
}

func (r *Router) dispatch(ctx context.Context, connID string, action types.Action) error {
	if !r.rateLimiter.Allow(connID) {
		return ErrRateLimitExceeded
	}

	if r.actionTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.actionTimeout)
		defer cancel()
	}

	switch action.Type {
	case types.ActionRegisterName:
		return r.handleRegisterName(ctx, connID, action)
	case types.ActionRegisterAdmin:
		return r.handleRegisterAdmin(ctx, connID)
	case types.ActionListLessons:
		return r.handleListLessons(ctx, connID)
	case types.ActionCreateLesson:
		return r.handleCreateLesson(ctx, connID, action)
	case types.ActionRenameLesson:
		return r.handleRenameLesson(ctx, connID, action)
	case types.ActionDeleteLesson:
		return r.handleDeleteLesson(ctx, connID, action)
	case types.ActionJoinLesson:
		return r.handleJoinLesson(ctx, connID, action)
	case types.ActionLeaveLesson:
		return r.handleLeaveLesson(connID, action)
	case types.ActionUpdateTasks:
		return r.handleUpdateTasks(ctx, connID, action)
	case types.ActionUpdateAnswer:
		return r.handleUpdateAnswer(ctx, connID, action)
	case types.ActionTextChanged:
		return r.handleTextChanged(connID, action)
	default:
		return fmt.Errorf("%w: %q", ErrUnknownAction, action.Type)
	}
}

// Disconnect removes connID from presence. Administrators leave silently;
// a participant's lesson admins receive the new online list.
func (r *Router) Disconnect(connID string) {
	r.rateLimiter.Forget(connID)

	m, ok := r.presence.Remove(connID)
	if !ok {
		return
	}
	if p, isParticipant := m.(*presence.Participant); isParticipant {
		if id, inLesson := p.Lesson(); inLesson {
			r.broadcastOnline(id)
		}
		log.Printf("Participant disconnected: conn=%s name=%q", connID, p.Name)
		return
	}
	log.Printf("Administrator disconnected: conn=%s", connID)
}

// Stats reports presence counters.
func (r *Router) Stats() types.PresenceStats {
	return r.presence.Stats()
}

// CleanupRateLimits drops idle rate limiter state.
func (r *Router) CleanupRateLimits() {
	r.rateLimiter.Cleanup()
}

func errorCode(err error) string {
	switch {
	case errors.Is(err, ErrRateLimitExceeded):
		return types.ErrCodeRateLimited
	case errors.Is(err, ErrInvalidPayload):
		return types.ErrCodeInvalidPayload
	case errors.Is(err, ErrUnknownAction):
		return types.ErrCodeProtocolViolation
	default:
		return interfaces.ErrorCode(err)
	}
}

func (r *Router) notify(connIDs []string, t types.NotificationType, payload interface{}) {
	if len(connIDs) == 0 {
		return
	}
	r.notifier.Notify(connIDs, types.NewNotification(t, payload))
}

func (r *Router) broadcastOnline(id types.LessonID) {
	r.notify(r.presence.AdministratorsIn(id), types.NotifyOnlineParticipantsLoaded, r.presence.OnlineParticipants(id))
}

func without(ids []string, exclude string) []string {
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id != exclude {
			out = append(out, id)
		}
	}
	return out
}

func decodePayload(action types.Action, v interface{}) error {
	if len(action.Payload) == 0 {
		return fmt.Errorf("%w: %s requires a payload", ErrInvalidPayload, action.Type)
	}
	if err := json.Unmarshal(action.Payload, v); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalidPayload, action.Type, err)
	}
	return nil
}

// wrapAnswer builds a participant's answer document. HTML escaping is
// disabled so task documents round-trip byte for byte.
func wrapAnswer(name, tasksDocument string) (string, error) {
	if strings.TrimSpace(tasksDocument) == "" {
		tasksDocument = "null"
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(types.AnswerDocument{UserName: name, Tasks: json.RawMessage(tasksDocument)}); err != nil {
		return "", fmt.Errorf("failed to wrap answer for %q: %w", name, err)
	}
	return strings.TrimSuffix(buf.String(), "\n"), nil
}

func hasTaskRow(rows []types.Row) bool {
	return len(rows) > 0 && len(rows[0]) > 0
}

// findAnswerRow returns the 1-based index of the answer row whose first cell
// is name, scanning rows 2..N.
func findAnswerRow(rows []types.Row, name string) (int, bool) {
	for i := 1; i < len(rows); i++ {
		if len(rows[i]) > 0 && rows[i][0] == name {
			return i + 1, true
		}
	}
	return 0, false
}
