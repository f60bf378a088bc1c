package router

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"

	"classsync/internal/presence"
	"classsync/pkg/chunk"
	"classsync/pkg/interfaces"
	"classsync/pkg/types"
)

func (r *Router) member(connID string) (presence.Member, error) {
	m, ok := r.presence.Get(connID)
	if !ok {
		return nil, fmt.Errorf("%w: connection is not registered", interfaces.ErrProtocolViolation)
	}
	return m, nil
}

func (r *Router) administrator(connID string) (*presence.Administrator, error) {
	m, err := r.member(connID)
	if err != nil {
		return nil, err
	}
	a, ok := m.(*presence.Administrator)
	if !ok {
		return nil, fmt.Errorf("%w: administrator role required", interfaces.ErrProtocolViolation)
	}
	return a, nil
}

// inLesson returns the sender's current lesson.
func inLesson(m presence.Member) (types.LessonID, error) {
	id, ok := m.Lesson()
	if !ok {
		return 0, fmt.Errorf("%w: not in a lesson", interfaces.ErrProtocolViolation)
	}
	return id, nil
}

// rangeFor resolves a lesson the caller names, refreshing the directory once
// when the id is not cached.
func (r *Router) rangeFor(ctx context.Context, id types.LessonID) (types.Range, error) {
	rng, err := r.directory.RangeFor(id)
	if errors.Is(err, interfaces.ErrUnknownLesson) {
		if _, refreshErr := r.directory.Refresh(ctx); refreshErr != nil {
			return "", refreshErr
		}
		return r.directory.RangeFor(id)
	}
	return rng, err
}

func (r *Router) checkUnregistered(connID string) error {
	if _, ok := r.presence.Get(connID); ok {
		return fmt.Errorf("%w: connection already registered", interfaces.ErrProtocolViolation)
	}
	return nil
}

func (r *Router) handleRegisterName(ctx context.Context, connID string, action types.Action) error {
	var name string
	if err := decodePayload(action, &name); err != nil {
		return err
	}
	if err := types.ValidateDisplayName(name); err != nil {
		return err
	}
	if err := r.checkUnregistered(connID); err != nil {
		return err
	}

	lessons, err := r.directory.Refresh(ctx)
	if err != nil {
		return err
	}
	if _, err := r.presence.RegisterParticipant(connID, name); err != nil {
		return fmt.Errorf("%w: %v", interfaces.ErrProtocolViolation, err)
	}

	log.Printf("Participant registered: conn=%s name=%q", connID, name)
	r.notify([]string{connID}, types.NotifyLessonsLoaded, lessons)
	return nil
}

func (r *Router) handleRegisterAdmin(ctx context.Context, connID string) error {
	if err := r.checkUnregistered(connID); err != nil {
		return err
	}

	lessons, err := r.directory.Refresh(ctx)
	if err != nil {
		return err
	}
	if _, err := r.presence.RegisterAdministrator(connID); err != nil {
		return fmt.Errorf("%w: %v", interfaces.ErrProtocolViolation, err)
	}

	log.Printf("Administrator registered: conn=%s", connID)
	r.notify([]string{connID}, types.NotifyLessonsLoaded, lessons)
	return nil
}

func (r *Router) handleListLessons(ctx context.Context, connID string) error {
	lessons, err := r.directory.Refresh(ctx)
	if err != nil {
		return err
	}
	r.notify([]string{connID}, types.NotifyLessonsLoaded, lessons)
	return nil
}

func (r *Router) handleCreateLesson(ctx context.Context, connID string, action types.Action) error {
	if _, err := r.administrator(connID); err != nil {
		return err
	}
	var title string
	if err := decodePayload(action, &title); err != nil {
		return err
	}

	created, err := r.directory.Create(ctx, title)
	if err != nil {
		return err
	}

	// The creator learns the new id from the same notification.
	r.notify(r.presence.All(), types.NotifyLessonChanged, created)
	return nil
}

func (r *Router) handleRenameLesson(ctx context.Context, connID string, action types.Action) error {
	if _, err := r.administrator(connID); err != nil {
		return err
	}
	var payload types.RenameLessonPayload
	if err := decodePayload(action, &payload); err != nil {
		return err
	}

	unlock := r.locks.lock(payload.LessonID)
	renamed, err := r.directory.Rename(ctx, payload.LessonID, payload.Title)
	unlock()
	if err != nil {
		return err
	}

	r.notify(without(r.presence.All(), connID), types.NotifyLessonChanged, renamed)
	return nil
}

func (r *Router) handleDeleteLesson(ctx context.Context, connID string, action types.Action) error {
	if _, err := r.administrator(connID); err != nil {
		return err
	}
	var id types.LessonID
	if err := decodePayload(action, &id); err != nil {
		return err
	}

	unlock := r.locks.lock(id)
	err := r.directory.Delete(ctx, id)
	unlock()
	if err != nil {
		return err
	}
	r.locks.forget(id)

	detached := r.presence.ClearLesson(id)
	r.scratch.Drop(id)
	if len(detached) > 0 {
		log.Printf("Detached %d members from deleted lesson %s", len(detached), id)
	}

	r.notify(without(r.presence.All(), connID), types.NotifyLessonRemoved, id)
	return nil
}

func (r *Router) handleJoinLesson(ctx context.Context, connID string, action types.Action) error {
	m, err := r.member(connID)
	if err != nil {
		return err
	}
	var id types.LessonID
	if err := decodePayload(action, &id); err != nil {
		return err
	}
	if _, err := r.rangeFor(ctx, id); err != nil {
		return err
	}

	switch m := m.(type) {
	case *presence.Participant:
		return r.joinAsParticipant(ctx, m, id)
	case *presence.Administrator:
		return r.joinAsAdministrator(ctx, m, id)
	default:
		return fmt.Errorf("%w: unexpected member %T", interfaces.ErrProtocolViolation, m)
	}
}

func (r *Router) joinAsParticipant(ctx context.Context, p *presence.Participant, id types.LessonID) error {
	// Presence and the join notifications happen under the lesson lock, so a
	// concurrent publish either includes this participant or finishes before
	// its answer row is read.
	unlock := r.locks.lock(id)
	defer unlock()

	answer, hasAnswer, err := r.loadOrCreateAnswer(ctx, p.Name, id)
	if err != nil {
		return err
	}
	previous, hadPrevious, err := r.presence.SetLesson(p.ID, &id)
	if err != nil {
		return fmt.Errorf("%w: %v", interfaces.ErrProtocolViolation, err)
	}

	if hasAnswer {
		r.notify([]string{p.ID}, types.NotifyAnswerLoaded, answer)
	}
	r.notify([]string{p.ID}, types.NotifyScratchTextLoaded, r.scratch.Get(id))
	r.broadcastOnline(id)
	if hadPrevious && previous != id {
		r.broadcastOnline(previous)
	}
	return nil
}

// loadOrCreateAnswer returns the participant's answer document, appending a
// fresh answer row when the lesson has tasks but no row for name yet.
func (r *Router) loadOrCreateAnswer(ctx context.Context, name string, id types.LessonID) (string, bool, error) {
	rng, rows, err := r.readRows(ctx, id)
	if err != nil {
		return "", false, err
	}
	if !hasTaskRow(rows) {
		return "", false, nil
	}

	if index, ok := findAnswerRow(rows, name); ok {
		return chunk.Decode(rows[index-1], true), true, nil
	}

	_, tasksDocument := chunk.Split(rows[0])
	answer, err := wrapAnswer(name, tasksDocument)
	if err != nil {
		return "", false, err
	}
	row, err := chunk.Row(name, answer, r.maxCellWidth)
	if err != nil {
		return "", false, err
	}
	if err := r.store.AppendRow(ctx, rng, row); err != nil {
		return "", false, fmt.Errorf("failed to append answer row: %w", err)
	}
	return answer, true, nil
}

func (r *Router) joinAsAdministrator(ctx context.Context, a *presence.Administrator, id types.LessonID) error {
	unlock := r.locks.lock(id)
	defer unlock()

	_, rows, err := r.readRows(ctx, id)
	if err != nil {
		return err
	}
	if _, _, err := r.presence.SetLesson(a.ID, &id); err != nil {
		return fmt.Errorf("%w: %v", interfaces.ErrProtocolViolation, err)
	}

	var tasks types.TaskSet
	answers := make([]types.NamedAnswer, 0)
	if len(rows) > 0 {
		tasks.TaskSetID, tasks.Document = chunk.Split(rows[0])
		for _, row := range rows[1:] {
			if len(row) == 0 {
				continue
			}
			name, document := chunk.Split(row)
			answers = append(answers, types.NamedAnswer{Name: name, Document: document})
		}
	}

	caller := []string{a.ID}
	r.notify(caller, types.NotifyTasksLoaded, tasks)
	r.notify(caller, types.NotifyScratchTextLoaded, r.scratch.Get(id))
	r.notify(caller, types.NotifyOnlineParticipantsLoaded, r.presence.OnlineParticipants(id))
	r.notify(caller, types.NotifyAnswersLoaded, answers)
	return nil
}

// readRows resolves the lesson's current range and reads all of its rows.
func (r *Router) readRows(ctx context.Context, id types.LessonID) (types.Range, []types.Row, error) {
	rng, err := r.directory.RangeFor(id)
	if err != nil {
		return "", nil, err
	}
	rows, err := r.store.ReadAllRows(ctx, rng)
	if err != nil {
		return "", nil, fmt.Errorf("failed to read lesson rows: %w", err)
	}
	return rng, rows, nil
}

// handleLeaveLesson accepts an optional lesson id; a mismatching id leaves
// the sender where it is.
func (r *Router) handleLeaveLesson(connID string, action types.Action) error {
	m, err := r.member(connID)
	if err != nil {
		return err
	}
	current, ok := m.Lesson()
	if !ok {
		return nil
	}

	if len(action.Payload) > 0 && !bytes.Equal(bytes.TrimSpace(action.Payload), []byte("null")) {
		var id types.LessonID
		if err := decodePayload(action, &id); err != nil {
			return err
		}
		if id != current {
			return nil
		}
	}

	if _, _, err := r.presence.SetLesson(connID, nil); err != nil {
		return fmt.Errorf("%w: %v", interfaces.ErrProtocolViolation, err)
	}
	if _, isParticipant := m.(*presence.Participant); isParticipant {
		r.broadcastOnline(current)
	}
	return nil
}

func (r *Router) handleUpdateAnswer(ctx context.Context, connID string, action types.Action) error {
	m, err := r.member(connID)
	if err != nil {
		return err
	}
	p, ok := m.(*presence.Participant)
	if !ok {
		return fmt.Errorf("%w: participant role required", interfaces.ErrProtocolViolation)
	}
	id, err := inLesson(p)
	if err != nil {
		return err
	}
	var document string
	if err := decodePayload(action, &document); err != nil {
		return err
	}

	row, err := chunk.Row(p.Name, document, r.maxCellWidth)
	if err != nil {
		return err
	}

	unlock := r.locks.lock(id)
	err = r.replaceAnswer(ctx, id, p.Name, row)
	unlock()
	if err != nil {
		return err
	}

	r.notify(r.presence.AdministratorsIn(id), types.NotifyAnswerUpdated, types.NamedAnswer{Name: p.Name, Document: document})
	return nil
}

func (r *Router) replaceAnswer(ctx context.Context, id types.LessonID, name string, row types.Row) error {
	rng, rows, err := r.readRows(ctx, id)
	if err != nil {
		return err
	}
	index, ok := findAnswerRow(rows, name)
	if !ok {
		return fmt.Errorf("%w: %q", interfaces.ErrParticipantRowNotFound, name)
	}
	if err := r.store.ReplaceRow(ctx, rng, index, row); err != nil {
		return fmt.Errorf("failed to replace answer row: %w", err)
	}
	return nil
}

// handleUpdateTasks publishes a task set. The audience is fixed before any
// write, and nothing is sent until every write has succeeded.
func (r *Router) handleUpdateTasks(ctx context.Context, connID string, action types.Action) error {
	a, err := r.administrator(connID)
	if err != nil {
		return err
	}
	id, err := inLesson(a)
	if err != nil {
		return err
	}
	var payload types.UpdateTasksPayload
	if err := decodePayload(action, &payload); err != nil {
		return err
	}
	var compacted bytes.Buffer
	if err := json.Compact(&compacted, payload.Tasks); err != nil {
		return fmt.Errorf("%w: tasks: %v", ErrInvalidPayload, err)
	}
	tasksDocument := compacted.String()

	unlock := r.locks.lock(id)
	defer unlock()

	rng, err := r.directory.RangeFor(id)
	if err != nil {
		return err
	}

	participants := r.presence.ParticipantsIn(id)
	otherAdmins := without(r.presence.AdministratorsIn(id), a.ID)
	audience := r.presence.MembersIn(id)

	// One answer row per distinct name, in audience order.
	answers := make([]types.NamedAnswer, 0, len(participants))
	answerByName := make(map[string]string, len(participants))
	for _, p := range participants {
		if _, seen := answerByName[p.Name]; seen {
			continue
		}
		answer, err := wrapAnswer(p.Name, tasksDocument)
		if err != nil {
			return err
		}
		answerByName[p.Name] = answer
		answers = append(answers, types.NamedAnswer{Name: p.Name, Document: answer})
	}

	taskRow, err := chunk.Row(payload.TasksID, tasksDocument, r.maxCellWidth)
	if err != nil {
		return err
	}
	answerRows := make([]types.Row, 0, len(answers))
	for _, answer := range answers {
		row, err := chunk.Row(answer.Name, answer.Document, r.maxCellWidth)
		if err != nil {
			return err
		}
		answerRows = append(answerRows, row)
	}

	if err := r.store.ClearRange(ctx, rng); err != nil {
		return fmt.Errorf("failed to clear lesson rows: %w", err)
	}
	if err := r.store.AppendRow(ctx, rng, taskRow); err != nil {
		return fmt.Errorf("failed to append task row: %w", err)
	}
	for _, row := range answerRows {
		if err := r.store.AppendRow(ctx, rng, row); err != nil {
			return fmt.Errorf("failed to append answer row: %w", err)
		}
	}
	r.scratch.Reset(id)

	log.Printf("Published tasks: lesson=%s tasks=%s participants=%d", id, payload.TasksID, len(participants))

	for _, p := range participants {
		r.notify([]string{p.ID}, types.NotifyAnswerLoaded, answerByName[p.Name])
	}
	r.notify(otherAdmins, types.NotifyTasksLoaded, types.TaskSet{TaskSetID: payload.TasksID, Document: tasksDocument})
	r.notify(otherAdmins, types.NotifyAnswersLoaded, answers)
	r.notify(audience, types.NotifyScratchTextLoaded, "")
	return nil
}

func (r *Router) handleTextChanged(connID string, action types.Action) error {
	m, err := r.member(connID)
	if err != nil {
		return err
	}
	id, err := inLesson(m)
	if err != nil {
		return err
	}
	var value string
	if err := decodePayload(action, &value); err != nil {
		return err
	}

	r.scratch.Set(id, value)
	r.notify(without(r.presence.MembersIn(id), connID), types.NotifyScratchTextLoaded, value)
	return nil
}
