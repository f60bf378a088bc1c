package router

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"classsync/internal/lesson"
	"classsync/internal/presence"
	"classsync/internal/rowstore"
	"classsync/pkg/interfaces"
	"classsync/pkg/types"
)

// recordingNotifier captures every notification per connection id.
type recordingNotifier struct {
	mu   sync.Mutex
	sent map[string][]types.Notification
}

func newRecordingNotifier() *recordingNotifier {
	return &recordingNotifier{sent: make(map[string][]types.Notification)}
}

func (n *recordingNotifier) Notify(connIDs []string, note types.Notification) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, id := range connIDs {
		n.sent[id] = append(n.sent[id], note)
	}
}

func (n *recordingNotifier) of(connID string, t types.NotificationType) []types.Notification {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []types.Notification
	for _, note := range n.sent[connID] {
		if note.Type == t {
			out = append(out, note)
		}
	}
	return out
}

func (n *recordingNotifier) last(t *testing.T, connID string, nt types.NotificationType) types.Notification {
	t.Helper()
	notes := n.of(connID, nt)
	if len(notes) == 0 {
		t.Fatalf("%s received no %s notification", connID, nt)
	}
	return notes[len(notes)-1]
}

func (n *recordingNotifier) reset() {
	n.mu.Lock()
	n.sent = make(map[string][]types.Notification)
	n.mu.Unlock()
}

type harness struct {
	router   *Router
	store    *rowstore.Memory
	notes    *recordingNotifier
	scratch  *lesson.Scratch
	presence *presence.Registry
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	if cfg.MaxCellWidth == 0 {
		cfg.MaxCellWidth = 49999
	}
	store := rowstore.NewMemory(0)
	scratch := lesson.NewScratch()
	registry := presence.NewRegistry()
	notes := newRecordingNotifier()
	r := NewRouter(store, lesson.NewDirectory(store), scratch, registry, notes, cfg)
	return &harness{router: r, store: store, notes: notes, scratch: scratch, presence: registry}
}

func (h *harness) act(t *testing.T, connID string, actionType types.ActionType, payload interface{}) error {
	t.Helper()
	action := types.Action{Type: actionType}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			t.Fatalf("marshal payload: %v", err)
		}
		action.Payload = data
	}
	return h.router.Dispatch(context.Background(), connID, action)
}

func (h *harness) must(t *testing.T, connID string, actionType types.ActionType, payload interface{}) {
	t.Helper()
	if err := h.act(t, connID, actionType, payload); err != nil {
		t.Fatalf("%s %s failed: %v", connID, actionType, err)
	}
}

// seedAlgebra creates lessons 0..7 with "Algebra" as lesson 7 and an
// optional task row.
func (h *harness) seedAlgebra(t *testing.T, taskRow types.Row) types.LessonID {
	t.Helper()
	ctx := context.Background()
	for i := 0; i < 7; i++ {
		h.store.CreateLesson(ctx, fmt.Sprintf("Lesson %d", i))
	}
	id, err := h.store.CreateLesson(ctx, "Algebra")
	if err != nil {
		t.Fatalf("CreateLesson failed: %v", err)
	}
	if id != 7 {
		t.Fatalf("expected Algebra to be lesson 7, got %d", id)
	}
	if taskRow != nil {
		if err := h.store.AppendRow(ctx, types.RangeForTitle("Algebra"), taskRow); err != nil {
			t.Fatalf("AppendRow failed: %v", err)
		}
	}
	return id
}

func (h *harness) rows(t *testing.T, title string) []types.Row {
	t.Helper()
	rows, err := h.store.ReadAllRows(context.Background(), types.RangeForTitle(title))
	if err != nil {
		t.Fatalf("ReadAllRows failed: %v", err)
	}
	return rows
}

func errorCodeOf(t *testing.T, notes *recordingNotifier, connID string) string {
	t.Helper()
	payload, ok := notes.last(t, connID, types.NotifyError).Payload.(types.ErrorPayload)
	if !ok {
		t.Fatalf("error payload has unexpected type")
	}
	return payload.Code
}

func TestRouter_Registration(t *testing.T) {
	h := newHarness(t, Config{})
	h.store.CreateLesson(context.Background(), "Algebra")

	h.must(t, "c1", types.ActionRegisterName, "Ana")
	lessons, ok := h.notes.last(t, "c1", types.NotifyLessonsLoaded).Payload.([]types.Lesson)
	if !ok || len(lessons) != 1 || lessons[0].Title != "Algebra" {
		t.Errorf("unexpected lessonsLoaded payload %#v", lessons)
	}

	err := h.act(t, "c1", types.ActionRegisterAdmin, nil)
	if !errors.Is(err, interfaces.ErrProtocolViolation) {
		t.Errorf("re-registration: expected ErrProtocolViolation, got %v", err)
	}
	if code := errorCodeOf(t, h.notes, "c1"); code != types.ErrCodeProtocolViolation {
		t.Errorf("expected %s, got %s", types.ErrCodeProtocolViolation, code)
	}

	err = h.act(t, "c2", types.ActionRegisterName, "   ")
	if !errors.Is(err, types.ErrInvalidDisplayName) {
		t.Errorf("blank name: expected ErrInvalidDisplayName, got %v", err)
	}
	if code := errorCodeOf(t, h.notes, "c2"); code != types.ErrCodeInvalidPayload {
		t.Errorf("expected %s, got %s", types.ErrCodeInvalidPayload, code)
	}
	if _, ok := h.presence.Get("c2"); ok {
		t.Error("invalid registration must not create a member")
	}

	h.must(t, "a1", types.ActionRegisterAdmin, nil)
	if len(h.notes.of("a1", types.NotifyLessonsLoaded)) != 1 {
		t.Error("admin should receive lessonsLoaded on registration")
	}
	if len(h.notes.of("c1", types.NotifyLessonsLoaded)) != 1 {
		t.Error("registration listing must go to the caller only")
	}
}

func TestRouter_ActionsBeforeRegistration(t *testing.T) {
	h := newHarness(t, Config{})
	id := h.seedAlgebra(t, nil)

	for _, tc := range []struct {
		action  types.ActionType
		payload interface{}
	}{
		{types.ActionJoinLesson, id},
		{types.ActionUpdateAnswer, "{}"},
		{types.ActionTextChanged, "hi"},
		{types.ActionCreateLesson, "New"},
	} {
		if err := h.act(t, "ghost", tc.action, tc.payload); !errors.Is(err, interfaces.ErrProtocolViolation) {
			t.Errorf("%s before registration: expected ErrProtocolViolation, got %v", tc.action, err)
		}
	}

	if err := h.act(t, "ghost", types.ActionType("explode"), nil); !errors.Is(err, ErrUnknownAction) {
		t.Errorf("unknown action: expected ErrUnknownAction, got %v", err)
	}
}

// Participant "Ana" joins lesson 7 whose task row is ["T1","[{"q":1}]"].
func TestRouter_ParticipantJoinCreatesAnswerRow(t *testing.T) {
	h := newHarness(t, Config{})
	id := h.seedAlgebra(t, types.Row{"T1", `[{"q":1}]`})
	appendsBefore := h.store.AppendCount()

	h.must(t, "c1", types.ActionRegisterName, "Ana")
	h.must(t, "c1", types.ActionJoinLesson, id)

	want := `{"userName":"Ana","tasks":[{"q":1}]}`
	if got := h.notes.last(t, "c1", types.NotifyAnswerLoaded).Payload; got != want {
		t.Errorf("answerLoaded = %v, want %s", got, want)
	}
	if h.store.AppendCount() != appendsBefore+1 {
		t.Errorf("expected exactly one appended row, got %d", h.store.AppendCount()-appendsBefore)
	}
	rows := h.rows(t, "Algebra")
	if len(rows) != 2 || len(rows[1]) != 2 || rows[1][0] != "Ana" || rows[1][1] != want {
		t.Errorf("unexpected answer row %q", rows)
	}
	if got := h.notes.last(t, "c1", types.NotifyScratchTextLoaded).Payload; got != "" {
		t.Errorf("expected empty scratch text, got %v", got)
	}

	// Rejoining finds the existing row instead of appending another
	h.notes.reset()
	h.must(t, "c1", types.ActionJoinLesson, id)
	if h.store.AppendCount() != appendsBefore+1 {
		t.Error("rejoin must not append a second row")
	}
	if got := h.notes.last(t, "c1", types.NotifyAnswerLoaded).Payload; got != want {
		t.Errorf("rejoin answerLoaded = %v", got)
	}
}

func TestRouter_ParticipantJoinWithoutTasks(t *testing.T) {
	h := newHarness(t, Config{})
	id := h.seedAlgebra(t, nil)

	h.must(t, "c1", types.ActionRegisterName, "Ana")
	h.must(t, "c1", types.ActionJoinLesson, id)

	if len(h.notes.of("c1", types.NotifyAnswerLoaded)) != 0 {
		t.Error("no answer should be emitted before tasks are published")
	}
	if len(h.rows(t, "Algebra")) != 0 {
		t.Error("no row should be appended before tasks are published")
	}
	if len(h.notes.of("c1", types.NotifyScratchTextLoaded)) != 1 {
		t.Error("scratch text should still be sent")
	}
}

func TestRouter_JoinUnknownLesson(t *testing.T) {
	h := newHarness(t, Config{})
	h.must(t, "c1", types.ActionRegisterName, "Ana")

	err := h.act(t, "c1", types.ActionJoinLesson, 99)
	if !errors.Is(err, interfaces.ErrUnknownLesson) {
		t.Errorf("expected ErrUnknownLesson, got %v", err)
	}
	if code := errorCodeOf(t, h.notes, "c1"); code != types.ErrCodeUnknownLesson {
		t.Errorf("unexpected code %s", code)
	}
}

func TestRouter_JoinLessonCreatedOutsideProcess(t *testing.T) {
	h := newHarness(t, Config{})
	h.must(t, "c1", types.ActionRegisterName, "Ana")

	// Created directly in the store after the caller's directory refresh
	id, _ := h.store.CreateLesson(context.Background(), "Late")
	h.must(t, "c1", types.ActionJoinLesson, id)
}

func TestRouter_AdministratorJoin(t *testing.T) {
	h := newHarness(t, Config{MaxCellWidth: 4})
	id := h.seedAlgebra(t, types.Row{"T1", "[{\"q", "\":1}", "]"})
	h.store.AppendRow(context.Background(), types.RangeForTitle("Algebra"), types.Row{"Ben", "{\"a\"", ":2}"})

	h.must(t, "c1", types.ActionRegisterName, "Ana")
	h.must(t, "c1", types.ActionJoinLesson, id)
	h.scratch.Set(id, "draft")

	h.must(t, "a1", types.ActionRegisterAdmin, nil)
	h.must(t, "a1", types.ActionJoinLesson, id)

	tasks := h.notes.last(t, "a1", types.NotifyTasksLoaded).Payload.(types.TaskSet)
	if tasks.TaskSetID != "T1" || tasks.Document != `[{"q":1}]` {
		t.Errorf("unexpected tasksLoaded %+v", tasks)
	}
	if got := h.notes.last(t, "a1", types.NotifyScratchTextLoaded).Payload; got != "draft" {
		t.Errorf("unexpected scratch text %v", got)
	}
	online := h.notes.last(t, "a1", types.NotifyOnlineParticipantsLoaded).Payload.([]types.OnlineParticipant)
	if len(online) != 1 || online[0].ID != "c1" || online[0].Name != "Ana" {
		t.Errorf("unexpected online list %+v", online)
	}
	answers := h.notes.last(t, "a1", types.NotifyAnswersLoaded).Payload.([]types.NamedAnswer)
	if len(answers) != 2 || answers[0].Name != "Ben" || answers[0].Document != `{"a":2}` || answers[1].Name != "Ana" {
		t.Errorf("unexpected answersLoaded %+v", answers)
	}
	if answers[1].Document != `{"userName":"Ana","tasks":[{"q":1}]}` {
		t.Errorf("chunked answer not reassembled: %s", answers[1].Document)
	}
}

func TestRouter_AdministratorJoinEmptyLesson(t *testing.T) {
	h := newHarness(t, Config{})
	id := h.seedAlgebra(t, nil)

	h.must(t, "a1", types.ActionRegisterAdmin, nil)
	h.must(t, "a1", types.ActionJoinLesson, id)

	tasks := h.notes.last(t, "a1", types.NotifyTasksLoaded).Payload.(types.TaskSet)
	if tasks != (types.TaskSet{}) {
		t.Errorf("expected empty task set, got %+v", tasks)
	}
	if answers := h.notes.last(t, "a1", types.NotifyAnswersLoaded).Payload.([]types.NamedAnswer); len(answers) != 0 {
		t.Errorf("expected no answers, got %+v", answers)
	}
}

func TestRouter_OnlineParticipants(t *testing.T) {
	h := newHarness(t, Config{})
	id := h.seedAlgebra(t, nil)
	other, _ := h.store.CreateLesson(context.Background(), "Geometry")

	h.must(t, "a1", types.ActionRegisterAdmin, nil)
	h.must(t, "a1", types.ActionJoinLesson, id)
	h.must(t, "a2", types.ActionRegisterAdmin, nil)
	h.must(t, "a2", types.ActionJoinLesson, other)

	h.must(t, "c1", types.ActionRegisterName, "Ana")
	h.must(t, "c1", types.ActionJoinLesson, id)

	online := h.notes.last(t, "a1", types.NotifyOnlineParticipantsLoaded).Payload.([]types.OnlineParticipant)
	if len(online) != 1 || online[0].Name != "Ana" {
		t.Errorf("a1 online list = %+v", online)
	}

	// Switching lessons updates admins of both lessons
	h.notes.reset()
	h.must(t, "c1", types.ActionJoinLesson, other)
	if online := h.notes.last(t, "a1", types.NotifyOnlineParticipantsLoaded).Payload.([]types.OnlineParticipant); len(online) != 0 {
		t.Errorf("old lesson admin should see an empty list, got %+v", online)
	}
	if online := h.notes.last(t, "a2", types.NotifyOnlineParticipantsLoaded).Payload.([]types.OnlineParticipant); len(online) != 1 {
		t.Errorf("new lesson admin should see Ana, got %+v", online)
	}

	// Leaving with a mismatching id is ignored
	h.notes.reset()
	h.must(t, "c1", types.ActionLeaveLesson, id)
	if len(h.notes.of("a2", types.NotifyOnlineParticipantsLoaded)) != 0 {
		t.Error("leave with a different lesson id should be a no-op")
	}

	h.must(t, "c1", types.ActionLeaveLesson, nil)
	if online := h.notes.last(t, "a2", types.NotifyOnlineParticipantsLoaded).Payload.([]types.OnlineParticipant); len(online) != 0 {
		t.Errorf("after leave a2 should see an empty list, got %+v", online)
	}

	// Admin leave and disconnect notify nobody
	h.notes.reset()
	h.must(t, "a2", types.ActionLeaveLesson, nil)
	h.router.Disconnect("a1")
	if len(h.notes.sent) != 0 {
		t.Errorf("admin departure should be silent, got %+v", h.notes.sent)
	}
}

func TestRouter_ParticipantDisconnect(t *testing.T) {
	h := newHarness(t, Config{})
	id := h.seedAlgebra(t, nil)

	h.must(t, "a1", types.ActionRegisterAdmin, nil)
	h.must(t, "a1", types.ActionJoinLesson, id)
	h.must(t, "c1", types.ActionRegisterName, "Ana")
	h.must(t, "c1", types.ActionJoinLesson, id)
	h.must(t, "c2", types.ActionRegisterName, "Ben")
	h.must(t, "c2", types.ActionJoinLesson, id)

	h.router.Disconnect("c1")
	online := h.notes.last(t, "a1", types.NotifyOnlineParticipantsLoaded).Payload.([]types.OnlineParticipant)
	if len(online) != 1 || online[0].Name != "Ben" {
		t.Errorf("after disconnect a1 should see only Ben, got %+v", online)
	}
	if _, ok := h.presence.Get("c1"); ok {
		t.Error("disconnected participant should be removed")
	}

	// Unknown connections are ignored
	h.router.Disconnect("never-registered")
}

func TestRouter_UpdateAnswer(t *testing.T) {
	h := newHarness(t, Config{MaxCellWidth: 8})
	id := h.seedAlgebra(t, types.Row{"T1", "[]"})

	h.must(t, "a1", types.ActionRegisterAdmin, nil)
	h.must(t, "a1", types.ActionJoinLesson, id)
	h.must(t, "c1", types.ActionRegisterName, "Ana")
	h.must(t, "c1", types.ActionJoinLesson, id)

	document := `{"userName":"Ana","tasks":[{"q":1,"a":"forty-two"}]}`
	h.must(t, "c1", types.ActionUpdateAnswer, document)

	updated := h.notes.last(t, "a1", types.NotifyAnswerUpdated).Payload.(types.NamedAnswer)
	if updated.Name != "Ana" || updated.Document != document {
		t.Errorf("unexpected answerUpdated %+v", updated)
	}

	rows := h.rows(t, "Algebra")
	if len(rows) != 2 || rows[1][0] != "Ana" || strings.Join(rows[1][1:], "") != document {
		t.Errorf("answer row not replaced: %q", rows)
	}
	for _, cell := range rows[1][1 : len(rows[1])-1] {
		if len(cell) != 8 {
			t.Errorf("chunk %q should be exactly 8 characters", cell)
		}
	}
	if len(h.notes.of("c1", types.NotifyAnswerUpdated)) != 0 {
		t.Error("the submitting participant should not receive answerUpdated")
	}
}

func TestRouter_UpdateAnswerRowMissing(t *testing.T) {
	h := newHarness(t, Config{})
	id := h.seedAlgebra(t, types.Row{"T1", "[]"})

	h.must(t, "a1", types.ActionRegisterAdmin, nil)
	h.must(t, "a1", types.ActionJoinLesson, id)
	h.must(t, "c1", types.ActionRegisterName, "Ana")
	h.must(t, "c1", types.ActionJoinLesson, id)

	h.store.ClearRange(context.Background(), types.RangeForTitle("Algebra"))

	err := h.act(t, "c1", types.ActionUpdateAnswer, "{}")
	if !errors.Is(err, interfaces.ErrParticipantRowNotFound) {
		t.Errorf("expected ErrParticipantRowNotFound, got %v", err)
	}
	if len(h.notes.of("a1", types.NotifyAnswerUpdated)) != 0 {
		t.Error("a failed submit must not broadcast")
	}
	if code := errorCodeOf(t, h.notes, "c1"); code != types.ErrCodeParticipantRowNotFound {
		t.Errorf("unexpected code %s", code)
	}
}

func TestRouter_RoleChecks(t *testing.T) {
	h := newHarness(t, Config{})
	id := h.seedAlgebra(t, types.Row{"T1", "[]"})

	h.must(t, "c1", types.ActionRegisterName, "Ana")
	h.must(t, "a1", types.ActionRegisterAdmin, nil)

	if err := h.act(t, "c1", types.ActionCreateLesson, "Mine"); !errors.Is(err, interfaces.ErrProtocolViolation) {
		t.Errorf("participant createLesson: expected ErrProtocolViolation, got %v", err)
	}
	if err := h.act(t, "c1", types.ActionUpdateAnswer, "{}"); !errors.Is(err, interfaces.ErrProtocolViolation) {
		t.Errorf("updateAnswer outside a lesson: expected ErrProtocolViolation, got %v", err)
	}

	h.must(t, "a1", types.ActionJoinLesson, id)
	if err := h.act(t, "a1", types.ActionUpdateAnswer, "{}"); !errors.Is(err, interfaces.ErrProtocolViolation) {
		t.Errorf("admin updateAnswer: expected ErrProtocolViolation, got %v", err)
	}
	payload := map[string]interface{}{"tasksId": "T2", "tasks": []int{1}}
	if err := h.act(t, "c1", types.ActionUpdateTasks, payload); !errors.Is(err, interfaces.ErrProtocolViolation) {
		t.Errorf("participant updateTasks: expected ErrProtocolViolation, got %v", err)
	}
}

func TestRouter_InvalidPayloads(t *testing.T) {
	h := newHarness(t, Config{})
	id := h.seedAlgebra(t, nil)
	h.must(t, "a1", types.ActionRegisterAdmin, nil)
	h.must(t, "a1", types.ActionJoinLesson, id)

	cases := []types.Action{
		{Type: types.ActionJoinLesson, Payload: json.RawMessage(`"seven"`)},
		{Type: types.ActionCreateLesson},
		{Type: types.ActionUpdateTasks, Payload: json.RawMessage(`{"tasksId":"T1"}`)},
	}
	for _, action := range cases {
		err := h.router.Dispatch(context.Background(), "a1", action)
		if !errors.Is(err, ErrInvalidPayload) {
			t.Errorf("%s: expected ErrInvalidPayload, got %v", action.Type, err)
		}
	}
	if code := errorCodeOf(t, h.notes, "a1"); code != types.ErrCodeInvalidPayload {
		t.Errorf("unexpected code %s", code)
	}
}

// Publishing on L reaches participants in L only and resets L's scratch text.
func TestRouter_PublishFanOut(t *testing.T) {
	h := newHarness(t, Config{})
	id := h.seedAlgebra(t, types.Row{"T1", "[]"})
	other, _ := h.store.CreateLesson(context.Background(), "Geometry")

	h.must(t, "a1", types.ActionRegisterAdmin, nil)
	h.must(t, "a1", types.ActionJoinLesson, id)
	h.must(t, "a2", types.ActionRegisterAdmin, nil)
	h.must(t, "a2", types.ActionJoinLesson, id)
	h.must(t, "p1", types.ActionRegisterName, "P1")
	h.must(t, "p1", types.ActionJoinLesson, id)
	h.must(t, "p2", types.ActionRegisterName, "P2")
	h.must(t, "p2", types.ActionJoinLesson, other)

	h.must(t, "p1", types.ActionTextChanged, "scribble")
	if h.scratch.Get(id) != "scribble" {
		t.Fatal("scratch text not stored")
	}

	h.notes.reset()
	h.must(t, "a1", types.ActionUpdateTasks, map[string]interface{}{"tasksId": "T2", "tasks": []map[string]int{{"q": 2}}})

	if len(h.notes.of("p1", types.NotifyAnswerLoaded)) != 1 {
		t.Error("P1 should receive answerLoaded")
	}
	if len(h.notes.of("p2", types.NotifyAnswerLoaded)) != 0 || len(h.notes.sent["p2"]) != 0 {
		t.Errorf("P2 in another lesson should receive nothing, got %+v", h.notes.sent["p2"])
	}
	if h.scratch.Get(id) != "" {
		t.Errorf("scratch text should be reset, got %q", h.scratch.Get(id))
	}
	for _, conn := range []string{"a1", "a2", "p1"} {
		if got := h.notes.last(t, conn, types.NotifyScratchTextLoaded).Payload; got != "" {
			t.Errorf("%s should receive the scratch reset, got %v", conn, got)
		}
	}

	if len(h.notes.of("a1", types.NotifyTasksLoaded)) != 0 {
		t.Error("the publishing admin must not receive its own tasks back")
	}
	tasks := h.notes.last(t, "a2", types.NotifyTasksLoaded).Payload.(types.TaskSet)
	if tasks.TaskSetID != "T2" || tasks.Document != `[{"q":2}]` {
		t.Errorf("unexpected tasksLoaded for a2 %+v", tasks)
	}
	answers := h.notes.last(t, "a2", types.NotifyAnswersLoaded).Payload.([]types.NamedAnswer)
	if len(answers) != 1 || answers[0].Name != "P1" {
		t.Errorf("unexpected answersLoaded for a2 %+v", answers)
	}
}

// Ana and Ben in lesson 7; the admin publishes T2.
func TestRouter_RepublishScenario(t *testing.T) {
	h := newHarness(t, Config{})
	id := h.seedAlgebra(t, types.Row{"T1", `[{"q":1}]`})

	h.must(t, "a1", types.ActionRegisterAdmin, nil)
	h.must(t, "a1", types.ActionJoinLesson, id)
	h.must(t, "ana", types.ActionRegisterName, "Ana")
	h.must(t, "ana", types.ActionJoinLesson, id)
	h.must(t, "ben", types.ActionRegisterName, "Ben")
	h.must(t, "ben", types.ActionJoinLesson, id)
	h.must(t, "ana", types.ActionUpdateAnswer, `{"userName":"Ana","tasks":[{"q":1,"a":"x"}]}`)

	h.notes.reset()
	h.must(t, "a1", types.ActionUpdateTasks, types.UpdateTasksPayload{TasksID: "T2", Tasks: json.RawMessage(`[{"q":2}]`)})

	for conn, name := range map[string]string{"ana": "Ana", "ben": "Ben"} {
		want := fmt.Sprintf(`{"userName":%q,"tasks":[{"q":2}]}`, name)
		if got := h.notes.last(t, conn, types.NotifyAnswerLoaded).Payload; got != want {
			t.Errorf("%s answerLoaded = %v, want %s", conn, got, want)
		}
	}

	rows := h.rows(t, "Algebra")
	if len(rows) != 3 {
		t.Fatalf("expected task row plus two answer rows, got %q", rows)
	}
	if rows[0][0] != "T2" || rows[0][1] != `[{"q":2}]` {
		t.Errorf("unexpected task row %q", rows[0])
	}
	if h.scratch.Get(id) != "" {
		t.Error("scratch text should read empty after publish")
	}
}

func TestRouter_PublishDeduplicatesNames(t *testing.T) {
	h := newHarness(t, Config{})
	id := h.seedAlgebra(t, nil)

	h.must(t, "a1", types.ActionRegisterAdmin, nil)
	h.must(t, "a1", types.ActionJoinLesson, id)
	h.must(t, "c1", types.ActionRegisterName, "Ana")
	h.must(t, "c1", types.ActionJoinLesson, id)
	h.must(t, "c2", types.ActionRegisterName, "Ana")
	h.must(t, "c2", types.ActionJoinLesson, id)

	h.must(t, "a1", types.ActionUpdateTasks, types.UpdateTasksPayload{TasksID: "T1", Tasks: json.RawMessage(`[]`)})

	if rows := h.rows(t, "Algebra"); len(rows) != 2 {
		t.Errorf("one row per distinct name expected, got %q", rows)
	}
	if len(h.notes.of("c1", types.NotifyAnswerLoaded)) != 1 || len(h.notes.of("c2", types.NotifyAnswerLoaded)) != 1 {
		t.Error("both connections named Ana should receive the answer")
	}
}

// A write failure part way through a publish sends nothing to anyone but the caller.
func TestRouter_PublishFailureSendsNothing(t *testing.T) {
	h := newHarness(t, Config{})
	id := h.seedAlgebra(t, types.Row{"T1", "[]"})

	h.must(t, "a1", types.ActionRegisterAdmin, nil)
	h.must(t, "a1", types.ActionJoinLesson, id)
	h.must(t, "a2", types.ActionRegisterAdmin, nil)
	h.must(t, "a2", types.ActionJoinLesson, id)
	h.must(t, "c1", types.ActionRegisterName, "Ana")
	h.must(t, "c1", types.ActionJoinLesson, id)
	h.must(t, "c2", types.ActionRegisterName, "Ben")
	h.must(t, "c2", types.ActionJoinLesson, id)
	h.scratch.Set(id, "keep")

	appends := 0
	h.store.FailWith = func(op string) error {
		if op != "append row" {
			return nil
		}
		appends++
		if appends == 3 {
			return fmt.Errorf("%s: %w: quota exceeded", op, interfaces.ErrStoreUnavailable)
		}
		return nil
	}
	h.notes.reset()

	err := h.act(t, "a1", types.ActionUpdateTasks, types.UpdateTasksPayload{TasksID: "T2", Tasks: json.RawMessage(`[1]`)})
	if !errors.Is(err, interfaces.ErrStoreUnavailable) {
		t.Fatalf("expected ErrStoreUnavailable, got %v", err)
	}
	for _, conn := range []string{"a2", "c1", "c2"} {
		if len(h.notes.sent[conn]) != 0 {
			t.Errorf("%s should receive nothing, got %+v", conn, h.notes.sent[conn])
		}
	}
	if code := errorCodeOf(t, h.notes, "a1"); code != types.ErrCodeStoreUnavailable {
		t.Errorf("unexpected code %s", code)
	}
	if h.scratch.Get(id) != "keep" {
		t.Error("a failed publish must not reset scratch text")
	}
}

// dispatchDuring runs action for connID from inside the first store call
// named op, then gives it a moment to contend for the lesson.
func (h *harness) dispatchDuring(t *testing.T, op, connID string, actionType types.ActionType, payload interface{}) <-chan error {
	t.Helper()
	data, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	action := types.Action{Type: actionType, Payload: data}

	done := make(chan error, 1)
	var once sync.Once
	h.store.FailWith = func(name string) error {
		if name == op {
			once.Do(func() {
				go func() { done <- h.router.Dispatch(context.Background(), connID, action) }()
				time.Sleep(5 * time.Millisecond)
			})
		}
		return nil
	}
	return done
}

func TestRouter_ParticipantJoinDuringPublish(t *testing.T) {
	for i := 0; i < 20; i++ {
		h := newHarness(t, Config{})
		id := h.seedAlgebra(t, types.Row{"T1", `[{"q":1}]`})
		h.must(t, "a1", types.ActionRegisterAdmin, nil)
		h.must(t, "a1", types.ActionJoinLesson, id)
		h.must(t, "p1", types.ActionRegisterName, "Ana")

		published := h.dispatchDuring(t, "append row", "a1", types.ActionUpdateTasks,
			types.UpdateTasksPayload{TasksID: "T2", Tasks: json.RawMessage(`[{"q":2}]`)})
		h.must(t, "p1", types.ActionJoinLesson, id)
		if err := <-published; err != nil {
			t.Fatalf("publish failed: %v", err)
		}
		h.store.FailWith = nil

		rows := h.rows(t, "Algebra")
		if _, ok := findAnswerRow(rows, "Ana"); !ok {
			t.Fatalf("iteration %d: Ana has no answer row after publish: %q", i, rows)
		}
		want := `{"userName":"Ana","tasks":[{"q":2}]}`
		if got := h.notes.last(t, "p1", types.NotifyAnswerLoaded).Payload; got != want {
			t.Errorf("iteration %d: last answerLoaded = %v, want %s", i, got, want)
		}
		if err := h.act(t, "p1", types.ActionUpdateAnswer, `{"userName":"Ana","tasks":[{"q":2,"a":1}]}`); err != nil {
			t.Fatalf("iteration %d: updateAnswer after publish failed: %v", i, err)
		}
	}
}

func TestRouter_AdministratorJoinDuringPublish(t *testing.T) {
	for i := 0; i < 20; i++ {
		h := newHarness(t, Config{})
		id := h.seedAlgebra(t, types.Row{"T1", `[{"q":1}]`})
		h.must(t, "a1", types.ActionRegisterAdmin, nil)
		h.must(t, "a1", types.ActionJoinLesson, id)
		h.must(t, "a2", types.ActionRegisterAdmin, nil)

		published := h.dispatchDuring(t, "read rows", "a1", types.ActionUpdateTasks,
			types.UpdateTasksPayload{TasksID: "T2", Tasks: json.RawMessage(`[{"q":2}]`)})
		h.must(t, "a2", types.ActionJoinLesson, id)
		if err := <-published; err != nil {
			t.Fatalf("publish failed: %v", err)
		}

		tasks, ok := h.notes.last(t, "a2", types.NotifyTasksLoaded).Payload.(types.TaskSet)
		if !ok || tasks.TaskSetID != "T2" {
			t.Errorf("iteration %d: a2 should end on the published tasks, got %+v", i, tasks)
		}
	}
}

func TestRouter_StoreFailureOnJoin(t *testing.T) {
	h := newHarness(t, Config{})
	id := h.seedAlgebra(t, types.Row{"T1", "[]"})

	h.must(t, "a1", types.ActionRegisterAdmin, nil)
	h.must(t, "a1", types.ActionJoinLesson, id)
	h.must(t, "c1", types.ActionRegisterName, "Ana")
	h.notes.reset()

	h.store.FailWith = func(op string) error {
		if op == "append row" {
			return fmt.Errorf("%s: %w", op, interfaces.ErrStoreRejected)
		}
		return nil
	}

	if err := h.act(t, "c1", types.ActionJoinLesson, id); !errors.Is(err, interfaces.ErrStoreRejected) {
		t.Fatalf("expected ErrStoreRejected, got %v", err)
	}
	m, _ := h.presence.Get("c1")
	if _, inLesson := m.Lesson(); inLesson {
		t.Error("a failed join must leave the participant outside the lesson")
	}
	if len(h.notes.sent["a1"]) != 0 {
		t.Error("a failed join must not update admins")
	}
}

func TestRouter_TextChanged(t *testing.T) {
	h := newHarness(t, Config{})
	id := h.seedAlgebra(t, nil)
	other, _ := h.store.CreateLesson(context.Background(), "Geometry")

	h.must(t, "a1", types.ActionRegisterAdmin, nil)
	h.must(t, "a1", types.ActionJoinLesson, id)
	h.must(t, "c1", types.ActionRegisterName, "Ana")
	h.must(t, "c1", types.ActionJoinLesson, id)
	h.must(t, "c2", types.ActionRegisterName, "Ben")
	h.must(t, "c2", types.ActionJoinLesson, other)
	h.notes.reset()

	h.must(t, "c1", types.ActionTextChanged, "x + y")

	if got := h.notes.last(t, "a1", types.NotifyScratchTextLoaded).Payload; got != "x + y" {
		t.Errorf("a1 scratch = %v", got)
	}
	if len(h.notes.sent["c1"]) != 0 {
		t.Error("the sender should be excluded")
	}
	if len(h.notes.sent["c2"]) != 0 {
		t.Error("members of other lessons should not receive scratch text")
	}

	h.must(t, "c3", types.ActionRegisterName, "Cy")
	if err := h.act(t, "c3", types.ActionTextChanged, "nope"); !errors.Is(err, interfaces.ErrProtocolViolation) {
		t.Errorf("textChanged outside a lesson: expected ErrProtocolViolation, got %v", err)
	}
}

func TestRouter_CreateLesson(t *testing.T) {
	h := newHarness(t, Config{})

	h.must(t, "a1", types.ActionRegisterAdmin, nil)
	h.must(t, "c1", types.ActionRegisterName, "Ana")
	h.must(t, "a1", types.ActionCreateLesson, "Algebra")

	for _, conn := range []string{"a1", "c1"} {
		created := h.notes.last(t, conn, types.NotifyLessonChanged).Payload.(types.Lesson)
		if created.Title != "Algebra" {
			t.Errorf("%s lessonChanged = %+v", conn, created)
		}
	}

	h.notes.reset()
	h.must(t, "c2", types.ActionListLessons, nil)
	lessons := h.notes.last(t, "c2", types.NotifyLessonsLoaded).Payload.([]types.Lesson)
	if len(lessons) != 1 || lessons[0].Title != "Algebra" {
		t.Errorf("listing after create = %+v", lessons)
	}

	if err := h.act(t, "a1", types.ActionCreateLesson, "Algebra"); !errors.Is(err, interfaces.ErrStoreRejected) {
		t.Errorf("duplicate create: expected ErrStoreRejected, got %v", err)
	}
}

// Renaming reaches a participant that has not joined any lesson.
func TestRouter_RenameReachesUnjoinedParticipant(t *testing.T) {
	h := newHarness(t, Config{})
	id := h.seedAlgebra(t, nil)

	h.must(t, "ana", types.ActionRegisterName, "Ana")
	h.must(t, "a1", types.ActionRegisterAdmin, nil)
	h.notes.reset()

	h.must(t, "a1", types.ActionRenameLesson, types.RenameLessonPayload{LessonID: id, Title: "Algebra II"})

	changed := h.notes.last(t, "ana", types.NotifyLessonChanged).Payload.(types.Lesson)
	if changed != (types.Lesson{ID: 7, Title: "Algebra II"}) {
		t.Errorf("unexpected lessonChanged %+v", changed)
	}
	if len(h.notes.of("a1", types.NotifyLessonChanged)) != 0 {
		t.Error("the renaming admin should not receive its own change")
	}

	// The lesson's rows now live under the new range
	h.must(t, "a1", types.ActionJoinLesson, id)
	h.must(t, "a1", types.ActionUpdateTasks, types.UpdateTasksPayload{TasksID: "T1", Tasks: json.RawMessage(`[]`)})
	if rows := h.rows(t, "Algebra II"); len(rows) != 1 {
		t.Errorf("expected the task row under the new title, got %q", rows)
	}
}

func TestRouter_DeleteLesson(t *testing.T) {
	h := newHarness(t, Config{})
	id := h.seedAlgebra(t, nil)

	h.must(t, "a1", types.ActionRegisterAdmin, nil)
	h.must(t, "c1", types.ActionRegisterName, "Ana")
	h.must(t, "c1", types.ActionJoinLesson, id)
	h.must(t, "c1", types.ActionTextChanged, "gone soon")
	h.notes.reset()

	h.must(t, "a1", types.ActionDeleteLesson, id)

	if got := h.notes.last(t, "c1", types.NotifyLessonRemoved).Payload; got != id {
		t.Errorf("lessonRemoved = %v", got)
	}
	if len(h.notes.of("a1", types.NotifyLessonRemoved)) != 0 {
		t.Error("the deleting admin should not receive lessonRemoved")
	}
	m, _ := h.presence.Get("c1")
	if _, inLesson := m.Lesson(); inLesson {
		t.Error("members of a deleted lesson should be detached")
	}
	if h.scratch.Get(id) != "" {
		t.Error("scratch text of a deleted lesson should be dropped")
	}
	h.router.locks.mu.Lock()
	_, kept := h.router.locks.locks[id]
	h.router.locks.mu.Unlock()
	if kept {
		t.Error("the deleted lesson's lock should be released")
	}
	if err := h.act(t, "c1", types.ActionJoinLesson, id); !errors.Is(err, interfaces.ErrUnknownLesson) {
		t.Errorf("joining a deleted lesson: expected ErrUnknownLesson, got %v", err)
	}
}

func TestRouter_RateLimit(t *testing.T) {
	h := newHarness(t, Config{RateLimitPerMinute: 2})

	h.must(t, "c1", types.ActionListLessons, nil)
	h.must(t, "c1", types.ActionListLessons, nil)

	err := h.act(t, "c1", types.ActionListLessons, nil)
	if !errors.Is(err, ErrRateLimitExceeded) {
		t.Fatalf("expected ErrRateLimitExceeded, got %v", err)
	}
	if code := errorCodeOf(t, h.notes, "c1"); code != types.ErrCodeRateLimited {
		t.Errorf("unexpected code %s", code)
	}

	// Other connections have their own budget
	h.must(t, "c2", types.ActionListLessons, nil)
}

// deadlineStore records whether ListLessons was called with a deadline.
type deadlineStore struct {
	*rowstore.Memory
	sawDeadline bool
}

func (d *deadlineStore) ListLessons(ctx context.Context) ([]types.Lesson, error) {
	_, d.sawDeadline = ctx.Deadline()
	return d.Memory.ListLessons(ctx)
}

func TestRouter_ActionTimeout(t *testing.T) {
	for _, tc := range []struct {
		timeout time.Duration
		want    bool
	}{
		{30 * time.Second, true},
		{0, false},
	} {
		store := &deadlineStore{Memory: rowstore.NewMemory(0)}
		r := NewRouter(store, lesson.NewDirectory(store), lesson.NewScratch(), presence.NewRegistry(),
			newRecordingNotifier(), Config{MaxCellWidth: 10, ActionTimeout: tc.timeout})

		if err := r.Dispatch(context.Background(), "c1", types.Action{Type: types.ActionListLessons}); err != nil {
			t.Fatalf("listLessons failed: %v", err)
		}
		if store.sawDeadline != tc.want {
			t.Errorf("timeout %v: deadline present = %v, want %v", tc.timeout, store.sawDeadline, tc.want)
		}
	}
}

func TestWrapAnswer(t *testing.T) {
	got, err := wrapAnswer("Ana", `[{"html":"<b>&</b>"}]`)
	if err != nil {
		t.Fatalf("wrapAnswer failed: %v", err)
	}
	want := `{"userName":"Ana","tasks":[{"html":"<b>&</b>"}]}`
	if got != want {
		t.Errorf("wrapAnswer = %s, want %s", got, want)
	}

	if got, _ := wrapAnswer("Ana", ""); got != `{"userName":"Ana","tasks":null}` {
		t.Errorf("empty tasks = %s", got)
	}
	if _, err := wrapAnswer("Ana", "{broken"); err == nil {
		t.Error("invalid task JSON should fail")
	}
}
