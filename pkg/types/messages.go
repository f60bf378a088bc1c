package types

import (
	"encoding/json"
	"time"
)

// ActionType names an inbound client action.
type ActionType string

// Client → server actions
const (
	ActionRegisterName  ActionType = "registerName"
	ActionRegisterAdmin ActionType = "registerAdmin"
	ActionListLessons   ActionType = "listLessons"
	ActionCreateLesson  ActionType = "createLesson"
	ActionRenameLesson  ActionType = "renameLesson"
	ActionDeleteLesson  ActionType = "deleteLesson"
	ActionJoinLesson    ActionType = "joinLesson"
	ActionLeaveLesson   ActionType = "leaveLesson"
	ActionUpdateTasks   ActionType = "updateTasks"
	ActionUpdateAnswer  ActionType = "updateAnswer"
	ActionTextChanged   ActionType = "textChanged"
)

// NotificationType names an outbound server notification.
type NotificationType string

// Server → client notifications
const (
	NotifyLessonsLoaded            NotificationType = "lessonsLoaded"
	NotifyLessonChanged            NotificationType = "lessonChanged"
	NotifyLessonRemoved            NotificationType = "lessonRemoved"
	NotifyTasksLoaded              NotificationType = "tasksLoaded"
	NotifyAnswerLoaded             NotificationType = "answerLoaded"
	NotifyAnswersLoaded            NotificationType = "answersLoaded"
	NotifyAnswerUpdated            NotificationType = "answerUpdated"
	NotifyOnlineParticipantsLoaded NotificationType = "onlineParticipantsLoaded"
	NotifyScratchTextLoaded        NotificationType = "scratchTextLoaded"
	NotifyError                    NotificationType = "error"
)

// Action is the inbound envelope. Payload is decoded by the router according
// to Type.
type Action struct {
	Type    ActionType      `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Notification is the outbound envelope.
type Notification struct {
	Type      NotificationType `json:"type"`
	Payload   interface{}      `json:"payload"`
	Timestamp string           `json:"timestamp"`
}

// NewNotification stamps a notification with the current UTC time.
func NewNotification(t NotificationType, payload interface{}) Notification {
	return Notification{
		Type:      t,
		Payload:   payload,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
}

// RenameLessonPayload is the payload of renameLesson.
type RenameLessonPayload struct {
	LessonID LessonID `json:"lessonId"`
	Title    string   `json:"title"`
}

// UpdateTasksPayload is the payload of updateTasks.
type UpdateTasksPayload struct {
	TasksID string          `json:"tasksId"`
	Tasks   json.RawMessage `json:"tasks"`
}

// ErrorPayload is sent to a caller whose action was abandoned.
type ErrorPayload struct {
	Code    string     `json:"code"`
	Message string     `json:"message"`
	Action  ActionType `json:"action,omitempty"`
}

// Error codes
const (
	ErrCodeStoreUnavailable       = "STORE_UNAVAILABLE"
	ErrCodeStoreRejected          = "STORE_REJECTED"
	ErrCodeUnknownLesson          = "UNKNOWN_LESSON"
	ErrCodeParticipantRowNotFound = "PARTICIPANT_ROW_NOT_FOUND"
	ErrCodeProtocolViolation      = "PROTOCOL_VIOLATION"
	ErrCodeRateLimited            = "RATE_LIMITED"
	ErrCodeInvalidPayload         = "INVALID_PAYLOAD"
	ErrCodeInternalError          = "INTERNAL_ERROR"
)
