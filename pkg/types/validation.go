package types

import (
	"strings"
	"unicode/utf8"
)

const (
	MaxDisplayNameLength = 100
	MaxLessonTitleLength = 100
)

// ValidateDisplayName checks a participant name before registration. The name
// becomes the first cell of the participant's answer row, so it must be
// non-blank.
func ValidateDisplayName(name string) error {
	if strings.TrimSpace(name) == "" || utf8.RuneCountInString(name) > MaxDisplayNameLength {
		return ErrInvalidDisplayName
	}
	return nil
}

// ValidateLessonTitle checks a lesson title. Google Sheets forbids a handful of
// characters in sheet names; they are rejected for every backend so a lesson
// can move between stores.
func ValidateLessonTitle(title string) error {
	if strings.TrimSpace(title) == "" || utf8.RuneCountInString(title) > MaxLessonTitleLength {
		return ErrInvalidLessonTitle
	}
	if strings.ContainsAny(title, `[]*?/\:`) {
		return ErrInvalidLessonTitle
	}
	return nil
}

// IsValidActionType reports whether t is a known inbound action.
func IsValidActionType(t ActionType) bool {
	switch t {
	case ActionRegisterName,
		ActionRegisterAdmin,
		ActionListLessons,
		ActionCreateLesson,
		ActionRenameLesson,
		ActionDeleteLesson,
		ActionJoinLesson,
		ActionLeaveLesson,
		ActionUpdateTasks,
		ActionUpdateAnswer,
		ActionTextChanged:
		return true
	default:
		return false
	}
}
