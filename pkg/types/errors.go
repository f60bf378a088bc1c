package types

import "errors"

var (
	ErrInvalidDisplayName = errors.New("display name must be 1-100 characters and not blank")
	ErrInvalidLessonTitle = errors.New("lesson title must be 1-100 characters without []*?/\\:")
)
