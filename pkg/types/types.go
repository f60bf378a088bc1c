package types

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Role identifies what a registered connection may do.
type Role string

const (
	RoleParticipant   Role = "participant"
	RoleAdministrator Role = "administrator"
)

// LessonID is assigned by the row store. Zero is a valid id (the first sheet
// of a spreadsheet usually has sheetId 0).
type LessonID int64

func (id LessonID) String() string {
	return fmt.Sprintf("%d", int64(id))
}

// Lesson is one entry of the lesson directory.
type Lesson struct {
	ID    LessonID `json:"lessonId" db:"id"`
	Title string   `json:"title" db:"title"`
}

// Range addresses a lesson's rows in the store. It is the lesson title as a
// quoted A1 sheet reference, e.g. 'Algebra II'.
type Range string

// RangeForTitle derives the addressable range from a lesson title.
func RangeForTitle(title string) Range {
	return Range("'" + strings.ReplaceAll(title, "'", "''") + "'")
}

// Title recovers the lesson title from a range built by RangeForTitle.
func (r Range) Title() string {
	s := string(r)
	if len(s) >= 2 && strings.HasPrefix(s, "'") && strings.HasSuffix(s, "'") {
		return strings.ReplaceAll(s[1:len(s)-1], "''", "'")
	}
	return s
}

// RowRange addresses a single 1-based row inside the range, e.g. 'Algebra'!3:3.
func (r Range) RowRange(index int) string {
	return fmt.Sprintf("%s!%d:%d", r, index, index)
}

// Row is an ordered sequence of text cells.
type Row []string

// Clone returns a copy that does not share the backing array.
func (r Row) Clone() Row {
	if r == nil {
		return nil
	}
	out := make(Row, len(r))
	copy(out, r)
	return out
}

// OnlineParticipant is one entry of an online-participant list.
type OnlineParticipant struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// NamedAnswer pairs a participant name with its answer document.
type NamedAnswer struct {
	Name     string `json:"name"`
	Document string `json:"document"`
}

// TaskSet is the decoded task-definition row.
type TaskSet struct {
	TaskSetID string `json:"taskSetId"`
	Document  string `json:"document"`
}

// AnswerDocument is the JSON document stored in a participant's answer row.
type AnswerDocument struct {
	UserName string          `json:"userName"`
	Tasks    json.RawMessage `json:"tasks"`
}

// PresenceStats is reported by the HTTP health endpoint.
type PresenceStats struct {
	Participants   int `json:"participants"`
	Administrators int `json:"administrators"`
	ActiveLessons  int `json:"active_lessons"`
}
