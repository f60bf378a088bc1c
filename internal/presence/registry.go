// Package presence tracks which connections are registered, in which role,
// and which lesson each one currently has open.
package presence

import (
	"errors"
	"sort"
	"sync"

	"classsync/pkg/types"
)

var (
	ErrAlreadyRegistered = errors.New("connection already registered")
	ErrNotRegistered     = errors.New("connection not registered")
)

// Member is a registered connection: either a *Participant or an
// *Administrator. Callers switch on the concrete type.
type Member interface {
	ConnID() string
	Role() types.Role
	// Lesson reports the lesson the member has open.
	Lesson() (types.LessonID, bool)

	member()
}

type lessonRef struct {
	id     types.LessonID
	joined bool
}

func (l lessonRef) get() (types.LessonID, bool) { return l.id, l.joined }

// Participant is a named connection that submits answers.
type Participant struct {
	ID     string
	Name   string
	lesson lessonRef
}

func (p *Participant) ConnID() string                 { return p.ID }
func (p *Participant) Role() types.Role               { return types.RoleParticipant }
func (p *Participant) Lesson() (types.LessonID, bool) { return p.lesson.get() }
func (p *Participant) member()                        {}

// Administrator manages lessons and publishes task sets.
type Administrator struct {
	ID     string
	lesson lessonRef
}

func (a *Administrator) ConnID() string                 { return a.ID }
func (a *Administrator) Role() types.Role               { return types.RoleAdministrator }
func (a *Administrator) Lesson() (types.LessonID, bool) { return a.lesson.get() }
func (a *Administrator) member()                        {}

// Registry holds every registered member. Returned members are snapshots;
// mutate presence only through Registry methods.
type Registry struct {
	participants   map[string]*Participant
	administrators map[string]*Administrator
	mu             sync.RWMutex
}

func NewRegistry() *Registry {
	return &Registry{
		participants:   make(map[string]*Participant),
		administrators: make(map[string]*Administrator),
	}
}

func (r *Registry) registered(id string) bool {
	_, isParticipant := r.participants[id]
	_, isAdmin := r.administrators[id]
	return isParticipant || isAdmin
}

// RegisterParticipant adds id as a participant with the given display name.
func (r *Registry) RegisterParticipant(id, name string) (*Participant, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.registered(id) {
		return nil, ErrAlreadyRegistered
	}
	p := &Participant{ID: id, Name: name}
	r.participants[id] = p
	copied := *p
	return &copied, nil
}

// RegisterAdministrator adds id as an administrator.
func (r *Registry) RegisterAdministrator(id string) (*Administrator, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.registered(id) {
		return nil, ErrAlreadyRegistered
	}
	a := &Administrator{ID: id}
	r.administrators[id] = a
	copied := *a
	return &copied, nil
}

// SetLesson records the member's current lesson; nil means none. It returns
// the lesson the member previously had open.
func (r *Registry) SetLesson(id string, lesson *types.LessonID) (previous types.LessonID, hadPrevious bool, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	ref := lessonRef{}
	if lesson != nil {
		ref = lessonRef{id: *lesson, joined: true}
	}

	if p, ok := r.participants[id]; ok {
		previous, hadPrevious = p.lesson.get()
		p.lesson = ref
		return previous, hadPrevious, nil
	}
	if a, ok := r.administrators[id]; ok {
		previous, hadPrevious = a.lesson.get()
		a.lesson = ref
		return previous, hadPrevious, nil
	}
	return 0, false, ErrNotRegistered
}

// Remove deletes the member and returns what it was.
func (r *Registry) Remove(id string) (Member, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if p, ok := r.participants[id]; ok {
		delete(r.participants, id)
		return p, true
	}
	if a, ok := r.administrators[id]; ok {
		delete(r.administrators, id)
		return a, true
	}
	return nil, false
}

// Get returns a snapshot of the member registered under id.
func (r *Registry) Get(id string) (Member, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if p, ok := r.participants[id]; ok {
		copied := *p
		return &copied, true
	}
	if a, ok := r.administrators[id]; ok {
		copied := *a
		return &copied, true
	}
	return nil, false
}

// OnlineParticipants lists the participants in a lesson sorted by name, then
// connection id.
func (r *Registry) OnlineParticipants(lesson types.LessonID) []types.OnlineParticipant {
	r.mu.RLock()
	online := make([]types.OnlineParticipant, 0)
	for _, p := range r.participants {
		if id, ok := p.lesson.get(); ok && id == lesson {
			online = append(online, types.OnlineParticipant{ID: p.ID, Name: p.Name})
		}
	}
	r.mu.RUnlock()

	sort.Slice(online, func(i, j int) bool {
		if online[i].Name != online[j].Name {
			return online[i].Name < online[j].Name
		}
		return online[i].ID < online[j].ID
	})
	return online
}

// ParticipantsIn returns snapshots of the participants in a lesson, sorted by
// connection id.
func (r *Registry) ParticipantsIn(lesson types.LessonID) []Participant {
	r.mu.RLock()
	out := make([]Participant, 0)
	for _, p := range r.participants {
		if id, ok := p.lesson.get(); ok && id == lesson {
			out = append(out, *p)
		}
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// AdministratorsIn returns the connection ids of administrators in a lesson.
func (r *Registry) AdministratorsIn(lesson types.LessonID) []string {
	r.mu.RLock()
	ids := make([]string, 0)
	for _, a := range r.administrators {
		if id, ok := a.lesson.get(); ok && id == lesson {
			ids = append(ids, a.ID)
		}
	}
	r.mu.RUnlock()

	sort.Strings(ids)
	return ids
}

// MembersIn returns the connection ids of every member in a lesson.
func (r *Registry) MembersIn(lesson types.LessonID) []string {
	ids := r.AdministratorsIn(lesson)
	for _, p := range r.ParticipantsIn(lesson) {
		ids = append(ids, p.ID)
	}
	sort.Strings(ids)
	return ids
}

// All returns the connection ids of every registered member.
func (r *Registry) All() []string {
	r.mu.RLock()
	ids := make([]string, 0, len(r.participants)+len(r.administrators))
	for id := range r.participants {
		ids = append(ids, id)
	}
	for id := range r.administrators {
		ids = append(ids, id)
	}
	r.mu.RUnlock()

	sort.Strings(ids)
	return ids
}

// ClearLesson detaches every member from a lesson and returns their ids.
func (r *Registry) ClearLesson(lesson types.LessonID) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	var detached []string
	for _, p := range r.participants {
		if id, ok := p.lesson.get(); ok && id == lesson {
			p.lesson = lessonRef{}
			detached = append(detached, p.ID)
		}
	}
	for _, a := range r.administrators {
		if id, ok := a.lesson.get(); ok && id == lesson {
			a.lesson = lessonRef{}
			detached = append(detached, a.ID)
		}
	}
	sort.Strings(detached)
	return detached
}

// Stats returns presence counters.
func (r *Registry) Stats() types.PresenceStats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	lessons := make(map[types.LessonID]struct{})
	for _, p := range r.participants {
		if id, ok := p.lesson.get(); ok {
			lessons[id] = struct{}{}
		}
	}
	for _, a := range r.administrators {
		if id, ok := a.lesson.get(); ok {
			lessons[id] = struct{}{}
		}
	}

	return types.PresenceStats{
		Participants:   len(r.participants),
		Administrators: len(r.administrators),
		ActiveLessons:  len(lessons),
	}
}
