package app

import (
	"sync"

	"quizduel-service/internal/domain"
)

// Registry is the explicitly-owned index of live duel sessions. It is
// created at process start and drained on shutdown.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*DuelSession
	bySide   map[string]string // participant ID -> session ID
}

func NewRegistry() *Registry {
	return &Registry{
		sessions: make(map[string]*DuelSession),
		bySide:   make(map[string]string),
	}
}

func (r *Registry) Add(s *DuelSession) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[s.ID] = s
	for _, side := range s.Sides() {
		if side.Bot == nil {
			r.bySide[side.ParticipantID] = s.ID
		}
	}
}

func (r *Registry) Get(id string) (*DuelSession, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	if !ok {
		return nil, domain.ErrSessionNotFound
	}
	return s, nil
}

// ForParticipant finds the live session a participant is seated in, if any.
func (r *Registry) ForParticipant(participantID string) (*DuelSession, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.bySide[participantID]
	if !ok {
		return nil, false
	}
	s, ok := r.sessions[id]
	return s, ok
}

// Remove drops a finished session and its side index entries.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return
	}
	delete(r.sessions, id)
	for _, side := range s.Sides() {
		if r.bySide[side.ParticipantID] == id {
			delete(r.bySide, side.ParticipantID)
		}
	}
}

// Drain closes every live session. Called on shutdown.
func (r *Registry) Drain() {
	r.mu.Lock()
	sessions := make([]*DuelSession, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.sessions = make(map[string]*DuelSession)
	r.bySide = make(map[string]string)
	r.mu.Unlock()
	for _, s := range sessions {
		s.Close()
	}
}
