// Package appstate holds the in-memory copy of every snapshot the rest of the
// application reads from.
package appstate

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"martlet/internal/scrapers/minerva"
	"martlet/internal/store"
)

// Schedule is the schedule snapshot, the sessions of a single term.
type Schedule struct {
	Term     minerva.Term            `json:"term"`
	Sessions []minerva.CourseSession `json:"sessions"`
}

// Preferences is the preferences snapshot.
type Preferences struct {
	Username         string        `json:"username"`
	RememberUsername bool          `json:"remember_username"`
	DefaultTerm      *minerva.Term `json:"default_term,omitempty"`
}

// Loader is the read side of the store.
type Loader interface {
	Load(ctx context.Context, kind store.Kind, out any) bool
}

// State is safe for concurrent use, getters return copies so callers can never
// mutate it.
type State struct {
	mutex         sync.RWMutex
	schedule      *Schedule
	transcript    *minerva.Transcript
	ebill         []minerva.Statement
	registerTerms []minerva.Term
	preferences   Preferences
}

// Load initializes a State from whatever snapshots the store has.
func Load(ctx context.Context, loader Loader) *State {
	s := &State{}

	var schedule Schedule
	if loader.Load(ctx, store.KindSchedule, &schedule) {
		s.schedule = &schedule
	}
	var transcript minerva.Transcript
	if loader.Load(ctx, store.KindTranscript, &transcript) {
		s.transcript = &transcript
	}
	var ebill []minerva.Statement
	if loader.Load(ctx, store.KindEbill, &ebill) {
		s.ebill = ebill
	}
	var terms []minerva.Term
	if loader.Load(ctx, store.KindRegisterTerms, &terms) {
		s.registerTerms = terms
	}
	var preferences Preferences
	if loader.Load(ctx, store.KindPreferences, &preferences) {
		s.preferences = preferences
	}
	return s
}

// Apply records a snapshot that was just saved. It is the only way State
// changes outside of Reset.
func (s *State) Apply(kind store.Kind, value any) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	switch kind {
	case store.KindSchedule:
		v, ok := value.(Schedule)
		if !ok {
			return applyError(kind, value)
		}
		v.Sessions = slices.Clone(v.Sessions)
		s.schedule = &v
	case store.KindTranscript:
		v, ok := value.(minerva.Transcript)
		if !ok {
			return applyError(kind, value)
		}
		v.Entries = slices.Clone(v.Entries)
		s.transcript = &v
	case store.KindEbill:
		v, ok := value.([]minerva.Statement)
		if !ok {
			return applyError(kind, value)
		}
		s.ebill = slices.Clone(v)
	case store.KindRegisterTerms:
		v, ok := value.([]minerva.Term)
		if !ok {
			return applyError(kind, value)
		}
		s.registerTerms = slices.Clone(v)
	case store.KindPreferences:
		v, ok := value.(Preferences)
		if !ok {
			return applyError(kind, value)
		}
		s.preferences = v.clone()
	case store.KindCredential:
		// credentials are never kept in memory
	default:
		return fmt.Errorf("%w: %q", store.ErrUnknownKind, kind)
	}
	return nil
}

func applyError(kind store.Kind, value any) error {
	return fmt.Errorf("cannot apply %T as %s snapshot", value, kind)
}

func (p Preferences) clone() Preferences {
	if p.DefaultTerm != nil {
		term := *p.DefaultTerm
		p.DefaultTerm = &term
	}
	return p
}

// Reset drops every snapshot, the username survives only when rememberUsername
// was set.
func (s *State) Reset() {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	s.schedule = nil
	s.transcript = nil
	s.ebill = nil
	s.registerTerms = nil
	if s.preferences.RememberUsername {
		s.preferences = Preferences{Username: s.preferences.Username, RememberUsername: true}
	} else {
		s.preferences = Preferences{}
	}
}

func (s *State) Schedule() (Schedule, bool) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	if s.schedule == nil {
		return Schedule{}, false
	}
	out := *s.schedule
	out.Sessions = slices.Clone(out.Sessions)
	return out, true
}

func (s *State) Transcript() (minerva.Transcript, bool) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	if s.transcript == nil {
		return minerva.Transcript{}, false
	}
	out := *s.transcript
	out.Entries = slices.Clone(out.Entries)
	return out, true
}

func (s *State) Ebill() []minerva.Statement {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return slices.Clone(s.ebill)
}

func (s *State) RegisterTerms() []minerva.Term {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return slices.Clone(s.registerTerms)
}

func (s *State) Preferences() Preferences {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return s.preferences.clone()
}
