package eventlog

import (
	"context"

	"restack/internal/backend"
	"restack/internal/dag"
)

// State is the commit visibility derived by folding the log from the start.
// A commit is visible when it was created, rewritten into, or unhidden and
// has not been hidden or rewritten away since.
type State struct {
	Cursor     uint64
	tracked    map[backend.ID]struct{}
	hidden     map[backend.ID]struct{}
	successors map[backend.ID]backend.ID
}

// NewState returns the state of an empty log.
func NewState() *State {
	return &State{
		tracked:    make(map[backend.ID]struct{}),
		hidden:     make(map[backend.ID]struct{}),
		successors: make(map[backend.ID]backend.ID),
	}
}

// Apply folds one event into the state.
func (s *State) Apply(ev Event) {
	switch p := ev.Payload.(type) {
	case CommitCreated:
		s.show(p.Commit)
	case CommitRewritten:
		s.hide(p.Old, p.New)
		s.show(p.New)
	case CommitHidden:
		s.hide(p.Commit, p.Successor)
	case CommitUnhidden:
		s.show(p.Commit)
	}
	if ev.Seq > s.Cursor {
		s.Cursor = ev.Seq
	}
}

func (s *State) show(id backend.ID) {
	s.tracked[id] = struct{}{}
	delete(s.hidden, id)
	delete(s.successors, id)
}

func (s *State) hide(id, successor backend.ID) {
	s.hidden[id] = struct{}{}
	if successor.IsZero() {
		delete(s.successors, id)
	} else {
		s.successors[id] = successor
	}
}

// IsHidden reports whether id was explicitly hidden or rewritten away.
func (s *State) IsHidden(id backend.ID) bool {
	_, ok := s.hidden[id]
	return ok
}

// Successor returns the commit that replaced id, if any.
func (s *State) Successor(id backend.ID) (backend.ID, bool) {
	next, ok := s.successors[id]
	return next, ok
}

// Latest follows the successor chain from id to its newest rewrite.
func (s *State) Latest(id backend.ID) backend.ID {
	seen := map[backend.ID]bool{}
	for !seen[id] {
		seen[id] = true
		next, ok := s.successors[id]
		if !ok {
			break
		}
		id = next
	}
	return id
}

// Visible returns the tracked commits that are not hidden.
func (s *State) Visible() dag.Set {
	out := dag.NewSet()
	for id := range s.tracked {
		if _, gone := s.hidden[id]; !gone {
			out.Add(id)
		}
	}
	return out
}

// Replay folds every committed event with seq <= upTo (0 for all).
func (l *Log) Replay(ctx context.Context, upTo uint64) (*State, error) {
	s := NewState()
	for ev, err := range l.EventsSince(ctx, 0) {
		if err != nil {
			return nil, err
		}
		if upTo != 0 && ev.Seq > upTo {
			break
		}
		s.Apply(ev)
	}
	return s, nil
}
