// Package rewrite is the rewrite engine: it validates a plan against a Graph
// Index snapshot, recomputes the affected commits in memory, falls back to
// working-copy merges when trees conflict, and publishes the result as one
// event log transaction.
package rewrite

import (
	"fmt"
	"time"

	"restack/internal/backend"
)

// Action is what an Operation does to its target.
type Action int

const (
	ActionReparent Action = iota + 1
	ActionReword
	ActionDrop
	ActionFold
)

func (a Action) String() string {
	switch a {
	case ActionReparent:
		return "reparent"
	case ActionReword:
		return "reword"
	case ActionDrop:
		return "drop"
	case ActionFold:
		return "fold"
	}
	return fmt.Sprintf("action(%d)", int(a))
}

// Operation is one step of a Plan.
type Operation struct {
	Target backend.ID `json:"target"`
	Action Action     `json:"action"`
	// Parent is the new parent for ActionReparent.
	Parent backend.ID `json:"parent,omitempty"`
	// From is the parent ActionReparent replaces; zero means the first.
	From backend.ID `json:"from,omitempty"`
	// Message is the new message for ActionReword.
	Message string `json:"message,omitempty"`
	// Into is the destination of ActionFold.
	Into backend.ID `json:"into,omitempty"`
}

func (op Operation) String() string {
	switch op.Action {
	case ActionReparent:
		if !op.From.IsZero() {
			return fmt.Sprintf("reparent %s from %s onto %s", op.Target.Short(), op.From.Short(), op.Parent.Short())
		}
		return fmt.Sprintf("reparent %s onto %s", op.Target.Short(), op.Parent.Short())
	case ActionReword:
		return fmt.Sprintf("reword %s", op.Target.Short())
	case ActionFold:
		return fmt.Sprintf("fold %s into %s", op.Target.Short(), op.Into.Short())
	}
	return fmt.Sprintf("%s %s", op.Action, op.Target.Short())
}

// Reparent moves target (and its descendants) onto parent.
func Reparent(target, parent backend.ID) Operation {
	return Operation{Target: target, Action: ActionReparent, Parent: parent}
}

// Reword replaces target's message.
func Reword(target backend.ID, message string) Operation {
	return Operation{Target: target, Action: ActionReword, Message: message}
}

// Drop removes target; its children move to its first parent.
func Drop(target backend.ID) Operation {
	return Operation{Target: target, Action: ActionDrop}
}

// Fold moves target's changes into into and removes target.
func Fold(target, into backend.ID) Operation {
	return Operation{Target: target, Action: ActionFold, Into: into}
}

// Plan is an ordered list of operations run as one transaction. Label names
// the transaction in the event log.
type Plan struct {
	Label string      `json:"label"`
	Ops   []Operation `json:"ops"`
}

// Options tune one execution.
type Options struct {
	// DryRun computes the result without moving refs or recording events.
	DryRun bool `json:"dry_run,omitempty"`
	// ForceInMemory reports tree conflicts instead of falling back.
	ForceInMemory bool `json:"force_in_memory,omitempty"`
	// ForceOnDisk resolves every commit through a working copy.
	ForceOnDisk bool `json:"force_on_disk,omitempty"`
	// PreserveTimestamps keeps committer times; otherwise rewritten commits
	// get the current time.
	PreserveTimestamps bool `json:"preserve_timestamps,omitempty"`
	// Force allows rewriting commits reachable from the main branch.
	Force bool `json:"force,omitempty"`
	// HookCommand runs in the scratch working copy when a content merge
	// leaves conflicts, with RESTACK_CONFLICTS listing the paths.
	HookCommand string        `json:"hook_command,omitempty"`
	HookTimeout time.Duration `json:"hook_timeout,omitempty"`

	// Now overrides the clock for committer times.
	Now func() time.Time `json:"-"`
}

func (o Options) now() time.Time {
	if o.Now != nil {
		return o.Now()
	}
	return time.Now()
}

// State is a step of the engine's state machine.
type State int

const (
	StatePlanning State = iota
	StateValidating
	StateExecuting
	StateFallbackExecuting
	StateConflicted
	StateCommitted
	StateTerminal
)

func (s State) String() string {
	switch s {
	case StatePlanning:
		return "planning"
	case StateValidating:
		return "validating"
	case StateExecuting:
		return "executing"
	case StateFallbackExecuting:
		return "fallback"
	case StateConflicted:
		return "conflicted"
	case StateCommitted:
		return "committed"
	case StateTerminal:
		return "terminal"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// RefUpdate is a ref move performed by a rewrite.
type RefUpdate struct {
	Ref string     `json:"ref"`
	Old backend.ID `json:"old"`
	New backend.ID `json:"new"`
}

// Result describes a finished execution.
type Result struct {
	// State is StateCommitted, StateConflicted, or StateTerminal for a dry
	// run.
	State State
	// TxID is the event log transaction. For a conflicted result it is the
	// suspended transaction to continue or abort.
	TxID int64
	// Rewritten maps each original commit to its replacement.
	Rewritten map[backend.ID]backend.ID
	// Dropped maps each removed commit to the commit that absorbed its
	// changes, or to the zero ID when it was dropped outright.
	Dropped    map[backend.ID]backend.ID
	RefUpdates []RefUpdate
	// Fallback is set when any commit went through a working copy.
	Fallback bool
	Conflict *ConflictReport
	DryRun   bool

	inverse []Operation
	merged  bool
}

// Latest maps an original commit through the result, returning it unchanged
// when the rewrite did not touch it.
func (r *Result) Latest(id backend.ID) backend.ID {
	if n, ok := r.Rewritten[id]; ok {
		return n
	}
	return id
}

// Inverse returns a plan that moves the rewritten commits back to their
// original parents and messages. Plans that drop or fold commits have no
// operation-level inverse; undo restores those from the event log.
func (r *Result) Inverse() (Plan, error) {
	if len(r.Dropped) > 0 {
		return Plan{}, fmt.Errorf("plan removed commits; use undo to restore them")
	}
	if r.merged {
		return Plan{}, fmt.Errorf("plan merged parents; use undo to restore them")
	}
	inv := Plan{Label: "inverse"}
	for _, op := range r.inverse {
		op.Target = r.Latest(op.Target)
		if op.Action == ActionReparent {
			op.Parent = r.Latest(op.Parent)
			if !op.From.IsZero() {
				op.From = r.Latest(op.From)
			}
		}
		inv.Ops = append(inv.Ops, op)
	}
	return inv, nil
}
