package rewrite

import (
	"errors"
	"fmt"
	"strings"

	"restack/internal/backend"
	"restack/internal/merge"
)

var (
	// ErrInvalidPlan matches any InvalidPlanError.
	ErrInvalidPlan = errors.New("invalid rewrite plan")
	// ErrConflict matches any ConflictError.
	ErrConflict = errors.New("rewrite conflict")
	// ErrUnresolved is returned by Continue when conflicted paths are still
	// missing a resolution.
	ErrUnresolved = errors.New("conflicts remain unresolved")
	// ErrNothingToDo is returned by the plan builders when there is nothing
	// to move.
	ErrNothingToDo = errors.New("nothing to do")
)

// InvalidPlanError names the operation that failed validation.
// Err is set when the cause is another error, such as an unknown commit.
type InvalidPlanError struct {
	Index  int
	Op     Operation
	Reason string
	Err    error
}

func (e *InvalidPlanError) Error() string {
	return fmt.Sprintf("invalid plan: operation %d (%s): %s", e.Index+1, e.Op, e.Reason)
}

func (e *InvalidPlanError) Is(target error) bool {
	return target == ErrInvalidPlan
}

func (e *InvalidPlanError) Unwrap() error {
	return e.Err
}

// FileConflict is one path a content merge could not resolve.
type FileConflict struct {
	Path string `json:"path"`
	// Hunks holds the conflicting line ranges. It is empty when the file
	// could not be merged line by line.
	Hunks  []merge.Hunk `json:"hunks,omitempty"`
	Reason string       `json:"reason,omitempty"`
}

// ConflictReport tells the user what needs manual resolution.
type ConflictReport struct {
	// Commit is the original commit being rewritten when the conflict hit.
	Commit backend.ID `json:"commit"`
	// Operation describes why it was being rewritten.
	Operation string         `json:"operation"`
	Files     []FileConflict `json:"files"`
}

func (r *ConflictReport) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "conflict while rewriting %s (%s)\n", r.Commit.Short(), r.Operation)
	for _, f := range r.Files {
		fmt.Fprintf(&b, "  %s", f.Path)
		switch {
		case len(f.Hunks) > 0:
			ranges := make([]string, len(f.Hunks))
			for i, h := range f.Hunks {
				ranges[i] = fmt.Sprintf("ours %s / theirs %s", h.Ours, h.Theirs)
			}
			fmt.Fprintf(&b, ": lines %s", strings.Join(ranges, "; "))
		case f.Reason != "":
			fmt.Fprintf(&b, ": %s", f.Reason)
		}
		b.WriteByte('\n')
	}
	return b.String()
}

// Paths returns the conflicted paths.
func (r *ConflictReport) Paths() []string {
	out := make([]string, len(r.Files))
	for i, f := range r.Files {
		out[i] = f.Path
	}
	return out
}

// ConflictError carries the report of a conflicted rewrite.
type ConflictError struct {
	Report *ConflictReport
	// Suspended is set when the transaction was left open for continue or
	// abort.
	Suspended bool
}

func (e *ConflictError) Error() string {
	return strings.TrimRight(e.Report.String(), "\n")
}

func (e *ConflictError) Is(target error) bool {
	return target == ErrConflict
}

// HookError reports a failed or timed-out merge hook.
type HookError struct {
	Command string
	Err     error
	Output  string
}

func (e *HookError) Error() string {
	return fmt.Sprintf("merge hook %q: %v", e.Command, e.Err)
}

func (e *HookError) Unwrap() error {
	return e.Err
}
