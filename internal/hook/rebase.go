package hook

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"

	"restack/internal/backend"
	"restack/internal/eventlog"
)

// heldFile collects hook input that arrived during a rebase.
const heldFile = "hook-held"

// rebaseUnderway reports whether git is in the middle of a rebase.
func (i *Ingester) rebaseUnderway() bool {
	if i.gitDir == "" {
		return false
	}
	for _, dir := range []string{"rebase-merge", "rebase-apply"} {
		if info, err := os.Stat(filepath.Join(i.gitDir, dir)); err == nil && info.IsDir() {
			return true
		}
	}
	return false
}

// packedRefs reads the packed-refs file: "<oid> <ref>" lines, with '#'
// header and '^' peeled-tag lines skipped.
func (i *Ingester) packedRefs() (map[string]backend.ID, error) {
	out := map[string]backend.ID{}
	if i.gitDir == "" {
		return out, nil
	}
	f, err := os.Open(filepath.Join(i.gitDir, "packed-refs"))
	if errors.Is(err, fs.ErrNotExist) {
		return out, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading packed refs: %w", err)
	}
	defer f.Close()
	err = scan(f, 1, func(fields []string) error {
		if strings.HasPrefix(fields[0], "#") || strings.HasPrefix(fields[0], "^") || len(fields) < 2 {
			return nil
		}
		id, err := parseID(fields[0])
		if err != nil {
			return err
		}
		out[fields[1]] = id
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("reading packed refs: %w", err)
	}
	return out, nil
}

func (i *Ingester) heldPath() string {
	return filepath.Join(i.stateDir, heldFile)
}

// hold appends payloads to the held file.
func (i *Ingester) hold(label string, payloads []eventlog.Payload) error {
	var b strings.Builder
	for _, p := range payloads {
		switch v := p.(type) {
		case eventlog.RefUpdate:
			fmt.Fprintf(&b, "ref %s %s %s\n", heldID(v.Old), heldID(v.New), v.Ref)
		case eventlog.CommitCreated:
			fmt.Fprintf(&b, "commit %s\n", v.Commit)
		default:
			return fmt.Errorf("cannot hold %T", p)
		}
	}
	if err := os.MkdirAll(i.stateDir, 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(i.heldPath(), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("holding hook input: %w", err)
	}
	if _, err := f.WriteString(b.String()); err != nil {
		f.Close()
		return fmt.Errorf("holding hook input: %w", err)
	}
	i.l.WithFields(logrus.Fields{"label": label, "events": len(payloads)}).Debug("rebase in progress; hook input held")
	return f.Close()
}

// takeHeld returns the held payloads and clears them.
func (i *Ingester) takeHeld() ([]eventlog.Payload, error) {
	if i.stateDir == "" {
		return nil, nil
	}
	f, err := os.Open(i.heldPath())
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var out []eventlog.Payload
	err = scan(f, 2, func(fields []string) error {
		switch {
		case fields[0] == "commit":
			id, err := parseHeldID(fields[1])
			if err != nil {
				return err
			}
			out = append(out, eventlog.CommitCreated{Commit: id})
		case fields[0] == "ref" && len(fields) == 4:
			old, err := parseHeldID(fields[1])
			if err != nil {
				return err
			}
			next, err := parseHeldID(fields[2])
			if err != nil {
				return err
			}
			out = append(out, eventlog.RefUpdate{Ref: fields[3], Old: old, New: next})
		default:
			return fmt.Errorf("unknown held entry")
		}
		return nil
	})
	f.Close()
	if err != nil {
		return nil, fmt.Errorf("reading held hook input: %w", err)
	}
	return out, os.Remove(i.heldPath())
}

// dropHeld discards input held by a rebase that was aborted.
func (i *Ingester) dropHeld() error {
	if i.stateDir == "" {
		return nil
	}
	err := os.Remove(i.heldPath())
	switch {
	case err == nil:
		i.l.Info("rebase ended without rewriting commits; held hook input dropped")
		return nil
	case errors.Is(err, fs.ErrNotExist):
		return nil
	}
	return err
}

func heldID(id backend.ID) string {
	if id.IsZero() {
		return "-"
	}
	return string(id)
}

func parseHeldID(s string) (backend.ID, error) {
	if s == "-" {
		return "", nil
	}
	return parseID(s)
}
