package rewrite

import (
	"bytes"
	"context"
	"errors"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"restack/internal/backend"
	"restack/internal/merge"
)

const defaultHookTimeout = 30 * time.Second

// workingCopy resolves one commit through a scratch checkout of its new
// parent.
type workingCopy struct {
	b       backend.Backend
	scratch string
	opts    Options
	log     *logrus.Entry
}

// resolve materializes parent, lays tree over it, line-merges the conflicting
// paths and runs the merge hook. It returns the snapshot of the directory and
// the conflicts that are still unresolved.
func (w *workingCopy) resolve(ctx context.Context, commit, parent backend.ID, tree backend.Tree, conflicts []pathConflict) (backend.Tree, []FileConflict, error) {
	if err := os.MkdirAll(w.scratch, 0o755); err != nil {
		return nil, nil, backend.WrapIO("scratch dir", err)
	}
	dir := filepath.Join(w.scratch, "wc-"+uuid.NewString())
	if err := os.Mkdir(dir, 0o755); err != nil {
		return nil, nil, backend.WrapIO("scratch dir", err)
	}
	defer os.RemoveAll(dir)

	log := w.log.WithFields(logrus.Fields{"commit": commit.Short(), "dir": dir})
	if !parent.IsZero() {
		if err := w.b.MaterializeWorkingCopy(ctx, parent, dir); err != nil {
			return nil, nil, err
		}
	}
	if err := w.sync(ctx, dir, tree); err != nil {
		return nil, nil, err
	}

	labels := &merge.Labels{Ours: "new parent", Base: "original parent", Theirs: commit.Short()}
	written := make(map[string][]byte)
	var unresolved []FileConflict
	for _, pc := range conflicts {
		cm, err := mergeContent(ctx, w.b, pc, labels)
		if err != nil {
			return nil, nil, err
		}
		if err := writeEntry(dir, pc.Path, cm.Merged, cm.Mode); err != nil {
			return nil, nil, err
		}
		if cm.Conflict != nil {
			written[pc.Path] = cm.Merged
			unresolved = append(unresolved, *cm.Conflict)
		}
	}
	log.WithField("unresolved", len(unresolved)).Debug("working copy merged")

	if len(unresolved) > 0 && w.opts.HookCommand != "" {
		if err := w.runHook(ctx, dir, commit, unresolved); err != nil {
			return nil, nil, err
		}
		still := unresolved[:0]
		for _, fc := range unresolved {
			if !resolvedOnDisk(dir, fc, written[fc.Path]) {
				still = append(still, fc)
			}
		}
		log.WithField("unresolved", len(still)).Debug("merge hook finished")
		unresolved = still
	}

	snap, err := snapshotDir(ctx, w.b, dir)
	if err != nil {
		return nil, nil, err
	}
	return snap, unresolved, nil
}

// sync makes dir hold exactly the files of tree.
func (w *workingCopy) sync(ctx context.Context, dir string, tree backend.Tree) error {
	var stale []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, _ := filepath.Rel(dir, path)
		rel = filepath.ToSlash(rel)
		if d.IsDir() {
			if d.Name() == ".git" {
				return filepath.SkipDir
			}
			return nil
		}
		if _, ok := tree[rel]; !ok {
			stale = append(stale, path)
		}
		return nil
	})
	if err != nil {
		return backend.WrapIO("scan working copy", err)
	}
	for _, path := range stale {
		if err := os.Remove(path); err != nil {
			return backend.WrapIO("sync working copy", err)
		}
	}
	for _, path := range tree.Paths() {
		if err := ctx.Err(); err != nil {
			return err
		}
		entry := tree[path]
		data, err := w.b.ReadBlob(ctx, entry.Blob)
		if err != nil {
			return err
		}
		full := filepath.Join(dir, filepath.FromSlash(path))
		if entry.Mode != backend.ModeSymlink {
			if cur, err := os.ReadFile(full); err == nil && bytes.Equal(cur, data) {
				if err := os.Chmod(full, filePerm(entry.Mode)); err != nil {
					return backend.WrapIO("sync working copy", err)
				}
				continue
			}
		}
		if err := writeEntry(dir, path, data, entry.Mode); err != nil {
			return err
		}
	}
	return nil
}

func (w *workingCopy) runHook(ctx context.Context, dir string, commit backend.ID, unresolved []FileConflict) error {
	timeout := w.opts.HookTimeout
	if timeout <= 0 {
		timeout = defaultHookTimeout
	}
	hctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	paths := make([]string, len(unresolved))
	for i, fc := range unresolved {
		paths[i] = fc.Path
	}
	cmd := exec.CommandContext(hctx, "sh", "-c", w.opts.HookCommand)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(),
		"RESTACK_CONFLICTS="+strings.Join(paths, "\n"),
		"RESTACK_COMMIT="+commit.String(),
	)
	out, err := cmd.CombinedOutput()
	if err != nil {
		if errors.Is(hctx.Err(), context.DeadlineExceeded) {
			err = hctx.Err()
		}
		return &HookError{Command: w.opts.HookCommand, Err: err, Output: string(out)}
	}
	return nil
}

// resolvedOnDisk reports whether the hook settled a conflicted path: text
// files must be free of conflict markers, anything else must have changed.
func resolvedOnDisk(dir string, fc FileConflict, written []byte) bool {
	data, err := os.ReadFile(filepath.Join(dir, filepath.FromSlash(fc.Path)))
	if err != nil {
		return errors.Is(err, fs.ErrNotExist) && fc.Reason != ""
	}
	if len(fc.Hunks) > 0 {
		return !hasMarkers(data)
	}
	return !bytes.Equal(data, written)
}

func hasMarkers(data []byte) bool {
	for _, line := range bytes.Split(data, []byte("\n")) {
		if bytes.HasPrefix(line, []byte("<<<<<<< ")) || bytes.HasPrefix(line, []byte(">>>>>>> ")) {
			return true
		}
	}
	return false
}

func filePerm(mode uint32) os.FileMode {
	if mode == backend.ModeExec {
		return 0o755
	}
	return 0o644
}

func writeEntry(dir, path string, data []byte, mode uint32) error {
	full := filepath.Join(dir, filepath.FromSlash(path))
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return backend.WrapIO("write working copy", err)
	}
	if _, err := os.Lstat(full); err == nil {
		if err := os.Remove(full); err != nil {
			return backend.WrapIO("write working copy", err)
		}
	}
	if mode == backend.ModeSymlink {
		return backend.WrapIO("write working copy", os.Symlink(string(data), full))
	}
	return backend.WrapIO("write working copy", os.WriteFile(full, data, filePerm(mode)))
}

// snapshotDir stores every file under dir and returns the resulting tree.
func snapshotDir(ctx context.Context, b backend.Backend, dir string) (backend.Tree, error) {
	tree := backend.Tree{}
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if d.Name() == ".git" {
				return filepath.SkipDir
			}
			return nil
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		var data []byte
		mode := backend.ModeFile
		switch {
		case d.Type()&fs.ModeSymlink != 0:
			target, err := os.Readlink(path)
			if err != nil {
				return err
			}
			data, mode = []byte(target), backend.ModeSymlink
		case d.Type().IsRegular():
			info, err := d.Info()
			if err != nil {
				return err
			}
			if info.Mode().Perm()&0o111 != 0 {
				mode = backend.ModeExec
			}
			if data, err = os.ReadFile(path); err != nil {
				return err
			}
		default:
			return nil
		}
		blob, err := b.WriteBlob(ctx, data)
		if err != nil {
			return err
		}
		tree[filepath.ToSlash(rel)] = backend.TreeEntry{Blob: blob, Mode: mode}
		return nil
	})
	if err != nil {
		return nil, backend.WrapIO("snapshot working copy", err)
	}
	return tree, nil
}
