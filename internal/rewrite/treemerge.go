package rewrite

import (
	"context"
	"sort"

	"restack/internal/backend"
	"restack/internal/merge"
)

// pathConflict is a path changed differently on both sides of a tree merge.
// A nil side means the path is absent there.
type pathConflict struct {
	Path   string             `json:"path"`
	Base   *backend.TreeEntry `json:"base,omitempty"`
	Ours   *backend.TreeEntry `json:"ours,omitempty"`
	Theirs *backend.TreeEntry `json:"theirs,omitempty"`
}

func entryAt(t backend.Tree, path string) *backend.TreeEntry {
	e, ok := t[path]
	if !ok {
		return nil
	}
	return &e
}

func sameEntry(a, b *backend.TreeEntry) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

// mergeTrees applies the change base→theirs on top of ours, path by path.
// Conflicting paths keep the ours entry in the result.
func mergeTrees(base, ours, theirs backend.Tree) (backend.Tree, []pathConflict) {
	out := ours.Clone()
	paths := make(map[string]struct{}, len(base)+len(theirs))
	for p := range base {
		paths[p] = struct{}{}
	}
	for p := range theirs {
		paths[p] = struct{}{}
	}
	sorted := make([]string, 0, len(paths))
	for p := range paths {
		sorted = append(sorted, p)
	}
	sort.Strings(sorted)

	var conflicts []pathConflict
	for _, p := range sorted {
		b, o, t := entryAt(base, p), entryAt(ours, p), entryAt(theirs, p)
		switch {
		case sameEntry(b, t), sameEntry(o, t):
		case sameEntry(b, o):
			if t == nil {
				delete(out, p)
			} else {
				out[p] = *t
			}
		case b != nil && o != nil && t != nil && b.Blob == o.Blob && b.Blob == t.Blob:
			// Only the mode changed on both sides; the replayed change wins.
			out[p] = *t
		default:
			conflicts = append(conflicts, pathConflict{Path: p, Base: b, Ours: o, Theirs: t})
		}
	}
	return out, conflicts
}

// contentMerge is the line-level merge of one conflicting path.
type contentMerge struct {
	Merged   []byte
	Mode     uint32
	Conflict *FileConflict
}

// mergeContent runs a line-based three-way merge over a conflicting path.
func mergeContent(ctx context.Context, b backend.Backend, pc pathConflict, labels *merge.Labels) (*contentMerge, error) {
	read := func(e *backend.TreeEntry) ([]byte, error) {
		if e == nil {
			return nil, nil
		}
		return b.ReadBlob(ctx, e.Blob)
	}
	base, err := read(pc.Base)
	if err != nil {
		return nil, err
	}
	ours, err := read(pc.Ours)
	if err != nil {
		return nil, err
	}
	theirs, err := read(pc.Theirs)
	if err != nil {
		return nil, err
	}

	mode := backend.ModeFile
	switch {
	case pc.Theirs != nil:
		mode = pc.Theirs.Mode
	case pc.Ours != nil:
		mode = pc.Ours.Mode
	}

	if pc.Ours == nil || pc.Theirs == nil {
		return &contentMerge{
			Merged: append(ours, theirs...),
			Mode:   mode,
			Conflict: &FileConflict{
				Path:   pc.Path,
				Reason: "deleted on one side and modified on the other",
			},
		}, nil
	}
	if pc.Ours.Mode == backend.ModeSymlink || pc.Theirs.Mode == backend.ModeSymlink {
		return &contentMerge{
			Merged:   ours,
			Mode:     pc.Ours.Mode,
			Conflict: &FileConflict{Path: pc.Path, Reason: "symlink changed on both sides"},
		}, nil
	}

	res := merge.Merge3(base, ours, theirs, labels)
	cm := &contentMerge{Merged: res.Merged, Mode: mode}
	switch {
	case res.Binary:
		cm.Conflict = &FileConflict{Path: pc.Path, Reason: "binary content changed on both sides"}
	case !res.Clean():
		cm.Conflict = &FileConflict{Path: pc.Path, Hunks: res.Conflicts}
	}
	return cm, nil
}
