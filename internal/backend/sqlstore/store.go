// Package sqlstore is the native backend: a SQLite database holding
// content-addressed commits, trees and blobs plus a table of refs.
package sqlstore

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/sync/errgroup"
	_ "modernc.org/sqlite"

	"restack/internal/backend"
	"restack/internal/cas"
)

//go:embed schema.sql
var schemaSQL string

const (
	kindCommit = "commit"
	kindTree   = "tree"
	kindBlob   = "blob"
)

// Store implements backend.Backend on SQLite.
type Store struct {
	conn *sql.DB
	path string
}

var _ backend.Backend = (*Store)(nil)

// Open opens or creates the store at dbPath and applies the schema.
func Open(dbPath string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("creating store directory: %w", err)
	}

	conn, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// Fail early if connection is bad
	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}

	if _, err := conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}
	conn.Exec("PRAGMA busy_timeout=5000")

	if _, err := conn.Exec(schemaSQL); err != nil {
		conn.Close()
		return nil, fmt.Errorf("applying schema: %w", err)
	}

	return &Store{conn: conn, path: dbPath}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.conn.Close()
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.path
}

type signaturePayload struct {
	Name  string `json:"name"`
	Email string `json:"email"`
	When  int64  `json:"when"`
}

type commitPayload struct {
	Parents   []string         `json:"parents"`
	Tree      string           `json:"tree"`
	Author    signaturePayload `json:"author"`
	Committer signaturePayload `json:"committer"`
	Message   string           `json:"message"`
}

type entryPayload struct {
	Blob string `json:"blob"`
	Mode uint32 `json:"mode"`
}

type treePayload struct {
	Entries map[string]entryPayload `json:"entries"`
}

func toSignaturePayload(s backend.Signature) signaturePayload {
	return signaturePayload{Name: s.Name, Email: s.Email, When: s.When.UnixMilli()}
}

func fromSignaturePayload(p signaturePayload) backend.Signature {
	return backend.Signature{Name: p.Name, Email: p.Email, When: time.UnixMilli(p.When).UTC()}
}

// insertObject stores an object if it doesn't already exist (idempotent).
func (s *Store) insertObject(ctx context.Context, id, kind string, payload []byte) error {
	_, err := s.conn.ExecContext(ctx, `
		INSERT OR IGNORE INTO objects (id, kind, payload, created_at)
		VALUES (?, ?, ?, ?)
	`, id, kind, payload, cas.NowMs())
	if err != nil {
		return backend.WrapIO("insert object", err)
	}
	return nil
}

func (s *Store) readObject(ctx context.Context, id backend.ID, kind string) ([]byte, error) {
	var payload []byte
	err := s.conn.QueryRowContext(ctx,
		`SELECT payload FROM objects WHERE id = ? AND kind = ?`, string(id), kind,
	).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &backend.NotFoundError{What: kind, Name: string(id)}
	}
	if err != nil {
		return nil, backend.WrapIO("read "+kind, err)
	}
	return payload, nil
}

// ReadCommit loads a commit by id.
func (s *Store) ReadCommit(ctx context.Context, id backend.ID) (*backend.Commit, error) {
	raw, err := s.readObject(ctx, id, kindCommit)
	if err != nil {
		return nil, err
	}
	var p commitPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, backend.WrapIO("decode commit", fmt.Errorf("%s: %w", id, err))
	}

	c := &backend.Commit{
		ID:        id,
		Tree:      backend.ID(p.Tree),
		Author:    fromSignaturePayload(p.Author),
		Committer: fromSignaturePayload(p.Committer),
		Message:   p.Message,
	}
	for _, parent := range p.Parents {
		c.Parents = append(c.Parents, backend.ID(parent))
	}
	return c, nil
}

// WriteCommit stores c and returns blake3("commit\n" + canonical payload).
func (s *Store) WriteCommit(ctx context.Context, c *backend.Commit) (backend.ID, error) {
	p := commitPayload{
		Parents:   make([]string, 0, len(c.Parents)),
		Tree:      string(c.Tree),
		Author:    toSignaturePayload(c.Author),
		Committer: toSignaturePayload(c.Committer),
		Message:   c.Message,
	}
	for _, parent := range c.Parents {
		p.Parents = append(p.Parents, string(parent))
	}

	id, canonical, err := cas.ObjectID(kindCommit, p)
	if err != nil {
		return "", fmt.Errorf("computing commit id: %w", err)
	}
	if err := s.insertObject(ctx, id, kindCommit, canonical); err != nil {
		return "", err
	}
	return backend.ID(id), nil
}

// ReadTree loads a flattened tree.
func (s *Store) ReadTree(ctx context.Context, id backend.ID) (backend.Tree, error) {
	raw, err := s.readObject(ctx, id, kindTree)
	if err != nil {
		return nil, err
	}
	var p treePayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, backend.WrapIO("decode tree", fmt.Errorf("%s: %w", id, err))
	}
	t := make(backend.Tree, len(p.Entries))
	for path, e := range p.Entries {
		t[path] = backend.TreeEntry{Blob: backend.ID(e.Blob), Mode: e.Mode}
	}
	return t, nil
}

// WriteTree stores a flattened tree.
func (s *Store) WriteTree(ctx context.Context, t backend.Tree) (backend.ID, error) {
	p := treePayload{Entries: make(map[string]entryPayload, len(t))}
	for path, e := range t {
		mode := e.Mode
		if mode == 0 {
			mode = backend.ModeFile
		}
		p.Entries[path] = entryPayload{Blob: string(e.Blob), Mode: mode}
	}
	id, canonical, err := cas.ObjectID(kindTree, p)
	if err != nil {
		return "", fmt.Errorf("computing tree id: %w", err)
	}
	if err := s.insertObject(ctx, id, kindTree, canonical); err != nil {
		return "", err
	}
	return backend.ID(id), nil
}

// ReadBlob returns file content.
func (s *Store) ReadBlob(ctx context.Context, id backend.ID) ([]byte, error) {
	return s.readObject(ctx, id, kindBlob)
}

// WriteBlob stores file content.
func (s *Store) WriteBlob(ctx context.Context, data []byte) (backend.ID, error) {
	id := cas.Tagged(kindBlob, data)
	if data == nil {
		data = []byte{}
	}
	if err := s.insertObject(ctx, id, kindBlob, data); err != nil {
		return "", err
	}
	return backend.ID(id), nil
}

// MaterializeWorkingCopy writes every file of the commit's tree below dir.
func (s *Store) MaterializeWorkingCopy(ctx context.Context, id backend.ID, dir string) error {
	c, err := s.ReadCommit(ctx, id)
	if err != nil {
		return err
	}
	tree, err := s.ReadTree(ctx, c.Tree)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(8)
	for path, entry := range tree {
		g.Go(func() error {
			data, err := s.ReadBlob(gctx, entry.Blob)
			if err != nil {
				return err
			}
			return writeFile(filepath.Join(dir, filepath.FromSlash(path)), data, entry.Mode)
		})
	}
	return g.Wait()
}

func writeFile(path string, data []byte, mode uint32) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return backend.WrapIO("materialize", err)
	}
	perm := os.FileMode(0o644)
	if mode == backend.ModeExec {
		perm = 0o755
	}
	if mode == backend.ModeSymlink {
		return backend.WrapIO("materialize", os.Symlink(string(data), path))
	}
	return backend.WrapIO("materialize", os.WriteFile(path, data, perm))
}
