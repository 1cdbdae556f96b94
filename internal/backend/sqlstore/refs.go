package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"restack/internal/backend"
	"restack/internal/cas"
)

// ReadRef returns the target of a ref.
func (s *Store) ReadRef(ctx context.Context, name string) (backend.ID, error) {
	var target string
	err := s.conn.QueryRowContext(ctx, `SELECT target FROM refs WHERE name = ?`, name).Scan(&target)
	if errors.Is(err, sql.ErrNoRows) {
		return "", &backend.NotFoundError{What: "ref", Name: name}
	}
	if err != nil {
		return "", backend.WrapIO("read ref", err)
	}
	return backend.ID(target), nil
}

// ListRefs returns all refs ordered by name.
func (s *Store) ListRefs(ctx context.Context) ([]backend.Ref, error) {
	rows, err := s.conn.QueryContext(ctx, `SELECT name, target FROM refs ORDER BY name`)
	if err != nil {
		return nil, backend.WrapIO("list refs", err)
	}
	defer rows.Close()

	var refs []backend.Ref
	for rows.Next() {
		var name, target string
		if err := rows.Scan(&name, &target); err != nil {
			return nil, backend.WrapIO("scan ref", err)
		}
		refs = append(refs, backend.Ref{Name: name, Target: backend.ID(target)})
	}
	return refs, backend.WrapIO("list refs", rows.Err())
}

// WriteRef updates a ref with optional compare-and-swap and appends the change
// to ref_log, all in one SQLite transaction.
func (s *Store) WriteRef(ctx context.Context, name string, target backend.ID, expectedOld *backend.ID) error {
	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return backend.WrapIO("begin ref update", err)
	}
	defer tx.Rollback()

	var current string
	err = tx.QueryRowContext(ctx, `SELECT target FROM refs WHERE name = ?`, name).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		current = ""
	} else if err != nil {
		return backend.WrapIO("checking current ref", err)
	}

	if current == string(target) {
		return nil
	}
	if expectedOld != nil && string(*expectedOld) != current {
		return &backend.RefMismatchError{Ref: name, Expected: *expectedOld, Actual: backend.ID(current)}
	}

	ts := cas.NowMs()
	if target.IsZero() {
		_, err = tx.ExecContext(ctx, `DELETE FROM refs WHERE name = ?`, name)
	} else {
		_, err = tx.ExecContext(ctx,
			`INSERT INTO refs (name, target, updated_at) VALUES (?, ?, ?)
			 ON CONFLICT(name) DO UPDATE SET target=excluded.target, updated_at=excluded.updated_at`,
			name, string(target), ts,
		)
	}
	if err != nil {
		return backend.WrapIO("writing ref", err)
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO ref_log (ref, old, new, time) VALUES (?, ?, ?, ?)`,
		name, current, string(target), ts,
	); err != nil {
		return backend.WrapIO("appending ref log", err)
	}

	return backend.WrapIO("commit ref update", tx.Commit())
}

// Fingerprint is derived from the ref log head, which advances on every ref
// write from any process.
func (s *Store) Fingerprint(ctx context.Context) (string, error) {
	var seq int64
	if err := s.conn.QueryRowContext(ctx, `SELECT COALESCE(MAX(seq), 0) FROM ref_log`).Scan(&seq); err != nil {
		return "", backend.WrapIO("fingerprint", err)
	}
	return fmt.Sprintf("sqlstore:%d", seq), nil
}
