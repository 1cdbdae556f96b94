package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"restack/internal/rewrite"
)

// TestRootCommand tests that the root command is properly configured
func TestRootCommand(t *testing.T) {
	if rootCmd == nil {
		t.Fatal("rootCmd should not be nil")
	}
	if rootCmd.Use != "restack" {
		t.Errorf("expected Use 'restack', got %q", rootCmd.Use)
	}
	if rootCmd.Short == "" {
		t.Error("Short description should not be empty")
	}
	if rootCmd.PersistentFlags().Lookup("repo") == nil {
		t.Error("expected persistent --repo flag")
	}
}

// TestRewriteCommands checks every rewriting command runs and shares the rewrite flags
func TestRewriteCommands(t *testing.T) {
	for _, c := range []*cobra.Command{moveCmd, dropCmd, rewordCmd, foldCmd, advanceCmd, restackCmd} {
		if c.RunE == nil {
			t.Errorf("%s: RunE should not be nil", c.Name())
		}
		if c.GroupID != groupRewrite {
			t.Errorf("%s: expected group %q, got %q", c.Name(), groupRewrite, c.GroupID)
		}
		for _, name := range []string{"dry-run", "force", "in-memory", "on-disk", "preserve-timestamps"} {
			if c.Flags().Lookup(name) == nil {
				t.Errorf("%s: missing --%s", c.Name(), name)
			}
		}
	}
}

// TestHookCommand tests the hook command group
func TestHookCommand(t *testing.T) {
	if !hookCmd.HasSubCommands() {
		t.Fatal("hook should have subcommands")
	}
	for _, name := range append([]string{"install"}, hookNames...) {
		c, _, err := hookCmd.Find([]string{name})
		if err != nil || c == hookCmd {
			t.Errorf("missing hook subcommand %q", name)
		}
	}
}

func TestExitCode(t *testing.T) {
	assert.Equal(t, 2, exitCode(&rewrite.ConflictError{Report: &rewrite.ConflictReport{}}))
	assert.Equal(t, 1, exitCode(os.ErrNotExist))
}

// resetFlags puts every flag back to its default so rootCmd can run again.
func resetFlags(c *cobra.Command) {
	reset := func(f *pflag.Flag) {
		if sv, ok := f.Value.(pflag.SliceValue); ok {
			_ = sv.Replace(nil)
		} else {
			_ = f.Value.Set(f.DefValue)
		}
		f.Changed = false
	}
	c.Flags().VisitAll(reset)
	c.PersistentFlags().VisitAll(reset)
	for _, sub := range c.Commands() {
		resetFlags(sub)
	}
}

// run executes the CLI against dir and returns its output.
func run(t *testing.T, dir, stdin string, args ...string) (string, error) {
	t.Helper()
	resetFlags(rootCmd)
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetIn(strings.NewReader(stdin))
	rootCmd.SetArgs(append([]string{"-C", dir}, args...))
	err := rootCmd.ExecuteContext(context.Background())
	return out.String(), err
}

func mustRun(t *testing.T, dir string, args ...string) string {
	t.Helper()
	out, err := run(t, dir, "", args...)
	require.NoError(t, err, out)
	return out
}

func writeFile(t *testing.T, dir, name, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
}

// newStack creates main with "add alpha" and feature with "add beta" and
// "add gamma" on top of it.
func newStack(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	out := mustRun(t, dir, "init")
	assert.Contains(t, out, "sqlite backend")

	writeFile(t, dir, "alpha.txt", "alpha\n")
	assert.Contains(t, mustRun(t, dir, "commit", "-m", "add alpha", "alpha.txt"), "Committed")
	writeFile(t, dir, "beta.txt", "beta\n")
	mustRun(t, dir, "commit", "-m", "add beta", "--branch", "feature", "beta.txt")
	writeFile(t, dir, "gamma.txt", "gamma\n")
	mustRun(t, dir, "commit", "-m", "add gamma", "gamma.txt")
	return dir
}

func TestCommitAndLog(t *testing.T) {
	dir := newStack(t)

	out := mustRun(t, dir, "log")
	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 3)
	assert.True(t, strings.HasPrefix(lines[0], "@ "), lines[0])
	assert.Contains(t, lines[0], "add gamma")
	assert.Contains(t, lines[0], "feature")
	assert.Contains(t, lines[1], "add beta")
	assert.True(t, strings.HasPrefix(lines[2], "◇ "), lines[2])
	assert.Contains(t, lines[2], "(main)")

	_, err := run(t, dir, "", "commit", "alpha.txt")
	assert.ErrorContains(t, err, "message")

	_, err = run(t, dir, "", "log", "-C", t.TempDir())
	assert.Error(t, err)
}

func TestDropUndoRedo(t *testing.T) {
	dir := newStack(t)

	out := mustRun(t, dir, "drop", "parents(feature)")
	assert.Contains(t, out, "Rewrote 1 commit(s), removed 1")
	assert.Contains(t, out, "refs/heads/feature")
	assert.NotContains(t, mustRun(t, dir, "log"), "add beta")

	assert.Contains(t, mustRun(t, dir, "undo"), "Undid #")
	assert.Contains(t, mustRun(t, dir, "log"), "add beta")

	assert.Contains(t, mustRun(t, dir, "redo"), "Redid #")
	assert.NotContains(t, mustRun(t, dir, "log"), "add beta")
	assert.Contains(t, mustRun(t, dir, "redo"), "Nothing to redo.")

	out = mustRun(t, dir, "history", "-v")
	assert.Contains(t, out, " commit")
	assert.Contains(t, out, " drop")
	assert.Contains(t, out, "undid #")
	assert.Contains(t, out, "rewrote ")
}

func TestRewordAndHide(t *testing.T) {
	dir := newStack(t)

	out := mustRun(t, dir, "reword", "feature", "-m", "add gamma, properly")
	assert.Contains(t, out, "Rewrote 1 commit(s)")
	assert.Contains(t, mustRun(t, dir, "log"), "add gamma, properly")

	out = mustRun(t, dir, "reword", "--dry-run", "feature", "-m", "never")
	assert.Contains(t, out, "Would rewrite 1 commit(s)")
	assert.NotContains(t, mustRun(t, dir, "log"), "never")

	_, err := run(t, dir, "", "reword", "main", "-m", "public")
	assert.ErrorIs(t, err, rewrite.ErrInvalidPlan)

	assert.Contains(t, mustRun(t, dir, "hide", "parents(feature)"), "Hid ")
	_, err = run(t, dir, "", "hide", "parents(feature)")
	assert.Error(t, err)
	assert.Contains(t, mustRun(t, dir, "unhide", "parents(feature)"), "Unhid ")
}

func TestMoveConflictAbortContinue(t *testing.T) {
	dir := t.TempDir()
	mustRun(t, dir, "init")
	writeFile(t, dir, "f.txt", "1\n2\n3\n")
	mustRun(t, dir, "commit", "-m", "base", "f.txt")
	writeFile(t, dir, "f.txt", "1\nx\n3\n")
	mustRun(t, dir, "commit", "-m", "to x", "--branch", "feature", "f.txt")
	writeFile(t, dir, "f.txt", "1\nz\n3\n")
	mustRun(t, dir, "commit", "-m", "to z", "f.txt")

	out, err := run(t, dir, "", "move", "-s", "feature", "-d", "main", "--in-memory")
	require.ErrorIs(t, err, rewrite.ErrConflict)
	assert.Equal(t, 2, exitCode(err))
	assert.Contains(t, out, "f.txt")
	assert.Contains(t, out, "restack continue")

	// A suspended rewrite blocks new ones.
	_, err = run(t, dir, "", "reword", "feature", "-m", "blocked")
	assert.Error(t, err)

	assert.Contains(t, mustRun(t, dir, "abort"), "discarded")
	_, err = run(t, dir, "", "abort")
	assert.ErrorContains(t, err, "no rewrite is waiting")

	_, err = run(t, dir, "", "move", "-s", "feature", "-d", "main", "--in-memory")
	require.ErrorIs(t, err, rewrite.ErrConflict)

	writeFile(t, dir, "resolved.txt", "1\nz\n3\n")
	out = mustRun(t, dir, "continue", "--resolve", "f.txt=resolved.txt")
	assert.Contains(t, out, "Rewrote 1 commit(s)")
	assert.Contains(t, out, "refs/heads/feature")

	_, err = run(t, dir, "", "continue")
	assert.ErrorContains(t, err, "no rewrite is waiting")

	_, err = run(t, dir, "", "move", "-s", "feature", "-d", "main", "--in-memory", "--on-disk")
	assert.ErrorContains(t, err, "mutually exclusive")
}

func TestParseResolutions(t *testing.T) {
	dir := t.TempDir()
	repoDir = dir
	t.Cleanup(func() { repoDir = "." })
	writeFile(t, dir, "merged", "ok\n")

	got, err := parseResolutions([]string{"a/b.txt=merged"}, []string{"gone.txt"})
	require.NoError(t, err)
	assert.Equal(t, map[string][]byte{"a/b.txt": []byte("ok\n"), "gone.txt": nil}, got)

	_, err = parseResolutions([]string{"nofile"}, nil)
	assert.ErrorContains(t, err, "want path=file")
	_, err = parseResolutions([]string{"x=missing"}, nil)
	assert.Error(t, err)
}

func TestHookCommands(t *testing.T) {
	dir := newStack(t)

	_, err := run(t, dir, "prepared\n", "hook", "reference-transaction", "prepared")
	assert.NoError(t, err)

	_, err = run(t, dir, "not a line\n", "hook", "post-rewrite", "amend")
	assert.Error(t, err)

	_, err = run(t, dir, "", "hook", "install")
	assert.ErrorContains(t, err, "--git")

	_, err = run(t, dir, "", "hook", "post-commit")
	assert.NoError(t, err)
}

func TestHookInstallGit(t *testing.T) {
	dir := t.TempDir()
	out := mustRun(t, dir, "init", "--git")
	assert.Contains(t, out, "git backend")

	out = mustRun(t, dir, "hook", "install")
	for _, name := range hookNames {
		assert.Contains(t, out, "Installed "+name)
		data, err := os.ReadFile(filepath.Join(dir, ".git", "hooks", name))
		require.NoError(t, err)
		assert.Contains(t, string(data), "restack hook "+name)
	}
	assert.Contains(t, mustRun(t, dir, "hook", "install"), "Skipping")
}
