package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"restack/internal/backend"
	"restack/internal/eventlog"
	"restack/internal/history"
	"restack/internal/repo"
)

var commitCmd = &cobra.Command{
	Use:   "commit [paths...]",
	Short: "Record the given files as a new commit on top of HEAD",
	Long: `Record a new commit on top of HEAD. Each path is read from the working
directory; a path that no longer exists is removed from the commit.

Examples:
  restack commit -m "Add parser" parse.go parse_test.go
  restack commit -m "Start feature" --branch feature notes.md`,
	GroupID: groupStart,
	RunE:    runCommit,
}

var logCmd = &cobra.Command{
	Use:     "log",
	Short:   "Show draft commits, the main branch tip and HEAD",
	GroupID: groupStart,
	Args:    cobra.NoArgs,
	RunE:    runLog,
}

var undoCmd = &cobra.Command{
	Use:     "undo",
	Short:   "Undo the most recent operations",
	GroupID: groupHistory,
	Args:    cobra.NoArgs,
	RunE:    runUndo,
}

var redoCmd = &cobra.Command{
	Use:     "redo",
	Short:   "Redo the most recently undone operations",
	GroupID: groupHistory,
	Args:    cobra.NoArgs,
	RunE:    runRedo,
}

var historyCmd = &cobra.Command{
	Use:     "history",
	Short:   "List recorded operations, newest first",
	GroupID: groupHistory,
	Args:    cobra.NoArgs,
	RunE:    runHistory,
}

var hideCmd = &cobra.Command{
	Use:     "hide <revs>",
	Short:   "Hide commits from the log without changing refs",
	GroupID: groupHistory,
	Args:    cobra.ExactArgs(1),
	RunE:    runHide,
}

var unhideCmd = &cobra.Command{
	Use:     "unhide <revs>",
	Short:   "Make hidden commits visible again",
	GroupID: groupHistory,
	Args:    cobra.ExactArgs(1),
	RunE:    runUnhide,
}

var (
	commitMessage string
	commitBranch  string
	undoCount     int
	redoCount     int
	historyAfter  uint64
	historyUpTo   uint64
	historyEvents bool
)

func init() {
	commitCmd.Flags().StringVarP(&commitMessage, "message", "m", "", "Commit message")
	commitCmd.Flags().StringVar(&commitBranch, "branch", "", "Branch to move to the new commit")
	commitCmd.MarkFlagRequired("message")
	undoCmd.Flags().IntVarP(&undoCount, "count", "n", 1, "Number of operations to undo")
	redoCmd.Flags().IntVarP(&redoCount, "count", "n", 1, "Number of operations to redo")
	historyCmd.Flags().Uint64Var(&historyAfter, "after", 0, "Only operations with events after this sequence number")
	historyCmd.Flags().Uint64Var(&historyUpTo, "upto", 0, "Only operations with events up to this sequence number")
	historyCmd.Flags().BoolVarP(&historyEvents, "verbose", "v", false, "Show each operation's events")
}

func runCommit(cmd *cobra.Command, args []string) error {
	r, err := openRepo(cmd)
	if err != nil {
		return err
	}
	defer r.Close()

	req := repo.CommitRequest{
		Message: commitMessage,
		Branch:  commitBranch,
		Files:   map[string][]byte{},
		Exec:    map[string]bool{},
	}
	for _, arg := range args {
		abs, err := filepath.Abs(inRepoDir(arg))
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(r.Dir, abs)
		if err != nil || strings.HasPrefix(rel, "..") {
			return fmt.Errorf("%s is outside the repository", arg)
		}
		path := filepath.ToSlash(rel)
		info, err := os.Stat(abs)
		if os.IsNotExist(err) {
			req.Files[path] = nil
			continue
		}
		if err != nil {
			return err
		}
		if info.IsDir() {
			return fmt.Errorf("%s is a directory", arg)
		}
		data, err := os.ReadFile(abs)
		if err != nil {
			return err
		}
		if data == nil {
			data = []byte{}
		}
		req.Files[path] = data
		req.Exec[path] = info.Mode()&0o111 != 0
	}
	res, err := r.Commit(cmd.Context(), req)
	if res == nil {
		return err
	}
	w := cmd.OutOrStdout()
	fmt.Fprintf(w, "Committed %s\n", res.ID.Short())
	if res.Advanced == nil && err == nil {
		return nil
	}
	fmt.Fprint(w, "Advancing: ")
	return report(w, res.Advanced, err)
}

func runLog(cmd *cobra.Command, args []string) error {
	r, err := openRepo(cmd)
	if err != nil {
		return err
	}
	defer r.Close()
	entries, err := r.Smartlog(cmd.Context())
	if err != nil {
		return err
	}
	w := cmd.OutOrStdout()
	// Newest first.
	for i := len(entries) - 1; i >= 0; i-- {
		e := entries[i]
		mark := "o"
		switch {
		case e.Head:
			mark = "@"
		case e.Hidden:
			mark = "x"
		case e.Public:
			mark = "◇"
		}
		subject, _, _ := strings.Cut(e.Commit.Message, "\n")
		line := fmt.Sprintf("%s %s %s", mark, e.Commit.ID.Short(), subject)
		if len(e.Refs) > 0 {
			names := make([]string, len(e.Refs))
			for i, ref := range e.Refs {
				names[i] = strings.TrimPrefix(ref, "refs/heads/")
			}
			line += " (" + strings.Join(names, ", ") + ")"
		}
		fmt.Fprintln(w, line)
	}
	return nil
}

func runUndo(cmd *cobra.Command, args []string) error {
	r, err := openRepo(cmd)
	if err != nil {
		return err
	}
	defer r.Close()
	ids, err := r.History.Undo(cmd.Context(), undoCount)
	if errors.Is(err, history.ErrNothingToUndo) {
		fmt.Fprintln(cmd.OutOrStdout(), "Nothing to undo.")
		return nil
	}
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Undid %s\n", txList(ids))
	return nil
}

func runRedo(cmd *cobra.Command, args []string) error {
	r, err := openRepo(cmd)
	if err != nil {
		return err
	}
	defer r.Close()
	ids, err := r.History.Redo(cmd.Context(), redoCount)
	if errors.Is(err, history.ErrNothingToRedo) {
		fmt.Fprintln(cmd.OutOrStdout(), "Nothing to redo.")
		return nil
	}
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Redid %s\n", txList(ids))
	return nil
}

func txList(ids []eventlog.TxID) string {
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = fmt.Sprintf("#%d", id)
	}
	return strings.Join(parts, ", ")
}

func runHistory(cmd *cobra.Command, args []string) error {
	r, err := openRepo(cmd)
	if err != nil {
		return err
	}
	defer r.Close()
	entries, err := r.History.List(cmd.Context(), historyAfter, historyUpTo)
	if err != nil {
		return err
	}
	w := cmd.OutOrStdout()
	for _, e := range entries {
		var flags []string
		if e.Undone {
			flags = append(flags, "undone")
		}
		if e.Redone {
			flags = append(flags, "redone")
		}
		line := fmt.Sprintf("#%d %s %s", e.ID, e.CommittedAt.Local().Format(time.DateTime), e.Label)
		if len(flags) > 0 {
			line += " [" + strings.Join(flags, ", ") + "]"
		}
		fmt.Fprintln(w, line)
		if historyEvents {
			for _, ev := range e.Events {
				fmt.Fprintf(w, "    %d %s\n", ev.Seq, describe(ev.Payload))
			}
		}
	}
	return nil
}

func describe(p eventlog.Payload) string {
	switch v := p.(type) {
	case eventlog.RefUpdate:
		return fmt.Sprintf("ref %s %s -> %s", v.Ref, orNone(v.Old), orNone(v.New))
	case eventlog.CommitCreated:
		return "created " + v.Commit.Short()
	case eventlog.CommitRewritten:
		return fmt.Sprintf("rewrote %s -> %s", v.Old.Short(), v.New.Short())
	case eventlog.CommitHidden:
		if v.Successor.IsZero() {
			return "hid " + v.Commit.Short()
		}
		return fmt.Sprintf("hid %s (now %s)", v.Commit.Short(), v.Successor.Short())
	case eventlog.CommitUnhidden:
		return "unhid " + v.Commit.Short()
	case eventlog.TransactionUndone:
		return fmt.Sprintf("undid #%d", v.Target)
	case eventlog.TransactionRedone:
		return fmt.Sprintf("redid #%d", v.Target)
	}
	return fmt.Sprintf("%T", p)
}

func orNone(id backend.ID) string {
	if id.IsZero() {
		return "(none)"
	}
	return id.Short()
}

func runHide(cmd *cobra.Command, args []string) error {
	r, err := openRepo(cmd)
	if err != nil {
		return err
	}
	defer r.Close()
	sel, err := r.Select(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	if _, err := r.Hide(cmd.Context(), sel.IDs); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Hid %s\n", shortIDs(sel.IDs.Sorted()))
	return nil
}

func runUnhide(cmd *cobra.Command, args []string) error {
	r, err := openRepo(cmd)
	if err != nil {
		return err
	}
	defer r.Close()
	sel, err := r.Select(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	if _, err := r.Unhide(cmd.Context(), sel.IDs); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Unhid %s\n", shortIDs(sel.IDs.Sorted()))
	return nil
}
