package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"restack/internal/backend"
	"restack/internal/eventlog"
	"restack/internal/repo"
	"restack/internal/rewrite"
)

var moveCmd = &cobra.Command{
	Use:   "move",
	Short: "Move a commit and its descendants onto another commit",
	Long: `Move a commit and everything that descends from it onto a new parent.

Examples:
  restack move -s feature -d main        # Rebase the feature stack onto main
  restack move -s 3f2a9c -d parents(main)`,
	GroupID: groupRewrite,
	Args:    cobra.NoArgs,
	RunE:    runMove,
}

var dropCmd = &cobra.Command{
	Use:     "drop <revs>",
	Short:   "Remove commits, reattaching their children to their parents",
	GroupID: groupRewrite,
	Args:    cobra.ExactArgs(1),
	RunE:    runDrop,
}

var rewordCmd = &cobra.Command{
	Use:     "reword <rev>",
	Short:   "Change a commit message",
	GroupID: groupRewrite,
	Args:    cobra.ExactArgs(1),
	RunE:    runReword,
}

var foldCmd = &cobra.Command{
	Use:     "fold <revs>",
	Short:   "Fold commits into another commit, keeping its message",
	GroupID: groupRewrite,
	Args:    cobra.ExactArgs(1),
	RunE:    runFold,
}

var advanceCmd = &cobra.Command{
	Use:     "advance",
	Short:   "Move the other children of HEAD's parent onto HEAD",
	GroupID: groupRewrite,
	Args:    cobra.NoArgs,
	RunE:    runAdvance,
}

var restackCmd = &cobra.Command{
	Use:     "restack",
	Short:   "Move commits left behind by a rewrite onto the rewritten parent",
	GroupID: groupRewrite,
	Args:    cobra.NoArgs,
	RunE:    runRestack,
}

var continueCmd = &cobra.Command{
	Use:   "continue",
	Short: "Resume a rewrite suspended on a conflict",
	Long: `Resume a rewrite suspended on a conflict. Every conflicted path needs a
resolution, given as the path of a file holding the resolved content or as a
deletion.

Examples:
  restack continue --resolve src/a.go=/tmp/a.go
  restack continue --resolve README=README.merged --delete old.txt`,
	GroupID: groupRewrite,
	Args:    cobra.NoArgs,
	RunE:    runContinue,
}

var abortCmd = &cobra.Command{
	Use:     "abort",
	Short:   "Discard a rewrite suspended on a conflict",
	GroupID: groupRewrite,
	Args:    cobra.NoArgs,
	RunE:    runAbort,
}

// rewriteFlags are shared by every command that runs the engine.
type rewriteFlags struct {
	dryRun     bool
	force      bool
	inMemory   bool
	onDisk     bool
	preserveTS bool
}

var (
	rw           rewriteFlags
	moveSource   string
	moveDest     string
	rewordMsg    string
	foldInto     string
	resolveFiles []string
	deletePaths  []string
)

func addRewriteFlags(cmd *cobra.Command) {
	cmd.Flags().BoolVar(&rw.dryRun, "dry-run", false, "Compute the result without writing anything")
	cmd.Flags().BoolVarP(&rw.force, "force", "f", false, "Allow rewriting commits on the main branch")
	cmd.Flags().BoolVar(&rw.inMemory, "in-memory", false, "Report conflicts instead of merging in a working copy")
	cmd.Flags().BoolVar(&rw.onDisk, "on-disk", false, "Rewrite every commit through a working copy")
	cmd.Flags().BoolVar(&rw.preserveTS, "preserve-timestamps", false, "Keep committer timestamps")
}

func init() {
	for _, c := range []*cobra.Command{moveCmd, dropCmd, rewordCmd, foldCmd, advanceCmd, restackCmd} {
		addRewriteFlags(c)
	}
	moveCmd.Flags().StringVarP(&moveSource, "source", "s", "", "Commit to move, with its descendants")
	moveCmd.Flags().StringVarP(&moveDest, "dest", "d", "", "New parent")
	moveCmd.MarkFlagRequired("source")
	moveCmd.MarkFlagRequired("dest")
	rewordCmd.Flags().StringVarP(&rewordMsg, "message", "m", "", "New commit message")
	rewordCmd.MarkFlagRequired("message")
	foldCmd.Flags().StringVar(&foldInto, "into", "", "Commit receiving the changes")
	foldCmd.MarkFlagRequired("into")
	continueCmd.Flags().StringArrayVar(&resolveFiles, "resolve", nil, "Resolution as path=file (repeatable)")
	continueCmd.Flags().StringArrayVar(&deletePaths, "delete", nil, "Resolve a conflicted path by deleting it (repeatable)")
}

func options(r *repo.Repo) rewrite.Options {
	opts := r.RewriteOptions()
	opts.DryRun = rw.dryRun
	opts.Force = rw.force
	if rw.inMemory {
		opts.ForceInMemory, opts.ForceOnDisk = true, false
	}
	if rw.onDisk {
		opts.ForceOnDisk, opts.ForceInMemory = true, false
	}
	if rw.preserveTS {
		opts.PreserveTimestamps = true
	}
	return opts
}

// execute runs plan and prints its outcome.
func execute(cmd *cobra.Command, r *repo.Repo, plan rewrite.Plan) error {
	if rw.inMemory && rw.onDisk {
		return fmt.Errorf("--in-memory and --on-disk are mutually exclusive")
	}
	res, err := r.Engine.Execute(cmd.Context(), plan, options(r))
	return report(cmd.OutOrStdout(), res, err)
}

func report(w io.Writer, res *rewrite.Result, err error) error {
	var ce *rewrite.ConflictError
	if errors.As(err, &ce) {
		fmt.Fprint(w, ce.Report.String())
		if ce.Suspended {
			fmt.Fprintln(w, "Resolve with 'restack continue --resolve <path>=<file>' or discard with 'restack abort'.")
		}
		return err
	}
	if err != nil {
		return err
	}
	verb := "Rewrote"
	if res.DryRun {
		verb = "Would rewrite"
	}
	fmt.Fprintf(w, "%s %d commit(s)", verb, len(res.Rewritten))
	if len(res.Dropped) > 0 {
		fmt.Fprintf(w, ", removed %d", len(res.Dropped))
	}
	if res.Fallback {
		fmt.Fprint(w, " (merged in a working copy)")
	}
	fmt.Fprintln(w)
	for _, u := range res.RefUpdates {
		fmt.Fprintf(w, "  %s: %s -> %s\n", u.Ref, u.Old.Short(), u.New.Short())
	}
	return nil
}

func runMove(cmd *cobra.Command, args []string) error {
	r, err := openRepo(cmd)
	if err != nil {
		return err
	}
	defer r.Close()
	ctx := cmd.Context()
	src, err := r.ResolveOne(ctx, moveSource)
	if err != nil {
		return err
	}
	dest, err := r.ResolveOne(ctx, moveDest)
	if err != nil {
		return err
	}
	return execute(cmd, r, rewrite.PlanMove(src, dest))
}

func runDrop(cmd *cobra.Command, args []string) error {
	r, err := openRepo(cmd)
	if err != nil {
		return err
	}
	defer r.Close()
	sel, err := r.Select(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	plan := rewrite.Plan{Label: "drop"}
	for _, id := range sel.IDs.Sorted() {
		plan.Ops = append(plan.Ops, rewrite.Drop(id))
	}
	return execute(cmd, r, plan)
}

func runReword(cmd *cobra.Command, args []string) error {
	r, err := openRepo(cmd)
	if err != nil {
		return err
	}
	defer r.Close()
	id, err := r.ResolveOne(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	return execute(cmd, r, rewrite.Plan{Label: "reword", Ops: []rewrite.Operation{rewrite.Reword(id, rewordMsg)}})
}

func runFold(cmd *cobra.Command, args []string) error {
	r, err := openRepo(cmd)
	if err != nil {
		return err
	}
	defer r.Close()
	ctx := cmd.Context()
	sel, err := r.Select(ctx, args[0])
	if err != nil {
		return err
	}
	into, err := r.ResolveOne(ctx, foldInto)
	if err != nil {
		return err
	}
	plan := rewrite.Plan{Label: "fold"}
	for _, id := range sel.IDs.Sorted() {
		plan.Ops = append(plan.Ops, rewrite.Fold(id, into))
	}
	return execute(cmd, r, plan)
}

func runAdvance(cmd *cobra.Command, args []string) error {
	r, err := openRepo(cmd)
	if err != nil {
		return err
	}
	defer r.Close()
	ctx := cmd.Context()
	head, err := r.Head(ctx)
	if err != nil {
		return err
	}
	if head.IsZero() {
		return fmt.Errorf("HEAD does not point at a commit")
	}
	if rw.inMemory && rw.onDisk {
		return fmt.Errorf("--in-memory and --on-disk are mutually exclusive")
	}
	res, err := r.Advance(ctx, head, options(r))
	if errors.Is(err, rewrite.ErrNothingToDo) {
		fmt.Fprintln(cmd.OutOrStdout(), err)
		return nil
	}
	return report(cmd.OutOrStdout(), res, err)
}

func runRestack(cmd *cobra.Command, args []string) error {
	r, err := openRepo(cmd)
	if err != nil {
		return err
	}
	defer r.Close()
	ctx := cmd.Context()
	g, err := r.Graph(ctx)
	if err != nil {
		return err
	}
	st, err := r.Log.Replay(ctx, 0)
	if err != nil {
		return err
	}
	plan, err := rewrite.PlanRestack(g, st)
	if errors.Is(err, rewrite.ErrNothingToDo) {
		fmt.Fprintln(cmd.OutOrStdout(), err)
		return nil
	}
	if err != nil {
		return err
	}
	return execute(cmd, r, plan)
}

// parseResolutions reads --resolve path=file and --delete path flags.
func parseResolutions(resolve, del []string) (map[string][]byte, error) {
	out := make(map[string][]byte, len(resolve)+len(del))
	for _, arg := range resolve {
		path, file, ok := strings.Cut(arg, "=")
		if !ok || path == "" || file == "" {
			return nil, fmt.Errorf("--resolve %q: want path=file", arg)
		}
		data, err := os.ReadFile(inRepoDir(file))
		if err != nil {
			return nil, fmt.Errorf("reading resolution for %s: %w", path, err)
		}
		if data == nil {
			data = []byte{}
		}
		out[filepath.ToSlash(path)] = data
	}
	for _, path := range del {
		out[filepath.ToSlash(path)] = nil
	}
	return out, nil
}

func runContinue(cmd *cobra.Command, args []string) error {
	r, err := openRepo(cmd)
	if err != nil {
		return err
	}
	defer r.Close()
	resolutions, err := parseResolutions(resolveFiles, deletePaths)
	if err != nil {
		return err
	}
	res, err := r.Engine.Continue(cmd.Context(), resolutions)
	if errors.Is(err, eventlog.ErrNoSuspended) {
		return fmt.Errorf("no rewrite is waiting on a conflict")
	}
	return report(cmd.OutOrStdout(), res, err)
}

func runAbort(cmd *cobra.Command, args []string) error {
	r, err := openRepo(cmd)
	if err != nil {
		return err
	}
	defer r.Close()
	if err := r.Engine.Abort(cmd.Context()); err != nil {
		if errors.Is(err, eventlog.ErrNoSuspended) {
			return fmt.Errorf("no rewrite is waiting on a conflict")
		}
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), "Suspended rewrite discarded; nothing was changed.")
	return nil
}

func shortIDs(ids []backend.ID) string {
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = id.Short()
	}
	return strings.Join(parts, ", ")
}
