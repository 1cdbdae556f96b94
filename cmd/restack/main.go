// Package main provides the restack CLI.
package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"restack/internal/repo"
	"restack/internal/rewrite"
)

// Version is the current restack version.
var Version = "0.3.0"

var repoDir string

var rootCmd = &cobra.Command{
	Use:   "restack",
	Short: "restack - branchless history editing with undo",
	Long: `restack rewrites stacks of commits in memory (move, drop, reword, fold),
keeps descendants attached, and records every change in an event log so
any operation can be undone.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Command groups for organized help output
const (
	groupStart   = "start"
	groupRewrite = "rewrite"
	groupHistory = "history"
)

var initCmd = &cobra.Command{
	Use:     "init",
	Short:   "Initialize restack in the current directory",
	GroupID: groupStart,
	Args:    cobra.NoArgs,
	RunE:    runInit,
}

var initGit bool

func init() {
	rootCmd.PersistentFlags().StringVarP(&repoDir, "repo", "C", ".", "Run as if started in this directory")

	rootCmd.AddGroup(
		&cobra.Group{ID: groupStart, Title: "Getting started:"},
		&cobra.Group{ID: groupRewrite, Title: "Rewriting history:"},
		&cobra.Group{ID: groupHistory, Title: "Undo and history:"},
	)

	initCmd.Flags().BoolVar(&initGit, "git", false, "Store objects in a Git repository (created if missing)")

	rootCmd.AddCommand(initCmd, commitCmd, logCmd)
	rootCmd.AddCommand(moveCmd, dropCmd, rewordCmd, foldCmd, advanceCmd, restackCmd, continueCmd, abortCmd)
	rootCmd.AddCommand(undoCmd, redoCmd, historyCmd, hideCmd, unhideCmd)
	rootCmd.AddCommand(hookCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(exitCode(err))
	}
}

// exitCode maps the error taxonomy onto process exit codes.
func exitCode(err error) int {
	if errors.Is(err, rewrite.ErrConflict) {
		return 2
	}
	return 1
}

func runInit(cmd *cobra.Command, args []string) error {
	r, err := repo.Init(cmd.Context(), repoDir, initGit, repo.Options{})
	if err != nil {
		return err
	}
	defer r.Close()
	fmt.Fprintf(cmd.OutOrStdout(), "Initialized restack (%s backend) in %s\n", r.Config.Backend, r.State)
	return nil
}

// inRepoDir interprets a relative path as relative to --repo.
func inRepoDir(path string) string {
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(repoDir, path)
}

// openRepo opens the repository containing repoDir.
func openRepo(cmd *cobra.Command) (*repo.Repo, error) {
	root, err := repo.Find(repoDir)
	if err != nil {
		return nil, err
	}
	return repo.Open(cmd.Context(), root, repo.Options{})
}
