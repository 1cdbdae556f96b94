package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"restack/internal/backend"
	"restack/internal/config"
)

var hookCmd = &cobra.Command{
	Use:   "hook",
	Short: "Entry points for Git hooks",
	Long: `Entry points called from Git hooks so that history changed with plain git
commands is recorded and can be undone. 'restack hook install' writes the hook
scripts into the repository.`,
}

var hookRefTxCmd = &cobra.Command{
	Use:   "reference-transaction <state>",
	Short: "Record ref updates read from stdin",
	Args:  cobra.ExactArgs(1),
	RunE:  runHookRefTx,
}

var hookPostRewriteCmd = &cobra.Command{
	Use:   "post-rewrite [amend|rebase]",
	Short: "Record rewritten commits read from stdin",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runHookPostRewrite,
}

var hookPostCommitCmd = &cobra.Command{
	Use:   "post-commit",
	Short: "Record the commit HEAD now points at",
	Args:  cobra.NoArgs,
	RunE:  runHookPostCommit,
}

var hookInstallCmd = &cobra.Command{
	Use:   "install",
	Short: "Install the Git hook scripts",
	Args:  cobra.NoArgs,
	RunE:  runHookInstall,
}

// hookNames are the Git hooks restack listens on.
var hookNames = []string{"reference-transaction", "post-rewrite", "post-commit"}

func init() {
	hookCmd.AddCommand(hookRefTxCmd, hookPostRewriteCmd, hookPostCommitCmd, hookInstallCmd)
}

func runHookRefTx(cmd *cobra.Command, args []string) error {
	r, err := openRepo(cmd)
	if err != nil {
		return err
	}
	defer r.Close()
	_, err = r.Hooks.ReferenceTransaction(cmd.Context(), args[0], cmd.InOrStdin())
	return err
}

func runHookPostRewrite(cmd *cobra.Command, args []string) error {
	r, err := openRepo(cmd)
	if err != nil {
		return err
	}
	defer r.Close()
	_, err = r.Hooks.PostRewrite(cmd.Context(), cmd.InOrStdin())
	return err
}

func runHookPostCommit(cmd *cobra.Command, args []string) error {
	r, err := openRepo(cmd)
	if err != nil {
		return err
	}
	defer r.Close()
	head, err := r.Backend.ReadRef(cmd.Context(), backend.HeadRef)
	if err != nil {
		return err
	}
	_, err = r.Hooks.PostCommit(cmd.Context(), head)
	return err
}

const hookScript = `#!/bin/sh
# Installed by restack.
exec restack hook %s "$@"
`

func runHookInstall(cmd *cobra.Command, args []string) error {
	r, err := openRepo(cmd)
	if err != nil {
		return err
	}
	defer r.Close()
	if r.Config.Backend != config.BackendGit {
		return fmt.Errorf("hooks only apply to repositories created with 'restack init --git'")
	}
	dir := filepath.Join(filepath.Dir(r.State), "hooks")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	for _, name := range hookNames {
		path := filepath.Join(dir, name)
		if _, err := os.Stat(path); err == nil {
			fmt.Fprintf(cmd.OutOrStdout(), "Skipping %s: a hook already exists\n", name)
			continue
		}
		if err := os.WriteFile(path, []byte(fmt.Sprintf(hookScript, name)), 0o755); err != nil {
			return fmt.Errorf("writing %s hook: %w", name, err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Installed %s hook\n", name)
	}
	return nil
}
