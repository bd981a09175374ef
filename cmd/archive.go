package cmd

import (
	"fmt"
	"io"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/jywlabs/conclave/internal/archive"
	"github.com/jywlabs/conclave/internal/template"
	"github.com/jywlabs/conclave/internal/vcs"
)

var archiveNameFlag string

var archiveCmd = &cobra.Command{
	Use:   "archive",
	Short: "Archive review reports and fix checkpoints",
	Long: `Move saved review reports and local fix checkpoints from .conclave/ into
.conclave/archive/<date>-<name>/.

Never touches config.yaml, .env or standards/. The name defaults to the
current branch.`,
	Args: cobra.NoArgs,
	RunE: runArchive,
}

var archiveListCmd = &cobra.Command{
	Use:   "list",
	Short: "List archives",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		dir, err := filepath.Abs(dirFlag)
		if err != nil {
			return err
		}
		return listArchives(cmd.OutOrStdout(), dir)
	},
}

func init() {
	archiveCmd.Flags().StringVarP(&archiveNameFlag, "name", "n", "", "Archive name (default: current branch)")
	archiveCmd.AddCommand(archiveListCmd)
	rootCmd.AddCommand(archiveCmd)
}

func runArchive(cmd *cobra.Command, args []string) error {
	dir, err := filepath.Abs(dirFlag)
	if err != nil {
		return err
	}
	name := archiveNameFlag
	if name == "" {
		name, err = branchName(dir)
		if err != nil {
			return fmt.Errorf("no --name given and %w", err)
		}
	}
	_, err = archive.Create(filepath.Join(dir, template.Dir), name, time.Now(), cmd.OutOrStdout())
	return err
}

func branchName(dir string) (string, error) {
	repo, err := vcs.Open(dir)
	if err != nil {
		return "", err
	}
	return repo.CurrentBranch()
}

func listArchives(w io.Writer, dir string) error {
	names, err := archive.List(filepath.Join(dir, template.Dir))
	if err != nil {
		return err
	}
	if len(names) == 0 {
		fmt.Fprintln(w, "No archives found.")
		return nil
	}
	for _, name := range names {
		fmt.Fprintln(w, name)
	}
	return nil
}
