package cmd

import (
	"fmt"
	"io"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/jywlabs/conclave/internal/standards"
	"github.com/jywlabs/conclave/internal/template"
)

var standardsCmd = &cobra.Command{
	Use:   "standards",
	Short: "List project standards",
	Long: `List the project standards reviewers and fixers are held to.

Standards are Markdown files under .conclave/standards/. Every file is
included in review and fix prompts under a section named after its path.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		dir, err := filepath.Abs(dirFlag)
		if err != nil {
			return err
		}
		return listStandards(cmd.OutOrStdout(), dir)
	},
}

func init() {
	rootCmd.AddCommand(standardsCmd)
}

func listStandards(w io.Writer, dir string) error {
	names, err := standards.Names(filepath.Join(dir, template.Dir))
	if err != nil {
		return err
	}
	if len(names) == 0 {
		fmt.Fprintf(w, "No standards found in %s/%s/\n", template.Dir, template.StandardsDir)
		return nil
	}
	fmt.Fprintf(w, "%d standard(s):\n", len(names))
	for _, name := range names {
		fmt.Fprintf(w, "  %s\n", name)
	}
	return nil
}
