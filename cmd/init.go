package cmd

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/jywlabs/conclave/internal/template"
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize .conclave/ directory",
	Long: `Initialize the .conclave/ directory in the current project.

Creates:
  .conclave/
    config.yaml    # Workers, review, fix and checkpoint settings
    .gitignore     # Keeps checkpoints and secrets out of git
    reports/       # Review reports consumed by 'conclave fix'
    checkpoints/   # Fix session checkpoints

After init, run 'conclave review'.`,
	RunE: runInit,
}

func init() {
	rootCmd.AddCommand(initCmd)
}

const conclaveGitignore = `checkpoints/
*.db
.env
`

func runInit(cmd *cobra.Command, args []string) error {
	return initProject(dirFlag, cmd.OutOrStdout())
}

func initProject(dir string, out io.Writer) error {
	configDir := filepath.Join(dir, template.Dir)

	if _, err := os.Stat(configDir); err == nil {
		return fmt.Errorf("%s/ already exists", template.Dir)
	}

	for _, sub := range []string{template.ReportsDir, template.CheckpointDir, template.StandardsDir} {
		if err := os.MkdirAll(filepath.Join(configDir, sub), 0755); err != nil {
			return fmt.Errorf("failed to create directories: %w", err)
		}
	}

	files := template.DefaultFiles()
	files[".gitignore"] = conclaveGitignore
	for filename, content := range files {
		if err := os.WriteFile(filepath.Join(configDir, filename), []byte(content), 0644); err != nil {
			return fmt.Errorf("failed to write %s: %w", filename, err)
		}
	}

	fmt.Fprintf(out, "Initialized %s/\n", template.Dir)
	fmt.Fprintln(out)
	fmt.Fprintln(out, "Next steps:")
	fmt.Fprintf(out, "  1. Edit %s/%s to pick your workers\n", template.Dir, template.ConfigFile)
	fmt.Fprintln(out, "  2. Run: conclave review")
	fmt.Fprintln(out, "  3. Run: conclave fix")
	return nil
}
