package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/jywlabs/conclave/internal/challenger"
	"github.com/jywlabs/conclave/internal/checkpoint"
	"github.com/jywlabs/conclave/internal/fix"
	"github.com/jywlabs/conclave/internal/issue"
	"github.com/jywlabs/conclave/internal/review"
	"github.com/jywlabs/conclave/internal/template"
	"github.com/jywlabs/conclave/internal/vcs"
)

var (
	fixIssuesFlag      string
	fixFixerFlag       string
	fixMaxRoundsFlag   int
	fixThresholdFlag   float64
	fixNoChallengeFlag bool
	fixSeverityFlag    string
	fixOnlyFlag        []string
)

var fixCmd = &cobra.Command{
	Use:   "fix",
	Short: "Fix reviewed issues in bounded, committed rounds",
	Long: `Fix the issues of a review report.

Each round:
  1. The fixer receives every unresolved issue, grouped into steps so that
     issues in one step never touch the same file
  2. The challenger grades each fix the fixer claims against the staged diff
  3. Approved fixes land in a single commit; rejected ones go back to the
     fixer with the challenger's feedback in the next round

Issues still unresolved after the last round are reported as FAILED.

Examples:
  conclave fix                                  # Latest report in .conclave/reports
  conclave fix --issues review.json             # A specific report
  conclave fix --severity high                  # Only HIGH and CRITICAL issues
  conclave fix --only SEC-1,SEC-2 --max-rounds 3`,
	RunE: runFix,
}

var fixShowCmd = &cobra.Command{
	Use:   "show <session-id>",
	Short: "Show the checkpointed result of a fix session",
	Args:  cobra.ExactArgs(1),
	RunE:  runFixShow,
}

func init() {
	fixCmd.Flags().StringVar(&fixIssuesFlag, "issues", "", "Review report or issue list (default: latest report)")
	fixCmd.Flags().StringVar(&fixFixerFlag, "fixer", "", "Fixer worker (default from config)")
	fixCmd.Flags().IntVar(&fixMaxRoundsFlag, "max-rounds", 0, "Maximum fixer rounds")
	fixCmd.Flags().Float64Var(&fixThresholdFlag, "threshold", 0, "Challenger approval score (0-100)")
	fixCmd.Flags().BoolVar(&fixNoChallengeFlag, "no-challenge", false, "Commit every fix the fixer claims")
	fixCmd.Flags().StringVar(&fixSeverityFlag, "severity", "", "Minimum severity to fix (critical, high, medium, low)")
	fixCmd.Flags().StringSliceVar(&fixOnlyFlag, "only", nil, "Fix only these issue codes")
	fixCmd.AddCommand(fixShowCmd)
	rootCmd.AddCommand(fixCmd)
}

func runFix(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	a, err := newApp(ctx, cmd.OutOrStdout())
	if err != nil {
		return err
	}
	defer a.Close()

	path := fixIssuesFlag
	if path == "" {
		path, err = latestReport(filepath.Join(a.dir, template.Dir, template.ReportsDir))
		if err != nil {
			return err
		}
	}
	issues, err := review.LoadIssues(path)
	if err != nil {
		return err
	}
	issues, err = selectIssues(issues, fixSeverityFlag, fixOnlyFlag)
	if err != nil {
		return err
	}
	if len(issues) == 0 {
		a.printer.Success("Nothing to fix", relPath(a.dir, path)+" has no matching issues")
		return nil
	}

	fc := a.cfg.Fix
	if fixFixerFlag != "" {
		fc.Fixer = fixFixerFlag
	}
	if fixMaxRoundsFlag > 0 {
		fc.MaxRounds = fixMaxRoundsFlag
	}
	if fixThresholdFlag > 0 {
		fc.Threshold = fixThresholdFlag
	}
	if fixNoChallengeFlag {
		fc.Challenger = ""
	}

	repo, err := vcs.Open(a.dir)
	if err != nil {
		return err
	}
	lock, err := vcs.AcquireLock(repo.Dir, template.LockFile)
	if err != nil {
		return err
	}
	defer lock.Release()

	cc := a.cfg.Checkpoint
	store, closer, err := checkpoint.Open(ctx, cc.Dir, cc.Remote, cc.DSN, a.logger)
	if err != nil {
		return err
	}
	defer closer.Close()

	fixer, err := a.worker(fc.Fixer)
	if err != nil {
		return err
	}
	var grader *challenger.Challenger
	if fc.Challenger != "" {
		w, err := a.worker(fc.Challenger)
		if err != nil {
			return err
		}
		grader = &challenger.Challenger{
			Worker:  w,
			Timeout: a.cfg.Workers[fc.Challenger].Timeout,
			Retry:   a.retryConfig(a.cfg.Review.Retries),
			Events:  a.events,
			Tracker: a.tracker,
			Logger:  a.logger,
		}
	}

	orch := &fix.Orchestrator{
		Fixer:      fixer,
		Challenger: grader,
		Repo:       repo,
		Store:      store,
		Events:     a.events,
		Tracker:    a.tracker,
		Logger:     a.logger,
		MaxRounds:  fc.MaxRounds,
		Threshold:  fc.Threshold,
		Timeout:    fc.Timeout,
		WorkDir:    repo.Dir,
		Standards:  a.standards(ctx),
	}

	a.printer.Header("Fix", fmt.Sprintf("%d issue(s) from %s", len(issues), relPath(a.dir, path)))
	res, err := orch.Run(ctx, issues)
	if res != nil {
		a.printer.FixResult(res)
	}
	if err != nil {
		return err
	}
	if res.Status == fix.StatusFailed {
		return fmt.Errorf("fix session %s failed", res.SessionID)
	}
	return nil
}

func runFixShow(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	a, err := newApp(ctx, cmd.OutOrStdout())
	if err != nil {
		return err
	}
	defer a.Close()

	cc := a.cfg.Checkpoint
	store, closer, err := checkpoint.Open(ctx, cc.Dir, cc.Remote, cc.DSN, a.logger)
	if err != nil {
		return err
	}
	defer closer.Close()

	res, err := fix.LoadResult(ctx, store, args[0])
	if err != nil {
		plan, perr := fix.LoadPlan(ctx, store, args[0])
		if perr != nil {
			return err
		}
		a.printer.Warning("Session did not finish", fmt.Sprintf("Planned %d issue(s) in %d step(s): %s",
			len(plan.Codes()), len(plan.Steps), strings.Join(plan.Codes(), ", ")))
		return nil
	}
	a.printer.FixResult(res)
	return nil
}

// latestReport returns the newest review report in dir. Report names embed
// a ULID, so lexical order is creation order.
func latestReport(dir string) (string, error) {
	matches, err := filepath.Glob(filepath.Join(dir, "review-*.json"))
	if err != nil {
		return "", err
	}
	if len(matches) == 0 {
		if _, statErr := os.Stat(dir); statErr != nil {
			return "", fmt.Errorf("no review reports found; run 'conclave review' first")
		}
		return "", fmt.Errorf("no review reports in %s; run 'conclave review' first", dir)
	}
	sort.Strings(matches)
	return matches[len(matches)-1], nil
}

// selectIssues filters by minimum severity and by code.
func selectIssues(issues []issue.Issue, minSeverity string, only []string) ([]issue.Issue, error) {
	floor := 0
	if minSeverity != "" {
		sev, ok := issue.ParseSeverity(minSeverity)
		if !ok {
			return nil, fmt.Errorf("unknown severity %q", minSeverity)
		}
		floor = sev.Rank()
	}
	wanted := make(map[string]bool, len(only))
	for _, code := range only {
		wanted[strings.TrimSpace(code)] = true
	}

	var out []issue.Issue
	for _, is := range issues {
		if is.Severity.Rank() < floor {
			continue
		}
		if len(wanted) > 0 && !wanted[is.ID] {
			continue
		}
		out = append(out, is)
	}
	return out, nil
}
