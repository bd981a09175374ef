package cmd

import (
	"bufio"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/oklog/ulid/v2"
	"github.com/spf13/cobra"

	"github.com/jywlabs/conclave/internal/challenger"
	"github.com/jywlabs/conclave/internal/logger"
	"github.com/jywlabs/conclave/internal/review"
	"github.com/jywlabs/conclave/internal/standards"
	"github.com/jywlabs/conclave/internal/template"
	"github.com/jywlabs/conclave/internal/vcs"
)

var (
	reviewWorkersFlag      []string
	reviewPerspectivesFlag []string
	reviewStrategyFlag     string
	reviewNoChallengeFlag  bool
	reviewThresholdFlag    float64
	reviewIterationsFlag   int
	reviewInstructionsFlag string
	reviewOutputFlag       string
)

var reviewCmd = &cobra.Command{
	Use:   "review [paths...]",
	Short: "Review code with several workers and merge their findings",
	Long: `Review files, or the uncommitted changes when no paths are given.

The review process:
  1. Sends the task to every configured review worker, one invocation per
     worker and perspective (or one per worker with --strategy sequential)
  2. Merges the findings: duplicates across workers collapse into one issue
     that keeps the highest severity and lists every worker that flagged it
  3. Lets the challenger grade the merged review and has the reviewer refine
     it until the score reaches the threshold or stops improving
  4. Saves the report to .conclave/reports/ for 'conclave fix'

Examples:
  conclave review                                  # Review uncommitted changes
  conclave review internal/auth                    # Review a directory
  conclave review -w claude -p security,logic      # One worker, two perspectives
  conclave review --no-challenge                   # Skip refinement`,
	RunE: runReview,
}

func init() {
	reviewCmd.Flags().StringSliceVarP(&reviewWorkersFlag, "workers", "w", nil, "Review workers (default from config)")
	reviewCmd.Flags().StringSliceVarP(&reviewPerspectivesFlag, "perspectives", "p", nil, "Perspectives: "+strings.Join(review.PerspectiveNames(), ", "))
	reviewCmd.Flags().StringVar(&reviewStrategyFlag, "strategy", "", "parallel or sequential")
	reviewCmd.Flags().BoolVar(&reviewNoChallengeFlag, "no-challenge", false, "Skip challenger refinement")
	reviewCmd.Flags().Float64Var(&reviewThresholdFlag, "threshold", 0, "Challenger approval score (0-100)")
	reviewCmd.Flags().IntVar(&reviewIterationsFlag, "max-iterations", 0, "Maximum challenger gradings")
	reviewCmd.Flags().StringVarP(&reviewInstructionsFlag, "instructions", "i", "", "Extra instructions for the reviewers")
	reviewCmd.Flags().StringVarP(&reviewOutputFlag, "output", "o", "", "Report path (default .conclave/reports/review-<session>.json)")
	rootCmd.AddCommand(reviewCmd)
}

func runReview(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	a, err := newApp(ctx, cmd.OutOrStdout())
	if err != nil {
		return err
	}
	defer a.Close()

	rc := a.cfg.Review
	if len(reviewWorkersFlag) > 0 {
		rc.Workers = reviewWorkersFlag
	}
	if len(reviewPerspectivesFlag) > 0 {
		rc.Perspectives = reviewPerspectivesFlag
	}
	if reviewStrategyFlag != "" {
		rc.Strategy = review.Strategy(reviewStrategyFlag)
	}
	if reviewThresholdFlag > 0 {
		rc.Threshold = reviewThresholdFlag
	}
	if reviewIterationsFlag > 0 {
		rc.MaxIterations = reviewIterationsFlag
	}
	strategy, ok := review.ParseStrategy(string(rc.Strategy))
	if !ok {
		return fmt.Errorf("unknown strategy %q", rc.Strategy)
	}

	specs := make([]review.WorkerSpec, 0, len(rc.Workers))
	for _, name := range rc.Workers {
		w, err := a.worker(name)
		if err != nil {
			return err
		}
		specs = append(specs, review.WorkerSpec{Worker: w, Timeout: a.cfg.Workers[name].Timeout})
	}

	sessionID := ulid.Make().String()
	ctx = logger.WithLogFields(ctx, logger.LogFields{SessionID: logger.Ptr(sessionID), Component: "conclave.cmd.review"})

	task := review.Task{
		SessionID:    sessionID,
		WorkDir:      a.dir,
		Instructions: standards.Join(reviewInstructionsFlag, a.standards(ctx)),
		Files:        args,
		Perspectives: rc.Perspectives,
	}
	if len(args) == 0 {
		repo, err := vcs.Open(a.dir)
		if err != nil {
			return err
		}
		diff, err := repo.Diff(ctx, false)
		if err != nil {
			return err
		}
		if strings.TrimSpace(diff) == "" {
			return fmt.Errorf("nothing to review: no paths given and the working tree is clean")
		}
		task.Diff = diff
		task.Files = diffFiles(diff)
	}

	retryCfg := a.retryConfig(rc.Retries)
	reviewer := &review.Reviewer{
		Dispatcher: &review.Dispatcher{
			MaxPerWorker: rc.MaxPerWorker,
			Retry:        retryCfg,
			Events:       a.events,
			Tracker:      a.tracker,
			Logger:       a.logger,
		},
		Strategy: strategy,
		Logger:   a.logger,
	}

	var refinement *challenger.Refinement
	if rc.Challenger != "" && !reviewNoChallengeFlag {
		chw, err := a.worker(rc.Challenger)
		if err != nil {
			return err
		}
		code, err := challenger.NewContext(a.dir, task.Files, rc.ContextMode, challenger.DefaultEmbedLimit)
		if err != nil {
			return err
		}
		refinement = &challenger.Refinement{
			Loop: &challenger.Loop{
				Challenger: &challenger.Challenger{
					Worker:  chw,
					Timeout: a.cfg.Workers[rc.Challenger].Timeout,
					Retry:   retryCfg,
					Events:  a.events,
					Tracker: a.tracker,
					Logger:  a.logger,
				},
				Reviewer: specs[0].Worker,
				Timeout:  specs[0].Timeout,
				Retry:    retryCfg,
				Logger:   a.logger,
			},
			Context:       code,
			MaxIterations: rc.MaxIterations,
			Threshold:     rc.Threshold,
		}
		reviewer.Refiner = refinement
	}

	a.printer.Header("Review", fmt.Sprintf("%d worker(s), %s, %d file(s)", len(specs), strategy, len(task.Files)))

	report, err := reviewer.Review(ctx, specs, task)
	if err != nil {
		a.printer.Failure("Review failed", err.Error())
		return err
	}

	path := reviewOutputFlag
	if path == "" {
		path = filepath.Join(a.dir, template.Dir, template.ReportsDir, "review-"+sessionID+".json")
	}
	if err := review.SaveReport(path, report); err != nil {
		return err
	}

	var (
		history []challenger.Feedback
		reason  challenger.StopReason
	)
	if refinement != nil {
		history, reason = refinement.History, refinement.Reason
	}
	a.printer.Review(report, history, reason)
	a.printer.Info("Report: %s", relPath(a.dir, path))
	return nil
}

// diffFiles lists the files a unified diff changes, skipping deletions.
func diffFiles(diff string) []string {
	var files []string
	seen := make(map[string]bool)
	sc := bufio.NewScanner(strings.NewReader(diff))
	sc.Buffer(make([]byte, 0, 64*1024), 10*1024*1024)
	for sc.Scan() {
		name, ok := strings.CutPrefix(sc.Text(), "+++ b/")
		if !ok || seen[name] {
			continue
		}
		seen[name] = true
		files = append(files, name)
	}
	return files
}

func relPath(base, path string) string {
	if rel, err := filepath.Rel(base, path); err == nil && !strings.HasPrefix(rel, "..") {
		return rel
	}
	return path
}
