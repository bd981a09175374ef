package fix

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"
	"testing"

	"github.com/jywlabs/conclave/internal/challenger"
	"github.com/jywlabs/conclave/internal/checkpoint"
	"github.com/jywlabs/conclave/internal/events"
	"github.com/jywlabs/conclave/internal/tracker"
	"github.com/jywlabs/conclave/internal/vcs"
	"github.com/jywlabs/conclave/internal/worker"
	"github.com/jywlabs/conclave/internal/worker/workertest"
)

type fakeRepo struct {
	mu         sync.Mutex
	branch     string
	commitErrs []error
	messages   []string
	stages     int
	diffs      []string
}

func (r *fakeRepo) CurrentBranch() (string, error) {
	if r.branch == "" {
		return "", vcs.ErrDetached
	}
	return r.branch, nil
}

func (r *fakeRepo) StageAll() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stages++
	return nil
}

func (r *fakeRepo) Commit(message string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := len(r.messages)
	r.messages = append(r.messages, message)
	if n < len(r.commitErrs) && r.commitErrs[n] != nil {
		return "", r.commitErrs[n]
	}
	return fmt.Sprintf("sha%d", n+1), nil
}

func (r *fakeRepo) Diff(_ context.Context, staged bool, paths ...string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.diffs = append(r.diffs, strings.Join(paths, ","))
	if len(paths) == 1 && paths[0] == "b.py" {
		return "", nil
	}
	return "diff --git a/" + strings.Join(paths, " ") + "\n+fixed\n", nil
}

func (r *fakeRepo) Messages() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.messages...)
}

// report builds a fixer answer from "CODE:status" pairs.
func report(claims ...string) worker.Result {
	var entries []string
	for _, c := range claims {
		code, status, _ := strings.Cut(c, ":")
		entries = append(entries, fmt.Sprintf(`{"issue_code":%q,"status":%q,"notes":"%s note"}`, code, status, code))
	}
	res := workertest.OK(`{"results":[` + strings.Join(entries, ",") + `]}`)
	res.SessionID = "fixer-session"
	return res
}

// judge answers fix evaluations with score(code, n), n counting the
// evaluations of that code from 1.
func judge(score func(code string, n int) int) *workertest.Scripted {
	var mu sync.Mutex
	seen := make(map[string]int)
	return workertest.Func("challenger", func(_ context.Context, req worker.Request) worker.Result {
		code := issueCodeOf(req.Prompt)
		mu.Lock()
		seen[code]++
		n := seen[code]
		mu.Unlock()
		return workertest.OK(fmt.Sprintf(`{"satisfaction_score":%d,"improvements_needed":"handle %s edge case"}`, score(code, n), code))
	})
}

func issueCodeOf(prompt string) string {
	const marker = "## Issue `"
	i := strings.Index(prompt, marker)
	if i < 0 {
		return ""
	}
	rest := prompt[i+len(marker):]
	return rest[:strings.Index(rest, "`")]
}

func approveAll(string, int) int { return 95 }

type harness struct {
	orch     *Orchestrator
	fixer    *workertest.Scripted
	judge    *workertest.Scripted
	repo     *fakeRepo
	recorder *events.Recorder
	store    *checkpoint.FileStore
}

func newHarness(t *testing.T, fixer, judge *workertest.Scripted) *harness {
	t.Helper()
	h := &harness{
		fixer:    fixer,
		judge:    judge,
		repo:     &fakeRepo{branch: "feature/login"},
		recorder: &events.Recorder{},
		store:    checkpoint.NewFileStore(t.TempDir()),
	}
	h.orch = &Orchestrator{
		Fixer:     fixer,
		Repo:      h.repo,
		Store:     h.store,
		Events:    h.recorder,
		Tracker:   tracker.New(),
		MaxRounds: 2,
		Threshold: 80,
		WorkDir:   "/repo",
	}
	if judge != nil {
		h.orch.Challenger = &challenger.Challenger{Worker: judge, Events: h.recorder, Tracker: h.orch.Tracker}
	}
	return h
}

func statuses(r *SessionResult) map[string]IssueStatus {
	out := make(map[string]IssueStatus)
	for _, ir := range r.Results {
		out[ir.IssueCode] = ir.Status
	}
	return out
}

func TestRun_ScenarioA_OneRoundOneCommit(t *testing.T) {
	fixer := workertest.New("claude", report("SEC-1:fixed", "LOGIC-1:fixed", "PERF-1:fixed"))
	h := newHarness(t, fixer, judge(approveAll))
	h.orch.MaxRounds = 3

	res, err := h.orch.Run(context.Background(), scenarioA())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if res.Status != StatusCompleted || res.Fixed != 3 || res.Rounds != 1 {
		t.Fatalf("result = %+v", res)
	}
	if res.BranchName != "feature/login" || res.Requested != 3 {
		t.Errorf("branch = %q, requested = %d", res.BranchName, res.Requested)
	}
	if fixer.CallCount() != 1 {
		t.Errorf("fixer calls = %d, want 1", fixer.CallCount())
	}

	msgs := h.repo.Messages()
	if len(msgs) != 1 || !strings.HasPrefix(msgs[0], "conclave: fix SEC-1, LOGIC-1, PERF-1") {
		t.Fatalf("commits = %q", msgs)
	}
	if got := res.Commits(); !reflect.DeepEqual(got, []string{"sha1"}) {
		t.Errorf("Commits() = %v", got)
	}
	for _, ir := range res.Results {
		if ir.CommitSHA != "sha1" || ir.Round != 1 {
			t.Errorf("%s = %+v", ir.IssueCode, ir)
		}
	}

	prompt := fixer.Calls()[0].Prompt
	for _, want := range []string{"### Step 1:", "### Step 2:", "`PERF-1`", "feature/login", res.SessionID} {
		if !strings.Contains(prompt, want) {
			t.Errorf("fix prompt missing %q", want)
		}
	}
	if fixer.Calls()[0].WorkDir != "/repo" {
		t.Errorf("WorkDir = %q", fixer.Calls()[0].WorkDir)
	}

	wantEvents := []events.Type{
		events.SessionStarted,
		events.RoundStarted,
		events.WorkerInvoked,
		events.ChallengerEvaluating,
		events.WorkerInvoked, events.WorkerInvoked, events.WorkerInvoked,
		events.BatchCommitted,
		events.SessionCompleted,
	}
	if got := h.recorder.Types(); !reflect.DeepEqual(got, wantEvents) {
		t.Errorf("events = %v", got)
	}
	for _, e := range h.recorder.Events() {
		if e.SessionID != res.SessionID {
			t.Errorf("event %s has session %q", e.Type, e.SessionID)
		}
	}
}

func TestRun_BoundedRounds(t *testing.T) {
	fixer := workertest.New("claude", report("SEC-1:fixed", "LOGIC-1:fixed", "PERF-1:fixed"))
	h := newHarness(t, fixer, judge(func(string, int) int { return 40 }))

	res, err := h.orch.Run(context.Background(), scenarioA())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if fixer.CallCount() != 2 {
		t.Errorf("fixer calls = %d, want MaxRounds", fixer.CallCount())
	}
	if res.Status != StatusFailed || res.Failed != 3 || res.Rounds != 2 {
		t.Errorf("result = %+v", res)
	}
	if len(h.repo.Messages()) != 0 {
		t.Errorf("commits = %q", h.repo.Messages())
	}
	for _, ir := range res.Results {
		if !strings.Contains(ir.Error, "40/100") {
			t.Errorf("%s error = %q", ir.IssueCode, ir.Error)
		}
	}

	second := fixer.Calls()[1]
	if second.SessionID != "fixer-session" {
		t.Errorf("round 2 did not resume the fixer session: %q", second.SessionID)
	}
	for _, want := range []string{"Round 2", "SEC-1, LOGIC-1, PERF-1", "handle SEC-1 edge case"} {
		if !strings.Contains(second.Prompt, want) {
			t.Errorf("round 2 prompt missing %q", want)
		}
	}
}

func TestRun_SecondRoundResolvesRest(t *testing.T) {
	fixer := workertest.New("claude",
		report("SEC-1:fixed", "LOGIC-1:fixed", "PERF-1:fixed"),
		report("LOGIC-1:fixed", "PERF-1:fixed"))
	h := newHarness(t, fixer, judge(func(code string, n int) int {
		if code == "SEC-1" || n > 1 {
			return 90
		}
		return 55
	}))

	res, err := h.orch.Run(context.Background(), scenarioA())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if res.Status != StatusCompleted || res.Fixed != 3 || res.Rounds != 2 {
		t.Fatalf("result = %+v", res)
	}
	msgs := h.repo.Messages()
	if len(msgs) != 2 || !strings.HasPrefix(msgs[0], "conclave: fix SEC-1\n") || !strings.HasPrefix(msgs[1], "conclave: fix LOGIC-1, PERF-1\n") {
		t.Errorf("commits = %q", msgs)
	}

	got := make(map[string]IssueResult)
	for _, ir := range res.Results {
		got[ir.IssueCode] = ir
	}
	if got["SEC-1"].Round != 1 || got["SEC-1"].CommitSHA != "sha1" {
		t.Errorf("SEC-1 = %+v", got["SEC-1"])
	}
	if got["PERF-1"].Round != 2 || got["PERF-1"].CommitSHA != "sha2" || got["PERF-1"].Error != "" {
		t.Errorf("PERF-1 = %+v", got["PERF-1"])
	}

	second := fixer.Calls()[1].Prompt
	if strings.Contains(second, "### `SEC-1`") {
		t.Error("round 2 prompt still lists the committed issue")
	}
}

func TestRun_StopsEarlyWhenNothingPending(t *testing.T) {
	fixer := workertest.New("claude", report("SEC-1:fixed", "LOGIC-1:fixed", "PERF-1:fixed"))
	h := newHarness(t, fixer, judge(approveAll))
	h.orch.MaxRounds = 5

	res, err := h.orch.Run(context.Background(), scenarioA())
	if err != nil {
		t.Fatal(err)
	}
	if fixer.CallCount() != 1 || res.Rounds != 1 {
		t.Errorf("fixer calls = %d, rounds = %d", fixer.CallCount(), res.Rounds)
	}
}

func TestRun_IncludesStandards(t *testing.T) {
	fixer := workertest.New("claude", report("SEC-1:fixed", "LOGIC-1:fixed", "PERF-1:fixed"))
	h := newHarness(t, fixer, nil)
	h.orch.Standards = "## Project Standards\n\n### errors\n\nWrap errors with context."

	if _, err := h.orch.Run(context.Background(), scenarioA()); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	prompt := fixer.Calls()[0].Prompt
	if !strings.Contains(prompt, "Wrap errors with context.") {
		t.Errorf("fix prompt missing standards:\n%s", prompt)
	}
	if strings.Index(prompt, "## Project Standards") > strings.Index(prompt, "## Rules") {
		t.Error("standards should precede the rules")
	}
}

func TestRun_SkippedCountsAsResolved(t *testing.T) {
	fixer := workertest.New("claude", report("SEC-1:fixed", "LOGIC-1:skipped", "PERF-1:fixed"))
	h := newHarness(t, fixer, judge(approveAll))

	res, err := h.orch.Run(context.Background(), scenarioA())
	if err != nil {
		t.Fatal(err)
	}
	if res.Status != StatusCompleted || res.Fixed != 2 || res.Skipped != 1 {
		t.Fatalf("result = %+v", res)
	}
	if h.judge.CallCount() != 2 {
		t.Errorf("challenger evaluated %d fixes, want 2", h.judge.CallCount())
	}
	msgs := h.repo.Messages()
	if len(msgs) != 1 || strings.Contains(msgs[0], "LOGIC-1") {
		t.Errorf("commits = %q", msgs)
	}
	for _, ir := range res.Results {
		if ir.IssueCode == "LOGIC-1" && (ir.CommitSHA != "" || ir.Notes != "LOGIC-1 note") {
			t.Errorf("skipped result = %+v", ir)
		}
	}
}

func TestRun_UnreportedIssueStaysOpen(t *testing.T) {
	fixer := workertest.New("claude", report("SEC-1:fixed", "PERF-1:unknown"))
	h := newHarness(t, fixer, judge(approveAll))
	h.orch.MaxRounds = 1

	res, err := h.orch.Run(context.Background(), scenarioA())
	if err != nil {
		t.Fatal(err)
	}
	want := map[string]IssueStatus{"SEC-1": IssueFixed, "LOGIC-1": IssueFailed, "PERF-1": IssueFailed}
	if got := statuses(res); !reflect.DeepEqual(got, want) {
		t.Errorf("statuses = %v", got)
	}
	if res.Status != StatusPartial {
		t.Errorf("Status = %s, want PARTIAL", res.Status)
	}
	for _, ir := range res.Results {
		if ir.IssueCode == "LOGIC-1" && !strings.Contains(ir.Error, "did not report") {
			t.Errorf("LOGIC-1 error = %q", ir.Error)
		}
	}
}

func TestRun_ChallengerErrorTrustsFixer(t *testing.T) {
	fixer := workertest.New("claude", report("SEC-1:fixed", "LOGIC-1:fixed", "PERF-1:fixed"))
	h := newHarness(t, fixer, workertest.New("challenger", workertest.Fail(worker.KindExit, "exit status 1")))

	res, err := h.orch.Run(context.Background(), scenarioA())
	if err != nil {
		t.Fatal(err)
	}
	if res.Status != StatusCompleted || res.Fixed != 3 {
		t.Fatalf("result = %+v", res)
	}
	if h.judge.CallCount() != 1 {
		t.Errorf("challenger calls = %d, want 1", h.judge.CallCount())
	}
	if len(h.repo.Messages()) != 1 {
		t.Errorf("commits = %q", h.repo.Messages())
	}
}

func TestRun_NoChallengerApprovesClaims(t *testing.T) {
	fixer := workertest.New("claude", report("SEC-1:fixed", "LOGIC-1:fixed", "PERF-1:fixed"))
	h := newHarness(t, fixer, nil)

	res, err := h.orch.Run(context.Background(), scenarioA())
	if err != nil {
		t.Fatal(err)
	}
	if res.Status != StatusCompleted {
		t.Errorf("Status = %s", res.Status)
	}
}

func TestRun_DiffFallsBackToWholeTree(t *testing.T) {
	fixer := workertest.New("claude", report("LOGIC-1:fixed"))
	h := newHarness(t, fixer, judge(approveAll))

	if _, err := h.orch.Run(context.Background(), scenarioA()[1:2]); err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(h.repo.diffs, []string{"b.py", ""}) {
		t.Errorf("diffs = %q", h.repo.diffs)
	}
	if !strings.Contains(h.judge.Calls()[0].Prompt, "+fixed") {
		t.Error("challenger did not receive the staged diff")
	}
}

func TestRun_CommitFailureRetriesNextRound(t *testing.T) {
	fixer := workertest.New("claude", report("SEC-1:fixed", "LOGIC-1:fixed", "PERF-1:fixed"))
	h := newHarness(t, fixer, judge(approveAll))
	h.repo.commitErrs = []error{errors.New("index.lock exists")}

	res, err := h.orch.Run(context.Background(), scenarioA())
	if err != nil {
		t.Fatal(err)
	}
	if fixer.CallCount() != 2 {
		t.Errorf("fixer calls = %d, want 2", fixer.CallCount())
	}
	if res.Status != StatusCompleted || res.Fixed != 3 {
		t.Fatalf("result = %+v", res)
	}
	for _, ir := range res.Results {
		if ir.Round != 2 || ir.CommitSHA != "sha2" {
			t.Errorf("%s = %+v", ir.IssueCode, ir)
		}
	}
	if !strings.Contains(fixer.Calls()[1].Prompt, "commit failed: index.lock exists") {
		t.Error("round 2 prompt does not explain the commit failure")
	}
}

func TestRun_NoChangesStillResolves(t *testing.T) {
	fixer := workertest.New("claude", report("SEC-1:fixed", "LOGIC-1:fixed", "PERF-1:fixed"))
	h := newHarness(t, fixer, judge(approveAll))
	h.repo.commitErrs = []error{vcs.ErrNoChanges}

	res, err := h.orch.Run(context.Background(), scenarioA())
	if err != nil {
		t.Fatal(err)
	}
	if res.Status != StatusCompleted || len(res.Commits()) != 0 {
		t.Errorf("result = %+v", res)
	}
	if h.recorder.Count(events.BatchCommitted) != 0 {
		t.Error("BatchCommitted emitted without a commit")
	}
}

func TestRun_FixerFailsFirstRound(t *testing.T) {
	fixer := workertest.New("claude", workertest.Fail(worker.KindTimeout, "timed out after 10m"))
	h := newHarness(t, fixer, judge(approveAll))

	res, err := h.orch.Run(context.Background(), scenarioA())
	if err == nil {
		t.Fatal("expected session error")
	}
	if worker.KindOf(err) != worker.KindTimeout {
		t.Errorf("error kind = %q", worker.KindOf(err))
	}
	if res.Status != StatusFailed || res.Results != nil || res.Error == "" {
		t.Errorf("result = %+v", res)
	}
	if fixer.CallCount() != 1 {
		t.Errorf("fixer calls = %d, want 1", fixer.CallCount())
	}
	if h.recorder.Count(events.SessionError) != 1 || h.recorder.Count(events.SessionCompleted) != 0 {
		t.Errorf("events = %v", h.recorder.Types())
	}
}

func TestRun_FixerFailsLaterRound(t *testing.T) {
	fixer := workertest.New("claude",
		report("SEC-1:fixed", "LOGIC-1:fixed", "PERF-1:fixed"),
		workertest.Fail(worker.KindExit, "exit status 2"))
	h := newHarness(t, fixer, judge(func(code string, _ int) int {
		if code == "SEC-1" {
			return 90
		}
		return 30
	}))
	h.orch.MaxRounds = 3

	res, err := h.orch.Run(context.Background(), scenarioA())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if fixer.CallCount() != 2 {
		t.Errorf("fixer calls = %d, want 2", fixer.CallCount())
	}
	if res.Status != StatusFailed || res.Error == "" {
		t.Errorf("Status = %s, Error = %q", res.Status, res.Error)
	}
	want := map[string]IssueStatus{"SEC-1": IssueFixed, "LOGIC-1": IssueFailed, "PERF-1": IssueFailed}
	if got := statuses(res); !reflect.DeepEqual(got, want) {
		t.Errorf("statuses = %v", got)
	}
	if len(h.repo.Messages()) != 1 {
		t.Errorf("commits = %q", h.repo.Messages())
	}
}

func TestRun_InvalidInput(t *testing.T) {
	h := newHarness(t, workertest.New("claude"), nil)

	res, err := h.orch.Run(context.Background(), nil)
	if !errors.Is(err, ErrEmptyPlan) {
		t.Errorf("error = %v, want ErrEmptyPlan", err)
	}
	if res.Status != StatusFailed {
		t.Errorf("Status = %s", res.Status)
	}

	h.orch.Fixer = nil
	if _, err := h.orch.Run(context.Background(), scenarioA()); err == nil {
		t.Error("expected error without a fixer")
	}
}

func TestRun_AssignsMissingCodes(t *testing.T) {
	issues := scenarioA()
	issues[0].ID = ""
	issues[2].ID = "SEC-1"
	fixer := workertest.New("claude", report("SEC-1:fixed", "LOGIC-1:fixed", "SEC-2:fixed"))
	h := newHarness(t, fixer, judge(approveAll))

	res, err := h.orch.Run(context.Background(), issues)
	if err != nil {
		t.Fatal(err)
	}
	want := map[string]IssueStatus{"SEC-2": IssueFixed, "LOGIC-1": IssueFixed, "SEC-1": IssueFixed}
	if got := statuses(res); !reflect.DeepEqual(got, want) {
		t.Errorf("statuses = %v", got)
	}
	if issues[0].ID != "" {
		t.Error("Run modified the caller's issues")
	}
}

func TestRun_Checkpoints(t *testing.T) {
	ctx := context.Background()
	var h *harness
	var roundSaved bool
	fixer := workertest.Func("claude", func(ctx context.Context, req worker.Request) worker.Result {
		id := strings.TrimSuffix(strings.Fields(req.Prompt[strings.Index(req.Prompt, "session `")+len("session `"):])[0], "`")
		data, err := h.store.Load(ctx, id, "round-1")
		roundSaved = err == nil && data != nil
		return report("SEC-1:fixed", "LOGIC-1:fixed", "PERF-1:fixed")
	})
	h = newHarness(t, fixer, judge(approveAll))

	res, err := h.orch.Run(ctx, scenarioA())
	if err != nil {
		t.Fatal(err)
	}
	if !roundSaved {
		t.Error("round checkpoint was not written before the fixer ran")
	}

	plan, err := LoadPlan(ctx, h.store, res.SessionID)
	if err != nil {
		t.Fatalf("LoadPlan() error = %v", err)
	}
	if len(plan.Steps) != 2 {
		t.Errorf("plan steps = %d", len(plan.Steps))
	}

	saved, err := LoadResult(ctx, h.store, res.SessionID)
	if err != nil {
		t.Fatalf("LoadResult() error = %v", err)
	}
	if saved.Status != StatusCompleted || saved.Fixed != 3 || len(saved.Results) != 3 {
		t.Errorf("saved result = %+v", saved)
	}

	ops := h.orch.Tracker.List(res.SessionID)
	if len(ops) == 0 || ops[0].Kind != "fix" || ops[0].State != tracker.Succeeded {
		t.Errorf("tracked operations = %+v", ops)
	}
}

func TestRun_Canceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	h := newHarness(t, workertest.New("claude", report("SEC-1:fixed")), judge(approveAll))

	res, err := h.orch.Run(ctx, scenarioA())
	if worker.KindOf(err) != worker.KindCanceled {
		t.Errorf("error = %v", err)
	}
	if res.Status != StatusFailed {
		t.Errorf("Status = %s", res.Status)
	}
}

func TestRun_StatedVerdictOverridesScore(t *testing.T) {
	fixer := workertest.New("claude", report("SEC-1:fixed", "LOGIC-1:fixed", "PERF-1:fixed"))
	verdicts := workertest.Func("challenger", func(_ context.Context, req worker.Request) worker.Result {
		if issueCodeOf(req.Prompt) == "LOGIC-1" {
			return workertest.OK(`{"satisfaction_score":85,"status":"NEEDS_REFINEMENT","improvements_needed":"bound still wrong"}`)
		}
		return workertest.OK(`{"satisfaction_score":95,"status":"APPROVED"}`)
	})
	h := newHarness(t, fixer, verdicts)
	h.orch.MaxRounds = 1

	res, err := h.orch.Run(context.Background(), scenarioA())
	if err != nil {
		t.Fatal(err)
	}
	want := map[string]IssueStatus{"SEC-1": IssueFixed, "LOGIC-1": IssueFailed, "PERF-1": IssueFixed}
	if got := statuses(res); !reflect.DeepEqual(got, want) {
		t.Errorf("statuses = %v", got)
	}
	msgs := h.repo.Messages()
	if len(msgs) != 1 || strings.Contains(msgs[0], "LOGIC-1") {
		t.Errorf("commits = %q", msgs)
	}
}

func TestRun_FixerEchoesJSONBeforeReport(t *testing.T) {
	out := "Updated the client config:\n```json\n{\"timeout\": 30}\n```\nDone.\n```json\n" +
		`{"results":[{"issue_code":"SEC-1","status":"fixed"},{"issue_code":"LOGIC-1","status":"fixed"},{"issue_code":"PERF-1","status":"skipped"}]}` +
		"\n```\n"
	fixer := workertest.New("claude", workertest.OK(out))
	h := newHarness(t, fixer, judge(approveAll))
	h.orch.MaxRounds = 1

	res, err := h.orch.Run(context.Background(), scenarioA())
	if err != nil {
		t.Fatal(err)
	}
	if res.Status != StatusCompleted {
		t.Errorf("Status = %s, results = %+v", res.Status, res.Results)
	}
}
