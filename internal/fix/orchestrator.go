// Package fix runs fix sessions: a fixer worker edits the working tree in
// bounded rounds, a challenger grades each claimed fix and every round's
// approved fixes land in a single commit.
package fix

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/jywlabs/conclave/internal/challenger"
	"github.com/jywlabs/conclave/internal/checkpoint"
	"github.com/jywlabs/conclave/internal/events"
	"github.com/jywlabs/conclave/internal/issue"
	"github.com/jywlabs/conclave/internal/logger"
	"github.com/jywlabs/conclave/internal/review"
	"github.com/jywlabs/conclave/internal/template"
	"github.com/jywlabs/conclave/internal/tracker"
	"github.com/jywlabs/conclave/internal/vcs"
	"github.com/jywlabs/conclave/internal/worker"
)

const (
	// DefaultMaxRounds bounds the fixer dispatches of a session.
	DefaultMaxRounds = 2
	// DefaultThreshold is the challenger score a fix needs to be committed.
	DefaultThreshold = 80
)

type phase string

const (
	phasePlanning   phase = "planning"
	phaseFixing     phase = "fixing"
	phaseEvaluating phase = "evaluating"
	phaseCommitting phase = "committing"
	phaseFinalizing phase = "finalizing"
)

// Orchestrator runs fix sessions. Fixer, Repo are required; a nil
// Challenger approves every claimed fix and a nil Store skips checkpoints.
type Orchestrator struct {
	Fixer      worker.Worker
	Challenger *challenger.Challenger
	Repo       vcs.Repo
	Store      checkpoint.Store
	Events     events.Sink
	Tracker    *tracker.Tracker
	Logger     *slog.Logger

	MaxRounds int
	Threshold float64
	Timeout   time.Duration
	WorkDir   string
	Standards string // Project standards included in every fixer prompt
}

// roundState is checkpointed before each fixer dispatch.
type roundState struct {
	Round        int               `json:"round"`
	Pending      []string          `json:"pending"`
	Reasons      map[string]string `json:"reasons,omitempty"`
	FixerSession string            `json:"fixer_session,omitempty"`
	Results      []IssueResult     `json:"results"`
}

type fixPrompt struct {
	Round       int
	SessionID   string
	Branch      string
	WorkDir     string
	Plan        Plan
	Issues      []issue.Issue
	FailedCodes []string
	Feedback    string
	Standards   string
}

type session struct {
	id           string
	branch       string
	plan         Plan
	order        []string
	issues       map[string]issue.Issue
	results      map[string]*IssueResult
	fixerSession string
	usage        worker.Usage
}

// Run fixes issues in at most MaxRounds rounds. Every round is one fixer
// invocation over all unresolved issues.
//
// A session-fatal error (no issues, no fixer or repository, or a failed
// first fixer dispatch) returns a FAILED result without per-issue results
// together with the error. Once a round has completed, failures are
// reported through the result's status instead.
func (o *Orchestrator) Run(ctx context.Context, issues []issue.Issue) (*SessionResult, error) {
	start := time.Now()
	s := &session{id: newSessionID()}
	result := &SessionResult{SessionID: s.id, Requested: len(issues)}

	ctx = logger.WithLogFields(ctx, logger.LogFields{SessionID: logger.Ptr(s.id), Component: "conclave.fix.orchestrator"})
	ctx, span := otel.Tracer("conclave/fix").Start(ctx, "fix.session")
	span.SetAttributes(attribute.String("session", s.id), attribute.Int("issues", len(issues)))
	defer span.End()

	switch {
	case o.Fixer == nil:
		return o.abort(ctx, s, result, 0, errors.New("no fixer worker configured"), start)
	case o.Repo == nil:
		return o.abort(ctx, s, result, 0, errors.New("no repository configured"), start)
	}

	o.enter(ctx, phasePlanning)
	issues = prepare(issues)
	plan, err := BuildPlan(issues, o.Fixer.Name())
	if err != nil {
		return o.abort(ctx, s, result, 0, err, start)
	}
	s.plan = plan
	s.order = plan.Codes()
	s.issues = make(map[string]issue.Issue, len(issues))
	s.results = make(map[string]*IssueResult, len(issues))
	for _, is := range issues {
		s.issues[is.ID] = is
		s.results[is.ID] = &IssueResult{IssueCode: is.ID}
	}

	branch, err := o.Repo.CurrentBranch()
	if err != nil {
		o.logger().WarnContext(ctx, "could not determine branch", "error", err)
	}
	s.branch = branch
	result.BranchName = branch

	o.save(ctx, s.id, checkpointPlan, plan)
	o.emit(ctx, s.id, events.SessionStartedPayload{
		Branch:     branch,
		IssueCodes: s.order,
		Steps:      len(plan.Steps),
		MaxRounds:  o.maxRounds(),
	})
	o.logger().InfoContext(ctx, "fix session started",
		"branch", branch, "issues", len(s.order), "steps", len(plan.Steps), "max_rounds", o.maxRounds())

	for round := 1; round <= o.maxRounds(); round++ {
		pending := s.pending()
		if len(pending) == 0 {
			break
		}
		result.Rounds = round

		if err := o.round(ctx, s, round, pending); err != nil {
			if round == 1 {
				return o.abort(ctx, s, result, round, err, start)
			}
			o.logger().ErrorContext(ctx, "fixer failed, ending session", "round", round, "error", err)
			o.emit(ctx, s.id, events.SessionErrorPayload{Round: round, Message: err.Error()})
			s.failRemaining(err.Error())
			result.Status = StatusFailed
			result.Error = err.Error()
			return o.finish(ctx, s, result, start), nil
		}
	}

	s.failRemaining(fmt.Sprintf("not resolved after %d rounds", result.Rounds))
	return o.finish(ctx, s, result, start), nil
}

// round dispatches the fixer once, grades its claims and commits what was
// approved. Only a fixer failure is returned.
func (o *Orchestrator) round(ctx context.Context, s *session, round int, pending []string) error {
	sc := logger.StartSpan(ctx, "fix.round", trace.WithAttributes(
		attribute.Int("round", round),
		attribute.Int("pending", len(pending)),
	))
	defer sc.End()
	ctx = logger.WithLogFields(sc.Context(), logger.LogFields{Round: logger.Ptr(round)})

	o.emit(ctx, s.id, events.RoundStartedPayload{Round: round, IssueCodes: pending})
	o.save(ctx, s.id, roundCheckpoint(round), s.state(round, pending))

	res, err := o.dispatch(ctx, s, round, pending)
	if err != nil {
		sc.RecordError(err)
		return err
	}

	approved := o.evaluate(ctx, s, round, pending, res.Output)
	o.commit(ctx, s, round, approved)
	return nil
}

// prepare copies the issues and makes sure every one has a unique code.
func prepare(issues []issue.Issue) []issue.Issue {
	out := make([]issue.Issue, len(issues))
	for i, is := range issues {
		out[i] = is.Clone()
	}
	review.AssignCodes(out)
	return out
}

func (o *Orchestrator) dispatch(ctx context.Context, s *session, round int, pending []string) (worker.Result, error) {
	o.enter(ctx, phaseFixing)

	data := fixPrompt{
		Round:     round,
		SessionID: s.id,
		Branch:    s.branch,
		WorkDir:   o.WorkDir,
		Plan:      s.plan,
		Issues:    s.open(pending),
		Standards: o.Standards,
	}
	if round > 1 {
		data.FailedCodes = pending
		data.Feedback = s.feedback(pending)
	}
	prompt, err := template.Render(template.Fix, data)
	if err != nil {
		return worker.Result{}, err
	}

	name := o.Fixer.Name()
	o.emit(ctx, s.id, events.WorkerInvokedPayload{Worker: name, Role: "fixer", Round: round})
	opID := o.Tracker.Start(s.id, "fix", fmt.Sprintf("round %d", round))

	res := o.Fixer.Invoke(ctx, worker.Request{
		Prompt:    prompt,
		WorkDir:   o.WorkDir,
		Timeout:   o.Timeout,
		SessionID: s.fixerSession,
	})
	if !res.Success && res.Error == nil {
		res.Error = &worker.Error{Kind: worker.KindExit, Worker: name, Err: errors.New("fixer reported failure")}
	}
	o.Tracker.Finish(opID, res.Error)
	s.usage = s.usage.Add(res.Usage)

	if !res.Success {
		return res, fmt.Errorf("fixer round %d: %w", round, res.Error)
	}
	if res.SessionID != "" {
		s.fixerSession = res.SessionID
	}
	o.logger().InfoContext(ctx, "fixer finished", "duration", res.Duration.Round(time.Millisecond))
	return res, nil
}

// evaluate resolves skipped issues and returns the claimed fixes the
// challenger approved. When grading itself fails, every claimed fix of the
// round is approved.
func (o *Orchestrator) evaluate(ctx context.Context, s *session, round int, pending []string, output string) []string {
	o.enter(ctx, phaseEvaluating)

	claims, err := ParseClaims(output)
	if err != nil {
		o.logger().WarnContext(ctx, "unreadable fixer report", "error", err, "output", logger.Truncate(output, 200))
	}

	var claimed []string
	for _, code := range pending {
		c, ok := claims[code]
		switch {
		case !ok:
			s.reject(code, round, "fixer did not report on this issue")
		case c.Status == ClaimSkipped:
			s.resolve(code, round, IssueSkipped, "", c.Notes)
		case c.Status == ClaimFixed:
			claimed = append(claimed, code)
		default:
			s.reject(code, round, strings.TrimSpace("fixer could not tell whether the issue is fixed. "+c.Notes))
		}
	}
	if len(claimed) == 0 {
		return nil
	}

	o.emit(ctx, s.id, events.ChallengerEvaluatingPayload{Round: round, IssueCodes: claimed})
	if o.Challenger == nil {
		return claimed
	}
	if err := o.Repo.StageAll(); err != nil {
		o.logger().WarnContext(ctx, "staging for evaluation failed, trusting fixer", "error", err)
		return claimed
	}

	var approved []string
	for _, code := range claimed {
		is := s.issues[code]
		fb, err := o.Challenger.EvaluateFix(ctx, is, o.diffFor(ctx, is), claims[code].Notes, o.threshold())
		if err != nil {
			o.logger().WarnContext(ctx, "fix evaluation failed, trusting fixer for this round",
				"issue", code, "error", err)
			return claimed
		}
		s.usage = s.usage.Add(fb.Usage)
		if fb.Accepted() {
			approved = append(approved, code)
			continue
		}
		reason := fmt.Sprintf("challenger scored the fix %.0f/100 (%s)", fb.SatisfactionScore, fb.Status)
		if fb.ImprovementsNeeded != "" {
			reason += ": " + fb.ImprovementsNeeded
		}
		s.reject(code, round, reason)
	}
	return approved
}

// diffFor returns the staged diff of the issue's file, or the whole staged
// diff when the file shows no change.
func (o *Orchestrator) diffFor(ctx context.Context, is issue.Issue) string {
	if is.File != "" {
		diff, err := o.Repo.Diff(ctx, true, is.File)
		if err == nil && strings.TrimSpace(diff) != "" {
			return diff
		}
	}
	diff, err := o.Repo.Diff(ctx, true)
	if err != nil {
		o.logger().WarnContext(ctx, "diff failed", "issue", is.ID, "error", err)
		return ""
	}
	return diff
}

// commit lands the round's approved fixes in one commit. On failure the
// issues stay unresolved for the next round.
func (o *Orchestrator) commit(ctx context.Context, s *session, round int, approved []string) {
	if len(approved) == 0 {
		return
	}
	o.enter(ctx, phaseCommitting)

	sha, err := o.stageAndCommit(round, approved)
	switch {
	case errors.Is(err, vcs.ErrNoChanges):
		o.logger().InfoContext(ctx, "approved fixes produced no changes", "issues", approved)
	case err != nil:
		o.logger().ErrorContext(ctx, "commit failed", "issues", approved, "error", err)
		for _, code := range approved {
			s.reject(code, round, "commit failed: "+err.Error())
		}
		return
	default:
		o.emit(ctx, s.id, events.BatchCommittedPayload{Round: round, CommitSHA: sha, IssueCodes: approved})
		o.logger().InfoContext(ctx, "round committed", "sha", sha, "issues", approved)
	}

	for _, code := range approved {
		s.resolve(code, round, IssueFixed, sha, "")
	}
}

func (o *Orchestrator) stageAndCommit(round int, codes []string) (string, error) {
	if err := o.Repo.StageAll(); err != nil {
		return "", err
	}
	return o.Repo.Commit(vcs.CommitMessage(round, codes))
}

// abort ends a session that produced no per-issue results.
func (o *Orchestrator) abort(ctx context.Context, s *session, result *SessionResult, round int, err error, start time.Time) (*SessionResult, error) {
	o.logger().ErrorContext(ctx, "fix session failed", "round", round, "error", err)
	o.emit(ctx, s.id, events.SessionErrorPayload{Round: round, Message: err.Error()})

	result.Status = StatusFailed
	result.Error = err.Error()
	result.Results = nil
	result.Fixed, result.Skipped, result.Failed = 0, 0, 0
	result.Duration = time.Since(start)
	result.Usage = s.usage
	o.save(ctx, s.id, checkpointResult, result)
	return result, err
}

func (o *Orchestrator) finish(ctx context.Context, s *session, result *SessionResult, start time.Time) *SessionResult {
	o.enter(ctx, phaseFinalizing)

	result.Results = s.collect()
	result.tally()
	if result.Status == "" {
		result.Status = deriveStatus(result.Fixed, result.Skipped, result.Failed)
	}
	result.Duration = time.Since(start)
	result.Usage = s.usage

	o.save(ctx, s.id, checkpointResult, result)
	o.emit(ctx, s.id, events.SessionCompletedPayload{
		Status:  string(result.Status),
		Fixed:   result.Fixed,
		Failed:  result.Failed,
		Skipped: result.Skipped,
		Rounds:  result.Rounds,
	})
	o.logger().InfoContext(ctx, "fix session finished",
		"status", result.Status,
		"fixed", result.Fixed,
		"skipped", result.Skipped,
		"failed", result.Failed,
		"rounds", result.Rounds,
		"duration", result.Duration.Round(time.Millisecond))
	return result
}

func (o *Orchestrator) save(ctx context.Context, sessionID, name string, v any) {
	if o.Store == nil {
		return
	}
	data, err := json.Marshal(v)
	if err == nil {
		_, err = o.Store.Save(ctx, sessionID, name, data)
	}
	if err != nil {
		o.logger().WarnContext(ctx, "checkpoint save failed", "checkpoint", name, "error", err)
	}
}

func (o *Orchestrator) emit(ctx context.Context, sessionID string, p events.Payload) {
	if o.Events == nil {
		return
	}
	if err := o.Events.Emit(ctx, events.New(sessionID, p)); err != nil {
		o.logger().WarnContext(ctx, "event emit failed", "event", p.EventType(), "error", err)
	}
}

func (o *Orchestrator) enter(ctx context.Context, p phase) {
	o.logger().DebugContext(ctx, "phase", "phase", p)
}

func (o *Orchestrator) maxRounds() int {
	if o.MaxRounds > 0 {
		return o.MaxRounds
	}
	return DefaultMaxRounds
}

func (o *Orchestrator) threshold() float64 {
	if o.Threshold > 0 {
		return o.Threshold
	}
	return DefaultThreshold
}

func (o *Orchestrator) logger() *slog.Logger {
	if o.Logger != nil {
		return o.Logger
	}
	return slog.Default()
}

// pending lists unresolved codes in plan order.
func (s *session) pending() []string {
	var codes []string
	for _, code := range s.order {
		if s.results[code].Status == issuePending {
			codes = append(codes, code)
		}
	}
	return codes
}

func (s *session) open(codes []string) []issue.Issue {
	out := make([]issue.Issue, 0, len(codes))
	for _, code := range codes {
		out = append(out, s.issues[code])
	}
	return out
}

func (s *session) resolve(code string, round int, status IssueStatus, sha, notes string) {
	r := s.results[code]
	r.Status = status
	r.CommitSHA = sha
	r.Notes = notes
	r.Error = ""
	r.Round = round
}

// reject records why an issue is still open after a round.
func (s *session) reject(code string, round int, reason string) {
	r := s.results[code]
	r.Error = reason
	r.Round = round
}

func (s *session) feedback(codes []string) string {
	var b strings.Builder
	for _, code := range codes {
		if reason := s.results[code].Error; reason != "" {
			fmt.Fprintf(&b, "- `%s`: %s\n", code, reason)
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

func (s *session) failRemaining(reason string) {
	for _, code := range s.pending() {
		r := s.results[code]
		r.Status = IssueFailed
		if r.Error == "" {
			r.Error = reason
		}
	}
}

func (s *session) collect() []IssueResult {
	out := make([]IssueResult, 0, len(s.order))
	for _, code := range s.order {
		out = append(out, *s.results[code])
	}
	return out
}

func (s *session) state(round int, pending []string) roundState {
	reasons := make(map[string]string)
	for _, code := range pending {
		if reason := s.results[code].Error; reason != "" {
			reasons[code] = reason
		}
	}
	return roundState{
		Round:        round,
		Pending:      pending,
		Reasons:      reasons,
		FixerSession: s.fixerSession,
		Results:      s.collect(),
	}
}

func newSessionID() string {
	entropy := rand.New(rand.NewSource(time.Now().UnixNano()))
	return ulid.MustNew(ulid.Timestamp(time.Now()), ulid.Monotonic(entropy, 0)).String()
}
