package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"syscall"

	"go.opentelemetry.io/otel/attribute"

	"github.com/Mindburn-Labs/jurybox/pkg/config"
	"github.com/Mindburn-Labs/jurybox/pkg/consensus"
	"github.com/Mindburn-Labs/jurybox/pkg/intake"
	"github.com/Mindburn-Labs/jurybox/pkg/orchestrator"
	"github.com/Mindburn-Labs/jurybox/pkg/scoring"
)

// runEvaluateCmd implements `jurybox evaluate`.
func runEvaluateCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("evaluate", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		requestPath string
		profileName string
		scriptPath  string
		jsonOutput  bool
	)
	cmd.StringVar(&requestPath, "request", "", "Path to the request document, YAML or JSON (REQUIRED)")
	cmd.StringVar(&profileName, "profile", "", "Judging panel profile (overrides the document's profile)")
	cmd.StringVar(&scriptPath, "script", "", "Replay judge answers from a script instead of calling a model")
	cmd.BoolVar(&jsonOutput, "json", false, "Output the full result as JSON")

	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if requestPath == "" {
		_, _ = fmt.Fprintln(stderr, "Error: --request is required")
		return 2
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	svc, err := setup(ctx, stderr)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	defer svc.Close(context.Background())

	doc, err := intake.Load(requestPath)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	if profileName == "" {
		profileName = doc.Profile
	}
	var profile *config.Profile
	if profileName != "" {
		if profile, err = config.LoadProfile(svc.cfg.ProfilesDir, profileName); err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
			return 2
		}
	}
	resolved, err := doc.Resolve(svc.cfg.RoundConfig(), profile)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}

	scorer, err := svc.scorer(scriptPath, resolved.Personas)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}

	opts := []orchestrator.Option{
		orchestrator.WithLogger(svc.logger),
		orchestrator.WithMetrics(svc.telemetry.Evaluations()),
		orchestrator.WithReconciler(svc.outbox),
		orchestrator.WithMaxConcurrency(svc.cfg.Rounds.MaxConcurrency),
	}
	if n := svc.notifier(); n != nil {
		opts = append(opts, orchestrator.WithSettlement(n))
	}
	orch, err := orchestrator.New(consensus.NewEngine(svc.cfg.EngineConfig()), svc.gate, scorer, opts...)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}

	ctx, finish := svc.telemetry.TrackOperation(ctx, "jurybox.evaluate",
		attribute.String("jurybox.algorithm", string(resolved.Request.Algorithm)),
		attribute.Int("jurybox.agents", len(resolved.Request.Agents)),
	)
	out, runErr := orch.Run(ctx, resolved.Request, orchestrator.WithProgressObserver(func(p orchestrator.Progress) {
		svc.logger.DebugContext(ctx, "progress",
			"status", p.Status,
			"round", p.CurrentRound,
			"scores", p.ScoresReceived,
			"variance", p.Variance,
		)
	}))
	finish(runErr)

	var failure *orchestrator.Failure
	errors.As(runErr, &failure)

	if out == nil {
		if jsonOutput && failure != nil {
			_ = writeJSON(stdout, failureReport{
				RequestID:  failure.RequestID,
				Reason:     failure.Reason,
				Error:      runErr.Error(),
				Progress:   failure.Progress,
				Transcript: failure.Transcript,
			})
		}
		_, _ = fmt.Fprintf(stderr, "%sEvaluation failed:%s %v\n", colorBold+colorRed, colorReset, runErr)
		if failure != nil && failure.Reason.Validation() {
			return 2
		}
		return 1
	}

	if jsonOutput {
		if err := writeJSON(stdout, out); err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
			return 2
		}
	} else {
		printOutput(stdout, out)
	}
	if runErr != nil {
		// Completed and billed; only the settlement notification is pending.
		_, _ = fmt.Fprintf(stderr, "Warning: %v (queued for reconciliation)\n", runErr)
	}
	return 0
}

// scorer picks the judge backend: a script when one is given or configured,
// the chat model otherwise.
func (s *services) scorer(scriptPath string, personas map[string]string) (orchestrator.Scorer, error) {
	if scriptPath == "" && s.cfg.Scorer.Kind == config.ScorerScripted {
		scriptPath = s.cfg.Scorer.ScriptPath
	}
	if scriptPath != "" {
		script, err := scoring.LoadScript(scriptPath)
		if err != nil {
			return nil, err
		}
		return script, nil
	}
	if s.cfg.Scorer.APIKey == "" {
		return nil, errors.New("JURYBOX_SCORER_API_KEY is required for the llm scorer (or pass --script)")
	}
	return scoring.NewLLMScorer(s.cfg.LLMClient(), s.cfg.LLMConfig(personas), s.logger), nil
}

type failureReport struct {
	RequestID  string                   `json:"request_id"`
	Reason     orchestrator.Reason      `json:"reason"`
	Error      string                   `json:"error"`
	Progress   orchestrator.Progress    `json:"progress"`
	Transcript *orchestrator.Transcript `json:"transcript,omitempty"`
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printOutput(w io.Writer, out *orchestrator.Output) {
	c := out.Consensus
	_, _ = fmt.Fprintf(w, "%sVerdict:%s %.2f (%s)\n", colorBold+colorGreen, colorReset, c.FinalScore, c.Algorithm)
	_, _ = fmt.Fprintf(w, "  request     %s\n", out.RequestID)
	_, _ = fmt.Fprintf(w, "  confidence  %.2f\n", c.Confidence)
	_, _ = fmt.Fprintf(w, "  variance    %.3f\n", c.Variance)
	_, _ = fmt.Fprintf(w, "  rounds      %d\n", c.ConvergenceRounds)
	_, _ = fmt.Fprintf(w, "  convergence %.2f\n", out.ConvergenceDelta)
	_, _ = fmt.Fprintf(w, "  charged     %.2f\n", out.AmountCharged)
	_, _ = fmt.Fprintf(w, "  digest      %s\n", out.TranscriptDigest)

	results := append([]orchestrator.AgentResult(nil), out.IndividualResults...)
	sort.Slice(results, func(i, j int) bool { return results[i].AgentID < results[j].AgentID })
	_, _ = fmt.Fprintln(w, "")
	for _, r := range results {
		switch {
		case !r.Responded:
			_, _ = fmt.Fprintf(w, "  %-16s %sno response%s\n", r.AgentID, colorGray, colorReset)
		case r.Outlier:
			_, _ = fmt.Fprintf(w, "  %-16s %5.2f %soutlier%s\n", r.AgentID, r.FinalScore, colorRed, colorReset)
		default:
			_, _ = fmt.Fprintf(w, "  %-16s %5.2f\n", r.AgentID, r.FinalScore)
		}
	}
}
