package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"time"

	"github.com/Mindburn-Labs/jurybox/pkg/quota"
)

// runQuotaCmd implements `jurybox quota <status|check|set-cap|usage>`.
func runQuotaCmd(args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		_, _ = fmt.Fprintln(stderr, "Usage: jurybox quota <status|check|set-cap|usage> --user <address> [flags]")
		return 2
	}
	sub := args[0]

	cmd := flag.NewFlagSet("quota "+sub, flag.ContinueOnError)
	cmd.SetOutput(stderr)
	var (
		user       string
		amount     float64
		newCap     float64
		month      string
		jsonOutput bool
	)
	cmd.StringVar(&user, "user", "", "User address (REQUIRED)")
	cmd.BoolVar(&jsonOutput, "json", false, "Output as JSON")
	switch sub {
	case "check":
		cmd.Float64Var(&amount, "amount", 0, "Amount to check against the cap")
	case "set-cap":
		cmd.Float64Var(&newCap, "cap", -1, "New monthly cap (REQUIRED)")
	case "usage":
		cmd.StringVar(&month, "month", "", "Month to list as YYYY-MM (default: current month)")
	case "status":
	default:
		_, _ = fmt.Fprintf(stderr, "Unknown quota subcommand: %s\n", sub)
		return 2
	}
	if err := cmd.Parse(args[1:]); err != nil {
		return 2
	}
	if user == "" {
		_, _ = fmt.Fprintln(stderr, "Error: --user is required")
		return 2
	}
	if sub == "set-cap" && newCap < 0 {
		_, _ = fmt.Fprintln(stderr, "Error: --cap is required and must not be negative")
		return 2
	}

	ctx := context.Background()
	svc, err := setup(ctx, stderr)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	defer svc.Close(ctx)

	switch sub {
	case "status", "check":
		d, err := svc.gate.CheckQuota(ctx, user, amount)
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
			return 2
		}
		if jsonOutput {
			_ = writeJSON(stdout, d)
		} else {
			printDecision(stdout, sub, d)
		}
		if !d.Allowed {
			return 1
		}
		return 0

	case "set-cap":
		q, err := svc.gate.UpdateMonthlyCap(ctx, user, newCap)
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
			return 2
		}
		if jsonOutput {
			_ = writeJSON(stdout, q)
		} else {
			_, _ = fmt.Fprintf(stdout, "Monthly cap for %s set to %.2f (usage %.2f)\n", q.UserAddress, q.MonthlyCap, q.CurrentUsage)
		}
		return 0

	default: // usage
		period := quota.MonthOf(time.Now())
		if month != "" {
			t, err := time.Parse("2006-01", month)
			if err != nil {
				_, _ = fmt.Fprintf(stderr, "Error: --month: %v\n", err)
				return 2
			}
			period = quota.MonthOf(t)
		}
		records, err := svc.gate.Usage(ctx, user, period)
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
			return 2
		}
		if jsonOutput {
			if records == nil {
				records = []quota.UsageRecord{}
			}
			_ = writeJSON(stdout, records)
			return 0
		}
		var total float64
		for _, r := range records {
			total += r.Amount
			_, _ = fmt.Fprintf(stdout, "%s  %8.2f  %s\n", r.Timestamp.Format(time.RFC3339), r.Amount, r.TaskID)
		}
		_, _ = fmt.Fprintf(stdout, "%d records, total %.2f\n", len(records), total)
		return 0
	}
}

func printDecision(w io.Writer, sub string, d *quota.Decision) {
	if sub == "check" {
		verdict := colorGreen + "allowed" + colorReset
		if !d.Allowed {
			verdict = colorRed + "denied" + colorReset
		}
		_, _ = fmt.Fprintf(w, "%.2f for %s: %s\n", d.RequestedAmount, d.UserAddress, verdict)
		if d.Reason != "" {
			_, _ = fmt.Fprintf(w, "  reason     %s\n", d.Reason)
		}
	} else {
		_, _ = fmt.Fprintf(w, "Quota for %s\n", d.UserAddress)
	}
	_, _ = fmt.Fprintf(w, "  usage      %.2f\n", d.CurrentUsage)
	_, _ = fmt.Fprintf(w, "  cap        %.2f\n", d.MonthlyCap)
	_, _ = fmt.Fprintf(w, "  remaining  %.2f\n", d.RemainingQuota)
	_, _ = fmt.Fprintf(w, "  resets     %s\n", d.ResetDate.Format("2006-01-02"))
}
