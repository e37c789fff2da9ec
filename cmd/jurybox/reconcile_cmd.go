package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/Mindburn-Labs/jurybox/pkg/config"
	"github.com/Mindburn-Labs/jurybox/pkg/settlement"
)

// runReconcileCmd implements `jurybox reconcile`: one retry pass over the
// settlement outbox. It needs a durable outbox, which only the postgres
// store provides.
func runReconcileCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("reconcile", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	var dryRun bool
	cmd.BoolVar(&dryRun, "dry-run", false, "List pending settlements without sending them")
	if err := cmd.Parse(args); err != nil {
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

	if !svc.durable {
		_, _ = fmt.Fprintf(stderr, "Error: store driver %q keeps no settlement outbox; use %q\n", svc.cfg.Store.Driver, config.StorePostgres)
		return 2
	}

	if dryRun {
		pending, err := svc.outbox.Pending(ctx)
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
			return 2
		}
		for _, rec := range pending {
			_, _ = fmt.Fprintf(stdout, "%s  %-36s  %8.2f  attempts=%d  %s\n",
				rec.Scheduled.Format(time.RFC3339), rec.Settlement.ID, rec.Settlement.Amount, rec.Attempts, rec.LastError)
		}
		_, _ = fmt.Fprintf(stdout, "%d pending\n", len(pending))
		return 0
	}

	n := svc.notifier()
	if n == nil {
		_, _ = fmt.Fprintln(stderr, "Error: JURYBOX_SETTLEMENT_WEBHOOK_URL is required to reconcile")
		return 2
	}
	delivered, err := settlement.Reconcile(ctx, svc.outbox, n, svc.logger)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	_, _ = fmt.Fprintf(stdout, "%d settlements delivered\n", delivered)
	return 0
}

// runProfilesCmd implements `jurybox profiles`.
func runProfilesCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("profiles", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	dir := cmd.String("dir", "", "Profiles directory (default: JURYBOX_PROFILES_DIR)")
	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if *dir == "" {
		cfg, err := config.Load()
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
			return 2
		}
		*dir = cfg.ProfilesDir
	}

	profiles, err := config.LoadAllProfiles(*dir)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	names := make([]string, 0, len(profiles))
	for name := range profiles {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		p := profiles[name]
		alg := p.Algorithm
		if alg == "" {
			alg = "simple_average"
		}
		_, _ = fmt.Fprintf(stdout, "%-16s %-22s %d agents\n", name, alg, len(p.Agents))
	}
	return 0
}
