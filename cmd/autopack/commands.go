package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"text/tabwriter"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/Strob0t/autopack/internal/adapter/postgres"
	"github.com/Strob0t/autopack/internal/config"
	"github.com/Strob0t/autopack/internal/domain/governance"
	"github.com/Strob0t/autopack/internal/domain/plan"
	"github.com/Strob0t/autopack/internal/domain/run"
	"github.com/Strob0t/autopack/internal/port/messagequeue"
)

func configFlag(fs *flag.FlagSet) *string {
	return fs.String("config", config.DefaultConfigFile, "path to the YAML config file")
}

// runPlan executes one plan and serves the control API alongside it when
// the server is enabled.
func runPlan(args []string) error {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	cfgPath := configFlag(fs)
	planPath := fs.String("plan", "", "path to the plan YAML (required)")
	workspace := fs.String("workspace", ".", "workspace directory the plan builds in")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *planPath == "" {
		return errors.New("--plan is required")
	}

	cfg, closer, err := loadConfig(*cfgPath)
	if err != nil {
		return err
	}
	defer closer.Close()

	spec, err := plan.LoadFromFile(*planPath)
	if err != nil {
		return err
	}
	root, err := filepath.Abs(*workspace)
	if err != nil {
		return fmt.Errorf("workspace: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	r, err := a.runs.Create(ctx, spec, root)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(context.Background())
	serveCtx, stopServe := context.WithCancel(gctx)
	defer stopServe()

	if err := a.startSubscribers(serveCtx); err != nil {
		return err
	}
	if cfg.Server.Enabled {
		g.Go(func() error { return a.serveHTTP(serveCtx) })
	}

	// A signal cancels the run at its next attempt boundary rather than
	// tearing down the store writes that record the outcome.
	go func() {
		select {
		case <-ctx.Done():
			if err := a.runs.Cancel(context.Background(), r.ID, "interrupted"); err != nil {
				slog.Warn("cancel on signal", "run_id", r.ID, "error", err)
			}
		case <-serveCtx.Done():
		}
	}()

	var final *run.Run
	g.Go(func() error {
		defer stopServe()
		var execErr error
		final, execErr = a.runs.Execute(gctx, r.ID)
		return execErr
	})
	if err := g.Wait(); err != nil {
		return err
	}

	printRun(os.Stdout, final)
	if final.Status != run.StatusComplete {
		return fmt.Errorf("run %s %s: %w", final.ID, final.Status, errRunIncomplete)
	}
	return nil
}

// runServe serves the control API and consumes queued decisions until a
// signal arrives.
func runServe(args []string) error {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	cfgPath := configFlag(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, closer, err := loadConfig(*cfgPath)
	if err != nil {
		return err
	}
	defer closer.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.startSubscribers(ctx); err != nil {
		return err
	}
	return a.serveHTTP(ctx)
}

// runMigrate applies (up), rolls back (down [n]) or reports (status) migrations.
func runMigrate(args []string) error {
	fs := flag.NewFlagSet("migrate", flag.ContinueOnError)
	cfgPath := configFlag(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, closer, err := loadConfig(*cfgPath)
	if err != nil {
		return err
	}
	defer closer.Close()
	if cfg.Postgres.DSN == "" {
		return errors.New("postgres.dsn is required for migrations")
	}

	m, err := postgres.NewMigrator(cfg.Postgres.DSN)
	if err != nil {
		return err
	}
	defer func() { _ = m.Close() }()

	ctx := context.Background()
	cmd := fs.Arg(0)
	switch cmd {
	case "", "up":
		applied, err := m.Up(ctx)
		if err != nil {
			return err
		}
		slog.Info("migrations applied", "count", len(applied), "names", applied)
	case "down":
		steps := 1
		if s := fs.Arg(1); s != "" {
			if steps, err = strconv.Atoi(s); err != nil || steps < 1 {
				return fmt.Errorf("invalid step count %q", s)
			}
		}
		rolled, err := m.Down(ctx, steps)
		if err != nil {
			return err
		}
		slog.Info("migrations rolled back", "count", len(rolled), "names", rolled)
	case "status":
		states, err := m.Status(ctx)
		if err != nil {
			return err
		}
		printMigrations(os.Stdout, states)
	default:
		return fmt.Errorf("unknown migrate command: %s", cmd)
	}
	return nil
}

// printMigrations writes one line per autopack migration.
func printMigrations(w io.Writer, states []postgres.MigrationState) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "VERSION\tMIGRATION\tSTATE\tAPPLIED AT")
	for _, st := range states {
		state, at := "pending", "-"
		if st.Applied {
			state, at = "applied", st.AppliedAt.UTC().Format(time.RFC3339)
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\n", st.Version, st.Name, state, at)
	}
	_ = tw.Flush()
}

// runList prints stored runs.
func runList(args []string) error {
	fs := flag.NewFlagSet("runs", flag.ContinueOnError)
	cfgPath := configFlag(fs)
	status := fs.String("status", "", "only list runs with this status")
	asJSON := fs.Bool("json", false, "print JSON instead of a table")
	if err := fs.Parse(args); err != nil {
		return err
	}

	a, cleanup, err := openStoreApp(*cfgPath)
	if err != nil {
		return err
	}
	defer cleanup()

	runs, err := a.runs.List(context.Background(), run.Status(*status))
	if err != nil {
		return err
	}
	if *asJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(runs)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tSTATUS\tTOKENS\tPHASES\tCREATED\tREASON")
	for i := range runs {
		r := &runs[i]
		_, _ = fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%s\t%s\n",
			r.ID, r.Status, r.TokensUsed, r.PhasesStarted, r.CreatedAt.Format("2006-01-02 15:04:05"), r.FailureReason)
	}
	return w.Flush()
}

// runDecide approves or denies a governance request. With NATS the decision
// is published for the process that owns the blocked phase; otherwise it is
// written to the shared store directly.
func runDecide(args []string, approve bool) error {
	name := "deny"
	if approve {
		name = "approve"
	}
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	cfgPath := configFlag(fs)
	resolver := fs.String("resolver", os.Getenv("USER"), "who made the decision")
	note := fs.String("note", "", "free-form note stored with the decision")
	if err := fs.Parse(reorder(args)); err != nil {
		return err
	}
	id := fs.Arg(0)
	if id == "" {
		return fmt.Errorf("usage: autopack %s <request-id> [--resolver name] [--note text]", name)
	}

	a, cleanup, err := openStoreApp(*cfgPath)
	if err != nil {
		return err
	}
	defer cleanup()

	ctx := context.Background()
	if a.queue != nil {
		return publish(ctx, a.queue, messagequeue.SubjectGovernanceDecision, messagequeue.GovernanceDecisionPayload{
			RequestID: id,
			Approve:   approve,
			Resolver:  *resolver,
			Note:      *note,
		})
	}

	req, err := a.gov.Resolve(ctx, governance.Decision{RequestID: id, Approve: approve, Resolver: *resolver, Note: *note})
	if err != nil {
		return err
	}
	fmt.Printf("%s %s\n", req.ID, req.Status)
	return nil
}

// runCancel cancels a run through the queue, or in the store when the run is
// still QUEUED and no queue is configured.
func runCancel(args []string) error {
	fs := flag.NewFlagSet("cancel", flag.ContinueOnError)
	cfgPath := configFlag(fs)
	reason := fs.String("reason", "", "why the run is cancelled")
	if err := fs.Parse(reorder(args)); err != nil {
		return err
	}
	id := fs.Arg(0)
	if id == "" {
		return errors.New("usage: autopack cancel <run-id> [--reason text]")
	}

	a, cleanup, err := openStoreApp(*cfgPath)
	if err != nil {
		return err
	}
	defer cleanup()

	ctx := context.Background()
	if a.queue != nil {
		return publish(ctx, a.queue, messagequeue.SubjectRunCancel, messagequeue.RunCancelPayload{RunID: id, Reason: *reason})
	}
	return a.runs.Cancel(ctx, id, *reason)
}

// openStoreApp wires an app for operator commands. Without Postgres or NATS
// there is no state shared with the process running the plan.
func openStoreApp(cfgPath string) (*app, func(), error) {
	cfg, closer, err := loadConfig(cfgPath)
	if err != nil {
		return nil, nil, err
	}
	if cfg.Postgres.DSN == "" && cfg.NATS.URL == "" {
		closer.Close()
		return nil, nil, errors.New("operator commands need postgres.dsn or nats.url")
	}
	a, err := newApp(context.Background(), cfg)
	if err != nil {
		closer.Close()
		return nil, nil, err
	}
	return a, func() {
		a.Close()
		closer.Close()
	}, nil
}

func publish(ctx context.Context, q messagequeue.Queue, subject string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", subject, err)
	}
	if err := q.Publish(ctx, subject, data); err != nil {
		return err
	}
	slog.Info("published", "subject", subject)
	return nil
}

// reorder moves a leading positional argument behind the flags so
// "approve <id> --resolver x" parses like "approve --resolver x <id>".
func reorder(args []string) []string {
	if len(args) == 0 || len(args[0]) == 0 || args[0][0] == '-' {
		return args
	}
	return append(append([]string(nil), args[1:]...), args[0])
}

// printRun writes a per-phase summary of a finished run.
func printRun(out io.Writer, r *run.Run) {
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintf(w, "run %s: %s", r.ID, r.Status)
	if r.FailureReason != "" {
		_, _ = fmt.Fprintf(w, " (%s)", r.FailureReason)
	}
	_, _ = fmt.Fprintf(w, "\ntokens: %d  phases started: %d\n\n", r.TokensUsed, r.PhasesStarted)
	_, _ = fmt.Fprintln(w, "TIER\tPHASE\tSTATUS\tATTEMPTS\tTOKENS\tREASON")
	for i := range r.Tiers {
		t := &r.Tiers[i]
		for j := range t.Phases {
			p := &t.Phases[j]
			reason := p.FailureReason
			if reason == "" {
				reason = p.NotRunReason
			}
			_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d\t%s\n", t.Name, p.ID, p.Status, p.BuilderAttempts, p.TokensUsed, reason)
		}
	}
	_ = w.Flush()
}
