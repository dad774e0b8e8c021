package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"

	"github.com/cropalert/backend/internal/app"
	"github.com/cropalert/backend/internal/config"
	"github.com/cropalert/backend/internal/database"
	"github.com/cropalert/backend/internal/logger"
	"github.com/cropalert/backend/internal/service"
)

func setup() (*config.Config, *slog.Logger) {
	cfg := config.Load()
	// Logs go to stderr so --json output stays machine readable.
	return cfg, logger.SetupWriter(os.Stderr, cfg.Env, cfg.LogLevel)
}

func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	if parent == nil {
		parent = context.Background()
	}
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}

func runOnce(parent context.Context) error {
	cfg, log := setup()
	ctx, stop := signalContext(parent)
	defer stop()

	a, err := app.New(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer func() { _ = a.Close() }()

	report, err := a.Scheduler.RunNow(ctx)
	if err != nil {
		return err
	}

	if jsonOutput {
		return printJSON(os.Stdout, report)
	}
	printReport(os.Stdout, report)
	return nil
}

func runTestSend(parent context.Context, rawID string, real bool) error {
	id, err := uuid.Parse(rawID)
	if err != nil {
		return fmt.Errorf("invalid subscription id %q", rawID)
	}

	cfg, log := setup()
	ctx, stop := signalContext(parent)
	defer stop()

	a, err := app.New(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer func() { _ = a.Close() }()

	out, err := a.Runner.TestSend(ctx, id, real)
	if err != nil {
		return err
	}

	if jsonOutput {
		return printJSON(os.Stdout, out)
	}
	printOutcomes(os.Stdout, []service.SubscriptionOutcome{*out})
	return nil
}

func runMigrate() error {
	cfg, log := setup()
	return database.Migrate(app.DatabaseURL(cfg), log)
}

func runToken(rawUser string, admin bool, rawTTL string) error {
	userID := uuid.New()
	if rawUser != "" {
		parsed, err := uuid.Parse(rawUser)
		if err != nil {
			return fmt.Errorf("invalid user id %q", rawUser)
		}
		userID = parsed
	}

	ttl, err := time.ParseDuration(rawTTL)
	if err != nil {
		return fmt.Errorf("invalid ttl: %w", err)
	}

	role := service.RoleUser
	if admin {
		role = service.RoleAdmin
	}

	token, err := service.GenerateToken(userID, role, ttl)
	if err != nil {
		return err
	}

	if jsonOutput {
		return printJSON(os.Stdout, map[string]string{"userId": userID.String(), "role": role, "token": token})
	}
	fmt.Println(token)
	return nil
}

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printReport(w io.Writer, report *service.RunReport) {
	fmt.Fprintf(w, "run %s: %d subscriptions in %d price groups, %s\n",
		report.RunID, report.Subscriptions, report.Groups, report.Duration().Round(time.Millisecond))

	statuses := make([]string, 0, len(report.Counts))
	for status := range report.Counts {
		statuses = append(statuses, string(status))
	}
	sort.Strings(statuses)
	for _, s := range statuses {
		fmt.Fprintf(w, "  %-14s %d\n", s, report.Counts[service.OutcomeStatus(s)])
	}

	printOutcomes(w, report.Outcomes)
}

func printOutcomes(w io.Writer, outcomes []service.SubscriptionOutcome) {
	if len(outcomes) == 0 {
		return
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "\nSUBSCRIPTION\tKIND\tSTATUS\tREASON\tPRICE\tCHANNELS\tERROR")
	for _, o := range outcomes {
		price := "-"
		if o.Price != nil {
			price = o.Price.StringFixed(2)
		}
		channels := ""
		for i, c := range o.Channels {
			if i > 0 {
				channels += ","
			}
			channels += fmt.Sprintf("%s:%s", c.Channel, c.Result)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			o.SubscriptionID, o.Kind, o.Status, o.Reason, price, channels, o.Error)
	}
	_ = tw.Flush()
}
