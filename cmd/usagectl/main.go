// Command usagectl runs the usage maintenance tasks by hand.
//
// Usage:
//
//	usagectl reset daily
//	usagectl reset-user 6f1c... cover_letter
//	usagectl schedule
//	usagectl migrate up
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/careerfolio/portal/internal/config"
	"github.com/careerfolio/portal/internal/database"
	"github.com/careerfolio/portal/internal/governance/usage"
	"github.com/careerfolio/portal/internal/scheduler"
)

// CLI defines the command-line interface.
type CLI struct {
	Reset     ResetCmd     `cmd:"" help:"Run a counter reset or the restriction cleanup now."`
	ResetUser ResetUserCmd `cmd:"" name:"reset-user" help:"Clear today's counters and lift restrictions for one user and feature."`
	Schedule  ScheduleCmd  `cmd:"" help:"Show the maintenance jobs and the next period boundaries."`
	Migrate   MigrateCmd   `cmd:"" help:"Apply, roll back or inspect database migrations."`

	LogLevel string `help:"Log level (debug, info, warn, error)." default:"info"`
}

// env carries what every command needs, bound once in main.
type env struct {
	ctx context.Context
	cfg *config.Config
}

func (e *env) pool() (*pgxpool.Pool, error) {
	return database.NewPostgresPool(e.ctx, e.cfg.DB)
}

// ResetCmd runs one maintenance job.
type ResetCmd struct {
	Job string `arg:"" enum:"daily,weekly,monthly,cleanup" help:"Job to run: daily, weekly, monthly or cleanup."`
}

func (c *ResetCmd) Run(e *env) error {
	pool, err := e.pool()
	if err != nil {
		return err
	}
	defer pool.Close()

	resetSvc := usage.NewResetService(usage.NewRepository(pool), nil)
	sched := scheduler.New(scheduler.DefaultJobs(resetSvc), nil)

	name := scheduler.ResolveJob(c.Job)
	n, err := sched.RunNow(e.ctx, name)
	if err != nil {
		return err
	}
	fmt.Printf("%s: %d rows updated\n", name, n)
	return nil
}

// ResetUserCmd clears one user's counters for one feature.
type ResetUserCmd struct {
	UserID  string `arg:"" name:"user-id" help:"User UUID."`
	Feature string `arg:"" help:"Feature key, e.g. cover_letter."`
}

func (c *ResetUserCmd) Run(e *env) error {
	userID, err := uuid.Parse(c.UserID)
	if err != nil {
		return fmt.Errorf("invalid user id %q: %w", c.UserID, err)
	}
	feature, err := usage.ParseFeature(c.Feature)
	if err != nil {
		return err
	}

	pool, err := e.pool()
	if err != nil {
		return err
	}
	defer pool.Close()

	result, err := usage.NewResetService(usage.NewRepository(pool), nil).ResetUserFeatureCounters(e.ctx, userID, feature)
	if err != nil {
		return err
	}
	fmt.Printf("reset %s for %s: %d records, %d restrictions lifted\n",
		feature, userID, result.Records, result.Restrictions)
	return nil
}

// ScheduleCmd prints the job table. It needs no database.
type ScheduleCmd struct {
	JSON bool `help:"Print as JSON."`
}

func (c *ScheduleCmd) Run(e *env) error {
	now := time.Now().UTC()
	resets := usage.NextResets(now)
	jobs := scheduler.DefaultJobs(noopResetter{})

	if c.JSON {
		type jobInfo struct {
			Name     string    `json:"name"`
			Every    string    `json:"every"`
			FirstRun time.Time `json:"first_run"`
		}
		out := struct {
			NextResets usage.ResetSchedule `json:"next_resets"`
			Jobs       []jobInfo           `json:"jobs"`
		}{NextResets: resets}
		for _, j := range jobs {
			out.Jobs = append(out.Jobs, jobInfo{Name: j.Name, Every: j.Interval.String(), FirstRun: j.FirstRun(now)})
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(out)
	}

	fmt.Printf("next daily reset:   %s\n", resets.Daily.Format(time.RFC3339))
	fmt.Printf("next weekly reset:  %s\n", resets.Weekly.Format(time.RFC3339))
	fmt.Printf("next monthly reset: %s\n", resets.Monthly.Format(time.RFC3339))
	fmt.Println()
	for _, j := range jobs {
		fmt.Printf("%-20s every %-10s first run %s\n", j.Name, j.Interval, j.FirstRun(now).Format(time.RFC3339))
	}
	return nil
}

// noopResetter lets ScheduleCmd build the job table without a database.
type noopResetter struct{}

func (noopResetter) ResetDailyCounters(context.Context) (int64, error)         { return 0, nil }
func (noopResetter) ResetWeeklyCounters(context.Context) (int64, error)        { return 0, nil }
func (noopResetter) ResetMonthlyCounters(context.Context) (int64, error)       { return 0, nil }
func (noopResetter) CleanupExpiredRestrictions(context.Context) (int64, error) { return 0, nil }

// MigrateCmd drives golang-migrate against the configured database.
type MigrateCmd struct {
	Action string `arg:"" enum:"up,down,version" help:"up, down or version."`
	Steps  int    `help:"Number of migrations to roll back with down." default:"1"`
	Path   string `help:"Migrations directory (defaults to MIGRATIONS_PATH)." type:"path"`
}

func (c *MigrateCmd) Run(e *env) error {
	path := c.Path
	if path == "" {
		path = e.cfg.Migrations.Path
	}
	dsn := e.cfg.DB.DSN()

	switch c.Action {
	case "down":
		return database.RollbackMigrations(dsn, path, c.Steps)
	case "version":
		state, err := database.CurrentMigration(dsn, path)
		if err != nil {
			return err
		}
		fmt.Printf("version %d (dirty: %t)\n", state.Version, state.Dirty)
		return nil
	default:
		return database.RunMigrations(dsn, path)
	}
}

func main() {
	var cli CLI
	kctx := kong.Parse(&cli,
		kong.Name("usagectl"),
		kong.Description("Maintenance commands for the AI usage governance core."),
		kong.UsageOnError(),
	)

	setupLogger(cli.LogLevel)

	cfg, err := config.Load()
	kctx.FatalIfErrorf(err)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	err = kctx.Run(&env{ctx: ctx, cfg: cfg})
	kctx.FatalIfErrorf(err)
}

func setupLogger(level string) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})))
}
