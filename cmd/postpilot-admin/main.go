// Command postpilot-admin provides operational maintenance commands:
// migrations, stuck-post resolution, scheduler checks, queue stats, and
// credential management.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"text/tabwriter"
	"time"

	"github.com/postpilot/postpilot/config"
	"github.com/postpilot/postpilot/internal/bootstrap"
	"github.com/postpilot/postpilot/internal/domain/model"
)

type commandFn func(ctx *commandContext, args []string) error

type command struct {
	name        string
	description string
	run         commandFn
}

type commandContext struct {
	Ctx    context.Context
	Logger *slog.Logger
	Config config.AppConfig
}

const commandTimeout = 5 * time.Minute

func main() {
	logger := bootstrap.InitLogger()

	if len(os.Args) < 2 {
		printUsage()
		os.Exit(2) //nolint:forbidigo // CLI must exit with failure status when no command is provided
	}

	cmdName := os.Args[1]
	cmd, ok := commands()[cmdName]
	if !ok {
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n", cmdName)
		printUsage()
		os.Exit(2) //nolint:forbidigo // CLI must exit with failure status when command is unknown
	}

	cfg, err := bootstrap.LoadConfig()
	if err != nil {
		logger.Error("load config", "error", err)
		os.Exit(1) //nolint:forbidigo // CLI must signal configuration load failure to shell scripts
	}

	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()

	cmdCtx := &commandContext{
		Ctx:    ctx,
		Logger: logger,
		Config: cfg,
	}
	if runErr := cmd.run(cmdCtx, os.Args[2:]); runErr != nil {
		logger.ErrorContext(ctx, "command failed", "command", cmdName, "error", runErr)
		os.Exit(1) //nolint:forbidigo // CLI must propagate command execution failure to callers
	}
}

func commands() map[string]command {
	return map[string]command{
		"migrate": {
			name:        "migrate",
			description: "Run database migrations",
			run:         runMigrate,
		},
		"fix-stuck": {
			name:        "fix-stuck",
			description: "Resolve posts stuck in publishing status",
			run:         runFixStuck,
		},
		"check-now": {
			name:        "check-now",
			description: "Enqueue an immediate scheduler check",
			run:         runCheckNow,
		},
		"stats": {
			name:        "stats",
			description: "Print job queue statistics",
			run:         runStats,
		},
		"set-credential": {
			name:        "set-credential",
			description: "Upsert the Threads credential used for publishing",
			run:         runSetCredential,
		},
	}
}

func printUsage() {
	w := tabwriter.NewWriter(os.Stderr, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "usage: postpilot-admin <command> [flags]")
	fmt.Fprintln(w)
	for _, cmd := range commands() {
		fmt.Fprintf(w, "  %s\t%s\n", cmd.name, cmd.description)
	}
	_ = w.Flush()
}

// withServices connects infrastructure, builds the service container, and
// tears everything down after fn returns.
func withServices(cmdCtx *commandContext, fn func(svc bootstrap.ServiceContainer) error) error {
	dbCfg := bootstrap.DatabaseConfig{
		DatabaseURL: cmdCtx.Config.DatabaseURL,
		DBConfig:    cmdCtx.Config.Postgres,
		RedisConfig: cmdCtx.Config.Redis,
		Logger:      cmdCtx.Logger,
	}

	db, err := bootstrap.ConnectDB(dbCfg)
	if err != nil {
		return fmt.Errorf("connect db: %w", err)
	}
	defer closeQuietly(db, "database", cmdCtx.Logger)

	redisClient, err := bootstrap.ConnectRedis(dbCfg)
	if err != nil {
		return fmt.Errorf("connect redis: %w", err)
	}
	defer closeQuietly(redisClient, "redis", cmdCtx.Logger)

	svc, err := bootstrap.NewServices(&bootstrap.ServiceDeps{
		Config:      &cmdCtx.Config,
		DB:          db,
		RedisClient: redisClient,
		Logger:      cmdCtx.Logger,
	})
	if err != nil {
		return err
	}

	return fn(svc)
}

func closeQuietly(c io.Closer, name string, logger *slog.Logger) {
	if err := c.Close(); err != nil {
		logger.Warn("close "+name+" failed", "error", err)
	}
}

func runMigrate(cmdCtx *commandContext, _ []string) error {
	db, err := bootstrap.ConnectDB(bootstrap.DatabaseConfig{
		DatabaseURL: cmdCtx.Config.DatabaseURL,
		DBConfig:    cmdCtx.Config.Postgres,
		Logger:      cmdCtx.Logger,
	})
	if err != nil {
		return fmt.Errorf("connect db: %w", err)
	}
	defer closeQuietly(db, "database", cmdCtx.Logger)

	return bootstrap.RunMigrations(cmdCtx.Ctx, db, cmdCtx.Logger)
}

func runFixStuck(cmdCtx *commandContext, _ []string) error {
	return withServices(cmdCtx, func(svc bootstrap.ServiceContainer) error {
		fixed, err := svc.Posts.FixStuckPosts(cmdCtx.Ctx)
		if err != nil {
			return err
		}
		fmt.Printf("resolved %d stuck post(s)\n", fixed)
		return nil
	})
}

func runCheckNow(cmdCtx *commandContext, _ []string) error {
	return withServices(cmdCtx, func(svc bootstrap.ServiceContainer) error {
		if err := svc.Scheduler.ScheduleImmediateCheck(cmdCtx.Ctx); err != nil {
			return err
		}
		fmt.Println("immediate scheduler check enqueued")
		return nil
	})
}

func runStats(cmdCtx *commandContext, _ []string) error {
	return withServices(cmdCtx, func(svc bootstrap.ServiceContainer) error {
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "TYPE\tPENDING\tRUNNING\tCOMPLETED\tFAILED")
		for _, jt := range []model.JobType{model.JobTypePublish, model.JobTypeSchedulerTick} {
			stats, err := svc.Queue.Stats(cmdCtx.Ctx, jt)
			if err != nil {
				return fmt.Errorf("stats for %s: %w", jt, err)
			}
			fmt.Fprintf(w, "%s\t%d\t%d\t%d\t%d\n",
				jt, stats.Pending, stats.Running, stats.Completed, stats.Failed)
		}
		return w.Flush()
	})
}

func runSetCredential(cmdCtx *commandContext, args []string) error {
	fs := flag.NewFlagSet("set-credential", flag.ContinueOnError)
	userID := fs.String("user-id", "", "Threads platform user ID (required)")
	token := fs.String("token", "", "Threads access token (required)")
	expires := fs.String("expires", "", "token expiry as RFC 3339, empty for non-expiring")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *userID == "" || *token == "" {
		return fmt.Errorf("both -user-id and -token are required")
	}

	cred := &model.Credential{
		PlatformUserID: *userID,
		AccessToken:    *token,
	}
	if *expires != "" {
		t, err := time.Parse(time.RFC3339, *expires)
		if err != nil {
			return fmt.Errorf("parse -expires: %w", err)
		}
		cred.ExpiresAt = &t
	}

	return withServices(cmdCtx, func(svc bootstrap.ServiceContainer) error {
		saved, err := svc.Credentials.Upsert(cmdCtx.Ctx, cred)
		if err != nil {
			return err
		}
		fmt.Printf("credential %s stored for user %s\n", saved.ID, saved.PlatformUserID)
		return nil
	})
}
