package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v6"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/xerrors"

	"github.com/driftboard/driftboard/internal/board"
	"github.com/driftboard/driftboard/internal/boardstore"
	"github.com/driftboard/driftboard/internal/boardstore/memorystore"
	"github.com/driftboard/driftboard/internal/boardstore/pgstore"
	"github.com/driftboard/driftboard/internal/moderation"
)

const defaultPort = 3000

// Config is the entire environment-driven configuration surface, parsed once
// at startup and handed to components explicitly. No ambient lookups after
// that.
type Config struct {
	AdminSecret       string   `env:"ADMIN_SECRET"`
	DatabaseURL       string   `env:"DATABASE_URL"`
	DenyList          []string `env:"DENY_LIST" envSeparator:","`
	ModerationAPIKey  string   `env:"MODERATION_API_KEY"`
	ModerationBaseURL string   `env:"MODERATION_BASE_URL"`
	Port              int      `env:"PORT" envDefault:"3000"`
}

func main() {
	time.Local = time.UTC

	rootCmd := &cobra.Command{
		Use:   "driftboard",
		Short: "Ephemeral anonymous message board server and tools",
		Long: strings.TrimSpace(`
Server and tooling for Driftboard, an ephemeral, anonymous message board.
Posted messages live for ten hours and are then permanently discarded;
senders are identified only by an opaque network address used for rate
limiting.

Running with no arguments starts the server.
			`),
		Example: strings.TrimSpace(`
# start the server listening on $PORT
driftboard serve

# delete expired messages and exit
driftboard purge
		`),
		Run: func(cmd *cobra.Command, args []string) {
			if err := runServe(); err != nil {
				abortErr(err)
			}
		},
	}

	// driftboard serve
	{
		cmd := &cobra.Command{
			Use:   "serve",
			Short: "Start the message board server",
			Long: strings.TrimSpace(fmt.Sprintf(`
Starts the message board server, binding to $PORT, or default to %d. Uses
Postgres when $DATABASE_URL is set, and an in-process memory store otherwise.
			`, defaultPort)),
			Run: func(cmd *cobra.Command, args []string) {
				if err := runServe(); err != nil {
					abortErr(err)
				}
			},
		}
		rootCmd.AddCommand(cmd)
	}

	// driftboard purge
	{
		cmd := &cobra.Command{
			Use:   "purge",
			Short: "Delete expired messages and exit",
			Long: strings.TrimSpace(`
Runs a single sweep deleting every message past its expiry, then exits.
Ordinary reads purge on their own; this exists for operators who want an
explicit sweep, like after restoring a database backup. Requires
$DATABASE_URL since a memory store has nothing durable to purge.
			`),
			Run: func(cmd *cobra.Command, args []string) {
				if err := runPurge(); err != nil {
					abortErr(err)
				}
			},
		}
		rootCmd.AddCommand(cmd)
	}

	if err := rootCmd.Execute(); err != nil {
		abortErr(err)
	}
}

func abort(format string, a ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", a...)
	os.Exit(1)
}

func abortErr(err error) {
	abort("error: %v", err)
}

func parseConfig() (*Config, error) {
	config := Config{}
	if err := env.Parse(&config); err != nil {
		return nil, xerrors.Errorf("error parsing env config: %w", err)
	}
	return &config, nil
}

func runServe() error {
	ctx := context.Background()
	logger := logrus.New()

	config, err := parseConfig()
	if err != nil {
		return err
	}

	var (
		reapLoop func(context.Context, <-chan struct{})
		store    boardstore.Store
	)
	if config.DatabaseURL == "" {
		logger.Warn("DATABASE_URL not set; using in-memory store (messages won't survive restarts)")
		memStore := memorystore.NewMemoryStore(logger)
		reapLoop, store = memStore.ReapLoop, memStore
	} else {
		pgStore, err := pgstore.NewPGStore(ctx, logger, config.DatabaseURL)
		if err != nil {
			return err
		}
		defer pgStore.Close()

		if err := pgStore.Migrate(ctx); err != nil {
			return err
		}

		reapLoop, store = pgStore.ReapLoop, pgStore
	}

	var gate moderation.Gate
	if config.ModerationAPIKey == "" {
		logger.Warn("MODERATION_API_KEY not set; moderation gate disabled and all content accepted")
		gate = moderation.GateFunc(func(ctx context.Context, text string) (bool, error) {
			return false, nil
		})
	} else {
		gate = moderation.NewClient(config.ModerationAPIKey, config.ModerationBaseURL)
	}

	if config.AdminSecret == "" {
		logger.Warn("ADMIN_SECRET not set; admin export will refuse all requests")
	}

	denyList := NewMemoryDenyList(config.DenyList)
	if addrs := denyList.Addresses(); len(addrs) > 0 {
		logger.Infof("Denying sends from %d address(es)", len(addrs))
	}

	shutdown := make(chan struct{})
	defer close(shutdown)
	go reapLoop(ctx, shutdown)

	service := board.NewService(logger, store, gate, denyList)

	server := NewServer(logger, service, config.AdminSecret, config.Port)
	if err := server.Start(); err != nil {
		return err
	}

	return nil
}

func runPurge() error {
	ctx := context.Background()
	logger := logrus.New()

	config, err := parseConfig()
	if err != nil {
		return err
	}

	if config.DatabaseURL == "" {
		return xerrors.New("purge requires DATABASE_URL to be set")
	}

	store, err := pgstore.NewPGStore(ctx, logger, config.DatabaseURL)
	if err != nil {
		return err
	}
	defer store.Close()

	numPurged, err := store.PurgeExpired(ctx)
	if err != nil {
		return err
	}

	fmt.Printf("Purged %d expired message(s)\n", numPurged)

	return nil
}
