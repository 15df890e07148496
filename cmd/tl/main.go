// tl is the tasklane command-line client and server binary.
//
// Commands operate directly on the configured store; `tl serve` runs the
// HTTP API for everything else.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/tasklane/tasklane/internal/config"
	"github.com/tasklane/tasklane/internal/storage"
	"github.com/tasklane/tasklane/internal/storage/memory"
	"github.com/tasklane/tasklane/internal/storage/mysql"
	"github.com/tasklane/tasklane/internal/types"
)

var (
	cfgPath    string
	actorFlag  string
	groupsFlag string
	jsonOutput bool
	verbose    bool

	cfg      *config.Config
	loader   *config.Loader
	logger   *slog.Logger
	logLevel = new(slog.LevelVar)

	rootCtx    context.Context
	rootCancel context.CancelFunc
)

var rootCmd = &cobra.Command{
	Use:   "tl",
	Short: "Task lifecycle tracker",
	Long: `tl tracks tasks through a fixed five-stage lifecycle:
Open -> To-Do -> Doing -> Done -> Closed.

Every state change is permission-checked against the owning application's
permit sets and recorded in the task's append-only note log.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, loader, err = config.Load(cfgPath)
		if err != nil {
			return err
		}

		level, err := config.ParseLevel(cfg.LogLevel)
		if err != nil {
			return err
		}
		if verbose {
			level = slog.LevelDebug
		}
		logLevel.Set(level)
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel}))
		slog.SetDefault(logger)
		return nil
	},
}

// openStore builds the configured storage backend. The caller owns Close.
func openStore(ctx context.Context) (storage.Storage, error) {
	switch cfg.Database.Driver {
	case "memory":
		return memory.New(), nil
	case "mysql":
		return mysql.Open(ctx, mysqlConfig(cfg.Database))
	}
	return nil, fmt.Errorf("unknown database driver %q", cfg.Database.Driver)
}

func mysqlConfig(db config.Database) mysql.Config {
	return mysql.Config{
		Host:     db.Host,
		Port:     db.Port,
		User:     db.User,
		Password: db.Password,
		Database: db.Name,
		TLS:      db.TLS,
	}
}

// principal resolves the acting identity for CLI commands: --actor, then
// $TL_ACTOR, then $USER. Groups come from --groups; without the flag the
// command runs with no memberships and most mutations will be forbidden.
func principal() (types.Principal, error) {
	actor := actorFlag
	if actor == "" {
		actor = os.Getenv("TL_ACTOR")
	}
	if actor == "" {
		actor = os.Getenv("USER")
	}
	if actor == "" {
		return types.Principal{}, fmt.Errorf("no actor: set --actor or $TL_ACTOR")
	}

	var groups []string
	for _, g := range strings.Split(groupsFlag, ",") {
		if g = strings.TrimSpace(g); g != "" {
			groups = append(groups, g)
		}
	}
	return types.Principal{Username: actor, Groups: groups}, nil
}

func outputJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgPath, "config", "", "Config file path (default: built-in defaults + TL_* env)")
	rootCmd.PersistentFlags().StringVar(&actorFlag, "actor", "", "Actor name for permission checks and the audit trail (default: $TL_ACTOR, $USER)")
	rootCmd.PersistentFlags().StringVar(&groupsFlag, "groups", "", "Comma-separated group memberships for the actor")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "Output in JSON format")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug output")
}

func main() {
	rootCtx, rootCancel = signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer rootCancel()

	if err := rootCmd.ExecuteContext(rootCtx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
