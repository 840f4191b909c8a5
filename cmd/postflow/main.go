package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	_ "time/tzdata"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"postflow/internal/audit"
	"postflow/internal/config"
	"postflow/internal/content"
	"postflow/internal/credential"
	"postflow/internal/logging"
	"postflow/internal/queue"
	"postflow/internal/storage"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// app holds what every command needs once config is resolved.
type app struct {
	cfg      config.Config
	log      zerolog.Logger
	db       *sql.DB
	queue    *queue.SQLiteRepo
	content  *content.Registry
	creds    *credential.Store
	activity *audit.ActivityLog
}

type appKey struct{}

func newRootCmd() *cobra.Command {
	var envFiles []string
	root := &cobra.Command{
		Use:           "postflow",
		Short:         "Scheduled multi-platform video publishing",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(envFiles...)
			if err != nil {
				return err
			}
			if err := cfg.ApplyFlags(cmd.Flags()); err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("config: %w", err)
			}
			a, err := openApp(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			cmd.SetContext(context.WithValue(cmd.Context(), appKey{}, a))
			return nil
		},
		PersistentPostRunE: func(cmd *cobra.Command, _ []string) error {
			if a, ok := cmd.Context().Value(appKey{}).(*app); ok {
				return a.db.Close()
			}
			return nil
		},
	}
	root.CompletionOptions.DisableDefaultCmd = true
	root.PersistentFlags().StringSliceVar(&envFiles, "env-file", []string{".env"}, "dotenv files to load, first wins")
	config.RegisterFlags(root.PersistentFlags())

	root.AddCommand(
		newServeCmd(),
		newScanCmd(),
		newEnqueueCmd(),
		newRequeueCmd(),
		newSkipCmd(),
		newRemoveCmd(),
		newQueueCmd(),
		newAttemptsCmd(),
		newStatsCmd(),
		newActivityCmd(),
		newScheduleCmd(),
		newFolderCmd(),
		newContentCmd(),
		newCredentialCmd(),
	)
	return root
}

func openApp(ctx context.Context, cfg config.Config) (*app, error) {
	logger := logging.New(cfg.LogLevel, cfg.LogFormat)
	db, err := storage.Open(ctx, cfg.DB)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	for _, ensure := range []func(*sql.DB) error{
		queue.EnsureSchema, content.EnsureSchema, credential.EnsureSchema, audit.EnsureSchema,
	} {
		if err := ensure(db); err != nil {
			db.Close()
			return nil, fmt.Errorf("ensure schema: %w", err)
		}
	}
	return &app{
		cfg:      cfg,
		log:      logger,
		db:       db,
		queue:    queue.NewSQLiteRepo(db),
		content:  content.NewRegistry(db),
		creds:    credential.NewStore(db),
		activity: audit.NewActivityLog(db),
	}, nil
}

func appFrom(cmd *cobra.Command) *app {
	return cmd.Context().Value(appKey{}).(*app)
}

// sink is what admin commands record to: the activity table and the log.
func (a *app) sink() audit.Sink {
	return audit.Multi{a.activity, audit.NewLogSink(a.log)}
}
