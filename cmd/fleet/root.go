package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"sync/atomic"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/xela07ax/spaceai-agent-fleet/internal/console/service"
	"github.com/xela07ax/spaceai-agent-fleet/internal/domain"
	"github.com/xela07ax/spaceai-agent-fleet/internal/infra"
	"github.com/xela07ax/spaceai-agent-fleet/internal/repository/postgres"
	"go.uber.org/zap"
)

// env — то, что общие флаги и конфиг дают каждой команде.
type env struct {
	inMemory bool
	cfg      *infra.Config
	logger   *zap.Logger

	// live — запущенный serve, получает hot reload конфига
	live atomic.Pointer[fleet]
}

func newRootCommand() *cobra.Command {
	e := &env{}
	root := &cobra.Command{
		Use:          "fleet",
		Short:        "Agent fleet control plane: credentials, actions, orchestration, deployments",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return e.load()
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if e.logger != nil {
				_ = e.logger.Sync()
			}
		},
	}
	root.PersistentFlags().BoolVar(&e.inMemory, "memory", false, "use in-memory storage instead of Postgres and Redis")

	root.AddCommand(newServeCommand(e))
	root.AddCommand(newProcessCommand(e))
	root.AddCommand(newSweepCommand(e))
	root.AddCommand(newMigrateCommand(e))
	root.AddCommand(newUserAddCommand(e))
	return root
}

func (e *env) load() error {
	cfg, err := infra.LoadConfig(e.reload)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	logger, err := infra.NewLogger(cfg.Logger)
	if err != nil {
		return err
	}
	e.cfg, e.logger = cfg, logger.Named("fleet")
	return nil
}

func (e *env) reload(next *infra.Config) {
	if f := e.live.Load(); f != nil {
		f.reload(next)
	}
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func newServeCommand(e *env) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the console API, scheduler and queue trigger listener",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext()
			defer cancel()

			f, err := newFleet(ctx, e.cfg, e.inMemory, e.logger)
			if err != nil {
				return err
			}
			defer f.Close()

			e.live.Store(f)
			defer e.live.Store(nil)
			return f.serve(ctx)
		},
	}
}

func newProcessCommand(e *env) *cobra.Command {
	var workspaceID string
	cmd := &cobra.Command{
		Use:   "process",
		Short: "Process one batch of pending orchestration tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext()
			defer cancel()

			f, err := newFleet(ctx, e.cfg, e.inMemory, e.logger)
			if err != nil {
				return err
			}
			defer f.Close()

			res, err := f.queue.ProcessPending(ctx, workspaceID)
			if err != nil {
				return err
			}
			e.logger.Info("batch processed",
				zap.String("workspace_id", workspaceID),
				zap.Int("claimed", res.Claimed),
				zap.Int("completed", res.Completed),
				zap.Int("failed", res.Failed),
				zap.Int("requeued", res.Requeued),
				zap.Int("skipped", res.Skipped))
			return nil
		},
	}
	cmd.Flags().StringVar(&workspaceID, "workspace", "", "limit the batch to one workspace id")
	return cmd
}

func newSweepCommand(e *env) *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Re-validate the credentials of every active workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext()
			defer cancel()

			f, err := newFleet(ctx, e.cfg, e.inMemory, e.logger)
			if err != nil {
				return err
			}
			defer f.Close()
			return f.sweepAll(ctx)
		},
	}
}

func newMigrateCommand(e *env) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the Postgres schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			if e.inMemory {
				return errors.New("migrate: nothing to migrate with --memory")
			}
			ctx, cancel := signalContext()
			defer cancel()

			store, err := postgres.Connect(ctx, e.cfg.Database)
			if err != nil {
				return err
			}
			defer store.Close()
			if err := store.Migrate(ctx); err != nil {
				return err
			}
			e.logger.Info("schema applied")
			return nil
		},
	}
}

func newUserAddCommand(e *env) *cobra.Command {
	var (
		username string
		password string
		scopes   string
		admin    bool
	)
	cmd := &cobra.Command{
		Use:   "useradd",
		Short: "Create a console operator or chat gateway service account",
		RunE: func(cmd *cobra.Command, args []string) error {
			if e.inMemory {
				return errors.New("useradd: operators created with --memory would be lost on exit")
			}
			if password == "" {
				password = os.Getenv("FLEET_USER_PASSWORD")
			}
			ctx, cancel := signalContext()
			defer cancel()

			store, err := postgres.Connect(ctx, e.cfg.Database)
			if err != nil {
				return err
			}
			defer store.Close()

			list := splitScopes(scopes)
			if admin {
				list = append(list, domain.ScopeAdmin)
			}
			svc := service.NewAuthService(store, nil, e.logger)
			if e.cfg.Actions.BcryptCost > 0 {
				svc = svc.WithCost(e.cfg.Actions.BcryptCost)
			}
			user, err := svc.CreateOperator(ctx, username, password, list)
			if err != nil {
				return err
			}
			e.logger.Info("operator created", zap.String("user_id", user.ID), zap.String("username", user.Username))
			return nil
		},
	}
	cmd.Flags().StringVar(&username, "username", "", "login name")
	cmd.Flags().StringVar(&password, "password", "", "password (defaults to $FLEET_USER_PASSWORD)")
	cmd.Flags().StringVar(&scopes, "scopes", "", "comma separated scopes")
	cmd.Flags().BoolVar(&admin, "admin", false, "grant the admin scope")
	_ = cmd.MarkFlagRequired("username")
	return cmd
}

func splitScopes(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
