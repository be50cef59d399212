package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strings"

	taskflow "github.com/UniQw/taskflow-go"
	"github.com/UniQw/taskflow-go/internal/config"
	"github.com/UniQw/taskflow-go/redisstore"
	"github.com/UniQw/taskflow-go/sqlitestore"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
)

// app carries what every subcommand needs once flags and config are resolved.
type app struct {
	settings *config.Settings
	log      *slog.Logger
}

// store is what both backends provide.
type store interface {
	taskflow.EventLog
	taskflow.TaskRepository
	Trim(ctx context.Context) (int, error)
}

func newRootCmd() *cobra.Command {
	a := &app{}
	var cfgFile string

	root := &cobra.Command{
		Use:   "taskflow",
		Short: "Durable, resumable task execution",
		Long: `taskflow runs tasks with a write-ahead event log, live event streams,
admission control, retries and crash recovery.

Configuration comes from defaults, an optional YAML file (--config) and
TASKFLOW_ environment variables, e.g. TASKFLOW_STORE_BACKEND=sqlite.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			v := config.New()
			if err := v.BindPFlag("store.backend", cmd.Root().PersistentFlags().Lookup("store")); err != nil {
				return err
			}
			if err := v.BindPFlag("log.level", cmd.Root().PersistentFlags().Lookup("log-level")); err != nil {
				return err
			}
			if cfgFile != "" {
				v.SetConfigFile(cfgFile)
				if err := v.ReadInConfig(); err != nil {
					return fmt.Errorf("read config %s: %w", cfgFile, err)
				}
			}
			s, err := config.FromViper(v)
			if err != nil {
				return err
			}
			a.settings = s
			a.log = newLogger(cmd.ErrOrStderr(), s.Log)
			return nil
		},
	}

	root.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file (YAML)")
	root.PersistentFlags().String("store", "", "storage backend: redis or sqlite")
	root.PersistentFlags().String("log-level", "", "log level: debug, info, warn or error")

	root.AddCommand(
		newServeCmd(a),
		newRunCmd(a),
		newRecoverCmd(a),
		newReplayCmd(a),
		newWALCmd(a),
	)
	return root
}

func newLogger(w io.Writer, cfg config.LogConfig) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "text" {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}

// openStore opens the configured backend. The returned func closes it.
func (a *app) openStore(ctx context.Context) (store, func(), error) {
	sc := a.settings.Store
	switch sc.Backend {
	case "sqlite":
		s, err := sqlitestore.Open(ctx, sc.SQLite.Path)
		if err != nil {
			return nil, nil, err
		}
		return s, func() { _ = s.Close() }, nil
	default:
		rdb := redis.NewClient(&redis.Options{Addr: sc.Redis.Addr, Password: sc.Redis.Password, DB: sc.Redis.DB})
		s := redisstore.New(rdb, redisstore.WithNamespace(sc.Redis.Namespace))
		if err := s.HealthCheck(ctx); err != nil {
			_ = rdb.Close()
			return nil, nil, err
		}
		return s, func() { _ = rdb.Close() }, nil
	}
}

// newEngine builds an engine with the demo handlers over st.
func (a *app) newEngine(st store, opts ...taskflow.EngineOption) (*taskflow.Engine, error) {
	l := taskflow.NewSlogLogger(a.log)
	reg, err := demoRegistry(l)
	if err != nil {
		return nil, err
	}
	opts = append([]taskflow.EngineOption{taskflow.WithAutoDeadLetter()}, opts...)
	return taskflow.NewEngine(a.settings.Engine, reg, l, st, opts...)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
