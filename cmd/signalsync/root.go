package main

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/signalcast/signalsync/internal/config"
	"github.com/signalcast/signalsync/internal/logging"
	"github.com/signalcast/signalsync/internal/syncengine/coordinator"
	"github.com/signalcast/signalsync/internal/syncengine/db"
	"github.com/signalcast/signalsync/internal/syncengine/realtime"
	"github.com/signalcast/signalsync/internal/syncengine/remote"
)

// flagKeys maps command-line flags onto configuration keys.
var flagKeys = map[string]string{
	"db":            "store.path",
	"backend":       "backend.url",
	"log-file":      "log.file",
	"dashboard":     "dashboard.enabled",
	"port":          "dashboard.port",
	"activity-file": "host.activity_file",
}

// app holds the state shared by every command.
type app struct {
	configFile string
	envFile    string
	verbose    bool

	cfg  *config.Config
	logs *logging.Sink
}

func newRootCommand() *cobra.Command {
	a := &app{}

	cmd := &cobra.Command{
		Use:   "signalsync",
		Short: "Publish and answer signals, online or off",
		Long: `signalsync keeps a local store of signals and responses and
synchronizes it with the signal backend.

Every change is written locally first. The daemon pushes pending work as
soon as the backend is reachable and applies changes pushed by the backend.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.load(cmd)
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if a.logs != nil {
				_ = a.logs.Close()
			}
		},
	}

	cmd.AddGroup(
		&cobra.Group{ID: "sync", Title: "Sync:"},
		&cobra.Group{ID: "signals", Title: "Signals:"},
		&cobra.Group{ID: "maint", Title: "Maintenance:"},
	)

	flags := cmd.PersistentFlags()
	flags.StringVar(&a.configFile, "config", "", "config file (default $XDG_CONFIG_HOME/signalsync/config.yaml)")
	flags.StringVar(&a.envFile, "env-file", ".env", "dotenv file loaded before the environment")
	flags.String("db", "", "local store path")
	flags.String("backend", "", "backend URL")
	flags.String("log-file", "", "write logs to a rotating file")
	flags.BoolVarP(&a.verbose, "verbose", "v", false, "log engine activity to stderr")

	cmd.AddCommand(
		newDaemonCommand(a),
		newSyncCommand(a),
		newStatusCommand(a),
		newLoginCommand(a),
		newLogoutCommand(a),
		newSignalCommand(a),
		newRespondCommand(a),
		newLabelCommand(a),
		newLoadtestCommand(a),
		newExportCommand(a),
		newImportCommand(a),
	)
	return cmd
}

// load reads the configuration and opens the log sink.
func (a *app) load(cmd *cobra.Command) error {
	cfg, err := config.Load(config.Options{
		ConfigFile: a.configFile,
		EnvFile:    a.envFile,
		Bind: func(v *viper.Viper) error {
			for name, key := range flagKeys {
				if f := cmd.Flags().Lookup(name); f != nil {
					if err := v.BindPFlag(key, f); err != nil {
						return err
					}
				}
			}
			return nil
		},
	})
	if err != nil {
		return err
	}
	a.cfg = cfg

	// One-shot commands stay quiet unless asked; the daemon always logs.
	daemonCmd := cmd.Name() == "daemon"
	if cfg.Log.File == "" && !a.verbose && !daemonCmd {
		a.logs = logging.Discard()
		return nil
	}
	a.logs, err = logging.Open(logging.Options{
		File:       cfg.Log.File,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAgeDays: cfg.Log.MaxAgeDays,
		Stderr:     a.verbose || daemonCmd,
	})
	return err
}

func (a *app) logger(component string) *log.Logger {
	return a.logs.Logger(component)
}

// openStore opens and migrates the local store.
func (a *app) openStore(ctx context.Context) (*db.DB, error) {
	store, err := db.Open(a.cfg.Store.Path)
	if err != nil {
		return nil, err
	}
	if err := store.InitSchemaContext(ctx); err != nil {
		_ = store.Close()
		return nil, err
	}
	return store, nil
}

// engine is a coordinator without background loops, for one-shot commands.
type engine struct {
	store  *db.DB
	remote *remote.Client
	coord  *coordinator.Coordinator
}

// openEngine opens the store, builds a coordinator and restores the saved
// login. The realtime channel is never opened.
func (a *app) openEngine(ctx context.Context) (*engine, error) {
	if err := a.cfg.RequireBackend(); err != nil {
		return nil, err
	}
	store, err := a.openStore(ctx)
	if err != nil {
		return nil, err
	}

	client, err := remote.New(&remote.Config{
		BaseURL: a.cfg.Backend.URL,
		Timeout: a.cfg.Backend.Timeout,
	})
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	coord, err := coordinator.New(&coordinator.Config{
		Store:   store,
		Remote:  client,
		Channel: realtime.New(&realtime.Config{URL: a.cfg.RealtimeEndpoint(), Logger: a.logger("realtime")}),
		Logger:  a.logger("coordinator"),
	})
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	if _, err := coord.RestoreSession(ctx); err != nil {
		_ = store.Close()
		return nil, err
	}

	return &engine{store: store, remote: client, coord: coord}, nil
}

func (e *engine) Close() {
	e.coord.Shutdown()
	_ = e.store.Close()
}

// syncAfter pushes a local change right away. Failing to reach the backend
// is not an error: the change stays pending for the next sync.
func (e *engine) syncAfter(ctx context.Context, cmd *cobra.Command) {
	out := cmd.OutOrStdout()
	if e.coord.Identity() == nil {
		fmt.Fprintln(out, "Stored locally. Log in to sync it.")
		return
	}

	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	report, err := e.coord.RunSync(ctx)
	if err != nil {
		fmt.Fprintf(out, "Stored locally; sync deferred: %v\n", err)
		return
	}
	if report.SignalsDeferred > 0 {
		fmt.Fprintln(out, "Stored locally; the backend is unreachable, it will be pushed later.")
	}
}
