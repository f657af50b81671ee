// Package cmd defines and implements the CLI commands for the harvester executable.
package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/map-harvester/internal/api"
	"github.com/JakeFAU/map-harvester/internal/config"
	"github.com/JakeFAU/map-harvester/internal/coordinator"
	"github.com/JakeFAU/map-harvester/internal/dispatcher"
	"github.com/JakeFAU/map-harvester/internal/server"
)

// appKeyType is the key for storing the App in the context.
type appKeyType string

const appKey appKeyType = "app"

const closeTimeout = 30 * time.Second

// Runs is what the commands drive: the API surface plus waiting on a local
// dispatcher.
type Runs interface {
	api.Runs
	Wait(ctx context.Context, runID string) (dispatcher.Summary, error)
}

var _ Runs = (*coordinator.Coordinator)(nil)

// App defines the application interface that commands use. Tests inject a
// fake through newApp.
type App interface {
	Runs() Runs
	Config() config.Config
	Serve(ctx context.Context) error
	Close(ctx context.Context) error
}

type serverApp struct {
	*server.App
	cfg config.Config
}

func (a serverApp) Runs() Runs                      { return a.Coordinator() }
func (a serverApp) Config() config.Config           { return a.cfg }
func (a serverApp) Serve(ctx context.Context) error { return a.Run(ctx) }

// newApp is the application factory. It's a variable so tests can replace it.
var newApp = func(ctx context.Context, cfg config.Config) (App, error) {
	app, err := server.Build(ctx, &cfg)
	if err != nil {
		return nil, err
	}
	return serverApp{App: app, cfg: cfg}, nil
}

// appHolder closes the app exactly once, whether or not the command failed.
type appHolder struct {
	once sync.Once
	app  App
}

func (h *appHolder) close() error {
	var err error
	h.once.Do(func() {
		if h.app == nil {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
		defer cancel()
		err = h.app.Close(ctx)
	})
	return err
}

// newRootCmd creates and configures the root command.
func newRootCmd(holder *appHolder) *cobra.Command {
	var cfgFile string
	cmd := &cobra.Command{
		Use:   "harvester",
		Short: "Resumable map-data harvesting over a city x request x category matrix.",
		Long: `harvester enumerates every (city, request, category) combination of a
matrix into a durable progress store, fetches each one from the map provider
under a global rate limit, and commits deduplicated listings. Runs survive
crashes and restarts and can be resumed, cancelled, retried, and exported.`,
		SilenceUsage: true,

		// Builds the application once flags are parsed and hands it to the
		// subcommand through the context.
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return err
			}
			appInstance, err := newApp(cmd.Context(), cfg)
			if err != nil {
				return fmt.Errorf("failed to initialize application services: %w", err)
			}
			holder.app = appInstance
			cmd.SetContext(context.WithValue(cmd.Context(), appKey, appInstance))
			return nil
		},
		PersistentPostRunE: func(*cobra.Command, []string) error {
			return holder.close()
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (env HARVEST_* overrides apply either way)")

	cmd.AddCommand(
		newServeCmd(),
		newRunCmd(),
		newResumeCmd(),
		newStatusCmd(),
		newCancelCmd(),
		newRunsCmd(),
		newUnitsCmd(),
		newFailedCmd(),
		newRetryCmd(),
		newExportCmd(),
		newPurgeCmd(),
	)
	return cmd
}

// Execute is the main entry point.
func Execute() {
	holder := &appHolder{}
	err := newRootCmd(holder).ExecuteContext(context.Background())
	if cerr := holder.close(); cerr != nil {
		fmt.Fprintf(os.Stderr, "shutdown: %v\n", cerr)
	}
	if err != nil {
		os.Exit(1)
	}
}

func resolveApp(ctx context.Context) (App, error) {
	appInstance, ok := ctx.Value(appKey).(App)
	if !ok || appInstance == nil {
		return nil, errors.New("application services not initialized")
	}
	return appInstance, nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("write output: %w", err)
	}
	return nil
}
