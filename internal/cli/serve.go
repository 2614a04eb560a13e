package cli

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/watzon/ember/internal/config"
	"github.com/watzon/ember/internal/gateway"
	"github.com/watzon/ember/internal/history"
	"github.com/watzon/ember/internal/registry"
	"github.com/watzon/ember/internal/triggers"
	"github.com/watzon/ember/internal/worker"
)

var (
	servePort      int
	serveHost      string
	serveProject   string
	serveFunctions string
	serveNoWatch   bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the functions emulator",
	Long: `Start the functions emulator gateway.

The emulator will:
  - Run a diagnostic worker to enumerate triggers
  - Register firestore event triggers with the firestore emulator
  - Serve HTTP functions on per-trigger routes
  - Watch the functions directory and reload on changes

Use --no-watch to disable file watching.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().IntVarP(&servePort, "port", "p", 5001, "Port to listen on")
	serveCmd.Flags().StringVar(&serveHost, "host", "127.0.0.1", "Host to bind to")
	serveCmd.Flags().StringVar(&serveProject, "project", "", "Project id to emulate")
	serveCmd.Flags().StringVar(&serveFunctions, "functions", "", "Functions source directory")
	serveCmd.Flags().BoolVar(&serveNoWatch, "no-watch", false, "Disable file watching")

	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(config.LoadOptions{ConfigFile: cfgFile})
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	if cmd.Flags().Changed("port") {
		cfg.Server.Port = servePort
	}
	if cmd.Flags().Changed("host") {
		cfg.Server.Host = serveHost
	}
	if serveProject != "" {
		cfg.Project.ID = serveProject
	}
	if serveFunctions != "" {
		cfg.Functions.Dir = serveFunctions
	}
	if serveNoWatch {
		cfg.Reload.Watch = false
	}

	directory, err := buildDirectory(cfg)
	if err != nil {
		return err
	}

	supervisor := worker.NewSupervisor(cfg.Functions.NodeBinary, cfg.Functions.RuntimeEntry)

	loader := triggers.NewLoader(
		triggers.LoaderConfig{
			ProjectID:        cfg.Project.ID,
			FunctionsDir:     cfg.Functions.Dir,
			Host:             cfg.Server.Host,
			Port:             cfg.Server.Port,
			DisabledFeatures: cfg.Functions.DisabledFeatures,
		},
		func(b *worker.Bundle, o *worker.Options) (triggers.Worker, error) {
			return supervisor.Spawn(b, o)
		},
		triggers.NewRegistrar(directory),
		directory,
	)

	var opts []gateway.Option
	var store *history.Store
	var pruner *history.Pruner
	if cfg.History.Enabled {
		store, err = history.Open()
		if err != nil {
			return fmt.Errorf("opening invocation history: %w", err)
		}
		defer store.Close()

		pruner, err = history.NewPruner(store, cfg.History.PruneSchedule, cfg.History.Retention)
		if err != nil {
			return fmt.Errorf("creating history pruner: %w", err)
		}
		pruner.Start()
		defer pruner.Stop()

		opts = append(opts, gateway.WithHistory(store))
	}

	gw := gateway.New(
		cfg,
		func(b *worker.Bundle, o *worker.Options) (gateway.Worker, error) {
			return supervisor.Spawn(b, o)
		},
		loader,
		directory,
		opts...,
	)

	if err := gw.Start(); err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := gw.Connect(ctx); err != nil {
		log.Warn().Err(err).Msg("Failed to install functions watcher")
	}

	<-ctx.Done()
	log.Info().Msg("Shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	return gw.Stop(shutdownCtx)
}

func buildDirectory(cfg *config.Config) (registry.Directory, error) {
	dir := registry.Static{}

	if cfg.Emulators.LocatorFile != "" {
		located, err := registry.LoadLocator(cfg.Emulators.LocatorFile)
		if err != nil {
			if !errors.Is(err, fs.ErrNotExist) {
				return nil, fmt.Errorf("loading emulator locator: %w", err)
			}
			log.Debug().Str("file", cfg.Emulators.LocatorFile).Msg("Emulator locator file not found")
		} else {
			dir = located
		}
	}

	static := registry.Static{}
	for name, addr := range cfg.Emulators.Static {
		static[name] = registry.Address{Host: addr.Host, Port: addr.Port}
	}

	return registry.Merge(dir, static), nil
}
