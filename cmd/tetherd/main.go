package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/InsulaLabs/tether/config"
	"github.com/InsulaLabs/tether/core"
	"github.com/InsulaLabs/tether/store"
	"github.com/fatih/color"
	"github.com/urfave/cli/v2"
	"gopkg.in/yaml.v3"
)

func main() {
	app := &cli.App{
		Name:        "tetherd",
		Usage:       "session relay server",
		Description: "Relays ordered events between remote interactive sessions and their viewers, with durable replay and liveness tracking.",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Path to the relay configuration file",
				EnvVars: []string{"TETHER_CONFIG"},
				Value:   "tether.yaml",
			},
		},
		Commands: []*cli.Command{
			{
				Name:  "generate-config",
				Usage: "Write a default configuration file and exit",
				Action: func(ctx *cli.Context) error {
					return generateConfig(ctx.String("config"))
				},
			},
		},
		Action: run,
	}

	if err := app.Run(os.Args); err != nil {
		slog.Error("tetherd exited with error", "error", err)
		os.Exit(1)
	}
}

func generateConfig(path string) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("refusing to overwrite existing config file %s", path)
	}
	raw, err := yaml.Marshal(config.GenerateConfig())
	if err != nil {
		return fmt.Errorf("marshal default config: %w", err)
	}
	if err := os.WriteFile(path, raw, 0600); err != nil {
		return fmt.Errorf("write config file: %w", err)
	}
	color.Green("Wrote default configuration to %s", path)
	color.Yellow("Change server.secret before exposing the relay to a network.")
	return nil
}

func run(cliCtx *cli.Context) error {
	cfg, err := config.LoadConfig(cliCtx.String("config"))
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	level := slog.LevelInfo
	switch cfg.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)

	if cfg.Server.Secret == config.GenerateConfig().Server.Secret {
		color.Yellow("WARNING: server.secret is still the generated default. Change it.")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		sig := <-sigCh
		logger.Info("Signal received, shutting down", "signal", sig.String())
		cancel()
	}()

	st, err := store.New(store.Config{
		Logger:          logger,
		Directory:       cfg.Store.Directory,
		AppCtx:          ctx,
		SubjectCacheTTL: cfg.Store.SubjectCacheTTL,
	})
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	c, err := core.New(ctx, logger, cfg, st)
	if err != nil {
		return fmt.Errorf("initialize core: %w", err)
	}

	c.Run()
	logger.Info("tetherd exiting")
	return nil
}
