package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/InsulaLabs/tether/client"
	charmlog "github.com/charmbracelet/log"
	"github.com/fatih/color"
	"github.com/urfave/cli/v2"
)

func main() {
	app := &cli.App{
		Name:        "tether-agent",
		Usage:       "producer agent bridging a local process to the relay",
		Description: "Drives a local interactive command, streams its output to the relay as ordered events, and feeds relayed input back to it. Reconnects with backoff and resumes from the last seen position.",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "server",
				Aliases:  []string{"s"},
				Usage:    "Relay server URL, e.g. https://relay.example.com:8087",
				EnvVars:  []string{"TETHER_SERVER"},
				Required: true,
			},
			&cli.StringFlag{
				Name:     "secret",
				Usage:    "Shared relay secret",
				EnvVars:  []string{"TETHER_SECRET"},
				Required: true,
			},
			&cli.StringFlag{
				Name:     "name",
				Aliases:  []string{"n"},
				Usage:    "Subject name; re-registering the same name resumes the same session identity",
				EnvVars:  []string{"TETHER_NAME"},
				Required: true,
			},
			&cli.StringFlag{
				Name:    "state-dir",
				Usage:   "Directory for the persisted last-seen position",
				EnvVars: []string{"TETHER_STATE_DIR"},
				Value:   defaultStateDir(),
			},
			&cli.DurationFlag{
				Name:  "heartbeat",
				Usage: "Heartbeat interval",
				Value: client.DefaultHeartbeatInterval,
			},
			&cli.BoolFlag{
				Name:  "skip-verify",
				Usage: "Skip TLS certificate verification",
			},
			&cli.BoolFlag{
				Name:  "debug",
				Usage: "Enable debug logging",
			},
		},
		ArgsUsage: "-- command [args...]",
		Action:    run,
	}

	if err := app.Run(os.Args); err != nil {
		charmlog.Error("tether-agent exited with error", "error", err)
		os.Exit(1)
	}
}

func defaultStateDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".tether"
	}
	return home + "/.tether"
}

func run(cliCtx *cli.Context) error {
	command := cliCtx.Args().Slice()
	if len(command) == 0 {
		return fmt.Errorf("no command given; usage: tether-agent [flags] -- command [args...]")
	}

	level := charmlog.InfoLevel
	if cliCtx.Bool("debug") {
		level = charmlog.DebugLevel
	}
	handler := charmlog.NewWithOptions(os.Stderr, charmlog.Options{
		ReportTimestamp: true,
		TimeFormat:      time.Kitchen,
		Level:           level,
	})
	logger := slog.New(handler)

	if cliCtx.Bool("skip-verify") {
		color.Yellow("WARNING: TLS certificate verification is disabled.")
	}

	agent, err := client.NewAgent(client.Config{
		Logger:            logger,
		ServerURL:         cliCtx.String("server"),
		Secret:            cliCtx.String("secret"),
		Name:              cliCtx.String("name"),
		StateDir:          cliCtx.String("state-dir"),
		Command:           command,
		HeartbeatInterval: cliCtx.Duration("heartbeat"),
		SkipVerify:        cliCtx.Bool("skip-verify"),
	})
	if err != nil {
		return err
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

	return agent.Run(ctx)
}
