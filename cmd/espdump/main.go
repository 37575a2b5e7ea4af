package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/twinfer/espscan/internal/config"
	"github.com/urfave/cli/v3"
)

func main() {
	if err := newApp(os.Stdout, os.Stderr).Run(context.Background(), os.Args); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// app carries the global flags shared by every command.
type app struct {
	configPath string
	envFile    string
	logLevel   string
	logFormat  string
	stdout     io.Writer
	stderr     io.Writer
}

func newApp(stdout, stderr io.Writer) *cli.Command {
	a := &app{stdout: stdout, stderr: stderr}
	return &cli.Command{
		Name:      "espdump",
		Usage:     "Scan plugin files and dump their records",
		Writer:    stdout,
		ErrWriter: stderr,
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "config", Usage: "path to a YAML config file", Destination: &a.configPath},
			&cli.StringFlag{Name: "env-file", Usage: "dotenv file with ESPSCAN_* overrides", Value: ".env", Destination: &a.envFile},
			&cli.StringFlag{Name: "log-level", Usage: "debug, info, warn or error", Destination: &a.logLevel},
			&cli.StringFlag{Name: "log-format", Usage: "text or json", Destination: &a.logFormat},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			return cli.ShowAppHelp(cmd)
		},
		Commands: []*cli.Command{
			a.scanCmd(),
			a.headerCmd(),
			a.schemaCmd(),
		},
	}
}

// loadConfig layers the config file, the environment, and the global flags.
func (a *app) loadConfig(cmd *cli.Command) (config.Config, *slog.Logger, error) {
	cfg, err := config.Load(a.configPath, a.envFile)
	if err != nil {
		return cfg, nil, err
	}
	root := cmd.Root()
	if root.IsSet("log-level") {
		cfg.LogLevel = a.logLevel
	}
	if root.IsSet("log-format") {
		cfg.LogFormat = a.logFormat
	}
	return cfg, cfg.Logger(a.stderr), nil
}
