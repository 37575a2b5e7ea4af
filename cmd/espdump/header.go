package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/twinfer/espscan/pkg/walker"
	"github.com/urfave/cli/v3"
	"gopkg.in/yaml.v3"
)

type headerSummary struct {
	File        string         `yaml:"file"`
	Version     float32        `yaml:"version"`
	Author      string         `yaml:"author,omitempty"`
	Description string         `yaml:"description,omitempty"`
	Masters     []string       `yaml:"masters,omitempty"`
	Master      bool           `yaml:"master"`
	Light       bool           `yaml:"light"`
	Localized   bool           `yaml:"localized"`
	Records     map[string]int `yaml:"records,omitempty"`
}

func (a *app) headerCmd() *cli.Command {
	var count bool

	return &cli.Command{
		Name:      "header",
		Usage:     "Print the TES4 header of each plugin",
		ArgsUsage: "<plugin> [plugin ...]",
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: "count", Usage: "also walk the file and count records by type", Destination: &count},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			_, logger, err := a.loadConfig(cmd)
			if err != nil {
				return err
			}
			if cmd.Args().Len() == 0 {
				return fmt.Errorf("header needs at least one plugin")
			}
			w := walker.New(walker.Options{Logger: logger})

			var out []headerSummary
			for _, path := range cmd.Args().Slice() {
				buf, err := os.ReadFile(path)
				if err != nil {
					return err
				}
				h, err := walker.ReadPluginHeader(buf)
				if err != nil {
					return fmt.Errorf("%s: %w", path, err)
				}
				s := headerSummary{
					File:        filepath.Base(path),
					Version:     h.Version,
					Author:      h.Author,
					Description: h.Description,
					Masters:     h.Masters,
					Master:      h.IsMaster(),
					Light:       h.IsLight(),
					Localized:   h.IsLocalized(),
				}
				if count {
					res := w.Walk(ctx, buf, s.File, nil)
					s.Records = map[string]int{}
					for _, r := range res.Records {
						s.Records[string(r.Meta.Type)]++
					}
				}
				out = append(out, s)
			}

			enc := yaml.NewEncoder(a.stdout)
			if err := enc.Encode(out); err != nil {
				return err
			}
			return enc.Close()
		},
	}
}
