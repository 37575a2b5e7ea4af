package main

import (
	"context"
	"fmt"

	"github.com/twinfer/espscan/pkg/fieldschema"
	"github.com/urfave/cli/v3"
)

func (a *app) schemaCmd() *cli.Command {
	return &cli.Command{
		Name:  "schema",
		Usage: "Work with field schema files",
		Commands: []*cli.Command{
			{
				Name:      "validate",
				Usage:     "Check that a schema file loads",
				ArgsUsage: "<schema.yaml>",
				Action: func(ctx context.Context, cmd *cli.Command) error {
					if cmd.Args().Len() != 1 {
						return fmt.Errorf("validate needs exactly one schema file")
					}
					reg, err := fieldschema.LoadRegistryFile(cmd.Args().First())
					if err != nil {
						return err
					}
					_, err = fmt.Fprintf(a.stdout, "%s: ok, %d record types\n", cmd.Args().First(), len(reg.RecordTypes()))
					return err
				},
			},
			{
				Name:  "default",
				Usage: "Print the built-in schema",
				Action: func(ctx context.Context, cmd *cli.Command) error {
					_, err := a.stdout.Write(fieldschema.DefaultRegistryYAML())
					return err
				},
			},
		},
	}
}
