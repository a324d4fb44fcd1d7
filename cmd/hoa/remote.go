package main

import (
	"context"
	"fmt"
	"text/tabwriter"

	cli "github.com/urfave/cli/v3"

	"github.com/pitabwire/hoa/internal/draft"
	"github.com/pitabwire/hoa/internal/validation"
)

func newRemoteCommand() *cli.Command {
	return &cli.Command{
		Name:  "remote",
		Usage: "Inspect and update overrides on a running server",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "server",
				Usage:   "Base URL of the hoa server",
				Value:   "http://localhost:8080",
				Sources: cli.EnvVars("HOA_SERVER_URL"),
			},
			&cli.StringFlag{
				Name:    "token",
				Usage:   "Bearer token sent to the admin API",
				Sources: cli.EnvVars("HOA_TOKEN"),
			},
		},
		Commands: []*cli.Command{
			{
				Name:  "list",
				Usage: "List workflows with their override versions",
				Action: func(ctx context.Context, command *cli.Command) error {
					views, err := remoteFrom(command).List(ctx)
					if err != nil {
						return err
					}
					tw := tabwriter.NewWriter(command.Root().Writer, 0, 4, 2, ' ', 0)
					_, _ = fmt.Fprintln(tw, "KEY\tVERSION\tTITLE")
					for _, v := range views {
						_, _ = fmt.Fprintf(tw, "%s\t%d\t%s\n", v.WorkflowKey, v.Overrides.Version, v.Title)
					}
					return tw.Flush()
				},
			},
			{
				Name:  "get",
				Usage: "Print the admin view of a workflow",
				Flags: []cli.Flag{keyFlag()},
				Action: func(ctx context.Context, command *cli.Command) error {
					view, err := remoteFrom(command).Get(ctx, command.String("key"))
					if err != nil {
						return err
					}
					return writeJSON(command.Root().Writer, view)
				},
			},
			{
				Name:  "push",
				Usage: "Validate an override document and replace the stored one",
				Flags: []cli.Flag{
					keyFlag(),
					&cli.StringFlag{
						Name:     "overrides",
						Aliases:  []string{"o"},
						Usage:    "Override document YAML file; a non-zero version must match the stored one",
						Required: true,
					},
				},
				Action: func(ctx context.Context, command *cli.Command) error {
					key := command.String("key")
					doc, err := readOverrides(command.String("overrides"))
					if err != nil {
						return err
					}
					if doc.WorkflowKey != "" && doc.WorkflowKey != key {
						return cli.Exit(fmt.Sprintf("document overrides workflow %q, not %q", doc.WorkflowKey, key), 2)
					}
					doc.WorkflowKey = key
					if err := validation.ValidateDocument(doc); err != nil {
						return reportValidation(command.Root().Writer, err)
					}
					view, err := remoteFrom(command).PutOverrides(ctx, key, doc)
					if err != nil {
						return err
					}
					_, _ = fmt.Fprintf(command.Root().Writer, "%s saved at version %d\n", key, view.Overrides.Version)
					return nil
				},
			},
		},
	}
}

func remoteFrom(command *cli.Command) *draft.HTTPRemote {
	var opts []draft.HTTPRemoteOption
	if token := command.String("token"); token != "" {
		opts = append(opts, draft.WithBearerToken(token))
	}
	return draft.NewHTTPRemote(command.String("server"), opts...)
}
