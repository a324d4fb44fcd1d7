package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	cli "github.com/urfave/cli/v3"
	"gopkg.in/yaml.v3"

	"github.com/pitabwire/hoa/internal/definition"
	"github.com/pitabwire/hoa/internal/notify"
	"github.com/pitabwire/hoa/internal/resolution"
	"github.com/pitabwire/hoa/internal/validation"
	"github.com/pitabwire/hoa/model"
)

func definitionsFlag() cli.Flag {
	return &cli.StringSliceFlag{
		Name:     "definitions",
		Aliases:  []string{"d"},
		Usage:    "Directory of base definition YAML files (repeatable)",
		Required: true,
		Sources:  cli.EnvVars("HOA_DEFINITIONS_DIRECTORIES"),
	}
}

func overridesFlag() cli.Flag {
	return &cli.StringFlag{
		Name:    "overrides",
		Aliases: []string{"o"},
		Usage:   "Override document YAML file; omitted means no overrides",
	}
}

func keyFlag() cli.Flag {
	return &cli.StringFlag{
		Name:     "key",
		Aliases:  []string{"k"},
		Usage:    "Workflow key",
		Required: true,
	}
}

func newResolveCommand() *cli.Command {
	return &cli.Command{
		Name:  "resolve",
		Usage: "Print the effective configuration of a workflow",
		Flags: []cli.Flag{
			definitionsFlag(),
			overridesFlag(),
			keyFlag(),
			&cli.BoolFlag{Name: "annotated", Usage: "Include disabled entries and provenance"},
		},
		Action: func(_ context.Context, command *cli.Command) error {
			base, doc, err := loadPair(command.StringSlice("definitions"), command.String("overrides"), command.String("key"))
			if err != nil {
				return err
			}
			if command.Bool("annotated") {
				return writeJSON(command.Root().Writer, resolution.Resolve(base, doc))
			}
			return writeJSON(command.Root().Writer, resolution.Effective(base, doc))
		},
	}
}

func newValidateCommand() *cli.Command {
	return &cli.Command{
		Name:    "validate",
		Aliases: []string{"v"},
		Usage:   "Check an override document without saving it",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "overrides",
				Aliases:  []string{"o"},
				Usage:    "Override document YAML file",
				Required: true,
			},
		},
		Action: func(_ context.Context, command *cli.Command) error {
			doc, err := readOverrides(command.String("overrides"))
			if err != nil {
				return err
			}
			return reportValidation(command.Root().Writer, validation.ValidateDocument(doc))
		},
	}
}

func newMatchCommand() *cli.Command {
	return &cli.Command{
		Name:  "match",
		Usage: "List the notification rules a workflow event triggers",
		Flags: []cli.Flag{
			definitionsFlag(),
			overridesFlag(),
			keyFlag(),
			&cli.StringFlag{Name: "from", Usage: "Source status of a transition event"},
			&cli.StringFlag{Name: "to", Usage: "Target status of a transition event"},
			&cli.StringFlag{Name: "status", Usage: "Entered status of a status_entered event"},
		},
		Action: func(_ context.Context, command *cli.Command) error {
			event, err := eventFromFlags(command.String("from"), command.String("to"), command.String("status"))
			if err != nil {
				return err
			}
			base, doc, err := loadPair(command.StringSlice("definitions"), command.String("overrides"), command.String("key"))
			if err != nil {
				return err
			}
			matches := notify.MatchConfiguration(event, resolution.Effective(base, doc))
			if matches == nil {
				matches = []model.MatchedRule{}
			}
			return writeJSON(command.Root().Writer, matches)
		},
	}
}

func eventFromFlags(from, to, status string) (model.WorkflowEvent, error) {
	switch {
	case status != "" && (from != "" || to != ""):
		return model.WorkflowEvent{}, cli.Exit("use either --from/--to or --status, not both", 2)
	case status != "":
		return model.StatusEnteredEvent(status), nil
	case from != "" && to != "":
		return model.TransitionEvent(from, to), nil
	default:
		return model.WorkflowEvent{}, cli.Exit("a transition event needs both --from and --to", 2)
	}
}

// loadPair loads the base definition for key and its override document,
// refusing documents that violate the uniqueness preconditions.
func loadPair(dirs []string, overridesPath, key string) (model.BaseDefinition, model.OverrideDocument, error) {
	defs, err := loadDefinitions(dirs, false)
	if err != nil {
		return model.BaseDefinition{}, model.OverrideDocument{}, err
	}
	base, ok := definition.NewRegistry(defs).Get(key)
	if !ok {
		return model.BaseDefinition{}, model.OverrideDocument{}, fmt.Errorf("workflow %q not found in %v", key, dirs)
	}

	doc := model.EmptyOverrides(key)
	if overridesPath != "" {
		if doc, err = readOverrides(overridesPath); err != nil {
			return model.BaseDefinition{}, model.OverrideDocument{}, err
		}
		if doc.WorkflowKey != "" && doc.WorkflowKey != key {
			return model.BaseDefinition{}, model.OverrideDocument{}, fmt.Errorf(
				"%s overrides workflow %q, not %q", overridesPath, doc.WorkflowKey, key)
		}
		doc.WorkflowKey = key
	}
	if err := resolution.CheckPreconditions(doc); err != nil {
		return model.BaseDefinition{}, model.OverrideDocument{}, err
	}
	return base, doc, nil
}

// definitionsError carries every validation error of a rejected definition
// set.
type definitionsError struct {
	errs []definition.VError
}

func (e *definitionsError) Error() string {
	return fmt.Sprintf("base definitions failed validation with %d error(s), first: %v", len(e.errs), e.errs[0])
}

func validationErrors(err error) []definition.VError {
	var de *definitionsError
	if errors.As(err, &de) {
		return de.errs
	}
	return nil
}

// loadDefinitions loads every definition under dirs and runs the structural
// and referential checks over the set.
func loadDefinitions(dirs []string, schemaCheck bool) ([]model.BaseDefinition, error) {
	var schema *definition.SchemaValidator
	if schemaCheck {
		var err error
		if schema, err = definition.NewSchemaValidator(); err != nil {
			return nil, fmt.Errorf("definition schema: %w", err)
		}
	}
	defs, err := definition.NewLoader(schema).LoadAll(dirs)
	if err != nil {
		return nil, fmt.Errorf("loading definitions: %w", err)
	}
	if verrs := definition.NewValidator().Validate(defs); len(verrs) > 0 {
		return nil, &definitionsError{errs: verrs}
	}
	return defs, nil
}

func readOverrides(path string) (model.OverrideDocument, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return model.OverrideDocument{}, fmt.Errorf("reading %s: %w", path, err)
	}
	var doc model.OverrideDocument
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return model.OverrideDocument{}, fmt.Errorf("parsing %s: %w", path, err)
	}
	return doc, nil
}

// reportValidation prints one line per field error and fails with exit
// code 1 when there are any.
func reportValidation(w io.Writer, err error) error {
	if err == nil {
		_, _ = fmt.Fprintln(w, "ok")
		return nil
	}
	ee, ok := model.AsEnvelope(err)
	if !ok {
		return err
	}
	for _, d := range ee.Details {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\n", d.Field, d.Code, d.Message)
	}
	return cli.Exit(fmt.Sprintf("%d validation error(s)", len(ee.Details)), 1)
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
