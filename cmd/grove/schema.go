package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/grovecms/grove/pkg/grove/schema"
)

var schemaCmd = &cobra.Command{
	Use:   "schema",
	Short: "Manage the schema specification",
}

var schemaValidateCmd = &cobra.Command{
	Use:   "validate [file]",
	Short: "Validate a schema file without applying it",
	Long:  `Parse a YAML schema file and report structural problems. The file is checked on its own, without comparing it against the stored specification.`,
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		req, err := readSchemaFile(args[0])
		if err != nil {
			return err
		}
		spec := schema.Spec{
			Version:        req.Version,
			EntityTypes:    req.EntityTypes,
			ComponentTypes: req.ComponentTypes,
			Patterns:       req.Patterns,
			Indexes:        req.Indexes,
			Migrations:     req.Migrations,
		}
		problems := spec.Validate()
		if len(problems) == 0 {
			fmt.Println("schema is valid")
			return nil
		}
		for _, p := range problems {
			fmt.Fprintf(os.Stderr, "%s: %s\n", p.Path, p.Message)
		}
		return fmt.Errorf("schema has %d problem(s)", len(problems))
	},
}

var schemaApplyCmd = &cobra.Command{
	Use:   "apply [file]",
	Short: "Apply a schema file to the repository",
	RunE: func(cmd *cobra.Command, args []string) error {
		req, err := readSchemaFile(args[0])
		if err != nil {
			return err
		}
		svc, err := buildService(cmd.Context())
		if err != nil {
			return err
		}
		result, err := svc.UpdateSchemaSpecification(cmd.Context(), *req)
		if err != nil {
			return err
		}
		fmt.Printf("applied schema version %d (%s, %d entities marked for reprocessing)\n",
			result.Spec.Version, result.Effect, result.DirtyCount)
		return nil
	},
}

var schemaShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the stored schema specification",
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, err := buildService(cmd.Context())
		if err != nil {
			return err
		}
		view := groveViewFlag
		spec, err := svc.GetSchemaSpecification(cmd.Context(), view)
		if err != nil {
			return err
		}
		out, err := yaml.Marshal(spec)
		if err != nil {
			return err
		}
		fmt.Print(string(out))
		return nil
	},
}

func readSchemaFile(path string) (*schema.UpdateRequest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var req schema.UpdateRequest
	if err := yaml.Unmarshal(data, &req); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return &req, nil
}

func init() {
	schemaCmd.AddCommand(schemaValidateCmd)
	schemaCmd.AddCommand(schemaApplyCmd)
	schemaCmd.AddCommand(schemaShowCmd)
	addViewFlag(schemaShowCmd)
}
