package main

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/grovecms/grove/pkg/grove"
)

// groveViewFlag holds the shared --published flag result as a view.
var groveViewFlag = grove.ViewFull

func addViewFlag(cmd *cobra.Command) {
	cmd.Flags().BoolP("published", "p", false, "Use the published view instead of the full view")
	pre := cmd.PreRunE
	cmd.PreRunE = func(cmd *cobra.Command, args []string) error {
		if pre != nil {
			if err := pre(cmd, args); err != nil {
				return err
			}
		}
		published, err := cmd.Flags().GetBool("published")
		if err != nil {
			return err
		}
		if published {
			groveViewFlag = grove.ViewPublished
		} else {
			groveViewFlag = grove.ViewFull
		}
		return nil
	}
}

var entityCmd = &cobra.Command{
	Use:   "entity",
	Short: "Inspect entities",
}

var entityGetCmd = &cobra.Command{
	Use:   "get [id]",
	Short: "Print a single entity as JSON",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := uuid.Parse(args[0])
		if err != nil {
			return fmt.Errorf("invalid entity id %q: %w", args[0], err)
		}
		svc, err := buildService(cmd.Context())
		if err != nil {
			return err
		}
		entity, err := svc.GetEntity(cmd.Context(), grove.GetEntityRequest{ID: id, View: groveViewFlag})
		if err != nil {
			return err
		}
		return printJSON(entity)
	},
}

var entityListCmd = &cobra.Command{
	Use:   "list",
	Short: "List entities",
	RunE: func(cmd *cobra.Command, args []string) error {
		entityType, err := cmd.Flags().GetString("type")
		if err != nil {
			return err
		}
		limit, err := cmd.Flags().GetInt("limit")
		if err != nil {
			return err
		}
		svc, err := buildService(cmd.Context())
		if err != nil {
			return err
		}
		var query grove.EntityQuery
		if entityType != "" {
			query.EntityTypes = []string{entityType}
		}
		page, err := svc.GetEntities(cmd.Context(), groveViewFlag, query, grove.Paging{First: limit})
		if err != nil {
			return err
		}
		for _, e := range page.Entities {
			fmt.Printf("%s\t%s\t%s\t%s\n", e.ID, e.Info.Type, e.Info.Status, e.Info.Name)
		}
		return nil
	},
}

func init() {
	entityCmd.AddCommand(entityGetCmd)
	entityCmd.AddCommand(entityListCmd)
	addViewFlag(entityGetCmd)
	addViewFlag(entityListCmd)
	entityListCmd.Flags().String("type", "", "Filter by entity type")
	entityListCmd.Flags().Int("limit", 25, "Maximum number of entities to list")
}
