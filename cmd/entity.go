package main

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/sells-group/signal-engine/internal/engine"
	"github.com/sells-group/signal-engine/internal/model"
)

var entityCmd = &cobra.Command{
	Use:   "entity",
	Short: "Register and inspect entities",
}

var (
	entityName     string
	entityDomains  []string
	entityKeywords []string
	entityListType string
)

var entityUpsertCmd = &cobra.Command{
	Use:   "upsert <type:id>",
	Short: "Create or update an account, project or person",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ref, err := model.ParseEntityRef(args[0])
		if err != nil {
			return err
		}
		return withEngine(cmd, func(ctx context.Context, eng *engine.Engine) error {
			if err := eng.UpsertEntity(ctx, model.Entity{
				EntityRef: ref,
				Name:      entityName,
				Domains:   entityDomains,
				Keywords:  entityKeywords,
			}); err != nil {
				return err
			}
			ent, err := eng.GetEntity(ctx, ref)
			if err != nil {
				return err
			}
			return printJSON(cmd, ent)
		})
	},
}

var entityShowCmd = &cobra.Command{
	Use:   "show <type:id>",
	Short: "Show one entity",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ref, err := model.ParseEntityRef(args[0])
		if err != nil {
			return err
		}
		return withEngine(cmd, func(ctx context.Context, eng *engine.Engine) error {
			ent, err := eng.GetEntity(ctx, ref)
			if err != nil {
				return err
			}
			return printJSON(cmd, ent)
		})
	},
}

var entityListCmd = &cobra.Command{
	Use:   "list",
	Short: "List entities",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEngine(cmd, func(ctx context.Context, eng *engine.Engine) error {
			ents, err := eng.ListEntities(ctx, model.EntityType(entityListType))
			if err != nil {
				return err
			}
			return printJSON(cmd, ents)
		})
	},
}

func init() {
	entityUpsertCmd.Flags().StringVar(&entityName, "name", "", "display name")
	entityUpsertCmd.Flags().StringSliceVar(&entityDomains, "domain", nil, "email domain (repeatable)")
	entityUpsertCmd.Flags().StringSliceVar(&entityKeywords, "keyword", nil, "resolution keyword (repeatable)")
	entityListCmd.Flags().StringVar(&entityListType, "type", "", "only entities of this type")

	entityCmd.AddCommand(entityUpsertCmd, entityShowCmd, entityListCmd)
	rootCmd.AddCommand(entityCmd)
}
