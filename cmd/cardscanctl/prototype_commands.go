package main

import (
	"fmt"
	"strconv"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

func newPrototypesCommand(ctx *commandContext) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "prototypes",
		Short: "Maintain per-card prototype embeddings",
	}
	cmd.AddCommand(newPrototypesRebuildCommand(ctx))
	return cmd
}

func newPrototypesRebuildCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "rebuild [card-id]",
		Short: "Recompute one card's prototype, or every card's",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var cardID uuid.UUID
			if len(args) == 1 {
				id, err := uuid.Parse(args[0])
				if err != nil {
					return fmt.Errorf("invalid card id %q: %w", args[0], err)
				}
				cardID = id
			}

			return ctx.withServices(cmd.Context(), func(svc *services) error {
				if cardID != uuid.Nil {
					if err := svc.prototypes.RecomputePrototype(cmd.Context(), cardID); err != nil {
						return err
					}
					return emit(cmd, map[string]any{"rebuilt": 1, "card_id": cardID},
						[][2]string{{"Rebuilt", cardID.String()}})
				}

				n, err := svc.prototypes.RebuildAll(cmd.Context())
				if err != nil {
					return err
				}
				return emit(cmd, map[string]any{"rebuilt": n},
					[][2]string{{"Rebuilt", strconv.Itoa(n)}})
			})
		},
	}
}
