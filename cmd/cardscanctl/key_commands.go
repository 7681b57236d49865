package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/kiranshivaraju/cardscan/internal/apikey"
	"github.com/spf13/cobra"
)

func newKeysCommand(ctx *commandContext) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "keys",
		Short: "Manage status API keys",
	}
	cmd.AddCommand(newKeysCreateCommand(ctx))
	cmd.AddCommand(newKeysListCommand(ctx))
	return cmd
}

func newKeysCreateCommand(ctx *commandContext) *cobra.Command {
	var scopes []string

	cmd := &cobra.Command{
		Use:   "create <name>",
		Short: "Create an API key; the raw key is printed once",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, key, err := apikey.New(args[0], scopes, time.Now())
			if err != nil {
				return err
			}
			return ctx.withServices(cmd.Context(), func(svc *services) error {
				if err := svc.store.CreateAPIKey(cmd.Context(), key); err != nil {
					return err
				}
				return emit(cmd, map[string]any{
					"id":     key.ID,
					"name":   key.Name,
					"scopes": key.Scopes,
					"key":    raw,
				}, [][2]string{
					{"ID", key.ID.String()},
					{"Name", key.Name},
					{"Scopes", strings.Join(key.Scopes, ",")},
					{"Key", raw},
				})
			})
		},
	}
	cmd.Flags().StringSliceVar(&scopes, "scope", []string{"scans:read"},
		fmt.Sprintf("Scopes to grant (%s)", strings.Join(apikey.Scopes, ", ")))
	return cmd
}

func newKeysListCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List active API keys",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withServices(cmd.Context(), func(svc *services) error {
				keys, err := svc.store.ListAPIKeys(cmd.Context())
				if err != nil {
					return err
				}
				if !wantTable(cmd) {
					return writeJSON(cmd, keys)
				}
				if len(keys) == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), "No API keys")
					return nil
				}
				tw := table.NewWriter()
				tw.SetStyle(table.StyleRounded)
				tw.AppendHeader(table.Row{"ID", "Name", "Prefix", "Scopes", "Last used"})
				for _, k := range keys {
					last := "never"
					if k.LastUsedAt != nil {
						last = k.LastUsedAt.UTC().Format(time.RFC3339)
					}
					tw.AppendRow(table.Row{k.ID, k.Name, k.KeyPrefix, strings.Join(k.Scopes, ","), last})
				}
				fmt.Fprintln(cmd.OutOrStdout(), tw.Render())
				return nil
			})
		},
	}
}
