package cli

import (
	"context"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/statcandb/statcandb/internal/app"
	"github.com/statcandb/statcandb/pkg/types"
)

func newDBCommand(rt *runtime) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "db",
		Short: "Manage the sync record store",
	}
	cmd.AddCommand(newDBCreateCommand(rt))
	cmd.AddCommand(newDBListCommand(rt))
	return cmd
}

func newDBCreateCommand(rt *runtime) *cobra.Command {
	return &cobra.Command{
		Use:   "create",
		Short: "Create the record store schema. Run once before the first sync",
		Args:  cobra.NoArgs,
		RunE: func(c *cobra.Command, args []string) error {
			return rt.withApp(c.Context(), func(ctx context.Context, a *app.App) error {
				if err := a.InitRecords(ctx); err != nil {
					return err
				}
				rt.printf("Record store ready")
				return nil
			})
		},
	}
}

func newDBListCommand(rt *runtime) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List the uploaded products and their release times",
		Args:  cobra.NoArgs,
		RunE: func(c *cobra.Command, args []string) error {
			return rt.withApp(c.Context(), func(ctx context.Context, a *app.App) error {
				if err := a.InitRecords(ctx); err != nil {
					return err
				}
				store, err := a.Records(ctx)
				if err != nil {
					return err
				}
				recs, err := store.GetAll(ctx)
				if err != nil {
					return err
				}
				rt.printf("%s", renderRecords(recs))
				return nil
			})
		},
	}
}

func renderRecords(recs []*types.SyncRecord) string {
	t := table.NewWriter()
	t.AppendHeader(table.Row{"Product ID", "Release Time", "Uploaded", "Updated At"})
	for _, rec := range recs {
		t.AppendRow(table.Row{
			rec.ProductID,
			rec.ReleaseTime.Format(types.ReleaseTimeLayout),
			rec.IsUploaded,
			rec.UpdatedAt.Format("2006-01-02 15:04:05"),
		})
	}
	t.AppendFooter(table.Row{"", "", "Total", len(recs)})
	t.SetStyle(table.StyleLight)
	return t.Render()
}
