package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/statcandb/statcandb/internal/app"
)

const deltaDayLayout = "20060102"

func newDeltaCommand(rt *runtime) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delta",
		Short: "Work with daily delta files",
	}
	cmd.AddCommand(newDeltaDownloadCommand(rt))
	cmd.AddCommand(newDeltaSplitCommand(rt))
	cmd.AddCommand(newDeltaMergeCommand(rt))
	return cmd
}

func newDeltaDownloadCommand(rt *runtime) *cobra.Command {
	var dir string
	cmd := &cobra.Command{
		Use:   "download YYYYMMDD",
		Short: "Download the delta file of one day",
		Args:  cobra.ExactArgs(1),
		RunE: func(c *cobra.Command, args []string) error {
			day, err := time.Parse(deltaDayLayout, args[0])
			if err != nil {
				return fmt.Errorf("invalid day %q, expected YYYYMMDD: %w", args[0], err)
			}
			return rt.withApp(c.Context(), func(ctx context.Context, a *app.App) error {
				if dir == "" {
					dir = a.Config().Delta.DownloadDir
				}
				path, err := a.WDS().PullDeltaFile(ctx, day, dir)
				if err != nil {
					return err
				}
				rt.printf("Downloaded %s", path)
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&dir, "download-dir", "d", "", "Directory to download into (default: delta.download_dir)")
	return cmd
}

func newDeltaSplitCommand(rt *runtime) *cobra.Command {
	return &cobra.Command{
		Use:   "split INFILE OUTDIR",
		Short: "Split a delta file into a dataset partitioned by productId",
		Long: `Split a delta CSV (or the ZIP it ships in) into a Parquet dataset with one
productId=<id> directory per product. OUTDIR must not exist.`,
		Args: cobra.ExactArgs(2),
		RunE: func(c *cobra.Command, args []string) error {
			return rt.withApp(c.Context(), func(ctx context.Context, a *app.App) error {
				res, err := a.Splitter().SplitFile(ctx, args[0], args[1])
				if err != nil {
					return err
				}
				a.Metrics().AddRows(res.Rows)
				rt.printf("Wrote %d rows in %d files across %d partitions to %s",
					res.Rows, res.Files, len(res.Partitions), res.Path)
				return nil
			})
		},
	}
}

func newDeltaMergeCommand(rt *runtime) *cobra.Command {
	return &cobra.Command{
		Use:   "merge ORIGINAL DELTA NEW",
		Short: "Apply a split delta dataset onto an existing dataset",
		Long: `Write NEW as a copy of ORIGINAL in which every row whose vectorId appears in
DELTA carries the delta's value. Rows are never added or removed.`,
		Args: cobra.ExactArgs(3),
		RunE: func(c *cobra.Command, args []string) error {
			return rt.withApp(c.Context(), func(ctx context.Context, a *app.App) error {
				res, err := a.Merger().Merge(ctx, args[0], args[1], args[2])
				if err != nil {
					return err
				}
				a.Metrics().AddRows(res.Rows)
				rt.printf("Updated %d of %d rows into %s", res.Updated, res.Rows, res.Path)
				return nil
			})
		},
	}
}
