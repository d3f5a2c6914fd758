package cli

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/statcandb/statcandb/internal/app"
	"github.com/statcandb/statcandb/internal/cube"
	"github.com/statcandb/statcandb/internal/reconcile"
	"github.com/statcandb/statcandb/pkg/types"
)

const dateLayout = "2006-01-02"

func newFullCommand(rt *runtime) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "full",
		Short: "Work with full tables",
	}
	cmd.AddCommand(newFullDownloadCommand(rt))
	cmd.AddCommand(newFullPrepareCommand(rt))
	cmd.AddCommand(newFullPushCommand(rt))
	cmd.AddCommand(newFullDeltaCommand(rt))
	cmd.AddCommand(newFullDeltaByDiffCommand(rt))
	return cmd
}

func newFullDownloadCommand(rt *runtime) *cobra.Command {
	var dir string
	cmd := &cobra.Command{
		Use:   "download PRODUCT_ID",
		Short: "Download the full table archive of a product",
		Args:  cobra.ExactArgs(1),
		RunE: func(c *cobra.Command, args []string) error {
			pid, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid product id %q: %w", args[0], err)
			}
			return rt.withApp(c.Context(), func(ctx context.Context, a *app.App) error {
				if dir == "" {
					if dir, err = os.Getwd(); err != nil {
						return err
					}
				}
				path, err := a.WDS().DownloadCube(ctx, pid, dir)
				if err != nil {
					return err
				}
				rt.printf("Downloaded %s", path)
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&dir, "download-dir", "d", "", "Directory to download into (default: current directory)")
	return cmd
}

func newFullPrepareCommand(rt *runtime) *cobra.Command {
	var outfile string
	cmd := &cobra.Command{
		Use:   "prepare FILE",
		Short: "Convert a downloaded table archive (or CSV) into a Parquet dataset",
		Args:  cobra.ExactArgs(1),
		RunE: func(c *cobra.Command, args []string) error {
			src := args[0]
			pid, err := cube.ProductIDFromFilename(src)
			if err != nil {
				return err
			}
			if outfile == "" {
				wd, err := os.Getwd()
				if err != nil {
					return err
				}
				outfile = filepath.Join(wd, cube.OutputName(pid))
			}
			return rt.withApp(c.Context(), func(ctx context.Context, a *app.App) error {
				info, err := a.Transformer().Transform(ctx, src, outfile, pid)
				if err != nil {
					return err
				}
				layout := "flat"
				if info.Partitioned {
					layout = fmt.Sprintf("%d partitions by %s", len(info.Partitions), info.PartitionBy)
				}
				rt.printf("Wrote %s (%d files, %s)", info.Path, info.Files, layout)
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&outfile, "outfile", "o", "", "Output dataset (default: ./<product id>.parquet)")
	return cmd
}

func newFullPushCommand(rt *runtime) *cobra.Command {
	return &cobra.Command{
		Use:   "push PATH",
		Short: "Replace the remote copy of a prepared dataset",
		Long: `Delete every object under the remote prefix named after PATH's base name,
then upload every file below PATH under that prefix.`,
		Args: cobra.ExactArgs(1),
		RunE: func(c *cobra.Command, args []string) error {
			return rt.withApp(c.Context(), func(ctx context.Context, a *app.App) error {
				pub, err := a.Publisher(ctx)
				if err != nil {
					return err
				}
				res, err := pub.Publish(ctx, args[0], filepath.Base(filepath.Clean(args[0])))
				if err != nil {
					return err
				}
				a.Metrics().AddUploadedBytes(res.Bytes)
				rt.printf("Uploaded %d files (%d bytes) to %s, replacing %d objects",
					res.Uploaded, res.Bytes, res.Prefix, res.Deleted)
				return nil
			})
		},
	}
}

func newFullDeltaCommand(rt *runtime) *cobra.Command {
	var (
		startDate string
		endDate   string
		skip      []int64
	)
	cmd := &cobra.Command{
		Use:   "delta",
		Short: "Pull the cubes updated between two dates (inclusive)",
		Long: `Pull every cube updated between --start-date and --end-date (inclusive).
Either date defaults to today. Dates are formatted as YYYY-MM-DD.`,
		Args: cobra.NoArgs,
		RunE: func(c *cobra.Command, args []string) error {
			start, err := parseDate(startDate)
			if err != nil {
				return err
			}
			end, err := parseDate(endDate)
			if err != nil {
				return err
			}
			return rt.withApp(c.Context(), func(ctx context.Context, a *app.App) error {
				r, err := a.Reconciler(ctx)
				if err != nil {
					return err
				}
				products, err := r.ByDateRange(ctx, start, end)
				if err != nil {
					return err
				}
				rt.printf("Pulling %d product_ids", len(products))
				return rt.sync(ctx, a, products, skip)
			})
		},
	}
	flags := cmd.Flags()
	flags.StringVarP(&startDate, "start-date", "s", "", "First day (YYYY-MM-DD, default today)")
	flags.StringVarP(&endDate, "end-date", "e", "", "Last day (YYYY-MM-DD, default today)")
	flags.Int64SliceVarP(&skip, "skip", "k", nil, "Product id to skip (repeatable)")
	return cmd
}

func newFullDeltaByDiffCommand(rt *runtime) *cobra.Command {
	var (
		skip []int64
		opts reconcile.DiffOptions
	)
	cmd := &cobra.Command{
		Use:   "delta-by-diff",
		Short: "Pull every cube that was never uploaded or has a newer release upstream",
		Args:  cobra.NoArgs,
		RunE: func(c *cobra.Command, args []string) error {
			return rt.withApp(c.Context(), func(ctx context.Context, a *app.App) error {
				if err := a.InitRecords(ctx); err != nil {
					return err
				}
				r, err := a.Reconciler(ctx)
				if err != nil {
					return err
				}
				sel, err := r.ByDiff(ctx, opts)
				if err != nil {
					return err
				}
				rt.printf("Need to pull %d product ids", sel.Needed)
				if sel.Truncated() {
					rt.printf("More products than allowed to upload. Uploading only %d", len(sel.Products))
				}
				return rt.sync(ctx, a, sel.Products, skip)
			})
		},
	}
	flags := cmd.Flags()
	flags.Int64SliceVarP(&skip, "skip", "k", nil, "Product id to skip (repeatable)")
	flags.IntVar(&opts.MaxProductIDs, "max-product-ids", 0, "Maximum number of products to upload before quitting")
	flags.Int64Var(&opts.StartFrom, "start-from", 0, "Only pull product ids which are at least this number")
	return cmd
}

// sync runs the pipeline over products and prints the summary line. Product
// failures do not fail the command.
func (rt *runtime) sync(ctx context.Context, a *app.App, products []types.ProductMetadata, skip []int64) error {
	if err := a.InitRecords(ctx); err != nil {
		return err
	}
	runner, err := a.Runner(ctx)
	if err != nil {
		return err
	}
	if !rt.flags.noProgress {
		runner.WithProgress(newProgressReporter(rt.stdout, rt.stderr))
	} else {
		runner.WithProgress(newMessageReporter(rt.stdout))
	}

	report, err := runner.Run(ctx, products, skip)
	rt.printf("Successfully uploaded %d out of %d products", report.Success, report.Total)
	return err
}

func parseDate(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(dateLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid date %q, expected YYYY-MM-DD: %w", s, err)
	}
	return t, nil
}
