package main

import (
	"context"
	"fmt"
	"os/user"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/castella/castella/internal/catalog"
	"github.com/castella/castella/pkg/bytesize"
	"github.com/castella/castella/pkg/proto"
)

const timeFormat = "2006-01-02 15:04:05"

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the catalog schema",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			cat, err := openCatalog(cfg, log.Logger)
			if err != nil {
				return err
			}
			defer func() { _ = cat.Close() }()

			if err := cat.Migrate(cmd.Context()); err != nil {
				return fmt.Errorf("migrate catalog: %w", err)
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Catalog schema is up to date (%s)\n", cat.Driver())
			return nil
		},
	}
}

func newDrivesCmd() *cobra.Command {
	drivesCmd := &cobra.Command{
		Use:   "drives",
		Short: "Inspect and decommission backend drives",
		Long: `Inspect and decommission the backend containers files are spread across.

Examples:
  # List drives with their file counts
  castella drives ls

  # Delete a drive, every file on it, and its backend container
  castella drives rm 3 --yes`,
	}

	drivesCmd.AddCommand(&cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List drives",
		Args:    cobra.NoArgs,
		RunE:    runDrivesList,
	})

	rmCmd := &cobra.Command{
		Use:     "delete <drive-key>",
		Aliases: []string{"rm"},
		Short:   "Decommission a drive and every file on it",
		Args:    cobra.ExactArgs(1),
		RunE:    runDrivesDelete,
	}
	rmCmd.Flags().Bool("yes", false, "confirm deletion")
	drivesCmd.AddCommand(rmCmd)

	return drivesCmd
}

func runDrivesList(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	cat, err := openCatalog(cfg, log.Logger)
	if err != nil {
		return err
	}
	defer func() { _ = cat.Close() }()

	drives, err := cat.ListDrives(cmd.Context())
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if len(drives) == 0 {
		_, _ = fmt.Fprintln(out, "No drives found.")
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "KEY\tID\tFILES\tSIZE\tCREATED")
	for _, d := range drives {
		_, _ = fmt.Fprintf(w, "%d\t%s\t%d\t%s\t%s\n",
			d.Key, d.ID, d.Files, bytesize.Format(d.Bytes), d.CreatedTime.Local().Format(timeFormat))
	}
	return w.Flush()
}

func runDrivesDelete(cmd *cobra.Command, args []string) error {
	key, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil || key <= 0 {
		return fmt.Errorf("invalid drive key %q", args[0])
	}
	if yes, _ := cmd.Flags().GetBool("yes"); !yes {
		return fmt.Errorf("decommissioning drive %d deletes every file on it; pass --yes to confirm", key)
	}

	return withGateway(cmd, func(ctx context.Context, g *gateway) error {
		n, err := g.service.DecommissionDrive(ctx, key, operator())
		if err != nil {
			return err
		}
		_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Decommissioned drive %d (%d files)\n", key, n)
		return nil
	})
}

func newFilesCmd() *cobra.Command {
	filesCmd := &cobra.Command{
		Use:   "files",
		Short: "Inspect and delete stored files",
		Long: `Inspect and delete stored files directly through the catalog.

Examples:
  # Files larger than 1GiB not read in 90 days
  castella files ls --min-size 1GiB --accessed-before 2026-01-01T00:00:00Z

  # Show one file
  castella files info 42

  # Delete files
  castella files rm 42 43`,
	}

	lsCmd := &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List files",
		Args:    cobra.NoArgs,
		RunE:    runFilesList,
	}
	lsCmd.Flags().Int64("drive", 0, "only files on this drive key")
	lsCmd.Flags().Var(new(bytesize.Size), "min-size", "minimum size, e.g. 10MiB")
	lsCmd.Flags().Var(new(bytesize.Size), "max-size", "maximum size, e.g. 1GiB")
	lsCmd.Flags().String("content-type", "", "exact content type")
	lsCmd.Flags().String("created-after", "", "RFC3339 time")
	lsCmd.Flags().String("created-before", "", "RFC3339 time")
	lsCmd.Flags().String("accessed-before", "", "RFC3339 time")
	lsCmd.Flags().Int("limit", 100, "maximum number of files")
	lsCmd.Flags().Int("offset", 0, "files to skip")
	filesCmd.AddCommand(lsCmd)

	filesCmd.AddCommand(&cobra.Command{
		Use:   "info <key>",
		Short: "Show one file",
		Args:  cobra.ExactArgs(1),
		RunE:  runFilesInfo,
	})

	filesCmd.AddCommand(&cobra.Command{
		Use:     "delete <key>...",
		Aliases: []string{"rm"},
		Short:   "Delete files and their backend objects",
		Args:    cobra.MinimumNArgs(1),
		RunE:    runFilesDelete,
	})

	return filesCmd
}

func filesQuery(cmd *cobra.Command) (catalog.Query, error) {
	var q catalog.Query
	f := cmd.Flags()
	q.DriveKey, _ = f.GetInt64("drive")
	q.ContentType, _ = f.GetString("content-type")
	q.Limit, _ = f.GetInt("limit")
	q.Offset, _ = f.GetInt("offset")
	if q.Limit <= 0 || q.Offset < 0 {
		return q, fmt.Errorf("--limit must be positive and --offset not negative")
	}

	q.MinSize = f.Lookup("min-size").Value.(*bytesize.Size).Bytes()
	q.MaxSize = f.Lookup("max-size").Value.(*bytesize.Size).Bytes()
	for flag, dst := range map[string]*time.Time{
		"created-after":   &q.CreatedAfter,
		"created-before":  &q.CreatedBefore,
		"accessed-before": &q.AccessedBefore,
	} {
		v, _ := f.GetString(flag)
		if v == "" {
			continue
		}
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return q, fmt.Errorf("--%s: %w", flag, err)
		}
		*dst = t
	}
	return q, nil
}

func runFilesList(cmd *cobra.Command, args []string) error {
	q, err := filesQuery(cmd)
	if err != nil {
		return err
	}
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	cat, err := openCatalog(cfg, log.Logger)
	if err != nil {
		return err
	}
	defer func() { _ = cat.Close() }()

	files, err := cat.FindFiles(cmd.Context(), q)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if len(files) == 0 {
		_, _ = fmt.Fprintln(out, "No files found.")
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "KEY\tDRIVE\tSIZE\tTYPE\tCREATED\tACCESSED")
	for _, f := range files {
		_, _ = fmt.Fprintf(w, "%s\t%d\t%s\t%s\t%s\t%s\n",
			proto.FormatKey(f.Key), f.DriveKey, bytesize.Format(f.Size), f.ContentType,
			f.CreatedTime.Local().Format(timeFormat), f.AccessedTime.Local().Format(timeFormat))
	}
	return w.Flush()
}

func runFilesInfo(cmd *cobra.Command, args []string) error {
	key, err := proto.ParseKey(args[0])
	if err != nil {
		return fmt.Errorf("invalid file key %q", args[0])
	}
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	cat, err := openCatalog(cfg, log.Logger)
	if err != nil {
		return err
	}
	defer func() { _ = cat.Close() }()

	rec, err := cat.GetFile(cmd.Context(), key, false)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintf(w, "Key:\t%s\n", proto.FormatKey(rec.Key))
	_, _ = fmt.Fprintf(w, "Object:\t%s\n", rec.ID)
	_, _ = fmt.Fprintf(w, "Drive:\t%d (%s)\n", rec.DriveKey, rec.DriveID)
	_, _ = fmt.Fprintf(w, "Size:\t%s (%d bytes)\n", bytesize.Format(rec.Size), rec.Size)
	_, _ = fmt.Fprintf(w, "Content-Type:\t%s\n", rec.ContentType)
	_, _ = fmt.Fprintf(w, "Created:\t%s\n", rec.CreatedTime.UTC().Format(time.RFC3339))
	_, _ = fmt.Fprintf(w, "Accessed:\t%s\n", rec.AccessedTime.UTC().Format(time.RFC3339))
	return w.Flush()
}

func runFilesDelete(cmd *cobra.Command, args []string) error {
	keys := make([]int64, len(args))
	for i, a := range args {
		k, err := proto.ParseKey(a)
		if err != nil {
			return fmt.Errorf("invalid file key %q", a)
		}
		keys[i] = k
	}

	return withGateway(cmd, func(ctx context.Context, g *gateway) error {
		var failed int
		for _, k := range keys {
			if _, err := g.service.Delete(ctx, k); err != nil {
				failed++
				_, _ = fmt.Fprintf(cmd.ErrOrStderr(), "%s: %v\n", proto.FormatKey(k), err)
				continue
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Deleted %s\n", proto.FormatKey(k))
		}
		if failed > 0 {
			return fmt.Errorf("%d of %d deletions failed", failed, len(keys))
		}
		return nil
	})
}

// withGateway opens the full stack for a one-shot operator command and
// drains remote deletions before returning.
func withGateway(cmd *cobra.Command, fn func(ctx context.Context, g *gateway) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	g, err := openGateway(ctx, cfg, prometheus.NewRegistry(), log.Logger, false)
	if err != nil {
		return err
	}
	defer g.Close()

	err = fn(ctx, g)
	if left := g.drainPurge(ctx); left > 0 {
		log.Warn().Int("objects", left).Msg("Some backend objects could not be deleted and are now orphaned")
	}
	return err
}

// operator names the local user in audit events.
func operator() string {
	if u, err := user.Current(); err == nil && u.Username != "" {
		return "cli:" + u.Username
	}
	return "cli"
}
