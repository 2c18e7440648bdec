package cli

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/mesh-intelligence/metafield/internal/engine"
	"github.com/mesh-intelligence/metafield/internal/sqlite"
	"github.com/mesh-intelligence/metafield/pkg/types"
)

type auditFlags struct {
	asset  string
	field  string
	action string
	since  time.Duration
	limit  int
}

func (f *auditFlags) register(cmd *cobra.Command) {
	fl := cmd.Flags()
	fl.StringVar(&f.asset, "asset", "", "only this asset")
	fl.StringVar(&f.field, "field", "", "only this field")
	fl.StringVar(&f.action, "action", "", "only this action")
	fl.DurationVar(&f.since, "since", 0, "only entries younger than this")
	fl.IntVar(&f.limit, "limit", 0, "maximum number of entries")
}

func (f *auditFlags) filter() types.AuditFilter {
	filter := types.AuditFilter{
		AssetID: f.asset,
		FieldID: f.field,
		Action:  types.AuditAction(f.action),
		Limit:   f.limit,
	}
	if f.since > 0 {
		filter.Since = time.Now().UTC().Add(-f.since)
	}
	return filter
}

func newAuditCmd(a *app) *cobra.Command {
	var flags auditFlags
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "List audit entries",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := a.open(cmd.Context(), engine.Options{})
			if err != nil {
				return err
			}
			defer s.Close()

			entries, err := s.svc.Audit(cmd.Context(), flags.filter())
			if err != nil {
				return err
			}
			return a.print(cmd.OutOrStdout(), entries, func(w io.Writer) {
				tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "TIME\tACTION\tASSET\tFIELD\tACTOR\tCHANGE")
				for _, e := range entries {
					fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
						e.CreatedAt.Format(time.RFC3339), e.Action, e.AssetID, e.FieldID, e.Actor, e.ChangeID)
				}
				_ = tw.Flush()
			})
		},
	}
	flags.register(cmd)
	cmd.AddCommand(newAuditExportCmd(a))
	return cmd
}

func newAuditExportCmd(a *app) *cobra.Command {
	var flags auditFlags
	cmd := &cobra.Command{
		Use:   "export <file>",
		Short: "Write audit entries to a JSONL file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := a.open(cmd.Context(), engine.Options{})
			if err != nil {
				return err
			}
			defer s.Close()

			n, err := sqlite.ExportAudit(cmd.Context(), s.backend.Audit(), flags.filter(), args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Exported %d audit entries to %s\n", n, args[0])
			return nil
		},
	}
	flags.register(cmd)
	return cmd
}

func newPruneCmd(a *app) *cobra.Command {
	var retention time.Duration
	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Delete resolved changes older than the retention window",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !cmd.Flags().Changed("retention") {
				retention = a.cfg.Audit.Retention
			}
			if retention <= 0 {
				return fmt.Errorf("%w: retention must be positive (set --retention or audit.retention)", types.ErrInvalidFilter)
			}
			s, err := a.open(cmd.Context(), engine.Options{})
			if err != nil {
				return err
			}
			defer s.Close()

			n, err := s.svc.Purge(cmd.Context(), retention)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Pruned %d resolved changes\n", n)
			return nil
		},
	}
	cmd.Flags().DurationVar(&retention, "retention", 0, "keep changes resolved within this window")
	return cmd
}
