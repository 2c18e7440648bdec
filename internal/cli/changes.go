package cli

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/mesh-intelligence/metafield/internal/engine"
	"github.com/mesh-intelligence/metafield/pkg/types"
)

func printResolution(a *app, w io.Writer, verb string, res *engine.Resolution) error {
	return a.print(w, res, func(w io.Writer) {
		if res.Replayed {
			fmt.Fprintf(w, "Change %s was already %s\n", res.Change.ChangeID, res.Change.Status)
			return
		}
		fmt.Fprintf(w, "%s %s (%s/%s)\n", verb, res.Change.ChangeID, res.Change.AssetID, res.Change.FieldID)
	})
}

func newApproveCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "approve <change-id>",
		Short: "Approve a pending change",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := a.open(cmd.Context(), engine.Options{})
			if err != nil {
				return err
			}
			defer s.Close()

			res, err := s.svc.Approve(cmd.Context(), args[0], a.flags.actor)
			if err != nil {
				return err
			}
			return printResolution(a, cmd.OutOrStdout(), "Approved", res)
		},
	}
}

func newRejectCmd(a *app) *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "reject <change-id>",
		Short: "Reject a pending change",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := a.open(cmd.Context(), engine.Options{})
			if err != nil {
				return err
			}
			defer s.Close()

			res, err := s.svc.Reject(cmd.Context(), args[0], a.flags.actor, reason)
			if err != nil {
				return err
			}
			return printResolution(a, cmd.OutOrStdout(), "Rejected", res)
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "reason recorded with the rejection")
	return cmd
}

func newReviewCmd(a *app) *cobra.Command {
	var (
		filter engine.ReviewFilter
		source string
	)
	cmd := &cobra.Command{
		Use:   "review",
		Short: "List items awaiting review",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := a.open(cmd.Context(), engine.Options{})
			if err != nil {
				return err
			}
			defer s.Close()

			filter.Source = types.ChangeSource(source)
			items, err := s.svc.ListReviewQueue(cmd.Context(), filter)
			if err != nil {
				return err
			}
			return a.print(cmd.OutOrStdout(), items, func(w io.Writer) {
				tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "KIND\tID\tASSET\tFIELD\tVALUE\tSOURCE\tCONFIDENCE\tSUBMITTED BY")
				for _, it := range items {
					conf := "-"
					if it.Confidence != nil {
						conf = fmt.Sprintf("%.2f", *it.Confidence)
					}
					fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
						it.Kind, it.ID, it.AssetID, it.FieldID, formatValue(it.Value), it.Source, conf, it.SubmittedBy)
				}
				_ = tw.Flush()
			})
		},
	}
	f := cmd.Flags()
	f.StringVar(&filter.AssetID, "asset", "", "only this asset")
	f.StringVar(&filter.FieldID, "field", "", "only this field")
	f.StringVar(&filter.Kind, "kind", "", "only this review kind")
	f.StringVar(&source, "source", "", "only human or suggestion changes")
	f.IntVar(&filter.Limit, "limit", 0, "maximum number of items")
	return cmd
}

func newHistoryCmd(a *app) *cobra.Command {
	var (
		field  string
		status string
		limit  int
	)
	cmd := &cobra.Command{
		Use:   "history <asset-id>",
		Short: "List resolved changes of an asset",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := a.open(cmd.Context(), engine.Options{})
			if err != nil {
				return err
			}
			defer s.Close()

			changes, err := s.svc.History(cmd.Context(), types.ChangeFilter{
				AssetID: args[0],
				FieldID: field,
				Status:  types.ChangeStatus(status),
				Limit:   limit,
			})
			if err != nil {
				return err
			}
			return a.print(cmd.OutOrStdout(), changes, func(w io.Writer) {
				printChanges(w, changes)
			})
		},
	}
	cmd.Flags().StringVar(&field, "field", "", "only this field")
	cmd.Flags().StringVar(&status, "status", "", "approved, rejected or superseded")
	cmd.Flags().IntVar(&limit, "limit", 0, "maximum number of changes")
	return cmd
}
