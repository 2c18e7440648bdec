package cli

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/mesh-intelligence/metafield/internal/engine"
	"github.com/mesh-intelligence/metafield/pkg/types"
)

// parseValue reads a command-line value as JSON when it is valid JSON and
// as a plain string otherwise, so that `4`, `true`, `null` and `["a","b"]`
// keep their types while `blue` needs no quoting.
func parseValue(s string) any {
	dec := json.NewDecoder(strings.NewReader(s))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil || dec.More() {
		return s
	}
	return v
}

func formatValue(v any) string {
	if v == nil {
		return "-"
	}
	if s, ok := v.(string); ok {
		return s
	}
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(v); err != nil {
		return fmt.Sprint(v)
	}
	return strings.TrimSpace(buf.String())
}

func newShowCmd(a *app) *cobra.Command {
	var scope string
	cmd := &cobra.Command{
		Use:   "show <asset-id>",
		Short: "Show the editable metadata of an asset",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := a.open(cmd.Context(), engine.Options{})
			if err != nil {
				return err
			}
			defer s.Close()

			meta, err := s.svc.EditableMetadata(cmd.Context(), args[0], scope)
			if err != nil {
				return err
			}
			return a.print(cmd.OutOrStdout(), meta, func(w io.Writer) {
				tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "FIELD\tTYPE\tSTATE\tVALUE\tPROVENANCE\tVERSION")
				for _, f := range meta.Fields {
					fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%d\n",
						f.FieldID, f.Type, f.State, formatValue(f.Value), f.Provenance, f.Version)
				}
				_ = tw.Flush()
				score := "-"
				if meta.ComplianceScore != nil {
					score = fmt.Sprint(*meta.ComplianceScore)
				}
				fmt.Fprintf(w, "\npending changes: %d\ncompliance: %s (%s)\n",
					meta.PendingCount, score, meta.EvaluationStatus)
			})
		},
	}
	cmd.Flags().StringVar(&scope, "scope", "", "tenant or brand scope")
	return cmd
}

func newSetCmd(a *app) *cobra.Command {
	var (
		override bool
		expected int64
	)
	cmd := &cobra.Command{
		Use:   "set <asset-id> <field-id> <value>",
		Short: "Edit a field value",
		Long: "Edit a field value. Edits to fields that require approval are queued\n" +
			"for review; other edits apply immediately. Values are parsed as JSON\n" +
			"when possible, so pass null to clear a field.",
		Args: cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := a.open(cmd.Context(), engine.Options{})
			if err != nil {
				return err
			}
			defer s.Close()

			req := engine.EditRequest{
				AssetID:        args[0],
				FieldID:        args[1],
				Value:          parseValue(args[2]),
				Actor:          a.flags.actor,
				OverrideIntent: override,
			}
			if cmd.Flags().Changed("expected-version") {
				req.ExpectedVersion = &expected
			}
			res, err := s.svc.ProposeEdit(cmd.Context(), req)
			if err != nil {
				return err
			}
			return a.print(cmd.OutOrStdout(), res, func(w io.Writer) {
				if res.Pending != nil {
					fmt.Fprintf(w, "Queued change %s for review\n", res.Pending.ChangeID)
					return
				}
				fmt.Fprintf(w, "Set %s/%s = %s (version %d)\n",
					res.Applied.AssetID, res.Applied.FieldID, formatValue(res.Applied.Value), res.Applied.Version)
			})
		},
	}
	cmd.Flags().BoolVar(&override, "override", false, "override the automatic value of a hybrid field")
	cmd.Flags().Int64Var(&expected, "expected-version", 0, "fail unless the stored version matches")
	return cmd
}

func newAutomaticCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "automatic <asset-id> <field-id> <value>",
		Short: "Record a value produced by automation",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := a.open(cmd.Context(), engine.Options{})
			if err != nil {
				return err
			}
			defer s.Close()

			res, err := s.svc.RecordAutomatic(cmd.Context(), args[0], args[1], parseValue(args[2]), a.flags.actor)
			if err != nil {
				return err
			}
			return a.print(cmd.OutOrStdout(), res, func(w io.Writer) {
				if res.Outcome == engine.AutomaticSuppressed {
					fmt.Fprintf(w, "Kept human override %s; automatic candidate remembered\n", formatValue(res.Value.Value))
					return
				}
				fmt.Fprintf(w, "Applied %s (version %d)\n", formatValue(res.Value.Value), res.Value.Version)
			})
		},
	}
}

func newClearOverrideCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "clear-override <asset-id> <field-id>",
		Short: "Return a hybrid field to its automatic value",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := a.open(cmd.Context(), engine.Options{})
			if err != nil {
				return err
			}
			defer s.Close()

			v, err := s.svc.ClearOverride(cmd.Context(), args[0], args[1], a.flags.actor)
			if err != nil {
				return err
			}
			return a.print(cmd.OutOrStdout(), v, func(w io.Writer) {
				fmt.Fprintf(w, "%s/%s is %s (%s)\n", v.AssetID, v.FieldID, formatValue(v.Value), v.Provenance)
			})
		},
	}
}

func printChanges(w io.Writer, changes []*types.PendingChange) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "CHANGE\tASSET\tFIELD\tVALUE\tSOURCE\tSTATUS\tBY")
	for _, c := range changes {
		by := c.SubmittedBy
		if c.ResolvedBy != "" {
			by = c.ResolvedBy
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			c.ChangeID, c.AssetID, c.FieldID, formatValue(c.Value), c.Source, c.Status, by)
	}
	_ = tw.Flush()
}
