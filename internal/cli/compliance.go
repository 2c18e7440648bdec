package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/mesh-intelligence/metafield/internal/engine"
)

func newRescoreCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "rescore <asset-id>",
		Short: "Request a compliance recomputation",
		Long: "Request a compliance recomputation. The command records the request\n" +
			"and marks the score in flight; the scorer reports the result through\n" +
			"POST /assets/{asset}/score on a running server.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := a.open(cmd.Context(), engine.Options{})
			if err != nil {
				return err
			}
			defer s.Close()

			status, err := s.svc.RequestRescore(cmd.Context(), args[0], a.flags.actor)
			if err != nil {
				return err
			}
			return a.print(cmd.OutOrStdout(), map[string]any{"asset_id": args[0], "status": status}, func(w io.Writer) {
				fmt.Fprintf(w, "%s: %s\n", args[0], status)
			})
		},
	}
}
