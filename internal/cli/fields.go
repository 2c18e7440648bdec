package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/mesh-intelligence/metafield/internal/engine"
	"github.com/mesh-intelligence/metafield/internal/fieldfile"
	"github.com/mesh-intelligence/metafield/pkg/types"
)

func newFieldsCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "fields",
		Short: "Manage field definitions",
	}
	cmd.AddCommand(newFieldsImportCmd(a), newFieldsListCmd(a))
	return cmd
}

func newFieldsImportCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "import <file>",
		Short: "Create or replace field definitions from a YAML file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := a.open(cmd.Context(), engine.Options{})
			if err != nil {
				return err
			}
			defer s.Close()

			n, err := fieldfile.Import(cmd.Context(), s.svc.Registry, args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Imported %d field definitions\n", n)
			return nil
		},
	}
}

func newFieldsListCmd(a *app) *cobra.Command {
	var scope string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "Print field definitions as YAML",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := a.open(cmd.Context(), engine.Options{})
			if err != nil {
				return err
			}
			defer s.Close()

			defs, err := s.svc.Registry.Definitions(cmd.Context(), types.FieldFilter{Scope: scope})
			if err != nil {
				return err
			}
			if a.flags.jsonMode {
				return a.print(cmd.OutOrStdout(), defs, func(io.Writer) {})
			}
			return fieldfile.Encode(cmd.OutOrStdout(), defs)
		},
	}
	cmd.Flags().StringVar(&scope, "scope", "", "only this tenant or brand scope")
	return cmd
}
