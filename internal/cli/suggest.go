package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/mesh-intelligence/metafield/internal/engine"
)

// readCandidates decodes a JSON array of candidates, or a stream of
// candidate objects one after another.
func readCandidates(r io.Reader) ([]engine.CandidateEvent, error) {
	dec := json.NewDecoder(r)
	dec.UseNumber()
	var out []engine.CandidateEvent
	for dec.More() {
		var raw json.RawMessage
		if err := dec.Decode(&raw); err != nil {
			return nil, fmt.Errorf("decoding candidates: %w", err)
		}
		if len(raw) > 0 && raw[0] == '[' {
			var batch []engine.CandidateEvent
			if err := json.Unmarshal(raw, &batch); err != nil {
				return nil, fmt.Errorf("decoding candidates: %w", err)
			}
			out = append(out, batch...)
			continue
		}
		var c engine.CandidateEvent
		if err := json.Unmarshal(raw, &c); err != nil {
			return nil, fmt.Errorf("decoding candidate: %w", err)
		}
		out = append(out, c)
	}
	return out, nil
}

func newSuggestCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "suggest [file]",
		Short: "Queue AI suggestions for review",
		Long: "Queue AI suggestions for review. Reads candidate events as JSON from\n" +
			"file or stdin. Suggestions never apply without approval.",
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			in := cmd.InOrStdin()
			if len(args) == 1 && args[0] != "-" {
				f, err := os.Open(args[0])
				if err != nil {
					return err
				}
				defer f.Close()
				in = f
			}
			candidates, err := readCandidates(in)
			if err != nil {
				return err
			}
			for i := range candidates {
				if candidates[i].Producer == "" {
					candidates[i].Producer = a.flags.actor
				}
			}

			s, err := a.open(cmd.Context(), engine.Options{})
			if err != nil {
				return err
			}
			defer s.Close()

			results, err := s.svc.IngestBatch(cmd.Context(), candidates)
			if err != nil {
				return err
			}
			failed := 0
			w := cmd.OutOrStdout()
			for _, res := range results {
				if res.Err != nil {
					failed++
					fmt.Fprintf(cmd.ErrOrStderr(), "%s/%s: %v\n", res.Candidate.AssetID, res.Candidate.FieldID, res.Err)
					continue
				}
				if !a.flags.jsonMode {
					fmt.Fprintf(w, "Queued %s for %s/%s\n", res.Change.ChangeID, res.Change.AssetID, res.Change.FieldID)
				}
			}
			if a.flags.jsonMode {
				queued := make([]any, 0, len(results))
				for _, res := range results {
					if res.Change != nil {
						queued = append(queued, res.Change)
					}
				}
				if err := a.print(w, queued, nil); err != nil {
					return err
				}
			}
			if failed > 0 {
				return fmt.Errorf("%d of %d suggestions rejected", failed, len(results))
			}
			return nil
		},
	}
}
