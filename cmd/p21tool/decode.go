package main

import (
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"stepcore/internal/blob"
	"stepcore/internal/p21"
)

type decodeResult struct {
	File    string         `json:"file"`
	Schemas []string       `json:"schemas"`
	Models  []modelSummary `json:"models"`
	Archive *blob.Info     `json:"archive,omitempty"`
}

func newDecodeCmd(opts *options) *cobra.Command {
	var commit bool
	cmd := &cobra.Command{
		Use:   "decode FILE",
		Short: "Decode an exchange file and report its models",
		Long: `Decode FILE (or - for stdin) into SDAI-models, one per DATA section, and
print the instance counts. With --commit the models are saved to the
configured storage backend; with --archive the normalised file is stored
in the configured blob archive under the given key.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			w, err := openWorkspace(ctx, opts, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			runErr := w.decode(ctx, args[0], cmd.InOrStdin())
			res := decodeResult{File: args[0]}
			if runErr == nil {
				res.Schemas = w.es.Header.Schemas
				res.Models = summarize(w.models, opts.verbose)
				if opts.archiveKey != "" {
					res.Archive, runErr = archive(cmd, w, opts.archiveKey)
				}
			}
			if err := w.close(ctx, commit && runErr == nil); runErr == nil {
				runErr = err
			}
			if runErr != nil {
				return runErr
			}
			out := cmd.OutOrStdout()
			if opts.format == formatJSON {
				return writeJSON(out, res)
			}
			writeModelsText(out, res.Models)
			if res.Archive != nil {
				fmt.Fprintf(out, "archived %s (%s)\n", res.Archive.Key, humanize.Bytes(uint64(res.Archive.Size)))
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&commit, "commit", false, "Save decoded models to the configured storage backend")
	cmd.Flags().StringVar(&opts.archiveKey, "archive", "", "Store the normalised file in the blob archive under this key")
	return cmd
}

func archive(cmd *cobra.Command, w *workspace, key string) (*blob.Info, error) {
	store, err := blob.Open(cmd.Context(), w.cfg.BlobOptions())
	if err != nil {
		return nil, fmt.Errorf("open archive: %w", err)
	}
	info, err := p21.ArchiveModels(cmd.Context(), store, key, w.es.Header, w.models...)
	if err != nil {
		return nil, err
	}
	return &info, nil
}
