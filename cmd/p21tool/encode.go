package main

import (
	"github.com/spf13/cobra"

	"stepcore/internal/p21"
)

func newEncodeCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "encode FILE",
		Short: "Decode an exchange file and write it back normalised",
		Long: `Decode FILE (or - for stdin) and write the models back to stdout as a
single exchange file: one DATA section per model, instances ordered by
name, strings re-encoded.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			w, err := openWorkspace(ctx, opts, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			runErr := w.decode(ctx, args[0], cmd.InOrStdin())
			if runErr == nil {
				runErr = p21.NewEncoder(cmd.OutOrStdout()).Encode(w.es.Header, w.models...)
			}
			if err := w.close(ctx, false); runErr == nil {
				runErr = err
			}
			return runErr
		},
	}
}
