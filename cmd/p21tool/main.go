// Command p21tool decodes, validates and re-encodes ISO 10303-21 exchange
// files.
package main

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
)

var exitFunc = os.Exit

type options struct {
	configPath string
	verbose    bool
	format     string
	repository string
	archiveKey string
}

func newRootCmd(stdout, stderr io.Writer) *cobra.Command {
	opts := &options{}
	root := &cobra.Command{
		Use:           "p21tool",
		Short:         "Inspect ISO 10303-21 exchange files",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			switch opts.format {
			case formatText, formatJSON:
				return nil
			default:
				return fmt.Errorf("unknown output format %q", opts.format)
			}
		},
	}
	root.SetOut(stdout)
	root.SetErr(stderr)
	root.PersistentFlags().StringVar(&opts.configPath, "config", "", "YAML configuration file (env: STEPCORE_CONFIG)")
	root.PersistentFlags().BoolVarP(&opts.verbose, "verbose", "v", false, "Log decoder and engine activity at debug level")
	root.PersistentFlags().StringVar(&opts.format, "format", formatText, "Output format: text|json")
	root.PersistentFlags().StringVar(&opts.repository, "repository", "P21TOOL", "Repository the decoded models are created in")

	root.AddCommand(newDecodeCmd(opts))
	root.AddCommand(newValidateCmd(opts))
	root.AddCommand(newEncodeCmd(opts))
	return root
}

func main() {
	root := newRootCmd(os.Stdout, os.Stderr)
	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		exitFunc(1)
	}
}
