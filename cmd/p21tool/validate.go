package main

import (
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"stepcore/internal/core"
	"stepcore/pkg/sdai"
)

type checkResult struct {
	Check    string                 `json:"check"`
	Result   sdai.Logical           `json:"result"`
	Complete bool                   `json:"complete"`
	Failures []core.ValidationEntry `json:"failures,omitempty"`
}

type schemaResult struct {
	SchemaInstance string        `json:"schema_instance"`
	Schema         string        `json:"schema"`
	Models         []string      `json:"models"`
	Result         sdai.Logical  `json:"result"`
	Checks         []checkResult `json:"checks"`
}

func newValidateCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "validate FILE",
		Short: "Decode an exchange file and validate it per schema",
		Long: `Decode FILE (or - for stdin), group its models by schema into one schema
instance each and run the full validation: reference domains, global
rules, uniqueness rules and where rules. Exits non-zero unless every
schema instance validates TRUE.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			w, err := openWorkspace(ctx, opts, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			var results []schemaResult
			runErr := w.decode(ctx, args[0], cmd.InOrStdin())
			if runErr == nil {
				results, runErr = validateModels(cmd, w)
			}
			if err := w.close(ctx, false); runErr == nil {
				runErr = err
			}
			if runErr != nil {
				return runErr
			}
			out := cmd.OutOrStdout()
			if opts.format == formatJSON {
				err = writeJSON(out, results)
			} else {
				writeValidationText(out, results)
			}
			if err != nil {
				return err
			}
			for _, r := range results {
				if r.Result != sdai.True {
					return fmt.Errorf("schema instance %s validated %s", r.SchemaInstance, r.Result)
				}
			}
			return nil
		},
	}
}

func validateModels(cmd *cobra.Command, w *workspace) ([]schemaResult, error) {
	ctx := cmd.Context()
	bySchema := make(map[*core.SchemaDefinition][]*core.SdaiModel)
	var order []*core.SchemaDefinition
	for _, m := range w.models {
		if _, ok := bySchema[m.Schema()]; !ok {
			order = append(order, m.Schema())
		}
		bySchema[m.Schema()] = append(bySchema[m.Schema()], m)
	}
	results := make([]schemaResult, 0, len(order))
	for _, schema := range order {
		si, err := w.tx.CreateSchemaInstance(w.repo, strings.ToLower(schema.Name), schema)
		if err != nil {
			return nil, err
		}
		res := schemaResult{SchemaInstance: si.Name(), Schema: schema.Name}
		for _, m := range bySchema[schema] {
			if err := w.tx.AddSdaiModel(si, m); err != nil {
				return nil, err
			}
			res.Models = append(res.Models, m.Name())
		}
		res.Result, err = si.PerformValidateSchemaInstance(ctx, w.tx)
		if err != nil {
			return nil, err
		}
		for _, rec := range []*core.ValidationRecord{
			si.ReferenceDomainRecord(), si.GlobalRuleRecord(), si.UniquenessRuleRecord(), si.WhereRuleRecord(),
		} {
			if rec == nil {
				continue
			}
			res.Checks = append(res.Checks, checkResult{
				Check: rec.Check, Result: rec.Result, Complete: rec.Complete, Failures: rec.Failures(),
			})
		}
		results = append(results, res)
	}
	sort.Slice(results, func(i, j int) bool { return results[i].SchemaInstance < results[j].SchemaInstance })
	return results, nil
}

func writeValidationText(w io.Writer, results []schemaResult) {
	for _, r := range results {
		fmt.Fprintf(w, "%s (%s): %s\n", r.SchemaInstance, r.Schema, r.Result)
		for _, c := range r.Checks {
			suffix := ""
			if !c.Complete {
				suffix = " (incomplete)"
			}
			fmt.Fprintf(w, "  %-18s %s%s\n", c.Check, c.Result, suffix)
			for _, f := range c.Failures {
				fmt.Fprintf(w, "    %s", f.Rule)
				if f.Instance != 0 {
					fmt.Fprintf(w, " #%d", f.Instance)
				}
				if f.Attribute != "" {
					fmt.Fprintf(w, " %s", f.Attribute)
				}
				fmt.Fprintf(w, ": %s", f.Result)
				if f.Message != "" {
					fmt.Fprintf(w, " %s", f.Message)
				}
				fmt.Fprintln(w)
			}
		}
	}
}
