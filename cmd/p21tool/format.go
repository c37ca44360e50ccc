package main

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"

	"github.com/dustin/go-humanize"

	"stepcore/internal/core"
)

const (
	formatText = "text"
	formatJSON = "json"
)

type modelSummary struct {
	Name      string         `json:"name"`
	Schema    string         `json:"schema"`
	Instances int            `json:"instances"`
	Entities  map[string]int `json:"entities,omitempty"`
}

func summarize(models []*core.SdaiModel, perEntity bool) []modelSummary {
	out := make([]modelSummary, 0, len(models))
	for _, m := range models {
		c := m.Contents()
		sum := modelSummary{Name: m.Name(), Schema: m.Schema().Name, Instances: c.Len()}
		if perEntity {
			sum.Entities = make(map[string]int)
			for _, name := range c.ExtentNames() {
				sum.Entities[name] = c.Extent(name).Len()
			}
		}
		out = append(out, sum)
	}
	return out
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func writeModelsText(w io.Writer, models []modelSummary) {
	for _, m := range models {
		fmt.Fprintf(w, "%s (%s): %s instances\n", m.Name, m.Schema, humanize.Comma(int64(m.Instances)))
		names := make([]string, 0, len(m.Entities))
		for name := range m.Entities {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			fmt.Fprintf(w, "  %-32s %s\n", name, humanize.Comma(int64(m.Entities[name])))
		}
	}
}
