// Package report renders evaluation results for the command line.
package report

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"

	"github.com/olekukonko/tablewriter"

	"github.com/example/biqt/internal/quality"
)

// Format selects the rendering of evaluation results.
type Format string

const (
	FormatText Format = "text"
	FormatJSON Format = "json"
)

// Header is the first row of text output.
var Header = []string{"Provider", "Image", "Detection", "AttributeType", "Key", "Value"}

// ParseFormat accepts "text" and "json", case-insensitively.
func ParseFormat(s string) (Format, error) {
	switch f := Format(strings.ToLower(strings.TrimSpace(s))); f {
	case FormatText, FormatJSON:
		return f, nil
	default:
		return "", fmt.Errorf("unknown output format %q (want json or text)", s)
	}
}

// Write renders the successful envelopes produced for one image. Envelopes
// carrying an error code are left to the caller. Nothing is written when
// no envelope succeeded.
func Write(w io.Writer, format Format, image string, envs []*quality.Envelope) error {
	ok := make([]*quality.Envelope, 0, len(envs))
	for _, env := range envs {
		if env != nil && env.Succeeded() {
			ok = append(ok, env)
		}
	}
	if len(ok) == 0 {
		return nil
	}

	switch format {
	case FormatJSON:
		return writeJSON(w, image, ok)
	case FormatText, "":
		return writeText(w, image, ok)
	default:
		return fmt.Errorf("unknown output format %q", format)
	}
}

func writeText(w io.Writer, image string, envs []*quality.Envelope) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(Header); err != nil {
		return err
	}
	for _, env := range envs {
		// Every envelope carries a single detection.
		const detection = "1"
		for _, key := range sortedKeys(env.Metrics) {
			row := []string{env.Provider, image, detection, "Metric", key, formatFloat(env.Metrics[key])}
			if err := cw.Write(row); err != nil {
				return err
			}
		}
		for _, key := range sortedKeys(env.Features) {
			row := []string{env.Provider, image, detection, "Feature", key, formatValue(env.Features[key])}
			if err := cw.Write(row); err != nil {
				return err
			}
		}
	}
	cw.Flush()
	return cw.Error()
}

type detection struct {
	Metrics  map[string]float64 `json:"metrics"`
	Features map[string]any     `json:"features"`
}

// writeJSON emits one line: {"<image>": {"<provider>": [detection]}}.
func writeJSON(w io.Writer, image string, envs []*quality.Envelope) error {
	byProvider := make(map[string][]detection, len(envs))
	for _, env := range envs {
		byProvider[env.Provider] = append(byProvider[env.Provider], detection{
			Metrics:  nonNilMetrics(env.Metrics),
			Features: nonNilFeatures(env.Features),
		})
	}
	return json.NewEncoder(w).Encode(map[string]map[string][]detection{image: byProvider})
}

// WriteProviders prints the providers table. modality filters rows when
// non-empty.
func WriteProviders(w io.Writer, infos []quality.ProviderInfo, modality string) int {
	var data [][]string
	for _, info := range infos {
		if modality == "" || info.Modality == modality {
			data = append(data, []string{info.Name, info.Version, info.Modality, info.Description})
		}
	}
	if len(data) == 0 {
		return 0
	}

	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"Provider", "Version", "Modality", "Description"})
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetAutoWrapText(false)
	table.SetHeaderLine(false)
	table.SetBorder(false)
	table.SetNoWhiteSpace(true)
	table.SetTablePadding("    ")
	table.AppendBulk(data)
	table.Render()
	return len(data)
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}

func formatValue(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case float64:
		return formatFloat(t)
	case float32:
		return formatFloat(float64(t))
	case bool:
		return strconv.FormatBool(t)
	default:
		if b, err := json.Marshal(t); err == nil {
			return string(b)
		}
		return fmt.Sprint(t)
	}
}

func nonNilMetrics(m map[string]float64) map[string]float64 {
	if m == nil {
		return map[string]float64{}
	}
	return m
}

func nonNilFeatures(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}
