package main

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"
	"text/tabwriter"
)

var (
	outputFormat string // "table", "json", "raw"
	outputField  string // for -field=key
)

// printResult outputs data in the chosen format.
func printResult(data map[string]any) {
	switch outputFormat {
	case "json":
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		enc.Encode(data) //nolint:errcheck
	case "raw":
		if outputField != "" {
			if v, ok := data[outputField]; ok {
				fmt.Println(v)
			}
		} else {
			for _, k := range sortedKeys(data) {
				fmt.Printf("%s=%v\n", k, data[k])
			}
		}
	default:
		if inner, ok := data["data"].(map[string]any); ok && len(data) == 1 {
			data = inner
		}
		printTable(data)
	}
}

// printRows renders a list response as one row per item with the given columns.
func printRows(data map[string]any, columns ...string) {
	rows, ok := data["data"].([]any)
	if !ok || outputFormat != "table" {
		printResult(data)
		return
	}
	if len(rows) == 0 {
		fmt.Println("No entries found")
		return
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, strings.ToUpper(strings.Join(columns, "\t")))
	for _, row := range rows {
		m, _ := row.(map[string]any)
		vals := make([]string, len(columns))
		for i, c := range columns {
			vals[i] = format(m[c])
		}
		fmt.Fprintln(w, strings.Join(vals, "\t"))
	}
	w.Flush()
	if next, _ := data["next_cursor"].(string); next != "" {
		fmt.Printf("\nmore results: --cursor %s\n", next)
	}
}

func printTable(data map[string]any) {
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	for _, k := range sortedKeys(data) {
		v := data[k]
		switch val := v.(type) {
		case map[string]any:
			fmt.Fprintf(w, "%s\t\n", strings.ToUpper(k))
			for _, kk := range sortedKeys(val) {
				fmt.Fprintf(w, "  %s\t%s\n", kk, format(val[kk]))
			}
		default:
			fmt.Fprintf(w, "%s\t%s\n", k, format(v))
		}
	}
	w.Flush()
}

func format(v any) string {
	switch val := v.(type) {
	case nil:
		return "-"
	case []any:
		parts := make([]string, len(val))
		for i, p := range val {
			parts[i] = format(p)
		}
		return strings.Join(parts, ", ")
	case map[string]any:
		b, _ := json.Marshal(val)
		return string(b)
	default:
		return fmt.Sprintf("%v", val)
	}
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func printError(msg string) {
	fmt.Fprintf(os.Stderr, "Error: %s\n", msg)
}

func printSuccess(msg string) {
	fmt.Println(msg)
}
