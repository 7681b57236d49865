package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"
)

const (
	outputAuto  = "auto"
	outputTable = "table"
	outputJSON  = "json"
)

// wantTable resolves --output: auto means a table on a terminal and JSON
// everywhere else.
func wantTable(cmd *cobra.Command) bool {
	mode, _ := cmd.Flags().GetString("output")
	switch mode {
	case outputTable:
		return true
	case outputJSON:
		return false
	default:
		return isTerminal(cmd.OutOrStdout())
	}
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	fd := f.Fd()
	return isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
}

// writeJSON encodes v as indented JSON to the command's stdout.
func writeJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// writeKV prints label/value pairs as a two-column table.
func writeKV(cmd *cobra.Command, rows [][2]string) {
	tw := table.NewWriter()
	tw.SetStyle(table.StyleRounded)
	tw.AppendHeader(table.Row{"Field", "Value"})
	for _, r := range rows {
		tw.AppendRow(table.Row{r[0], r[1]})
	}
	tw.SetColumnConfigs([]table.ColumnConfig{
		{Number: 1, Align: text.AlignLeft},
		{Number: 2, Align: text.AlignRight, AlignHeader: text.AlignLeft},
	})
	fmt.Fprintln(cmd.OutOrStdout(), tw.Render())
}

// emit writes v as JSON or, on a terminal, rows as a table.
func emit(cmd *cobra.Command, v any, rows [][2]string) error {
	if wantTable(cmd) {
		writeKV(cmd, rows)
		return nil
	}
	return writeJSON(cmd, v)
}
