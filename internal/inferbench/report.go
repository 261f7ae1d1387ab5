package inferbench

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/olekukonko/tablewriter"
)

// Render writes one row per prompt.
func Render(w io.Writer, report *Report) {
	fmt.Fprintf(w, "engine %s  model %q  ctx %d  threads %d  memory %s\n\n",
		report.Engine, report.Model, report.Context, report.Threads, humanBytes(report.MemTotal))

	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"PROMPT", "RUNS", "TTFT AVG", "TTFT P95", "TOK/S AVG", "TOK/S P95", "TOKENS", "PEAK RSS", "ERRORS"})
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetHeaderLine(false)
	table.SetBorder(false)
	table.SetNoWhiteSpace(true)
	table.SetTablePadding("  ")
	for _, s := range report.Summaries {
		table.Append([]string{
			s.Name,
			strconv.Itoa(s.Iterations),
			s.TTFT.Mean.Round(time.Millisecond).String(),
			s.TTFT.P95.Round(time.Millisecond).String(),
			fmt.Sprintf("%.1f", s.GenerationTPS.Mean),
			fmt.Sprintf("%.1f", s.GenerationTPS.P95),
			fmt.Sprintf("%.0f", s.AvgTokensGen),
			humanBytes(s.PeakRSSBytes),
			strconv.Itoa(s.Errors),
		})
	}
	table.Render()
}

func humanBytes(n int64) string {
	if n <= 0 {
		return "-"
	}
	return fmt.Sprintf("%.1f MB", float64(n)/(1024*1024))
}

// Save writes report as indented JSON, creating parent directories.
func Save(report *Report, path string) error {
	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return err
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	return os.WriteFile(path, data, 0o644)
}
