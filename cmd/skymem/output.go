package main

import (
	"fmt"
	"os"

	"github.com/kalambet/skymem/internal/store"
)

const (
	colorReset  = "\033[0m"
	colorRed    = "\033[31m"
	colorGreen  = "\033[32m"
	colorYellow = "\033[33m"
	colorCyan   = "\033[36m"
	colorBold   = "\033[1m"
)

func colorize(color, text string) string {
	if noColor {
		return text
	}
	return color + text + colorReset
}

func printSuccess(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	fmt.Fprintln(os.Stderr, colorize(colorGreen, "✓ "+msg))
}

func printError(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	fmt.Fprintln(os.Stderr, colorize(colorRed, "✗ "+msg))
}

func printWarning(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	fmt.Fprintln(os.Stderr, colorize(colorYellow, "⚠ "+msg))
}

func printStatus(label string, format string, args ...any) {
	val := fmt.Sprintf(format, args...)
	l := colorize(colorBold, label+":")
	fmt.Fprintf(os.Stderr, "  %s %s\n", l, val)
}

func printStep(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	fmt.Fprintln(os.Stderr, colorize(colorCyan, "→ "+msg))
}

// printSummary reports an ingest batch outcome. Per-record failures are
// listed but never turn the batch into an error.
func printSummary(sum store.IngestSummary) error {
	printStatus("inserted", "%d", sum.Inserted)
	printStatus("duplicates", "%d", sum.Duplicates)
	if sum.Failed > 0 {
		printWarning("%d record(s) failed", sum.Failed)
		for _, e := range sum.Errors {
			fmt.Fprintf(os.Stderr, "  - %v\n", e)
		}
	}
	return nil
}
