package main

import (
	"fmt"
	"os"
)

// ANSI styles for CLI feedback. Human-facing messages go to stderr;
// stdout carries command results only.
const (
	ansiReset  = "\033[0m"
	ansiRed    = "\033[31m"
	ansiGreen  = "\033[32m"
	ansiYellow = "\033[33m"
	ansiCyan   = "\033[36m"
	ansiBold   = "\033[1m"
)

func colorize(style, text string) string {
	if noColor {
		return text
	}
	return style + text + ansiReset
}

func feedback(style, marker, format string, args ...any) {
	fmt.Fprintln(os.Stderr, colorize(style, marker+fmt.Sprintf(format, args...)))
}

func printSuccess(format string, args ...any) { feedback(ansiGreen, "✓ ", format, args...) }

func printError(format string, args ...any) { feedback(ansiRed, "✗ ", format, args...) }

func printWarning(format string, args ...any) { feedback(ansiYellow, "⚠ ", format, args...) }

func printStep(format string, args ...any) { feedback(ansiCyan, "→ ", format, args...) }

func printStatus(label, format string, args ...any) {
	fmt.Fprintf(os.Stderr, "  %s %s\n", colorize(ansiBold, label+":"), fmt.Sprintf(format, args...))
}
