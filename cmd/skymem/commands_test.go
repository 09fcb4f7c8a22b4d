package main

import (
	"errors"
	"strings"
	"testing"
)

func TestColorizeRespectsNoColor(t *testing.T) {
	old := noColor
	defer func() { noColor = old }()

	noColor = true
	if result := colorize(colorGreen, "hello"); strings.Contains(result, "\033[") {
		t.Errorf("colorize with noColor=true should not contain ANSI codes, got %q", result)
	}

	noColor = false
	if result := colorize(colorGreen, "hello"); !strings.Contains(result, "\033[") {
		t.Errorf("colorize with noColor=false should contain ANSI codes, got %q", result)
	}
}

func TestExitCodeErrorThroughWrapping(t *testing.T) {
	err := error(exitCodeError{code: 3, msg: "not due"})

	var ec exitCodeError
	if !errors.As(err, &ec) || ec.code != 3 {
		t.Errorf("errors.As = %+v", ec)
	}
	if err.Error() != "not due" {
		t.Errorf("Error() = %q", err.Error())
	}
}

func TestIngestRequiresFileFlag(t *testing.T) {
	defer rootCmd.SetArgs(nil)

	rootCmd.SetArgs([]string{"ingest", "dms"})
	if err := rootCmd.Execute(); err == nil {
		t.Error("expected error when --file is missing")
	}
}

func TestActorsTagRequiresTagArgument(t *testing.T) {
	defer rootCmd.SetArgs(nil)

	rootCmd.SetArgs([]string{"actors", "tag", "alice.example"})
	if err := rootCmd.Execute(); err == nil {
		t.Error("expected error when tag argument is missing")
	}
}

func TestUnknownScopeRejected(t *testing.T) {
	defer rootCmd.SetArgs(nil)

	rootCmd.SetArgs([]string{"search", "-", "query", "--scope", "everything"})
	if err := rootCmd.Execute(); err == nil {
		t.Error("expected error for unknown scope")
	}
}
