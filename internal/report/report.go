// Package report renders fuzzer output and carries the process exit-code
// table, adapted from the teacher's internal/output package.
package report

import (
	"encoding/json"
	"fmt"
	"io"
)

// Exit codes. ExitCrashFound is the one addition over the teacher's table,
// used by `ssfuzz run` when the campaign recorded a crash and by
// `ssfuzz replay`.
const (
	ExitSuccess     = 0
	ExitError       = 1
	ExitNetwork     = 2
	ExitTimeout     = 3
	ExitNotFound    = 4
	ExitCrashFound  = 5
	ExitInterrupted = 130
)

var (
	flagJSON    bool
	flagQuiet   bool
	flagVerbose bool
)

// SetFlags is called by the root command's PersistentPreRunE to propagate
// global flag values to the rest of the program.
func SetFlags(jsonMode, quiet, verbose bool) {
	flagJSON = jsonMode
	flagQuiet = quiet
	flagVerbose = verbose
}

func IsJSON() bool    { return flagJSON }
func IsQuiet() bool    { return flagQuiet }
func IsVerbose() bool  { return flagVerbose }

// PrintJSON marshals v as JSON and writes it to w.
func PrintJSON(w io.Writer, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(data))
	return err
}

// PrintError writes a JSON error envelope to w.
func PrintError(w io.Writer, code string, message string) error {
	return PrintJSON(w, map[string]string{
		"error":   code,
		"message": message,
	})
}

// Linef writes a plain status line to w unless quiet mode is active.
func Linef(w io.Writer, format string, args ...any) {
	if flagQuiet {
		return
	}
	fmt.Fprintf(w, format+"\n", args...)
}
