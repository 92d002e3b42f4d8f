// Package cmd provides CLI commands for the sluice binary.
package cmd

import "github.com/urfave/cli/v2"

// Exit codes.
const (
	exitSuccess = 0
	// exitUsage covers bad flags, bad config and unusable sources.
	exitUsage = 1
	// exitFatal means the engine stopped with a fatal flow error.
	exitFatal = 2
)

// Shared output flags.
var (
	// FormatFlag selects output format: json, table, yaml.
	FormatFlag = &cli.StringFlag{
		Name:    "format",
		Aliases: []string{"f"},
		Usage:   "Output format: json, table, yaml",
	}

	// TUIFlag enables the Bubble Tea live view.
	// Only valid for play.
	TUIFlag = &cli.BoolFlag{
		Name:  "tui",
		Usage: "Show live statistics while playing (play only)",
	}
)

// OutputFlags returns the shared flags for every command.
// Includes --tui so that unsupported commands can provide explicit error
// messages instead of generic "flag not defined" errors.
func OutputFlags() []cli.Flag {
	return []cli.Flag{
		FormatFlag,
		TUIFlag,
	}
}
