package cmd

import (
	"github.com/urfave/cli/v2"

	"github.com/pithecene-io/sluice/cli/render"
	"github.com/pithecene-io/sluice/types"
)

// VersionResponse is the response for the version command.
type VersionResponse struct {
	Version        string `json:"version"`
	CaptureVersion string `json:"capture_version"`
	Commit         string `json:"commit"`
}

// VersionCommand returns the version command.
func VersionCommand(commit string) *cli.Command {
	return &cli.Command{
		Name:   "version",
		Usage:  "Show version information",
		Flags:  OutputFlags(),
		Action: versionAction(commit),
	}
}

func versionAction(commit string) cli.ActionFunc {
	return func(c *cli.Context) error {
		r, err := render.NewRenderer(c)
		if err != nil {
			return cli.Exit(err.Error(), exitUsage)
		}

		if c.Bool("tui") {
			return cli.Exit("--tui is not supported for version command", exitUsage)
		}

		return r.Render(VersionResponse{
			Version:        types.Version,
			CaptureVersion: types.CaptureVersion,
			Commit:         commit,
		})
	}
}
