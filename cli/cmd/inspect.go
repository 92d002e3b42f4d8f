package cmd

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/urfave/cli/v2"

	"github.com/pithecene-io/sluice/capture"
	"github.com/pithecene-io/sluice/cli/render"
	"github.com/pithecene-io/sluice/iox"
	"github.com/pithecene-io/sluice/types"
)

// RecordRow is one capture record in --records output.
type RecordRow struct {
	Seq    uint64 `json:"seq" yaml:"seq"`
	Type   string `json:"type" yaml:"type"`
	Kind   string `json:"kind" yaml:"kind"`
	PTS    string `json:"pts" yaml:"pts"`
	Offset string `json:"offset" yaml:"offset"`
	Size   uint64 `json:"size" yaml:"size"`
	Detail string `json:"detail,omitempty" yaml:"detail,omitempty"`
}

// InspectCommand returns the inspect command.
func InspectCommand() *cli.Command {
	return &cli.Command{
		Name:      "inspect",
		Usage:     "Summarize a capture written by play --capture",
		ArgsUsage: "<capture>",
		Flags: append([]cli.Flag{
			&cli.BoolFlag{
				Name:  "records",
				Usage: "List every record instead of the summary",
			},
		}, OutputFlags()...),
		Action: inspectAction,
	}
}

func inspectAction(c *cli.Context) error {
	if c.NArg() < 1 {
		return cli.Exit("capture path required", exitUsage)
	}
	if c.Bool("tui") {
		return cli.Exit("--tui is not supported for inspect command", exitUsage)
	}

	r, err := render.NewRenderer(c)
	if err != nil {
		return cli.Exit(err.Error(), exitUsage)
	}

	f, err := os.Open(c.Args().First())
	if err != nil {
		return cli.Exit(fmt.Sprintf("cannot open capture: %v", err), exitUsage)
	}
	defer iox.DiscardClose(f)

	if c.Bool("records") {
		rows, err := listRecords(f)
		if renderErr := r.Render(rows); renderErr != nil {
			return renderErr
		}
		if err != nil {
			return cli.Exit(err.Error(), exitFatal)
		}
		return nil
	}

	sum, err := capture.Summarize(f)
	if renderErr := r.Render(sum); renderErr != nil {
		return renderErr
	}
	if err != nil {
		return cli.Exit(err.Error(), exitFatal)
	}
	return nil
}

// listRecords reads every record of a capture. Undecodable records are
// skipped; a fatal frame error ends the list and is returned with it.
func listRecords(r io.Reader) ([]RecordRow, error) {
	rd := capture.NewReader(r)
	rows := []RecordRow{}
	for {
		rec, err := rd.Next()
		if errors.Is(err, io.EOF) {
			return rows, nil
		}
		if err != nil {
			if capture.IsFatalFrameError(err) {
				return rows, err
			}
			continue
		}
		rows = append(rows, recordRow(rec))
	}
}

func recordRow(rec *capture.Record) RecordRow {
	row := RecordRow{Seq: rec.Seq, Type: rec.Type, PTS: "-", Offset: "-"}
	switch rec.Type {
	case capture.RecordHeader:
		if h := rec.Header; h != nil {
			row.Kind = h.Version
			row.Detail = fmt.Sprintf("source=%s format=%s", h.Source, h.Format)
		}
	case capture.RecordBuffer:
		if b := rec.Buffer; b != nil {
			row.Kind = "buffer"
			row.Size = b.Size
			if b.PTS != types.None {
				row.PTS = formatNanos(b.PTS)
			}
			if b.Offset != types.OffsetNone {
				row.Offset = fmt.Sprint(b.Offset)
			}
			if types.BufferFlags(b.Flags)&types.BufferDiscont != 0 {
				row.Detail = "discont"
			}
		}
	case capture.RecordEvent:
		if ev := rec.Event; ev != nil {
			row.Kind = ev.Type
			if seg := ev.Segment; seg != nil {
				row.Detail = fmt.Sprintf("rate=%g format=%s start=%d stop=%d", seg.Rate, seg.Format, seg.Start, seg.Stop)
			} else if ev.Format != "" {
				row.Detail = fmt.Sprintf("format=%s position=%d", ev.Format, ev.Position)
			}
		}
	}
	return row
}

func formatNanos(ns int64) string {
	return fmt.Sprintf("%d.%09d", ns/types.Second, ns%types.Second)
}
