package tui

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/key"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"

	"github.com/pithecene-io/sluice/metrics"
	"github.com/pithecene-io/sluice/types"
)

// Playback states shown in the header.
const (
	StatePlaying = "playing"
	StateWaiting = "waiting"
	StateEOS     = "eos"
	StateError   = "error"
	StateStopped = "stopped"
)

// View is one poll of the engine being played.
type View struct {
	EngineID string
	Mode     string
	Format   types.Format
	State    string
	Position int64
	Duration int64
	Stats    metrics.Snapshot
	// QueueLevel is set when a queue stage runs after the engine.
	QueueLevel *QueueLevel
	Err        string
	// Done ends the program after this view is drawn.
	Done bool
}

// QueueLevel is the fill of the queue stage.
type QueueLevel struct {
	Buffers uint
	Bytes   uint64
}

// Controls are optional actions bound to keys.
type Controls struct {
	// Rewind restarts playback from the beginning.
	Rewind func()
}

type tickMsg time.Time

// StatsModel is a Bubble Tea model polling engine statistics.
type StatsModel struct {
	poll     func() View
	interval time.Duration
	controls Controls
	view     View
	width    int
	quitting bool
}

// NewStatsModel creates a model calling poll every interval.
func NewStatsModel(poll func() View, interval time.Duration, controls Controls) StatsModel {
	if interval <= 0 {
		interval = 100 * time.Millisecond
	}
	return StatsModel{
		poll:     poll,
		interval: interval,
		controls: controls,
		view:     poll(),
	}
}

func (m StatsModel) tick() tea.Cmd {
	return tea.Tick(m.interval, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

// Init implements tea.Model.
func (m StatsModel) Init() tea.Cmd {
	return m.tick()
}

// Update implements tea.Model.
func (m StatsModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		return m, nil

	case tickMsg:
		m.view = m.poll()
		if m.view.Done {
			m.quitting = true
			return m, tea.Quit
		}
		return m, m.tick()

	case tea.KeyMsg:
		switch {
		case key.Matches(msg, keys.Quit):
			m.quitting = true
			return m, tea.Quit
		case key.Matches(msg, keys.Rewind):
			if m.controls.Rewind != nil {
				m.controls.Rewind()
			}
		}
	}
	return m, nil
}

// View implements tea.Model. The last frame stays on screen after quitting.
func (m StatsModel) View() string {
	content := Render(m.view, m.width)
	if m.quitting {
		return content + "\n"
	}
	help := "q quit"
	if m.controls.Rewind != nil {
		help += " • r rewind"
	}
	return content + "\n" + HelpStyle.Render(help)
}

// Render draws v without a running program. width 0 means 80 columns.
func Render(v View, width int) string {
	if width <= 0 {
		width = 80
	}
	s := v.Stats

	var b strings.Builder
	b.WriteString(TitleStyle.Render(fmt.Sprintf("sluice %s (%s)", v.EngineID, v.Mode)))
	b.WriteString("\n")
	b.WriteString(field("State", StateStyle(v.State).Render(v.State)))
	b.WriteString(field("Position", formatPosition(v.Format, v.Position, v.Duration)))
	if bar := positionBar(v.Position, v.Duration, min(width-4, 60)); bar != "" {
		b.WriteString(bar + "\n")
	}
	b.WriteString("\n")

	b.WriteString(lipgloss.JoinHorizontal(lipgloss.Top,
		statBox("Buffers", fmt.Sprint(s.BuffersPushed), highlightColor),
		statBox("Bytes", formatBytes(s.BytesPushed), highlightColor),
		statBox("Events", fmt.Sprint(s.EventsPushed), highlightColor),
		statBox("Seeks", fmt.Sprintf("%d/%d", s.SeeksPerformed, s.SeeksPerformed+s.SeeksFailed), warningColor),
	))
	b.WriteString("\n")
	b.WriteString(lipgloss.JoinHorizontal(lipgloss.Top,
		statBox("Clock ok", fmt.Sprint(s.ClockOK), successColor),
		statBox("Clock early", fmt.Sprint(s.ClockEarly), warningColor),
		statBox("Unscheduled", fmt.Sprint(s.ClockUnscheduled), mutedColor),
		statBox("Fatal", fmt.Sprint(s.FatalErrors), errorColor),
	))

	if q := v.QueueLevel; q != nil {
		b.WriteString("\n")
		b.WriteString(field("Queue", fmt.Sprintf("%d buffers, %s", q.Buffers, formatBytes(int64(q.Bytes)))))
	}
	if v.Err != "" {
		b.WriteString("\n")
		b.WriteString(ErrorStyle.Render(v.Err))
	}
	return b.String()
}

func field(label, value string) string {
	return LabelStyle.Render(label+":") + " " + ValueStyle.Render(value) + "\n"
}

func statBox(label, value string, color lipgloss.Color) string {
	valueStr := StatValueStyle.Foreground(color).Render(value)
	labelStr := StatLabelStyle.Render(label)
	return StatBoxStyle.BorderForeground(color).Render(lipgloss.JoinVertical(lipgloss.Center, valueStr, labelStr))
}

func positionBar(pos, dur int64, width int) string {
	if dur <= 0 || pos == types.None || width <= 0 {
		return ""
	}
	filled := int(min(pos, dur) * int64(width) / dur)
	return BarFillStyle.Render(strings.Repeat("█", filled)) +
		BarEmptyStyle.Render(strings.Repeat("░", width-filled))
}

func formatPosition(format types.Format, pos, dur int64) string {
	render := func(v int64) string {
		if v == types.None {
			return "?"
		}
		if format == types.FormatTime {
			return time.Duration(v).Round(time.Millisecond).String()
		}
		if format == types.FormatBytes {
			return formatBytes(v)
		}
		return fmt.Sprint(v)
	}
	return render(pos) + " / " + render(dur)
}

func formatBytes(n int64) string {
	if n < 0 {
		return "?"
	}
	return humanize.IBytes(uint64(n))
}

// keyMap defines key bindings.
type keyMap struct {
	Quit   key.Binding
	Rewind key.Binding
}

var keys = keyMap{
	Quit: key.NewBinding(
		key.WithKeys("q", "ctrl+c"),
		key.WithHelp("q", "quit"),
	),
	Rewind: key.NewBinding(
		key.WithKeys("r"),
		key.WithHelp("r", "rewind"),
	),
}

// Run shows the live view until the engine is done, the user quits or
// ctx is canceled.
func Run(ctx context.Context, poll func() View, interval time.Duration, controls Controls) error {
	p := tea.NewProgram(NewStatsModel(poll, interval, controls), tea.WithContext(ctx))
	_, err := p.Run()
	if err != nil && ctx.Err() != nil {
		return nil
	}
	return err
}
