// Package dashboard renders a read-only terminal view of every pipeline's
// queue and running sub-state, polling a SnapshotSource on a tick (adapted
// from the teacher's bubbletea task dashboard: same muted palette and
// Model/Init/Update/View shape, retargeted from task-execution panels to
// pipeline queue rows — not the excluded HTML dashboard).
package dashboard

import (
	"fmt"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/queued/queued/internal/pipeline"
)

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#7eb8da")) // steel blue

	borderStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#3d4450")) // slate

	stateIdleStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#8b949e")) // mid gray

	stateBuildingStyle = lipgloss.NewStyle().
				Foreground(lipgloss.Color("#7eb8da")) // steel blue

	stateTestingStyle = lipgloss.NewStyle().
				Foreground(lipgloss.Color("#d4b88a")) // amber

	stateFfwdStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#7ec699")) // sage green

	haltedStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#d48a8a")) // dusty rose

	helpStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#6e7681"))
)

// SnapshotSource supplies the engines' current state to the dashboard. A
// *pipeline.Engine satisfies this directly via Status(); this interface
// exists so the dashboard doesn't need the mutation surface of Engine.
type SnapshotSource interface {
	Status() pipeline.Snapshot
}

// tickMsg is sent once per second to trigger a re-poll of every source.
type tickMsg time.Time

// Model is the bubbletea model for a terminal view of pipeline snapshots; no
// queued subcommand launches it.
type Model struct {
	version  string
	sources  []SnapshotSource
	snaps    []pipeline.Snapshot
	selected int
	width    int
	height   int
	quitting bool
}

// NewModel constructs a dashboard Model over the given pipeline engines.
func NewModel(version string, sources []SnapshotSource) Model {
	return Model{version: version, sources: sources}
}

func tickCmd() tea.Cmd {
	return tea.Tick(time.Second, func(t time.Time) tea.Msg { return tickMsg(t) })
}

func (m Model) Init() tea.Cmd {
	return tea.Batch(tickCmd(), tea.EnterAltScreen)
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			m.quitting = true
			return m, tea.Quit
		case "up", "k":
			if m.selected > 0 {
				m.selected--
			}
		case "down", "j":
			if m.selected < len(m.snaps)-1 {
				m.selected++
			}
		}
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		return m, tea.ClearScreen
	case tickMsg:
		m.snaps = make([]pipeline.Snapshot, len(m.sources))
		for i, s := range m.sources {
			m.snaps[i] = s.Status()
		}
		return m, tickCmd()
	}
	return m, nil
}

func (m Model) View() string {
	if m.quitting {
		return ""
	}
	var b strings.Builder
	b.WriteString(titleStyle.Render(fmt.Sprintf("queued v%s", m.version)))
	b.WriteString("\n\n")

	for i, s := range m.snaps {
		cursor := "  "
		if i == m.selected {
			cursor = "> "
		}
		b.WriteString(cursor)
		b.WriteString(borderStyle.Render(s.PipelineID))
		b.WriteString(" ")
		b.WriteString(renderState(s))
		if s.Halted {
			b.WriteString(" ")
			b.WriteString(haltedStyle.Render("[halted]"))
		}
		b.WriteString(fmt.Sprintf("  queue=%d", len(s.Queue)))
		b.WriteString("\n")
		if s.Running != nil {
			b.WriteString(fmt.Sprintf("      pr=%s attempts=%d\n", s.Running.Entry.PRID, s.Running.Attempts))
		}
	}

	b.WriteString("\n")
	b.WriteString(helpStyle.Render("↑/↓ select · q quit"))
	return b.String()
}

func renderState(s pipeline.Snapshot) string {
	switch s.SubState {
	case pipeline.StartingBuild:
		return stateBuildingStyle.Render(string(s.SubState))
	case pipeline.WaitingOnCI:
		return stateTestingStyle.Render(string(s.SubState))
	case pipeline.FastForwarding:
		return stateFfwdStyle.Render(string(s.SubState))
	default:
		return stateIdleStyle.Render(string(s.SubState))
	}
}
