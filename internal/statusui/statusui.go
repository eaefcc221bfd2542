// Package statusui implements a minimal bubbletea status display for a
// running campaign, generalized from the teacher's internal/tui wizard
// screens (same bubbletea/lipgloss/bubbles stack, same Init/Update/View
// model) to a single-screen ticker rather than a multi-screen wizard.
//
// The fuzzing loop never imports this package directly: it publishes
// Snapshot values on a channel, and this is just one possible subscriber
// wired in behind `ssfuzz run --ui`.
package statusui

import (
	"fmt"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/dsmmcken/ssfuzz/internal/protocolapi"
)

// Snapshot is the status the fuzzing loop publishes for display (spec.md
// §4.12 / SPEC_FULL.md §1 "a minimal bubbletea.Model that renders cycle
// count, paths, coverage %, and current IPSM target state").
type Snapshot struct {
	CyclesDone    int
	PathsTotal    int
	PathsFavored  int
	BitmapCvg     float64
	TargetState   protocolapi.StateID
	UniqueCrashes int
	UniqueHangs   int
	ChatCount     int
	ExecsPerSec   float64
}

// snapshotMsg wraps a Snapshot read off the channel as a tea.Msg.
type snapshotMsg Snapshot

// tickMsg drives the periodic re-render; the model redraws on every tick
// even if no new snapshot has arrived, so elapsed-time-derived fields
// stay live.
type tickMsg time.Time

const tickInterval = 250 * time.Millisecond

// Model is the bubbletea.Model rendering the latest Snapshot.
type Model struct {
	snapshots <-chan Snapshot
	keys      KeyMap
	last      Snapshot
	width     int
	quitting  bool
}

// New constructs a Model subscribed to snapshots. The channel is owned by
// the caller; closing it is not required, Model simply stops receiving.
func New(snapshots <-chan Snapshot) Model {
	return Model{snapshots: snapshots, keys: DefaultKeyMap()}
}

func (m Model) Init() tea.Cmd {
	return tea.Batch(waitForSnapshot(m.snapshots), tick())
}

func waitForSnapshot(ch <-chan Snapshot) tea.Cmd {
	return func() tea.Msg {
		s, ok := <-ch
		if !ok {
			return nil
		}
		return snapshotMsg(s)
	}
}

func tick() tea.Cmd {
	return tea.Tick(tickInterval, func(t time.Time) tea.Msg { return tickMsg(t) })
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		return m, nil
	case tea.KeyMsg:
		if msg.String() == "q" || msg.String() == "ctrl+c" {
			m.quitting = true
			return m, tea.Quit
		}
		return m, nil
	case snapshotMsg:
		m.last = Snapshot(msg)
		return m, waitForSnapshot(m.snapshots)
	case tickMsg:
		return m, tick()
	}
	return m, nil
}

func (m Model) View() string {
	if m.quitting {
		return ""
	}
	s := m.last
	body := fmt.Sprintf(
		"%s\n%s %s  %s %s  %s %s\n%s %s  %s %s\n%s %s  %s %s  %s %s\n\n%s",
		StyleTitle.Render("ssfuzz"),
		StyleLabel.Render("cycles:"), StyleValue.Render(fmt.Sprintf("%d", s.CyclesDone)),
		StyleLabel.Render("paths:"), StyleValue.Render(fmt.Sprintf("%d (%d favored)", s.PathsTotal, s.PathsFavored)),
		StyleLabel.Render("coverage:"), StyleValue.Render(fmt.Sprintf("%.2f%%", s.BitmapCvg)),
		StyleLabel.Render("target state:"), StyleValue.Render(fmt.Sprintf("%d", s.TargetState)),
		StyleLabel.Render("execs/sec:"), StyleValue.Render(fmt.Sprintf("%.1f", s.ExecsPerSec)),
		StyleLabel.Render("crashes:"), StyleWarning.Render(fmt.Sprintf("%d", s.UniqueCrashes)),
		StyleLabel.Render("hangs:"), StyleWarning.Render(fmt.Sprintf("%d", s.UniqueHangs)),
		StyleLabel.Render("chats:"), StyleValue.Render(fmt.Sprintf("%d", s.ChatCount)),
		StyleHelpBar.Render("q: quit"),
	)
	return body
}
