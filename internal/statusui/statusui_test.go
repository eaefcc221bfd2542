package statusui

import (
	"testing"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/stretchr/testify/assert"
)

func TestUpdate_SnapshotUpdatesLastAndRerequests(t *testing.T) {
	ch := make(chan Snapshot, 1)
	m := New(ch)

	snap := Snapshot{CyclesDone: 3, PathsTotal: 7, UniqueCrashes: 1}
	next, cmd := m.Update(snapshotMsg(snap))
	nm := next.(Model)

	assert.Equal(t, snap, nm.last)
	assert.NotNil(t, cmd)
}

func TestUpdate_QuitKeyStopsTheProgram(t *testing.T) {
	m := New(nil)
	next, cmd := m.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("q")})
	nm := next.(Model)

	assert.True(t, nm.quitting)
	assert.NotNil(t, cmd)
	assert.Equal(t, "", nm.View())
}

func TestView_RendersLatestSnapshot(t *testing.T) {
	m := New(nil)
	next, _ := m.Update(snapshotMsg(Snapshot{CyclesDone: 42, UniqueCrashes: 2}))
	nm := next.(Model)

	assert.Contains(t, nm.View(), "42")
}
