package main

import (
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/stretchr/testify/require"

	"github.com/joshuapare/kmemkit/pkg/kmem"
)

// TestHelper drives a Model the way the bubbletea runtime would, without
// executing the returned commands.
type TestHelper struct {
	t     *testing.T
	model Model
	cmd   tea.Cmd
}

func testOptions() kmem.Options {
	opts := kmem.SMPOptions(1, 2, 16)
	opts.DMALimit = 4 << 20
	return opts
}

// NewTestHelper boots a small machine with the workload paused.
func NewTestHelper(t *testing.T) *TestHelper {
	t.Helper()
	sys, err := kmem.Boot(testOptions())
	require.NoError(t, err)
	h := &TestHelper{t: t, model: NewModel(sys, Config{Interval: time.Second, NoWorkload: true})}
	t.Cleanup(func() { _ = h.model.Close() })
	return h
}

func (h *TestHelper) send(msg tea.Msg) *TestHelper {
	updated, cmd := h.model.Update(msg)
	h.model = updated.(Model)
	h.cmd = cmd
	return h
}

// SendKey simulates a special key press
func (h *TestHelper) SendKey(keyType tea.KeyType) *TestHelper {
	return h.send(tea.KeyMsg{Type: keyType})
}

// SendKeyRune simulates a character key press
func (h *TestHelper) SendKeyRune(r rune) *TestHelper {
	return h.send(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune{r}})
}

// SendWindowSize simulates a window resize
func (h *TestHelper) SendWindowSize(width, height int) *TestHelper {
	return h.send(tea.WindowSizeMsg{Width: width, Height: height})
}

// Tick simulates the refresh timer firing
func (h *TestHelper) Tick() *TestHelper {
	return h.send(tickMsg(time.Now()))
}

// GetModel returns the current model
func (h *TestHelper) GetModel() Model {
	return h.model
}

// LastCmd returns the command returned by the last update
func (h *TestHelper) LastCmd() tea.Cmd {
	return h.cmd
}
