package main

import (
	"fmt"

	"github.com/atotto/clipboard"
	"github.com/charmbracelet/bubbles/key"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/joshuapare/kmemkit/cmd/memtop/logger"
)

// Lines taken by the header, summary and status bar, and by the border and
// title row of each of the two panes.
const (
	chromeLines  = 4
	borderLines  = 6
	borderColumn = 4
)

// Update handles messages and updates the model
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width, m.height = msg.Width, msg.Height
		m.resize()
		return m, nil

	case tickMsg:
		m.refresh()
		m.resize()
		return m, m.tick()

	case clearStatusMsg:
		m.statusMessage = ""
		m.statusIsError = false
		return m, nil

	case tea.MouseMsg:
		vp := m.focused()
		updated, cmd := vp.Update(msg)
		*vp = updated
		return m, cmd

	case tea.KeyMsg:
		return m.handleKey(msg)
	}
	return m, nil
}

func (m Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	if m.showHelp {
		switch {
		case key.Matches(msg, m.keys.Quit):
			return m.quit()
		case key.Matches(msg, m.keys.Help), key.Matches(msg, m.keys.Escape):
			m.showHelp = false
		}
		return m, nil
	}

	switch {
	case key.Matches(msg, m.keys.Quit):
		return m.quit()
	case key.Matches(msg, m.keys.Help):
		m.showHelp = true
	case key.Matches(msg, m.keys.Tab):
		if m.focusedPane == BuddyPane {
			m.focusedPane = SlabPane
		} else {
			m.focusedPane = BuddyPane
		}

	case key.Matches(msg, m.keys.Up):
		m.focused().LineUp(1)
	case key.Matches(msg, m.keys.Down):
		m.focused().LineDown(1)
	case key.Matches(msg, m.keys.PageUp):
		m.focused().ViewUp()
	case key.Matches(msg, m.keys.PageDown):
		m.focused().ViewDown()
	case key.Matches(msg, m.keys.Top):
		m.focused().GotoTop()
	case key.Matches(msg, m.keys.Bottom):
		m.focused().GotoBottom()

	case key.Matches(msg, m.keys.Refresh):
		m.refresh()
		m.resize()
	case key.Matches(msg, m.keys.Pause):
		return m, m.togglePause()
	case key.Matches(msg, m.keys.Shrink):
		n, err := m.sys.Shrink(nil)
		if err != nil {
			logger.L.Error("shrink failed", "error", err)
			return m, m.setStatus(fmt.Sprintf("Shrink failed: %v", err), true)
		}
		logger.L.Info("shrink", "slabs", n)
		m.refresh()
		m.resize()
		return m, m.setStatus(fmt.Sprintf("Released %d empty slabs and drained per-CPU page lists", n), false)
	case key.Matches(msg, m.keys.Verify):
		return m, m.verify()
	case key.Matches(msg, m.keys.Copy):
		return m, m.copySnapshot()
	}
	return m, nil
}

func (m Model) quit() (tea.Model, tea.Cmd) {
	m.workload.Stop()
	return m, tea.Quit
}

func (m *Model) togglePause() tea.Cmd {
	var status string
	if m.workload.Stop() {
		status = "Workload paused"
	} else {
		m.workload.Start()
		status = "Workload resumed"
	}
	m.refresh()
	return m.setStatus(status, false)
}

// verify checks the allocator with the workload paused, since a CPU caught
// mid-operation can look inconsistent from outside.
func (m *Model) verify() tea.Cmd {
	wasRunning := m.workload.Stop()
	err := m.sys.Verify(nil)
	if wasRunning {
		m.workload.Start()
	}
	m.refresh()
	m.resize()
	if err != nil {
		logger.L.Error("verify failed", "error", err)
		return m.setStatus(fmt.Sprintf("Verify failed: %v", err), true)
	}
	return m.setStatus("✓ Allocator state consistent", false)
}

func (m *Model) copySnapshot() tea.Cmd {
	text, err := snapshotText(m.sys)
	if err == nil {
		err = clipboard.WriteAll(text)
	}
	if err != nil {
		logger.L.Warn("copy failed", "error", err)
		return m.setStatus(fmt.Sprintf("Copy failed: %v", err), true)
	}
	return m.setStatus("Copied snapshot to clipboard", false)
}

// resize fits both panes to the window. The buddy pane takes what its
// content needs up to half the space; the slab pane takes the rest.
func (m *Model) resize() {
	if m.width == 0 || m.height == 0 {
		return
	}
	inner := max(m.height-chromeLines-borderLines, 2)
	buddy := min(m.buddyLines, inner/2)
	buddy = max(buddy, 1)

	w := max(m.width-borderColumn, 10)
	m.buddyView.Width, m.buddyView.Height = w, buddy
	m.slabView.Width, m.slabView.Height = w, max(inner-buddy, 1)
}
