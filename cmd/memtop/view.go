package main

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	overlay "github.com/rmhubbert/bubbletea-overlay"
)

// View renders the UI
func (m Model) View() string {
	if m.width == 0 {
		return "Booting..."
	}
	if m.showHelp {
		return overlay.New(
			staticView(m.renderHelp()),
			staticView(m.renderMain()),
			overlay.Center,
			overlay.Center,
			0,
			0,
		).View()
	}
	return m.renderMain()
}

// staticView adapts rendered text to tea.Model for the overlay.
type staticView string

func (v staticView) Init() tea.Cmd                       { return nil }
func (v staticView) Update(tea.Msg) (tea.Model, tea.Cmd) { return v, nil }
func (v staticView) View() string                        { return string(v) }

func (m Model) renderMain() string {
	return lipgloss.JoinVertical(
		lipgloss.Left,
		m.renderHeader(),
		m.renderPane("Buddy allocator", &m.buddyView, m.focusedPane == BuddyPane),
		m.renderPane(fmt.Sprintf("Slab caches (%d)", len(m.snap.Caches)), &m.slabView, m.focusedPane == SlabPane),
		m.renderStatus(),
	)
}

func (m Model) renderHeader() string {
	opts := m.sys.Options()
	machine := fmt.Sprintf("%d node(s), %d cpu(s), %d MiB, max order %d",
		m.snap.Nodes, m.snap.CPUs, opts.Nodes*opts.NodeMemory>>20, m.snap.MaxOrder)
	if m.cfg.Debug {
		machine += ", slub debug"
	}
	title := lipgloss.JoinHorizontal(
		lipgloss.Top,
		headerStyle.Render("memtop"),
		"  ",
		machineStyle.Render(machine),
	)
	return lipgloss.JoinVertical(lipgloss.Left,
		title,
		renderWorkload(m.stats),
		renderSummary(m.snap),
	)
}

func (m Model) renderPane(title string, vp *viewport.Model, active bool) string {
	style := paneStyle
	if active {
		style = activePaneStyle
	}
	w := max(m.width-2, 0)
	return style.Width(w).Render(paneTitleStyle.Render(title) + "\n" + vp.View())
}

func (m Model) renderStatus() string {
	if m.statusMessage != "" {
		if m.statusIsError {
			return statusStyle.Render(errorStyle.Render(m.statusMessage))
		}
		return statusStyle.Render(statusOKStyle.Render(m.statusMessage))
	}
	var parts []string
	for _, b := range m.keys.ShortHelp() {
		parts = append(parts, b.Help().Key+" "+b.Help().Desc)
	}
	style := statusStyle
	if m.width > 0 {
		style = style.MaxWidth(m.width)
	}
	return style.Render(strings.Join(parts, " • "))
}

func (m Model) renderHelp() string {
	var b strings.Builder
	b.WriteString(helpTitleStyle.Render("Keyboard Shortcuts"))
	b.WriteString("\n")
	titles := []string{"Navigation", "Allocator", "General"}
	for i, group := range m.keys.FullHelp() {
		if i > 0 {
			b.WriteString("\n")
		}
		b.WriteString(paneTitleStyle.Render(titles[i]))
		b.WriteString("\n")
		for _, binding := range group {
			b.WriteString(helpLine(binding))
		}
	}
	return modalStyle.Render(b.String())
}

func helpLine(b key.Binding) string {
	return helpKeyStyle.Render(b.Help().Key) + "  " + helpDescStyle.Render(b.Help().Desc) + "\n"
}
