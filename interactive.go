package main

import (
	"fmt"
	"strings"

	"github.com/ardanlabs/ffi-bindgen/consistency"
	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
)

type browserState int

const (
	stateList browserState = iota
	stateDetail
)

// browserModel lists the declarations of a layout report and shows the
// per-triple layout of the selected one.
type browserModel struct {
	report   *consistency.Report
	diverged map[string]consistency.Divergence
	filter   textinput.Model
	visible  []consistency.DeclReport
	selected int
	state    browserState
}

func newBrowserModel(rep *consistency.Report) *browserModel {
	ti := textinput.New()
	ti.Placeholder = "filter declarations"
	ti.Prompt = "/ "
	ti.Width = 40
	ti.Focus()

	m := browserModel{
		report:   rep,
		diverged: make(map[string]consistency.Divergence),
		filter:   ti,
	}
	for _, d := range rep.Divergences {
		m.diverged[d.Name] = d
	}
	m.applyFilter()

	return &m
}

func (m *browserModel) applyFilter() {
	query := strings.ToLower(strings.TrimSpace(m.filter.Value()))

	m.visible = m.visible[:0]
	for _, d := range m.report.Declarations {
		if query == "" || strings.Contains(strings.ToLower(d.Name), query) {
			m.visible = append(m.visible, d)
		}
	}

	if m.selected >= len(m.visible) {
		m.selected = max(len(m.visible)-1, 0)
	}
}

func (m *browserModel) Init() tea.Cmd {
	return textinput.Blink
}

func (m *browserModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	if key, ok := msg.(tea.KeyMsg); ok {
		switch key.String() {
		case "ctrl+c":
			return m, tea.Quit

		case "esc":
			if m.state == stateDetail {
				m.state = stateList
				return m, nil
			}
			return m, tea.Quit

		case "up":
			if m.state == stateList && m.selected > 0 {
				m.selected--
			}
			return m, nil

		case "down":
			if m.state == stateList && m.selected < len(m.visible)-1 {
				m.selected++
			}
			return m, nil

		case "enter":
			switch {
			case m.state == stateDetail:
				m.state = stateList
			case len(m.visible) > 0:
				m.state = stateDetail
			}
			return m, nil
		}
	}

	if m.state != stateList {
		return m, nil
	}

	var cmd tea.Cmd
	m.filter, cmd = m.filter.Update(msg)
	m.applyFilter()

	return m, cmd
}

func (m *browserModel) View() string {
	var b strings.Builder

	b.WriteString(titleStyle.Render("Layout report"))
	for _, t := range m.report.Triples {
		b.WriteString(" ")
		b.WriteString(tripleStyle.Render(t.Name))
	}
	b.WriteString("\n\n")

	switch m.state {
	case stateList:
		b.WriteString(m.filter.View())
		b.WriteString("\n\n")

		if len(m.visible) == 0 {
			b.WriteString(helpStyle.Render("no declaration matches"))
			b.WriteString("\n")
		}
		for i, d := range m.visible {
			line := d.Name + " " + d.Kind
			if _, ok := m.diverged[d.Name]; ok {
				line += " " + warnStyle.Render("diverges")
			}
			if i == m.selected {
				b.WriteString(selectedStyle.Render("> " + line))
			} else {
				b.WriteString("  " + line)
			}
			b.WriteString("\n")
		}
		b.WriteString("\n")
		b.WriteString(helpStyle.Render("type to filter • ↑/↓ select • enter details • esc quit"))

	case stateDetail:
		b.WriteString(m.detail(m.visible[m.selected]))
		b.WriteString("\n")
		b.WriteString(helpStyle.Render("enter/esc back • ctrl+c quit"))
	}

	return b.String()
}

func (m *browserModel) detail(d consistency.DeclReport) string {
	var b strings.Builder

	fmt.Fprintf(&b, "%s %s\n", nameStyle.Render(d.Name), d.Kind)
	if div, ok := m.diverged[d.Name]; ok {
		fmt.Fprintf(&b, "%s\n", warnStyle.Render(div.Reason))
	}
	b.WriteString("\n")

	for _, l := range d.Layouts {
		fmt.Fprintf(&b, "%s size %d align %d", tripleStyle.Render(l.Triple), l.Size, l.Align)
		if l.Underlying != "" {
			fmt.Fprintf(&b, " underlying %s", l.Underlying)
		}
		b.WriteString("\n")

		for _, f := range l.Fields {
			fmt.Fprintf(&b, "  %-24s @%-4d size %d", f.Name, f.Offset, f.Size)
			if f.BitWidth > 0 {
				fmt.Fprintf(&b, " bits %d:%d", f.BitOffset, f.BitWidth)
			}
			b.WriteString("\n")
		}
		for _, v := range l.Values {
			fmt.Fprintf(&b, "  %-24s = %d\n", v.Name, v.Value)
		}
		b.WriteString("\n")
	}

	return b.String()
}

func runInteractive(rep *consistency.Report) error {
	p := tea.NewProgram(newBrowserModel(rep), tea.WithAltScreen())
	_, err := p.Run()
	return err
}
