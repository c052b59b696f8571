package main

import (
	"fmt"
	"strings"

	"github.com/ardanlabs/ffi-bindgen/consistency"
	"github.com/charmbracelet/lipgloss"
)

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#FAFAFA")).
			Background(lipgloss.Color("#7D56F4")).
			Padding(0, 1)

	nameStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#98FB98"))

	tripleStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#87CEEB"))

	warnStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FFB86C"))

	missingStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FF6B6B"))

	helpStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#666666"))

	selectedStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FAFAFA")).
			Background(lipgloss.Color("#7D56F4"))
)

// summary renders the divergence list of a report. Styles are applied only
// when styled is set.
func summary(rep *consistency.Report, styled bool) string {
	render := func(s lipgloss.Style, text string) string {
		if !styled {
			return text
		}
		return s.Render(text)
	}

	var b strings.Builder

	var names []string
	for _, t := range rep.Triples {
		names = append(names, t.Name+" ("+t.Bitfields+")")
	}
	fmt.Fprintf(&b, "%s %s\n", render(titleStyle, "Triples"), strings.Join(names, ", "))

	if len(rep.Divergences) == 0 {
		fmt.Fprintf(&b, "%s\n", render(nameStyle, "All declarations agree on every triple."))
		return b.String()
	}

	fmt.Fprintf(&b, "%s %d declaration(s) differ between triples\n",
		render(titleStyle, "Divergences"), len(rep.Divergences))

	for _, d := range rep.Divergences {
		fmt.Fprintf(&b, "  %s %s: %s\n", render(nameStyle, d.Name), d.Kind, render(warnStyle, d.Reason))
		for _, g := range d.Groups {
			triples := strings.Join(g.Triples, ", ")
			if !g.Present {
				fmt.Fprintf(&b, "    %s %s\n", render(missingStyle, "missing on"), render(tripleStyle, triples))
				continue
			}
			fmt.Fprintf(&b, "    %s\n", render(tripleStyle, triples))
		}
	}

	return b.String()
}
