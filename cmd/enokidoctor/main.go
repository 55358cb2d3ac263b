// Command enokidoctor probes for available backends and devices and
// prints a human-readable table, without ever creating a Variable
// (SPEC_FULL.md §4.15).
package main

import (
	"fmt"
	"os"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"

	"github.com/arrayjit/enoki"
	"github.com/arrayjit/enoki/backend"
)

var (
	headerStyle = lipgloss.NewStyle().Bold(true).Padding(0, 1)
	cellStyle   = lipgloss.NewStyle().Padding(0, 1)
	okStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("2"))
	warnStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("3"))
)

func main() {
	g := enoki.Process()
	devices := g.Devices()

	fmt.Println(headerStyle.Render("enokidoctor"))
	fmt.Println()

	t := table.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color("240"))).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == 0 {
				return headerStyle
			}
			return cellStyle
		}).
		Headers("BACKEND", "DEVICE", "NAME", "COMPUTE", "SHARED MEM", "TARGET")

	for _, d := range devices {
		compute := "-"
		if d.Info.ComputeCapMajor > 0 {
			compute = fmt.Sprintf("sm_%d%d", d.Info.ComputeCapMajor, d.Info.ComputeCapMinor)
		}
		target := d.Info.TargetTriple
		if target == "" {
			target = d.Info.Features
		}
		t.Row(
			d.Info.Kind.String(),
			fmt.Sprintf("%d", d.Info.Index),
			d.Info.Name,
			compute,
			humanize.Bytes(uint64(clampNonNegative(d.Info.SharedMemBytes))),
			target,
		)
	}
	if len(devices) > 0 {
		fmt.Println(t.Render())
	}
	fmt.Println()

	anyAvailable := false
	for _, kind := range []backend.Kind{backend.CPU, backend.GPU} {
		b := g.Backend(kind)
		available := b != nil && b.Available()
		if available {
			anyAvailable = true
			fmt.Println(okStyle.Render(fmt.Sprintf("%s backend: available", kind)))
		} else {
			fmt.Println(warnStyle.Render(fmt.Sprintf("%s backend: unavailable", kind)))
		}
	}

	if !anyAvailable {
		fmt.Fprintln(os.Stderr, "enokidoctor: no backend initialized")
		os.Exit(1)
	}
}

func clampNonNegative(v int64) int64 {
	if v < 0 {
		return 0
	}
	return v
}
