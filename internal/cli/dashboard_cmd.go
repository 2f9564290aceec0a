package cli

import (
	tea "github.com/charmbracelet/bubbletea"

	"github.com/session-forge/forge/internal/store"
	"github.com/session-forge/forge/internal/tui"
)

// watchDashboard subscribes a dashboard sink on d's bus and runs the
// bubbletea program until the user quits. Events published by any
// iteration or batch run sharing this process's bus show up live;
// events from a separate `forgectl` process do not reach this bus.
func watchDashboard(d *deps, items []*store.BatchItem) error {
	sink := tui.NewBusSink()
	d.bus.Subscribe(sink)
	model := tui.New(sink, items)
	_, err := tea.NewProgram(model, tea.WithAltScreen()).Run()
	return err
}
