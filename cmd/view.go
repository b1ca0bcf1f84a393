package main

import (
	"errors"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/jeeves/ui/internal/connection"
	"github.com/jeeves/ui/internal/view"
)

// runView opens the placeholder view for the lifetime of the program.
func (a *app) runView(cmd *cobra.Command) error {
	j, err := a.openJournal()
	if err != nil {
		return err
	}
	if j != nil {
		defer j.Close()
	}

	h := connection.New(a.settings.connectionConfig(j), connection.WithLogger(a.logger))
	model := view.New(cmd.Context(), h, a.settings.wsEndpoint())
	defer model.Close()

	p := tea.NewProgram(model,
		tea.WithAltScreen(),
		tea.WithContext(cmd.Context()),
		tea.WithInput(cmd.InOrStdin()),
		tea.WithOutput(cmd.OutOrStdout()),
	)
	if _, err := p.Run(); err != nil && !errors.Is(err, tea.ErrProgramKilled) {
		return err
	}
	return nil
}
