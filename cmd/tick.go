package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

// newTickCmd creates the 'tick' subcommand: a single bounded invocation
// for external schedulers.
func newTickCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "tick",
		Short: "Performs one bounded worker invocation and exits",
		RunE:  runTickCommand,
	}
}

func runTickCommand(cmd *cobra.Command, _ []string) error {
	appInstance, err := resolveApp(cmd.Context())
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), appInstance.Config().TickBudget())
	defer cancel()

	if err := appInstance.Driver().AdvanceOneTick(ctx); err != nil {
		return fmt.Errorf("advance tick: %w", err)
	}
	appInstance.Logger().Info("tick finished")
	return nil
}
