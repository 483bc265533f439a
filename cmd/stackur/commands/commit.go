package commands

import (
	"github.com/spf13/cobra"
)

func newCommitCommand() *cobra.Command {
	var autoApprove bool

	cmd := &cobra.Command{
		Use:   "commit",
		Short: "Commit every stage of the stack",
		Long: `Commit the stages of the manifest in order.

For each resource this command:
  - Compiles the declaration and adds it to the stack template
  - Creates a change set and waits for it to be computed
  - Checks the change set against the loaded policies
  - Asks for confirmation when the manifest is interactive
  - Executes the change set and follows the stack events

Tasks run between resources and can read the physical ids of the
resources committed before them.`,
		Example: `  # Commit with a confirmation prompt per change set
  stackur commit

  # Commit another manifest without asking
  stackur commit -c deploy/prod.yaml --yes`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			e, err := openEnv(ctx, envOptions{autoApprove: autoApprove})
			if err != nil {
				return err
			}
			defer e.Close(ctx)

			e.tel.StartMetricsServer()

			if err := e.stack.Commit(ctx); err != nil {
				return err
			}
			e.prune(ctx)

			return printUnits(cmd.OutOrStdout(), e.stack)
		},
	}

	cmd.Flags().BoolVarP(&autoApprove, "yes", "y", false, "execute change sets without asking")

	return cmd
}
