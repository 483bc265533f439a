package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/openfroyo/stackur/pkg/config"
)

func newUncommitCommand() *cobra.Command {
	var autoApprove bool

	cmd := &cobra.Command{
		Use:   "uncommit",
		Short: "Delete the stack",
		Long: `Uncommit every stage and delete the stack.

Buckets are emptied, including old object versions, before the stack is
deleted. Resources with a Retain or RetainExceptOnCreate deletion policy
are left in place by CloudFormation, and retained buckets keep their
objects.`,
		Example: `  stackur uncommit --yes`,
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			m, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if m.Interactive && !autoApprove {
				return fmt.Errorf("refusing to delete stack %s without --yes", m.Stack)
			}

			e, err := newEnv(ctx, m, envOptions{autoApprove: true})
			if err != nil {
				return err
			}
			defer e.Close(ctx)

			if err := e.stack.Uncommit(ctx); err != nil {
				return err
			}
			e.prune(ctx)

			fmt.Fprintf(cmd.OutOrStdout(), "Stack %s deleted\n", e.manifest.Stack)
			return nil
		},
	}

	cmd.Flags().BoolVarP(&autoApprove, "yes", "y", false, "delete without asking")

	return cmd
}
