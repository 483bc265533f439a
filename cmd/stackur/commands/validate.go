package commands

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/openfroyo/stackur/pkg/engine"
)

// validateReport is printed by validate.
type validateReport struct {
	Stack     string                 `json:"stack"`
	Stages    int                    `json:"stages"`
	Resources int                    `json:"resources"`
	Policies  int                    `json:"policies"`
	Decision  *engine.PolicyDecision `json:"decision"`
}

func newValidateCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate the manifest offline",
		Long: `Validate the manifest without contacting AWS.

This command checks:
  - Manifest structure and field constraints
  - Resource properties against the CUE schema of their kind
  - Dependencies between resources (unknown targets, cycles)
  - Policies, as if the whole stack were being created`,
		Example: `  stackur validate
  stackur validate -c deploy/prod.yaml --json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			e, err := openEnv(ctx, envOptions{offline: true})
			if err != nil {
				return err
			}
			defer e.Close(ctx)

			tpl, err := e.stack.Synthesize(ctx)
			if err != nil {
				return err
			}

			input := &engine.PolicyInput{
				Stack:     e.manifest.Stack,
				ChangeSet: "validate",
				Type:      engine.ChangeSetTypeCreate,
			}
			for _, name := range tpl.Names() {
				def, _ := tpl.Get(name)
				input.Changes = append(input.Changes, engine.Change{
					Action:       engine.ChangeActionAdd,
					LogicalID:    name,
					ResourceType: def.Type,
				})
			}

			decision, err := e.policies.EvaluateChangeSet(ctx, input)
			if err != nil {
				return err
			}

			report := validateReport{
				Stack:     e.manifest.Stack,
				Stages:    len(e.manifest.Stages),
				Resources: tpl.Len(),
				Policies:  len(e.policies.ListPolicies()),
				Decision:  decision,
			}
			if err := printReport(cmd.OutOrStdout(), report); err != nil {
				return err
			}
			if !decision.Allowed {
				return fmt.Errorf("stack %s violates policies", e.manifest.Stack)
			}
			return nil
		},
	}

	return cmd
}

func printReport(w io.Writer, r validateReport) error {
	if jsonOutput {
		return printJSON(w, r)
	}

	fmt.Fprintf(w, "Stack %s: %d stages, %d resources, %d policies\n", r.Stack, r.Stages, r.Resources, r.Policies)
	for _, v := range r.Decision.Violations {
		target := ""
		if v.LogicalID != "" {
			target = " [" + v.LogicalID + "]"
		}
		fmt.Fprintf(w, "  %s %s%s: %s\n", v.Severity, v.Policy, target, v.Message)
	}
	for _, warning := range r.Decision.Warnings {
		fmt.Fprintf(w, "  warning: %s\n", warning)
	}
	if r.Decision.Allowed {
		_, err := fmt.Fprintln(w, "OK")
		return err
	}
	return nil
}
