package commands

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/openfroyo/stackur/pkg/engine"
)

func newRenderCommand() *cobra.Command {
	var (
		remote bool
		graph  bool
	)

	cmd := &cobra.Command{
		Use:   "render",
		Short: "Print the stack template",
		Long: `Print the template the manifest compiles to, without contacting AWS.

With --graph the resource dependency graph is printed instead, grouped in
the waves CloudFormation will create them in. With --remote the template
currently deployed is fetched and printed.`,
		Example: `  # Template of the whole manifest
  stackur render

  # Creation order
  stackur render --graph

  # What is deployed right now
  stackur render --remote`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			out := cmd.OutOrStdout()

			if remote {
				e, err := openEnv(ctx, envOptions{autoApprove: true})
				if err != nil {
					return err
				}
				defer e.Close(ctx)

				if err := e.stack.Engine().Initialize(ctx); err != nil {
					return err
				}
				_, body, err := e.stack.Engine().Dump()
				if err != nil {
					return err
				}
				if body == nil {
					return fmt.Errorf("stack %s does not exist", e.manifest.Stack)
				}
				_, err = fmt.Fprintln(out, string(body))
				return err
			}

			e, err := openEnv(ctx, envOptions{offline: true})
			if err != nil {
				return err
			}
			defer e.Close(ctx)

			tpl, err := e.stack.Synthesize(ctx)
			if err != nil {
				return err
			}

			if graph {
				g, err := engine.BuildDependencyGraph(tpl)
				if err != nil {
					return err
				}
				return printGraph(out, g)
			}

			body, err := json.MarshalIndent(tpl, "", "  ")
			if err != nil {
				return fmt.Errorf("failed to render template: %w", err)
			}
			_, err = fmt.Fprintln(out, string(body))
			return err
		},
	}

	cmd.Flags().BoolVar(&remote, "remote", false, "print the deployed template")
	cmd.Flags().BoolVar(&graph, "graph", false, "print the dependency graph")
	cmd.MarkFlagsMutuallyExclusive("remote", "graph")

	return cmd
}

func printGraph(w io.Writer, g *engine.DependencyGraph) error {
	if jsonOutput {
		return printJSON(w, g)
	}

	for i, level := range g.Levels {
		if _, err := fmt.Fprintf(w, "wave %d: %s\n", i+1, strings.Join(level, ", ")); err != nil {
			return err
		}
	}
	for _, edge := range g.Edges {
		if _, err := fmt.Fprintf(w, "%s -> %s (%s)\n", edge.From, edge.To, edge.Kind); err != nil {
			return err
		}
	}
	return nil
}
