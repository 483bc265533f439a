package commands

import (
	"fmt"
	"io"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"

	"github.com/openfroyo/stackur/pkg/stack"
)

// unitStatus is one row of the unit listing printed after commit.
type unitStatus struct {
	Name       string `json:"name"`
	Kind       string `json:"kind"`
	Committed  bool   `json:"committed"`
	PhysicalID string `json:"physical_id,omitempty"`
}

func unitStatuses(s *stack.Stack) []unitStatus {
	units := s.Units()
	out := make([]unitStatus, 0, len(units))
	for _, u := range units {
		st := unitStatus{Name: u.Name(), Kind: "task", Committed: u.Committed()}
		if r, ok := u.(*stack.Resource); ok {
			st.Kind = r.Kind()
			st.PhysicalID = r.PhysicalID()
		}
		out = append(out, st)
	}
	return out
}

func printUnits(w io.Writer, s *stack.Stack) error {
	statuses := unitStatuses(s)
	if jsonOutput {
		return printJSON(w, map[string]interface{}{
			"stack": s.Name(),
			"units": statuses,
		})
	}

	renderer := lipgloss.NewRenderer(w)
	rows := make([][]string, 0, len(statuses))
	for _, st := range statuses {
		state := "pending"
		if st.Committed {
			state = "committed"
		}
		id := st.PhysicalID
		if id == "" {
			id = "-"
		}
		rows = append(rows, []string{st.Name, st.Kind, state, id})
	}

	t := table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(renderer.NewStyle().Foreground(lipgloss.Color("240"))).
		Headers("UNIT", "KIND", "STATE", "PHYSICAL ID").
		Rows(rows...).
		StyleFunc(func(row, col int) lipgloss.Style {
			style := renderer.NewStyle().Padding(0, 1)
			if row == table.HeaderRow {
				return style.Bold(true)
			}
			return style
		})

	_, err := fmt.Fprintf(w, "%s %s\n%s\n", renderer.NewStyle().Bold(true).Render("Stack:"), s.Name(), t.String())
	return err
}
