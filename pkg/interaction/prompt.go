package interaction

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"golang.org/x/term"

	"github.com/openfroyo/stackur/pkg/engine"
)

// Question is asked after the change set has been rendered.
const Question = "Do you accept these changes? [y/n] "

// invalidInput is printed for any answer other than y, yes, n or no.
const invalidInput = "Invalid input, please use y or n"

// ErrNoInput is returned when the input ends before an answer is given.
var ErrNoInput = errors.New("no answer: input closed")

// Prompt is a terminal confirmation gate. It renders the change set as a
// table and reads a y/n answer from in. A Prompt is not safe for concurrent
// use.
type Prompt struct {
	in       io.Reader
	out      io.Writer
	renderer *lipgloss.Renderer

	// One reader goroutine per Prompt reads a line each time it is asked.
	// A read abandoned by a cancelled context stays in flight, and its
	// line answers the next question.
	startReader sync.Once
	want        chan struct{}
	lines       chan readResult
	pending     bool
	readErr     error
}

var _ engine.Gate = (*Prompt)(nil)

// NewPrompt returns a prompt reading answers from in and writing to out.
func NewPrompt(in io.Reader, out io.Writer) *Prompt {
	return &Prompt{
		in:       in,
		out:      out,
		renderer: lipgloss.NewRenderer(out),
		want:     make(chan struct{}, 1),
		lines:    make(chan readResult, 1),
	}
}

// Confirm implements engine.Gate. Invalid answers are reported and the
// question is asked again until a valid answer, end of input or ctx ends.
func (p *Prompt) Confirm(ctx context.Context, cs *engine.ChangeSet) (bool, error) {
	if cs == nil {
		return false, fmt.Errorf("no change set to confirm")
	}

	fmt.Fprintln(p.out, p.Render(cs))

	for {
		fmt.Fprint(p.out, Question)

		line, err := p.readLine(ctx)
		if err != nil {
			return false, err
		}

		switch strings.ToLower(strings.TrimSpace(line)) {
		case "y", "yes":
			return true, nil
		case "n", "no":
			return false, nil
		default:
			fmt.Fprintln(p.out, invalidInput)
		}
	}
}

// Render formats the change set summary and one row per change.
func (p *Prompt) Render(cs *engine.ChangeSet) string {
	title := p.renderer.NewStyle().Bold(true)
	header := fmt.Sprintf("%s %s  %s %s",
		title.Render("Stack:"), cs.StackName,
		title.Render("Change set:"), cs.Name)

	if len(cs.Changes) == 0 {
		return header + "\n(no resource changes)"
	}

	rows := make([][]string, 0, len(cs.Changes))
	for _, c := range cs.Changes {
		replacement := c.Replacement
		if replacement == "" {
			replacement = "-"
		}
		rows = append(rows, []string{string(c.Action), c.LogicalID, c.ResourceType, replacement})
	}

	t := table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(p.renderer.NewStyle().Foreground(lipgloss.Color("240"))).
		Headers("ACTION", "LOGICAL ID", "TYPE", "REPLACEMENT").
		Rows(rows...).
		StyleFunc(func(row, col int) lipgloss.Style {
			style := p.renderer.NewStyle().Padding(0, 1)
			if row == table.HeaderRow {
				return style.Bold(true)
			}
			if col == 0 && row >= 0 && row < len(rows) {
				return style.Foreground(actionColor(engine.ChangeAction(rows[row][0])))
			}
			return style
		})

	return header + "\n" + t.String()
}

func actionColor(action engine.ChangeAction) lipgloss.Color {
	switch action {
	case engine.ChangeActionAdd:
		return lipgloss.Color("42")
	case engine.ChangeActionRemove:
		return lipgloss.Color("196")
	default:
		return lipgloss.Color("214")
	}
}

type readResult struct {
	line string
	err  error
}

// readLine returns the next line of input. When ctx ends first the read
// stays pending for the next call.
func (p *Prompt) readLine(ctx context.Context) (string, error) {
	if p.readErr != nil {
		return "", p.readErr
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	p.startReader.Do(func() { go p.readLoop() })
	if !p.pending {
		p.want <- struct{}{}
		p.pending = true
	}

	select {
	case res := <-p.lines:
		p.pending = false
		if res.err != nil {
			p.readErr = res.err
		}
		return res.line, res.err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// readLoop serves one line per request until the input fails.
func (p *Prompt) readLoop() {
	for range p.want {
		line, err := p.scanLine()
		p.lines <- readResult{line: line, err: err}
		if err != nil {
			return
		}
	}
}

// scanLine reads a byte at a time so nothing past the newline is consumed.
func (p *Prompt) scanLine() (string, error) {
	var sb strings.Builder
	buf := make([]byte, 1)
	for {
		n, err := p.in.Read(buf)
		if n > 0 {
			if buf[0] == '\n' {
				return sb.String(), nil
			}
			sb.WriteByte(buf[0])
		}
		if err == io.EOF {
			if sb.Len() > 0 {
				return sb.String(), nil
			}
			return "", ErrNoInput
		}
		if err != nil {
			return "", fmt.Errorf("failed to read answer: %w", err)
		}
	}
}

// AutoApprove accepts every change set. It is used for --yes runs.
var AutoApprove engine.Gate = engine.GateFunc(func(ctx context.Context, cs *engine.ChangeSet) (bool, error) {
	return true, nil
})

// IsTerminal reports whether r is an interactive terminal.
func IsTerminal(r io.Reader) bool {
	if f, ok := r.(*os.File); ok {
		return term.IsTerminal(int(f.Fd()))
	}
	return false
}
