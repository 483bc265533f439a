package interaction

import (
	"bytes"
	"context"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openfroyo/stackur/pkg/engine"
)

func testChangeSet() *engine.ChangeSet {
	return &engine.ChangeSet{
		Name:      "jane-1700000000000",
		StackName: "Alpha",
		Type:      engine.ChangeSetTypeUpdate,
		Changes: []engine.Change{
			{Action: engine.ChangeActionAdd, LogicalID: "Bucket1", ResourceType: "AWS::S3::Bucket"},
			{Action: engine.ChangeActionModify, LogicalID: "Fn", ResourceType: "AWS::Lambda::Function", Replacement: "False"},
		},
	}
}

func TestConfirm(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    bool
		invalid int
	}{
		{name: "yes", input: "y\n", want: true},
		{name: "long yes", input: "YES\n", want: true},
		{name: "no", input: "n\n", want: false},
		{name: "long no", input: " No \n", want: false},
		{name: "retry after invalid", input: "maybe\n\ny\n", want: true, invalid: 2},
		{name: "no trailing newline", input: "y", want: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var out bytes.Buffer
			p := NewPrompt(strings.NewReader(tt.input), &out)

			got, err := p.Confirm(context.Background(), testChangeSet())
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.invalid, strings.Count(out.String(), invalidInput))
			assert.Contains(t, out.String(), Question)
		})
	}
}

func TestConfirmRendersChanges(t *testing.T) {
	var out bytes.Buffer
	p := NewPrompt(strings.NewReader("y\n"), &out)

	_, err := p.Confirm(context.Background(), testChangeSet())
	require.NoError(t, err)

	for _, want := range []string{"Alpha", "jane-1700000000000", "Bucket1", "AWS::S3::Bucket", "Modify", "False"} {
		assert.Contains(t, out.String(), want)
	}
}

func TestConfirmDoesNotOverRead(t *testing.T) {
	in := strings.NewReader("y\nn\n")
	var out bytes.Buffer

	first, err := NewPrompt(in, &out).Confirm(context.Background(), testChangeSet())
	require.NoError(t, err)
	second, err := NewPrompt(in, &out).Confirm(context.Background(), testChangeSet())
	require.NoError(t, err)

	assert.True(t, first)
	assert.False(t, second)
}

func TestConfirmEOF(t *testing.T) {
	p := NewPrompt(strings.NewReader("what\n"), io.Discard)
	_, err := p.Confirm(context.Background(), testChangeSet())
	assert.ErrorIs(t, err, ErrNoInput)
}

func TestConfirmCancelled(t *testing.T) {
	r, w := io.Pipe()
	defer w.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := NewPrompt(r, io.Discard).Confirm(ctx, testChangeSet())
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestConfirmAfterCancelledRead(t *testing.T) {
	r, w := io.Pipe()
	defer w.Close()
	p := NewPrompt(r, io.Discard)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := p.Confirm(ctx, testChangeSet())
	require.ErrorIs(t, err, context.DeadlineExceeded)

	go func() {
		_, _ = w.Write([]byte("y\n"))
	}()

	ctx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	accepted, err := p.Confirm(ctx, testChangeSet())
	require.NoError(t, err)
	assert.True(t, accepted, "the pending read answers the next question")
}

func TestConfirmAfterEOF(t *testing.T) {
	p := NewPrompt(strings.NewReader(""), io.Discard)
	_, err := p.Confirm(context.Background(), testChangeSet())
	require.ErrorIs(t, err, ErrNoInput)

	_, err = p.Confirm(context.Background(), testChangeSet())
	assert.ErrorIs(t, err, ErrNoInput)
}

func TestConfirmNilChangeSet(t *testing.T) {
	_, err := NewPrompt(strings.NewReader("y\n"), io.Discard).Confirm(context.Background(), nil)
	assert.Error(t, err)
}

func TestRenderEmpty(t *testing.T) {
	p := NewPrompt(strings.NewReader(""), io.Discard)
	out := p.Render(&engine.ChangeSet{Name: "cs", StackName: "Alpha"})
	assert.Contains(t, out, "no resource changes")
}

func TestAutoApprove(t *testing.T) {
	ok, err := AutoApprove.Confirm(context.Background(), testChangeSet())
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestIsTerminal(t *testing.T) {
	assert.False(t, IsTerminal(strings.NewReader("")))
}
