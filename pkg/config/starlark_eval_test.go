package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStarlarkEvaluator_Evaluate(t *testing.T) {
	evaluator := NewStarlarkEvaluator(5*time.Second, Builtins{})
	ctx := context.Background()

	tests := []struct {
		name      string
		script    string
		input     map[string]interface{}
		checkFunc func(*testing.T, *StarlarkResult)
		wantErr   bool
	}{
		{
			name:   "simple arithmetic",
			script: `result = 2 + 2`,
			checkFunc: func(t *testing.T, sr *StarlarkResult) {
				assert.Equal(t, int64(4), sr.Output["result"])
			},
		},
		{
			name:   "use input variables",
			script: `greeting = "hello " + stack`,
			input:  map[string]interface{}{"stack": "Alpha"},
			checkFunc: func(t *testing.T, sr *StarlarkResult) {
				assert.Equal(t, "hello Alpha", sr.Output["greeting"])
				assert.NotContains(t, sr.Output, "stack", "inputs are not returned as output")
			},
		},
		{
			name: "functions and private globals are not returned",
			script: `
def pages(n):
    return ["page-%d.html" % i for i in range(n)]

_count = 3
keys = pages(_count)
`,
			checkFunc: func(t *testing.T, sr *StarlarkResult) {
				assert.Equal(t, []interface{}{"page-0.html", "page-1.html", "page-2.html"}, sr.Output["keys"])
				assert.NotContains(t, sr.Output, "pages")
				assert.NotContains(t, sr.Output, "_count")
			},
		},
		{
			name:   "struct and tuple",
			script: `site = struct(name = "docs", sizes = (1, 2))`,
			checkFunc: func(t *testing.T, sr *StarlarkResult) {
				site, ok := sr.Output["site"].(map[string]interface{})
				require.True(t, ok, "struct converts to a map")
				assert.Equal(t, "docs", site["name"])
				assert.Len(t, site["sizes"], 2)
			},
		},
		{
			name:    "syntax error",
			script:  `invalid syntax here`,
			wantErr: true,
		},
		{
			name:    "runtime error",
			script:  `result = undefined_variable`,
			wantErr: true,
		},
		{
			name:    "non-string dict keys",
			script:  `result = {1: "a"}`,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := evaluator.Evaluate(ctx, tt.script, tt.input)

			if tt.wantErr {
				require.Error(t, err)
				assert.NotEmpty(t, result.Error, "result carries the error")
				return
			}
			require.NoError(t, err)
			if tt.checkFunc != nil {
				tt.checkFunc(t, result)
			}
		})
	}
}

func TestStarlarkEvaluator_EvalCondition(t *testing.T) {
	ids := map[string]string{"Site": "alpha-site-0001"}
	evaluator := NewStarlarkEvaluator(5*time.Second, Builtins{
		PhysicalID: func(name string) string { return ids[name] },
		Env: func(name string) string {
			if name == "STAGE" {
				return "prod"
			}
			return ""
		},
	})

	tests := []struct {
		expr    string
		want    bool
		wantErr bool
	}{
		{expr: `physical_id("Site") != ""`, want: true},
		{expr: `physical_id("Missing") != ""`, want: false},
		{expr: `env("STAGE") == "prod"`, want: true},
		{expr: `env("REGION", "us-east-2") == "us-east-2"`, want: true},
		{expr: `[]`, want: false},
		{expr: `"non-empty"`, want: true},
		{expr: `nope()`, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.expr, func(t *testing.T) {
			got, err := evaluator.EvalCondition(context.Background(), tt.expr)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestStarlarkEvaluator_PutObject(t *testing.T) {
	type put struct{ bucket, key, body string }
	var puts []put

	evaluator := NewStarlarkEvaluator(5*time.Second, Builtins{
		PhysicalID: func(name string) string { return "alpha-site-0001" },
		PutObject: func(ctx context.Context, bucket, key string, body []byte) error {
			assert.NotNil(t, ctx)
			puts = append(puts, put{bucket, key, string(body)})
			return nil
		},
	})

	_, err := evaluator.Evaluate(context.Background(), `
bucket = physical_id("Site")
for page in ["index.html", "error.html"]:
    put_object(bucket, page, "<h1>%s</h1>" % page)
`, nil)
	require.NoError(t, err)
	assert.Equal(t, []put{
		{"alpha-site-0001", "index.html", "<h1>index.html</h1>"},
		{"alpha-site-0001", "error.html", "<h1>error.html</h1>"},
	}, puts)
}

func TestStarlarkEvaluator_BuiltinErrors(t *testing.T) {
	evaluator := NewStarlarkEvaluator(5*time.Second, Builtins{
		PutObject: func(ctx context.Context, bucket, key string, body []byte) error {
			return errors.New("AccessDenied")
		},
	})

	tests := map[string]string{
		"no stack bound":     `physical_id("Site")`,
		"missing key":        `put_object("b", "", "x")`,
		"store error":        `put_object("b", "k", "x")`,
		"read_file disabled": `read_file("x.txt")`,
	}
	for name, script := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := evaluator.Evaluate(context.Background(), script, nil)
			assert.Error(t, err)
		})
	}
}

func TestStarlarkEvaluator_LogAndPrint(t *testing.T) {
	var logged []string
	evaluator := NewStarlarkEvaluator(5*time.Second, Builtins{
		Log: func(msg string) { logged = append(logged, msg) },
	})

	_, err := evaluator.Evaluate(context.Background(), `
log("seeding")
print("done", 2)
log(3)
`, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"seeding", "done 2", "3"}, logged)
}

func TestStarlarkEvaluator_ReadFile(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "site"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "site", "index.html"), []byte("<h1>hi</h1>"), 0o644))

	evaluator := NewStarlarkEvaluator(5*time.Second, Builtins{BaseDir: dir})

	result, err := evaluator.Evaluate(context.Background(), `body = read_file("site/index.html")`, nil)
	require.NoError(t, err)
	assert.Equal(t, "<h1>hi</h1>", result.Output["body"])

	for _, path := range []string{"../secret", "/etc/passwd", "site/../../x"} {
		_, err := evaluator.Evaluate(context.Background(), `body = read_file("`+path+`")`, nil)
		assert.Error(t, err, "%s escapes the manifest directory", path)
	}
}

func TestStarlarkEvaluator_Timeout(t *testing.T) {
	evaluator := NewStarlarkEvaluator(50*time.Millisecond, Builtins{})

	script := `
def spin():
    n = 0
    for i in range(100000000):
        n += i
    return n

result = spin()
`
	start := time.Now()
	result, err := evaluator.Evaluate(context.Background(), script, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "timeout")
	assert.NotEmpty(t, result.Error)
	assert.Less(t, time.Since(start), 5*time.Second, "script is cancelled promptly")
}

func TestStarlarkEvaluator_Cancelled(t *testing.T) {
	evaluator := NewStarlarkEvaluator(time.Minute, Builtins{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := evaluator.EvalCondition(ctx, `len([i for i in range(100000000)]) > 0`)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cancelled")
}

func TestToStarlarkValue_Unsupported(t *testing.T) {
	_, err := toStarlarkValue(struct{}{})
	assert.Error(t, err)
}
