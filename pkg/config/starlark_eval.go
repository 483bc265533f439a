package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"
	"go.starlark.net/syntax"
)

const contextLocal = "context"

// fileOptions allow top-level loops and conditionals in task scripts.
var fileOptions = &syntax.FileOptions{
	Set:             true,
	While:           true,
	TopLevelControl: true,
	GlobalReassign:  true,
}

// Builtins are the host functions exposed to task scripts and conditions.
// A nil function makes the matching builtin fail when called, except Env
// and Log which fall back to the process environment and a no-op.
type Builtins struct {
	// PhysicalID returns the physical id of a committed resource, or "".
	PhysicalID func(logicalID string) string

	// PutObject uploads an object to a bucket.
	PutObject func(ctx context.Context, bucket, key string, body []byte) error

	// Env looks up an environment variable.
	Env func(name string) string

	// Log receives log() calls and print() output.
	Log func(msg string)

	// BaseDir confines read_file to a directory; empty disables read_file.
	BaseDir string
}

// StarlarkResult represents the result of Starlark execution.
type StarlarkResult struct {
	// Output holds the global variables the script defined.
	Output map[string]interface{} `json:"output,omitempty"`

	// ExecutionTime is how long the script took to execute.
	ExecutionTime time.Duration `json:"execution_time"`

	// Error is any error that occurred.
	Error string `json:"error,omitempty"`
}

// StarlarkEvaluator executes task scripts and conditions. Execution is
// cancelled when the context ends or the timeout expires.
type StarlarkEvaluator struct {
	timeout  time.Duration
	builtins Builtins
}

// NewStarlarkEvaluator creates a new Starlark evaluator.
func NewStarlarkEvaluator(timeout time.Duration, builtins Builtins) *StarlarkEvaluator {
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	if builtins.Env == nil {
		builtins.Env = os.Getenv
	}
	if builtins.Log == nil {
		builtins.Log = func(string) {}
	}
	return &StarlarkEvaluator{
		timeout:  timeout,
		builtins: builtins,
	}
}

// Evaluate executes a script with the given input bound as globals and
// returns the globals the script defined. Names starting with an
// underscore are not returned.
func (se *StarlarkEvaluator) Evaluate(ctx context.Context, script string, input map[string]interface{}) (*StarlarkResult, error) {
	startTime := time.Now()

	result, err := se.run(ctx, func(thread *starlark.Thread, predeclared starlark.StringDict) (*StarlarkResult, error) {
		for key, val := range input {
			starlarkVal, err := toStarlarkValue(val)
			if err != nil {
				return nil, fmt.Errorf("failed to convert input %s: %w", key, err)
			}
			predeclared[key] = starlarkVal
		}

		globals, err := starlark.ExecFileOptions(fileOptions, thread, "task.star", script, predeclared)
		if err != nil {
			return nil, fmt.Errorf("starlark execution failed: %w", err)
		}

		output := make(map[string]interface{})
		for name, val := range globals {
			if strings.HasPrefix(name, "_") {
				continue
			}
			if _, isFunc := val.(*starlark.Function); isFunc {
				continue
			}
			goVal, err := fromStarlarkValue(val)
			if err != nil {
				return nil, fmt.Errorf("failed to convert output %s: %w", name, err)
			}
			output[name] = goVal
		}
		return &StarlarkResult{Output: output}, nil
	})
	if err != nil {
		return &StarlarkResult{
			ExecutionTime: time.Since(startTime),
			Error:         err.Error(),
		}, err
	}

	result.ExecutionTime = time.Since(startTime)
	return result, nil
}

// EvalCondition evaluates a single expression and returns its truth value.
func (se *StarlarkEvaluator) EvalCondition(ctx context.Context, expr string) (bool, error) {
	var truth bool
	_, err := se.run(ctx, func(thread *starlark.Thread, predeclared starlark.StringDict) (*StarlarkResult, error) {
		v, err := starlark.EvalOptions(fileOptions, thread, "condition", expr, predeclared)
		if err != nil {
			return nil, fmt.Errorf("condition %q failed: %w", expr, err)
		}
		truth = bool(v.Truth())
		return nil, nil
	})
	return truth, err
}

// run prepares a thread that is cancelled with the context and calls fn.
func (se *StarlarkEvaluator) run(ctx context.Context, fn func(*starlark.Thread, starlark.StringDict) (*StarlarkResult, error)) (*StarlarkResult, error) {
	evalCtx, cancel := context.WithTimeout(ctx, se.timeout)
	defer cancel()

	thread := &starlark.Thread{
		Name: "stackur",
		Print: func(_ *starlark.Thread, msg string) {
			se.builtins.Log(msg)
		},
	}
	thread.SetLocal(contextLocal, evalCtx)

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-evalCtx.Done():
			thread.Cancel(evalCtx.Err().Error())
		case <-done:
		}
	}()

	result, err := fn(thread, se.predeclared())
	if err != nil && evalCtx.Err() != nil {
		if errors.Is(evalCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			return nil, fmt.Errorf("starlark execution timeout after %v: %w", se.timeout, err)
		}
		return nil, fmt.Errorf("starlark execution cancelled: %w", err)
	}
	return result, err
}

func (se *StarlarkEvaluator) predeclared() starlark.StringDict {
	return starlark.StringDict{
		"struct":      starlark.NewBuiltin("struct", starlarkstruct.Make),
		"physical_id": starlark.NewBuiltin("physical_id", se.builtinPhysicalID),
		"put_object":  starlark.NewBuiltin("put_object", se.builtinPutObject),
		"env":         starlark.NewBuiltin("env", se.builtinEnv),
		"log":         starlark.NewBuiltin("log", se.builtinLog),
		"read_file":   starlark.NewBuiltin("read_file", se.builtinReadFile),
	}
}

func threadContext(thread *starlark.Thread) context.Context {
	if ctx, ok := thread.Local(contextLocal).(context.Context); ok {
		return ctx
	}
	return context.Background()
}

// physical_id(name) returns the physical id of a committed resource or "".
func (se *StarlarkEvaluator) builtinPhysicalID(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var name string
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "name", &name); err != nil {
		return nil, err
	}
	if se.builtins.PhysicalID == nil {
		return nil, fmt.Errorf("%s: no stack bound", b.Name())
	}
	return starlark.String(se.builtins.PhysicalID(name)), nil
}

// put_object(bucket, key, body) uploads body to the bucket.
func (se *StarlarkEvaluator) builtinPutObject(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var bucket, key, body string
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "bucket", &bucket, "key", &key, "body", &body); err != nil {
		return nil, err
	}
	if bucket == "" || key == "" {
		return nil, fmt.Errorf("%s: bucket and key are required", b.Name())
	}
	if se.builtins.PutObject == nil {
		return nil, fmt.Errorf("%s: no object store configured", b.Name())
	}
	if err := se.builtins.PutObject(threadContext(thread), bucket, key, []byte(body)); err != nil {
		return nil, fmt.Errorf("%s: %w", b.Name(), err)
	}
	return starlark.None, nil
}

// env(name, default="") returns an environment variable.
func (se *StarlarkEvaluator) builtinEnv(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var name, def string
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "name", &name, "default?", &def); err != nil {
		return nil, err
	}
	if v := se.builtins.Env(name); v != "" {
		return starlark.String(v), nil
	}
	return starlark.String(def), nil
}

// log(msg) writes a message to the stack logger.
func (se *StarlarkEvaluator) builtinLog(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var msg starlark.Value
	if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 1, &msg); err != nil {
		return nil, err
	}
	if s, ok := msg.(starlark.String); ok {
		se.builtins.Log(string(s))
	} else {
		se.builtins.Log(msg.String())
	}
	return starlark.None, nil
}

// read_file(path) returns the content of a file below BaseDir.
func (se *StarlarkEvaluator) builtinReadFile(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var path string
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "path", &path); err != nil {
		return nil, err
	}
	if se.builtins.BaseDir == "" {
		return nil, fmt.Errorf("%s: disabled", b.Name())
	}

	full := filepath.Join(se.builtins.BaseDir, filepath.FromSlash(path))
	rel, err := filepath.Rel(se.builtins.BaseDir, full)
	if err != nil || filepath.IsAbs(path) || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return nil, fmt.Errorf("%s: %s is outside %s", b.Name(), path, se.builtins.BaseDir)
	}

	data, err := os.ReadFile(full)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", b.Name(), err)
	}
	return starlark.String(data), nil
}

// toStarlarkValue converts a Go value to a Starlark value.
func toStarlarkValue(v interface{}) (starlark.Value, error) {
	if v == nil {
		return starlark.None, nil
	}

	switch val := v.(type) {
	case bool:
		return starlark.Bool(val), nil
	case int:
		return starlark.MakeInt(val), nil
	case int64:
		return starlark.MakeInt64(val), nil
	case float64:
		return starlark.Float(val), nil
	case string:
		return starlark.String(val), nil
	case []interface{}:
		list := make([]starlark.Value, len(val))
		for i, item := range val {
			starlarkItem, err := toStarlarkValue(item)
			if err != nil {
				return nil, err
			}
			list[i] = starlarkItem
		}
		return starlark.NewList(list), nil
	case map[string]string:
		dict := starlark.NewDict(len(val))
		for k, v := range val {
			if err := dict.SetKey(starlark.String(k), starlark.String(v)); err != nil {
				return nil, err
			}
		}
		return dict, nil
	case map[string]interface{}:
		dict := starlark.NewDict(len(val))
		for k, v := range val {
			starlarkVal, err := toStarlarkValue(v)
			if err != nil {
				return nil, err
			}
			if err := dict.SetKey(starlark.String(k), starlarkVal); err != nil {
				return nil, err
			}
		}
		return dict, nil
	default:
		return nil, fmt.Errorf("unsupported type: %T", v)
	}
}

// fromStarlarkValue converts a Starlark value to a Go value.
func fromStarlarkValue(v starlark.Value) (interface{}, error) {
	switch val := v.(type) {
	case starlark.NoneType:
		return nil, nil
	case starlark.Bool:
		return bool(val), nil
	case starlark.Int:
		i, ok := val.Int64()
		if !ok {
			return nil, fmt.Errorf("integer too large")
		}
		return i, nil
	case starlark.Float:
		return float64(val), nil
	case starlark.String:
		return string(val), nil
	case starlark.Tuple:
		list := make([]interface{}, len(val))
		for i, item := range val {
			goItem, err := fromStarlarkValue(item)
			if err != nil {
				return nil, err
			}
			list[i] = goItem
		}
		return list, nil
	case *starlark.List:
		list := make([]interface{}, val.Len())
		for i := 0; i < val.Len(); i++ {
			item, err := fromStarlarkValue(val.Index(i))
			if err != nil {
				return nil, err
			}
			list[i] = item
		}
		return list, nil
	case *starlark.Dict:
		dict := make(map[string]interface{})
		for _, item := range val.Items() {
			key, ok := item[0].(starlark.String)
			if !ok {
				return nil, fmt.Errorf("dict key must be string")
			}
			value, err := fromStarlarkValue(item[1])
			if err != nil {
				return nil, err
			}
			dict[string(key)] = value
		}
		return dict, nil
	case *starlarkstruct.Struct:
		dict := make(map[string]interface{})
		for _, name := range val.AttrNames() {
			attr, err := val.Attr(name)
			if err != nil {
				continue
			}
			value, err := fromStarlarkValue(attr)
			if err != nil {
				return nil, err
			}
			dict[name] = value
		}
		return dict, nil
	default:
		return nil, fmt.Errorf("unsupported starlark type: %s", v.Type())
	}
}
