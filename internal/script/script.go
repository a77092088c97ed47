// Package script hosts the Starlark scripting VM (SPEC_FULL.md §4.5): one
// interpreter per flow, startup execution of the configured program, and a
// read-only packet bridge.
package script

import (
	"fmt"
	"regexp"
	"sync"

	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"

	cerrors "censorlab.dev/censorlab/internal/errors"
	"censorlab.dev/censorlab/internal/flow"
	"censorlab.dev/censorlab/internal/logging"
	"censorlab.dev/censorlab/internal/packetmodel"
)

// logBudgetPerFlow caps how many log() calls a single flow's program may
// emit before further calls are silently dropped, per SPEC_FULL.md §6
// ("rate-limited per flow").
const logBudgetPerFlow = 20

// ModelEvaluator is the subset of internal/model.Evaluator the script host
// needs, kept as a narrow interface here to avoid internal/script
// importing internal/model (SPEC_FULL.md §4.7 is consumed, not owned,
// by the scripting layer).
type ModelEvaluator interface {
	Evaluate(name string, input []float32) ([]float32, error)
}

// DNSParser parses a UDP payload into a Starlark-visible DNS view,
// returning nil (never raises) on malformed input, per SPEC_FULL.md §4.5.
type DNSParser func(payload []byte) starlark.Value

// HostOptions configures which auxiliary capabilities (SPEC_FULL.md §4.5
// "injectable, off by default") are exposed to programs.
type HostOptions struct {
	EnableRegex bool
	EnableDNS   bool
	DNSParser   DNSParser
	Model       ModelEvaluator
	Log         *logging.Logger
}

// Host loads and prepares a CensorLab Starlark program once; it then
// manufactures one Context per flow via NewContext.
type Host struct {
	source  []byte
	name    string
	opts    HostOptions
}

// NewHost compiles nothing upfront (Starlark has no separate compile
// step); it just retains the program source for per-flow execution.
func NewHost(name string, source []byte, opts HostOptions) *Host {
	return &Host{source: source, name: name, opts: opts}
}

// Factory returns a flow.InterpreterFactory bound to this host, for
// construction of a flow.Table (SPEC_FULL.md §4.3/§4.5: "loading the
// configured censor program once per flow").
func (h *Host) Factory() flow.InterpreterFactory {
	return func() (flow.Interpreter, error) {
		return h.NewContext()
	}
}

// Context is one flow's Starlark interpreter: a single thread plus the
// globals left behind by the program's top-level statements, and the
// looked-up entry function. Per SPEC_FULL.md §4.5 it is invoked
// synchronously and never re-entrantly.
type Context struct {
	thread  *starlark.Thread
	globals starlark.StringDict
	process starlark.Value
	opts    HostOptions

	logMu    sync.Mutex
	logCount int
}

// NewContext runs the host's program once (SPEC_FULL.md §4.5 "startup")
// and resolves its `process` entry function.
func (h *Host) NewContext() (*Context, error) {
	ctx := &Context{opts: h.opts}
	predeclared := h.predeclared(ctx)

	thread := &starlark.Thread{Name: h.name}
	// Program.Init leaves the globals unfrozen (ExecFile freezes them), so
	// top-level state stays mutable across this flow's process() calls.
	_, prog, err := starlark.SourceProgram(h.name, h.source, predeclared.Has)
	if err != nil {
		return nil, cerrors.Wrap(err, cerrors.KindProgramLoad, "starlark program failed to compile")
	}
	globals, err := prog.Init(thread, predeclared)
	if err != nil {
		return nil, cerrors.Wrap(err, cerrors.KindProgramLoad, "starlark program failed to execute at flow birth")
	}

	process, ok := globals["process"]
	if !ok {
		return nil, cerrors.New(cerrors.KindProgramLoad, "starlark program does not define a process function")
	}
	if _, ok := process.(starlark.Callable); !ok {
		return nil, cerrors.New(cerrors.KindProgramLoad, "process is not callable")
	}

	ctx.thread = thread
	ctx.globals = globals
	ctx.process = process
	return ctx, nil
}

func (h *Host) predeclared(ctx *Context) starlark.StringDict {
	d := starlark.StringDict{
		"struct": starlark.NewBuiltin("struct", starlarkstruct.Make),
		"log":    starlark.NewBuiltin("log", ctx.logBuiltin),
	}
	if h.opts.EnableRegex {
		d["regex"] = starlark.NewBuiltin("regex", builtinRegexNew)
	}
	if h.opts.EnableDNS && h.opts.DNSParser != nil {
		d["parse_dns"] = starlark.NewBuiltin("parse_dns", dnsParseBuiltin(h.opts.DNSParser))
	}
	if h.opts.Model != nil {
		d["model"] = newModelValue(h.opts.Model)
	}
	return d
}

// logBuiltin implements the predeclared log(msg) function: it writes
// through internal/logging and is rate-limited per flow, since a Context
// is one flow's interpreter for its entire lifetime.
func (c *Context) logBuiltin(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var msg string
	if err := starlark.UnpackArgs("log", args, kwargs, "msg", &msg); err != nil {
		return nil, err
	}
	if c.opts.Log == nil {
		return starlark.None, nil
	}

	c.logMu.Lock()
	c.logCount++
	count := c.logCount
	c.logMu.Unlock()

	if count > logBudgetPerFlow {
		return starlark.None, nil
	}
	if count == logBudgetPerFlow {
		c.opts.Log.Info(msg, "program", thread.Name)
		c.opts.Log.Warn("log budget exhausted for this flow, further log() calls are dropped", "program", thread.Name)
		return starlark.None, nil
	}
	c.opts.Log.Info(msg, "program", thread.Name)
	return starlark.None, nil
}

// Invoke runs the flow's process() function against pkt and maps the
// return value to a flow.Verdict, per SPEC_FULL.md §4.5's verdict table.
func (c *Context) Invoke(pkt *packetmodel.Packet) (flow.Verdict, error) {
	args := starlark.Tuple{NewPacketValue(pkt)}

	result, err := starlark.Call(c.thread, c.process, args, nil)
	if err != nil {
		return flow.VerdictAllow, cerrors.Wrap(err, cerrors.KindScript, "starlark process() failed")
	}

	switch v := result.(type) {
	case starlark.NoneType:
		return flow.VerdictAllow, nil
	case starlark.String:
		switch string(v) {
		case "allow":
			return flow.VerdictAllow, nil
		case "drop":
			return flow.VerdictDrop, nil
		case "allow_all":
			return flow.VerdictAllowAll, nil
		case "terminate":
			return flow.VerdictTerminate, nil
		default:
			return flow.VerdictAllow, cerrors.Errorf(cerrors.KindScript, "process() returned unrecognized verdict %q", string(v))
		}
	default:
		return flow.VerdictAllow, cerrors.Errorf(cerrors.KindScript, "process() returned unrecognized value of type %s", result.Type())
	}
}

// Close releases the flow's interpreter. Starlark threads hold no
// off-heap resources, so this is a no-op beyond dropping references.
func (c *Context) Close() {
	c.thread = nil
	c.globals = nil
	c.process = nil
}

// --- auxiliary host capabilities (SPEC_FULL.md §4.5) ---

type regexValue struct {
	re *regexp.Regexp
}

var _ starlark.Value = (*regexValue)(nil)
var _ starlark.HasAttrs = (*regexValue)(nil)

func (r *regexValue) String() string        { return fmt.Sprintf("<regex %q>", r.re.String()) }
func (r *regexValue) Type() string          { return "regex" }
func (r *regexValue) Freeze()               {}
func (r *regexValue) Truth() starlark.Bool  { return starlark.True }
func (r *regexValue) Hash() (uint32, error) { return 0, fmt.Errorf("regex is not hashable") }

func (r *regexValue) AttrNames() []string { return []string{"ismatch"} }

func (r *regexValue) Attr(name string) (starlark.Value, error) {
	if name != "ismatch" {
		return nil, nil
	}
	return starlark.NewBuiltin("ismatch", func(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		var data starlark.Bytes
		if err := starlark.UnpackArgs("ismatch", args, kwargs, "data", &data); err != nil {
			return nil, err
		}
		return starlark.Bool(r.re.Match([]byte(data))), nil
	}), nil
}

func builtinRegexNew(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var pattern string
	if err := starlark.UnpackArgs("regex", args, kwargs, "pattern", &pattern); err != nil {
		return nil, err
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("invalid regex pattern: %w", err)
	}
	return &regexValue{re: re}, nil
}

func dnsParseBuiltin(parse DNSParser) starlark.Func {
	return func(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		var data starlark.Bytes
		if err := starlark.UnpackArgs("parse_dns", args, kwargs, "payload", &data); err != nil {
			return nil, err
		}
		v := parse([]byte(data))
		if v == nil {
			return starlark.None, nil
		}
		return v, nil
	}
}

type modelValue struct {
	eval ModelEvaluator
}

var _ starlark.Value = (*modelValue)(nil)
var _ starlark.HasAttrs = (*modelValue)(nil)

func newModelValue(eval ModelEvaluator) *modelValue { return &modelValue{eval: eval} }

func (m *modelValue) String() string        { return "<model>" }
func (m *modelValue) Type() string          { return "model" }
func (m *modelValue) Freeze()               {}
func (m *modelValue) Truth() starlark.Bool  { return starlark.True }
func (m *modelValue) Hash() (uint32, error) { return 0, fmt.Errorf("model is not hashable") }

func (m *modelValue) AttrNames() []string { return []string{"evaluate"} }

func (m *modelValue) Attr(name string) (starlark.Value, error) {
	if name != "evaluate" {
		return nil, nil
	}
	return starlark.NewBuiltin("evaluate", func(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		var modelName string
		var input *starlark.List
		if err := starlark.UnpackArgs("evaluate", args, kwargs, "name", &modelName, "input", &input); err != nil {
			return nil, err
		}
		in := make([]float32, input.Len())
		for i := 0; i < input.Len(); i++ {
			f, ok := starlark.AsFloat(input.Index(i))
			if !ok {
				return nil, fmt.Errorf("evaluate: input[%d] is not a number", i)
			}
			in[i] = float32(f)
		}
		out, err := m.eval.Evaluate(modelName, in)
		if err != nil {
			return nil, err
		}
		vals := make([]starlark.Value, len(out))
		for i, f := range out {
			vals[i] = starlark.Float(f)
		}
		return starlark.NewList(vals), nil
	}), nil
}
