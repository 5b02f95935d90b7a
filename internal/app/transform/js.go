package transform

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/dop251/goja"
	json "github.com/goccy/go-json"
	"go.uber.org/zap"

	"github.com/coachpo/fieldgate/errs"
	"github.com/coachpo/fieldgate/internal/domain/content"
)

// ErrFunctionMissing is returned when a script does not export transform.
var ErrFunctionMissing = errors.New("js transformer: transform export missing")

const exportedFunction = "transform"

// JS runs a user script exporting transform(payload). The script sees
// {type, source, filename, values, content} and returns {values} for a
// values output or {content, filename} for a file output.
type JS struct {
	name   string
	in     content.Type
	out    content.Type
	logger *zap.Logger

	rt     *goja.Runtime
	export *goja.Object
	queue  chan func(*goja.Runtime)
	wg     sync.WaitGroup
	mu     sync.RWMutex
	closed bool
	once   sync.Once
}

// NewJS compiles the script given by the "script" or "file" option.
// Options inputType and outputType default to time-values.
func NewJS(options map[string]any) (Transformer, error) {
	return NewJSWithLogger(options, nil)
}

// NewJSWithLogger is NewJS with console output routed to logger.
func NewJSWithLogger(options map[string]any, logger *zap.Logger) (Transformer, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	source := stringOption(options, "script", "")
	name := stringOption(options, "name", "inline.js")
	if path := stringOption(options, "file", ""); path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("js transformer: read %s: %w", path, err)
		}
		source = string(raw)
		name = filepath.Base(path)
	}
	if strings.TrimSpace(source) == "" {
		return nil, fmt.Errorf("js transformer: script required")
	}
	in := content.Type(stringOption(options, "inputType", string(content.TypeTimeValues)))
	out := content.Type(stringOption(options, "outputType", string(content.TypeTimeValues)))
	if !in.Valid() || !out.Valid() {
		return nil, fmt.Errorf("js transformer: unsupported types %q -> %q", in, out)
	}
	program, err := goja.Compile(name, source, true)
	if err != nil {
		return nil, fmt.Errorf("js transformer: compile %s: %w", name, err)
	}

	scoped := logger.With(zap.String("script", name))
	rt := goja.New()
	export, err := runModule(rt, program, scoped)
	if err != nil {
		return nil, fmt.Errorf("js transformer: execute %s: %w", name, err)
	}
	fn, ok := goja.AssertFunction(export.Get(exportedFunction))
	if !ok || fn == nil {
		return nil, ErrFunctionMissing
	}
	t := &JS{
		name:   name,
		in:     in,
		out:    out,
		logger: scoped,
		rt:     rt,
		export: export,
		queue:  make(chan func(*goja.Runtime)),
	}
	t.wg.Add(1)
	go t.loop()
	return t, nil
}

func (t *JS) Name() string { return "js:" + t.name }
func (t *JS) InputType() content.Type { return t.in }
func (t *JS) OutputType() content.Type { return t.out }

func (t *JS) loop() {
	defer t.wg.Done()
	for cb := range t.queue {
		cb(t.rt)
	}
}

type jsResult struct {
	Values   []content.TimeValue `json:"values"`
	Content  *string             `json:"content"`
	Filename string              `json:"filename"`
}

// Transform calls the exported function on the runtime goroutine. A script
// error is permanent: the same batch would fail the same way again.
func (t *JS) Transform(ctx context.Context, in content.Payload, workDir string) (content.Payload, error) {
	if in.Type != t.in {
		return content.Payload{}, errs.New("transform.js", errs.CodeInvalid, errs.Permanent(),
			errs.WithMessage(fmt.Sprintf("unexpected input type %q", in.Type)))
	}
	arg, err := scriptInput(in)
	if err != nil {
		return content.Payload{}, err
	}
	exported, err := t.call(ctx, arg)
	if err != nil {
		return content.Payload{}, errs.New("transform.js", errs.CodeInvalid, errs.Permanent(),
			errs.WithMessage("script failed"), errs.WithCause(err), errs.WithField("script", t.name))
	}
	var res jsResult
	if arr, ok := exported.([]any); ok {
		exported = map[string]any{"values": arr}
	}
	raw, err := json.Marshal(exported)
	if err == nil {
		err = json.Unmarshal(raw, &res)
	}
	if err != nil {
		return content.Payload{}, errs.New("transform.js", errs.CodeInvalid, errs.Permanent(),
			errs.WithMessage("script returned an unexpected shape"), errs.WithCause(err))
	}

	if t.out == content.TypeTimeValues {
		return content.Payload{Type: content.TypeTimeValues, Values: res.Values}, nil
	}
	if res.Content == nil {
		return content.Payload{}, errs.New("transform.js", errs.CodeInvalid, errs.Permanent(),
			errs.WithMessage("script must return content for a file output"))
	}
	ext := filepath.Ext(res.Filename)
	path, name, err := writeOutput(workDir, ext, func(w io.Writer) error {
		_, err := io.WriteString(w, *res.Content)
		return err
	})
	if err != nil {
		return content.Payload{}, err
	}
	if res.Filename != "" {
		name = filepath.Base(res.Filename)
	}
	return content.Payload{Type: content.TypeFile, FilePath: path, Filename: name}, nil
}

func (t *JS) call(ctx context.Context, arg map[string]any) (any, error) {
	type outcome struct {
		value any
		err   error
	}
	wait := make(chan outcome, 1)

	t.mu.RLock()
	if t.closed {
		t.mu.RUnlock()
		return nil, fmt.Errorf("js transformer: closed")
	}
	t.queue <- func(rt *goja.Runtime) {
		defer func() {
			if rec := recover(); rec != nil {
				wait <- outcome{err: fmt.Errorf("js transformer: panic: %v", rec)}
			}
		}()
		stop := context.AfterFunc(ctx, func() { rt.Interrupt(ctx.Err()) })
		defer func() {
			stop()
			rt.ClearInterrupt()
		}()
		fn, _ := goja.AssertFunction(t.export.Get(exportedFunction))
		res, err := fn(goja.Undefined(), rt.ToValue(arg))
		if err != nil {
			wait <- outcome{err: err}
			return
		}
		wait <- outcome{value: res.Export()}
	}
	t.mu.RUnlock()

	res := <-wait
	return res.value, res.err
}

// Close stops the runtime goroutine.
func (t *JS) Close() error {
	t.once.Do(func() {
		t.mu.Lock()
		t.closed = true
		close(t.queue)
		t.mu.Unlock()
		t.wg.Wait()
	})
	return nil
}

// scriptInput converts the payload into plain JS values.
func scriptInput(p content.Payload) (map[string]any, error) {
	arg := map[string]any{
		"type":     string(p.Type),
		"source":   p.Source,
		"filename": p.Filename,
	}
	if p.Type == content.TypeFile {
		raw, err := os.ReadFile(p.FilePath)
		if err != nil {
			return nil, fmt.Errorf("js transformer: read input: %w", err)
		}
		arg["content"] = string(raw)
		return arg, nil
	}
	raw, err := json.Marshal(p.Values)
	if err != nil {
		return nil, fmt.Errorf("js transformer: encode values: %w", err)
	}
	var values []any
	if err := json.Unmarshal(raw, &values); err != nil {
		return nil, fmt.Errorf("js transformer: decode values: %w", err)
	}
	arg["values"] = values
	return arg, nil
}

func runModule(rt *goja.Runtime, program *goja.Program, logger *zap.Logger) (*goja.Object, error) {
	rt.SetFieldNameMapper(goja.TagFieldNameMapper("json", true))
	module := rt.NewObject()
	exports := rt.NewObject()
	if err := module.Set("exports", exports); err != nil {
		return nil, fmt.Errorf("module init: %w", err)
	}
	if err := rt.Set("exports", exports); err != nil {
		return nil, fmt.Errorf("module init: %w", err)
	}
	if err := rt.Set("module", module); err != nil {
		return nil, fmt.Errorf("module init: %w", err)
	}
	if err := rt.Set("console", buildConsole(rt, logger)); err != nil {
		return nil, fmt.Errorf("module init: %w", err)
	}
	if _, err := rt.RunProgram(program); err != nil {
		return nil, fmt.Errorf("module run: %w", err)
	}
	object := module.Get("exports").ToObject(rt)
	if object == nil {
		return nil, fmt.Errorf("module exports must be an object")
	}
	return object, nil
}

func buildConsole(rt *goja.Runtime, logger *zap.Logger) *goja.Object {
	console := rt.NewObject()
	bind := func(log func(string, ...zap.Field)) func(goja.FunctionCall) goja.Value {
		return func(call goja.FunctionCall) goja.Value {
			parts := make([]string, len(call.Arguments))
			for i, arg := range call.Arguments {
				parts[i] = arg.String()
			}
			log(strings.Join(parts, " "))
			return goja.Undefined()
		}
	}
	_ = console.Set("log", bind(logger.Info))
	_ = console.Set("info", bind(logger.Info))
	_ = console.Set("warn", bind(logger.Warn))
	_ = console.Set("error", bind(logger.Error))
	return console
}
