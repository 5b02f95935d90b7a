// Package transform converts batches between content representations before delivery.
package transform

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/coachpo/fieldgate/errs"
	"github.com/coachpo/fieldgate/internal/domain/content"
)

// Transformer maps a payload of InputType to a payload of OutputType. It must
// be deterministic; the only side effect allowed is writing its output file
// under workDir with a random name.
type Transformer interface {
	Name() string
	InputType() content.Type
	OutputType() content.Type
	Transform(ctx context.Context, in content.Payload, workDir string) (content.Payload, error)
}

// Factory builds a transformer from its options.
type Factory func(options map[string]any) (Transformer, error)

// Registry maintains transformer factories keyed by type name.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry creates a registry pre-populated with the built-in transformers.
func NewRegistry() *Registry {
	r := &Registry{factories: make(map[string]Factory)}
	r.Register("csv", NewCSV)
	r.Register("json", NewJSONFile)
	r.Register("js", NewJS)
	return r
}

// Register registers a factory for typ.
func (r *Registry) Register(typ string, factory Factory) {
	if factory == nil {
		panic("transformer factory required")
	}
	r.mu.Lock()
	r.factories[typ] = factory
	r.mu.Unlock()
}

// Types lists registered type names.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.factories))
	for typ := range r.factories {
		out = append(out, typ)
	}
	sort.Strings(out)
	return out
}

// Create instantiates a transformer of typ.
func (r *Registry) Create(typ string, options map[string]any) (Transformer, error) {
	r.mu.RLock()
	factory, ok := r.factories[typ]
	r.mu.RUnlock()
	if !ok {
		return nil, errs.New("transform", errs.CodeConfiguration, errs.WithMessage(fmt.Sprintf("transformer type %q not registered", typ)))
	}
	t, err := factory(options)
	if err != nil {
		return nil, errs.New("transform", errs.CodeConfiguration,
			errs.WithMessage(fmt.Sprintf("instantiate transformer %q", typ)), errs.WithCause(err))
	}
	return t, nil
}

// Chain is an ordered list of transformers whose types line up.
type Chain struct {
	stages []Transformer
}

// NewChain validates that each stage consumes what the previous one produces.
func NewChain(stages ...Transformer) (*Chain, error) {
	for i := 1; i < len(stages); i++ {
		prev, next := stages[i-1], stages[i]
		if next.InputType() != prev.OutputType() {
			return nil, errs.New("transform", errs.CodeConfiguration,
				errs.WithMessage(fmt.Sprintf("transformer %q produces %q but %q expects %q",
					prev.Name(), prev.OutputType(), next.Name(), next.InputType())))
		}
	}
	return &Chain{stages: stages}, nil
}

// Len returns the number of stages.
func (c *Chain) Len() int {
	if c == nil {
		return 0
	}
	return len(c.stages)
}

// Applies reports whether payloads of t run through the chain.
func (c *Chain) Applies(t content.Type) bool {
	return c.Len() > 0 && c.stages[0].InputType() == t
}

// OutputFor returns the type a payload of t has once the chain ran.
func (c *Chain) OutputFor(t content.Type) content.Type {
	if !c.Applies(t) {
		return t
	}
	return c.stages[len(c.stages)-1].OutputType()
}

// Validate checks the chain output is something the connector accepts.
func (c *Chain) Validate(accepts []content.Type) error {
	if c.Len() == 0 {
		return nil
	}
	out := c.stages[len(c.stages)-1].OutputType()
	for _, t := range accepts {
		if t == out {
			return nil
		}
	}
	return errs.New("transform", errs.CodeConfiguration,
		errs.WithMessage(fmt.Sprintf("transformer chain produces %q which the connector does not accept", out)))
}

// Apply runs p through the chain when it applies. The returned paths are
// intermediate or output files the caller removes once delivery is over.
func (c *Chain) Apply(ctx context.Context, p content.Payload, workDir string) (content.Payload, []string, error) {
	if !c.Applies(p.Type) {
		return p, nil, nil
	}
	var produced []string
	current := p
	for _, stage := range c.stages {
		out, err := stage.Transform(ctx, current, workDir)
		if err != nil {
			return content.Payload{}, produced, fmt.Errorf("transformer %s: %w", stage.Name(), err)
		}
		if out.Type == content.TypeFile && out.FilePath != "" && out.FilePath != current.FilePath {
			produced = append(produced, out.FilePath)
		}
		out.Source, out.Items = p.Source, p.Items
		current = out
	}
	return current, produced, nil
}

// Close releases stages holding resources.
func (c *Chain) Close() error {
	if c == nil {
		return nil
	}
	var errList []error
	for _, stage := range c.stages {
		if closer, ok := stage.(io.Closer); ok {
			if err := closer.Close(); err != nil {
				errList = append(errList, err)
			}
		}
	}
	return errors.Join(errList...)
}

// writeOutput creates a randomly named file under workDir.
func writeOutput(workDir, ext string, write func(io.Writer) error) (string, string, error) {
	if err := os.MkdirAll(workDir, 0o750); err != nil {
		return "", "", fmt.Errorf("create work dir: %w", err)
	}
	name := uuid.NewString() + ext
	path := filepath.Join(workDir, name)
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o640)
	if err != nil {
		return "", "", fmt.Errorf("create output: %w", err)
	}
	if err := write(f); err != nil {
		_ = f.Close()
		_ = os.Remove(path)
		return "", "", fmt.Errorf("write output: %w", err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(path)
		return "", "", fmt.Errorf("close output: %w", err)
	}
	return path, name, nil
}

func stringOption(options map[string]any, key, fallback string) string {
	if v, ok := options[key].(string); ok && v != "" {
		return v
	}
	return fallback
}

func boolOption(options map[string]any, key string, fallback bool) bool {
	if v, ok := options[key].(bool); ok {
		return v
	}
	return fallback
}
