package js

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/dop251/goja"
	"github.com/sourcegraph/conc/panics"
	"go.uber.org/zap"
)

// Instance is an isolated goja VM. Every call runs on the instance goroutine.
type Instance struct {
	module  *Module
	rt      *goja.Runtime
	exports *goja.Object
	jobs    chan func(*goja.Runtime)
	wg      sync.WaitGroup
	mu      sync.RWMutex
	closed  bool
	once    sync.Once
}

// NewInstance executes module in a fresh runtime.
func NewInstance(module *Module, logger *zap.Logger) (*Instance, error) {
	if module == nil {
		return nil, fmt.Errorf("js vm: module required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	rt := goja.New()
	exports, err := runModule(rt, module.Program, logger.With(zap.String("strategy", module.Metadata.Name)))
	if err != nil {
		return nil, fmt.Errorf("js vm: execute %s: %w", module.Path, err)
	}
	instance := &Instance{
		module:  module,
		rt:      rt,
		exports: exports,
		jobs:    make(chan func(*goja.Runtime)),
	}
	instance.wg.Add(1)
	go instance.serve()
	return instance, nil
}

func (i *Instance) serve() {
	defer i.wg.Done()
	for cb := range i.jobs {
		cb(i.rt)
	}
}

// Execute runs fn on the instance goroutine. When ctx ends first the running script is
// interrupted and ctx.Err is returned.
func (i *Instance) Execute(ctx context.Context, fn func(rt *goja.Runtime, exports *goja.Object) (goja.Value, error)) (goja.Value, error) {
	if i == nil {
		return nil, fmt.Errorf("js vm: nil receiver")
	}
	if fn == nil {
		return nil, fmt.Errorf("js vm: callback required")
	}

	wait := make(chan result, 1)
	job := func(rt *goja.Runtime) {
		var (
			out     result
			catcher panics.Catcher
		)
		rt.ClearInterrupt()
		catcher.Try(func() {
			out.value, out.err = fn(rt, i.exports)
		})
		if rec := catcher.Recovered(); rec != nil {
			out = result{err: fmt.Errorf("js vm: %w", rec.AsError())}
		}
		wait <- out
	}

	i.mu.RLock()
	if i.closed {
		i.mu.RUnlock()
		return nil, fmt.Errorf("js vm: closed")
	}
	select {
	case i.jobs <- job:
	case <-ctx.Done():
		i.mu.RUnlock()
		return nil, ctx.Err()
	}
	i.mu.RUnlock()

	select {
	case outcome := <-wait:
		return outcome.value, outcome.err
	case <-ctx.Done():
		i.rt.Interrupt(ctx.Err())
		<-wait
		return nil, ctx.Err()
	}
}

// CallMethod invokes method on target. A missing method yields ErrFunctionMissing.
func (i *Instance) CallMethod(ctx context.Context, target *goja.Object, method string, args ...any) (goja.Value, error) {
	name := strings.TrimSpace(method)
	if name == "" {
		return nil, fmt.Errorf("js vm: method name required")
	}
	return i.Execute(ctx, func(rt *goja.Runtime, exports *goja.Object) (goja.Value, error) {
		obj := target
		if obj == nil {
			obj = exports
		}
		value := obj.Get(name)
		if absent(value) {
			return nil, ErrFunctionMissing
		}
		callable, ok := goja.AssertFunction(value)
		if !ok {
			return nil, fmt.Errorf("js vm: %q not callable", name)
		}
		params := make([]goja.Value, len(args))
		for idx, arg := range args {
			params[idx] = rt.ToValue(arg)
		}
		return callable(obj, params...)
	})
}

// Close stops the instance goroutine.
func (i *Instance) Close() {
	if i == nil {
		return
	}
	i.once.Do(func() {
		i.mu.Lock()
		i.closed = true
		close(i.jobs)
		i.mu.Unlock()
		i.wg.Wait()
	})
}

type result struct {
	value goja.Value
	err   error
}
