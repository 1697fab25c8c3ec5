// Package js hosts trading strategies written as JavaScript modules on goja runtimes.
package js

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dop251/goja"
	"go.uber.org/zap"

	"github.com/coachpo/livecore/internal/marketdata"
)

// ErrFunctionMissing is returned when a requested export does not exist.
var ErrFunctionMissing = errors.New("strategy function missing")

// Metadata describes a module as declared by its metadata export.
type Metadata struct {
	Name      string   `json:"name"`
	Symbols   []string `json:"symbols"`
	Timeframe string   `json:"timeframe"`
}

// Module is a compiled strategy program. A module is immutable and may back many instances.
type Module struct {
	Metadata  Metadata
	Path      string
	Hash      string
	Program   *goja.Program
	Timeframe time.Duration
}

// LoadFile reads and compiles the module at path.
func LoadFile(path string) (*Module, error) {
	clean := filepath.Clean(strings.TrimSpace(path))
	// #nosec G304 -- strategy paths come from operator configuration.
	source, err := os.ReadFile(clean)
	if err != nil {
		return nil, fmt.Errorf("strategy module: read %q: %w", clean, err)
	}
	return Compile(clean, source)
}

// Compile compiles source and extracts its metadata in a throwaway runtime.
func Compile(path string, source []byte) (*Module, error) {
	prog, err := goja.Compile(path, string(source), true)
	if err != nil {
		return nil, fmt.Errorf("strategy module: compile %q: %w", path, err)
	}
	meta, err := extractMetadata(prog)
	if err != nil {
		return nil, fmt.Errorf("strategy module: %s: %w", path, err)
	}
	timeframe := time.Duration(0)
	if meta.Timeframe != "" {
		timeframe, err = marketdata.ParseTimeframe(meta.Timeframe)
		if err != nil {
			return nil, fmt.Errorf("strategy module: %s: %w", path, err)
		}
	}
	sum := sha256.Sum256(source)
	return &Module{
		Metadata:  meta,
		Path:      path,
		Hash:      hex.EncodeToString(sum[:]),
		Program:   prog,
		Timeframe: timeframe,
	}, nil
}

func extractMetadata(program *goja.Program) (Metadata, error) {
	rt := goja.New()
	exports, err := runModule(rt, program, zap.NewNop())
	if err != nil {
		return Metadata{}, err
	}
	raw := exports.Get("metadata")
	if absent(raw) {
		return Metadata{}, fmt.Errorf("metadata export missing")
	}
	var meta Metadata
	if err := rt.ExportTo(raw, &meta); err != nil {
		return Metadata{}, fmt.Errorf("metadata decode: %w", err)
	}
	meta.Name = strings.TrimSpace(meta.Name)
	if meta.Name == "" {
		return Metadata{}, fmt.Errorf("metadata name required")
	}
	create := exports.Get("create")
	if _, ok := goja.AssertFunction(create); !ok {
		return Metadata{}, fmt.Errorf("create export must be a function")
	}
	return meta, nil
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

	value := module.Get("exports")
	if absent(value) {
		return nil, fmt.Errorf("module exports must be an object")
	}
	object := value.ToObject(rt)
	if object == nil {
		return nil, fmt.Errorf("module exports must be an object")
	}
	return object, nil
}

// absent reports whether v is unset. Object.Get yields a Go nil for undefined properties.
func absent(v goja.Value) bool {
	return v == nil || goja.IsUndefined(v) || goja.IsNull(v)
}

func buildConsole(rt *goja.Runtime, logger *zap.Logger) *goja.Object {
	console := rt.NewObject()
	bind := func(write func(string, ...zap.Field)) func(goja.FunctionCall) goja.Value {
		return func(call goja.FunctionCall) goja.Value {
			parts := make([]string, 0, len(call.Arguments))
			for _, arg := range call.Arguments {
				parts = append(parts, arg.String())
			}
			write(strings.Join(parts, " "))
			return goja.Undefined()
		}
	}
	_ = console.Set("log", bind(logger.Info))
	_ = console.Set("info", bind(logger.Info))
	_ = console.Set("warn", bind(logger.Warn))
	_ = console.Set("error", bind(logger.Error))
	return console
}
