package loader

import (
	"context"
	"errors"
	"fmt"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"go.uber.org/zap"

	"github.com/GriffinCanCode/wasmhost/internal/bridge"
)

// hostModule is the import namespace js/wasm modules link against.
const hostModule = "go"

// Instance is a running module. It satisfies bridge.Instance.
type Instance struct {
	rt  wazero.Runtime
	mod api.Module
	run api.Function
}

// Instantiate compiles mod in a fresh runtime, exports imports under the "go"
// host module and instantiates mod without running start functions.
func (l *Loader) Instantiate(ctx context.Context, mod *Module, imports map[string]bridge.Op) (*Instance, error) {
	rcfg := wazero.NewRuntimeConfig().
		WithCompilationCache(l.cache).
		WithCloseOnContextDone(true)
	if l.cfg.MemoryLimitPages > 0 {
		rcfg = rcfg.WithMemoryLimitPages(l.cfg.MemoryLimitPages)
	}
	rt := wazero.NewRuntimeWithConfig(ctx, rcfg)

	inst, err := l.instantiate(ctx, rt, mod, imports)
	if err != nil {
		_ = rt.Close(ctx)
		return nil, fmt.Errorf("instantiate %s: %w", mod.Name, err)
	}
	return inst, nil
}

func (l *Loader) instantiate(ctx context.Context, rt wazero.Runtime, mod *Module, imports map[string]bridge.Op) (*Instance, error) {
	hb := rt.NewHostModuleBuilder(hostModule)
	for name, op := range imports {
		hb = hb.NewFunctionBuilder().
			WithGoModuleFunction(api.GoModuleFunc(func(_ context.Context, _ api.Module, stack []uint64) {
				op(api.DecodeU32(stack[0]))
			}), []api.ValueType{api.ValueTypeI32}, []api.ValueType{}).
			WithParameterNames("sp").
			Export(name)
	}
	if _, err := hb.Instantiate(ctx); err != nil {
		return nil, fmt.Errorf("host module: %w", err)
	}

	compiled, err := rt.CompileModule(ctx, mod.Bytes)
	if err != nil {
		return nil, fmt.Errorf("compile: %w", err)
	}

	m, err := rt.InstantiateModule(ctx, compiled, wazero.NewModuleConfig().
		WithName(mod.Name).
		WithStartFunctions())
	if err != nil {
		return nil, err
	}

	run := m.ExportedFunction("run")
	if run == nil {
		return nil, ErrNoEntry
	}
	if m.Memory() == nil && m.ExportedMemory("mem") == nil {
		return nil, ErrNoMemory
	}

	l.log.Debug("module instantiated",
		zap.String("name", mod.Name),
		zap.String("digest", mod.Digest),
		zap.Int("imports", len(imports)))
	return &Instance{rt: rt, mod: m, run: run}, nil
}

// Memory returns the module's linear memory.
func (i *Instance) Memory() bridge.Memory {
	if mem := i.mod.Memory(); mem != nil {
		return mem
	}
	return i.mod.ExportedMemory("mem")
}

// Run calls run(argc, argv).
func (i *Instance) Run(ctx context.Context, argc, argv int32) error {
	_, err := i.run.Call(ctx, api.EncodeI32(argc), api.EncodeI32(argv))
	return err
}

// Close releases the module and its runtime.
func (i *Instance) Close(ctx context.Context) error {
	return errors.Join(i.mod.Close(ctx), i.rt.Close(ctx))
}
