package wasm

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"go.uber.org/zap"
)

// HostFunctions is the capability shim: the fixed set of imports the merge
// module may use. Anything else fails instantiation.
type HostFunctions struct {
	logger *zap.Logger
	guest  *zap.Logger
	random io.Reader
}

// NewHostFunctions creates the shim. Module trace events are logged through
// a child logger tagged component=wasm-guest.
func NewHostFunctions(logger *zap.Logger) *HostFunctions {
	return &HostFunctions{
		logger: logger.With(zap.String("component", "wasm-host")),
		guest:  logger.With(zap.String("component", "wasm-guest")),
		random: rand.Reader,
	}
}

// Install registers host modules for every import of compiled.
// It returns *UnsupportedCapabilityError for the first import it does not
// recognise.
func (h *HostFunctions) Install(ctx context.Context, r wazero.Runtime, compiled wazero.CompiledModule) error {
	// The module must own its memory.
	if mems := compiled.ImportedMemories(); len(mems) > 0 {
		moduleName, name, _ := mems[0].Import()
		return &UnsupportedCapabilityError{Module: moduleName, Name: name}
	}

	builders := map[string]wazero.HostModuleBuilder{}
	builder := func(moduleName string) wazero.HostModuleBuilder {
		b, ok := builders[moduleName]
		if !ok {
			b = r.NewHostModuleBuilder(moduleName)
			builders[moduleName] = b
		}
		return b
	}

	for _, def := range compiled.ImportedFunctions() {
		moduleName, name, isImport := def.Import()
		if !isImport {
			continue
		}

		switch {
		case moduleName == ModuleWASI && name == ImportRandomGet:
			builder(moduleName).NewFunctionBuilder().
				WithFunc(h.randomGet).
				WithParameterNames("buf", "buf_len").
				Export(name)
		case moduleName == ModuleWASI && (name == ImportFdPrestat || name == ImportFdFdstat):
			builder(moduleName).NewFunctionBuilder().
				WithFunc(h.probeFd).
				WithParameterNames("fd", "out").
				Export(name)
		case moduleName == ModuleEnv && name == ImportPanic:
			builder(moduleName).NewFunctionBuilder().
				WithFunc(h.consolePanic).
				WithParameterNames("ptr", "len").
				Export(name)
		case moduleName == ModuleEnv && name == ImportTrace:
			builder(moduleName).NewFunctionBuilder().
				WithFunc(h.consoleTrace).
				WithParameterNames("ptr", "len").
				Export(name)
		case moduleName == ModuleEnv && name == ImportProgress:
			builder(moduleName).NewFunctionBuilder().
				WithFunc(h.mergeProgress).
				WithParameterNames("stage").
				Export(name)
		default:
			return &UnsupportedCapabilityError{Module: moduleName, Name: name}
		}
	}

	for moduleName, b := range builders {
		if existing := r.Module(moduleName); existing != nil {
			if err := existing.Close(ctx); err != nil {
				return fmt.Errorf("failed to replace host module %s: %w", moduleName, err)
			}
		}
		if _, err := b.Instantiate(ctx); err != nil {
			return fmt.Errorf("failed to instantiate host module %s: %w", moduleName, err)
		}
		h.logger.Debug("Host module installed", zap.String("module", moduleName))
	}

	return nil
}

// randomGet fills [buf, buf+bufLen) with secure random bytes.
func (h *HostFunctions) randomGet(ctx context.Context, mod api.Module, buf, bufLen uint32) uint32 {
	if bufLen == 0 {
		return errnoSuccess
	}
	region, ok := mod.Memory().Read(buf, bufLen)
	if !ok {
		h.logger.Error("random_get outside linear memory",
			zap.Uint32("ptr", buf),
			zap.Uint32("length", bufLen),
		)
		return errnoFault
	}
	// region aliases module memory, so this writes in place.
	if _, err := io.ReadFull(h.random, region); err != nil {
		h.logger.Error("Failed to read system randomness", zap.Error(err))
		return errnoFault
	}
	return errnoSuccess
}

// probeFd answers every descriptor probe with EBADF: no preopens, no stdio.
func (h *HostFunctions) probeFd(ctx context.Context, fd, out uint32) uint32 {
	return errnoBadf
}

func (h *HostFunctions) consolePanic(ctx context.Context, mod api.Module, ptr, length uint32) {
	msg, ok := mod.Memory().Read(ptr, length)
	if !ok {
		h.logger.Error("Failed to read panic message from Wasm memory",
			zap.Uint32("ptr", ptr),
			zap.Uint32("length", length),
		)
		return
	}

	text := string(msg)
	h.guest.Error("Module panicked", zap.String("panic", text))

	if hooks := CallHooksFrom(ctx); hooks != nil && hooks.Panic != nil {
		hooks.Panic(text)
	}
}

// traceEvent is one JSON line of the module's tracing subscriber.
type traceEvent struct {
	Level     string         `json:"level"`
	Timestamp string         `json:"timestamp"`
	Target    string         `json:"target"`
	Fields    map[string]any `json:"fields"`
}

func (h *HostFunctions) consoleTrace(ctx context.Context, mod api.Module, ptr, length uint32) {
	raw, ok := mod.Memory().Read(ptr, length)
	if !ok {
		h.logger.Error("Failed to read trace event from Wasm memory",
			zap.Uint32("ptr", ptr),
			zap.Uint32("length", length),
		)
		return
	}
	h.LogTrace(raw)
}

// LogTrace routes one trace record to the guest logger at its severity.
func (h *HostFunctions) LogTrace(raw []byte) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return
	}

	var ev traceEvent
	if err := json.Unmarshal(raw, &ev); err != nil {
		h.guest.Warn("Malformed trace event", zap.ByteString("raw", raw), zap.Error(err))
		return
	}

	msg, _ := ev.Fields["message"].(string)
	fields := make([]zap.Field, 0, len(ev.Fields)+2)
	if ev.Target != "" {
		fields = append(fields, zap.String("target", ev.Target))
	}
	if ev.Timestamp != "" {
		fields = append(fields, zap.String("timestamp", ev.Timestamp))
	}
	for k, v := range ev.Fields {
		if k == "message" {
			continue
		}
		fields = append(fields, zap.Any(k, v))
	}

	switch strings.ToUpper(ev.Level) {
	case "ERROR":
		h.guest.Error(msg, fields...)
	case "WARN":
		h.guest.Warn(msg, fields...)
	case "INFO":
		h.guest.Info(msg, fields...)
	case "DEBUG", "TRACE":
		h.guest.Debug(msg, fields...)
	default:
		h.guest.Info(msg, append(fields, zap.String("level", ev.Level))...)
	}
}

func (h *HostFunctions) mergeProgress(ctx context.Context, stage uint32) {
	hooks := CallHooksFrom(ctx)
	if hooks == nil || hooks.Progress == nil {
		h.logger.Debug("Progress outside of a merge call", zap.Uint32("stage", stage))
		return
	}
	hooks.Progress(stage)
}
