// Package merge drives the merge module: it loads it once, streams backups
// into its memory, invokes the merge and decodes what comes back.
package merge

import (
	"context"
	"errors"
	"fmt"
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/abdon-gadgets/merge-jwl/internal/wasm"
	"github.com/spf13/afero"
	"go.uber.org/zap"
)

// dateLayout is the date-only form the module expects for "today".
const dateLayout = "2006-01-02"

// State is where the Merger is in loading or in the current call.
type State int

const (
	StateIdle State = iota
	StateModuleLoading
	StateModuleReady
	StateUploading
	StateInvoking
	StateDecoding
	StateDone
	StateFailed
)

var stateNames = map[State]string{
	StateIdle:          "idle",
	StateModuleLoading: "module-loading",
	StateModuleReady:   "module-ready",
	StateUploading:     "uploading",
	StateInvoking:      "invoking",
	StateDecoding:      "decoding",
	StateDone:          "done",
	StateFailed:        "failed",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// GuestLoader produces a freshly instantiated, not yet started module.
type GuestLoader func(ctx context.Context) (wasm.Guest, error)

// Config holds Merger settings. Zero values pick defaults.
type Config struct {
	// ModuleName is used in errors and logs.
	ModuleName string

	// ChunkSize is the read size for streamed uploads.
	ChunkSize int

	// SelfCheck is the sentinel the module must return after start.
	SelfCheck uint32

	// ResultLayout is the result header version the module build writes.
	ResultLayout uint32

	// Fs and DownloadDir hold ephemeral downloads of merged files.
	Fs          afero.Fs
	DownloadDir string

	// Now supplies the merge date; the module has no clock of its own.
	Now func() time.Time
}

func (c Config) withDefaults() Config {
	if c.ModuleName == "" {
		c.ModuleName = "merge"
	}
	if c.ChunkSize <= 0 {
		c.ChunkSize = DefaultChunkSize
	}
	if c.SelfCheck == 0 {
		c.SelfCheck = wasm.SelfCheckSentinel
	}
	if c.ResultLayout == 0 {
		c.ResultLayout = ResultLayoutVersion
	}
	if c.Fs == nil {
		c.Fs = afero.NewOsFs()
	}
	if c.DownloadDir == "" {
		c.DownloadDir = os.TempDir()
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	return c
}

type closer interface {
	Close(ctx context.Context) error
}

// Merger owns one module instance. Loading happens at most once; a failed
// load is final. Merge calls are serialized.
type Merger struct {
	load   GuestLoader
	cfg    Config
	logger *zap.Logger

	startOnce sync.Once
	ready     chan struct{}
	guest     wasm.Guest
	mem       *wasm.Memory
	loadErr   error

	callMu sync.Mutex
	closed bool // guarded by callMu

	stateMu sync.Mutex
	state   State
	started bool
}

// New creates a Merger. Nothing is loaded until Start or the first Merge.
func New(load GuestLoader, cfg Config, logger *zap.Logger) *Merger {
	return &Merger{
		load:   load,
		cfg:    cfg.withDefaults(),
		logger: logger.With(zap.String("component", "merger")),
		ready:  make(chan struct{}),
	}
}

// State returns the current state.
func (m *Merger) State() State {
	m.stateMu.Lock()
	defer m.stateMu.Unlock()
	return m.state
}

func (m *Merger) setState(s State) {
	m.stateMu.Lock()
	from := m.state
	m.state = s
	m.stateMu.Unlock()

	m.logger.Debug("State transition",
		zap.Stringer("from", from),
		zap.Stringer("to", s),
	)
}

// Start begins loading the module in the background. Only the first call
// does anything. Loading is not tied to ctx's cancellation.
func (m *Merger) Start(ctx context.Context) {
	m.startOnce.Do(func() {
		m.stateMu.Lock()
		m.started = true
		m.stateMu.Unlock()

		m.setState(StateModuleLoading)
		loadCtx := context.WithoutCancel(ctx)
		go func() {
			defer close(m.ready)
			if err := m.loadModule(loadCtx); err != nil {
				m.loadErr = err
				m.setState(StateFailed)
				m.logger.Error("Module load failed", zap.Error(err))
				return
			}
			m.setState(StateModuleReady)
		}()
	})
}

func (m *Merger) loadModule(ctx context.Context) error {
	start := time.Now()

	if m.cfg.ResultLayout != ResultLayoutVersion {
		return &LoadError{
			Module: m.cfg.ModuleName,
			Err:    fmt.Errorf("result layout %d is not supported (want %d)", m.cfg.ResultLayout, ResultLayoutVersion),
		}
	}

	guest, err := m.load(ctx)
	if err != nil {
		return &LoadError{Module: m.cfg.ModuleName, Err: err}
	}
	if err := wasm.Boot(ctx, guest, m.cfg.SelfCheck); err != nil {
		if c, ok := guest.(closer); ok {
			_ = c.Close(ctx)
		}
		return &LoadError{Module: m.cfg.ModuleName, Err: err}
	}

	m.guest = guest
	m.mem = wasm.NewMemory(guest, m.logger)

	m.logger.Info("Merge module ready",
		zap.String("module", m.cfg.ModuleName),
		zap.Duration("duration", time.Since(start)),
	)
	return nil
}

// Ready waits for loading to finish and returns its outcome. Start must
// have been called.
func (m *Merger) Ready(ctx context.Context) error {
	select {
	case <-m.ready:
		return m.loadErr
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Merge merges two or more backups. onProgress may be nil.
//
// Once the module has been invoked the call runs to completion; ctx is only
// consulted up to that point.
func (m *Merger) Merge(ctx context.Context, sources []Source, onProgress ProgressFunc) (*Result, error) {
	if len(sources) < 2 {
		return nil, ErrTooFewInputs
	}

	m.callMu.Lock()
	defer m.callMu.Unlock()
	if m.closed {
		return nil, ErrMergerClosed
	}

	tracker := newProgressTracker(onProgress, m.logger)
	tracker.emit(MilestoneLoad)

	m.Start(ctx)
	if err := m.Ready(ctx); err != nil {
		return nil, err
	}
	tracker.emit(MilestoneModuleReady)

	start := time.Now()
	res, err := m.run(ctx, sources, tracker)
	if err != nil {
		m.setState(StateFailed)
		m.logger.Error("Merge failed",
			zap.Int("inputs", len(sources)),
			zap.Error(err),
		)
		return nil, err
	}
	m.setState(StateDone)
	tracker.emit(MilestoneDone)

	m.logResult(res, time.Since(start))
	return res, nil
}

func (m *Merger) run(ctx context.Context, sources []Source, tracker *progressTracker) (*Result, error) {
	m.setState(StateUploading)

	up := newUploader(m.mem, m.cfg.ChunkSize, m.logger)
	inputs, err := up.uploadAll(ctx, sources)
	if err != nil {
		return nil, err
	}

	date, err := m.mem.EncodeText(ctx, m.cfg.Now().Format(dateLayout))
	if err != nil {
		m.releaseAll(ctx, inputs...)
		return nil, fmt.Errorf("encode merge date: %w", err)
	}

	// Last chance to back out; the merge itself cannot be interrupted.
	runtime.Gosched()
	if err := ctx.Err(); err != nil {
		m.releaseAll(ctx, append(inputs, date)...)
		return nil, err
	}

	coll, err := m.mem.NewCollection(ctx, inputs)
	if err != nil {
		m.releaseAll(ctx, append(inputs, date)...)
		return nil, fmt.Errorf("build input collection: %w", err)
	}

	m.setState(StateInvoking)

	var (
		panicMu  sync.Mutex
		panicMsg string
	)
	hooks := &wasm.CallHooks{
		Progress: tracker.moduleStage,
		Panic: func(message string) {
			panicMu.Lock()
			panicMsg = message
			panicMu.Unlock()
		},
	}
	handle, callErr := m.mem.Merge(wasm.WithCallHooks(ctx, hooks), coll, date)

	panicMu.Lock()
	panicked := panicMsg
	panicMu.Unlock()

	if callErr == nil && handle == 0 {
		callErr = ErrNullResult
	}
	if callErr != nil {
		if panicked != "" {
			return nil, &ModulePanicError{Message: panicked, Err: callErr}
		}
		return nil, callErr
	}
	tracker.emit(MilestoneFinalize)

	m.setState(StateDecoding)
	dec := &resultDecoder{
		mem:         m.mem,
		fs:          m.cfg.Fs,
		downloadDir: m.cfg.DownloadDir,
		logger:      m.logger,
	}
	return dec.decode(ctx, handle)
}

// releaseAll frees vectors the host still owns after a failed call.
func (m *Merger) releaseAll(ctx context.Context, vectors ...*wasm.Vector) {
	for _, v := range vectors {
		if err := m.mem.Release(ctx, v); err != nil && !errors.Is(err, wasm.ErrVectorReleased) {
			m.logger.Error("Failed to release vector", zap.Error(err))
		}
	}
}

func (m *Merger) logResult(res *Result, elapsed time.Duration) {
	for _, in := range res.Inputs {
		m.logger.Info("Merged input",
			zap.String("name", in.Name),
			zap.String("device", in.UserDataBackup.DeviceName),
			zap.Int("schema_version", in.UserDataBackup.SchemaVersion),
		)
	}

	fields := []zap.Field{
		zap.Int("messages", len(res.Messages)),
		zap.Duration("duration", elapsed),
	}
	if res.File != nil {
		fields = append(fields,
			zap.String("file", res.File.Name),
			zap.Int("size_bytes", res.File.Size()),
		)
	}
	m.logger.Info("Merge complete", fields...)
}

// Close closes the module instance once loading has finished. It waits for
// a running merge; merges after Close fail with ErrMergerClosed.
func (m *Merger) Close(ctx context.Context) error {
	m.callMu.Lock()
	defer m.callMu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true

	m.stateMu.Lock()
	started := m.started
	m.stateMu.Unlock()
	if !started {
		return nil
	}

	<-m.ready
	if c, ok := m.guest.(closer); ok {
		return c.Close(ctx)
	}
	return nil
}
