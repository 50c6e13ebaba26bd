//
// SPDX-License-Identifier: GPL-3.0-or-later
//

// Package engine owns the chain engine: it loads listen and dial chains,
// spawns one accept loop per listen chain, chooses an outbound chain for
// every accepted connection, propagates its CID through both chains, and
// hands the two terminal streams to package relay. It also implements the
// Idle/Running/Stopping lifecycle, graceful (and, on timeout, forced)
// shutdown, and hot-add/hot-remove of individual listen chains.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ruci-project/ruci/chainconfig"
	"github.com/ruci-project/ruci/mapper"
	"github.com/ruci-project/ruci/netx"
	"github.com/ruci-project/ruci/obs"
	"github.com/ruci-project/ruci/relay"
	"github.com/ruci-project/ruci/traffic"
)

// State is the engine's run state: Idle -> Running -> Stopping ->
// Idle. Run on Running is rejected; Stop on Idle is a no-op error, not a
// panic.
type State int

const (
	Idle State = iota
	Running
	Stopping
)

func (s State) String() string {
	switch s {
	case Running:
		return "Running"
	case Stopping:
		return "Stopping"
	default:
		return "Idle"
	}
}

// NewConnInfo is published on the engine's optional new-connection
// channel once a connection's inbound chain has fully resolved and an
// outbound chain has been chosen, feeding the optional new-connection
// recorder.
type NewConnInfo struct {
	CID    netx.CID
	InTag  string
	OutTag string
	Target netx.Addr
}

// DialChainChooser picks the dial chain index to use for a connection
// whose inbound chain produced target as its resolved destination. The
// default always returns 0 (the first dial chain); a host injects
// routing (ACL/geo) by supplying its own; the engine itself imposes no
// policy on which outbound chain is chosen.
type DialChainChooser func(ctx context.Context, cid netx.CID, target netx.Addr) int

func defaultChooser(ctx context.Context, cid netx.CID, target netx.Addr) int {
	return 0
}

// listenable is implemented by mapper types (e.g. netmap.Listener,
// netmap.UDPListener) that must bind an underlying socket before their
// first Maps call and release it on shutdown. Mappers that do not need
// this (dialers, transcoders) simply don't implement it.
type listenable interface {
	Listen(ctx context.Context) error
	Close() error
}

// Config carries the engine's optional observability hooks and routing
// extension point, threaded separately from [obs.Config] because these
// are engine-level, not per-mapper.
type Config struct {
	Chooser DialChainChooser

	// NewConn receives a [NewConnInfo] per successfully resolved
	// connection. Nil means no one is listening.
	NewConn chan<- NewConnInfo

	// Up and Down receive per-CID byte deltas as a relay copies data,
	// one entry per completed write. Either may be nil.
	Up   chan<- traffic.Update
	Down chan<- traffic.Update
}

// Engine is the chain engine: it owns a set of listen chains and
// dial chains, and mediates between them for every accepted connection.
type Engine struct {
	cfg      *obs.Config
	logger   obs.SLogger
	recorder *traffic.Recorder
	engCfg   Config

	mu           sync.Mutex
	state        State
	listenChains []chainconfig.Chain
	dialChains   []chainconfig.Chain
	closers      map[string]func() error
	runCtx       context.Context
	cancel       context.CancelFunc
	wg           sync.WaitGroup

	cidSeq atomic.Uint32
}

// New returns an [*Engine] over listen and dial, Idle until [Engine.Run]
// is called. engCfg.Chooser defaults to always picking dial[0] when nil.
func New(cfg *obs.Config, logger obs.SLogger, recorder *traffic.Recorder, listen, dial []chainconfig.Chain, engCfg Config) *Engine {
	if engCfg.Chooser == nil {
		engCfg.Chooser = defaultChooser
	}
	return &Engine{
		cfg:          cfg,
		logger:       logger,
		recorder:     recorder,
		engCfg:       engCfg,
		listenChains: listen,
		dialChains:   dial,
		closers:      make(map[string]func() error),
	}
}

// State returns the engine's current run state.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Run starts every configured listen chain: it binds each chain's
// leading listener, then spawns a task folding the chain end to end.
// Run on a non-Idle engine returns [netx.ErrEngineState]. Run
// preserves configuration across a prior Stop, so a stopped engine can
// be restarted.
func (e *Engine) Run(ctx context.Context) error {
	e.mu.Lock()
	if e.state != Idle {
		e.mu.Unlock()
		return fmt.Errorf("engine: run: %w", netx.ErrEngineState)
	}
	e.state = Running
	runCtx, cancel := context.WithCancel(ctx)
	e.runCtx = runCtx
	e.cancel = cancel
	e.closers = make(map[string]func() error)
	chains := append([]chainconfig.Chain(nil), e.listenChains...)
	e.mu.Unlock()

	for _, chain := range chains {
		if err := e.startListenChain(runCtx, chain); err != nil {
			e.mu.Lock()
			e.state = Idle
			e.mu.Unlock()
			cancel()
			return err
		}
	}
	return nil
}

// startListenChain binds chain's leading listener (if any) and spawns
// the task that folds it end to end. Called both by Run (for the
// initial chain set) and by [Engine.AddListenChain] (hot-add).
func (e *Engine) startListenChain(ctx context.Context, chain chainconfig.Chain) error {
	if len(chain.Steps) == 0 {
		return fmt.Errorf("engine: listen chain %q: dynamic chains cannot start a listen loop", chain.Name)
	}
	if l, ok := chain.Steps[0].(listenable); ok {
		if err := l.Listen(ctx); err != nil {
			return fmt.Errorf("engine: listen chain %q: %w", chain.Name, err)
		}
		e.mu.Lock()
		e.closers[chain.Name] = l.Close
		e.mu.Unlock()
	}

	e.mu.Lock()
	e.listenChains = appendChain(e.listenChains, chain)
	e.mu.Unlock()

	e.wg.Add(1)
	go e.runListenChain(ctx, chain)
	return nil
}

func appendChain(chains []chainconfig.Chain, chain chainconfig.Chain) []chainconfig.Chain {
	for _, c := range chains {
		if c.Name == chain.Name {
			return chains
		}
	}
	return append(chains, chain)
}

// AddListenChain starts chain while the engine is Running, without
// disturbing any other chain.
func (e *Engine) AddListenChain(chain chainconfig.Chain) error {
	e.mu.Lock()
	if e.state != Running {
		e.mu.Unlock()
		return fmt.Errorf("engine: add listen chain: %w", netx.ErrEngineState)
	}
	ctx := e.runCtx
	e.mu.Unlock()
	return e.startListenChain(ctx, chain)
}

// RemoveListenChain closes the named listen chain's listener, ending its
// accept loop, without affecting any other chain.
func (e *Engine) RemoveListenChain(name string) error {
	e.mu.Lock()
	if e.state != Running {
		e.mu.Unlock()
		return fmt.Errorf("engine: remove listen chain: %w", netx.ErrEngineState)
	}
	closeFn, ok := e.closers[name]
	if !ok {
		e.mu.Unlock()
		return fmt.Errorf("engine: remove listen chain: no such chain %q", name)
	}
	delete(e.closers, name)
	for i, c := range e.listenChains {
		if c.Name == name {
			e.listenChains = append(e.listenChains[:i:i], e.listenChains[i+1:]...)
			break
		}
	}
	e.mu.Unlock()
	return closeFn()
}

// Stop sends a close signal to every listen chain and waits for their
// accept loops to end. If ctx expires first, Stop cancels
// the engine's run context (forcing per-connection folds and relays that
// watch it to unwind) and returns [netx.ErrForcedShutdown]. Stop on a
// non-Running engine returns [netx.ErrEngineState]. Per-connection folds
// and relays already in flight are not otherwise disturbed — they end
// naturally when their streams close.
func (e *Engine) Stop(ctx context.Context) error {
	e.mu.Lock()
	if e.state != Running {
		e.mu.Unlock()
		return fmt.Errorf("engine: stop: %w", netx.ErrEngineState)
	}
	e.state = Stopping
	cancel := e.cancel
	closers := make([]func() error, 0, len(e.closers))
	for _, c := range e.closers {
		closers = append(closers, c)
	}
	e.mu.Unlock()

	for _, closeFn := range closers {
		if err := closeFn(); err != nil {
			e.logger.Info("listenerCloseError", slog.Any("err", err))
		}
	}

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		e.mu.Lock()
		e.state = Idle
		e.mu.Unlock()
		return nil
	case <-ctx.Done():
		cancel()
		<-done
		e.mu.Lock()
		e.state = Idle
		e.mu.Unlock()
		return fmt.Errorf("engine: stop: %w", netx.ErrForcedShutdown)
	}
}

// runListenChain folds chain end to end: [mapper.Fold] calls the
// listener first, which yields a [mapper.StreamGenerator]; Fold drains
// it, recursively folding the chain's remaining mappers over each child
// with its own extended CID. handleConn is the sink invoked once
// a child's fold settles.
func (e *Engine) runListenChain(ctx context.Context, chain chainconfig.Chain) {
	defer e.wg.Done()
	cid := netx.NewCID(e.cidSeq.Add(1))
	mapper.Fold(ctx, cid, chain.Cursor, mapper.MapParams{C: mapper.NoneStream()}, mapper.Decode, func(cid netx.CID, res mapper.MapResult) {
		e.handleConn(ctx, chain, cid, res)
	})
}

// handleConn is reached once a listen chain's inbound fold has settled
// for one connection: either with a terminal stream and (usually) a
// resolved target address, or with an error. On success it chooses a
// dial chain, folds Stream::None through it with the target address in
// A so its dialer mapper connects, then hands the two terminal streams
// to the relay.
func (e *Engine) handleConn(ctx context.Context, chain chainconfig.Chain, cid netx.CID, res mapper.MapResult) {
	if res.Err != nil {
		e.logger.Info("listenChainError", slog.String("chain", chain.Name), slog.String("cid", cid.String()), slog.Any("err", res.Err))
		closeStream(res.C)
		return
	}
	if res.C.IsNone() {
		// The chain terminated itself (e.g. Echo as the last mapper);
		// there is nothing left to dial or relay.
		return
	}

	var target netx.Addr
	if res.A != nil {
		target = *res.A
	}

	if len(e.dialChains) == 0 {
		e.logger.Info("noDialChainConfigured", slog.String("cid", cid.String()))
		closeStream(res.C)
		return
	}
	idx := e.engCfg.Chooser(ctx, cid, target)
	if idx < 0 || idx >= len(e.dialChains) {
		e.logger.Info("dialChainChooserOutOfRange", slog.String("cid", cid.String()), slog.Int("index", idx))
		closeStream(res.C)
		return
	}
	dialChain := e.dialChains[idx]

	var dialResult mapper.MapResult
	mapper.Fold(ctx, cid, dialChain.Cursor.Clone(), mapper.MapParams{C: mapper.NoneStream(), A: &target, D: res.D}, mapper.Encode, func(_ netx.CID, r mapper.MapResult) {
		dialResult = r
	})
	if dialResult.Err != nil {
		e.logger.Info("dialChainError", slog.String("chain", dialChain.Name), slog.String("cid", cid.String()), slog.Any("err", dialResult.Err))
		closeStream(res.C)
		return
	}

	if e.engCfg.NewConn != nil {
		select {
		case e.engCfg.NewConn <- NewConnInfo{CID: cid, InTag: chain.Tag, OutTag: dialChain.Tag, Target: target}:
		case <-ctx.Done():
		}
	}

	if e.recorder != nil {
		e.recorder.ConnOpened()
		defer e.recorder.ConnClosed()
	}

	var acct *relay.Accounting
	if e.engCfg.Up != nil || e.engCfg.Down != nil {
		acct = &relay.Accounting{Up: e.engCfg.Up, Down: e.engCfg.Down}
	}
	result := relay.Run(ctx, cid, res.C, dialResult.C, acct)
	if e.recorder != nil {
		e.recorder.AddUp(result.UpBytes)
		e.recorder.AddDown(result.DownBytes)
	}
	e.logger.Info("relayDone",
		slog.String("cid", cid.String()),
		slog.Uint64("up", result.UpBytes),
		slog.Uint64("down", result.DownBytes),
		slog.Any("err", result.Err),
	)
}

func closeStream(s mapper.Stream) {
	if c, ok := s.Conn(); ok {
		c.Close()
	}
	if ac, ok := s.AddrConn(); ok {
		ac.Close()
	}
}

// RunNewConnRecorder drains ch, calling fn for every [NewConnInfo] it
// receives, until ch closes or ctx is done. It is the host-supplied
// consumer side of the new-connection channel: the engine only publishes;
// a caller that wants a log line, a metrics counter, or both runs this
// (or its own loop) against the same channel.
func RunNewConnRecorder(ctx context.Context, ch <-chan NewConnInfo, fn func(NewConnInfo)) {
	for {
		select {
		case info, ok := <-ch:
			if !ok {
				return
			}
			fn(info)
		case <-ctx.Done():
			return
		}
	}
}

// DefaultShutdownTimeout mirrors [obs.Config.ShutdownTimeout]'s default,
// for callers that build a shutdown context without going through a
// [*obs.Config].
const DefaultShutdownTimeout = 3 * time.Second
