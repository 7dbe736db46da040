// Package stage defines the Stage contract every pipeline stage
// implements and the Coordinator that wires stages together and manages
// their shared lifecycle.
//
// Grounded on pkg/relay/relay.go's CameraRelay (ctx/cancel/sync.WaitGroup,
// Start/Stop, OnRTSPDisconnect/OnWebRTCDisconnect recovery callbacks) and
// pkg/nest/manager.go's StreamManager (same ctx/cancel/wg shutdown shape),
// generalized from two hand-wired lifecycles into one reusable
// Stage/Coordinator pair.
package stage

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ethan/screencaster/pkg/events"
	"github.com/ethan/screencaster/pkg/health"
	"github.com/ethan/screencaster/pkg/media"
)

// ShutdownGrace is the maximum time a stage is given to drain and exit
// once the shutdown signal fires, per spec.md §5.
const ShutdownGrace = 2 * time.Second

// Severity classifies a stage failure per spec.md §4.1 and §7.
type Severity int

const (
	Recoverable Severity = iota // skip frame, continue
	SessionFatal                // restart the pipeline, keep peers where possible
	Fatal                       // tear down
)

// Kind names the spec.md §7 error taxonomy.
type Kind string

const (
	CaptureUnavailable  Kind = "CaptureUnavailable"
	EncoderFailure      Kind = "EncoderFailure"
	PeerNegotiationFail Kind = "PeerNegotiationFailed"
	PacketLoss          Kind = "PacketLoss"
	Backpressure        Kind = "Backpressure"
	DecoderCorruption   Kind = "DecoderCorruption"
	SaveIO              Kind = "SaveIO"
)

// severityOf maps each taxonomy kind to its default classification.
var severityOf = map[Kind]Severity{
	CaptureUnavailable:  SessionFatal,
	EncoderFailure:      SessionFatal,
	PeerNegotiationFail: Recoverable,
	PacketLoss:          Recoverable,
	Backpressure:        Recoverable,
	DecoderCorruption:   Recoverable,
	SaveIO:              Recoverable,
}

// Error is the typed result every stage returns on a failure path.
type Error struct {
	Kind     Kind
	Cause    error
	Severity Severity
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %v", e.Kind, e.Cause)
}

func (e *Error) Unwrap() error { return e.Cause }

// NewError builds a stage Error, defaulting severity from the taxonomy
// table unless overridden.
func NewError(kind Kind, cause error, severity ...Severity) *Error {
	s := severityOf[kind]
	if len(severity) > 0 {
		s = severity[0]
	}
	return &Error{Kind: kind, Cause: cause, Severity: s}
}

// Stage is the narrow lifecycle contract every concrete stage
// (CaptureStage, EncodeStage, ...) implements. The Coordinator only ever
// needs these three operations; it has no tagged union of concrete
// stage types.
type Stage interface {
	Name() string
	Run(ctx context.Context) error
	Shutdown(ctx context.Context) error
}

// Coordinator owns a group of stages' shared PipelineState, a broadcast
// shutdown signal, and the health monitor/event bus every stage reports
// through.
type Coordinator struct {
	name    string
	stages  []Stage
	health  *health.Monitor
	bus     *events.Bus
	logger  *slog.Logger

	mu    sync.RWMutex
	state media.PipelineState

	cancel context.CancelFunc
	wg     sync.WaitGroup

	onFailure func(stageName string, err *Error)
}

// New constructs a Coordinator. onFailure, if non-nil, is invoked on any
// stage failure before the Coordinator classifies and reacts to it --
// e.g. to update OnRTSPDisconnect/OnWebRTCDisconnect-style recovery hooks
// at the call site.
func New(name string, h *health.Monitor, bus *events.Bus, logger *slog.Logger, onFailure func(string, *Error)) *Coordinator {
	return &Coordinator{
		name:      name,
		health:    h,
		bus:       bus,
		logger:    logger.With("component", "coordinator", "pipeline", name),
		onFailure: onFailure,
	}
}

// Add registers a stage to be launched by Start. Must be called before Start.
func (c *Coordinator) Add(s Stage) {
	c.stages = append(c.stages, s)
}

// State returns a snapshot of the current PipelineState.
func (c *Coordinator) State() media.PipelineState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

func (c *Coordinator) setState(p media.Phase, reason string) {
	c.mu.Lock()
	c.state.Phase = p
	if p == media.Running {
		c.state.StartedAt = time.Now()
	}
	c.state.Reason = reason
	c.mu.Unlock()
}

// Start transitions Idle -> Running and launches every registered stage
// as an independent goroutine.
func (c *Coordinator) Start(ctx context.Context) error {
	if c.State().Phase != media.Idle {
		return fmt.Errorf("coordinator %s: start called in phase %s", c.name, c.State().Phase)
	}

	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.setState(media.Running, "")

	for _, s := range c.stages {
		s := s
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			if err := s.Run(runCtx); err != nil {
				c.handleFailure(s.Name(), err)
			}
		}()
	}

	if c.bus != nil {
		c.bus.Publish(events.Event{Kind: events.StreamStarted})
	}
	c.logger.Info("pipeline started", "stages", len(c.stages))
	return nil
}

func (c *Coordinator) handleFailure(stageName string, err error) {
	se, ok := err.(*Error)
	if !ok {
		se = NewError(EncoderFailure, err, Fatal)
	}

	c.logger.Error("stage failure",
		"stage", stageName, "kind", se.Kind, "severity", se.Severity, "error", se.Cause)

	if c.onFailure != nil {
		c.onFailure(stageName, se)
	}

	switch se.Severity {
	case Recoverable:
		return
	case SessionFatal, Fatal:
		c.setState(media.Failed, se.Error())
		go func() {
			stopCtx, cancel := context.WithTimeout(context.Background(), ShutdownGrace+500*time.Millisecond)
			defer cancel()
			_ = c.Stop(stopCtx)
		}()
	}
}

// Stop transitions to Stopping, fires the shutdown signal, awaits every
// stage's Shutdown (bounded by ShutdownGrace each) and Run's return, then
// moves to Stopped. It returns once every stage has exited or the
// deadline in ctx elapses, whichever comes first.
func (c *Coordinator) Stop(ctx context.Context) error {
	phase := c.State().Phase
	if phase == media.Stopped || phase == media.Stopping {
		return nil
	}
	c.setState(media.Stopping, c.State().Reason)

	for _, s := range c.stages {
		shutdownCtx, cancel := context.WithTimeout(ctx, ShutdownGrace)
		errCh := make(chan error, 1)
		go func(s Stage) { errCh <- s.Shutdown(shutdownCtx) }(s)

		select {
		case err := <-errCh:
			if err != nil {
				c.logger.Warn("stage shutdown error", "stage", s.Name(), "error", err)
			}
		case <-shutdownCtx.Done():
			c.logger.Warn("stage shutdown timed out, abandoning", "stage", s.Name())
		}
		cancel()
	}

	if c.cancel != nil {
		c.cancel()
	}

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		c.logger.Warn("coordinator stop exceeded deadline, abandoning stage goroutines")
	}

	if c.State().Phase != media.Failed {
		c.setState(media.Stopped, "")
	}
	if c.bus != nil {
		c.bus.Publish(events.Event{Kind: events.StreamStopped})
	}
	c.logger.Info("pipeline stopped")
	return nil
}
