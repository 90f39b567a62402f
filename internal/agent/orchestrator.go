// Package agent orchestrates strategy runtimes across sessions.
//
// A session hosts multiple independent strategy instances; each instance
// runs its coordinator loop in its own goroutine and publishes events to
// the stream. Control commands (STOP/STATUS, English or Chinese) arrive as
// natural-language strings and target one instance or the whole session.
package agent

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"quantpilot/internal/config"
	"quantpilot/internal/coordinator"
	"quantpilot/internal/portfolio"
	"quantpilot/internal/stream"
	"quantpilot/pkg/types"
)

const (
	statusCardEvery = 5  // cycles between instance status cards
	lineChartEvery  = 10 // cycles between session equity charts
)

// Runtime bundles the per-strategy stack an instance drives.
type Runtime struct {
	Coordinator *coordinator.Coordinator
	Portfolio   *portfolio.Service
}

// Factory builds a runtime for a validated request. The concrete factory
// wires exchange adapters, the features pipeline, composer, and gateway;
// tests substitute a lightweight fake.
type Factory interface {
	Build(ctx context.Context, strategyID string, req types.UserRequest) (*Runtime, error)
}

// Instance is one running strategy within a session.
type Instance struct {
	ID        string
	SessionID string
	Request   types.UserRequest

	runtime *Runtime
	cancel  context.CancelFunc
	done    chan struct{}

	mu          sync.Mutex
	active      bool
	checkCount  int
	lastCheckTS int64
	createdTS   int64
	history     []ValuePoint
	lastSummary types.StrategySummary
}

// Active reports whether the instance loop should keep running.
func (in *Instance) Active() bool {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.active
}

func (in *Instance) deactivate() {
	in.mu.Lock()
	in.active = false
	in.mu.Unlock()
	in.cancel()
}

// ModelID returns the model identity used as the equity chart series key.
func (in *Instance) ModelID() string {
	if id := in.Request.LLMModelConfig.ModelID; id != "" {
		return id
	}
	return in.ID
}

func (in *Instance) recordCycle(summary types.StrategySummary, ts int64) {
	in.mu.Lock()
	defer in.mu.Unlock()
	in.checkCount++
	in.lastCheckTS = ts
	in.lastSummary = summary
	in.history = append(in.history, ValuePoint{TS: ts, Value: summary.TotalValue})
}

func (in *Instance) snapshotHistory() []ValuePoint {
	in.mu.Lock()
	defer in.mu.Unlock()
	out := make([]ValuePoint, len(in.history))
	copy(out, in.history)
	return out
}

// Orchestrator owns the session registry and instance lifecycles.
type Orchestrator struct {
	factory Factory
	emitter stream.Emitter
	logger  *slog.Logger

	mu       sync.RWMutex
	sessions map[string]map[string]*Instance

	startMu sync.Mutex
	starts  map[string]*sync.Mutex // per-session start lock
}

// New creates an orchestrator publishing to the given emitter.
func New(factory Factory, emitter stream.Emitter, logger *slog.Logger) *Orchestrator {
	return &Orchestrator{
		factory:  factory,
		emitter:  emitter,
		logger:   logger.With("component", "orchestrator"),
		sessions: make(map[string]map[string]*Instance),
		starts:   make(map[string]*sync.Mutex),
	}
}

// sessionStartLock returns the per-session lock preventing concurrent starts.
func (o *Orchestrator) sessionStartLock(sessionID string) *sync.Mutex {
	o.startMu.Lock()
	defer o.startMu.Unlock()
	lock, ok := o.starts[sessionID]
	if !ok {
		lock = &sync.Mutex{}
		o.starts[sessionID] = lock
	}
	return lock
}

// Start validates the request, builds the runtime, registers the instance,
// and launches its loop. Returns the new instance ID.
func (o *Orchestrator) Start(ctx context.Context, sessionID string, req types.UserRequest) (string, error) {
	lock := o.sessionStartLock(sessionID)
	lock.Lock()
	defer lock.Unlock()

	if err := config.ValidateRequest(
		string(req.ExchangeConfig.TradingMode),
		string(req.ExchangeConfig.MarketType),
		req.DedupSymbols(),
		req.TradingConfig.DecideInterval,
		req.TradingConfig.MaxPositions,
		req.TradingConfig.MaxLeverage,
	); err != nil {
		o.emitter.Emit(stream.StatusEvent("", types.StatusError))
		o.emitter.Emit(stream.MessageEvent(fmt.Sprintf("invalid request: %v", err)))
		return "", fmt.Errorf("%s: %w", types.ErrKindInput, err)
	}

	instanceID := uuid.NewString()
	runtime, err := o.factory.Build(ctx, instanceID, req)
	if err != nil {
		o.emitter.Emit(stream.StatusEvent(instanceID, types.StatusError))
		return "", fmt.Errorf("build runtime: %w", err)
	}

	loopCtx, cancel := context.WithCancel(ctx)
	inst := &Instance{
		ID:        instanceID,
		SessionID: sessionID,
		Request:   req,
		runtime:   runtime,
		cancel:    cancel,
		done:      make(chan struct{}),
		active:    true,
		createdTS: types.NowMS(),
	}

	o.mu.Lock()
	if o.sessions[sessionID] == nil {
		o.sessions[sessionID] = make(map[string]*Instance)
	}
	o.sessions[sessionID][instanceID] = inst
	o.mu.Unlock()

	o.emitter.Emit(stream.StatusEvent(instanceID, types.StatusRunning))
	go o.run(loopCtx, inst)

	o.logger.Info("instance started",
		"session_id", sessionID,
		"instance_id", instanceID,
		"symbols", req.DedupSymbols(),
	)
	return instanceID, nil
}

// run is the per-instance main loop: run one cycle, publish events, sleep,
// repeat. Cycle errors are logged and retried after one interval.
func (o *Orchestrator) run(ctx context.Context, inst *Instance) {
	defer close(inst.done)
	defer func() {
		if err := inst.runtime.Coordinator.Close(); err != nil {
			o.logger.Warn("coordinator close failed", "instance_id", inst.ID, "error", err)
		}
		o.emitter.Emit(stream.DoneEvent())
	}()

	interval := time.Duration(inst.Request.TradingConfig.DecideInterval) * time.Second
	logger := o.logger.With("instance_id", inst.ID)

	for inst.Active() {
		result, err := inst.runtime.Coordinator.RunOnce(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Error("cycle failed, retrying after interval", "error", err)
			o.emitter.Emit(stream.MessageEvent(fmt.Sprintf("[%s] cycle error: %v", types.ErrKindFatal, err)))
			if !o.sleep(ctx, interval) {
				return
			}
			continue
		}

		o.publishCycle(inst, result)
		inst.recordCycle(result.Summary, result.TS)

		if inst.checkCountIs(statusCardEvery) {
			o.emitter.Emit(stream.ComponentEvent(stream.ComponentCardPush, o.statusCard(inst, result)))
		}
		if inst.checkCountIs(lineChartEvery) {
			o.emitter.Emit(stream.ComponentEvent(stream.ComponentLineChart, o.sessionChart(inst.SessionID)))
		}

		if result.ShouldStop {
			logger.Info("strategy stopping", "reason", result.Summary.Metadata["stop_reason"])
			if result.Summary.Metadata["stop_reason"] == string(types.StopReasonStopLoss) {
				if _, err := inst.runtime.Coordinator.CloseAllPositions(ctx); err != nil {
					logger.Error("close all positions failed", "error", err)
				}
			}
			inst.deactivate()
			o.emitter.Emit(stream.StatusEvent(inst.ID, types.StatusStopped))
			return
		}

		if !o.sleep(ctx, interval) {
			return
		}
	}
}

// checkCountIs reports whether the cycle counter hit a multiple of n.
func (in *Instance) checkCountIs(n int) bool {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.checkCount > 0 && in.checkCount%n == 0
}

func (o *Orchestrator) sleep(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}

// publishCycle emits the per-cycle event sequence: analysis text, trade
// notifications, summary, and portfolio.
func (o *Orchestrator) publishCycle(inst *Instance, result types.DecisionCycleResult) {
	if result.Rationale != "" {
		o.emitter.Emit(stream.MessageEvent(result.Rationale))
	}
	for _, trade := range result.Trades {
		o.emitter.Emit(stream.TradeEvent(trade))
	}
	o.emitter.Emit(stream.SummaryEvent(result.Summary))
	o.emitter.Emit(stream.PortfolioEvent(result.Portfolio))
}

// statusCard builds the instance status component payload.
func (o *Orchestrator) statusCard(inst *Instance, result types.DecisionCycleResult) map[string]any {
	inst.mu.Lock()
	defer inst.mu.Unlock()
	return map[string]any{
		"instance_id":   inst.ID,
		"session_id":    inst.SessionID,
		"status":        result.Summary.Status,
		"cycle_index":   result.CycleIndex,
		"check_count":   inst.checkCount,
		"last_check_ts": inst.lastCheckTS,
		"created_ts":    inst.createdTS,
		"total_value":   result.Summary.TotalValue,
		"positions":     result.Portfolio.Positions,
		"recent_trades": result.Trades,
	}
}

// sessionChart builds the session equity line chart across all instances.
func (o *Orchestrator) sessionChart(sessionID string) [][]any {
	o.mu.RLock()
	defer o.mu.RUnlock()
	histories := make(map[string][]ValuePoint)
	for _, inst := range o.sessions[sessionID] {
		histories[inst.ModelID()] = inst.snapshotHistory()
	}
	return BuildEquityChart(histories)
}

// HandleCommand parses and applies a control command for a session.
// Unknown commands are answered with a hint message.
func (o *Orchestrator) HandleCommand(sessionID, text string) {
	cmd := ParseCommand(text)
	switch cmd.Kind {
	case CommandStop:
		stopped := o.stopInstances(sessionID, cmd.InstanceID)
		o.emitter.Emit(stream.MessageEvent(fmt.Sprintf("stopped %d instance(s)", stopped)))
	case CommandStatus:
		o.emitStatus(sessionID, cmd.InstanceID)
	default:
		o.emitter.Emit(stream.MessageEvent("unrecognized command; try \"status\" or \"stop\""))
	}
}

// stopInstances deactivates one or all instances in a session.
func (o *Orchestrator) stopInstances(sessionID, instanceID string) int {
	o.mu.RLock()
	var targets []*Instance
	for id, inst := range o.sessions[sessionID] {
		if instanceID == "" || id == instanceID {
			targets = append(targets, inst)
		}
	}
	o.mu.RUnlock()

	for _, inst := range targets {
		inst.deactivate()
		o.emitter.Emit(stream.StatusEvent(inst.ID, types.StatusStopped))
		o.logger.Info("instance stopped by command", "instance_id", inst.ID)
	}
	return len(targets)
}

// emitStatus publishes per-instance summary blocks plus the session chart.
func (o *Orchestrator) emitStatus(sessionID, instanceID string) {
	o.mu.RLock()
	var targets []*Instance
	for id, inst := range o.sessions[sessionID] {
		if instanceID == "" || id == instanceID {
			targets = append(targets, inst)
		}
	}
	o.mu.RUnlock()

	for _, inst := range targets {
		inst.mu.Lock()
		summary := inst.lastSummary
		inst.mu.Unlock()
		o.emitter.Emit(stream.ComponentEvent(stream.ComponentStatus, map[string]any{
			"instance_id": inst.ID,
			"active":      inst.Active(),
			"summary":     summary,
		}))
	}
	o.emitter.Emit(stream.ComponentEvent(stream.ComponentLineChart, o.sessionChart(sessionID)))
}

// Instances returns the instances registered in a session.
func (o *Orchestrator) Instances(sessionID string) []*Instance {
	o.mu.RLock()
	defer o.mu.RUnlock()
	out := make([]*Instance, 0, len(o.sessions[sessionID]))
	for _, inst := range o.sessions[sessionID] {
		out = append(out, inst)
	}
	return out
}

// Shutdown stops every instance and waits for loops to finish or the
// context to expire. Gateways close inside each loop's deferred cleanup.
func (o *Orchestrator) Shutdown(ctx context.Context) {
	o.mu.RLock()
	var all []*Instance
	for _, session := range o.sessions {
		for _, inst := range session {
			all = append(all, inst)
		}
	}
	o.mu.RUnlock()

	for _, inst := range all {
		inst.deactivate()
	}
	for _, inst := range all {
		select {
		case <-inst.done:
		case <-ctx.Done():
			o.logger.Warn("shutdown timed out waiting for instance", "instance_id", inst.ID)
			return
		}
	}
}
