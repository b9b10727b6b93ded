package services

import (
	"context"
	"fmt"
	"sync"
	"time"

	"deploy-keeper/internal/logger"
	"deploy-keeper/internal/models"

	"github.com/google/uuid"
)

/**
 * Progress event of a deployment operation
 * @property {*ProgressObject} source - Operation that fired the event
 * @property {*TargetModuleID} module - Module the transition is about, nil for operation level events
 * @property {models.DeploymentStatus} status - Status snapshot taken at the transition
 * @property {time.Time} time - Transition time
 */
type ProgressEvent struct {
	Source *ProgressObject
	Module *TargetModuleID
	Status models.DeploymentStatus
	Time   time.Time
}

func (e ProgressEvent) Detail() models.ProgressEventDetail {
	d := models.ProgressEventDetail{
		OperationID: e.Source.ID(),
		Status:      e.Status,
		Time:        e.Time,
	}
	if e.Module != nil {
		ref := e.Module.Ref()
		d.Module = &ref
	}
	return d
}

// ProgressListener receives progress events on its own dispatch goroutine.
type ProgressListener interface {
	HandleProgressEvent(ProgressEvent)
}

type funcProgressListener struct {
	fn func(ProgressEvent)
}

func (f *funcProgressListener) HandleProgressEvent(e ProgressEvent) { f.fn(e) }

// NewProgressListener adapts a function. Keep the returned value to remove the listener later.
func NewProgressListener(fn func(ProgressEvent)) ProgressListener {
	return &funcProgressListener{fn: fn}
}

// ClientConfiguration is the launch information of an installed application client module.
type ClientConfiguration struct {
	Target     string `json:"target"`
	ModuleID   string `json:"moduleId"`
	Archive    string `json:"archive"`
	Descriptor string `json:"descriptor"`
}

// listenerQueue delivers events to one listener in FIFO order.
type listenerQueue struct {
	l       ProgressListener
	mu      sync.Mutex
	pending []ProgressEvent
	closed  bool
	dropped bool
	wake    chan struct{}
}

func newListenerQueue(l ProgressListener) *listenerQueue {
	q := &listenerQueue{l: l, wake: make(chan struct{}, 1)}
	go q.run()
	return q
}

func (q *listenerQueue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *listenerQueue) push(e ProgressEvent) {
	q.mu.Lock()
	if q.closed || q.dropped {
		q.mu.Unlock()
		return
	}
	q.pending = append(q.pending, e)
	q.mu.Unlock()
	q.signal()
}

// close lets the queue finish the pending events and exit.
func (q *listenerQueue) close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.signal()
}

// drop discards the pending events.
func (q *listenerQueue) drop() {
	q.mu.Lock()
	q.dropped = true
	q.pending = nil
	q.mu.Unlock()
	q.signal()
}

func (q *listenerQueue) run() {
	for {
		q.mu.Lock()
		for len(q.pending) == 0 && !q.closed && !q.dropped {
			q.mu.Unlock()
			<-q.wake
			q.mu.Lock()
		}
		if q.dropped || len(q.pending) == 0 {
			q.mu.Unlock()
			return
		}
		e := q.pending[0]
		q.pending = q.pending[1:]
		q.mu.Unlock()
		q.deliver(e)
	}
}

func (q *listenerQueue) deliver(e ProgressEvent) {
	defer func() {
		if r := recover(); r != nil {
			logger.Errorf("Progress listener panicked on operation %s: %v", e.Source.ID(), r)
		}
	}()
	q.l.HandleProgressEvent(e)
}

// unitResult is what one finished unit of work reports back to its operation.
type unitResult struct {
	module  *TargetModuleID
	undo    UndoFunc
	clients []ClientConfiguration
	message string
}

/**
 * Asynchronous deployment operation handle
 * @description
 * - Starts Running, ends Completed, Failed or Released, terminal states never change
 * - Work is split in units, every finished unit fires exactly one event
 * - The terminal status rides on the event of the last finished unit; when the operation ends with no
 *   unit in flight (Stop between units, Cancel rollback) one extra terminal event with a nil Module is fired
 * - Cancel rolls finished units back and ends Failed with the cancel action
 * - Stop lets in-flight units finish and skips the rest
 * - Listeners are served by one goroutine each, a slow listener delays only itself
 */
type ProgressObject struct {
	id              string
	command         models.CommandType
	cancelSupported bool
	stopSupported   bool
	startTime       time.Time

	mu              sync.Mutex
	status          models.DeploymentStatus
	finishTime      time.Time
	results         []*TargetModuleID
	clients         map[moduleKey]ClientConfiguration
	pending         int
	inflight        int
	succeeded       int
	failed          int
	lastError       string
	stopRequested   bool
	cancelRequested bool
	finishing       bool
	released        bool
	undo            []UndoFunc
	cancelFn        context.CancelFunc
	listeners       []*listenerQueue
	done            chan struct{}
	onFinish        func(*ProgressObject)
}

func newProgressObject(command models.CommandType, units int, cancelSupported, stopSupported bool) *ProgressObject {
	return &ProgressObject{
		id:              uuid.NewString(),
		command:         command,
		cancelSupported: cancelSupported && command != models.CommandUndeploy,
		stopSupported:   stopSupported,
		startTime:       time.Now(),
		status: models.DeploymentStatus{
			State:   models.StateRunning,
			Command: command,
			Action:  models.ActionExecute,
		},
		clients: make(map[moduleKey]ClientConfiguration),
		pending: units,
		done:    make(chan struct{}),
	}
}

func (p *ProgressObject) ID() string { return p.id }

func (p *ProgressObject) Command() models.CommandType { return p.command }

func (p *ProgressObject) StartTime() time.Time { return p.startTime }

// Status returns a snapshot of the current status.
func (p *ProgressObject) Status() models.DeploymentStatus {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.status
}

func (p *ProgressObject) IsCancelSupported() bool { return p.cancelSupported }

func (p *ProgressObject) IsStopSupported() bool { return p.stopSupported }

// ResultTargetModuleIDs returns the modules processed so far, complete once the operation is terminal.
func (p *ProgressObject) ResultTargetModuleIDs() []*TargetModuleID {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*TargetModuleID, len(p.results))
	copy(out, p.results)
	return out
}

/**
 * Launch information of an application client module
 * @param {*TargetModuleID} id - Module returned by this operation
 * @returns {(ClientConfiguration, bool)} Launch information, false when the module is not
 *   a client module of this operation or its install step has not completed
 */
func (p *ProgressObject) ClientConfiguration(id *TargetModuleID) (ClientConfiguration, bool) {
	if id == nil {
		return ClientConfiguration{}, false
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	c, ok := p.clients[moduleKey{id.target.Name, id.id}]
	return c, ok
}

// Done is closed once the operation reached a terminal state.
func (p *ProgressObject) Done() <-chan struct{} {
	return p.done
}

// Wait blocks until the operation is terminal or ctx ends.
func (p *ProgressObject) Wait(ctx context.Context) (models.DeploymentStatus, error) {
	select {
	case <-p.done:
		return p.Status(), nil
	case <-ctx.Done():
		return p.Status(), ctx.Err()
	}
}

/**
 * Register a progress listener
 * @param {ProgressListener} l - Listener, must be comparable
 * @description
 * - Receives the events of transitions that happen after registration
 * - Nothing is delivered once the operation is terminal
 */
func (p *ProgressObject) AddProgressListener(l ProgressListener) {
	if l == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.status.State.Terminal() {
		return
	}
	for _, q := range p.listeners {
		if q.l == l {
			return
		}
	}
	p.listeners = append(p.listeners, newListenerQueue(l))
}

// RemoveProgressListener unregisters the listener and discards its undelivered events.
func (p *ProgressObject) RemoveProgressListener(l ProgressListener) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, q := range p.listeners {
		if q.l == l {
			q.drop()
			p.listeners = append(p.listeners[:i], p.listeners[i+1:]...)
			return
		}
	}
}

/**
 * Stop the operation
 * @returns {error} models.ErrOperationUnsupported when stop is not supported
 * @description
 * - In-flight units finish, units not started yet are skipped
 * - Ends Completed or Failed according to the finished units
 * - No-op once terminal
 */
func (p *ProgressObject) Stop() error {
	if !p.stopSupported {
		return fmt.Errorf("%w: stop of %s", models.ErrOperationUnsupported, p.command)
	}
	p.mu.Lock()
	if p.status.State.Terminal() || p.stopRequested || p.cancelRequested {
		p.mu.Unlock()
		return nil
	}
	p.stopRequested = true
	logger.Infof("Operation %s (%s) stop requested, %d unit(s) in flight", p.id, p.command, p.inflight)
	finished := false
	if p.inflight == 0 && !p.finishing {
		p.finishLocked(nil)
		finished = true
	}
	p.mu.Unlock()
	if finished {
		p.afterFinish()
	}
	return nil
}

/**
 * Cancel the operation
 * @returns {error} models.ErrOperationUnsupported when cancel is not supported
 * @description
 * - In-flight units are interrupted through their context
 * - Every finished unit is rolled back in reverse order, results are cleared
 * - Ends Failed with the cancel action, no-op once terminal
 */
func (p *ProgressObject) Cancel() error {
	if !p.cancelSupported {
		return fmt.Errorf("%w: cancel of %s", models.ErrOperationUnsupported, p.command)
	}
	p.mu.Lock()
	if p.status.State.Terminal() || p.cancelRequested || p.finishing {
		p.mu.Unlock()
		return nil
	}
	p.cancelRequested = true
	if p.cancelFn != nil {
		p.cancelFn()
	}
	logger.Infof("Operation %s (%s) cancel requested, %d unit(s) in flight", p.id, p.command, p.inflight)
	rollback := p.inflight == 0
	if rollback {
		p.finishing = true
	}
	p.mu.Unlock()
	if rollback {
		p.rollback()
	}
	return nil
}

// beginUnit reserves the next unit, false when the operation no longer starts units.
func (p *ProgressObject) beginUnit() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopRequested || p.cancelRequested || p.finishing || p.status.State.Terminal() || p.pending == 0 {
		return false
	}
	p.pending--
	p.inflight++
	return true
}

// unitDone records a finished unit and fires its event.
func (p *ProgressObject) unitDone(res unitResult, err error) {
	p.mu.Lock()
	p.inflight--
	if p.cancelRequested {
		if err == nil && res.undo != nil {
			p.undo = append(p.undo, res.undo)
		}
		rollback := p.inflight == 0 && !p.finishing
		if rollback {
			p.finishing = true
		}
		p.mu.Unlock()
		if rollback {
			p.rollback()
		}
		return
	}

	var module *TargetModuleID
	if err != nil {
		p.failed++
		p.lastError = err.Error()
		p.status.Message = err.Error()
		logger.Warnf("Operation %s (%s) unit failed: %v", p.id, p.command, err)
	} else {
		p.succeeded++
		module = res.module
		if module != nil {
			p.results = append(p.results, module)
		}
		if res.undo != nil {
			p.undo = append(p.undo, res.undo)
		}
		for _, c := range res.clients {
			p.clients[moduleKey{c.Target, c.ModuleID}] = c
		}
		p.status.Message = res.message
		logger.Infof("Operation %s (%s): %s", p.id, p.command, res.message)
	}

	if p.inflight == 0 && (p.pending == 0 || p.stopRequested) {
		p.finishLocked(module)
		p.mu.Unlock()
		p.afterFinish()
		return
	}
	p.emitLocked(module)
	p.mu.Unlock()
}

// finishLocked moves to the natural terminal state and fires the last event.
func (p *ProgressObject) finishLocked(module *TargetModuleID) {
	total := p.succeeded + p.failed
	switch {
	case p.released:
		p.status.State = models.StateReleased
		p.status.Message = "manager released"
	case p.failed > 0:
		p.status.State = models.StateFailed
		p.status.Message = fmt.Sprintf("%d of %d unit(s) failed: %s", p.failed, total, p.lastError)
	default:
		p.status.State = models.StateCompleted
		p.status.Message = fmt.Sprintf("%d unit(s) completed", p.succeeded)
	}
	if p.stopRequested {
		p.status.Action = models.ActionStop
		if p.pending > 0 {
			p.status.Message += fmt.Sprintf(", %d skipped", p.pending)
		}
	}
	p.terminateLocked(module)
}

func (p *ProgressObject) terminateLocked(module *TargetModuleID) {
	p.finishTime = time.Now()
	p.undo = nil
	p.emitLocked(module)
	for _, q := range p.listeners {
		q.close()
	}
	p.listeners = nil
	if p.cancelFn != nil {
		p.cancelFn()
	}
	close(p.done)
	logger.Infof("Operation %s finished: %s", p.id, p.status)
}

// rollback undoes every finished unit in reverse order and ends the operation Failed.
func (p *ProgressObject) rollback() {
	p.mu.Lock()
	undo := p.undo
	p.mu.Unlock()

	var failures int
	for i := len(undo) - 1; i >= 0; i-- {
		if err := undo[i](context.Background()); err != nil {
			failures++
			logger.Errorf("Operation %s rollback step failed: %v", p.id, err)
		}
	}

	p.mu.Lock()
	p.results = nil
	p.clients = make(map[moduleKey]ClientConfiguration)
	p.status.State = models.StateFailed
	p.status.Action = models.ActionCancel
	p.status.Message = fmt.Sprintf("cancelled, %d unit(s) rolled back", len(undo))
	if failures > 0 {
		p.status.Message += fmt.Sprintf(", %d rollback step(s) failed", failures)
	}
	p.terminateLocked(nil)
	p.mu.Unlock()
	p.afterFinish()
}

func (p *ProgressObject) afterFinish() {
	if p.onFinish != nil {
		p.onFinish(p)
	}
}

func (p *ProgressObject) emitLocked(module *TargetModuleID) {
	e := ProgressEvent{Source: p, Module: module, Status: p.status, Time: time.Now()}
	for _, q := range p.listeners {
		q.push(e)
	}
}

// markReleased makes a natural end report Released.
func (p *ProgressObject) markReleased() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.released = true
}

// Detail returns the API view of the operation.
func (p *ProgressObject) Detail() models.OperationDetail {
	p.mu.Lock()
	defer p.mu.Unlock()
	d := models.OperationDetail{
		ID:              p.id,
		Status:          p.status,
		Results:         make([]models.ModuleRef, 0, len(p.results)),
		CancelSupported: p.cancelSupported,
		StopSupported:   p.stopSupported,
		StartTime:       p.startTime,
	}
	for _, m := range p.results {
		d.Results = append(d.Results, m.Ref())
	}
	return d
}

func (p *ProgressObject) record() models.OperationRecord {
	p.mu.Lock()
	defer p.mu.Unlock()
	rec := models.OperationRecord{
		ID:         p.id,
		Command:    p.command,
		State:      p.status.State,
		Action:     p.status.Action,
		Message:    p.status.Message,
		StartTime:  p.startTime,
		FinishTime: p.finishTime,
	}
	for i, m := range p.results {
		if i > 0 {
			rec.Modules += ","
		}
		rec.Modules += m.String()
	}
	return rec
}

// OperationOption configures an operation before its work starts.
type OperationOption func(*ProgressObject)

// WithProgressListener registers l before the first unit runs so no event is missed.
func WithProgressListener(l ProgressListener) OperationOption {
	return func(p *ProgressObject) {
		p.AddProgressListener(l)
	}
}
