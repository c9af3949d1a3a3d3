// Package execution implements the Execution Engine: at-most-one agent CLI
// run per project, line-oriented stdout streaming that forwards each line
// immediately instead of accumulating the full output, a global concurrency
// cap via a weighted semaphore, and grace-then-force termination on both
// deadline expiry and explicit kill.
package execution

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"golang.org/x/sync/semaphore"

	apperrors "github.com/streamroom/streamroom/internal/errors"
	"github.com/streamroom/streamroom/internal/logger"
	"github.com/streamroom/streamroom/internal/model"
	"github.com/streamroom/streamroom/internal/msglog"
	"github.com/streamroom/streamroom/internal/project"
	"github.com/streamroom/streamroom/internal/subscription"
	"github.com/streamroom/streamroom/internal/validation"
)

// Config bounds the engine's execution behavior.
type Config struct {
	AgentBinary        string
	Deadline           time.Duration
	KillGrace          time.Duration
	MaxConcurrentExecs int64
	MaxPromptBytes     int
	OptionWhitelist    []validation.OptionSpec
}

// Broadcaster is the subset of the Subscription Fabric the engine needs.
type Broadcaster interface {
	Broadcast(projectID string, frame []byte)
}

// AdmissionGate lets the Resource Governor reject new executions while the
// process is over its soft memory limit, independent of the concurrency
// semaphore.
type AdmissionGate interface {
	Allow() bool
}

// DurationObserver records one completed execution's wall-clock duration,
// implemented by the Resource Governor's latency histogram.
type DurationObserver interface {
	ObserveExecutionDuration(d time.Duration)
}

// run tracks one in-flight execution, enough state to service agent_kill.
type run struct {
	cancel context.CancelFunc
}

// Engine is the Execution Engine.
type Engine struct {
	cfg      Config
	sem      *semaphore.Weighted
	projects *project.Manager
	logs     *msglog.Store
	fabric   Broadcaster

	mu     sync.Mutex
	active map[string]*run

	gate        AdmissionGate
	durations   DurationObserver
	errorsTotal atomic.Int64
}

// New constructs an Engine.
func New(cfg Config, projects *project.Manager, logs *msglog.Store, fabric Broadcaster) *Engine {
	return &Engine{
		cfg:      cfg,
		sem:      semaphore.NewWeighted(cfg.MaxConcurrentExecs),
		projects: projects,
		logs:     logs,
		fabric:   fabric,
		active:   make(map[string]*run),
	}
}

// SetGate wires the Resource Governor's admission check. Nil disables it.
func (e *Engine) SetGate(gate AdmissionGate) {
	e.gate = gate
}

// SetDurationObserver wires the Resource Governor's execution-latency
// histogram. Nil disables it.
func (e *Engine) SetDurationObserver(d DurationObserver) {
	e.durations = d
}

// ActiveCount returns the number of executions currently in flight, for the
// Resource Governor's periodic sample.
func (e *Engine) ActiveCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.active)
}

// ErrorsTotal returns the cumulative count of executions that ended in
// ERROR (timeout, kill, non-zero exit, or a failure to spawn), for the
// Resource Governor's counter.
func (e *Engine) ErrorsTotal() int64 {
	return e.errorsTotal.Load()
}

// Execute runs the agent CLI against projectID with prompt and options. It
// returns as soon as the run has either been rejected or started; streaming
// and completion happen asynchronously and are observed via broadcasts.
func (e *Engine) Execute(projectID, prompt string, options map[string]interface{}) *apperrors.AppError {
	if e.gate != nil && !e.gate.Allow() {
		return apperrors.ResourceLimit("server is over its resource budget")
	}
	maxPromptBytes := e.cfg.MaxPromptBytes
	if maxPromptBytes <= 0 {
		maxPromptBytes = 1 << 20
	}
	if err := validation.ValidPrompt(prompt, maxPromptBytes); err != nil {
		return apperrors.InvalidMessage(err.Error())
	}
	if err := validation.ValidateOptions(options, e.cfg.OptionWhitelist); err != nil {
		return apperrors.InvalidMessage(err.Error())
	}

	p, aerr := e.projects.Get(projectID)
	if aerr != nil {
		return aerr
	}

	binPath, lookErr := exec.LookPath(e.cfg.AgentBinary)
	if lookErr != nil {
		return apperrors.ClaudeNotFound(lookErr.Error())
	}

	if !e.sem.TryAcquire(1) {
		return apperrors.ResourceLimit("maximum concurrent executions reached")
	}

	if !p.TryBeginExecution() {
		e.sem.Release(1)
		return apperrors.ProcessActive(projectID)
	}

	ctx, cancel := context.WithTimeout(context.Background(), e.cfg.Deadline)
	e.mu.Lock()
	e.active[projectID] = &run{cancel: cancel}
	e.mu.Unlock()

	e.broadcastState(p)

	promptPayload, _ := json.Marshal(map[string]string{"prompt": prompt})
	if err := e.appendLog(projectID, model.DirectionClient, promptPayload); err != nil {
		logger.Execution().Error().Err(err).Str("project_id", projectID).Msg("failed to log prompt before spawn")
	}

	go e.run(ctx, cancel, binPath, p, prompt, options)
	return nil
}

func (e *Engine) run(ctx context.Context, cancel context.CancelFunc, binPath string, p *model.Project, prompt string, options map[string]interface{}) {
	projectID := p.ID
	started := time.Now()
	defer func() {
		e.mu.Lock()
		delete(e.active, projectID)
		e.mu.Unlock()
		e.sem.Release(1)
		cancel()
		if e.durations != nil {
			e.durations.ObserveExecutionDuration(time.Since(started))
		}
	}()

	args := buildArgs(prompt, options, p.SessionID)
	cmd := exec.CommandContext(ctx, binPath, args...)
	cmd.Dir = p.Path
	// The agent runs in its own process group. On cancellation (deadline or
	// agent_kill) SIGTERM goes to the whole group, so processes the agent
	// spawned do not hold stdout open after it exits. Go's exec package
	// forcibly kills the direct child and unblocks Wait if it hasn't exited
	// WaitDelay after Cancel runs; a descendant that ignores SIGTERM is not
	// force-killed and keeps stdout open until it exits.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGTERM)
	}
	cmd.WaitDelay = e.cfg.KillGrace

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		e.fail(p, fmt.Sprintf("failed to open stdout pipe: %v", err))
		return
	}
	cmd.Stderr = nil

	if err := cmd.Start(); err != nil {
		e.fail(p, fmt.Sprintf("failed to start agent CLI: %v", err))
		return
	}

	sessionID := streamOutput(stdout, func(line []byte) {
		e.handleLine(projectID, line)
	})

	waitErr := cmd.Wait()
	deadlineHit := ctx.Err() == context.DeadlineExceeded
	killed := ctx.Err() == context.Canceled

	switch {
	case deadlineHit:
		e.failWithCode(p, apperrors.CodeExecutionTimeout, "execution exceeded its deadline")
	case killed:
		e.failWithCode(p, apperrors.CodeExecutionKilled, "execution killed")
	case waitErr != nil:
		e.fail(p, waitErr.Error())
	default:
		p.FinishExecution(sessionID)
		if err := e.projects.Persist(p); err != nil {
			logger.Execution().Error().Err(err).Str("project_id", projectID).Msg("failed to persist project after execution")
		}
		e.broadcastState(p)
	}
}

// streamOutput reads stdout line by line, handing each complete line to
// onLine immediately — it never buffers the full stream in memory. It
// returns the best-effort session identifier found across all lines: the
// last event object that carried any key containing "session_id".
func streamOutput(stdout io.Reader, onLine func(line []byte)) string {
	reader := bufio.NewReaderSize(stdout, 64*1024)
	var sessionID string
	for {
		line, err := reader.ReadBytes('\n')
		line = bytes.TrimRight(line, "\n")
		if len(line) > 0 {
			onLine(line)
			if sid := extractSessionID(line); sid != "" {
				sessionID = sid
			}
		}
		if err != nil {
			break
		}
	}
	return sessionID
}

// extractSessionID resolves the ambiguous "where does session_id live"
// question with a tolerant heuristic: the last event that carries any key
// whose name contains "session_id", at the top level of the parsed object.
func extractSessionID(line []byte) string {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(line, &obj); err != nil {
		return ""
	}
	for key, raw := range obj {
		if !containsSessionIDKey(key) {
			continue
		}
		var s string
		if err := json.Unmarshal(raw, &s); err == nil && s != "" {
			return s
		}
	}
	return ""
}

func containsSessionIDKey(key string) bool {
	return len(key) >= len("session_id") && bytesContainsFold([]byte(key), []byte("session_id"))
}

func bytesContainsFold(haystack, needle []byte) bool {
	return bytes.Contains(bytes.ToLower(haystack), bytes.ToLower(needle))
}

func (e *Engine) handleLine(projectID string, line []byte) {
	var payload json.RawMessage
	if json.Valid(line) {
		payload = json.RawMessage(line)
	} else {
		quoted, _ := json.Marshal(string(line))
		payload = json.RawMessage(quoted)
		logger.Execution().Debug().Str("project_id", projectID).Msg("agent CLI emitted a non-JSON line; stored verbatim")
	}

	if err := e.appendLog(projectID, model.DirectionAgent, payload); err != nil {
		logger.Execution().Error().Err(err).Str("project_id", projectID).Msg("failed to append agent line to log")
	}

	frame := buildAgentMessageFrame(projectID, payload)
	if e.fabric != nil {
		e.fabric.Broadcast(projectID, frame)
	}
}

func (e *Engine) appendLog(projectID string, dir model.Direction, payload []byte) error {
	p, aerr := e.projects.Get(projectID)
	if aerr != nil {
		return aerr
	}
	log, err := e.logs.Get(projectID, e.projects.LogDir(p.ID))
	if err != nil {
		return err
	}
	return log.Append(dir, payload)
}

func (e *Engine) fail(p *model.Project, reason string) {
	e.failWithCode(p, apperrors.CodeInternalError, reason)
}

func (e *Engine) failWithCode(p *model.Project, code, reason string) {
	e.errorsTotal.Add(1)
	p.FailExecution(reason)
	errPayload, _ := json.Marshal(map[string]string{"code": code, "message": reason})
	if err := e.appendLog(p.ID, model.DirectionAgent, errPayload); err != nil {
		logger.Execution().Error().Err(err).Str("project_id", p.ID).Msg("failed to log execution error")
	}
	e.broadcastState(p)
	p.ResetAfterError()
	if err := e.projects.Persist(p); err != nil {
		logger.Execution().Error().Err(err).Str("project_id", p.ID).Msg("failed to persist project after error recovery")
	}
	e.broadcastState(p)
}

func (e *Engine) broadcastState(p *model.Project) {
	snap := p.Snapshot()
	payload, _ := json.Marshal(snap)
	env := struct {
		Type      string          `json:"type"`
		ProjectID string          `json:"project_id"`
		Data      json.RawMessage `json:"data"`
	}{Type: model.TypeProjectState, ProjectID: p.ID, Data: payload}
	frame, _ := json.Marshal(env)
	if e.fabric != nil {
		e.fabric.Broadcast(p.ID, frame)
	}
}

func buildAgentMessageFrame(projectID string, payload json.RawMessage) []byte {
	env := struct {
		Type      string          `json:"type"`
		ProjectID string          `json:"project_id"`
		Data      json.RawMessage `json:"data"`
	}{Type: model.TypeAgentMessage, ProjectID: projectID, Data: payload}
	frame, _ := json.Marshal(env)
	return frame
}

// Kill trips the same cancellation token a deadline would trip, causing the
// same grace-then-force termination sequence.
func (e *Engine) Kill(projectID string) *apperrors.AppError {
	p, aerr := e.projects.Get(projectID)
	if aerr != nil {
		return aerr
	}
	if !p.IsExecuting() {
		return nil // no-op success: nothing running to kill
	}

	e.mu.Lock()
	r, ok := e.active[projectID]
	e.mu.Unlock()
	if ok {
		r.cancel()
	}
	return nil
}

// Shutdown cancels every in-flight execution, used during server shutdown.
func (e *Engine) Shutdown() {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, r := range e.active {
		r.cancel()
	}
}

func buildArgs(prompt string, options map[string]interface{}, sessionID string) []string {
	args := []string{"--print", prompt}
	if sessionID != "" {
		args = append(args, "--resume", sessionID)
	}
	if model, ok := options["model"].(string); ok && model != "" {
		args = append(args, "--model", model)
	}
	if mode, ok := options["permission_mode"].(string); ok && mode != "" {
		args = append(args, "--permission-mode", mode)
	}
	if verbose, ok := options["verbose"].(bool); ok && verbose {
		args = append(args, "--verbose")
	}
	if maxTurns, ok := options["max_turns"].(float64); ok && maxTurns > 0 {
		args = append(args, "--max-turns", fmt.Sprintf("%d", int(maxTurns)))
	}
	return args
}

