package services

import (
	"context"
	"fmt"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/alessio/shellescape"
	"github.com/probehub/backend/internal/core/ports"
	"github.com/probehub/backend/internal/domain"
)

const (
	cleanupDoneMarker = "__PROBEHUB_CLEANUP_DONE__"
	signalHandlerLog  = "/tmp/signal_handler.log"
	maxActionOutput   = 4096
)

// CleanupAction is one remote command run on a fresh session while stopping
// a task. The wait ends early once DoneMarker shows up on stdout.
type CleanupAction struct {
	Name       string
	Command    string
	Timeout    time.Duration
	DoneMarker string
}

// CleanupPlan is run in order; a failed action never blocks the next one.
type CleanupPlan struct {
	Actions []CleanupAction
	Budget  time.Duration
}

func (k *jobKinds) cleanupPlan(kind domain.JobKind) CleanupPlan {
	switch kind {
	case domain.JobKindDynamic:
		return k.dynamicCleanup()
	case domain.JobKindPrivacy:
		return k.privacyCleanup()
	default:
		return CleanupPlan{Budget: k.cleanupBudget()}
	}
}

func withMarker(cmd string) string {
	return fmt.Sprintf("%s; echo %s", cmd, cleanupDoneMarker)
}

func (k *jobKinds) killFridaInContainer() string {
	inner := "pkill -f 'python3.*" + path.Base(k.analysis.FridaScript) + "' || pkill -f frida || echo 'no frida process'"
	return fmt.Sprintf("docker exec -u 0 %s bash -c %s",
		shellescape.Quote(k.analysis.ContainerName),
		shellescape.Quote(inner),
	)
}

func (k *jobKinds) dynamicCleanup() CleanupPlan {
	timeout := k.actionTimeout()
	script := path.Base(k.analysis.DynamicScript)

	return CleanupPlan{
		Budget: k.cleanupBudget(),
		Actions: []CleanupAction{
			{
				Name:       "kill_analysis_script",
				Command:    withMarker(fmt.Sprintf("pkill -f %s || echo 'no analysis process'", shellescape.Quote("python3.*"+script))),
				Timeout:    timeout,
				DoneMarker: cleanupDoneMarker,
			},
			{
				Name:       "kill_frida_in_container",
				Command:    withMarker("sleep 2; " + k.killFridaInContainer()),
				Timeout:    timeout,
				DoneMarker: cleanupDoneMarker,
			},
			{
				Name:       "read_signal_handler_log",
				Command:    withMarker("cat " + signalHandlerLog + " 2>/dev/null || echo 'no signal handler log'"),
				Timeout:    timeout,
				DoneMarker: cleanupDoneMarker,
			},
		},
	}
}

func (k *jobKinds) privacyCleanup() CleanupPlan {
	return CleanupPlan{
		Budget: k.cleanupBudget(),
		Actions: []CleanupAction{
			{
				Name:       "kill_frida_in_container",
				Command:    withMarker(k.killFridaInContainer()),
				Timeout:    k.actionTimeout(),
				DoneMarker: cleanupDoneMarker,
			},
		},
	}
}

// StopTask cancels a task, tears down its session and converges remote
// state. Stopping an already finished or already stopping task succeeds
// without doing anything.
func (s *TaskService) StopTask(ctx context.Context, taskID string) (*domain.StopResult, error) {
	entry, first, err := s.registry.RequestCancel(taskID)
	if err != nil {
		if rec, ok := s.history.Get(taskID); ok {
			s.log.Infow("task_stop_noop", "task_id", taskID, "state", rec.task.State.String())
			return &domain.StopResult{TaskID: taskID, State: rec.task.State, AlreadyStopped: true}, nil
		}
		return nil, ErrTaskNotFound
	}

	if first {
		s.log.Infow("task_cancel_flag_set", "task_id", taskID)
	}
	if !entry.stopping.CompareAndSwap(false, true) {
		s.log.Infow("task_stop_noop", "task_id", taskID, "reason", "stop already in progress")
		return &domain.StopResult{TaskID: taskID, State: entry.State(), AlreadyStopped: true}, nil
	}

	if entry.closeSession() {
		s.log.Infow("task_session_closed", "task_id", taskID)
	}

	outcomes := s.runCleanup(ctx, taskID, entry.Cleanup)

	// Give the worker a bounded chance to drain and write its summary.
	select {
	case <-entry.done:
	case <-time.After(s.drainTimeout + 2*s.pollInterval):
		s.log.Warnw("task_worker_slow_to_exit", "task_id", taskID)
	}

	entry.state.Finish(domain.TaskStateStopped)
	s.release(entry)

	result := &domain.StopResult{TaskID: taskID, State: entry.State(), Actions: outcomes}
	if rec, ok := s.history.Get(taskID); ok {
		result.State = rec.task.State
	}
	return result, nil
}

// runCleanup runs plan on its own connection, bounded by the plan budget.
func (s *TaskService) runCleanup(ctx context.Context, taskID string, plan CleanupPlan) []domain.CleanupOutcome {
	if len(plan.Actions) == 0 {
		return nil
	}

	budget := plan.Budget
	if budget <= 0 {
		budget = 35 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), budget)
	defer cancel()

	outcomes := make([]domain.CleanupOutcome, 0, len(plan.Actions))

	conn, err := s.transport.Connect(ctx)
	if err != nil {
		s.log.Errorw("task_cleanup_connect_failed", "task_id", taskID, "error", err)
		for _, a := range plan.Actions {
			outcomes = append(outcomes, domain.CleanupOutcome{Name: a.Name, Error: "connect: " + err.Error()})
		}
		return outcomes
	}
	defer conn.Close()

	for _, action := range plan.Actions {
		outcome := s.runCleanupAction(ctx, taskID, conn, action)
		if outcome.OK {
			s.log.Infow("task_cleanup_action_done", "task_id", taskID, "action", action.Name,
				"duration_ms", outcome.DurationMs, "output", outcome.Output)
		} else {
			s.log.Warnw("task_cleanup_action_failed", "task_id", taskID, "action", action.Name,
				"duration_ms", outcome.DurationMs, "error", outcome.Error)
		}
		outcomes = append(outcomes, outcome)
	}
	return outcomes
}

func (s *TaskService) runCleanupAction(ctx context.Context, taskID string, conn ports.RemoteConn, action CleanupAction) (outcome domain.CleanupOutcome) {
	start := time.Now()
	outcome.Name = action.Name
	defer func() { outcome.DurationMs = time.Since(start).Milliseconds() }()

	if err := ctx.Err(); err != nil {
		outcome.Error = "cleanup budget exhausted"
		return outcome
	}

	timeout := action.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	actx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	proc, err := conn.Exec(actx, action.Command)
	if err != nil {
		outcome.Error = err.Error()
		return outcome
	}
	defer proc.Close()

	// Both streams feed one channel so a chatty stderr can never stall the
	// remote command on a full pipe.
	lines := make(chan string, 16)
	var readers sync.WaitGroup
	readers.Add(2)
	go s.readLines(taskID, proc.Stdout(), "", lines, actx.Done(), &readers)
	go s.readLines(taskID, proc.Stderr(), stderrPrefix, lines, actx.Done(), &readers)
	go func() {
		readers.Wait()
		close(lines)
	}()

	exited := make(chan exitResult, 1)
	go func() {
		code, err := proc.Wait()
		exited <- exitResult{code: code, err: err}
	}()

	var out strings.Builder
	appendOut := func(line string) {
		if out.Len()+len(line) < maxActionOutput {
			out.WriteString(line)
			out.WriteByte('\n')
		}
	}

	var (
		res       exitResult
		hasExited bool
	)
	for lines != nil || !hasExited {
		select {
		case line, ok := <-lines:
			if !ok {
				lines = nil
				continue
			}
			if action.DoneMarker != "" && strings.Contains(line, action.DoneMarker) {
				outcome.OK = true
				outcome.Output = strings.TrimSpace(out.String())
				return outcome
			}
			appendOut(line)
		case res = <-exited:
			hasExited = true
			exited = nil
		case <-actx.Done():
			outcome.Output = strings.TrimSpace(out.String())
			outcome.Error = fmt.Sprintf("timed out after %s", timeout)
			return outcome
		}
	}

	outcome.Output = strings.TrimSpace(out.String())
	switch {
	case res.err != nil:
		outcome.Error = res.err.Error()
	case res.code != 0:
		outcome.Error = (&CommandError{ExitCode: res.code}).Error()
	default:
		outcome.OK = true
	}
	return outcome
}
