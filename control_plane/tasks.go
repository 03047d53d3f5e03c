package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/fleetglass/fleetglass/control_plane/connmgr"
	"github.com/fleetglass/fleetglass/control_plane/observability"
	"github.com/fleetglass/fleetglass/control_plane/policy"
	"github.com/fleetglass/fleetglass/control_plane/store"
	"github.com/fleetglass/fleetglass/control_plane/webhook"
)

// executor is the slice of the connection manager the task service
// needs.
type executor interface {
	Execute(ctx context.Context, serverID, command string, timeout time.Duration) (*connmgr.ExecResult, error)
}

// TaskService runs ad-hoc commands through the policy gate. Every
// request gets a recorded decision before anything touches a
// connection; there is no path from request to remote execution that
// skips the gate.
type TaskService struct {
	st     store.Store
	gate   *policy.Gate
	exec   executor
	events eventSink

	execTimeout time.Duration
}

func NewTaskService(st store.Store, gate *policy.Gate, exec executor, events eventSink, execTimeout time.Duration) *TaskService {
	return &TaskService{
		st:          st,
		gate:        gate,
		exec:        exec,
		events:      events,
		execTimeout: execTimeout,
	}
}

// Submit records the task, gates it, and if approved executes it
// synchronously. Denied and failed outcomes are terminal; commands are
// never retried because they may not be idempotent.
// id may be pre-allocated by the caller for idempotent submission;
// empty means generate one.
func (s *TaskService) Submit(ctx context.Context, id, serverID, command, requester, role string) (*store.TaskRequest, error) {
	if _, err := s.st.GetServer(ctx, serverID); err != nil {
		return nil, err
	}
	if id == "" {
		id = uuid.NewString()
	}

	task := &store.TaskRequest{
		ID:            id,
		ServerID:      serverID,
		Command:       command,
		Requester:     requester,
		RequesterRole: role,
		Decision:      store.DecisionPending,
		CreatedAt:     time.Now().UTC(),
	}
	if err := s.st.CreateTask(ctx, task); err != nil {
		return nil, err
	}

	decision := s.gate.Decide(command, role)
	s.audit(ctx, requester, "task.decision", task.ID, fmt.Sprintf("%s: %s", decisionWord(decision.Allowed), decision.Reason))

	if !decision.Allowed {
		observability.TaskDecisions.WithLabelValues("denied").Inc()
		if err := s.st.UpdateTaskDecision(ctx, task.ID, store.DecisionDenied, decision.Reason); err != nil {
			return nil, err
		}
		task.Decision = store.DecisionDenied
		task.DecisionReason = decision.Reason
		s.events.Publish(webhook.EventPolicyDenied, map[string]string{
			"task_id":   task.ID,
			"server_id": serverID,
			"requester": requester,
			"reason":    decision.Reason,
		})
		return task, nil
	}

	observability.TaskDecisions.WithLabelValues("approved").Inc()
	if err := s.st.UpdateTaskDecision(ctx, task.ID, store.DecisionApproved, decision.Reason); err != nil {
		return nil, err
	}
	task.Decision = store.DecisionApproved
	task.DecisionReason = decision.Reason

	result, err := s.exec.Execute(ctx, serverID, command, s.execTimeout)
	finished := time.Now().UTC()
	if err != nil {
		if errors.Is(err, connmgr.ErrBusy) {
			observability.ExecRejections.Inc()
		}
		observability.TaskResults.WithLabelValues("failed").Inc()
		log.Printf("tasks: execute %s on %s failed: %v", task.ID, serverID, err)
		if uerr := s.st.UpdateTaskResult(ctx, task.ID, store.TaskFailed, -1, "", err.Error(), finished); uerr != nil {
			log.Printf("tasks: persist result for %s: %v", task.ID, uerr)
		}
		task.Status = store.TaskFailed
		task.ExitCode = -1
		task.Stderr = err.Error()
		task.FinishedAt = &finished
		s.events.Publish(webhook.EventTaskFailed, map[string]interface{}{
			"task_id":   task.ID,
			"server_id": serverID,
			"error":     err.Error(),
		})
		return task, nil
	}

	status := store.TaskExecuted
	event := webhook.EventTaskCompleted
	if result.ExitCode != 0 {
		status = store.TaskFailed
		event = webhook.EventTaskFailed
	}
	observability.TaskResults.WithLabelValues(status).Inc()
	if uerr := s.st.UpdateTaskResult(ctx, task.ID, status, result.ExitCode, result.Stdout, result.Stderr, finished); uerr != nil {
		log.Printf("tasks: persist result for %s: %v", task.ID, uerr)
	}
	task.Status = status
	task.ExitCode = result.ExitCode
	task.Stdout = result.Stdout
	task.Stderr = result.Stderr
	task.FinishedAt = &finished
	s.events.Publish(event, map[string]interface{}{
		"task_id":   task.ID,
		"server_id": serverID,
		"exit_code": result.ExitCode,
	})
	return task, nil
}

func (s *TaskService) audit(ctx context.Context, actor, action, targetID, detail string) {
	entry := &store.AuditEntry{
		ID:        uuid.NewString(),
		Actor:     actor,
		Action:    action,
		TargetID:  targetID,
		Detail:    detail,
		Timestamp: time.Now().UTC(),
	}
	if err := s.st.AppendAudit(ctx, entry); err != nil {
		log.Printf("tasks: append audit: %v", err)
	}
}

func decisionWord(allowed bool) string {
	if allowed {
		return store.DecisionApproved
	}
	return store.DecisionDenied
}
