package model

import (
	"fmt"
	"sync"

	"gg_jobs_agent/internal/common"
)

type Phase string

const (
	PhaseIdle       Phase = "Idle"
	PhaseRequested  Phase = "Requested"  // start-next sent, no answer yet
	PhaseInProgress Phase = "InProgress" // executing CurrentJobID
	PhaseSucceeded  Phase = "Succeeded"
	PhaseFailed     Phase = "Failed"
	PhaseRejected   Phase = "Rejected"
)

var transitions = map[Phase][]Phase{
	PhaseIdle:       {PhaseRequested, PhaseInProgress},
	PhaseRequested:  {PhaseRequested, PhaseIdle, PhaseInProgress},
	PhaseInProgress: {PhaseSucceeded, PhaseFailed, PhaseRejected},
	PhaseSucceeded:  {PhaseIdle},
	PhaseFailed:     {PhaseIdle},
	PhaseRejected:   {PhaseIdle},
}

func CanTransition(from, to Phase) bool {
	for _, p := range transitions[from] {
		if p == to {
			return true
		}
	}
	return false
}

// TerminalPhase maps a terminal job status to its lifecycle phase.
func TerminalPhase(status JobStatus) (Phase, bool) {
	switch status {
	case JobStatusSucceeded:
		return PhaseSucceeded, true
	case JobStatusFailed:
		return PhaseFailed, true
	case JobStatusRejected:
		return PhaseRejected, true
	}
	return "", false
}

// AgentState is owned by a single agent and mutated only through its methods.
type AgentState struct {
	mu           sync.Mutex
	phase        Phase
	currentJobID *string
}

func NewAgentState() *AgentState {
	return &AgentState{phase: PhaseIdle}
}

type StateSnapshot struct {
	Phase        Phase   `json:"phase"`
	CurrentJobID *string `json:"current_job_id,omitempty"`
}

func (s *AgentState) Snapshot() StateSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := StateSnapshot{Phase: s.phase}
	if s.currentJobID != nil {
		id := *s.currentJobID
		snap.CurrentJobID = &id
	}
	return snap
}

func (s *AgentState) CurrentJobID() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.currentJobID == nil {
		return "", false
	}
	return *s.currentJobID, true
}

func (s *AgentState) Phase() Phase {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.phase
}

// MarkRequested records an outstanding start-next request.
func (s *AgentState) MarkRequested() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.phase == PhaseInProgress {
		return fmt.Errorf("cannot request next job while %s runs: %w", derefOr(s.currentJobID, "?"), common.ErrJobInProgress)
	}
	return s.transitionLocked(PhaseRequested)
}

// MarkQueueEmpty returns a pending request to Idle. It is a no-op in any other phase.
func (s *AgentState) MarkQueueEmpty() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.phase == PhaseRequested {
		s.phase = PhaseIdle
	}
}

// Begin sets jobID as the current job. Only one job may be in progress.
func (s *AgentState) Begin(jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.phase == PhaseInProgress {
		return fmt.Errorf("job %s arrived while %s runs: %w", jobID, derefOr(s.currentJobID, "?"), common.ErrJobInProgress)
	}
	if err := s.transitionLocked(PhaseInProgress); err != nil {
		return err
	}
	id := jobID
	s.currentJobID = &id
	return nil
}

// Finish moves the current job through its terminal phase back to Idle and
// clears the current job id. Non-terminal statuses leave the state untouched.
func (s *AgentState) Finish(jobID string, status JobStatus) error {
	terminal, ok := TerminalPhase(status)
	if !ok {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.currentJobID == nil || *s.currentJobID != jobID {
		return fmt.Errorf("finish %s as %s with current job %s: %w", jobID, status, derefOr(s.currentJobID, "<none>"), common.ErrInvalidTransition)
	}
	if err := s.transitionLocked(terminal); err != nil {
		return err
	}
	s.currentJobID = nil
	return s.transitionLocked(PhaseIdle)
}

func (s *AgentState) transitionLocked(to Phase) error {
	if !CanTransition(s.phase, to) {
		return fmt.Errorf("%s -> %s: %w", s.phase, to, common.ErrInvalidTransition)
	}
	s.phase = to
	return nil
}

func derefOr(p *string, fallback string) string {
	if p == nil {
		return fallback
	}
	return *p
}
