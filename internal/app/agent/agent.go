package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"gg_jobs_agent/internal/common"
	"gg_jobs_agent/internal/domain/model"
	"gg_jobs_agent/internal/domain/topic"
	"gg_jobs_agent/internal/platform/broker"
	"gg_jobs_agent/internal/platform/lock"

	"github.com/google/uuid"
)

type Publisher interface {
	Publish(ctx context.Context, topic string, payload []byte) error
}

type Subscriber interface {
	Subscribe(ctx context.Context, filter string, h broker.Handler) error
}

type Options struct {
	ThingName          string
	TopicPrefix        string
	DebugTopic         string // Optional mirror of start-next requests
	StepTimeoutMinutes int
	Executor           Executor    // Defaults to NoopExecutor
	Locker             lock.Locker // Defaults to an in-process lock
	Logger             *slog.Logger
}

// JobAgent processes the jobs of one device, one at a time.
type JobAgent struct {
	thingName   string
	topics      topic.Topics
	debugTopic  string
	stepTimeout int
	pub         Publisher
	executor    Executor
	locker      lock.Locker
	logger      *slog.Logger
	state       *model.AgentState

	handleMu sync.Mutex // serializes HandleInbound

	leaseMu sync.Mutex
	lease   lock.Lease
}

var emptyRequest = []byte(`{}`)

func New(opts Options, pub Publisher) *JobAgent {
	if opts.Executor == nil {
		opts.Executor = NoopExecutor
	}
	if opts.Locker == nil {
		opts.Locker = lock.NewMemoryLocker()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.StepTimeoutMinutes <= 0 {
		opts.StepTimeoutMinutes = 5
	}
	return &JobAgent{
		thingName:   opts.ThingName,
		topics:      topic.New(opts.TopicPrefix, opts.ThingName),
		debugTopic:  opts.DebugTopic,
		stepTimeout: opts.StepTimeoutMinutes,
		pub:         pub,
		executor:    opts.Executor,
		locker:      opts.Locker,
		logger:      opts.Logger.With("thing_name", opts.ThingName),
		state:       model.NewAgentState(),
	}
}

type Status struct {
	ThingName string `json:"thing_name"`
	model.StateSnapshot
}

func (a *JobAgent) Status() Status {
	return Status{ThingName: a.thingName, StateSnapshot: a.state.Snapshot()}
}

func (a *JobAgent) Topics() topic.Topics { return a.topics }

// Start subscribes to the device's jobs topics and then asks for the next
// job right away instead of waiting for a notification. Only the
// subscription failure is returned; a failed start-next is logged.
func (a *JobAgent) Start(ctx context.Context, sub Subscriber) error {
	if err := sub.Subscribe(ctx, a.topics.SubscriptionFilter(), a.HandleInbound); err != nil {
		return fmt.Errorf("subscribe to jobs topics: %w", err)
	}
	if err := a.RequestNextJob(ctx); err != nil {
		a.logger.Warn("initial start-next request failed", "err", err)
	}
	return nil
}

// RequestNextJob publishes an empty start-next request. The answer arrives
// later as a separate inbound message.
func (a *JobAgent) RequestNextJob(ctx context.Context) error {
	if err := a.state.MarkRequested(); err != nil {
		return err
	}
	startNext := a.topics.StartNext()
	if err := a.pub.Publish(ctx, startNext, emptyRequest); err != nil {
		a.state.MarkQueueEmpty()
		return fmt.Errorf("publish start-next: %w", err)
	}
	if a.debugTopic != "" {
		if err := a.pub.Publish(ctx, a.debugTopic, emptyRequest); err != nil {
			a.logger.Warn("debug mirror publish failed", "topic", a.debugTopic, "err", err)
		}
	}
	a.logger.Info("requested next job", "topic", startNext)
	return nil
}

// HandleInbound is the transport callback. It never fails: every problem is
// logged and the message dropped, so later messages are always processed.
func (a *JobAgent) HandleInbound(ctx context.Context, topicName string, payload []byte) {
	a.handleMu.Lock()
	defer a.handleMu.Unlock()

	log := a.logger.With("topic", topicName, "trace_id", uuid.NewString())
	defer func() {
		if r := recover(); r != nil {
			log.Error("panic while handling message", "panic", r)
		}
	}()

	if topicName == "" {
		log.Error("dropping message", "err", common.ErrTopicUnavailable)
		return
	}

	route := a.topics.Classify(topicName)
	log.Debug("message received", "route", route.Kind.String(), "payload", string(payload))

	switch route.Kind {
	case topic.KindRejected:
		log.Warn("job command has been rejected", rejectionAttrs(payload)...)
	case topic.KindNotifyNext, topic.KindStartNextResponse:
		msg, err := decodeInbound(payload)
		if err != nil {
			log.Error("dropping message", "err", err)
			return
		}
		a.processJob(ctx, log, msg)
	case topic.KindStatusAck:
		log.Info("update accepted", "job_id", route.JobID, "token", route.Token)
	case topic.KindUnknown:
		log.Debug("ignoring message on unmatched topic")
	}
}

// rejectionAttrs falls back to the raw payload when it is not an error response.
func rejectionAttrs(payload []byte) []any {
	var resp model.ErrorResponse
	if err := json.Unmarshal(payload, &resp); err != nil || (resp.Code == "" && resp.Message == "") {
		return []any{"payload", string(payload)}
	}
	return []any{"code", resp.Code, "message", resp.Message}
}

func decodeInbound(payload []byte) (model.InboundMessage, error) {
	var msg model.InboundMessage
	if len(bytes.TrimSpace(payload)) == 0 {
		return msg, nil
	}
	if err := json.Unmarshal(payload, &msg); err != nil {
		return msg, fmt.Errorf("%v: %w", err, common.ErrMalformedPayload)
	}
	return msg, nil
}

func (a *JobAgent) processJob(ctx context.Context, log *slog.Logger, msg model.InboundMessage) {
	if !msg.HasJob() {
		if msg.Timestamp != nil {
			log.Info("there are no jobs", "at", msg.ReceivedAt().UTC().Format(time.ANSIC))
		} else {
			log.Info("there are no jobs")
		}
		a.state.MarkQueueEmpty()
		return
	}

	exec := *msg.Execution
	log = log.With("job_id", exec.JobID, "version", exec.VersionNumber, "execution_number", exec.ExecutionNumber)
	if exec.JobID == "" {
		log.Error("dropping execution", "err", fmt.Errorf("execution without jobId: %w", common.ErrMalformedPayload))
		return
	}
	if err := a.begin(ctx, exec.JobID); err != nil {
		log.Warn("job not started", "err", err)
		return
	}
	log.Info("job started")

	status := model.JobStatusSucceeded
	details, err := runExecutor(ctx, a.executor, exec)
	if err != nil {
		status = model.JobStatusFailed
		if errors.Is(err, common.ErrJobRejected) {
			status = model.JobStatusRejected
		}
		if details == nil {
			details = map[string]string{}
		}
		details["error"] = err.Error()
		log.Warn("job execution failed", "status", status, "err", err)
	}

	if err := a.ReportStatus(ctx, exec.JobID, exec, status, details); err != nil {
		log.Error("status update failed", "status", status, "err", err)
		return
	}
	log.Info("job finished", "status", status)
}

func (a *JobAgent) begin(ctx context.Context, jobID string) error {
	lease, err := a.locker.Acquire(ctx, jobID)
	if err != nil {
		return err
	}
	if err := a.state.Begin(jobID); err != nil {
		if relErr := lease.Release(ctx); relErr != nil {
			a.logger.Warn("release job lock failed", "job_id", jobID, "err", relErr)
		}
		return err
	}
	a.leaseMu.Lock()
	a.lease = lease
	a.leaseMu.Unlock()
	return nil
}

// ReportStatus publishes a status update for jobID. expectedVersion is the
// execution's versionNumber as received. A terminal status returns the agent
// to Idle even when the publish failed; IN_PROGRESS keeps the current job.
func (a *JobAgent) ReportStatus(ctx context.Context, jobID string, exec model.JobExecution, status model.JobStatus, details map[string]string) error {
	req := model.NewUpdateRequest(exec, status, details, a.stepTimeout)
	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshal %s update for job %s: %w", status, jobID, err)
	}

	if status.IsTerminal() {
		defer a.finish(ctx, jobID, status)
	}
	if err := a.pub.Publish(ctx, a.topics.Update(jobID), body); err != nil {
		return fmt.Errorf("publish %s update for job %s: %w", status, jobID, err)
	}
	return nil
}

func (a *JobAgent) finish(ctx context.Context, jobID string, status model.JobStatus) {
	if err := a.state.Finish(jobID, status); err != nil {
		a.logger.Warn("terminal status for a job that is not current", "job_id", jobID, "status", status, "err", err)
		return
	}

	a.leaseMu.Lock()
	lease := a.lease
	a.lease = nil
	a.leaseMu.Unlock()
	if lease == nil {
		return
	}
	if err := lease.Release(ctx); err != nil {
		a.logger.Warn("release job lock failed", "job_id", jobID, "err", err)
	}
}
