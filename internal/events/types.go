package events

import (
	"time"
)

// Event is anything published on the bus.
type Event interface {
	EventType() string
	Topic() string
	Run() string
}

// Topics
const (
	TopicRun   = "run"
	TopicStage = "stage"
	TopicTask  = "task"
	TopicLease = "lease"
	TopicCheck = "check"
)

// Event types
const (
	EventTypeRunStarted    = "run.started"
	EventTypeRunFinished   = "run.finished"
	EventTypeStageStarted  = "stage.started"
	EventTypeStageFinished = "stage.finished"
	EventTypeTaskStarted   = "task.started"
	EventTypeTaskRetrying  = "task.retrying"
	EventTypeTaskFinished  = "task.finished"
	EventTypeLeaseAcquired = "lease.acquired"
	EventTypeLeaseReleased = "lease.released"
	EventTypeCheckFinished = "check.finished"
)

// RunStartedEvent is published when a pipeline run begins.
type RunStartedEvent struct {
	RunID     string
	Stages    []string
	Timestamp time.Time
}

func (e RunStartedEvent) EventType() string { return EventTypeRunStarted }
func (e RunStartedEvent) Topic() string     { return TopicRun }
func (e RunStartedEvent) Run() string       { return e.RunID }

// RunFinishedEvent is published once per run, whatever the outcome.
type RunFinishedEvent struct {
	RunID       string
	State       string
	FailedStage string
	Err         error
	Duration    time.Duration
	Timestamp   time.Time
}

func (e RunFinishedEvent) EventType() string { return EventTypeRunFinished }
func (e RunFinishedEvent) Topic() string     { return TopicRun }
func (e RunFinishedEvent) Run() string       { return e.RunID }

// StageStartedEvent is published when the run enters a stage.
type StageStartedEvent struct {
	RunID     string
	Stage     string
	Tasks     []string
	Timestamp time.Time
}

func (e StageStartedEvent) EventType() string { return EventTypeStageStarted }
func (e StageStartedEvent) Topic() string     { return TopicStage }
func (e StageStartedEvent) Run() string       { return e.RunID }

// StageFinishedEvent is published when a stage completes or fails.
type StageFinishedEvent struct {
	RunID     string
	Stage     string
	Err       error
	Duration  time.Duration
	Timestamp time.Time
}

func (e StageFinishedEvent) EventType() string { return EventTypeStageFinished }
func (e StageFinishedEvent) Topic() string     { return TopicStage }
func (e StageFinishedEvent) Run() string       { return e.RunID }

// TaskStartedEvent is published before a task unit's first attempt.
type TaskStartedEvent struct {
	RunID     string
	Stage     string
	Task      string
	Timestamp time.Time
}

func (e TaskStartedEvent) EventType() string { return EventTypeTaskStarted }
func (e TaskStartedEvent) Topic() string     { return TopicTask }
func (e TaskStartedEvent) Run() string       { return e.RunID }

// TaskRetryingEvent is published after a failed attempt that will be retried.
type TaskRetryingEvent struct {
	RunID     string
	Stage     string
	Task      string
	Attempt   int
	Err       error
	Delay     time.Duration
	Timestamp time.Time
}

func (e TaskRetryingEvent) EventType() string { return EventTypeTaskRetrying }
func (e TaskRetryingEvent) Topic() string     { return TopicTask }
func (e TaskRetryingEvent) Run() string       { return e.RunID }

// TaskFinishedEvent is published when a task unit succeeds, is served from
// cache, or gives up.
type TaskFinishedEvent struct {
	RunID     string
	Stage     string
	Task      string
	Attempts  int
	Cached    bool
	Err       error
	Duration  time.Duration
	Timestamp time.Time
}

func (e TaskFinishedEvent) EventType() string { return EventTypeTaskFinished }
func (e TaskFinishedEvent) Topic() string     { return TopicTask }
func (e TaskFinishedEvent) Run() string       { return e.RunID }

// LeaseAcquiredEvent is published when a resource lease is ready.
type LeaseAcquiredEvent struct {
	RunID      string
	ResourceID string
	Waited     time.Duration
	Timestamp  time.Time
}

func (e LeaseAcquiredEvent) EventType() string { return EventTypeLeaseAcquired }
func (e LeaseAcquiredEvent) Topic() string     { return TopicLease }
func (e LeaseAcquiredEvent) Run() string       { return e.RunID }

// LeaseReleasedEvent is published after a lease is released. Err is the
// teardown failure, if any.
type LeaseReleasedEvent struct {
	RunID      string
	ResourceID string
	Held       time.Duration
	Err        error
	Timestamp  time.Time
}

func (e LeaseReleasedEvent) EventType() string { return EventTypeLeaseReleased }
func (e LeaseReleasedEvent) Topic() string     { return TopicLease }
func (e LeaseReleasedEvent) Run() string       { return e.RunID }

// CheckFinishedEvent carries one quality check result.
type CheckFinishedEvent struct {
	RunID     string
	Check     string
	Value     any
	Err       error
	Timestamp time.Time
}

func (e CheckFinishedEvent) EventType() string { return EventTypeCheckFinished }
func (e CheckFinishedEvent) Topic() string     { return TopicCheck }
func (e CheckFinishedEvent) Run() string       { return e.RunID }
