package api

import (
	"context"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// Job states reported to clients.
const (
	StatusStarted        = "started"
	StatusAlreadyRunning = "already_running"
	StatusRunning        = "running"
	StatusIdle           = "idle"
)

// JobStatus describes a background job.
type JobStatus struct {
	Status     string     `json:"status"`
	Message    string     `json:"message"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	LastError  string     `json:"last_error,omitempty"`
	LastResult any        `json:"last_result,omitempty"`
}

// job is a single-flight background task.
type job struct {
	name string

	mu         sync.Mutex
	running    bool
	startedAt  time.Time
	finishedAt time.Time
	lastErr    error
	lastResult any
}

// start launches fn unless the job is already running.
func (j *job) start(ctx context.Context, fn func(context.Context) (any, error)) bool {
	j.mu.Lock()
	if j.running {
		j.mu.Unlock()
		return false
	}
	j.running = true
	j.startedAt = time.Now().UTC()
	j.mu.Unlock()

	go func() {
		log := zap.L().With(zap.String("component", "api"), zap.String("job", j.name))
		log.Info("background job started")

		res, err := j.safeRun(ctx, fn)

		j.mu.Lock()
		j.running = false
		j.finishedAt = time.Now().UTC()
		j.lastErr = err
		j.lastResult = res
		j.mu.Unlock()

		if err != nil {
			log.Error("background job failed", zap.Error(err))
			return
		}
		log.Info("background job finished")
	}()
	return true
}

func (j *job) safeRun(ctx context.Context, fn func(context.Context) (any, error)) (res any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = eris.Errorf("api: %s panicked: %v", j.name, r)
		}
	}()
	return fn(ctx)
}

func (j *job) status() JobStatus {
	j.mu.Lock()
	defer j.mu.Unlock()

	st := JobStatus{Status: StatusIdle, Message: j.name + " idle"}
	if j.running {
		st.Status = StatusRunning
		st.Message = j.name + " running"
	}
	if !j.startedAt.IsZero() {
		t := j.startedAt
		st.StartedAt = &t
	}
	if !j.finishedAt.IsZero() {
		t := j.finishedAt
		st.FinishedAt = &t
		st.LastResult = j.lastResult
		if j.lastErr != nil {
			st.LastError = j.lastErr.Error()
		}
	}
	return st
}
