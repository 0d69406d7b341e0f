package orchestrator

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/harvestbot/api/schemas"
	"github.com/xkilldash9x/harvestbot/internal/agent"
	"github.com/xkilldash9x/harvestbot/internal/packaging"
)

// job is the lease behind a session from PREPARING onward: its context, the
// job slot, the job directory and the agent. Close releases all of them
// exactly once, whichever path gets there first.
type job struct {
	ctx       context.Context
	cancel    context.CancelFunc
	startedAt time.Time
	params    schemas.JobParameters
	remover   *packaging.Remover
	logger    *zap.Logger
	// stopWait bounds how long Close waits for running steps to return.
	stopWait time.Duration

	mu          sync.Mutex
	closed      bool
	active      int
	idle        chan struct{}
	releaseSlot func()
	paths       jobPaths
	agent       agent.Agent
	report      schemas.JobReport

	closeOnce sync.Once
	concluded atomic.Bool
}

// enter registers a running step. Close waits for every registered step to
// call leave before it frees the slot and deletes the job directory. ok is
// false once the job is closed; the step must not run then.
func (j *job) enter() (leave func(), ok bool) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return nil, false
	}
	if j.active == 0 {
		j.idle = make(chan struct{})
	}
	j.active++
	var once sync.Once
	return func() {
		once.Do(func() {
			j.mu.Lock()
			defer j.mu.Unlock()
			j.active--
			if j.active == 0 {
				close(j.idle)
			}
		})
	}, true
}

// awaitSteps blocks until idle is closed or stopWait runs out.
func (j *job) awaitSteps(idle <-chan struct{}) {
	if idle == nil {
		return
	}
	timer := time.NewTimer(j.stopWait)
	defer timer.Stop()
	select {
	case <-idle:
	case <-timer.C:
		j.logger.Warn("Job step still running after cancellation, releasing resources anyway.",
			zap.Duration("waited", j.stopWait))
	}
}

// setSlot hands the job its semaphore release. It returns false, after
// releasing the slot itself, if the job was closed in the meantime.
func (j *job) setSlot(release func()) bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		release()
		return false
	}
	j.releaseSlot = release
	return true
}

// jobPaths is where a job keeps its files. dir and archive are owned by the
// job; the two parents are shared with the user's other jobs.
type jobPaths struct {
	userRoot  string
	moduleDir string
	dir       string
	archive   string
}

// setPaths records the paths Close must delete.
func (j *job) setPaths(p jobPaths) bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return false
	}
	j.paths = p
	return true
}

// setAgent hands the job its agent. A closed job releases it immediately.
func (j *job) setAgent(ag agent.Agent) bool {
	j.mu.Lock()
	if j.closed {
		j.mu.Unlock()
		if err := ag.Release(); err != nil {
			j.logger.Warn("Failed to release late agent.", zap.Error(err))
		}
		return false
	}
	j.agent = ag
	j.mu.Unlock()
	return true
}

func (j *job) workspace() (jobPaths, agent.Agent) {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.paths, j.agent
}

func (j *job) setReport(r schemas.JobReport) {
	j.mu.Lock()
	j.report = r
	j.mu.Unlock()
}

func (j *job) lastReport() schemas.JobReport {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.report
}

// Close cancels the job context and waits for running steps to return. It
// then shuts the browser down, frees the job slot and deletes the job
// directory and archive. Errors are logged only. Close must not be called
// from inside a step.
func (j *job) Close() {
	j.closeOnce.Do(func() {
		j.cancel()

		j.mu.Lock()
		j.closed = true
		var idle chan struct{}
		if j.active > 0 {
			idle = j.idle
		}
		j.mu.Unlock()

		j.awaitSteps(idle)

		j.mu.Lock()
		ag, release, paths := j.agent, j.releaseSlot, j.paths
		j.agent, j.releaseSlot = nil, nil
		j.mu.Unlock()

		if ag != nil {
			if err := ag.Release(); err != nil {
				j.logger.Warn("Failed to release agent.", zap.Error(err))
			}
		}
		if release != nil {
			release()
		}
		if paths.dir != "" {
			j.remover.Remove(paths.dir, paths.archive)
			j.remover.Prune(paths.moduleDir, paths.userRoot)
		}
		j.logger.Debug("Job resources released.")
	})
}
