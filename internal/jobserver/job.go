// Package jobserver is the thin HTTP job façade (C8): upload, single-slot
// admission-controlled apply, status/SSE streaming, rollback, backup
// listing, and system info — wired over gin the way the teacher wires every
// other HTTP surface in this codebase.
package jobserver

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/serkankas/py-offline-updater/internal/backup"
	"github.com/serkankas/py-offline-updater/internal/bootstrap"
	"github.com/serkankas/py-offline-updater/internal/config"
	"github.com/serkankas/py-offline-updater/internal/docker"
	"github.com/serkankas/py-offline-updater/internal/engine"
	"github.com/serkankas/py-offline-updater/internal/manifest"
	"github.com/serkankas/py-offline-updater/internal/observability"
	"github.com/serkankas/py-offline-updater/internal/state"
)

// Status is the façade-level vocabulary, deliberately distinct from the
// engine's persisted state.Status.
type Status string

const (
	StatusPending    Status = "pending"
	StatusRunning    Status = "running"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusRolledBack Status = "rolled_back"
)

func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusRolledBack:
		return true
	default:
		return false
	}
}

// JobInfo is the wire-format snapshot of one job returned by status/SSE.
// Progress is the fraction of the manifest's actions completed so far (0
// before the action list is known, 1 once the job completes or is rolled
// back; a failed job keeps the last sampled value).
type JobInfo struct {
	JobID       string  `json:"job_id"`
	Status      Status  `json:"status"`
	Description string  `json:"description,omitempty"`
	PackageName string  `json:"package_name"`
	CreatedAt   string  `json:"created_at"`
	StartedAt   string  `json:"started_at,omitempty"`
	CompletedAt string  `json:"completed_at,omitempty"`
	Progress    float64 `json:"progress"`
	Error       string  `json:"error,omitempty"`
}

// job is the manager's internal record, a superset of JobInfo that also
// carries the ring-buffer log.
type job struct {
	mu   sync.RWMutex
	info JobInfo
	logs *ringBuffer
}

func (j *job) snapshot() JobInfo {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.info
}

func (j *job) update(fn func(*JobInfo)) {
	j.mu.Lock()
	defer j.mu.Unlock()
	fn(&j.info)
}

// ringBuffer is a bounded, append-only, mutex-guarded line buffer backing
// the SSE stream's "new log lines since last tick" semantics, and doubles
// as a zapcore.Core sink attached to the engine's logger for the job's
// duration.
type ringBuffer struct {
	mu      sync.Mutex
	lines   []string
	cap     int
	dropped int
}

func newRingBuffer(capacity int) *ringBuffer {
	return &ringBuffer{cap: capacity}
}

func (r *ringBuffer) Append(line string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lines = append(r.lines, line)
	if len(r.lines) > r.cap {
		r.dropped += len(r.lines) - r.cap
		r.lines = r.lines[len(r.lines)-r.cap:]
	}
}

// Since returns every retained line with index >= from, plus the new
// high-water mark. Indices count every line ever appended, so lines already
// evicted are skipped rather than shifting later indices.
func (r *ringBuffer) Since(from int) ([]string, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	total := r.dropped + len(r.lines)
	if from >= total {
		return nil, total
	}
	start := from - r.dropped
	if start < 0 {
		start = 0
	}
	out := make([]string, len(r.lines)-start)
	copy(out, r.lines[start:])
	return out, total
}

// ringBufferWriter adapts ringBuffer to io.Writer so it can back a zapcore
// core via zapcore.AddSync, splitting on newlines as zap writes one
// encoded record per Write call.
type ringBufferWriter struct{ rb *ringBuffer }

func (w ringBufferWriter) Write(p []byte) (int, error) {
	w.rb.Append(string(bytes.TrimRight(p, "\n")))
	return len(p), nil
}

func newJobCore(rb *ringBuffer) zapcore.Core {
	encoderCfg := zapcore.EncoderConfig{
		TimeKey:     "ts",
		LevelKey:    "level",
		MessageKey:  "msg",
		EncodeTime:  zapcore.ISO8601TimeEncoder,
		EncodeLevel: zapcore.LowercaseLevelEncoder,
		LineEnding:  zapcore.DefaultLineEnding,
	}
	return zapcore.NewCore(
		zapcore.NewJSONEncoder(encoderCfg),
		zapcore.AddSync(ringBufferWriter{rb: rb}),
		zapcore.DebugLevel,
	)
}

// Manager owns single-job admission and the one job slot's lifecycle.
type Manager struct {
	cfg     *config.Config
	docker  *docker.Client
	logger  *observability.Logger
	metrics *observability.Metrics

	busy    atomic.Bool
	mu      sync.RWMutex
	current *job
}

// NewManager builds a job Manager.
func NewManager(cfg *config.Config, dc *docker.Client, logger *observability.Logger, metrics *observability.Metrics) *Manager {
	return &Manager{cfg: cfg, docker: dc, logger: logger, metrics: metrics}
}

// ErrJobInProgress is returned by Submit when admission is rejected because
// another job already holds the single slot.
var ErrJobInProgress = fmt.Errorf("jobserver: a job is already running")

// Submit admits archivePath as a new job iff no job currently holds the
// slot, using a single atomic CAS rather than scanning a job map.
func (m *Manager) Submit(packageName, archivePath string) (*JobInfo, error) {
	if !m.busy.CompareAndSwap(false, true) {
		return nil, ErrJobInProgress
	}

	now := time.Now().UTC().Format(time.RFC3339)
	j := &job{
		info: JobInfo{
			JobID:       newJobID(),
			Status:      StatusPending,
			PackageName: packageName,
			CreatedAt:   now,
		},
		logs: newRingBuffer(2000),
	}

	m.mu.Lock()
	m.current = j
	m.mu.Unlock()

	go m.run(j, archivePath)

	info := j.snapshot()
	return &info, nil
}

func (m *Manager) run(j *job, archivePath string) {
	defer m.busy.Store(false)
	if m.metrics != nil {
		m.metrics.SetActiveJob(true)
		defer m.metrics.SetActiveJob(false)
	}

	j.update(func(i *JobInfo) {
		i.Status = StatusRunning
		i.StartedAt = time.Now().UTC().Format(time.RFC3339)
	})

	jobLogger := &observability.Logger{Logger: m.logger.WithOptions(zap.WrapCore(func(c zapcore.Core) zapcore.Core {
		return zapcore.NewTee(c, newJobCore(j.logs))
	}))}

	bk, err := backup.NewStore(m.cfg.BackupDir, jobLogger, m.metrics)
	if err != nil {
		m.fail(j, err)
		return
	}

	bt := bootstrap.New(m.cfg, m.docker, jobLogger, m.metrics)
	ctx := context.Background()

	extracted, err := bt.Run(ctx, archivePath, func() bootstrap.ResumeDecision {
		return resumeDecisionFor(m.cfg.OnIncomplete)
	})
	if err != nil {
		m.fail(j, err)
		return
	}

	totalActions := countManifestActions(extracted)
	stopProgress := make(chan struct{})
	go m.pollProgress(j, totalActions, stopProgress)

	phase, err := bt.HandOff(ctx, extracted, bk)
	close(stopProgress)

	switch phase {
	case engine.PhaseComplete:
		j.update(func(i *JobInfo) {
			i.Status = StatusCompleted
			i.CompletedAt = time.Now().UTC().Format(time.RFC3339)
			i.Progress = 1
		})
	case engine.PhaseRolledBack:
		j.update(func(i *JobInfo) {
			i.Status = StatusRolledBack
			i.CompletedAt = time.Now().UTC().Format(time.RFC3339)
			i.Progress = 1
			if err != nil {
				i.Error = err.Error()
			}
		})
	default:
		m.fail(j, err)
	}
}

// pollProgress samples the persisted state file once a second and
// publishes completed/total as the job's progress fraction, until
// stop is closed. Run as a goroutine alongside the blocking engine
// handoff, since the engine itself only persists progress, never reports it.
func (m *Manager) pollProgress(j *job, totalActions int, stop <-chan struct{}) {
	if totalActions <= 0 {
		return
	}

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	st := state.NewStore(m.cfg.StateFile, nil)
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			current, err := st.Load()
			if err != nil || current == nil {
				continue
			}
			j.update(func(i *JobInfo) {
				i.Progress = float64(len(current.CompletedActions)) / float64(totalActions)
			})
		}
	}
}

func countManifestActions(extractedDir string) int {
	data, err := os.ReadFile(filepath.Join(extractedDir, "manifest.yml"))
	if err != nil {
		return 0
	}
	m, err := manifest.Parse(data)
	if err != nil {
		return 0
	}
	return len(m.Actions)
}

func resumeDecisionFor(policy config.OnIncomplete) bootstrap.ResumeDecision {
	if policy == config.OnIncompleteRollback {
		return bootstrap.DecisionRollback
	}
	return bootstrap.DecisionContinue
}

func (m *Manager) fail(j *job, err error) {
	j.update(func(i *JobInfo) {
		i.Status = StatusFailed
		i.CompletedAt = time.Now().UTC().Format(time.RFC3339)
		if err != nil {
			i.Error = err.Error()
		}
	})
}

// Get returns the job by ID, or nil if unknown (only the most recent job
// is ever retained, matching the single-slot model).
func (m *Manager) Get(jobID string) *job {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.current == nil || m.current.info.JobID != jobID {
		return nil
	}
	return m.current
}

// Rollback rejects a jobID that is not the façade's single most recent job,
// then rolls back whatever job the state file last recorded.
func (m *Manager) Rollback(ctx context.Context, jobID string) error {
	if j := m.Get(jobID); j == nil {
		return fmt.Errorf("jobserver: unknown job %s", jobID)
	}

	bt := bootstrap.New(m.cfg, m.docker, m.logger, m.metrics)
	return bt.RollbackCurrent(ctx)
}

var jobIDCounter atomic.Uint64

func newJobID() string {
	return fmt.Sprintf("job-%d-%d", time.Now().UnixNano(), jobIDCounter.Add(1))
}
