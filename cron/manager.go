package cron

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/saiset-co/sai-offline/types"
)

type State int32

const (
	StateStopped State = iota
	StateRunning
	StateStopping
)

type Job func(ctx context.Context) error

type JobInfo struct {
	Name      string    `json:"name"`
	Spec      string    `json:"spec"`
	NextRun   time.Time `json:"next_run"`
	LastRun   time.Time `json:"last_run,omitempty"`
	LastError string    `json:"last_error,omitempty"`
	Runs      int64     `json:"runs"`
}

type jobEntry struct {
	id   cron.EntryID
	info JobInfo
}

// Manager runs named jobs on second-resolution cron specs. A job that is
// still running when its next tick fires is skipped.
type Manager struct {
	ctx             context.Context
	cancel          context.CancelFunc
	logger          types.Logger
	metrics         types.MetricsManager
	cron            *cron.Cron
	jobs            map[string]*jobEntry
	state           atomic.Value
	mu              sync.RWMutex
	shutdownTimeout time.Duration
	jobTimeout      time.Duration
}

func NewManager(ctx context.Context, logger types.Logger, metrics types.MetricsManager, config *types.CronConfig) *Manager {
	timezone := time.UTC
	if config != nil && config.Timezone != "" {
		if loc, err := time.LoadLocation(config.Timezone); err == nil {
			timezone = loc
		} else {
			logger.Warn("Unknown cron timezone, using UTC",
				zap.String("timezone", config.Timezone),
				zap.Error(err))
		}
	}

	cronL := safeCronLogger{logger: logger}

	managerCtx, cancel := context.WithCancel(ctx)

	m := &Manager{
		ctx:     managerCtx,
		cancel:  cancel,
		logger:  logger,
		metrics: metrics,
		cron: cron.New(
			cron.WithLocation(timezone),
			cron.WithSeconds(),
			cron.WithChain(cron.Recover(cronL), cron.SkipIfStillRunning(cronL)),
		),
		jobs:            make(map[string]*jobEntry),
		shutdownTimeout: 10 * time.Second,
		jobTimeout:      10 * time.Minute,
	}
	m.state.Store(StateStopped)

	return m
}

func (m *Manager) Add(name, spec string, job Job) error {
	if name == "" {
		return types.ErrCronJobNameIsEmpty
	}
	if spec == "" {
		return types.ErrCronExpressionInvalid
	}
	if job == nil {
		return types.ErrCronJobIsNil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.jobs[name]; exists {
		return types.Errorf(types.ErrCronJobExists, "job: %s", name)
	}

	id, err := m.cron.AddFunc(spec, m.wrapJob(name, job))
	if err != nil {
		return types.Errorf(types.ErrCronExpressionInvalid, "%s: %v", spec, err)
	}

	m.jobs[name] = &jobEntry{id: id, info: JobInfo{Name: name, Spec: spec}}

	m.logger.Info("Cron job added",
		zap.String("job_name", name),
		zap.String("spec", spec))

	return nil
}

// Run executes a registered job immediately, outside its schedule.
func (m *Manager) Run(name string) error {
	m.mu.RLock()
	entry, exists := m.jobs[name]
	m.mu.RUnlock()

	if !exists {
		return types.Errorf(types.ErrInvalidParameter, "unknown job %s", name)
	}

	m.cron.Entry(entry.id).WrappedJob.Run()
	return nil
}

func (m *Manager) Jobs() []JobInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()

	list := make([]JobInfo, 0, len(m.jobs))
	for _, entry := range m.jobs {
		info := entry.info
		info.NextRun = m.cron.Entry(entry.id).Next
		list = append(list, info)
	}

	sort.Slice(list, func(i, j int) bool { return list[i].Name < list[j].Name })
	return list
}

func (m *Manager) Start() error {
	if !m.state.CompareAndSwap(StateStopped, StateRunning) {
		return types.ErrServerAlreadyRunning
	}

	m.cron.Start()
	m.logger.Info("Cron manager started", zap.Int("jobs", len(m.Jobs())))
	return nil
}

func (m *Manager) Stop() error {
	if !m.state.CompareAndSwap(StateRunning, StateStopping) {
		return types.ErrServerNotRunning
	}
	defer m.state.Store(StateStopped)

	m.cancel()
	stopCtx := m.cron.Stop()

	select {
	case <-stopCtx.Done():
		m.logger.Info("Cron scheduler stopped gracefully")
	case <-time.After(m.shutdownTimeout):
		m.logger.Warn("Cron manager stop timeout, some jobs may still be running")
	}

	return nil
}

func (m *Manager) IsRunning() bool {
	return m.state.Load().(State) == StateRunning
}

func (m *Manager) wrapJob(name string, job Job) func() {
	return func() {
		if m.ctx.Err() != nil {
			m.logger.Info("Job skipped due to shutdown", zap.String("job_name", name))
			return
		}

		start := time.Now()
		m.logger.Debug("Cron job started", zap.String("job_name", name))

		ctx, cancel := context.WithTimeout(m.ctx, m.jobTimeout)
		defer cancel()

		err := job(ctx)
		duration := time.Since(start)

		m.mu.Lock()
		if entry, exists := m.jobs[name]; exists {
			entry.info.LastRun = start
			entry.info.Runs++
			entry.info.LastError = ""
			if err != nil {
				entry.info.LastError = err.Error()
			}
		}
		m.mu.Unlock()

		result := "success"
		if err != nil {
			result = "error"
		}

		m.metrics.Counter("cron_job_executions_total", map[string]string{
			"job":    name,
			"result": result,
		}).Inc()
		m.metrics.Histogram("cron_job_duration_seconds",
			[]float64{0.01, 0.1, 1, 10, 60},
			map[string]string{"job": name},
		).Observe(duration.Seconds())

		if err != nil {
			m.logger.Error("Cron job failed",
				zap.String("job_name", name),
				zap.Duration("duration", duration),
				zap.Error(err))
			return
		}

		m.logger.Debug("Cron job completed",
			zap.String("job_name", name),
			zap.Duration("duration", duration))
	}
}

type safeCronLogger struct {
	logger types.Logger
}

func (l safeCronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug(msg, cronFields(keysAndValues)...)
}

func (l safeCronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error(msg, append(cronFields(keysAndValues), zap.Error(err))...)
}

func cronFields(keysAndValues []interface{}) []zap.Field {
	fields := make([]zap.Field, 0, len(keysAndValues)/2)
	for i := 0; i+1 < len(keysAndValues); i += 2 {
		key, ok := keysAndValues[i].(string)
		if !ok {
			key = fmt.Sprint(keysAndValues[i])
		}
		fields = append(fields, zap.Any(key, keysAndValues[i+1]))
	}
	return fields
}
