// Package monitor schedules periodic metric collection for performance
// monitoring jobs, buffers the samples, and closes reporting windows into
// immutable performance reports.
package monitor

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ocloudd/ocloudd/pkg/core"
	"github.com/ocloudd/ocloudd/pkg/stores"
	"github.com/ocloudd/ocloudd/pkg/telemetry"
)

// Collector produces one metric value for one object. Implementations live
// with whatever owns the object (the deployment supervisor for DMS scope).
type Collector interface {
	Collect(ctx context.Context, objectID, metric string) (float64, error)
}

// CollectorFunc adapts a function to the Collector interface.
type CollectorFunc func(ctx context.Context, objectID, metric string) (float64, error)

func (f CollectorFunc) Collect(ctx context.Context, objectID, metric string) (float64, error) {
	return f(ctx, objectID, metric)
}

// SampleSink receives every collected sample as it is taken. The alarm
// evaluator sits behind this.
type SampleSink interface {
	Ingest(ctx context.Context, sample core.Sample)
}

// ReportSender delivers a finished report to a job's callback URI.
type ReportSender interface {
	SendReport(ctx context.Context, callbackURI string, report *core.PerformanceReport) error
}

// Options tunes the scheduler.
type Options struct {
	// DeliveryAttempts is the per-report delivery retry ceiling.
	DeliveryAttempts int

	// DeliveryBackoffBase is the base delay between delivery retries.
	DeliveryBackoffBase time.Duration
}

func (o *Options) applyDefaults() {
	if o.DeliveryAttempts <= 0 {
		o.DeliveryAttempts = 3
	}
	if o.DeliveryBackoffBase <= 0 {
		o.DeliveryBackoffBase = 5 * time.Second
	}
}

// jobState is the in-memory side of one monitoring job.
type jobState struct {
	job         *core.MonitoringJob
	buffer      []core.Sample
	windowStart time.Time
}

// Scheduler drives metric collection off a single timer heap. All timer
// processing happens in Tick, which the background loop calls with the
// wall clock; tests call it directly with synthetic times.
type Scheduler struct {
	store     stores.Store
	collector Collector
	sink      SampleSink
	sender    ReportSender
	publisher core.Publisher
	logger    *telemetry.Logger
	metrics   *telemetry.Metrics
	tracer    *telemetry.Tracer
	opts      Options

	mu    sync.Mutex
	queue timerQueue
	jobs  map[string]*jobState
	wake  chan struct{}

	done chan struct{}
	wg   sync.WaitGroup
}

// NewScheduler creates a scheduler and restores persisted monitoring jobs
// onto the timer heap.
func NewScheduler(ctx context.Context, store stores.Store, collector Collector, sink SampleSink,
	sender ReportSender, publisher core.Publisher, logger *telemetry.Logger,
	metrics *telemetry.Metrics, tracer *telemetry.Tracer, opts Options) (*Scheduler, error) {

	opts.applyDefaults()
	s := &Scheduler{
		store:     store,
		collector: collector,
		sink:      sink,
		sender:    sender,
		publisher: publisher,
		logger:    logger.NewComponentLogger("monitor"),
		metrics:   metrics,
		tracer:    tracer,
		opts:      opts,
		jobs:      make(map[string]*jobState),
		wake:      make(chan struct{}, 1),
		done:      make(chan struct{}),
	}

	persisted, err := store.ListMonitoringJobs(ctx)
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	for _, job := range persisted {
		s.track(job, now)
	}
	return s, nil
}

// track registers a job in memory and schedules its timers. Caller must
// not hold s.mu.
func (s *Scheduler) track(job *core.MonitoringJob, now time.Time) {
	windowStart := job.CreatedAt
	if job.LastReportAt != nil {
		windowStart = *job.LastReportAt
	}

	s.mu.Lock()
	s.jobs[job.ID] = &jobState{
		job:         job,
		windowStart: windowStart,
	}
	s.queue.push(&timerEntry{at: now.Add(job.CollectionInterval), jobID: job.ID, kind: kindCollect})
	s.queue.push(&timerEntry{at: windowStart.Add(job.ReportingPeriod), jobID: job.ID, kind: kindReport})
	s.mu.Unlock()
	s.kick()
}

func (s *Scheduler) kick() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// CreateJob validates, persists, and schedules a new monitoring job.
func (s *Scheduler) CreateJob(ctx context.Context, job *core.MonitoringJob) (*core.MonitoringJob, error) {
	if job.CollectionInterval <= 0 {
		return nil, core.NewValidationError("collection interval must be positive", nil).
			WithOperation("create_monitoring_job")
	}
	if job.ReportingPeriod < job.CollectionInterval {
		return nil, core.NewValidationError(
			"reporting period must be at least the collection interval", nil).
			WithOperation("create_monitoring_job")
	}
	if len(job.ObjectIDs) == 0 {
		return nil, core.NewValidationError("at least one object is required", nil).
			WithOperation("create_monitoring_job")
	}
	if len(job.Metrics) == 0 {
		return nil, core.NewValidationError("at least one metric is required", nil).
			WithOperation("create_monitoring_job")
	}
	switch job.Scope {
	case core.ScopeIMS, core.ScopeDMS:
	default:
		return nil, core.NewValidationError("unknown monitoring scope", nil).
			WithOperation("create_monitoring_job")
	}

	if job.ID == "" {
		job.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	job.State = core.MonitoringEnabled
	job.CreatedAt = now
	job.UpdatedAt = now
	if err := s.store.CreateMonitoringJob(ctx, job); err != nil {
		return nil, err
	}

	s.track(job, now)
	s.logger.WithJobID(job.ID).
		Infof("monitoring %d objects every %s, reporting every %s",
			len(job.ObjectIDs), job.CollectionInterval, job.ReportingPeriod)
	return job, nil
}

// GetJob retrieves a monitoring job.
func (s *Scheduler) GetJob(ctx context.Context, id string) (*core.MonitoringJob, error) {
	return s.store.GetMonitoringJob(ctx, id)
}

// ListJobs lists monitoring jobs.
func (s *Scheduler) ListJobs(ctx context.Context) ([]*core.MonitoringJob, error) {
	return s.store.ListMonitoringJobs(ctx)
}

// SetState enables or disables a job's ticks. Disabling keeps the buffered
// samples; they flush when the job is re-enabled and its window closes.
func (s *Scheduler) SetState(ctx context.Context, id string, state core.MonitoringState) error {
	if err := s.store.UpdateMonitoringJobState(ctx, id, state); err != nil {
		return err
	}

	s.mu.Lock()
	if st, ok := s.jobs[id]; ok {
		st.job.State = state
	}
	s.mu.Unlock()
	s.logger.WithJobID(id).Infof("monitoring job %s", state)
	return nil
}

// DeleteJob removes a job, its timers, and (via cascade) its reports.
func (s *Scheduler) DeleteJob(ctx context.Context, id string) error {
	if err := s.store.DeleteMonitoringJob(ctx, id); err != nil {
		return err
	}

	s.mu.Lock()
	delete(s.jobs, id)
	s.queue.dropJob(id)
	s.mu.Unlock()
	return nil
}

// GetReport retrieves a report by ID.
func (s *Scheduler) GetReport(ctx context.Context, id string) (*core.PerformanceReport, error) {
	return s.store.GetReport(ctx, id)
}

// ListReports lists a job's reports oldest-first.
func (s *Scheduler) ListReports(ctx context.Context, jobID string) ([]*core.PerformanceReport, error) {
	return s.store.ListReportsByJob(ctx, jobID)
}

// Tick fires every timer entry due at now. Collection appends to the
// job's buffer and forwards each sample to the sink; report entries
// close the window into an immutable report. Timer processing itself is
// synchronous, but report deliveries run on their own goroutines so one
// job's slow callback cannot hold up another job's collection tick.
func (s *Scheduler) Tick(ctx context.Context, now time.Time) {
	for {
		s.mu.Lock()
		entry := s.queue.popDue(now)
		s.mu.Unlock()
		if entry == nil {
			return
		}

		switch entry.kind {
		case kindCollect:
			s.fireCollect(ctx, entry, now)
		case kindReport:
			s.fireReport(ctx, entry, now)
		case kindRetry:
			s.fireRetry(ctx, entry, now)
		}
	}
}

func (s *Scheduler) fireCollect(ctx context.Context, entry *timerEntry, now time.Time) {
	s.mu.Lock()
	st, ok := s.jobs[entry.jobID]
	if !ok {
		s.mu.Unlock()
		return
	}
	job := st.job
	enabled := job.State == core.MonitoringEnabled
	// Next collection is scheduled regardless of state so a re-enabled job
	// resumes without repair.
	s.queue.push(&timerEntry{at: now.Add(job.CollectionInterval), jobID: job.ID, kind: kindCollect})
	s.mu.Unlock()

	if !enabled {
		return
	}

	ctx, span := s.tracer.StartCollectionSpan(ctx, job.ID)
	defer span.End()

	s.metrics.RecordCollectionTick(job.ID)
	for _, objectID := range job.ObjectIDs {
		for _, metric := range job.Metrics {
			value, err := s.collector.Collect(ctx, objectID, metric)
			if err != nil {
				s.logger.WithJobID(job.ID).WithError(err).
					Debugf("collection failed for %s/%s", objectID, metric)
				continue
			}

			sample := core.Sample{
				ObjectID:  objectID,
				Metric:    metric,
				Value:     value,
				Timestamp: now,
			}

			s.mu.Lock()
			st.buffer = append(st.buffer, sample)
			s.mu.Unlock()

			s.sink.Ingest(ctx, sample)
		}
	}
}

func (s *Scheduler) fireReport(ctx context.Context, entry *timerEntry, now time.Time) {
	s.mu.Lock()
	st, ok := s.jobs[entry.jobID]
	if !ok {
		s.mu.Unlock()
		return
	}
	job := st.job
	enabled := job.State == core.MonitoringEnabled
	s.queue.push(&timerEntry{at: now.Add(job.ReportingPeriod), jobID: job.ID, kind: kindReport})

	var report *core.PerformanceReport
	if enabled {
		entries := st.buffer
		st.buffer = nil
		report = &core.PerformanceReport{
			ID:          uuid.New().String(),
			JobID:       job.ID,
			WindowStart: st.windowStart,
			WindowEnd:   now,
			Entries:     entries,
			CreatedAt:   now,
		}
		st.windowStart = now
	}
	s.mu.Unlock()

	if report == nil {
		return
	}

	if err := s.store.CreateReport(ctx, report); err != nil {
		s.logger.WithJobID(job.ID).WithError(err).Error("failed to persist report")
		return
	}
	if err := s.store.UpdateMonitoringJobLastReport(ctx, job.ID, now); err != nil {
		s.logger.WithJobID(job.ID).WithError(err).Error("failed to record report time")
	}
	s.metrics.RecordReportGenerated(job.ID)
	s.logger.WithJobID(job.ID).
		Debugf("closed reporting window with %d samples", len(report.Entries))

	if err := s.publisher.Publish(ctx, &core.Event{
		Category: core.CategoryReport,
		Type:     "report.ready",
		ObjectID: report.ID,
		Data:     map[string]any{"job_id": job.ID},
	}); err != nil {
		s.logger.WithJobID(job.ID).WithError(err).Warn("failed to publish report event")
	}

	if job.CallbackURI != "" {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.attemptDelivery(ctx, job, report, 0, now)
		}()
	}
}

func (s *Scheduler) fireRetry(ctx context.Context, entry *timerEntry, now time.Time) {
	s.mu.Lock()
	st, ok := s.jobs[entry.jobID]
	var job *core.MonitoringJob
	if ok {
		job = st.job
	}
	s.mu.Unlock()
	if job == nil {
		return
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		report, err := s.store.GetReport(ctx, entry.report)
		if err != nil {
			s.logger.WithJobID(job.ID).WithError(err).Warn("retry for missing report dropped")
			return
		}
		s.attemptDelivery(ctx, job, report, entry.attempt, now)
	}()
}

// attemptDelivery tries one report delivery. On failure the retry is
// pushed back onto the heap; the report itself is already persisted and
// retained either way.
func (s *Scheduler) attemptDelivery(ctx context.Context, job *core.MonitoringJob, report *core.PerformanceReport, attempt int, now time.Time) {
	err := s.sender.SendReport(ctx, job.CallbackURI, report)
	if err == nil {
		s.metrics.RecordReportDelivery("delivered")
		return
	}

	s.metrics.RecordReportDelivery("failed")
	if attempt+1 >= s.opts.DeliveryAttempts {
		s.logger.WithJobID(job.ID).WithError(err).
			Warnf("report %s delivery abandoned after %d attempts", report.ID, attempt+1)
		return
	}

	delay := s.opts.DeliveryBackoffBase * time.Duration(math.Pow(2, float64(attempt)))
	if delay > time.Minute {
		delay = time.Minute
	}

	s.mu.Lock()
	s.queue.push(&timerEntry{
		at:      now.Add(delay),
		jobID:   job.ID,
		kind:    kindRetry,
		attempt: attempt + 1,
		report:  report.ID,
	})
	s.mu.Unlock()
	s.kick()

	s.logger.WithJobID(job.ID).WithError(err).
		Debugf("report %s delivery attempt %d failed, retrying in %s", report.ID, attempt+1, delay)
}

// Run drives Tick off the wall clock until the context is canceled.
func (s *Scheduler) Run(ctx context.Context) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for {
			s.mu.Lock()
			next, ok := s.queue.next()
			s.mu.Unlock()

			var wait time.Duration
			if !ok {
				wait = time.Second
			} else {
				wait = time.Until(next)
				if wait < 0 {
					wait = 0
				}
			}

			timer := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				timer.Stop()
				return
			case <-s.done:
				timer.Stop()
				return
			case <-s.wake:
				timer.Stop()
			case <-timer.C:
				s.Tick(ctx, time.Now().UTC())
			}
		}
	}()
}

// Shutdown stops the timer loop and waits for it, bounded by ctx.
func (s *Scheduler) Shutdown(ctx context.Context) error {
	close(s.done)

	finished := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(finished)
	}()

	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("monitor shutdown timed out: %w", ctx.Err())
	}
}
