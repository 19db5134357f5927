package deploy

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ocloudd/ocloudd/pkg/core"
	"github.com/ocloudd/ocloudd/pkg/jobs"
	"github.com/ocloudd/ocloudd/pkg/stores"
	"github.com/ocloudd/ocloudd/pkg/telemetry"
)

// FaultReporter raises and clears workload liveness alarms. The alarm
// evaluator sits behind this.
type FaultReporter interface {
	RaiseResourceDown(ctx context.Context, targetID, cause string) error
	ClearResourceDown(ctx context.Context, targetID string) error
}

// Options tunes the supervisor.
type Options struct {
	// SpawnTimeout bounds workload startup.
	SpawnTimeout time.Duration

	// GracePeriod is how long a terminating workload gets between SIGTERM
	// and SIGKILL.
	GracePeriod time.Duration

	// HeartbeatInterval is how often running workloads are liveness-checked.
	HeartbeatInterval time.Duration

	// LogDir is where workload logs are written.
	LogDir string
}

func (o *Options) applyDefaults() {
	if o.SpawnTimeout <= 0 {
		o.SpawnTimeout = 30 * time.Second
	}
	if o.GracePeriod <= 0 {
		o.GracePeriod = 10 * time.Second
	}
	if o.HeartbeatInterval <= 0 {
		o.HeartbeatInterval = 10 * time.Second
	}
	if o.LogDir == "" {
		o.LogDir = "logs"
	}
}

// DeployRequest describes a workload to deploy.
type DeployRequest struct {
	Name           string
	Type           string
	ResourcePoolID string
	ConfigPath     string
	Command        []string
}

// Supervisor owns the deployment lifecycle. Operations on the same
// deployment are serialized; Deploy itself returns immediately and runs
// the spawn asynchronously under a pollable job.
type Supervisor struct {
	store     stores.Store
	backend   Backend
	jobs      *jobs.Tracker
	faults    FaultReporter
	publisher core.Publisher
	logger    *telemetry.Logger
	metrics   *telemetry.Metrics
	tracer    *telemetry.Tracer
	opts      Options

	mu      sync.Mutex
	handles map[string]*Handle
	cancels map[string]context.CancelFunc
	locks   map[string]*sync.Mutex

	done chan struct{}
	wg   sync.WaitGroup
}

// NewSupervisor creates a supervisor over the given backend.
func NewSupervisor(store stores.Store, backend Backend, tracker *jobs.Tracker,
	faults FaultReporter, publisher core.Publisher, logger *telemetry.Logger,
	metrics *telemetry.Metrics, tracer *telemetry.Tracer, opts Options) *Supervisor {

	opts.applyDefaults()
	return &Supervisor{
		store:     store,
		backend:   backend,
		jobs:      tracker,
		faults:    faults,
		publisher: publisher,
		logger:    logger.NewComponentLogger("deploy"),
		metrics:   metrics,
		tracer:    tracer,
		opts:      opts,
		handles:   make(map[string]*Handle),
		cancels:   make(map[string]context.CancelFunc),
		locks:     make(map[string]*sync.Mutex),
		done:      make(chan struct{}),
	}
}

// lockFor returns the per-deployment mutex, creating it on first use.
func (s *Supervisor) lockFor(id string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[id]
	if !ok {
		l = &sync.Mutex{}
		s.locks[id] = l
	}
	return l
}

// Deploy validates the request, records the deployment as pending, and
// spawns the workload asynchronously. The returned job tracks progress.
func (s *Supervisor) Deploy(ctx context.Context, req DeployRequest) (*core.Deployment, *core.Job, error) {
	if req.Name == "" {
		return nil, nil, core.NewValidationError("deployment name is required", nil).
			WithOperation("deploy")
	}
	if req.Type == "" {
		return nil, nil, core.NewValidationError("deployment type is required", nil).
			WithOperation("deploy")
	}
	if len(req.Command) == 0 {
		return nil, nil, core.NewValidationError("workload command is required", nil).
			WithOperation("deploy")
	}

	existing, err := s.store.ListDeployments(ctx)
	if err != nil {
		return nil, nil, err
	}
	for _, dep := range existing {
		if dep.Name == req.Name && !dep.Status.IsTerminal() {
			return nil, nil, core.NewConflictError(
				fmt.Sprintf("deployment %q already exists", req.Name), nil).
				WithEntity(dep.ID).WithOperation("deploy")
		}
	}

	now := time.Now().UTC()
	dep := &core.Deployment{
		ID:               uuid.New().String(),
		Name:             req.Name,
		Type:             req.Type,
		Status:           core.DeploymentPending,
		OperationalState: core.OperationalEnabled,
		ResourcePoolID:   req.ResourcePoolID,
		ConfigPath:       req.ConfigPath,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := s.store.CreateDeployment(ctx, dep); err != nil {
		return nil, nil, err
	}

	job, err := s.jobs.Create(ctx, "deploy", &dep.ID)
	if err != nil {
		return nil, nil, err
	}

	spawnCtx, cancel := context.WithCancel(context.Background())
	s.mu.Lock()
	s.cancels[dep.ID] = cancel
	s.mu.Unlock()

	s.wg.Add(1)
	go s.runDeploy(spawnCtx, dep, job.ID, req)

	s.logger.WithDeploymentID(dep.ID).Infof("deploying %s workload %q", req.Type, req.Name)
	return dep, job, nil
}

// runDeploy is the asynchronous half of Deploy.
func (s *Supervisor) runDeploy(ctx context.Context, dep *core.Deployment, jobID string, req DeployRequest) {
	defer s.wg.Done()
	defer func() {
		s.mu.Lock()
		delete(s.cancels, dep.ID)
		s.mu.Unlock()
	}()

	lock := s.lockFor(dep.ID)
	lock.Lock()
	defer lock.Unlock()

	start := time.Now()
	bg, span := s.tracer.StartDeploySpan(context.Background(), dep.ID, "deploy")
	defer span.End()
	log := s.logger.WithDeploymentID(dep.ID)

	if err := s.jobs.Advance(bg, jobID, 10); err != nil {
		log.WithError(err).Error("failed to advance deploy job")
	}
	dep.Status = core.DeploymentDeploying
	dep.UpdatedAt = time.Now().UTC()
	if err := s.store.UpdateDeployment(bg, dep); err != nil {
		log.WithError(err).Error("failed to record deploying status")
		s.failDeploy(bg, dep, jobID, "failed to persist status: "+err.Error())
		return
	}

	spawnCtx, cancel := context.WithTimeout(ctx, s.opts.SpawnTimeout)
	defer cancel()

	handle, err := s.backend.Start(spawnCtx, StartSpec{
		DeploymentID: dep.ID,
		Command:      req.Command,
		ConfigPath:   req.ConfigPath,
		LogDir:       s.opts.LogDir,
	})
	if err != nil {
		detail := err.Error()
		if ctx.Err() != nil {
			detail = "deployment cancelled before startup completed"
		}
		s.failDeploy(bg, dep, jobID, detail)
		s.metrics.RecordDeployOperation("deploy", "failed", time.Since(start))
		telemetry.RecordError(span, err)
		return
	}

	if err := s.jobs.Advance(bg, jobID, 60); err != nil {
		log.WithError(err).Error("failed to advance deploy job")
	}

	s.mu.Lock()
	s.handles[dep.ID] = handle
	s.mu.Unlock()

	now := time.Now().UTC()
	dep.Status = core.DeploymentRunning
	dep.PID = &handle.PID
	dep.LogPath = handle.LogPath
	dep.DeployedAt = &now
	dep.UpdatedAt = now
	if err := s.store.UpdateDeployment(bg, dep); err != nil {
		log.WithError(err).Error("failed to record running status")
	}

	if err := s.faults.ClearResourceDown(bg, dep.ID); err != nil {
		log.WithError(err).Warn("failed to clear liveness alarm")
	}
	if err := s.jobs.Complete(bg, jobID); err != nil {
		log.WithError(err).Error("failed to complete deploy job")
	}

	s.metrics.RecordDeployOperation("deploy", "succeeded", time.Since(start))
	telemetry.RecordSuccess(span)
	s.publishEvent(bg, "deployment.deployed", dep)
	log.Infof("workload %q running with pid %d", dep.Name, handle.PID)
}

// failDeploy records a failed spawn. The row is kept for inspection.
func (s *Supervisor) failDeploy(ctx context.Context, dep *core.Deployment, jobID, detail string) {
	dep.Status = core.DeploymentFailed
	dep.PID = nil
	dep.ErrorDetail = &detail
	dep.UpdatedAt = time.Now().UTC()
	if err := s.store.UpdateDeployment(ctx, dep); err != nil {
		s.logger.WithDeploymentID(dep.ID).WithError(err).Error("failed to record failure")
	}
	if err := s.jobs.Fail(ctx, jobID, detail); err != nil {
		s.logger.WithDeploymentID(dep.ID).WithError(err).Error("failed to fail deploy job")
	}
	s.publishEvent(ctx, "deployment.failed", dep)
	s.logger.WithDeploymentID(dep.ID).Warnf("deployment failed: %s", detail)
}

// Get retrieves a deployment by ID.
func (s *Supervisor) Get(ctx context.Context, id string) (*core.Deployment, error) {
	return s.store.GetDeployment(ctx, id)
}

// List lists all deployments.
func (s *Supervisor) List(ctx context.Context) ([]*core.Deployment, error) {
	return s.store.ListDeployments(ctx)
}

// Terminate stops a workload: SIGTERM, the grace period, then SIGKILL.
// Terminating an already stopped or failed deployment is a no-op success
// with no job. An in-flight spawn for the same deployment is cancelled
// first.
func (s *Supervisor) Terminate(ctx context.Context, id string) (*core.Job, error) {
	s.mu.Lock()
	if cancel, ok := s.cancels[id]; ok {
		cancel()
	}
	s.mu.Unlock()

	lock := s.lockFor(id)
	lock.Lock()
	defer lock.Unlock()

	dep, err := s.store.GetDeployment(ctx, id)
	if err != nil {
		return nil, err
	}
	if dep.Status.IsTerminal() {
		return nil, nil
	}

	job, err := s.jobs.Create(ctx, "terminate", &dep.ID)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	ctx, span := s.tracer.StartDeploySpan(ctx, id, "terminate")
	defer span.End()
	log := s.logger.WithDeploymentID(id)

	dep.Status = core.DeploymentStopping
	dep.UpdatedAt = time.Now().UTC()
	if err := s.store.UpdateDeployment(ctx, dep); err != nil {
		_ = s.jobs.Fail(ctx, job.ID, err.Error())
		return nil, err
	}
	if err := s.jobs.Advance(ctx, job.ID, 50); err != nil {
		log.WithError(err).Error("failed to advance terminate job")
	}

	s.mu.Lock()
	handle := s.handles[id]
	delete(s.handles, id)
	s.mu.Unlock()

	if handle != nil && s.backend.Alive(handle) {
		if err := s.backend.Signal(handle, true); err != nil {
			log.WithError(err).Warn("graceful signal failed")
		}

		graceCtx, cancel := context.WithTimeout(ctx, s.opts.GracePeriod)
		err := handle.Wait(graceCtx)
		cancel()
		if err != nil && s.backend.Alive(handle) {
			log.Warn("grace period expired, killing workload")
			if err := s.backend.Signal(handle, false); err != nil {
				log.WithError(err).Error("kill signal failed")
			}
			killCtx, cancel := context.WithTimeout(ctx, s.opts.GracePeriod)
			_ = handle.Wait(killCtx)
			cancel()
		}
	}

	now := time.Now().UTC()
	dep.Status = core.DeploymentStopped
	dep.PID = nil
	dep.UpdatedAt = now
	if err := s.store.UpdateDeployment(ctx, dep); err != nil {
		_ = s.jobs.Fail(ctx, job.ID, err.Error())
		return nil, err
	}
	if err := s.jobs.Complete(ctx, job.ID); err != nil {
		log.WithError(err).Error("failed to complete terminate job")
	}
	if refreshed, err := s.jobs.Get(ctx, job.ID); err == nil {
		job = refreshed
	}

	s.metrics.RecordDeployOperation("terminate", "succeeded", time.Since(start))
	telemetry.RecordSuccess(span)
	s.publishEvent(ctx, "deployment.terminated", dep)
	log.Infof("workload %q stopped", dep.Name)
	return job, nil
}

// Delete terminates the workload if needed and removes its record.
func (s *Supervisor) Delete(ctx context.Context, id string) error {
	if _, err := s.Terminate(ctx, id); err != nil {
		return err
	}

	dep, err := s.store.GetDeployment(ctx, id)
	if err != nil {
		return err
	}
	if err := s.store.DeleteDeployment(ctx, id); err != nil {
		return err
	}

	s.mu.Lock()
	delete(s.locks, id)
	s.mu.Unlock()

	s.publishEvent(ctx, "deployment.deleted", dep)
	s.logger.WithDeploymentID(id).Infof("deployment %q removed", dep.Name)
	return nil
}

// CheckLiveness makes one pass over supervised workloads and fails any
// whose process is gone: status failed, operational state disabled, and a
// resource-down alarm raised. The row is kept.
func (s *Supervisor) CheckLiveness(ctx context.Context) {
	s.mu.Lock()
	stale := make(map[string]*Handle)
	for id, handle := range s.handles {
		if !s.backend.Alive(handle) {
			stale[id] = handle
			delete(s.handles, id)
		}
	}
	s.mu.Unlock()

	for id := range stale {
		lock := s.lockFor(id)
		lock.Lock()

		dep, err := s.store.GetDeployment(ctx, id)
		if err != nil {
			lock.Unlock()
			s.logger.WithDeploymentID(id).WithError(err).Warn("liveness check on missing deployment")
			continue
		}
		if dep.Status != core.DeploymentRunning {
			lock.Unlock()
			continue
		}

		detail := "workload process exited unexpectedly"
		dep.Status = core.DeploymentFailed
		dep.OperationalState = core.OperationalDisabled
		dep.PID = nil
		dep.ErrorDetail = &detail
		dep.UpdatedAt = time.Now().UTC()
		if err := s.store.UpdateDeployment(ctx, dep); err != nil {
			s.logger.WithDeploymentID(id).WithError(err).Error("failed to record liveness failure")
		}
		lock.Unlock()

		if err := s.faults.RaiseResourceDown(ctx, id, detail); err != nil {
			s.logger.WithDeploymentID(id).WithError(err).Error("failed to raise liveness alarm")
		}
		s.publishEvent(ctx, "deployment.failed", dep)
		s.logger.WithDeploymentID(id).Warnf("workload %q died, marked failed", dep.Name)
	}
}

// Run drives the heartbeat loop until the context is canceled.
func (s *Supervisor) Run(ctx context.Context) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.opts.HeartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-s.done:
				return
			case <-ticker.C:
				s.CheckLiveness(ctx)
			}
		}
	}()
}

// Collect samples one metric from a supervised workload. It implements
// the monitor package's Collector for DMS-scope jobs.
func (s *Supervisor) Collect(_ context.Context, objectID, metric string) (float64, error) {
	s.mu.Lock()
	handle := s.handles[objectID]
	s.mu.Unlock()

	if handle == nil {
		if metric == "availability" {
			return 0, nil
		}
		return 0, core.NewNotFoundError("no running workload", nil).WithEntity(objectID)
	}
	return s.backend.Stats(handle, metric)
}

// Shutdown stops the heartbeat loop and waits for in-flight deploys,
// bounded by ctx. Running workloads are left running.
func (s *Supervisor) Shutdown(ctx context.Context) error {
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
		return fmt.Errorf("supervisor shutdown timed out: %w", ctx.Err())
	}
}

func (s *Supervisor) publishEvent(ctx context.Context, eventType string, dep *core.Deployment) {
	err := s.publisher.Publish(ctx, &core.Event{
		Category: core.CategoryInventory,
		Type:     eventType,
		ObjectID: dep.ID,
		Data: map[string]any{
			"name":             dep.Name,
			"type":             dep.Type,
			"status":           string(dep.Status),
			"resource_pool_id": dep.ResourcePoolID,
		},
	})
	if err != nil {
		s.logger.WithDeploymentID(dep.ID).WithError(err).Warn("failed to publish deployment event")
	}
}
