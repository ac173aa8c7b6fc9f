package services

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/fleetlabs/fleet-server/internal/core/models"
	"github.com/fleetlabs/fleet-server/internal/core/ports"
)

var errNotFound = errors.New("not found")

type fakeRunnerRepo struct {
	mu      sync.Mutex
	nextID  uint
	runners map[uint]*models.Runner
}

func newFakeRunnerRepo() *fakeRunnerRepo {
	return &fakeRunnerRepo{runners: make(map[uint]*models.Runner)}
}

func (f *fakeRunnerRepo) Create(ctx context.Context, runner *models.Runner) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	runner.ID = f.nextID
	runner.CreatedAt = time.Now()
	f.runners[runner.ID] = runner
	return nil
}

func (f *fakeRunnerRepo) Get(ctx context.Context, id uint) (*models.Runner, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.runners[id]
	if !ok {
		return nil, errNotFound
	}
	return r, nil
}

func (f *fakeRunnerRepo) GetByHostname(ctx context.Context, hostname string) (*models.Runner, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, r := range f.runners {
		if r.Hostname == hostname {
			return r, nil
		}
	}
	return nil, errNotFound
}

func (f *fakeRunnerRepo) Update(ctx context.Context, runner *models.Runner) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.runners[runner.ID]; !ok {
		return errNotFound
	}
	f.runners[runner.ID] = runner
	return nil
}

func (f *fakeRunnerRepo) ListByOwner(ctx context.Context, owner string) ([]*models.Runner, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*models.Runner
	for _, r := range f.runners {
		if r.Owner == owner {
			out = append(out, r)
		}
	}
	return out, nil
}

func (f *fakeRunnerRepo) ListOnline(ctx context.Context) ([]*models.Runner, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*models.Runner
	for _, r := range f.runners {
		if r.Online {
			out = append(out, r)
		}
	}
	return out, nil
}

func (f *fakeRunnerRepo) Count(ctx context.Context) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return int64(len(f.runners)), nil
}

func (f *fakeRunnerRepo) AppendEvent(ctx context.Context, runnerID uint, status models.RunnerStatus, description string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.runners[runnerID]
	if !ok {
		return errNotFound
	}
	r.Lifecycle = append(r.Lifecycle, models.LifecycleEvent{
		RunnerID:    runnerID,
		Timestamp:   time.Now(),
		Status:      status,
		Description: description,
	})
	return nil
}

func (f *fakeRunnerRepo) SetOnline(ctx context.Context, runnerID uint, online bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.runners[runnerID]
	if !ok {
		return errNotFound
	}
	r.Online = online
	return nil
}

func (f *fakeRunnerRepo) PurgeOlderThan(ctx context.Context, horizon time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for id, r := range f.runners {
		if r.CreatedAt.Before(horizon) {
			delete(f.runners, id)
		}
	}
	return nil
}

// addRunner seeds a runner with a lifecycle built from (status, age)
// pairs, oldest first.
func (f *fakeRunnerRepo) addRunner(runner *models.Runner, history ...models.LifecycleEvent) *models.Runner {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	runner.ID = f.nextID
	if runner.CreatedAt.IsZero() {
		runner.CreatedAt = time.Now()
	}
	runner.Lifecycle = append(runner.Lifecycle, history...)
	f.runners[runner.ID] = runner
	return runner
}

func eventAt(status models.RunnerStatus, age time.Duration) models.LifecycleEvent {
	return models.LifecycleEvent{Status: status, Timestamp: time.Now().Add(-age)}
}

type fakeJobRepo struct {
	mu   sync.Mutex
	jobs map[uuid.UUID]*models.Job
}

func newFakeJobRepo() *fakeJobRepo {
	return &fakeJobRepo{jobs: make(map[uuid.UUID]*models.Job)}
}

func (f *fakeJobRepo) Create(ctx context.Context, job *models.Job) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.jobs[job.ID] = job
	return nil
}

func (f *fakeJobRepo) Get(ctx context.Context, id uuid.UUID) (*models.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	j, ok := f.jobs[id]
	if !ok {
		return nil, errNotFound
	}
	return j, nil
}

func (f *fakeJobRepo) GetByCIJobID(ctx context.Context, ciJobID int64) (*models.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, j := range f.jobs {
		if j.CIJobID == ciJobID {
			return j, nil
		}
	}
	return nil, errNotFound
}

func (f *fakeJobRepo) Update(ctx context.Context, job *models.Job) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.jobs[job.ID] = job
	return nil
}

func (f *fakeJobRepo) ListPending(ctx context.Context, queuedBefore time.Time) ([]*models.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*models.Job
	for _, j := range f.jobs {
		if j.Pending() && j.QueuedAt.Before(queuedBefore) && j.RunnerID == nil {
			out = append(out, j)
		}
	}
	return out, nil
}

func (f *fakeJobRepo) CountByStatus(ctx context.Context, status models.JobStatus) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var n int64
	for _, j := range f.jobs {
		if j.Status == status {
			n++
		}
	}
	return n, nil
}

type fakeCreateQueue struct {
	mu    sync.Mutex
	tasks []*models.CreateTask
}

func newFakeCreateQueue() *fakeCreateQueue { return &fakeCreateQueue{} }

func (f *fakeCreateQueue) Enqueue(ctx context.Context, task *models.CreateTask) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	copied := *task
	f.tasks = append(f.tasks, &copied)
	return nil
}

func (f *fakeCreateQueue) TryDequeue(ctx context.Context) (*models.CreateTask, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.tasks) == 0 {
		return nil, false, nil
	}
	task := f.tasks[0]
	f.tasks = f.tasks[1:]
	return task, true, nil
}

func (f *fakeCreateQueue) Count(ctx context.Context) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return int64(len(f.tasks)), nil
}

func (f *fakeCreateQueue) CountStuckReplacements(ctx context.Context) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var n int64
	for _, t := range f.tasks {
		if t.StuckReplacement {
			n++
		}
	}
	return n, nil
}

func (f *fakeCreateQueue) HasReplacementFor(ctx context.Context, jobID uuid.UUID) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, t := range f.tasks {
		if t.StuckJobID != nil && *t.StuckJobID == jobID {
			return true, nil
		}
	}
	return false, nil
}

func (f *fakeCreateQueue) AnyForRunner(ctx context.Context, runnerID uint) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, t := range f.tasks {
		if t.RunnerID == runnerID {
			return true, nil
		}
	}
	return false, nil
}

func (f *fakeCreateQueue) AnyForSignature(ctx context.Context, sig models.CancelSignature) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, t := range f.tasks {
		if t.Signature() == sig {
			return true, nil
		}
	}
	return false, nil
}

type fakeDeleteQueue struct {
	mu    sync.Mutex
	tasks []*models.DeleteTask
}

func newFakeDeleteQueue() *fakeDeleteQueue { return &fakeDeleteQueue{} }

func (f *fakeDeleteQueue) Enqueue(ctx context.Context, task *models.DeleteTask) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	copied := *task
	f.tasks = append(f.tasks, &copied)
	return nil
}

func (f *fakeDeleteQueue) TryDequeue(ctx context.Context) (*models.DeleteTask, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.tasks) == 0 {
		return nil, false, nil
	}
	task := f.tasks[0]
	f.tasks = f.tasks[1:]
	return task, true, nil
}

func (f *fakeDeleteQueue) Count(ctx context.Context) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return int64(len(f.tasks)), nil
}

type fakeInFlightRepo struct {
	mu   sync.Mutex
	recs map[string]*models.InFlightCreation
}

func newFakeInFlightRepo() *fakeInFlightRepo {
	return &fakeInFlightRepo{recs: make(map[string]*models.InFlightCreation)}
}

func (f *fakeInFlightRepo) TryAdd(ctx context.Context, rec *models.InFlightCreation) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, exists := f.recs[rec.Hostname]; exists {
		return false, nil
	}
	f.recs[rec.Hostname] = rec
	return true, nil
}

func (f *fakeInFlightRepo) Remove(ctx context.Context, hostname string) (*models.InFlightCreation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.recs[hostname]
	if !ok {
		return nil, nil
	}
	delete(f.recs, hostname)
	return rec, nil
}

type fakeCounterRepo struct {
	mu     sync.Mutex
	counts map[models.CancelSignature]int
}

func newFakeCounterRepo() *fakeCounterRepo {
	return &fakeCounterRepo{counts: make(map[models.CancelSignature]int)}
}

func (f *fakeCounterRepo) Increment(ctx context.Context, sig models.CancelSignature) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.counts[sig]++
	return nil
}

func (f *fakeCounterRepo) ConsumeIfPositive(ctx context.Context, sig models.CancelSignature) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.counts[sig] > 0 {
		f.counts[sig]--
		return true, nil
	}
	return false, nil
}

// fakeCIPlatform answers from canned data, with optional overrides per
// test.
type fakeCIPlatform struct {
	mu           sync.Mutex
	runners      map[string][]ports.RegisteredRunner
	jobInfo      map[int64]*ports.JobInfo
	token        string
	tokenErr     error
	removed      []int64
	removeFailed bool
}

func newFakeCIPlatform() *fakeCIPlatform {
	return &fakeCIPlatform{
		runners: make(map[string][]ports.RegisteredRunner),
		jobInfo: make(map[int64]*ports.JobInfo),
		token:   "reg-token",
	}
}

func (f *fakeCIPlatform) GetRunners(ctx context.Context, target ports.Target) ([]ports.RegisteredRunner, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.runners[target.Name], nil
}

func (f *fakeCIPlatform) GetRegistrationToken(ctx context.Context, target ports.Target) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.tokenErr != nil {
		return "", f.tokenErr
	}
	return f.token, nil
}

func (f *fakeCIPlatform) RemoveRunner(ctx context.Context, target ports.Target, id int64) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.removeFailed {
		return false, errors.New("remove failed")
	}
	f.removed = append(f.removed, id)
	kept := f.runners[target.Name][:0]
	for _, r := range f.runners[target.Name] {
		if r.ID != id {
			kept = append(kept, r)
		}
	}
	f.runners[target.Name] = kept
	return true, nil
}

func (f *fakeCIPlatform) GetJobInfo(ctx context.Context, owner, repo string, ciJobID int64) (*ports.JobInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	info, ok := f.jobInfo[ciJobID]
	if !ok {
		return nil, errNotFound
	}
	return info, nil
}

// fakeCloudController records calls and fails on demand.
type fakeCloudController struct {
	mu         sync.Mutex
	id         string
	createErr  error
	deleteErr  error
	created    []ports.CreateMachineRequest
	deleted    []string
	servers    []ports.ServerSummary
	nextNumber int
}

func newFakeCloudController(id string) *fakeCloudController {
	return &fakeCloudController{id: id}
}

func (f *fakeCloudController) CreateRunner(ctx context.Context, req ports.CreateMachineRequest) (*ports.Machine, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return nil, f.createErr
	}
	f.nextNumber++
	f.created = append(f.created, req)
	hostname := f.id + "-runner-" + string(rune('a'+f.nextNumber-1))
	return &ports.Machine{
		CloudServerID: hostname,
		Hostname:      hostname,
		IPAddress:     "10.0.0.1",
	}, nil
}

func (f *fakeCloudController) DeleteRunner(ctx context.Context, cloudServerID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.deleteErr != nil {
		return f.deleteErr
	}
	f.deleted = append(f.deleted, cloudServerID)
	return nil
}

func (f *fakeCloudController) ListServers(ctx context.Context) ([]ports.ServerSummary, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.servers, nil
}

func (f *fakeCloudController) ServerCount(ctx context.Context) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.servers), nil
}

func (f *fakeCloudController) CloudIdentifier() string { return f.id }
