package lifecycle

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/conveyor-labs/conveyor-go/internal/domain"
	"github.com/conveyor-labs/conveyor-go/internal/repo"
)

type memoryRunRepo struct {
	mu      sync.Mutex
	runs    map[string]domain.Run
	seq     int
	catalog *memoryCatalogRepo

	claimErr        error
	claimVersionErr error
}

func newMemoryRunRepo(catalog *memoryCatalogRepo) *memoryRunRepo {
	return &memoryRunRepo{runs: make(map[string]domain.Run), catalog: catalog}
}

func (m *memoryRunRepo) CreateRun(_ context.Context, run domain.Run) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.runs[run.ID]; ok {
		return repo.ErrAlreadyExists
	}
	m.seq++
	run.CreatedAt = time.Unix(int64(m.seq), 0).UTC()
	run.UpdatedAt = run.CreatedAt
	m.runs[run.ID] = run
	return nil
}

func (m *memoryRunRepo) GetRun(_ context.Context, id string) (domain.Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.runs[id]
	if !ok {
		return domain.Run{}, repo.ErrNotFound
	}
	return run, nil
}

func (m *memoryRunRepo) ListRuns(_ context.Context, filter repo.RunFilter) ([]domain.Run, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	matched := make([]domain.Run, 0, len(m.runs))
	for _, run := range m.runs {
		if filter.TenantID != "" && run.TenantID != filter.TenantID {
			continue
		}
		if filter.Status != "" && run.Status != filter.Status {
			continue
		}
		if filter.RetryOfRunID != "" && run.RetryOfRunID != filter.RetryOfRunID {
			continue
		}
		matched = append(matched, run)
	}
	sort.Slice(matched, func(i, j int) bool {
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})
	total := len(matched)
	if filter.Offset >= len(matched) {
		return []domain.Run{}, total, nil
	}
	matched = matched[filter.Offset:]
	if filter.Limit > 0 && len(matched) > filter.Limit {
		matched = matched[:filter.Limit]
	}
	return matched, total, nil
}

func (m *memoryRunRepo) ClaimQueuedRun(ctx context.Context, workerID, tenantID string) (domain.Run, domain.PipelineVersion, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.claimErr != nil {
		return domain.Run{}, domain.PipelineVersion{}, false, m.claimErr
	}
	candidates := make([]domain.Run, 0)
	for _, run := range m.runs {
		if run.Status != domain.RunStatusQueued {
			continue
		}
		if tenantID != "" && run.TenantID != tenantID {
			continue
		}
		candidates = append(candidates, run)
	}
	if len(candidates) == 0 {
		return domain.Run{}, domain.PipelineVersion{}, false, nil
	}
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].CreatedAt.Equal(candidates[j].CreatedAt) {
			return candidates[i].ID < candidates[j].ID
		}
		return candidates[i].CreatedAt.Before(candidates[j].CreatedAt)
	})
	run := candidates[0]

	// Version resolution happens before any mutation, mirroring the store's
	// transactional claim: a failed lookup leaves the run QUEUED.
	if m.claimVersionErr != nil {
		return domain.Run{}, domain.PipelineVersion{}, false, m.claimVersionErr
	}
	version, err := m.catalog.GetPipelineVersion(ctx, run.PipelineVersionID)
	if err != nil {
		return domain.Run{}, domain.PipelineVersion{}, false, err
	}

	now := time.Now().UTC()
	run.Status = domain.RunStatusRunning
	run.ClaimedBy = workerID
	run.ClaimedAt = &now
	run.StartedAt = &now
	run.HeartbeatAt = &now
	run.UpdatedAt = now
	m.runs[run.ID] = run
	return run, version, true, nil
}

func (m *memoryRunRepo) CompleteRun(_ context.Context, id string, outcome domain.RunStatus, errorMessage string) (domain.Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.runs[id]
	if !ok || run.Status != domain.RunStatusRunning {
		return domain.Run{}, repo.ErrStatusMismatch
	}
	now := time.Now().UTC()
	run.Status = outcome
	if outcome == domain.RunStatusFailed {
		run.ErrorMessage = errorMessage
	} else {
		run.ErrorMessage = ""
	}
	run.FinishedAt = &now
	run.UpdatedAt = now
	m.runs[id] = run
	return run, nil
}

func (m *memoryRunRepo) CancelRun(_ context.Context, id string) (domain.Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.runs[id]
	if !ok || run.Status.IsTerminal() {
		return domain.Run{}, repo.ErrStatusMismatch
	}
	now := time.Now().UTC()
	run.Status = domain.RunStatusCancelled
	run.FinishedAt = &now
	run.UpdatedAt = now
	m.runs[id] = run
	return run, nil
}

func (m *memoryRunRepo) RecordHeartbeat(_ context.Context, id, workerID string) (time.Time, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.runs[id]
	if !ok || run.Status != domain.RunStatusRunning || run.ClaimedBy != workerID {
		return time.Time{}, repo.ErrStatusMismatch
	}
	now := time.Now().UTC()
	run.HeartbeatAt = &now
	run.UpdatedAt = now
	m.runs[id] = run
	return now, nil
}

type memoryLogRepo struct {
	mu      sync.Mutex
	entries []domain.RunLogEntry
	seq     int64
}

func (m *memoryLogRepo) AppendLog(_ context.Context, entry domain.RunLogEntry) (domain.RunLogEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq++
	entry.Seq = m.seq
	if entry.TS.IsZero() {
		entry.TS = time.Now().UTC()
	}
	m.entries = append(m.entries, entry)
	return entry, nil
}

func (m *memoryLogRepo) ListLogs(_ context.Context, filter repo.RunLogFilter) ([]domain.RunLogEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	matched := make([]domain.RunLogEntry, 0)
	for _, entry := range m.entries {
		if entry.RunID != filter.RunID {
			continue
		}
		matched = append(matched, entry)
	}
	sort.Slice(matched, func(i, j int) bool {
		if matched[i].TS.Equal(matched[j].TS) {
			if filter.Descending {
				return matched[i].Seq > matched[j].Seq
			}
			return matched[i].Seq < matched[j].Seq
		}
		if filter.Descending {
			return matched[i].TS.After(matched[j].TS)
		}
		return matched[i].TS.Before(matched[j].TS)
	})
	if filter.Limit > 0 && len(matched) > filter.Limit {
		matched = matched[:filter.Limit]
	}
	return matched, nil
}

type memoryCatalogRepo struct {
	mu       sync.Mutex
	versions map[string]domain.PipelineVersion
}

func newMemoryCatalogRepo() *memoryCatalogRepo {
	return &memoryCatalogRepo{versions: make(map[string]domain.PipelineVersion)}
}

func (m *memoryCatalogRepo) CreatePipeline(context.Context, domain.Pipeline) error {
	return nil
}

func (m *memoryCatalogRepo) GetPipeline(context.Context, string) (domain.Pipeline, error) {
	return domain.Pipeline{}, repo.ErrNotFound
}

func (m *memoryCatalogRepo) ListPipelines(context.Context, repo.PipelineFilter) ([]domain.Pipeline, error) {
	return nil, nil
}

func (m *memoryCatalogRepo) CreatePipelineVersion(_ context.Context, version domain.PipelineVersion) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.versions[version.ID] = version
	return nil
}

func (m *memoryCatalogRepo) GetPipelineVersion(_ context.Context, id string) (domain.PipelineVersion, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	version, ok := m.versions[id]
	if !ok {
		return domain.PipelineVersion{}, repo.ErrNotFound
	}
	return version, nil
}

func (m *memoryCatalogRepo) ListPipelineVersions(context.Context, repo.PipelineVersionFilter) ([]domain.PipelineVersion, error) {
	return nil, nil
}

func (m *memoryCatalogRepo) SetPipelineVersionStatus(_ context.Context, id string, status domain.PipelineVersionStatus) (domain.PipelineVersion, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	version, ok := m.versions[id]
	if !ok {
		return domain.PipelineVersion{}, repo.ErrNotFound
	}
	version.Status = status
	m.versions[id] = version
	return version, nil
}

type memoryRegistryRepo struct {
	mu      sync.Mutex
	tenants map[string]domain.Tenant
}

func newMemoryRegistryRepo() *memoryRegistryRepo {
	return &memoryRegistryRepo{tenants: make(map[string]domain.Tenant)}
}

func (m *memoryRegistryRepo) CreateTenant(_ context.Context, tenant domain.Tenant) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tenants[tenant.ID] = tenant
	return nil
}

func (m *memoryRegistryRepo) GetTenant(_ context.Context, id string) (domain.Tenant, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	tenant, ok := m.tenants[id]
	if !ok {
		return domain.Tenant{}, repo.ErrNotFound
	}
	return tenant, nil
}

func (m *memoryRegistryRepo) ListTenants(context.Context, int) ([]domain.Tenant, error) {
	return nil, nil
}

func (m *memoryRegistryRepo) CreateFacility(context.Context, domain.Facility) error {
	return nil
}

func (m *memoryRegistryRepo) GetFacility(context.Context, string) (domain.Facility, error) {
	return domain.Facility{}, repo.ErrNotFound
}

func (m *memoryRegistryRepo) CreateConnectorInstance(context.Context, domain.ConnectorInstance) error {
	return nil
}

func (m *memoryRegistryRepo) GetConnectorInstance(context.Context, string) (domain.ConnectorInstance, error) {
	return domain.ConnectorInstance{}, repo.ErrNotFound
}

type fixture struct {
	svc      *Service
	runs     *memoryRunRepo
	logs     *memoryLogRepo
	catalog  *memoryCatalogRepo
	registry *memoryRegistryRepo
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	catalog := newMemoryCatalogRepo()
	runs := newMemoryRunRepo(catalog)
	logs := &memoryLogRepo{}
	registry := newMemoryRegistryRepo()
	svc := New(runs, logs, catalog, registry)
	if svc == nil {
		t.Fatal("expected service")
	}
	if err := registry.CreateTenant(context.Background(), domain.Tenant{ID: "tenant-1", Name: "Tenant One"}); err != nil {
		t.Fatalf("seed tenant: %v", err)
	}
	if err := catalog.CreatePipelineVersion(context.Background(), domain.PipelineVersion{
		ID:         "pv-approved",
		TenantID:   "tenant-1",
		PipelineID: "pipe-1",
		Version:    "1.0.0",
		Status:     domain.PipelineVersionApproved,
	}); err != nil {
		t.Fatalf("seed version: %v", err)
	}
	if err := catalog.CreatePipelineVersion(context.Background(), domain.PipelineVersion{
		ID:         "pv-draft",
		TenantID:   "tenant-1",
		PipelineID: "pipe-1",
		Version:    "1.1.0",
		Status:     domain.PipelineVersionDraft,
	}); err != nil {
		t.Fatalf("seed draft version: %v", err)
	}
	return &fixture{svc: svc, runs: runs, logs: logs, catalog: catalog, registry: registry}
}

func (f *fixture) createRun(t *testing.T) domain.Run {
	t.Helper()
	run, err := f.svc.CreateRun(context.Background(), CreateRunInput{
		TenantID:          "tenant-1",
		PipelineVersionID: "pv-approved",
		TriggerType:       "manual",
		Parameters:        domain.Metadata{"batch": "b-1"},
	})
	if err != nil {
		t.Fatalf("create run: %v", err)
	}
	return run
}

func (f *fixture) claimRun(t *testing.T, workerID string) domain.Run {
	t.Helper()
	result, err := f.svc.ClaimRun(context.Background(), workerID, "")
	if err != nil {
		t.Fatalf("claim run: %v", err)
	}
	if !result.Claimed {
		t.Fatal("expected a claimed run")
	}
	return result.Run
}

func TestCreateRunQueued(t *testing.T) {
	f := newFixture(t)
	run := f.createRun(t)

	if run.Status != domain.RunStatusQueued {
		t.Fatalf("expected QUEUED, got %s", run.Status)
	}
	if run.ID == "" {
		t.Fatal("expected generated run id")
	}
	if run.ClaimedBy != "" || run.ClaimedAt != nil || run.StartedAt != nil || run.FinishedAt != nil {
		t.Fatal("fresh run must carry no ownership or execution timestamps")
	}
	if run.Parameters["batch"] != "b-1" {
		t.Fatalf("parameters not persisted: %v", run.Parameters)
	}
}

func TestCreateRunRejectsUnapprovedVersion(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.CreateRun(context.Background(), CreateRunInput{
		TenantID:          "tenant-1",
		PipelineVersionID: "pv-draft",
	})
	if !errors.Is(err, ErrPipelineVersionNotApproved) {
		t.Fatalf("expected ErrPipelineVersionNotApproved, got %v", err)
	}
}

func TestCreateRunUnknownReferences(t *testing.T) {
	f := newFixture(t)
	if _, err := f.svc.CreateRun(context.Background(), CreateRunInput{
		TenantID:          "tenant-missing",
		PipelineVersionID: "pv-approved",
	}); !errors.Is(err, ErrTenantNotFound) {
		t.Fatalf("expected ErrTenantNotFound, got %v", err)
	}
	if _, err := f.svc.CreateRun(context.Background(), CreateRunInput{
		TenantID:          "tenant-1",
		PipelineVersionID: "pv-missing",
	}); !errors.Is(err, ErrPipelineVersionNotFound) {
		t.Fatalf("expected ErrPipelineVersionNotFound, got %v", err)
	}
}

func TestClaimEmptyQueue(t *testing.T) {
	f := newFixture(t)
	result, err := f.svc.ClaimRun(context.Background(), "worker-1", "")
	if err != nil {
		t.Fatalf("claim on empty queue: %v", err)
	}
	if result.Claimed {
		t.Fatal("empty queue must not yield a run")
	}
}

func TestClaimTransitionsAndResolvesVersion(t *testing.T) {
	f := newFixture(t)
	created := f.createRun(t)

	result, err := f.svc.ClaimRun(context.Background(), "worker-1", "")
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if !result.Claimed {
		t.Fatal("expected claim")
	}
	if result.Run.ID != created.ID {
		t.Fatalf("claimed wrong run: %s", result.Run.ID)
	}
	if result.Run.Status != domain.RunStatusRunning {
		t.Fatalf("expected RUNNING, got %s", result.Run.Status)
	}
	if result.Run.ClaimedBy != "worker-1" {
		t.Fatalf("expected ownership by worker-1, got %q", result.Run.ClaimedBy)
	}
	if result.Run.ClaimedAt == nil || result.Run.StartedAt == nil || result.Run.HeartbeatAt == nil {
		t.Fatal("claim must stamp claimed_at, started_at and heartbeat_at")
	}
	if result.Version.ID != "pv-approved" {
		t.Fatalf("expected resolved version pv-approved, got %s", result.Version.ID)
	}
}

func TestConcurrentClaimsAreMutuallyExclusive(t *testing.T) {
	f := newFixture(t)
	run := f.createRun(t)

	const workers = 16
	var wg sync.WaitGroup
	claims := make(chan string, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			result, err := f.svc.ClaimRun(context.Background(), workerName(n), "")
			if err != nil {
				t.Errorf("claim: %v", err)
				return
			}
			if result.Claimed {
				claims <- result.Run.ClaimedBy
			}
		}(i)
	}
	wg.Wait()
	close(claims)

	winners := make([]string, 0, 1)
	for w := range claims {
		winners = append(winners, w)
	}
	if len(winners) != 1 {
		t.Fatalf("expected exactly one successful claim, got %d", len(winners))
	}
	got, err := f.svc.GetRun(context.Background(), run.ID)
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	if got.ClaimedBy != winners[0] {
		t.Fatalf("stored owner %q does not match winner %q", got.ClaimedBy, winners[0])
	}
}

func workerName(n int) string {
	return "worker-" + strings.Repeat("x", n+1)
}

func TestCompleteRunSucceeded(t *testing.T) {
	f := newFixture(t)
	created := f.createRun(t)
	f.claimRun(t, "worker-1")

	run, err := f.svc.CompleteRun(context.Background(), created.ID, domain.RunStatusSucceeded, "")
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if run.Status != domain.RunStatusSucceeded {
		t.Fatalf("expected SUCCEEDED, got %s", run.Status)
	}
	if run.FinishedAt == nil {
		t.Fatal("expected finished_at to be stamped")
	}
	if run.ErrorMessage != "" {
		t.Fatalf("succeeded run must not carry an error message, got %q", run.ErrorMessage)
	}
}

func TestCompleteRunFailedRequiresMessage(t *testing.T) {
	f := newFixture(t)
	created := f.createRun(t)
	f.claimRun(t, "worker-1")

	if _, err := f.svc.CompleteRun(context.Background(), created.ID, domain.RunStatusFailed, ""); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected ErrValidation for empty failure message, got %v", err)
	}
	if _, err := f.svc.CompleteRun(context.Background(), created.ID, domain.RunStatusSucceeded, "boom"); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected ErrValidation for message on success, got %v", err)
	}

	run, err := f.svc.CompleteRun(context.Background(), created.ID, domain.RunStatusFailed, "step 3 exploded")
	if err != nil {
		t.Fatalf("complete failed: %v", err)
	}
	if run.ErrorMessage != "step 3 exploded" {
		t.Fatalf("expected stored error message, got %q", run.ErrorMessage)
	}
}

func TestCompleteRunConflictsAndNotFound(t *testing.T) {
	f := newFixture(t)
	created := f.createRun(t)

	// Still QUEUED: completion is an illegal transition.
	_, err := f.svc.CompleteRun(context.Background(), created.ID, domain.RunStatusSucceeded, "")
	if !IsConflict(err) {
		t.Fatalf("expected conflict for QUEUED run, got %v", err)
	}
	var conflict *ConflictError
	if errors.As(err, &conflict) && conflict.Status != domain.RunStatusQueued {
		t.Fatalf("conflict must report current status, got %s", conflict.Status)
	}

	if _, err := f.svc.CompleteRun(context.Background(), "missing", domain.RunStatusSucceeded, ""); !errors.Is(err, ErrRunNotFound) {
		t.Fatalf("expected ErrRunNotFound, got %v", err)
	}
}

func TestTerminalRunsAbsorbAllTransitions(t *testing.T) {
	f := newFixture(t)
	created := f.createRun(t)
	f.claimRun(t, "worker-1")
	if _, err := f.svc.CompleteRun(context.Background(), created.ID, domain.RunStatusSucceeded, ""); err != nil {
		t.Fatalf("complete: %v", err)
	}

	if _, err := f.svc.CompleteRun(context.Background(), created.ID, domain.RunStatusFailed, "late failure"); !IsConflict(err) {
		t.Fatalf("expected conflict completing a terminal run, got %v", err)
	}
	if _, err := f.svc.CancelRun(context.Background(), created.ID); !IsConflict(err) {
		t.Fatalf("expected conflict cancelling a terminal run, got %v", err)
	}
	if _, err := f.svc.HeartbeatRun(context.Background(), created.ID, "worker-1"); !IsConflict(err) {
		t.Fatalf("expected conflict heartbeating a terminal run, got %v", err)
	}

	got, err := f.svc.GetRun(context.Background(), created.ID)
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	if got.Status != domain.RunStatusSucceeded {
		t.Fatalf("terminal status must be unchanged, got %s", got.Status)
	}
}

func TestCancelQueuedAndRunning(t *testing.T) {
	f := newFixture(t)

	queued := f.createRun(t)
	run, err := f.svc.CancelRun(context.Background(), queued.ID)
	if err != nil {
		t.Fatalf("cancel queued: %v", err)
	}
	if run.Status != domain.RunStatusCancelled || run.FinishedAt == nil {
		t.Fatalf("expected CANCELLED with finished_at, got %s", run.Status)
	}

	running := f.createRun(t)
	f.claimRun(t, "worker-1")
	run, err = f.svc.CancelRun(context.Background(), running.ID)
	if err != nil {
		t.Fatalf("cancel running: %v", err)
	}
	if run.Status != domain.RunStatusCancelled {
		t.Fatalf("expected CANCELLED, got %s", run.Status)
	}
}

func TestHeartbeatOwnership(t *testing.T) {
	f := newFixture(t)
	created := f.createRun(t)
	f.claimRun(t, "worker-1")

	before := time.Now().UTC()
	at, err := f.svc.HeartbeatRun(context.Background(), created.ID, "worker-1")
	if err != nil {
		t.Fatalf("heartbeat: %v", err)
	}
	if at.Before(before.Add(-time.Second)) {
		t.Fatalf("heartbeat timestamp too old: %s", at)
	}

	if _, err := f.svc.HeartbeatRun(context.Background(), created.ID, "worker-2"); !IsConflict(err) {
		t.Fatalf("expected conflict for foreign worker heartbeat, got %v", err)
	}
	if _, err := f.svc.HeartbeatRun(context.Background(), "missing", "worker-1"); !errors.Is(err, ErrRunNotFound) {
		t.Fatalf("expected ErrRunNotFound, got %v", err)
	}
}

func TestRetryRunLineage(t *testing.T) {
	f := newFixture(t)
	first := f.createRun(t)
	f.claimRun(t, "worker-1")
	if _, err := f.svc.CompleteRun(context.Background(), first.ID, domain.RunStatusFailed, "transient"); err != nil {
		t.Fatalf("fail run: %v", err)
	}

	second, err := f.svc.RetryRun(context.Background(), first.ID, nil)
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if second.Status != domain.RunStatusQueued {
		t.Fatalf("retry must start QUEUED, got %s", second.Status)
	}
	if second.TriggerType != domain.TriggerRetry {
		t.Fatalf("expected retry trigger, got %q", second.TriggerType)
	}
	if second.RetryOfRunID != first.ID || second.RootRunID != first.ID {
		t.Fatalf("lineage mismatch: retry_of=%s root=%s", second.RetryOfRunID, second.RootRunID)
	}
	if second.Parameters["batch"] != "b-1" {
		t.Fatalf("retry without overrides must inherit parameters, got %v", second.Parameters)
	}

	// Second-generation retry keeps pointing at the original root.
	f.claimRun(t, "worker-1")
	if _, err := f.svc.CompleteRun(context.Background(), second.ID, domain.RunStatusFailed, "still broken"); err != nil {
		t.Fatalf("fail retry: %v", err)
	}
	third, err := f.svc.RetryRun(context.Background(), second.ID, domain.Metadata{"batch": "b-2"})
	if err != nil {
		t.Fatalf("second retry: %v", err)
	}
	if third.RetryOfRunID != second.ID {
		t.Fatalf("expected retry_of %s, got %s", second.ID, third.RetryOfRunID)
	}
	if third.RootRunID != first.ID {
		t.Fatalf("expected root %s, got %s", first.ID, third.RootRunID)
	}
	if third.Parameters["batch"] != "b-2" {
		t.Fatalf("overrides must replace parameters, got %v", third.Parameters)
	}

	// The failed sources are untouched.
	src, err := f.svc.GetRun(context.Background(), first.ID)
	if err != nil {
		t.Fatalf("get source: %v", err)
	}
	if src.Status != domain.RunStatusFailed || src.ErrorMessage != "transient" {
		t.Fatalf("retry must not mutate the source run: %s %q", src.Status, src.ErrorMessage)
	}
}

func TestRetryRunRejectsNonTerminalSource(t *testing.T) {
	f := newFixture(t)
	created := f.createRun(t)

	if _, err := f.svc.RetryRun(context.Background(), created.ID, nil); !IsConflict(err) {
		t.Fatalf("expected conflict retrying a QUEUED run, got %v", err)
	}
	f.claimRun(t, "worker-1")
	if _, err := f.svc.RetryRun(context.Background(), created.ID, nil); !IsConflict(err) {
		t.Fatalf("expected conflict retrying a RUNNING run, got %v", err)
	}
	if _, err := f.svc.CompleteRun(context.Background(), created.ID, domain.RunStatusSucceeded, ""); err != nil {
		t.Fatalf("complete: %v", err)
	}
	if _, err := f.svc.RetryRun(context.Background(), created.ID, nil); !IsConflict(err) {
		t.Fatalf("expected conflict retrying a SUCCEEDED run, got %v", err)
	}
}

func TestRetryRunRequiresApprovedVersion(t *testing.T) {
	f := newFixture(t)
	created := f.createRun(t)
	f.claimRun(t, "worker-1")
	if _, err := f.svc.CompleteRun(context.Background(), created.ID, domain.RunStatusFailed, "boom"); err != nil {
		t.Fatalf("fail run: %v", err)
	}
	if _, err := f.catalog.SetPipelineVersionStatus(context.Background(), "pv-approved", domain.PipelineVersionDeprecated); err != nil {
		t.Fatalf("deprecate version: %v", err)
	}
	if _, err := f.svc.RetryRun(context.Background(), created.ID, nil); !errors.Is(err, ErrPipelineVersionNotApproved) {
		t.Fatalf("expected ErrPipelineVersionNotApproved, got %v", err)
	}
}

func TestListRunsPagination(t *testing.T) {
	f := newFixture(t)
	for i := 0; i < 5; i++ {
		f.createRun(t)
	}

	page, err := f.svc.ListRuns(context.Background(), repo.RunFilter{Limit: 2})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if page.Total != 5 {
		t.Fatalf("expected total 5, got %d", page.Total)
	}
	if len(page.Runs) != 2 {
		t.Fatalf("expected 2 runs, got %d", len(page.Runs))
	}

	page, err = f.svc.ListRuns(context.Background(), repo.RunFilter{Limit: 2, Offset: 4})
	if err != nil {
		t.Fatalf("list offset: %v", err)
	}
	if len(page.Runs) != 1 || page.Total != 5 {
		t.Fatalf("expected tail page of 1/5, got %d/%d", len(page.Runs), page.Total)
	}

	page, err = f.svc.ListRuns(context.Background(), repo.RunFilter{Limit: 500})
	if err != nil {
		t.Fatalf("list clamp: %v", err)
	}
	if page.Limit != maxRunPageSize {
		t.Fatalf("expected limit clamped to %d, got %d", maxRunPageSize, page.Limit)
	}

	if _, err := f.svc.ListRuns(context.Background(), repo.RunFilter{Status: "SORT_OF_DONE"}); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected ErrValidation for unknown status, got %v", err)
	}
}

func TestListRunsStatusFilter(t *testing.T) {
	f := newFixture(t)
	first := f.createRun(t)
	f.createRun(t)
	f.claimRun(t, "worker-1")

	page, err := f.svc.ListRuns(context.Background(), repo.RunFilter{Status: domain.RunStatusQueued})
	if err != nil {
		t.Fatalf("list queued: %v", err)
	}
	if page.Total != 1 {
		t.Fatalf("expected one queued run, got %d", page.Total)
	}
	if page.Runs[0].ID == first.ID {
		t.Fatal("oldest run should have been claimed, not listed as queued")
	}
}

func TestAppendAndListLogs(t *testing.T) {
	f := newFixture(t)
	created := f.createRun(t)

	for _, msg := range []string{"starting", "extracting", "loading"} {
		if _, err := f.svc.AppendLog(context.Background(), AppendLogInput{
			RunID:   created.ID,
			Level:   domain.LogLevelInfo,
			Message: msg,
			Source:  "worker-1",
		}); err != nil {
			t.Fatalf("append %q: %v", msg, err)
		}
	}

	entries, err := f.svc.ListLogs(context.Background(), repo.RunLogFilter{RunID: created.ID})
	if err != nil {
		t.Fatalf("list logs: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(entries))
	}
	for i := 1; i < len(entries); i++ {
		if entries[i].Seq <= entries[i-1].Seq {
			t.Fatalf("entries out of order at %d: %d then %d", i, entries[i-1].Seq, entries[i].Seq)
		}
	}
	if entries[0].Message != "starting" || entries[2].Message != "loading" {
		t.Fatalf("unexpected ordering: %q .. %q", entries[0].Message, entries[2].Message)
	}

	if _, err := f.svc.AppendLog(context.Background(), AppendLogInput{RunID: "missing", Message: "x"}); !errors.Is(err, ErrRunNotFound) {
		t.Fatalf("expected ErrRunNotFound, got %v", err)
	}
	if _, err := f.svc.AppendLog(context.Background(), AppendLogInput{RunID: created.ID}); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected ErrValidation for empty message, got %v", err)
	}
	if _, err := f.svc.ListLogs(context.Background(), repo.RunLogFilter{RunID: "missing"}); !errors.Is(err, ErrRunNotFound) {
		t.Fatalf("expected ErrRunNotFound listing logs, got %v", err)
	}
}

func TestClaimPropagatesInfrastructureErrors(t *testing.T) {
	f := newFixture(t)
	f.createRun(t)
	f.runs.claimErr = errors.New("connection reset")

	_, err := f.svc.ClaimRun(context.Background(), "worker-1", "")
	if err == nil {
		t.Fatal("expected error")
	}
	if IsConflict(err) || errors.Is(err, ErrRunNotFound) || errors.Is(err, ErrValidation) {
		t.Fatalf("infrastructure failure must not masquerade as a domain error: %v", err)
	}

	f.runs.claimErr = nil
	result, err := f.svc.ClaimRun(context.Background(), "worker-1", "")
	if err != nil {
		t.Fatalf("claim after recovery: %v", err)
	}
	if !result.Claimed {
		t.Fatal("run must still be claimable after a failed attempt")
	}
}

func TestClaimLeavesRunQueuedWhenVersionResolutionFails(t *testing.T) {
	f := newFixture(t)
	created := f.createRun(t)
	f.runs.claimVersionErr = errors.New("connection reset reading pipeline version")

	_, err := f.svc.ClaimRun(context.Background(), "worker-1", "")
	if err == nil {
		t.Fatal("expected error when the version cannot be resolved")
	}

	got, err := f.svc.GetRun(context.Background(), created.ID)
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	if got.Status != domain.RunStatusQueued {
		t.Fatalf("failed claim must leave the run QUEUED, got %s", got.Status)
	}
	if got.ClaimedBy != "" || got.ClaimedAt != nil {
		t.Fatalf("failed claim must not record ownership: claimed_by=%q", got.ClaimedBy)
	}

	f.runs.claimVersionErr = nil
	result, err := f.svc.ClaimRun(context.Background(), "worker-1", "")
	if err != nil {
		t.Fatalf("claim after recovery: %v", err)
	}
	if !result.Claimed || result.Run.ID != created.ID {
		t.Fatal("run must be claimable once the version store recovers")
	}
	if result.Version.ID != "pv-approved" {
		t.Fatalf("expected resolved version pv-approved, got %s", result.Version.ID)
	}
}

func TestRunTimestampsAreMonotonic(t *testing.T) {
	f := newFixture(t)
	created := f.createRun(t)
	f.claimRun(t, "worker-1")

	run, err := f.svc.CompleteRun(context.Background(), created.ID, domain.RunStatusSucceeded, "")
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if run.ClaimedAt == nil || run.StartedAt == nil || run.FinishedAt == nil {
		t.Fatal("terminal run must carry claimed_at, started_at and finished_at")
	}
	if run.ClaimedAt.Before(run.CreatedAt) {
		t.Fatalf("claimed_at %s precedes created_at %s", run.ClaimedAt, run.CreatedAt)
	}
	if run.StartedAt.Before(*run.ClaimedAt) {
		t.Fatalf("started_at %s precedes claimed_at %s", run.StartedAt, run.ClaimedAt)
	}
	if run.FinishedAt.Before(*run.StartedAt) {
		t.Fatalf("finished_at %s precedes started_at %s", run.FinishedAt, run.StartedAt)
	}
}

func TestCancelledQueuedRunIsNeverClaimed(t *testing.T) {
	f := newFixture(t)
	created := f.createRun(t)

	if _, err := f.svc.CancelRun(context.Background(), created.ID); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	result, err := f.svc.ClaimRun(context.Background(), "worker-1", "")
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if result.Claimed {
		t.Fatalf("cancelled run %s must not be handed to a worker", result.Run.ID)
	}
}
