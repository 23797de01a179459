package tracker

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jwhitmore/trackdown/internal/config"
	"github.com/jwhitmore/trackdown/internal/lidarr"
	"github.com/jwhitmore/trackdown/internal/notify"
	"github.com/jwhitmore/trackdown/internal/store"
	"github.com/jwhitmore/trackdown/pkg/models"
)

// ─── in-memory store ─────────────────────────────────────────────────────────

type fakeStore struct {
	mu      sync.Mutex
	jobs    map[uuid.UUID]*models.AcquisitionJob
	batches map[uuid.UUID]*models.Batch
	seq     int
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		jobs:    make(map[uuid.UUID]*models.AcquisitionJob),
		batches: make(map[uuid.UUID]*models.Batch),
	}
}

func cloneJob(j *models.AcquisitionJob) *models.AcquisitionJob {
	c := *j
	return &c
}

func (f *fakeStore) put(j *models.AcquisitionJob) *models.AcquisitionJob {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seq++
	if j.CreatedAt.IsZero() {
		j.CreatedAt = time.Now().UTC().Add(time.Duration(f.seq) * time.Millisecond)
	}
	f.jobs[j.ID] = cloneJob(j)
	return j
}

func (f *fakeStore) get(id uuid.UUID) *models.AcquisitionJob {
	f.mu.Lock()
	defer f.mu.Unlock()
	if j, ok := f.jobs[id]; ok {
		return cloneJob(j)
	}
	return nil
}

func (f *fakeStore) all() []*models.AcquisitionJob {
	return f.list(func(*models.AcquisitionJob) bool { return true })
}

func (f *fakeStore) Ping(_ context.Context) error { return nil }

func (f *fakeStore) InTx(_ context.Context, fn func(store.Store) error) error {
	return fn(f)
}

func (f *fakeStore) CreateJob(_ context.Context, job *models.AcquisitionJob) error {
	f.put(job)
	return nil
}

func (f *fakeStore) GetJob(_ context.Context, id uuid.UUID) (*models.AcquisitionJob, error) {
	if j := f.get(id); j != nil {
		return j, nil
	}
	return nil, store.ErrNotFound
}

func (f *fakeStore) UpdateJob(_ context.Context, job *models.AcquisitionJob) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.jobs[job.ID]; !ok {
		return store.ErrNotFound
	}
	job.UpdatedAt = time.Now().UTC()
	f.jobs[job.ID] = cloneJob(job)
	return nil
}

func (f *fakeStore) GetJobByExternalRef(_ context.Context, ref string, statuses ...string) (*models.AcquisitionJob, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, j := range f.jobs {
		if j.ExternalRef == nil || *j.ExternalRef != ref {
			continue
		}
		if len(statuses) == 0 || containsStr(statuses, j.Status) {
			return cloneJob(j), nil
		}
	}
	return nil, store.ErrNotFound
}

func (f *fakeStore) list(match func(*models.AcquisitionJob) bool) []*models.AcquisitionJob {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*models.AcquisitionJob
	for _, j := range f.jobs {
		if match(j) {
			out = append(out, cloneJob(j))
		}
	}
	sort.Slice(out, func(i, k int) bool { return out[i].CreatedAt.Before(out[k].CreatedAt) })
	return out
}

func (f *fakeStore) ListActiveJobs(_ context.Context) ([]*models.AcquisitionJob, error) {
	return f.list(func(j *models.AcquisitionJob) bool { return j.Active() }), nil
}

func (f *fakeStore) ListJobsByStatus(_ context.Context, statuses ...string) ([]*models.AcquisitionJob, error) {
	return f.list(func(j *models.AcquisitionJob) bool { return containsStr(statuses, j.Status) }), nil
}

func (f *fakeStore) ListJobsByArtist(_ context.Context, artistID string) ([]*models.AcquisitionJob, error) {
	return f.list(func(j *models.AcquisitionJob) bool {
		return j.ArtistID != nil && *j.ArtistID == artistID
	}), nil
}

func (f *fakeStore) ListJobsByTarget(_ context.Context, targetID string) ([]*models.AcquisitionJob, error) {
	return f.list(func(j *models.AcquisitionJob) bool {
		return j.TargetID == targetID || j.Metadata.ResolvedTargetID == targetID
	}), nil
}

func (f *fakeStore) ListJobsByNormalizedSubject(_ context.Context, subject string) ([]*models.AcquisitionJob, error) {
	return f.list(func(j *models.AcquisitionJob) bool { return j.NormalizedSubject == subject }), nil
}

func (f *fakeStore) ListJobsByBatch(_ context.Context, batchID uuid.UUID) ([]*models.AcquisitionJob, error) {
	return f.list(func(j *models.AcquisitionJob) bool {
		return j.BatchID != nil && *j.BatchID == batchID
	}), nil
}

func (f *fakeStore) ListJobsByImport(_ context.Context, importID uuid.UUID) ([]*models.AcquisitionJob, error) {
	return f.list(func(j *models.AcquisitionJob) bool {
		return j.Metadata.ImportID != nil && *j.Metadata.ImportID == importID
	}), nil
}

func (f *fakeStore) ListRecentJobsByType(_ context.Context, itemType string, limit int) ([]*models.AcquisitionJob, error) {
	all := f.list(func(j *models.AcquisitionJob) bool { return j.ItemType == itemType })
	// newest first
	sort.Slice(all, func(i, k int) bool { return all[i].CreatedAt.After(all[k].CreatedAt) })
	if len(all) > limit {
		all = all[:limit]
	}
	return all, nil
}

func (f *fakeStore) CreateBatch(_ context.Context, b *models.Batch) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	c := *b
	f.batches[b.ID] = &c
	return nil
}

func (f *fakeStore) GetBatch(_ context.Context, id uuid.UUID) (*models.Batch, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if b, ok := f.batches[id]; ok {
		c := *b
		return &c, nil
	}
	return nil, store.ErrNotFound
}

func (f *fakeStore) MarkBatchCompleted(_ context.Context, id uuid.UUID) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.batches[id]
	if !ok {
		return false, store.ErrNotFound
	}
	if b.Completed {
		return false, nil
	}
	b.Completed = true
	now := time.Now().UTC()
	b.CompletedAt = &now
	return true, nil
}

func (f *fakeStore) GetAPIKeyByPrefix(_ context.Context, _ string) ([]*models.APIKey, error) {
	return nil, nil
}
func (f *fakeStore) UpdateAPIKeyLastUsed(_ context.Context, _ uuid.UUID) error { return nil }
func (f *fakeStore) CreateAPIKey(_ context.Context, _ *models.APIKey) error    { return nil }
func (f *fakeStore) ListAPIKeys(_ context.Context) ([]*models.APIKey, error)   { return nil, nil }
func (f *fakeStore) RevokeAPIKey(_ context.Context, _ uuid.UUID) error         { return nil }

var _ store.Store = (*fakeStore)(nil)

func containsStr(vals []string, v string) bool {
	for _, s := range vals {
		if s == v {
			return true
		}
	}
	return false
}

// ─── fake external clients ───────────────────────────────────────────────────

type fakeLidarr struct {
	mu sync.Mutex

	addResult *lidarr.AddAlbumResult
	addErr    error
	addErrs   []error // per-call errors, consumed before addErr
	addCalls  []lidarr.AddAlbumRequest
	addHook   func() // runs while the call is in flight

	albums    []lidarr.Album
	albumsErr error

	queue    []lidarr.QueueItem
	queueErr error

	available        map[string]bool
	availableByTitle bool

	sessions map[string]*lidarr.SessionState

	removed []string
}

func newFakeLidarr() *fakeLidarr {
	return &fakeLidarr{
		addResult: &lidarr.AddAlbumResult{ID: 101, ForeignAlbumID: ""},
		available: make(map[string]bool),
		sessions:  make(map[string]*lidarr.SessionState),
	}
}

func (f *fakeLidarr) AddAlbum(_ context.Context, req lidarr.AddAlbumRequest) (*lidarr.AddAlbumResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.addCalls = append(f.addCalls, req)
	if f.addHook != nil {
		f.addHook()
	}
	if len(f.addErrs) > 0 {
		err := f.addErrs[0]
		f.addErrs = f.addErrs[1:]
		if err != nil {
			return nil, err
		}
		return f.addResult, nil
	}
	if f.addErr != nil {
		return nil, f.addErr
	}
	return f.addResult, nil
}

func (f *fakeLidarr) GetArtistAlbums(_ context.Context, _ string) ([]lidarr.Album, error) {
	return f.albums, f.albumsErr
}

func (f *fakeLidarr) GetQueue(_ context.Context) ([]lidarr.QueueItem, error) {
	return f.queue, f.queueErr
}

func (f *fakeLidarr) IsAlbumAvailable(_ context.Context, id string) (bool, error) {
	return f.available[id], nil
}

func (f *fakeLidarr) IsAlbumAvailableByTitle(_ context.Context, _, _ string) (bool, error) {
	return f.availableByTitle, nil
}

func (f *fakeLidarr) RemoveAndBlocklist(_ context.Context, downloadID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removed = append(f.removed, downloadID)
	return nil
}

func (f *fakeLidarr) GetSessionState(_ context.Context, downloadID string) (*lidarr.SessionState, error) {
	if st, ok := f.sessions[downloadID]; ok {
		return st, nil
	}
	return &lidarr.SessionState{Active: false}, nil
}

var _ lidarr.Client = (*fakeLidarr)(nil)

type fakeMetadata struct {
	id  string
	err error
}

func (f *fakeMetadata) ArtistID(_ context.Context, _ string) (string, error) {
	return f.id, f.err
}

// ─── fake policy / notifier / completers ─────────────────────────────────────

type fakePolicy struct {
	mu        sync.Mutex
	decisions map[string]notify.Decision // keyed by event
	calls     []string
}

func newFakePolicy() *fakePolicy {
	return &fakePolicy{decisions: make(map[string]notify.Decision)}
}

func (f *fakePolicy) Evaluate(_ context.Context, _ uuid.UUID, event string) (notify.Decision, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, event)
	if d, ok := f.decisions[event]; ok {
		return d, nil
	}
	return notify.Decision{ShouldNotify: true}, nil
}

type fakeNotifier struct {
	mu        sync.Mutex
	completed []uuid.UUID
	failed    []uuid.UUID
	batches   []uuid.UUID
}

func (f *fakeNotifier) JobCompleted(_ context.Context, job *models.AcquisitionJob) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.completed = append(f.completed, job.ID)
	return nil
}

func (f *fakeNotifier) JobFailed(_ context.Context, job *models.AcquisitionJob, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failed = append(f.failed, job.ID)
	return nil
}

func (f *fakeNotifier) BatchCompleted(_ context.Context, b *models.Batch) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.batches = append(f.batches, b.ID)
	return nil
}

type fakeCompleter struct {
	mu      sync.Mutex
	batches []uuid.UUID
	imports []uuid.UUID
}

func (f *fakeCompleter) CheckBatchCompletion(_ context.Context, id uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.batches = append(f.batches, id)
	return nil
}

func (f *fakeCompleter) CheckImportCompletion(_ context.Context, id uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.imports = append(f.imports, id)
	return nil
}

// ─── harness ─────────────────────────────────────────────────────────────────

type harness struct {
	svc       *Service
	store     *fakeStore
	lidarr    *fakeLidarr
	metadata  *fakeMetadata
	policy    *fakePolicy
	notifier  *fakeNotifier
	completer *fakeCompleter
	now       time.Time
}

func testTrackerConfig() config.TrackerConfig {
	return config.TrackerConfig{
		PendingTimeout:    30 * time.Minute,
		GrabTimeout:       2 * time.Hour,
		ImportTimeout:     6 * time.Hour,
		ReaperInterval:    5 * time.Minute,
		ReconcileInterval: 10 * time.Minute,
		QueueGracePasses:  3,
		TxRetries:         5,
		TxBackoffBase:     100 * time.Millisecond,
		NotifyWindow:      time.Hour,
	}
}

func newHarness() *harness {
	h := &harness{
		store:     newFakeStore(),
		lidarr:    newFakeLidarr(),
		metadata:  &fakeMetadata{id: "mbid-artist-1"},
		policy:    newFakePolicy(),
		notifier:  &fakeNotifier{},
		completer: &fakeCompleter{},
		now:       time.Date(2026, 2, 10, 12, 0, 0, 0, time.UTC),
	}
	h.svc = New(Deps{
		Store:      h.store,
		Lidarr:     h.lidarr,
		Metadata:   h.metadata,
		Policy:     h.policy,
		Notifier:   h.notifier,
		Batches:    h.completer,
		Imports:    h.completer,
		Config:     testTrackerConfig(),
		RootFolder: "/music",
		Logger:     slog.Default(),
	})
	h.svc.now = func() time.Time { return h.now }
	return h
}

// seedJob inserts a job directly into the store, bypassing Create.
func (h *harness) seedJob(mutate func(*models.AcquisitionJob)) *models.AcquisitionJob {
	j := &models.AcquisitionJob{
		ID:                uuid.New(),
		UserID:            "user-1",
		Subject:           Subject("Boards of Canada", "Geogaddi"),
		NormalizedSubject: NormalizedSubject("Boards of Canada", "Geogaddi"),
		ItemType:          models.ItemTypeAlbum,
		TargetID:          "rg-geogaddi",
		Status:            models.JobStatusPending,
		Metadata: models.JobMetadata{
			ArtistName:   "Boards of Canada",
			AlbumTitle:   "Geogaddi",
			StatusText:   "Queued",
			DownloadType: models.DownloadTypeRequest,
		},
	}
	if mutate != nil {
		mutate(j)
	}
	h.store.put(j)
	return h.store.get(j.ID)
}
