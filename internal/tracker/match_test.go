package tracker

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jwhitmore/trackdown/internal/notify"
	"github.com/jwhitmore/trackdown/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHandleGrabbed_MatchByTargetID(t *testing.T) {
	h := newHarness()
	job := h.seedJob(func(j *models.AcquisitionJob) { j.TargetID = "rg-geogaddi" })

	err := h.svc.HandleGrabbed(context.Background(), GrabEvent{
		SessionID: "sess-1",
		ItemID:    "rg-geogaddi",
		ItemTitle: "Geogaddi",
	})
	require.NoError(t, err)

	stored := h.store.get(job.ID)
	assert.Equal(t, models.JobStatusProcessing, stored.Status)
	require.NotNil(t, stored.ExternalRef)
	assert.Equal(t, "sess-1", *stored.ExternalRef)
	assert.Equal(t, "Downloading", stored.Metadata.StatusText)
}

func TestHandleGrabbed_Idempotent(t *testing.T) {
	h := newHarness()
	job := h.seedJob(nil)

	ev := GrabEvent{SessionID: "sess-1", ItemID: "rg-geogaddi"}
	require.NoError(t, h.svc.HandleGrabbed(context.Background(), ev))
	require.NoError(t, h.svc.HandleGrabbed(context.Background(), ev))

	// Still exactly one job holding the session.
	withRef := h.store.list(func(j *models.AcquisitionJob) bool {
		return j.ExternalRef != nil && *j.ExternalRef == "sess-1"
	})
	require.Len(t, withRef, 1)
	assert.Equal(t, job.ID, withRef[0].ID)
}

func TestHandleGrabbed_StrategyOrderPrefersResolvedTarget(t *testing.T) {
	h := newHarness()
	// Two jobs: one whose resolved target matches, one whose title would
	// substring-match. The earlier strategy must win.
	winner := h.seedJob(func(j *models.AcquisitionJob) {
		j.Subject = Subject("Autechre", "Amber")
		j.NormalizedSubject = NormalizedSubject("Autechre", "Amber")
		j.TargetID = "rg-requested"
		j.Metadata.ResolvedTargetID = "rg-resolved"
		j.Metadata.ArtistName = "Autechre"
		j.Metadata.AlbumTitle = "Amber"
	})
	h.seedJob(func(j *models.AcquisitionJob) {
		j.Subject = Subject("Someone", "Amber Tape")
		j.NormalizedSubject = NormalizedSubject("Someone", "Amber Tape")
		j.TargetID = "rg-other"
		j.Metadata.ArtistName = "Someone"
		j.Metadata.AlbumTitle = "Amber Tape"
	})

	err := h.svc.HandleGrabbed(context.Background(), GrabEvent{
		SessionID: "sess-2",
		ItemID:    "rg-resolved",
		ItemTitle: "Amber",
	})
	require.NoError(t, err)

	stored := h.store.get(winner.ID)
	require.NotNil(t, stored.ExternalRef)
	assert.Equal(t, "sess-2", *stored.ExternalRef)
}

func TestHandleGrabbed_AmbiguousStrategySkipped(t *testing.T) {
	h := newHarness()
	// Two unassigned jobs whose subjects both contain the grabbed title;
	// the substring strategy yields two candidates and must not pick either.
	a := h.seedJob(func(j *models.AcquisitionJob) {
		j.Subject = Subject("Aphex Twin", "Selected Ambient Works 85-92")
		j.NormalizedSubject = NormalizedSubject("Aphex Twin", "Selected Ambient Works 85-92")
		j.TargetID = "rg-saw1"
	})
	b := h.seedJob(func(j *models.AcquisitionJob) {
		j.Subject = Subject("Aphex Twin", "Selected Ambient Works Volume II")
		j.NormalizedSubject = NormalizedSubject("Aphex Twin", "Selected Ambient Works Volume II")
		j.TargetID = "rg-saw2"
	})

	err := h.svc.HandleGrabbed(context.Background(), GrabEvent{
		SessionID:  "sess-3",
		ItemTitle:  "Selected Ambient Works",
		ArtistName: "Aphex Twin",
	})
	require.NoError(t, err)

	assert.Nil(t, h.store.get(a.ID).ExternalRef)
	assert.Nil(t, h.store.get(b.ID).ExternalRef)
}

func TestHandleGrabbed_SynthesizesForWatchedArtist(t *testing.T) {
	h := newHarness()
	// A recent artist-type job establishes ownership for that artist.
	h.seedJob(func(j *models.AcquisitionJob) {
		j.UserID = "user-artist-fan"
		j.ItemType = models.ItemTypeArtist
		j.Subject = Subject("Burial", "")
		j.NormalizedSubject = NormalizedSubject("Burial", "")
		j.TargetID = "artist-burial"
		j.Status = models.JobStatusCompleted
		j.Metadata.ArtistName = "Burial"
	})

	err := h.svc.HandleGrabbed(context.Background(), GrabEvent{
		SessionID:      "sess-4",
		ItemID:         "rg-untrue",
		ItemTitle:      "Untrue",
		ArtistName:     "Burial",
		ExternalItemID: 42,
	})
	require.NoError(t, err)

	created := h.store.list(func(j *models.AcquisitionJob) bool {
		return j.ExternalRef != nil && *j.ExternalRef == "sess-4"
	})
	require.Len(t, created, 1)
	nj := created[0]
	assert.Equal(t, "user-artist-fan", nj.UserID)
	assert.Equal(t, models.JobStatusProcessing, nj.Status)
	assert.Equal(t, "rg-untrue", nj.TargetID)
	assert.Equal(t, 1, nj.Attempts)
	require.NotNil(t, nj.ExternalItemID)
	assert.Equal(t, int64(42), *nj.ExternalItemID)
}

func TestHandleGrabbed_DiscardedWithoutOwner(t *testing.T) {
	h := newHarness()

	err := h.svc.HandleGrabbed(context.Background(), GrabEvent{
		SessionID:  "sess-5",
		ItemTitle:  "Mystery Album",
		ArtistName: "Nobody Known",
	})
	require.NoError(t, err)

	all := h.store.list(func(*models.AcquisitionJob) bool { return true })
	assert.Empty(t, all, "no job should be synthesized without an inferable owner")
}

func TestHandleGrabbed_DiscardedDuplicate(t *testing.T) {
	h := newHarness()
	// A completed job for the same target exists: the event is history
	// repeating, not a new acquisition.
	h.seedJob(func(j *models.AcquisitionJob) {
		j.Status = models.JobStatusCompleted
		j.TargetID = "rg-geogaddi"
	})

	err := h.svc.HandleGrabbed(context.Background(), GrabEvent{
		SessionID: "sess-6",
		ItemID:    "rg-geogaddi",
		ItemTitle: "Geogaddi",
	})
	require.NoError(t, err)

	withRef := h.store.list(func(j *models.AcquisitionJob) bool { return j.ExternalRef != nil })
	assert.Empty(t, withRef)
}

func TestHandleCompleted_BySession(t *testing.T) {
	h := newHarness()
	batchID := uuid.New()
	job := h.seedJob(func(j *models.AcquisitionJob) {
		j.Status = models.JobStatusProcessing
		ref := "sess-7"
		j.ExternalRef = &ref
		j.BatchID = &batchID
	})

	err := h.svc.HandleCompleted(context.Background(), CompleteEvent{SessionID: "sess-7"})
	require.NoError(t, err)

	stored := h.store.get(job.ID)
	assert.Equal(t, models.JobStatusCompleted, stored.Status)
	require.NotNil(t, stored.CompletedAt)
	assert.Nil(t, stored.Error)
	assert.Contains(t, h.notifier.completed, job.ID)
	assert.Contains(t, h.completer.batches, batchID)
}

func TestHandleCompleted_Idempotent(t *testing.T) {
	h := newHarness()
	job := h.seedJob(func(j *models.AcquisitionJob) {
		j.Status = models.JobStatusProcessing
		ref := "sess-8"
		j.ExternalRef = &ref
	})

	ev := CompleteEvent{SessionID: "sess-8"}
	require.NoError(t, h.svc.HandleCompleted(context.Background(), ev))
	require.NoError(t, h.svc.HandleCompleted(context.Background(), ev))

	assert.Equal(t, models.JobStatusCompleted, h.store.get(job.ID).Status)
	// Only the first delivery notifies.
	count := 0
	for _, id := range h.notifier.completed {
		if id == job.ID {
			count++
		}
	}
	assert.Equal(t, 1, count)
}

func TestHandleCompleted_MergesDuplicates(t *testing.T) {
	h := newHarness()
	winner := h.seedJob(func(j *models.AcquisitionJob) {
		j.Status = models.JobStatusProcessing
		ref := "sess-9"
		j.ExternalRef = &ref
	})
	dup := h.seedJob(func(j *models.AcquisitionJob) {
		j.UserID = "user-2"
	})

	err := h.svc.HandleCompleted(context.Background(), CompleteEvent{SessionID: "sess-9"})
	require.NoError(t, err)

	assert.Equal(t, models.JobStatusCompleted, h.store.get(winner.ID).Status)
	merged := h.store.get(dup.ID)
	assert.Equal(t, models.JobStatusCompleted, merged.Status)
	require.NotNil(t, merged.Metadata.MergedWithJob)
	assert.Equal(t, winner.ID, *merged.Metadata.MergedWithJob)
}

func TestHandleCompleted_ByAlternateSession(t *testing.T) {
	h := newHarness()
	job := h.seedJob(func(j *models.AcquisitionJob) {
		j.Status = models.JobStatusProcessing
		ref := "sess-new"
		j.ExternalRef = &ref
		j.Metadata.AltExternalRef = "sess-old"
	})

	// The completion webhook still references the superseded session.
	err := h.svc.HandleCompleted(context.Background(), CompleteEvent{SessionID: "sess-old"})
	require.NoError(t, err)

	assert.Equal(t, models.JobStatusCompleted, h.store.get(job.ID).Status)
}

func TestHandleImportFailed_WaitsInsideRetryWindow(t *testing.T) {
	h := newHarness()
	h.policy.decisions[notify.EventTimeout] = notify.Decision{ShouldNotify: false, Reason: "within external retry window"}
	started := h.now.Add(-3 * time.Hour)
	job := h.seedJob(func(j *models.AcquisitionJob) {
		j.Status = models.JobStatusProcessing
		ref := "sess-10"
		j.ExternalRef = &ref
		j.Metadata.StartedAt = &started
	})

	err := h.svc.HandleImportFailed(context.Background(), ImportFailedEvent{
		SessionID: "sess-10",
		Reason:    "corrupt archive",
	})
	require.NoError(t, err)

	stored := h.store.get(job.ID)
	assert.Equal(t, models.JobStatusProcessing, stored.Status, "first failure in window must not dispose the job")
	assert.Equal(t, 1, stored.Metadata.FailureCount)
	assert.Equal(t, "corrupt archive", stored.Metadata.LastError)
	require.NotNil(t, stored.Metadata.StartedAt)
	assert.True(t, stored.Metadata.StartedAt.Equal(h.now), "deadline should count from now")
}

func TestHandleImportFailed_ActsAfterWindow(t *testing.T) {
	h := newHarness()
	h.policy.decisions[notify.EventTimeout] = notify.Decision{ShouldNotify: true, Reason: "retry window elapsed"}
	job := h.seedJob(func(j *models.AcquisitionJob) {
		j.Status = models.JobStatusProcessing
		ref := "sess-11"
		j.ExternalRef = &ref
		j.Metadata.DownloadType = models.DownloadTypeImport
		j.Metadata.FallbackDisallowed = true
	})

	err := h.svc.HandleImportFailed(context.Background(), ImportFailedEvent{
		SessionID: "sess-11",
		Reason:    "no files eligible for import",
	})
	require.NoError(t, err)

	stored := h.store.get(job.ID)
	assert.Equal(t, models.JobStatusFailed, stored.Status)
	require.NotNil(t, stored.Error)
	assert.Contains(t, *stored.Error, "import failed")
}
