package tracker

import (
	"context"
	"testing"

	"github.com/jwhitmore/trackdown/internal/lidarr"
	"github.com/jwhitmore/trackdown/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seedProcessing(h *harness, ref string, mutate func(*models.AcquisitionJob)) *models.AcquisitionJob {
	return h.seedJob(func(j *models.AcquisitionJob) {
		j.Status = models.JobStatusProcessing
		if ref != "" {
			r := ref
			j.ExternalRef = &r
		}
		if mutate != nil {
			mutate(j)
		}
	})
}

func TestReconcileAvailability_CompletesLibraryHits(t *testing.T) {
	h := newHarness()
	hit := seedProcessing(h, "sess-1", nil)
	miss := seedProcessing(h, "sess-2", func(j *models.AcquisitionJob) {
		j.Subject = Subject("Autechre", "Tri Repetae")
		j.NormalizedSubject = NormalizedSubject("Autechre", "Tri Repetae")
		j.TargetID = "rg-tri-repetae"
		j.Metadata.ArtistName = "Autechre"
		j.Metadata.AlbumTitle = "Tri Repetae"
	})
	h.lidarr.available = map[string]bool{"rg-geogaddi": true}

	require.NoError(t, h.svc.ReconcileAvailability(context.Background()))

	done := h.store.get(hit.ID)
	assert.Equal(t, models.JobStatusCompleted, done.Status)
	assert.True(t, done.Metadata.QueueSyncCompleted)
	assert.Equal(t, "Found in library", done.Metadata.StatusText)
	require.NotNil(t, done.CompletedAt)
	assert.True(t, done.CompletedAt.Equal(h.now))
	assert.Contains(t, h.notifier.completed, hit.ID)

	assert.Equal(t, models.JobStatusProcessing, h.store.get(miss.ID).Status)
	assert.NotContains(t, h.notifier.completed, miss.ID)
}

func TestReconcileAvailability_ChecksResolvedTarget(t *testing.T) {
	h := newHarness()
	job := seedProcessing(h, "sess-1", func(j *models.AcquisitionJob) {
		j.Metadata.ResolvedTargetID = "rg-geogaddi-resolved"
	})
	h.lidarr.available = map[string]bool{"rg-geogaddi-resolved": true}

	require.NoError(t, h.svc.ReconcileAvailability(context.Background()))
	assert.Equal(t, models.JobStatusCompleted, h.store.get(job.ID).Status)
}

func TestReconcileAvailability_FallsBackToTitleLookup(t *testing.T) {
	h := newHarness()
	job := seedProcessing(h, "sess-1", nil)
	h.lidarr.availableByTitle = true

	require.NoError(t, h.svc.ReconcileAvailability(context.Background()))
	assert.Equal(t, models.JobStatusCompleted, h.store.get(job.ID).Status)
}

func TestReconcileQueue_PresentSessionResetsMissCount(t *testing.T) {
	h := newHarness()
	job := seedProcessing(h, "sess-1", func(j *models.AcquisitionJob) {
		j.Metadata.QueueMissingCount = 2
	})
	h.lidarr.queue = []lidarr.QueueItem{{DownloadID: "sess-1", Title: "Boards of Canada - Geogaddi [FLAC]"}}

	require.NoError(t, h.svc.ReconcileQueue(context.Background()))
	assert.Equal(t, 0, h.store.get(job.ID).Metadata.QueueMissingCount)
	assert.Equal(t, models.JobStatusProcessing, h.store.get(job.ID).Status)
}

func TestReconcileQueue_MissingSessionWaitsOutGracePasses(t *testing.T) {
	h := newHarness()
	job := seedProcessing(h, "sess-gone", nil)

	// Grace is three passes; the first two only count.
	for pass := 1; pass <= 2; pass++ {
		require.NoError(t, h.svc.ReconcileQueue(context.Background()))
		stored := h.store.get(job.ID)
		assert.Equal(t, models.JobStatusProcessing, stored.Status, "pass %d", pass)
		assert.Equal(t, pass, stored.Metadata.QueueMissingCount, "pass %d", pass)
	}

	require.NoError(t, h.svc.ReconcileQueue(context.Background()))
	stored := h.store.get(job.ID)
	assert.Equal(t, models.JobStatusFailed, stored.Status)
	require.NotNil(t, stored.Error)
	assert.Contains(t, *stored.Error, "no longer in queue")
	assert.Contains(t, *stored.Error, "sess-gone")
	assert.Nil(t, stored.ExternalRef, "drifted session is cleared before failing")
	assert.Equal(t, "sess-gone", stored.Metadata.AltExternalRef)
}

func TestReconcileQueue_AdoptsReplacementSession(t *testing.T) {
	h := newHarness()
	job := seedProcessing(h, "sess-old", func(j *models.AcquisitionJob) {
		j.Metadata.QueueMissingCount = 2
	})
	h.lidarr.queue = []lidarr.QueueItem{
		{DownloadID: "sess-other", Title: "Aphex Twin - Drukqs"},
		{DownloadID: "sess-new", Title: "Boards of Canada - Geogaddi (2002) [FLAC]"},
	}

	require.NoError(t, h.svc.ReconcileQueue(context.Background()))

	stored := h.store.get(job.ID)
	assert.Equal(t, models.JobStatusProcessing, stored.Status)
	require.NotNil(t, stored.ExternalRef)
	assert.Equal(t, "sess-new", *stored.ExternalRef)
	assert.Equal(t, "sess-old", stored.Metadata.AltExternalRef)
	assert.Equal(t, 0, stored.Metadata.QueueMissingCount)
}

func TestReconcileQueue_ReplacementMustBeUnclaimed(t *testing.T) {
	h := newHarness()
	// Another job already owns the only matching queue item.
	owner := seedProcessing(h, "sess-owned", nil)
	job := seedProcessing(h, "sess-gone", func(j *models.AcquisitionJob) {
		j.Metadata.QueueMissingCount = 2
	})
	h.lidarr.queue = []lidarr.QueueItem{
		{DownloadID: "sess-owned", Title: "Boards of Canada - Geogaddi [FLAC]"},
	}

	require.NoError(t, h.svc.ReconcileQueue(context.Background()))

	assert.Equal(t, models.JobStatusProcessing, h.store.get(owner.ID).Status)
	stored := h.store.get(job.ID)
	assert.Equal(t, models.JobStatusFailed, stored.Status)
	assert.Nil(t, stored.ExternalRef)
}

func TestReconcileQueue_CompletesWhenAvailableAfterGrace(t *testing.T) {
	h := newHarness()
	job := seedProcessing(h, "sess-gone", func(j *models.AcquisitionJob) {
		j.Metadata.QueueMissingCount = 2
	})
	h.lidarr.available = map[string]bool{"rg-geogaddi": true}

	require.NoError(t, h.svc.ReconcileQueue(context.Background()))

	stored := h.store.get(job.ID)
	assert.Equal(t, models.JobStatusCompleted, stored.Status)
	assert.True(t, stored.Metadata.QueueSyncCompleted)
	assert.Contains(t, h.notifier.completed, job.ID)
}

func TestReconcileQueue_IgnoresJobsWithoutSession(t *testing.T) {
	h := newHarness()
	job := seedProcessing(h, "", nil)

	require.NoError(t, h.svc.ReconcileQueue(context.Background()))
	stored := h.store.get(job.ID)
	assert.Equal(t, models.JobStatusProcessing, stored.Status)
	assert.Equal(t, 0, stored.Metadata.QueueMissingCount)
}

func TestFindReplacementSession_MatchesNormalizedTitle(t *testing.T) {
	job := &models.AcquisitionJob{
		Subject: Subject("The Beatles", "Abbey Road"),
	}
	queue := []lidarr.QueueItem{
		{DownloadID: "q1", Title: "Pink Floyd - The Wall"},
		{DownloadID: "q2", Title: "The BEATLES -- Abbey Road (Remastered 2009) [FLAC]"},
	}

	// Artist and album fall back to the subject, and release-name noise is
	// normalized away before the containment check.
	got := findReplacementSession(queue, job, map[string]bool{})
	require.NotNil(t, got)
	assert.Equal(t, "q2", got.DownloadID)
}

func TestFindReplacementSession_SkipsClaimedItems(t *testing.T) {
	job := &models.AcquisitionJob{
		Metadata: models.JobMetadata{ArtistName: "Boards of Canada", AlbumTitle: "Geogaddi"},
	}
	queue := []lidarr.QueueItem{
		{DownloadID: "q1", Title: "Boards of Canada - Geogaddi"},
	}
	assert.Nil(t, findReplacementSession(queue, job, map[string]bool{"q1": true}))
}
