package tracker

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jwhitmore/trackdown/internal/lidarr"
	"github.com/jwhitmore/trackdown/internal/store"
	"github.com/jwhitmore/trackdown/pkg/models"
)

// planFallback decides what happens to a job whose current target is
// exhausted. Depending on the job's origin it either substitutes another
// album by the same artist (marking this job exhausted and continuing the
// lineage in a fresh sibling job), or terminates the job. Returns whether a
// substitution was started.
func (s *Service) planFallback(ctx context.Context, job *models.AcquisitionJob, cause string) (bool, error) {
	md := job.Metadata

	switch {
	case job.Discovery():
		// Diversity policy: a discovery batch must not pile further albums
		// onto the same artist. The discovery side picks a new artist.
		s.failTerminal(ctx, job.ID, cause)
		return false, nil
	case md.DownloadType == models.DownloadTypeImport || md.FallbackDisallowed:
		// Exact-match import: the user wants this item, not a substitute.
		s.failTerminal(ctx, job.ID, cause)
		return false, nil
	case job.ArtistID == nil || *job.ArtistID == "":
		s.failTerminal(ctx, job.ID, cause)
		return false, nil
	}

	// The external service's own catalog, not the metadata service: only it
	// knows what it can actually acquire. Network call stays outside any
	// transaction.
	albums, err := s.lidarr.GetArtistAlbums(ctx, *job.ArtistID)
	if err != nil {
		s.failTerminal(ctx, job.ID, cause+"; artist catalog unavailable")
		return false, nil
	}

	var sibling *models.AcquisitionJob
	var alreadyDisposed bool
	err = s.store.InTx(ctx, func(q store.Store) error {
		sibling, alreadyDisposed = nil, false

		cur, err := q.GetJob(ctx, job.ID)
		if err != nil {
			return err
		}
		if cur.Terminal() || cur.Status == models.JobStatusExhausted {
			// Another path already disposed of this job.
			alreadyDisposed = true
			return nil
		}

		// Every target ever attempted for this artist, by any job in any
		// status, is off the table. This set only grows, so substitution
		// chains terminate within the catalog size.
		attempted := map[string]bool{cur.TargetID: true}
		addAttempt := func(id string) {
			if id != "" {
				attempted[id] = true
			}
		}
		addAttempt(cur.Metadata.ResolvedTargetID)
		prior, err := q.ListJobsByArtist(ctx, *job.ArtistID)
		if err != nil {
			return err
		}
		for _, p := range prior {
			addAttempt(p.TargetID)
			addAttempt(p.Metadata.RequestedTargetID)
			addAttempt(p.Metadata.ResolvedTargetID)
		}

		pick := pickFallbackAlbum(albums, attempted)
		if pick == nil {
			return nil
		}

		artistName := cur.Metadata.ArtistName
		if artistName == "" {
			artistName, _ = ParseSubject(cur.Subject)
		}

		cur.Status = models.JobStatusExhausted
		cur.Metadata.StatusText = "Trying another album by this artist"
		if err := q.UpdateJob(ctx, cur); err != nil {
			return err
		}

		sibling = &models.AcquisitionJob{
			ID:                uuid.New(),
			UserID:            cur.UserID,
			Subject:           Subject(artistName, pick.Title),
			NormalizedSubject: NormalizedSubject(artistName, pick.Title),
			ItemType:          models.ItemTypeAlbum,
			TargetID:          pick.ForeignAlbumID,
			Status:            models.JobStatusPending,
			ArtistID:          cur.ArtistID,
			BatchID:           cur.BatchID,
			Metadata: models.JobMetadata{
				ArtistName:         artistName,
				AlbumTitle:         pick.Title,
				RequestedTargetID:  pick.ForeignAlbumID,
				StatusText:         "Queued",
				DownloadType:       cur.Metadata.DownloadType,
				ImportID:           cur.Metadata.ImportID,
				SameArtistFallback: true,
				OriginalJobID:      &cur.ID,
			},
		}
		return q.CreateJob(ctx, sibling)
	})
	if err != nil {
		return false, fmt.Errorf("plan fallback: %w", err)
	}
	if alreadyDisposed {
		return false, nil
	}
	if sibling == nil {
		s.failTerminal(ctx, job.ID, cause+"; no untried albums left for this artist")
		return false, nil
	}

	s.logger.Info("same-artist fallback",
		"from_job", job.ID, "to_job", sibling.ID, "target", sibling.TargetID, "title", sibling.Metadata.AlbumTitle)

	// The sibling owns its own terminal disposition from here; the planner
	// does not retry further.
	if _, err := s.Start(ctx, StartInput{
		JobID:      sibling.ID,
		ArtistName: sibling.Metadata.ArtistName,
		AlbumTitle: sibling.Metadata.AlbumTitle,
		TargetID:   sibling.TargetID,
		UserID:     sibling.UserID,
	}); err != nil {
		s.logger.Error("fallback job start", "job_id", sibling.ID, "error", err)
	}
	return true, nil
}

// pickFallbackAlbum selects the first untried catalog entry, preferring
// studio albums over singles and EPs when both remain.
func pickFallbackAlbum(albums []lidarr.Album, attempted map[string]bool) *lidarr.Album {
	var firstOther *lidarr.Album
	for i := range albums {
		a := &albums[i]
		if a.ForeignAlbumID == "" || attempted[a.ForeignAlbumID] {
			continue
		}
		if strings.EqualFold(a.AlbumType, "Album") {
			return a
		}
		if firstOther == nil {
			firstOther = a
		}
	}
	return firstOther
}
