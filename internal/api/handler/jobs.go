package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/jwhitmore/trackdown/internal/api/response"
	"github.com/jwhitmore/trackdown/internal/cache"
	"github.com/jwhitmore/trackdown/internal/store"
	"github.com/jwhitmore/trackdown/internal/tracker"
	"github.com/jwhitmore/trackdown/pkg/models"
)

const projectionTTL = 30 * time.Second

// JobService defines the tracker operations the handlers depend on.
type JobService interface {
	Create(ctx context.Context, req tracker.CreateRequest) (*models.AcquisitionJob, error)
	Start(ctx context.Context, in tracker.StartInput) (*tracker.StartResult, error)
}

// NewCreateJobHandler returns an http.HandlerFunc for POST /api/v1/jobs.
// Creation and the first acquisition attempt happen in one request; the
// response reports whether the attempt recovered via a substitute.
func NewCreateJobHandler(svc JobService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			UserID     string `json:"user_id"`
			ArtistName string `json:"artist_name"`
			AlbumTitle string `json:"album_title"`
			TargetID   string `json:"target_id"`
			ItemType   string `json:"item_type"`
			Discovery  bool   `json:"discovery"`
			Import     bool   `json:"import"`
			BatchID    string `json:"batch_id"`
			ImportID   string `json:"import_id"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			response.BadRequest(w, "Invalid JSON body")
			return
		}

		if req.ArtistName == "" {
			response.BadRequest(w, "artist_name is required")
			return
		}
		if req.AlbumTitle == "" && req.TargetID == "" {
			response.BadRequest(w,
				"one of album_title or target_id is required")
			return
		}
		if req.Discovery && req.Import {
			response.BadRequest(w,
				"discovery and import are mutually exclusive")
			return
		}

		create := tracker.CreateRequest{
			UserID:     req.UserID,
			ArtistName: req.ArtistName,
			AlbumTitle: req.AlbumTitle,
			TargetID:   req.TargetID,
			ItemType:   req.ItemType,
			Discovery:  req.Discovery,
			Import:     req.Import,
		}
		if req.BatchID != "" {
			id, err := uuid.Parse(req.BatchID)
			if err != nil {
				response.BadRequest(w, "batch_id must be a UUID")
				return
			}
			create.BatchID = &id
		}
		if req.ImportID != "" {
			id, err := uuid.Parse(req.ImportID)
			if err != nil {
				response.BadRequest(w, "import_id must be a UUID")
				return
			}
			create.ImportID = &id
		}

		job, err := svc.Create(r.Context(), create)
		if err != nil {
			if errors.Is(err, tracker.ErrDuplicateJob) {
				response.Error(w, http.StatusConflict, response.CodeDuplicateJob,
					"An active job already exists for this item", nil)
				return
			}
			response.Internal(w, "Failed to create job")
			return
		}

		res, err := svc.Start(r.Context(), tracker.StartInput{
			JobID:      job.ID,
			ArtistName: req.ArtistName,
			AlbumTitle: req.AlbumTitle,
			TargetID:   req.TargetID,
			UserID:     req.UserID,
			Discovery:  req.Discovery,
		})
		if err != nil {
			response.Internal(w, "Failed to start acquisition")
			return
		}

		response.Created(w, createJobResponse{
			JobID:       job.ID,
			Started:     res.Started,
			Recoverable: res.Recoverable,
			Message:     res.Message,
		})
	}
}

type createJobResponse struct {
	JobID       uuid.UUID `json:"job_id"`
	Started     bool      `json:"started"`
	Recoverable bool      `json:"recoverable,omitempty"`
	Message     string    `json:"message,omitempty"`
}

// NewGetJobHandler returns an http.HandlerFunc for GET /api/v1/jobs/{jobID}.
// Projections of settled jobs are served from Redis when fresh.
func NewGetJobHandler(st store.Store, c cache.Cache) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := uuid.Parse(chi.URLParam(r, "jobID"))
		if err != nil {
			response.BadRequest(w, "jobID must be a UUID")
			return
		}

		key := cache.JobProjectionKey(id)
		if raw, found, cerr := c.Get(r.Context(), key); cerr == nil && found {
			var proj models.JobProjection
			if json.Unmarshal(raw, &proj) == nil {
				response.JSON(w, proj)
				return
			}
		}

		job, err := st.GetJob(r.Context(), id)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				response.NotFound(w, "Job not found")
				return
			}
			response.Internal(w, "Failed to load job")
			return
		}

		proj := job.Projection()
		if raw, merr := json.Marshal(proj); merr == nil {
			// Best effort; a cache miss next time is harmless.
			_ = c.Set(r.Context(), key, raw, projectionTTL)
		}
		response.JSON(w, proj)
	}
}

// NewListJobsHandler returns an http.HandlerFunc for GET /api/v1/jobs.
// Supports ?status=pending,processing and ?batch_id=... filters.
func NewListJobsHandler(st store.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var jobs []*models.AcquisitionJob
		var err error

		switch {
		case r.URL.Query().Get("batch_id") != "":
			batchID, perr := uuid.Parse(r.URL.Query().Get("batch_id"))
			if perr != nil {
				response.BadRequest(w, "batch_id must be a UUID")
				return
			}
			jobs, err = st.ListJobsByBatch(r.Context(), batchID)
		case r.URL.Query().Get("status") != "":
			statuses := splitCSV(r.URL.Query().Get("status"))
			for _, s := range statuses {
				if !validStatus(s) {
					response.BadRequest(w,
						"unknown status "+s)
					return
				}
			}
			jobs, err = st.ListJobsByStatus(r.Context(), statuses...)
		default:
			jobs, err = st.ListActiveJobs(r.Context())
		}
		if err != nil {
			response.Internal(w, "Failed to list jobs")
			return
		}

		out := make([]models.JobProjection, 0, len(jobs))
		for _, j := range jobs {
			out = append(out, j.Projection())
		}
		response.JSON(w, out)
	}
}

func validStatus(s string) bool {
	switch s {
	case models.JobStatusPending, models.JobStatusProcessing,
		models.JobStatusExhausted, models.JobStatusCompleted, models.JobStatusFailed:
		return true
	}
	return false
}

func splitCSV(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
