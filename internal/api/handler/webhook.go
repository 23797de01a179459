package handler

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/jwhitmore/trackdown/internal/api/response"
	"github.com/jwhitmore/trackdown/internal/tracker"
)

// EventSink defines the tracker correlation operations the webhook feeds.
type EventSink interface {
	HandleGrabbed(ctx context.Context, ev tracker.GrabEvent) error
	HandleCompleted(ctx context.Context, ev tracker.CompleteEvent) error
	HandleImportFailed(ctx context.Context, ev tracker.ImportFailedEvent) error
}

// webhookPayload mirrors the acquisition service's webhook body. Only the
// fields the matcher uses are decoded.
type webhookPayload struct {
	EventType string `json:"eventType"`
	Artist    struct {
		Name string `json:"name"`
		MBID string `json:"mbId"`
	} `json:"artist"`
	Albums []struct {
		ID             int64  `json:"id"`
		Title          string `json:"title"`
		ForeignAlbumID string `json:"foreignAlbumId"`
	} `json:"albums"`
	DownloadID string `json:"downloadId"`
	Message    string `json:"message"`
}

// NewWebhookHandler returns an http.HandlerFunc for POST /api/v1/webhooks/lidarr.
// Delivery is at-least-once, so every path through the sink is idempotent;
// the handler always acknowledges with 200 once the event was processed, and
// with 200 for event types it does not track so the sender does not retry.
func NewWebhookHandler(sink EventSink, token string, logger *slog.Logger) http.HandlerFunc {
	if logger == nil {
		logger = slog.Default()
	}
	return func(w http.ResponseWriter, r *http.Request) {
		if !validToken(r, token) {
			response.Error(w, http.StatusUnauthorized, response.CodeInvalidToken, "Invalid webhook token", nil)
			return
		}

		var p webhookPayload
		if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
			response.BadRequest(w, "Invalid JSON body")
			return
		}

		var err error
		switch p.EventType {
		case "Test":
			// Connectivity check from the sender's settings page.
		case "Grab":
			err = sink.HandleGrabbed(r.Context(), tracker.GrabEvent{
				SessionID:      p.DownloadID,
				ItemID:         firstForeignAlbumID(p),
				ItemTitle:      firstAlbumTitle(p),
				ArtistName:     p.Artist.Name,
				ExternalItemID: firstAlbumID(p),
			})
		case "Download":
			err = sink.HandleCompleted(r.Context(), tracker.CompleteEvent{
				SessionID:      p.DownloadID,
				ItemID:         firstForeignAlbumID(p),
				ItemTitle:      firstAlbumTitle(p),
				ArtistName:     p.Artist.Name,
				ExternalItemID: firstAlbumID(p),
			})
		case "DownloadFailed", "AlbumImportIncomplete":
			err = sink.HandleImportFailed(r.Context(), tracker.ImportFailedEvent{
				SessionID: p.DownloadID,
				Reason:    p.Message,
				ItemID:    firstForeignAlbumID(p),
			})
		default:
			logger.Info("ignoring webhook event", "event_type", p.EventType)
		}
		if err != nil {
			logger.Error("webhook processing failed",
				"event_type", p.EventType, "download_id", p.DownloadID, "error", err)
			response.Internal(w, "Failed to process event")
			return
		}

		response.JSON(w, map[string]string{"status": "ok"})
	}
}

func validToken(r *http.Request, token string) bool {
	if token == "" {
		return false
	}
	if r.Header.Get("X-Webhook-Token") == token {
		return true
	}
	return r.URL.Query().Get("token") == token
}

func firstAlbumID(p webhookPayload) int64 {
	if len(p.Albums) > 0 {
		return p.Albums[0].ID
	}
	return 0
}

func firstForeignAlbumID(p webhookPayload) string {
	if len(p.Albums) > 0 {
		return p.Albums[0].ForeignAlbumID
	}
	return ""
}

func firstAlbumTitle(p webhookPayload) string {
	if len(p.Albums) > 0 {
		return p.Albums[0].Title
	}
	return ""
}
