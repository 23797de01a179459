// Package lidarr is the client for the external acquisition service.
// Lidarr performs indexer search and download-client coordination; trackdown
// only orchestrates around it.
package lidarr

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Sentinel errors for Lidarr client failures.
var (
	// ErrNoReleases means Lidarr matched the item but no viable release
	// exists on any indexer. Terminal for the current target.
	ErrNoReleases = errors.New("lidarr: no releases available")
	// ErrNotFound means Lidarr could not match the submitted item at all.
	ErrNotFound = errors.New("lidarr: item not found")
	// ErrUnavailable covers network failures and timeouts reaching Lidarr.
	ErrUnavailable = errors.New("lidarr: unreachable")
	// ErrAPIError covers unexpected non-2xx responses.
	ErrAPIError = errors.New("lidarr: api error")
)

// AddAlbumRequest asks Lidarr to add an album and begin acquiring it.
type AddAlbumRequest struct {
	// ForeignAlbumID is the release-group id originally requested. Lidarr may
	// resolve the same logical album to a different id.
	ForeignAlbumID string
	ArtistName     string
	AlbumTitle     string
	RootFolder     string
	// ArtistMBID is optional; when known it skips Lidarr's artist lookup.
	ArtistMBID string
	// Tag is an optional label, used to mark diversity-batch additions.
	Tag string
}

// AddAlbumResult reports Lidarr's record for a newly added album.
type AddAlbumResult struct {
	// ID is Lidarr's internal numeric record id for the album.
	ID int64
	// ForeignAlbumID is the release-group id Lidarr resolved the submission
	// to, which may differ from the requested one.
	ForeignAlbumID string
}

// Album is one entry of an artist's catalog as Lidarr sees it.
type Album struct {
	ID             int64
	ForeignAlbumID string
	Title          string
	AlbumType      string // "Album", "Single", "EP", ...
}

// QueueItem is one in-flight transfer in Lidarr's download queue.
type QueueItem struct {
	// DownloadID is the download-session identifier reported in webhooks.
	DownloadID string
	Title      string
}

// SessionState describes one download session's liveness.
type SessionState struct {
	Active   bool
	Progress float64 // 0..1
}

// Client is the interface consumed by the tracker.
type Client interface {
	AddAlbum(ctx context.Context, req AddAlbumRequest) (*AddAlbumResult, error)
	GetArtistAlbums(ctx context.Context, artistMBID string) ([]Album, error)
	GetQueue(ctx context.Context) ([]QueueItem, error)
	IsAlbumAvailable(ctx context.Context, foreignAlbumID string) (bool, error)
	IsAlbumAvailableByTitle(ctx context.Context, artistName, albumTitle string) (bool, error)
	RemoveAndBlocklist(ctx context.Context, downloadID string) error
	GetSessionState(ctx context.Context, downloadID string) (*SessionState, error)
}

// HTTPClient implements Client using Lidarr's v1 HTTP API.
type HTTPClient struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

// NewHTTPClient creates a new Lidarr HTTP client.
func NewHTTPClient(baseURL, apiKey string, timeout time.Duration) *HTTPClient {
	return &HTTPClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		client:  &http.Client{Timeout: timeout},
	}
}

func (c *HTTPClient) AddAlbum(ctx context.Context, req AddAlbumRequest) (*AddAlbumResult, error) {
	body := map[string]any{
		"foreignAlbumId": req.ForeignAlbumID,
		"monitored":      true,
		"artist": map[string]any{
			"artistName":      req.ArtistName,
			"foreignArtistId": req.ArtistMBID,
			"rootFolderPath":  req.RootFolder,
			"monitored":       true,
		},
		"addOptions": map[string]any{
			"searchForNewAlbum": true,
		},
	}
	if req.Tag != "" {
		body["tags"] = []string{req.Tag}
	}

	var resp struct {
		ID             int64  `json:"id"`
		ForeignAlbumID string `json:"foreignAlbumId"`
	}
	if err := c.do(ctx, http.MethodPost, "/api/v1/album", nil, body, &resp); err != nil {
		return nil, err
	}
	return &AddAlbumResult{ID: resp.ID, ForeignAlbumID: resp.ForeignAlbumID}, nil
}

func (c *HTTPClient) GetArtistAlbums(ctx context.Context, artistMBID string) ([]Album, error) {
	params := url.Values{"foreignArtistId": {artistMBID}, "includeAllArtistAlbums": {"true"}}

	var resp []struct {
		ID             int64  `json:"id"`
		ForeignAlbumID string `json:"foreignAlbumId"`
		Title          string `json:"title"`
		AlbumType      string `json:"albumType"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/v1/album", params, nil, &resp); err != nil {
		return nil, err
	}

	albums := make([]Album, 0, len(resp))
	for _, a := range resp {
		albums = append(albums, Album{
			ID:             a.ID,
			ForeignAlbumID: a.ForeignAlbumID,
			Title:          a.Title,
			AlbumType:      a.AlbumType,
		})
	}
	return albums, nil
}

func (c *HTTPClient) GetQueue(ctx context.Context) ([]QueueItem, error) {
	params := url.Values{"pageSize": {"1000"}}

	var resp struct {
		Records []struct {
			DownloadID string `json:"downloadId"`
			Title      string `json:"title"`
		} `json:"records"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/v1/queue", params, nil, &resp); err != nil {
		return nil, err
	}

	items := make([]QueueItem, 0, len(resp.Records))
	for _, r := range resp.Records {
		items = append(items, QueueItem{DownloadID: r.DownloadID, Title: r.Title})
	}
	return items, nil
}

func (c *HTTPClient) IsAlbumAvailable(ctx context.Context, foreignAlbumID string) (bool, error) {
	params := url.Values{"foreignAlbumId": {foreignAlbumID}}

	var resp []albumStats
	if err := c.do(ctx, http.MethodGet, "/api/v1/album", params, nil, &resp); err != nil {
		if errors.Is(err, ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	for _, a := range resp {
		if a.Statistics.TrackFileCount > 0 {
			return true, nil
		}
	}
	return false, nil
}

func (c *HTTPClient) IsAlbumAvailableByTitle(ctx context.Context, artistName, albumTitle string) (bool, error) {
	params := url.Values{"term": {artistName + " " + albumTitle}}

	var resp []albumStats
	if err := c.do(ctx, http.MethodGet, "/api/v1/album/lookup", params, nil, &resp); err != nil {
		if errors.Is(err, ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	for _, a := range resp {
		// Lookup results carry a nonzero id only when already in the library.
		if a.ID > 0 && a.Statistics.TrackFileCount > 0 {
			return true, nil
		}
	}
	return false, nil
}

// RemoveAndBlocklist drops a download session from the queue, blocklists its
// release, and asks Lidarr to search for an alternative on its own.
func (c *HTTPClient) RemoveAndBlocklist(ctx context.Context, downloadID string) error {
	rec, err := c.queueRecord(ctx, downloadID)
	if err != nil {
		return err
	}
	if rec == nil {
		return ErrNotFound
	}

	params := url.Values{
		"removeFromClient": {"true"},
		"blocklist":        {"true"},
		"skipRedownload":   {"false"},
	}
	return c.do(ctx, http.MethodDelete, fmt.Sprintf("/api/v1/queue/%d", rec.ID), params, nil, nil)
}

func (c *HTTPClient) GetSessionState(ctx context.Context, downloadID string) (*SessionState, error) {
	rec, err := c.queueRecord(ctx, downloadID)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return &SessionState{Active: false}, nil
	}

	progress := 0.0
	if rec.Size > 0 {
		progress = 1 - rec.SizeLeft/rec.Size
	}
	active := rec.Status == "downloading" || rec.Status == "queued" || rec.Status == "importing"
	return &SessionState{Active: active, Progress: progress}, nil
}

// --- internals ---

type albumStats struct {
	ID         int64 `json:"id"`
	Statistics struct {
		TrackFileCount int `json:"trackFileCount"`
	} `json:"statistics"`
}

type queueRecord struct {
	ID         int64   `json:"id"`
	DownloadID string  `json:"downloadId"`
	Title      string  `json:"title"`
	Status     string  `json:"status"`
	Size       float64 `json:"size"`
	SizeLeft   float64 `json:"sizeleft"`
}

func (c *HTTPClient) queueRecord(ctx context.Context, downloadID string) (*queueRecord, error) {
	params := url.Values{"pageSize": {"1000"}}

	var resp struct {
		Records []queueRecord `json:"records"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/v1/queue", params, nil, &resp); err != nil {
		return nil, err
	}
	for i := range resp.Records {
		if resp.Records[i].DownloadID == downloadID {
			return &resp.Records[i], nil
		}
	}
	return nil, nil
}

func (c *HTTPClient) do(ctx context.Context, method, path string, params url.Values, body, out any) error {
	u := c.baseURL + path
	if len(params) > 0 {
		u += "?" + params.Encode()
	}

	var reqBody io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encoding request body: %w", err)
		}
		reqBody = bytes.NewReader(b)
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, u, reqBody)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	httpReq.Header.Set("X-Api-Key", c.apiKey)
	if body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return classifyError(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return classifyStatus(resp)
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decoding lidarr response: %w", err)
		}
	}
	return nil
}

// classifyStatus maps Lidarr error responses onto the sentinel taxonomy.
// Lidarr reports validation failures as 400/422 with a message payload;
// "no releases" failures surface there.
func classifyStatus(resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	msg := extractMessage(raw)

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return fmt.Errorf("%w: %s", ErrNotFound, msg)
	case resp.StatusCode == http.StatusBadRequest || resp.StatusCode == http.StatusUnprocessableEntity:
		lower := strings.ToLower(msg)
		if strings.Contains(lower, "no release") || strings.Contains(lower, "no results") {
			return fmt.Errorf("%w: %s", ErrNoReleases, msg)
		}
		if strings.Contains(lower, "not found") || strings.Contains(lower, "unable to find") {
			return fmt.Errorf("%w: %s", ErrNotFound, msg)
		}
		return fmt.Errorf("%w: status %d: %s", ErrAPIError, resp.StatusCode, msg)
	default:
		return fmt.Errorf("%w: status %d: %s", ErrAPIError, resp.StatusCode, msg)
	}
}

func extractMessage(raw []byte) string {
	var single struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(raw, &single); err == nil && single.Message != "" {
		return single.Message
	}
	var many []struct {
		ErrorMessage string `json:"errorMessage"`
	}
	if err := json.Unmarshal(raw, &many); err == nil && len(many) > 0 {
		return many[0].ErrorMessage
	}
	return strings.TrimSpace(string(raw))
}

func classifyError(err error) error {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: timeout: %v", ErrUnavailable, err)
	}
	return fmt.Errorf("%w: %v", ErrUnavailable, err)
}
