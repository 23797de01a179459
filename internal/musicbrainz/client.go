// Package musicbrainz resolves artist identifiers via the MusicBrainz web
// service. Lookups are best-effort: callers treat failures as non-fatal.
package musicbrainz

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
)

var ErrNoMatch = errors.New("musicbrainz: no matching artist")

// Client is the metadata-lookup interface consumed by the tracker.
type Client interface {
	ArtistID(ctx context.Context, name string) (string, error)
}

// HTTPClient implements Client against the MusicBrainz ws/2 API.
type HTTPClient struct {
	baseURL string
	client  *http.Client
}

func NewHTTPClient(baseURL string, timeout time.Duration) *HTTPClient {
	return &HTTPClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
	}
}

// ArtistID returns the MusicBrainz artist id best matching name.
func (c *HTTPClient) ArtistID(ctx context.Context, name string) (string, error) {
	params := url.Values{
		"query": {fmt.Sprintf("artist:%q", name)},
		"fmt":   {"json"},
		"limit": {"1"},
	}
	u := c.baseURL + "/ws/2/artist?" + params.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return "", fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("User-Agent", "trackdown/1.0 (+https://github.com/jwhitmore/trackdown)")

	resp, err := c.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("musicbrainz request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("musicbrainz: status %d", resp.StatusCode)
	}

	var body struct {
		Artists []struct {
			ID    string `json:"id"`
			Score int    `json:"score"`
		} `json:"artists"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", fmt.Errorf("decoding musicbrainz response: %w", err)
	}

	if len(body.Artists) == 0 || body.Artists[0].ID == "" {
		return "", ErrNoMatch
	}
	return body.Artists[0].ID, nil
}
