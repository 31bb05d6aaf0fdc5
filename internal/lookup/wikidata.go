package lookup

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/ppiankov/conceptlink/internal/model"
)

const (
	maxResponseBytes = 1 << 20
	entityPagePrefix = "https://www.wikidata.org/wiki/"
)

// searchResponse is the subset of a wbsearchentities reply we read
type searchResponse struct {
	Search []searchHit `json:"search"`
	Error  *apiError   `json:"error,omitempty"`
}

type searchHit struct {
	ID          string   `json:"id"`
	Label       string   `json:"label"`
	Description string   `json:"description"`
	URL         string   `json:"url"`
	Aliases     []string `json:"aliases"`
}

type apiError struct {
	Code string `json:"code"`
	Info string `json:"info"`
}

// search issues one wbsearchentities request and returns the top hit, or
// nil when nothing matched
func (c *Client) search(ctx context.Context, term string) (*model.Entity, error) {
	u, err := url.Parse(c.cfg.Endpoint)
	if err != nil {
		return nil, fmt.Errorf("%w: parse endpoint: %v", ErrLookup, err)
	}
	q := u.Query()
	q.Set("action", "wbsearchentities")
	q.Set("search", term)
	q.Set("language", c.cfg.Language)
	q.Set("limit", strconv.Itoa(c.cfg.Limit))
	q.Set("type", "item")
	q.Set("format", "json")
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("%w: create request: %v", ErrLookup, err)
	}
	req.Header.Set("User-Agent", c.cfg.UserAgent)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrLookup, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxResponseBytes))
		return nil, fmt.Errorf("%w: unexpected status: %d", ErrLookup, resp.StatusCode)
	}

	var body searchResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseBytes)).Decode(&body); err != nil {
		return nil, fmt.Errorf("%w: decode response: %v", ErrLookup, err)
	}
	if body.Error != nil {
		return nil, fmt.Errorf("%w: api error %s: %s", ErrLookup, body.Error.Code, body.Error.Info)
	}
	if len(body.Search) == 0 || body.Search[0].ID == "" {
		return nil, nil
	}

	hit := body.Search[0]
	return &model.Entity{
		ID:          hit.ID,
		Label:       hit.Label,
		Description: hit.Description,
		Aliases:     hit.Aliases,
		URL:         entityURL(hit),
	}, nil
}

// entityURL returns the human-readable page of a hit
func entityURL(hit searchHit) string {
	switch {
	case strings.HasPrefix(hit.URL, "//"):
		return "https:" + hit.URL
	case strings.HasPrefix(hit.URL, "http"):
		return hit.URL
	default:
		return entityPagePrefix + hit.ID
	}
}
