package lookup

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/temoto/robotstxt"
)

// RobotsPolicy is what the endpoint host's robots.txt says about us
type RobotsPolicy struct {
	Allowed    bool
	CrawlDelay time.Duration
}

// HonorRobots reads robots.txt of the endpoint host and widens the shared
// gate to its Crawl-delay. A missing or unreadable robots.txt allows everything.
func (c *Client) HonorRobots(ctx context.Context) (RobotsPolicy, error) {
	policy, err := fetchRobots(ctx, c.httpClient, c.cfg.Endpoint, c.cfg.UserAgent)
	if err != nil {
		c.logger.Warn().Err(err).Msg("robots.txt unavailable, assuming allowed")
		return RobotsPolicy{Allowed: true}, nil
	}

	if !policy.Allowed {
		c.logger.Warn().Str("endpoint", c.cfg.Endpoint).Msg("robots.txt disallows the lookup endpoint")
	}
	if c.gate.RaiseInterval(policy.CrawlDelay) {
		c.logger.Info().Dur("crawl_delay", policy.CrawlDelay).Msg("raised lookup interval to robots.txt crawl delay")
	}
	return policy, nil
}

func fetchRobots(ctx context.Context, hc *http.Client, endpoint, userAgent string) (RobotsPolicy, error) {
	parsed, err := url.Parse(endpoint)
	if err != nil {
		return RobotsPolicy{}, fmt.Errorf("parse URL: %w", err)
	}
	robotsURL := fmt.Sprintf("%s://%s/robots.txt", parsed.Scheme, parsed.Host)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, robotsURL, nil)
	if err != nil {
		return RobotsPolicy{}, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := hc.Do(req)
	if err != nil {
		return RobotsPolicy{}, fmt.Errorf("fetch robots.txt: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := robotstxt.FromResponse(resp)
	if err != nil {
		return RobotsPolicy{}, fmt.Errorf("parse robots.txt: %w", err)
	}

	agent := normalizeUserAgent(userAgent)
	policy := RobotsPolicy{Allowed: data.TestAgent(parsed.Path, agent)}
	if group := data.FindGroup(agent); group != nil {
		policy.CrawlDelay = group.CrawlDelay
	}
	return policy, nil
}

// normalizeUserAgent reduces a user agent to its product token for robots.txt matching
func normalizeUserAgent(ua string) string {
	parts := strings.Fields(ua)
	if len(parts) > 0 {
		return strings.Split(parts[0], "/")[0]
	}
	return ua
}
