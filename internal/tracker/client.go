// Package tracker implements the read-only client for the external issue
// tracker.
//
// The tracker is the source of truth for work-item metadata. This client
// only ever fetches; all writes flow the other way (tracker events into
// the local store). Every call passes through the shared rate Budget, and
// transient failures are retried with capped exponential backoff.
package tracker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// ErrRateLimited wraps tracker 429 responses after retries are spent.
var ErrRateLimited = errors.New("tracker rate limited")

// HTTPError is a non-2xx tracker response that is not retryable.
type HTTPError struct {
	StatusCode int
	Message    string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("tracker http %d: %s", e.StatusCode, e.Message)
}

// IsNotFound reports whether err is a tracker 404.
func IsNotFound(err error) bool {
	var httpErr *HTTPError
	return errors.As(err, &httpErr) && httpErr.StatusCode == http.StatusNotFound
}

// Item is one tracker work item as returned by the fetch endpoints.
type Item struct {
	Ref         int64     `json:"ref"`
	Title       string    `json:"title"`
	State       string    `json:"state"`
	Labels      []string  `json:"labels,omitempty"`
	Body        string    `json:"body,omitempty"`
	StoryPoints int       `json:"story_points,omitempty"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Client talks to the tracker's REST API.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
	budget     *Budget

	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
}

// NewClient creates a tracker client. A nil httpClient gets a 15s default
// timeout; a nil budget disables rate limiting (tests only).
func NewClient(baseURL, token string, httpClient *http.Client, budget *Budget) *Client {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	return &Client{
		baseURL:    baseURL,
		token:      strings.TrimSpace(token),
		httpClient: httpClient,
		budget:     budget,
		maxRetries: 3,
		baseDelay:  100 * time.Millisecond,
		maxDelay:   2 * time.Second,
	}
}

// GetItem fetches one work item by reference number.
func (c *Client) GetItem(ctx context.Context, ref int64) (*Item, error) {
	var item Item
	path := fmt.Sprintf("/api/items/%d", ref)
	if err := c.doJSON(ctx, path, &item); err != nil {
		return nil, err
	}
	return &item, nil
}

// ListItems fetches all items matching a label or search query, paging
// through the full result set. An empty query returns every item; the
// periodic reconciliation pass uses that to replay the tracker's state.
func (c *Client) ListItems(ctx context.Context, query string) ([]Item, error) {
	var all []Item
	cursor := ""
	for {
		q := url.Values{}
		if query != "" {
			q.Set("q", query)
		}
		if cursor != "" {
			q.Set("cursor", cursor)
		}

		var page struct {
			Items      []Item  `json:"items"`
			NextCursor *string `json:"next_cursor"`
		}
		path := "/api/items"
		if enc := q.Encode(); enc != "" {
			path += "?" + enc
		}
		if err := c.doJSON(ctx, path, &page); err != nil {
			return nil, err
		}
		all = append(all, page.Items...)

		if page.NextCursor == nil || *page.NextCursor == "" {
			return all, nil
		}
		cursor = *page.NextCursor
	}
}

// doJSON performs one GET with budget waits, retry and backoff.
//
// 429 pauses the shared budget for the advertised Retry-After window
// before retrying; 5xx and transport errors back off exponentially.
// Other non-2xx statuses surface immediately as *HTTPError.
func (c *Client) doJSON(ctx context.Context, requestPath string, out any) error {
	for attempt := 0; ; attempt++ {
		if c.budget != nil {
			if err := c.budget.Wait(ctx); err != nil {
				return err
			}
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+requestPath, nil)
		if err != nil {
			return fmt.Errorf("failed to build tracker request: %w", err)
		}
		if c.token != "" {
			req.Header.Set("Authorization", "Bearer "+c.token)
		}
		req.Header.Set("Accept", "application/json")

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if attempt < c.maxRetries {
				if waitErr := waitWithContext(ctx, c.retryDelay(attempt+1, "")); waitErr != nil {
					return waitErr
				}
				continue
			}
			return fmt.Errorf("tracker request failed: %w", err)
		}

		payload, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			return fmt.Errorf("failed to read tracker response: %w", readErr)
		}

		if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
			if out == nil || len(payload) == 0 {
				return nil
			}
			if err := json.Unmarshal(payload, out); err != nil {
				return fmt.Errorf("failed to parse tracker response: %w", err)
			}
			return nil
		}

		if resp.StatusCode == http.StatusTooManyRequests {
			cooldown := parseRetryAfter(resp.Header.Get("Retry-After"))
			if cooldown <= 0 {
				cooldown = c.retryDelay(attempt+1, "")
			}
			if c.budget != nil {
				c.budget.Pause(cooldown)
			}
			if attempt < c.maxRetries {
				if waitErr := waitWithContext(ctx, cooldown); waitErr != nil {
					return waitErr
				}
				continue
			}
			return fmt.Errorf("%w after %d attempts", ErrRateLimited, attempt+1)
		}

		if resp.StatusCode >= 500 && attempt < c.maxRetries {
			if waitErr := waitWithContext(ctx, c.retryDelay(attempt+1, resp.Header.Get("Retry-After"))); waitErr != nil {
				return waitErr
			}
			continue
		}

		return &HTTPError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(payload))}
	}
}

func (c *Client) retryDelay(attempt int, retryAfterHeader string) time.Duration {
	if retryAfter := parseRetryAfter(retryAfterHeader); retryAfter > 0 {
		if retryAfter > c.maxDelay {
			return c.maxDelay
		}
		return retryAfter
	}
	delay := c.baseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= c.maxDelay {
			return c.maxDelay
		}
	}
	if delay > c.maxDelay {
		return c.maxDelay
	}
	return delay
}

func parseRetryAfter(header string) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(header); err == nil && seconds >= 0 {
		return time.Duration(seconds) * time.Second
	}
	if ts, err := time.Parse(time.RFC1123, header); err == nil {
		if delta := time.Until(ts); delta > 0 {
			return delta
		}
	}
	return 0
}

func waitWithContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
