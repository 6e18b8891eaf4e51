package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/steveyegge/journalsync/internal/record"
)

const (
	defaultTimeout   = 15 * time.Second
	defaultUserAgent = "jsync/0.1"
	maxResponseBytes = 64 << 20
)

// Client talks to the remote record store over HTTP.
//
//	POST /v1/accounts/{owner}/records          body: record, reply: Ack
//	GET  /v1/accounts/{owner}/records?since=c  reply: PullResult
type Client struct {
	baseURL   *url.URL
	http      *http.Client
	token     string
	userAgent string
}

// Ensure Client implements Gateway at compile time.
var _ Gateway = (*Client)(nil)

// NewClient builds a Client for baseURL. token may be empty.
func NewClient(baseURL, token string, timeout time.Duration) (*Client, error) {
	base, err := url.Parse(strings.TrimRight(strings.TrimSpace(baseURL), "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid remote url %q: %w", baseURL, err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("invalid remote url %q: scheme must be http or https", baseURL)
	}
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Client{
		baseURL:   base,
		http:      &http.Client{Timeout: timeout},
		token:     token,
		userAgent: defaultUserAgent,
	}, nil
}

// Push sends rec to the remote.
func (c *Client) Push(ctx context.Context, rec *record.Record) (Ack, error) {
	body, err := json.Marshal(rec)
	if err != nil {
		return Ack{}, &Error{Op: "push", Err: fmt.Errorf("%w: encode record: %v", ErrRejected, err)}
	}

	var ack Ack
	rel := &url.URL{Path: recordsPath(rec.OwnerID)}
	if err := c.do(ctx, "push", http.MethodPost, rel, body, &ack); err != nil {
		return Ack{}, err
	}
	return ack, nil
}

// PullSince fetches ownerID's records changed after cursor.
func (c *Client) PullSince(ctx context.Context, ownerID, cursor string) (PullResult, error) {
	values := url.Values{}
	if cursor != "" {
		values.Set("since", cursor)
	}
	rel := &url.URL{Path: recordsPath(ownerID), RawQuery: values.Encode()}

	var res PullResult
	if err := c.do(ctx, "pull", http.MethodGet, rel, nil, &res); err != nil {
		return PullResult{}, err
	}
	return res, nil
}

func recordsPath(ownerID string) string {
	return "/v1/accounts/" + url.PathEscape(ownerID) + "/records"
}

func (c *Client) do(ctx context.Context, op, method string, rel *url.URL, body []byte, dest any) error {
	reqURL := c.baseURL.JoinPath(rel.Path)
	reqURL.RawQuery = rel.RawQuery

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, reqURL.String(), reader)
	if err != nil {
		return &Error{Op: op, Err: fmt.Errorf("create request: %w", err)}
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", c.userAgent)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return &Error{Op: op, Err: err}
		}
		return &Error{Op: op, Err: fmt.Errorf("%w: %v", ErrTransient, err)}
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 400 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return &Error{Op: op, StatusCode: resp.StatusCode, Err: classifyStatus(resp.StatusCode, strings.TrimSpace(string(msg)))}
	}

	if dest == nil {
		return nil
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseBytes)).Decode(dest); err != nil {
		// A truncated body is a network problem, not a remote refusal.
		return &Error{Op: op, StatusCode: resp.StatusCode, Err: fmt.Errorf("%w: decode response: %v", ErrTransient, err)}
	}
	return nil
}

func classifyStatus(code int, msg string) error {
	if msg == "" {
		msg = http.StatusText(code)
	}
	switch {
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return fmt.Errorf("%w: %s", ErrUnauthorized, msg)
	case code == http.StatusRequestTimeout || code == http.StatusTooManyRequests || code >= 500:
		return fmt.Errorf("%w: %s", ErrTransient, msg)
	default:
		return fmt.Errorf("%w: %s", ErrRejected, msg)
	}
}
