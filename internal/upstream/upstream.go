// Package upstream implements the two etag-conditional JSON HTTP clients
// the collectors pull from: the panel API and the AWS API.
package upstream

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/simrail-mirror/collector/internal/logger"
)

// Response is the uniform result of a conditional GET: on 304 Body is
// nil and Etag is the caller's own etag unchanged; on any failure Status
// is 0 and the caller must treat it as "no new data".
type Response struct {
	Status int
	Etag   string
	Body   []byte
	Date   time.Time
}

// Fresh reports whether the call produced a usable body.
func (r Response) Fresh() bool {
	return r.Status == http.StatusOK && r.Body != nil
}

// NotModified reports a 304 response.
func (r Response) NotModified() bool {
	return r.Status == http.StatusNotModified
}

// Client is a conditional-GET JSON client shared by the panel and AWS
// clients; only the base URL and default headers differ between them.
type Client struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
	log        *logger.Logger
}

// New builds a Client with the collector's fixed 5s per-request timeout
// (spec.md §5: "HTTP per-request timeout ~5 s; on exceed the cycle
// advances with 'no data'").
func New(baseURL, apiKey string, log *logger.Logger) *Client {
	return &Client{
		httpClient: &http.Client{Timeout: 5 * time.Second},
		baseURL:    baseURL,
		apiKey:     apiKey,
		log:        log,
	}
}

// GetConditional performs a conditional GET against path, sending etag as
// If-None-Match when non-empty. Any network error, non-200/304 status, or
// body read failure is folded into a zero-value Response so callers never
// need a separate error path for "no new data" (spec.md §4.3, §7). The
// body is not decoded here; callers decode it themselves.
func (c *Client) GetConditional(ctx context.Context, path, etag string) Response {
	start := time.Now()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		c.logResult(ctx, path, 0, start, err)
		return Response{}
	}
	if etag != "" {
		req.Header.Set("If-None-Match", etag)
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logResult(ctx, path, 0, start, err)
		return Response{}
	}
	defer resp.Body.Close()

	respDate, _ := http.ParseTime(resp.Header.Get("Date"))

	if resp.StatusCode == http.StatusNotModified {
		c.logResult(ctx, path, resp.StatusCode, start, nil)
		return Response{Status: http.StatusNotModified, Etag: etag}
	}
	if resp.StatusCode != http.StatusOK {
		c.logResult(ctx, path, resp.StatusCode, start, fmt.Errorf("unexpected status %d", resp.StatusCode))
		return Response{}
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		c.logResult(ctx, path, resp.StatusCode, start, err)
		return Response{}
	}

	c.logResult(ctx, path, resp.StatusCode, start, nil)
	return Response{Status: http.StatusOK, Etag: resp.Header.Get("ETag"), Body: body, Date: respDate}
}

func (c *Client) logResult(ctx context.Context, path string, status int, start time.Time, err error) {
	if c.log == nil {
		return
	}
	c.log.LogUpstreamCall(ctx, c.baseURL+path, status, time.Since(start), err)
}

// Envelope is the uniform panel-API response shape: {success, entries[]}.
type Envelope[T any] struct {
	Success bool `json:"success"`
	Entries []T  `json:"entries"`
}

// DecodeEnvelope unmarshals a panel-style envelope body.
func DecodeEnvelope[T any](body []byte) (Envelope[T], error) {
	var env Envelope[T]
	if err := json.Unmarshal(body, &env); err != nil {
		return Envelope[T]{}, fmt.Errorf("decoding envelope: %w", err)
	}
	return env, nil
}

// PanelClient wraps the panel API's four endpoint groups.
type PanelClient struct{ *Client }

// NewPanel builds a PanelClient.
func NewPanel(baseURL, apiKey string, log *logger.Logger) *PanelClient {
	return &PanelClient{Client: New(baseURL, apiKey, log)}
}

func (p *PanelClient) Servers(ctx context.Context, etag string) Response {
	return p.GetConditional(ctx, "/servers-open", etag)
}

func (p *PanelClient) Trains(ctx context.Context, serverCode, etag string) Response {
	return p.GetConditional(ctx, "/trains-open?serverCode="+serverCode, etag)
}

func (p *PanelClient) TrainPositions(ctx context.Context, serverCode, etag string) Response {
	return p.GetConditional(ctx, "/train-positions-open?serverCode="+serverCode, etag)
}

func (p *PanelClient) DispatchPosts(ctx context.Context, serverCode, etag string) Response {
	return p.GetConditional(ctx, "/stations-open?serverCode="+serverCode, etag)
}

// AWSClient wraps the AWS API's timetable and server-time endpoints.
type AWSClient struct{ *Client }

// NewAWS builds an AWSClient.
func NewAWS(baseURL, apiKey string, log *logger.Logger) *AWSClient {
	return &AWSClient{Client: New(baseURL, apiKey, log)}
}

func (a *AWSClient) TrainRuns(ctx context.Context, serverCode, etag string) Response {
	return a.GetConditional(ctx, "/api/getAllTimetables.php?serverCode="+serverCode, etag)
}

func (a *AWSClient) ServerTimeMillis(ctx context.Context, serverCode, etag string) Response {
	return a.GetConditional(ctx, "/api/getTime.php?serverCode="+serverCode, etag)
}
