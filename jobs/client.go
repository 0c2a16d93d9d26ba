package jobs

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
	"unicode/utf8"

	"golang.org/x/time/rate"

	taskerr "github.com/vinayprograms/taskfeed/errors"
	"github.com/vinayprograms/taskfeed/telemetry"
	"github.com/vinayprograms/taskfeed/transport"
)

// Request describes one device job.
type Request struct {
	OperationID string                 `json:"operation_id"`
	DeviceID    string                 `json:"device_id"`
	Action      string                 `json:"action"`
	Params      map[string]interface{} `json:"params,omitempty"`
}

// Client creates and stops backend jobs.
type Client interface {
	// CreateJob submits a job and returns the backend job id.
	CreateJob(ctx context.Context, req Request) (string, error)

	// StopJob asks the backend to stop a job.
	StopJob(ctx context.Context, jobID string) error
}

// HTTPClient talks to the job backend over HTTP.
type HTTPClient struct {
	baseURL *url.URL
	client  *http.Client
	limiter *rate.Limiter
	header  http.Header
}

// ClientOption configures an HTTPClient.
type ClientOption func(*HTTPClient)

// WithHTTPClient replaces the underlying http.Client.
func WithHTTPClient(c *http.Client) ClientOption {
	return func(h *HTTPClient) {
		h.client = c
	}
}

// WithRateLimit paces requests to at most r per second with the given
// burst. A zero rate disables pacing.
func WithRateLimit(r float64, burst int) ClientOption {
	return func(h *HTTPClient) {
		if r <= 0 {
			h.limiter = nil
			return
		}
		if burst < 1 {
			burst = 1
		}
		h.limiter = rate.NewLimiter(rate.Limit(r), burst)
	}
}

// WithHeader adds a header to every request, e.g. Authorization.
func WithHeader(key, value string) ClientOption {
	return func(h *HTTPClient) {
		h.header.Set(key, value)
	}
}

// NewHTTPClient creates a client for the backend at baseURL.
func NewHTTPClient(baseURL string, opts ...ClientOption) (*HTTPClient, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, taskerr.InvalidInput("backend url must be http:// or https://",
			taskerr.WithMetadata("backend_url", baseURL))
	}

	c := &HTTPClient{
		baseURL: u,
		client:  &http.Client{Timeout: 30 * time.Second},
		header:  make(http.Header),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// createResponse accepts the id spellings different backend versions use.
type createResponse struct {
	JobID      transport.ID `json:"job_id"`
	JobIDCamel transport.ID `json:"jobId"`
	TaskID     transport.ID `json:"task_id"`
}

func (r createResponse) id() string {
	switch {
	case r.JobID != "":
		return string(r.JobID)
	case r.JobIDCamel != "":
		return string(r.JobIDCamel)
	default:
		return string(r.TaskID)
	}
}

// CreateJob posts the request to /jobs.
func (c *HTTPClient) CreateJob(ctx context.Context, req Request) (string, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return "", taskerr.Wrap(err, "encoding job request")
	}

	data, err := c.do(ctx, "/jobs", body)
	if err != nil {
		return "", err
	}

	var resp createResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return "", taskerr.WrapWithCode(err, taskerr.ErrCodeProtocol, "decoding job response")
	}
	id := resp.id()
	if id == "" {
		return "", taskerr.Protocol("job response has no id")
	}
	return id, nil
}

// StopJob posts to /jobs/{id}/stop.
func (c *HTTPClient) StopJob(ctx context.Context, jobID string) error {
	_, err := c.do(ctx, "/jobs/"+url.PathEscape(jobID)+"/stop", nil)
	return err
}

func (c *HTTPClient) do(ctx context.Context, path string, body []byte) ([]byte, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, taskerr.Wrap(err, "waiting for request slot")
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL.String()+path, bytes.NewReader(body))
	if err != nil {
		return nil, taskerr.Wrap(err, "building request")
	}
	for k, vs := range c.header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	telemetry.InjectHTTP(ctx, req.Header)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, taskerr.Wrap(err, "calling backend")
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, taskerr.Wrap(err, "reading backend response")
	}

	if resp.StatusCode >= 300 {
		return nil, statusError(resp.StatusCode, data)
	}
	return data, nil
}

// statusError maps a non-2xx response to a structured error. 5xx and 429
// are retryable; everything else rejects the submission.
func statusError(status int, body []byte) error {
	reason := errorText(body)
	if reason == "" {
		reason = http.StatusText(status)
	}
	meta := taskerr.WithMetadata("status", fmt.Sprint(status))

	switch {
	case status == http.StatusTooManyRequests:
		return taskerr.New(taskerr.ErrCodeRateLimit, reason, meta)
	case status >= 500:
		return taskerr.New(taskerr.ErrCodeUnavailable, reason, meta)
	case status == http.StatusNotFound:
		return taskerr.NotFound(reason, meta)
	default:
		return taskerr.New(taskerr.ErrCodeSubmissionRejected, reason, meta)
	}
}

// errorText extracts {"error": ...} or {"message": ...} from a body, or
// returns the trimmed body.
func errorText(body []byte) string {
	var e struct {
		Error   string `json:"error"`
		Message string `json:"message"`
		Detail  string `json:"detail"`
	}
	if json.Unmarshal(body, &e) == nil {
		switch {
		case e.Error != "":
			return e.Error
		case e.Message != "":
			return e.Message
		case e.Detail != "":
			return e.Detail
		}
	}
	return truncate(strings.TrimSpace(string(body)), maxErrorText)
}

const maxErrorText = 200

// truncate cuts s to at most n bytes without splitting a UTF-8 sequence.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
