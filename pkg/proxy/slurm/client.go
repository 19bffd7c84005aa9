// Package slurm implements the client of the SLURM REST API (slurmrestd).
// Submission and cancellation go to the slurm prefix, accounting lookups to
// the slurmdb prefix. Every call mints a fresh short lived JWT for the user
// it is issued on behalf of.
package slurm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/prometheus/common/config"

	"github.com/mahendrapaipuri/slurm-proxy/pkg/proxy/base"
	"github.com/mahendrapaipuri/slurm-proxy/pkg/proxy/models"
	"github.com/mahendrapaipuri/slurm-proxy/pkg/proxy/token"
)

// DefaultAPIVersion is the data parser plugin version of the REST API
// endpoints when none is configured.
const DefaultAPIVersion = "0.0.42"

const defaultTimeout = 10 * time.Second

var (
	// ErrSlurm prefixes errors reported by slurmrestd itself.
	ErrSlurm = errors.New("Slurm error")

	// ErrQueryFailed is returned when slurmrestd answers a query with a non
	// 200 status.
	ErrQueryFailed = errors.New("failed to retrieve SLURM data")

	// ErrJobNotFound is returned when the accounting endpoint has no record
	// of the requested job.
	ErrJobNotFound = errors.New("job not found in SLURM")
)

// Config configures a Client.
type Config struct {
	Web        models.WebConfig // slurmrestd base URL and HTTP client options
	APIVersion string           // data parser plugin version, e.g. 0.0.42
	Timeout    time.Duration
	Minter     *token.Minter
	Logger     *slog.Logger
}

// Client talks to one slurmrestd instance.
type Client struct {
	logger     *slog.Logger
	client     *http.Client
	minter     *token.Minter
	slurmURL   *url.URL // {host}/slurm/v{version}
	slurmdbURL *url.URL // {host}/slurmdb/v{version}
}

// New returns a new Client.
func New(c *Config) (*Client, error) {
	if c.Web.URL == "" {
		return nil, errors.New("SLURM REST URL missing")
	}

	baseURL, err := url.Parse(c.Web.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid SLURM REST URL: %w", err)
	}

	httpClient, err := config.NewClientFromConfig(c.Web.HTTPClientConfig, "slurm_rest")
	if err != nil {
		return nil, fmt.Errorf("failed to create SLURM REST HTTP client: %w", err)
	}

	if c.Timeout > 0 {
		httpClient.Timeout = c.Timeout
	} else {
		httpClient.Timeout = defaultTimeout
	}

	version := c.APIVersion
	if version == "" {
		version = DefaultAPIVersion
	}

	logger := c.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	return &Client{
		logger:     logger,
		client:     httpClient,
		minter:     c.Minter,
		slurmURL:   baseURL.JoinPath("slurm", "v"+version),
		slurmdbURL: baseURL.JoinPath("slurmdb", "v"+version),
	}, nil
}

// Diag returns the scheduler diagnostics, wrapped in the passthrough
// envelope.
func (c *Client) Diag(ctx context.Context, username string) (*QueryResult, error) {
	return c.query(ctx, username, c.slurmURL.JoinPath("diag/"))
}

// Jobs returns all accounting job records, optionally restricted to jobs
// updated since updateTime (seconds since epoch), wrapped in the passthrough
// envelope.
func (c *Client) Jobs(ctx context.Context, username string, updateTime int64) (*QueryResult, error) {
	jobsURL := c.slurmdbURL.JoinPath("jobs/")

	if updateTime > 0 {
		q := jobsURL.Query()
		q.Set("update_time", strconv.FormatInt(updateTime, 10))
		jobsURL.RawQuery = q.Encode()
	}

	return c.query(ctx, username, jobsURL)
}

// Job returns the accounting record of one job, wrapped in the passthrough
// envelope.
func (c *Client) Job(ctx context.Context, username string, jobID int64) (*QueryResult, error) {
	return c.query(ctx, username, c.slurmdbURL.JoinPath("job", strconv.FormatInt(jobID, 10)+"/"))
}

// JobState returns the live view of one job: its owner and current state,
// normalised onto the known state set. Lookups of the test job id never
// reach the scheduler.
func (c *Client) JobState(ctx context.Context, username string, jobID int64) (*models.SlurmJob, error) {
	if jobID == base.TestJobID {
		return &models.SlurmJob{
			Username: base.TestJobStatus.User,
			JobID:    base.TestJobID,
			JobState: models.NormalizeState(base.TestJobStatus.State),
		}, nil
	}

	result, err := c.Job(ctx, username, jobID)
	if err != nil {
		return nil, err
	}

	var jobs jobsResponse
	if err := json.Unmarshal(result.Response, &jobs); err != nil {
		return nil, fmt.Errorf("failed to decode SLURM job response: %w", err)
	}

	if len(jobs.Jobs) == 0 {
		return nil, fmt.Errorf("%w: %d", ErrJobNotFound, jobID)
	}

	job := jobs.Jobs[0]

	state := models.StateUnknown
	if len(job.State.Current) > 0 {
		state = models.NormalizeState(job.State.Current[0])
	}

	owner := job.User
	if owner == "" {
		owner = username
	}

	id := job.JobID
	if id == 0 {
		id = jobID
	}

	return &models.SlurmJob{Username: owner, JobID: id, JobState: state}, nil
}

// Submit posts one job submission and returns the job id SLURM assigned.
func (c *Client) Submit(ctx context.Context, req *SubmitRequest) (int64, error) {
	if req.Username == "" {
		req.Username = base.GenericUsername
	}

	payload, err := json.Marshal(req)
	if err != nil {
		return base.BadJobID, fmt.Errorf("failed to encode submission payload: %w", err)
	}

	resp, err := c.do(ctx, http.MethodPost, req.Username, c.slurmURL.JoinPath("job", "submit/"), payload)
	if err != nil {
		return base.BadJobID, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return base.BadJobID, fmt.Errorf("failed to read submission response: %w", err)
	}

	var submit submitResponse
	if err := json.Unmarshal(body, &submit); err != nil && resp.StatusCode == http.StatusOK {
		return base.BadJobID, fmt.Errorf("failed to decode submission response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		c.logger.Error("Job submission failed", "name", req.Job.Name, "status", resp.StatusCode)

		return base.BadJobID, submissionError(submit.Errors, resp.StatusCode)
	}

	if submit.JobID <= 0 {
		return base.BadJobID, fmt.Errorf("submission response carried no job id for %s", req.Job.Name)
	}

	c.logger.Debug("Job submitted", "name", req.Job.Name, "job_id", submit.JobID)

	return submit.JobID, nil
}

// SubmitRaw posts a caller supplied submission body to job/submit and wraps
// the raw response in the passthrough envelope. The body is forwarded as is:
// username is only used to mint the token.
func (c *Client) SubmitRaw(ctx context.Context, username string, body []byte) (*QueryResult, error) {
	if username == "" {
		username = base.GenericUsername
	}

	u := c.slurmURL.JoinPath("job", "submit/")

	resp, err := c.do(ctx, http.MethodPost, username, u, body)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read submission response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		var submit submitResponse

		_ = json.Unmarshal(respBody, &submit)

		c.logger.Error("SLURM REST submission failed",
			"username", username, "status", resp.StatusCode, "err", submissionError(submit.Errors, resp.StatusCode))

		return nil, fmt.Errorf("%w: job/submit returned status %d", ErrQueryFailed, resp.StatusCode)
	}

	if !json.Valid(respBody) {
		return nil, fmt.Errorf("%w: job/submit returned a non JSON body", ErrQueryFailed)
	}

	return &QueryResult{Username: username, URL: u.String(), Response: respBody}, nil
}

// Cancel signals SLURM to cancel the job.
func (c *Client) Cancel(ctx context.Context, username string, jobID int64) error {
	resp, err := c.do(ctx, http.MethodDelete, username, c.slurmURL.JoinPath("job", strconv.FormatInt(jobID, 10)+"/"), nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)

		var cancel submitResponse

		_ = json.Unmarshal(body, &cancel)

		return submissionError(cancel.Errors, resp.StatusCode)
	}

	return nil
}

// query performs one GET and wraps the raw body in the passthrough envelope.
// Non 200 responses surface as ErrQueryFailed: the facade deliberately does
// not forward upstream error bodies.
func (c *Client) query(ctx context.Context, username string, u *url.URL) (*QueryResult, error) {
	if username == "" {
		username = base.GenericUsername
	}

	resp, err := c.do(ctx, http.MethodGet, username, u, nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read SLURM response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		c.logger.Error("SLURM REST query failed", "url", u.Redacted(), "status", resp.StatusCode)

		return nil, fmt.Errorf("%w: %s returned status %d", ErrQueryFailed, u.Redacted(), resp.StatusCode)
	}

	if !json.Valid(body) {
		return nil, fmt.Errorf("%w: %s returned a non JSON body", ErrQueryFailed, u.Redacted())
	}

	return &QueryResult{Username: username, URL: u.String(), Response: body}, nil
}

// do performs one request with a freshly minted token for username.
func (c *Client) do(ctx context.Context, method string, username string, u *url.URL, body []byte) (*http.Response, error) {
	authToken, err := c.minter.Mint(username)
	if err != nil {
		return nil, fmt.Errorf("failed to retrieve SLURM REST auth token: %w", err)
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), reader)
	if err != nil {
		return nil, fmt.Errorf("failed to create SLURM request: %w", err)
	}

	req.Header.Set("X-SLURM-USER-TOKEN", authToken)

	if method == http.MethodPost {
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Accept", "application/json")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("SLURM request failed: %w", err)
	}

	return resp, nil
}

// submissionError renders the first error slurmrestd reported, falling back
// to the bare status code.
func submissionError(errs []apiError, status int) error {
	if len(errs) > 0 {
		e := errs[0]

		return fmt.Errorf("%w %d: %s - %s", ErrSlurm, e.ErrorNumber, e.Description, e.Error)
	}

	return fmt.Errorf("%w: request returned status %d", ErrSlurm, status)
}
