package rifle

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

	"github.com/cenkalti/backoff/v4"
)

// ErrRemoteUnavailable is returned when the analysis service cannot be
// reached for the revision lookup or deletion. It is deliberately distinct
// from "no commit recorded": conflating the two would trigger an unintended
// full resync.
var ErrRemoteUnavailable = errors.New("analysis service unavailable")

// ErrUpload is returned when a change-set submission has exhausted all
// upload trials. The remote revision record is unchanged in that case and
// the run is safe to repeat.
var ErrUpload = errors.New("upload failed")

// ChangeOp names the kind of a file change in a change set.
type ChangeOp string

const (
	OpAdded    ChangeOp = "added"
	OpModified ChangeOp = "modified"
	OpDeleted  ChangeOp = "deleted"
)

// FileChange is one file entry of a change set. Content holds the
// post-transform payload for added and modified files and is nil for
// deletions.
type FileChange struct {
	Op      ChangeOp
	Path    string
	Content []byte
}

// ChangeSet is the unit of one synchronization: the ordered file changes
// reconciling a revision from BaseCommit to CurrentCommit. It is computed
// once per run, consumed once, and never persisted locally. BaseCommit is
// empty for full synchronizations.
type ChangeSet struct {
	Revision      string
	CurrentCommit string
	BaseCommit    string
	Changes       []FileChange
}

// Service is the remote analysis-service interface used by the sync engine.
type Service interface {
	// LastCommit returns the last commit hash recorded for the revision.
	// The second return is false when the service has no record; an
	// unreachable service is an error, never "no record".
	LastCommit(ctx context.Context, revision string) (string, bool, error)

	// DeleteRevision discards all remote state recorded for the revision.
	DeleteRevision(ctx context.Context, revision string) error

	// UploadChangeSet submits the change set. On success the service has
	// recorded cs.CurrentCommit as the revision's last uploaded commit.
	UploadChangeSet(ctx context.Context, cs *ChangeSet) error
}

// Options tunes the client. Zero values select the defaults.
type Options struct {
	// MaxUploadTrials bounds the submission attempts per request.
	MaxUploadTrials int

	// MaxBatchBytes splits a change set into multiple requests when the
	// accumulated payload size exceeds it. Batch boundaries never split a
	// single file. Zero disables batching.
	MaxBatchBytes int64

	// InitialBackoff is the first retry delay; subsequent delays grow
	// exponentially.
	InitialBackoff time.Duration

	// HTTPClient overrides the default client (30s timeout).
	HTTPClient *http.Client
}

// Client talks to the analysis service over its REST interface.
type Client struct {
	rootURL        string
	httpClient     *http.Client
	maxTrials      int
	maxBatchBytes  int64
	initialBackoff time.Duration
}

// NewClient creates a client for the analysis service rooted at rootURL.
func NewClient(rootURL string, opts Options) *Client {
	if opts.MaxUploadTrials <= 0 {
		opts.MaxUploadTrials = 10
	}
	if opts.InitialBackoff <= 0 {
		opts.InitialBackoff = 500 * time.Millisecond
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}

	return &Client{
		rootURL:        strings.TrimRight(rootURL, "/"),
		httpClient:     opts.HTTPClient,
		maxTrials:      opts.MaxUploadTrials,
		maxBatchBytes:  opts.MaxBatchBytes,
		initialBackoff: opts.InitialBackoff,
	}
}

// lastCommitResponse mirrors the service's lookup answer. The object is
// empty when no commit is recorded for the revision.
type lastCommitResponse struct {
	CommitHash string `json:"commitHash"`
}

// LastCommit queries the last uploaded commit for a revision. The lookup is
// a single attempt: a transport failure aborts the run instead of degrading
// into a full resync.
func (c *Client) LastCommit(ctx context.Context, revision string) (string, bool, error) {
	endpoint := c.rootURL + "/lastcommit?branchid=" + url.QueryEscape(revision)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return "", false, fmt.Errorf("%w: %v", ErrRemoteUnavailable, err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", false, fmt.Errorf("%w: %v", ErrRemoteUnavailable, err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return "", false, nil
	case resp.StatusCode != http.StatusOK:
		return "", false, fmt.Errorf("%w: lookup returned status %d", ErrRemoteUnavailable, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", false, fmt.Errorf("%w: failed to read lookup response: %v", ErrRemoteUnavailable, err)
	}

	var payload lastCommitResponse
	if err := json.Unmarshal(body, &payload); err != nil {
		return "", false, fmt.Errorf("%w: malformed lookup response: %v", ErrRemoteUnavailable, err)
	}

	if payload.CommitHash == "" {
		return "", false, nil
	}
	return payload.CommitHash, true, nil
}

// DeleteRevision discards the remote state recorded for a revision. Used
// only on an explicit full resync when remote state exists.
func (c *Client) DeleteRevision(ctx context.Context, revision string) error {
	endpoint := c.rootURL + "/revision?branchid=" + url.QueryEscape(revision)

	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, endpoint, nil)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrRemoteUnavailable, err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrRemoteUnavailable, err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("%w: revision delete returned status %d", ErrRemoteUnavailable, resp.StatusCode)
	}

	return nil
}

// batchPayload is the wire shape of one change-set submission. The service
// advances the revision record only on the batch marked final, so a run
// that dies mid-way never half-commits a new baseline.
type batchPayload struct {
	BranchID       string        `json:"branchId"`
	CommitHash     string        `json:"commitHash"`
	BaseCommitHash string        `json:"baseCommitHash,omitempty"`
	Final          bool          `json:"final"`
	Files          []filePayload `json:"files"`
}

type filePayload struct {
	Path    string   `json:"path"`
	Op      ChangeOp `json:"op"`
	Content []byte   `json:"content,omitempty"`
}

// UploadChangeSet submits the change set as one request, or as a small
// number of size-bounded requests when batching is configured. Each request
// is retried with exponential backoff on transient failures; the payload is
// identical across the attempts of a request.
func (c *Client) UploadChangeSet(ctx context.Context, cs *ChangeSet) error {
	for _, batch := range c.splitBatches(cs) {
		body, err := json.Marshal(batch)
		if err != nil {
			return fmt.Errorf("%w: failed to encode change set: %v", ErrUpload, err)
		}
		if err := c.postBatch(ctx, body); err != nil {
			return err
		}
	}
	return nil
}

// splitBatches partitions the change set on file boundaries. Only the last
// batch carries the final marker.
func (c *Client) splitBatches(cs *ChangeSet) []batchPayload {
	newBatch := func() batchPayload {
		return batchPayload{
			BranchID:       cs.Revision,
			CommitHash:     cs.CurrentCommit,
			BaseCommitHash: cs.BaseCommit,
			Files:          []filePayload{},
		}
	}

	batches := []batchPayload{newBatch()}
	var size int64

	for _, ch := range cs.Changes {
		cost := int64(len(ch.Path)+len(ch.Content)) + 64
		current := &batches[len(batches)-1]
		if c.maxBatchBytes > 0 && len(current.Files) > 0 && size+cost > c.maxBatchBytes {
			batches = append(batches, newBatch())
			current = &batches[len(batches)-1]
			size = 0
		}
		current.Files = append(current.Files, filePayload{Path: ch.Path, Op: ch.Op, Content: ch.Content})
		size += cost
	}

	batches[len(batches)-1].Final = true
	return batches
}

// postBatch submits one request, retrying transient failures up to the
// configured trial count. Connection errors, timeouts and 5xx responses are
// transient; any other non-2xx status is permanent.
func (c *Client) postBatch(ctx context.Context, body []byte) error {
	endpoint := c.rootURL + "/changeset"

	attempt := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return err
		}
		defer func() {
			_ = resp.Body.Close()
		}()

		switch {
		case resp.StatusCode >= 200 && resp.StatusCode <= 299:
			return nil
		case resp.StatusCode >= 500:
			return fmt.Errorf("submission returned status %d", resp.StatusCode)
		default:
			return backoff.Permanent(fmt.Errorf("submission rejected with status %d", resp.StatusCode))
		}
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.initialBackoff

	err := backoff.Retry(attempt, backoff.WithContext(backoff.WithMaxRetries(bo, uint64(c.maxTrials-1)), ctx))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUpload, err)
	}

	return nil
}
