package trustproof

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"time"
)

// DefaultHTTPTimeout defines the timeout used by clients created without a
// custom http.Client.
const DefaultHTTPTimeout = 15 * time.Second

// DefaultPollInterval is used by WaitForProof when no interval is given.
const DefaultPollInterval = 500 * time.Millisecond

// Proof types.
const (
	ProofExact     = "exact"
	ProofThreshold = "threshold"
)

// Request priorities.
const (
	PriorityLow      = "LOW"
	PriorityNormal   = "NORMAL"
	PriorityHigh     = "HIGH"
	PriorityCritical = "CRITICAL"
)

// Request statuses.
const (
	StatusQueued     = "QUEUED"
	StatusProcessing = "PROCESSING"
	StatusCompleted  = "COMPLETED"
	StatusFailed     = "FAILED"
	StatusCancelled  = "CANCELLED"
)

// Client wraps the HTTP interactions with the TrustProof REST API.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client
}

// Opinion is a subjective-logic opinion.
type Opinion struct {
	Belief      float64 `json:"belief"`
	Disbelief   float64 `json:"disbelief"`
	Uncertainty float64 `json:"uncertainty"`
	BaseRate    float64 `json:"base_rate"`
}

// Attestation is a signed opinion from one address about another.
type Attestation struct {
	Source          string  `json:"source"`
	Target          string  `json:"target"`
	Opinion         Opinion `json:"opinion"`
	AttestationType string  `json:"attestation_type"`
	Weight          float64 `json:"weight"`
	CreatedAt       int64   `json:"created_at,omitempty"`
	ExpiresAt       int64   `json:"expires_at,omitempty"`
}

// ReputationRequest asks the service to fuse attestations for Address. When
// Attestations is empty the service fetches them from its configured source.
type ReputationRequest struct {
	Address        string        `json:"address"`
	Attestations   []Attestation `json:"attestations,omitempty"`
	ForcePartition bool          `json:"force_partition,omitempty"`
}

// ComputationMetadata describes how a reputation was computed.
type ComputationMetadata struct {
	AlgorithmVersion string      `json:"algorithm_version"`
	OpinionCount     int         `json:"opinion_count"`
	Timestamp        int64       `json:"timestamp"`
	IsPartitioned    bool        `json:"is_partitioned,omitempty"`
	PartitionCount   int         `json:"partition_count,omitempty"`
	IsIncremental    bool        `json:"is_incremental,omitempty"`
	BaseReputation   *Reputation `json:"base_reputation,omitempty"`
}

// Reputation is the fused reputation of an address. Score uses a 1e6 scale.
type Reputation struct {
	UserAddress string              `json:"user_address"`
	Score       int64               `json:"score"`
	Opinion     Opinion             `json:"opinion"`
	Confidence  float64             `json:"confidence"`
	Metadata    ComputationMetadata `json:"computation_metadata"`
}

// ProofSubmission is the payload required to enqueue a proof request.
type ProofSubmission struct {
	UserID       string        `json:"user_id,omitempty"`
	Address      string        `json:"address,omitempty"`
	Attestations []Attestation `json:"attestations,omitempty"`
	ProofType    string        `json:"proof_type"`
	Threshold    *int64        `json:"threshold,omitempty"`
	Priority     string        `json:"priority,omitempty"`
	CircuitType  string        `json:"circuit_type,omitempty"`
	MaxRetries   int           `json:"max_retries,omitempty"`
	TimeoutMs    int64         `json:"timeout_ms,omitempty"`
}

// SubmitResult identifies an accepted proof request.
type SubmitResult struct {
	RequestID string `json:"request_id"`
	Status    string `json:"status"`
}

// ProofResult is the proof produced by a worker.
type ProofResult struct {
	Proof        []float64 `json:"proof"`
	PublicInputs []float64 `json:"public_inputs"`
	Hash         string    `json:"hash"`
	FusedOpinion Opinion   `json:"fused_opinion"`
}

// ProofRequest is the current view of a proof request.
type ProofRequest struct {
	ID                  string       `json:"id"`
	UserID              string       `json:"user_id,omitempty"`
	Priority            string       `json:"priority"`
	ProofType           string       `json:"proof_type"`
	Threshold           *int64       `json:"threshold,omitempty"`
	CircuitType         string       `json:"circuit_type,omitempty"`
	CreatedAt           time.Time    `json:"created_at"`
	StartedAt           *time.Time   `json:"started_at,omitempty"`
	CompletedAt         *time.Time   `json:"completed_at,omitempty"`
	Status              string       `json:"status"`
	Progress            float64      `json:"progress"`
	EstimatedDurationMs int64        `json:"estimated_duration_ms,omitempty"`
	Result              *ProofResult `json:"result,omitempty"`
	Error               string       `json:"error,omitempty"`
	ErrorType           string       `json:"error_type,omitempty"`
}

// Terminal reports whether the request reached a final status.
func (r ProofRequest) Terminal() bool {
	switch r.Status {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// APIError represents a structured error returned by the service.
type APIError struct {
	StatusCode     int
	Type           string `json:"type"`
	Message        string `json:"message"`
	Severity       string `json:"severity,omitempty"`
	Recoverability string `json:"recoverability,omitempty"`
}

func (e *APIError) Error() string {
	if e == nil {
		return ""
	}
	if e.Type != "" {
		return fmt.Sprintf("trustproof api error (%d): %s - %s", e.StatusCode, e.Type, e.Message)
	}
	return fmt.Sprintf("trustproof api error (%d): %s", e.StatusCode, e.Message)
}

// Retryable reports whether the service marked the failure as retryable.
func (e *APIError) Retryable() bool {
	return e != nil && e.Recoverability == "RETRYABLE"
}

// ProofFailedError is returned by WaitForProof when the request ends without a proof.
type ProofFailedError struct {
	Request ProofRequest
}

func (e *ProofFailedError) Error() string {
	if e.Request.ErrorType != "" {
		return fmt.Sprintf("proof %s %s: %s - %s", e.Request.ID, e.Request.Status, e.Request.ErrorType, e.Request.Error)
	}
	return fmt.Sprintf("proof %s %s", e.Request.ID, e.Request.Status)
}

// NewClient instantiates a client for the TrustProof API. When httpClient is
// nil, a default client with DefaultHTTPTimeout is used.
func NewClient(rawURL string, httpClient *http.Client) (*Client, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base url: %w", err)
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return nil, fmt.Errorf("invalid base url: %q", rawURL)
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultHTTPTimeout}
	}
	return &Client{baseURL: parsed, httpClient: httpClient}, nil
}

// ComputeReputation fuses the attestations for an address.
func (c *Client) ComputeReputation(ctx context.Context, req ReputationRequest) (Reputation, error) {
	var out Reputation
	if err := c.send(ctx, http.MethodPost, "/api/v1/reputation", req, &out); err != nil {
		return Reputation{}, err
	}
	return out, nil
}

// SubmitProof enqueues a proof request and returns its identifier.
func (c *Client) SubmitProof(ctx context.Context, submission ProofSubmission) (SubmitResult, error) {
	if submission.ProofType == "" {
		submission.ProofType = ProofExact
	}
	var out SubmitResult
	if err := c.send(ctx, http.MethodPost, "/api/v1/proofs", submission, &out); err != nil {
		return SubmitResult{}, err
	}
	return out, nil
}

// GetProof fetches the current state of a proof request.
func (c *Client) GetProof(ctx context.Context, requestID string) (ProofRequest, error) {
	if requestID == "" {
		return ProofRequest{}, errors.New("trustproof: request id is empty")
	}
	var out ProofRequest
	if err := c.send(ctx, http.MethodGet, "/api/v1/proofs/"+url.PathEscape(requestID), nil, &out); err != nil {
		return ProofRequest{}, err
	}
	return out, nil
}

// CancelProof cancels a request that has not been dispatched yet.
func (c *Client) CancelProof(ctx context.Context, requestID string) error {
	if requestID == "" {
		return errors.New("trustproof: request id is empty")
	}
	return c.send(ctx, http.MethodDelete, "/api/v1/proofs/"+url.PathEscape(requestID), nil, nil)
}

// WaitForProof polls GetProof until the request is terminal or ctx ends.
// A failed or cancelled request returns a *ProofFailedError.
func (c *Client) WaitForProof(ctx context.Context, requestID string, interval time.Duration) (ProofRequest, error) {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		req, err := c.GetProof(ctx, requestID)
		if err != nil {
			return ProofRequest{}, err
		}
		if req.Terminal() {
			if req.Status != StatusCompleted {
				return req, &ProofFailedError{Request: req}
			}
			return req, nil
		}
		select {
		case <-ctx.Done():
			return req, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (c *Client) send(ctx context.Context, method, endpoint string, payload, out any) error {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(data)
	}
	rel := &url.URL{Path: path.Join(c.baseURL.Path, endpoint)}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL.ResolveReference(rel).String(), body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		apiErr := APIError{StatusCode: resp.StatusCode}
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("read error response: %w", err)
		}
		if len(data) > 0 {
			if err := json.Unmarshal(data, &struct {
				Error *APIError `json:"error"`
			}{Error: &apiErr}); err != nil {
				_ = json.Unmarshal(data, &apiErr)
			}
		}
		if apiErr.Message == "" {
			apiErr.Message = string(bytes.TrimSpace(data))
		}
		return &apiErr
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
