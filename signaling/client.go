package signaling

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
)

// Client talks to a relay over its HTTP surface.
type Client struct {
	endpoint string
	http     *http.Client
}

// NewClient returns a client for the relay at baseURL (scheme and host, with
// or without the /signaling path). A nil httpClient gets a 15 s timeout.
func NewClient(baseURL string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	endpoint := strings.TrimRight(baseURL, "/")
	if !strings.HasSuffix(endpoint, Path) {
		endpoint += Path
	}
	return &Client{endpoint: endpoint, http: httpClient}
}

// Endpoint returns the full relay URL the client posts to.
func (c *Client) Endpoint() string {
	return c.endpoint
}

func (c *Client) Store(ctx context.Context, req StoreRequest) (StoreResult, error) {
	var resp postResponse
	err := c.post(ctx, postRequest{
		Type:      string(req.Kind),
		SenderID:  req.SenderID,
		TargetID:  req.TargetID,
		Data:      req.Payload,
		SessionID: req.SessionID,
	}, &resp)
	if err != nil {
		return StoreResult{}, err
	}

	result := StoreResult{
		Kind:             Kind(resp.Type),
		SenderID:         resp.SenderID,
		TargetID:         resp.TargetID,
		SessionID:        resp.SessionID,
		CompetingSenders: resp.CompetingSenders,
		Timestamp:        parseTime(resp.Timestamp),
	}
	if resp.CandidateIndex != nil {
		result.CandidateIndex = *resp.CandidateIndex
	}
	return result, nil
}

func (c *Client) Poll(ctx context.Context, q PollQuery) ([]Record, error) {
	params := url.Values{}
	params.Set("type", string(q.Kind))
	params.Set("targetId", q.TargetID)
	if q.SenderID != "" {
		params.Set("senderId", q.SenderID)
	}
	if q.SessionID != "" {
		params.Set("sessionId", q.SessionID)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint+"?"+params.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("build poll request: %w", err)
	}

	var resp pollResponse
	if err := c.do(httpReq, &resp); err != nil {
		return nil, err
	}
	if !resp.Found {
		return nil, nil
	}

	if Kind(resp.Type) != KindCandidate {
		return []Record{{
			Kind:      Kind(resp.Type),
			SenderID:  resp.SenderID,
			TargetID:  resp.TargetID,
			SessionID: resp.SessionID,
			Payload:   resp.Data,
			CreatedAt: parseTime(resp.Timestamp),
		}}, nil
	}

	records := make([]Record, 0, len(resp.Candidates))
	for _, cand := range resp.Candidates {
		records = append(records, Record{
			Kind:           KindCandidate,
			SenderID:       resp.SenderID,
			TargetID:       resp.TargetID,
			SessionID:      resp.SessionID,
			Payload:        cand.Data,
			CandidateIndex: cand.CandidateIndex,
			CreatedAt:      parseTime(cand.Timestamp),
		})
	}
	return records, nil
}

func (c *Client) Cleanup(ctx context.Context, scope CleanupScope) (int, error) {
	var resp postResponse
	err := c.post(ctx, postRequest{
		Type:      kindCleanup,
		SenderID:  scope.SenderID,
		TargetID:  scope.TargetID,
		SessionID: scope.SessionID,
	}, &resp)
	if err != nil {
		return 0, err
	}
	if resp.DeletedCount == nil {
		return 0, nil
	}
	return *resp.DeletedCount, nil
}

func (c *Client) post(ctx context.Context, body postRequest, out any) error {
	raw, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encode relay request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("build relay request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	return c.do(httpReq, out)
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", req.Method, c.endpoint, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxRequestBody))
	if err != nil {
		return fmt.Errorf("read relay response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		var body errorResponse
		_ = json.Unmarshal(raw, &body)
		if body.Error == "" {
			body.Error = resp.Status
		}
		class := ClassServer
		if resp.StatusCode >= 400 && resp.StatusCode < 500 {
			class = ClassClient
		}
		return &Error{Class: class, Message: body.Error, Details: body.Details}
	}

	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode relay response: %w", err)
	}
	return nil
}
