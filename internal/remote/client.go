package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"

	"github.com/oklog/ulid/v2"

	"github.com/flowsync-dev/flowsync/internal/model"
	"github.com/flowsync-dev/flowsync/pkg/cerr"
)

// retryMarkerKey carries the per-request token-refresh marker. The marker
// lives on the individual request's context, never on the client, so
// concurrent in-flight requests cannot clobber each other's retry state.
type retryMarkerKey struct{}

type retryMarker struct {
	refreshed bool
}

// Client is the HTTP implementation of Gateway.
type Client struct {
	baseURL string
	httpc   *http.Client

	mu           sync.RWMutex
	token        string
	refreshToken string
}

func NewClient(baseURL, token, refreshToken string) *Client {
	return &Client{
		baseURL:      strings.TrimSuffix(baseURL, "/"),
		httpc:        http.DefaultClient,
		token:        token,
		refreshToken: refreshToken,
	}
}

// NewClientWithHTTP is NewClient with an explicit *http.Client, used by
// tests to point at a fixture server.
func NewClientWithHTTP(baseURL, token, refreshToken string, httpc *http.Client) *Client {
	c := NewClient(baseURL, token, refreshToken)
	c.httpc = httpc
	return c
}

type apiError struct {
	Code    string   `json:"code"`
	Message string   `json:"message"`
	Details []string `json:"details,omitempty"`
}

type idResponse struct {
	ID string `json:"id"`
}

type tokenResponse struct {
	Token string `json:"token"`
}

// do performs one authenticated request and returns the status and body.
// On 401 it refreshes the token and retries once, tracked by the marker on
// this request's context.
func (c *Client) do(ctx context.Context, method, path string, in any) (int, []byte, error) {
	marker, ok := ctx.Value(retryMarkerKey{}).(*retryMarker)
	if !ok {
		marker = &retryMarker{}
		ctx = context.WithValue(ctx, retryMarkerKey{}, marker)
	}

	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return 0, nil, fmt.Errorf("failed to marshal request body: %w", err)
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Request-Id", ulid.Make().String())
	c.mu.RLock()
	req.Header.Set("Authorization", "Bearer "+c.token)
	c.mu.RUnlock()

	resp, err := c.httpc.Do(req)
	if err != nil {
		return 0, nil, cerr.NewError(cerr.Unavailable, fmt.Sprintf("%s %s failed", method, path), err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode == http.StatusUnauthorized && !marker.refreshed {
		marker.refreshed = true
		if err := c.refresh(ctx); err != nil {
			return 0, nil, err
		}
		return c.do(ctx, method, path, in)
	}
	return resp.StatusCode, data, nil
}

func (c *Client) refresh(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	data, err := json.Marshal(map[string]string{"refresh_token": c.refreshToken})
	if err != nil {
		return fmt.Errorf("failed to marshal refresh request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/auth/token", bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("failed to build refresh request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.httpc.Do(req)
	if err != nil {
		return cerr.NewError(cerr.Unavailable, "token refresh failed", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return cerr.NewError(cerr.Unauthenticated, "token refresh rejected", nil)
	}
	var tok tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tok); err != nil {
		return fmt.Errorf("failed to decode refresh response: %w", err)
	}
	c.token = tok.Token
	return nil
}

// call performs a request and decodes a 2xx body into out.
func (c *Client) call(ctx context.Context, method, path string, in, out any) error {
	status, data, err := c.do(ctx, method, path, in)
	if err != nil {
		return err
	}
	if status < 200 || status >= 300 {
		return statusError(method, path, status, data)
	}
	if out != nil {
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("failed to decode %s %s response: %w", method, path, err)
		}
	}
	return nil
}

func statusError(method, path string, status int, body []byte) error {
	var ae apiError
	msg := fmt.Sprintf("%s %s returned %d", method, path, status)
	if err := json.Unmarshal(body, &ae); err == nil && ae.Message != "" {
		msg = ae.Message
	}
	return cerr.NewErrorWithDetails(cerr.NewCodeFromHTTPStatus(status), msg, nil, ae.Details)
}

func (c *Client) GetProject(ctx context.Context, projectID string) (*model.Project, error) {
	var p model.Project
	if err := c.call(ctx, http.MethodGet, "/v1/projects/"+projectID, nil, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

func (c *Client) ListAgents(ctx context.Context, projectID string) ([]*AgentWithFlows, error) {
	var agents []*AgentWithFlows
	if err := c.call(ctx, http.MethodGet, "/v1/projects/"+projectID+"/agents", nil, &agents); err != nil {
		return nil, err
	}
	return agents, nil
}

func (c *Client) ListSkills(ctx context.Context, flowID string) ([]*model.Skill, error) {
	var skills []*model.Skill
	if err := c.call(ctx, http.MethodGet, "/v1/flows/"+flowID+"/skills", nil, &skills); err != nil {
		return nil, err
	}
	return skills, nil
}

func (c *Client) ListEvents(ctx context.Context, flowID string) ([]*model.Event, error) {
	var events []*model.Event
	if err := c.call(ctx, http.MethodGet, "/v1/flows/"+flowID+"/events", nil, &events); err != nil {
		return nil, err
	}
	return events, nil
}

func (c *Client) ListStates(ctx context.Context, flowID string) ([]*model.State, error) {
	var states []*model.State
	if err := c.call(ctx, http.MethodGet, "/v1/flows/"+flowID+"/states", nil, &states); err != nil {
		return nil, err
	}
	return states, nil
}

func (c *Client) GetSkill(ctx context.Context, skillID string) (*model.Skill, error) {
	var s model.Skill
	if err := c.call(ctx, http.MethodGet, "/v1/skills/"+skillID, nil, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

func (c *Client) createEntity(ctx context.Context, path string, in any) (string, error) {
	var res idResponse
	if err := c.call(ctx, http.MethodPost, path, in, &res); err != nil {
		return "", err
	}
	return res.ID, nil
}

func (c *Client) CreateAgent(ctx context.Context, projectID string, a *model.Agent) (string, error) {
	return c.createEntity(ctx, "/v1/projects/"+projectID+"/agents", a)
}

func (c *Client) CreateFlow(ctx context.Context, agentID string, f *model.Flow) (string, error) {
	return c.createEntity(ctx, "/v1/agents/"+agentID+"/flows", f)
}

func (c *Client) CreateSkill(ctx context.Context, flowID string, s *model.Skill) (string, error) {
	return c.createEntity(ctx, "/v1/flows/"+flowID+"/skills", s)
}

func (c *Client) CreateEvent(ctx context.Context, flowID string, e *model.Event) (string, error) {
	return c.createEntity(ctx, "/v1/flows/"+flowID+"/events", e)
}

func (c *Client) CreateState(ctx context.Context, flowID string, s *model.State) (string, error) {
	return c.createEntity(ctx, "/v1/flows/"+flowID+"/states", s)
}

func (c *Client) UpdateSkill(ctx context.Context, s *model.Skill) error {
	return c.call(ctx, http.MethodPut, "/v1/skills/"+s.ID, s, nil)
}

// PublishFlow decodes the publish outcome on success and on validation
// rejection (422), which also carries structured reasons.
func (c *Client) PublishFlow(ctx context.Context, flowID string) (*PublishResult, error) {
	path := "/v1/flows/" + flowID + "/publish"
	status, data, err := c.do(ctx, http.MethodPost, path, nil)
	if err != nil {
		return nil, err
	}
	if status >= 200 && status < 300 || status == http.StatusUnprocessableEntity {
		var res PublishResult
		if err := json.Unmarshal(data, &res); err != nil {
			return nil, fmt.Errorf("failed to decode publish response: %w", err)
		}
		return &res, nil
	}
	return nil, statusError(http.MethodPost, path, status, data)
}
