// Package client wraps the gateway's HTTP surface for CLI usage
package client

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/apiaryhq/apiary/pkg/errdefs"
	"github.com/apiaryhq/apiary/pkg/history"
	"github.com/apiaryhq/apiary/pkg/types"
)

// Client talks to a running orchestrator's gateway
type Client struct {
	base string
	http *http.Client
}

// New creates a client against the gateway base URL (e.g.
// http://127.0.0.1:8420).
func New(base string) *Client {
	return &Client{
		base: base,
		http: &http.Client{Timeout: 30 * time.Second},
	}
}

// Swarm fetches the current configuration
func (c *Client) Swarm() (*types.SwarmConfig, error) {
	var cfg types.SwarmConfig
	if err := c.do(http.MethodGet, "/v1/swarm", nil, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// PutSwarm replaces the whole configuration
func (c *Client) PutSwarm(cfg *types.SwarmConfig) error {
	return c.do(http.MethodPut, "/v1/swarm", cfg, nil)
}

// AddBee registers a new agent
func (c *Client) AddBee(bee *types.Bee) error {
	return c.do(http.MethodPost, "/v1/nodes", bee, nil)
}

// RemoveBee deletes an agent
func (c *Client) RemoveBee(id string) error {
	return c.do(http.MethodDelete, "/v1/nodes/"+url.PathEscape(id), nil, nil)
}

// StartAgent starts an agent's container
func (c *Client) StartAgent(id string) (*types.AgentState, error) {
	var state types.AgentState
	if err := c.do(http.MethodPost, "/v1/nodes/"+url.PathEscape(id)+"/start", nil, &state); err != nil {
		return nil, err
	}
	return &state, nil
}

// StopAgent stops an agent's container
func (c *Client) StopAgent(id string) (*types.AgentState, error) {
	var state types.AgentState
	if err := c.do(http.MethodPost, "/v1/nodes/"+url.PathEscape(id)+"/stop", nil, &state); err != nil {
		return nil, err
	}
	return &state, nil
}

// AgentStatus inspects one agent
func (c *Client) AgentStatus(id string) (*types.AgentState, error) {
	var state types.AgentState
	if err := c.do(http.MethodGet, "/v1/nodes/"+url.PathEscape(id)+"/status", nil, &state); err != nil {
		return nil, err
	}
	return &state, nil
}

// ListAgents reports every agent's state
func (c *Client) ListAgents() ([]*types.AgentState, error) {
	var states []*types.AgentState
	if err := c.do(http.MethodGet, "/v1/nodes", nil, &states); err != nil {
		return nil, err
	}
	return states, nil
}

// AddConnection inserts an edge
func (c *Client) AddConnection(from, to string, bidir bool) error {
	return c.do(http.MethodPost, "/v1/connections",
		&types.Connection{From: from, To: to, Bidirectional: bidir}, nil)
}

// RemoveConnection deletes an edge
func (c *Client) RemoveConnection(from, to string, bidir bool) error {
	return c.do(http.MethodDelete, "/v1/connections",
		&types.Connection{From: from, To: to, Bidirectional: bidir}, nil)
}

// SendMail sends a mail from the human node
func (c *Client) SendMail(to, subject, body string) (*types.Mail, error) {
	req := map[string]string{"to": to, "subject": subject, "body": body}
	var m types.Mail
	if err := c.do(http.MethodPost, "/v1/mail", req, &m); err != nil {
		return nil, err
	}
	return &m, nil
}

// HumanInbox fetches the human inbox
func (c *Client) HumanInbox() ([]*types.Mail, error) {
	var mails []*types.Mail
	if err := c.do(http.MethodGet, "/v1/human/inbox", nil, &mails); err != nil {
		return nil, err
	}
	return mails, nil
}

// Counts fetches the live queue-depth snapshot
func (c *Client) Counts() (map[string]types.QueueSnapshot, error) {
	var counts map[string]types.QueueSnapshot
	if err := c.do(http.MethodGet, "/v1/mail/counts", nil, &counts); err != nil {
		return nil, err
	}
	return counts, nil
}

// History fetches recent routing dispositions
func (c *Client) History(limit int) ([]*history.Record, error) {
	var records []*history.Record
	path := fmt.Sprintf("/v1/mail/history?limit=%d", limit)
	if err := c.do(http.MethodGet, path, nil, &records); err != nil {
		return nil, err
	}
	return records, nil
}

// do performs one request and decodes the response. Gateway error bodies
// are mapped back onto the error taxonomy so CLI exit codes stay stable
// across the HTTP boundary.
func (c *Client) do(method, path string, body, out interface{}) error {
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("%w: %v", errdefs.ErrValidation, err)
		}
		rd = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, c.base+path, rd)
	if err != nil {
		return fmt.Errorf("%w: %v", errdefs.ErrValidation, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", errdefs.ErrIO, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var e struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&e)
		return fmt.Errorf("%w: %s", statusError(resp.StatusCode), e.Error)
	}

	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func statusError(status int) error {
	switch status {
	case http.StatusBadRequest:
		return errdefs.ErrValidation
	case http.StatusNotFound:
		return errdefs.ErrNotFound
	case http.StatusForbidden:
		return errdefs.ErrNoRoute
	case http.StatusConflict:
		return errdefs.ErrAlreadyExists
	case http.StatusServiceUnavailable:
		return errdefs.ErrCancelled
	default:
		return errdefs.ErrIO
	}
}
