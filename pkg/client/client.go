package client

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/aurafw/aura/pkg/types"
)

// Client is a thin HTTP client for the Aura API, used by the CLI
type Client struct {
	base string
	http *http.Client
}

// New creates a client for the given base URL (e.g. http://127.0.0.1:8900)
func New(base string) *Client {
	return &Client{
		base: base,
		http: &http.Client{Timeout: 30 * time.Second},
	}
}

type apiResponse struct {
	Status   string                `json:"status"`
	Message  string                `json:"message"`
	CID      string                `json:"cid"`
	Plans    []string              `json:"plans"`
	Tasks    []string              `json:"tasks"`
	Active   int                   `json:"active"`
	Runs     []types.RunInfo       `json:"runs"`
	Results  []*types.TaskResult   `json:"results"`
	Queues   []types.QueueOverview `json:"queues"`
	Services []struct {
		FQID   string `json:"fqid"`
		Alias  string `json:"alias"`
		Status string `json:"status"`
	} `json:"services"`
}

// UserError marks a failure caused by the request rather than the server
type UserError struct {
	Message string
}

func (e *UserError) Error() string { return e.Message }

func (c *Client) call(method, path string, body any) (*apiResponse, error) {
	var payload []byte
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		payload = data
	}

	req, err := http.NewRequest(method, c.base+path, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to reach aura server at %s: %w", c.base, err)
	}
	defer resp.Body.Close()

	var out apiResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("bad response from server: %w", err)
	}
	if resp.StatusCode >= 500 {
		return nil, fmt.Errorf("server error: %s", out.Message)
	}
	if resp.StatusCode >= 400 {
		return nil, &UserError{Message: out.Message}
	}
	return &out, nil
}

// RunTask submits a task and returns its run id
func (c *Client) RunTask(plan, task string, inputs map[string]any) (string, error) {
	out, err := c.call(http.MethodPost, "/api/tasks/run", map[string]any{
		"plan_name": plan,
		"task_name": task,
		"inputs":    inputs,
	})
	if err != nil {
		return "", err
	}
	return out.CID, nil
}

// Cancel cancels a run by id
func (c *Client) Cancel(cid string) error {
	_, err := c.call(http.MethodPost, "/api/tasks/"+url.PathEscape(cid)+"/cancel", map[string]any{})
	return err
}

// Plans lists loaded plan names
func (c *Client) Plans() ([]string, error) {
	out, err := c.call(http.MethodGet, "/api/plans", nil)
	if err != nil {
		return nil, err
	}
	return out.Plans, nil
}

// Tasks lists the tasks of one plan
func (c *Client) Tasks(plan string) ([]string, error) {
	out, err := c.call(http.MethodGet, "/api/plans/"+url.PathEscape(plan)+"/tasks", nil)
	if err != nil {
		return nil, err
	}
	return out.Tasks, nil
}

// ServiceInfo describes one registered service
type ServiceInfo struct {
	FQID   string
	Alias  string
	Status string
}

// Services lists registered services
func (c *Client) Services() ([]ServiceInfo, error) {
	out, err := c.call(http.MethodGet, "/api/services", nil)
	if err != nil {
		return nil, err
	}
	infos := make([]ServiceInfo, 0, len(out.Services))
	for _, s := range out.Services {
		infos = append(infos, ServiceInfo{FQID: s.FQID, Alias: s.Alias, Status: s.Status})
	}
	return infos, nil
}

// ActiveRuns lists running tasklets
func (c *Client) ActiveRuns() ([]types.RunInfo, error) {
	out, err := c.call(http.MethodGet, "/api/runs/active", nil)
	if err != nil {
		return nil, err
	}
	return out.Runs, nil
}

// History lists recent terminal results
func (c *Client) History(limit int) ([]*types.TaskResult, error) {
	out, err := c.call(http.MethodGet, fmt.Sprintf("/api/runs/history?limit=%d", limit), nil)
	if err != nil {
		return nil, err
	}
	return out.Results, nil
}

// WaitForResult polls history until the run reaches a terminal state
func (c *Client) WaitForResult(cid string, timeout time.Duration) (*types.TaskResult, error) {
	deadline := time.Now().Add(timeout)
	for {
		results, err := c.History(0)
		if err != nil {
			return nil, err
		}
		for _, r := range results {
			if r.RunID == cid {
				return r, nil
			}
		}
		if timeout > 0 && time.Now().After(deadline) {
			return nil, fmt.Errorf("timed out waiting for run %s", cid)
		}
		time.Sleep(200 * time.Millisecond)
	}
}
