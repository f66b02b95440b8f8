package admin

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// defaultAdminTimeout bounds every Client call against a running node's
// admin endpoint.
const defaultAdminTimeout = 5 * time.Second

// Client is a thin HTTP client for a running node's admin Server, the
// counterpart cmd/clusterkit-node's non-`run` subcommands dial into.
type Client struct {
	addr string
	http *http.Client
}

// NewClient returns a Client talking to the admin endpoint at addr (e.g.
// "127.0.0.1:9090").
func NewClient(addr string) *Client {
	return &Client{addr: addr, http: &http.Client{Timeout: defaultAdminTimeout}}
}

func (c *Client) url(path string) string {
	return fmt.Sprintf("http://%s%s", c.addr, path)
}

func (c *Client) doJSON(ctx context.Context, method, path string, body, out any) error {
	var reqBody *bytes.Buffer
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reqBody = bytes.NewBuffer(b)
	} else {
		reqBody = bytes.NewBuffer(nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.url(path), reqBody)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("admin: dialing %s: %w", c.addr, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		var apiErr APIError
		_ = json.NewDecoder(resp.Body).Decode(&apiErr)
		if apiErr.Error != "" {
			return fmt.Errorf("admin: %s", apiErr.Error)
		}
		return fmt.Errorf("admin: request failed with status %d", resp.StatusCode)
	}

	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// Join asks the node to reach out to seeds and join their cluster.
func (c *Client) Join(ctx context.Context, seeds []string) error {
	return c.doJSON(ctx, http.MethodPost, "/v1/join", joinRequest{Seeds: seeds}, nil)
}

// Members returns the node's current membership view.
func (c *Client) Members(ctx context.Context) ([]MemberView, error) {
	var resp membersResponse
	if err := c.doJSON(ctx, http.MethodGet, "/v1/members", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Members, nil
}

// MembersDown administratively marks addr as down.
func (c *Client) MembersDown(ctx context.Context, addr string) error {
	return c.doJSON(ctx, http.MethodPost, "/v1/members/down", downRequest{Address: addr}, nil)
}

// Shards returns the shard-to-member allocation table for entityType.
func (c *Client) Shards(ctx context.Context, entityType string) (map[string]string, error) {
	var resp shardsResponse
	if err := c.doJSON(ctx, http.MethodGet, "/v1/shards/"+entityType, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Allocations, nil
}

// SingletonStatus returns the current owner of the named cluster singleton.
func (c *Client) SingletonStatus(ctx context.Context, name string) (owner string, known bool, err error) {
	var resp singletonStatusResponse
	if err := c.doJSON(ctx, http.MethodGet, "/v1/singleton/"+name, nil, &resp); err != nil {
		return "", false, err
	}
	return resp.Owner, resp.Known, nil
}
