package cmd

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

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/bulwarkhq/bulwark/internal/core/engine"
	errwrap "github.com/bulwarkhq/bulwark/internal/errors"
	"github.com/bulwarkhq/bulwark/internal/server"
)

const adminClientTimeout = 10 * time.Second

// adminClient talks to the /admin API of a running server.
type adminClient struct {
	base  string
	token string
	http  *http.Client
}

func newAdminClient(base, token string, client *http.Client) (*adminClient, error) {
	base = strings.TrimRight(strings.TrimSpace(base), "/")
	u, err := url.Parse(base)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("admin url must be absolute, got %q", base)
	}
	if strings.TrimSpace(token) == "" {
		return nil, fmt.Errorf("admin token is required (set admin.token or BULWARK_ADMIN_TOKEN)")
	}
	if client == nil {
		client = &http.Client{Timeout: adminClientTimeout}
	}
	return &adminClient{base: base, token: token, http: client}, nil
}

// adminClientFromFlags resolves --url and --token over admin.url and
// admin.token.
func adminClientFromFlags(cmd *cobra.Command) (*adminClient, error) {
	base := viper.GetString("admin.url")
	if v, _ := cmd.Flags().GetString("url"); strings.TrimSpace(v) != "" {
		base = v
	}
	token := viper.GetString("admin.token")
	if v, _ := cmd.Flags().GetString("token"); strings.TrimSpace(v) != "" {
		token = v
	}
	return newAdminClient(base, token, nil)
}

func addAdminFlags(cmd *cobra.Command) {
	cmd.Flags().String("url", "", "base URL of the running server (default admin.url)")
	cmd.Flags().String("token", "", "admin bearer token (default admin.token)")
}

func (c *adminClient) Snapshot(ctx context.Context) (engine.Snapshot, error) {
	var snap engine.Snapshot
	if err := c.do(ctx, http.MethodGet, "/admin/snapshot", nil, &snap); err != nil {
		return engine.Snapshot{}, err
	}
	restoreRemaining(snap.Rules)
	return snap, nil
}

func (c *adminClient) Rules(ctx context.Context) ([]engine.RuleView, error) {
	var list server.RuleList
	if err := c.do(ctx, http.MethodGet, "/admin/rules", nil, &list); err != nil {
		return nil, err
	}
	restoreRemaining(list.Rules)
	return list.Rules, nil
}

func (c *adminClient) ApplyRule(ctx context.Context, req server.RuleRequest) (server.RuleResponse, error) {
	var resp server.RuleResponse
	err := c.do(ctx, http.MethodPost, "/admin/rules", req, &resp)
	return resp, err
}

func (c *adminClient) RemoveRule(ctx context.Context, target string) (server.RuleResponse, error) {
	var resp server.RuleResponse
	err := c.do(ctx, http.MethodDelete, "/admin/rules/"+url.PathEscape(target), nil, &resp)
	return resp, err
}

func (c *adminClient) do(ctx context.Context, method, path string, body, out any) error {
	if ctx == nil {
		ctx = context.Background()
	}

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close() // nolint:errcheck // body fully consumed below

	data, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return fmt.Errorf("%s %s: read response: %w", method, path, err)
	}
	if resp.StatusCode >= 400 {
		return adminError(method, path, resp.StatusCode, data)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("%s %s: decode response: %w", method, path, err)
	}
	return nil
}

func adminError(method, path string, status int, body []byte) error {
	var envelope errwrap.HTTPErrorResponse
	if err := json.Unmarshal(body, &envelope); err == nil && envelope.Error.Code != "" {
		return fmt.Errorf("%s %s: %d %s: %s", method, path, status, envelope.Error.Code, envelope.Error.Message)
	}
	return fmt.Errorf("%s %s: unexpected status %d", method, path, status)
}

// restoreRemaining rebuilds the duration the wire form carries as seconds.
func restoreRemaining(rules []engine.RuleView) {
	for i := range rules {
		rules[i].Remaining = time.Duration(rules[i].RemainingSecs * float64(time.Second))
	}
}
