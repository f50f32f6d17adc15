//go:build integration

package integration

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"testing"

	"github.com/stretchr/testify/require"
)

type testClient struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

func newTestClient(baseURL, apiKey string) *testClient {
	return &testClient{
		baseURL: baseURL,
		apiKey:  apiKey,
		client:  &http.Client{},
	}
}

func (c *testClient) doRequest(t *testing.T, method, path string, body any) *http.Response {
	t.Helper()

	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, c.baseURL+path, reqBody)
	require.NoError(t, err)

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.client.Do(req)
	require.NoError(t, err)
	return resp
}

func (c *testClient) launch(t *testing.T, repo string, replace bool) map[string]any {
	t.Helper()
	resp := c.doRequest(t, "POST", "/v1/previews", map[string]any{
		"repo":    repo,
		"replace": replace,
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode, "failed to launch preview")
	return decodeResponse(t, resp)
}

// currentRun returns the active run snapshot, or nil when there is none.
func (c *testClient) currentRun(t *testing.T) map[string]any {
	t.Helper()
	resp := c.doRequest(t, "GET", "/v1/previews/current", nil)
	if resp.StatusCode == http.StatusNotFound {
		resp.Body.Close()
		return nil
	}
	require.Equal(t, http.StatusOK, resp.StatusCode)
	return decodeResponse(t, resp)
}

func (c *testClient) teardown(t *testing.T) {
	t.Helper()
	resp := c.doRequest(t, "DELETE", "/v1/previews/current", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()
}

func (c *testClient) getRun(t *testing.T, id string) map[string]any {
	t.Helper()
	resp := c.doRequest(t, "GET", fmt.Sprintf("/v1/previews/%s", id), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	return decodeResponse(t, resp)
}

func decodeResponse(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()
	defer resp.Body.Close()
	var result map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&result))
	return result
}

func jsonDecode(resp *http.Response, dst any) error {
	return json.NewDecoder(resp.Body).Decode(dst)
}
