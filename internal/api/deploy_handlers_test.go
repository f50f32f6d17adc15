package api

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/p-arndt/vorschau/internal/deploy"
	"github.com/p-arndt/vorschau/protocol"
)

func TestDeployCreate(t *testing.T) {
	s, _, _, dep := newTestServer(t)
	req := protocol.DeployRequest{Repo: "octocat/hello-world"}
	dep.On("Create", mock.Anything, req).
		Return(deploy.Deployment{ID: "d-1", Site: "octocat-hello-world", State: "new"}, nil)

	rec := doRequest(t, s, "POST", "/v1/deployments", req)

	require.Equal(t, 201, rec.Code, rec.Body.String())
	var got deploy.Deployment
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, "d-1", got.ID)
	assert.Equal(t, "new", got.State)
	dep.AssertExpectations(t)
}

func TestDeployCreateValidation(t *testing.T) {
	s, _, _, dep := newTestServer(t)

	rec := doRequest(t, s, "POST", "/v1/deployments", protocol.DeployRequest{})

	require.Equal(t, 400, rec.Code)
	assert.Equal(t, ErrCodeInvalidRequest, decodeError(t, rec).Code)
	dep.AssertNotCalled(t, "Create", mock.Anything, mock.Anything)
}

func TestDeployCreateRelayErrors(t *testing.T) {
	cases := []struct {
		category   deploy.Category
		wantStatus int
		wantCode   string
	}{
		{deploy.CategoryAuth, 502, ErrCodeDeployAuth},
		{deploy.CategoryWorkspace, 404, ErrCodeDeployWorkspace},
		{deploy.CategoryRepoNotFound, 422, ErrCodeDeployRepoNotFound},
		{deploy.CategoryQuota, 429, ErrCodeDeployQuota},
		{deploy.CategoryInvalidInput, 400, ErrCodeDeployInvalid},
		{deploy.CategoryGeneric, 502, ErrCodeDeployFailed},
	}
	for _, tc := range cases {
		t.Run(string(tc.category), func(t *testing.T) {
			s, _, _, dep := newTestServer(t)
			dep.On("Create", mock.Anything, mock.Anything).
				Return(deploy.Deployment{}, &deploy.Error{Category: tc.category, Message: "relay says no"})

			rec := doRequest(t, s, "POST", "/v1/deployments", protocol.DeployRequest{Repo: "octocat/hello-world"})

			assert.Equal(t, tc.wantStatus, rec.Code)
			apiErr := decodeError(t, rec)
			assert.Equal(t, tc.wantCode, apiErr.Code)
			assert.Equal(t, "relay says no", apiErr.Message)
		})
	}
}

func TestDeployStatus(t *testing.T) {
	s, _, _, dep := newTestServer(t)
	dep.On("Status", mock.Anything, "d-1").
		Return(deploy.Deployment{ID: "d-1", State: "ready", URL: "https://octocat-hello-world.netlify.app"}, nil)

	rec := doRequest(t, s, "GET", "/v1/deployments/d-1", nil)

	require.Equal(t, 200, rec.Code)
	var got deploy.Deployment
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, "ready", got.State)
	assert.NotEmpty(t, got.URL)
}

func TestDeployDelete(t *testing.T) {
	s, _, _, dep := newTestServer(t)
	dep.On("Delete", mock.Anything, "octocat-hello-world").Return(nil)

	rec := doRequest(t, s, "DELETE", "/v1/deployments/octocat-hello-world", nil)

	require.Equal(t, 200, rec.Code)
	assert.Contains(t, rec.Body.String(), `"ok":true`)
	dep.AssertExpectations(t)
}
