package api

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/p-arndt/vorschau/protocol"
)

func TestValidateLaunchRequest(t *testing.T) {
	cases := []struct {
		name    string
		req     protocol.LaunchRequest
		wantErr string
	}{
		{"valid", protocol.LaunchRequest{Repo: "octocat/hello-world"}, ""},
		{"valid with ref", protocol.LaunchRequest{Repo: "octocat/hello-world", Ref: "feature/new-ui"}, ""},
		{"valid commit ref", protocol.LaunchRequest{Repo: "o/r", Ref: "7fd1a60b01f91b314f59955a4e4d4e80d8edf11d"}, ""},
		{"missing repo", protocol.LaunchRequest{}, "repo is required"},
		{"repo too long", protocol.LaunchRequest{Repo: strings.Repeat("a", 257)}, "256"},
		{"ref too long", protocol.LaunchRequest{Repo: "o/r", Ref: strings.Repeat("b", 129)}, "128"},
		{"ref with spaces", protocol.LaunchRequest{Repo: "o/r", Ref: "my branch"}, "ref may only contain"},
		{"ref leading dash", protocol.LaunchRequest{Repo: "o/r", Ref: "-rf"}, "ref may only contain"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := validateLaunchRequest(tc.req)
			if tc.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			assert.ErrorContains(t, err, tc.wantErr)
		})
	}
}

func TestValidateDeployRequest(t *testing.T) {
	cases := []struct {
		name    string
		req     protocol.DeployRequest
		wantErr string
	}{
		{"valid", protocol.DeployRequest{Repo: "octocat/hello-world"}, ""},
		{"valid with site", protocol.DeployRequest{Repo: "o/r", Site: "my-preview-site"}, ""},
		{"missing repo", protocol.DeployRequest{}, "repo is required"},
		{"site too long", protocol.DeployRequest{Repo: "o/r", Site: strings.Repeat("s", 129)}, "128"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := validateDeployRequest(tc.req)
			if tc.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			assert.ErrorContains(t, err, tc.wantErr)
		})
	}
}
