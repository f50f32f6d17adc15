// Package deploy relays deployment requests to a Netlify-style hosting API.
// The relay is stateless: it validates input, forwards the call with the
// configured token, and maps upstream failures onto sanitized categories.
// Upstream response bodies never reach the caller.
package deploy

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/p-arndt/vorschau/internal/config"
	"github.com/p-arndt/vorschau/internal/source"
	"github.com/p-arndt/vorschau/protocol"
)

// Category classifies a relay failure for the client. The API layer maps
// each category to its own HTTP status.
type Category string

const (
	CategoryAuth         Category = "auth"
	CategoryWorkspace    Category = "workspace_not_found"
	CategoryRepoNotFound Category = "repo_not_found"
	CategoryQuota        Category = "quota"
	CategoryInvalidInput Category = "invalid_input"
	CategoryGeneric      Category = "generic"
)

// Error is a sanitized relay failure. Message is written by this package,
// never copied from an upstream response.
type Error struct {
	Category Category
	Message  string
}

func (e *Error) Error() string { return e.Message }

func relayErr(cat Category, msg string) *Error {
	return &Error{Category: cat, Message: msg}
}

// Deployment is the client-facing view of one upstream deployment.
type Deployment struct {
	ID    string `json:"id"`
	Site  string `json:"site"`
	State string `json:"state"`
	URL   string `json:"url,omitempty"`
}

// Relay forwards deployment operations to the upstream API.
type Relay struct {
	baseURL string
	token   string
	client  *http.Client
	logger  *slog.Logger
}

func New(cfg config.DeployConfig, logger *slog.Logger) *Relay {
	return &Relay{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		token:   cfg.Token,
		client:  &http.Client{Timeout: 30 * time.Second},
		logger:  logger,
	}
}

// Create triggers a build for the named site. With no site given, the site
// slug derives from the repository identifier.
func (r *Relay) Create(ctx context.Context, req protocol.DeployRequest) (Deployment, error) {
	repo, err := source.ParseRepo(req.Repo, "")
	if err != nil {
		return Deployment{}, relayErr(CategoryInvalidInput, "repository must be owner/name or a full repository URL")
	}

	site := req.Site
	if site == "" {
		site = siteSlug(repo)
	}
	if !validSlug(site) {
		return Deployment{}, relayErr(CategoryInvalidInput, "site name may only contain letters, digits and dashes")
	}

	body := map[string]string{"repo": repo.Owner + "/" + repo.Name}
	var result struct {
		ID       string `json:"id"`
		DeployID string `json:"deploy_id"`
		State    string `json:"state"`
	}
	path := "/sites/" + url.PathEscape(site) + "/builds"
	if err := r.do(ctx, http.MethodPost, path, body, &result); err != nil {
		return Deployment{}, err
	}

	dep := Deployment{ID: result.DeployID, Site: site, State: result.State}
	if dep.ID == "" {
		dep.ID = result.ID
	}
	if dep.State == "" {
		dep.State = "new"
	}
	r.logger.Info("deployment created", "site", site, "deploy_id", dep.ID)
	return dep, nil
}

// Status fetches the current state of a deployment.
func (r *Relay) Status(ctx context.Context, deployID string) (Deployment, error) {
	if !validSlug(deployID) {
		return Deployment{}, relayErr(CategoryInvalidInput, "deployment id may only contain letters, digits and dashes")
	}

	var result struct {
		ID     string `json:"id"`
		SiteID string `json:"site_id"`
		State  string `json:"state"`
		SSLURL string `json:"ssl_url"`
		URL    string `json:"url"`
	}
	if err := r.do(ctx, http.MethodGet, "/deploys/"+url.PathEscape(deployID), nil, &result); err != nil {
		return Deployment{}, err
	}

	dep := Deployment{ID: result.ID, Site: result.SiteID, State: result.State, URL: result.SSLURL}
	if dep.URL == "" {
		dep.URL = result.URL
	}
	return dep, nil
}

// Delete removes a deployed site.
func (r *Relay) Delete(ctx context.Context, site string) error {
	if !validSlug(site) {
		return relayErr(CategoryInvalidInput, "site name may only contain letters, digits and dashes")
	}
	if err := r.do(ctx, http.MethodDelete, "/sites/"+url.PathEscape(site), nil, nil); err != nil {
		return err
	}
	r.logger.Info("site deleted", "site", site)
	return nil
}

func (r *Relay) do(ctx context.Context, method, path string, body, out any) error {
	if r.token == "" {
		return relayErr(CategoryAuth, "no deploy token configured")
	}

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encoding request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, r.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Authorization", "Bearer "+r.token)

	resp, err := r.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		r.logger.Warn("deploy upstream unreachable", "error", err)
		return relayErr(CategoryGeneric, "the deployment service is unreachable")
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		// drain for connection reuse; the body itself stays server-side
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		r.logger.Warn("deploy upstream error", "method", method, "path", path, "status", resp.StatusCode)
		return categorize(resp.StatusCode)
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return relayErr(CategoryGeneric, "the deployment service returned an unreadable response")
	}
	return nil
}

// categorize maps an upstream status code onto a sanitized relay error.
func categorize(status int) *Error {
	switch status {
	case http.StatusUnauthorized, http.StatusForbidden:
		return relayErr(CategoryAuth, "the deploy token was rejected by the deployment service")
	case http.StatusNotFound:
		return relayErr(CategoryWorkspace, "the deployment service does not know this site or deployment")
	case http.StatusUnprocessableEntity:
		return relayErr(CategoryRepoNotFound, "the deployment service cannot access the repository")
	case http.StatusPaymentRequired, http.StatusTooManyRequests:
		return relayErr(CategoryQuota, "the deployment service quota is exhausted, retry later")
	case http.StatusBadRequest:
		return relayErr(CategoryInvalidInput, "the deployment service rejected the request as invalid")
	default:
		return relayErr(CategoryGeneric, fmt.Sprintf("the deployment service failed with status %d", status))
	}
}

func siteSlug(repo source.Repo) string {
	return strings.ToLower(repo.Owner + "-" + repo.Name)
}

// validSlug admits the identifier shapes the upstream paths expect and
// nothing that could alter the request path.
func validSlug(s string) bool {
	if s == "" || len(s) > 128 || strings.HasPrefix(s, ".") {
		return false
	}
	for _, c := range s {
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		case c == '-' || c == '_' || c == '.':
		default:
			return false
		}
	}
	return true
}
