package source

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// GitHub is a ContentSource backed by the GitHub REST API (git trees +
// blobs). Works against github.com and GitHub Enterprise base URLs.
type GitHub struct {
	baseURL string
	tokens  TokenStore
	client  *http.Client
}

func NewGitHub(baseURL string, tokens TokenStore) *GitHub {
	if tokens == nil {
		tokens = StaticToken("")
	}
	return &GitHub{
		baseURL: strings.TrimRight(baseURL, "/"),
		tokens:  tokens,
		client:  &http.Client{Timeout: 30 * time.Second},
	}
}

func (g *GitHub) List(ctx context.Context, repo Repo) ([]Entry, error) {
	ref := repo.Ref
	if ref == "" {
		var err error
		ref, err = g.defaultBranch(ctx, repo)
		if err != nil {
			return nil, err
		}
	}

	var result struct {
		Tree []struct {
			Path string `json:"path"`
			Mode string `json:"mode"`
			Type string `json:"type"`
			SHA  string `json:"sha"`
			Size int64  `json:"size"`
		} `json:"tree"`
		Truncated bool `json:"truncated"`
	}
	path := fmt.Sprintf("/repos/%s/%s/git/trees/%s?recursive=1",
		url.PathEscape(repo.Owner), url.PathEscape(repo.Name), url.PathEscape(ref))
	if err := g.getJSON(ctx, path, &result); err != nil {
		return nil, err
	}
	if result.Truncated {
		return nil, fmt.Errorf("repository %s listing truncated by the API, too large to mount", repo)
	}

	entries := make([]Entry, 0, len(result.Tree))
	for _, item := range result.Tree {
		var kind EntryKind
		switch {
		case item.Type == "tree":
			kind = KindDir
		case item.Mode == "120000":
			kind = KindSymlink
		case item.Type == "blob":
			kind = KindFile
		default:
			continue // submodules etc.
		}
		entries = append(entries, Entry{
			Path:       item.Path,
			Kind:       kind,
			ContentRef: item.SHA,
			Size:       item.Size,
		})
	}
	return entries, nil
}

func (g *GitHub) FetchBlob(ctx context.Context, repo Repo, contentRef string) ([]byte, error) {
	var result struct {
		Content  string `json:"content"`
		Encoding string `json:"encoding"`
	}
	path := fmt.Sprintf("/repos/%s/%s/git/blobs/%s",
		url.PathEscape(repo.Owner), url.PathEscape(repo.Name), url.PathEscape(contentRef))
	if err := g.getJSON(ctx, path, &result); err != nil {
		return nil, err
	}
	if result.Encoding != "base64" {
		return []byte(result.Content), nil
	}
	// GitHub wraps base64 content at 60 columns.
	data, err := base64.StdEncoding.DecodeString(strings.ReplaceAll(result.Content, "\n", ""))
	if err != nil {
		return nil, fmt.Errorf("decode blob %s: %w", contentRef, err)
	}
	return data, nil
}

func (g *GitHub) defaultBranch(ctx context.Context, repo Repo) (string, error) {
	var result struct {
		DefaultBranch string `json:"default_branch"`
	}
	path := fmt.Sprintf("/repos/%s/%s", url.PathEscape(repo.Owner), url.PathEscape(repo.Name))
	if err := g.getJSON(ctx, path, &result); err != nil {
		return "", err
	}
	if result.DefaultBranch == "" {
		return "main", nil
	}
	return result.DefaultBranch, nil
}

func (g *GitHub) getJSON(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, g.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Accept", "application/vnd.github+json")
	token, err := g.tokens.Token(ctx)
	if err != nil {
		return fmt.Errorf("token store: %w", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := g.client.Do(req)
	if err != nil {
		return fmt.Errorf("content source request: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusNotFound:
		return ErrRepoNotFound
	case resp.StatusCode == http.StatusForbidden || resp.StatusCode == http.StatusTooManyRequests:
		return ErrRateLimited
	default:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("content source returned %d: %s", resp.StatusCode, string(body))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}
