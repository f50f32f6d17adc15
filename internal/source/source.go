// Package source fetches repository listings and file contents from an
// external content provider. The orchestrator consumes the flat entry list;
// mounting and classification happen elsewhere.
package source

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"
)

var (
	ErrRepoNotFound = errors.New("repository not found")
	ErrRateLimited  = errors.New("content source rate limited")
)

type EntryKind string

const (
	KindFile    EntryKind = "file"
	KindDir     EntryKind = "dir"
	KindSymlink EntryKind = "symlink"
)

// Entry is one element of a repository's flat file listing.
type Entry struct {
	Path       string
	Kind       EntryKind
	ContentRef string // opaque reference for FetchBlob
	Size       int64
}

// Repo identifies a repository plus an optional ref (branch or commit).
type Repo struct {
	Owner string
	Name  string
	Ref   string
}

func (r Repo) String() string {
	return r.Owner + "/" + r.Name
}

// ContentSource lists a repository and resolves blob contents by reference.
type ContentSource interface {
	List(ctx context.Context, repo Repo) ([]Entry, error)
	FetchBlob(ctx context.Context, repo Repo, contentRef string) ([]byte, error)
}

// TokenStore supplies an access token used to raise the source's request
// quota. An empty token means anonymous access.
type TokenStore interface {
	Token(ctx context.Context) (string, error)
}

// StaticToken is a TokenStore holding a fixed token (possibly empty).
type StaticToken string

func (s StaticToken) Token(ctx context.Context) (string, error) {
	return string(s), nil
}

var repoPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.-]*/[A-Za-z0-9][A-Za-z0-9_.-]*$`)

// ParseRepo accepts "owner/name" or a full https repository URL.
func ParseRepo(raw, ref string) (Repo, error) {
	s := strings.TrimSpace(raw)
	s = strings.TrimPrefix(s, "https://")
	s = strings.TrimPrefix(s, "http://")
	if i := strings.Index(s, "/"); i > 0 && strings.Contains(s[:i], ".") {
		s = s[i+1:] // strip host segment
	}
	s = strings.TrimSuffix(s, "/")
	s = strings.TrimSuffix(s, ".git")

	if !repoPattern.MatchString(s) {
		return Repo{}, fmt.Errorf("invalid repository %q (want owner/name)", raw)
	}
	parts := strings.SplitN(s, "/", 2)
	return Repo{Owner: parts[0], Name: parts[1], Ref: ref}, nil
}

// FetchOpts bounds a FetchAll pass.
type FetchOpts struct {
	Concurrency  int
	MaxFileBytes int64
	Notice       func(string) // skip notices, may be nil
}

// FetchAll downloads the contents of every file entry with bounded
// concurrency. Oversized and binary files are skipped with a notice rather
// than failing the whole mount. The first transport error aborts the pass.
func FetchAll(ctx context.Context, src ContentSource, repo Repo, entries []Entry, opts FetchOpts) (map[string][]byte, error) {
	if opts.Concurrency <= 0 {
		opts.Concurrency = 10
	}
	notice := opts.Notice
	if notice == nil {
		notice = func(string) {}
	}

	var (
		mu       sync.Mutex
		wg       sync.WaitGroup
		firstErr error
		contents = make(map[string][]byte)
		sem      = make(chan struct{}, opts.Concurrency)
	)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	for _, e := range entries {
		if e.Kind != KindFile {
			if e.Kind == KindSymlink {
				notice(fmt.Sprintf("skipping symlink %s", e.Path))
			}
			continue
		}
		if opts.MaxFileBytes > 0 && e.Size > opts.MaxFileBytes {
			notice(fmt.Sprintf("skipping %s (%d bytes exceeds limit)", e.Path, e.Size))
			continue
		}

		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
			wg.Wait()
			return nil, ctx.Err()
		}

		wg.Add(1)
		go func(e Entry) {
			defer wg.Done()
			defer func() { <-sem }()

			data, err := src.FetchBlob(ctx, repo, e.ContentRef)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				if firstErr == nil {
					firstErr = fmt.Errorf("fetch %s: %w", e.Path, err)
					cancel()
				}
				return
			}
			if looksBinary(data) {
				notice(fmt.Sprintf("skipping binary file %s", e.Path))
				return
			}
			contents[e.Path] = data
		}(e)
	}

	wg.Wait()
	if firstErr != nil {
		return nil, firstErr
	}
	return contents, nil
}

// looksBinary applies git's heuristic: a NUL byte near the start means the
// payload is not text.
func looksBinary(data []byte) bool {
	probe := data
	if len(probe) > 8000 {
		probe = probe[:8000]
	}
	return bytes.IndexByte(probe, 0) >= 0
}
