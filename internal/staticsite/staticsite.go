// Package staticsite turns a static-file project into something the normal
// install/run pipeline can execute: it picks the directories worth serving
// and writes a small node server plus manifest into the workspace.
package staticsite

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/p-arndt/vorschau/internal/sandbox"
	"github.com/p-arndt/vorschau/protocol"
)

// ServerFile is the synthesized server's path in the workspace.
const ServerFile = "preview-server.mjs"

// RunScript is the script name the synthesized manifest declares.
const RunScript = "start"

// candidates are probed in this order; it doubles as the primary-root
// priority, so a public/ with an index document outranks a dist/ with one.
var candidates = []string{"public", "build", "dist", "docs", "www", "static", "."}

type probe struct {
	exists   bool
	hasIndex bool
}

// Resolve returns the serve roots, primary first, deduplicated. The primary
// root is the highest-priority candidate holding an index document; with no
// index anywhere the first existing candidate leads. The current directory
// always exists, so the result is never empty.
func Resolve(ctx context.Context, h sandbox.Handle) ([]string, error) {
	results := make([]probe, len(candidates))

	// independent reads, so probe all candidates at once
	var wg sync.WaitGroup
	for i, dir := range candidates {
		wg.Add(1)
		go func(i int, dir string) {
			defer wg.Done()
			results[i] = probeDir(ctx, h, dir)
		}(i, dir)
	}
	wg.Wait()

	primary := ""
	for i, dir := range candidates {
		if results[i].exists && results[i].hasIndex {
			primary = dir
			break
		}
	}

	var roots []string
	if primary != "" {
		roots = append(roots, primary)
	}
	for i, dir := range candidates {
		if !results[i].exists || dir == primary {
			continue
		}
		roots = append(roots, dir)
	}
	return roots, nil
}

func probeDir(ctx context.Context, h sandbox.Handle, dir string) probe {
	index := dir + "/index.html"
	if dir == "." {
		index = "index.html"
	}

	p := probe{}
	if dir == "." {
		p.exists = true
	} else {
		ok, err := h.Exists(ctx, dir)
		p.exists = err == nil && ok
	}
	if p.exists {
		ok, err := h.Exists(ctx, index)
		p.hasIndex = err == nil && ok
	}
	return p
}

// manifestTemplate declares the static file server dependency and the run
// script that starts the synthesized server.
const manifestTemplate = `{
  "name": "vorschau-static-preview",
  "private": true,
  "scripts": {
    "start": "node %s"
  },
  "dependencies": {
    "serve": "^14.2.1"
  }
}
`

// Synthesize writes the manifest and server program into the workspace. The
// resolved roots are embedded into the server in priority order.
func Synthesize(ctx context.Context, h sandbox.Handle, roots []string) error {
	if len(roots) == 0 {
		roots = []string{"."}
	}

	rootsJSON, err := json.Marshal(roots)
	if err != nil {
		return fmt.Errorf("encode roots: %w", err)
	}

	manifest := fmt.Sprintf(manifestTemplate, ServerFile)
	if err := h.WriteFile(ctx, "package.json", []byte(manifest)); err != nil {
		return fmt.Errorf("write manifest: %w", err)
	}

	server := fmt.Sprintf(serverTemplate, rootsJSON, protocol.StaticPort)
	if err := h.WriteFile(ctx, ServerFile, []byte(server)); err != nil {
		return fmt.Errorf("write server: %w", err)
	}
	return nil
}

// serverTemplate serves every root with extension-based content types,
// permissive CORS, disabled caching, and an SPA fallback: extensionless
// misses resolve to the primary root's index document, asset-like misses
// return 404.
const serverTemplate = `import { createServer } from 'node:http';
import { promises as fs } from 'node:fs';
import path from 'node:path';

const roots = %s;
const port = %d;

const mime = {
  '.html': 'text/html; charset=utf-8',
  '.js': 'text/javascript',
  '.mjs': 'text/javascript',
  '.css': 'text/css',
  '.json': 'application/json',
  '.map': 'application/json',
  '.png': 'image/png',
  '.jpg': 'image/jpeg',
  '.jpeg': 'image/jpeg',
  '.gif': 'image/gif',
  '.svg': 'image/svg+xml',
  '.ico': 'image/x-icon',
  '.txt': 'text/plain; charset=utf-8',
  '.wasm': 'application/wasm',
  '.woff': 'font/woff',
  '.woff2': 'font/woff2',
};

async function readFirst(rel) {
  for (const root of roots) {
    const file = path.join(root, rel);
    if (path.relative(root, file).startsWith('..')) continue;
    try {
      const data = await fs.readFile(file);
      return { data, ext: path.extname(file).toLowerCase() };
    } catch {
      // try the next root
    }
  }
  return null;
}

const server = createServer(async (req, res) => {
  const headers = {
    'Access-Control-Allow-Origin': '*',
    'Access-Control-Allow-Methods': 'GET, HEAD, OPTIONS',
    'Access-Control-Allow-Headers': '*',
    'Cache-Control': 'no-store',
  };
  if (req.method === 'OPTIONS') {
    res.writeHead(204, headers);
    res.end();
    return;
  }

  let rel = decodeURIComponent(new URL(req.url, 'http://localhost').pathname);
  if (rel.endsWith('/')) rel += 'index.html';
  rel = rel.replace(/^[/]+/, '');
  if (rel === '') rel = 'index.html';

  let hit = await readFirst(rel);
  if (!hit && !path.extname(rel)) {
    hit = await readFirst('index.html');
  }
  if (!hit) {
    res.writeHead(404, { ...headers, 'Content-Type': 'text/plain' });
    res.end('not found');
    return;
  }
  res.writeHead(200, { ...headers, 'Content-Type': mime[hit.ext] || 'application/octet-stream' });
  res.end(hit.data);
});

server.listen(port, '0.0.0.0', () => {
  console.log('static preview listening on http://localhost:' + port);
});
`
