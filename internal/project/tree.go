// Package project models the mounted file tree and classifies repositories
// into project kinds.
package project

import (
	"fmt"
	"sort"
	"strings"

	"github.com/p-arndt/vorschau/internal/source"
)

// Node is one directory level: files hold full text payloads, dirs nest.
type Node struct {
	Files map[string][]byte
	Dirs  map[string]*Node
}

func newNode() *Node {
	return &Node{Files: make(map[string][]byte), Dirs: make(map[string]*Node)}
}

// Tree is the nested form of a repository listing. Built once per run and
// treated as immutable after it is handed to a sandbox mount.
type Tree struct {
	root      *Node
	fileCount int
}

// BuildTree assembles the nested tree from the flat entry list plus the
// fetched contents. Entries without fetched content (skipped binaries,
// oversized files) become empty dirs or are dropped; hostile paths fail the
// build.
func BuildTree(entries []source.Entry, contents map[string][]byte) (*Tree, error) {
	t := &Tree{root: newNode()}

	for _, e := range entries {
		if e.Kind != source.KindDir {
			continue
		}
		if _, err := t.ensureDir(e.Path); err != nil {
			return nil, err
		}
	}

	for path, content := range contents {
		segs, err := splitPath(path)
		if err != nil {
			return nil, err
		}
		dir := t.root
		if len(segs) > 1 {
			dir, err = t.ensureDir(strings.Join(segs[:len(segs)-1], "/"))
			if err != nil {
				return nil, err
			}
		}
		name := segs[len(segs)-1]
		if _, exists := dir.Files[name]; !exists {
			t.fileCount++
		}
		dir.Files[name] = content
	}

	return t, nil
}

func (t *Tree) ensureDir(path string) (*Node, error) {
	segs, err := splitPath(path)
	if err != nil {
		return nil, err
	}
	cur := t.root
	for _, seg := range segs {
		next, ok := cur.Dirs[seg]
		if !ok {
			next = newNode()
			cur.Dirs[seg] = next
		}
		cur = next
	}
	return cur, nil
}

func splitPath(path string) ([]string, error) {
	clean := strings.Trim(path, "/")
	if clean == "" {
		return nil, fmt.Errorf("empty path")
	}
	segs := strings.Split(clean, "/")
	for _, seg := range segs {
		if seg == "" || seg == "." || seg == ".." {
			return nil, fmt.Errorf("invalid path %q", path)
		}
	}
	return segs, nil
}

// FileCount reports the number of files in the tree.
func (t *Tree) FileCount() int {
	return t.fileCount
}

// Lookup returns the content of the file at path.
func (t *Tree) Lookup(path string) ([]byte, bool) {
	segs, err := splitPath(path)
	if err != nil {
		return nil, false
	}
	cur := t.root
	for _, seg := range segs[:len(segs)-1] {
		next, ok := cur.Dirs[seg]
		if !ok {
			return nil, false
		}
		cur = next
	}
	content, ok := cur.Files[segs[len(segs)-1]]
	return content, ok
}

// Paths returns every file path in the tree, sorted.
func (t *Tree) Paths() []string {
	var out []string
	collectPaths(t.root, "", &out)
	sort.Strings(out)
	return out
}

func collectPaths(n *Node, prefix string, out *[]string) {
	for name := range n.Files {
		*out = append(*out, prefix+name)
	}
	for name, dir := range n.Dirs {
		collectPaths(dir, prefix+name+"/", out)
	}
}

// Walk visits every directory and file in deterministic order (directories
// before their contents, names sorted at each level).
func (t *Tree) Walk(fn func(path string, isDir bool, content []byte) error) error {
	return walkNode(t.root, "", fn)
}

func walkNode(n *Node, prefix string, fn func(string, bool, []byte) error) error {
	dirNames := make([]string, 0, len(n.Dirs))
	for name := range n.Dirs {
		dirNames = append(dirNames, name)
	}
	sort.Strings(dirNames)
	fileNames := make([]string, 0, len(n.Files))
	for name := range n.Files {
		fileNames = append(fileNames, name)
	}
	sort.Strings(fileNames)

	for _, name := range dirNames {
		path := prefix + name
		if err := fn(path, true, nil); err != nil {
			return err
		}
		if err := walkNode(n.Dirs[name], path+"/", fn); err != nil {
			return err
		}
	}
	for _, name := range fileNames {
		if err := fn(prefix+name, false, n.Files[name]); err != nil {
			return err
		}
	}
	return nil
}
