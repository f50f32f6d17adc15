package dockerbox

import (
	"archive/tar"
	"bytes"
	"fmt"
	"io"
	"time"

	"github.com/p-arndt/vorschau/internal/project"
)

// tarTree packs a project tree into an in-memory tar archive with paths
// relative to the copy destination. Directories come before their contents,
// which Walk already guarantees.
func tarTree(tree *project.Tree) (io.Reader, error) {
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	now := time.Now()

	err := tree.Walk(func(path string, isDir bool, content []byte) error {
		if isDir {
			return tw.WriteHeader(&tar.Header{
				Name:     path + "/",
				Typeflag: tar.TypeDir,
				Mode:     0o755,
				ModTime:  now,
			})
		}
		hdr := &tar.Header{
			Name:     path,
			Typeflag: tar.TypeReg,
			Mode:     0o644,
			Size:     int64(len(content)),
			ModTime:  now,
		}
		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}
		_, err := tw.Write(content)
		return err
	})
	if err != nil {
		return nil, err
	}
	if err := tw.Close(); err != nil {
		return nil, err
	}
	return &buf, nil
}

// tarFile packs a single file, creating parent directory entries so nested
// paths extract cleanly.
func tarFile(path string, data []byte) (io.Reader, error) {
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	now := time.Now()

	for _, dir := range parentDirs(path) {
		if err := tw.WriteHeader(&tar.Header{
			Name:     dir + "/",
			Typeflag: tar.TypeDir,
			Mode:     0o755,
			ModTime:  now,
		}); err != nil {
			return nil, err
		}
	}

	hdr := &tar.Header{
		Name:     path,
		Typeflag: tar.TypeReg,
		Mode:     0o644,
		Size:     int64(len(data)),
		ModTime:  now,
	}
	if err := tw.WriteHeader(hdr); err != nil {
		return nil, err
	}
	if _, err := tw.Write(data); err != nil {
		return nil, err
	}
	if err := tw.Close(); err != nil {
		return nil, err
	}
	return &buf, nil
}

func parentDirs(path string) []string {
	var dirs []string
	for i, c := range path {
		if c == '/' {
			dirs = append(dirs, path[:i])
		}
	}
	return dirs
}

// untarFirstFile extracts the first regular file from an archive, as
// returned by the engine's copy-from API for a single-file path.
func untarFirstFile(r io.Reader, maxBytes int) ([]byte, error) {
	tr := tar.NewReader(r)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil, fmt.Errorf("archive holds no regular file")
		}
		if err != nil {
			return nil, err
		}
		if hdr.Typeflag != tar.TypeReg {
			continue
		}
		if maxBytes > 0 && hdr.Size > int64(maxBytes) {
			return nil, fmt.Errorf("file exceeds %d bytes", maxBytes)
		}
		data, err := io.ReadAll(tr)
		if err != nil {
			return nil, err
		}
		if maxBytes > 0 && len(data) > maxBytes {
			return nil, fmt.Errorf("file exceeds %d bytes", maxBytes)
		}
		return data, nil
	}
}
