// ABOUTME: File inputs of a package scan and the collaborator that makes them local
// ABOUTME: LocalSource serves files already on disk; device pulls plug in behind FileSource

package scan

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// FileInput is one file of a package. SHA256 may be empty and is then computed.
type FileInput struct {
	Path   string `json:"path"`
	SHA256 string `json:"sha256,omitempty"`
}

// Request asks for every file of a package to be scanned.
type Request struct {
	Package string      `json:"package"`
	Files   []FileInput `json:"files"`
}

// FileSource makes a package file available on the local filesystem.
// The returned release func removes any temporary copy.
type FileSource interface {
	Pull(ctx context.Context, pkg, path string) (local string, release func(), err error)
}

// LocalSource serves files that are already local, optionally under Root.
type LocalSource struct {
	Root string
}

// Pull resolves path and checks it names a regular file.
func (s LocalSource) Pull(_ context.Context, _ string, path string) (string, func(), error) {
	local := path
	if s.Root != "" {
		local = filepath.Join(s.Root, filepath.FromSlash(strings.TrimPrefix(path, "/")))
	}
	info, err := os.Stat(local)
	if err != nil {
		return "", nil, fmt.Errorf("stat %s: %w", local, err)
	}
	if info.IsDir() {
		return "", nil, fmt.Errorf("path is a directory, not a file: %s", path)
	}
	return local, func() {}, nil
}

// APKLister lists the APKs in an install directory. Paths are in the
// source's namespace and can be passed to Pull.
type APKLister interface {
	ListAPKs(ctx context.Context, pkg, dir string) ([]string, error)
}

// ListAPKs returns the regular .apk files directly under dir, base.apk first.
func (s LocalSource) ListAPKs(_ context.Context, _ string, dir string) ([]string, error) {
	local := dir
	if s.Root != "" {
		local = filepath.Join(s.Root, filepath.FromSlash(strings.TrimPrefix(dir, "/")))
	}
	entries, err := os.ReadDir(local)
	if err != nil {
		return nil, fmt.Errorf("listing %s: %w", dir, err)
	}
	var out []string
	for _, e := range entries {
		if !e.Type().IsRegular() || !strings.EqualFold(filepath.Ext(e.Name()), ".apk") {
			continue
		}
		p := strings.TrimRight(dir, "/") + "/" + e.Name()
		if e.Name() == "base.apk" {
			out = append([]string{p}, out...)
			continue
		}
		out = append(out, p)
	}
	return out, nil
}

// IsUploadable reports whether a file type is sent for analysis.
func IsUploadable(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".apk", ".so":
		return true
	default:
		return false
	}
}
