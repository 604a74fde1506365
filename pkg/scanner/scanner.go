// Package scanner implements SPEC_FULL §4.6's filesystem Scanner: the
// default, runnable implementation of spec.md §6's consumed Scanner
// interface (folder enumeration is explicitly out of THE CORE's scope,
// but a runnable program needs one).
package scanner

import (
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"os"
	"path/filepath"
	"strings"

	_ "golang.org/x/image/bmp"
)

// MetadataDir is excluded from traversal, matching spec.md §6's "excludes
// a dedicated metadata subdirectory".
const MetadataDir = ".imgcluster"

// DefaultExtensions is the allow-list of file extensions a Handle will be
// yielded for. webp is recognized but deliberately unsupported (see
// DESIGN.md) — neither stdlib nor golang.org/x/image ships a webp decoder
// the pack uses, so webp files are skipped rather than silently
// mis-decoded. bmp is decoded via golang.org/x/image/bmp, registered above
// for its side effect on image.Decode exactly like the stdlib jpeg/png/gif
// decoders.
var DefaultExtensions = map[string]bool{
	".jpg":  true,
	".jpeg": true,
	".png":  true,
	".gif":  true,
	".bmp":  true,
	".webp": false,
}

// Handle is one discovered image: a path relative to the scan root plus a
// lazy decoder.
type Handle struct {
	// Path is relative to the project root (spec.md §6).
	Path string

	absPath string
}

// Open decodes the image at h.Path.
func (h Handle) Open() (image.Image, error) {
	f, err := os.Open(h.absPath)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", h.Path, err)
	}
	defer f.Close()
	img, _, err := image.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("decoding %s: %w", h.Path, err)
	}
	return img, nil
}

// FSScanner walks a directory tree yielding image Handles.
type FSScanner struct {
	root       string
	extensions map[string]bool
}

// New constructs an FSScanner rooted at root, using DefaultExtensions.
func New(root string) *FSScanner {
	return &FSScanner{root: root, extensions: DefaultExtensions}
}

// WithExtensions overrides the allow-list of recognized extensions.
func (s *FSScanner) WithExtensions(ext map[string]bool) *FSScanner {
	s.extensions = ext
	return s
}

// Scan walks the root directory, returning a Handle for every file whose
// extension is allow-listed and enabled, skipping MetadataDir.
func (s *FSScanner) Scan() ([]Handle, error) {
	var handles []Handle
	err := filepath.WalkDir(s.root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if d.Name() == MetadataDir {
				return filepath.SkipDir
			}
			return nil
		}
		ext := strings.ToLower(filepath.Ext(path))
		if !s.extensions[ext] {
			return nil
		}
		rel, err := filepath.Rel(s.root, path)
		if err != nil {
			return err
		}
		handles = append(handles, Handle{Path: rel, absPath: path})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scanning %s: %w", s.root, err)
	}
	return handles, nil
}
