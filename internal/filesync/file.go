// Package filesync represents each file of a session as a patch against
// the content both sides last agreed on, offloading full bodies to a blob
// store when they are binary or too large to inline.
package filesync

import (
	"fmt"
	"path"
	"strings"
)

// DiffError reports a file whose patch could not be produced or applied.
// It affects only that file.
type DiffError struct {
	Path string
	Err  error
}

func (e *DiffError) Error() string {
	return fmt.Sprintf("diff %s: %v", e.Path, e.Err)
}

func (e *DiffError) Unwrap() error { return e.Err }

// FileRecord is the sender's view of one file.
type FileRecord struct {
	Path     string
	Contents string
	Asset    bool
	// RemoteRef is the blob URL the receiver last fetched this file from.
	RemoteRef string
	// RemoteBaseline is the content behind RemoteRef. Meaningful only
	// when RemoteRef is set; otherwise the baseline is "".
	RemoteBaseline string
	// PendingDiff is the patch sent in the last cycle.
	PendingDiff string
}

// HasRemote reports whether the file has an offloaded baseline.
func (f FileRecord) HasRemote() bool { return f.RemoteRef != "" }

var assetExtensions = map[string]bool{
	".png": true, ".jpg": true, ".jpeg": true, ".gif": true, ".webp": true,
	".bmp": true, ".ico": true, ".svgz": true,
	".ttf": true, ".otf": true, ".woff": true, ".woff2": true,
	".mp3": true, ".wav": true, ".aac": true, ".m4a": true,
	".mp4": true, ".mov": true, ".webm": true,
	".pdf": true, ".zip": true, ".db": true,
}

// IsAsset reports whether p names binary content that is always offloaded
// rather than diffed.
func IsAsset(p string) bool {
	return assetExtensions[strings.ToLower(path.Ext(p))]
}
