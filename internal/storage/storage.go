package storage

import (
	"io"
)

type FileInfo struct {
	Filename    string
	ContentType string
	Size        int64
}

// Storage holds original uploads and the artifacts derived from them.
// Paths are relative to the store root; artifacts of a video live under
// a directory named after its id.
type Storage interface {
	SaveFile(file io.Reader, info FileInfo) (string, error)
	OpenFile(path string) (io.ReadSeekCloser, error)
	DeleteFile(path string) error
	// LocalPath resolves a stored path for tools that need a file on disk.
	LocalPath(path string) (string, error)
	Rel(abs string) (string, error)
	ArtifactDir(videoID string) (string, error)
	RemoveArtifacts(videoID string) error
	Root() string
}
