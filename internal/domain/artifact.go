package domain

import (
	"errors"
	"strings"
	"time"
)

// ArtifactRef records a logical path inside a run's artifact namespace
// together with the object-store URI holding the bytes. The registry
// never stores blob content itself.
type ArtifactRef struct {
	ID        string
	RunID     string
	Path      string
	URI       string
	SHA256    string
	SizeBytes int64
	CreatedAt time.Time
}

func (a ArtifactRef) Validate() error {
	if strings.TrimSpace(a.ID) == "" {
		return errors.New("artifact id is required")
	}
	if strings.TrimSpace(a.RunID) == "" {
		return errors.New("run id is required")
	}
	if strings.TrimSpace(a.Path) == "" {
		return errors.New("artifact path is required")
	}
	if strings.TrimSpace(a.URI) == "" {
		return errors.New("artifact uri is required")
	}
	return nil
}
