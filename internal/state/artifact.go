// internal/state/artifact.go
package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/user/gridclaw/internal/types"
)

var ErrArtifactNotFound = errors.New("artifact not found")

// ArtifactStore stores image bytes with a JSON metadata sidecar.
// Files are located at artifacts/<jobID>/<ref><ext> and
// artifacts/<jobID>/<ref>.json.
type ArtifactStore struct {
	root string
}

// NewArtifactStore creates a new file-backed ArtifactStore rooted at the given directory.
func NewArtifactStore(root string) *ArtifactStore {
	return &ArtifactStore{root: root}
}

func (a *ArtifactStore) jobDir(jobID types.JobID) string {
	id := string(jobID)
	if id == "" {
		id = "unassigned"
	}
	return filepath.Join(a.root, "artifacts", id)
}

func extension(mime string) string {
	switch mime {
	case "image/png":
		return ".png"
	case "image/jpeg":
		return ".jpg"
	case "image/webp":
		return ".webp"
	case "image/gif":
		return ".gif"
	}
	return ".bin"
}

// findMeta locates an artifact sidecar by ref across all jobs.
func (a *ArtifactStore) findMeta(ref types.ArtifactRef) (string, error) {
	pattern := filepath.Join(a.root, "artifacts", "*", string(ref)+".json")
	matches, err := filepath.Glob(pattern)
	if err != nil {
		return "", fmt.Errorf("glob artifact: %w", err)
	}
	if len(matches) == 0 {
		return "", fmt.Errorf("%w: %s", ErrArtifactNotFound, ref)
	}
	return matches[0], nil
}

func readMeta(path string) (*types.ArtifactMeta, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read artifact meta: %w", err)
	}
	var meta types.ArtifactMeta
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, fmt.Errorf("unmarshal artifact meta: %w", err)
	}
	return &meta, nil
}

// Put stores data and returns the new artifact's ref.
func (a *ArtifactStore) Put(_ context.Context, data []byte, meta types.ArtifactMeta) (types.ArtifactRef, error) {
	meta.Ref = types.NewArtifactRef()
	meta.Size = len(data)
	if meta.CreatedAt.IsZero() {
		meta.CreatedAt = time.Now()
	}

	dir := a.jobDir(meta.JobID)
	if err := writeFileAtomic(filepath.Join(dir, string(meta.Ref)+extension(meta.MimeType)), data); err != nil {
		return "", fmt.Errorf("write artifact data: %w", err)
	}
	content, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal artifact meta: %w", err)
	}
	if err := writeFileAtomic(filepath.Join(dir, string(meta.Ref)+".json"), content); err != nil {
		return "", fmt.Errorf("write artifact meta: %w", err)
	}
	return meta.Ref, nil
}

// Get returns the stored bytes for ref.
func (a *ArtifactStore) Get(_ context.Context, ref types.ArtifactRef) ([]byte, error) {
	path, err := a.findMeta(ref)
	if err != nil {
		return nil, err
	}
	meta, err := readMeta(path)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(filepath.Join(filepath.Dir(path), string(ref)+extension(meta.MimeType)))
	if err != nil {
		return nil, fmt.Errorf("read artifact data: %w", err)
	}
	return data, nil
}

// GetMeta returns the metadata for ref.
func (a *ArtifactStore) GetMeta(_ context.Context, ref types.ArtifactRef) (*types.ArtifactMeta, error) {
	path, err := a.findMeta(ref)
	if err != nil {
		return nil, err
	}
	return readMeta(path)
}

// List returns the metadata of every artifact stored for jobID, oldest first.
func (a *ArtifactStore) List(_ context.Context, jobID types.JobID) ([]*types.ArtifactMeta, error) {
	matches, err := filepath.Glob(filepath.Join(a.jobDir(jobID), "*.json"))
	if err != nil {
		return nil, fmt.Errorf("glob artifacts: %w", err)
	}
	metas := make([]*types.ArtifactMeta, 0, len(matches))
	for _, m := range matches {
		meta, err := readMeta(m)
		if err != nil {
			return nil, err
		}
		metas = append(metas, meta)
	}
	sort.Slice(metas, func(i, j int) bool {
		if metas[i].CreatedAt.Equal(metas[j].CreatedAt) {
			return metas[i].Variant < metas[j].Variant
		}
		return metas[i].CreatedAt.Before(metas[j].CreatedAt)
	})
	return metas, nil
}
