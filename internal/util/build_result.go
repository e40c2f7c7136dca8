package util

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

const BuildResultFilename = "build_result.json"

// BuildResult is the artifact written after a build so later pipeline steps
// (promotion, deployment) can find what was produced without re-querying the
// registry.
type BuildResult struct {
	ID     string       `json:"id"`
	Builds []BuildEntry `json:"builds"`
}

// BuildEntry records one platform's intermediate image.
type BuildEntry struct {
	Platform string `json:"platform"`
	Ref      string `json:"ref"`
	Digest   string `json:"digest,omitempty"`
}

// WriteBuildResult writes build_result.json into dir (cwd if empty).
func WriteBuildResult(dir string, res *BuildResult) error {
	if dir == "" {
		var err error
		dir, err = os.Getwd()
		if err != nil {
			return err
		}
	}
	path := filepath.Join(dir, BuildResultFilename)
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("creating %s: %w", path, err)
	}
	defer f.Close()

	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	if err := enc.Encode(res); err != nil {
		return fmt.Errorf("writing %s: %w", path, err)
	}
	return nil
}

// ReadBuildResult reads build_result.json from dir (cwd if empty).
func ReadBuildResult(dir string) (*BuildResult, error) {
	if dir == "" {
		var err error
		dir, err = os.Getwd()
		if err != nil {
			return nil, err
		}
	}
	data, err := os.ReadFile(filepath.Join(dir, BuildResultFilename))
	if err != nil {
		return nil, err
	}

	var res BuildResult
	if err := json.Unmarshal(data, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// FirstRef returns the first build entry's image reference.
func (r *BuildResult) FirstRef() (string, error) {
	if len(r.Builds) == 0 {
		return "", fmt.Errorf("no builds found")
	}
	return r.Builds[0].Ref, nil
}
