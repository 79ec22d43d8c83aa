package utils

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// ManifestSuffix is appended to a manifest key to form the manifest file name
const ManifestSuffix = ".version.json"

// OutputManager handles one output location: the directory a run's
// collaborator writes artifacts into and where the version manifest lives
type OutputManager struct {
	Dir string
}

// Artifact describes one file found in an output location
type Artifact struct {
	Name       string `json:"name"` // slash-separated, relative to the output location
	Size       int64  `json:"size"`
	Type       string `json:"type"`
	IsManifest bool   `json:"is_manifest"`
}

// NewOutputManager creates a new output manager
func NewOutputManager(dir string) *OutputManager {
	return &OutputManager{Dir: dir}
}

// EnsureOutputDirExists creates the output location if needed
func (om *OutputManager) EnsureOutputDirExists() error {
	if strings.TrimSpace(om.Dir) == "" {
		return fmt.Errorf("output location is required")
	}
	info, err := os.Stat(om.Dir)
	if err == nil {
		if !info.IsDir() {
			return fmt.Errorf("output location %s is not a directory", om.Dir)
		}
		return nil
	}
	if !os.IsNotExist(err) {
		return err
	}
	if err := os.MkdirAll(om.Dir, 0755); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}
	return nil
}

// ManifestPath is where the manifest tagged key lives
func (om *OutputManager) ManifestPath(key string) string {
	return filepath.Join(om.Dir, filepath.Base(key)+ManifestSuffix)
}

// HasManifest reports whether a manifest tagged key is present
func (om *OutputManager) HasManifest(key string) bool {
	info, err := os.Stat(om.ManifestPath(key))
	return err == nil && info.Mode().IsRegular()
}

// ListArtifacts walks the output location and returns every regular file,
// sorted by name. Temp files left by an interrupted manifest write are skipped.
func (om *OutputManager) ListArtifacts() ([]Artifact, error) {
	var artifacts []Artifact
	err := filepath.WalkDir(om.Dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !d.Type().IsRegular() {
			return nil
		}
		if strings.Contains(d.Name(), ManifestSuffix+".tmp.") {
			return nil
		}
		rel, err := filepath.Rel(om.Dir, path)
		if err != nil {
			return err
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		artifacts = append(artifacts, Artifact{
			Name:       filepath.ToSlash(rel),
			Size:       info.Size(),
			Type:       om.GetFileType(d.Name()),
			IsManifest: strings.HasSuffix(d.Name(), ManifestSuffix) && !strings.Contains(rel, string(filepath.Separator)),
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(artifacts, func(i, j int) bool { return artifacts[i].Name < artifacts[j].Name })
	return artifacts, nil
}

// ResolveArtifact maps a slash-separated artifact name back to a path inside
// the output location, refusing names that escape it
func (om *OutputManager) ResolveArtifact(name string) (string, error) {
	clean := filepath.Clean(filepath.FromSlash(name))
	if clean == "." || filepath.IsAbs(clean) || clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("invalid artifact name %q", name)
	}
	return filepath.Join(om.Dir, clean), nil
}

// GetDownloadURL generates a download URL for an artifact of a run
func (om *OutputManager) GetDownloadURL(runID, name string) string {
	return fmt.Sprintf("/api/v1/runs/%s/files/%s", runID, name)
}

// GetFileType determines the file type based on extension
func (om *OutputManager) GetFileType(fileName string) string {
	ext := strings.ToLower(filepath.Ext(fileName))
	switch ext {
	case ".csv":
		return "csv"
	case ".json":
		return "json"
	case ".parquet":
		return "parquet"
	case ".txt", ".log":
		return "text"
	case ".png", ".pdf":
		return "plot"
	default:
		return "unknown"
	}
}
