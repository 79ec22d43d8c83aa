package pipeline

import (
	"bytes"
	"encoding/json"
	"io"
	"os"
	"path/filepath"

	"model-runner/internal/model"
	"model-runner/pkg/utils"
)

// VersionStamper writes the version manifest into an output location.
// Callers must not stamp the same output location concurrently.
type VersionStamper interface {
	Stamp(level model.AggregationLevel, output string, manifest model.VersionManifest) (string, error)
}

// FileStamper writes <output>/<key>.version.json. The file is either fully
// written or untouched: bytes go to a temp file that is synced and renamed.
type FileStamper struct{}

func (FileStamper) Stamp(level model.AggregationLevel, output string, manifest model.VersionManifest) (string, error) {
	key := level.ManifestKey()
	if key == "" {
		return "", runErrorf(ErrStampFailure, model.StateStamping, nil, "no manifest key for level %q", level)
	}
	manifest.Key = key

	data, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return "", runErrorf(ErrStampFailure, model.StateStamping, err, "encode manifest")
	}
	data = append(data, '\n')

	path := utils.NewOutputManager(output).ManifestPath(key)
	if err := writeFileAtomic(path, data, 0o644); err != nil {
		return "", runErrorf(ErrStampFailure, model.StateStamping, err, "write %s", path)
	}
	return path, nil
}

// ReadManifest loads a manifest written by FileStamper
func ReadManifest(path string) (model.VersionManifest, error) {
	var m model.VersionManifest
	data, err := os.ReadFile(path)
	if err != nil {
		return m, err
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&m); err != nil {
		return m, err
	}
	return m, nil
}

// writeFileAtomic does not create the parent directory: the output location
// must already hold the artifacts the manifest vouches for.
func writeFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp.*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	committed := false
	defer func() {
		_ = tmp.Close()
		if !committed {
			_ = os.Remove(tmpName)
		}
	}()

	if _, err := io.Copy(tmp, bytes.NewReader(data)); err != nil {
		return err
	}
	if err := tmp.Chmod(perm); err != nil {
		return err
	}
	if err := tmp.Sync(); err != nil {
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		return err
	}
	committed = true
	return syncDir(dir)
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()
	return d.Sync()
}
