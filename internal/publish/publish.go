// Package publish mirrors stamped output locations to S3-compatible object storage.
package publish

import (
	"context"
	"fmt"
	"path"
	"path/filepath"
	"strings"
	"sync"

	"model-runner/internal/model"
	"model-runner/pkg/utils"
)

// ObjectStore is the subset of an object storage client the publisher needs
type ObjectStore interface {
	EnsureBucket(ctx context.Context, bucket string) error
	UploadFile(ctx context.Context, bucket, key, filePath, contentType string) error
}

// Publisher uploads every artifact of an output location under
// <Prefix>/<manifest key>/. The manifest goes last, once every artifact is
// in place, so a reader that sees it can trust the artifacts next to it.
type Publisher struct {
	Store   ObjectStore
	Bucket  string
	Prefix  string
	Workers int // concurrent artifact uploads, 1 when unset
	Retry   RetryConfig
}

func (p *Publisher) Publish(ctx context.Context, level model.AggregationLevel, output string) (int, error) {
	key := level.ManifestKey()
	if key == "" {
		return 0, fmt.Errorf("publish: unknown level %q", level)
	}
	om := utils.NewOutputManager(output)
	if !om.HasManifest(key) {
		return 0, fmt.Errorf("publish: %s has no %s manifest", output, key)
	}
	artifacts, err := om.ListArtifacts()
	if err != nil {
		return 0, fmt.Errorf("publish: list %s: %w", output, err)
	}
	if err := p.Store.EnsureBucket(ctx, p.Bucket); err != nil {
		return 0, fmt.Errorf("publish: bucket %s: %w", p.Bucket, err)
	}

	var files, manifests []utils.Artifact
	for _, a := range artifacts {
		if a.IsManifest {
			manifests = append(manifests, a)
		} else {
			files = append(files, a)
		}
	}

	sent, err := p.uploadAll(ctx, om, key, files)
	if err != nil {
		return sent, err
	}
	for _, a := range manifests {
		if err := p.upload(ctx, om, key, a); err != nil {
			return sent, err
		}
		sent++
	}
	return sent, nil
}

// uploadAll uploads artifacts with a bounded set of workers and stops handing
// out work after the first failure
func (p *Publisher) uploadAll(ctx context.Context, om *utils.OutputManager, key string, artifacts []utils.Artifact) (int, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	workers := p.Workers
	if workers < 1 {
		workers = 1
	}

	jobs := make(chan utils.Artifact)
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		sent     int
		firstErr error
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for a := range jobs {
				if ctx.Err() != nil {
					continue
				}
				err := p.upload(ctx, om, key, a)
				mu.Lock()
				if err == nil {
					sent++
				} else if firstErr == nil {
					firstErr = err
					cancel()
				}
				mu.Unlock()
			}
		}()
	}

feed:
	for _, a := range artifacts {
		select {
		case jobs <- a:
		case <-ctx.Done():
			break feed
		}
	}
	close(jobs)
	wg.Wait()

	if firstErr == nil && ctx.Err() != nil {
		firstErr = fmt.Errorf("publish: %w", ctx.Err())
	}
	return sent, firstErr
}

func (p *Publisher) upload(ctx context.Context, om *utils.OutputManager, key string, a utils.Artifact) error {
	local := filepath.Join(om.Dir, filepath.FromSlash(a.Name))
	object := ObjectKey(p.Prefix, key, a.Name)
	err := retry(ctx, p.Retry, object, func() error {
		return p.Store.UploadFile(ctx, p.Bucket, object, local, contentType(a.Type))
	})
	if err != nil {
		return fmt.Errorf("publish: upload %s: %w", object, err)
	}
	return nil
}

// ObjectKey joins prefix, manifest key and artifact name into an object key
func ObjectKey(prefix, key, name string) string {
	return strings.TrimPrefix(path.Join(strings.Trim(prefix, "/"), key, name), "/")
}

func contentType(fileType string) string {
	switch fileType {
	case "json":
		return "application/json"
	case "csv":
		return "text/csv"
	case "text":
		return "text/plain"
	default:
		return "application/octet-stream"
	}
}
