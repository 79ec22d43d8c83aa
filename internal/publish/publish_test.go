package publish

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"model-runner/internal/config"
	"model-runner/internal/model"
)

type memStore struct {
	mu      sync.Mutex
	buckets []string
	keys    []string
	types   map[string]string
	failOn  string
}

func (m *memStore) EnsureBucket(ctx context.Context, bucket string) error {
	m.buckets = append(m.buckets, bucket)
	return nil
}

func (m *memStore) UploadFile(ctx context.Context, bucket, key, filePath, contentType string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if key == m.failOn {
		return errors.New("connection reset")
	}
	if _, err := os.Stat(filePath); err != nil {
		return err
	}
	if m.types == nil {
		m.types = map[string]string{}
	}
	m.keys = append(m.keys, key)
	m.types[key] = contentType
	return nil
}

func writeFiles(t *testing.T, dir string, names ...string) {
	t.Helper()
	for _, n := range names {
		p := filepath.Join(dir, filepath.FromSlash(n))
		if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(p, []byte("{}"), 0o644); err != nil {
			t.Fatal(err)
		}
	}
}

func TestPublish_UploadsArtifactsThenManifest(t *testing.T) {
	out := t.TempDir()
	writeFiles(t, out, "states.version.json", "CA.state.json", "plots/NY.png", "AK.state.json")

	store := &memStore{}
	p := &Publisher{Store: store, Bucket: "forecasts", Prefix: "/model-runs/"}
	n, err := p.Publish(context.Background(), model.LevelState, out)
	if err != nil {
		t.Fatalf("Publish: %v", err)
	}
	want := []string{
		"model-runs/states/AK.state.json",
		"model-runs/states/CA.state.json",
		"model-runs/states/plots/NY.png",
		"model-runs/states/states.version.json",
	}
	if n != 4 || !reflect.DeepEqual(store.keys, want) {
		t.Fatalf("uploaded %d %v, want %v", n, store.keys, want)
	}
	if store.types["model-runs/states/CA.state.json"] != "application/json" {
		t.Fatalf("unexpected content type %q", store.types["model-runs/states/CA.state.json"])
	}
	if !reflect.DeepEqual(store.buckets, []string{"forecasts"}) {
		t.Fatalf("bucket not ensured: %v", store.buckets)
	}
}

func TestPublish_RefusesUnstampedOutput(t *testing.T) {
	out := t.TempDir()
	writeFiles(t, out, "CA.state.json")
	store := &memStore{}

	if _, err := (&Publisher{Store: store, Bucket: "b"}).Publish(context.Background(), model.LevelState, out); err == nil {
		t.Fatalf("expected error for output without manifest")
	}
	if len(store.keys) != 0 {
		t.Fatalf("nothing should be uploaded, got %v", store.keys)
	}
}

func TestPublish_StopsBeforeManifestOnFailure(t *testing.T) {
	out := t.TempDir()
	writeFiles(t, out, "county.version.json", "CA.counties.json", "TX.counties.json")
	store := &memStore{failOn: "county/TX.counties.json"}

	n, err := (&Publisher{Store: store, Bucket: "b"}).Publish(context.Background(), model.LevelCounty, out)
	if err == nil {
		t.Fatalf("expected error")
	}
	if n != 1 {
		t.Fatalf("expected one upload before failure, got %d", n)
	}
	for _, k := range store.keys {
		if k == "county/county.version.json" {
			t.Fatalf("manifest must not be uploaded after a failed artifact")
		}
	}
}

func TestPublish_ConcurrentWorkersKeepManifestLast(t *testing.T) {
	out := t.TempDir()
	names := []string{"county.version.json"}
	for _, r := range []string{"AK", "CA", "NY", "TX", "WA", "WY"} {
		names = append(names, r+".counties.json")
	}
	writeFiles(t, out, names...)
	store := &memStore{}

	n, err := (&Publisher{Store: store, Bucket: "b", Workers: 4}).Publish(context.Background(), model.LevelCounty, out)
	if err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if n != len(names) {
		t.Fatalf("uploaded %d, want %d", n, len(names))
	}
	if last := store.keys[len(store.keys)-1]; last != "county/county.version.json" {
		t.Fatalf("manifest uploaded out of order, last key %q", last)
	}
	artifacts := append([]string(nil), store.keys[:len(store.keys)-1]...)
	sort.Strings(artifacts)
	if artifacts[0] != "county/AK.counties.json" || len(artifacts) != 6 {
		t.Fatalf("unexpected artifact keys %v", artifacts)
	}
}

type flakyStore struct {
	memStore
	failures int
	err      error
	calls    int
}

func (f *flakyStore) UploadFile(ctx context.Context, bucket, key, filePath, contentType string) error {
	f.calls++
	if f.failures > 0 {
		f.failures--
		return f.err
	}
	return f.memStore.UploadFile(ctx, bucket, key, filePath, contentType)
}

func TestPublish_RetriesTransientFailures(t *testing.T) {
	out := t.TempDir()
	writeFiles(t, out, "states.version.json", "CA.state.json")
	store := &flakyStore{failures: 2, err: errors.New("connection reset by peer")}
	p := &Publisher{Store: store, Bucket: "b", Retry: RetryConfig{MaxAttempts: 3, InitialDelay: time.Millisecond, BackoffMultiplier: 2}}

	n, err := p.Publish(context.Background(), model.LevelState, out)
	if err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if n != 2 || store.calls != 4 {
		t.Fatalf("uploaded %d in %d calls, want 2 in 4", n, store.calls)
	}
}

func TestPublish_DoesNotRetryAccessDenied(t *testing.T) {
	out := t.TempDir()
	writeFiles(t, out, "states.version.json", "CA.state.json")
	store := &flakyStore{failures: 5, err: errors.New("AccessDenied: Access Denied.")}
	p := &Publisher{Store: store, Bucket: "b", Retry: RetryConfig{MaxAttempts: 3, InitialDelay: time.Millisecond, BackoffMultiplier: 2, NonRetryableErrors: DefaultRetryConfig.NonRetryableErrors}}

	_, err := p.Publish(context.Background(), model.LevelState, out)
	if err == nil || !strings.Contains(err.Error(), "AccessDenied") {
		t.Fatalf("expected AccessDenied error, got %v", err)
	}
	if store.calls != 1 {
		t.Fatalf("non-retryable error was retried: %d calls", store.calls)
	}
}

func TestRetryConfig_NextDelay(t *testing.T) {
	cfg := RetryConfig{InitialDelay: time.Second, MaxDelay: 5 * time.Second, BackoffMultiplier: 2}
	want := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 5 * time.Second}
	for i, w := range want {
		if got := cfg.nextDelay(i + 1); got != w {
			t.Errorf("nextDelay(%d) = %v, want %v", i+1, got, w)
		}
	}
}

func TestObjectKey(t *testing.T) {
	if got := ObjectKey("", "county", "a.json"); got != "county/a.json" {
		t.Fatalf("ObjectKey = %q", got)
	}
	if got := ObjectKey("runs/2020", "states", "x/y.csv"); got != "runs/2020/states/x/y.csv" {
		t.Fatalf("ObjectKey = %q", got)
	}
}

func TestNewS3Store_Validation(t *testing.T) {
	if _, err := NewS3Store(config.Publish{}); err == nil {
		t.Fatalf("expected error without endpoint")
	}
	if _, err := NewS3Store(config.Publish{Endpoint: "http://localhost:9000"}); err == nil {
		t.Fatalf("expected error without credentials")
	}
	s, err := NewS3Store(config.Publish{Endpoint: "http://localhost:9000", AccessKey: "a", SecretKey: "b"})
	if err != nil {
		t.Fatalf("NewS3Store: %v", err)
	}
	if s.client.EndpointURL().Host != "localhost:9000" || s.client.EndpointURL().Scheme != "http" {
		t.Fatalf("unexpected endpoint %s", s.client.EndpointURL())
	}
}
