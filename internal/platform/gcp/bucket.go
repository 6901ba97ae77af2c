package gcp

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"os"
	"strings"
	"time"

	"cloud.google.com/go/storage"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"

	"github.com/yungbote/contentforge-backend/internal/platform/logger"
)

type StorageConfig struct {
	Bucket        string `envconfig:"STORAGE_BUCKET"`
	PublicBaseURL string `envconfig:"STORAGE_PUBLIC_BASE_URL"`
	EmulatorHost  string `envconfig:"STORAGE_EMULATOR_HOST"`
}

func (c StorageConfig) Validate() error {
	if strings.TrimSpace(c.Bucket) == "" {
		return fmt.Errorf("missing STORAGE_BUCKET")
	}
	for name, raw := range map[string]string{
		"STORAGE_PUBLIC_BASE_URL": c.PublicBaseURL,
		"STORAGE_EMULATOR_HOST":   c.EmulatorHost,
	} {
		if raw = strings.TrimSpace(raw); raw == "" {
			continue
		}
		u, err := url.Parse(raw)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("invalid %s=%q; expected absolute URL like http://localhost:4443", name, raw)
		}
	}
	return nil
}

// ObjectStore holds generated artifacts (rendered videos, manifests).
type ObjectStore interface {
	Upload(ctx context.Context, key string, r io.Reader) (string, error)
	Delete(ctx context.Context, key string) error
	ListKeys(ctx context.Context, prefix string) ([]string, error)
	PublicURL(key string) string
	Close() error
}

type bucketStore struct {
	log    *logger.Logger
	client *storage.Client
	cfg    StorageConfig
}

func NewObjectStore(ctx context.Context, log *logger.Logger, cfg StorageConfig) (ObjectStore, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	var opts []option.ClientOption
	if host := strings.TrimRight(strings.TrimSpace(cfg.EmulatorHost), "/"); host != "" {
		// the storage client reads the emulator endpoint from the environment
		_ = os.Setenv("STORAGE_EMULATOR_HOST", host)
		opts = append(opts, option.WithoutAuthentication())
	} else {
		opts = append(ClientOptionsFromEnv(), option.WithScopes(storage.ScopeReadWrite))
	}
	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage client: %w", err)
	}
	slog := log.With("service", "ObjectStore")
	slog.Info("Object storage initialized",
		"bucket", cfg.Bucket,
		"emulator_host", cfg.EmulatorHost,
		"public_base_url", cfg.PublicBaseURL,
	)
	return &bucketStore{log: slog, client: client, cfg: cfg}, nil
}

func (b *bucketStore) Close() error {
	if b == nil || b.client == nil {
		return nil
	}
	return b.client.Close()
}

func (b *bucketStore) Upload(ctx context.Context, key string, r io.Reader) (string, error) {
	key = cleanKey(key)
	if key == "" {
		return "", fmt.Errorf("empty object key")
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Minute)
	defer cancel()

	w := b.client.Bucket(b.cfg.Bucket).Object(key).NewWriter(ctx)
	if ct := contentTypeForKey(key); ct != "" {
		w.ContentType = ct
	}
	if _, err := io.Copy(w, r); err != nil {
		_ = w.Close()
		return "", fmt.Errorf("failed to write data to GCS: %w", err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("failed to close GCS writer: %w", err)
	}
	return b.PublicURL(key), nil
}

func (b *bucketStore) Delete(ctx context.Context, key string) error {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := b.client.Bucket(b.cfg.Bucket).Object(cleanKey(key)).Delete(ctx); err != nil {
		return fmt.Errorf("failed to delete GCS object %q in bucket %q: %w", key, b.cfg.Bucket, err)
	}
	return nil
}

func (b *bucketStore) ListKeys(ctx context.Context, prefix string) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	it := b.client.Bucket(b.cfg.Bucket).Objects(ctx, &storage.Query{Prefix: prefix})
	out := []string{}
	for {
		attrs, err := it.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, err
		}
		out = append(out, attrs.Name)
	}
	return out, nil
}

func (b *bucketStore) PublicURL(key string) string {
	return PublicURL(b.cfg, key)
}

// PublicURL is where key can be fetched: the configured base, the emulator media endpoint,
// or the public GCS host.
func PublicURL(cfg StorageConfig, key string) string {
	key = cleanKey(key)
	if base := strings.TrimRight(strings.TrimSpace(cfg.PublicBaseURL), "/"); base != "" {
		return fmt.Sprintf("%s/%s/%s", base, cfg.Bucket, key)
	}
	if host := strings.TrimRight(strings.TrimSpace(cfg.EmulatorHost), "/"); host != "" {
		return fmt.Sprintf("%s/storage/v1/b/%s/o/%s?alt=media", host, url.PathEscape(cfg.Bucket), url.PathEscape(key))
	}
	return fmt.Sprintf("https://storage.googleapis.com/%s/%s", cfg.Bucket, key)
}

func cleanKey(key string) string {
	return strings.TrimLeft(strings.TrimSpace(key), "/")
}

func contentTypeForKey(key string) string {
	s := strings.ToLower(strings.TrimSpace(key))
	if i := strings.Index(s, "?"); i >= 0 {
		s = s[:i]
	}
	switch {
	case strings.HasSuffix(s, ".png"):
		return "image/png"
	case strings.HasSuffix(s, ".jpg"), strings.HasSuffix(s, ".jpeg"):
		return "image/jpeg"
	case strings.HasSuffix(s, ".mp4"):
		return "video/mp4"
	case strings.HasSuffix(s, ".wav"):
		return "audio/wav"
	case strings.HasSuffix(s, ".mp3"):
		return "audio/mpeg"
	case strings.HasSuffix(s, ".json"):
		return "application/json"
	case strings.HasSuffix(s, ".md"):
		return "text/markdown"
	default:
		return ""
	}
}
