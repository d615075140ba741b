package eventlog

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"path"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

type ArchiveConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	Prefix    string
	UseSSL    bool
	Region    string
}

func (c ArchiveConfig) Validate() error {
	if c.Endpoint == "" || c.Bucket == "" {
		return errors.New("archive endpoint and bucket are required")
	}
	if c.AccessKey == "" || c.SecretKey == "" {
		return errors.New("archive credentials are required")
	}
	return nil
}

type objectPutter interface {
	PutObject(ctx context.Context, bucket, object string, r io.Reader, size int64, opts minio.PutObjectOptions) (minio.UploadInfo, error)
}

// ObjectSink uploads a run's events as a single NDJSON object named after
// the run id.
type ObjectSink struct {
	client objectPutter
	bucket string
	prefix string
}

func NewObjectSink(cfg ArchiveConfig) (*ObjectSink, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:     credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure:    cfg.UseSSL,
		Region:    cfg.Region,
		Transport: newTransport(),
	})
	if err != nil {
		return nil, fmt.Errorf("create archive client: %w", err)
	}
	return &ObjectSink{client: client, bucket: cfg.Bucket, prefix: cfg.Prefix}, nil
}

func ObjectKey(prefix, runID string) string {
	return path.Join(prefix, runID+".jsonl")
}

func (s *ObjectSink) Write(ctx context.Context, events []Event) error {
	if len(events) == 0 {
		return nil
	}
	var buf bytes.Buffer
	w := bufio.NewWriter(&buf)
	if err := writeLines(w, events); err != nil {
		return fmt.Errorf("encode archive: %w", err)
	}
	if err := w.Flush(); err != nil {
		return fmt.Errorf("encode archive: %w", err)
	}
	key := ObjectKey(s.prefix, events[0].RunID)
	_, err := s.client.PutObject(ctx, s.bucket, key, &buf, int64(buf.Len()), minio.PutObjectOptions{
		ContentType: "application/x-ndjson",
	})
	if err != nil {
		return fmt.Errorf("archive events to %s/%s: %w", s.bucket, key, err)
	}
	return nil
}

func newTransport() *http.Transport {
	dialer := &net.Dialer{
		Timeout:   5 * time.Second,
		KeepAlive: 30 * time.Second,
	}
	return &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          10,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   5 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
}
