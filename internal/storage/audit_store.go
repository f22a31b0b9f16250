// Package storage implements optional run-audit export to S3-compatible
// object storage, gated by whether AUDIT_BUCKET is configured. Every
// finished GenerationRun's full audit record (source, result, validation
// issues) is written as one JSON object keyed by run ID, giving operators a
// durable, queryable trail outside the primary database.
package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// Default timeouts for S3 operations.
const (
	DefaultMetadataTimeout = 10 * time.Second
	DefaultDataTimeout     = 60 * time.Second
)

// Config holds connection and timeout settings for the audit store.
type Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool

	MetadataTimeout time.Duration
	DataTimeout     time.Duration
}

// AuditStore writes run-audit JSON blobs to S3-compatible storage.
type AuditStore struct {
	client          *minio.Client
	bucket          string
	metadataTimeout time.Duration
	dataTimeout     time.Duration
}

// NewAuditStore creates an AuditStore connected to the given endpoint,
// auto-creating the bucket if it doesn't already exist.
func NewAuditStore(ctx context.Context, cfg Config) (*AuditStore, error) {
	metadataTimeout := cfg.MetadataTimeout
	if metadataTimeout == 0 {
		metadataTimeout = DefaultMetadataTimeout
	}
	dataTimeout := cfg.DataTimeout
	if dataTimeout == 0 {
		dataTimeout = DefaultDataTimeout
	}

	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   5 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   5 * time.Second,
		ResponseHeaderTimeout: metadataTimeout,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   100,
		IdleConnTimeout:       90 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}

	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:     credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure:    cfg.UseSSL,
		Transport: transport,
	})
	if err != nil {
		return nil, fmt.Errorf("create minio client: %w", err)
	}

	s := &AuditStore{
		client:          client,
		bucket:          cfg.Bucket,
		metadataTimeout: metadataTimeout,
		dataTimeout:     dataTimeout,
	}
	if err := s.ensureBucket(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *AuditStore) ensureBucket(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.metadataTimeout)
	defer cancel()

	exists, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return fmt.Errorf("check bucket %s: %w", s.bucket, err)
	}
	if !exists {
		if err := s.client.MakeBucket(ctx, s.bucket, minio.MakeBucketOptions{}); err != nil {
			return fmt.Errorf("create bucket %s: %w", s.bucket, err)
		}
	}
	return nil
}

func auditKey(runID uuid.UUID) string {
	return fmt.Sprintf("runs/%s.json", runID)
}

// WriteRunAudit uploads the audit record for a finished run.
func (s *AuditStore) WriteRunAudit(ctx context.Context, runID uuid.UUID, payload []byte) error {
	ctx, cancel := context.WithTimeout(ctx, s.dataTimeout)
	defer cancel()

	_, err := s.client.PutObject(ctx, s.bucket, auditKey(runID), bytes.NewReader(payload), int64(len(payload)),
		minio.PutObjectOptions{ContentType: "application/json"})
	if err != nil {
		return fmt.Errorf("write run audit %s: %w", runID, err)
	}
	return nil
}

// ReadRunAudit fetches a previously written audit record. Returns nil, nil
// if no record exists for runID.
func (s *AuditStore) ReadRunAudit(ctx context.Context, runID uuid.UUID) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, s.dataTimeout)
	defer cancel()

	obj, err := s.client.GetObject(ctx, s.bucket, auditKey(runID), minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("get run audit %s: %w", runID, err)
	}
	defer obj.Close()

	if _, err := obj.Stat(); err != nil {
		resp := minio.ToErrorResponse(err)
		if resp.Code == "NoSuchKey" {
			return nil, nil
		}
		return nil, fmt.Errorf("stat run audit %s: %w", runID, err)
	}

	data, err := io.ReadAll(obj)
	if err != nil {
		return nil, fmt.Errorf("read run audit %s: %w", runID, err)
	}
	return data, nil
}

// HealthCheck verifies the configured bucket exists and is reachable.
func (s *AuditStore) HealthCheck(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.metadataTimeout)
	defer cancel()

	exists, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return fmt.Errorf("audit store bucket check: %w", err)
	}
	if !exists {
		return fmt.Errorf("audit store bucket %q does not exist", s.bucket)
	}
	return nil
}
