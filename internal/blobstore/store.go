// Package blobstore is the append-only audit archive behind S3 or memory.
package blobstore

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"
)

const (
	DriverS3     = "s3"
	DriverMemory = "memory"

	defaultMaxGetSize int64 = 16 << 20
)

var (
	ErrInvalidConfig = errors.New("blobstore: invalid config")
	ErrInvalidKey    = errors.New("blobstore: invalid key")
	ErrNotFound      = errors.New("blobstore: not found")
	ErrTooLarge      = errors.New("blobstore: object too large")
)

// Store persists audit artifacts: terminal withdrawal-log snapshots and
// capacity reports. The archive is append-only; there is deliberately no
// delete operation.
type Store interface {
	Put(ctx context.Context, key string, payload []byte, opts PutOptions) error
	Get(ctx context.Context, key string) (Object, error)
	Exists(ctx context.Context, key string) (bool, error)
}

type PutOptions struct {
	ContentType string
	Metadata    map[string]string
}

type Object struct {
	Key          string
	Data         []byte
	ContentType  string
	Metadata     map[string]string
	ETag         string
	LastModified time.Time
}

type Config struct {
	Driver string
	Prefix string

	// MaxGetSize bounds bytes returned by Get. Defaults to 16 MiB when <= 0.
	MaxGetSize int64

	// S3 fields.
	Bucket   string
	S3Client S3Client
}

type S3Client interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
}

func New(cfg Config) (Store, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case DriverMemory:
		return &memoryStore{
			keys:    keyspace{prefix: cleanPrefix(cfg.Prefix)},
			objects: make(map[string]memoryObject),
		}, nil
	case DriverS3, "":
		return newS3Store(cfg)
	default:
		return nil, fmt.Errorf("%w: unsupported driver %q", ErrInvalidConfig, cfg.Driver)
	}
}

// keyspace validates logical keys and maps them under the configured prefix.
type keyspace struct {
	prefix string
}

func (k keyspace) resolve(key string) (logical, full string, err error) {
	if key != strings.TrimSpace(key) {
		return "", "", fmt.Errorf("%w: key has leading or trailing whitespace", ErrInvalidKey)
	}
	logical = strings.TrimPrefix(key, "/")
	if logical == "" {
		return "", "", fmt.Errorf("%w: empty key", ErrInvalidKey)
	}
	for _, r := range logical {
		if r < 0x20 || r == 0x7f {
			return "", "", fmt.Errorf("%w: key contains control characters", ErrInvalidKey)
		}
	}
	full = logical
	if k.prefix != "" {
		full = k.prefix + "/" + logical
	}
	return logical, full, nil
}

func cleanPrefix(prefix string) string {
	return strings.Trim(strings.TrimSpace(prefix), "/")
}

func copyMetadata(v map[string]string) map[string]string {
	out := make(map[string]string, len(v))
	for key, val := range v {
		key = strings.TrimSpace(key)
		if key == "" {
			continue
		}
		out[key] = strings.TrimSpace(val)
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

type memoryObject struct {
	data        []byte
	contentType string
	metadata    map[string]string
	etag        string
	storedAt    time.Time
}

type memoryStore struct {
	keys keyspace

	mu      sync.RWMutex
	objects map[string]memoryObject
}

func (m *memoryStore) Put(_ context.Context, key string, payload []byte, opts PutOptions) error {
	_, full, err := m.keys.resolve(key)
	if err != nil {
		return err
	}

	sum := sha256.Sum256(payload)
	obj := memoryObject{
		data:        bytes.Clone(payload),
		contentType: strings.TrimSpace(opts.ContentType),
		metadata:    copyMetadata(opts.Metadata),
		etag:        hex.EncodeToString(sum[:]),
		storedAt:    time.Now().UTC(),
	}

	m.mu.Lock()
	m.objects[full] = obj
	m.mu.Unlock()
	return nil
}

func (m *memoryStore) Get(_ context.Context, key string) (Object, error) {
	logical, full, err := m.keys.resolve(key)
	if err != nil {
		return Object{}, err
	}

	m.mu.RLock()
	obj, ok := m.objects[full]
	m.mu.RUnlock()
	if !ok {
		return Object{}, fmt.Errorf("%w: %s", ErrNotFound, logical)
	}
	return Object{
		Key:          logical,
		Data:         bytes.Clone(obj.data),
		ContentType:  obj.contentType,
		Metadata:     copyMetadata(obj.metadata),
		ETag:         obj.etag,
		LastModified: obj.storedAt,
	}, nil
}

func (m *memoryStore) Exists(_ context.Context, key string) (bool, error) {
	_, full, err := m.keys.resolve(key)
	if err != nil {
		return false, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.objects[full]
	return ok, nil
}

type s3Store struct {
	client     S3Client
	bucket     string
	keys       keyspace
	maxGetSize int64
}

func newS3Store(cfg Config) (Store, error) {
	bucket := strings.TrimSpace(cfg.Bucket)
	if bucket == "" {
		return nil, fmt.Errorf("%w: s3 bucket is required", ErrInvalidConfig)
	}
	if cfg.S3Client == nil {
		return nil, fmt.Errorf("%w: s3 client is required", ErrInvalidConfig)
	}

	maxGet := cfg.MaxGetSize
	if maxGet <= 0 {
		maxGet = defaultMaxGetSize
	}
	return &s3Store{
		client:     cfg.S3Client,
		bucket:     bucket,
		keys:       keyspace{prefix: cleanPrefix(cfg.Prefix)},
		maxGetSize: maxGet,
	}, nil
}

func (s *s3Store) Put(ctx context.Context, key string, payload []byte, opts PutOptions) error {
	logical, full, err := s.keys.resolve(key)
	if err != nil {
		return err
	}

	input := &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(full),
		Body:   bytes.NewReader(payload),
	}
	if ct := strings.TrimSpace(opts.ContentType); ct != "" {
		input.ContentType = aws.String(ct)
	}
	if meta := copyMetadata(opts.Metadata); meta != nil {
		input.Metadata = meta
	}

	if _, err := s.client.PutObject(ctx, input); err != nil {
		return fmt.Errorf("blobstore/s3: put %q: %w", logical, err)
	}
	return nil
}

func (s *s3Store) Get(ctx context.Context, key string) (Object, error) {
	logical, full, err := s.keys.resolve(key)
	if err != nil {
		return Object{}, err
	}

	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(full),
	})
	if err != nil {
		if isNotFound(err) {
			return Object{}, fmt.Errorf("%w: %s", ErrNotFound, logical)
		}
		return Object{}, fmt.Errorf("blobstore/s3: get %q: %w", logical, err)
	}
	defer func() { _ = out.Body.Close() }()

	data, err := io.ReadAll(io.LimitReader(out.Body, s.maxGetSize+1))
	if err != nil {
		return Object{}, fmt.Errorf("blobstore/s3: read %q: %w", logical, err)
	}
	if int64(len(data)) > s.maxGetSize {
		return Object{}, fmt.Errorf("%w: key %q exceeds max %d bytes", ErrTooLarge, logical, s.maxGetSize)
	}

	return Object{
		Key:          logical,
		Data:         data,
		ContentType:  aws.ToString(out.ContentType),
		Metadata:     copyMetadata(out.Metadata),
		ETag:         strings.Trim(aws.ToString(out.ETag), `"`),
		LastModified: aws.ToTime(out.LastModified),
	}, nil
}

func (s *s3Store) Exists(ctx context.Context, key string) (bool, error) {
	logical, full, err := s.keys.resolve(key)
	if err != nil {
		return false, err
	}

	_, err = s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(full),
	})
	switch {
	case err == nil:
		return true, nil
	case isNotFound(err):
		return false, nil
	default:
		return false, fmt.Errorf("blobstore/s3: head %q: %w", logical, err)
	}
}

func isNotFound(err error) bool {
	var apiErr smithy.APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	switch apiErr.ErrorCode() {
	case "NoSuchKey", "NotFound", "404":
		return true
	default:
		return false
	}
}
