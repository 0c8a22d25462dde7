// Package minio implements the object store port on any S3-compatible
// endpoint (MinIO in development, S3/R2 in production).
package minio

import (
	"bytes"
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/foliosource/bindery/internal/domain"
)

// Config carries the endpoint settings; PublicURL is the anonymous prefix
// canonical URLs are built from.
type Config struct {
	Endpoint  string
	KeyID     string
	Secret    string
	Bucket    string
	PublicURL string
	UseSSL    bool
}

// Client implements domain.ObjectStore.
type Client struct {
	mc        *minio.Client
	bucket    string
	publicURL string
}

// New builds a client; it does not touch the network.
func New(cfg Config) (*Client, error) {
	mc, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.KeyID, cfg.Secret, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("op=objectstore.new: %w", err)
	}
	return &Client{
		mc:        mc,
		bucket:    cfg.Bucket,
		publicURL: strings.TrimRight(cfg.PublicURL, "/"),
	}, nil
}

// EnsureBucket creates the bucket when missing; bootstrap calls this once.
func (c *Client) EnsureBucket(ctx context.Context) error {
	exists, err := c.mc.BucketExists(ctx, c.bucket)
	if err != nil {
		return fmt.Errorf("op=objectstore.ensure_bucket: %w", err)
	}
	if exists {
		return nil
	}
	if err := c.mc.MakeBucket(ctx, c.bucket, minio.MakeBucketOptions{}); err != nil {
		return fmt.Errorf("op=objectstore.ensure_bucket: %w", err)
	}
	return nil
}

// Put uploads body under key and returns the canonical public URL.
func (c *Client) Put(ctx domain.Context, key string, body []byte, opts domain.PutOptions) (string, error) {
	putOpts := minio.PutObjectOptions{
		ContentType:  opts.ContentType,
		CacheControl: opts.CacheControl,
		UserMetadata: opts.Metadata,
	}
	_, err := c.mc.PutObject(ctx, c.bucket, key, bytes.NewReader(body), int64(len(body)), putOpts)
	if err != nil {
		return "", fmt.Errorf("op=objectstore.put: %w: %w", domain.ErrStoreFailed, err)
	}
	return c.URLFor(key), nil
}

// URLFor maps a key to its public URL.
func (c *Client) URLFor(key string) string {
	return c.publicURL + "/" + strings.TrimLeft(key, "/")
}

// PresignGet returns a time-limited signed GET URL for the key.
func (c *Client) PresignGet(ctx domain.Context, key string, expiry time.Duration) (string, error) {
	u, err := c.mc.PresignedGetObject(ctx, c.bucket, key, expiry, url.Values{})
	if err != nil {
		return "", fmt.Errorf("op=objectstore.presign: %w", err)
	}
	return u.String(), nil
}

// Healthy lists one key from the bucket; any transport or auth problem
// surfaces here. An empty bucket is healthy.
func (c *Client) Healthy(ctx domain.Context) error {
	lctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	for obj := range c.mc.ListObjects(lctx, c.bucket, minio.ListObjectsOptions{Prefix: "products/", MaxKeys: 1}) {
		if obj.Err != nil {
			return fmt.Errorf("op=objectstore.health: %w", obj.Err)
		}
		break
	}
	return nil
}
