package identity

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// AvatarStore resolves avatar object keys stored on profiles into
// short-lived presigned URLs. Profiles whose avatar_url is already an
// absolute URL pass through untouched.
type AvatarStore struct {
	client *minio.Client
	bucket string
	expiry time.Duration
}

type AvatarOptions struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
}

func NewAvatarStore(opts AvatarOptions) (*AvatarStore, error) {
	client, err := minio.New(opts.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(opts.AccessKey, opts.SecretKey, ""),
		Secure: opts.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("create minio client: %w", err)
	}
	return &AvatarStore{
		client: client,
		bucket: opts.Bucket,
		expiry: 15 * time.Minute,
	}, nil
}

// ResolveURL presigns a GET for an avatar object key.
func (s *AvatarStore) ResolveURL(ctx context.Context, key string) (string, error) {
	if s == nil || key == "" {
		return key, nil
	}
	if strings.HasPrefix(key, "http://") || strings.HasPrefix(key, "https://") {
		return key, nil
	}
	presigned, err := s.client.PresignedGetObject(ctx, s.bucket, key, s.expiry, url.Values{})
	if err != nil {
		return "", fmt.Errorf("presign avatar %s: %w", key, err)
	}
	return presigned.String(), nil
}
