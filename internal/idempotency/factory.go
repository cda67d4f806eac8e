package idempotency

import (
	"context"
	"fmt"
	"strings"

	"github.com/johndauphine/mdcore/internal/config"
	"github.com/johndauphine/mdcore/internal/logging"
)

// RoutingHasher hashes s3:// targets through S3 and everything else locally.
type RoutingHasher struct {
	S3 *S3Hasher
}

// Hash dispatches on the target scheme.
func (r RoutingHasher) Hash(ctx context.Context, target string) (string, error) {
	if strings.HasPrefix(target, "s3://") {
		if r.S3 == nil {
			return "", fmt.Errorf("no S3 client configured for %s", target)
		}
		return r.S3.Hash(ctx, target)
	}
	return FileHasher{}.Hash(ctx, target)
}

// Open creates a Store for the configured marker backend.
func Open(ctx context.Context, cfg *config.Config) (*Store, error) {
	ic := cfg.Idempotency
	opts := StoreOptions{SkipHashValidation: !cfg.ValidateHashEnabled()}

	var s3Hasher *S3Hasher
	var backend Backend
	switch ic.Backend {
	case "", "file":
		backend = NewFileBackend()
	case "sqlite":
		b, err := OpenSQLite(ic.DataDir)
		if err != nil {
			return nil, err
		}
		backend = b
	case "postgres":
		b, err := OpenPostgres(ctx, ic.DSN)
		if err != nil {
			return nil, err
		}
		backend = b
	case "s3":
		client, err := NewS3Client(ctx, S3ClientOptions{
			Region:          ic.S3.Region,
			Endpoint:        ic.S3.Endpoint,
			ForcePathStyle:  ic.S3.ForcePathStyle,
			AccessKeyID:     ic.S3.AccessKeyID,
			SecretAccessKey: ic.S3.SecretAccessKey,
		})
		if err != nil {
			return nil, err
		}
		backend = NewS3Backend(client, ic.S3.Bucket, ic.S3.Prefix)
		s3Hasher = &S3Hasher{Client: client, DefaultBucket: ic.S3.Bucket}
	default:
		return nil, fmt.Errorf("unknown idempotency backend: %s", ic.Backend)
	}

	logging.Debug("Completion markers: %s backend (hash validation %v)", ic.Backend, !opts.SkipHashValidation)
	return NewStore(backend, RoutingHasher{S3: s3Hasher}, opts), nil
}
