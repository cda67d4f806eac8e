package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// ErrArtifactMissing is returned by hashers when the artifact does not exist.
var ErrArtifactMissing = errors.New("artifact missing")

const hashPrefix = "sha256:"

// Hasher computes the content hash of the artifact at target.
type Hasher interface {
	Hash(ctx context.Context, target string) (string, error)
}

// FileHasher hashes local files. Directory artifacts (partitioned outputs)
// hash every regular file in lexical order together with its relative path,
// ignoring marker and temp files.
type FileHasher struct{}

// Hash returns "sha256:<hex>" for the file or directory at target.
func (FileHasher) Hash(ctx context.Context, target string) (string, error) {
	info, err := os.Stat(target)
	if os.IsNotExist(err) {
		return "", fmt.Errorf("%w: %s", ErrArtifactMissing, target)
	}
	if err != nil {
		return "", fmt.Errorf("stat artifact: %w", err)
	}

	h := sha256.New()
	if !info.IsDir() {
		if err := hashFile(h, target); err != nil {
			return "", err
		}
		return hashPrefix + hex.EncodeToString(h.Sum(nil)), nil
	}

	err = filepath.WalkDir(target, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if d.IsDir() || strings.HasPrefix(d.Name(), ".") {
			return nil
		}
		rel, err := filepath.Rel(target, p)
		if err != nil {
			return err
		}
		io.WriteString(h, filepath.ToSlash(rel))
		h.Write([]byte{0})
		return hashFile(h, p)
	})
	if err != nil {
		return "", fmt.Errorf("hashing artifact dir: %w", err)
	}
	return hashPrefix + hex.EncodeToString(h.Sum(nil)), nil
}

func hashFile(h hash.Hash, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("opening artifact: %w", err)
	}
	defer f.Close()
	if _, err := io.Copy(h, f); err != nil {
		return fmt.Errorf("reading artifact: %w", err)
	}
	return nil
}

// S3Hasher streams an object body through sha256.
type S3Hasher struct {
	Client        S3API
	DefaultBucket string
}

// Hash returns "sha256:<hex>" for the object named by target.
func (s S3Hasher) Hash(ctx context.Context, target string) (string, error) {
	bucket, key := SplitS3URI(target, s.DefaultBucket)
	out, err := s.Client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isNotFound(err) {
			return "", fmt.Errorf("%w: s3://%s/%s", ErrArtifactMissing, bucket, key)
		}
		return "", fmt.Errorf("fetching artifact: %w", err)
	}
	defer out.Body.Close()

	h := sha256.New()
	if _, err := io.Copy(h, out.Body); err != nil {
		return "", fmt.Errorf("reading artifact: %w", err)
	}
	return hashPrefix + hex.EncodeToString(h.Sum(nil)), nil
}
