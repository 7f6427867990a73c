package fspool

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"
	"github.com/klauspost/compress/zstd"
)

// ImageBuilder builds snapshots by copying a per-role base rootfs image.
// Base images live in S3, zstd compressed, and are cached on local disk
// after the first download.
type ImageBuilder struct {
	s3Client *s3.Client

	baseURLs map[Role]string
	cacheDir string
	snapDir  string

	mu     sync.Mutex
	cached map[Role]string
}

func NewImageBuilder(s3Client *s3.Client, baseURLs map[Role]string, cacheDir, snapDir string) (*ImageBuilder, error) {
	if err := os.MkdirAll(cacheDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create base image cache dir: %w", err)
	}
	if err := os.MkdirAll(snapDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create snapshot dir: %w", err)
	}
	return &ImageBuilder{
		s3Client: s3Client,
		baseURLs: baseURLs,
		cacheDir: cacheDir,
		snapDir:  snapDir,
		cached:   make(map[Role]string),
	}, nil
}

func (b *ImageBuilder) Build(ctx context.Context, role Role) (Snapshot, error) {
	base, err := b.baseImage(ctx, role)
	if err != nil {
		return Snapshot{}, err
	}

	id := uuid.NewString()
	path := b.SnapshotPath(id)
	if err := copyFile(base, path); err != nil {
		return Snapshot{}, fmt.Errorf("failed to copy base image for role %s: %w", role, err)
	}
	return Snapshot{Id: id, Role: role}, nil
}

func (b *ImageBuilder) Discard(snapshot Snapshot) error {
	if err := os.Remove(b.SnapshotPath(snapshot.Id)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove snapshot %s: %w", snapshot.Id, err)
	}
	return nil
}

func (b *ImageBuilder) SnapshotPath(id string) string {
	return filepath.Join(b.snapDir, id+".img")
}

// baseImage returns the local path of the role's base image, downloading
// and decompressing it on first use.
func (b *ImageBuilder) baseImage(ctx context.Context, role Role) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if path, ok := b.cached[role]; ok {
		return path, nil
	}

	s3URL, ok := b.baseURLs[role]
	if !ok {
		return "", fmt.Errorf("no base image configured for role %q", role)
	}

	path := filepath.Join(b.cacheDir, string(role)+".img")
	if _, err := os.Stat(path); err == nil {
		b.cached[role] = path
		return path, nil
	}

	if err := b.download(ctx, s3URL, path); err != nil {
		return "", err
	}
	b.cached[role] = path
	return path, nil
}

func (b *ImageBuilder) download(ctx context.Context, s3URL, path string) error {
	u, err := url.Parse(s3URL)
	if err != nil {
		return fmt.Errorf("failed to parse s3 url %s: %w", s3URL, err)
	}

	// Expect the bucket.s3.region.amazonaws.com host format.
	hostParts := strings.Split(u.Host, ".")
	if len(hostParts) < 3 || hostParts[1] != "s3" {
		return fmt.Errorf("invalid s3 url host format: %s", u.Host)
	}
	bucket := hostParts[0]
	key := strings.TrimPrefix(u.Path, "/")

	obj, err := b.s3Client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return fmt.Errorf("failed to download %s from s3: %w (bucket: %s, key: %s)",
			s3URL, err, bucket, key)
	}
	defer obj.Body.Close()

	tmp := path + ".part"
	out, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("failed to create file %s: %w", tmp, err)
	}
	defer out.Close()

	var src io.Reader = obj.Body
	if (obj.ContentType != nil && *obj.ContentType == "application/zstd") ||
		filepath.Ext(u.Path) == ".zst" {

		d, err := zstd.NewReader(obj.Body)
		if err != nil {
			return fmt.Errorf("failed to create zstd reader: %w", err)
		}
		defer d.Close()
		src = d
	}

	if _, err := io.Copy(out, src); err != nil {
		return fmt.Errorf("failed to write base image %s: %w", path, err)
	}
	if err := out.Close(); err != nil {
		return fmt.Errorf("failed to close base image %s: %w", path, err)
	}
	return os.Rename(tmp, path)
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return out.Close()
}
