// Package objectstore implements the S3-compatible object-store client
// used for cloud replication of completed backup artifacts. Only one
// provider is active at a time; the provider is selected out of band by
// configuration. Missing credentials degrade gracefully: Configured()
// reports false and the engine falls back to local-only backups.
package objectstore

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/savegress/backup-core/internal/errs"
)

// UploadResult is returned by Upload.
type UploadResult struct {
	Key  string
	URL  string
	Size int64
	ETag string
}

// DownloadResult is returned by Download.
type DownloadResult struct {
	Size         int64
	LastModified time.Time
	ETag         string
}

// ObjectInfo describes a single object returned by List.
type ObjectInfo struct {
	Key          string
	Size         int64
	LastModified time.Time
	ETag         string
}

// Stats summarizes every object under the configured bucket.
type Stats struct {
	Count     int
	TotalSize int64
	Oldest    time.Time
	Newest    time.Time
}

// Client is the S3-compatible object-store client. Object keys follow
// backups/YYYY-MM-DD/<backupId>/<basename>.
type Client struct {
	api    *s3.Client
	bucket string
}

// Config configures the S3-compatible provider.
type Config struct {
	Bucket        string
	Region        string
	Endpoint      string // non-empty selects an S3-compatible provider (e.g. MinIO)
	AccessKey     string
	SecretKey     string
	UsePathStyle  bool
}

// New constructs a Client. If cfg has no credentials, the returned
// client reports Configured() == false and every other operation fails
// with a RemoteError rather than panicking.
func New(ctx context.Context, cfg Config) (*Client, error) {
	if cfg.AccessKey == "" || cfg.SecretKey == "" || cfg.Bucket == "" {
		return &Client{bucket: cfg.Bucket}, nil
	}

	loadOpts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Region),
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, "")),
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, errs.Remote("configure", fmt.Errorf("load aws config: %w", err))
	}

	api := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.UsePathStyle
	})

	return &Client{api: api, bucket: cfg.Bucket}, nil
}

// Configured reports whether the client has a live S3 API and bucket.
func (c *Client) Configured() bool {
	return c.api != nil && c.bucket != ""
}

// ObjectKey builds the canonical backups/YYYY-MM-DD/<backupId>/<basename> key.
func ObjectKey(now time.Time, backupID, basename string) string {
	return fmt.Sprintf("backups/%s/%s/%s", now.UTC().Format("2006-01-02"), backupID, basename)
}

// Upload uploads localPath under objectKey, requesting server-side
// encryption and attaching metadata.
func (c *Client) Upload(ctx context.Context, localPath, objectKey string, metadata map[string]string) (*UploadResult, error) {
	if !c.Configured() {
		return nil, errs.Remote("upload", fmt.Errorf("object store not configured"))
	}

	f, err := os.Open(localPath)
	if err != nil {
		return nil, errs.IO("upload", fmt.Errorf("open %s: %w", localPath, err))
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, errs.IO("upload", fmt.Errorf("stat %s: %w", localPath, err))
	}

	out, err := c.api.PutObject(ctx, &s3.PutObjectInput{
		Bucket:               aws.String(c.bucket),
		Key:                  aws.String(objectKey),
		Body:                 f,
		ContentLength:        aws.Int64(info.Size()),
		Metadata:             metadata,
		ServerSideEncryption: "AES256",
	})
	if err != nil {
		return nil, errs.Remote("upload", fmt.Errorf("put object %s: %w", objectKey, err))
	}

	return &UploadResult{
		Key:  objectKey,
		URL:  c.objectURL(objectKey),
		Size: info.Size(),
		ETag: aws.ToString(out.ETag),
	}, nil
}

// Download downloads objectKey into localPath.
func (c *Client) Download(ctx context.Context, objectKey, localPath string) (*DownloadResult, error) {
	if !c.Configured() {
		return nil, errs.Remote("download", fmt.Errorf("object store not configured"))
	}

	out, err := c.api.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(objectKey),
	})
	if err != nil {
		return nil, errs.Remote("download", fmt.Errorf("get object %s: %w", objectKey, err))
	}
	defer out.Body.Close()

	if err := os.MkdirAll(filepath.Dir(localPath), 0755); err != nil {
		return nil, errs.IO("download", fmt.Errorf("mkdir for %s: %w", localPath, err))
	}
	f, err := os.Create(localPath)
	if err != nil {
		return nil, errs.IO("download", fmt.Errorf("create %s: %w", localPath, err))
	}
	defer f.Close()

	n, err := io.Copy(f, out.Body)
	if err != nil {
		return nil, errs.IO("download", fmt.Errorf("write %s: %w", localPath, err))
	}

	var lastModified time.Time
	if out.LastModified != nil {
		lastModified = *out.LastModified
	}

	return &DownloadResult{
		Size:         n,
		LastModified: lastModified,
		ETag:         aws.ToString(out.ETag),
	}, nil
}

// Verify reports whether localPath's size matches objectKey's recorded
// size in the store. ETag is informational only (not part of the
// pass/fail decision, since server-side encryption can change it).
func (c *Client) Verify(ctx context.Context, objectKey, localPath string) (bool, error) {
	if !c.Configured() {
		return false, errs.Remote("verify", fmt.Errorf("object store not configured"))
	}

	head, err := c.api.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(objectKey),
	})
	if err != nil {
		return false, errs.Remote("verify", fmt.Errorf("head object %s: %w", objectKey, err))
	}

	info, err := os.Stat(localPath)
	if err != nil {
		return false, errs.IO("verify", fmt.Errorf("stat %s: %w", localPath, err))
	}

	remoteSize := aws.ToInt64(head.ContentLength)
	return remoteSize == info.Size(), nil
}

// Delete removes objectKey from the store.
func (c *Client) Delete(ctx context.Context, objectKey string) error {
	if !c.Configured() {
		return errs.Remote("delete", fmt.Errorf("object store not configured"))
	}
	_, err := c.api.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(objectKey),
	})
	if err != nil {
		return errs.Remote("delete", fmt.Errorf("delete object %s: %w", objectKey, err))
	}
	return nil
}

// List returns every object whose key has the given prefix.
func (c *Client) List(ctx context.Context, prefix string) ([]ObjectInfo, error) {
	if !c.Configured() {
		return nil, errs.Remote("list", fmt.Errorf("object store not configured"))
	}

	var out []ObjectInfo
	paginator := s3.NewListObjectsV2Paginator(c.api, &s3.ListObjectsV2Input{
		Bucket: aws.String(c.bucket),
		Prefix: aws.String(prefix),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, errs.Remote("list", fmt.Errorf("list objects under %s: %w", prefix, err))
		}
		for _, obj := range page.Contents {
			var lastModified time.Time
			if obj.LastModified != nil {
				lastModified = *obj.LastModified
			}
			out = append(out, ObjectInfo{
				Key:          aws.ToString(obj.Key),
				Size:         aws.ToInt64(obj.Size),
				LastModified: lastModified,
				ETag:         strings.Trim(aws.ToString(obj.ETag), `"`),
			})
		}
	}
	return out, nil
}

// TestConnection reports whether the bucket is reachable with the
// configured credentials.
func (c *Client) TestConnection(ctx context.Context) bool {
	if !c.Configured() {
		return false
	}
	_, err := c.api.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(c.bucket)})
	return err == nil
}

// StatsUnder computes aggregate Stats over every object with the given
// prefix (typically "backups/").
func (c *Client) StatsUnder(ctx context.Context, prefix string) (*Stats, error) {
	objects, err := c.List(ctx, prefix)
	if err != nil {
		return nil, err
	}

	stats := &Stats{Count: len(objects)}
	sort.Slice(objects, func(i, j int) bool { return objects[i].LastModified.Before(objects[j].LastModified) })
	for _, obj := range objects {
		stats.TotalSize += obj.Size
	}
	if len(objects) > 0 {
		stats.Oldest = objects[0].LastModified
		stats.Newest = objects[len(objects)-1].LastModified
	}
	return stats, nil
}

func (c *Client) objectURL(objectKey string) string {
	return fmt.Sprintf("s3://%s/%s", c.bucket, objectKey)
}
