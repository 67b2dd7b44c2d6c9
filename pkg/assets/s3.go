// Package assets checks that the objects an item points at exist before the
// item is queued.
package assets

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"golang.org/x/sync/errgroup"
)

const maxConcurrentHeads = 8

type headObjectAPI interface {
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
}

// S3Checker issues a HeadObject for every s3:// asset href. Other schemes are
// not checked.
type S3Checker struct {
	client headObjectAPI
}

func NewS3Checker(ctx context.Context, region string) (*S3Checker, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return &S3Checker{client: s3.NewFromConfig(cfg)}, nil
}

type asset struct {
	Href string `json:"href"`
}

func (c *S3Checker) Verify(ctx context.Context, item json.RawMessage) error {
	var doc struct {
		Assets map[string]asset `json:"assets"`
	}
	if err := json.Unmarshal(item, &doc); err != nil {
		return fmt.Errorf("decode assets: %w", err)
	}

	names := make([]string, 0, len(doc.Assets))
	for name := range doc.Assets {
		names = append(names, name)
	}
	sort.Strings(names)

	errs := make([]error, len(names))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxConcurrentHeads)
	for i, name := range names {
		href := doc.Assets[name].Href
		if !strings.HasPrefix(href, "s3://") {
			continue
		}
		g.Go(func() error {
			errs[i] = c.head(gctx, name, href)
			return nil
		})
	}
	_ = g.Wait()
	return errors.Join(errs...)
}

func (c *S3Checker) head(ctx context.Context, name, href string) error {
	bucket, key, err := parseS3Path(href)
	if err != nil {
		return fmt.Errorf("asset %s: %w", name, err)
	}
	if _, err := c.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	}); err != nil {
		return fmt.Errorf("asset %s: %s is not accessible: %w", name, href, err)
	}
	return nil
}

// parseS3Path extracts bucket and key from an "s3://bucket/path/to/file" URI.
func parseS3Path(s3Path string) (bucket, key string, err error) {
	u, err := url.Parse(s3Path)
	if err != nil {
		return "", "", fmt.Errorf("parse S3 path %q: %w", s3Path, err)
	}
	if u.Scheme != "s3" {
		return "", "", fmt.Errorf("expected s3:// scheme, got %q in %q", u.Scheme, s3Path)
	}
	bucket = u.Host
	key = strings.TrimPrefix(u.Path, "/")
	if bucket == "" || key == "" {
		return "", "", fmt.Errorf("empty bucket or key in S3 path %q", s3Path)
	}
	return bucket, key, nil
}
