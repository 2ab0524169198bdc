package s3source

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/churnguard/lake/indexer/pkg/dataset"
	"github.com/churnguard/lake/indexer/pkg/metrics"
)

// DefaultMaxBytes caps the size of a CSV object read from S3.
const DefaultMaxBytes = 256 << 20

var (
	ErrInvalidURI   = errors.New("invalid s3 uri")
	ErrObjectTooBig = errors.New("s3 object exceeds size limit")
)

// GetObjectAPI is the subset of the S3 client the loader needs.
type GetObjectAPI interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// Loader reads CSV objects from S3 into dataset snapshots.
type Loader struct {
	log      *slog.Logger
	client   GetObjectAPI
	maxBytes int64
}

func New(log *slog.Logger, client GetObjectAPI, maxBytes int64) *Loader {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBytes
	}
	return &Loader{log: log, client: client, maxBytes: maxBytes}
}

// NewFromEnv builds a loader with the default AWS credential chain. An
// empty region defers to AWS_REGION and the shared config.
func NewFromEnv(ctx context.Context, log *slog.Logger, region string) (*Loader, error) {
	var opts []func(*config.LoadOptions) error
	if region != "" {
		opts = append(opts, config.WithRegion(region))
	}
	cfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load aws config: %w", err)
	}
	return New(log, s3.NewFromConfig(cfg), 0), nil
}

// IsURI reports whether ref names an S3 object.
func IsURI(ref string) bool {
	return strings.HasPrefix(ref, "s3://")
}

// ParseURI splits s3://bucket/key.
func ParseURI(uri string) (bucket, key string, err error) {
	rest, ok := strings.CutPrefix(uri, "s3://")
	if !ok {
		return "", "", fmt.Errorf("%w: %q", ErrInvalidURI, uri)
	}
	bucket, key, _ = strings.Cut(rest, "/")
	if bucket == "" || key == "" || strings.HasSuffix(key, "/") {
		return "", "", fmt.Errorf("%w: %q", ErrInvalidURI, uri)
	}
	return bucket, key, nil
}

// Load fetches the object at uri and parses it as CSV.
func (l *Loader) Load(ctx context.Context, uri string) (snap *dataset.Snapshot, err error) {
	defer func() {
		rows := 0
		if snap != nil {
			rows = snap.Len()
		}
		metrics.RecordDatasetLoad("s3", rows, err)
	}()

	bucket, key, err := ParseURI(uri)
	if err != nil {
		return nil, err
	}

	out, err := l.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get s3 object %s: %w", uri, err)
	}
	defer out.Body.Close()

	if out.ContentLength != nil && *out.ContentLength > l.maxBytes {
		return nil, fmt.Errorf("%w: %d bytes", ErrObjectTooBig, *out.ContentLength)
	}
	body := &limitedReader{r: out.Body, n: l.maxBytes}

	snap, err = dataset.LoadCSV(body, path.Base(key))
	if body.exceeded {
		return nil, fmt.Errorf("%w: more than %d bytes", ErrObjectTooBig, l.maxBytes)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse s3 object %s: %w", uri, err)
	}
	l.log.Info("s3source: loaded snapshot", "uri", uri, "rows", snap.Len(), "columns", snap.Catalog().Len(), "id", snap.ID())
	return snap, nil
}

// limitedReader is io.LimitReader that remembers whether the limit was hit.
type limitedReader struct {
	r        io.Reader
	n        int64
	exceeded bool
}

func (l *limitedReader) Read(p []byte) (int, error) {
	if l.n <= 0 {
		// probe for one more byte to tell EOF from truncation
		var one [1]byte
		if n, _ := l.r.Read(one[:]); n > 0 {
			l.exceeded = true
		}
		return 0, io.EOF
	}
	if int64(len(p)) > l.n {
		p = p[:l.n]
	}
	n, err := l.r.Read(p)
	l.n -= int64(n)
	return n, err
}
