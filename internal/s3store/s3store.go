// Package s3store implements remote.Store on an S3 bucket (AWS, MinIO or
// any S3-compatible service with conditional writes).
//
// The object ETag is the revision. A write conditional on a stale ETag
// fails with PreconditionFailed and is retried under a conflict name with
// If-None-Match: *, so the conflicted copy never overwrites anything.
// S3 has no change feed, so the cursor is an encoded key→ETag snapshot of
// the prefix and LongPoll lists the prefix on an interval until the
// snapshot differs.
package s3store

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"
	"go.uber.org/zap"

	"github.com/todosync/todosync/internal/metrics"
	"github.com/todosync/todosync/internal/remote"
)

// DefaultPollInterval is the listing interval inside LongPoll.
const DefaultPollInterval = 10 * time.Second

// API is the subset of *s3.Client the store calls.
type API interface {
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	s3.ListObjectsV2APIClient
}

// Config configures a Store.
type Config struct {
	Bucket string

	// Prefix is prepended to every key, e.g. "todo/".
	Prefix string

	// Region (default: from the environment).
	Region string

	// Endpoint overrides the service URL for S3-compatible servers.
	Endpoint string

	// AccessKey and SecretKey select static credentials. Empty means the
	// default AWS credential chain.
	AccessKey string
	SecretKey string

	// PathStyle forces path-style addressing, needed by most non-AWS
	// servers.
	PathStyle bool

	// PollInterval between listings in LongPoll (default: 10s).
	PollInterval time.Duration

	Logger *zap.Logger
}

// Store is the S3 remote store.
type Store struct {
	api    API
	config Config
	logger *zap.Logger
}

// New builds an S3 client from cfg and returns a store using it.
func New(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("bucket is required")
	}

	var opts []func(*config.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, config.WithRegion(cfg.Region))
	}
	if cfg.AccessKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.PathStyle
	})
	return NewWithAPI(client, cfg)
}

// NewWithAPI returns a store using an existing client.
func NewWithAPI(api API, cfg Config) (*Store, error) {
	if api == nil {
		return nil, fmt.Errorf("s3 client cannot be nil")
	}
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("bucket is required")
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Store{api: api, config: cfg, logger: cfg.Logger.Named("s3store")}, nil
}

func observe(op string, start time.Time, err error) {
	metrics.RecordRemoteOp("s3", op, time.Since(start), err == nil)
}

func (s *Store) key(p string) string {
	return s.config.Prefix + strings.TrimPrefix(path.Clean("/"+p), "/")
}

func (s *Store) pathOf(key string) string {
	return "/" + strings.TrimPrefix(key, s.config.Prefix)
}

// FetchFile implements remote.Store.
func (s *Store) FetchFile(ctx context.Context, p string) (f remote.File, err error) {
	defer func(start time.Time) { observe("fetch_file", start, err) }(time.Now())

	out, err := s.api.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.config.Bucket),
		Key:    aws.String(s.key(p)),
	})
	if err != nil {
		return remote.File{}, classify("fetch_file", p, err)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return remote.File{}, remote.Wrap("fetch_file", p, err)
	}
	return remote.File{
		Path:     s.pathOf(s.key(p)),
		Revision: aws.ToString(out.ETag),
		Contents: string(data),
	}, nil
}

// PutFile implements remote.Store.
func (s *Store) PutFile(ctx context.Context, p, contents, expectedRevision string) (f remote.File, err error) {
	defer func(start time.Time) { observe("put_file", start, err) }(time.Now())

	clean := s.pathOf(s.key(p))
	if expectedRevision == "" {
		etag, err := s.put(ctx, clean, contents, nil, nil)
		if err != nil {
			return remote.File{}, classify("put_file", clean, err)
		}
		return remote.File{Path: clean, Revision: etag}, nil
	}

	etag, err := s.put(ctx, clean, contents, aws.String(expectedRevision), nil)
	switch {
	case err == nil:
		return remote.File{Path: clean, Revision: etag}, nil
	case isCode(err, "NoSuchKey", "NotFound"):
		// Deleted since we read it: recreate unless someone beat us to it.
		etag, err = s.put(ctx, clean, contents, nil, aws.String("*"))
		if err == nil {
			return remote.File{Path: clean, Revision: etag}, nil
		}
		if !isPrecondition(err) {
			return remote.File{}, classify("put_file", clean, err)
		}
	case !isPrecondition(err):
		return remote.File{}, classify("put_file", clean, err)
	}

	return s.putConflictCopy(ctx, clean, contents)
}

func (s *Store) putConflictCopy(ctx context.Context, clean, contents string) (remote.File, error) {
	for n := 1; n <= remote.MaxConflictCopies; n++ {
		candidate := remote.ConflictPath(clean, n)
		etag, err := s.put(ctx, candidate, contents, nil, aws.String("*"))
		if err == nil {
			s.logger.Info("stale revision, wrote conflicted copy",
				zap.String("path", clean),
				zap.String("conflict_path", candidate),
			)
			return remote.File{Path: candidate, Revision: etag}, nil
		}
		if !isPrecondition(err) {
			return remote.File{}, classify("put_file", candidate, err)
		}
	}
	return remote.File{}, remote.NewError("put_file", clean, remote.KindMalformed,
		fmt.Errorf("no free conflict name after %d attempts", remote.MaxConflictCopies))
}

func (s *Store) put(ctx context.Context, p, contents string, ifMatch, ifNoneMatch *string) (string, error) {
	out, err := s.api.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.config.Bucket),
		Key:           aws.String(s.key(p)),
		Body:          strings.NewReader(contents),
		ContentLength: aws.Int64(int64(len(contents))),
		ContentType:   aws.String("text/plain; charset=utf-8"),
		IfMatch:       ifMatch,
		IfNoneMatch:   ifNoneMatch,
	})
	if err != nil {
		return "", err
	}
	return aws.ToString(out.ETag), nil
}

// snapshot lists every object under the prefix.
func (s *Store) snapshot(ctx context.Context) (remote.Snapshot, error) {
	snap := remote.Snapshot{}
	pager := s3.NewListObjectsV2Paginator(s.api, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.config.Bucket),
		Prefix: aws.String(s.config.Prefix),
	})
	for pager.HasMorePages() {
		page, err := pager.NextPage(ctx)
		if err != nil {
			return nil, classify("list", "", err)
		}
		for _, obj := range page.Contents {
			key := aws.ToString(obj.Key)
			if strings.HasSuffix(key, "/") {
				continue
			}
			snap[s.pathOf(key)] = aws.ToString(obj.ETag)
		}
	}
	return snap, nil
}

// LatestCursor implements remote.Store.
func (s *Store) LatestCursor(ctx context.Context) (c remote.Cursor, err error) {
	defer func(start time.Time) { observe("latest_cursor", start, err) }(time.Now())

	snap, err := s.snapshot(ctx)
	if err != nil {
		return "", err
	}
	return snap.Cursor()
}

// ListChangesSince implements remote.Store.
func (s *Store) ListChangesSince(ctx context.Context, cursor remote.Cursor) (next remote.Cursor, changes []remote.Change, err error) {
	defer func(start time.Time) { observe("list_changes", start, err) }(time.Now())

	old, err := remote.DecodeSnapshot(cursor)
	if err != nil {
		return "", nil, err
	}
	cur, err := s.snapshot(ctx)
	if err != nil {
		return "", nil, err
	}
	next, err = cur.Cursor()
	if err != nil {
		return "", nil, err
	}
	return next, old.Diff(cur), nil
}

// LongPoll implements remote.Store by listing every PollInterval until the
// prefix differs from the cursor or timeout passes.
func (s *Store) LongPoll(ctx context.Context, cursor remote.Cursor, timeout time.Duration) (res remote.PollResult, err error) {
	defer func(start time.Time) { observe("longpoll", start, err) }(time.Now())

	base, err := remote.DecodeSnapshot(cursor)
	if err != nil {
		return remote.PollResult{}, err
	}

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(s.config.PollInterval)
	defer ticker.Stop()

	for {
		cur, err := s.snapshot(ctx)
		if err != nil {
			return remote.PollResult{}, err
		}
		if len(base.Diff(cur)) > 0 {
			return remote.PollResult{Changed: true}, nil
		}

		select {
		case <-ctx.Done():
			return remote.PollResult{}, remote.Wrap("longpoll", "", ctx.Err())
		case <-deadline.C:
			return remote.PollResult{}, nil
		case <-ticker.C:
		}
	}
}

func isPrecondition(err error) bool {
	return isCode(err, "PreconditionFailed")
}

func isCode(err error, codes ...string) bool {
	var ae smithy.APIError
	if !errors.As(err, &ae) {
		return false
	}
	for _, c := range codes {
		if ae.ErrorCode() == c {
			return true
		}
	}
	return false
}

// classify maps an SDK error to a remote error kind.
func classify(op, p string, err error) error {
	var ae smithy.APIError
	if errors.As(err, &ae) {
		switch ae.ErrorCode() {
		case "NoSuchKey", "NotFound", "NoSuchBucket":
			return remote.NewError(op, p, remote.KindNotFound, err)
		case "AccessDenied", "InvalidAccessKeyId", "SignatureDoesNotMatch", "ExpiredToken", "InvalidToken":
			return remote.NewError(op, p, remote.KindAuth, err)
		case "RequestTimeout":
			return remote.NewError(op, p, remote.KindTimeout, err)
		case "InvalidArgument", "InvalidRequest", "MalformedXML":
			return remote.NewError(op, p, remote.KindMalformed, err)
		}
	}
	return remote.Wrap(op, p, err)
}

var _ remote.Store = (*Store)(nil)
