// Package s3storage implements DocumentStorage on an S3-compatible object
// store (AWS S3 or minio). One object per snapshot reference under
// "{room}/{docID}/{ref}"; room and docID are percent-encoded so '/' cannot
// break the layout.
package s3storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/hpi-schul-cloud/tldraw-server-sub000/pkg/logger"
	"github.com/hpi-schul-cloud/tldraw-server-sub000/pkg/storage"
	"github.com/hpi-schul-cloud/tldraw-server-sub000/pkg/ycrdt"
)

// Config selects the bucket and, for minio-style deployments, the endpoint
// and static credentials.
type Config struct {
	Bucket    string
	Region    string
	Endpoint  string // empty for AWS
	AccessKey string
	SecretKey string
	PathStyle bool // required for minio
}

// Storage is the S3-backed DocumentStorage.
type Storage struct {
	client *s3.Client
	bucket string
	seq    uint64
}

// New builds the S3 client and verifies nothing; the first call reports
// connectivity problems.
func New(ctx context.Context, cfg Config) (*Storage, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("s3 storage: bucket is required")
	}
	var opts []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}
	if cfg.AccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, "")))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("s3 storage: load aws config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.PathStyle
	})
	return &Storage{client: client, bucket: cfg.Bucket}, nil
}

func docPrefix(room, docID string) string {
	return url.QueryEscape(room) + "/" + url.QueryEscape(docID) + "/"
}

func (s *Storage) PersistDoc(ctx context.Context, room, docID string, doc *ycrdt.Doc) error {
	ref := fmt.Sprintf("%020d-%06d", time.Now().UTC().UnixNano(), atomic.AddUint64(&s.seq, 1))
	key := docPrefix(room, docID) + ref
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
		Body:   strings.NewReader(string(doc.EncodeStateAsUpdate())),
	})
	if err != nil {
		logger.Error("persist_doc_failed", "room", room, "doc", docID, "error", err)
		return fmt.Errorf("persist %s: %w", key, err)
	}
	logger.Debug("doc_persisted", "room", room, "doc", docID, "ref", ref)
	return nil
}

func (s *Storage) RetrieveDoc(ctx context.Context, room, docID string) (*storage.StoredDoc, error) {
	prefix := docPrefix(room, docID)
	refs, err := s.listReferences(ctx, prefix)
	if err != nil {
		return nil, err
	}
	if len(refs) == 0 {
		return nil, nil
	}
	updates := make([][]byte, 0, len(refs))
	for _, ref := range refs {
		b, err := s.getObject(ctx, prefix+ref)
		if err != nil {
			return nil, err
		}
		updates = append(updates, b)
	}
	merged, err := ycrdt.MergeUpdates(updates)
	if err != nil {
		return nil, fmt.Errorf("merge snapshot of %s/%s: %w", room, docID, err)
	}
	return &storage.StoredDoc{Doc: merged, References: refs}, nil
}

func (s *Storage) RetrieveStateVector(ctx context.Context, room, docID string) ([]byte, error) {
	sd, err := s.RetrieveDoc(ctx, room, docID)
	if err != nil || sd == nil {
		return nil, err
	}
	doc := ycrdt.NewDoc()
	if err := doc.ApplyUpdate(sd.Doc); err != nil {
		return nil, err
	}
	return doc.StateVector(), nil
}

func (s *Storage) DeleteReferences(ctx context.Context, room, docID string, references []string) error {
	if len(references) == 0 {
		return nil
	}
	prefix := docPrefix(room, docID)
	objects := make([]types.ObjectIdentifier, 0, len(references))
	for _, ref := range references {
		objects = append(objects, types.ObjectIdentifier{Key: aws.String(prefix + ref)})
	}
	_, err := s.client.DeleteObjects(ctx, &s3.DeleteObjectsInput{
		Bucket: aws.String(s.bucket),
		Delete: &types.Delete{Objects: objects, Quiet: aws.Bool(true)},
	})
	if err != nil {
		return fmt.Errorf("delete references of %s/%s: %w", room, docID, err)
	}
	return nil
}

func (s *Storage) DeleteDocument(ctx context.Context, room, docID string) error {
	refs, err := s.listReferences(ctx, docPrefix(room, docID))
	if err != nil {
		return err
	}
	if err := s.DeleteReferences(ctx, room, docID, refs); err != nil {
		return err
	}
	logger.Info("doc_deleted", "room", room, "doc", docID, "references", len(refs))
	return nil
}

// Destroy is a no-op; the underlying HTTP client needs no teardown.
func (s *Storage) Destroy() error { return nil }

func (s *Storage) listReferences(ctx context.Context, prefix string) ([]string, error) {
	var refs []string
	var token *string
	for {
		out, err := s.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
			Bucket:            aws.String(s.bucket),
			Prefix:            aws.String(prefix),
			ContinuationToken: token,
		})
		if err != nil {
			return nil, fmt.Errorf("list %s: %w", prefix, err)
		}
		for _, obj := range out.Contents {
			refs = append(refs, strings.TrimPrefix(aws.ToString(obj.Key), prefix))
		}
		if out.NextContinuationToken == nil {
			break
		}
		token = out.NextContinuationToken
	}
	sort.Strings(refs)
	return refs, nil
}

func (s *Storage) getObject(ctx context.Context, key string) ([]byte, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var nsk *types.NoSuchKey
		if errors.As(err, &nsk) {
			return nil, nil
		}
		return nil, fmt.Errorf("get %s: %w", key, err)
	}
	defer out.Body.Close()
	b, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", key, err)
	}
	return b, nil
}
