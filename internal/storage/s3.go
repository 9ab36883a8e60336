package storage

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"

	"github.com/9ifrashaikh/project-builder/pkg/models"
)

// s3API is the subset of *s3.Client used by S3Backend.
type s3API interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	HeadObject(ctx context.Context, in *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	GetBucketPolicy(ctx context.Context, in *s3.GetBucketPolicyInput, optFns ...func(*s3.Options)) (*s3.GetBucketPolicyOutput, error)
	PutBucketPolicy(ctx context.Context, in *s3.PutBucketPolicyInput, optFns ...func(*s3.Options)) (*s3.PutBucketPolicyOutput, error)
}

// S3Config configures an S3Backend.
type S3Config struct {
	// Bucket holds every container as a key prefix.
	Bucket   string
	Region   string
	Endpoint string // custom endpoint for LocalStack/MinIO
	// WriterARN is the IAM principal granted the upload policy.
	WriterARN     string
	PublicBaseURL string
}

// S3Backend stores containers as key prefixes of one bucket. Container
// policies are kept per container; the bucket policy carries one public-read
// and one writer statement covering every container under GrantPrefix.
type S3Backend struct {
	cfg    S3Config
	client s3API
	logger *slog.Logger

	policyMu sync.Mutex
	// granted holds the Sids of bucket policy statements already written.
	granted map[string]bool
}

// NewS3Backend loads the default AWS configuration and builds the client.
func NewS3Backend(ctx context.Context, cfg S3Config, logger *slog.Logger) (*S3Backend, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("s3 backend: bucket is required")
	}
	if cfg.WriterARN == "" {
		return nil, errors.New("s3 backend: writer principal ARN is required")
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	var s3Opts []func(*s3.Options)
	if cfg.Endpoint != "" {
		endpoint := cfg.Endpoint
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.BaseEndpoint = &endpoint
			o.UsePathStyle = true
		})
	}

	logger.Info("S3 storage started", "bucket", cfg.Bucket, "region", cfg.Region)
	return newS3Backend(cfg, s3.NewFromConfig(awsCfg, s3Opts...), logger), nil
}

func newS3Backend(cfg S3Config, client s3API, logger *slog.Logger) *S3Backend {
	if cfg.PublicBaseURL == "" {
		cfg.PublicBaseURL = fmt.Sprintf("https://%s.s3.%s.amazonaws.com", cfg.Bucket, cfg.Region)
	}
	return &S3Backend{cfg: cfg, client: client, logger: logger, granted: make(map[string]bool)}
}

func markerKey(container string) string { return ".containers/" + container }

func objectKey(container, key string) string { return container + "/" + key }

func (b *S3Backend) EnsureContainer(ctx context.Context, name string, public bool) (bool, error) {
	if err := ValidateContainerName(name); err != nil {
		return false, err
	}
	marker, err := json.Marshal(models.Container{Name: name, Public: public, CreatedAt: time.Now().UTC()})
	if err != nil {
		return false, err
	}
	_, err = b.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      &b.cfg.Bucket,
		Key:         aws.String(markerKey(name)),
		Body:        bytes.NewReader(marker),
		ContentType: aws.String("application/json"),
		IfNoneMatch: aws.String("*"),
	})
	if isAPIError(err, "PreconditionFailed") {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to create container %q: %w", name, err)
	}
	b.logger.Debug("container created", "container", name, "bucket", b.cfg.Bucket)
	return true, nil
}

func (b *S3Backend) containerExists(ctx context.Context, name string) error {
	_, err := b.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: &b.cfg.Bucket,
		Key:    aws.String(markerKey(name)),
	})
	var nf *types.NotFound
	if errors.As(err, &nf) {
		return fmt.Errorf("%w: %s", ErrContainerNotFound, name)
	}
	if err != nil {
		return fmt.Errorf("failed to look up container %q: %w", name, err)
	}
	return nil
}

// bucketPolicy is an IAM policy document; statements are always marshaled
// from these structs.
type bucketPolicy struct {
	Version   string            `json:"Version"`
	Statement []policyStatement `json:"Statement"`
}

type policyStatement struct {
	Sid       string `json:"Sid,omitempty"`
	Effect    string `json:"Effect"`
	Principal any    `json:"Principal"`
	Action    any    `json:"Action"`
	Resource  any    `json:"Resource"`
}

// GrantPrefix is the container name prefix covered by the bucket policy
// grants. Containers outside it cannot receive policies on S3.
const GrantPrefix = "project-"

// Sids of the two bucket policy statements this backend owns.
const (
	publicReadSid = "ContainerPublicRead"
	writerPutSid  = "ContainerWriterPut"
)

// policiesKey holds a container's policy list. Per-container state never
// enters the bucket policy, whose size is capped by S3.
func policiesKey(container string) string { return ".policies/" + container }

func (b *S3Backend) grantResource() string {
	return fmt.Sprintf("arn:aws:s3:::%s/%s*", b.cfg.Bucket, GrantPrefix)
}

// grantFor maps a container policy onto the prefix-wide statement that
// serves it.
func (b *S3Backend) grantFor(p models.AccessPolicy) (policyStatement, error) {
	switch {
	case p.Action == models.ActionRead && p.Principal == models.PrincipalPublic:
		return policyStatement{
			Sid:       publicReadSid,
			Effect:    "Allow",
			Principal: "*",
			Action:    "s3:GetObject",
			Resource:  b.grantResource(),
		}, nil
	case p.Action == models.ActionWrite && p.Principal == models.PrincipalAuthenticated:
		return policyStatement{
			Sid:       writerPutSid,
			Effect:    "Allow",
			Principal: map[string]string{"AWS": b.cfg.WriterARN},
			Action:    "s3:PutObject",
			Resource:  b.grantResource(),
		}, nil
	}
	return policyStatement{}, fmt.Errorf("unsupported policy %s: %s for %s", p.Name, p.Action, p.Principal)
}

func (b *S3Backend) loadPolicy(ctx context.Context) (*bucketPolicy, error) {
	out, err := b.client.GetBucketPolicy(ctx, &s3.GetBucketPolicyInput{Bucket: &b.cfg.Bucket})
	if isAPIError(err, "NoSuchBucketPolicy") {
		return &bucketPolicy{Version: "2012-10-17"}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read bucket policy: %w", err)
	}
	var doc bucketPolicy
	if err := json.Unmarshal([]byte(aws.ToString(out.Policy)), &doc); err != nil {
		return nil, fmt.Errorf("failed to decode bucket policy: %w", err)
	}
	return &doc, nil
}

// ensureGrants makes sure the bucket policy holds the prefix statements in
// grants. Statements owned by others are kept. Edits are serialized and a
// grant already written by this backend is not rewritten.
func (b *S3Backend) ensureGrants(ctx context.Context, grants []policyStatement) error {
	b.policyMu.Lock()
	defer b.policyMu.Unlock()

	var missing []policyStatement
	for _, g := range grants {
		if !b.granted[g.Sid] {
			missing = append(missing, g)
		}
	}
	if len(missing) == 0 {
		return nil
	}

	doc, err := b.loadPolicy(ctx)
	if err != nil {
		return err
	}
	replace := make(map[string]bool, len(missing))
	for _, g := range missing {
		replace[g.Sid] = true
	}
	kept := doc.Statement[:0]
	for _, st := range doc.Statement {
		if !replace[st.Sid] {
			kept = append(kept, st)
		}
	}
	doc.Statement = append(kept, missing...)

	body, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("failed to encode bucket policy: %w", err)
	}
	if _, err := b.client.PutBucketPolicy(ctx, &s3.PutBucketPolicyInput{
		Bucket: &b.cfg.Bucket,
		Policy: aws.String(string(body)),
	}); err != nil {
		return fmt.Errorf("failed to write bucket policy: %w", err)
	}
	for _, g := range missing {
		b.granted[g.Sid] = true
	}
	b.logger.Info("bucket policy updated", "bucket", b.cfg.Bucket, "statements", len(doc.Statement))
	return nil
}

// ApplyPolicies replaces the container's policy list and makes sure the
// bucket policy grants what the policies require.
func (b *S3Backend) ApplyPolicies(ctx context.Context, container string, policies []models.AccessPolicy) error {
	if err := b.containerExists(ctx, container); err != nil {
		return err
	}
	if !strings.HasPrefix(container, GrantPrefix) {
		return fmt.Errorf("%w: container %q is outside the %q grant prefix", ErrInvalidName, container, GrantPrefix)
	}
	grants := make([]policyStatement, 0, len(policies))
	for _, p := range policies {
		g, err := b.grantFor(p)
		if err != nil {
			return err
		}
		grants = append(grants, g)
	}
	if err := b.ensureGrants(ctx, grants); err != nil {
		return err
	}

	encoded, err := json.Marshal(policies)
	if err != nil {
		return fmt.Errorf("failed to encode policies: %w", err)
	}
	if _, err := b.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      &b.cfg.Bucket,
		Key:         aws.String(policiesKey(container)),
		Body:        bytes.NewReader(encoded),
		ContentType: aws.String("application/json"),
	}); err != nil {
		return fmt.Errorf("failed to write policies for %q: %w", container, err)
	}
	return nil
}

func (b *S3Backend) Policies(ctx context.Context, container string) ([]models.AccessPolicy, error) {
	if err := b.containerExists(ctx, container); err != nil {
		return nil, err
	}
	out, err := b.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: &b.cfg.Bucket,
		Key:    aws.String(policiesKey(container)),
	})
	var nsk *types.NoSuchKey
	if errors.As(err, &nsk) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read policies for %q: %w", container, err)
	}
	defer out.Body.Close()

	var policies []models.AccessPolicy
	if err := json.NewDecoder(out.Body).Decode(&policies); err != nil {
		return nil, fmt.Errorf("failed to decode policies for %q: %w", container, err)
	}
	return policies, nil
}

func (b *S3Backend) PutObject(ctx context.Context, container, key string, body io.Reader, opts PutOptions) (*models.StoredObject, error) {
	if err := ValidateObjectKey(key); err != nil {
		return nil, err
	}
	if err := b.containerExists(ctx, container); err != nil {
		return nil, err
	}
	data, err := io.ReadAll(body)
	if err != nil {
		return nil, fmt.Errorf("failed to read object body: %w", err)
	}
	sum := sha256.Sum256(data)
	checksum := hex.EncodeToString(sum[:])

	contentType := opts.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	in := &s3.PutObjectInput{
		Bucket:        &b.cfg.Bucket,
		Key:           aws.String(objectKey(container, key)),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
		ContentType:   aws.String(contentType),
		Metadata:      map[string]string{"sha256": checksum},
	}
	if !opts.Upsert {
		in.IfNoneMatch = aws.String("*")
	}
	_, err = b.client.PutObject(ctx, in)
	if isAPIError(err, "PreconditionFailed") {
		return nil, fmt.Errorf("%w: %s/%s", ErrObjectExists, container, key)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to put object %q: %w", key, err)
	}

	b.logger.Info("Object uploaded", "key", key, "container", container, "bucket", b.cfg.Bucket)
	now := time.Now().UTC()
	return &models.StoredObject{
		Container:   container,
		Key:         key,
		Size:        int64(len(data)),
		ContentType: contentType,
		Checksum:    checksum,
		CreatedAt:   now,
		UpdatedAt:   now,
	}, nil
}

func (b *S3Backend) GetObject(ctx context.Context, container, key string) (io.ReadCloser, *models.StoredObject, error) {
	out, err := b.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: &b.cfg.Bucket,
		Key:    aws.String(objectKey(container, key)),
	})
	var nsk *types.NoSuchKey
	if errors.As(err, &nsk) {
		return nil, nil, fmt.Errorf("%w: %s/%s", ErrObjectNotFound, container, key)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("failed to get object %q: %w", key, err)
	}
	obj := &models.StoredObject{
		Container:   container,
		Key:         key,
		Size:        aws.ToInt64(out.ContentLength),
		ContentType: aws.ToString(out.ContentType),
		Checksum:    out.Metadata["sha256"],
		UpdatedAt:   aws.ToTime(out.LastModified),
	}
	return out.Body, obj, nil
}

func (b *S3Backend) PublicURL(container, key string) string {
	return JoinPublicURL(b.cfg.PublicBaseURL, container, key)
}

func isAPIError(err error, code string) bool {
	var apiErr smithy.APIError
	return errors.As(err, &apiErr) && apiErr.ErrorCode() == code
}
