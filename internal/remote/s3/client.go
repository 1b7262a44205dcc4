// Package s3 implements the remote drive contract over S3-compatible
// object storage. Node metadata records live as JSON objects under
// meta/, file content under content/; listings are prefix scans over
// the metadata records.
package s3

import (
	"bytes"
	"context"
	"crypto/md5"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"hash"
	"io"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	awss3 "github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/drivefs/drivefs/internal/api"
)

// RootID is the fixed node id of the account root folder.
const RootID = "root"

// DefaultQuotaBytes is reported by Quota when the config does not set
// one. S3 buckets have no capacity limit, so the quota is nominal.
const DefaultQuotaBytes = 1 << 40

// Config represents the S3 remote configuration. Credentials fall
// back to the ambient AWS chain when the static fields are empty.
type Config struct {
	Region          string
	Endpoint        string
	Bucket          string
	Prefix          string
	UsePathStyle    bool
	AccessKeyID     string
	SecretAccessKey string
	QuotaBytes      int64
	Logger          *slog.Logger
}

// Client is the api.Client implementation over S3.
type Client struct {
	s3       *awss3.Client
	uploader *manager.Uploader
	bucket   string
	prefix   string
	quota    int64
	logger   *slog.Logger
}

var _ api.Client = (*Client)(nil)

// New builds a client from the ambient AWS credential chain.
func New(ctx context.Context, cfg Config) (*Client, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("s3: bucket is required")
	}
	if cfg.QuotaBytes <= 0 {
		cfg.QuotaBytes = DefaultQuotaBytes
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	loadOptions := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Region),
	}
	if cfg.AccessKeyID != "" {
		loadOptions = append(loadOptions, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOptions...)
	if err != nil {
		return nil, fmt.Errorf("s3: loading AWS config: %w", err)
	}

	client := awss3.NewFromConfig(awsCfg, func(o *awss3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		if cfg.UsePathStyle {
			o.UsePathStyle = true
		}
	})

	return &Client{
		s3:       client,
		uploader: manager.NewUploader(client),
		bucket:   cfg.Bucket,
		prefix:   cfg.Prefix,
		quota:    cfg.QuotaBytes,
		logger:   cfg.Logger.With("component", "s3-remote", "bucket", cfg.Bucket),
	}, nil
}

func (c *Client) metaKey(kind api.NodeKind, id string) string {
	return c.prefix + "meta/" + kindSegment(kind) + "/" + id + ".json"
}

func (c *Client) metaPrefix(kind api.NodeKind) string {
	return c.prefix + "meta/" + kindSegment(kind) + "/"
}

func (c *Client) contentKey(id string) string {
	return c.prefix + "content/" + id
}

func kindSegment(kind api.NodeKind) string {
	if kind == api.KindFolder {
		return "folders"
	}
	return "files"
}

// translate converts an SDK error into the uniform remote failure
// type. Responses keep their HTTP status; transport failures get the
// connection-error code.
func translate(err error) error {
	var respErr *awshttp.ResponseError
	if errors.As(err, &respErr) {
		return &api.RequestError{
			StatusCode: respErr.HTTPStatusCode(),
			Message:    respErr.Error(),
		}
	}
	return &api.RequestError{
		StatusCode: api.StatusConnError,
		Message:    err.Error(),
	}
}

// EnsureRoot creates the root folder record if the bucket does not
// have one yet. Idempotent; called once before the first sync.
func (c *Client) EnsureRoot(ctx context.Context) error {
	_, err := c.readMeta(ctx, api.KindFolder, RootID)
	if err == nil {
		return nil
	}
	var reqErr *api.RequestError
	if !errors.As(err, &reqErr) || reqErr.StatusCode != 404 {
		return fmt.Errorf("s3: checking root record: %w", err)
	}

	now := time.Now().UTC()
	root := api.NodeInfo{
		ID:       RootID,
		Kind:     api.KindFolder,
		Created:  now,
		Modified: now,
		Status:   api.StatusAvailable,
	}
	if err := c.writeMeta(ctx, root); err != nil {
		return fmt.Errorf("s3: creating root record: %w", err)
	}
	c.logger.Info("created root folder record")
	return nil
}

func (c *Client) readMeta(ctx context.Context, kind api.NodeKind, id string) (api.NodeInfo, error) {
	out, err := c.s3.GetObject(ctx, &awss3.GetObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(c.metaKey(kind, id)),
	})
	if err != nil {
		return api.NodeInfo{}, translate(err)
	}
	defer out.Body.Close()

	var info api.NodeInfo
	if err := json.NewDecoder(out.Body).Decode(&info); err != nil {
		return api.NodeInfo{}, &api.RequestError{
			StatusCode: api.StatusConnError,
			Message:    fmt.Sprintf("decoding metadata for %s: %v", id, err),
		}
	}
	return info, nil
}

func (c *Client) writeMeta(ctx context.Context, info api.NodeInfo) error {
	data, err := json.Marshal(info)
	if err != nil {
		return fmt.Errorf("encoding metadata for %s: %w", info.ID, err)
	}
	_, err = c.s3.PutObject(ctx, &awss3.PutObjectInput{
		Bucket:        aws.String(c.bucket),
		Key:           aws.String(c.metaKey(info.Kind, info.ID)),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
		ContentType:   aws.String("application/json"),
	})
	if err != nil {
		return translate(err)
	}
	return nil
}

// findMeta reads a node's record without knowing its kind.
func (c *Client) findMeta(ctx context.Context, id string) (api.NodeInfo, error) {
	info, err := c.readMeta(ctx, api.KindFile, id)
	if err == nil {
		return info, nil
	}
	var reqErr *api.RequestError
	if errors.As(err, &reqErr) && reqErr.StatusCode == 404 {
		return c.readMeta(ctx, api.KindFolder, id)
	}
	return api.NodeInfo{}, err
}

// listKind reads every metadata record of one kind and filters by
// status.
func (c *Client) listKind(ctx context.Context, kind api.NodeKind, status api.NodeStatus) ([]api.NodeInfo, error) {
	var infos []api.NodeInfo

	paginator := awss3.NewListObjectsV2Paginator(c.s3, &awss3.ListObjectsV2Input{
		Bucket: aws.String(c.bucket),
		Prefix: aws.String(c.metaPrefix(kind)),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, translate(err)
		}
		for _, object := range page.Contents {
			key := aws.ToString(object.Key)
			id := idFromMetaKey(key, c.metaPrefix(kind))
			if id == "" {
				continue
			}
			info, err := c.readMeta(ctx, kind, id)
			if err != nil {
				return nil, err
			}
			if info.Status == status {
				infos = append(infos, info)
			}
		}
	}
	return infos, nil
}

func idFromMetaKey(key, prefix string) string {
	if len(key) <= len(prefix) || key[:len(prefix)] != prefix {
		return ""
	}
	rest := key[len(prefix):]
	const suffix = ".json"
	if len(rest) <= len(suffix) || rest[len(rest)-len(suffix):] != suffix {
		return ""
	}
	return rest[:len(rest)-len(suffix)]
}

// ListFolders returns all folder records with the given status.
func (c *Client) ListFolders(ctx context.Context, status api.NodeStatus) ([]api.NodeInfo, error) {
	return c.listKind(ctx, api.KindFolder, status)
}

// ListFiles returns all file records with the given status.
func (c *Client) ListFiles(ctx context.Context, status api.NodeStatus) ([]api.NodeInfo, error) {
	return c.listKind(ctx, api.KindFile, status)
}

// DownloadRange opens a ranged read of a file's content. The returned
// length is the size of the range the stream will actually deliver.
func (c *Client) DownloadRange(ctx context.Context, nodeID string, offset, length int64) (io.ReadCloser, int64, error) {
	out, err := c.s3.GetObject(ctx, &awss3.GetObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(c.contentKey(nodeID)),
		Range:  aws.String(fmt.Sprintf("bytes=%d-%d", offset, offset+length-1)),
	})
	if err != nil {
		return nil, 0, translate(err)
	}
	return out.Body, aws.ToInt64(out.ContentLength), nil
}

// OverwriteStream replaces a file's content with the bytes read from
// body as one streaming upload, then updates and returns the node's
// metadata record.
func (c *Client) OverwriteStream(ctx context.Context, nodeID string, body io.Reader) (api.NodeInfo, error) {
	info, err := c.readMeta(ctx, api.KindFile, nodeID)
	if err != nil {
		return api.NodeInfo{}, err
	}
	return c.putContent(ctx, info, body)
}

// putContent streams body to the node's content object, computing size
// and MD5 on the way through, and persists the updated record.
func (c *Client) putContent(ctx context.Context, info api.NodeInfo, body io.Reader) (api.NodeInfo, error) {
	counter := &hashingReader{r: body, h: md5.New()}
	_, err := c.uploader.Upload(ctx, &awss3.PutObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(c.contentKey(info.ID)),
		Body:   counter,
	})
	if err != nil {
		return api.NodeInfo{}, translate(err)
	}

	info.Size = counter.n
	info.MD5 = hex.EncodeToString(counter.h.Sum(nil))
	info.Modified = time.Now().UTC()
	if err := c.writeMeta(ctx, info); err != nil {
		return api.NodeInfo{}, err
	}
	return info, nil
}

// Upload creates a new file with content under the given parent.
func (c *Client) Upload(ctx context.Context, name, parentID string, body io.Reader) (api.NodeInfo, error) {
	info, err := c.CreateFile(ctx, name, parentID)
	if err != nil {
		return api.NodeInfo{}, err
	}
	return c.putContent(ctx, info, body)
}

// CreateFolder creates an empty folder under a parent. A sibling of
// the same name reports a conflict.
func (c *Client) CreateFolder(ctx context.Context, name, parentID string) (api.NodeInfo, error) {
	return c.createNode(ctx, api.KindFolder, name, parentID)
}

// CreateFile creates an empty file under a parent. A sibling of the
// same name reports a conflict.
func (c *Client) CreateFile(ctx context.Context, name, parentID string) (api.NodeInfo, error) {
	info, err := c.createNode(ctx, api.KindFile, name, parentID)
	if err != nil {
		return api.NodeInfo{}, err
	}

	// Empty content object so ranged reads of the fresh file resolve.
	_, err = c.s3.PutObject(ctx, &awss3.PutObjectInput{
		Bucket:        aws.String(c.bucket),
		Key:           aws.String(c.contentKey(info.ID)),
		Body:          bytes.NewReader(nil),
		ContentLength: aws.Int64(0),
	})
	if err != nil {
		return api.NodeInfo{}, translate(err)
	}
	return info, nil
}

func (c *Client) createNode(ctx context.Context, kind api.NodeKind, name, parentID string) (api.NodeInfo, error) {
	taken, err := c.nameTaken(ctx, name, parentID)
	if err != nil {
		return api.NodeInfo{}, err
	}
	if taken {
		return api.NodeInfo{}, &api.RequestError{
			StatusCode: api.StatusConflict,
			Message:    fmt.Sprintf("name %q already exists under %s", name, parentID),
		}
	}

	now := time.Now().UTC()
	info := api.NodeInfo{
		ID:       newID(),
		Kind:     kind,
		Name:     name,
		Created:  now,
		Modified: now,
		Status:   api.StatusAvailable,
		Parents:  []string{parentID},
	}
	if kind == api.KindFile {
		info.MD5 = hex.EncodeToString(md5.New().Sum(nil))
	}
	if err := c.writeMeta(ctx, info); err != nil {
		return api.NodeInfo{}, err
	}
	return info, nil
}

// nameTaken scans both kinds for an available sibling with the name.
func (c *Client) nameTaken(ctx context.Context, name, parentID string) (bool, error) {
	for _, kind := range []api.NodeKind{api.KindFolder, api.KindFile} {
		infos, err := c.listKind(ctx, kind, api.StatusAvailable)
		if err != nil {
			return false, err
		}
		for _, info := range infos {
			if info.Name != name {
				continue
			}
			for _, parent := range info.Parents {
				if parent == parentID {
					return true, nil
				}
			}
		}
	}
	return false, nil
}

// ClearContent truncates a file's content to zero bytes.
func (c *Client) ClearContent(ctx context.Context, nodeID string) (api.NodeInfo, error) {
	info, err := c.readMeta(ctx, api.KindFile, nodeID)
	if err != nil {
		return api.NodeInfo{}, err
	}
	return c.putContent(ctx, info, bytes.NewReader(nil))
}

// Move reparents a node.
func (c *Client) Move(ctx context.Context, nodeID, newParentID string) (api.NodeInfo, error) {
	return c.updateMeta(ctx, nodeID, func(info *api.NodeInfo) {
		info.Parents = []string{newParentID}
	})
}

// Rename changes a node's name.
func (c *Client) Rename(ctx context.Context, nodeID, newName string) (api.NodeInfo, error) {
	return c.updateMeta(ctx, nodeID, func(info *api.NodeInfo) {
		info.Name = newName
	})
}

// Trash moves a node to the trash. Content stays in place; only the
// status changes.
func (c *Client) Trash(ctx context.Context, nodeID string) (api.NodeInfo, error) {
	return c.updateMeta(ctx, nodeID, func(info *api.NodeInfo) {
		info.Status = api.StatusTrash
	})
}

// Restore brings a trashed node back.
func (c *Client) Restore(ctx context.Context, nodeID string) (api.NodeInfo, error) {
	return c.updateMeta(ctx, nodeID, func(info *api.NodeInfo) {
		info.Status = api.StatusAvailable
	})
}

func (c *Client) updateMeta(ctx context.Context, nodeID string, mutate func(*api.NodeInfo)) (api.NodeInfo, error) {
	info, err := c.findMeta(ctx, nodeID)
	if err != nil {
		return api.NodeInfo{}, err
	}
	mutate(&info)
	info.Modified = time.Now().UTC()
	if err := c.writeMeta(ctx, info); err != nil {
		return api.NodeInfo{}, err
	}
	return info, nil
}

// Quota reports the configured nominal capacity.
func (c *Client) Quota(ctx context.Context) (int64, error) {
	return c.quota, nil
}

// hashingReader counts and hashes the bytes flowing through it.
type hashingReader struct {
	r io.Reader
	h hash.Hash
	n int64
}

func (hr *hashingReader) Read(p []byte) (int, error) {
	n, err := hr.r.Read(p)
	if n > 0 {
		hr.h.Write(p[:n])
		hr.n += int64(n)
	}
	return n, err
}

func newID() string {
	var buf [16]byte
	if _, err := rand.Read(buf[:]); err != nil {
		// math/rand quality is unacceptable for ids; crypto/rand
		// failing means the system is broken anyway.
		panic(fmt.Sprintf("s3: reading random id bytes: %v", err))
	}
	return hex.EncodeToString(buf[:])
}
