package s3remote

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	mapset "github.com/deckarep/golang-set/v2"
	"github.com/openmined/minisync/internal/blob"
	"github.com/openmined/minisync/internal/history"
	"github.com/openmined/minisync/internal/remote"
	"github.com/openmined/minisync/internal/utils"
)

const (
	ProviderName = "s3"

	// attempts for the optimistic read-modify-write of a history partition
	maxAppendAttempts = 5
)

// s3API is the subset of *s3.Client used by the provider.
type s3API interface {
	s3.ListObjectsV2APIClient
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
}

var _ remote.Provider = (*Provider)(nil)

// Provider stores a vault under <prefix>/vaults/<vaultId>/ in an S3 bucket.
// History partitions are rewritten with conditional puts so that concurrent
// pushers never overwrite each other.
type Provider struct {
	client  s3API
	cfg     Config
	vaultID string
	index   *blobIndex
	now     func() time.Time
}

// New builds an S3 client from cfg. Static keys are used when given;
// otherwise the default AWS credential chain (env, shared config, SSO, IMDS)
// supplies refreshing credentials.
func New(ctx context.Context, cfg Config, vaultID string) (*Provider, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	httpClient := &http.Client{
		Transport: &http.Transport{
			Proxy:                 http.ProxyFromEnvironment,
			MaxIdleConns:          64,
			MaxIdleConnsPerHost:   16,
			IdleConnTimeout:       90 * time.Second,
			TLSHandshakeTimeout:   10 * time.Second,
			ExpectContinueTimeout: 1 * time.Second,
			ForceAttemptHTTP2:     true,
		},
		Timeout: 60 * time.Second,
	}

	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Region),
		awsconfig.WithHTTPClient(httpClient),
	}
	if cfg.AccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, cfg.SessionToken),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("s3: load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})

	return newWithClient(client, cfg, vaultID)
}

func newWithClient(client s3API, cfg Config, vaultID string) (*Provider, error) {
	if vaultID == "" {
		return nil, errors.New("s3: vault id required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	index, err := newBlobIndex(cfg.IndexPath)
	if err != nil {
		return nil, err
	}
	return &Provider{
		client:  client,
		cfg:     cfg,
		vaultID: vaultID,
		index:   index,
		now:     time.Now,
	}, nil
}

func (p *Provider) Close() error {
	return p.index.Close()
}

func (p *Provider) Namespace() string {
	return remote.NamespaceKey("s3", p.cfg.Endpoint, p.cfg.Bucket, p.cfg.Prefix, p.vaultID)
}

func (p *Provider) key(parts ...string) string {
	elems := append([]string{p.cfg.Prefix, "vaults", p.vaultID}, parts...)
	return strings.TrimLeft(path.Join(elems...), "/")
}

func (p *Provider) PushHistoryEvents(ctx context.Context, events []history.ChangeEvent) error {
	if len(events) == 0 {
		return nil
	}
	if err := p.ensureMeta(ctx); err != nil {
		return err
	}

	for attempt := 1; ; attempt++ {
		err := p.appendOnce(ctx, events)
		if err == nil || !isPreconditionFailed(err) || attempt >= maxAppendAttempts {
			return classify("push", err)
		}
		slog.Debug("s3 partition changed concurrently, retrying", "attempt", attempt)
	}
}

// appendOnce reads the append partition (today's, or a newer one written by
// a device whose clock runs ahead), appends unseen events and writes it
// back conditioned on the ETag it read.
func (p *Provider) appendOnce(ctx context.Context, events []history.ChangeEvent) error {
	known, err := p.knownIDs(ctx)
	if err != nil {
		return err
	}

	var lines bytes.Buffer
	for _, e := range events {
		if known.Contains(e.ID) {
			continue
		}
		if err := e.Validate(); err != nil {
			return remote.NewError(remote.KindInvalid, "push", err)
		}
		b, err := utils.JSONMarshal(e)
		if err != nil {
			return fmt.Errorf("s3 encode %s: %w", e.ID, err)
		}
		lines.Write(b)
		lines.WriteByte('\n')
		known.Add(e.ID)
	}
	if lines.Len() == 0 {
		return nil
	}

	names, err := p.partitions(ctx)
	if err != nil {
		return err
	}
	key := p.key("history", history.AppendPartitionName(p.now(), names))
	current, etag, err := p.getWithETag(ctx, key)
	if err != nil && !errors.Is(err, remote.ErrNotFound) {
		return err
	}

	body := current
	if len(body) > 0 && body[len(body)-1] != '\n' {
		body = append(body, '\n')
	}
	body = append(body, lines.Bytes()...)

	input := &s3.PutObjectInput{
		Bucket:        aws.String(p.cfg.Bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(body),
		ContentLength: aws.Int64(int64(len(body))),
		ContentType:   aws.String("application/x-ndjson"),
	}
	if etag != "" {
		input.IfMatch = aws.String(etag)
	} else {
		input.IfNoneMatch = aws.String("*")
	}

	_, err = p.client.PutObject(ctx, input)
	return err
}

// partitions returns the history partition names, oldest first.
func (p *Provider) partitions(ctx context.Context) ([]string, error) {
	keys, err := p.list(ctx, p.key("history")+"/")
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(keys))
	for _, k := range keys {
		if name := path.Base(k.key); history.IsPartitionName(name) {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names, nil
}

func (p *Provider) PullHistoryEvents(ctx context.Context, cursor *remote.Cursor) (*remote.PullResult, error) {
	names, err := p.partitions(ctx)
	if err != nil {
		return nil, classify("pull", err)
	}

	res, err := remote.ReadPartitions(ctx, names, cursor, 0, func(ctx context.Context, name string) (io.ReadCloser, error) {
		data, _, err := p.getWithETag(ctx, p.key("history", name))
		if err != nil {
			return nil, err
		}
		return io.NopCloser(bytes.NewReader(data)), nil
	})
	if err != nil {
		return nil, classify("pull", err)
	}
	return res, nil
}

func (p *Provider) HasBlob(ctx context.Context, hash string) (bool, error) {
	if !blob.ValidHash(hash) {
		return false, remote.NewError(remote.KindInvalid, "has blob", blob.ErrInvalidHash)
	}
	if p.index.Has(hash) {
		return true, nil
	}

	out, err := p.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(p.cfg.Bucket),
		Key:    aws.String(p.key("attachments", hash)),
	})
	if err != nil {
		err = classify("has blob", err)
		if errors.Is(err, remote.ErrNotFound) {
			return false, nil
		}
		return false, err
	}

	if err := p.index.Set(hash, aws.ToInt64(out.ContentLength)); err != nil {
		slog.Warn("s3 blob index", "hash", hash, "error", err)
	}
	return true, nil
}

func (p *Provider) PutBlob(ctx context.Context, hash string, data []byte) error {
	ok, err := p.HasBlob(ctx, hash)
	if err != nil {
		return err
	}
	if ok {
		return nil
	}

	_, err = p.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(p.cfg.Bucket),
		Key:           aws.String(p.key("attachments", hash)),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
	})
	if err != nil {
		return classify("put blob", err)
	}

	if err := p.index.Set(hash, int64(len(data))); err != nil {
		slog.Warn("s3 blob index", "hash", hash, "error", err)
	}
	return nil
}

func (p *Provider) GetBlob(ctx context.Context, hash string) ([]byte, error) {
	if !blob.ValidHash(hash) {
		return nil, remote.NewError(remote.KindInvalid, "get blob", blob.ErrInvalidHash)
	}
	data, _, err := p.getWithETag(ctx, p.key("attachments", hash))
	if err != nil {
		return nil, classify("get blob", err)
	}
	return data, nil
}

func (p *Provider) ListSnapshots(ctx context.Context) ([]string, error) {
	objs, err := p.list(ctx, p.key("snapshots")+"/")
	if err != nil {
		return nil, classify("list snapshots", err)
	}

	ids := make([]string, 0, len(objs))
	for _, o := range objs {
		name := path.Base(o.key)
		if strings.HasSuffix(name, ".json") {
			ids = append(ids, strings.TrimSuffix(name, ".json"))
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func (p *Provider) PutSnapshotManifest(ctx context.Context, id string, manifest []byte) error {
	if !validID(id) {
		return remote.NewError(remote.KindInvalid, "put snapshot", fmt.Errorf("bad snapshot id %q", id))
	}
	_, err := p.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(p.cfg.Bucket),
		Key:           aws.String(p.key("snapshots", id+".json")),
		Body:          bytes.NewReader(manifest),
		ContentLength: aws.Int64(int64(len(manifest))),
		ContentType:   aws.String("application/json"),
	})
	return classify("put snapshot", err)
}

func (p *Provider) GetSnapshotManifest(ctx context.Context, id string) ([]byte, error) {
	if !validID(id) {
		return nil, remote.NewError(remote.KindInvalid, "get snapshot", fmt.Errorf("bad snapshot id %q", id))
	}
	data, _, err := p.getWithETag(ctx, p.key("snapshots", id+".json"))
	if err != nil {
		return nil, classify("get snapshot", err)
	}
	return data, nil
}

// RebuildIndex lists the attachments in the bucket and records them in the
// local blob index.
func (p *Provider) RebuildIndex(ctx context.Context) (int, error) {
	objs, err := p.list(ctx, p.key("attachments")+"/")
	if err != nil {
		return 0, classify("index", err)
	}

	now := time.Now().UTC().Format(time.RFC3339)
	entries := make([]blobEntry, 0, len(objs))
	for _, o := range objs {
		h := path.Base(o.key)
		if !blob.ValidHash(h) {
			continue
		}
		entries = append(entries, blobEntry{Hash: h, Size: o.size, IndexedAt: now})
	}
	if err := p.index.SetMany(entries); err != nil {
		return 0, err
	}
	slog.Debug("s3 blob index rebuilt", "count", len(entries))
	return len(entries), nil
}

func (p *Provider) ensureMeta(ctx context.Context) error {
	key := p.key("meta.json")
	_, err := p.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(p.cfg.Bucket),
		Key:    aws.String(key),
	})
	if err == nil {
		return nil
	}
	if err = classify("meta", err); !errors.Is(err, remote.ErrNotFound) {
		return err
	}

	meta, err := utils.JSONMarshalIndent(remote.Meta{
		Version:   remote.MetaVersion,
		Provider:  ProviderName,
		VaultID:   p.vaultID,
		CreatedAt: p.now().UTC(),
	}, "", "  ")
	if err != nil {
		return err
	}

	_, err = p.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(p.cfg.Bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(meta),
		ContentLength: aws.Int64(int64(len(meta))),
		ContentType:   aws.String("application/json"),
		IfNoneMatch:   aws.String("*"),
	})
	if err != nil && !isPreconditionFailed(err) {
		return classify("meta", err)
	}
	return nil
}

func (p *Provider) knownIDs(ctx context.Context) (mapset.Set[string], error) {
	res, err := p.PullHistoryEvents(ctx, nil)
	if err != nil {
		return nil, err
	}
	ids := mapset.NewThreadUnsafeSetWithSize[string](len(res.Events))
	for _, e := range res.Events {
		ids.Add(e.ID)
	}
	return ids, nil
}

func (p *Provider) getWithETag(ctx context.Context, key string) ([]byte, string, error) {
	out, err := p.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(p.cfg.Bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, "", classify("get", err)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, "", remote.Classify("get", err)
	}
	return data, aws.ToString(out.ETag), nil
}

type objectInfo struct {
	key  string
	size int64
}

func (p *Provider) list(ctx context.Context, prefix string) ([]objectInfo, error) {
	var objects []objectInfo

	paginator := s3.NewListObjectsV2Paginator(p.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(p.cfg.Bucket),
		Prefix: aws.String(prefix),
	})

	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		for _, obj := range page.Contents {
			objects = append(objects, objectInfo{
				key:  aws.ToString(obj.Key),
				size: aws.ToInt64(obj.Size),
			})
		}
	}
	return objects, nil
}

func validID(id string) bool {
	return id != "" && !strings.ContainsAny(id, `/\`) && id != "." && id != ".."
}
