package s3remote

import (
	"bytes"
	"context"
	"crypto/md5"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
)

// fakeS3 is an in-memory bucket honoring conditional puts and paging.
type fakeS3 struct {
	mu      sync.Mutex
	objects map[string][]byte
	pageLen int32

	puts int
	// beforePut runs before each conditional put is evaluated
	beforePut func(key string)
}

func newFakeS3() *fakeS3 {
	return &fakeS3{objects: make(map[string][]byte), pageLen: 2}
}

func etagOf(data []byte) string {
	return fmt.Sprintf("\"%x\"", md5.Sum(data))
}

func (f *fakeS3) GetObject(_ context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.objects[aws.ToString(in.Key)]
	if !ok {
		return nil, &types.NoSuchKey{Message: aws.String("no such key")}
	}
	cp := append([]byte(nil), data...)
	return &s3.GetObjectOutput{
		Body:          io.NopCloser(bytes.NewReader(cp)),
		ContentLength: aws.Int64(int64(len(cp))),
		ETag:          aws.String(etagOf(cp)),
	}, nil
}

func (f *fakeS3) HeadObject(_ context.Context, in *s3.HeadObjectInput, _ ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.objects[aws.ToString(in.Key)]
	if !ok {
		return nil, &types.NotFound{Message: aws.String("not found")}
	}
	return &s3.HeadObjectOutput{ContentLength: aws.Int64(int64(len(data))), ETag: aws.String(etagOf(data))}, nil
}

func (f *fakeS3) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	key := aws.ToString(in.Key)
	if f.beforePut != nil {
		f.beforePut(key)
	}

	body, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.puts++

	current, exists := f.objects[key]
	if in.IfNoneMatch != nil && exists {
		return nil, &smithy.GenericAPIError{Code: codePreconditionFailed, Message: "exists"}
	}
	if in.IfMatch != nil && (!exists || etagOf(current) != aws.ToString(in.IfMatch)) {
		return nil, &smithy.GenericAPIError{Code: codePreconditionFailed, Message: "etag mismatch"}
	}

	f.objects[key] = body
	return &s3.PutObjectOutput{ETag: aws.String(etagOf(body))}, nil
}

func (f *fakeS3) ListObjectsV2(_ context.Context, in *s3.ListObjectsV2Input, _ ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	prefix := aws.ToString(in.Prefix)
	var keys []string
	for k := range f.objects {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	start := 0
	if tok := aws.ToString(in.ContinuationToken); tok != "" {
		for start < len(keys) && keys[start] <= tok {
			start++
		}
	}
	end := start + int(f.pageLen)
	truncated := end < len(keys)
	if !truncated {
		end = len(keys)
	}

	out := &s3.ListObjectsV2Output{IsTruncated: aws.Bool(truncated)}
	for _, k := range keys[start:end] {
		out.Contents = append(out.Contents, types.Object{Key: aws.String(k), Size: aws.Int64(int64(len(f.objects[k])))})
	}
	if truncated {
		out.NextContinuationToken = aws.String(keys[end-1])
	}
	return out, nil
}
