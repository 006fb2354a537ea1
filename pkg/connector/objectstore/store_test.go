package objectstore

import (
	"bytes"
	"context"
	"io"
	"sort"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeS3 按键存储对象，列表每页最多pageSize个
type fakeS3 struct {
	mu       sync.Mutex
	objects  map[string][]byte
	pageSize int
}

func newFakeS3() *fakeS3 {
	return &fakeS3{objects: make(map[string][]byte), pageSize: 2}
}

func (f *fakeS3) PutObject(ctx context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[aws.ToString(in.Key)] = data
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeS3) GetObject(ctx context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.objects[aws.ToString(in.Key)]
	if !ok {
		return nil, &types.NoSuchKey{}
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(data))}, nil
}

func (f *fakeS3) DeleteObjects(ctx context.Context, in *s3.DeleteObjectsInput, _ ...func(*s3.Options)) (*s3.DeleteObjectsOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, obj := range in.Delete.Objects {
		delete(f.objects, aws.ToString(obj.Key))
	}
	return &s3.DeleteObjectsOutput{}, nil
}

func (f *fakeS3) ListObjectsV2(ctx context.Context, in *s3.ListObjectsV2Input, _ ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	keys := make([]string, 0)
	for k := range f.objects {
		if strings.HasPrefix(k, aws.ToString(in.Prefix)) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	start := 0
	if in.ContinuationToken != nil {
		start, _ = strconv.Atoi(*in.ContinuationToken)
	}
	end := start + f.pageSize
	if end > len(keys) {
		end = len(keys)
	}
	out := &s3.ListObjectsV2Output{IsTruncated: aws.Bool(end < len(keys))}
	for _, k := range keys[start:end] {
		out.Contents = append(out.Contents, types.Object{Key: aws.String(k)})
	}
	if end < len(keys) {
		out.NextContinuationToken = aws.String(strconv.Itoa(end))
	}
	return out, nil
}

func runStoreSuite(t *testing.T, newStore func(t *testing.T) Store) {
	ctx := context.Background()

	t.Run("写入与读取", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.Put(ctx, "dw/orders/r1/orders_c000000.csv.gz", []byte("a")))
		require.NoError(t, s.Put(ctx, "dw/orders/r1/orders_c000000.csv.gz", []byte("b")))

		data, err := s.Get(ctx, "dw/orders/r1/orders_c000000.csv.gz")
		require.NoError(t, err)
		assert.Equal(t, []byte("b"), data, "同一键覆盖写")
	})

	t.Run("不存在的对象", func(t *testing.T) {
		s := newStore(t)
		_, err := s.Get(ctx, "missing/key")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("按前缀列出与删除", func(t *testing.T) {
		s := newStore(t)
		for _, key := range []string{
			"dw/orders/r1/orders_c000001.csv.gz",
			"dw/orders/r1/orders_c000000.csv.gz",
			"dw/orders/r2/orders_c000000.csv.gz",
			"dw/users/r1/users_c000000.csv.gz",
			"dw/orders/r1/orders_c000002.csv.gz",
		} {
			require.NoError(t, s.Put(ctx, key, []byte(key)))
		}

		keys, err := s.List(ctx, "dw/orders/r1/")
		require.NoError(t, err)
		assert.Equal(t, []string{
			"dw/orders/r1/orders_c000000.csv.gz",
			"dw/orders/r1/orders_c000001.csv.gz",
			"dw/orders/r1/orders_c000002.csv.gz",
		}, keys)

		require.NoError(t, s.DeletePrefix(ctx, "dw/orders/r1/"))
		keys, err = s.List(ctx, "dw/")
		require.NoError(t, err)
		assert.Equal(t, []string{
			"dw/orders/r2/orders_c000000.csv.gz",
			"dw/users/r1/users_c000000.csv.gz",
		}, keys)

		require.NoError(t, s.DeletePrefix(ctx, "nothing/here/"))
	})
}

func TestMemoryStore(t *testing.T) {
	runStoreSuite(t, func(t *testing.T) Store { return NewMemoryStore() })
}

func TestFSStore(t *testing.T) {
	runStoreSuite(t, func(t *testing.T) Store {
		s, err := NewFSStore(t.TempDir())
		require.NoError(t, err)
		return s
	})

	t.Run("拒绝越界的键", func(t *testing.T) {
		s, err := NewFSStore(t.TempDir())
		require.NoError(t, err)
		assert.Error(t, s.Put(context.Background(), "../escape", []byte("x")))
	})
}

func TestS3Store(t *testing.T) {
	runStoreSuite(t, func(t *testing.T) Store {
		return NewS3StoreWithClient(newFakeS3(), "bucket", "staging")
	})

	t.Run("键带前缀", func(t *testing.T) {
		fake := newFakeS3()
		s := NewS3StoreWithClient(fake, "bucket", "/staging/")
		require.NoError(t, s.Put(context.Background(), "a/b", []byte("x")))
		_, ok := fake.objects["staging/a/b"]
		assert.True(t, ok)
	})
}

func TestJoinKey(t *testing.T) {
	assert.Equal(t, "a/b/c", JoinKey("/a/", "", "b", "c/"))
	assert.Equal(t, "", JoinKey())
}
