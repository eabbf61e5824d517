package blob

import (
	"bytes"
	"context"
	"io"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	smithy "github.com/aws/smithy-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeS3 keeps objects in a map and returns the same error shapes the
// real service does for missing keys.
type fakeS3 struct {
	objects map[string][]byte
}

func newFakeS3() *fakeS3 {
	return &fakeS3{objects: make(map[string][]byte)}
}

func (f *fakeS3) PutObject(_ context.Context, params *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	data, err := io.ReadAll(params.Body)
	if err != nil {
		return nil, err
	}
	f.objects[aws.ToString(params.Key)] = data
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeS3) GetObject(_ context.Context, params *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	data, ok := f.objects[aws.ToString(params.Key)]
	if !ok {
		return nil, &types.NoSuchKey{}
	}
	return &s3.GetObjectOutput{
		Body:          io.NopCloser(bytes.NewReader(data)),
		ContentLength: aws.Int64(int64(len(data))),
	}, nil
}

func (f *fakeS3) HeadObject(_ context.Context, params *s3.HeadObjectInput, _ ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
	data, ok := f.objects[aws.ToString(params.Key)]
	if !ok {
		return nil, &smithy.GenericAPIError{Code: "NotFound", Message: "Not Found"}
	}
	return &s3.HeadObjectOutput{ContentLength: aws.Int64(int64(len(data)))}, nil
}

func (f *fakeS3) DeleteObject(_ context.Context, params *s3.DeleteObjectInput, _ ...func(*s3.Options)) (*s3.DeleteObjectOutput, error) {
	delete(f.objects, aws.ToString(params.Key))
	return &s3.DeleteObjectOutput{}, nil
}

func newTestStore() (*S3Store, *fakeS3) {
	fake := newFakeS3()
	return &S3Store{client: fake, bucket: "fuel-test"}, fake
}

func TestS3Store_RoundTrip(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore()

	payload := []byte(`{"type":"user","uuid":"u1"}` + "\n")
	err := store.Put(ctx, "transcripts/github.com/acme/api/s1/raw.jsonl", bytes.NewReader(payload), int64(len(payload)))
	require.NoError(t, err)

	size, err := store.Head(ctx, "transcripts/github.com/acme/api/s1/raw.jsonl")
	require.NoError(t, err)
	assert.Equal(t, int64(len(payload)), size)

	rc, err := store.Get(ctx, "transcripts/github.com/acme/api/s1/raw.jsonl")
	require.NoError(t, err)
	defer rc.Close()
	got, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, payload, got)

	require.NoError(t, store.Delete(ctx, "transcripts/github.com/acme/api/s1/raw.jsonl"))
	_, err = store.Head(ctx, "transcripts/github.com/acme/api/s1/raw.jsonl")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestS3Store_NotFound(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore()

	_, err := store.Get(ctx, "transcripts/missing")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = store.Head(ctx, "transcripts/missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestS3Store_PutWithoutLength(t *testing.T) {
	ctx := context.Background()
	store, fake := newTestStore()

	err := store.Put(ctx, "k", bytes.NewReader([]byte("abc")), -1)
	require.NoError(t, err)
	assert.Equal(t, []byte("abc"), fake.objects["k"])
}

func TestKeys(t *testing.T) {
	assert.Equal(t,
		"transcripts/github.com/acme/api/sess-1/raw.jsonl",
		TranscriptKey("github.com/acme/api", "sess-1"))
	assert.Equal(t,
		"transcripts/_unassociated/sess-2/raw.jsonl",
		TranscriptKey("_unassociated", "sess-2"))
	assert.Equal(t,
		"tool-results/sess-1/block-9.txt",
		ToolResultKey("sess-1", "block-9"))
}
