package storage

import (
	"bytes"
	"context"
	"io"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalObjectStore(t *testing.T) {
	ctx := context.Background()
	store, err := NewLocalObjectStore(t.TempDir())
	require.NoError(t, err)

	key := StatementJSONKey("t1", "s1")
	require.NoError(t, store.Put(ctx, key, []byte(`{"statement_items":[]}`), "application/json"))
	require.NoError(t, store.Put(ctx, key, []byte(`{"statement_items":[{}]}`), "application/json"))

	data, err := store.Get(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, `{"statement_items":[{}]}`, string(data))

	_, err = store.Get(ctx, "t1/statements/missing.json")
	assert.ErrorIs(t, err, ErrNotFound)

	assert.Error(t, store.Put(ctx, "../escape.txt", []byte("x"), ""))
}

// fakeS3 keeps objects in a map and answers like the real client.
type fakeS3 struct {
	objects map[string][]byte
	types   map[string]string
}

func newFakeS3() *fakeS3 {
	return &fakeS3{objects: map[string][]byte{}, types: map[string]string{}}
}

func (f *fakeS3) PutObject(ctx context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	body, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	key := aws.ToString(in.Bucket) + "/" + aws.ToString(in.Key)
	f.objects[key] = body
	f.types[key] = aws.ToString(in.ContentType)
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeS3) GetObject(ctx context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	body, ok := f.objects[aws.ToString(in.Bucket)+"/"+aws.ToString(in.Key)]
	if !ok {
		return nil, &s3types.NoSuchKey{Message: aws.String("missing")}
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(body))}, nil
}

func TestS3ObjectStore(t *testing.T) {
	ctx := context.Background()
	client := newFakeS3()
	store, err := NewS3ObjectStore(client, "statements")
	require.NoError(t, err)
	assert.Equal(t, "statements", store.Bucket())

	key := StatementPDFKey("t1", "s1")
	require.NoError(t, store.Put(ctx, key, []byte("%PDF-1.7"), "application/pdf"))
	assert.Equal(t, "application/pdf", client.types["statements/"+key])

	data, err := store.Get(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, "%PDF-1.7", string(data))

	_, err = store.Get(ctx, "t1/statements/other.pdf")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = NewS3ObjectStore(client, "")
	assert.Error(t, err)
}

func TestMemoryObjectStore_Keys(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryObjectStore()
	require.NoError(t, store.Put(ctx, LedgerCacheKey("t1", "payments"), []byte("[]"), ""))
	require.NoError(t, store.Put(ctx, LedgerCacheKey("t1", "invoices"), []byte("[]"), ""))
	require.NoError(t, store.Put(ctx, LedgerCacheKey("t2", "invoices"), []byte("[]"), ""))

	assert.Equal(t, []string{"t1/ledger/invoices.json", "t1/ledger/payments.json"}, store.Keys("t1/"))
}
