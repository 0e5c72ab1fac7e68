package s3

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"

	awss3 "github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"

	"github.com/forest-ops/snapshot-pipeline/internal/ports/outbound"
)

type fakeS3 struct {
	putInputs []*awss3.PutObjectInput
	putErr    error
	headOut   *awss3.HeadObjectOutput
	headErr   error
}

func (f *fakeS3) PutObject(ctx context.Context, params *awss3.PutObjectInput, optFns ...func(*awss3.Options)) (*awss3.PutObjectOutput, error) {
	f.putInputs = append(f.putInputs, params)
	if f.putErr != nil {
		return nil, f.putErr
	}
	return &awss3.PutObjectOutput{}, nil
}

func (f *fakeS3) HeadObject(ctx context.Context, params *awss3.HeadObjectInput, optFns ...func(*awss3.Options)) (*awss3.HeadObjectOutput, error) {
	if f.headErr != nil {
		return nil, f.headErr
	}
	return f.headOut, nil
}

func newTestStore(client *fakeS3) *Store {
	return &Store{client: client, logger: slog.Default()}
}

func TestPutRecordsChecksumMetadata(t *testing.T) {
	client := &fakeS3{}
	store := newTestStore(client)

	err := store.Put(context.Background(), "bucket", "chain/lite/file", strings.NewReader("data"), 4, "abc123")
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	if len(client.putInputs) != 1 {
		t.Fatalf("put calls = %d, want 1", len(client.putInputs))
	}
	input := client.putInputs[0]
	if got := input.Metadata[checksumMetadataKey]; got != "abc123" {
		t.Errorf("checksum metadata = %q, want abc123", got)
	}
	if *input.ContentLength != 4 {
		t.Errorf("content length = %d, want 4", *input.ContentLength)
	}
	body, _ := io.ReadAll(input.Body)
	if string(body) != "data" {
		t.Errorf("body = %q, want data", body)
	}
}

func TestHeadChecksumReturnsMetadata(t *testing.T) {
	client := &fakeS3{headOut: &awss3.HeadObjectOutput{
		Metadata: map[string]string{checksumMetadataKey: "abc123"},
	}}
	store := newTestStore(client)

	sum, err := store.HeadChecksum(context.Background(), "bucket", "key")
	if err != nil {
		t.Fatalf("HeadChecksum: %v", err)
	}
	if sum != "abc123" {
		t.Errorf("checksum = %q, want abc123", sum)
	}
}

func TestHeadChecksumMapsMissingObject(t *testing.T) {
	cases := []struct {
		name string
		err  error
	}{
		{"typed not found", &types.NotFound{}},
		{"no such key", &types.NoSuchKey{}},
		{"bare 404", &smithy.GenericAPIError{Code: "NotFound"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			store := newTestStore(&fakeS3{headErr: tc.err})
			_, err := store.HeadChecksum(context.Background(), "bucket", "key")
			if !errors.Is(err, outbound.ErrObjectNotFound) {
				t.Fatalf("err = %v, want ErrObjectNotFound", err)
			}
		})
	}
}

func TestHeadChecksumPassesThroughOtherErrors(t *testing.T) {
	store := newTestStore(&fakeS3{headErr: errors.New("connection reset")})
	_, err := store.HeadChecksum(context.Background(), "bucket", "key")
	if err == nil || errors.Is(err, outbound.ErrObjectNotFound) {
		t.Fatalf("err = %v, want transport error", err)
	}
}
