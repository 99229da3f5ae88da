package s3

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"
)

type stubAPI struct {
	putInput    *s3.PutObjectInput
	putBody     string
	deleteInput *s3.DeleteObjectInput
	deleteErr   error
	headErr     error
}

func (s *stubAPI) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	s.putInput = in
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	s.putBody = string(data)
	return &s3.PutObjectOutput{}, nil
}

func (s *stubAPI) DeleteObject(_ context.Context, in *s3.DeleteObjectInput, _ ...func(*s3.Options)) (*s3.DeleteObjectOutput, error) {
	s.deleteInput = in
	return &s3.DeleteObjectOutput{}, s.deleteErr
}

func (s *stubAPI) HeadBucket(context.Context, *s3.HeadBucketInput, ...func(*s3.Options)) (*s3.HeadBucketOutput, error) {
	return &s3.HeadBucketOutput{}, s.headErr
}

func TestPutSetsObjectFields(t *testing.T) {
	t.Parallel()

	api := &stubAPI{}
	client := &Client{api: api, bucket: "media"}

	if err := client.Put(context.Background(), "invitation/events/a.jpg", "image/jpeg", strings.NewReader("data"), 4); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if aws.ToString(api.putInput.Bucket) != "media" || aws.ToString(api.putInput.Key) != "invitation/events/a.jpg" {
		t.Fatalf("unexpected target %+v", api.putInput)
	}
	if aws.ToString(api.putInput.ContentType) != "image/jpeg" {
		t.Fatalf("unexpected content type %q", aws.ToString(api.putInput.ContentType))
	}
	if aws.ToInt64(api.putInput.ContentLength) != 4 || api.putBody != "data" {
		t.Fatalf("unexpected body length=%d body=%q", aws.ToInt64(api.putInput.ContentLength), api.putBody)
	}
}

func TestDeleteTreatsMissingKeyAsSuccess(t *testing.T) {
	t.Parallel()

	api := &stubAPI{deleteErr: &smithy.GenericAPIError{Code: "NoSuchKey", Message: "gone"}}
	client := &Client{api: api, bucket: "media"}
	if err := client.Delete(context.Background(), "k"); err != nil {
		t.Fatalf("expected missing key to be ignored, got %v", err)
	}

	api.deleteErr = &smithy.GenericAPIError{Code: "AccessDenied", Message: "nope"}
	if err := client.Delete(context.Background(), "k"); err == nil {
		t.Fatalf("expected access denied to surface")
	}
}

func TestPing(t *testing.T) {
	t.Parallel()

	var nilClient *Client
	if err := nilClient.Ping(context.Background()); err == nil {
		t.Fatalf("expected error for nil client")
	}

	api := &stubAPI{headErr: errors.New("no bucket")}
	client := &Client{api: api, bucket: "media"}
	if err := client.Ping(context.Background()); err == nil {
		t.Fatalf("expected head bucket error")
	}
	api.headErr = nil
	if err := client.Ping(context.Background()); err != nil {
		t.Fatalf("unexpected ping error: %v", err)
	}
}
