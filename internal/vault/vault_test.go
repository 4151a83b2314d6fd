package vault

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"hb-go/internal/hb"
)

// fakeS3 keeps objects in a map. It only supports single-part uploads,
// which is all the upload manager uses for small bodies.
type fakeS3 struct {
	mu      sync.Mutex
	objects map[string][]byte
	bucket  string
}

func newFakeS3(bucket string) *fakeS3 {
	return &fakeS3{objects: make(map[string][]byte), bucket: bucket}
}

func (f *fakeS3) PutObject(ctx context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	f.objects[aws.ToString(in.Key)] = data
	f.mu.Unlock()
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeS3) GetObject(ctx context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	f.mu.Lock()
	data, ok := f.objects[aws.ToString(in.Key)]
	f.mu.Unlock()
	if !ok {
		return nil, &types.NoSuchKey{}
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(data))}, nil
}

func (f *fakeS3) ListObjectsV2(ctx context.Context, in *s3.ListObjectsV2Input, _ ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	prefix := aws.ToString(in.Prefix)
	out := &s3.ListObjectsV2Output{}
	now := time.Now()
	for key, data := range f.objects {
		rest, ok := strings.CutPrefix(key, prefix)
		if !ok || strings.Contains(rest, "/") {
			continue
		}
		out.Contents = append(out.Contents, types.Object{
			Key:          aws.String(key),
			Size:         aws.Int64(int64(len(data))),
			LastModified: aws.Time(now),
		})
	}
	return out, nil
}

func (f *fakeS3) HeadBucket(ctx context.Context, in *s3.HeadBucketInput, _ ...func(*s3.Options)) (*s3.HeadBucketOutput, error) {
	if aws.ToString(in.Bucket) != f.bucket {
		return nil, &types.NotFound{}
	}
	return &s3.HeadBucketOutput{}, nil
}

func (f *fakeS3) UploadPart(context.Context, *s3.UploadPartInput, ...func(*s3.Options)) (*s3.UploadPartOutput, error) {
	return nil, errors.New("multipart not supported by fake")
}

func (f *fakeS3) CreateMultipartUpload(context.Context, *s3.CreateMultipartUploadInput, ...func(*s3.Options)) (*s3.CreateMultipartUploadOutput, error) {
	return nil, errors.New("multipart not supported by fake")
}

func (f *fakeS3) CompleteMultipartUpload(context.Context, *s3.CompleteMultipartUploadInput, ...func(*s3.Options)) (*s3.CompleteMultipartUploadOutput, error) {
	return nil, errors.New("multipart not supported by fake")
}

func (f *fakeS3) AbortMultipartUpload(context.Context, *s3.AbortMultipartUploadInput, ...func(*s3.Options)) (*s3.AbortMultipartUploadOutput, error) {
	return &s3.AbortMultipartUploadOutput{}, nil
}

var _ S3API = (*fakeS3)(nil)

func testVaults(t *testing.T) map[string]hb.Vault {
	t.Helper()
	fsVault, err := NewFileSystemVault("fs", t.TempDir())
	if err != nil {
		t.Fatalf("NewFileSystemVault() error = %v", err)
	}
	fake := newFakeS3("backups")
	// An object outside the prefix must not be listed.
	fake.objects["other/backup-0.zip"] = []byte("x")
	return map[string]hb.Vault{
		"memory":     NewMemoryVault("mem"),
		"filesystem": fsVault,
		"s3":         NewS3Vault("s3", "backups", "hb", fake),
	}
}

func TestVaultRoundTrip(t *testing.T) {
	ctx := context.Background()
	for name, v := range testVaults(t) {
		t.Run(name, func(t *testing.T) {
			if err := v.ValidateSetup(ctx); err != nil {
				t.Fatalf("ValidateSetup() error = %v", err)
			}

			if err := v.PutArchive(ctx, "backup-2.zip", strings.NewReader("second")); err != nil {
				t.Fatalf("PutArchive() error = %v", err)
			}
			if err := v.PutArchive(ctx, "backup-1.zip", strings.NewReader("first")); err != nil {
				t.Fatalf("PutArchive() error = %v", err)
			}
			// Overwrite replaces content.
			if err := v.PutArchive(ctx, "backup-1.zip", strings.NewReader("first, again")); err != nil {
				t.Fatalf("PutArchive() overwrite error = %v", err)
			}

			var buf bytes.Buffer
			if err := v.GetArchive(ctx, "backup-1.zip", &buf); err != nil {
				t.Fatalf("GetArchive() error = %v", err)
			}
			if buf.String() != "first, again" {
				t.Errorf("GetArchive() = %q", buf.String())
			}

			infos, err := v.ListArchives(ctx)
			if err != nil {
				t.Fatalf("ListArchives() error = %v", err)
			}
			if len(infos) != 2 {
				t.Fatalf("ListArchives() returned %d archives, want 2: %+v", len(infos), infos)
			}
			if infos[0].Name != "backup-1.zip" || infos[1].Name != "backup-2.zip" {
				t.Errorf("ListArchives() order = %s, %s", infos[0].Name, infos[1].Name)
			}
			if infos[1].Size != int64(len("second")) {
				t.Errorf("Size = %d, want %d", infos[1].Size, len("second"))
			}
		})
	}
}

func TestVaultGetMissing(t *testing.T) {
	ctx := context.Background()
	for name, v := range testVaults(t) {
		t.Run(name, func(t *testing.T) {
			err := v.GetArchive(ctx, "nope.zip", io.Discard)
			if !errors.Is(err, hb.ErrNotFound) {
				t.Errorf("GetArchive() error = %v, want ErrNotFound", err)
			}
		})
	}
}

func TestVaultRejectsBadNames(t *testing.T) {
	ctx := context.Background()
	names := []string{"", ".", "..", "../escape.zip", "a/b.zip", `a\b.zip`, ".hidden"}
	for vname, v := range testVaults(t) {
		for _, n := range names {
			if err := v.PutArchive(ctx, n, strings.NewReader("x")); err == nil {
				t.Errorf("%s: PutArchive(%q) expected error", vname, n)
			}
		}
	}
}

type brokenReader struct{}

func (brokenReader) Read([]byte) (int, error) { return 0, errors.New("pipe closed") }

func TestFileSystemVaultFailedPutLeavesNothing(t *testing.T) {
	ctx := context.Background()
	v, err := NewFileSystemVault("fs", t.TempDir())
	if err != nil {
		t.Fatal(err)
	}

	r := io.MultiReader(strings.NewReader("partial"), brokenReader{})
	if err := v.PutArchive(ctx, "backup.zip", r); err == nil {
		t.Fatal("PutArchive() expected error")
	}

	infos, err := v.ListArchives(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(infos) != 0 {
		t.Errorf("ListArchives() = %+v, want empty", infos)
	}
}

func TestS3VaultValidateSetup(t *testing.T) {
	v := NewS3Vault("s3", "missing", "", newFakeS3("backups"))
	if err := v.ValidateSetup(context.Background()); err == nil {
		t.Fatal("ValidateSetup() expected error for missing bucket")
	}
}
