package upload

import (
	"context"
	"fmt"
	"net/url"
	"testing"
	"time"

	"github.com/mediadub/orchestrator/internal/apierr"
	"github.com/mediadub/orchestrator/internal/artifacts"
	"github.com/mediadub/orchestrator/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeMultipartStore stands in for *artifacts.ObjectStore so tests can
// exercise Init/PresignDownload without a real S3-compatible endpoint:
// unlike a presigned PUT, CreateMultipartUpload is a real API call, not
// something the AWS SDK can sign offline.
type fakeMultipartStore struct {
	nextUploadID int
}

func (s *fakeMultipartStore) CreateMultipartUpload(ctx context.Context, bucket artifacts.Bucket, key string) (string, error) {
	s.nextUploadID++
	return fmt.Sprintf("upload-%d", s.nextUploadID), nil
}

func (s *fakeMultipartStore) PresignUploadPart(ctx context.Context, bucket artifacts.Bucket, key, uploadID string, partNumber int32, ttl time.Duration) (*url.URL, error) {
	return url.Parse(fmt.Sprintf("https://minio.local/%s?uploadId=%s&partNumber=%d", key, uploadID, partNumber))
}

func (s *fakeMultipartStore) PresignDownload(ctx context.Context, bucket artifacts.Bucket, key string, ttl time.Duration) (*url.URL, error) {
	return url.Parse("https://minio.local/" + key)
}

func TestInitRejectsOversizedUpload(t *testing.T) {
	f := &Flow{
		Assets: store.NewMemory(nil),
		Store:  &fakeMultipartStore{},
		Config: Config{MaxUploadSize: 1024},
	}
	_, err := f.Init(context.Background(), nil, 2048)
	require.Error(t, err)
	var apiErr *apierr.Error
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, 413, apiErr.Status)
}

func TestInitAllocatesAssetAndPresignsOnePartPerChunk(t *testing.T) {
	mem := store.NewMemory(nil)
	f := &Flow{
		Assets: mem,
		Store:  &fakeMultipartStore{},
		Config: Config{MaxUploadSize: 1 << 30, UploadPartSize: 8 << 20, UploadURLExpirySeconds: 3600},
	}
	result, err := f.Init(context.Background(), nil, 20<<20)
	require.NoError(t, err)
	assert.NotEmpty(t, result.AssetID)
	assert.NotEmpty(t, result.UploadID)
	assert.Equal(t, int64(8<<20), result.PartSize)
	require.Len(t, result.Parts, 3)
	for i, part := range result.Parts {
		assert.Equal(t, int32(i+1), part.PartNumber)
		assert.NotEmpty(t, part.UploadURL)
	}

	asset, err := mem.GetByExternalID(context.Background(), result.AssetID)
	require.NoError(t, err)
	assert.True(t, asset.HasRaw())
}

func TestInitPresignsExactlyOnePartWhenUploadFitsInOne(t *testing.T) {
	f := &Flow{
		Assets: store.NewMemory(nil),
		Store:  &fakeMultipartStore{},
		Config: Config{MaxUploadSize: 1 << 30, UploadPartSize: 8 << 20, UploadURLExpirySeconds: 3600},
	}
	result, err := f.Init(context.Background(), nil, 1024)
	require.NoError(t, err)
	require.Len(t, result.Parts, 1)
	assert.Equal(t, int32(1), result.Parts[0].PartNumber)
}

func TestCompleteReturns404ForUnknownAsset(t *testing.T) {
	f := &Flow{Assets: store.NewMemory(nil), Store: &fakeMultipartStore{}}
	err := f.Complete(context.Background(), "missing", nil, nil)
	require.Error(t, err)
	var apiErr *apierr.Error
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, 404, apiErr.Status)
}

func TestCompleteRejectsAssetWithoutInitializedUpload(t *testing.T) {
	mem := store.NewMemory(nil)
	asset, err := mem.Create(context.Background(), "", nil)
	require.NoError(t, err)

	f := &Flow{Assets: mem, Store: &fakeMultipartStore{}}
	err = f.Complete(context.Background(), asset.ExternalID, nil, []string{"es"})
	require.Error(t, err)
	var apiErr *apierr.Error
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, 400, apiErr.Status)
}

func TestCompleteStoresSourceAndTargetLanguages(t *testing.T) {
	mem := store.NewMemory(nil)
	f := &Flow{
		Assets: mem,
		Store:  &fakeMultipartStore{},
		Config: Config{MaxUploadSize: 1 << 30, UploadPartSize: 8 << 20, UploadURLExpirySeconds: 3600},
	}
	result, err := f.Init(context.Background(), nil, 1024)
	require.NoError(t, err)

	en := "en"
	require.NoError(t, f.Complete(context.Background(), result.AssetID, &en, []string{"es", "fr"}))

	asset, err := mem.GetByExternalID(context.Background(), result.AssetID)
	require.NoError(t, err)
	require.NotNil(t, asset.SourceLang)
	assert.Equal(t, "en", *asset.SourceLang)
	assert.Equal(t, []string{"es", "fr"}, asset.TargetLangs)
}
