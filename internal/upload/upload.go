// Package upload implements the boundary-only Upload Flow (spec §4.8):
// asset allocation and presigned-URL issuance, with no orchestrator
// logic beyond asset mutation.
package upload

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"github.com/mediadub/orchestrator/internal/apierr"
	"github.com/mediadub/orchestrator/internal/artifacts"
	"github.com/mediadub/orchestrator/internal/store"
)

// multipartStore is the subset of *artifacts.ObjectStore the upload flow
// needs, narrowed so tests can fake it without a real S3-compatible
// endpoint.
type multipartStore interface {
	CreateMultipartUpload(ctx context.Context, bucket artifacts.Bucket, key string) (string, error)
	PresignUploadPart(ctx context.Context, bucket artifacts.Bucket, key, uploadID string, partNumber int32, ttl time.Duration) (*url.URL, error)
	PresignDownload(ctx context.Context, bucket artifacts.Bucket, key string, ttl time.Duration) (*url.URL, error)
}

// Config carries the upload tunables from spec §6.
type Config struct {
	MaxUploadSize            int64
	UploadPartSize           int64
	UploadURLExpirySeconds   int
	DownloadURLExpirySeconds int
}

// Flow is the upload boundary: it allocates assets, issues presigned
// multipart upload URLs, and finalizes uploads once the client has
// pushed all parts.
type Flow struct {
	Assets store.AssetStore
	Store  multipartStore
	Config Config
}

// UploadPart is one presigned part of a multipart upload, per spec §6's
// `parts:[{partNumber, uploadUrl}]`.
type UploadPart struct {
	PartNumber int32  `json:"partNumber"`
	UploadURL  string `json:"uploadUrl"`
}

// InitResult is the response to an upload init request, matching spec
// §6's `{assetId, uploadId, partSize, parts:[{partNumber, uploadUrl}]}`.
type InitResult struct {
	AssetID   string       `json:"assetId"`
	UploadID  string       `json:"uploadId"`
	PartSize  int64        `json:"partSize"`
	Parts     []UploadPart `json:"parts"`
	ExpiresAt time.Time    `json:"expiresAt"`
}

// Init rejects oversized payloads, allocates an asset, registers its raw
// object key, starts an S3 multipart upload sized to the configured part
// size, and returns one presigned PUT URL per part.
func (f *Flow) Init(ctx context.Context, userID *string, contentLength int64) (*InitResult, error) {
	if f.Config.MaxUploadSize > 0 && contentLength > f.Config.MaxUploadSize {
		return nil, apierr.PayloadTooLarge(fmt.Sprintf("upload of %d bytes exceeds the %d byte limit", contentLength, f.Config.MaxUploadSize))
	}

	asset, err := f.Assets.Create(ctx, "", userID)
	if err != nil {
		return nil, apierr.Internal("create asset", err)
	}

	rawKey := fmt.Sprintf("%s/source", asset.ExternalID)
	if err := f.Assets.SetRawKey(ctx, asset.ID, rawKey, nil, nil); err != nil {
		return nil, apierr.Internal("register raw key", err)
	}

	uploadID, err := f.Store.CreateMultipartUpload(ctx, artifacts.BucketRaw, rawKey)
	if err != nil {
		return nil, apierr.Internal("start multipart upload", err)
	}

	partSize := f.Config.UploadPartSize
	if partSize <= 0 {
		partSize = contentLength
	}
	numParts := numPartsFor(contentLength, partSize)

	expiry := time.Duration(f.Config.UploadURLExpirySeconds) * time.Second
	parts := make([]UploadPart, 0, numParts)
	for i := int32(1); i <= int32(numParts); i++ {
		u, err := f.Store.PresignUploadPart(ctx, artifacts.BucketRaw, rawKey, uploadID, i, expiry)
		if err != nil {
			return nil, apierr.Internal(fmt.Sprintf("presign part %d", i), err)
		}
		parts = append(parts, UploadPart{PartNumber: i, UploadURL: u.String()})
	}

	return &InitResult{
		AssetID:   asset.ExternalID,
		UploadID:  uploadID,
		PartSize:  partSize,
		Parts:     parts,
		ExpiresAt: time.Now().Add(expiry),
	}, nil
}

// numPartsFor computes how many parts a contentLength splits into at
// partSize, always returning at least one part.
func numPartsFor(contentLength, partSize int64) int64 {
	if contentLength <= 0 || partSize <= 0 {
		return 1
	}
	n := contentLength / partSize
	if contentLength%partSize != 0 {
		n++
	}
	if n < 1 {
		n = 1
	}
	return n
}

// Complete finalizes an upload: the asset must exist, and its source
// language and resolved target languages are stored. Per spec §6, the
// multipart upload's own completion (assembling the parts the client
// already pushed, keyed by their ETags) is the client's responsibility
// against the S3-compatible endpoint directly; this step only records
// that the orchestrator may now treat the raw object as ready.
func (f *Flow) Complete(ctx context.Context, assetExternalID string, sourceLang *string, targetLangs []string) error {
	asset, err := f.Assets.GetByExternalID(ctx, assetExternalID)
	if err != nil {
		if err == store.ErrNotFound {
			return apierr.NotFound("asset not found")
		}
		return apierr.Internal("load asset", err)
	}

	rawKey, ok := asset.StorageKeys["raw"]
	if !ok {
		return apierr.BadRequest("upload was never initialized for this asset")
	}

	if err := f.Assets.SetRawKey(ctx, asset.ID, rawKey, sourceLang, targetLangs); err != nil {
		return apierr.Internal("finalize upload", err)
	}
	return nil
}

// PresignDownload issues a presigned GET URL for a published asset's
// master manifest or per-language audio object.
func (f *Flow) PresignDownload(ctx context.Context, key string) (string, error) {
	expiry := time.Duration(f.Config.DownloadURLExpirySeconds) * time.Second
	u, err := f.Store.PresignDownload(ctx, artifacts.BucketPublic, key, expiry)
	if err != nil {
		return "", apierr.Internal("presign download", err)
	}
	return u.String(), nil
}
