/*
Package storage keeps user avatars in S3-compatible object storage.

The server never handles image bytes: clients upload and download through presigned URLs,
and the server only checks the uploaded object before recording it on the profile.
*/
package storage

import (
	"context"
	"fmt"
	"path"
	"strings"
	"time"

	"chatrelay/internal/pkg/errs"
	"chatrelay/internal/pkg/randx"
)

const (
	// MaxAvatarBytes is the largest accepted avatar upload.
	MaxAvatarBytes = 2 << 20

	// UploadURLExpiration is the lifetime of a presigned upload URL.
	UploadURLExpiration = 10 * time.Minute

	// DownloadURLExpiration is the lifetime of a presigned avatar URL.
	DownloadURLExpiration = 24 * time.Hour

	avatarPrefix = "avatars"
)

var allowedAvatarTypes = map[string]string{
	"image/png":  ".png",
	"image/jpeg": ".jpg",
	"image/webp": ".webp",
	"image/gif":  ".gif",
}

// ServiceConfig holds the configuration required to connect to the storage service.
type ServiceConfig struct {
	S3BucketName      string
	S3Endpoint        string
	S3AccessKeyID     string
	S3SecretAccessKey string
}

// ObjectInfo is the metadata of a stored object.
type ObjectInfo struct {
	ContentType   string
	ContentLength int64
}

// AvatarStore defines the public interface for avatar storage.
type AvatarStore interface {
	// PresignUpload generates a pre-signed URL for uploading an avatar.
	PresignUpload(ctx context.Context, key string, mimeType string, fileSize int64, duration time.Duration) (string, error)

	// PresignDownload generates a pre-signed URL for downloading an avatar.
	PresignDownload(ctx context.Context, key string, duration time.Duration) (string, error)

	// Delete removes the object specified by the given key.
	Delete(ctx context.Context, key string) error

	// Stat retrieves the object's metadata.
	Stat(ctx context.Context, key string) (ObjectInfo, error)
}

// NewAvatarStore is the factory function for AvatarStore.
// Currently, only S3 compatible implementations are supported.
func NewAvatarStore(cfg ServiceConfig) (AvatarStore, error) {
	return newS3Client(cfg)
}

// AvatarKey builds a fresh object key for userID's avatar of the given MIME type.
func AvatarKey(userID, mimeType string) (string, *errs.CustomError) {
	ext, ok := allowedAvatarTypes[mimeType]
	if !ok {
		return "", errs.NewError(errs.ErrInvalidParams)
	}
	return path.Join(avatarPrefix, userID, randx.MessageID()+ext), nil
}

// OwnsKey reports whether key lies in userID's avatar namespace.
func OwnsKey(userID, key string) bool {
	return strings.HasPrefix(key, fmt.Sprintf("%s/%s/", avatarPrefix, userID)) && !strings.Contains(key, "..")
}

// ValidateUpload checks the declared size of an upload.
func ValidateUpload(fileSize int64) *errs.CustomError {
	if fileSize <= 0 || fileSize > MaxAvatarBytes {
		return errs.NewError(errs.ErrFileSizeTooLarge)
	}
	return nil
}
