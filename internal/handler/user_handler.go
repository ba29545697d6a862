package handler

import (
	"context"
	"errors"
	"net/http"
	"time"

	"chatrelay/internal/app/storage"
	"chatrelay/internal/pkg/errs"
	"chatrelay/internal/pkg/logx"
	"chatrelay/internal/pkg/req"
	"chatrelay/internal/pkg/resp"
)

// HandleGetUserProfile returns the authenticated user's profile.
func HandleGetUserProfile(deps *AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		payload, ok := requireIdentity(w, r)
		if !ok {
			return
		}

		account, err := deps.Directory.UserByID(r.Context(), payload.ID)
		if err != nil {
			if errs.Is(err, errs.ErrUserNotFound) {
				logx.Warn("get_user_profile: user not found", "id", payload.ID)
				resp.RespondError(w, r, errs.NewError(errs.ErrUnauthorized))
				return
			}
			resp.RespondErr(w, r, err)
			return
		}

		resp.RespondSuccess(w, r, map[string]any{
			"user":     deps.Identity(r.Context(), account),
			"isOnline": deps.Manager.Presence.IsOnline(account.ID),
		})
	}
}

type PresignAvatarInput struct {
	MimeType string `json:"mimeType" validate:"required"`
	FileSize int64  `json:"fileSize" validate:"required,gt=0"`
}

// HandlePresignAvatarURL returns a presigned URL the client uploads its new avatar to.
func HandlePresignAvatarURL(deps *AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		payload, ok := requireIdentity(w, r)
		if !ok {
			return
		}

		if deps.Avatars == nil {
			resp.RespondError(w, r, errs.NewError(errs.ErrStorageDisabled))
			return
		}

		var input PresignAvatarInput
		if customErr := req.BindJSON(r, &input); customErr != nil {
			resp.RespondError(w, r, customErr)
			return
		}

		if customErr := storage.ValidateUpload(input.FileSize); customErr != nil {
			resp.RespondError(w, r, customErr)
			return
		}

		key, customErr := storage.AvatarKey(payload.ID, input.MimeType)
		if customErr != nil {
			resp.RespondError(w, r, customErr)
			return
		}

		url, err := deps.Avatars.PresignUpload(r.Context(), key, input.MimeType, input.FileSize, storage.UploadURLExpiration)
		if err != nil {
			resp.RespondError(w, r, errs.NewError(errs.ErrFileStorageFailed))
			return
		}

		resp.RespondSuccess(w, r, map[string]any{
			"uploadUrl": url,
			"key":       key,
			"expiresIn": int(storage.UploadURLExpiration.Seconds()),
		})
	}
}

type UpdateAvatarInput struct {
	Key string `json:"key" validate:"required"`
}

// HandleUpdateAvatar records an uploaded avatar on the profile and returns a refreshed token.
func HandleUpdateAvatar(deps *AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		payload, ok := requireIdentity(w, r)
		if !ok {
			return
		}

		if deps.Avatars == nil {
			resp.RespondError(w, r, errs.NewError(errs.ErrStorageDisabled))
			return
		}

		var input UpdateAvatarInput
		if customErr := req.BindJSON(r, &input); customErr != nil {
			resp.RespondError(w, r, customErr)
			return
		}

		if !storage.OwnsKey(payload.ID, input.Key) {
			resp.RespondError(w, r, errs.NewError(errs.ErrInvalidParams))
			return
		}

		info, err := deps.Avatars.Stat(r.Context(), input.Key)
		if err != nil {
			if errors.Is(err, storage.ErrObjectNotFound) {
				resp.RespondError(w, r, errs.NewError(errs.ErrInvalidParams))
				return
			}
			resp.RespondError(w, r, errs.NewError(errs.ErrFileStorageFailed))
			return
		}
		if customErr := storage.ValidateUpload(info.ContentLength); customErr != nil {
			resp.RespondError(w, r, customErr)
			return
		}

		oldKey, err := deps.Directory.SetAvatar(r.Context(), payload.ID, input.Key)
		if err != nil {
			resp.RespondErr(w, r, err)
			return
		}

		if oldKey != "" && oldKey != input.Key {
			go func(k string) {
				ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				if err := deps.Avatars.Delete(ctx, k); err != nil {
					logx.Warn("update_avatar: failed to delete previous avatar", "key", k)
				}
			}(oldKey)
		}

		account, err := deps.Directory.UserByID(r.Context(), payload.ID)
		if err != nil {
			resp.RespondErr(w, r, err)
			return
		}

		token, identity, err := deps.IssueToken(r.Context(), account)
		if err != nil {
			logx.Error(err, "update_avatar: token generation failed")
			resp.RespondError(w, r, errs.NewError(errs.ErrUnknown))
			return
		}

		resp.RespondSuccess(w, r, map[string]any{
			"token": token,
			"user":  identity,
		})
	}
}
