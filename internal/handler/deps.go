package handler

import (
	"context"
	"net/http"

	"chatrelay/internal/app/chat"
	"chatrelay/internal/app/directory"
	"chatrelay/internal/app/storage"
	"chatrelay/internal/app/user"
	"chatrelay/internal/configs"
	"chatrelay/internal/pkg/auth/jwt"
	"chatrelay/internal/pkg/errs"
	"chatrelay/internal/pkg/logx"
	"chatrelay/internal/pkg/pow"
	"chatrelay/internal/pkg/resp"
)

// AppDeps carries everything the HTTP layer needs.
type AppDeps struct {
	Manager   *chat.Manager
	Config    *configs.AppConfig
	Directory directory.Directory
	PoW       *pow.PoWManager

	// Avatars is nil when object storage is not configured.
	Avatars storage.AvatarStore
}

// requireIdentity returns the caller's token payload or writes ErrUnauthorized.
func requireIdentity(w http.ResponseWriter, r *http.Request) (*jwt.Payload, bool) {
	payload := jwt.GetPayloadFromContext(r)
	if payload == nil {
		resp.RespondError(w, r, errs.NewError(errs.ErrUnauthorized))
		return nil, false
	}
	return payload, true
}

// AvatarURL resolves a stored avatar key to a presigned download URL. It returns
// an empty string when storage is disabled or signing fails.
func (d *AppDeps) AvatarURL(ctx context.Context, key string) string {
	if key == "" || d.Avatars == nil {
		return ""
	}

	url, err := d.Avatars.PresignDownload(ctx, key, storage.DownloadURLExpiration)
	if err != nil {
		logx.Warn("Failed to presign avatar URL", "key", key, "error", err.Error())
		return ""
	}
	return url
}

// Identity renders an account as a public identity with its avatar URL resolved.
func (d *AppDeps) Identity(ctx context.Context, account directory.Account) user.Identity {
	identity := account.Identity()
	identity.Avatar = d.AvatarURL(ctx, account.AvatarKey)
	return identity
}

// IssueToken signs a session token for account.
func (d *AppDeps) IssueToken(ctx context.Context, account directory.Account) (string, user.Identity, error) {
	identity := d.Identity(ctx, account)

	token, err := jwt.GenerateToken(&jwt.Payload{
		ID:       identity.ID,
		Username: identity.Username,
		Avatar:   identity.Avatar,
	}, d.Config.JWTSecret, jwt.UserIdentityExpiration)

	return token, identity, err
}
