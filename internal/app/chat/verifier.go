package chat

import (
	"context"
	"errors"

	"chatrelay/internal/app/user"
	"chatrelay/internal/pkg/auth/jwt"
	"chatrelay/internal/pkg/errs"
)

// JWTVerifier verifies the HS256 tokens issued by the HTTP auth endpoints.
type JWTVerifier struct {
	Secret string
}

// NewJWTVerifier returns a verifier bound to the given signing secret.
func NewJWTVerifier(secret string) *JWTVerifier {
	return &JWTVerifier{Secret: secret}
}

// Verify implements IdentityVerifier.
func (v *JWTVerifier) Verify(_ context.Context, token string) (user.Identity, error) {
	if token == "" {
		return user.Identity{}, errs.NewError(errs.ErrAuthMissingToken)
	}

	payload, err := jwt.ParseToken(token, v.Secret)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return user.Identity{}, errs.NewError(errs.ErrAuthExpiredToken)
		}
		return user.Identity{}, errs.NewError(errs.ErrAuthInvalidToken)
	}

	return user.Identity{
		ID:       payload.ID,
		Username: payload.Username,
		Avatar:   payload.Avatar,
	}, nil
}
