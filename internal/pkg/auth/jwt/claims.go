package jwt

import "github.com/golang-jwt/jwt"

// Payload defines the JWT claims issued by the HTTP API and presented on the socket's auth event.
type Payload struct {
	// StandardClaims carries exp, iat and iss; its Valid method enforces expiry.
	jwt.StandardClaims

	// ID is the user's stable identifier.
	ID string `json:"id"`

	// Username is the display name embedded at issue time.
	Username string `json:"username"`

	// Avatar is the avatar URL embedded at issue time.
	Avatar string `json:"avatar,omitempty"`
}
