/*
Package user contains the identity of a chat participant as seen by the realtime core.

Identities are produced by token verification and are never created or persisted by the core itself.
*/
package user

// Identity represents an authenticated chat participant.
type Identity struct {
	// ID is the stable identifier of the user.
	ID string `json:"id"`

	// Username is the display name shown to other participants.
	Username string `json:"username"`

	// Avatar is the URL of the user's avatar, empty when unset.
	Avatar string `json:"avatar,omitempty"`
}

// IsZero reports whether the identity is unset.
func (i Identity) IsZero() bool {
	return i.ID == ""
}
