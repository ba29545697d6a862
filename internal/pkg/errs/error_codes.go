/*
Package errs provides custom error types and application-level error code constants.

These error codes identify specific business or system errors both inside the server
and on the wire, where the realtime protocol carries the code's Reason string.
*/
package errs

// 1xxx: General Request Handling Errors
const (
	// ErrInvalidParams indicates that request parameter validation failed.
	ErrInvalidParams = 1001

	// ErrUnsupportedMediaType indicates that the request header Content-Type is not supported.
	ErrUnsupportedMediaType = 1002

	// ErrInvalidJSONFormat indicates that the request body JSON format is incorrect.
	ErrInvalidJSONFormat = 1003

	// ErrExtraContentInBody indicates that the request body contained extra content after valid JSON data.
	ErrExtraContentInBody = 1004

	// ErrRateLimitExceeded indicates that the request rate has exceeded the set limit.
	ErrRateLimitExceeded = 1007
)

// 2xxx: Conversation and Content Errors
const (
	// ErrConversationNotFound indicates that the conversation does not exist.
	ErrConversationNotFound = 2103

	// ErrConversationExists indicates that a direct conversation between the two users already exists.
	ErrConversationExists = 2105

	// ErrMessageContentTooLong indicates that the message content exceeded the maximum length limit.
	ErrMessageContentTooLong = 2201

	// ErrMessageEmpty indicates that a message carried neither text nor a usable target.
	ErrMessageEmpty = 2202

	// ErrMessageNoTarget indicates that a message named neither a conversation nor a recipient.
	ErrMessageNoTarget = 2203

	// ErrMessageNotFound indicates that the referenced message does not exist.
	ErrMessageNotFound = 2204

	// ErrFileSizeTooLarge indicates that an uploaded file exceeds the size limit.
	ErrFileSizeTooLarge = 2301
)

// 3xxx: User, Session, and Security Errors
const (
	// ErrPowChallengeRequired indicates the client must complete a Proof-of-Work challenge first.
	ErrPowChallengeRequired = 3001

	// ErrPowChallengeInvalid indicates that the PoW proof provided by the client is invalid.
	ErrPowChallengeInvalid = 3002

	// ErrAlreadyLoggedIn is returned by register/login when a valid identity token is already present.
	ErrAlreadyLoggedIn = 3005

	// ErrInvalidUsername indicates that the username does not match the allowed pattern.
	ErrInvalidUsername = 3006

	// ErrInvalidPassword indicates that the password length is out of bounds.
	ErrInvalidPassword = 3007

	// ErrUserAlreadyExists indicates that the username is taken.
	ErrUserAlreadyExists = 3008

	// ErrInvalidCredentials indicates a failed login.
	ErrInvalidCredentials = 3009

	// ErrUserNotFound indicates that the referenced user does not exist.
	ErrUserNotFound = 3010

	// ErrUnauthorized indicates that the HTTP request lacks a valid identity.
	ErrUnauthorized = 3011

	// ErrWeakPassword indicates that the password is too easy to guess.
	ErrWeakPassword = 3012
)

// 4xxx: Realtime Delivery Errors
const (
	// ErrAuthInvalidToken indicates that the socket credential failed verification.
	ErrAuthInvalidToken = 4001

	// ErrAuthExpiredToken indicates that the socket credential is past its expiry.
	ErrAuthExpiredToken = 4002

	// ErrAuthMissingToken indicates that the auth event carried no token.
	ErrAuthMissingToken = 4003

	// ErrAuthRequired indicates that an event other than auth arrived before authentication.
	ErrAuthRequired = 4004

	// ErrNotAuthorized indicates that the user may not access the conversation.
	ErrNotAuthorized = 4010

	// ErrTransport indicates that pushing a frame to a connection failed.
	ErrTransport = 4020

	// ErrNotConnected indicates that the target has no live connection.
	ErrNotConnected = 4021

	// ErrMalformedEvent indicates that an inbound frame could not be decoded.
	ErrMalformedEvent = 4030

	// ErrTimeout indicates that authentication or a handshake exceeded its bound.
	ErrTimeout = 4040

	// ErrPersistFailed indicates that the durable store rejected the message.
	ErrPersistFailed = 4050
)

// 5xxx: Internal System Errors
const (
	// ErrUnknown represents an unclassified, general server internal error.
	ErrUnknown = 5000

	// ErrFileStorageFailed indicates that the object store could not produce a URL.
	ErrFileStorageFailed = 5001

	// ErrStorageDisabled indicates that object storage is not configured.
	ErrStorageDisabled = 5002
)
