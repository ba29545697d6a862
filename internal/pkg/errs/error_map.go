/*
Package errs provides custom error types and application-level error code constants.

This file defines the map from error codes to the CustomError struct, used to standardize
HTTP responses, socket acknowledgments and internal error handling.
*/
package errs

import "net/http"

// errorMap stores the CustomError template for every application error code.
var errorMap = map[int]CustomError{
	// 1xxx: General Request Handling Errors
	ErrInvalidParams:        {Code: ErrInvalidParams, Reason: "InvalidParams", Message: "Invalid request parameters."},
	ErrUnsupportedMediaType: {Code: ErrUnsupportedMediaType, Reason: "UnsupportedMediaType", Message: "Unsupported request format."},
	ErrInvalidJSONFormat:    {Code: ErrInvalidJSONFormat, Reason: "InvalidJSON", Message: "Unsupported request format."},
	ErrExtraContentInBody:   {Code: ErrExtraContentInBody, Reason: "ExtraContent", Message: "Request contains unexpected data."},
	ErrRateLimitExceeded:    {Code: ErrRateLimitExceeded, Reason: "RateLimited", Message: "Too many requests. Please try again later.", Status: http.StatusTooManyRequests},

	// 2xxx: Conversation and Content Errors
	ErrConversationNotFound:  {Code: ErrConversationNotFound, Reason: "ConversationNotFound", Message: "Conversation not found.", Status: http.StatusNotFound},
	ErrConversationExists:    {Code: ErrConversationExists, Reason: "ConversationExists", Message: "Conversation already exists."},
	ErrMessageContentTooLong: {Code: ErrMessageContentTooLong, Reason: "MessageTooLong", Message: "Message is too long (max %d bytes)."},
	ErrMessageEmpty:          {Code: ErrMessageEmpty, Reason: "MessageEmpty", Message: "Message is empty."},
	ErrMessageNoTarget:       {Code: ErrMessageNoTarget, Reason: "MessageNoTarget", Message: "Message needs a conversation or a recipient."},
	ErrMessageNotFound:       {Code: ErrMessageNotFound, Reason: "MessageNotFound", Message: "Message not found.", Status: http.StatusNotFound},
	ErrFileSizeTooLarge:      {Code: ErrFileSizeTooLarge, Reason: "FileTooLarge", Message: "File is too large."},

	// 3xxx: User, Session, and Security Errors
	ErrPowChallengeRequired: {Code: ErrPowChallengeRequired, Reason: "PowRequired", Message: "Verification required. Please try again."},
	ErrPowChallengeInvalid:  {Code: ErrPowChallengeInvalid, Reason: "PowInvalid", Message: "Verification failed. Please try again."},
	ErrAlreadyLoggedIn:      {Code: ErrAlreadyLoggedIn, Reason: "AlreadyLoggedIn", Message: "You are already signed in."},
	ErrInvalidUsername:      {Code: ErrInvalidUsername, Reason: "InvalidUsername", Message: "Invalid username."},
	ErrInvalidPassword:      {Code: ErrInvalidPassword, Reason: "InvalidPassword", Message: "Invalid password."},
	ErrWeakPassword:         {Code: ErrWeakPassword, Reason: "WeakPassword", Message: "Password is too easy to guess."},
	ErrUserAlreadyExists:    {Code: ErrUserAlreadyExists, Reason: "UserExists", Message: "Username is already taken."},
	ErrInvalidCredentials:   {Code: ErrInvalidCredentials, Reason: "InvalidCredentials", Message: "Incorrect username or password."},
	ErrUserNotFound:         {Code: ErrUserNotFound, Reason: "UserNotFound", Message: "Account not found."},
	ErrUnauthorized:         {Code: ErrUnauthorized, Reason: "Unauthorized", Message: "Please sign in to continue.", Status: http.StatusUnauthorized},

	// 4xxx: Realtime Delivery Errors
	ErrAuthInvalidToken: {Code: ErrAuthInvalidToken, Reason: "InvalidToken", Message: "Authentication token is invalid."},
	ErrAuthExpiredToken: {Code: ErrAuthExpiredToken, Reason: "ExpiredToken", Message: "Authentication token has expired."},
	ErrAuthMissingToken: {Code: ErrAuthMissingToken, Reason: "MissingToken", Message: "Authentication token is missing."},
	ErrAuthRequired:     {Code: ErrAuthRequired, Reason: "AuthRequired", Message: "Authenticate before sending events."},
	ErrNotAuthorized:    {Code: ErrNotAuthorized, Reason: "NotAuthorized", Message: "You are not a member of this conversation."},
	ErrTransport:        {Code: ErrTransport, Reason: "TransportError", Message: "Delivery to the connection failed."},
	ErrNotConnected:     {Code: ErrNotConnected, Reason: "NotConnected", Message: "Recipient is not connected."},
	ErrMalformedEvent:   {Code: ErrMalformedEvent, Reason: "MalformedEvent", Message: "Event could not be decoded."},
	ErrTimeout:          {Code: ErrTimeout, Reason: "Timeout", Message: "Operation timed out."},
	ErrPersistFailed:    {Code: ErrPersistFailed, Reason: "PersistFailed", Message: "Message could not be saved. Please retry."},

	// 5xxx: Internal System Errors
	ErrUnknown:           {Code: ErrUnknown, Reason: "Unknown", Message: "Something went wrong. Please try again.", Status: http.StatusInternalServerError},
	ErrFileStorageFailed: {Code: ErrFileStorageFailed, Reason: "StorageFailed", Message: "File upload failed. Please try again."},
	ErrStorageDisabled:   {Code: ErrStorageDisabled, Reason: "StorageDisabled", Message: "File uploads are not available.", Status: http.StatusServiceUnavailable},
}
