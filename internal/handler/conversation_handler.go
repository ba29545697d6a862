package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/samber/lo"

	"chatrelay/internal/app/chat"
	"chatrelay/internal/app/directory"
	"chatrelay/internal/pkg/errs"
	"chatrelay/internal/pkg/req"
	"chatrelay/internal/pkg/resp"
	"chatrelay/internal/protocol"
)

const (
	defaultPageLimit = 20
	maxPageLimit     = 100
)

// HandleListConversations lists the caller's conversations, most recent first.
func HandleListConversations(deps *AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		payload, ok := requireIdentity(w, r)
		if !ok {
			return
		}

		convs, err := deps.Directory.ConversationsFor(r.Context(), payload.ID)
		if err != nil {
			resp.RespondErr(w, r, err)
			return
		}

		resp.RespondSuccess(w, r, map[string]any{
			"conversations": lo.Ternary(convs == nil, []directory.Conversation{}, convs),
		})
	}
}

// HandleListMessages returns one page of a conversation's messages, newest first.
func HandleListMessages(deps *AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		payload, ok := requireIdentity(w, r)
		if !ok {
			return
		}

		room := chat.RoomID(chi.URLParam(r, "id"))

		page, customErr := req.QueryInt(r, "page", 1)
		if customErr != nil {
			resp.RespondError(w, r, customErr)
			return
		}
		limit, customErr := req.QueryInt(r, "limit", defaultPageLimit)
		if customErr != nil {
			resp.RespondError(w, r, customErr)
			return
		}
		limit = min(limit, maxPageLimit)

		allowed, err := deps.Directory.CanAccess(r.Context(), payload.ID, room)
		if err != nil {
			resp.RespondErr(w, r, err)
			return
		}
		if !allowed {
			resp.RespondError(w, r, errs.NewError(errs.ErrConversationNotFound))
			return
		}

		msgs, err := deps.Directory.History(r.Context(), room, page, limit)
		if err != nil {
			resp.RespondErr(w, r, err)
			return
		}

		resp.RespondSuccess(w, r, protocol.History{
			ConversationID: string(room),
			Page:           page,
			Limit:          limit,
			Messages:       msgs,
		})
	}
}

type CreateConversationInput struct {
	ParticipantID       string `json:"participantId" validate:"required_without=ParticipantUsername"`
	ParticipantUsername string `json:"participantUsername" validate:"required_without=ParticipantID"`
}

// HandleCreateConversation opens (or returns) the direct conversation with another user.
func HandleCreateConversation(deps *AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		payload, ok := requireIdentity(w, r)
		if !ok {
			return
		}

		var input CreateConversationInput
		if customErr := req.BindJSON(r, &input); customErr != nil {
			resp.RespondError(w, r, customErr)
			return
		}

		participantID := input.ParticipantID
		if participantID == "" {
			account, err := deps.Directory.UserByUsername(r.Context(), input.ParticipantUsername)
			if err != nil {
				resp.RespondErr(w, r, err)
				return
			}
			participantID = account.ID
		}

		if participantID == payload.ID {
			resp.RespondError(w, r, errs.NewError(errs.ErrInvalidParams))
			return
		}

		conv, created, err := deps.Directory.CreateDirectConversation(r.Context(), payload.ID, participantID)
		if err != nil {
			resp.RespondErr(w, r, err)
			return
		}

		resp.RespondSuccess(w, r, map[string]any{
			"conversation": conv,
			"created":      created,
		})
	}
}

type person struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	Avatar   string `json:"avatar,omitempty"`
	IsOnline bool   `json:"isOnline"`
}

// HandleListPeople lists every other user with their presence.
func HandleListPeople(deps *AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		payload, ok := requireIdentity(w, r)
		if !ok {
			return
		}

		accounts, err := deps.Directory.ListUsers(r.Context(), payload.ID)
		if err != nil {
			resp.RespondErr(w, r, err)
			return
		}

		people := lo.Map(accounts, func(a directory.Account, _ int) person {
			identity := deps.Identity(r.Context(), a)
			return person{
				ID:       identity.ID,
				Username: identity.Username,
				Avatar:   identity.Avatar,
				IsOnline: deps.Manager.Presence.IsOnline(a.ID),
			}
		})

		resp.RespondSuccess(w, r, map[string]any{"people": people})
	}
}
