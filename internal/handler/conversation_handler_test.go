package handler_test

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"chatrelay/internal/app/chat"
	"chatrelay/internal/app/directory"
	"chatrelay/internal/configs"
	"chatrelay/internal/handler"
	"chatrelay/internal/pkg/auth/jwt"
	"chatrelay/internal/protocol"
)

const testSecret = "handler-test-secret"

type apiFixture struct {
	dir    *directory.Memory
	server http.Handler
	users  map[string]directory.Account
	tokens map[string]string
}

// newAPIFixture serves the router over a memory directory holding ada, ben and cy.
func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()
	req := require.New(t)
	ctx := context.Background()

	dir := directory.NewMemory()
	f := &apiFixture{
		dir:    dir,
		users:  make(map[string]directory.Account),
		tokens: make(map[string]string),
	}
	for _, name := range []string{"ada", "ben", "cy"} {
		account, err := dir.CreateUser(ctx, name, []byte("hash"))
		req.NoError(err)
		token, err := jwt.GenerateToken(&jwt.Payload{ID: account.ID, Username: name}, testSecret, time.Hour)
		req.NoError(err)
		f.users[name] = account
		f.tokens[name] = token
	}

	manager := chat.NewManager(chat.Options{}, chat.Collaborators{
		Verifier:  chat.NewJWTVerifier(testSecret),
		Directory: dir,
	})
	t.Cleanup(manager.Presence.Stop)

	limiters := handler.NewLimiters()
	t.Cleanup(limiters.Close)

	f.server = handler.Router(&handler.AppDeps{
		Manager:   manager,
		Config:    &configs.AppConfig{Environment: "development", JWTSecret: testSecret},
		Directory: dir,
	}, limiters)
	return f
}

type apiResponse struct {
	Code   int             `json:"code"`
	Reason string          `json:"reason"`
	Data   json.RawMessage `json:"data"`
}

func (f *apiFixture) do(t *testing.T, method, path, as, body string) (int, apiResponse) {
	t.Helper()
	r := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		r.Header.Set("Content-Type", "application/json")
	}
	if as != "" {
		r.Header.Set("Authorization", "Bearer "+f.tokens[as])
	}
	w := httptest.NewRecorder()
	f.server.ServeHTTP(w, r)

	var res apiResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res), w.Body.String())
	return w.Code, res
}

// conversationBetween opens the direct conversation of a and b holding n messages from a.
func (f *apiFixture) conversationBetween(t *testing.T, a, b string, n int) directory.Conversation {
	t.Helper()
	ctx := context.Background()
	conv, _, err := f.dir.CreateDirectConversation(ctx, f.users[a].ID, f.users[b].ID)
	require.NoError(t, err)

	start := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	for i := 1; i <= n; i++ {
		require.NoError(t, f.dir.SaveMessage(ctx, &protocol.Message{
			ID:             fmt.Sprintf("m%d", i),
			ConversationID: conv.ID,
			SenderID:       f.users[a].ID,
			SenderName:     a,
			Text:           fmt.Sprintf("message %d", i),
			Timestamp:      start.Add(time.Duration(i) * time.Minute),
		}))
	}
	return conv
}

func TestConversationHandlers_RequireIdentity(t *testing.T) {
	f := newAPIFixture(t)

	tests := []struct {
		name   string
		method string
		path   string
		body   string
	}{
		{name: "should refuse listing conversations anonymously", method: http.MethodGet, path: "/api/conversations/"},
		{name: "should refuse listing people anonymously", method: http.MethodGet, path: "/api/conversations/people/all"},
		{name: "should refuse creating a conversation anonymously", method: http.MethodPost, path: "/api/conversations/create", body: `{"participantUsername":"ben"}`},
		{name: "should refuse reading messages anonymously", method: http.MethodGet, path: "/api/conversations/any/messages"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := require.New(t)

			status, res := f.do(t, tt.method, tt.path, "", tt.body)

			req.Equal(http.StatusUnauthorized, status)
			req.Equal("Unauthorized", res.Reason)
		})
	}
}

func TestHandleCreateConversation(t *testing.T) {
	tests := []struct {
		name       string
		body       func(f *apiFixture) string
		wantReason string
	}{
		{
			name: "should open a conversation by participant id",
			body: func(f *apiFixture) string { return fmt.Sprintf(`{"participantId":%q}`, f.users["ben"].ID) },
		},
		{
			name: "should open a conversation by participant username ignoring case",
			body: func(*apiFixture) string { return `{"participantUsername":"BEN"}` },
		},
		{
			name:       "should refuse a body naming nobody",
			body:       func(*apiFixture) string { return `{}` },
			wantReason: "InvalidParams",
		},
		{
			name:       "should refuse a conversation with oneself",
			body:       func(f *apiFixture) string { return fmt.Sprintf(`{"participantId":%q}`, f.users["ada"].ID) },
			wantReason: "InvalidParams",
		},
		{
			name:       "should report an unknown username",
			body:       func(*apiFixture) string { return `{"participantUsername":"nobody"}` },
			wantReason: "UserNotFound",
		},
		{
			name:       "should report an unknown participant id",
			body:       func(*apiFixture) string { return `{"participantId":"u-ghost"}` },
			wantReason: "UserNotFound",
		},
		{
			name:       "should refuse unknown fields",
			body:       func(*apiFixture) string { return `{"participantUsername":"ben","extra":true}` },
			wantReason: "InvalidJSON",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := require.New(t)
			f := newAPIFixture(t)

			_, res := f.do(t, http.MethodPost, "/api/conversations/create", "ada", tt.body(f))

			if tt.wantReason != "" {
				req.Equal(tt.wantReason, res.Reason)
				return
			}
			req.Zero(res.Code)

			var data struct {
				Conversation directory.Conversation `json:"conversation"`
				Created      bool                   `json:"created"`
			}
			req.NoError(json.Unmarshal(res.Data, &data))
			req.True(data.Created)
			req.True(data.Conversation.HasParticipant(f.users["ada"].ID))
			req.True(data.Conversation.HasParticipant(f.users["ben"].ID))
		})
	}

	t.Run("should return the existing conversation on a second request", func(t *testing.T) {
		req := require.New(t)
		f := newAPIFixture(t)
		existing := f.conversationBetween(t, "ben", "ada", 0)

		_, res := f.do(t, http.MethodPost, "/api/conversations/create", "ada", `{"participantUsername":"ben"}`)

		var data struct {
			Conversation directory.Conversation `json:"conversation"`
			Created      bool                   `json:"created"`
		}
		req.NoError(json.Unmarshal(res.Data, &data))
		req.False(data.Created)
		req.Equal(existing.ID, data.Conversation.ID)
	})
}

func TestHandleListMessages(t *testing.T) {
	tests := []struct {
		name       string
		as         string
		query      string
		wantStatus int
		wantReason string
		wantPage   int
		wantLimit  int
		wantIDs    []string
	}{
		{
			name:       "should return the newest page with default paging",
			as:         "ada",
			wantStatus: http.StatusOK,
			wantPage:   1,
			wantLimit:  20,
			wantIDs:    []string{"m5", "m4", "m3", "m2", "m1"},
		},
		{
			name:       "should page newest first",
			as:         "ben",
			query:      "?page=2&limit=2",
			wantStatus: http.StatusOK,
			wantPage:   2,
			wantLimit:  2,
			wantIDs:    []string{"m3", "m2"},
		},
		{
			name:       "should return an empty page past the end",
			as:         "ada",
			query:      "?page=9&limit=2",
			wantStatus: http.StatusOK,
			wantPage:   9,
			wantLimit:  2,
			wantIDs:    []string{},
		},
		{
			name:       "should clamp an oversized limit",
			as:         "ada",
			query:      "?limit=500",
			wantStatus: http.StatusOK,
			wantPage:   1,
			wantLimit:  100,
			wantIDs:    []string{"m5", "m4", "m3", "m2", "m1"},
		},
		{
			name:       "should refuse a zero page",
			as:         "ada",
			query:      "?page=0",
			wantStatus: http.StatusOK,
			wantReason: "InvalidParams",
		},
		{
			name:       "should refuse a limit that is not a number",
			as:         "ada",
			query:      "?limit=abc",
			wantStatus: http.StatusOK,
			wantReason: "InvalidParams",
		},
		{
			name:       "should hide the conversation from outsiders",
			as:         "cy",
			wantStatus: http.StatusNotFound,
			wantReason: "ConversationNotFound",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := require.New(t)
			f := newAPIFixture(t)
			conv := f.conversationBetween(t, "ada", "ben", 5)

			status, res := f.do(t, http.MethodGet, "/api/conversations/"+conv.ID+"/messages"+tt.query, tt.as, "")

			req.Equal(tt.wantStatus, status)
			if tt.wantReason != "" {
				req.Equal(tt.wantReason, res.Reason)
				return
			}

			var history protocol.History
			req.NoError(json.Unmarshal(res.Data, &history))
			req.Equal(conv.ID, history.ConversationID)
			req.Equal(tt.wantPage, history.Page)
			req.Equal(tt.wantLimit, history.Limit)

			ids := make([]string, 0, len(history.Messages))
			for _, m := range history.Messages {
				ids = append(ids, m.ID)
			}
			req.Equal(tt.wantIDs, ids)
		})
	}

	t.Run("should report a conversation that does not exist", func(t *testing.T) {
		req := require.New(t)
		f := newAPIFixture(t)

		status, res := f.do(t, http.MethodGet, "/api/conversations/missing/messages", "ada", "")

		req.Equal(http.StatusNotFound, status)
		req.Equal("ConversationNotFound", res.Reason)
	})
}

func TestHandleListConversations(t *testing.T) {
	req := require.New(t)
	f := newAPIFixture(t)

	// Given ada talks to ben and cy talks to ben
	withBen := f.conversationBetween(t, "ada", "ben", 2)
	f.conversationBetween(t, "cy", "ben", 1)

	// When ada lists her conversations
	_, res := f.do(t, http.MethodGet, "/api/conversations/", "ada", "")

	// Then only hers come back, with unread counts from her point of view
	var data struct {
		Conversations []directory.Conversation `json:"conversations"`
	}
	req.NoError(json.Unmarshal(res.Data, &data))
	req.Len(data.Conversations, 1)
	req.Equal(withBen.ID, data.Conversations[0].ID)
	req.Zero(data.Conversations[0].UnreadCount)
	req.Equal("m2", data.Conversations[0].LastMessage.ID)

	_, res = f.do(t, http.MethodGet, "/api/conversations/", "ben", "")
	req.NoError(json.Unmarshal(res.Data, &data))
	req.Len(data.Conversations, 2)

	t.Run("should return an empty list rather than null", func(t *testing.T) {
		req := require.New(t)
		f := newAPIFixture(t)

		_, res := f.do(t, http.MethodGet, "/api/conversations/", "cy", "")

		req.JSONEq(`{"conversations":[]}`, string(res.Data))
	})
}

func TestHandleListPeople(t *testing.T) {
	req := require.New(t)
	f := newAPIFixture(t)

	_, res := f.do(t, http.MethodGet, "/api/conversations/people/all", "ada", "")

	var data struct {
		People []struct {
			ID       string `json:"id"`
			Username string `json:"username"`
			IsOnline bool   `json:"isOnline"`
		} `json:"people"`
	}
	req.NoError(json.Unmarshal(res.Data, &data))
	req.Len(data.People, 2)
	req.Equal("ben", data.People[0].Username)
	req.Equal(f.users["ben"].ID, data.People[0].ID)
	req.Equal("cy", data.People[1].Username)
	req.False(data.People[0].IsOnline)
	req.False(data.People[1].IsOnline)
}
