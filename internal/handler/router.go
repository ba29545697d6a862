/*
Package handler provides the HTTP handlers and routing setup for the chat relay server.

This file defines the main Router, applying middleware like logging, CORS, and IP-based
rate limiting before delegating requests to the API and WebSocket handlers.
*/
package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/rs/cors"
	"golang.org/x/time/rate"

	"chatrelay/internal/pkg/auth/jwt"
	"chatrelay/internal/pkg/limiter"
	"chatrelay/internal/pkg/logx"
	"chatrelay/internal/pkg/resp"
)

const (
	RegisterRate  = 0.05
	RegisterBurst = 3
	ConnectRate   = 1
	ConnectBurst  = 10
)

// Limiters are the rate limiters owned by the router. Close them on shutdown.
type Limiters struct {
	Register *limiter.IPRateLimiter
	Connect  *limiter.IPRateLimiter
}

// NewLimiters creates the default router limiters.
func NewLimiters() *Limiters {
	return &Limiters{
		Register: limiter.NewIPRateLimiter(rate.Limit(RegisterRate), RegisterBurst),
		Connect:  limiter.NewIPRateLimiter(rate.Limit(ConnectRate), ConnectBurst),
	}
}

// Close stops the limiters' cleanup goroutines.
func (l *Limiters) Close() {
	l.Register.Close()
	l.Connect.Close()
}

// Router sets up the main HTTP routing table (chi.Router) for the application.
func Router(deps *AppDeps, limiters *Limiters) http.Handler {
	r := chi.NewRouter()

	allowedOrigins := make(map[string]struct{})
	for _, origin := range deps.Config.AllowedOrigins {
		allowedOrigins[origin] = struct{}{}
	}

	var wsUpgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			if deps.Config.IsDevelopment() {
				return true
			}

			origin := r.Header.Get("Origin")
			if origin == "" {
				// non-browser clients send no Origin
				return true
			}
			if _, ok := allowedOrigins[origin]; ok {
				return true
			}

			logx.Warn("WebSocket connection rejected: Origin not allowed.", "origin", origin)
			return false
		},
	}

	corsAllowedOrigins := []string{}
	if deps.Config.IsDevelopment() {
		corsAllowedOrigins = []string{"*"}
	} else if len(deps.Config.AllowedOrigins) > 0 {
		corsAllowedOrigins = deps.Config.AllowedOrigins
	}

	c := cors.New(cors.Options{
		AllowedOrigins:   corsAllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-PoW-Token"},
		ExposedHeaders:   []string{},
		AllowCredentials: true,
		MaxAge:           300,
	})
	r.Use(c.Handler)

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(logx.RequestLogger())
	r.Use(middleware.Recoverer)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		resp.RespondSuccess(w, r, map[string]any{
			"status":      "ok",
			"service":     "chatrelay",
			"connections": deps.Manager.Registry.Count(),
			"rooms":       deps.Manager.Membership.RoomCount(),
		})
	})

	r.Route("/api", func(api chi.Router) {
		api.Use(jwt.IdentityExtractorMiddleware(deps.Config.JWTSecret))

		api.Route("/auth", func(auth chi.Router) {
			auth.Get("/challenge", HandlePowChallenge(deps))
			auth.Post("/verify", HandlePowVerify(deps))
			auth.With(limiters.Register.Middleware).Post("/register", HandleRegister(deps))
			auth.Post("/login", HandleLogin(deps))
		})

		api.Route("/user", func(user chi.Router) {
			user.Get("/profile", HandleGetUserProfile(deps))
			user.Post("/avatar/presign", HandlePresignAvatarURL(deps))
			user.Put("/avatar", HandleUpdateAvatar(deps))
		})

		api.Route("/conversations", func(conv chi.Router) {
			conv.Get("/", HandleListConversations(deps))
			conv.Post("/create", HandleCreateConversation(deps))
			conv.Get("/people/all", HandleListPeople(deps))
			conv.Get("/{id}/messages", HandleListMessages(deps))
		})
	})

	r.Get("/ws", HandleWebSocket(deps, wsUpgrader, limiters.Connect))

	return r
}
