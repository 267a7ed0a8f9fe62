// Package httpapi is the HTTP surface: the websocket endpoint plus draft
// scheduling, draft control and chat history.
package httpapi

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/DoyleJ11/league-live/internal/auth"
	"github.com/DoyleJ11/league-live/internal/hub"
)

type Deps struct {
	Hub      *hub.Hub
	Verifier auth.Verifier
	// WS serves /ws. It authenticates on its own.
	WS     http.Handler
	Logger *zap.Logger
	Now    func() time.Time
}

func SetupRoutes(d Deps) http.Handler {
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	a := &api{Deps: d, logger: d.Logger.With(zap.String("component", "http"))}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(accessLog(a.logger))
	r.Use(middleware.Recoverer)

	// Public routes
	r.Get("/healthz", a.healthz)
	if d.WS != nil {
		r.Method(http.MethodGet, "/ws", d.WS)
	}

	r.Group(func(r chi.Router) {
		r.Use(requireIdentity(d.Verifier))
		r.Post("/drafts", a.createDraft)
		r.Get("/drafts/{draftID}", a.getDraft)
		r.Post("/drafts/{draftID}/{action}", a.controlDraft)
		r.Get("/rooms/{roomID}/history", a.history)
	})
	return r
}
