package httpapi

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	appmw "server/internal/middleware"
)

// NewRouter builds the chi router for the gateway: platform middleware
// first (request id, real ip, panic recovery, structured logging), then
// gateway-specific concerns (rate limiting, CORS, locale resolution).
func NewRouter(app *App) http.Handler {
	r := chi.NewRouter()

	r.Use(appmw.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(appmw.Logger(app.Logger))
	r.Use(appmw.RateLimit(app.Config.RateLimitOrDefault(), time.Minute))
	r.Use(appmw.CORS(nil))
	r.Use(appmw.I18N("en", app.countryLookup))

	r.Get("/ping", app.Ping)
	r.Get("/v1/models", app.ListModels)

	r.Post("/v1/images/generations", app.ImagesGenerate)
	r.Post("/v1/images/compositions", app.ImagesCompose)
	r.Post("/v1/videos/generations", app.VideosGenerate)
	r.Post("/v1/chat/completions", app.ChatCompletionsPassthrough)

	r.Post("/v1/async/images/generations", app.AsyncImagesGenerate)
	r.Post("/v1/async/images/compositions", app.AsyncImagesCompose)
	r.Post("/v1/async/videos/generations", app.AsyncVideosGenerate)

	r.Get("/v1/async/tasks", app.TaskList)
	r.Get("/v1/async/tasks/{id}/status", app.TaskStatus)
	r.Get("/v1/async/tasks/{id}/result", app.TaskResult)
	r.Delete("/v1/async/tasks/{id}/cancel", app.TaskCancel)
	r.Delete("/v1/async/tasks/{id}", app.TaskDelete)

	r.Post("/v1/async/batch/submit", app.BatchSubmit)
	r.Delete("/v1/async/batch/cancel", app.BatchCancel)

	r.Group(func(r chi.Router) {
		if app.Config.AdminJWKSURL != "" {
			guard, err := appmw.AdminAuth(app.Config.AdminJWKSURL, app.Config.AdminJWKSRefresh)
			if err != nil {
				app.Logger.Error().Err(err).Msg("admin JWKS unavailable, usage routes running unguarded")
			} else {
				r.Use(guard)
			}
		}
		r.Get("/usage/daily", app.UsageDaily)
		r.Get("/usage/session/{session}", app.UsageSession)
	})

	return r
}
