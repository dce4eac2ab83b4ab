package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
)

func NewRouter(app *App) http.Handler {
	app.upgrader = websocket.Upgrader{
		// the UI is served from its own origin
		CheckOrigin: func(r *http.Request) bool { return true },
	}

	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Get("/ping", PingHandler)

	r.Route("/api/videos", func(r chi.Router) {
		r.Get("/", app.ListVideosHandler)
		r.Post("/upload", app.UploadHandler)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", app.GetVideoHandler)
			r.Delete("/", app.DeleteVideoHandler)
			r.Get("/status", app.VideoStatusHandler)
			r.Get("/stream", app.StreamVideoHandler)
			r.Get("/events", app.VideoEventsHandler)
			r.Post("/reprocess", app.ReprocessHandler)
			r.Post("/cancel", app.CancelHandler)
		})
	})

	r.Route("/api/search", func(r chi.Router) {
		r.Get("/text", app.TextSearchHandler)
		r.Get("/image-by-text", app.ImageSearchHandler)
	})

	fileServer := http.FileServer(http.Dir(app.Storage.Root()))
	r.Handle("/media/*", http.StripPrefix("/media", fileServer))

	return r
}
