package api

import (
	"context"
	"net/http"
	"strconv"

	"github.com/kdimtricp/vsearch/internal/models"
)

type searchFunc func(ctx context.Context, query string, limit int) (*models.SearchResult, error)

func (app *App) TextSearchHandler(w http.ResponseWriter, r *http.Request) {
	app.search(w, r, app.Engine.Text)
}

func (app *App) ImageSearchHandler(w http.ResponseWriter, r *http.Request) {
	app.search(w, r, app.Engine.ImageByText)
}

func (app *App) search(w http.ResponseWriter, r *http.Request, fn searchFunc) {
	q := r.URL.Query()

	limit := 0
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			writeDetail(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}

	result, err := fn(r.Context(), q.Get("q"), limit)
	if err != nil {
		app.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}
