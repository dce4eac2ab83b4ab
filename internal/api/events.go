package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/kdimtricp/vsearch/internal/events"
)

const writeWait = 10 * time.Second

// VideoEventsHandler streams status changes of one video over a websocket.
// The current state is sent first.
func (app *App) VideoEventsHandler(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	// subscribe before reading the state so no transition falls in between
	ch, unsubscribe := app.Broker.Subscribe(id)
	defer unsubscribe()

	video, err := app.Machine.Get(r.Context(), id)
	if err != nil {
		app.writeError(w, r, err)
		return
	}

	conn, err := app.upgrader.Upgrade(w, r, nil)
	if err != nil {
		app.logger().Warn("websocket upgrade failed", "video_id", id, "error", err)
		return
	}
	defer conn.Close()

	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	send := func(e events.Event) bool {
		conn.SetWriteDeadline(time.Now().Add(writeWait))
		return conn.WriteJSON(e) == nil
	}

	if !send(events.Event{
		VideoID:       video.ID,
		Status:        video.Status,
		Stage:         video.Stage,
		FailureReason: video.FailureReason,
		At:            video.UpdatedAt,
	}) {
		return
	}

	for {
		select {
		case e, ok := <-ch:
			if !ok || !send(e) {
				return
			}
		case <-closed:
			return
		}
	}
}
