package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"mime"
	"mime/multipart"
	"net/http"
	"path/filepath"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/kdimtricp/vsearch/internal/events"
	"github.com/kdimtricp/vsearch/internal/models"
	"github.com/kdimtricp/vsearch/internal/pipeline"
	"github.com/kdimtricp/vsearch/internal/search"
	"github.com/kdimtricp/vsearch/internal/storage"
	"github.com/kdimtricp/vsearch/internal/tasks"
)

const multipartMemory = 32 << 20

var videoExtensions = map[string]bool{
	".mp4": true, ".mov": true, ".mkv": true, ".webm": true, ".avi": true, ".m4v": true,
}

type SubtitleLister interface {
	ListByVideo(ctx context.Context, videoID string) ([]models.Subtitle, error)
}

type App struct {
	Machine       *tasks.Machine
	Service       *pipeline.Service
	Engine        *search.Engine
	Broker        *events.Broker
	Storage       storage.Storage
	Subtitles     SubtitleLister
	MaxUploadSize int64
	Logger        *slog.Logger

	upgrader websocket.Upgrader
}

func (app *App) logger() *slog.Logger {
	if app.Logger == nil {
		return slog.Default()
	}
	return app.Logger
}

func PingHandler(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("pong"))
}

func mediaURL(path string) string {
	if path == "" {
		return ""
	}
	return "/media/" + filepath.ToSlash(path)
}

func withCover(v *models.Video) *models.Video {
	v.CoverURL = mediaURL(v.CoverPath)
	return v
}

func (app *App) ListVideosHandler(w http.ResponseWriter, r *http.Request) {
	videos, err := app.Machine.List(r.Context())
	if err != nil {
		app.writeError(w, r, err)
		return
	}
	if videos == nil {
		videos = []models.Video{}
	}
	for i := range videos {
		withCover(&videos[i])
	}
	writeJSON(w, http.StatusOK, videos)
}

type videoDetails struct {
	Video     *models.Video     `json:"video"`
	Subtitles []models.Subtitle `json:"subtitles"`
}

func (app *App) GetVideoHandler(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	video, err := app.Machine.Get(r.Context(), id)
	if err != nil {
		app.writeError(w, r, err)
		return
	}
	subs, err := app.Subtitles.ListByVideo(r.Context(), id)
	if err != nil {
		app.writeError(w, r, err)
		return
	}
	if subs == nil {
		subs = []models.Subtitle{}
	}
	writeJSON(w, http.StatusOK, videoDetails{Video: withCover(video), Subtitles: subs})
}

type videoStatus struct {
	VideoID       string             `json:"video_id"`
	Status        models.VideoStatus `json:"status"`
	Filename      string             `json:"filename"`
	Stage         string             `json:"stage,omitempty"`
	FailureReason string             `json:"failure_reason,omitempty"`
}

func (app *App) VideoStatusHandler(w http.ResponseWriter, r *http.Request) {
	video, err := app.Machine.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		app.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, videoStatus{
		VideoID:       video.ID,
		Status:        video.Status,
		Filename:      video.Filename,
		Stage:         video.Stage,
		FailureReason: video.FailureReason,
	})
}

// uploadedFile accepts the video under "file" or, as older clients send
// it, under "video".
func uploadedFile(r *http.Request) (multipart.File, *multipart.FileHeader, error) {
	file, header, err := r.FormFile("file")
	if errors.Is(err, http.ErrMissingFile) {
		file, header, err = r.FormFile("video")
	}
	return file, header, err
}

func (app *App) UploadHandler(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, app.MaxUploadSize)

	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) || r.ContentLength > app.MaxUploadSize {
			writeDetail(w, http.StatusRequestEntityTooLarge, fmt.Sprintf("file exceeds the %d byte limit", app.MaxUploadSize))
			return
		}
		writeDetail(w, http.StatusBadRequest, "invalid multipart upload")
		return
	}

	file, header, err := uploadedFile(r)
	if err != nil {
		writeDetail(w, http.StatusBadRequest, "No file found")
		return
	}
	defer file.Close()

	if strings.TrimSpace(header.Filename) == "" {
		writeDetail(w, http.StatusBadRequest, "No filename found")
		return
	}

	contentType, ok := videoContentType(header)
	if !ok {
		writeDetail(w, http.StatusBadRequest, "only video files are allowed")
		return
	}

	video, err := app.Service.Submit(r.Context(), file, storage.FileInfo{
		Filename:    filepath.Base(header.Filename),
		ContentType: contentType,
		Size:        header.Size,
	})
	if err != nil {
		app.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, messageResponse{Message: "Video uploaded successfully", VideoID: video.ID})
}

func videoContentType(header *multipart.FileHeader) (string, bool) {
	contentType := header.Header.Get("Content-Type")
	if strings.HasPrefix(contentType, "video/") {
		return contentType, true
	}
	ext := strings.ToLower(filepath.Ext(header.Filename))
	if !videoExtensions[ext] {
		return "", false
	}
	if byExt := mime.TypeByExtension(ext); strings.HasPrefix(byExt, "video/") {
		return byExt, true
	}
	return "application/octet-stream", true
}

func (app *App) ReprocessHandler(w http.ResponseWriter, r *http.Request) {
	video, err := app.Service.Reprocess(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		app.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, messageResponse{Message: "Video queued for reprocessing", VideoID: video.ID})
}

func (app *App) CancelHandler(w http.ResponseWriter, r *http.Request) {
	video, err := app.Service.Cancel(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		app.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, messageResponse{Message: "Video processing cancelled", VideoID: video.ID})
}

func (app *App) DeleteVideoHandler(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := app.Service.Delete(r.Context(), id); err != nil {
		app.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, messageResponse{Message: "Video deleted", VideoID: id})
}

// StreamVideoHandler serves the original upload with Range support.
func (app *App) StreamVideoHandler(w http.ResponseWriter, r *http.Request) {
	video, err := app.Machine.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		app.writeError(w, r, err)
		return
	}

	file, err := app.Storage.OpenFile(video.StoragePath)
	if err != nil {
		writeDetail(w, http.StatusNotFound, "Video file not found")
		return
	}
	defer file.Close()

	if ct := mime.TypeByExtension(filepath.Ext(video.StoragePath)); ct != "" {
		w.Header().Set("Content-Type", ct)
	}
	// ServeContent handles Range requests and answers 206 Partial Content
	http.ServeContent(w, r, video.Filename, video.UpdatedAt, file)
}
