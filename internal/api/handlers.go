package api

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"mime/multipart"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/zswll2/olmocr-api/internal/intake"
	"github.com/zswll2/olmocr-api/internal/registry"
	"github.com/zswll2/olmocr-api/pkg/tasks"
)

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
}

type statusResponse struct {
	TaskID     string       `json:"task_id"`
	Status     tasks.Status `json:"status"`
	Progress   float64      `json:"progress"`
	ResultPath string       `json:"result_path,omitempty"`
	Error      string       `json:"error,omitempty"`
	CreatedAt  time.Time    `json:"created_at"`
}

func newStatusResponse(t *tasks.Task) statusResponse {
	return statusResponse{
		TaskID:     t.ID,
		Status:     t.Status,
		Progress:   t.Progress,
		ResultPath: t.ResultPath,
		Error:      t.Error,
		CreatedAt:  t.CreatedAt,
	}
}

type resultMetadata struct {
	CreatedAt  time.Time `json:"created_at"`
	FilePath   string    `json:"file_path"`
	ResultPath string    `json:"result_path"`
}

type resultResponse struct {
	TaskID   string         `json:"task_id"`
	Text     string         `json:"text"`
	Metadata resultMetadata `json:"metadata"`
}

// handleToken exchanges form-encoded credentials for a bearer token.
func (s *Server) handleToken(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if err := r.ParseForm(); err != nil {
		writeError(w, http.StatusBadRequest, "could not parse form")
		return
	}

	username := r.PostFormValue("username")
	user, err := s.creds.Authenticate(username, r.PostFormValue("password"))
	if err != nil {
		slog.Warn("login failed", "username", username)
		s.unauthorized(w, "incorrect username or password")
		return
	}

	token, err := s.tokens.Issue(user.Username)
	if err != nil {
		slog.Error("token issue failed", "username", user.Username, "error", err)
		writeError(w, http.StatusInternalServerError, "could not issue token")
		return
	}

	slog.Info("user logged in", "username", user.Username)
	writeJSON(w, http.StatusOK, tokenResponse{AccessToken: token, TokenType: "bearer"})
}

func (s *Server) handleMe(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"username": currentUser(r)})
}

// handleUpload accepts a multipart document, registers a queued task and
// nudges the scheduler. The response carries the task ID for polling.
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	mr, err := r.MultipartReader()
	if err != nil {
		writeError(w, http.StatusBadRequest, "expected multipart form upload")
		return
	}
	part, err := nextFilePart(mr)
	if err != nil {
		writeError(w, http.StatusBadRequest, "upload is missing a file field")
		return
	}
	defer part.Close()

	t, err := s.intake.Accept(r.Context(), currentUser(r), part.FileName(), part)
	switch {
	case errors.Is(err, intake.ErrUnsupportedFormat):
		writeError(w, http.StatusBadRequest, err.Error())
		return
	case errors.Is(err, intake.ErrPayloadTooLarge):
		writeError(w, http.StatusRequestEntityTooLarge, err.Error())
		return
	case err != nil:
		slog.Error("upload failed", "username", currentUser(r), "error", err)
		writeError(w, http.StatusInternalServerError, "could not store upload")
		return
	}

	s.sched.Dispatch(t)
	writeJSON(w, http.StatusOK, newStatusResponse(t))
}

// nextFilePart streams through the multipart body until it finds the part
// named "file" that carries a filename. Other fields are skipped.
func nextFilePart(mr *multipart.Reader) (*multipart.Part, error) {
	for {
		part, err := mr.NextPart()
		if err != nil {
			return nil, err
		}
		if part.FormName() == "file" && part.FileName() != "" {
			return part, nil
		}
		part.Close()
	}
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	t, ok := s.loadTask(w, r, "/ocr/status/")
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, newStatusResponse(t))
}

// handleResult returns the extracted text once the task has completed.
// Incomplete tasks get 409 so clients can keep polling; failed tasks
// surface the stored failure reason.
func (s *Server) handleResult(w http.ResponseWriter, r *http.Request) {
	t, ok := s.loadTask(w, r, "/ocr/result/")
	if !ok {
		return
	}

	switch t.Status {
	case tasks.StatusQueued, tasks.StatusProcessing:
		writeError(w, http.StatusConflict, fmt.Sprintf("task not ready, current status: %s", t.Status))
		return
	case tasks.StatusFailed:
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("task failed: %s", t.Error))
		return
	}

	text, err := os.ReadFile(t.ResultPath)
	if err != nil {
		slog.Error("result artifact missing", "task_id", t.ID, "path", t.ResultPath, "error", err)
		writeError(w, http.StatusNotFound, "result artifact not found")
		return
	}

	if r.URL.Query().Get("format") == "html" {
		var buf bytes.Buffer
		if err := s.markdown.Convert(text, &buf); err != nil {
			slog.Error("markdown render failed", "task_id", t.ID, "error", err)
			writeError(w, http.StatusInternalServerError, "could not render result")
			return
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		buf.WriteTo(w)
		return
	}

	writeJSON(w, http.StatusOK, resultResponse{
		TaskID: t.ID,
		Text:   string(text),
		Metadata: resultMetadata{
			CreatedAt:  t.CreatedAt,
			FilePath:   t.InputPath,
			ResultPath: t.ResultPath,
		},
	})
}

// loadTask resolves the task ID from the URL path and enforces ownership.
// A task belonging to another user reports 403, not 404, matching the
// behaviour of the status and result routes.
func (s *Server) loadTask(w http.ResponseWriter, r *http.Request, prefix string) (*tasks.Task, bool) {
	id := strings.TrimPrefix(r.URL.Path, prefix)
	if id == "" || strings.Contains(id, "/") {
		writeError(w, http.StatusNotFound, "task not found")
		return nil, false
	}

	t, err := s.reg.Get(r.Context(), id)
	if errors.Is(err, registry.ErrNotFound) {
		writeError(w, http.StatusNotFound, "task not found")
		return nil, false
	}
	if err != nil {
		slog.Error("task lookup failed", "task_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "task lookup failed")
		return nil, false
	}

	if t.Owner != "" && t.Owner != currentUser(r) {
		slog.Warn("task access denied", "task_id", id, "username", currentUser(r))
		writeError(w, http.StatusForbidden, "not allowed to access this task")
		return nil, false
	}
	return t, true
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":    "ok",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "Welcome to the olmOCR API service"})
}
