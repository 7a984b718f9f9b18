package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/zswll2/olmocr-api/internal/auth"
	"github.com/zswll2/olmocr-api/internal/config"
	"github.com/zswll2/olmocr-api/internal/engine"
	"github.com/zswll2/olmocr-api/internal/intake"
	"github.com/zswll2/olmocr-api/internal/registry"
	"github.com/zswll2/olmocr-api/internal/scheduler"
	"github.com/zswll2/olmocr-api/pkg/tasks"
)

type engineFunc func(ctx context.Context, req engine.Request) (engine.Result, error)

func (f engineFunc) Name() string { return "fake" }
func (f engineFunc) Process(ctx context.Context, req engine.Request) (engine.Result, error) {
	return f(ctx, req)
}

// artifactEngine writes content as the markdown artifact, mimicking a
// successful pipeline run.
func artifactEngine(content string) engineFunc {
	return func(ctx context.Context, req engine.Request) (engine.Result, error) {
		dir := filepath.Join(req.Workspace, "markdown")
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return engine.Result{}, err
		}
		path := filepath.Join(dir, "out.md")
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			return engine.Result{}, err
		}
		return engine.Result{ArtifactPath: path}, nil
	}
}

// testUsers are pre-hashed so each test server skips the expensive hashing
// pass in NewCredentialStore.
var testUsers = func() []config.User {
	hash := func(password string) string {
		h, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.MinCost)
		if err != nil {
			panic(err)
		}
		return string(h)
	}
	return []config.User{
		{Username: "admin", Password: hash("secret")},
		{Username: "bob", Password: hash("builder")},
	}
}()

// newTestServer assembles the full stack behind an httptest server: memory
// registry, intake under a temp dir, a running scheduler with the given
// engine, and two accounts (admin/secret, bob/builder).
func newTestServer(t *testing.T, eng engine.Engine, maxBytes int64) *httptest.Server {
	t.Helper()

	reg := registry.NewMemory()
	workDir := t.TempDir()

	in, err := intake.New(workDir, maxBytes, []string{".pdf", ".png", ".jpg", ".jpeg"}, reg, nil)
	if err != nil {
		t.Fatalf("failed to build intake: %v", err)
	}

	sched := scheduler.New(reg, eng, scheduler.Options{
		Workers:       2,
		ClaimInterval: 10 * time.Millisecond,
		EngineTimeout: 5 * time.Second,
		WorkDir:       filepath.Join(workDir, "tasks"),
	})
	ctx, cancel := context.WithCancel(context.Background())
	go sched.Start(ctx)
	t.Cleanup(func() {
		cancel()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer shutdownCancel()
		sched.Shutdown(shutdownCtx)
	})

	creds, err := auth.NewCredentialStore(testUsers)
	if err != nil {
		t.Fatalf("failed to build credential store: %v", err)
	}
	tokens := auth.NewTokenService([]byte("test-secret"), 30*time.Minute)

	server := NewServer("127.0.0.1:0", creds, tokens, reg, in, sched)
	ts := httptest.NewServer(server.Handler())
	t.Cleanup(ts.Close)
	return ts
}

func obtainToken(t *testing.T, baseURL, username, password string) string {
	t.Helper()
	resp, err := http.PostForm(baseURL+"/token", url.Values{
		"username": {username},
		"password": {password},
	})
	if err != nil {
		t.Fatalf("token request failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("token request returned %d", resp.StatusCode)
	}
	var body tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode token response: %v", err)
	}
	return body.AccessToken
}

func authedRequest(t *testing.T, method, rawURL, token string, body io.Reader, contentType string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, rawURL, body)
	if err != nil {
		t.Fatalf("failed to build request: %v", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	return resp
}

func uploadFile(t *testing.T, baseURL, token, filename string, content []byte) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("file", filename)
	if err != nil {
		t.Fatalf("failed to create form file: %v", err)
	}
	if _, err := fw.Write(content); err != nil {
		t.Fatalf("failed to write form file: %v", err)
	}
	mw.Close()
	return authedRequest(t, http.MethodPost, baseURL+"/ocr/upload", token, &buf, mw.FormDataContentType())
}

func decodeStatus(t *testing.T, resp *http.Response) statusResponse {
	t.Helper()
	defer resp.Body.Close()
	var body statusResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode status response: %v", err)
	}
	return body
}

func decodeDetail(t *testing.T, resp *http.Response) string {
	t.Helper()
	defer resp.Body.Close()
	var body map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode error response: %v", err)
	}
	return body["detail"]
}

func pollStatus(t *testing.T, baseURL, token, taskID string, want tasks.Status) statusResponse {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		resp := authedRequest(t, http.MethodGet, baseURL+"/ocr/status/"+taskID, token, nil, "")
		if resp.StatusCode != http.StatusOK {
			resp.Body.Close()
			t.Fatalf("status request returned %d", resp.StatusCode)
		}
		got := decodeStatus(t, resp)
		if got.Status == want {
			return got
		}
		if got.Status == tasks.StatusFailed && want != tasks.StatusFailed {
			t.Fatalf("task failed while waiting for %s: %s", want, got.Error)
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("task %s never reached status %s", taskID, want)
	return statusResponse{}
}

func TestTokenEndpoint(t *testing.T) {
	ts := newTestServer(t, artifactEngine("# ok\n"), 50<<20)

	resp, err := http.PostForm(ts.URL+"/token", url.Values{
		"username": {"admin"},
		"password": {"wrong"},
	})
	if err != nil {
		t.Fatalf("token request failed: %v", err)
	}
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("expected 401 for bad credentials, got %d", resp.StatusCode)
	}
	if got := resp.Header.Get("WWW-Authenticate"); got != "Bearer" {
		t.Errorf("expected WWW-Authenticate: Bearer, got %q", got)
	}
	if detail := decodeDetail(t, resp); detail != "incorrect username or password" {
		t.Errorf("unexpected detail: %q", detail)
	}

	resp, err = http.PostForm(ts.URL+"/token", url.Values{
		"username": {"admin"},
		"password": {"secret"},
	})
	if err != nil {
		t.Fatalf("token request failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("token request returned %d", resp.StatusCode)
	}
	var body tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode token response: %v", err)
	}
	if body.AccessToken == "" {
		t.Error("expected non-empty access token")
	}
	if body.TokenType != "bearer" {
		t.Errorf("expected token type bearer, got %q", body.TokenType)
	}
}

func TestAuthRequired(t *testing.T) {
	ts := newTestServer(t, artifactEngine("# ok\n"), 50<<20)

	resp, err := http.Get(ts.URL + "/users/me")
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("expected 401 without token, got %d", resp.StatusCode)
	}
	if detail := decodeDetail(t, resp); detail != "not authenticated" {
		t.Errorf("unexpected detail: %q", detail)
	}

	resp = authedRequest(t, http.MethodGet, ts.URL+"/users/me", "garbage", nil, "")
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("expected 401 for garbage token, got %d", resp.StatusCode)
	}
	if detail := decodeDetail(t, resp); detail != "could not validate credentials" {
		t.Errorf("unexpected detail: %q", detail)
	}

	// Token signed with the right secret but already expired.
	expired, err := auth.NewTokenService([]byte("test-secret"), -time.Minute).Issue("admin")
	if err != nil {
		t.Fatalf("failed to issue expired token: %v", err)
	}
	resp = authedRequest(t, http.MethodGet, ts.URL+"/users/me", expired, nil, "")
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("expected 401 for expired token, got %d", resp.StatusCode)
	}
	if detail := decodeDetail(t, resp); detail != "token expired" {
		t.Errorf("unexpected detail: %q", detail)
	}
}

func TestCurrentUserEndpoint(t *testing.T) {
	ts := newTestServer(t, artifactEngine("# ok\n"), 50<<20)
	token := obtainToken(t, ts.URL, "bob", "builder")

	resp := authedRequest(t, http.MethodGet, ts.URL+"/users/me", token, nil, "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("users/me returned %d", resp.StatusCode)
	}
	defer resp.Body.Close()
	var body map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if body["username"] != "bob" {
		t.Errorf("expected username bob, got %q", body["username"])
	}
}

func TestUploadRejectsUnsupportedFormat(t *testing.T) {
	ts := newTestServer(t, artifactEngine("# ok\n"), 50<<20)
	token := obtainToken(t, ts.URL, "admin", "secret")

	resp := uploadFile(t, ts.URL, token, "report.docx", []byte("word soup"))
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("expected 400 for .docx upload, got %d", resp.StatusCode)
	}
	if detail := decodeDetail(t, resp); !strings.Contains(detail, ".pdf") {
		t.Errorf("detail should list supported extensions, got %q", detail)
	}
}

func TestUploadRejectsOversizedFile(t *testing.T) {
	ts := newTestServer(t, artifactEngine("# ok\n"), 16)
	token := obtainToken(t, ts.URL, "admin", "secret")

	resp := uploadFile(t, ts.URL, token, "big.pdf", bytes.Repeat([]byte("x"), 17))
	if resp.StatusCode != http.StatusRequestEntityTooLarge {
		t.Errorf("expected 413 for oversized upload, got %d", resp.StatusCode)
	}
	if detail := decodeDetail(t, resp); !strings.Contains(detail, "maximum") {
		t.Errorf("unexpected detail: %q", detail)
	}
}

func TestUploadRequiresFilePart(t *testing.T) {
	ts := newTestServer(t, artifactEngine("# ok\n"), 50<<20)
	token := obtainToken(t, ts.URL, "admin", "secret")

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	mw.WriteField("note", "no file here")
	mw.Close()

	resp := authedRequest(t, http.MethodPost, ts.URL+"/ocr/upload", token, &buf, mw.FormDataContentType())
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("expected 400 without file part, got %d", resp.StatusCode)
	}
	if detail := decodeDetail(t, resp); !strings.Contains(detail, "file") {
		t.Errorf("unexpected detail: %q", detail)
	}
}

func TestUploadAndRetrieveResult(t *testing.T) {
	ts := newTestServer(t, artifactEngine("# Extracted\n\nhello world\n"), 50<<20)
	token := obtainToken(t, ts.URL, "admin", "secret")

	resp := uploadFile(t, ts.URL, token, "scan.pdf", []byte("%PDF-1.4 fake"))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("upload returned %d", resp.StatusCode)
	}
	accepted := decodeStatus(t, resp)
	if accepted.TaskID == "" {
		t.Fatal("upload response missing task_id")
	}
	if accepted.Status != tasks.StatusQueued {
		t.Errorf("expected queued status on upload, got %s", accepted.Status)
	}

	done := pollStatus(t, ts.URL, token, accepted.TaskID, tasks.StatusCompleted)
	if done.Progress != 1 {
		t.Errorf("expected progress 1 on completion, got %v", done.Progress)
	}
	if done.ResultPath == "" {
		t.Error("completed status missing result_path")
	}

	resp = authedRequest(t, http.MethodGet, ts.URL+"/ocr/result/"+accepted.TaskID, token, nil, "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("result returned %d", resp.StatusCode)
	}
	var result resultResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		t.Fatalf("failed to decode result: %v", err)
	}
	resp.Body.Close()
	if !strings.Contains(result.Text, "hello world") {
		t.Errorf("result text missing extracted content: %q", result.Text)
	}
	if result.Metadata.ResultPath == "" {
		t.Error("result metadata missing result_path")
	}
	if !strings.HasSuffix(result.Metadata.FilePath, "_scan.pdf") {
		t.Errorf("result metadata should point at the stored upload, got %q", result.Metadata.FilePath)
	}
}

func TestResultBeforeCompletion(t *testing.T) {
	release := make(chan struct{})
	blocking := engineFunc(func(ctx context.Context, req engine.Request) (engine.Result, error) {
		select {
		case <-release:
		case <-ctx.Done():
		}
		return engine.Result{}, ctx.Err()
	})

	ts := newTestServer(t, blocking, 50<<20)
	t.Cleanup(func() { close(release) })
	token := obtainToken(t, ts.URL, "admin", "secret")

	resp := uploadFile(t, ts.URL, token, "scan.pdf", []byte("content"))
	accepted := decodeStatus(t, resp)

	resp = authedRequest(t, http.MethodGet, ts.URL+"/ocr/result/"+accepted.TaskID, token, nil, "")
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("expected 409 before completion, got %d", resp.StatusCode)
	}
	if detail := decodeDetail(t, resp); !strings.Contains(detail, "task not ready") {
		t.Errorf("unexpected detail: %q", detail)
	}
}

func TestResultForFailedTask(t *testing.T) {
	failing := engineFunc(func(ctx context.Context, req engine.Request) (engine.Result, error) {
		return engine.Result{}, errors.New("no text layer found")
	})
	ts := newTestServer(t, failing, 50<<20)
	token := obtainToken(t, ts.URL, "admin", "secret")

	resp := uploadFile(t, ts.URL, token, "scan.pdf", []byte("content"))
	accepted := decodeStatus(t, resp)

	pollStatus(t, ts.URL, token, accepted.TaskID, tasks.StatusFailed)

	resp = authedRequest(t, http.MethodGet, ts.URL+"/ocr/result/"+accepted.TaskID, token, nil, "")
	if resp.StatusCode != http.StatusInternalServerError {
		t.Errorf("expected 500 for failed task, got %d", resp.StatusCode)
	}
	detail := decodeDetail(t, resp)
	if !strings.Contains(detail, "task failed") || !strings.Contains(detail, "no text layer found") {
		t.Errorf("unexpected detail: %q", detail)
	}
}

func TestStatusForUnknownTask(t *testing.T) {
	ts := newTestServer(t, artifactEngine("# ok\n"), 50<<20)
	token := obtainToken(t, ts.URL, "admin", "secret")

	resp := authedRequest(t, http.MethodGet, ts.URL+"/ocr/status/no-such-task", token, nil, "")
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("expected 404 for unknown task, got %d", resp.StatusCode)
	}
	if detail := decodeDetail(t, resp); detail != "task not found" {
		t.Errorf("unexpected detail: %q", detail)
	}
}

func TestTasksAreOwnerScoped(t *testing.T) {
	ts := newTestServer(t, artifactEngine("# ok\n"), 50<<20)
	adminToken := obtainToken(t, ts.URL, "admin", "secret")
	bobToken := obtainToken(t, ts.URL, "bob", "builder")

	resp := uploadFile(t, ts.URL, adminToken, "scan.pdf", []byte("content"))
	accepted := decodeStatus(t, resp)

	for _, route := range []string{"/ocr/status/", "/ocr/result/"} {
		resp := authedRequest(t, http.MethodGet, ts.URL+route+accepted.TaskID, bobToken, nil, "")
		if resp.StatusCode != http.StatusForbidden {
			t.Errorf("%s: expected 403 for another user's task, got %d", route, resp.StatusCode)
		}
		if detail := decodeDetail(t, resp); detail != "not allowed to access this task" {
			t.Errorf("%s: unexpected detail: %q", route, detail)
		}
	}

	resp = authedRequest(t, http.MethodGet, ts.URL+"/ocr/status/"+accepted.TaskID, adminToken, nil, "")
	if resp.StatusCode != http.StatusOK {
		t.Errorf("owner status read returned %d", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestResultRendersHTML(t *testing.T) {
	ts := newTestServer(t, artifactEngine("# Extracted\n\nhello world\n"), 50<<20)
	token := obtainToken(t, ts.URL, "admin", "secret")

	resp := uploadFile(t, ts.URL, token, "scan.pdf", []byte("content"))
	accepted := decodeStatus(t, resp)
	pollStatus(t, ts.URL, token, accepted.TaskID, tasks.StatusCompleted)

	resp = authedRequest(t, http.MethodGet, ts.URL+"/ocr/result/"+accepted.TaskID+"?format=html", token, nil, "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("html result returned %d", resp.StatusCode)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/html") {
		t.Errorf("expected text/html content type, got %q", ct)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("failed to read body: %v", err)
	}
	if !strings.Contains(string(body), "<h1") {
		t.Errorf("expected rendered heading in HTML output, got %q", string(body))
	}
}

func TestHealthAndRoot(t *testing.T) {
	ts := newTestServer(t, artifactEngine("# ok\n"), 50<<20)

	resp, err := http.Get(ts.URL + "/health")
	if err != nil {
		t.Fatalf("health request failed: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Errorf("health returned %d", resp.StatusCode)
	}
	var health map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		t.Fatalf("failed to decode health response: %v", err)
	}
	resp.Body.Close()
	if health["status"] != "ok" {
		t.Errorf("expected status ok, got %q", health["status"])
	}

	resp, err = http.Get(ts.URL + "/")
	if err != nil {
		t.Fatalf("root request failed: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Errorf("root returned %d", resp.StatusCode)
	}
	resp.Body.Close()

	resp, err = http.Get(ts.URL + "/no-such-route")
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("expected 404 for unknown route, got %d", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestCORSPreflight(t *testing.T) {
	ts := newTestServer(t, artifactEngine("# ok\n"), 50<<20)

	req, err := http.NewRequest(http.MethodOptions, ts.URL+"/ocr/upload", nil)
	if err != nil {
		t.Fatalf("failed to build request: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("preflight request failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Errorf("expected 204 for preflight, got %d", resp.StatusCode)
	}
	if got := resp.Header.Get("Access-Control-Allow-Origin"); got != "*" {
		t.Errorf("expected allow-all origin, got %q", got)
	}
}
