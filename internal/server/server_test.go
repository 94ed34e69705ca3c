package server

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/haasonsaas/chatkit/internal/auth"
	"github.com/haasonsaas/chatkit/internal/plugins"
	"github.com/haasonsaas/chatkit/internal/store"
	"github.com/haasonsaas/chatkit/pkg/models"
)

type fakeAuth struct{}

func (fakeAuth) Name() string       { return "fake-auth" }
func (fakeAuth) Role() plugins.Role { return plugins.RoleAuth }
func (fakeAuth) Priority() int      { return 0 }

func (fakeAuth) Authenticate(_ context.Context, username, password string) (string, error) {
	if username == "alice" && password == "pw" {
		return "u-alice", nil
	}
	return "", auth.ErrInvalidCredentials
}

func (fakeAuth) IssueToken(_ context.Context, userID string) (string, error) {
	return "tok-" + userID, nil
}

func (fakeAuth) VerifyToken(_ context.Context, token string) (string, error) {
	if uid, ok := strings.CutPrefix(token, "tok-"); ok {
		return uid, nil
	}
	return "", auth.ErrInvalidToken
}

func (fakeAuth) AuthorizeModel(context.Context, string, string) error { return nil }

type fakeHistory struct {
	threads map[string]models.Thread
}

func (*fakeHistory) Name() string       { return "fake-history" }
func (*fakeHistory) Role() plugins.Role { return plugins.RoleHistory }
func (*fakeHistory) Priority() int      { return 0 }

func (h *fakeHistory) CreateThread(context.Context, string, string, string, string) (string, error) {
	return "t-new", nil
}

func (h *fakeHistory) Threads(_ context.Context, _ string, archived bool) ([]models.Thread, error) {
	var out []models.Thread
	for _, t := range h.threads {
		if t.IsArchived == archived {
			out = append(out, t)
		}
	}
	return out, nil
}

func (h *fakeHistory) Thread(_ context.Context, _ string, threadID string) (*models.Thread, error) {
	if t, ok := h.threads[threadID]; ok {
		return &t, nil
	}
	return nil, nil
}

func (h *fakeHistory) Messages(_ context.Context, _ string, threadID string) ([]models.Message, error) {
	if _, ok := h.threads[threadID]; !ok {
		return nil, fmt.Errorf("thread %q: %w", threadID, store.ErrNotFound)
	}
	return []models.Message{{Role: models.RoleUser, Type: models.TypeMessageText, Content: "hi"}}, nil
}

func (h *fakeHistory) AppendMessage(context.Context, string, string, models.Message) error {
	return nil
}

func (h *fakeHistory) UpdateThread(_ context.Context, _ string, threadID, title string) error {
	t, ok := h.threads[threadID]
	if !ok {
		return fmt.Errorf("thread %q: %w", threadID, store.ErrNotFound)
	}
	t.Title = title
	h.threads[threadID] = t
	return nil
}

func (h *fakeHistory) ArchiveThread(_ context.Context, _ string, threadID string) error {
	t, ok := h.threads[threadID]
	if !ok {
		return fmt.Errorf("thread %q: %w", threadID, store.ErrNotFound)
	}
	t.IsArchived = true
	h.threads[threadID] = t
	return nil
}

func (h *fakeHistory) DeleteThread(_ context.Context, _ string, threadID string) error {
	if _, ok := h.threads[threadID]; !ok {
		return fmt.Errorf("thread %q: %w", threadID, store.ErrNotFound)
	}
	delete(h.threads, threadID)
	return nil
}

func (h *fakeHistory) Search(context.Context, string, string) ([]models.ThreadSearchResult, error) {
	return []models.ThreadSearchResult{{ThreadID: "t1", Title: "Numbers", Snippet: "2+3"}}, nil
}

type fakeProcessor struct{}

func (fakeProcessor) Name() string       { return "fake-processor" }
func (fakeProcessor) Role() plugins.Role { return plugins.RoleMessageProcessor }
func (fakeProcessor) Priority() int      { return 0 }

func (fakeProcessor) Process(_ context.Context, req models.TurnRequest) (<-chan models.Event, error) {
	if req.Content == "" {
		return nil, fmt.Errorf("content is required: %w", store.ErrValidation)
	}
	events := make(chan models.Event, 4)
	events <- models.NewThreadIDEvent("turn-1", "t1")
	events <- models.NewTokensEvent(models.EventMessageTokens, "turn-1", "Hi "+req.UserID)
	events <- models.NewStreamEndEvent("turn-1")
	close(events)
	return events, nil
}

type fakeModel struct{}

func (fakeModel) Name() string       { return "fake-model" }
func (fakeModel) Role() plugins.Role { return plugins.RoleModel }
func (fakeModel) Priority() int      { return 0 }

func (fakeModel) ListModels(context.Context) ([]string, error) {
	return []string{"test-model"}, nil
}

func (fakeModel) Stream(context.Context, models.StreamRequest) (<-chan models.ModelChunk, error) {
	ch := make(chan models.ModelChunk)
	close(ch)
	return ch, nil
}

func newTestServer(t *testing.T) (*httptest.Server, *fakeHistory) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	reg := plugins.NewRegistry(logger)
	hist := &fakeHistory{threads: map[string]models.Thread{
		"t1": {ID: "t1", Title: "Numbers"},
	}}
	for _, p := range []plugins.Plugin{fakeAuth{}, hist, fakeProcessor{}, fakeModel{}} {
		if err := reg.Register(p); err != nil {
			t.Fatalf("register %s: %v", p.Name(), err)
		}
	}
	reg.Freeze()

	ts := httptest.NewServer(New("127.0.0.1:0", reg, nil, logger).Handler())
	t.Cleanup(ts.Close)
	return ts, hist
}

func do(t *testing.T, method, url, token, body string) (*http.Response, string) {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatal(err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
	}
	return resp, string(raw)
}

func TestLogin(t *testing.T) {
	ts, _ := newTestServer(t)

	resp, body := do(t, http.MethodPost, ts.URL+"/v1/login", "", `{"username":"alice","password":"pw"}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, body = %s", resp.StatusCode, body)
	}
	var out loginResponse
	if err := json.Unmarshal([]byte(body), &out); err != nil {
		t.Fatal(err)
	}
	if out.Token != "tok-u-alice" || out.UserID != "u-alice" {
		t.Errorf("login = %+v", out)
	}

	resp, _ = do(t, http.MethodPost, ts.URL+"/v1/login", "", `{"username":"alice","password":"nope"}`)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("bad password status = %d", resp.StatusCode)
	}
}

func TestAuthRequired(t *testing.T) {
	ts, _ := newTestServer(t)

	resp, _ := do(t, http.MethodGet, ts.URL+"/v1/threads", "", "")
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("no token status = %d", resp.StatusCode)
	}
	resp, _ = do(t, http.MethodGet, ts.URL+"/v1/threads", "garbage", "")
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("bad token status = %d", resp.StatusCode)
	}
}

func TestChatStreamsSSE(t *testing.T) {
	ts, _ := newTestServer(t)

	resp, body := do(t, http.MethodPost, ts.URL+"/v1/chat", "tok-u-alice", `{"content":"hi"}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, body = %s", resp.StatusCode, body)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("content type = %q", ct)
	}
	for _, want := range []string{
		"event: thread_id\n",
		`"thread_id":"t1"`,
		"event: message_tokens\n",
		`"content":"Hi u-alice"`,
		"event: stream_end\n",
	} {
		if !strings.Contains(body, want) {
			t.Errorf("body missing %q:\n%s", want, body)
		}
	}
}

func TestChatValidationFailsBeforeStreaming(t *testing.T) {
	ts, _ := newTestServer(t)

	resp, _ := do(t, http.MethodPost, ts.URL+"/v1/chat", "tok-u-alice", `{"content":""}`)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d", resp.StatusCode)
	}
}

func TestThreadRoutes(t *testing.T) {
	ts, hist := newTestServer(t)
	token := "tok-u-alice"

	resp, body := do(t, http.MethodGet, ts.URL+"/v1/threads", token, "")
	if resp.StatusCode != http.StatusOK || !strings.Contains(body, `"Numbers"`) {
		t.Errorf("list = %d %s", resp.StatusCode, body)
	}

	resp, _ = do(t, http.MethodGet, ts.URL+"/v1/threads/t1", token, "")
	if resp.StatusCode != http.StatusOK {
		t.Errorf("get = %d", resp.StatusCode)
	}
	resp, _ = do(t, http.MethodGet, ts.URL+"/v1/threads/ghost", token, "")
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("get missing = %d", resp.StatusCode)
	}

	resp, body = do(t, http.MethodGet, ts.URL+"/v1/threads/t1/messages", token, "")
	if resp.StatusCode != http.StatusOK || !strings.Contains(body, `"content":"hi"`) {
		t.Errorf("messages = %d %s", resp.StatusCode, body)
	}
	resp, _ = do(t, http.MethodGet, ts.URL+"/v1/threads/ghost/messages", token, "")
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("messages missing = %d", resp.StatusCode)
	}

	resp, _ = do(t, http.MethodPatch, ts.URL+"/v1/threads/t1", token, `{"title":"Renamed"}`)
	if resp.StatusCode != http.StatusOK || hist.threads["t1"].Title != "Renamed" {
		t.Errorf("rename = %d, title = %q", resp.StatusCode, hist.threads["t1"].Title)
	}

	resp, _ = do(t, http.MethodPost, ts.URL+"/v1/threads/t1/archive", token, "")
	if resp.StatusCode != http.StatusOK || !hist.threads["t1"].IsArchived {
		t.Errorf("archive = %d", resp.StatusCode)
	}

	resp, _ = do(t, http.MethodDelete, ts.URL+"/v1/threads/t1", token, "")
	if resp.StatusCode != http.StatusOK {
		t.Errorf("delete = %d", resp.StatusCode)
	}
	if _, ok := hist.threads["t1"]; ok {
		t.Error("thread survived delete")
	}
}

func TestSearchThreads(t *testing.T) {
	ts, _ := newTestServer(t)
	token := "tok-u-alice"

	resp, _ := do(t, http.MethodGet, ts.URL+"/v1/threads/search", token, "")
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("missing q = %d", resp.StatusCode)
	}

	resp, body := do(t, http.MethodGet, ts.URL+"/v1/threads/search?q=numbers", token, "")
	if resp.StatusCode != http.StatusOK || !strings.Contains(body, `"snippet":"2+3"`) {
		t.Errorf("search = %d %s", resp.StatusCode, body)
	}
}

func TestModelsRoute(t *testing.T) {
	ts, _ := newTestServer(t)

	resp, body := do(t, http.MethodGet, ts.URL+"/v1/models", "tok-u-alice", "")
	if resp.StatusCode != http.StatusOK || !strings.Contains(body, `"test-model"`) {
		t.Errorf("models = %d %s", resp.StatusCode, body)
	}
}
