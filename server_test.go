package agentstart

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func newTestServer(t *testing.T, cfg Config) (*Server, *Agent) {
	t.Helper()
	a := newTestAgent(t, cfg)
	resolve := func(r *http.Request) (string, error) {
		id := r.Header.Get("X-User-ID")
		if id == "" {
			return "", ErrUnauthorized
		}
		return id, nil
	}
	return NewServer(a, resolve), a
}

func rpcCall(t *testing.T, s *Server, userID, procedure string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(http.MethodPost, "/rpc/"+procedure, &buf)
	if userID != "" {
		req.Header.Set("X-User-ID", userID)
	}
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	return rec
}

func decodeRPCError(t *testing.T, rec *httptest.ResponseRecorder) rpcError {
	t.Helper()
	var envelope map[string]rpcError
	if err := json.Unmarshal(rec.Body.Bytes(), &envelope); err != nil {
		t.Fatalf("decode error envelope: %v (%s)", err, rec.Body.String())
	}
	return envelope["error"]
}

func TestServer_Unauthorized(t *testing.T) {
	s, _ := newTestServer(t, Config{})
	rec := rpcCall(t, s, "", "thread.list", nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d", rec.Code)
	}
	if e := decodeRPCError(t, rec); e.Code != "UNAUTHORIZED" {
		t.Errorf("error = %+v", e)
	}
}

func TestServer_UnknownProcedure(t *testing.T) {
	s, _ := newTestServer(t, Config{})
	rec := rpcCall(t, s, "u1", "thread.bogus", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d", rec.Code)
	}
	if e := decodeRPCError(t, rec); e.Code != "NOT_FOUND" {
		t.Errorf("error = %+v", e)
	}
}

func TestServer_ThreadLifecycle(t *testing.T) {
	s, _ := newTestServer(t, Config{})

	rec := rpcCall(t, s, "u1", "thread.create", map[string]any{"title": "mine"})
	if rec.Code != http.StatusOK {
		t.Fatalf("create status = %d: %s", rec.Code, rec.Body.String())
	}
	var created Thread
	json.Unmarshal(rec.Body.Bytes(), &created)
	if created.ID == "" || created.Title != "mine" {
		t.Fatalf("created = %+v", created)
	}

	rec = rpcCall(t, s, "u1", "thread.get", map[string]any{"id": created.ID})
	if rec.Code != http.StatusOK {
		t.Fatalf("get status = %d", rec.Code)
	}

	rec = rpcCall(t, s, "u1", "thread.update", map[string]any{"id": created.ID, "title": "renamed"})
	var updated Thread
	json.Unmarshal(rec.Body.Bytes(), &updated)
	if updated.Title != "renamed" {
		t.Fatalf("updated = %+v", updated)
	}

	rec = rpcCall(t, s, "u1", "thread.list", nil)
	var list struct {
		Threads []Thread `json:"threads"`
	}
	json.Unmarshal(rec.Body.Bytes(), &list)
	if len(list.Threads) != 1 {
		t.Fatalf("list = %+v", list)
	}

	rec = rpcCall(t, s, "u1", "thread.delete", map[string]any{"id": created.ID})
	if rec.Code != http.StatusOK {
		t.Fatalf("delete status = %d", rec.Code)
	}
	rec = rpcCall(t, s, "u1", "thread.get", map[string]any{"id": created.ID})
	if rec.Code != http.StatusNotFound {
		t.Fatalf("get after delete status = %d", rec.Code)
	}
}

func TestServer_ErrorMapping(t *testing.T) {
	s, a := newTestServer(t, Config{})
	th, _ := a.CreateThread(t.Context(), "owner", "private", VisibilityPrivate)

	rec := rpcCall(t, s, "stranger", "thread.get", map[string]any{"id": th.ID})
	if rec.Code != http.StatusForbidden {
		t.Errorf("forbidden status = %d", rec.Code)
	}
	if e := decodeRPCError(t, rec); e.Code != "FORBIDDEN" {
		t.Errorf("error = %+v", e)
	}

	rec = rpcCall(t, s, "owner", "thread.get", map[string]any{"id": "missing"})
	if rec.Code != http.StatusNotFound {
		t.Errorf("not-found status = %d", rec.Code)
	}
}

func TestServer_ConfigGet(t *testing.T) {
	s, _ := newTestServer(t, Config{AppName: "demo"})
	rec := rpcCall(t, s, "u1", "config.get", nil)
	var snap ConfigSnapshot
	json.Unmarshal(rec.Body.Bytes(), &snap)
	if snap.AppName != "demo" {
		t.Errorf("snapshot = %+v", snap)
	}
}

func TestServer_ThreadStreamSSE(t *testing.T) {
	p := &scriptProvider{steps: []scriptStep{{
		deltas: []Delta{{Text: "hel"}, {Text: "lo"}},
		resp:   ChatResponse{Content: "hello", FinishReason: FinishStop},
	}}}
	s, a := newTestServer(t, Config{Provider: p})
	th, _ := a.CreateThread(t.Context(), "u1", "t", "")

	rec := rpcCall(t, s, "u1", "thread.stream", map[string]any{
		"threadId": th.ID,
		"message":  UIMessage{ID: "m1", Parts: []Part{TextPart("hi")}},
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	if ct := rec.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("content type = %q", ct)
	}

	body := rec.Body.String()
	if !strings.HasSuffix(body, "data: [DONE]\n\n") {
		t.Fatalf("body must end with the DONE sentinel: %q", body)
	}

	var types []FrameType
	for _, line := range strings.Split(body, "\n") {
		payload, ok := strings.CutPrefix(line, "data: ")
		if !ok || payload == "[DONE]" {
			continue
		}
		var f Frame
		if err := json.Unmarshal([]byte(payload), &f); err != nil {
			t.Fatalf("bad SSE payload %q: %v", payload, err)
		}
		types = append(types, f.Type)
	}
	want := []FrameType{FrameMessageStart, FrameTextDelta, FrameTextDelta, FrameMessageFinish}
	if len(types) != len(want) {
		t.Fatalf("frames = %v, want %v", types, want)
	}
	for i := range want {
		if types[i] != want[i] {
			t.Fatalf("frames = %v, want %v", types, want)
		}
	}
}

func TestServer_ThreadStreamRejectsEmptyMessage(t *testing.T) {
	s, a := newTestServer(t, Config{})
	th, _ := a.CreateThread(t.Context(), "u1", "t", "")

	rec := rpcCall(t, s, "u1", "thread.stream", map[string]any{"threadId": th.ID})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want a client error before SSE starts", rec.Code)
	}
}

func TestServer_BlobUploadAndGet(t *testing.T) {
	s, _ := newTestServer(t, Config{})

	rec := rpcCall(t, s, "u1", "blob.upload", map[string]any{
		"files": []uploadFile{{
			Name: "hello.txt",
			Type: "text/plain",
			Data: base64.StdEncoding.EncodeToString([]byte("hello")),
		}},
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("upload status = %d: %s", rec.Code, rec.Body.String())
	}
	var resp struct {
		Files []BlobInfo `json:"files"`
	}
	json.Unmarshal(rec.Body.Bytes(), &resp)
	if len(resp.Files) != 1 || resp.Files[0].Size != 5 {
		t.Fatalf("resp = %+v", resp)
	}

	req := httptest.NewRequest(http.MethodGet, "/blob/"+resp.Files[0].ID, nil)
	get := httptest.NewRecorder()
	s.ServeHTTP(get, req)
	if get.Code != http.StatusOK || get.Body.String() != "hello" {
		t.Fatalf("get = %d %q", get.Code, get.Body.String())
	}
	if ct := get.Header().Get("Content-Type"); ct != "text/plain" {
		t.Errorf("content type = %q", ct)
	}
}

func TestServer_BlobUploadLimits(t *testing.T) {
	s, _ := newTestServer(t, Config{Blob: BlobConfig{
		MaxFileSize:      4,
		MaxFiles:         1,
		AllowedMimeTypes: []string{"text/*"},
	}})

	// Empty request.
	rec := rpcCall(t, s, "u1", "blob.upload", map[string]any{"files": []uploadFile{}})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("empty upload status = %d", rec.Code)
	}

	// Too many files.
	f := uploadFile{Name: "a", Type: "text/plain", Data: base64.StdEncoding.EncodeToString([]byte("ok"))}
	rec = rpcCall(t, s, "u1", "blob.upload", map[string]any{"files": []uploadFile{f, f}})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("too-many status = %d", rec.Code)
	}

	// Oversized file.
	big := uploadFile{Name: "big", Type: "text/plain", Data: base64.StdEncoding.EncodeToString([]byte("too large"))}
	rec = rpcCall(t, s, "u1", "blob.upload", map[string]any{"files": []uploadFile{big}})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("oversize status = %d", rec.Code)
	}

	// Disallowed mime type.
	bin := uploadFile{Name: "x", Type: "application/zip", Data: base64.StdEncoding.EncodeToString([]byte("ok"))}
	rec = rpcCall(t, s, "u1", "blob.upload", map[string]any{"files": []uploadFile{bin}})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("mime status = %d", rec.Code)
	}

	// Invalid base64.
	bad := uploadFile{Name: "x", Type: "text/plain", Data: "!!!"}
	rec = rpcCall(t, s, "u1", "blob.upload", map[string]any{"files": []uploadFile{bad}})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("base64 status = %d", rec.Code)
	}
}

func TestServer_BlobGetMissing(t *testing.T) {
	s, _ := newTestServer(t, Config{})
	req := httptest.NewRequest(http.MethodGet, "/blob/missing", nil)
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestIsInternal(t *testing.T) {
	if isInternal(&ErrField{Model: "thread", Field: "x"}) {
		t.Error("field errors are client faults")
	}
	if isInternal(&ErrSchema{Model: "bogus"}) {
		t.Error("schema errors are client faults")
	}
	if !isInternal(&ErrSandbox{Reason: "expired"}) {
		t.Error("sandbox errors are server faults")
	}
	if !isInternal(&ErrConflict{Model: ModelThread, ID: "t1"}) {
		t.Error("conflicts are server faults")
	}
}
