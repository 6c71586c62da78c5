package agentstart

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
)

// ResolveUser authenticates an incoming request and returns the user id.
// Returning an empty id or an error yields an UNAUTHORIZED response.
type ResolveUser func(r *http.Request) (string, error)

// Server exposes the agent over an HTTP RPC router. Procedures are
// POST /rpc/<name> with a JSON body; thread.stream responds with
// server-sent events. Stored blobs are served from GET /blob/<id>.
type Server struct {
	agent   *Agent
	resolve ResolveUser
	logger  *slog.Logger
	mux     *http.ServeMux
}

// NewServer wraps agent with the RPC surface.
func NewServer(agent *Agent, resolve ResolveUser) *Server {
	s := &Server{
		agent:   agent,
		resolve: resolve,
		logger:  agent.logger,
		mux:     http.NewServeMux(),
	}
	s.mux.HandleFunc("POST /rpc/{procedure}", s.handleRPC)
	s.mux.HandleFunc("GET /blob/{id}", s.handleBlobGet)
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

// rpcError is the wire error envelope.
type rpcError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (s *Server) handleRPC(w http.ResponseWriter, r *http.Request) {
	proc := r.PathValue("procedure")

	userID, err := s.resolve(r)
	if err != nil || userID == "" {
		s.writeError(w, ErrUnauthorized)
		return
	}

	switch proc {
	case "thread.list":
		s.threadList(w, r, userID)
	case "thread.create":
		s.threadCreate(w, r, userID)
	case "thread.get":
		s.threadGet(w, r, userID)
	case "thread.update":
		s.threadUpdate(w, r, userID)
	case "thread.delete":
		s.threadDelete(w, r, userID)
	case "thread.loadMessages":
		s.threadLoadMessages(w, r, userID)
	case "thread.stream":
		s.threadStream(w, r, userID)
	case "message.get":
		s.messageGet(w, r, userID)
	case "config.get":
		s.writeJSON(w, http.StatusOK, s.agent.Snapshot())
	case "sandbox.list":
		s.sandboxList(w, r, userID)
	case "blob.upload":
		s.blobUpload(w, r, userID)
	default:
		s.writeJSON(w, http.StatusNotFound, map[string]rpcError{"error": {
			Code: "NOT_FOUND", Message: "unknown procedure: " + proc,
		}})
	}
}

func decodeBody(r *http.Request, into any) error {
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(into); err != nil {
		return fmt.Errorf("decode request: %w", err)
	}
	return nil
}

func (s *Server) threadList(w http.ResponseWriter, r *http.Request, userID string) {
	var req struct {
		Limit  int `json:"limit"`
		Offset int `json:"offset"`
	}
	_ = decodeBody(r, &req) // empty body means defaults
	threads, err := s.agent.ListThreads(r.Context(), userID, req.Limit, req.Offset)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"threads": threads})
}

func (s *Server) threadCreate(w http.ResponseWriter, r *http.Request, userID string) {
	var req struct {
		Title      string     `json:"title"`
		Visibility Visibility `json:"visibility"`
	}
	_ = decodeBody(r, &req)
	t, err := s.agent.CreateThread(r.Context(), userID, req.Title, req.Visibility)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, t)
}

func (s *Server) threadGet(w http.ResponseWriter, r *http.Request, userID string) {
	var req struct {
		ID string `json:"id"`
	}
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	t, err := s.agent.GetThread(r.Context(), userID, req.ID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, t)
}

func (s *Server) threadUpdate(w http.ResponseWriter, r *http.Request, userID string) {
	var req struct {
		ID         string      `json:"id"`
		Title      *string     `json:"title"`
		Visibility *Visibility `json:"visibility"`
	}
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	t, err := s.agent.UpdateThread(r.Context(), userID, req.ID, ThreadPatch{
		Title:      req.Title,
		Visibility: req.Visibility,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, t)
}

func (s *Server) threadDelete(w http.ResponseWriter, r *http.Request, userID string) {
	var req struct {
		ID string `json:"id"`
	}
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	if err := s.agent.DeleteThread(r.Context(), userID, req.ID); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (s *Server) threadLoadMessages(w http.ResponseWriter, r *http.Request, userID string) {
	var req struct {
		ThreadID string `json:"threadId"`
	}
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	msgs, err := s.agent.LoadMessages(r.Context(), userID, req.ThreadID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"messages": msgs})
}

func (s *Server) messageGet(w http.ResponseWriter, r *http.Request, userID string) {
	var req struct {
		ID string `json:"id"`
	}
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	msg, err := s.agent.GetMessage(r.Context(), userID, req.ID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, msg)
}

// threadStream runs one agent turn and relays its frames as SSE. A
// client disconnect cancels the stream cooperatively; the turn's
// persistence still completes on a detached context.
func (s *Server) threadStream(w http.ResponseWriter, r *http.Request, userID string) {
	var req struct {
		ThreadID     string    `json:"threadId"`
		Message      UIMessage `json:"message"`
		SandboxToken string    `json:"sandboxToken"`
	}
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	writer, err := s.agent.Stream(r.Context(), StreamRequest{
		UserID:       userID,
		ThreadID:     req.ThreadID,
		Message:      req.Message,
		SandboxToken: req.SandboxToken,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writer.Cancel()
		s.writeError(w, errors.New("streaming unsupported by connection"))
		return
	}
	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			writer.Cancel()
			for range writer.Frames() {
				// drain until the coordinator closes
			}
			return
		case frame, ok := <-writer.Frames():
			if !ok {
				fmt.Fprint(w, "data: [DONE]\n\n")
				flusher.Flush()
				return
			}
			payload, err := json.Marshal(frame)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "data: %s\n\n", payload)
			flusher.Flush()
		}
	}
}

func (s *Server) sandboxList(w http.ResponseWriter, r *http.Request, userID string) {
	var req struct {
		ThreadID  string   `json:"threadId"`
		Path      string   `json:"path"`
		Recursive bool     `json:"recursive"`
		Ignore    []string `json:"ignore"`
	}
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	files, err := s.agent.ListSandboxFiles(r.Context(), userID, req.ThreadID, req.Path, req.Recursive, req.Ignore)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"files": files})
}

type uploadFile struct {
	Name string `json:"name"`
	Data string `json:"data"` // base64
	Type string `json:"type"`
}

func (s *Server) blobUpload(w http.ResponseWriter, r *http.Request, userID string) {
	var req struct {
		Files []uploadFile `json:"files"`
	}
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	limits := s.agent.cfg.Blob
	if len(req.Files) == 0 {
		s.writeError(w, errors.New("no files in request"))
		return
	}
	if len(req.Files) > limits.MaxFiles {
		s.writeError(w, fmt.Errorf("too many files: %d > %d", len(req.Files), limits.MaxFiles))
		return
	}
	var stored []BlobInfo
	for _, f := range req.Files {
		data, err := base64.StdEncoding.DecodeString(f.Data)
		if err != nil {
			s.writeError(w, fmt.Errorf("file %q: invalid base64: %w", f.Name, err))
			return
		}
		if int64(len(data)) > limits.MaxFileSize {
			s.writeError(w, fmt.Errorf("file %q exceeds size limit %d", f.Name, limits.MaxFileSize))
			return
		}
		if !mimeAllowed(f.Type, limits.AllowedMimeTypes) {
			s.writeError(w, fmt.Errorf("file %q: type %q not allowed", f.Name, f.Type))
			return
		}
		info, err := s.agent.blobs.Put(r.Context(), f.Name, f.Type, data)
		if err != nil {
			s.writeError(w, err)
			return
		}
		stored = append(stored, info)
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"success": true, "files": stored})
}

// mimeAllowed matches a content type against the allow list; entries
// like "image/*" match by prefix, an empty list allows everything.
func mimeAllowed(contentType string, allowed []string) bool {
	if len(allowed) == 0 {
		return true
	}
	for _, a := range allowed {
		if a == contentType {
			return true
		}
		if prefix, ok := strings.CutSuffix(a, "/*"); ok &&
			strings.HasPrefix(contentType, prefix+"/") {
			return true
		}
	}
	return false
}

func (s *Server) handleBlobGet(w http.ResponseWriter, r *http.Request) {
	info, data, err := s.agent.blobs.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	if info.ContentType != "" {
		w.Header().Set("Content-Type", info.ContentType)
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Warn("write response", "error", err)
	}
}

// writeError maps domain errors onto the wire envelope.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	status, code := http.StatusBadRequest, "UNKNOWN"
	switch {
	case errors.Is(err, ErrUnauthorized):
		status, code = http.StatusUnauthorized, "UNAUTHORIZED"
	case errors.Is(err, ErrForbidden):
		status, code = http.StatusForbidden, "FORBIDDEN"
	case errors.Is(err, ErrNotFound):
		status, code = http.StatusNotFound, "NOT_FOUND"
	case isInternal(err):
		status, code = http.StatusInternalServerError, "INTERNAL_SERVER_ERROR"
	}
	s.writeJSON(w, status, map[string]rpcError{"error": {
		Code:    code,
		Message: err.Error(),
	}})
}

// isInternal classifies adapter and sandbox failures as server faults;
// schema and field errors stay client faults.
func isInternal(err error) bool {
	var fieldErr *ErrField
	var schemaErr *ErrSchema
	if errors.As(err, &fieldErr) || errors.As(err, &schemaErr) {
		return false
	}
	var sandboxErr *ErrSandbox
	var conflictErr *ErrConflict
	return errors.As(err, &sandboxErr) || errors.As(err, &conflictErr)
}
