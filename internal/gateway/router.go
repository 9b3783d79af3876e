package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"html/template"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"spaceduck/internal/auth"
	"spaceduck/internal/config"
	"spaceduck/internal/provider"
	"spaceduck/internal/scheduler"
	"spaceduck/internal/store"
	"spaceduck/internal/sysinfo"
)

func (s *Server) routes() *http.ServeMux {
	mux := http.NewServeMux()

	// Unauthenticated surface.
	mux.HandleFunc("GET /api/health", s.handleHealth)
	mux.HandleFunc("GET /api/capabilities", s.handleCapabilities)
	mux.HandleFunc("GET /api/system/profile", s.handleSystemProfile)
	mux.HandleFunc("GET /api/gateway/public-info", s.handlePublicInfo)
	mux.HandleFunc("POST /api/pair/start", s.handlePairStart)
	mux.HandleFunc("POST /api/pair/confirm", s.handlePairConfirm)
	mux.HandleFunc("GET /pair", s.handlePairPage)

	// Authenticated surface.
	authed := func(h http.HandlerFunc) http.HandlerFunc { return s.requireAuth(h) }
	mux.HandleFunc("GET /api/gateway/info", authed(s.handleGatewayInfo))
	mux.HandleFunc("GET /api/tokens", authed(s.handleListTokens))
	mux.HandleFunc("POST /api/tokens/revoke", authed(s.handleRevokeToken))
	mux.HandleFunc("GET /api/conversations", authed(s.handleListConversations))
	mux.HandleFunc("POST /api/upload", authed(s.handleUpload))
	mux.HandleFunc("GET /api/attachments/{id}", authed(s.handleGetAttachment))

	mux.HandleFunc("GET /api/config", authed(s.handleGetConfig))
	mux.HandleFunc("PATCH /api/config", authed(s.handlePatchConfig))
	mux.HandleFunc("POST /api/config/secrets", authed(s.handleSecrets))
	mux.HandleFunc("GET /api/config/provider-status", authed(s.handleProviderStatus))
	mux.HandleFunc("POST /api/config/provider-test", authed(s.handleProviderTest))
	mux.HandleFunc("GET /api/config/embedding-status", authed(s.handleEmbeddingStatus))

	mux.HandleFunc("GET /api/tools/status", authed(s.handleToolsStatus))
	mux.HandleFunc("POST /api/tools/test", authed(s.handleToolsTest))
	mux.HandleFunc("POST /api/stt/transcribe", authed(s.handleTranscribe))

	mux.HandleFunc("POST /api/tasks", authed(s.handleCreateTask))
	mux.HandleFunc("GET /api/tasks", authed(s.handleListTasks))
	mux.HandleFunc("GET /api/tasks/budget", authed(s.handleTaskBudget))
	mux.HandleFunc("GET /api/tasks/{id}", authed(s.handleGetTask))
	mux.HandleFunc("DELETE /api/tasks/{id}", authed(s.handleDeleteTask))
	mux.HandleFunc("POST /api/tasks/{id}/retry", authed(s.handleRetryTask))
	mux.HandleFunc("GET /api/tasks/{id}/runs", authed(s.handleTaskRuns))

	mux.HandleFunc("GET /ws", s.handleWebSocket)

	return mux
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]string{"error": code, "message": message})
}

type ctxKey int

const tokenCtxKey ctxKey = 0

// TokenFrom returns the request identity attached by requireAuth. Handlers on
// the authenticated surface always see a token: a verified one, or the
// synthetic local identity when auth is disabled.
func TokenFrom(ctx context.Context) *auth.Token {
	tok, _ := ctx.Value(tokenCtxKey).(*auth.Token)
	return tok
}

// requireAuth verifies the bearer token when the gateway demands auth and
// attaches the resulting identity to the request context. With auth off every
// request acts as the synthetic local identity.
func (s *Server) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.Config.Current().Gateway.AuthRequired {
			ctx := context.WithValue(r.Context(), tokenCtxKey, auth.SyntheticToken())
			next(w, r.WithContext(ctx))
			return
		}
		token := bearerToken(r)
		if token == "" {
			writeError(w, http.StatusUnauthorized, "unauthorized", "missing bearer token")
			return
		}
		tok, err := s.Auth.VerifyToken(token)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "unauthorized", "invalid token")
			return
		}
		next(w, r.WithContext(context.WithValue(r.Context(), tokenCtxKey, tok)))
	}
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer ")
	}
	// WebSocket clients cannot set headers from browsers.
	return r.URL.Query().Get("token")
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"version": s.Version,
		"uptime":  true,
	})
}

func (s *Server) handleCapabilities(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, sysinfo.GetCapabilities())
}

func (s *Server) handleSystemProfile(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, sysinfo.GetProfile())
}

func (s *Server) handlePublicInfo(w http.ResponseWriter, r *http.Request) {
	settings, err := s.Auth.EnsureGatewaySettings("spaceduck")
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"id":           settings.ID,
		"name":         settings.Name,
		"requiresAuth": s.Config.Current().Gateway.AuthRequired,
	})
}

func (s *Server) handlePairStart(w http.ResponseWriter, r *http.Request) {
	ps, err := s.Auth.CreatePairingSession()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"pairingId": ps.ID,
		"codeHint":  codeHint(ps.Code),
		"expiresAt": ps.ExpiresAt,
	})
}

// codeHint exposes just enough of the code to correlate with the /pair page.
func codeHint(code string) string {
	if len(code) < 2 {
		return "••••••"
	}
	return code[:1] + "••••" + code[len(code)-1:]
}

func (s *Server) handlePairConfirm(w http.ResponseWriter, r *http.Request) {
	var req struct {
		PairingID  string `json:"pairingId"`
		Code       string `json:"code"`
		DeviceName string `json:"deviceName"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid JSON body")
		return
	}

	token, err := s.Auth.ConfirmPairing(req.PairingID, req.Code, req.DeviceName)
	if err != nil {
		status := http.StatusUnauthorized
		switch {
		case errors.Is(err, auth.ErrExpired):
			status = http.StatusGone
		case errors.Is(err, auth.ErrRateLimited):
			status = http.StatusTooManyRequests
		case errors.Is(err, auth.ErrNotFound):
			status = http.StatusNotFound
		}
		writeError(w, status, err.Error(), "pairing failed")
		return
	}
	settings, err := s.Auth.EnsureGatewaySettings("spaceduck")
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"token":       token,
		"gatewayId":   settings.ID,
		"gatewayName": settings.Name,
	})
}

var pairPageTemplate = template.Must(template.New("pair").Parse(`<!doctype html>
<html><head><title>spaceduck pairing</title></head>
<body style="font-family: sans-serif; text-align: center; margin-top: 4rem">
<h1>spaceduck</h1>
{{if .Code}}<p>Pairing code</p><p style="font-size: 3rem; letter-spacing: 0.5rem">{{.Code}}</p>
{{else}}<p>No pairing in progress. Start one from your client.</p>{{end}}
</body></html>`))

func (s *Server) handlePairPage(w http.ResponseWriter, r *http.Request) {
	code, err := s.Auth.ActivePairingCode()
	if err != nil && !errors.Is(err, auth.ErrNotFound) {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_ = pairPageTemplate.Execute(w, struct{ Code string }{Code: code})
}

func (s *Server) handleGatewayInfo(w http.ResponseWriter, r *http.Request) {
	settings, err := s.Auth.EnsureGatewaySettings("spaceduck")
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}
	info := map[string]any{
		"id":           settings.ID,
		"name":         settings.Name,
		"version":      s.Version,
		"provider":     s.Provider.Name(),
		"capabilities": sysinfo.GetCapabilities(),
	}
	if tok := TokenFrom(r.Context()); tok != nil {
		info["device"] = tok.DeviceName
	}
	writeJSON(w, http.StatusOK, info)
}

func (s *Server) handleListTokens(w http.ResponseWriter, r *http.Request) {
	tokens, err := s.Auth.ListTokens()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tokens": tokens})
}

func (s *Server) handleRevokeToken(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ID string `json:"id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ID == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "token id required")
		return
	}
	if err := s.Auth.RevokeToken(req.ID); err != nil {
		if errors.Is(err, auth.ErrNotFound) {
			writeError(w, http.StatusNotFound, "not_found", "no such token")
			return
		}
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"revoked": true})
}

func (s *Server) handleListConversations(w http.ResponseWriter, r *http.Request) {
	convs, err := s.Store.ListConversations()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"conversations": convs})
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	const maxUpload = 50 << 20
	r.Body = http.MaxBytesReader(w, r.Body, maxUpload)
	if err := r.ParseMultipartForm(maxUpload); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid multipart payload")
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "missing form field: file")
		return
	}
	defer file.Close()

	entry, err := s.Attachments.Put(file, header.Filename, header.Header.Get("Content-Type"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

func (s *Server) handleGetAttachment(w http.ResponseWriter, r *http.Request) {
	rc, entry, err := s.Attachments.Open(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusNotFound, "not_found", "no such attachment")
		return
	}
	defer rc.Close()
	if entry.MIME != "" {
		w.Header().Set("Content-Type", entry.MIME)
	}
	_, _ = io.Copy(w, rc)
}

func (s *Server) handleGetConfig(w http.ResponseWriter, r *http.Request) {
	red := s.Config.GetRedacted()
	w.Header().Set("ETag", red.Rev)
	writeJSON(w, http.StatusOK, map[string]any{
		"config":       red.Config,
		"rev":          red.Rev,
		"secrets":      red.Secrets,
		"capabilities": sysinfo.GetCapabilities(),
	})
}

func (s *Server) handlePatchConfig(w http.ResponseWriter, r *http.Request) {
	expectedRev := r.Header.Get("If-Match")
	if expectedRev == "" {
		writeError(w, http.StatusPreconditionRequired, "MISSING_IF_MATCH", "If-Match header with the config rev is required")
		return
	}

	var ops []config.PatchOp
	if err := json.NewDecoder(r.Body).Decode(&ops); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "body must be an array of patch ops")
		return
	}

	result, err := s.Config.Patch(ops, expectedRev)
	if err != nil {
		var conflict *config.ConflictError
		if errors.As(err, &conflict) {
			w.Header().Set("ETag", conflict.ActualRev)
			writeJSON(w, http.StatusConflict, map[string]any{
				"error": "CONFLICT",
				"rev":   conflict.ActualRev,
			})
			return
		}
		var patchErr *config.PatchError
		if errors.As(err, &patchErr) {
			writeError(w, http.StatusBadRequest, patchErr.Code, patchErr.Message)
			return
		}
		var valErr *config.ValidationError
		if errors.As(err, &valErr) {
			writeJSON(w, http.StatusBadRequest, map[string]any{
				"error":  config.CodeValidation,
				"issues": valErr.Issues,
			})
			return
		}
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}

	warnings := s.applyAndPublish(r.Context(), result.ChangedPaths)
	w.Header().Set("ETag", result.NewRev)
	writeJSON(w, http.StatusOK, map[string]any{
		"rev":          result.NewRev,
		"changedPaths": result.ChangedPaths,
		"needsRestart": result.NeedsRestart,
		"warnings":     warnings,
	})
}

func (s *Server) handleSecrets(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Op    string `json:"op"`
		Path  string `json:"path"`
		Value string `json:"value"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid JSON body")
		return
	}
	if !config.IsSecretPath(req.Path) {
		writeError(w, http.StatusBadRequest, "unknown_secret_path", fmt.Sprintf("%q is not a known secret path", req.Path))
		return
	}

	var err error
	switch req.Op {
	case "set":
		err = s.Config.SetSecret(req.Path, req.Value)
	case "unset":
		err = s.Config.UnsetSecret(req.Path)
	default:
		writeError(w, http.StatusBadRequest, "bad_request", `op must be "set" or "unset"`)
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}

	warnings := s.applyAndPublish(r.Context(), []string{req.Path})
	writeJSON(w, http.StatusOK, map[string]any{
		"rev":      s.Config.Rev(),
		"warnings": warnings,
	})
}

func (s *Server) handleProviderStatus(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	status := map[string]any{"provider": s.Provider.Name(), "reachable": false}
	if err := s.Provider.Probe(ctx); err != nil {
		status["error"] = err.Error()
	} else {
		status["reachable"] = true
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleProviderTest(w http.ResponseWriter, r *http.Request) {
	var req config.AIConfig
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid JSON body")
		return
	}

	p, err := provider.FromConfig(req, s.Config.Secret, s.logger)
	if err != nil {
		writeJSON(w, http.StatusOK, map[string]any{"reachable": false, "error": err.Error()})
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()
	if err := p.Probe(ctx); err != nil {
		writeJSON(w, http.StatusOK, map[string]any{"reachable": false, "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"reachable": true, "provider": p.Name()})
}

func (s *Server) handleEmbeddingStatus(w http.ResponseWriter, r *http.Request) {
	status := map[string]any{"provider": s.Embedding.Name(), "enabled": s.Embedding.Enabled()}
	if s.Embedding.Enabled() {
		ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
		defer cancel()
		if _, err := s.Embedding.Embed(ctx, "probe"); err != nil {
			status["reachable"] = false
			status["error"] = err.Error()
		} else {
			status["reachable"] = true
			status["dimensions"] = s.Embedding.Dimensions()
		}
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleToolsStatus(w http.ResponseWriter, r *http.Request) {
	registry := s.Registry.Get()
	defs := registry.Definitions(nil)
	names := make([]string, 0, len(defs))
	for _, d := range defs {
		names = append(names, d.Name)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"tools":        names,
		"capabilities": sysinfo.GetCapabilities(),
	})
}

func (s *Server) handleToolsTest(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Tool string `json:"tool"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Tool == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "tool name required")
		return
	}
	registry := s.Registry.Get()
	if !registry.Has(req.Tool) {
		writeJSON(w, http.StatusOK, map[string]any{"tool": req.Tool, "ok": false, "error": "tool not registered"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tool": req.Tool, "ok": true})
}

// handleTranscribe streams the request body to a temp file under the byte
// cap, runs the STT backend, and cleans up on every path.
func (s *Server) handleTranscribe(w http.ResponseWriter, r *http.Request) {
	cfg := s.Config.Current().STT
	maxBytes := cfg.MaxUploadBytes
	if maxBytes <= 0 {
		maxBytes = 25 << 20
	}

	tmp, err := os.CreateTemp("", "spaceduck-stt-*.audio")
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	limited := http.MaxBytesReader(w, r.Body, maxBytes)
	_, copyErr := io.Copy(tmp, limited)
	closeErr := tmp.Close()
	if copyErr != nil {
		writeError(w, http.StatusRequestEntityTooLarge, "too_large", fmt.Sprintf("audio exceeds %d bytes", maxBytes))
		return
	}
	if closeErr != nil {
		writeError(w, http.StatusInternalServerError, "internal", closeErr.Error())
		return
	}

	text, err := s.STT.Transcribe(r.Context(), tmpPath)
	if err != nil {
		writeError(w, http.StatusBadGateway, "stt_failed", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"text": text})
}

func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Definition     store.TaskDefinition `json:"definition"`
		Schedule       store.TaskSchedule   `json:"schedule"`
		Budget         store.TaskBudget     `json:"budget"`
		ConversationID string               `json:"conversationId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid JSON body")
		return
	}
	if req.Definition.Prompt == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "definition.prompt is required")
		return
	}

	next, err := scheduler.FirstRun(req.Schedule, time.Now().UTC())
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}

	task := &store.Task{
		Definition:     req.Definition,
		Schedule:       req.Schedule,
		Budget:         req.Budget,
		ConversationID: req.ConversationID,
		Status:         store.TaskScheduled,
		NextRunAt:      next,
	}
	if err := s.Store.CreateTask(task); err != nil {
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, task)
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	tasks, err := s.Store.ListTasks(r.URL.Query().Get("status"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tasks": tasks})
}

func (s *Server) handleTaskBudget(w http.ResponseWriter, r *http.Request) {
	status, err := s.Scheduler.BudgetStatus()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	task, err := s.Store.GetTask(r.PathValue("id"))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "not_found", "no such task")
			return
		}
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (s *Server) handleDeleteTask(w http.ResponseWriter, r *http.Request) {
	if err := s.Store.DeleteTask(r.PathValue("id")); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "not_found", "no such task")
			return
		}
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"deleted": true})
}

func (s *Server) handleRetryTask(w http.ResponseWriter, r *http.Request) {
	if err := s.Scheduler.RetryTask(r.PathValue("id")); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "not_found", "no such task")
			return
		}
		writeError(w, http.StatusConflict, "invalid_state", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"scheduled": true})
}

func (s *Server) handleTaskRuns(w http.ResponseWriter, r *http.Request) {
	runs, err := s.Store.TaskRuns(r.PathValue("id"), 50)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": runs})
}
