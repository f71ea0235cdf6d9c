package gateway

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/emberchat/relay/internal/domain"
)

// registerRoutes sets up the instance routes under its path prefix.
func (s *Server) registerRoutes(mux *http.ServeMux) {
	p := strings.TrimRight(s.cfg.PathPrefix, "/")
	mux.HandleFunc("GET "+p+"/ws", s.handleWebSocket)
	mux.HandleFunc("GET "+p+"/health", s.handleHealth)
	mux.HandleFunc("POST "+p+"/token", s.handleIssueToken)
	mux.HandleFunc("GET "+p+"/offline", s.handleOfflinePull)
	mux.HandleFunc("GET "+p+"/history", s.handleHistory)

	// Catch-all for unknown routes
	mux.HandleFunc("/", handleNotFound)
}

// handleWebSocket upgrades the request and hands the socket to the router.
// Handshake parameters come from headers with query fallbacks, so both
// browser and non-browser clients can connect.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	hs := Handshake{
		Identity:       headerOrQuery(r, "X-Relay-Identity", "identity"),
		Role:           headerOrQuery(r, "X-Relay-Role", "role"),
		Token:          headerOrQuery(r, "X-Relay-Token", "token"),
		DisplayName:    headerOrQuery(r, "X-Relay-Name", "name"),
		ConversationID: headerOrQuery(r, "X-Relay-Conversation", "conversationId"),
	}

	sock, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Error().Err(err).Msg("websocket upgrade failed")
		return
	}

	s.log.Debug().Str("remote", r.RemoteAddr).Str("identity", hs.Identity).Msg("new websocket connection")
	s.router.HandleConnection(sock, hs)
}

func headerOrQuery(r *http.Request, header, query string) string {
	if v := r.Header.Get(header); v != "" {
		return v
	}
	return r.URL.Query().Get(query)
}

// HealthResponse is returned by the instance health endpoint.
type HealthResponse struct {
	Status   string `json:"status"`
	Instance string `json:"instance"`
	Clients  int    `json:"clients"`
	UptimeMs int64  `json:"uptimeMs"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{
		Status:   "ok",
		Instance: s.cfg.Name,
		Clients:  s.reg.Count(),
		UptimeMs: time.Since(s.startedAt).Milliseconds(),
	})
}

type issueTokenRequest struct {
	Role        string `json:"role,omitempty"`
	AppID       string `json:"appId,omitempty"`
	UserID      string `json:"userId,omitempty"`
	DisplayName string `json:"displayName,omitempty"`
}

type issueTokenResponse struct {
	Identity  string `json:"identity"`
	Token     string `json:"token"`
	ExpiresAt int64  `json:"expiresAt"`
}

// handleIssueToken issues a session token. With an appId the token is the
// deterministic one for role+appId; with a userId it is random per call.
func (s *Server) handleIssueToken(w http.ResponseWriter, r *http.Request) {
	var req issueTokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	var (
		id, token string
		err       error
	)
	switch {
	case req.AppID != "":
		role, ok := domain.ParseRole(req.Role)
		if !ok || role == domain.RoleSystem {
			writeError(w, http.StatusBadRequest, "role must be user or agent")
			return
		}
		id, token, err = s.tokens.IssueFixed(role, req.AppID, req.DisplayName)
	case req.UserID != "":
		id = s.tokens.Identity(domain.RoleUser, req.UserID)
		token, err = s.tokens.Issue(id, req.DisplayName)
	default:
		writeError(w, http.StatusBadRequest, "appId or userId is required")
		return
	}
	if err != nil {
		s.log.Error().Err(err).Msg("token issue failed")
		writeError(w, http.StatusInternalServerError, "token issue failed")
		return
	}

	rec, _ := s.tokens.Validate(token)
	writeJSON(w, http.StatusOK, issueTokenResponse{
		Identity:  id,
		Token:     token,
		ExpiresAt: rec.ExpiresAt.UnixMilli(),
	})
}

type offlinePullResponse struct {
	Messages []domain.ChatMessage `json:"messages"`
}

// handleOfflinePull drains the caller's offline queue for one conversation.
// Returned entries are marked pushed, so a repeat pull is empty.
func (s *Server) handleOfflinePull(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	token := headerOrQuery(r, "X-Relay-Token", "token")
	conversationID := q.Get("conversationId")
	if conversationID == "" {
		writeError(w, http.StatusBadRequest, "conversationId is required")
		return
	}

	rec, ok := s.tokens.Validate(token)
	if !ok {
		writeError(w, http.StatusUnauthorized, "invalid or expired token")
		return
	}

	entries, err := s.offline.Pull(rec.Identity, conversationID)
	if err != nil {
		s.log.Error().Err(err).Str("identity", rec.Identity).Msg("offline pull failed")
		writeError(w, http.StatusInternalServerError, "offline pull failed")
		return
	}

	msgs := make([]domain.ChatMessage, 0, len(entries))
	for _, e := range entries {
		msgs = append(msgs, e.Message)
	}
	writeJSON(w, http.StatusOK, offlinePullResponse{Messages: msgs})
}

type historyResponse struct {
	ConversationID string               `json:"conversationId"`
	Messages       []domain.ChatMessage `json:"messages"`
}

// handleHistory returns the full log of one conversation. Callers must hold
// a valid token for this instance; message-level ACLs are out of scope.
func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	token := headerOrQuery(r, "X-Relay-Token", "token")
	conversationID := r.URL.Query().Get("conversationId")
	if conversationID == "" {
		writeError(w, http.StatusBadRequest, "conversationId is required")
		return
	}

	if _, ok := s.tokens.Validate(token); !ok {
		writeError(w, http.StatusUnauthorized, "invalid or expired token")
		return
	}

	msgs, err := s.history.Conversation(conversationID)
	if err != nil {
		s.log.Error().Err(err).Str("conversation", conversationID).Msg("history query failed")
		writeError(w, http.StatusInternalServerError, "history query failed")
		return
	}
	if msgs == nil {
		msgs = []domain.ChatMessage{}
	}
	writeJSON(w, http.StatusOK, historyResponse{ConversationID: conversationID, Messages: msgs})
}

// handleNotFound returns a 404 for unknown routes.
func handleNotFound(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusNotFound, map[string]string{
		"error": "not found",
		"path":  r.URL.Path,
	})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
