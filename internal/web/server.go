package web

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/Shugur-Network/courier/internal/config"
	"github.com/Shugur-Network/courier/internal/constants"
	"github.com/Shugur-Network/courier/internal/dm"
	apperrors "github.com/Shugur-Network/courier/internal/errors"
	"github.com/Shugur-Network/courier/internal/identity"
	"github.com/Shugur-Network/courier/internal/logger"
	"github.com/Shugur-Network/courier/internal/metrics"
	"github.com/Shugur-Network/courier/internal/models"
	"github.com/Shugur-Network/courier/internal/relay"
	"github.com/Shugur-Network/courier/internal/settings"
	"github.com/nbd-wtf/go-nostr/nip19"
	"go.uber.org/zap"
)

// Server is the local control API. It binds to loopback and exposes the
// pipeline to CLIs and UIs running on the same machine.
type Server struct {
	cfg      config.APIConfig
	ctrl     *dm.Controller
	pool     *relay.Pool
	health   *relay.HealthMonitor
	id       *identity.Identity
	contacts *settings.Store
	reporter *apperrors.Reporter
	log      *zap.Logger

	httpSrv *http.Server
	started time.Time
}

// NewServer wires the API over the pipeline components.
func NewServer(cfg config.APIConfig, ctrl *dm.Controller, pool *relay.Pool, health *relay.HealthMonitor, id *identity.Identity, contacts *settings.Store, reporter *apperrors.Reporter) *Server {
	s := &Server{
		cfg:      cfg,
		ctrl:     ctrl,
		pool:     pool,
		health:   health,
		id:       id,
		contacts: contacts,
		reporter: reporter,
		log:      logger.New("web"),
		started:  time.Now(),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/send", s.handleSend)
	mux.HandleFunc("GET /api/conversations", s.handleConversations)
	mux.HandleFunc("GET /api/messages", s.handleMessages)
	mux.HandleFunc("GET /api/messages/{id}/status", s.handleMessageStatus)
	mux.HandleFunc("POST /api/retry", s.handleRetry)
	mux.HandleFunc("GET /api/relays", s.handleRelays)
	mux.HandleFunc("PUT /api/relays", s.handleSetRelays)
	mux.HandleFunc("GET /api/requests", s.handleRequests)
	mux.HandleFunc("POST /api/requests/accept", s.handleAcceptRequest)
	mux.HandleFunc("POST /api/contacts/block", s.handleBlock)
	mux.HandleFunc("GET /api/profile", s.handleProfile)
	mux.HandleFunc("POST /api/sync", s.handleSync)
	mux.HandleFunc("GET /api/status", s.handleStatus)
	mux.HandleFunc("GET /healthz", s.handleHealthz)

	handler := SecurityMiddleware(APISecurityHeaders())(LoggingMiddleware(mux))
	s.httpSrv = &http.Server{
		Addr:              net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)),
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Start serves the API until Shutdown. Blocks.
func (s *Server) Start() error {
	s.log.Info("control api listening", zap.String("addr", s.httpSrv.Addr))
	if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("control api: %w", err)
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpSrv.Shutdown(ctx)
}

type sendRequest struct {
	Recipient string `json:"recipient"`
	Content   string `json:"content"`
	// Request marks the first contact with an unknown recipient.
	Request bool `json:"request,omitempty"`
}

func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	var req sendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "BAD_JSON", "request body is not valid JSON")
		return
	}

	var msg *models.Message
	var err error
	if req.Request {
		msg, err = s.ctrl.SendConnectionRequest(r.Context(), req.Recipient, req.Content)
	} else {
		msg, err = s.ctrl.SendDM(r.Context(), req.Recipient, req.Content)
	}
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, msg)
}

func (s *Server) handleConversations(w http.ResponseWriter, r *http.Request) {
	convs, err := s.ctrl.Conversations(r.Context())
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"conversations": convs})
}

func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request) {
	conv := r.URL.Query().Get("conversation")
	if conv == "" {
		writeError(w, http.StatusBadRequest, "MISSING_CONVERSATION", "conversation query parameter is required")
		return
	}
	msgs, err := s.ctrl.GetMessagesByConversation(r.Context(), conv)
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": msgs})
}

func (s *Server) handleMessageStatus(w http.ResponseWriter, r *http.Request) {
	status, err := s.ctrl.GetMessageStatus(r.Context(), r.PathValue("id"))
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": status})
}

func (s *Server) handleRetry(w http.ResponseWriter, r *http.Request) {
	var req struct {
		MessageID string `json:"message_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "BAD_JSON", "request body is not valid JSON")
		return
	}
	msg, err := s.ctrl.RetryFailedMessage(r.Context(), req.MessageID)
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, msg)
}

func (s *Server) handleRelays(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"connections": s.pool.ConnectionInfo(),
		"health":      s.health.Snapshots(),
	})
}

func (s *Server) handleSetRelays(w http.ResponseWriter, r *http.Request) {
	var req struct {
		URLs []string `json:"urls"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "BAD_JSON", "request body is not valid JSON")
		return
	}
	if len(req.URLs) == 0 {
		writeError(w, http.StatusBadRequest, "EMPTY_RELAY_SET", "at least one relay url is required")
		return
	}
	s.pool.SetRelayURLs(req.URLs)
	writeJSON(w, http.StatusOK, map[string]any{"relays": req.URLs})
}

func (s *Server) handleRequests(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"requests": s.ctrl.PendingRequests()})
}

func (s *Server) handleAcceptRequest(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ConversationID string `json:"conversation_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "BAD_JSON", "request body is not valid JSON")
		return
	}
	if err := s.ctrl.AcceptConnectionRequest(req.ConversationID); err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"accepted": req.ConversationID})
}

func (s *Server) handleBlock(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Pubkey string `json:"pubkey"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "BAD_JSON", "request body is not valid JSON")
		return
	}
	pubkey, err := dm.NormalizeRecipient(req.Pubkey)
	if err != nil {
		writeAppError(w, err)
		return
	}
	if err := s.contacts.Block(pubkey); err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"blocked": pubkey})
}

func (s *Server) handleProfile(w http.ResponseWriter, r *http.Request) {
	pubkey := r.URL.Query().Get("pubkey")
	if pubkey == "" {
		writeError(w, http.StatusBadRequest, "MISSING_PUBKEY", "pubkey query parameter is required")
		return
	}
	profile, err := s.ctrl.ProfileFor(r.Context(), pubkey)
	if err != nil {
		writeAppError(w, err)
		return
	}
	if profile == nil {
		writeError(w, http.StatusNotFound, "PROFILE_NOT_FOUND", "no profile found before the lookup timed out")
		return
	}
	writeJSON(w, http.StatusOK, profile)
}

func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	if err := s.ctrl.SyncMissedMessages(r.Context()); err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"synced": true})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	npub, _ := nip19.EncodePublicKey(s.id.PublicKey())
	writeJSON(w, http.StatusOK, map[string]any{
		"software":          constants.SoftwareName,
		"version":           config.Version,
		"pubkey":            s.id.PublicKey(),
		"npub":              npub,
		"locked":            s.id.Locked(),
		"network_state":     s.reporter.GetNetworkState(),
		"uptime_seconds":    int64(time.Since(s.started).Seconds()),
		"open_relays":       metrics.GetOpenRelayCount(),
		"messages_sent":     metrics.GetMessagesSentCount(),
		"messages_received": metrics.GetMessagesReceivedCount(),
		"queued_messages":   metrics.GetQueuedMessageCount(),
		"subscriptions":     metrics.GetActiveSubscriptionsCount(),
		"errors":            metrics.GetErrorCount(),
	})
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	state := s.reporter.GetNetworkState()
	code := http.StatusOK
	if state == apperrors.NetworkOffline {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]any{
		"status":      state,
		"open_relays": metrics.GetOpenRelayCount(),
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, errCode, message string) {
	writeJSON(w, code, map[string]any{"error": errCode, "message": message})
}

// writeAppError maps pipeline errors onto HTTP codes, exposing the user
// message rather than internals.
func writeAppError(w http.ResponseWriter, err error) {
	appErr, ok := err.(*apperrors.AppError)
	if !ok {
		writeError(w, http.StatusInternalServerError, "INTERNAL", "internal error")
		return
	}

	code := http.StatusInternalServerError
	switch appErr.Type {
	case apperrors.ErrorTypeValidation:
		code = http.StatusBadRequest
	case apperrors.ErrorTypeNetwork, apperrors.ErrorTypeTimeout:
		code = http.StatusBadGateway
	case apperrors.ErrorTypeState:
		code = http.StatusConflict
	}

	message := appErr.UserMessage
	if message == "" {
		message = appErr.Message
	}
	writeJSON(w, code, map[string]any{"error": appErr.Code, "message": message})
}
