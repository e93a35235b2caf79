package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/mikey/mail-onebox/internal/config"
	"github.com/mikey/mail-onebox/internal/core"
	"github.com/mikey/mail-onebox/internal/mailbox"
	"go.uber.org/zap"
)

const maxBodyBytes = 1 << 20

// AccountRegistry registers accounts and reports their session state
type AccountRegistry interface {
	Register(ctx context.Context, account core.AccountConfig) error
	Accounts() []mailbox.SessionState
}

// KnowledgeAdder stores reply guidance
type KnowledgeAdder interface {
	Add(ctx context.Context, text string) error
}

// Server exposes account registration, knowledge ingestion and record queries over HTTP
type Server struct {
	registry  AccountRegistry
	knowledge KnowledgeAdder
	store     core.RecordStore
	logger    *zap.Logger
	cfg       config.ServerConfig
	mux       *http.ServeMux
	srv       *http.Server
}

type messageResponse struct {
	Message string `json:"message"`
}

type knowledgeRequest struct {
	Text string `json:"text"`
}

// NewServer creates a new API server
func NewServer(
	registry AccountRegistry,
	knowledge KnowledgeAdder,
	store core.RecordStore,
	cfg config.ServerConfig,
	logger *zap.Logger,
) *Server {
	s := &Server{
		registry:  registry,
		knowledge: knowledge,
		store:     store,
		logger:    logger,
		cfg:       cfg,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /imap-clients", s.handleRegister)
	mux.HandleFunc("POST /knowledge", s.handleKnowledge)
	mux.HandleFunc("GET /emails", s.handleEmails)
	mux.HandleFunc("GET /search", s.handleSearch)
	mux.HandleFunc("GET /accounts", s.handleAccounts)
	mux.HandleFunc("GET /health", s.handleHealth)
	s.mux = mux
	return s
}

// ServeHTTP adds CORS headers when an allowed origin is configured and
// answers preflight requests before routing
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if s.cfg.CORSOrigin != "" {
		h := w.Header()
		h.Set("Access-Control-Allow-Origin", s.cfg.CORSOrigin)
		h.Add("Vary", "Origin")
		if r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != "" {
			h.Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			h.Set("Access-Control-Allow-Headers", "Content-Type")
			h.Set("Access-Control-Max-Age", "600")
			w.WriteHeader(http.StatusNoContent)
			return
		}
	}
	s.mux.ServeHTTP(w, r)
}

// Start begins serving in the background
func (s *Server) Start() error {
	s.srv = &http.Server{
		Addr:         s.cfg.ListenAddress,
		Handler:      s,
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
	}

	s.logger.Info("Starting API server", zap.String("listen_address", s.cfg.ListenAddress))

	go func() {
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("API server error", zap.Error(err))
		}
	}()
	return nil
}

// Shutdown gracefully stops the server
func (s *Server) Shutdown(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	s.logger.Info("Stopping API server")
	if err := s.srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shut down API server: %w", err)
	}
	return nil
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var account core.AccountConfig
	if err := decodeBody(r, &account); err != nil {
		s.respondMessage(w, http.StatusBadRequest, "invalid request body")
		return
	}

	err := s.registry.Register(r.Context(), account)
	switch {
	case err == nil:
		s.respondMessage(w, http.StatusCreated, fmt.Sprintf("IMAP client for %s started", account.Identity()))
	case errors.Is(err, core.ErrInvalidConfig):
		s.respondMessage(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, core.ErrDuplicateAccount):
		s.respondMessage(w, http.StatusConflict, err.Error())
	default:
		s.logger.Error("Failed to register account", zap.String("account", account.Identity()), zap.Error(err))
		s.respondMessage(w, http.StatusServiceUnavailable, "unable to register account")
	}
}

func (s *Server) handleKnowledge(w http.ResponseWriter, r *http.Request) {
	var req knowledgeRequest
	if err := decodeBody(r, &req); err != nil {
		s.respondMessage(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(req.Text) == "" {
		s.respondMessage(w, http.StatusBadRequest, "text is required")
		return
	}
	if err := s.knowledge.Add(r.Context(), req.Text); err != nil {
		s.logger.Error("Failed to add knowledge", zap.Error(err))
		s.respondMessage(w, http.StatusInternalServerError, "unable to add knowledge")
		return
	}
	s.respondMessage(w, http.StatusCreated, "Knowledge added")
}

func (s *Server) handleEmails(w http.ResponseWriter, r *http.Request) {
	params := r.URL.Query()
	page, limit := pageParams(params)

	query := core.RecordQuery{
		Account: core.NormalizeAccount(params.Get("account")),
		Folder:  strings.TrimSpace(params.Get("folder")),
		Page:    page,
		Limit:   limit,
	}
	if raw := strings.TrimSpace(params.Get("category")); raw != "" {
		category, ok := core.ParseCategory(raw)
		if !ok {
			s.respondMessage(w, http.StatusBadRequest, fmt.Sprintf("unknown category %q", raw))
			return
		}
		query.Category = category
	}

	result, err := s.store.Search(r.Context(), query)
	if err != nil {
		s.logger.Error("Failed to search records", zap.Error(err))
		s.respondMessage(w, http.StatusInternalServerError, "unable to list emails")
		return
	}
	s.respondJSON(w, http.StatusOK, result)
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	q := strings.TrimSpace(r.URL.Query().Get("q"))
	if q == "" {
		s.respondMessage(w, http.StatusBadRequest, "Search query 'q' is required")
		return
	}

	records, err := s.store.FullTextSearch(r.Context(), q)
	if err != nil {
		s.logger.Error("Failed to run full text search", zap.String("query", q), zap.Error(err))
		s.respondMessage(w, http.StatusInternalServerError, "unable to search emails")
		return
	}
	if records == nil {
		records = []core.MailRecord{}
	}
	s.respondJSON(w, http.StatusOK, records)
}

func (s *Server) handleAccounts(w http.ResponseWriter, _ *http.Request) {
	s.respondJSON(w, http.StatusOK, s.registry.Accounts())
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"status":   "ok",
		"accounts": len(s.registry.Accounts()),
		"time":     time.Now().UTC(),
	})
}

func (s *Server) respondJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Debug("Failed to write response", zap.Error(err))
	}
}

func (s *Server) respondMessage(w http.ResponseWriter, status int, message string) {
	s.respondJSON(w, status, messageResponse{Message: message})
}

func decodeBody(r *http.Request, v interface{}) error {
	decoder := json.NewDecoder(http.MaxBytesReader(nil, r.Body, maxBodyBytes))
	return decoder.Decode(v)
}
