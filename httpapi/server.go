// Package httpapi exposes the whitelist service over HTTP. Every endpoint
// answers with the envelope
//
//	{"success": bool, "data": ..., "errorCode": ..., "errorMessage": ...}
//
// and HTTP status 200, business failures included; the single exception is
// 403 for callers that fail group authorization.
package httpapi

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/qiao-yifan/merklytic-whitelist/config"
	"github.com/qiao-yifan/merklytic-whitelist/log"
	"github.com/qiao-yifan/merklytic-whitelist/storage"
)

const (
	// MinBase64Length and MaxBase64Length bound the uploaded CSV payload
	// before decoding. The upper bound is 10 MiB of base64 text.
	MinBase64Length = 4
	MaxBase64Length = 10_485_760

	// DefaultPageSize applies when a catalog read omits pageSize.
	DefaultPageSize = 100
)

// API is the service surface the HTTP layer calls into.
type API interface {
	UploadWhitelist(ctx context.Context, name string, csvData []byte, allowOverwrite bool) error
	DeleteWhitelist(ctx context.Context, name string) error
	CreateMerkleTree(ctx context.Context, name string) (*storage.RootRecord, error)
	DeleteMerkleTree(ctx context.Context, name string) error
	GetMerkleRoot(ctx context.Context, name string) (*storage.RootRecord, error)
	GetMerkleRoots(ctx context.Context, pageSize int32, startToken string) ([]storage.RootRecord, string, error)
	GetMerkleTrees(ctx context.Context, pageSize int32, startToken string) ([]storage.TreeRecord, string, error)
	GetMerkleProof(ctx context.Context, name, address string) (*storage.ProofRecord, error)
	GetMerkleProofs(ctx context.Context, name string) ([]storage.ProofRecord, error)
}

// Server routes HTTP requests to the service and enforces authorization.
type Server struct {
	api    API
	auth   *authorizer
	logger *log.Logger

	registry *prometheus.Registry
	requests *prometheus.CounterVec
	duration *prometheus.HistogramVec
}

// NewServer creates a Server. groups maps operation names to the caller
// groups allowed to invoke them; operations absent from the map admit any
// authenticated caller.
func NewServer(api API, groups map[string][]string, logger *log.Logger) *Server {
	if logger == nil {
		logger = log.Default()
	}
	logger = logger.Module("httpapi")
	s := &Server{
		api:      api,
		auth:     &authorizer{groups: groups},
		logger:   logger,
		registry: prometheus.NewRegistry(),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "whitelist_http_requests_total",
			Help: "HTTP requests by route and status code.",
		}, []string{"route", "code"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "whitelist_http_request_duration_seconds",
			Help:    "HTTP request latency by route.",
			Buckets: prometheus.DefBuckets,
		}, []string{"route"}),
	}
	s.registry.MustRegister(s.requests, s.duration)
	return s
}

// Handler returns the fully wired HTTP handler.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()

	r.Handle("/UploadWhitelist", s.protected(config.OpUploadWhitelist, s.handleUploadWhitelist)).Methods(http.MethodPost)
	r.Handle("/Whitelist", s.protected(config.OpDeleteWhitelist, s.handleDeleteWhitelist)).Methods(http.MethodDelete)
	r.Handle("/CreateMerkleTree", s.protected(config.OpCreateMerkleTree, s.handleCreateMerkleTree)).Methods(http.MethodPost)
	r.Handle("/MerkleTree", s.protected(config.OpDeleteMerkleTree, s.handleDeleteMerkleTree)).Methods(http.MethodDelete)
	r.Handle("/MerkleRoot", s.protected(config.OpGetMerkleRoot, s.handleGetMerkleRoot)).Methods(http.MethodGet)
	r.Handle("/MerkleRoots", s.protected(config.OpGetMerkleRoots, s.handleGetMerkleRoots)).Methods(http.MethodGet)
	r.Handle("/MerkleProofs", s.protected(config.OpGetMerkleProofs, s.handleGetMerkleProofs)).Methods(http.MethodGet)

	// Open endpoints: the per-address proof read serves claim frontends and
	// the tree catalog exposes names only.
	r.Handle("/MerkleProof", s.instrument("/MerkleProof", s.handleGetMerkleProof)).Methods(http.MethodGet)
	r.Handle("/MerkleTrees", s.instrument("/MerkleTrees", s.handleGetMerkleTrees)).Methods(http.MethodGet)

	r.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	r.HandleFunc("/healthz", s.handleHealthz).Methods(http.MethodGet)

	return handlers.RecoveryHandler(handlers.RecoveryLogger(recoveryLogger{s.logger}))(r)
}

// recoveryLogger adapts the structured logger to gorilla's recovery hook.
type recoveryLogger struct{ l *log.Logger }

func (r recoveryLogger) Println(v ...interface{}) { r.l.Error("panic in handler", "detail", v) }

// protected wraps a handler with group authorization and instrumentation.
func (s *Server) protected(op string, h http.HandlerFunc) http.Handler {
	return s.instrument("/"+op, func(w http.ResponseWriter, r *http.Request) {
		if err := s.auth.allow(r, op); err != nil {
			s.logger.Warn("request rejected", "operation", op, "err", err)
			writeUnauthorized(w)
			return
		}
		h(w, r)
	})
}

// envelope is the uniform response shape.
type envelope struct {
	Success      bool        `json:"success"`
	Data         interface{} `json:"data,omitempty"`
	ErrorCode    string      `json:"errorCode,omitempty"`
	ErrorMessage string      `json:"errorMessage,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v envelope) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeOK(w http.ResponseWriter, data interface{}) {
	writeJSON(w, http.StatusOK, envelope{Success: true, Data: data})
}

func writeUnauthorized(w http.ResponseWriter) {
	writeJSON(w, http.StatusForbidden, envelope{
		Success:      false,
		ErrorCode:    "UnauthorizedAccess",
		ErrorMessage: "Access denied",
	})
}

// writeError renders a business failure inside a 200 envelope. Internal
// failures are logged in full but answered with a generic message.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	kind := storage.KindOf(err)
	switch kind {
	case storage.KindValidation, storage.KindResourceNotFound,
		storage.KindConditionalCheckFailed, storage.KindExists,
		storage.KindThrottled, storage.KindConflict, storage.KindAccessDenied:
		writeJSON(w, http.StatusOK, envelope{
			Success:      false,
			ErrorCode:    string(kind),
			ErrorMessage: err.Error(),
		})
	default:
		s.logger.Error("request failed", "path", r.URL.Path, "err", err)
		writeJSON(w, http.StatusOK, envelope{
			Success:      false,
			ErrorCode:    string(storage.KindInternalError),
			ErrorMessage: "Internal server error",
		})
	}
}

func validationError(w http.ResponseWriter, format string, args ...interface{}) {
	err := storage.NewError(storage.KindValidation, format, args...)
	writeJSON(w, http.StatusOK, envelope{
		Success:      false,
		ErrorCode:    string(storage.KindValidation),
		ErrorMessage: err.Error(),
	})
}

func decodeJSON(r *http.Request, v interface{}) error {
	return json.NewDecoder(r.Body).Decode(v)
}

func (s *Server) handleUploadWhitelist(w http.ResponseWriter, r *http.Request) {
	var req struct {
		WhitelistName          string `json:"whitelistName"`
		WhitelistBase64Content string `json:"whitelistBase64Content"`
	}
	if err := decodeJSON(r, &req); err != nil {
		validationError(w, "malformed request body: %v", err)
		return
	}
	if n := len(req.WhitelistBase64Content); n < MinBase64Length || n > MaxBase64Length {
		validationError(w, "whitelist content length must be %d-%d, got %d", MinBase64Length, MaxBase64Length, n)
		return
	}
	csvData, err := base64.StdEncoding.DecodeString(req.WhitelistBase64Content)
	if err != nil {
		validationError(w, "whitelist content is not valid base64")
		return
	}
	if err := s.api.UploadWhitelist(r.Context(), req.WhitelistName, csvData, false); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeOK(w, map[string]string{"whitelistName": req.WhitelistName})
}

// deleteTarget reads the whitelist name of a DELETE request from its JSON
// body, falling back to the whitelistName query parameter.
func deleteTarget(r *http.Request) string {
	var req struct {
		WhitelistName string `json:"whitelistName"`
	}
	if err := decodeJSON(r, &req); err == nil && req.WhitelistName != "" {
		return req.WhitelistName
	}
	return r.URL.Query().Get("whitelistName")
}

func (s *Server) handleDeleteWhitelist(w http.ResponseWriter, r *http.Request) {
	name := deleteTarget(r)
	if err := s.api.DeleteWhitelist(r.Context(), name); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeOK(w, map[string]string{"whitelistName": name})
}

func (s *Server) handleCreateMerkleTree(w http.ResponseWriter, r *http.Request) {
	var req struct {
		WhitelistName string `json:"whitelistName"`
	}
	if err := decodeJSON(r, &req); err != nil {
		validationError(w, "malformed request body: %v", err)
		return
	}
	rec, err := s.api.CreateMerkleTree(r.Context(), req.WhitelistName)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeOK(w, rec)
}

func (s *Server) handleDeleteMerkleTree(w http.ResponseWriter, r *http.Request) {
	name := deleteTarget(r)
	if err := s.api.DeleteMerkleTree(r.Context(), name); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeOK(w, map[string]string{"whitelistName": name})
}

func (s *Server) handleGetMerkleRoot(w http.ResponseWriter, r *http.Request) {
	rec, err := s.api.GetMerkleRoot(r.Context(), r.URL.Query().Get("whitelistName"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeOK(w, rec)
}

// pageParams reads the shared pagination query parameters.
func pageParams(r *http.Request) (int32, string, error) {
	q := r.URL.Query()
	pageSize := int32(DefaultPageSize)
	if v := q.Get("pageSize"); v != "" {
		n, err := strconv.ParseInt(v, 10, 32)
		if err != nil {
			return 0, "", storage.NewError(storage.KindValidation, "malformed pageSize %q", v)
		}
		pageSize = int32(n)
	}
	return pageSize, q.Get("startingToken"), nil
}

func (s *Server) handleGetMerkleRoots(w http.ResponseWriter, r *http.Request) {
	pageSize, token, err := pageParams(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	recs, next, err := s.api.GetMerkleRoots(r.Context(), pageSize, token)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeOK(w, map[string]interface{}{
		"merkleRoots":       recs,
		"nextStartingToken": next,
	})
}

func (s *Server) handleGetMerkleTrees(w http.ResponseWriter, r *http.Request) {
	pageSize, token, err := pageParams(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	recs, next, err := s.api.GetMerkleTrees(r.Context(), pageSize, token)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeOK(w, map[string]interface{}{
		"merkleTrees":       recs,
		"nextStartingToken": next,
	})
}

func (s *Server) handleGetMerkleProof(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	rec, err := s.api.GetMerkleProof(r.Context(), q.Get("whitelistName"), q.Get("whitelistAddress"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeOK(w, rec)
}

func (s *Server) handleGetMerkleProofs(w http.ResponseWriter, r *http.Request) {
	name := r.URL.Query().Get("whitelistName")
	recs, err := s.api.GetMerkleProofs(r.Context(), name)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeOK(w, map[string]interface{}{
		"whitelistName": name,
		"merkleProofs":  recs,
	})
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}
