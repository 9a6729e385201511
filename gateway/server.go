// Package gateway exposes the distribution ledger over HTTP: participation
// ingestion, proof lookup, claim settlement, and authenticated epoch
// publishing.
package gateway

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"epochpay/core/ledger"
	"epochpay/gateway/middleware"
	"epochpay/observability/metrics"
	"epochpay/services/aggregator"
)

// SettlementEngine is the slice of the ledger core the gateway settles
// claims against.
type SettlementEngine interface {
	Claim(req ledger.ClaimRequest) (*ledger.ClaimReceipt, error)
}

// EpochSealer freezes a participation window into a sealed snapshot.
type EpochSealer interface {
	Seal(ctx context.Context, channel string, epoch uint64) (*aggregator.Seal, error)
}

// SealPublisher pushes unpublished seals to the settlement core.
type SealPublisher interface {
	Sync(ctx context.Context) error
}

// Config captures the dependencies required to construct the server.
type Config struct {
	Store            *aggregator.Store
	Engine           SettlementEngine
	Sealer           EpochSealer
	Publisher        SealPublisher
	Auth             middleware.AuthConfig
	PublisherSubject string
	RateLimits       map[string]middleware.RateLimit
	LogRequests      bool
	Logger           *slog.Logger
}

// Server encapsulates dependencies for the HTTP API.
type Server struct {
	store            *aggregator.Store
	engine           SettlementEngine
	sealer           EpochSealer
	publisher        SealPublisher
	publisherSubject string
	logger           *slog.Logger

	router http.Handler
}

// New constructs a configured HTTP router with authentication, rate limiting,
// and request instrumentation.
func New(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	srv := &Server{
		store:            cfg.Store,
		engine:           cfg.Engine,
		sealer:           cfg.Sealer,
		publisher:        cfg.Publisher,
		publisherSubject: strings.TrimSpace(cfg.PublisherSubject),
		logger:           logger,
	}
	auth := middleware.NewAuthenticator(cfg.Auth, logger)
	limiter := middleware.NewRateLimiter(cfg.RateLimits)
	obs := middleware.NewObservability(middleware.ObservabilityConfig{
		LogRequests: cfg.LogRequests,
	}, logger)
	srv.router = srv.buildRouter(auth, limiter, obs)
	return srv
}

// Handler exposes the configured HTTP router.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) buildRouter(auth *middleware.Authenticator, limiter *middleware.RateLimiter, obs *middleware.Observability) http.Handler {
	r := chi.NewRouter()
	r.Use(requestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Handle("/metrics", obs.MetricsHandler())

	r.Route("/v1", func(api chi.Router) {
		api.With(limiter.Middleware("ingest"), obs.Middleware("participation")).
			Post("/participation", s.recordParticipation)
		api.With(limiter.Middleware("reads"), obs.Middleware("proofs")).
			Get("/proofs", s.lookupProof)
		api.With(limiter.Middleware("claims"), obs.Middleware("claims")).
			Post("/claims", s.settleClaim)
		api.With(auth.Middleware(middleware.ScopePublish), obs.Middleware("epochs")).
			Post("/epochs", s.publishEpoch)
	})

	return r
}

// requestID stamps each request with a correlation identifier, honouring an
// inbound X-Request-Id when present.
func requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimSpace(r.Header.Get("X-Request-Id"))
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-Id", id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), chimw.RequestIDKey, id)))
	})
}

type participationRequest struct {
	Channel  string `json:"channel"`
	Epoch    uint64 `json:"epoch"`
	Identity string `json:"identity"`
	Weight   uint64 `json:"weight"`
}

func (s *Server) recordParticipation(w http.ResponseWriter, r *http.Request) {
	var req participationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid payload")
		return
	}
	if strings.TrimSpace(req.Channel) == "" || req.Epoch == 0 || strings.TrimSpace(req.Identity) == "" {
		writeError(w, http.StatusBadRequest, "channel, epoch and identity are required")
		return
	}
	weight := req.Weight
	if weight == 0 {
		weight = 1
	}
	identityHash := aggregator.HashIdentity(req.Identity)
	err := s.store.RecordParticipation(r.Context(), aggregator.Participation{
		Epoch:        req.Epoch,
		Channel:      req.Channel,
		IdentityHash: identityHash,
		SignalWeight: weight,
	})
	if err != nil {
		s.logger.Error("record participation", "channel", req.Channel, "epoch", req.Epoch, "err", err)
		writeError(w, http.StatusInternalServerError, "failed to record participation")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"accepted":      true,
		"identity_hash": identityHash,
	})
}

type proofResponse struct {
	Channel      string   `json:"channel"`
	Epoch        uint64   `json:"epoch"`
	IdentityHash string   `json:"identity_hash"`
	LeafIndex    uint32   `json:"leaf_index"`
	Amount       uint64   `json:"amount"`
	Proof        []string `json:"proof"`
	Root         string   `json:"root"`
	ClaimCount   uint32   `json:"claim_count"`
}

func (s *Server) lookupProof(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	channel := strings.TrimSpace(query.Get("channel"))
	identity := strings.TrimSpace(query.Get("identity"))
	epoch, err := strconv.ParseUint(query.Get("epoch"), 10, 64)
	if channel == "" || identity == "" || err != nil || epoch == 0 {
		writeError(w, http.StatusBadRequest, "channel, epoch and identity are required")
		return
	}
	identityHash := identity
	// Accept either the raw identity or its already-hashed form.
	if len(identity) != 64 {
		identityHash = aggregator.HashIdentity(identity)
	}
	alloc, err := s.store.AllocationProof(r.Context(), channel, epoch, identityHash)
	if err != nil {
		if errors.Is(err, aggregator.ErrAllocationNotFound) {
			writeError(w, http.StatusNotFound, "no allocation for identity")
			return
		}
		s.logger.Error("proof lookup", "channel", channel, "epoch", epoch, "err", err)
		writeError(w, http.StatusInternalServerError, "proof lookup failed")
		return
	}
	seal, err := s.store.SealFor(r.Context(), channel, epoch)
	if err != nil {
		if errors.Is(err, aggregator.ErrSealNotFound) {
			writeError(w, http.StatusNotFound, "epoch not sealed")
			return
		}
		s.logger.Error("seal lookup", "channel", channel, "epoch", epoch, "err", err)
		writeError(w, http.StatusInternalServerError, "proof lookup failed")
		return
	}
	proof, err := aggregator.DecodeProof(alloc.ProofJSON)
	if err != nil {
		s.logger.Error("stored proof corrupt", "channel", channel, "epoch", epoch, "identity", identityHash, "err", err)
		writeError(w, http.StatusInternalServerError, "proof lookup failed")
		return
	}
	encoded := make([]string, len(proof))
	for i, node := range proof {
		encoded[i] = hex.EncodeToString(node[:])
	}
	writeJSON(w, proofResponse{
		Channel:      channel,
		Epoch:        epoch,
		IdentityHash: alloc.Identity,
		LeafIndex:    alloc.LeafIndex,
		Amount:       alloc.Amount,
		Proof:        encoded,
		Root:         seal.RootHex,
		ClaimCount:   seal.ClaimCount,
	})
}

type claimRequest struct {
	Claimer  string   `json:"claimer"`
	Channel  string   `json:"channel"`
	Epoch    uint64   `json:"epoch"`
	Index    uint32   `json:"index"`
	Amount   uint64   `json:"amount"`
	Identity string   `json:"identity"`
	Proof    []string `json:"proof"`
}

type claimResponse struct {
	ReceiptID string `json:"receipt_id"`
	Channel   string `json:"channel"`
	Epoch     uint64 `json:"epoch"`
	Index     uint32 `json:"index"`
	Claimer   string `json:"claimer"`
	Amount    uint64 `json:"amount"`
	Tier      uint8  `json:"tier"`
	Fee       uint64 `json:"fee"`
	FeeRouted bool   `json:"fee_routed"`
}

func (s *Server) settleClaim(w http.ResponseWriter, r *http.Request) {
	var req claimRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid payload")
		return
	}
	claimer, err := ledger.ParseAddress(req.Claimer)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid claimer address")
		return
	}
	proof := make([][32]byte, len(req.Proof))
	for i, node := range req.Proof {
		raw, err := hex.DecodeString(strings.TrimPrefix(node, "0x"))
		if err != nil || len(raw) != 32 {
			writeError(w, http.StatusBadRequest, "invalid proof node")
			return
		}
		copy(proof[i][:], raw)
	}
	receipt, err := s.engine.Claim(ledger.ClaimRequest{
		Claimer:  claimer,
		Channel:  req.Channel,
		Epoch:    req.Epoch,
		Index:    req.Index,
		Amount:   req.Amount,
		Identity: req.Identity,
		Proof:    proof,
	})
	if err != nil {
		status, label := claimFailure(err)
		metrics.Ledger().ObserveClaim(label)
		writeError(w, status, err.Error())
		return
	}
	metrics.Ledger().ObserveClaim("paid")
	metrics.Ledger().ObservePayout(receipt.Channel, receipt.Amount)
	writeJSON(w, claimResponse{
		ReceiptID: uuid.NewString(),
		Channel:   receipt.Channel,
		Epoch:     receipt.Epoch,
		Index:     receipt.Index,
		Claimer:   "0x" + hex.EncodeToString(receipt.Claimer[:]),
		Amount:    receipt.Amount,
		Tier:      receipt.Tier,
		Fee:       receipt.Fee,
		FeeRouted: receipt.FeeRouted,
	})
}

type publishRequest struct {
	Channel string `json:"channel"`
	Epoch   uint64 `json:"epoch"`
}

type publishResponse struct {
	Channel        string `json:"channel"`
	Epoch          uint64 `json:"epoch"`
	Root           string `json:"root"`
	TotalClaimable uint64 `json:"total_claimable"`
	ClaimCount     uint32 `json:"claim_count"`
	Published      bool   `json:"published"`
}

func (s *Server) publishEpoch(w http.ResponseWriter, r *http.Request) {
	if s.publisherSubject != "" && middleware.Subject(r.Context()) != s.publisherSubject {
		writeError(w, http.StatusForbidden, "subject is not the configured publisher")
		return
	}
	var req publishRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid payload")
		return
	}
	if strings.TrimSpace(req.Channel) == "" || req.Epoch == 0 {
		writeError(w, http.StatusBadRequest, "channel and epoch are required")
		return
	}
	seal, err := s.sealer.Seal(r.Context(), req.Channel, req.Epoch)
	if err != nil {
		if errors.Is(err, aggregator.ErrEpochEmpty) {
			writeError(w, http.StatusUnprocessableEntity, "epoch has no participants")
			return
		}
		s.logger.Error("seal epoch", "channel", req.Channel, "epoch", req.Epoch, "err", err)
		writeError(w, http.StatusInternalServerError, "failed to seal epoch")
		return
	}
	if s.publisher != nil {
		if err := s.publisher.Sync(r.Context()); err != nil {
			s.logger.Warn("publish sync", "channel", req.Channel, "epoch", req.Epoch, "err", err)
		}
		// Re-read to pick up the published flag set by the sync pass.
		if fresh, err := s.store.SealFor(r.Context(), req.Channel, req.Epoch); err == nil {
			seal = fresh
		}
	}
	writeJSON(w, publishResponse{
		Channel:        seal.Channel,
		Epoch:          seal.Epoch,
		Root:           seal.RootHex,
		TotalClaimable: seal.TotalClaimable,
		ClaimCount:     seal.ClaimCount,
		Published:      seal.Published,
	})
}

// claimFailure maps a settlement error to an HTTP status and a metrics label.
func claimFailure(err error) (int, string) {
	switch {
	case errors.Is(err, ledger.ErrAlreadyClaimed):
		return http.StatusConflict, "already_claimed"
	case errors.Is(err, ledger.ErrInvalidProof):
		return http.StatusUnprocessableEntity, "invalid_proof"
	case errors.Is(err, ledger.ErrInvalidIndex),
		errors.Is(err, ledger.ErrInvalidAmount),
		errors.Is(err, ledger.ErrIdentityTooLong):
		return http.StatusUnprocessableEntity, "invalid_request"
	case errors.Is(err, ledger.ErrChannelNotFound),
		errors.Is(err, ledger.ErrEpochNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, ledger.ErrProtocolPaused):
		return http.StatusServiceUnavailable, "paused"
	case errors.Is(err, ledger.ErrInsufficientTreasury):
		return http.StatusServiceUnavailable, "insufficient_treasury"
	default:
		return http.StatusInternalServerError, "error"
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}
