package rpc

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"math/big"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"safeswap/core"
	"safeswap/core/state"
	"safeswap/crypto"
	"safeswap/native/escrow"
	"safeswap/observability"
)

const (
	headerIdempotencyKey = "Idempotency-Key"
	headerRequestID      = "X-Request-Id"
	maxBodyBytes         = 1 << 20
)

// Server exposes the escrow lifecycle over HTTP. Mutating routes accept JSON
// bodies, pass through the idempotency cache when a key is supplied, and are
// recorded in the audit log.
type Server struct {
	node    *core.Node
	auth    *Authenticator
	store   *Store
	log     *slog.Logger
	metrics *observability.EscrowMetrics
	tracing *Tracing
}

func NewServer(node *core.Node, auth *Authenticator, store *Store, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		node:    node,
		auth:    auth,
		store:   store,
		log:     logger,
		metrics: observability.Escrow(),
		tracing: NewTracing("safeswap-gateway", logger),
	}
}

// Router assembles the chi mux. Health and metrics stay outside the auth
// boundary so probes do not need tokens.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(requestIDMiddleware)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Group(func(r chi.Router) {
		if s.auth != nil {
			r.Use(s.auth.Middleware)
		}
		r.With(s.tracing.Middleware("escrow.create")).Post("/escrow/create", s.handleCreate)
		r.With(s.tracing.Middleware("escrow.fund")).Post("/escrow/fund", s.handleFund)
		r.With(s.tracing.Middleware("escrow.complete")).Post("/escrow/complete", s.handleComplete)
		r.With(s.tracing.Middleware("escrow.cancel")).Post("/escrow/cancel", s.handleCancel)
		r.With(s.tracing.Middleware("escrow.refund")).Post("/escrow/refund", s.handleRefund)
		r.With(s.tracing.Middleware("escrow.get")).Get("/escrow/{id}", s.handleGet)
		r.With(s.tracing.Middleware("balance.get")).Get("/balance/{address}", s.handleBalance)
		if s.auth == nil || !s.auth.cfg.Enabled {
			// Dev faucet. Only reachable when auth is off.
			r.With(s.tracing.Middleware("dev.mint")).Post("/dev/mint", s.handleMint)
		}
	})
	return r
}

type createRequest struct {
	Seller    string `json:"seller"`
	ListingID string `json:"listingId"`
	Amount    string `json:"amount"`
	ExpireAt  int64  `json:"expireAt,omitempty"`
}

type fundRequest struct {
	ID    string `json:"id"`
	Buyer string `json:"buyer"`
}

type completeRequest struct {
	ID     string `json:"id"`
	Buyer  string `json:"buyer"`
	Seller string `json:"seller"`
}

type cancelRequest struct {
	ID     string `json:"id"`
	Seller string `json:"seller"`
}

type refundRequest struct {
	ID    string `json:"id"`
	Buyer string `json:"buyer"`
}

type mintRequest struct {
	Address string `json:"address"`
	Amount  string `json:"amount"`
}

type escrowView struct {
	ID        string `json:"id"`
	Seller    string `json:"seller"`
	Buyer     string `json:"buyer,omitempty"`
	ListingID string `json:"listingId"`
	Amount    string `json:"amount"`
	Status    string `json:"status"`
	CreatedAt int64  `json:"createdAt"`
	ExpireAt  int64  `json:"expireAt,omitempty"`
	Authority string `json:"authority"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	s.handleMutation(w, r, "create", func(body []byte) (int, any) {
		var req createRequest
		if err := json.Unmarshal(body, &req); err != nil {
			return http.StatusBadRequest, errorResponse{Error: "invalid JSON payload"}
		}
		seller, err := decodeParty(req.Seller)
		if err != nil {
			return http.StatusBadRequest, errorResponse{Error: "seller: " + err.Error()}
		}
		if !s.callerMatches(r, seller) {
			return http.StatusForbidden, errorResponse{Error: "seller does not match authenticated caller"}
		}
		amount, err := parseAmount(req.Amount)
		if err != nil {
			return http.StatusBadRequest, errorResponse{Error: "amount: " + err.Error()}
		}
		esc, err := s.node.CreateEscrow(seller.Raw(), req.ListingID, amount, req.ExpireAt)
		if err != nil {
			return s.errorStatus("create", err)
		}
		return http.StatusCreated, viewOf(esc)
	})
}

func (s *Server) handleFund(w http.ResponseWriter, r *http.Request) {
	s.handleMutation(w, r, "fund", func(body []byte) (int, any) {
		var req fundRequest
		if err := json.Unmarshal(body, &req); err != nil {
			return http.StatusBadRequest, errorResponse{Error: "invalid JSON payload"}
		}
		id, err := decodeEscrowID(req.ID)
		if err != nil {
			return http.StatusBadRequest, errorResponse{Error: "id: " + err.Error()}
		}
		buyer, err := decodeParty(req.Buyer)
		if err != nil {
			return http.StatusBadRequest, errorResponse{Error: "buyer: " + err.Error()}
		}
		if !s.callerMatches(r, buyer) {
			return http.StatusForbidden, errorResponse{Error: "buyer does not match authenticated caller"}
		}
		if err := s.node.FundEscrow(id, buyer.Raw()); err != nil {
			return s.errorStatus("fund", err)
		}
		return s.escrowResult(id)
	})
}

func (s *Server) handleComplete(w http.ResponseWriter, r *http.Request) {
	s.handleMutation(w, r, "complete", func(body []byte) (int, any) {
		var req completeRequest
		if err := json.Unmarshal(body, &req); err != nil {
			return http.StatusBadRequest, errorResponse{Error: "invalid JSON payload"}
		}
		id, err := decodeEscrowID(req.ID)
		if err != nil {
			return http.StatusBadRequest, errorResponse{Error: "id: " + err.Error()}
		}
		buyer, err := decodeParty(req.Buyer)
		if err != nil {
			return http.StatusBadRequest, errorResponse{Error: "buyer: " + err.Error()}
		}
		seller, err := decodeParty(req.Seller)
		if err != nil {
			return http.StatusBadRequest, errorResponse{Error: "seller: " + err.Error()}
		}
		if !s.callerMatches(r, buyer) {
			return http.StatusForbidden, errorResponse{Error: "buyer does not match authenticated caller"}
		}
		if err := s.node.CompleteEscrow(id, buyer.Raw(), seller.Raw()); err != nil {
			return s.errorStatus("complete", err)
		}
		return s.escrowResult(id)
	})
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	s.handleMutation(w, r, "cancel", func(body []byte) (int, any) {
		var req cancelRequest
		if err := json.Unmarshal(body, &req); err != nil {
			return http.StatusBadRequest, errorResponse{Error: "invalid JSON payload"}
		}
		id, err := decodeEscrowID(req.ID)
		if err != nil {
			return http.StatusBadRequest, errorResponse{Error: "id: " + err.Error()}
		}
		seller, err := decodeParty(req.Seller)
		if err != nil {
			return http.StatusBadRequest, errorResponse{Error: "seller: " + err.Error()}
		}
		if !s.callerMatches(r, seller) {
			return http.StatusForbidden, errorResponse{Error: "seller does not match authenticated caller"}
		}
		if err := s.node.CancelEscrow(id, seller.Raw()); err != nil {
			return s.errorStatus("cancel", err)
		}
		return s.escrowResult(id)
	})
}

func (s *Server) handleRefund(w http.ResponseWriter, r *http.Request) {
	s.handleMutation(w, r, "refund", func(body []byte) (int, any) {
		var req refundRequest
		if err := json.Unmarshal(body, &req); err != nil {
			return http.StatusBadRequest, errorResponse{Error: "invalid JSON payload"}
		}
		id, err := decodeEscrowID(req.ID)
		if err != nil {
			return http.StatusBadRequest, errorResponse{Error: "id: " + err.Error()}
		}
		buyer, err := decodeParty(req.Buyer)
		if err != nil {
			return http.StatusBadRequest, errorResponse{Error: "buyer: " + err.Error()}
		}
		if !s.callerMatches(r, buyer) {
			return http.StatusForbidden, errorResponse{Error: "buyer does not match authenticated caller"}
		}
		if err := s.node.RefundEscrow(id, buyer.Raw()); err != nil {
			return s.errorStatus("refund", err)
		}
		return s.escrowResult(id)
	})
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	id, err := decodeEscrowID(chi.URLParam(r, "id"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "id: " + err.Error()})
		return
	}
	esc, err := s.node.GetEscrow(id)
	if errors.Is(err, escrow.ErrNotFound) {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "escrow not found"})
		return
	}
	if err != nil {
		s.log.Error("escrow lookup failed", "err", err)
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "internal error"})
		return
	}
	writeJSON(w, http.StatusOK, viewOf(esc))
}

func (s *Server) handleBalance(w http.ResponseWriter, r *http.Request) {
	addr, err := crypto.DecodeAddress(chi.URLParam(r, "address"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "address: " + err.Error()})
		return
	}
	balance, err := s.node.GetBalance(addr.Raw())
	if err != nil {
		s.log.Error("balance lookup failed", "err", err)
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "internal error"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"address": addr.String(), "balance": balance.String()})
}

func (s *Server) handleMint(w http.ResponseWriter, r *http.Request) {
	s.handleMutation(w, r, "mint", func(body []byte) (int, any) {
		var req mintRequest
		if err := json.Unmarshal(body, &req); err != nil {
			return http.StatusBadRequest, errorResponse{Error: "invalid JSON payload"}
		}
		addr, err := decodeParty(req.Address)
		if err != nil {
			return http.StatusBadRequest, errorResponse{Error: "address: " + err.Error()}
		}
		amount, err := parseAmount(req.Amount)
		if err != nil {
			return http.StatusBadRequest, errorResponse{Error: "amount: " + err.Error()}
		}
		if err := s.node.Mint(addr.Raw(), amount); err != nil {
			return s.errorStatus("mint", err)
		}
		balance, err := s.node.GetBalance(addr.Raw())
		if err != nil {
			return http.StatusInternalServerError, errorResponse{Error: "internal error"}
		}
		return http.StatusOK, map[string]string{"address": addr.String(), "balance": balance.String()}
	})
}

// handleMutation reads the capped body, consults the idempotency cache,
// invokes fn, and records the outcome in metrics and the audit log.
func (s *Server) handleMutation(w http.ResponseWriter, r *http.Request, operation string, fn func(body []byte) (int, any)) {
	start := time.Now()
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "unable to read request body"})
		return
	}

	callerLabel := ""
	if caller, ok := callerFromContext(r.Context()); ok {
		callerLabel = caller.String()
	}
	key := strings.TrimSpace(r.Header.Get(headerIdempotencyKey))
	requestHash := hashRequest(r.Method, r.URL.Path, body)
	if s.store != nil && key != "" {
		cached, cacheErr := s.store.LookupIdempotency(r.Context(), callerLabel, key, requestHash)
		if errors.Is(cacheErr, ErrIdempotencyMismatch) {
			writeJSON(w, http.StatusConflict, errorResponse{Error: cacheErr.Error()})
			return
		}
		if cacheErr != nil {
			s.log.Error("idempotency lookup failed", "err", cacheErr)
			writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "internal error"})
			return
		}
		if cached != nil {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(cached.Status)
			_, _ = w.Write(cached.Body)
			return
		}
	}

	status, payload := fn(body)
	encoded, err := json.Marshal(payload)
	if err != nil {
		s.log.Error("response encode failed", "err", err)
		status = http.StatusInternalServerError
		encoded = []byte(`{"error":"internal error"}`)
	}

	outcome := "ok"
	if status >= 400 {
		outcome = "rejected"
	}
	s.metrics.ObserveOperation(operation, outcome, start)

	if s.store != nil {
		if key != "" && status < 500 {
			if err := s.store.SaveIdempotency(r.Context(), callerLabel, key, requestHash, status, encoded); err != nil {
				s.log.Error("idempotency save failed", "err", err)
			}
		}
		entry := AuditEntry{
			RequestID:      w.Header().Get(headerRequestID),
			Caller:         callerLabel,
			Method:         r.Method,
			Path:           r.URL.Path,
			RequestBody:    body,
			ResponseStatus: status,
			ResponseBody:   encoded,
			Timestamp:      time.Now().UTC(),
		}
		if err := s.store.InsertAuditLog(r.Context(), entry); err != nil {
			s.log.Error("audit insert failed", "err", err)
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(encoded)
}

// escrowResult reloads the record after a successful transition so the
// response reflects committed state.
func (s *Server) escrowResult(id [32]byte) (int, any) {
	esc, err := s.node.GetEscrow(id)
	if err != nil {
		s.log.Error("escrow reload failed", "err", err)
		return http.StatusInternalServerError, errorResponse{Error: "internal error"}
	}
	return http.StatusOK, viewOf(esc)
}

func (s *Server) errorStatus(operation string, err error) (int, any) {
	status := http.StatusInternalServerError
	reason := "internal"
	switch {
	case errors.Is(err, escrow.ErrNotFound):
		status, reason = http.StatusNotFound, "not_found"
	case errors.Is(err, escrow.ErrWrongBuyer):
		status, reason = http.StatusForbidden, "wrong_buyer"
	case errors.Is(err, escrow.ErrWrongSeller):
		status, reason = http.StatusForbidden, "wrong_seller"
	case errors.Is(err, escrow.ErrInvalidStatus):
		status, reason = http.StatusConflict, "invalid_status"
	case errors.Is(err, escrow.ErrAlreadyExists):
		status, reason = http.StatusConflict, "already_exists"
	case errors.Is(err, escrow.ErrAlreadyHasBuyer):
		status, reason = http.StatusConflict, "already_has_buyer"
	case errors.Is(err, state.ErrInsufficientBalance):
		status, reason = http.StatusConflict, "insufficient_balance"
	}
	if status == http.StatusInternalServerError {
		s.log.Error("operation failed", "operation", operation, "err", err)
		return status, errorResponse{Error: "internal error"}
	}
	s.metrics.ObserveRejection(operation, reason)
	return status, errorResponse{Error: err.Error()}
}

// callerMatches enforces that the acting party named in the body is the
// authenticated subject. With auth disabled every party is accepted.
func (s *Server) callerMatches(r *http.Request, party crypto.Address) bool {
	caller, ok := callerFromContext(r.Context())
	if !ok {
		return s.auth == nil || !s.auth.cfg.Enabled
	}
	return caller.Raw() == party.Raw()
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimSpace(r.Header.Get(headerRequestID))
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set(headerRequestID, id)
		next.ServeHTTP(w, r)
	})
}

func decodeParty(value string) (crypto.Address, error) {
	return crypto.DecodeAddress(strings.TrimSpace(value))
}

func decodeEscrowID(value string) ([32]byte, error) {
	var id [32]byte
	trimmed := strings.TrimPrefix(strings.TrimSpace(value), "0x")
	raw, err := hex.DecodeString(trimmed)
	if err != nil {
		return id, errors.New("must be hex encoded")
	}
	if len(raw) != len(id) {
		return id, errors.New("must be 32 bytes")
	}
	copy(id[:], raw)
	return id, nil
}

func parseAmount(value string) (*big.Int, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return nil, errors.New("required")
	}
	amount, ok := new(big.Int).SetString(trimmed, 10)
	if !ok {
		return nil, errors.New("must be a base-10 integer")
	}
	if amount.Sign() <= 0 {
		return nil, errors.New("must be positive")
	}
	return amount, nil
}

func viewOf(esc *escrow.Escrow) escrowView {
	view := escrowView{
		ID:        "0x" + hex.EncodeToString(esc.ID[:]),
		Seller:    crypto.NewAddress(esc.Seller[:]).String(),
		ListingID: esc.ListingID,
		Amount:    esc.Amount.String(),
		Status:    esc.Status.String(),
		CreatedAt: esc.CreatedAt,
		ExpireAt:  esc.ExpireAt,
		Authority: crypto.NewAddress(esc.Authority[:]).String(),
	}
	if esc.HasBuyer() {
		view.Buyer = crypto.NewAddress(esc.Buyer[:]).String()
	}
	return view
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
