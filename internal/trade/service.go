// Package trade provides the HTTP handlers for creating markets, staking,
// resolving, cancelling and claiming, and for querying market state.
//
// All value amounts are uint256 base units encoded as decimal strings, never
// float64.
package trade

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi/v5"
	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"

	"github.com/atmx/pool-markets/internal/amm"
	"github.com/atmx/pool-markets/internal/market"
	"github.com/atmx/pool-markets/internal/model"
	"github.com/atmx/pool-markets/internal/registry"
	"github.com/atmx/pool-markets/internal/store"
)

// Archiver stores the final snapshot of a terminal market.
type Archiver interface {
	Archive(ctx context.Context, snap model.Snapshot) (string, error)
}

// Service exposes the registry over HTTP. Each market serializes its own
// operations, so the service holds no lock of its own.
type Service struct {
	registry *registry.Registry
	store    store.Store
	archiver Archiver // optional
}

// NewService creates a new trade service. Pass nil for archiver if
// settlement archiving is not needed.
func NewService(reg *registry.Registry, st store.Store, archiver Archiver) *Service {
	return &Service{registry: reg, store: st, archiver: archiver}
}

// Routes mounts the market API on r.
func (s *Service) Routes(r chi.Router) {
	r.Get("/markets", s.ListMarkets)
	r.Post("/markets", s.CreateMarket)
	r.Get("/markets/{marketID}", s.GetMarket)
	r.Get("/markets/{marketID}/price", s.GetPrice)
	r.Get("/markets/{marketID}/history", s.GetMarketHistory)
	r.Get("/markets/{marketID}/payouts", s.GetPayouts)
	r.Get("/markets/{marketID}/positions/{participant}", s.GetPosition)
	r.Post("/markets/{marketID}/stake", s.Stake)
	r.Post("/markets/{marketID}/resolve", s.Resolve)
	r.Post("/markets/{marketID}/cancel", s.Cancel)
	r.Post("/markets/{marketID}/claim", s.Claim)
	r.Get("/stats", s.GetStats)
}

// --- Request/Response types ---

// CreateMarketRequest is the JSON body for market creation.
type CreateMarketRequest struct {
	Question    string         `json:"question"`
	Description string         `json:"description"`
	EndTime     time.Time      `json:"end_time"`
	Authority   common.Address `json:"authority"` // resolution authority
	MinStake    *uint256.Int   `json:"min_stake"`
	MaxStake    *uint256.Int   `json:"max_stake"`
}

// StakeRequest is the JSON body for POST /markets/{marketID}/stake.
type StakeRequest struct {
	Participant common.Address `json:"participant"`
	Side        string         `json:"side"` // "YES" or "NO"
	Amount      *uint256.Int   `json:"amount"`
	Value       *uint256.Int   `json:"value"` // value attached; defaults to amount
}

// StakeResponse is the JSON body returned from a stake.
type StakeResponse struct {
	MarketID string         `json:"market_id"`
	Side     string         `json:"side"`
	Amount   *uint256.Int   `json:"amount"`
	Shares   *uint256.Int   `json:"shares"`
	Price    uint64         `json:"price_yes"`
	Pools    model.Pools    `json:"pools"`
	Position model.Position `json:"position"`
}

// ResolveRequest is the JSON body for POST /markets/{marketID}/resolve.
// Caller is trusted as sent; authenticating it is left to the gateway in
// front of this service.
// TODO: bind Caller to a signed request once the gateway forwards signatures.
type ResolveRequest struct {
	Caller  common.Address `json:"caller"`
	Outcome string         `json:"outcome"` // "YES" or "NO"
}

// CancelRequest is the JSON body for POST /markets/{marketID}/cancel.
// Caller is trusted as sent, as for ResolveRequest.
type CancelRequest struct {
	Caller common.Address `json:"caller"`
}

// ClaimRequest is the JSON body for POST /markets/{marketID}/claim.
type ClaimRequest struct {
	Participant common.Address `json:"participant"`
}

// MarketView is the public representation of a market.
type MarketView struct {
	ID          string                 `json:"id"`
	Question    string                 `json:"question"`
	Description string                 `json:"description"`
	EndTime     time.Time              `json:"end_time"`
	Authority   common.Address         `json:"authority"`
	MinStake    *uint256.Int           `json:"min_stake"`
	MaxStake    *uint256.Int           `json:"max_stake"`
	State       model.State            `json:"state"`
	Outcome     model.Side             `json:"outcome,omitempty"`
	CreatedAt   time.Time              `json:"created_at"`
	Pools       model.Pools            `json:"pools"`
	PriceYes    uint64                 `json:"price_yes"`
	PriceNo     uint64                 `json:"price_no"`
	ImpliedYes  decimal.Decimal        `json:"implied_yes"`
	Stats       model.Stats            `json:"stats"`
	Basis       *model.SettlementBasis `json:"settlement_basis,omitempty"`
}

// PriceResponse is the JSON body for GET /markets/{marketID}/price.
type PriceResponse struct {
	Yes        uint64          `json:"yes"`
	No         uint64          `json:"no"`
	ImpliedYes decimal.Decimal `json:"implied_yes"`
	ImpliedNo  decimal.Decimal `json:"implied_no"`
}

func viewOf(m *market.Market) MarketView {
	snap := m.Snapshot()
	price := amm.Price(snap.Pools)
	return MarketView{
		ID:          snap.ID,
		Question:    snap.Config.Question,
		Description: snap.Config.Description,
		EndTime:     snap.Config.EndTime,
		Authority:   snap.Config.Authority,
		MinStake:    snap.Config.MinStake,
		MaxStake:    snap.Config.MaxStake,
		State:       snap.State,
		Outcome:     snap.Outcome,
		CreatedAt:   snap.CreatedAt,
		Pools:       snap.Pools,
		PriceYes:    price,
		PriceNo:     100 - price,
		ImpliedYes:  amm.ImpliedYes(snap.Pools),
		Stats:       m.Stats(),
		Basis:       snap.Basis,
	}
}

// --- HTTP Handlers ---

// CreateMarket handles POST /api/v1/markets
func (s *Service) CreateMarket(w http.ResponseWriter, r *http.Request) {
	var req CreateMarketRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	m, err := s.registry.Create(ctx, model.Config{
		Question:    req.Question,
		Description: req.Description,
		EndTime:     req.EndTime,
		Authority:   req.Authority,
		MinStake:    req.MinStake,
		MaxStake:    req.MaxStake,
	})
	if err != nil {
		writeEngineError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, viewOf(m))
}

// ListMarkets handles GET /api/v1/markets
// Returns all markets, optionally filtered by ?state=<active|resolved|cancelled>.
func (s *Service) ListMarkets(w http.ResponseWriter, r *http.Request) {
	var filter *model.State
	if v := r.URL.Query().Get("state"); v != "" {
		st, err := model.ParseState(v)
		if err != nil {
			writeError(w, "invalid state filter", http.StatusBadRequest)
			return
		}
		filter = &st
	}

	views := []MarketView{}
	for _, m := range s.registry.List() {
		if filter != nil && m.State() != *filter {
			continue
		}
		views = append(views, viewOf(m))
	}
	writeJSON(w, http.StatusOK, views)
}

// GetMarket handles GET /api/v1/markets/{marketID}
func (s *Service) GetMarket(w http.ResponseWriter, r *http.Request) {
	m, ok := s.lookup(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, viewOf(m))
}

// GetPrice handles GET /api/v1/markets/{marketID}/price
func (s *Service) GetPrice(w http.ResponseWriter, r *http.Request) {
	m, ok := s.lookup(w, r)
	if !ok {
		return
	}
	pools := m.Pools()
	price := amm.Price(pools)
	writeJSON(w, http.StatusOK, PriceResponse{
		Yes:        price,
		No:         100 - price,
		ImpliedYes: amm.ImpliedYes(pools),
		ImpliedNo:  amm.ImpliedNo(pools),
	})
}

// GetMarketHistory handles GET /api/v1/markets/{marketID}/history
// Returns the market's committed events in sequence order. ?after=<seq>
// skips events a client has already seen.
func (s *Service) GetMarketHistory(w http.ResponseWriter, r *http.Request) {
	m, ok := s.lookup(w, r)
	if !ok {
		return
	}
	var after uint64
	if v := r.URL.Query().Get("after"); v != "" {
		n, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			writeError(w, "invalid after parameter", http.StatusBadRequest)
			return
		}
		after = n
	}

	all, err := s.store.GetEvents(r.Context(), m.ID())
	if err != nil {
		writeError(w, "failed to get market history", http.StatusInternalServerError)
		return
	}
	events := make([]model.Event, 0, len(all))
	for _, e := range all {
		if e.Seq > after {
			events = append(events, e)
		}
	}
	writeJSON(w, http.StatusOK, events)
}

// GetPayouts handles GET /api/v1/markets/{marketID}/payouts
func (s *Service) GetPayouts(w http.ResponseWriter, r *http.Request) {
	m, ok := s.lookup(w, r)
	if !ok {
		return
	}
	payouts, err := s.store.GetPayouts(r.Context(), m.ID())
	if err != nil {
		writeError(w, "failed to get payouts", http.StatusInternalServerError)
		return
	}
	if payouts == nil {
		payouts = []model.Payout{}
	}
	writeJSON(w, http.StatusOK, payouts)
}

// GetPosition handles GET /api/v1/markets/{marketID}/positions/{participant}
func (s *Service) GetPosition(w http.ResponseWriter, r *http.Request) {
	m, ok := s.lookup(w, r)
	if !ok {
		return
	}
	participant := chi.URLParam(r, "participant")
	if !common.IsHexAddress(participant) {
		writeError(w, "invalid participant address", http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusOK, m.Position(common.HexToAddress(participant)))
}

// Stake handles POST /api/v1/markets/{marketID}/stake
func (s *Service) Stake(w http.ResponseWriter, r *http.Request) {
	m, ok := s.lookup(w, r)
	if !ok {
		return
	}
	var req StakeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	side, err := model.ParseSide(req.Side)
	if err != nil {
		writeEngineError(w, model.ErrInvalidSide)
		return
	}
	value := req.Value
	if value == nil {
		value = req.Amount
	}

	ctx := r.Context()
	res, err := m.Stake(ctx, market.StakeRequest{
		Participant: req.Participant,
		Side:        side,
		Amount:      req.Amount,
		Value:       value,
	})
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, StakeResponse{
		MarketID: m.ID(),
		Side:     side.String(),
		Amount:   req.Amount,
		Shares:   res.Shares,
		Price:    res.Price,
		Pools:    res.Pools,
		Position: res.Position,
	})
}

// Resolve handles POST /api/v1/markets/{marketID}/resolve
func (s *Service) Resolve(w http.ResponseWriter, r *http.Request) {
	m, ok := s.lookup(w, r)
	if !ok {
		return
	}
	var req ResolveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	outcome, err := model.ParseSide(req.Outcome)
	if err != nil {
		outcome = 0 // rejected by the market after the authority check
	}

	ctx := r.Context()
	if err := m.Resolve(ctx, req.Caller, outcome); err != nil {
		writeEngineError(w, err)
		return
	}
	s.archive(ctx, m)

	writeJSON(w, http.StatusOK, viewOf(m))
}

// Cancel handles POST /api/v1/markets/{marketID}/cancel
func (s *Service) Cancel(w http.ResponseWriter, r *http.Request) {
	m, ok := s.lookup(w, r)
	if !ok {
		return
	}
	var req CancelRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	if err := m.Cancel(ctx, req.Caller); err != nil {
		writeEngineError(w, err)
		return
	}
	s.archive(ctx, m)

	writeJSON(w, http.StatusOK, viewOf(m))
}

// Claim handles POST /api/v1/markets/{marketID}/claim
func (s *Service) Claim(w http.ResponseWriter, r *http.Request) {
	m, ok := s.lookup(w, r)
	if !ok {
		return
	}
	var req ClaimRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	payout, err := m.Claim(ctx, req.Participant)
	if err != nil {
		if model.KindOf(err) == model.KindUnknown {
			// Recording or paying failed and the claim was rolled back.
			slog.Error("claim failed", "market", m.ID(), "participant", req.Participant.Hex(), "err", err)
			writeError(w, "claim could not be completed", http.StatusBadGateway)
			return
		}
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, payout)
}

// GetStats handles GET /api/v1/stats
func (s *Service) GetStats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.registry.Stats())
}

// --- helpers ---

func (s *Service) lookup(w http.ResponseWriter, r *http.Request) (*market.Market, bool) {
	m, ok := s.registry.Get(chi.URLParam(r, "marketID"))
	if !ok {
		writeError(w, "market not found", http.StatusNotFound)
		return nil, false
	}
	return m, true
}

func (s *Service) archive(ctx context.Context, m *market.Market) {
	if s.archiver == nil {
		return
	}
	key, err := s.archiver.Archive(context.WithoutCancel(ctx), m.Snapshot())
	if err != nil {
		slog.Warn("settlement archive failed", "market", m.ID(), "err", err)
		return
	}
	slog.Info("settlement archived", "market", m.ID(), "key", key)
}

// statusFor maps a rejection kind to an HTTP status.
func statusFor(err error) int {
	switch model.KindOf(err) {
	case model.KindAuthorization:
		return http.StatusForbidden
	case model.KindState, model.KindTiming, model.KindDuplicateClaim:
		return http.StatusConflict
	case model.KindValidation, model.KindArithmetic, model.KindEmptyClaim:
		return http.StatusUnprocessableEntity
	}
	if errors.Is(err, registry.ErrUnknownMarket) {
		return http.StatusNotFound
	}
	return http.StatusInternalServerError
}

// writeEngineError writes a rejection with its reason code.
func writeEngineError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		slog.Error("internal error", "err", err)
		msg = "internal error"
	}
	writeJSON(w, status, errorBody{Error: msg, Code: model.CodeOf(err)})
}

type errorBody struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	writeJSON(w, status, errorBody{Error: message})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
