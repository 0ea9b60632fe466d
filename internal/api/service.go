// Package api exposes the position ledger over HTTP: product lifecycle,
// position changes, settlement, parameter updates, the read model and the
// collateral ledger. Callers identify themselves with the X-Caller header.
//
// All monetary values use shopspring/decimal, never float64.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/atmx/perp-ledger/internal/collateral"
	"github.com/atmx/perp-ledger/internal/controller"
	"github.com/atmx/perp-ledger/internal/curve"
	"github.com/atmx/perp-ledger/internal/events"
	"github.com/atmx/perp-ledger/internal/model"
	"github.com/atmx/perp-ledger/internal/oracle"
	"github.com/atmx/perp-ledger/internal/payoff"
	"github.com/atmx/perp-ledger/internal/position"
	"github.com/atmx/perp-ledger/internal/product"
	"github.com/atmx/perp-ledger/internal/store"
)

// CallerHeader carries the identity of the caller.
const CallerHeader = "X-Caller"

// ErrUnknownProduct is returned for product IDs the service does not serve.
var ErrUnknownProduct = errors.New("api: unknown product")

// Market is one served product together with the feed prices are pushed to.
type Market struct {
	Product *product.Product
	Feed    *oracle.MemoryFeed
	Payoff  *payoff.Definition
}

// Service serves every registered market. Products serialize their own
// mutations, so the service lock only guards the market registry.
type Service struct {
	store  store.Store
	ctrl   *controller.Static
	ledger *collateral.Ledger
	hub    *WSHub // optional; nil disables the WebSocket route
	broker events.Broker

	mu      sync.RWMutex
	markets map[string]*Market
}

// NewService creates a service. Products publish their events to broker;
// pass nil for hub if WebSocket streaming is not needed and nil for broker
// to discard events.
func NewService(st store.Store, ctrl *controller.Static, ledger *collateral.Ledger, hub *WSHub, broker events.Broker) *Service {
	if broker == nil {
		broker = events.Nop{}
	}
	return &Service{
		store:   st,
		ctrl:    ctrl,
		ledger:  ledger,
		hub:     hub,
		broker:  broker,
		markets: make(map[string]*Market),
	}
}

func (s *Service) deps(feed oracle.Feed) product.Deps {
	return product.Deps{
		Store:      s.store,
		Oracle:     feed,
		Controller: s.ctrl,
		Collateral: s.ledger,
		Broker:     s.broker,
	}
}

// AddMarket creates a product for ticker with the given coordinator owner.
// When restore is set and the product already exists in the store, it is
// attached instead. The market's feed starts empty; the ledger bootstraps
// once prices are pushed.
func (s *Service) AddMarket(ctx context.Context, ticker, owner string, params model.Parameters, restore bool) (*Market, error) {
	def, err := payoff.ParseTicker(ticker)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.markets[ticker]; ok {
		return nil, fmt.Errorf("%w: %s", store.ErrProductExists, ticker)
	}

	feed := oracle.NewMemoryFeed()
	deps := s.deps(payoff.NewFeed(feed, def))
	s.ctrl.SetOwner(ticker, owner)

	p, err := product.Create(ctx, deps, ticker, params)
	if restore && errors.Is(err, store.ErrProductExists) {
		p, err = product.Load(ctx, deps, ticker)
		if err == nil {
			slog.Warn("product restored with an empty price feed", "product", ticker)
		}
	}
	if err != nil {
		return nil, err
	}

	m := &Market{Product: p, Feed: feed, Payoff: def}
	s.markets[ticker] = m
	s.ledger.Register(p)
	return m, nil
}

// Market returns the market served under id.
func (s *Service) Market(id string) (*Market, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.markets[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownProduct, id)
	}
	return m, nil
}

// Routes mounts every handler on r.
func (s *Service) Routes(r chi.Router) {
	r.Route("/api/v1", func(r chi.Router) {
		r.Put("/controller/{name}", s.UpdateController)
		r.Post("/products", s.CreateProduct)
		r.Get("/products", s.ListProducts)
		r.Route("/products/{productID}", func(r chi.Router) {
			r.Get("/", s.GetProduct)
			r.Post("/prices", s.PushPrice)
			r.Post("/settle", s.Settle)
			r.Get("/rate", s.GetRate)
			r.Get("/versions/{version}", s.GetVersion)
			r.Put("/parameters/{name}", s.UpdateParameter)

			r.Route("/accounts/{account}", func(r chi.Router) {
				r.Get("/", s.GetAccount)
				r.Post("/settle", s.SettleAccount)
				r.Post("/positions", s.ChangePosition)
				r.Post("/deposit", s.Deposit)
				r.Post("/withdraw", s.Withdraw)
				r.Post("/liquidate", s.Liquidate)
			})
		})
		if s.hub != nil {
			r.Get("/ws", s.hub.HandleWS)
		}
	})
}

// --- Request/Response types ---

// CreateProductRequest is the JSON body for product creation.
type CreateProductRequest struct {
	Ticker     string           `json:"ticker"` // PERP-{base}-{quote}-{LONG|SHORT}
	Owner      string           `json:"owner"`
	Parameters model.Parameters `json:"parameters"`
}

// ProductResponse is the product summary returned by the product endpoints.
type ProductResponse struct {
	ID            string              `json:"id"`
	Base          string              `json:"base"`
	Quote         string              `json:"quote"`
	Direction     string              `json:"direction"`
	LatestVersion int64               `json:"latest_version"`
	Position      model.Position      `json:"position"`
	Pre           model.PrePosition   `json:"pre"`
	Parameters    model.Parameters    `json:"parameters"`
	Oracle        model.OracleVersion `json:"oracle"`
	Fees          decimal.Decimal     `json:"fees"`
	Shortfall     decimal.Decimal     `json:"shortfall"`
}

// PriceRequest is the JSON body for POST /prices.
type PriceRequest struct {
	Price     decimal.Decimal `json:"price"`
	Timestamp int64           `json:"timestamp"` // unix seconds
}

// PositionRequest is the JSON body for POST /positions.
type PositionRequest struct {
	Side   model.Side      `json:"side"`   // "maker" or "taker"
	Action string          `json:"action"` // "open" or "close"
	Amount decimal.Decimal `json:"amount"`
}

// AmountRequest is the JSON body for deposits and withdrawals.
type AmountRequest struct {
	Amount decimal.Decimal `json:"amount"`
}

// ParameterRequest is the JSON body for PUT /parameters/{name}. Value holds
// a decimal for numeric parameters, a bool for "closed" and a curve object
// for "utilization_curve".
type ParameterRequest struct {
	Value json.RawMessage `json:"value"`
}

// ControllerResponse is the protocol-wide controller state.
type ControllerResponse struct {
	Paused        bool            `json:"paused"`
	MinFundingFee decimal.Decimal `json:"min_funding_fee"`
}

// AccountResponse is the account snapshot.
type AccountResponse struct {
	Account         string            `json:"account"`
	LatestVersion   int64             `json:"latest_version"`
	Position        model.Position    `json:"position"`
	Pre             model.PrePosition `json:"pre"`
	Liquidating     bool              `json:"liquidating"`
	Balance         decimal.Decimal   `json:"balance"`
	Maintenance     decimal.Decimal   `json:"maintenance"`
	MaintenanceNext decimal.Decimal   `json:"maintenance_next"`
}

// VersionResponse is the product's accumulators at one version.
type VersionResponse struct {
	Version  int64             `json:"version"`
	Position model.Position    `json:"position"`
	Value    model.Accumulator `json:"value"`
	Share    model.Accumulator `json:"share"`
}

// --- HTTP Handlers ---

// CreateProduct handles POST /api/v1/products
func (s *Service) CreateProduct(w http.ResponseWriter, r *http.Request) {
	var req CreateProductRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Owner == "" {
		writeError(w, "owner is required", http.StatusBadRequest)
		return
	}

	m, err := s.AddMarket(r.Context(), req.Ticker, req.Owner, req.Parameters, false)
	if err != nil {
		writeFailure(w, err)
		return
	}

	resp, err := s.productResponse(r.Context(), m)
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, resp)
}

// ListProducts handles GET /api/v1/products
func (s *Service) ListProducts(w http.ResponseWriter, r *http.Request) {
	products, err := s.store.ListProducts(r.Context())
	if err != nil {
		writeFailure(w, err)
		return
	}
	ids := make([]string, 0, len(products))
	for _, p := range products {
		ids = append(ids, p.ID)
	}
	writeJSON(w, http.StatusOK, map[string][]string{"products": ids})
}

// GetProduct handles GET /api/v1/products/{productID}
func (s *Service) GetProduct(w http.ResponseWriter, r *http.Request) {
	m, ok := s.market(w, r)
	if !ok {
		return
	}
	resp, err := s.productResponse(r.Context(), m)
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// PushPrice handles POST /api/v1/products/{productID}/prices
// The price is the underlying's; the product's payoff is applied on read.
func (s *Service) PushPrice(w http.ResponseWriter, r *http.Request) {
	m, ok := s.market(w, r)
	if !ok {
		return
	}
	var req PriceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if !req.Price.IsPositive() {
		writeError(w, "price must be positive", http.StatusBadRequest)
		return
	}

	v, err := m.Feed.Push(req.Price, req.Timestamp)
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, v)
}

// Settle handles POST /api/v1/products/{productID}/settle
func (s *Service) Settle(w http.ResponseWriter, r *http.Request) {
	m, ok := s.market(w, r)
	if !ok {
		return
	}
	if err := m.Product.Settle(r.Context()); err != nil {
		writeFailure(w, err)
		return
	}
	resp, err := s.productResponse(r.Context(), m)
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// GetRate handles GET /api/v1/products/{productID}/rate
// Optional maker and taker query parameters price a hypothetical position;
// otherwise the product's current position is used.
func (s *Service) GetRate(w http.ResponseWriter, r *http.Request) {
	m, ok := s.market(w, r)
	if !ok {
		return
	}
	ctx := r.Context()

	state, err := m.Product.State(ctx)
	if err != nil {
		writeFailure(w, err)
		return
	}
	pos := state.Position
	for _, q := range []struct {
		key string
		dst *decimal.Decimal
	}{{"maker", &pos.Maker}, {"taker", &pos.Taker}} {
		raw := r.URL.Query().Get(q.key)
		if raw == "" {
			continue
		}
		v, err := decimal.NewFromString(raw)
		if err != nil || v.IsNegative() {
			writeError(w, q.key+" must be a non-negative decimal", http.StatusBadRequest)
			return
		}
		*q.dst = v
	}

	rate, err := m.Product.Rate(ctx, pos)
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"position":        pos,
		"rate_per_second": rate,
	})
}

// GetVersion handles GET /api/v1/products/{productID}/versions/{version}
func (s *Service) GetVersion(w http.ResponseWriter, r *http.Request) {
	m, ok := s.market(w, r)
	if !ok {
		return
	}
	v, err := strconv.ParseInt(chi.URLParam(r, "version"), 10, 64)
	if err != nil || v < 0 {
		writeError(w, "version must be a non-negative integer", http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	resp := VersionResponse{Version: v}
	if resp.Position, err = m.Product.PositionAtVersion(ctx, v); err != nil {
		writeFailure(w, err)
		return
	}
	if resp.Value, err = m.Product.ValueAtVersion(ctx, v); err != nil {
		writeFailure(w, err)
		return
	}
	if resp.Share, err = m.Product.ShareAtVersion(ctx, v); err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// UpdateParameter handles PUT /api/v1/products/{productID}/parameters/{name}
func (s *Service) UpdateParameter(w http.ResponseWriter, r *http.Request) {
	m, ok := s.market(w, r)
	if !ok {
		return
	}
	caller, ok := callerOf(w, r)
	if !ok {
		return
	}
	var req ParameterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || len(req.Value) == 0 {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	name := chi.URLParam(r, "name")
	ctx := r.Context()
	p := m.Product

	var err error
	switch name {
	case "maker_fee", "taker_fee", "position_fee", "maintenance", "maker_limit", "utilization_buffer":
		var v decimal.Decimal
		if err := json.Unmarshal(req.Value, &v); err != nil {
			writeError(w, name+" must be a decimal", http.StatusBadRequest)
			return
		}
		update := map[string]func(context.Context, string, decimal.Decimal) error{
			"maker_fee":          p.UpdateMakerFee,
			"taker_fee":          p.UpdateTakerFee,
			"position_fee":       p.UpdatePositionFee,
			"maintenance":        p.UpdateMaintenance,
			"maker_limit":        p.UpdateMakerLimit,
			"utilization_buffer": p.UpdateUtilizationBuffer,
		}[name]
		err = update(ctx, caller, v)
	case "utilization_curve":
		var c curve.JumpRate
		if err := json.Unmarshal(req.Value, &c); err != nil {
			writeError(w, "utilization_curve must be a curve object", http.StatusBadRequest)
			return
		}
		err = p.UpdateUtilizationCurve(ctx, caller, c)
	case "closed":
		var closed bool
		if err := json.Unmarshal(req.Value, &closed); err != nil {
			writeError(w, "closed must be a boolean", http.StatusBadRequest)
			return
		}
		err = p.UpdateClosed(ctx, caller, closed)
	default:
		writeError(w, "unknown parameter: "+name, http.StatusNotFound)
		return
	}
	if err != nil {
		writeFailure(w, err)
		return
	}

	params, err := p.Parameters(ctx)
	if err != nil {
		writeFailure(w, err)
		return
	}
	slog.Info("parameter updated", "product", p.ID(), "name", name, "caller", caller)
	writeJSON(w, http.StatusOK, params)
}

// UpdateController handles PUT /api/v1/controller/{name}
// "paused" takes a bool and "min_funding_fee" a decimal. Only the
// controller admin may call it.
func (s *Service) UpdateController(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerOf(w, r)
	if !ok {
		return
	}
	if admin := s.ctrl.Admin(); admin == "" || caller != admin {
		writeFailure(w, product.ErrNotOwner)
		return
	}
	var req ParameterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || len(req.Value) == 0 {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	name := chi.URLParam(r, "name")
	switch name {
	case "paused":
		var paused bool
		if err := json.Unmarshal(req.Value, &paused); err != nil {
			writeError(w, "paused must be a boolean", http.StatusBadRequest)
			return
		}
		s.ctrl.SetPaused(paused)
	case "min_funding_fee":
		var fee decimal.Decimal
		if err := json.Unmarshal(req.Value, &fee); err != nil {
			writeError(w, "min_funding_fee must be a decimal", http.StatusBadRequest)
			return
		}
		if err := s.ctrl.SetMinFundingFee(fee); err != nil {
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}
	default:
		writeError(w, "unknown controller setting: "+name, http.StatusNotFound)
		return
	}

	ctx := r.Context()
	paused, err := s.ctrl.Paused(ctx)
	if err != nil {
		writeFailure(w, err)
		return
	}
	fee, err := s.ctrl.MinFundingFee(ctx)
	if err != nil {
		writeFailure(w, err)
		return
	}
	slog.Info("controller updated", "name", name, "caller", caller)
	writeJSON(w, http.StatusOK, ControllerResponse{Paused: paused, MinFundingFee: fee})
}

// GetAccount handles GET /api/v1/products/{productID}/accounts/{account}
func (s *Service) GetAccount(w http.ResponseWriter, r *http.Request) {
	m, ok := s.market(w, r)
	if !ok {
		return
	}
	resp, err := s.accountResponse(r.Context(), m, chi.URLParam(r, "account"))
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// SettleAccount handles POST /api/v1/products/{productID}/accounts/{account}/settle
func (s *Service) SettleAccount(w http.ResponseWriter, r *http.Request) {
	m, ok := s.market(w, r)
	if !ok {
		return
	}
	account := chi.URLParam(r, "account")
	if err := m.Product.SettleAccount(r.Context(), account); err != nil {
		writeFailure(w, err)
		return
	}
	resp, err := s.accountResponse(r.Context(), m, account)
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// ChangePosition handles POST /api/v1/products/{productID}/accounts/{account}/positions
// Opens or closes maker or taker exposure for the account. The caller must
// be the account itself or the multi-invoker.
func (s *Service) ChangePosition(w http.ResponseWriter, r *http.Request) {
	m, ok := s.market(w, r)
	if !ok {
		return
	}
	caller, ok := callerOf(w, r)
	if !ok {
		return
	}
	var req PositionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	// --- Input validation ---
	if req.Side != model.Maker && req.Side != model.Taker {
		writeError(w, "side must be maker or taker", http.StatusBadRequest)
		return
	}
	if req.Action != "open" && req.Action != "close" {
		writeError(w, "action must be open or close", http.StatusBadRequest)
		return
	}

	p := m.Product
	change := map[model.Side]map[string]func(context.Context, string, string, decimal.Decimal) (*product.Receipt, error){
		model.Maker: {"open": p.OpenMakeFor, "close": p.CloseMakeFor},
		model.Taker: {"open": p.OpenTakeFor, "close": p.CloseTakeFor},
	}[req.Side][req.Action]

	receipt, err := change(r.Context(), caller, chi.URLParam(r, "account"), req.Amount)
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, receipt)
}

// Deposit handles POST /api/v1/products/{productID}/accounts/{account}/deposit
func (s *Service) Deposit(w http.ResponseWriter, r *http.Request) {
	s.moveCollateral(w, r, s.ledger.Deposit)
}

// Withdraw handles POST /api/v1/products/{productID}/accounts/{account}/withdraw
// Only the account itself may withdraw.
func (s *Service) Withdraw(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerOf(w, r)
	if !ok {
		return
	}
	if caller != chi.URLParam(r, "account") {
		writeFailure(w, product.ErrNotAccountOrDelegate)
		return
	}
	s.moveCollateral(w, r, s.ledger.Withdraw)
}

func (s *Service) moveCollateral(w http.ResponseWriter, r *http.Request, move func(context.Context, string, string, decimal.Decimal) error) {
	m, ok := s.market(w, r)
	if !ok {
		return
	}
	var req AmountRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	account := chi.URLParam(r, "account")
	if err := move(r.Context(), m.Product.ID(), account, req.Amount); err != nil {
		writeFailure(w, err)
		return
	}
	resp, err := s.accountResponse(r.Context(), m, account)
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// Liquidate handles POST /api/v1/products/{productID}/accounts/{account}/liquidate
// Anyone may trigger a liquidation of an account under maintenance.
func (s *Service) Liquidate(w http.ResponseWriter, r *http.Request) {
	m, ok := s.market(w, r)
	if !ok {
		return
	}
	account := chi.URLParam(r, "account")
	closed, err := s.ledger.Liquidate(r.Context(), m.Product.ID(), account)
	if err != nil {
		writeFailure(w, err)
		return
	}

	slog.Info("account liquidated",
		"product", m.Product.ID(),
		"account", account,
		"liquidator", r.Header.Get(CallerHeader),
		"maker", closed.Maker.String(),
		"taker", closed.Taker.String(),
	)
	writeJSON(w, http.StatusOK, map[string]any{
		"account": account,
		"closed":  closed,
	})
}

// --- Helpers ---

func (s *Service) market(w http.ResponseWriter, r *http.Request) (*Market, bool) {
	m, err := s.Market(chi.URLParam(r, "productID"))
	if err != nil {
		writeFailure(w, err)
		return nil, false
	}
	return m, true
}

func callerOf(w http.ResponseWriter, r *http.Request) (string, bool) {
	caller := r.Header.Get(CallerHeader)
	if caller == "" {
		writeError(w, CallerHeader+" header is required", http.StatusUnauthorized)
		return "", false
	}
	return caller, true
}

func (s *Service) productResponse(ctx context.Context, m *Market) (*ProductResponse, error) {
	state, err := m.Product.State(ctx)
	if err != nil {
		return nil, err
	}
	current, err := m.Product.Oracle().CurrentVersion(ctx)
	if err != nil {
		return nil, err
	}
	id := m.Product.ID()
	return &ProductResponse{
		ID:            id,
		Base:          m.Payoff.Base,
		Quote:         m.Payoff.Quote,
		Direction:     m.Payoff.Direction,
		LatestVersion: state.LatestVersion,
		Position:      state.Position,
		Pre:           state.Pre,
		Parameters:    state.Parameters,
		Oracle:        current,
		Fees:          s.ledger.Fees(id),
		Shortfall:     s.ledger.Shortfall(id),
	}, nil
}

func (s *Service) accountResponse(ctx context.Context, m *Market, account string) (*AccountResponse, error) {
	p := m.Product
	acct, err := p.Account(ctx, account)
	if err != nil {
		return nil, err
	}
	maint, err := p.Maintenance(ctx, account)
	if err != nil {
		return nil, err
	}
	next, err := p.MaintenanceNext(ctx, account)
	if err != nil {
		return nil, err
	}
	return &AccountResponse{
		Account:         account,
		LatestVersion:   acct.LatestVersion,
		Position:        acct.Position,
		Pre:             acct.Pre,
		Liquidating:     acct.Liquidating,
		Balance:         s.ledger.Balance(p.ID(), account),
		Maintenance:     maint,
		MaintenanceNext: next,
	}, nil
}

// statusFor maps a ledger error to an HTTP status.
func statusFor(err error) int {
	var liquidity *position.InsufficientLiquidityError
	switch {
	case errors.Is(err, product.ErrPaused):
		return http.StatusServiceUnavailable
	case errors.Is(err, product.ErrNotOwner),
		errors.Is(err, product.ErrNotAccountOrDelegate),
		errors.Is(err, product.ErrNotCollateral):
		return http.StatusForbidden
	case errors.Is(err, ErrUnknownProduct),
		errors.Is(err, store.ErrNotFound),
		errors.Is(err, oracle.ErrVersionNotFound):
		return http.StatusNotFound
	case errors.Is(err, product.ErrInvalidAmount),
		errors.Is(err, product.ErrInvalidParameter),
		errors.Is(err, collateral.ErrInvalidAmount),
		errors.Is(err, payoff.ErrInvalidTicker),
		errors.Is(err, payoff.ErrInvalidDirection):
		return http.StatusBadRequest
	case errors.Is(err, product.ErrClosed),
		errors.Is(err, product.ErrInLiquidation),
		errors.Is(err, product.ErrInsufficientCollateral),
		errors.Is(err, product.ErrOracleBootstrapping),
		errors.Is(err, position.ErrDoubleSided),
		errors.Is(err, position.ErrMakerOverLimit),
		errors.Is(err, position.ErrOverClosed),
		errors.As(err, &liquidity),
		errors.Is(err, collateral.ErrInsufficientBalance),
		errors.Is(err, collateral.ErrNotLiquidatable),
		errors.Is(err, oracle.ErrTimestampRegressed),
		errors.Is(err, store.ErrProductExists):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// writeFailure writes err with its mapped status. Internal faults are
// logged and their detail withheld from the client.
func writeFailure(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		slog.Error("request failed", "err", err)
		writeError(w, "internal error", status)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{
		"error": err.Error(),
		"code":  reason(err),
	})
}

// reason extends product.Reason with the errors raised outside a product.
func reason(err error) string {
	switch {
	case errors.Is(err, ErrUnknownProduct):
		return "unknown_product"
	case errors.Is(err, store.ErrNotFound), errors.Is(err, oracle.ErrVersionNotFound):
		return "not_found"
	case errors.Is(err, store.ErrProductExists):
		return "product_exists"
	case errors.Is(err, collateral.ErrInvalidAmount):
		return "invalid_amount"
	case errors.Is(err, collateral.ErrInsufficientBalance):
		return "insufficient_balance"
	case errors.Is(err, collateral.ErrNotLiquidatable):
		return "not_liquidatable"
	case errors.Is(err, oracle.ErrTimestampRegressed):
		return "timestamp_regressed"
	case errors.Is(err, payoff.ErrInvalidTicker), errors.Is(err, payoff.ErrInvalidDirection):
		return "invalid_ticker"
	}
	return product.Reason(err)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
