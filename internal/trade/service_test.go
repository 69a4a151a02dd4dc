package trade_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi/v5"
	"github.com/holiman/uint256"

	"github.com/atmx/pool-markets/internal/market"
	"github.com/atmx/pool-markets/internal/model"
	"github.com/atmx/pool-markets/internal/registry"
	"github.com/atmx/pool-markets/internal/store"
	"github.com/atmx/pool-markets/internal/trade"
)

var (
	factory   = common.HexToAddress("0x000000000000000000000000000000000000fac7")
	authority = common.HexToAddress("0x00000000000000000000000000000000000a0717")
	alice     = common.HexToAddress("0x000000000000000000000000000000000000a11c")
	bob       = common.HexToAddress("0x0000000000000000000000000000000000000b0b")
	carol     = common.HexToAddress("0x000000000000000000000000000000000000ca01")
	start     = time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC)
)

func u(v uint64) *uint256.Int { return uint256.NewInt(v) }

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Set(t time.Time) {
	c.mu.Lock()
	c.t = t
	c.mu.Unlock()
}

type fakeArchiver struct {
	mu   sync.Mutex
	keys []string
}

func (a *fakeArchiver) Archive(_ context.Context, snap model.Snapshot) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	key := "markets/" + snap.ID + "/" + snap.State.String() + ".json"
	a.keys = append(a.keys, key)
	return key, nil
}

type failingPayer struct{}

func (failingPayer) Pay(context.Context, model.Payout) error { return errors.New("bank offline") }

type testEnv struct {
	store    *store.MemoryStore
	clock    *clock
	archiver *fakeArchiver
	router   chi.Router
}

// newTestEnv creates a Service over an in-memory store with a chi router
// mounted at /api/v1.
func newTestEnv(t *testing.T, extra ...market.Option) *testEnv {
	t.Helper()
	ms := store.NewMemoryStore()
	clk := &clock{t: start}
	opts := []market.Option{
		market.WithClock(clk.Now),
		market.WithPersister(ms),
		market.WithEventSink(store.EventSink{Store: ms}),
		market.WithPayer(store.PayoutLedger{Store: ms}),
	}
	reg := registry.New(factory, registry.WithMarketOptions(append(opts, extra...)...))
	arch := &fakeArchiver{}
	svc := trade.NewService(reg, ms, arch)

	r := chi.NewRouter()
	r.Route("/api/v1", svc.Routes)
	return &testEnv{store: ms, clock: clk, archiver: arch, router: r}
}

func (e *testEnv) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func (e *testEnv) createMarket(t *testing.T) trade.MarketView {
	t.Helper()
	w := e.do(t, "POST", "/api/v1/markets", trade.CreateMarketRequest{
		Question:  "Will it rain in Lisbon on 2 Jan 2030?",
		EndTime:   start.Add(24 * time.Hour),
		Authority: authority,
		MinStake:  u(10),
		MaxStake:  u(1000),
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("create: expected 201, got %d: %s", w.Code, w.Body.String())
	}
	var view trade.MarketView
	if err := json.NewDecoder(w.Body).Decode(&view); err != nil {
		t.Fatalf("decode market: %v", err)
	}
	return view
}

func (e *testEnv) stake(t *testing.T, id string, who common.Address, side string, amount uint64) *httptest.ResponseRecorder {
	t.Helper()
	return e.do(t, "POST", "/api/v1/markets/"+id+"/stake", trade.StakeRequest{
		Participant: who,
		Side:        side,
		Amount:      u(amount),
	})
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder) (string, string) {
	t.Helper()
	var body struct {
		Error string `json:"error"`
		Code  string `json:"code"`
	}
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("decode error body: %v", err)
	}
	return body.Error, body.Code
}

// --- Market creation ---

func TestCreateMarket(t *testing.T) {
	env := newTestEnv(t)
	view := env.createMarket(t)

	if view.ID == "" {
		t.Fatal("expected market id")
	}
	if view.State != model.StateActive {
		t.Errorf("expected active, got %s", view.State)
	}
	if view.PriceYes != 50 || view.PriceNo != 50 {
		t.Errorf("empty market should price 50/50, got %d/%d", view.PriceYes, view.PriceNo)
	}
	if view.Authority != authority {
		t.Errorf("unexpected authority %s", view.Authority.Hex())
	}

	snap, err := env.store.GetMarket(context.Background(), view.ID)
	if err != nil {
		t.Fatalf("market not persisted: %v", err)
	}
	if !snap.Initialized {
		t.Error("persisted snapshot should be initialized")
	}
}

func TestCreateMarket_InvalidConfig(t *testing.T) {
	env := newTestEnv(t)
	w := env.do(t, "POST", "/api/v1/markets", trade.CreateMarketRequest{
		Question:  "Past market",
		EndTime:   start.Add(-time.Hour),
		Authority: authority,
		MinStake:  u(10),
		MaxStake:  u(1000),
	})
	if w.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d", w.Code)
	}
	if _, code := decodeError(t, w); code != "InvalidConfig" {
		t.Errorf("expected InvalidConfig, got %q", code)
	}
}

func TestCreateMarket_BadJSON(t *testing.T) {
	env := newTestEnv(t)
	req := httptest.NewRequest("POST", "/api/v1/markets", bytes.NewBufferString("{not json"))
	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, req)
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", w.Code)
	}
}

// --- Staking ---

func TestStake_MovesPrice(t *testing.T) {
	env := newTestEnv(t)
	id := env.createMarket(t).ID

	w := env.stake(t, id, alice, "YES", 100)
	if w.Code != http.StatusOK {
		t.Fatalf("stake: expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var res trade.StakeResponse
	if err := json.NewDecoder(w.Body).Decode(&res); err != nil {
		t.Fatal(err)
	}
	if !res.Shares.Eq(u(100)) {
		t.Errorf("first stake into an empty side should be 1:1, got %s", res.Shares.Dec())
	}
	if res.Price != 100 {
		t.Errorf("expected price 100, got %d", res.Price)
	}

	env.stake(t, id, carol, "NO", 100)
	env.stake(t, id, bob, "YES", 50)

	w = env.do(t, "GET", "/api/v1/markets/"+id+"/price", nil)
	var price trade.PriceResponse
	if err := json.NewDecoder(w.Body).Decode(&price); err != nil {
		t.Fatal(err)
	}
	if price.Yes != 60 || price.No != 40 {
		t.Errorf("expected 60/40, got %d/%d", price.Yes, price.No)
	}
	if price.ImpliedYes.String() != "0.6" {
		t.Errorf("expected implied yes 0.6, got %s", price.ImpliedYes)
	}
}

func TestStake_Rejections(t *testing.T) {
	env := newTestEnv(t)
	id := env.createMarket(t).ID

	tests := []struct {
		name   string
		req    trade.StakeRequest
		status int
		code   string
	}{
		{"below min", trade.StakeRequest{Participant: alice, Side: "YES", Amount: u(5)}, http.StatusUnprocessableEntity, "BelowMinStake"},
		{"above max", trade.StakeRequest{Participant: alice, Side: "YES", Amount: u(5000)}, http.StatusUnprocessableEntity, "AboveMaxStake"},
		{"bad side", trade.StakeRequest{Participant: alice, Side: "MAYBE", Amount: u(50)}, http.StatusUnprocessableEntity, "InvalidSide"},
		{"value mismatch", trade.StakeRequest{Participant: alice, Side: "NO", Amount: u(50), Value: u(49)}, http.StatusUnprocessableEntity, "ValueMismatch"},
		{"no participant", trade.StakeRequest{Side: "NO", Amount: u(50)}, http.StatusUnprocessableEntity, "InvalidParticipant"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := env.do(t, "POST", "/api/v1/markets/"+id+"/stake", tt.req)
			if w.Code != tt.status {
				t.Fatalf("expected %d, got %d: %s", tt.status, w.Code, w.Body.String())
			}
			if _, code := decodeError(t, w); code != tt.code {
				t.Errorf("expected code %s, got %s", tt.code, code)
			}
		})
	}

	// Nothing was committed.
	events, _ := env.store.GetEvents(context.Background(), id)
	if len(events) != 1 || events[0].Type != model.EventInitialized {
		t.Errorf("rejected stakes must not emit events, got %d", len(events))
	}
}

func TestStake_AfterEnd(t *testing.T) {
	env := newTestEnv(t)
	id := env.createMarket(t).ID
	env.clock.Set(start.Add(24 * time.Hour))

	w := env.stake(t, id, alice, "YES", 100)
	if w.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", w.Code)
	}
	if _, code := decodeError(t, w); code != "MarketEnded" {
		t.Errorf("expected MarketEnded, got %s", code)
	}
}

func TestUnknownMarket(t *testing.T) {
	env := newTestEnv(t)
	for _, path := range []string{
		"/api/v1/markets/nope",
		"/api/v1/markets/nope/price",
		"/api/v1/markets/nope/history",
	} {
		if w := env.do(t, "GET", path, nil); w.Code != http.StatusNotFound {
			t.Errorf("%s: expected 404, got %d", path, w.Code)
		}
	}
	if w := env.stake(t, "nope", alice, "YES", 100); w.Code != http.StatusNotFound {
		t.Errorf("stake: expected 404, got %d", w.Code)
	}
}

// --- Resolution and claims ---

func TestResolveAndClaim(t *testing.T) {
	env := newTestEnv(t)
	id := env.createMarket(t).ID
	env.stake(t, id, alice, "YES", 100)
	env.stake(t, id, carol, "NO", 100)
	env.stake(t, id, bob, "YES", 50)

	resolve := trade.ResolveRequest{Caller: authority, Outcome: "YES"}

	// Too early.
	w := env.do(t, "POST", "/api/v1/markets/"+id+"/resolve", resolve)
	if w.Code != http.StatusConflict {
		t.Fatalf("expected 409 before end time, got %d", w.Code)
	}
	if _, code := decodeError(t, w); code != "TooEarly" {
		t.Errorf("expected TooEarly, got %s", code)
	}

	env.clock.Set(start.Add(25 * time.Hour))

	// Wrong caller.
	w = env.do(t, "POST", "/api/v1/markets/"+id+"/resolve", trade.ResolveRequest{Caller: alice, Outcome: "YES"})
	if w.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", w.Code)
	}

	w = env.do(t, "POST", "/api/v1/markets/"+id+"/resolve", resolve)
	if w.Code != http.StatusOK {
		t.Fatalf("resolve: expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var view trade.MarketView
	if err := json.NewDecoder(w.Body).Decode(&view); err != nil {
		t.Fatal(err)
	}
	if view.State != model.StateResolved || view.Outcome != model.SideYes {
		t.Errorf("expected resolved YES, got %s %s", view.State, view.Outcome)
	}
	if view.Basis == nil || !view.Basis.TotalPool.Eq(u(250)) {
		t.Errorf("expected settlement basis with pool 250, got %+v", view.Basis)
	}
	if len(env.archiver.keys) != 1 || env.archiver.keys[0] != "markets/"+id+"/resolved.json" {
		t.Errorf("expected one archived settlement, got %v", env.archiver.keys)
	}

	claims := []struct {
		who    common.Address
		status int
		amount uint64
	}{
		{alice, http.StatusOK, 186},
		{bob, http.StatusOK, 63},
		{carol, http.StatusUnprocessableEntity, 0},
	}
	for _, c := range claims {
		w := env.do(t, "POST", "/api/v1/markets/"+id+"/claim", trade.ClaimRequest{Participant: c.who})
		if w.Code != c.status {
			t.Fatalf("claim %s: expected %d, got %d: %s", c.who.Hex(), c.status, w.Code, w.Body.String())
		}
		if c.status != http.StatusOK {
			continue
		}
		var p model.Payout
		if err := json.NewDecoder(w.Body).Decode(&p); err != nil {
			t.Fatal(err)
		}
		if !p.Amount.Eq(u(c.amount)) || p.Refund {
			t.Errorf("claim %s: expected payout %d, got %s (refund=%v)", c.who.Hex(), c.amount, p.Amount.Dec(), p.Refund)
		}
	}

	// Second claim is a conflict.
	w = env.do(t, "POST", "/api/v1/markets/"+id+"/claim", trade.ClaimRequest{Participant: alice})
	if w.Code != http.StatusConflict {
		t.Errorf("expected 409 on double claim, got %d", w.Code)
	}

	payouts, _ := env.store.GetPayouts(context.Background(), id)
	if len(payouts) != 2 {
		t.Errorf("expected 2 recorded payouts, got %d", len(payouts))
	}

	snap, _ := env.store.GetMarket(context.Background(), id)
	claimed := 0
	for _, p := range snap.Positions {
		if p.Claimed {
			claimed++
		}
	}
	if claimed != 2 {
		t.Errorf("persisted snapshot should show 2 claimed positions, got %d", claimed)
	}
}

func TestCancelAndRefund(t *testing.T) {
	env := newTestEnv(t)
	id := env.createMarket(t).ID
	env.stake(t, id, alice, "YES", 100)
	env.stake(t, id, carol, "NO", 100)

	w := env.do(t, "POST", "/api/v1/markets/"+id+"/cancel", trade.CancelRequest{Caller: alice})
	if w.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", w.Code)
	}

	w = env.do(t, "POST", "/api/v1/markets/"+id+"/cancel", trade.CancelRequest{Caller: authority})
	if w.Code != http.StatusOK {
		t.Fatalf("cancel: expected 200, got %d: %s", w.Code, w.Body.String())
	}

	w = env.do(t, "POST", "/api/v1/markets/"+id+"/claim", trade.ClaimRequest{Participant: alice})
	if w.Code != http.StatusOK {
		t.Fatalf("refund: expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var p model.Payout
	if err := json.NewDecoder(w.Body).Decode(&p); err != nil {
		t.Fatal(err)
	}
	if !p.Refund || !p.Amount.Eq(u(100)) {
		t.Errorf("expected refund of 100, got %s (refund=%v)", p.Amount.Dec(), p.Refund)
	}

	// Stakes are closed.
	if w := env.stake(t, id, bob, "YES", 50); w.Code != http.StatusConflict {
		t.Errorf("expected 409 staking into cancelled market, got %d", w.Code)
	}
}

func TestClaim_BeforeSettlement(t *testing.T) {
	env := newTestEnv(t)
	id := env.createMarket(t).ID
	env.stake(t, id, alice, "YES", 100)

	w := env.do(t, "POST", "/api/v1/markets/"+id+"/claim", trade.ClaimRequest{Participant: alice})
	if w.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", w.Code)
	}
	if _, code := decodeError(t, w); code != "NotSettleable" {
		t.Errorf("expected NotSettleable, got %s", code)
	}
}

func TestClaim_TransferFailureRollsBack(t *testing.T) {
	env := newTestEnv(t, market.WithPayer(failingPayer{}))
	id := env.createMarket(t).ID
	env.stake(t, id, alice, "YES", 100)
	env.do(t, "POST", "/api/v1/markets/"+id+"/cancel", trade.CancelRequest{Caller: authority})

	w := env.do(t, "POST", "/api/v1/markets/"+id+"/claim", trade.ClaimRequest{Participant: alice})
	if w.Code != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d", w.Code)
	}

	snap, err := env.store.GetMarket(context.Background(), id)
	if err != nil {
		t.Fatal(err)
	}
	if len(snap.Positions) != 1 || snap.Positions[0].Claimed {
		t.Errorf("stored snapshot must show the claim rolled back, got %+v", snap.Positions)
	}

	w = env.do(t, "GET", "/api/v1/markets/"+id+"/positions/"+alice.Hex(), nil)
	var pos model.Position
	if err := json.NewDecoder(w.Body).Decode(&pos); err != nil {
		t.Fatal(err)
	}
	if pos.Claimed {
		t.Error("failed transfer must leave the position unclaimed")
	}
}

// --- Queries ---

func TestHistoryAndPositions(t *testing.T) {
	env := newTestEnv(t)
	id := env.createMarket(t).ID
	env.stake(t, id, alice, "YES", 100)
	env.stake(t, id, alice, "NO", 100)

	w := env.do(t, "GET", "/api/v1/markets/"+id+"/history", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("history: expected 200, got %d", w.Code)
	}
	var events []model.Event
	if err := json.NewDecoder(w.Body).Decode(&events); err != nil {
		t.Fatal(err)
	}
	want := []model.EventType{model.EventInitialized, model.EventStaked, model.EventStaked}
	if len(events) != len(want) {
		t.Fatalf("expected %d events, got %d", len(want), len(events))
	}
	for i, e := range events {
		if e.Type != want[i] || e.Seq != uint64(i+1) {
			t.Errorf("event %d: got %s seq %d", i, e.Type, e.Seq)
		}
	}

	w = env.do(t, "GET", "/api/v1/markets/"+id+"/history?after=2", nil)
	events = nil
	if err := json.NewDecoder(w.Body).Decode(&events); err != nil {
		t.Fatal(err)
	}
	if len(events) != 1 || events[0].Seq != 3 {
		t.Errorf("expected only seq 3 after 2, got %+v", events)
	}
	if w := env.do(t, "GET", "/api/v1/markets/"+id+"/history?after=x", nil); w.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for bad after, got %d", w.Code)
	}

	w = env.do(t, "GET", "/api/v1/markets/"+id+"/positions/"+alice.Hex(), nil)
	var pos model.Position
	if err := json.NewDecoder(w.Body).Decode(&pos); err != nil {
		t.Fatal(err)
	}
	if !pos.YesShares.Eq(u(100)) || !pos.NoShares.Eq(u(100)) {
		t.Errorf("unexpected position %s/%s", pos.YesShares.Dec(), pos.NoShares.Dec())
	}

	if w := env.do(t, "GET", "/api/v1/markets/"+id+"/positions/not-an-address", nil); w.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for bad address, got %d", w.Code)
	}
}

func TestListMarketsAndStats(t *testing.T) {
	env := newTestEnv(t)
	a := env.createMarket(t).ID
	env.createMarket(t)
	env.stake(t, a, alice, "YES", 100)
	env.do(t, "POST", "/api/v1/markets/"+a+"/cancel", trade.CancelRequest{Caller: authority})

	w := env.do(t, "GET", "/api/v1/markets?state=active", nil)
	var views []trade.MarketView
	if err := json.NewDecoder(w.Body).Decode(&views); err != nil {
		t.Fatal(err)
	}
	if len(views) != 1 {
		t.Errorf("expected 1 active market, got %d", len(views))
	}

	if w := env.do(t, "GET", "/api/v1/markets?state=bogus", nil); w.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for bad filter, got %d", w.Code)
	}

	w = env.do(t, "GET", "/api/v1/stats", nil)
	var stats registry.Stats
	if err := json.NewDecoder(w.Body).Decode(&stats); err != nil {
		t.Fatal(err)
	}
	if stats.Markets != 2 || stats.ByState["cancelled"] != 1 || stats.ByState["active"] != 1 {
		t.Errorf("unexpected stats %+v", stats)
	}
}
