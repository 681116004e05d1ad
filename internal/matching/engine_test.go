package matching

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/predict-engine/internal/events"
	"github.com/atmx/predict-engine/internal/model"
	"github.com/atmx/predict-engine/internal/risk"
	"github.com/atmx/predict-engine/internal/store"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

type recorder struct {
	mu   sync.Mutex
	evts []events.Event
}

func (r *recorder) Publish(_ context.Context, evts ...events.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.evts = append(r.evts, evts...)
	return nil
}

func (r *recorder) types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, e := range r.evts {
		out = append(out, e.Type)
	}
	return out
}

type fixture struct {
	t   *testing.T
	st  *store.MemoryStore
	eng *Engine
	pub *recorder
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	st := store.NewMemoryStore()
	pub := &recorder{}
	eng := NewEngine(st, append([]Option{WithPublisher(pub)}, opts...)...)
	f := &fixture{t: t, st: st, eng: eng, pub: pub}
	f.addMarket("m1", "crypto")
	return f
}

func (f *fixture) addUser(id string, balance float64) {
	f.t.Helper()
	err := f.st.Update(context.Background(), func(tx store.Tx) error {
		return tx.InsertUser(context.Background(), &model.User{
			ID:        id,
			Username:  id,
			Balance:   d(balance),
			CreatedAt: time.Now().UTC(),
		})
	})
	if err != nil {
		f.t.Fatalf("add user %s: %v", id, err)
	}
}

func (f *fixture) addMarket(id, category string) {
	f.t.Helper()
	err := f.st.Update(context.Background(), func(tx store.Tx) error {
		return tx.InsertMarket(context.Background(), &model.Market{
			ID:        id,
			Title:     id,
			Category:  category,
			Status:    model.MarketOpen,
			YesPrice:  d(0.5),
			NoPrice:   d(0.5),
			Volume:    decimal.Zero,
			CreatedAt: time.Now().UTC(),
		})
	})
	if err != nil {
		f.t.Fatalf("add market %s: %v", id, err)
	}
}

func (f *fixture) place(user string, side model.Side, typ model.OrderType, price float64, qty int64) *PlaceResult {
	f.t.Helper()
	res, err := f.eng.PlaceOrder(context.Background(), PlaceRequest{
		UserID:   user,
		MarketID: "m1",
		Side:     side,
		Type:     typ,
		Price:    d(price),
		Quantity: qty,
	})
	if err != nil {
		f.t.Fatalf("place %s %s %.2fx%d: %v", user, side, price, qty, err)
	}
	return res
}

func (f *fixture) balance(user string) decimal.Decimal {
	f.t.Helper()
	var u *model.User
	err := f.st.View(context.Background(), func(tx store.Tx) error {
		var err error
		u, err = tx.GetUser(context.Background(), user)
		return err
	})
	if err != nil {
		f.t.Fatalf("get user %s: %v", user, err)
	}
	return u.Balance
}

func (f *fixture) position(user string, side model.Side) *model.Position {
	f.t.Helper()
	var p *model.Position
	err := f.st.View(context.Background(), func(tx store.Tx) error {
		var err error
		p, err = tx.GetPosition(context.Background(), user, "m1", side)
		return err
	})
	if err != nil {
		f.t.Fatalf("get position %s/%s: %v", user, side, err)
	}
	return p
}

func (f *fixture) market() *model.Market {
	f.t.Helper()
	var m *model.Market
	err := f.st.View(context.Background(), func(tx store.Tx) error {
		var err error
		m, err = tx.GetMarket(context.Background(), "m1")
		return err
	})
	if err != nil {
		f.t.Fatalf("get market: %v", err)
	}
	return m
}

func (f *fixture) order(id string) *model.Order {
	f.t.Helper()
	o, err := f.eng.GetOrder(context.Background(), id)
	if err != nil {
		f.t.Fatalf("get order %s: %v", id, err)
	}
	return o
}

func expectDecimal(t *testing.T, name string, got, want decimal.Decimal) {
	t.Helper()
	if !got.Equal(want) {
		t.Errorf("%s: expected %s, got %s", name, want, got)
	}
}

func TestPlaceOrder_CrossingLimitOrders(t *testing.T) {
	f := newFixture(t)
	f.addUser("alice", 1000)
	f.addUser("bob", 1000)

	first := f.place("alice", model.SideYes, model.OrderTypeLimit, 0.60, 10)
	if len(first.Trades) != 0 {
		t.Fatalf("expected no trades, got %d", len(first.Trades))
	}
	if first.Order.Status != model.OrderOpen {
		t.Errorf("expected open, got %s", first.Order.Status)
	}
	expectDecimal(t, "alice balance after reserve", f.balance("alice"), d(994))

	second := f.place("bob", model.SideNo, model.OrderTypeLimit, 0.40, 10)
	if len(second.Trades) != 1 {
		t.Fatalf("expected 1 trade, got %d", len(second.Trades))
	}
	tr := second.Trades[0]
	if tr.Quantity != 10 {
		t.Errorf("expected trade quantity 10, got %d", tr.Quantity)
	}
	expectDecimal(t, "execution price", tr.Price, d(0.60))
	if tr.TakerOrderID != second.Order.ID || tr.MakerOrderID != first.Order.ID {
		t.Errorf("trade references wrong orders: %+v", tr)
	}
	if second.Order.Status != model.OrderFilled {
		t.Errorf("expected incoming filled, got %s", second.Order.Status)
	}
	if got := f.order(first.Order.ID).Status; got != model.OrderFilled {
		t.Errorf("expected resting filled, got %s", got)
	}

	m := f.market()
	expectDecimal(t, "yes price", m.YesPrice, d(0.60))
	expectDecimal(t, "no price", m.NoPrice, d(0.40))
	expectDecimal(t, "volume", m.Volume, d(6))
	expectDecimal(t, "bob balance", f.balance("bob"), d(996))
	expectDecimal(t, "alice avg", f.position("alice", model.SideYes).AvgPrice, d(0.60))
	expectDecimal(t, "bob avg", f.position("bob", model.SideNo).AvgPrice, d(0.40))
}

func TestPlaceOrder_NonCrossingOrdersRest(t *testing.T) {
	f := newFixture(t)
	f.addUser("alice", 1000)
	f.addUser("bob", 1000)

	a := f.place("alice", model.SideYes, model.OrderTypeLimit, 0.40, 10)
	b := f.place("bob", model.SideNo, model.OrderTypeLimit, 0.40, 10)

	if len(b.Trades) != 0 {
		t.Fatalf("expected no trades, got %d", len(b.Trades))
	}
	for _, id := range []string{a.Order.ID, b.Order.ID} {
		if got := f.order(id).Status; got != model.OrderOpen {
			t.Errorf("order %s: expected open, got %s", id, got)
		}
	}

	book, err := f.eng.GetOrderBook(context.Background(), "m1")
	if err != nil {
		t.Fatalf("order book: %v", err)
	}
	if len(book.YesBids) != 1 || len(book.NoBids) != 1 {
		t.Errorf("expected one bid per side, got yes=%d no=%d", len(book.YesBids), len(book.NoBids))
	}
}

func TestPlaceOrder_YesAggressorGetsImprovement(t *testing.T) {
	f := newFixture(t)
	f.addUser("alice", 1000)
	f.addUser("bob", 1000)

	f.place("alice", model.SideNo, model.OrderTypeLimit, 0.45, 10)
	res := f.place("bob", model.SideYes, model.OrderTypeLimit, 0.60, 10)

	if len(res.Trades) != 1 {
		t.Fatalf("expected 1 trade, got %d", len(res.Trades))
	}
	// Print at the complement of the resting no quote.
	expectDecimal(t, "execution price", res.Trades[0].Price, d(0.55))
	// 1000 - 6.00 reserved + 0.50 improvement.
	expectDecimal(t, "bob balance", f.balance("bob"), d(994.5))
	expectDecimal(t, "bob avg", f.position("bob", model.SideYes).AvgPrice, d(0.55))
	expectDecimal(t, "alice avg", f.position("alice", model.SideNo).AvgPrice, d(0.45))
	expectDecimal(t, "volume", f.market().Volume, d(5.5))
}

// A no-side aggressor prints at the complement of its own quote, so it never
// receives improvement, and the resting yes order keeps its own quote as cost
// basis even though the print is lower.
func TestPlaceOrder_NoAggressorGetsNoImprovement(t *testing.T) {
	f := newFixture(t)
	f.addUser("alice", 1000)
	f.addUser("bob", 1000)

	f.place("alice", model.SideYes, model.OrderTypeLimit, 0.70, 10)
	res := f.place("bob", model.SideNo, model.OrderTypeLimit, 0.40, 10)

	if len(res.Trades) != 1 {
		t.Fatalf("expected 1 trade, got %d", len(res.Trades))
	}
	expectDecimal(t, "execution price", res.Trades[0].Price, d(0.60))
	expectDecimal(t, "bob balance", f.balance("bob"), d(996))
	expectDecimal(t, "alice balance", f.balance("alice"), d(993))
	expectDecimal(t, "bob avg", f.position("bob", model.SideNo).AvgPrice, d(0.40))
	expectDecimal(t, "alice avg", f.position("alice", model.SideYes).AvgPrice, d(0.70))
	expectDecimal(t, "yes price", f.market().YesPrice, d(0.60))
}

func TestPlaceOrder_SelfTradePrevention(t *testing.T) {
	f := newFixture(t)
	f.addUser("alice", 1000)
	f.addUser("bob", 1000)

	own := f.place("alice", model.SideNo, model.OrderTypeLimit, 0.50, 10)
	other := f.place("bob", model.SideNo, model.OrderTypeLimit, 0.45, 10)

	res := f.place("alice", model.SideYes, model.OrderTypeLimit, 0.60, 10)
	if len(res.Trades) != 1 {
		t.Fatalf("expected 1 trade, got %d", len(res.Trades))
	}
	if res.Trades[0].MakerOrderID != other.Order.ID {
		t.Errorf("expected match against bob's order, got %s", res.Trades[0].MakerOrderID)
	}
	if got := f.order(own.Order.ID); got.Status != model.OrderOpen || got.FilledQuantity != 0 {
		t.Errorf("own resting order should be untouched, got %s filled=%d", got.Status, got.FilledQuantity)
	}
}

func TestPlaceOrder_PriceTimePriority(t *testing.T) {
	f := newFixture(t)
	for _, u := range []string{"alice", "bob", "carol", "dave"} {
		f.addUser(u, 1000)
	}

	b := f.place("bob", model.SideNo, model.OrderTypeLimit, 0.45, 5)
	c := f.place("carol", model.SideNo, model.OrderTypeLimit, 0.45, 5)
	dv := f.place("dave", model.SideNo, model.OrderTypeLimit, 0.50, 5)

	res := f.place("alice", model.SideYes, model.OrderTypeLimit, 0.60, 12)
	if len(res.Trades) != 3 {
		t.Fatalf("expected 3 trades, got %d", len(res.Trades))
	}

	wantMakers := []string{dv.Order.ID, b.Order.ID, c.Order.ID}
	wantQty := []int64{5, 5, 2}
	wantPrice := []decimal.Decimal{d(0.50), d(0.55), d(0.55)}
	for i, tr := range res.Trades {
		if tr.MakerOrderID != wantMakers[i] {
			t.Errorf("trade %d: expected maker %s, got %s", i, wantMakers[i], tr.MakerOrderID)
		}
		if tr.Quantity != wantQty[i] {
			t.Errorf("trade %d: expected qty %d, got %d", i, wantQty[i], tr.Quantity)
		}
		expectDecimal(t, "trade price", tr.Price, wantPrice[i])
	}

	if res.Order.Status != model.OrderFilled {
		t.Errorf("expected filled, got %s", res.Order.Status)
	}
	if got := f.order(c.Order.ID); got.Status != model.OrderPartial || got.FilledQuantity != 2 {
		t.Errorf("expected carol partial with 2 filled, got %s %d", got.Status, got.FilledQuantity)
	}

	// 1000 - 7.20 + (0.10×5 + 0.05×5 + 0.05×2).
	expectDecimal(t, "alice balance", f.balance("alice"), d(993.65))
	expectDecimal(t, "alice avg", f.position("alice", model.SideYes).AvgPrice, d(0.5292))
	expectDecimal(t, "yes price", f.market().YesPrice, d(0.55))
	expectDecimal(t, "volume", f.market().Volume, d(6.35))
}

func TestPlaceOrder_MarketOrderRemainderRefunded(t *testing.T) {
	f := newFixture(t)
	f.addUser("alice", 1000)
	f.addUser("bob", 1000)

	f.place("bob", model.SideNo, model.OrderTypeLimit, 0.45, 5)
	res := f.place("alice", model.SideYes, model.OrderTypeMarket, 0.60, 10)

	if len(res.Trades) != 1 || res.Trades[0].Quantity != 5 {
		t.Fatalf("expected one fill of 5, got %+v", res.Trades)
	}
	if res.Order.Status != model.OrderCancelled || res.Order.FilledQuantity != 5 {
		t.Errorf("expected cancelled with 5 filled, got %s %d", res.Order.Status, res.Order.FilledQuantity)
	}
	// 1000 - 6.00 + 0.25 improvement + 3.00 remainder.
	expectDecimal(t, "alice balance", f.balance("alice"), d(997.25))

	book, err := f.eng.GetOrderBook(context.Background(), "m1")
	if err != nil {
		t.Fatalf("order book: %v", err)
	}
	if len(book.YesBids) != 0 {
		t.Errorf("market order must not rest, got %d yes bids", len(book.YesBids))
	}

	types := f.pub.types()
	if types[len(types)-1] != events.TypeOrderCancelled {
		t.Errorf("expected trailing order_cancelled event, got %v", types)
	}
}

func TestPlaceOrder_MarketOrderWithoutLiquidity(t *testing.T) {
	f := newFixture(t)
	f.addUser("alice", 1000)

	res := f.place("alice", model.SideYes, model.OrderTypeMarket, 0.60, 10)
	if len(res.Trades) != 0 {
		t.Fatalf("expected no trades, got %d", len(res.Trades))
	}
	if res.Order.Status != model.OrderCancelled {
		t.Errorf("expected cancelled, got %s", res.Order.Status)
	}
	expectDecimal(t, "alice balance", f.balance("alice"), d(1000))
}

func TestPlaceOrder_PriceTruncatedToTick(t *testing.T) {
	f := newFixture(t)
	f.addUser("alice", 1000)

	res := f.place("alice", model.SideYes, model.OrderTypeLimit, 0.555, 10)
	expectDecimal(t, "price", res.Order.Price, d(0.55))
	expectDecimal(t, "alice balance", f.balance("alice"), d(994.5))
}

func TestPlaceOrder_Validation(t *testing.T) {
	f := newFixture(t)
	f.addUser("alice", 5)
	f.addMarket("closed", "crypto")
	err := f.st.Update(context.Background(), func(tx store.Tx) error {
		m, err := tx.GetMarket(context.Background(), "closed")
		if err != nil {
			return err
		}
		m.Status = model.MarketCancelled
		return tx.UpdateMarket(context.Background(), m)
	})
	if err != nil {
		t.Fatalf("close market: %v", err)
	}

	base := PlaceRequest{UserID: "alice", MarketID: "m1", Side: model.SideYes, Type: model.OrderTypeLimit, Price: d(0.5), Quantity: 4}
	tests := []struct {
		name   string
		mutate func(r *PlaceRequest)
		want   error
	}{
		{"price below range", func(r *PlaceRequest) { r.Price = d(0.005) }, ErrInvalidPrice},
		{"price above range", func(r *PlaceRequest) { r.Price = d(1) }, ErrInvalidPrice},
		{"price checked before quantity", func(r *PlaceRequest) { r.Price = d(0); r.Quantity = 0 }, ErrInvalidPrice},
		{"zero quantity", func(r *PlaceRequest) { r.Quantity = 0 }, ErrInvalidQuantity},
		{"negative quantity", func(r *PlaceRequest) { r.Quantity = -3 }, ErrInvalidQuantity},
		{"bad side", func(r *PlaceRequest) { r.Side = "maybe" }, ErrInvalidSide},
		{"bad type", func(r *PlaceRequest) { r.Type = "stop" }, ErrInvalidOrderType},
		{"missing market", func(r *PlaceRequest) { r.MarketID = "nope" }, ErrMarketNotOpen},
		{"closed market", func(r *PlaceRequest) { r.MarketID = "closed" }, ErrMarketNotOpen},
		{"market checked before user", func(r *PlaceRequest) { r.MarketID = "nope"; r.UserID = "ghost" }, ErrMarketNotOpen},
		{"missing user", func(r *PlaceRequest) { r.UserID = "ghost" }, ErrUserNotFound},
		{"insufficient balance", func(r *PlaceRequest) { r.Quantity = 11 }, ErrInsufficientBalance},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := base
			tt.mutate(&req)
			_, err := f.eng.PlaceOrder(context.Background(), req)
			if !errors.Is(err, tt.want) {
				t.Errorf("expected %v, got %v", tt.want, err)
			}
		})
	}

	expectDecimal(t, "balance untouched", f.balance("alice"), d(5))
	book, err := f.eng.GetOrderBook(context.Background(), "m1")
	if err != nil {
		t.Fatalf("order book: %v", err)
	}
	if len(book.YesBids)+len(book.NoBids) != 0 {
		t.Errorf("rejected orders must not rest")
	}
	if len(f.pub.types()) != 0 {
		t.Errorf("rejected orders must not publish events, got %v", f.pub.types())
	}
}

func TestPlaceOrder_ExactBalanceAllowed(t *testing.T) {
	f := newFixture(t)
	f.addUser("alice", 6)

	f.place("alice", model.SideYes, model.OrderTypeLimit, 0.60, 10)
	expectDecimal(t, "alice balance", f.balance("alice"), decimal.Zero)
}

func TestPlaceOrder_RiskLimit(t *testing.T) {
	f := newFixture(t, WithLimiter(risk.NewLimiter(d(10), decimal.Zero)))
	f.addUser("alice", 1000)

	f.place("alice", model.SideYes, model.OrderTypeLimit, 0.50, 16)

	_, err := f.eng.PlaceOrder(context.Background(), PlaceRequest{
		UserID: "alice", MarketID: "m1", Side: model.SideNo, Type: model.OrderTypeLimit,
		Price: d(0.30), Quantity: 10,
	})
	if !errors.Is(err, risk.ErrMarketExposureExceeded) {
		t.Fatalf("expected ErrMarketExposureExceeded, got %v", err)
	}
	expectDecimal(t, "alice balance", f.balance("alice"), d(992))
}

func TestCancelOrder_PartialFillRefund(t *testing.T) {
	f := newFixture(t)
	f.addUser("alice", 1000)
	f.addUser("bob", 1000)

	a := f.place("alice", model.SideYes, model.OrderTypeLimit, 0.60, 20)
	f.place("bob", model.SideNo, model.OrderTypeLimit, 0.40, 10)
	expectDecimal(t, "alice balance before cancel", f.balance("alice"), d(988))

	o, err := f.eng.CancelOrder(context.Background(), a.Order.ID, "alice")
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if o.Status != model.OrderCancelled || o.FilledQuantity != 10 {
		t.Errorf("expected cancelled with 10 filled, got %s %d", o.Status, o.FilledQuantity)
	}
	expectDecimal(t, "alice balance", f.balance("alice"), d(994))
}

func TestCancelOrder_Errors(t *testing.T) {
	f := newFixture(t)
	f.addUser("alice", 1000)
	f.addUser("bob", 1000)

	resting := f.place("alice", model.SideYes, model.OrderTypeLimit, 0.60, 10)
	filled := f.place("bob", model.SideNo, model.OrderTypeLimit, 0.40, 5)

	if _, err := f.eng.CancelOrder(context.Background(), "missing", "alice"); !errors.Is(err, ErrOrderNotFound) {
		t.Errorf("expected ErrOrderNotFound, got %v", err)
	}
	if _, err := f.eng.CancelOrder(context.Background(), resting.Order.ID, "bob"); !errors.Is(err, ErrOrderNotFound) {
		t.Errorf("expected ErrOrderNotFound for another user's order, got %v", err)
	}
	if _, err := f.eng.CancelOrder(context.Background(), filled.Order.ID, "bob"); !errors.Is(err, ErrNotCancellable) {
		t.Errorf("expected ErrNotCancellable for a filled order, got %v", err)
	}
	if _, err := f.eng.CancelOrder(context.Background(), resting.Order.ID, "alice"); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if _, err := f.eng.CancelOrder(context.Background(), resting.Order.ID, "alice"); !errors.Is(err, ErrNotCancellable) {
		t.Errorf("expected ErrNotCancellable on second cancel, got %v", err)
	}
	// 1000 - 6.00 + 3.00 refund of the unfilled half.
	expectDecimal(t, "alice balance", f.balance("alice"), d(997))
}

func TestGetOrderBook_Sorted(t *testing.T) {
	f := newFixture(t)
	f.addUser("alice", 1000)
	f.addUser("bob", 1000)

	first := f.place("alice", model.SideYes, model.OrderTypeLimit, 0.30, 1)
	best := f.place("bob", model.SideYes, model.OrderTypeLimit, 0.35, 1)
	second := f.place("bob", model.SideYes, model.OrderTypeLimit, 0.30, 1)

	book, err := f.eng.GetOrderBook(context.Background(), "m1")
	if err != nil {
		t.Fatalf("order book: %v", err)
	}
	want := []string{best.Order.ID, first.Order.ID, second.Order.ID}
	if len(book.YesBids) != len(want) {
		t.Fatalf("expected %d bids, got %d", len(want), len(book.YesBids))
	}
	for i, o := range book.YesBids {
		if o.ID != want[i] {
			t.Errorf("bid %d: expected %s, got %s", i, want[i], o.ID)
		}
	}

	if _, err := f.eng.GetOrderBook(context.Background(), "nope"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("expected store.ErrNotFound, got %v", err)
	}
}

func TestPlaceOrder_PublishesAfterCommit(t *testing.T) {
	f := newFixture(t)
	f.addUser("alice", 1000)
	f.addUser("bob", 1000)

	f.place("alice", model.SideYes, model.OrderTypeLimit, 0.60, 10)
	f.place("bob", model.SideNo, model.OrderTypeLimit, 0.40, 10)

	want := []string{events.TypeOrderPlaced, events.TypeOrderPlaced, events.TypeTradeExecuted}
	got := f.pub.types()
	if len(got) != len(want) {
		t.Fatalf("expected events %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("event %d: expected %s, got %s", i, want[i], got[i])
		}
	}
}

func TestPlaceOrder_ConcurrentPlacementsSerialised(t *testing.T) {
	f := newFixture(t)
	f.addUser("alice", 1000)
	f.addUser("bob", 1000)

	resting := f.place("alice", model.SideNo, model.OrderTypeLimit, 0.50, 10)

	var (
		wg  sync.WaitGroup
		mu  sync.Mutex
		ids []string
	)
	for range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := f.eng.PlaceOrder(context.Background(), PlaceRequest{
				UserID: "bob", MarketID: "m1", Side: model.SideYes, Type: model.OrderTypeMarket,
				Price: d(0.50), Quantity: 2,
			})
			if err != nil {
				t.Errorf("place: %v", err)
				return
			}
			mu.Lock()
			ids = append(ids, res.Order.ID)
			mu.Unlock()
		}()
	}
	wg.Wait()

	// Ten market orders for 2 shares each exhaust exactly 10 resting shares
	// at 0.50, so bob pays 5.00.
	pos := f.position("bob", model.SideYes)
	if pos.Shares != 10 {
		t.Errorf("expected 10 shares, got %d", pos.Shares)
	}
	expectDecimal(t, "bob balance", f.balance("bob"), d(995))

	if o := f.order(resting.Order.ID); o.Status != model.OrderFilled || o.FilledQuantity != 10 {
		t.Errorf("expected resting order filled, got %s with %d filled", o.Status, o.FilledQuantity)
	}
	if len(ids) != 10 {
		t.Fatalf("expected 10 placements, got %d", len(ids))
	}
	for _, id := range ids {
		if o := f.order(id); o.Status != model.OrderFilled || o.FilledQuantity != 2 {
			t.Errorf("order %s: expected filled with 2, got %s with %d", id, o.Status, o.FilledQuantity)
		}
	}
}

// blockingPublisher stalls its first Publish call until released.
type blockingPublisher struct {
	once    sync.Once
	entered chan struct{}
	release chan struct{}
}

func (b *blockingPublisher) Publish(context.Context, ...events.Event) error {
	b.once.Do(func() {
		close(b.entered)
		<-b.release
	})
	return nil
}

func TestPlaceOrder_SlowPublisherDoesNotBlockMarket(t *testing.T) {
	pub := &blockingPublisher{entered: make(chan struct{}), release: make(chan struct{})}
	f := newFixture(t, WithPublisher(pub))
	f.addUser("alice", 1000)
	f.addUser("bob", 1000)

	first := make(chan error, 1)
	go func() {
		_, err := f.eng.PlaceOrder(context.Background(), PlaceRequest{
			UserID: "alice", MarketID: "m1", Side: model.SideYes, Type: model.OrderTypeLimit,
			Price: d(0.60), Quantity: 10,
		})
		first <- err
	}()
	select {
	case <-pub.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("first placement never published")
	}
	release := sync.OnceFunc(func() { close(pub.release) })
	defer release()

	type result struct {
		res *PlaceResult
		err error
	}
	second := make(chan result, 1)
	go func() {
		res, err := f.eng.PlaceOrder(context.Background(), PlaceRequest{
			UserID: "bob", MarketID: "m1", Side: model.SideNo, Type: model.OrderTypeLimit,
			Price: d(0.40), Quantity: 10,
		})
		second <- result{res, err}
	}()

	select {
	case r := <-second:
		if r.err != nil {
			t.Fatalf("second placement: %v", r.err)
		}
		if len(r.res.Trades) != 1 {
			t.Errorf("expected second placement to match the committed order, got %d trades", len(r.res.Trades))
		}
	case <-time.After(2 * time.Second):
		t.Fatal("second placement on the same market waited on a pending publish")
	}

	// Cancels take the same lock.
	f.addUser("carol", 1000)
	resting := f.place("carol", model.SideYes, model.OrderTypeLimit, 0.20, 5)
	cancelled := make(chan error, 1)
	go func() {
		_, err := f.eng.CancelOrder(context.Background(), resting.Order.ID, "carol")
		cancelled <- err
	}()
	select {
	case err := <-cancelled:
		if err != nil {
			t.Errorf("cancel: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("cancel on the same market waited on a pending publish")
	}

	release()
	if err := <-first; err != nil {
		t.Errorf("first placement: %v", err)
	}
}

var errTradeWrite = errors.New("trade write failed")

// failingTradeStore fails the n-th trade insert of every write transaction.
type failingTradeStore struct {
	*store.MemoryStore
	failAt int
}

func (s *failingTradeStore) Update(ctx context.Context, fn func(tx store.Tx) error) error {
	return s.MemoryStore.Update(ctx, func(tx store.Tx) error {
		return fn(&failingTradeTx{Tx: tx, failAt: s.failAt})
	})
}

type failingTradeTx struct {
	store.Tx
	failAt   int
	inserted int
}

func (tx *failingTradeTx) InsertTrade(ctx context.Context, t *model.Trade) error {
	tx.inserted++
	if tx.inserted == tx.failAt {
		return errTradeWrite
	}
	return tx.Tx.InsertTrade(ctx, t)
}

func TestPlaceOrder_FailureMidSweepRollsBack(t *testing.T) {
	f := newFixture(t)
	f.addUser("alice", 1000)
	f.addUser("carol", 1000)
	f.addUser("bob", 1000)

	a := f.place("alice", model.SideYes, model.OrderTypeLimit, 0.60, 5)
	c := f.place("carol", model.SideYes, model.OrderTypeLimit, 0.55, 5)

	// bob's sweep fills alice, then fails writing the trade against carol.
	eng := NewEngine(&failingTradeStore{MemoryStore: f.st, failAt: 2}, WithPublisher(f.pub))
	_, err := eng.PlaceOrder(context.Background(), PlaceRequest{
		UserID: "bob", MarketID: "m1", Side: model.SideNo, Type: model.OrderTypeLimit,
		Price: d(0.45), Quantity: 10,
	})
	if !errors.Is(err, errTradeWrite) {
		t.Fatalf("expected trade write error, got %v", err)
	}

	expectDecimal(t, "alice balance", f.balance("alice"), d(997))
	expectDecimal(t, "carol balance", f.balance("carol"), d(997.25))
	expectDecimal(t, "bob balance", f.balance("bob"), d(1000))

	m := f.market()
	expectDecimal(t, "yes price", m.YesPrice, d(0.5))
	expectDecimal(t, "no price", m.NoPrice, d(0.5))
	expectDecimal(t, "volume", m.Volume, decimal.Zero)

	for _, id := range []string{a.Order.ID, c.Order.ID} {
		if o := f.order(id); o.Status != model.OrderOpen || o.FilledQuantity != 0 {
			t.Errorf("order %s: expected untouched, got %s with %d filled", id, o.Status, o.FilledQuantity)
		}
	}

	err = f.st.View(context.Background(), func(tx store.Tx) error {
		if _, err := tx.GetPosition(context.Background(), "alice", "m1", model.SideYes); !errors.Is(err, store.ErrNotFound) {
			t.Errorf("expected no alice position, got %v", err)
		}
		if _, err := tx.GetPosition(context.Background(), "bob", "m1", model.SideNo); !errors.Is(err, store.ErrNotFound) {
			t.Errorf("expected no bob position, got %v", err)
		}
		orders, err := tx.UserOrders(context.Background(), "bob")
		if err != nil {
			return err
		}
		if len(orders) != 0 {
			t.Errorf("expected bob's order to be rolled back, got %d", len(orders))
		}
		trades, err := tx.RecentTrades(context.Background(), "m1", 10)
		if err != nil {
			return err
		}
		if len(trades) != 0 {
			t.Errorf("expected no trades, got %d", len(trades))
		}
		return nil
	})
	if err != nil {
		t.Fatalf("view: %v", err)
	}
}

func TestMarketLocks_ReleasesEntries(t *testing.T) {
	l := NewMarketLocks()
	unlock := l.Lock("m1")
	unlock()
	if len(l.locks) != 0 {
		t.Errorf("expected lock entry to be dropped, got %d", len(l.locks))
	}
}
