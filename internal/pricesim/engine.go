// Package pricesim maintains a synthetic market price per symbol. Each symbol
// runs an explicit state machine: LIVE mirrors the external feed, TO_TARGET
// and TO_LIVE drift the displayed price by a fixed tick toward a destination,
// and AT_TARGET_FOLLOW holds at the reached target while shadowing the feed's
// direction. Operator verbs steer the machine; every mutation publishes a
// change event to subscribers.
package pricesim

import (
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"lv-simtrade/internal/apperr"

	"go.uber.org/zap"
)

type Mode string

const (
	ModeLive           Mode = "LIVE"
	ModeToTarget       Mode = "TO_TARGET"
	ModeAtTargetFollow Mode = "AT_TARGET_FOLLOW"
	ModeToLive         Mode = "TO_LIVE"
)

const (
	defaultInitialPrice = 100.0
	defaultTickSize     = 1.0
	defaultIntervalSec  = 10

	minIntervalSec = 1
	maxIntervalSec = 300
	minTickSize    = 1e-8
	maxTickSize    = 1e6
)

// Event is delivered to OnChange subscribers on every state mutation.
type Event struct {
	Symbol      string  `json:"symbol"`
	Price       float64 `json:"price"`
	Mode        Mode    `json:"mode"`
	LastLive    float64 `json:"last_live"`
	ChangeDaily float64 `json:"change_daily"`
	Leverage    int     `json:"leverage"`
}

// View is the externally visible snapshot of one symbol's state. Internal
// bookkeeping (stepper handle, follow anchor, rollover day) is not exposed.
type View struct {
	Symbol      string   `json:"symbol"`
	Price       float64  `json:"price"`
	LastLive    float64  `json:"last_live"`
	Mode        Mode     `json:"mode"`
	Target      *float64 `json:"target,omitempty"`
	TickSize    float64  `json:"tick_size"`
	IntervalSec int      `json:"interval_sec"`
	PrevClose   *float64 `json:"prev_close,omitempty"`
	ChangeDaily float64  `json:"change_daily"`
	Leverage    int      `json:"leverage"`
}

type symbolState struct {
	current     float64
	lastLive    float64
	mode        Mode
	target      *float64
	tickSize    float64
	intervalSec int

	// followLiveFrom anchors AT_TARGET_FOLLOW: each tick nudges current by
	// the sign of the feed's movement since the anchor, then re-anchors.
	followLiveFrom *float64

	prevClose   *float64
	changeDaily float64

	// lastTickDay/lastTickPrice drive the UTC day rollover: the first feed
	// tick of a new day snapshots the prior day's last price as prevClose.
	lastTickDay   string
	lastTickPrice float64

	// stop is non-nil exactly when a stepper goroutine is running; the mode
	// fully determines this (LIVE has no stepper, the other modes do).
	stop chan struct{}
}

type Engine struct {
	log             *zap.Logger
	defaultLeverage int

	mu       sync.Mutex
	states   map[string]*symbolState
	leverage map[string]int
	subs     map[int]func(Event)
	nextSub  int
	closed   bool

	now func() time.Time
	wg  sync.WaitGroup
}

func NewEngine(log *zap.Logger, defaultLeverage int) *Engine {
	return &Engine{
		log:             log,
		defaultLeverage: defaultLeverage,
		states:          make(map[string]*symbolState),
		leverage:        make(map[string]int),
		subs:            make(map[int]func(Event)),
		now:             time.Now,
	}
}

// EnsureParams are optional overrides for first-time symbol creation; nil
// fields take the process defaults (price 100, tick 1, interval 10s).
type EnsureParams struct {
	InitialPrice *float64
	TickSize     *float64
	IntervalSec  *int
}

// Ensure lazily creates the symbol's state; it is a no-op when the symbol
// already exists.
func (e *Engine) Ensure(symbol string, p EnsureParams) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.ensureLocked(symbol, p)
}

func (e *Engine) ensureLocked(symbol string, p EnsureParams) *symbolState {
	if st, ok := e.states[symbol]; ok {
		return st
	}
	price := defaultInitialPrice
	if p.InitialPrice != nil && isFinite(*p.InitialPrice) {
		price = *p.InitialPrice
	}
	tick := defaultTickSize
	if p.TickSize != nil && isFinite(*p.TickSize) {
		tick = clampTick(*p.TickSize)
	}
	interval := defaultIntervalSec
	if p.IntervalSec != nil {
		interval = clampInterval(*p.IntervalSec)
	}
	st := &symbolState{
		current:     price,
		lastLive:    price,
		mode:        ModeLive,
		tickSize:    tick,
		intervalSec: interval,
	}
	e.states[symbol] = st
	return st
}

// PushLive records an externally fed tick. On the first tick of a new UTC day
// the prior day's last price becomes prevClose. In LIVE mode the displayed
// price follows the feed; in drift modes only lastLive moves.
func (e *Engine) PushLive(symbol string, price float64) error {
	if !isFinite(price) {
		return apperr.Invalidf("INVALID_PRICE", "live price for %s is not finite", symbol)
	}
	e.mu.Lock()
	st := e.ensureLocked(symbol, EnsureParams{InitialPrice: &price})

	day := e.now().UTC().Format("2006-01-02")
	if st.lastTickDay != "" && st.lastTickDay != day {
		pc := st.lastTickPrice
		st.prevClose = &pc
	}
	st.lastTickDay = day
	st.lastTickPrice = price

	st.lastLive = price
	if st.mode == ModeLive {
		st.current = price
	}
	st.recalcDaily()
	ev, subs := e.snapshotLocked(symbol, st)
	e.mu.Unlock()
	e.publish(ev, subs)
	return nil
}

// SetSpot forces the symbol to the given price and LIVE mode immediately.
func (e *Engine) SetSpot(symbol string, price float64) error {
	if !isFinite(price) {
		return apperr.Invalidf("INVALID_PRICE", "spot price for %s is not finite", symbol)
	}
	e.mu.Lock()
	st := e.ensureLocked(symbol, EnsureParams{InitialPrice: &price})
	st.current = price
	st.lastLive = price
	st.lastTickDay = e.now().UTC().Format("2006-01-02")
	st.lastTickPrice = price
	st.mode = ModeLive
	st.target = nil
	st.followLiveFrom = nil
	e.stopStepperLocked(st)
	st.recalcDaily()
	ev, subs := e.snapshotLocked(symbol, st)
	e.mu.Unlock()
	e.publish(ev, subs)
	return nil
}

// SetPrevClose overrides the daily reference price used for changeDaily.
func (e *Engine) SetPrevClose(symbol string, prevClose float64) error {
	if !isFinite(prevClose) || prevClose <= 0 {
		return apperr.Invalidf("INVALID_PRICE", "prev close for %s must be a positive finite number", symbol)
	}
	e.mu.Lock()
	st := e.ensureLocked(symbol, EnsureParams{})
	st.prevClose = &prevClose
	st.recalcDaily()
	ev, subs := e.snapshotLocked(symbol, st)
	e.mu.Unlock()
	e.publish(ev, subs)
	return nil
}

// DriftToTarget starts (or retargets) a drift of the displayed price toward
// target, tickSize per interval. Reaching the target holds there in
// AT_TARGET_FOLLOW until an operator steers back.
func (e *Engine) DriftToTarget(symbol string, target float64, intervalSec int, tickSize float64) error {
	if !isFinite(target) {
		return apperr.Invalidf("INVALID_PRICE", "drift target for %s is not finite", symbol)
	}
	if !isFinite(tickSize) || tickSize <= 0 {
		return apperr.Invalidf("INVALID_TICK", "tick size for %s must be a positive finite number", symbol)
	}
	e.mu.Lock()
	st := e.ensureLocked(symbol, EnsureParams{})
	t := target
	st.target = &t
	st.tickSize = clampTick(tickSize)
	st.intervalSec = clampInterval(intervalSec)
	st.mode = ModeToTarget
	st.followLiveFrom = nil
	e.startStepperLocked(symbol, st)
	ev, subs := e.snapshotLocked(symbol, st)
	e.mu.Unlock()
	e.publish(ev, subs)
	return nil
}

// DriftBackToLive drifts the displayed price toward the feed; convergence
// restores LIVE mode and stops the stepper.
func (e *Engine) DriftBackToLive(symbol string, intervalSec int, tickSize float64) error {
	if !isFinite(tickSize) || tickSize <= 0 {
		return apperr.Invalidf("INVALID_TICK", "tick size for %s must be a positive finite number", symbol)
	}
	e.mu.Lock()
	st := e.ensureLocked(symbol, EnsureParams{})
	t := st.lastLive
	st.target = &t
	st.tickSize = clampTick(tickSize)
	st.intervalSec = clampInterval(intervalSec)
	st.mode = ModeToLive
	st.followLiveFrom = nil
	e.startStepperLocked(symbol, st)
	ev, subs := e.snapshotLocked(symbol, st)
	e.mu.Unlock()
	e.publish(ev, subs)
	return nil
}

// GoLiveNow snaps the displayed price to the feed immediately.
func (e *Engine) GoLiveNow(symbol string) error {
	e.mu.Lock()
	st, ok := e.states[symbol]
	if !ok {
		e.mu.Unlock()
		return apperr.NotFound("SYMBOL_NOT_FOUND", fmt.Sprintf("symbol %s has no price state", symbol))
	}
	st.current = st.lastLive
	st.mode = ModeLive
	st.target = nil
	st.followLiveFrom = nil
	e.stopStepperLocked(st)
	st.recalcDaily()
	ev, subs := e.snapshotLocked(symbol, st)
	e.mu.Unlock()
	e.publish(ev, subs)
	return nil
}

// step advances one symbol by one tick. It is invoked by the stepper
// goroutine; tests drive it directly.
func (e *Engine) step(symbol string) {
	e.mu.Lock()
	st, ok := e.states[symbol]
	if !ok {
		e.mu.Unlock()
		return
	}
	switch st.mode {
	case ModeToTarget:
		if st.target == nil {
			e.mu.Unlock()
			return
		}
		if stepToward(&st.current, *st.target, st.tickSize) {
			anchor := st.lastLive
			st.followLiveFrom = &anchor
			st.mode = ModeAtTargetFollow
		}
	case ModeAtTargetFollow:
		if st.followLiveFrom != nil {
			switch {
			case st.lastLive > *st.followLiveFrom:
				st.current += st.tickSize
			case st.lastLive < *st.followLiveFrom:
				st.current -= st.tickSize
			}
			anchor := st.lastLive
			st.followLiveFrom = &anchor
		}
	case ModeToLive:
		if st.target == nil {
			t := st.lastLive
			st.target = &t
		}
		if stepToward(&st.current, *st.target, st.tickSize) {
			st.mode = ModeLive
			st.target = nil
			e.stopStepperLocked(st)
		}
	default:
		e.mu.Unlock()
		return
	}
	st.recalcDaily()
	ev, subs := e.snapshotLocked(symbol, st)
	e.mu.Unlock()
	e.publish(ev, subs)
}

// stepToward moves *cur by tick toward dst, clamping overshoot. Reports
// whether dst was reached.
func stepToward(cur *float64, dst, tick float64) bool {
	if math.Abs(dst-*cur) <= tick {
		*cur = dst
		return true
	}
	if dst > *cur {
		*cur += tick
	} else {
		*cur -= tick
	}
	return false
}

func (st *symbolState) recalcDaily() {
	if st.prevClose == nil || *st.prevClose == 0 {
		st.changeDaily = 0
		return
	}
	st.changeDaily = (st.current - *st.prevClose) / *st.prevClose * 100
}

// startStepperLocked replaces any running stepper with a fresh one, so at most
// one timer exists per symbol. The new stepper ticks once immediately.
func (e *Engine) startStepperLocked(symbol string, st *symbolState) {
	e.stopStepperLocked(st)
	if e.closed {
		return
	}
	stop := make(chan struct{})
	st.stop = stop
	interval := time.Duration(st.intervalSec) * time.Second
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.step(symbol)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				e.step(symbol)
			}
		}
	}()
}

func (e *Engine) stopStepperLocked(st *symbolState) {
	if st.stop != nil {
		close(st.stop)
		st.stop = nil
	}
}

func (e *Engine) snapshotLocked(symbol string, st *symbolState) (Event, []func(Event)) {
	ev := Event{
		Symbol:      symbol,
		Price:       st.current,
		Mode:        st.mode,
		LastLive:    st.lastLive,
		ChangeDaily: st.changeDaily,
		Leverage:    e.leverageLocked(symbol),
	}
	subs := make([]func(Event), 0, len(e.subs))
	for _, fn := range e.subs {
		subs = append(subs, fn)
	}
	return ev, subs
}

// publish delivers outside the engine lock. A panicking subscriber is logged
// and isolated; it never interrupts the simulator or other subscribers.
func (e *Engine) publish(ev Event, subs []func(Event)) {
	for _, fn := range subs {
		func() {
			defer func() {
				if r := recover(); r != nil {
					e.log.Warn("price subscriber panicked",
						zap.String("symbol", ev.Symbol), zap.Any("panic", r))
				}
			}()
			fn(ev)
		}()
	}
}

// OnChange registers a subscriber for every state mutation and returns its
// unsubscribe function. Delivery is synchronous with the mutating call.
func (e *Engine) OnChange(fn func(Event)) func() {
	e.mu.Lock()
	id := e.nextSub
	e.nextSub++
	e.subs[id] = fn
	e.mu.Unlock()
	return func() {
		e.mu.Lock()
		delete(e.subs, id)
		e.mu.Unlock()
	}
}

func (e *Engine) GetPrice(symbol string) (float64, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	st, ok := e.states[symbol]
	if !ok {
		return 0, false
	}
	return st.current, true
}

func (e *Engine) GetPrices(symbols []string) map[string]float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make(map[string]float64, len(symbols))
	for _, s := range symbols {
		if st, ok := e.states[s]; ok {
			out[s] = st.current
		}
	}
	return out
}

func (e *Engine) PublicView(symbol string) (View, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	st, ok := e.states[symbol]
	if !ok {
		return View{}, apperr.NotFound("SYMBOL_NOT_FOUND", fmt.Sprintf("symbol %s has no price state", symbol))
	}
	return e.viewLocked(symbol, st), nil
}

func (e *Engine) PublicViewAll() []View {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]View, 0, len(e.states))
	for sym, st := range e.states {
		out = append(out, e.viewLocked(sym, st))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}

func (e *Engine) viewLocked(symbol string, st *symbolState) View {
	v := View{
		Symbol:      symbol,
		Price:       st.current,
		LastLive:    st.lastLive,
		Mode:        st.mode,
		TickSize:    st.tickSize,
		IntervalSec: st.intervalSec,
		ChangeDaily: st.changeDaily,
		Leverage:    e.leverageLocked(symbol),
	}
	if st.target != nil {
		t := *st.target
		v.Target = &t
	}
	if st.prevClose != nil {
		pc := *st.prevClose
		v.PrevClose = &pc
	}
	return v
}

// SetLeverage overrides the per-symbol leverage used for display and order
// defaults.
func (e *Engine) SetLeverage(symbol string, leverage int) error {
	if leverage <= 0 {
		return apperr.Invalidf("INVALID_LEVERAGE", "leverage for %s must be positive", symbol)
	}
	e.mu.Lock()
	e.leverage[symbol] = leverage
	e.mu.Unlock()
	return nil
}

func (e *Engine) GetLeverage(symbol string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.leverageLocked(symbol)
}

func (e *Engine) leverageLocked(symbol string) int {
	if lev, ok := e.leverage[symbol]; ok {
		return lev
	}
	return e.defaultLeverage
}

// Close stops every stepper and waits for them to exit. The engine accepts no
// new steppers afterwards.
func (e *Engine) Close() {
	e.mu.Lock()
	e.closed = true
	for _, st := range e.states {
		e.stopStepperLocked(st)
	}
	e.mu.Unlock()
	e.wg.Wait()
}

func clampInterval(sec int) int {
	if sec < minIntervalSec {
		return minIntervalSec
	}
	if sec > maxIntervalSec {
		return maxIntervalSec
	}
	return sec
}

func clampTick(tick float64) float64 {
	if tick < minTickSize {
		return minTickSize
	}
	if tick > maxTickSize {
		return maxTickSize
	}
	return tick
}

func isFinite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}
