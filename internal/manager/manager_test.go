package manager

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/incept-protocol/comet-manager/internal/datafetcher"
	"github.com/incept-protocol/comet-manager/internal/rootfind"
	"github.com/incept-protocol/comet-manager/internal/types"
	"github.com/incept-protocol/comet-manager/internal/vault"
)

var (
	testTokenData = solana.MustPublicKeyFromBase58("H6ARHf6YXhGYeQfUzQNGk6rDNnLBQKrenN712K4AQJEG")
	testManager   = solana.MustPublicKeyFromBase58("GVXRSBjFk6e6J3NbVPXohDJetcTjaeeuykUpbQF8UoMU")
	testComet     = solana.MustPublicKeyFromBase58("JBu1AL4obBcCMqKBBxhpWCNUt136ijcuMZLFvTP7iWdB")
	testFeed      = solana.MustPublicKeyFromBase58("11111111111111111111111111111112")
)

const testSymbol = "Crypto.SOL/USD"

// ===== FAKES =====

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type fakeReader struct{}

func (fakeReader) Fetch(_ context.Context, address solana.PublicKey) ([]byte, error) {
	return nil, fmt.Errorf("%w: %s", datafetcher.ErrAccountNotFound, address)
}

func (fakeReader) Subscribe(ctx context.Context, _ solana.PublicKey) (<-chan datafetcher.AccountUpdate, error) {
	ch := make(chan datafetcher.AccountUpdate)
	go func() {
		<-ctx.Done()
		close(ch)
	}()
	return ch, nil
}

type fakePriceFeed struct {
	prices chan types.OraclePrice
}

func (f *fakePriceFeed) Subscribe(ctx context.Context, symbol string) (<-chan types.OraclePrice, error) {
	if symbol != testSymbol {
		return nil, datafetcher.ErrUnknownSymbol
	}
	out := make(chan types.OraclePrice)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case p := <-f.prices:
				select {
				case out <- p:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

type fakeSubmitter struct {
	mu    sync.Mutex
	plans []*types.RecenterPlan
	err   error
	clock *testClock
}

func (s *fakeSubmitter) Submit(_ context.Context, plan *types.RecenterPlan) (types.SubmitResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return types.SubmitResult{}, s.err
	}
	s.plans = append(s.plans, plan)
	return types.SubmitResult{Signature: fmt.Sprintf("sig-%d", len(s.plans)), SubmittedAt: s.clock.Now()}, nil
}

func (s *fakeSubmitter) Close() error { return nil }

func (s *fakeSubmitter) submitted() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.plans)
}

type fakeStore struct {
	mu        sync.Mutex
	counter   int
	snapshots []types.CycleSnapshot
}

func (s *fakeStore) NextCycleNumber(context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.counter++
	return s.counter, nil
}

func (s *fakeStore) SaveCycleSnapshot(_ context.Context, snapshot types.CycleSnapshot) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snapshots = append(s.snapshots, snapshot)
	return int64(len(s.snapshots)), nil
}

func (s *fakeStore) ActiveStrategyParamsID(context.Context) (*int64, error) {
	id := int64(7)
	return &id, nil
}

func (s *fakeStore) saved() []types.CycleSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]types.CycleSnapshot(nil), s.snapshots...)
}

type fakeCache struct {
	mu     sync.Mutex
	health map[int]types.PositionHealth
}

func (c *fakeCache) Set(_ context.Context, h types.PositionHealth) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.health[h.PositionIndex] = h
	return nil
}

// ===== FIXTURES =====

// poolAtPrice moves a 1,020,000 / 102,000 pool along its invariant to price.
func poolAtPrice(price float64) types.Pool {
	inv := 1_020_000.0 * 102_000.0
	onusd := math.Sqrt(price * inv)
	return types.Pool{
		OnusdAmount:                    onusd,
		OnassetAmount:                  inv / onusd,
		LiquidityTokenSupply:           1_020_000,
		LiquidityTradingFee:            0.002,
		TreasuryTradingFee:             0.001,
		AssetInfo:                      types.AssetInfo{Price: 10, PythPriceFeed: testFeed, CryptoCollateralRatio: 1.5},
		PositionHealthScoreCoefficient: 1.05,
		IlHealthScoreCoefficient:       100,
	}
}

func cometWith(position types.CometPosition) types.Comet {
	return types.Comet{
		Positions:   []types.CometPosition{position},
		Collaterals: []types.CometCollateral{{CollateralIndex: 0, CollateralAmount: 5_000}},
	}
}

func testPosition() types.CometPosition {
	return types.CometPosition{PoolIndex: 0, BorrowedOnusd: 20_000, BorrowedOnasset: 2_000, LiquidityTokenValue: 20_000}
}

func testParams() types.StrategyParameters {
	return types.StrategyParameters{
		PriceThreshold:          0.01,
		AmmSlippageBps:          50,
		VenueSlippageBps:        30,
		TriggerPolicy:           types.TriggerPolicyCoalesce,
		SubmitTimeout:           types.Duration{Duration: 5 * time.Second},
		ResyncInterval:          types.Duration{Duration: time.Minute},
		MaxSubmissionsPerMinute: 6,
	}
}

type harness struct {
	m         *Manager
	clock     *testClock
	submitter *fakeSubmitter
	store     *fakeStore
	cache     *fakeCache
	prices    *fakePriceFeed
}

func newHarness(t *testing.T, params types.StrategyParameters) *harness {
	t.Helper()
	clock := &testClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	h := &harness{
		clock:     clock,
		submitter: &fakeSubmitter{clock: clock},
		store:     &fakeStore{},
		cache:     &fakeCache{health: map[int]types.PositionHealth{}},
		prices:    &fakePriceFeed{prices: make(chan types.OraclePrice, 4)},
	}

	m, err := New(Config{
		Reader:           fakeReader{},
		Prices:           h.prices,
		PriceAccounts:    map[string]solana.PublicKey{testSymbol: testFeed},
		Submitter:        h.submitter,
		Store:            h.store,
		Cache:            h.cache,
		TokenDataAddress: testTokenData,
		ManagerAddress:   testManager,
		Params:           params,
		Now:              clock.Now,
	})
	require.NoError(t, err)
	h.m = m
	return h
}

// seed loads a one-pool market with the given pool price, comet position and oracle price.
func (h *harness) seed(t *testing.T, poolPrice float64, position types.CometPosition, oracle float64, status types.ManagerStatus) {
	t.Helper()
	now := h.clock.Now()
	market := h.m.Market()
	require.NoError(t, market.SetTokenData(types.TokenData{
		Pools:       []types.Pool{poolAtPrice(poolPrice)},
		Collaterals: []types.Collateral{{Index: 0, Stable: true}},
	}, now))
	market.SetComet(cometWith(position), now)
	market.SetManagerInfo(types.ManagerInfo{Comet: testComet, Status: status}, now)
	if oracle > 0 {
		require.NoError(t, market.SetOraclePrice(0, types.OraclePrice{Symbol: testSymbol, Price: oracle, ObservedAt: now}))
	}
}

// ===== GUARD =====

func TestGuard_Drop(t *testing.T) {
	g := NewGuard(types.TriggerPolicyDrop)

	acquired, coalesced := g.TryAcquire()
	assert.True(t, acquired)
	assert.False(t, coalesced)

	acquired, coalesced = g.TryAcquire()
	assert.False(t, acquired)
	assert.False(t, coalesced)

	assert.False(t, g.Done())
	assert.False(t, g.Running())
}

func TestGuard_Coalesce(t *testing.T) {
	g := NewGuard(types.TriggerPolicyCoalesce)

	acquired, _ := g.TryAcquire()
	require.True(t, acquired)

	// Two triggers while busy collapse into one re-run
	_, coalesced := g.TryAcquire()
	assert.True(t, coalesced)
	_, coalesced = g.TryAcquire()
	assert.True(t, coalesced)

	assert.True(t, g.Done())
	assert.True(t, g.Running())
	assert.False(t, g.Done())
	assert.False(t, g.Running())
}

func TestGuard_Release(t *testing.T) {
	g := NewGuard(types.TriggerPolicyCoalesce)
	g.TryAcquire()
	g.TryAcquire()

	g.Release()
	assert.False(t, g.Running())

	acquired, _ := g.TryAcquire()
	assert.True(t, acquired)
	assert.False(t, g.Done())
}

func TestGuard_SingleWinner(t *testing.T) {
	g := NewGuard(types.TriggerPolicyDrop)

	var wg sync.WaitGroup
	var mu sync.Mutex
	winners := 0
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if acquired, _ := g.TryAcquire(); acquired {
				mu.Lock()
				winners++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, winners)
}

// ===== CLASSIFY =====

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Severity
	}{
		{"nil", nil, SeverityNone},
		{"calculation error", &rootfind.CalculationError{Op: "search"}, SeverityRecoverable},
		{"wrapped max iterations", fmt.Errorf("range: %w", rootfind.ErrMaxIterations), SeverityRecoverable},
		{"missing data", errors.Join(types.ErrMissingMarketData, errors.New("no price")), SeverityRecoverable},
		{"invalid input", errors.Join(types.ErrInvalidInput, errors.New("NaN reserve")), SeverityFatal},
		{"calculation joined with invalid input", errors.Join(types.ErrInvalidInput, &rootfind.CalculationError{}), SeverityRecoverable},
		{"submission timeout", fmt.Errorf("%w: signer", vault.ErrSubmissionTimeout), SeverityExternal},
		{"submission rejected", vault.ErrSubmissionRejected, SeverityExternal},
		{"deadline", context.DeadlineExceeded, SeverityExternal},
		{"unknown", errors.New("boom"), SeverityRecoverable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.err))
		})
	}
}

// ===== CYCLES =====

func TestNew_ValidatesConfig(t *testing.T) {
	_, err := New(Config{})
	assert.ErrorIs(t, err, types.ErrInvalidInput)

	params := testParams()
	params.MaxSubmissionsPerMinute = 0
	_, err = New(Config{
		Reader:           fakeReader{},
		Submitter:        &fakeSubmitter{},
		Store:            &fakeStore{},
		TokenDataAddress: testTokenData,
		ManagerAddress:   testManager,
		Params:           params,
	})
	assert.ErrorIs(t, err, types.ErrInvalidInput)
}

func TestRunCycle_MissingMarketData(t *testing.T) {
	h := newHarness(t, testParams())

	require.NoError(t, h.m.RunCycle(t.Context(), TriggerResync))
	assert.Empty(t, h.store.saved())
	assert.Zero(t, h.submitter.submitted())
}

func TestRunCycle_NoBreach(t *testing.T) {
	h := newHarness(t, testParams())
	h.seed(t, 11, testPosition(), 11, types.ManagerStatusOpen)

	// Quiet price ticks are not persisted
	require.NoError(t, h.m.RunCycle(t.Context(), TriggerPrice))
	assert.Empty(t, h.store.saved())

	require.NoError(t, h.m.RunCycle(t.Context(), TriggerResync))
	saved := h.store.saved()
	require.Len(t, saved, 1)
	assert.Equal(t, types.CycleOutcomeNoBreach, saved[0].Outcome)
	assert.Equal(t, 2, saved[0].CycleNumber)
	assert.Equal(t, int64(7), *saved[0].StrategyParamsID)
	assert.NotEmpty(t, saved[0].CycleID)
	assert.InDelta(t, 11, saved[0].PoolPrice, 1e-9)
	assert.Zero(t, h.submitter.submitted())

	// Health is still cached for quiet cycles
	health, ok := h.cache.health[0]
	require.True(t, ok)
	assert.Equal(t, saved[0].HealthScoreBefore, health.HealthScore)
	assert.Less(t, health.LowerPrice, 11.0)
	assert.Greater(t, health.UpperPrice, 11.0)
}

func TestRunCycle_SubmitsBreachedPosition(t *testing.T) {
	h := newHarness(t, testParams())
	h.seed(t, 11, testPosition(), 10, types.ManagerStatusOpen)

	require.NoError(t, h.m.RunCycle(t.Context(), TriggerPrice))
	require.Equal(t, 1, h.submitter.submitted())

	saved := h.store.saved()
	require.Len(t, saved, 1)
	rec := saved[0]
	assert.Equal(t, types.CycleOutcomeSubmitted, rec.Outcome)
	assert.Equal(t, []string{"sig-1"}, rec.Signatures)
	require.NotNil(t, rec.Plan)
	assert.Equal(t, types.BreachHigher, rec.Plan.Direction)
	assert.Equal(t, testComet, rec.Plan.Comet)
	assert.Equal(t, rec.Plan.ExpectedHealthScore, rec.HealthScoreAfter)
	assert.Equal(t, TriggerPrice, rec.Trigger)
	assert.Empty(t, rec.ErrorMessage)
}

func TestRunCycle_WaitsForSubmittedPlanToLand(t *testing.T) {
	h := newHarness(t, testParams())
	h.seed(t, 11, testPosition(), 10, types.ManagerStatusOpen)

	require.NoError(t, h.m.RunCycle(t.Context(), TriggerPrice))
	require.Equal(t, 1, h.submitter.submitted())

	// The comet has not changed since the submission
	h.clock.Advance(time.Second)
	require.NoError(t, h.m.RunCycle(t.Context(), TriggerPrice))
	assert.Equal(t, 1, h.submitter.submitted())
	assert.Len(t, h.store.saved(), 1)

	// A newer comet account clears the wait
	h.m.Market().SetComet(cometWith(testPosition()), h.clock.Now())
	h.clock.Advance(time.Second)
	require.NoError(t, h.m.RunCycle(t.Context(), TriggerPrice))
	assert.Equal(t, 2, h.submitter.submitted())
}

func TestRunCycle_SubmissionThrottle(t *testing.T) {
	params := testParams()
	params.MaxSubmissionsPerMinute = 1
	h := newHarness(t, params)
	h.seed(t, 11, testPosition(), 10, types.ManagerStatusOpen)

	require.NoError(t, h.m.RunCycle(t.Context(), TriggerPrice))
	h.m.Market().SetComet(cometWith(testPosition()), h.clock.Now().Add(time.Second))
	h.clock.Advance(2 * time.Second)
	require.NoError(t, h.m.RunCycle(t.Context(), TriggerPrice))

	assert.Equal(t, 1, h.submitter.submitted())
	saved := h.store.saved()
	require.Len(t, saved, 2)
	assert.Equal(t, types.CycleOutcomeSkipped, saved[1].Outcome)
	assert.Contains(t, saved[1].ErrorMessage, "rate limit")
	assert.NotNil(t, saved[1].Plan)
}

func TestRunCycle_SubmissionFailureIsNotFatal(t *testing.T) {
	h := newHarness(t, testParams())
	h.submitter.err = fmt.Errorf("%w: signer unreachable", vault.ErrSubmissionFailed)
	h.seed(t, 11, testPosition(), 10, types.ManagerStatusOpen)

	require.NoError(t, h.m.RunCycle(t.Context(), TriggerPrice))
	saved := h.store.saved()
	require.Len(t, saved, 1)
	assert.Equal(t, types.CycleOutcomeFailed, saved[0].Outcome)
	assert.Contains(t, saved[0].ErrorMessage, "signer unreachable")

	// The guard is free again and nothing waits for a plan that never landed
	assert.False(t, h.m.guard.Running())
	h.submitter.err = nil
	require.NoError(t, h.m.RunCycle(t.Context(), TriggerPrice))
	assert.Equal(t, 1, h.submitter.submitted())
}

func TestRunCycle_MinimumHealth(t *testing.T) {
	params := testParams()
	params.MinHealthScore = 1_000
	h := newHarness(t, params)
	h.seed(t, 11, testPosition(), 10, types.ManagerStatusOpen)

	require.NoError(t, h.m.RunCycle(t.Context(), TriggerPrice))
	assert.Zero(t, h.submitter.submitted())
	saved := h.store.saved()
	require.Len(t, saved, 1)
	assert.Equal(t, types.CycleOutcomeSkipped, saved[0].Outcome)
}

func TestRunCycle_StaleOraclePriceSkips(t *testing.T) {
	params := testParams()
	params.PriceMaxAge = types.Duration{Duration: time.Minute}
	h := newHarness(t, params)
	h.seed(t, 11, testPosition(), 10, types.ManagerStatusOpen)
	h.clock.Advance(2 * time.Minute)

	require.NoError(t, h.m.RunCycle(t.Context(), TriggerResync))
	assert.Zero(t, h.submitter.submitted())
	saved := h.store.saved()
	require.Len(t, saved, 1)
	assert.Equal(t, types.CycleOutcomeSkipped, saved[0].Outcome)
	assert.Contains(t, saved[0].ErrorMessage, types.ErrMissingMarketData.Error())
}

func TestRunCycle_ManagerNotOpen(t *testing.T) {
	h := newHarness(t, testParams())
	h.seed(t, 11, testPosition(), 10, types.ManagerStatusClosing)

	require.NoError(t, h.m.RunCycle(t.Context(), TriggerResync))
	assert.Zero(t, h.submitter.submitted())
	assert.Empty(t, h.store.saved())
}

func TestRunCycle_InvalidPositionIsFatal(t *testing.T) {
	h := newHarness(t, testParams())
	broken := testPosition()
	broken.BorrowedOnusd = math.NaN()
	h.seed(t, 11, broken, 10, types.ManagerStatusOpen)

	err := h.m.RunCycle(t.Context(), TriggerPrice)
	require.ErrorIs(t, err, types.ErrInvalidInput)
	assert.Equal(t, SeverityFatal, Classify(err))

	saved := h.store.saved()
	require.Len(t, saved, 1)
	assert.Equal(t, types.CycleOutcomeAborted, saved[0].Outcome)
	assert.False(t, h.m.guard.Running())
}

func TestRunCycle_InFlight(t *testing.T) {
	h := newHarness(t, testParams())
	acquired, _ := h.m.guard.TryAcquire()
	require.True(t, acquired)

	assert.ErrorIs(t, h.m.RunCycle(t.Context(), TriggerResync), ErrCycleInFlight)
}

func TestRunCycle_ConfiguredPositions(t *testing.T) {
	params := testParams()
	params.PositionIndices = []int{3}
	h := newHarness(t, params)
	h.seed(t, 11, testPosition(), 10, types.ManagerStatusOpen)

	// Index 3 does not exist in a one-position comet
	require.NoError(t, h.m.RunCycle(t.Context(), TriggerResync))
	assert.Zero(t, h.submitter.submitted())
	assert.Empty(t, h.store.saved())
}

// ===== RUN LOOP =====

func TestRun_StopsOnCancel(t *testing.T) {
	h := newHarness(t, testParams())
	ctx, cancel := context.WithCancel(t.Context())

	done := make(chan error, 1)
	go func() { done <- h.m.Run(ctx) }()
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not stop after cancellation")
	}
}

func TestRun_PriceUpdateTriggersCycle(t *testing.T) {
	h := newHarness(t, testParams())
	h.seed(t, 11, testPosition(), 0, types.ManagerStatusOpen)
	ctx, cancel := context.WithCancel(t.Context())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- h.m.Run(ctx) }()
	h.prices.prices <- types.OraclePrice{Symbol: testSymbol, Price: 10, ObservedAt: h.clock.Now()}

	assert.Eventually(t, func() bool { return h.submitter.submitted() == 1 }, 5*time.Second, 10*time.Millisecond)
	cancel()
	assert.NoError(t, <-done)
}

func TestRun_FatalCycleStopsManager(t *testing.T) {
	h := newHarness(t, testParams())
	broken := testPosition()
	broken.LiquidityTokenValue = -1
	h.seed(t, 11, broken, 0, types.ManagerStatusOpen)

	done := make(chan error, 1)
	go func() { done <- h.m.Run(t.Context()) }()
	h.prices.prices <- types.OraclePrice{Symbol: testSymbol, Price: 10, ObservedAt: h.clock.Now()}

	select {
	case err := <-done:
		assert.ErrorIs(t, err, types.ErrInvalidInput)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not stop on a fatal cycle")
	}
}
