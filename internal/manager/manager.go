package manager

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/incept-protocol/comet-manager/internal/analyzer"
	"github.com/incept-protocol/comet-manager/internal/datafetcher"
	"github.com/incept-protocol/comet-manager/internal/logger"
	"github.com/incept-protocol/comet-manager/internal/metrics"
	"github.com/incept-protocol/comet-manager/internal/planner"
	"github.com/incept-protocol/comet-manager/internal/rootfind"
	"github.com/incept-protocol/comet-manager/internal/state"
	"github.com/incept-protocol/comet-manager/internal/types"
	"github.com/incept-protocol/comet-manager/internal/vault"
)

// Trigger sources, also used as metric labels.
const (
	TriggerResync    = "resync"
	TriggerTokenData = "token_data"
	TriggerComet     = "comet"
	TriggerManager   = "manager"
	TriggerPrice     = "price"
	TriggerCoalesced = "coalesced"
)

const (
	eventBuffer     = 256
	minBackoff      = time.Second
	maxBackoff      = 30 * time.Second
	persistTimeout  = 5 * time.Second
	awaitingMessage = "awaiting confirmation of previous submission"
)

var ErrCycleInFlight = errors.New("a cycle is already running")
var errAwaitingConfirmation = errors.New(awaitingMessage)

// CycleStore persists cycle records.
type CycleStore interface {
	NextCycleNumber(ctx context.Context) (int, error)
	SaveCycleSnapshot(ctx context.Context, snapshot types.CycleSnapshot) (int64, error)
	ActiveStrategyParamsID(ctx context.Context) (*int64, error)
}

// HealthCache receives the latest health view of each evaluated position.
type HealthCache interface {
	Set(ctx context.Context, health types.PositionHealth) error
}

// Config holds the dependencies of a Manager.
type Config struct {
	Reader        datafetcher.AccountReader
	Prices        datafetcher.PriceFeed
	PriceAccounts map[string]solana.PublicKey // Symbol to Pyth price account
	Submitter     vault.Submitter
	Store         CycleStore
	Cache         HealthCache // Optional

	Program          solana.PublicKey
	TokenDataAddress solana.PublicKey
	ManagerAddress   solana.PublicKey

	Params types.StrategyParameters
	Now    func() time.Time // Defaults to time.Now
}

// Manager watches one comet and recenters its positions whenever a pool leaves the oracle band.
type Manager struct {
	logger    zerolog.Logger
	reader    datafetcher.AccountReader
	prices    datafetcher.PriceFeed
	feeds     map[string]solana.PublicKey
	submitter vault.Submitter
	store     CycleStore
	cache     HealthCache

	program          solana.PublicKey
	tokenDataAddress solana.PublicKey
	managerAddress   solana.PublicKey
	cometAddress     solana.PublicKey // Owned by the Run goroutine

	params  types.StrategyParameters
	now     func() time.Time
	market  *state.MarketStore
	guard   *Guard
	limiter *rate.Limiter

	awaitingMu sync.Mutex
	awaiting   map[int]time.Time // Position index to submission time

	wg    sync.WaitGroup
	fatal chan error
}

type event struct {
	source  string
	address solana.PublicKey
	data    []byte
	price   *types.OraclePrice
}

// New creates a Manager.
func New(cfg Config) (*Manager, error) {
	if err := validateConfig(cfg); err != nil {
		return nil, fmt.Errorf("manager configuration validation failed: %w", err)
	}

	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	perMinute := cfg.Params.MaxSubmissionsPerMinute
	burst := int(perMinute)
	if burst < 1 {
		burst = 1
	}

	m := &Manager{
		logger:           logger.GetForComponent("comet_manager"),
		reader:           cfg.Reader,
		prices:           cfg.Prices,
		feeds:            cfg.PriceAccounts,
		submitter:        cfg.Submitter,
		store:            cfg.Store,
		cache:            cfg.Cache,
		program:          cfg.Program,
		tokenDataAddress: cfg.TokenDataAddress,
		managerAddress:   cfg.ManagerAddress,
		params:           cfg.Params,
		now:              now,
		market:           state.NewMarketStore(),
		guard:            NewGuard(cfg.Params.TriggerPolicy),
		limiter:          rate.NewLimiter(rate.Limit(perMinute/60), burst),
		awaiting:         make(map[int]time.Time),
		fatal:            make(chan error, 1),
	}

	m.logger.Info().
		Str("manager", m.managerAddress.String()).
		Str("triggerPolicy", string(m.params.TriggerPolicy)).
		Float64("priceThreshold", m.params.PriceThreshold).
		Int("priceFeeds", len(m.feeds)).
		Msg("Comet manager created")
	return m, nil
}

func validateConfig(cfg Config) error {
	switch {
	case cfg.Reader == nil:
		return errors.Join(types.ErrInvalidInput, errors.New("account reader cannot be nil"))
	case cfg.Prices == nil && len(cfg.PriceAccounts) > 0:
		return errors.Join(types.ErrInvalidInput, errors.New("price feed cannot be nil when price accounts are configured"))
	case cfg.Submitter == nil:
		return errors.Join(types.ErrInvalidInput, errors.New("submitter cannot be nil"))
	case cfg.Store == nil:
		return errors.Join(types.ErrInvalidInput, errors.New("cycle store cannot be nil"))
	case cfg.TokenDataAddress.Equals(solana.PublicKey{}), cfg.ManagerAddress.Equals(solana.PublicKey{}):
		return errors.Join(types.ErrInvalidInput, errors.New("token data and manager addresses are required"))
	case cfg.Params.SubmitTimeout.Duration <= 0, cfg.Params.ResyncInterval.Duration <= 0:
		return errors.Join(types.ErrInvalidInput, errors.New("submit timeout and resync interval must be positive"))
	case cfg.Params.MaxSubmissionsPerMinute <= 0:
		return errors.Join(types.ErrInvalidInput, errors.New("max submissions per minute must be positive"))
	}
	return nil
}

// Run resyncs every tracked account, subscribes to their changes and to the oracle prices,
// and triggers a cycle on every change and on each resync tick.
// It returns nil when ctx is cancelled and the error that stopped the bot otherwise.
func (m *Manager) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	events := make(chan event, eventBuffer)
	m.watchAccount(ctx, m.tokenDataAddress, TriggerTokenData, events)
	m.watchAccount(ctx, m.managerAddress, TriggerManager, events)
	for symbol, account := range m.feeds {
		m.watchPrices(ctx, symbol, account, events)
	}

	if err := m.resync(ctx, events); err != nil {
		m.logger.Warn().Err(err).Dur("retryIn", m.params.ResyncInterval.Duration).Msg("Initial resync failed")
	} else {
		m.dispatch(ctx, TriggerResync)
	}

	ticker := time.NewTicker(m.params.ResyncInterval.Duration)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.logger.Info().Msg("Manager loop stopped due to context cancellation")
			m.wg.Wait()
			return nil
		case err := <-m.fatal:
			m.logger.Error().Err(err).Msg("Fatal cycle error, stopping manager")
			cancel()
			m.wg.Wait()
			return err
		case ev := <-events:
			if m.apply(ev) {
				m.dispatch(ctx, ev.source)
			}
		case <-ticker.C:
			if err := m.resync(ctx, events); err != nil {
				m.logger.Warn().Err(err).Msg("Resync failed")
				continue
			}
			m.dispatch(ctx, TriggerResync)
		}
	}
}

// RunCycle evaluates every managed position once. It fails with ErrCycleInFlight when another
// cycle holds the guard, and returns an error only when the cycle hit a fatal condition.
func (m *Manager) RunCycle(ctx context.Context, trigger string) error {
	acquired, _ := m.guard.TryAcquire()
	if !acquired {
		return ErrCycleInFlight
	}
	return m.runAcquired(ctx, trigger)
}

// Market exposes the observed market state.
func (m *Manager) Market() *state.MarketStore {
	return m.market
}

func (m *Manager) dispatch(ctx context.Context, trigger string) {
	acquired, coalesced := m.guard.TryAcquire()
	switch {
	case acquired:
		metrics.Triggers.WithLabelValues(trigger, "started").Inc()
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			if err := m.runAcquired(ctx, trigger); err != nil {
				select {
				case m.fatal <- err:
				default:
				}
			}
		}()
	case coalesced:
		metrics.Triggers.WithLabelValues(trigger, "coalesced").Inc()
	default:
		metrics.Triggers.WithLabelValues(trigger, "dropped").Inc()
		m.logger.Debug().Str("trigger", trigger).Msg("Cycle in flight, trigger dropped")
	}
}

// runAcquired runs cycles while the guard is held, repeating once per coalesced trigger.
func (m *Manager) runAcquired(ctx context.Context, trigger string) error {
	held := true
	defer func() {
		if held {
			m.guard.Release()
		}
	}()

	for {
		if err := m.runCycleOnce(ctx, trigger); err != nil {
			return err
		}
		if ctx.Err() != nil {
			return nil
		}
		if !m.guard.Done() {
			held = false
			return nil
		}
		trigger = TriggerCoalesced
	}
}

// runCycleOnce returns only fatal errors; everything else ends up in the cycle records.
func (m *Manager) runCycleOnce(ctx context.Context, trigger string) (err error) {
	start := m.now()
	cycleID := uuid.New().String()
	cycleLogger := m.logger.With().Str("cycle_id", cycleID).Str("trigger", trigger).Logger()

	defer func() {
		if r := recover(); r != nil {
			metrics.CalculationErrors.WithLabelValues("panic").Inc()
			cycleLogger.Error().Interface("panic", r).Msg("Cycle panicked")
			err = nil
		}
	}()

	snap, err := m.market.Snapshot()
	if err != nil {
		metrics.CalculationErrors.WithLabelValues(errorKind(err)).Inc()
		cycleLogger.Warn().Err(err).Msg("Cycle skipped: market state incomplete")
		return nil
	}
	if snap.ManagerInfo.Status != types.ManagerStatusOpen {
		cycleLogger.Warn().Str("status", snap.ManagerInfo.Status.String()).Msg("Cycle skipped: comet manager is not open")
		return nil
	}

	cycleNumber := m.nextCycleNumber(ctx, cycleLogger)
	paramsID := m.strategyParamsID(ctx, cycleLogger)
	cycleLogger.Debug().Int("cycleNumber", cycleNumber).Msg("--- Starting Comet Cycle ---")

	for _, idx := range m.managedPositions(snap.Comet, cycleLogger) {
		if ctx.Err() != nil {
			return nil
		}

		record, evalErr := m.evaluatePosition(ctx, cycleLogger, snap, idx, trigger)
		if errors.Is(evalErr, errAwaitingConfirmation) {
			continue
		}
		record.CycleID = cycleID
		record.CycleNumber = cycleNumber
		record.StrategyParamsID = paramsID
		record.DurationMs = m.now().Sub(start).Milliseconds()

		metrics.CyclesTotal.WithLabelValues(string(record.Outcome)).Inc()
		if record.Outcome != types.CycleOutcomeNoBreach || trigger == TriggerResync {
			m.saveCycleSnapshot(ctx, cycleLogger, record)
		}
		if Classify(evalErr) == SeverityFatal {
			return evalErr
		}
	}

	cycleLogger.Debug().Dur("duration", m.now().Sub(start)).Msg("--- Comet Cycle Complete ---")
	return nil
}

// evaluatePosition runs health, planning and submission for one comet position.
// The returned error is the one that decided a non-successful outcome.
func (m *Manager) evaluatePosition(ctx context.Context, cycleLogger zerolog.Logger, snap state.MarketSnapshot, idx int, trigger string) (types.CycleSnapshot, error) {
	now := m.now()
	position := snap.Comet.Positions[idx]
	record := types.CycleSnapshot{
		Timestamp:     now,
		Trigger:       trigger,
		PoolIndex:     position.PoolIndex,
		PositionIndex: idx,
		Signatures:    []string{},
	}
	posLogger := cycleLogger.With().Int("position_index", idx).Uint64("pool_index", uint64(position.PoolIndex)).Logger()

	pool, ok := snap.TokenData.Pool(position.PoolIndex)
	if !ok {
		return m.failed(posLogger, record, errors.Join(types.ErrMissingMarketData, fmt.Errorf("pool %d not loaded", position.PoolIndex)))
	}
	record.PoolPrice = pool.PoolPrice()

	price, err := snap.OraclePrice(position.PoolIndex, m.params.PriceMaxAge.Duration, now)
	if err != nil {
		return m.failed(posLogger, record, err)
	}
	record.OraclePrice = price.Price

	health, err := analyzer.CalculateHealthScore(snap.TokenData, snap.Comet)
	if err != nil {
		return m.failed(posLogger, record, err)
	}
	record.HealthScoreBefore = health.Score

	ild, err := analyzer.PositionILD(pool, position)
	if err != nil {
		return m.failed(posLogger, record, err)
	}
	m.recordHealth(ctx, posLogger, idx, pool, position, price.Price, health, ild)

	if submittedAt, waiting := m.awaitingConfirmation(idx, snap.CometAt, now); waiting {
		posLogger.Debug().Time("submittedAt", submittedAt).Msg("Previous plan not yet reflected in the comet")
		record.Outcome = types.CycleOutcomeSkipped
		record.ErrorMessage = awaitingMessage
		return record, errAwaitingConfirmation
	}

	plan, err := planner.PlanRecenter(planner.PlanInput{
		PlanID:        uuid.New().String(),
		Program:       m.program,
		CometAddress:  snap.ManagerInfo.Comet,
		TokenData:     snap.TokenData,
		Comet:         snap.Comet,
		PositionIndex: idx,
		OraclePrice:   price.Price,
		Params:        m.params,
		Now:           now,
	})
	switch {
	case errors.Is(err, planner.ErrNoBreach), errors.Is(err, planner.ErrNothingToRecenter):
		posLogger.Debug().Err(err).Msg("No recentering needed")
		record.Outcome = types.CycleOutcomeNoBreach
		return record, nil
	case errors.Is(err, planner.ErrHealthBelowMinimum):
		posLogger.Warn().Err(err).Msg("Recenter plan rejected")
		record.Outcome = types.CycleOutcomeSkipped
		record.ErrorMessage = err.Error()
		return record, nil
	case err != nil:
		return m.failed(posLogger, record, err)
	}
	record.Plan = plan
	record.HealthScoreAfter = plan.ExpectedHealthScore

	if !m.limiter.Allow() {
		posLogger.Warn().Float64("perMinute", m.params.MaxSubmissionsPerMinute).Msg("Submission rate limit reached, plan not submitted")
		record.Outcome = types.CycleOutcomeSkipped
		record.ErrorMessage = "submission rate limit reached"
		return record, nil
	}

	submitCtx, cancel := context.WithTimeout(ctx, m.params.SubmitTimeout.Duration)
	defer cancel()
	submitStart := time.Now()
	result, err := m.submitter.Submit(submitCtx, plan)
	if err != nil {
		metrics.SubmissionLatency.WithLabelValues("error").Observe(time.Since(submitStart).Seconds())
		return m.failed(posLogger, record, err)
	}
	metrics.SubmissionLatency.WithLabelValues("ok").Observe(time.Since(submitStart).Seconds())
	metrics.RecenterCost.Observe(ild.ValueInOnusd(pool.PoolPrice()))

	submittedAt := result.SubmittedAt
	if submittedAt.IsZero() {
		submittedAt = now
	}
	m.markSubmitted(idx, submittedAt)

	record.Outcome = types.CycleOutcomeSubmitted
	record.Signatures = []string{result.Signature}
	posLogger.Info().
		Str("planID", plan.PlanID).
		Str("signature", result.Signature).
		Bool("dryRun", result.DryRun).
		Str("direction", string(plan.Direction)).
		Float64("healthBefore", plan.HealthScoreBefore).
		Float64("expectedHealth", plan.ExpectedHealthScore).
		Msg("Recenter plan submitted")
	return record, nil
}

// failed records err on the cycle record with the outcome its severity maps to.
func (m *Manager) failed(l zerolog.Logger, record types.CycleSnapshot, err error) (types.CycleSnapshot, error) {
	record.ErrorMessage = err.Error()
	switch Classify(err) {
	case SeverityFatal:
		record.Outcome = types.CycleOutcomeAborted
		l.Error().Err(err).Msg("Cycle aborted: invalid input")
	case SeverityExternal:
		record.Outcome = types.CycleOutcomeFailed
		l.Error().Err(err).Msg("Plan submission failed")
	default:
		record.Outcome = types.CycleOutcomeSkipped
		metrics.CalculationErrors.WithLabelValues(errorKind(err)).Inc()
		l.Warn().Err(err).Msg("Cycle skipped")
	}
	return record, err
}

func errorKind(err error) string {
	var calcErr *rootfind.CalculationError
	switch {
	case errors.As(err, &calcErr), errors.Is(err, rootfind.ErrMaxIterations):
		return "max_iterations"
	case errors.Is(err, types.ErrMissingMarketData):
		return "missing_market_data"
	default:
		return "calculation"
	}
}

func (m *Manager) managedPositions(comet types.Comet, l zerolog.Logger) []int {
	if len(m.params.PositionIndices) == 0 {
		out := make([]int, len(comet.Positions))
		for i := range out {
			out[i] = i
		}
		return out
	}

	out := make([]int, 0, len(m.params.PositionIndices))
	for _, idx := range m.params.PositionIndices {
		if idx < 0 || idx >= len(comet.Positions) {
			l.Warn().Int("position_index", idx).Int("positions", len(comet.Positions)).Msg("Configured position not in comet")
			continue
		}
		out = append(out, idx)
	}
	return out
}

func (m *Manager) recordHealth(ctx context.Context, l zerolog.Logger, idx int, pool types.Pool, position types.CometPosition, oracle float64, health analyzer.HealthScore, ild analyzer.ILD) {
	metrics.HealthScore.WithLabelValues(strconv.Itoa(idx)).Set(health.Score)
	if oracle > 0 {
		metrics.PoolPriceDeviation.WithLabelValues(strconv.FormatUint(uint64(pool.Index), 10)).Set(pool.PoolPrice()/oracle - 1)
	}

	view := types.PositionHealth{
		PositionIndex:   idx,
		PoolIndex:       pool.Index,
		HealthScore:     health.Score,
		ILDHealthImpact: health.ILDHealthImpact,
		OnusdILD:        ild.OnusdILD,
		OnassetILD:      ild.OnassetILD,
		PoolPrice:       pool.PoolPrice(),
		OraclePrice:     oracle,
		UpdatedAt:       m.now(),
	}
	if single, err := analyzer.EditSinglePoolCometWithOnusdBorrowed(pool, position, health.EffectiveCollateral, 0, 0); err == nil {
		view.LowerPrice = single.LowerPrice
		view.UpperPrice = single.UpperPrice
	} else {
		l.Debug().Err(err).Msg("Liquidation range unavailable")
	}

	if m.cache == nil {
		return
	}
	if err := m.cache.Set(ctx, view); err != nil {
		l.Warn().Err(err).Msg("Failed to cache position health")
	}
}

func (m *Manager) awaitingConfirmation(idx int, cometAt, now time.Time) (time.Time, bool) {
	m.awaitingMu.Lock()
	defer m.awaitingMu.Unlock()

	submittedAt, ok := m.awaiting[idx]
	if !ok {
		return time.Time{}, false
	}
	if cometAt.After(submittedAt) || now.Sub(submittedAt) > m.params.ResyncInterval.Duration {
		delete(m.awaiting, idx)
		return time.Time{}, false
	}
	return submittedAt, true
}

func (m *Manager) markSubmitted(idx int, at time.Time) {
	m.awaitingMu.Lock()
	defer m.awaitingMu.Unlock()
	m.awaiting[idx] = at
}

func (m *Manager) nextCycleNumber(ctx context.Context, l zerolog.Logger) int {
	n, err := m.store.NextCycleNumber(ctx)
	if err != nil {
		l.Error().Err(err).Msg("Failed to get cycle number from database")
		return 0
	}
	return n
}

func (m *Manager) strategyParamsID(ctx context.Context, l zerolog.Logger) *int64 {
	id, err := m.store.ActiveStrategyParamsID(ctx)
	if err != nil {
		l.Warn().Err(err).Msg("Failed to get active strategy parameters ID")
		return nil
	}
	return id
}

// saveCycleSnapshot persists a record even when ctx was cancelled mid-cycle.
func (m *Manager) saveCycleSnapshot(ctx context.Context, l zerolog.Logger, record types.CycleSnapshot) {
	saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer cancel()

	snapshotID, err := m.store.SaveCycleSnapshot(saveCtx, record)
	if err != nil {
		l.Error().Err(err).Msg("Failed to save cycle snapshot to database")
		return
	}
	l.Debug().Int64("snapshot_id", snapshotID).Str("outcome", string(record.Outcome)).Msg("Cycle snapshot saved")
}
