package state

import (
	"testing"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/incept-protocol/comet-manager/internal/types"
)

func testTokenData(feed solana.PublicKey) types.TokenData {
	return types.TokenData{
		Pools: []types.Pool{
			{Index: 0, OnusdAmount: 1e6, OnassetAmount: 1e5, AssetInfo: types.AssetInfo{Price: 10, PythPriceFeed: feed}},
			{Index: 1, OnusdAmount: 2e6, OnassetAmount: 1e5, AssetInfo: types.AssetInfo{Price: 20}},
		},
		Collaterals: []types.Collateral{{Index: 0, Stable: true}},
	}
}

func testComet() types.Comet {
	return types.Comet{
		Positions:   []types.CometPosition{{PoolIndex: 0, BorrowedOnusd: 2e4, BorrowedOnasset: 2e3, LiquidityTokenValue: 2e4}},
		Collaterals: []types.CometCollateral{{CollateralIndex: 0, CollateralAmount: 5_000}},
	}
}

func TestMarketStore_SnapshotRequiresAllAccounts(t *testing.T) {
	store := NewMarketStore()
	now := time.Now()

	_, err := store.Snapshot()
	assert.ErrorIs(t, err, types.ErrMissingMarketData)

	require.NoError(t, store.SetTokenData(testTokenData(solana.PublicKey{}), now))
	_, err = store.Snapshot()
	assert.ErrorIs(t, err, types.ErrMissingMarketData)

	store.SetComet(testComet(), now)
	_, err = store.Snapshot()
	assert.ErrorIs(t, err, types.ErrMissingMarketData)

	store.SetManagerInfo(types.ManagerInfo{Status: types.ManagerStatusOpen}, now)
	snapshot, err := store.Snapshot()
	require.NoError(t, err)
	assert.Len(t, snapshot.TokenData.Pools, 2)
	assert.Equal(t, now, snapshot.CometAt)
}

func TestMarketStore_SnapshotIsDeepCopy(t *testing.T) {
	store := NewMarketStore()
	now := time.Now()
	comet := testComet()
	require.NoError(t, store.SetTokenData(testTokenData(solana.PublicKey{}), now))
	store.SetComet(comet, now)
	store.SetManagerInfo(types.ManagerInfo{}, now)

	// Mutating the caller's value after Set must not leak into the store
	comet.Positions[0].BorrowedOnusd = 1

	first, err := store.Snapshot()
	require.NoError(t, err)
	assert.Equal(t, 2e4, first.Comet.Positions[0].BorrowedOnusd)

	first.Comet.Positions[0].BorrowedOnusd = 7
	first.TokenData.Pools[0].OnusdAmount = 7

	second, err := store.Snapshot()
	require.NoError(t, err)
	assert.Equal(t, 2e4, second.Comet.Positions[0].BorrowedOnusd)
	assert.Equal(t, 1e6, second.TokenData.Pools[0].OnusdAmount)
}

func TestMarketStore_OraclePrices(t *testing.T) {
	store := NewMarketStore()
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, store.SetTokenData(testTokenData(solana.PublicKey{}), now))
	store.SetComet(testComet(), now)
	store.SetManagerInfo(types.ManagerInfo{}, now)

	require.NoError(t, store.SetOraclePrice(0, types.OraclePrice{Price: 10.1, ObservedAt: now.Add(-10 * time.Second)}))
	assert.ErrorIs(t, store.SetOraclePrice(types.MaxSlots, types.OraclePrice{}), types.ErrInvalidInput)

	snapshot, err := store.Snapshot()
	require.NoError(t, err)

	price, err := snapshot.OraclePrice(0, time.Minute, now)
	require.NoError(t, err)
	assert.Equal(t, 10.1, price.Price)

	_, err = snapshot.OraclePrice(0, 5*time.Second, now)
	assert.ErrorIs(t, err, types.ErrMissingMarketData)

	_, err = snapshot.OraclePrice(0, 0, now.Add(time.Hour))
	assert.NoError(t, err)

	_, err = snapshot.OraclePrice(1, time.Minute, now)
	assert.ErrorIs(t, err, types.ErrMissingMarketData)
}

func TestMarketStore_PricesOutsideActivePoolsAreHidden(t *testing.T) {
	store := NewMarketStore()
	now := time.Now()
	require.NoError(t, store.SetOraclePrice(40, types.OraclePrice{Price: 1}))
	require.NoError(t, store.SetTokenData(testTokenData(solana.PublicKey{}), now))
	store.SetComet(testComet(), now)
	store.SetManagerInfo(types.ManagerInfo{}, now)

	snapshot, err := store.Snapshot()
	require.NoError(t, err)
	assert.Empty(t, snapshot.Prices)
}

func TestMarketStore_PoolsForFeed(t *testing.T) {
	store := NewMarketStore()
	feed := solana.NewWallet().PublicKey()
	require.NoError(t, store.SetTokenData(testTokenData(feed), time.Now()))

	assert.Equal(t, []types.PoolIndex{0}, store.PoolsForFeed(feed))
	assert.Empty(t, store.PoolsForFeed(solana.NewWallet().PublicKey()))
}

func TestMarketStore_RejectsOversizedTokenData(t *testing.T) {
	store := NewMarketStore()
	err := store.SetTokenData(types.TokenData{Pools: make([]types.Pool, types.MaxSlots+1)}, time.Now())
	assert.ErrorIs(t, err, ErrPoolIndexOutOfRange)
}

func TestHealthKeys(t *testing.T) {
	assert.Equal(t, "comet-manager:health:3", healthKey(3))
	assert.Equal(t, "comet-manager:health:index", healthIndexKey())
}

func TestDBConfigDSN(t *testing.T) {
	cfg := DBConfig{Host: "localhost", Port: 5432, User: "bot", Password: "pw", DBName: "comets", SSLMode: "disable"}
	assert.Equal(t, "host=localhost port=5432 user=bot password=pw dbname=comets sslmode=disable", cfg.DSN())
}

func TestStrategyEqual(t *testing.T) {
	a := types.StrategyParameters{PriceThreshold: 0.005, TriggerPolicy: types.TriggerPolicyCoalesce}
	b := a
	assert.True(t, strategyEqual(a, b))

	b.SubmitTimeout = types.Duration{Duration: time.Second}
	assert.False(t, strategyEqual(a, b))
}

func TestPackageFunctionsRequireDB(t *testing.T) {
	saved := DB
	DB = nil
	defer func() { DB = saved }()

	_, err := SaveCycleSnapshot(t.Context(), types.CycleSnapshot{})
	assert.ErrorIs(t, err, ErrDBNotInitialized)
	_, err = IncrementCycleNumber(t.Context())
	assert.ErrorIs(t, err, ErrDBNotInitialized)
	_, err = GetRecentCycles(t.Context(), 5)
	assert.ErrorIs(t, err, ErrDBNotInitialized)
	_, err = LoadActiveStrategyParameters(t.Context(), "default")
	assert.ErrorIs(t, err, ErrDBNotInitialized)
}
