/*

This file contains the in-memory market state the manager owns: the latest decoded pools, oracle
prices, comet and manager account, each with the time it was observed.

Pools and prices are kept in fixed arrays indexed by pool index, mirroring the on-chain slots.
Snapshots are deep copies; the engine never sees memory the subscriptions keep writing to.

*/

package state

import (
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/gagliardetto/solana-go"

	"github.com/incept-protocol/comet-manager/internal/types"
)

var ErrPoolIndexOutOfRange = errors.New("pool index out of range")

type observedPrice struct {
	price types.OraclePrice
	set   bool
}

// MarketStore is safe for concurrent use.
type MarketStore struct {
	mu sync.RWMutex

	pools       [types.MaxSlots]types.Pool
	numPools    int
	collaterals []types.Collateral
	tokenDataAt time.Time

	prices [types.MaxSlots]observedPrice

	comet   *types.Comet
	cometAt time.Time

	managerInfo   *types.ManagerInfo
	managerInfoAt time.Time
}

func NewMarketStore() *MarketStore {
	return &MarketStore{}
}

// SetTokenData replaces every pool and collateral.
func (s *MarketStore) SetTokenData(tokenData types.TokenData, observedAt time.Time) error {
	if len(tokenData.Pools) > types.MaxSlots {
		return errors.Join(types.ErrInvalidInput, fmt.Errorf("%w: %d pools", ErrPoolIndexOutOfRange, len(tokenData.Pools)))
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.pools = [types.MaxSlots]types.Pool{}
	copy(s.pools[:], tokenData.Pools)
	s.numPools = len(tokenData.Pools)
	s.collaterals = slices.Clone(tokenData.Collaterals)
	s.tokenDataAt = observedAt
	return nil
}

// SetOraclePrice records the latest oracle price for a pool.
func (s *MarketStore) SetOraclePrice(index types.PoolIndex, price types.OraclePrice) error {
	if uint64(index) >= types.MaxSlots {
		return errors.Join(types.ErrInvalidInput, fmt.Errorf("%w: %d", ErrPoolIndexOutOfRange, index))
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.prices[index] = observedPrice{price: price, set: true}
	return nil
}

func (s *MarketStore) SetComet(comet types.Comet, observedAt time.Time) {
	copied := cloneComet(comet)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.comet = &copied
	s.cometAt = observedAt
}

func (s *MarketStore) SetManagerInfo(info types.ManagerInfo, observedAt time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.managerInfo = &info
	s.managerInfoAt = observedAt
}

// PoolsForFeed returns the active pools priced by the given Pyth account.
func (s *MarketStore) PoolsForFeed(feed solana.PublicKey) []types.PoolIndex {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []types.PoolIndex
	for i := 0; i < s.numPools; i++ {
		if s.pools[i].AssetInfo.PythPriceFeed.Equals(feed) {
			out = append(out, types.PoolIndex(i))
		}
	}
	return out
}

// MarketSnapshot is an immutable copy of the market state.
type MarketSnapshot struct {
	TokenData     types.TokenData
	Comet         types.Comet
	ManagerInfo   types.ManagerInfo
	Prices        map[types.PoolIndex]types.OraclePrice
	TokenDataAt   time.Time
	CometAt       time.Time
	ManagerInfoAt time.Time
}

// Snapshot copies the current state. It fails with ErrMissingMarketData until token data,
// the comet and the manager account have all been observed.
func (s *MarketStore) Snapshot() (MarketSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	switch {
	case s.tokenDataAt.IsZero():
		return MarketSnapshot{}, fmt.Errorf("%w: token data", types.ErrMissingMarketData)
	case s.comet == nil:
		return MarketSnapshot{}, fmt.Errorf("%w: comet", types.ErrMissingMarketData)
	case s.managerInfo == nil:
		return MarketSnapshot{}, fmt.Errorf("%w: manager info", types.ErrMissingMarketData)
	}

	prices := make(map[types.PoolIndex]types.OraclePrice)
	for i := 0; i < s.numPools; i++ {
		if s.prices[i].set {
			prices[types.PoolIndex(i)] = s.prices[i].price
		}
	}

	return MarketSnapshot{
		TokenData: types.TokenData{
			Pools:       slices.Clone(s.pools[:s.numPools]),
			Collaterals: slices.Clone(s.collaterals),
		},
		Comet:         cloneComet(*s.comet),
		ManagerInfo:   *s.managerInfo,
		Prices:        prices,
		TokenDataAt:   s.tokenDataAt,
		CometAt:       s.cometAt,
		ManagerInfoAt: s.managerInfoAt,
	}, nil
}

// OraclePrice returns the observed price of a pool. A maxAge of zero disables the staleness check.
func (m MarketSnapshot) OraclePrice(index types.PoolIndex, maxAge time.Duration, now time.Time) (types.OraclePrice, error) {
	price, ok := m.Prices[index]
	if !ok {
		return types.OraclePrice{}, fmt.Errorf("%w: no oracle price for pool %d", types.ErrMissingMarketData, index)
	}
	if maxAge > 0 && now.Sub(price.ObservedAt) > maxAge {
		return types.OraclePrice{}, fmt.Errorf("%w: oracle price for pool %d is %s old", types.ErrMissingMarketData, index, now.Sub(price.ObservedAt).Round(time.Second))
	}
	return price, nil
}

func cloneComet(c types.Comet) types.Comet {
	return types.Comet{
		Owner:       c.Owner,
		Positions:   slices.Clone(c.Positions),
		Collaterals: slices.Clone(c.Collaterals),
	}
}
