/*

This is a custom type for pools which contains all the pool state the health and recentering engine reads.

*/

package types

import (
	"github.com/gagliardetto/solana-go"
)

// MaxSlots is the fixed capacity of every pool, collateral, position and comet collateral array on chain.
const MaxSlots = 255

type PoolIndex uint64

type AssetInfo struct {
	Price                 float64          `json:"price"`                   // Latest oracle price pushed on chain
	PythPriceFeed         solana.PublicKey `json:"pyth_price_feed"`         // Pyth price account backing Price
	OnassetMint           solana.PublicKey `json:"onasset_mint"`            // Mint of the synthetic asset
	UnderlyingMint        solana.PublicKey `json:"underlying_mint"`         // Mint of the wrapped underlying asset on the external venue
	CryptoCollateralRatio float64          `json:"crypto_collateral_ratio"` // Discount applied when the asset backs a comet
}

type Pool struct {
	Index                          PoolIndex `json:"index"`
	OnusdAmount                    float64   `json:"onusd_amount"`
	OnassetAmount                  float64   `json:"onasset_amount"`
	LiquidityTokenSupply           float64   `json:"liquidity_token_supply"`
	LiquidityTradingFee            float64   `json:"liquidity_trading_fee"` // e.g. 0.002
	TreasuryTradingFee             float64   `json:"treasury_trading_fee"`  // e.g. 0.001
	AssetInfo                      AssetInfo `json:"asset_info"`
	PositionHealthScoreCoefficient float64   `json:"position_health_score_coefficient"`
	IlHealthScoreCoefficient       float64   `json:"il_health_score_coefficient"`
}

// PoolPrice is the onUSD price of one onAsset implied by the reserves.
func (p Pool) PoolPrice() float64 {
	return p.OnusdAmount / p.OnassetAmount
}

// Collateral describes a collateral type accepted by comets.
type Collateral struct {
	Index     uint64           `json:"index"`
	Mint      solana.PublicKey `json:"mint"`
	PoolIndex PoolIndex        `json:"pool_index"` // Pool whose oracle price values non-stable collateral
	Stable    bool             `json:"stable"`
}

// TokenData holds the active pools and collaterals of the protocol.
// Slices only contain the first NumPools / NumCollaterals slots of the on chain arrays.
type TokenData struct {
	Pools       []Pool       `json:"pools"`
	Collaterals []Collateral `json:"collaterals"`
}

// Pool returns the pool stored at index, if it is active.
func (t TokenData) Pool(index PoolIndex) (Pool, bool) {
	if uint64(index) >= uint64(len(t.Pools)) {
		return Pool{}, false
	}
	return t.Pools[index], true
}

// Collateral returns the collateral stored at index, if it is active.
func (t TokenData) Collateral(index uint64) (Collateral, bool) {
	if index >= uint64(len(t.Collaterals)) {
		return Collateral{}, false
	}
	return t.Collaterals[index], true
}
