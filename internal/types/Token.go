/*

This is a custom type for oracle prices which contains the state the price feed reports per pool.

*/

package types

import "time"

// OraclePrice is a single price observation from the price feed.
type OraclePrice struct {
	Symbol      string    `json:"symbol"`      // e.g. "Crypto.SOL/USD"
	Price       float64   `json:"price"`       // Already scaled by 10^Exponent
	Exponent    int32     `json:"exponent"`    // e.g. -8
	Confidence  float64   `json:"confidence"`  // Already scaled by 10^Exponent
	PublishSlot uint64    `json:"publish_slot"`
	ObservedAt  time.Time `json:"observed_at"` // Local receive time, used for staleness checks
}
