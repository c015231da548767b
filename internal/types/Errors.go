package types

import "errors"

// Error taxonomy shared by the engine and the manager.
// Invalid input is fatal to the bot, missing market data only skips the current cycle.
var (
	ErrInvalidInput      = errors.New("invalid input")
	ErrMissingMarketData = errors.New("market data not yet observed")
)
