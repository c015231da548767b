/*
Pyth is used for the oracle prices the recentering engine centers comets on.

This file contains the mapping of price symbols to their Pyth v2 price accounts on mainnet.
Pools reference their price account on chain; the manager routes each symbol's updates to every
pool whose feed matches the account.

PYTH_PRICE_ACCOUNTS overrides the defaults as a comma separated list of symbol=address pairs,
e.g. "Crypto.SOL/USD=H6ARHf6YXhGYeQfUzQNGk6rDNnLBQKrenN712K4AQJEG".

*/

package config

import (
	"errors"
	"fmt"
	"maps"
	"strings"

	"github.com/gagliardetto/solana-go"
)

var (
	DefaultPriceAccounts = map[string]string{
		"Crypto.SOL/USD": "H6ARHf6YXhGYeQfUzQNGk6rDNnLBQKrenN712K4AQJEG",
		"Crypto.BTC/USD": "GVXRSBjFk6e6J3NbVPXohDJetcTjaeeuykUpbQF8UoMU",
		"Crypto.ETH/USD": "JBu1AL4obBcCMqKBBxhpWCNUt136ijcuMZLFvTP7iWdB",
	}

	// PriceAccounts is populated by LoadConfig.
	PriceAccounts map[string]solana.PublicKey
)

func loadPriceAccounts() error {
	raw := maps.Clone(DefaultPriceAccounts)
	if override := getEnvOrDefault("PYTH_PRICE_ACCOUNTS", ""); override != "" {
		parsed, err := ParsePriceAccounts(override)
		if err != nil {
			return err
		}
		raw = parsed
	}

	accounts := make(map[string]solana.PublicKey, len(raw))
	for symbol, address := range raw {
		key, err := solana.PublicKeyFromBase58(address)
		if err != nil {
			return fmt.Errorf("price account for %s: %w", symbol, err)
		}
		accounts[symbol] = key
	}
	PriceAccounts = accounts
	return nil
}

// ParsePriceAccounts parses "symbol=address,symbol=address".
func ParsePriceAccounts(value string) (map[string]string, error) {
	out := make(map[string]string)
	for _, pair := range strings.Split(value, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		symbol, address, ok := strings.Cut(pair, "=")
		symbol, address = strings.TrimSpace(symbol), strings.TrimSpace(address)
		if !ok || symbol == "" || address == "" {
			return nil, errors.New("PYTH_PRICE_ACCOUNTS entries must look like symbol=address, got: " + pair)
		}
		out[symbol] = address
	}
	if len(out) == 0 {
		return nil, errors.New("PYTH_PRICE_ACCOUNTS is set but empty")
	}
	return out, nil
}
