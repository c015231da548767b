package manager

import (
	"context"
	"fmt"
	"time"

	"github.com/gagliardetto/solana-go"

	"github.com/incept-protocol/comet-manager/internal/datafetcher"
	"github.com/incept-protocol/comet-manager/internal/metrics"
)

// resync fetches every tracked account and writes it to the market store.
// The comet subscription starts once the manager account has named the comet.
func (m *Manager) resync(ctx context.Context, events chan<- event) error {
	now := m.now()

	tokenData, err := datafetcher.GetTokenData(ctx, m.reader, m.tokenDataAddress)
	if err != nil {
		return fmt.Errorf("resync token data: %w", err)
	}
	if err := m.market.SetTokenData(tokenData, now); err != nil {
		return err
	}

	info, err := datafetcher.GetManagerInfo(ctx, m.reader, m.managerAddress)
	if err != nil {
		return fmt.Errorf("resync manager info: %w", err)
	}
	m.market.SetManagerInfo(info, now)

	comet, err := datafetcher.GetComet(ctx, m.reader, info.Comet)
	if err != nil {
		return fmt.Errorf("resync comet %s: %w", info.Comet, err)
	}
	m.market.SetComet(comet, now)

	if !m.cometAddress.Equals(info.Comet) {
		m.cometAddress = info.Comet
		m.watchAccount(ctx, info.Comet, TriggerComet, events)
	}

	m.logger.Debug().
		Int("pools", len(tokenData.Pools)).
		Int("positions", len(comet.Positions)).
		Str("status", info.Status.String()).
		Msg("Market state resynced")
	return nil
}

// apply decodes a pushed update into the market store and reports whether it should trigger a cycle.
func (m *Manager) apply(ev event) bool {
	now := m.now()

	if ev.price != nil {
		pools := m.market.PoolsForFeed(ev.address)
		for _, idx := range pools {
			if err := m.market.SetOraclePrice(idx, *ev.price); err != nil {
				m.logger.Warn().Err(err).Uint64("pool_index", uint64(idx)).Msg("Failed to store oracle price")
			}
		}
		return len(pools) > 0
	}

	var err error
	switch {
	case ev.address.Equals(m.tokenDataAddress):
		td, decodeErr := datafetcher.DecodeTokenData(ev.data)
		if decodeErr == nil {
			decodeErr = datafetcher.ValidateTokenData(td)
		}
		if err = decodeErr; err == nil {
			err = m.market.SetTokenData(td, now)
		}
	case ev.address.Equals(m.managerAddress):
		info, decodeErr := datafetcher.DecodeManagerInfo(ev.data)
		if err = decodeErr; err == nil {
			m.market.SetManagerInfo(info, now)
		}
	case ev.address.Equals(m.cometAddress):
		comet, decodeErr := datafetcher.DecodeComet(ev.data)
		if err = decodeErr; err == nil {
			m.market.SetComet(comet, now)
		}
	default:
		return false
	}

	if err != nil {
		metrics.CalculationErrors.WithLabelValues("decode").Inc()
		m.logger.Warn().Err(err).Str("account", ev.address.String()).Str("source", ev.source).Msg("Dropping undecodable account update")
		return false
	}
	return true
}

func (m *Manager) watchAccount(ctx context.Context, address solana.PublicKey, source string, events chan<- event) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		l := m.logger.With().Str("account", address.String()).Str("source", source).Logger()

		backoff := minBackoff
		for ctx.Err() == nil {
			updates, err := m.reader.Subscribe(ctx, address)
			if err != nil {
				l.Warn().Err(err).Dur("retryIn", backoff).Msg("Account subscription failed")
				if !sleep(ctx, backoff) {
					return
				}
				backoff = nextBackoff(backoff)
				continue
			}

			for update := range updates {
				backoff = minBackoff
				select {
				case events <- event{source: source, address: address, data: update.Data}:
				case <-ctx.Done():
					return
				}
			}
			if ctx.Err() == nil {
				l.Warn().Dur("retryIn", backoff).Msg("Account subscription closed, resubscribing")
				if !sleep(ctx, backoff) {
					return
				}
				backoff = nextBackoff(backoff)
			}
		}
	}()
}

func (m *Manager) watchPrices(ctx context.Context, symbol string, account solana.PublicKey, events chan<- event) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		l := m.logger.With().Str("symbol", symbol).Logger()

		backoff := minBackoff
		for ctx.Err() == nil {
			prices, err := m.prices.Subscribe(ctx, symbol)
			if err != nil {
				l.Warn().Err(err).Dur("retryIn", backoff).Msg("Price subscription failed")
				if !sleep(ctx, backoff) {
					return
				}
				backoff = nextBackoff(backoff)
				continue
			}

			for price := range prices {
				backoff = minBackoff
				select {
				case events <- event{source: TriggerPrice, address: account, price: &price}:
				case <-ctx.Done():
					return
				}
			}
			if ctx.Err() == nil {
				l.Warn().Dur("retryIn", backoff).Msg("Price subscription closed, resubscribing")
				if !sleep(ctx, backoff) {
					return
				}
				backoff = nextBackoff(backoff)
			}
		}
	}()
}

func nextBackoff(d time.Duration) time.Duration {
	return min(d*2, maxBackoff)
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
