/*

This file contains the account access layer: a one-shot fetch and a push subscription per account,
backed by the Solana JSON-RPC and websocket endpoints.

*/

package datafetcher

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/gagliardetto/solana-go/rpc/ws"

	"github.com/incept-protocol/comet-manager/internal/logger"
)

var readerLogger = logger.GetForComponent("account_reader")
var ErrAccountNotFound = errors.New("account not found")
var ErrEmptyAccountData = errors.New("account has no data")

// AccountUpdate is a single account change pushed by a subscription.
type AccountUpdate struct {
	Address solana.PublicKey
	Data    []byte
	Slot    uint64
}

// AccountReader reads raw account blobs.
type AccountReader interface {
	Fetch(ctx context.Context, address solana.PublicKey) ([]byte, error)
	// Subscribe streams account changes until ctx is cancelled or the connection drops,
	// then closes the channel.
	Subscribe(ctx context.Context, address solana.PublicKey) (<-chan AccountUpdate, error)
}

// SolanaAccountReader implements AccountReader over a Solana node.
type SolanaAccountReader struct {
	rpcClient  *rpc.Client
	wsEndpoint string
	commitment rpc.CommitmentType

	mu       sync.Mutex
	wsClient *ws.Client
}

// NewSolanaAccountReader creates a reader; the websocket connection is opened on first subscription.
func NewSolanaAccountReader(rpcEndpoint, wsEndpoint string, commitment rpc.CommitmentType) *SolanaAccountReader {
	if commitment == "" {
		commitment = rpc.CommitmentConfirmed
	}
	return &SolanaAccountReader{
		rpcClient:  rpc.New(rpcEndpoint),
		wsEndpoint: wsEndpoint,
		commitment: commitment,
	}
}

// Fetch returns the current data of an account.
func (r *SolanaAccountReader) Fetch(ctx context.Context, address solana.PublicKey) ([]byte, error) {
	res, err := r.rpcClient.GetAccountInfoWithOpts(ctx, address, &rpc.GetAccountInfoOpts{
		Commitment: r.commitment,
		Encoding:   solana.EncodingBase64,
	})
	if err != nil {
		if errors.Is(err, rpc.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrAccountNotFound, address)
		}
		return nil, fmt.Errorf("get account info %s: %w", address, err)
	}
	if res == nil || res.Value == nil || res.Value.Data == nil {
		return nil, fmt.Errorf("%w: %s", ErrAccountNotFound, address)
	}

	data := res.Value.Data.GetBinary()
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrEmptyAccountData, address)
	}
	return data, nil
}

// Subscribe opens an account subscription over the shared websocket connection.
func (r *SolanaAccountReader) Subscribe(ctx context.Context, address solana.PublicKey) (<-chan AccountUpdate, error) {
	client, err := r.connect(ctx)
	if err != nil {
		return nil, err
	}

	sub, err := client.AccountSubscribeWithOpts(address, r.commitment, solana.EncodingBase64)
	if err != nil {
		return nil, fmt.Errorf("account subscribe %s: %w", address, err)
	}

	updates := make(chan AccountUpdate, 16)
	go func() {
		defer close(updates)
		defer sub.Unsubscribe()

		for {
			res, err := sub.Recv(ctx)
			if err != nil {
				if ctx.Err() == nil {
					readerLogger.Warn().Err(err).Str("account", address.String()).Msg("Account subscription ended")
				}
				return
			}
			if res == nil || res.Value.Data == nil {
				continue
			}

			update := AccountUpdate{Address: address, Data: res.Value.Data.GetBinary(), Slot: res.Context.Slot}
			select {
			case updates <- update:
			case <-ctx.Done():
				return
			}
		}
	}()

	readerLogger.Info().Str("account", address.String()).Msg("Subscribed to account changes")
	return updates, nil
}

func (r *SolanaAccountReader) connect(ctx context.Context) (*ws.Client, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.wsClient != nil {
		return r.wsClient, nil
	}
	client, err := ws.Connect(ctx, r.wsEndpoint)
	if err != nil {
		return nil, fmt.Errorf("connect websocket %s: %w", r.wsEndpoint, err)
	}
	r.wsClient = client
	return client, nil
}

// Close releases the websocket connection.
func (r *SolanaAccountReader) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.wsClient != nil {
		r.wsClient.Close()
		r.wsClient = nil
	}
}
