// Package substrate implements nodeapi.ChainApiLite over the JSON-RPC API of
// a remote Substrate node.
package substrate

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/ethereum/go-ethereum/rpc"
	"golang.org/x/time/rate"

	"github.com/moonbeam-foundation/lazyfork/log"
	"github.com/moonbeam-foundation/lazyfork/metrics"
	"github.com/moonbeam-foundation/lazyfork/storage/substrate/nodeapi"
	"github.com/moonbeam-foundation/lazyfork/storage/substrate/types"
)

const moduleName = "substrate_rpc"

// ClientOptions control how requests to the remote node are paced and retried.
type ClientOptions struct {
	// Delay is slept before every request, and between retries.
	Delay time.Duration
	// MaxRetries is the number of retries after the first failed attempt.
	MaxRetries int
	// Timeout bounds a single attempt.
	Timeout time.Duration
	// MaxRequestsPerSecond caps the request rate across all callers; 0 disables it.
	MaxRequestsPerSecond float64
}

// SubstrateApiLite talks to a remote node over HTTP JSON-RPC. It is safe for
// concurrent use; concurrent identical requests are not deduplicated.
type SubstrateApiLite struct {
	client  *rpc.Client
	opts    ClientOptions
	limiter *rate.Limiter

	requests atomic.Uint64

	logger  *log.Logger
	metrics metrics.RPCClientMetrics
}

var (
	_ nodeapi.ChainApiLite   = (*SubstrateApiLite)(nil)
	_ nodeapi.RequestCounter = (*SubstrateApiLite)(nil)
)

// NewSubstrateApiLite dials the node at url. No request is made until the
// first call.
func NewSubstrateApiLite(ctx context.Context, url string, opts ClientOptions, logger *log.Logger) (*SubstrateApiLite, error) {
	client, err := rpc.DialOptions(ctx, url, rpc.WithHTTPClient(&http.Client{}))
	if err != nil {
		return nil, fmt.Errorf("rpc DialOptions %s: %w", url, err)
	}
	return newSubstrateApiLite(client, opts, logger), nil
}

func newSubstrateApiLite(client *rpc.Client, opts ClientOptions, logger *log.Logger) *SubstrateApiLite {
	var limiter *rate.Limiter
	if opts.MaxRequestsPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(opts.MaxRequestsPerSecond), 1)
	}
	return &SubstrateApiLite{
		client:  client,
		opts:    opts,
		limiter: limiter,
		logger:  logger.WithModule(moduleName),
		metrics: metrics.NewDefaultRPCClientMetrics("lazyfork"),
	}
}

// RequestCount returns how many logical requests were issued so far.
// Retries of one request are not counted separately.
func (c *SubstrateApiLite) RequestCount() uint64 {
	return c.requests.Load()
}

// call performs one logical request: it sleeps the configured delay, then
// tries up to 1+MaxRetries times with the delay as a fixed interval in between.
// JSON-RPC error responses from the node are not retried.
func call[T any](ctx context.Context, c *SubstrateApiLite, method string, args ...interface{}) (T, error) {
	var result T
	id := c.requests.Add(1)
	start := time.Now()
	c.logger.Debug("sending request", "id", id, "method", method)

	if err := sleepCtx(ctx, c.opts.Delay); err != nil {
		return result, err
	}

	attempt := 0
	op := func() error {
		if attempt > 0 {
			c.metrics.Retries(method).Inc()
		}
		attempt++
		if c.limiter != nil {
			if err := c.limiter.Wait(ctx); err != nil {
				return backoff.Permanent(err)
			}
		}

		attemptCtx := ctx
		if c.opts.Timeout > 0 {
			var cancel context.CancelFunc
			attemptCtx, cancel = context.WithTimeout(ctx, c.opts.Timeout)
			defer cancel()
		}

		timer := c.metrics.Latencies(method)
		var attemptResult T
		err := c.client.CallContext(attemptCtx, &attemptResult, method, args...)
		timer.ObserveDuration()

		var rpcErr rpc.Error
		switch {
		case err == nil:
			c.metrics.Requests(method, metrics.RPCStatusOk).Inc()
			result = attemptResult
			return nil
		case errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil:
			c.metrics.Requests(method, metrics.RPCStatusTimeout).Inc()
		default:
			c.metrics.Requests(method, metrics.RPCStatusError).Inc()
		}
		if ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}
		if errors.As(err, &rpcErr) {
			return backoff.Permanent(err)
		}
		c.logger.Debug("request attempt failed", "id", id, "method", method, "attempt", attempt, "err", err)
		return err
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(c.opts.Delay), uint64(c.opts.MaxRetries)),
		ctx,
	)
	if err := backoff.Retry(op, policy); err != nil {
		c.logger.Debug("request failed", "id", id, "method", method, "attempts", attempt, "err", err)
		return result, fmt.Errorf("%s: %w", method, err)
	}

	c.logger.Debug("completed request", "id", id, "method", method, "attempts", attempt, "elapsed", time.Since(start))
	return result, nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Optional params are sent as JSON null. hexutil.Bytes would encode an
// empty key as "0x", which the node treats as a present empty key.
func optionalKey(key types.StorageKey) interface{} {
	if len(key) == 0 {
		return nil
	}
	return key
}

func (c *SubstrateApiLite) Block(ctx context.Context, hash *types.Hash) (*types.SignedBlock, error) {
	return call[*types.SignedBlock](ctx, c, "chain_getBlock", hash)
}

func (c *SubstrateApiLite) Header(ctx context.Context, hash *types.Hash) (*types.Header, error) {
	return call[*types.Header](ctx, c, "chain_getHeader", hash)
}

func (c *SubstrateApiLite) BlockHash(ctx context.Context, number *uint32) (*types.Hash, error) {
	return call[*types.Hash](ctx, c, "chain_getBlockHash", number)
}

func (c *SubstrateApiLite) Storage(ctx context.Context, key types.StorageKey, at *types.Hash) (*types.StorageData, error) {
	return call[*types.StorageData](ctx, c, "state_getStorage", key, at)
}

func (c *SubstrateApiLite) StorageHash(ctx context.Context, key types.StorageKey, at *types.Hash) (*types.Hash, error) {
	return call[*types.Hash](ctx, c, "state_getStorageHash", key, at)
}

func (c *SubstrateApiLite) StorageKeysPaged(ctx context.Context, prefix types.StorageKey, count uint32, startKey types.StorageKey, at *types.Hash) ([]types.StorageKey, error) {
	return call[[]types.StorageKey](ctx, c, "state_getKeysPaged", optionalKey(prefix), count, optionalKey(startKey), at)
}

func (c *SubstrateApiLite) QueryStorageAt(ctx context.Context, keys []types.StorageKey, at *types.Hash) ([]types.StorageChangeSet, error) {
	return call[[]types.StorageChangeSet](ctx, c, "state_queryStorageAt", keys, at)
}

func (c *SubstrateApiLite) SystemChain(ctx context.Context) (string, error) {
	return call[string](ctx, c, "system_chain")
}

func (c *SubstrateApiLite) SystemName(ctx context.Context) (string, error) {
	return call[string](ctx, c, "system_name")
}

func (c *SubstrateApiLite) SystemProperties(ctx context.Context) (types.ChainProperties, error) {
	return call[types.ChainProperties](ctx, c, "system_properties")
}

func (c *SubstrateApiLite) Close() error {
	c.client.Close()
	return nil
}
