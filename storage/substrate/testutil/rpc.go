package testutil

import (
	"context"
	"net/http/httptest"
	"testing"

	"github.com/ethereum/go-ethereum/rpc"
	"github.com/stretchr/testify/require"

	"github.com/moonbeam-foundation/lazyfork/storage/substrate/nodeapi"
	"github.com/moonbeam-foundation/lazyfork/storage/substrate/types"
)

// ChainService serves the chain_* namespace from a ChainApiLite.
type ChainService struct{ API nodeapi.ChainApiLite }

func (s *ChainService) GetBlock(ctx context.Context, hash *types.Hash) (*types.SignedBlock, error) {
	return s.API.Block(ctx, hash)
}

func (s *ChainService) GetHeader(ctx context.Context, hash *types.Hash) (*types.Header, error) {
	return s.API.Header(ctx, hash)
}

func (s *ChainService) GetBlockHash(ctx context.Context, number *uint32) (*types.Hash, error) {
	return s.API.BlockHash(ctx, number)
}

// StateService serves the state_* namespace from a ChainApiLite.
type StateService struct{ API nodeapi.ChainApiLite }

func (s *StateService) GetStorage(ctx context.Context, key types.StorageKey, at *types.Hash) (*types.StorageData, error) {
	return s.API.Storage(ctx, key, at)
}

func (s *StateService) GetStorageHash(ctx context.Context, key types.StorageKey, at *types.Hash) (*types.Hash, error) {
	return s.API.StorageHash(ctx, key, at)
}

func (s *StateService) GetKeysPaged(ctx context.Context, prefix *types.StorageKey, count uint32, startKey *types.StorageKey, at *types.Hash) ([]types.StorageKey, error) {
	var p, start types.StorageKey
	if prefix != nil {
		p = *prefix
	}
	if startKey != nil {
		start = *startKey
	}
	return s.API.StorageKeysPaged(ctx, p, count, start, at)
}

func (s *StateService) QueryStorageAt(ctx context.Context, keys []types.StorageKey, at *types.Hash) ([]types.StorageChangeSet, error) {
	return s.API.QueryStorageAt(ctx, keys, at)
}

// SystemService serves the system_* namespace from a ChainApiLite.
type SystemService struct{ API nodeapi.ChainApiLite }

func (s *SystemService) Chain(ctx context.Context) (string, error) {
	return s.API.SystemChain(ctx)
}

func (s *SystemService) Name(ctx context.Context) (string, error) {
	return s.API.SystemName(ctx)
}

func (s *SystemService) Properties(ctx context.Context) (types.ChainProperties, error) {
	return s.API.SystemProperties(ctx)
}

// NewRPCServer exposes api over JSON-RPC, the way a Substrate node would.
func NewRPCServer(t *testing.T, api nodeapi.ChainApiLite) *rpc.Server {
	server := rpc.NewServer()
	require.NoError(t, server.RegisterName("chain", &ChainService{API: api}))
	require.NoError(t, server.RegisterName("state", &StateService{API: api}))
	require.NoError(t, server.RegisterName("system", &SystemService{API: api}))
	t.Cleanup(server.Stop)
	return server
}

// NewHTTPServer serves api over HTTP JSON-RPC. The server is closed when the test ends.
func NewHTTPServer(t *testing.T, api nodeapi.ChainApiLite) *httptest.Server {
	srv := httptest.NewServer(NewRPCServer(t, api))
	t.Cleanup(srv.Close)
	return srv
}
