// Package bootstrap sets up a lazy-loading backend from configuration: it
// connects to the remote node, resolves the fork checkpoint and imports the
// first local blocks.
package bootstrap

import (
	"context"
	"encoding/binary"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"gopkg.in/yaml.v3"

	"github.com/moonbeam-foundation/lazyfork/config"
	"github.com/moonbeam-foundation/lazyfork/log"
	"github.com/moonbeam-foundation/lazyfork/storage/lazyloading"
	"github.com/moonbeam-foundation/lazyfork/storage/substrate/nodeapi"
	"github.com/moonbeam-foundation/lazyfork/storage/substrate/nodeapi/file"
	"github.com/moonbeam-foundation/lazyfork/storage/substrate/nodeapi/substrate"
	"github.com/moonbeam-foundation/lazyfork/storage/substrate/types"
)

const moduleName = "bootstrap"

// NewClient connects to the remote node. Answers pinned to a block are
// cached, on disk if a cache directory is configured.
func NewClient(ctx context.Context, cfg *config.LazyLoadingConfig, logger *log.Logger) (nodeapi.ChainApiLite, error) {
	api, err := substrate.NewSubstrateApiLite(ctx, cfg.RPC, substrate.ClientOptions{
		Delay:                cfg.Delay(),
		MaxRetries:           cfg.MaxRetries(),
		Timeout:              cfg.Timeout(),
		MaxRequestsPerSecond: cfg.MaxRequestsPerSecond,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("connecting to %s: %w", cfg.RPC, err)
	}

	cacheDir := ""
	if cfg.Cache != nil {
		cacheDir = cfg.Cache.CacheDir
	}
	client, err := file.NewFileChainApiLite(cacheDir, api)
	if err != nil {
		_ = api.Close()
		return nil, fmt.Errorf("opening response cache: %w", err)
	}
	return client, nil
}

// ResolveCheckpoint returns the header of the block to fork from. from is a
// block number, a 0x-prefixed block hash, or empty for the remote best block.
func ResolveCheckpoint(ctx context.Context, client nodeapi.ChainApiLite, from string) (*types.Header, error) {
	var hash *types.Hash
	switch {
	case from == "":
	case strings.HasPrefix(from, "0x"):
		b, err := hexutil.Decode(from)
		if err != nil || len(b) != len(types.Hash{}) {
			return nil, fmt.Errorf("invalid fork block hash %q", from)
		}
		h := common.BytesToHash(b)
		hash = &h
	default:
		number, err := strconv.ParseUint(from, 10, 32)
		if err != nil {
			return nil, fmt.Errorf("invalid fork block %q: %w", from, err)
		}
		n := uint32(number)
		hash, err = client.BlockHash(ctx, &n)
		if err != nil {
			return nil, fmt.Errorf("fetching hash of fork block %d: %w", n, err)
		}
		if hash == nil {
			return nil, fmt.Errorf("fork block %d not found on remote node", n)
		}
	}

	header, err := client.Header(ctx, hash)
	if err != nil {
		return nil, fmt.Errorf("fetching fork block header: %w", err)
	}
	if header == nil {
		return nil, fmt.Errorf("fork block %q not found on remote node", from)
	}
	return header, nil
}

// ChainSpec describes the local chain, derived from the remote one.
type ChainSpec struct {
	Name       string                `json:"name"`
	ID         string                `json:"id"`
	ChainType  string                `json:"chainType"`
	NodeName   string                `json:"nodeName"`
	Properties types.ChainProperties `json:"properties"`
	ForkBlock  types.Hash            `json:"forkBlock"`
	ForkNumber uint32                `json:"forkNumber"`
	ParaID     *uint32               `json:"paraId,omitempty"`
}

// FetchChainSpec builds the local chain spec from the remote chain's
// identity at the checkpoint.
func FetchChainSpec(ctx context.Context, client nodeapi.ChainApiLite, checkpoint *types.Header) (*ChainSpec, error) {
	chain, err := client.SystemChain(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetching chain name: %w", err)
	}
	name, err := client.SystemName(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetching node name: %w", err)
	}
	properties, err := client.SystemProperties(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetching chain properties: %w", err)
	}

	hash := checkpoint.Hash()
	spec := &ChainSpec{
		Name:       chain,
		ID:         strings.ReplaceAll(strings.ToLower(chain), " ", "_") + "_fork",
		ChainType:  "Development",
		NodeName:   name,
		Properties: properties,
		ForkBlock:  hash,
		ForkNumber: uint32(checkpoint.Number),
	}

	paraID, err := client.Storage(ctx, types.StorageValueKey("ParachainInfo", "ParachainId"), &hash)
	if err != nil {
		return nil, fmt.Errorf("fetching parachain id: %w", err)
	}
	if paraID != nil {
		if len(*paraID) != 4 {
			return nil, fmt.Errorf("malformed parachain id %s", paraID)
		}
		id := binary.LittleEndian.Uint32(*paraID)
		spec.ParaID = &id
	}
	return spec, nil
}

// StateOverride is one entry of a state overrides file: either a pallet
// storage item, optionally followed by a raw sub-key, or a raw key.
type StateOverride struct {
	Pallet  string        `json:"pallet,omitempty" yaml:"pallet"`
	Storage string        `json:"storage,omitempty" yaml:"storage"`
	Key     hexutil.Bytes `json:"key,omitempty" yaml:"key"`
	Value   hexutil.Bytes `json:"value" yaml:"value"`
}

// StorageKey returns the raw storage key the entry writes to.
func (o *StateOverride) StorageKey() (types.StorageKey, error) {
	switch {
	case o.Pallet != "" && o.Storage != "":
		return append(types.StorageValueKey(o.Pallet, o.Storage), o.Key...), nil
	case o.Pallet != "" || o.Storage != "":
		return nil, fmt.Errorf("both pallet and storage are required, got pallet %q storage %q", o.Pallet, o.Storage)
	case len(o.Key) == 0:
		return nil, fmt.Errorf("either pallet and storage or a raw key is required")
	default:
		return append(types.StorageKey(nil), o.Key...), nil
	}
}

// LoadStateOverrides reads a JSON or YAML list of state overrides and
// returns the storage changes they make, in file order.
func LoadStateOverrides(path string) ([]types.StorageChange, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// JSON documents are valid YAML.
	var entries []StateOverride
	if err := yaml.Unmarshal(raw, &entries); err != nil {
		return nil, fmt.Errorf("parsing state overrides %s: %w", path, err)
	}

	changes := make([]types.StorageChange, 0, len(entries))
	for i, entry := range entries {
		key, err := entry.StorageKey()
		if err != nil {
			return nil, fmt.Errorf("state override %d: %w", i, err)
		}
		value := types.StorageData(append([]byte{}, entry.Value...))
		changes = append(changes, types.StorageChange{Key: key, Value: &value})
	}
	return changes, nil
}

// Fork is a bootstrapped lazy-loading backend.
type Fork struct {
	Backend   *lazyloading.Backend
	ChainSpec *ChainSpec

	// Genesis is the synthetic local genesis block.
	Genesis types.Hash
	// Head is the first local block, holding the checkpoint state and overrides.
	Head types.Hash
}

// NewLazyLoadingBackend forks the remote chain as configured. It imports
// two blocks: an empty genesis and a block with the checkpoint's state and
// the configured overrides, which becomes the best and finalized block.
func NewLazyLoadingBackend(ctx context.Context, cfg *config.LazyLoadingConfig, client nodeapi.ChainApiLite, logger *log.Logger) (*Fork, error) {
	logger = logger.WithModule(moduleName)

	checkpoint, err := ResolveCheckpoint(ctx, client, cfg.FromBlock)
	if err != nil {
		return nil, err
	}
	spec, err := FetchChainSpec(ctx, client, checkpoint)
	if err != nil {
		return nil, err
	}
	var overrides []types.StorageChange
	if cfg.StateOverrides != "" {
		if overrides, err = LoadStateOverrides(cfg.StateOverrides); err != nil {
			return nil, err
		}
	}

	backend := lazyloading.NewBackend(client, *checkpoint, logger)
	genesis, err := importGenesis(ctx, backend)
	if err != nil {
		return nil, fmt.Errorf("importing genesis: %w", err)
	}
	head, err := importCheckpoint(ctx, backend, client, checkpoint, genesis, overrides)
	if err != nil {
		return nil, fmt.Errorf("importing fork block: %w", err)
	}

	logger.Info("forked remote chain",
		"chain", spec.Name,
		"fork_block", spec.ForkBlock,
		"fork_number", spec.ForkNumber,
		"state_overrides", len(overrides),
		"head", head,
	)
	return &Fork{
		Backend:   backend,
		ChainSpec: spec,
		Genesis:   genesis,
		Head:      head,
	}, nil
}

func importGenesis(ctx context.Context, backend *lazyloading.Backend) (types.Hash, error) {
	op, err := backend.BeginOperation(ctx)
	if err != nil {
		return types.Hash{}, err
	}
	op.Detached = true
	root, err := op.SetGenesisState(lazyloading.GenesisStorage{}, true)
	if err != nil {
		return types.Hash{}, err
	}
	header := types.Header{StateRoot: root}
	if err := op.SetBlockData(header, []hexutil.Bytes{}, nil, lazyloading.NewBlockStateFinal); err != nil {
		return types.Hash{}, err
	}
	if err := backend.CommitOperation(op); err != nil {
		return types.Hash{}, err
	}
	return header.Hash(), nil
}

func importCheckpoint(
	ctx context.Context,
	backend *lazyloading.Backend,
	client nodeapi.ChainApiLite,
	checkpoint *types.Header,
	genesis types.Hash,
	overrides []types.StorageChange,
) (types.Hash, error) {
	hash := checkpoint.Hash()
	block, err := client.Block(ctx, &hash)
	if err != nil {
		return types.Hash{}, err
	}
	if block == nil {
		return types.Hash{}, fmt.Errorf("%w: %s", lazyloading.ErrUnknownBlock, hash.Hex())
	}

	op, err := backend.BeginOperation(ctx)
	if err != nil {
		return types.Hash{}, err
	}
	// The fork block keeps its remote parent and starts its own lineage.
	// Genesis state stays empty.
	op.GraftOnto = &genesis

	// Without overrides the block keeps the remote hash.
	header := *checkpoint
	if len(overrides) > 0 {
		header.StateRoot = op.UpdateStorage(overrides)
	}
	if err := op.SetBlockData(header, block.Block.Extrinsics, block.Justifications, lazyloading.NewBlockStateFinal); err != nil {
		return types.Hash{}, err
	}
	if err := backend.CommitOperation(op); err != nil {
		return types.Hash{}, err
	}
	return header.Hash(), nil
}
