// Package node implements the run sub-command.
package node

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/moonbeam-foundation/lazyfork/api"
	"github.com/moonbeam-foundation/lazyfork/cmd/common"
	"github.com/moonbeam-foundation/lazyfork/config"
	"github.com/moonbeam-foundation/lazyfork/log"
	"github.com/moonbeam-foundation/lazyfork/metrics"
	"github.com/moonbeam-foundation/lazyfork/storage/lazyloading/bootstrap"
	"github.com/moonbeam-foundation/lazyfork/storage/substrate/nodeapi"
)

const (
	moduleName = "node"
)

var (
	// Path to the configuration file.
	configFile string

	runCmd = &cobra.Command{
		Use:   "run",
		Short: "Fork a remote chain and serve it over JSON-RPC",
		Run: func(cmd *cobra.Command, args []string) {
			Main(configFile)
		},
	}
)

// Main loads the configuration, forks the remote chain and serves it until
// the process is interrupted. It exits the process on failure.
func Main(configFile string) {
	// Initialize config.
	cfg, err := config.InitConfig(configFile)
	if err != nil {
		log.NewDefaultLogger("init").Error("init failed",
			"error", err,
		)
		os.Exit(1)
	}

	// Initialize common environment.
	if err = common.Init(cfg); err != nil {
		log.NewDefaultLogger("init").Error("init failed",
			"error", err,
		)
		os.Exit(1)
	}
	logger := common.RootLogger()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	service, err := Init(ctx, cfg)
	if err != nil {
		logger.Error("failed to initialize node", "error", err)
		os.Exit(1)
	}
	defer service.Shutdown()

	if err := service.Run(ctx); err != nil {
		logger.Error("node stopped", "error", err)
		os.Exit(1)
	}
	logger.Info("node stopped")
}

// Service is a forked node: the lazy-loading backend and the services
// exposing it.
type Service struct {
	cfg    *config.Config
	client nodeapi.ChainApiLite
	fork   *bootstrap.Fork
	api    *api.API
	logger *log.Logger
}

// Init connects to the remote node and bootstraps the fork.
func Init(ctx context.Context, cfg *config.Config) (*Service, error) {
	logger := common.RootLogger().WithModule(moduleName)
	if cfg.LazyLoading == nil {
		return nil, fmt.Errorf("lazy_loading config not provided")
	}

	client, err := bootstrap.NewClient(ctx, cfg.LazyLoading, logger)
	if err != nil {
		return nil, err
	}
	fork, err := bootstrap.NewLazyLoadingBackend(ctx, cfg.LazyLoading, client, logger)
	if err != nil {
		_ = client.Close()
		return nil, err
	}

	s := &Service{
		cfg:    cfg,
		client: client,
		fork:   fork,
		logger: logger,
	}
	if cfg.Server != nil {
		if s.api, err = api.NewAPI(fork, cfg.Server, logger); err != nil {
			_ = client.Close()
			return nil, err
		}
	}
	return s, nil
}

// Run runs the configured services until ctx is canceled or one of them fails.
func (s *Service) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	if s.api != nil {
		g.Go(func() error {
			return s.api.Run(ctx, s.cfg.Server.Endpoint)
		})
	}
	if s.cfg.Metrics != nil {
		promServer, err := metrics.NewPullService(s.cfg.Metrics.PullEndpoint, s.logger)
		if err != nil {
			return err
		}
		g.Go(func() error {
			return promServer.Run(ctx)
		})
		if s.cfg.Metrics.PprofEndpoint != "" {
			g.Go(func() error {
				return common.RunPprof(ctx, s.cfg.Metrics.PprofEndpoint)
			})
		}
	}

	s.logger.Info("started all services",
		"fork_block", s.fork.ChainSpec.ForkBlock,
		"head", s.fork.Head,
	)
	return g.Wait()
}

// Shutdown releases the remote client and its response cache.
func (s *Service) Shutdown() {
	if err := s.client.Close(); err != nil {
		s.logger.Error("failed to close remote client", "error", err)
	}
}

// Register registers the run sub-command.
func Register(parentCmd *cobra.Command) {
	runCmd.Flags().StringVar(&configFile, "config", "./config/local.yml", "path to the config.yml file")
	parentCmd.AddCommand(runCmd)
}
