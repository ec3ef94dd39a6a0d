// Command availability-oracle runs the subgraph availability oracle's
// reconciliation loop: on a fixed interval (or once, if --period is 0)
// it pages candidate deployments from the network subgraph, validates
// their content, and submits any deny-flag flips on chain. It also
// publishes the oracle's own configuration to the data-edge contract
// whenever it drifts from what the graph-monitoring subgraph reports.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/urfave/cli"
	"go.uber.org/zap"

	"github.com/graphprotocol/availability-oracle/internal/addressbook"
	"github.com/graphprotocol/availability-oracle/internal/chain"
	"github.com/graphprotocol/availability-oracle/internal/contentstore"
	"github.com/graphprotocol/availability-oracle/internal/dataedge"
	"github.com/graphprotocol/availability-oracle/internal/graphmonitoring"
	"github.com/graphprotocol/availability-oracle/internal/metrics"
	"github.com/graphprotocol/availability-oracle/internal/networksubgraph"
	"github.com/graphprotocol/availability-oracle/internal/oracleconfig"
	"github.com/graphprotocol/availability-oracle/internal/oraclelog"
	"github.com/graphprotocol/availability-oracle/internal/reconcile"
	"github.com/graphprotocol/availability-oracle/internal/validator"
	"github.com/graphprotocol/availability-oracle/internal/walletkey"
)

func main() {
	app := newApp()
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "availability-oracle: %v\n", err)
		os.Exit(1)
	}
}

func newApp() *cli.App {
	app := cli.NewApp()
	app.Name = "availability-oracle"
	app.Version = oracleconfig.Version
	app.Usage = "Subgraph deployment availability and validity oracle"
	app.Flags = []cli.Flag{
		cli.StringFlag{Name: "ipfs", Usage: "content store gateway endpoint", EnvVar: "ORACLE_IPFS"},
		cli.StringFlag{Name: "subgraph", Usage: "network subgraph GraphQL endpoint", EnvVar: "ORACLE_SUBGRAPH"},
		cli.StringFlag{Name: "epoch-block-oracle-subgraph", Usage: "epoch block oracle subgraph GraphQL endpoint", EnvVar: "ORACLE_EPOCH_BLOCK_ORACLE_SUBGRAPH"},
		cli.StringFlag{Name: "graph-monitoring-subgraph", Usage: "graph-monitoring subgraph GraphQL endpoint (config snapshots)", EnvVar: "ORACLE_GRAPH_MONITORING_SUBGRAPH"},

		cli.IntFlag{Name: "period", Value: 600, Usage: "reconcile loop period in seconds; 0 runs once and exits", EnvVar: "ORACLE_PERIOD"},
		cli.Uint64Flag{Name: "min-signal", Value: 100, Usage: "minimum curation signal in GRT for a deployment to be checked", EnvVar: "ORACLE_MIN_SIGNAL"},
		cli.IntFlag{Name: "grace-period", Value: 3600, Usage: "seconds a deployment must exist before it's checked", EnvVar: "ORACLE_GRACE_PERIOD"},

		cli.IntFlag{Name: "ipfs-concurrency", Value: 10, Usage: "maximum in-flight content store fetches", EnvVar: "ORACLE_IPFS_CONCURRENCY"},
		cli.IntFlag{Name: "ipfs-timeout", Value: 30, Usage: "per-fetch timeout in seconds", EnvVar: "ORACLE_IPFS_TIMEOUT"},

		cli.StringFlag{Name: "signing-key", Usage: "hex-encoded secp256k1 signing key, required unless --dry-run", EnvVar: "ORACLE_SIGNING_KEY"},
		cli.BoolFlag{Name: "dry-run", Usage: "log flips instead of submitting them on chain", EnvVar: "ORACLE_DRY_RUN"},

		cli.IntFlag{Name: "metrics-port", Value: 0, Usage: "bind port for the Prometheus metrics endpoint; 0 disables it", EnvVar: "ORACLE_METRICS_PORT"},

		cli.StringFlag{Name: "supported-networks", Usage: "comma-separated accepted network ids", EnvVar: "ORACLE_SUPPORTED_NETWORKS"},
		cli.StringFlag{Name: "supported-data-source-kinds", Value: "ethereum,ethereum/contract,substreams,file/ipfs", Usage: "comma-separated accepted data source kinds", EnvVar: "ORACLE_SUPPORTED_DATA_SOURCE_KINDS"},

		cli.StringFlag{Name: "network", Usage: "chain network name, used to resolve contract addresses from the embedded address book (mainnet/arbitrum-one/sepolia/arbitrum-sepolia)", EnvVar: "ORACLE_NETWORK"},
		cli.StringFlag{Name: "subgraph-availability-manager-contract", Usage: "availability-manager contract address; set together with --oracle-index to select the vote submission path", EnvVar: "ORACLE_AVAILABILITY_MANAGER_CONTRACT"},
		cli.StringFlag{Name: "oracle-index", Usage: "this oracle's index in the availability-manager vote roster", EnvVar: "ORACLE_INDEX"},
		cli.StringFlag{Name: "rewards-manager-contract", Usage: "rewards-manager contract address; selects the direct submission path", EnvVar: "ORACLE_REWARDS_MANAGER_CONTRACT"},
		cli.StringFlag{Name: "data-edge-contract", Usage: "data-edge contract address used to publish configuration", EnvVar: "ORACLE_DATA_EDGE_CONTRACT"},

		cli.StringFlag{Name: "url", Usage: "chain JSON-RPC endpoint", EnvVar: "ORACLE_CHAIN_RPC_URL"},

		cli.StringFlag{Name: "log-level", Value: "info", Usage: "debug, info, warn, or error", EnvVar: "ORACLE_LOG_LEVEL"},
		cli.StringFlag{Name: "log-encoding", Value: "console", Usage: "console or json", EnvVar: "ORACLE_LOG_ENCODING"},
	}
	app.Action = run
	return app
}

// oracleIndexFromFlag parses the --oracle-index flag, which is a string
// (not an integer flag) because its absence, not just its zero value,
// is meaningful to the submitter's selection policy.
func oracleIndexFromFlag(c *cli.Context) (*uint64, error) {
	raw := c.String("oracle-index")
	if raw == "" {
		return nil, nil
	}
	v, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("--oracle-index: %w", err)
	}
	return &v, nil
}

func buildConfig(c *cli.Context) (oracleconfig.Config, error) {
	oracleIndex, err := oracleIndexFromFlag(c)
	if err != nil {
		return oracleconfig.Config{}, err
	}

	cfg := oracleconfig.Config{
		IPFSEndpoint:                     c.String("ipfs"),
		SubgraphEndpoint:                 c.String("subgraph"),
		EpochBlockOracleSubgraphEndpoint: c.String("epoch-block-oracle-subgraph"),
		GraphMonitoringSubgraphEndpoint:  c.String("graph-monitoring-subgraph"),

		Period:      time.Duration(c.Int("period")) * time.Second,
		MinSignal:   c.Uint64("min-signal"),
		GracePeriod: time.Duration(c.Int("grace-period")) * time.Second,

		IPFSConcurrency: c.Int("ipfs-concurrency"),
		IPFSTimeout:     time.Duration(c.Int("ipfs-timeout")) * time.Second,

		SigningKey: c.String("signing-key"),
		DryRun:     c.Bool("dry-run"),

		MetricsPort: c.Int("metrics-port"),

		SupportedNetworks:        splitCSV(c.String("supported-networks")),
		SupportedDataSourceKinds: splitCSV(c.String("supported-data-source-kinds")),

		AvailabilityManagerContract: c.String("subgraph-availability-manager-contract"),
		OracleIndex:                 oracleIndex,
		RewardsManagerContract:      c.String("rewards-manager-contract"),
		DataEdgeContract:            c.String("data-edge-contract"),

		ChainRPCURL: c.String("url"),
		Network:     c.String("network"),
	}
	if err := cfg.Validate(); err != nil {
		return oracleconfig.Config{}, err
	}
	return cfg, nil
}

func splitCSV(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func run(c *cli.Context) error {
	cfg, err := buildConfig(c)
	if err != nil {
		return cli.NewExitError(err.Error(), 1)
	}

	logger, err := oraclelog.New(c.String("log-level"), c.String("log-encoding"))
	if err != nil {
		return cli.NewExitError(err.Error(), 1)
	}
	defer logger.Sync() //nolint:errcheck

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	metrics.Serve(ctx, metrics.Config{
		Enabled:   cfg.MetricsPort != 0,
		Addresses: []string{fmt.Sprintf(":%d", cfg.MetricsPort)},
	}, logger)

	fetcher := contentstore.New(cfg.IPFSEndpoint, cfg.IPFSConcurrency, cfg.IPFSTimeout, contentstore.Metrics{
		RequestsTotal: metrics.IPFSRequestsTotal,
		CacheHits:     metrics.IPFSCacheHits,
	})
	pager := networksubgraph.New(cfg.SubgraphEndpoint)

	validatorCfg := validator.Config{
		SupportedNetworks:        toSet(cfg.SupportedNetworks),
		SupportedDataSourceKinds: toSet(cfg.SupportedDataSourceKinds),
	}

	reconciler := reconcile.New(pager, fetcher, validatorCfg, cfg.MinSignal, logger, reconcile.Metrics{
		RunsTotal:   metrics.ReconcileRunsTotal,
		RunsOK:      metrics.ReconcileRunsOK,
		RunsErr:     metrics.ReconcileRunsErr,
		RunsIPFSErr: metrics.ReconcileRunsIPFSErr,
	})

	submitter, publisher, err := buildChainClients(ctx, cfg, logger)
	if err != nil {
		return cli.NewExitError(err.Error(), 1)
	}

	loop(ctx, cfg, logger, reconciler, fetcher, submitter, publisher)
	return nil
}

// buildChainClients wires the JSON-RPC client, signing key, and address
// book into a chain.Submitter and (unless dry-run) a data-edge
// dataedge.Publisher. In dry-run mode neither the chain client nor the
// signing key is required, and publisher is nil (config is never posted).
func buildChainClients(ctx context.Context, cfg oracleconfig.Config, logger *zap.Logger) (chain.Submitter, *dataedge.Publisher, error) {
	sel := chain.Selection{DryRun: cfg.DryRun, OracleIndex: cfg.OracleIndex}

	if cfg.DryRun {
		submitter, err := chain.New(sel, nil, nil, logger, chain.Metrics{DeniedSubgraphsTotal: metrics.DeniedSubgraphsTotal})
		return submitter, nil, err
	}

	backend, err := ethclient.DialContext(ctx, cfg.ChainRPCURL)
	if err != nil {
		return nil, nil, fmt.Errorf("dial chain rpc: %w", err)
	}

	key, err := walletkey.Load(cfg.SigningKey)
	if err != nil {
		return nil, nil, err
	}
	chainID, err := backend.ChainID(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("fetch chain id: %w", err)
	}
	auth, err := bind.NewKeyedTransactorWithChainID(key.Private, chainID)
	if err != nil {
		return nil, nil, fmt.Errorf("build transactor: %w", err)
	}

	rewardsManager, err := addressbook.Resolve(cfg.RewardsManagerContract, cfg.Network, func(e addressbook.Entry) common.Address { return e.RewardsManager })
	if err != nil {
		return nil, nil, err
	}
	if rewardsManager != (common.Address{}) {
		sel.RewardsManager = &rewardsManager
	}
	availabilityManager, err := addressbook.Resolve(cfg.AvailabilityManagerContract, cfg.Network, func(e addressbook.Entry) common.Address { return e.AvailabilityManager })
	if err != nil {
		return nil, nil, err
	}
	if availabilityManager != (common.Address{}) {
		sel.AvailabilityManager = &availabilityManager
	}

	submitter, err := chain.New(sel, backend, auth, logger, chain.Metrics{DeniedSubgraphsTotal: metrics.DeniedSubgraphsTotal})
	if err != nil {
		return nil, nil, err
	}

	dataEdge, err := addressbook.Resolve(cfg.DataEdgeContract, cfg.Network, func(e addressbook.Entry) common.Address { return e.DataEdge })
	if err != nil {
		return nil, nil, err
	}
	var publisher *dataedge.Publisher
	if dataEdge != (common.Address{}) {
		publisher, err = dataedge.NewPublisher(backend, auth, dataEdge, logger)
		if err != nil {
			return nil, nil, fmt.Errorf("build data-edge publisher: %w", err)
		}
	}
	return submitter, publisher, nil
}

func toSet(items []string) map[string]bool {
	out := make(map[string]bool, len(items))
	for _, it := range items {
		out[it] = true
	}
	return out
}

// loop drives the supervising control flow: if cfg.Period is zero it
// runs exactly one reconciliation pass and returns; otherwise it ticks
// at a fixed interval with missed-tick-skip semantics (a time.Ticker
// drops ticks the receiver hasn't caught up to rather than queuing
// them), invalidating the content fetcher's cache after each pass.
func loop(ctx context.Context, cfg oracleconfig.Config, logger *zap.Logger, r *reconcile.Reconciler, fetcher *contentstore.Fetcher, submitter chain.Submitter, publisher *dataedge.Publisher) {
	runOnce := func() {
		runReconciliation(ctx, cfg, logger, r, submitter)
		maybePublishConfig(ctx, cfg, logger, publisher)
		fetcher.InvalidateAll()
	}

	if cfg.Period <= 0 {
		runOnce()
		return
	}

	ticker := time.NewTicker(cfg.Period)
	defer ticker.Stop()

	runOnce()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			runOnce()
		}
	}
}

func runReconciliation(ctx context.Context, cfg oracleconfig.Config, logger *zap.Logger, r *reconcile.Reconciler, submitter chain.Submitter) {
	flips, err := r.Run(ctx, cfg.GracePeriod)
	if err != nil {
		logger.Error("reconciliation run aborted", zap.Error(err))
		return
	}
	if len(flips) == 0 {
		return
	}

	chainFlips := make([]chain.Flip, len(flips))
	for i, f := range flips {
		chainFlips[i] = chain.Flip{ID: f.DeploymentID, Deny: f.Deny}
	}
	if err := submitter.DenyMany(ctx, chainFlips); err != nil {
		logger.Error("submitting deny flips failed", zap.Error(err))
	}
}

func maybePublishConfig(ctx context.Context, cfg oracleconfig.Config, logger *zap.Logger, publisher *dataedge.Publisher) {
	if publisher == nil || cfg.OracleIndex == nil || cfg.GraphMonitoringSubgraphEndpoint == "" {
		return
	}

	var availabilityManager *common.Address
	if addr, err := addressbook.Resolve(cfg.AvailabilityManagerContract, cfg.Network, func(e addressbook.Entry) common.Address { return e.AvailabilityManager }); err == nil && addr != (common.Address{}) {
		availabilityManager = &addr
	}

	local, err := dataedge.BuildOracleConfig(dataedge.Params{
		Version:                             oracleconfig.Version,
		IPFSConcurrency:                     cfg.IPFSConcurrency,
		IPFSTimeout:                         cfg.IPFSTimeout,
		MinSignal:                           cfg.MinSignal,
		Period:                              cfg.Period,
		GracePeriod:                         cfg.GracePeriod,
		SupportedDataSourceKinds:            cfg.SupportedDataSourceKinds,
		NetworkSubgraphURL:                  cfg.SubgraphEndpoint,
		EpochBlockOracleSubgraphURL:         cfg.EpochBlockOracleSubgraphEndpoint,
		SubgraphAvailabilityManagerContract: availabilityManager,
		OracleIndex:                         cfg.OracleIndex,
	})
	if err != nil {
		logger.Warn("could not build oracle config snapshot, skipping data-edge publish", zap.Error(err))
		return
	}

	monitoringClient := graphmonitoring.New(cfg.GraphMonitoringSubgraphEndpoint)
	if _, err := publisher.PostConfigIfChanged(ctx, local, monitoringClient, *cfg.OracleIndex); err != nil {
		logger.Error("publishing oracle config to data-edge failed", zap.Error(err))
	}
}
