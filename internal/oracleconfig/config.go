// Package oracleconfig holds the availability oracle's operating
// configuration: the flat set of options assembled from CLI flags and
// environment variables at startup, validated once, and then shared
// read-only by every component for the lifetime of the process.
package oracleconfig

import (
	"fmt"
	"time"
)

// Version is the oracle's own version string, overridden at build time
// via -ldflags.
var Version = "dev"

// Config is the full set of options the oracle was started with. It is
// constructed once in cmd/availability-oracle and never mutated afterward.
type Config struct {
	// IPFSEndpoint is the content-store gateway, e.g. "https://ipfs.network.thegraph.com".
	IPFSEndpoint string
	// SubgraphEndpoint is the network subgraph GraphQL endpoint used by the pager.
	SubgraphEndpoint string
	// EpochBlockOracleSubgraphEndpoint seeds the second deployment-id field
	// published to the data-edge contract; it plays no role in reconciliation.
	EpochBlockOracleSubgraphEndpoint string
	// GraphMonitoringSubgraphEndpoint serves the oracle's last-published
	// configuration snapshot, used only by the data-edge config diff.
	GraphMonitoringSubgraphEndpoint string

	// Period is the reconcile loop interval; zero means run once and exit.
	Period time.Duration
	// MinSignal is the curation threshold in GRT (not wei).
	MinSignal uint64
	// GracePeriod excludes deployments created more recently than this.
	GracePeriod time.Duration

	// IPFSConcurrency bounds in-flight content-store fetches.
	IPFSConcurrency int
	// IPFSTimeout is the per-fetch wall-clock timeout.
	IPFSTimeout time.Duration

	// SigningKey is the oracle's secp256k1 signing key, hex-encoded,
	// required unless DryRun is set.
	SigningKey string
	// DryRun selects the log-only submitter.
	DryRun bool

	// MetricsPort is the bind port for the Prometheus HTTP endpoint; 0 disables it.
	MetricsPort int

	// SupportedNetworks is the accepted network-id set for data sources.
	SupportedNetworks []string
	// SupportedDataSourceKinds is the accepted data source kind set.
	SupportedDataSourceKinds []string

	// AvailabilityManagerContract, if set together with OracleIndex, selects the vote path.
	AvailabilityManagerContract string
	// OracleIndex is this oracle's index in the availability-manager vote roster.
	OracleIndex *uint64
	// RewardsManagerContract, if set, selects the direct-write path.
	RewardsManagerContract string
	// DataEdgeContract is the data-edge contract address used to publish config changes.
	DataEdgeContract string

	// ChainRPCURL is the JSON-RPC endpoint used to sign and submit transactions.
	ChainRPCURL string
	// Network names the chain network, used to fall back to the embedded
	// address book for any contract address left unset by flags.
	Network string
}

// Validate checks that the configuration is internally consistent:
// endpoints and bounds that are always required, plus the signing and
// contract options that only matter when transactions will be sent.
func (c Config) Validate() error {
	if c.IPFSEndpoint == "" {
		return fmt.Errorf("ipfs endpoint is required")
	}
	if c.SubgraphEndpoint == "" {
		return fmt.Errorf("subgraph endpoint is required")
	}
	if c.IPFSConcurrency <= 0 {
		return fmt.Errorf("ipfs concurrency must be positive, got %d", c.IPFSConcurrency)
	}
	if c.IPFSTimeout <= 0 {
		return fmt.Errorf("ipfs timeout must be positive, got %s", c.IPFSTimeout)
	}
	if len(c.SupportedDataSourceKinds) == 0 {
		return fmt.Errorf("at least one supported data source kind is required")
	}

	if c.DryRun {
		return nil
	}

	if c.SigningKey == "" {
		return fmt.Errorf("signing key is required unless dry-run is set")
	}
	if c.ChainRPCURL == "" {
		return fmt.Errorf("chain rpc url is required unless dry-run is set")
	}

	haveVote := c.AvailabilityManagerContract != "" && c.OracleIndex != nil
	haveDirect := c.RewardsManagerContract != ""
	if !haveVote && !haveDirect {
		return fmt.Errorf("either (availability-manager-contract and oracle-index) or rewards-manager-contract must be set unless dry-run is set")
	}

	return nil
}
