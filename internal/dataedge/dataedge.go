// Package dataedge builds the oracle's own configuration snapshot,
// compares it against what's already published to the graph-monitoring
// subgraph, and posts it to the data-edge contract when it has changed.
package dataedge

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/graphprotocol/availability-oracle/internal/graphmonitoring"
)

// ExtractDeploymentID pulls a subgraph deployment id (a base58btc CIDv0)
// out of a gateway URL of the form
// https://gateway.thegraph.com/api/<key>/deployments/id/Qm....
func ExtractDeploymentID(gatewayURL string) (string, error) {
	u, err := url.Parse(gatewayURL)
	if err != nil {
		return "", fmt.Errorf("dataedge: invalid url: %w", err)
	}
	segments := strings.Split(u.Path, "/")
	for i, seg := range segments {
		if seg == "id" && i+1 < len(segments) {
			id := segments[i+1]
			if strings.HasPrefix(id, "Qm") {
				return id, nil
			}
		}
	}
	return "", fmt.Errorf("dataedge: could not extract deployment id from url %q, expected .../deployments/id/Qm...", gatewayURL)
}

// Params collects the oracle's own operating parameters used to build
// the configuration snapshot.
type Params struct {
	Version                             string
	IPFSConcurrency                     int
	IPFSTimeout                         time.Duration
	MinSignal                           uint64
	Period                              time.Duration
	GracePeriod                         time.Duration
	SupportedDataSourceKinds            []string
	NetworkSubgraphURL                  string
	EpochBlockOracleSubgraphURL         string
	SubgraphAvailabilityManagerContract *common.Address
	OracleIndex                         *uint64
}

// BuildOracleConfig derives an OracleConfig snapshot from Params,
// extracting the two subgraph deployment ids from their gateway URLs.
func BuildOracleConfig(p Params) (graphmonitoring.OracleConfig, error) {
	networkDeploymentID, err := ExtractDeploymentID(p.NetworkSubgraphURL)
	if err != nil {
		return graphmonitoring.OracleConfig{}, err
	}
	epochDeploymentID, err := ExtractDeploymentID(p.EpochBlockOracleSubgraphURL)
	if err != nil {
		return graphmonitoring.OracleConfig{}, err
	}

	var availabilityManager string
	if p.SubgraphAvailabilityManagerContract != nil {
		availabilityManager = p.SubgraphAvailabilityManagerContract.Hex()
	}
	var oracleIndex string
	if p.OracleIndex != nil {
		oracleIndex = strconv.FormatUint(*p.OracleIndex, 10)
	}

	return graphmonitoring.OracleConfig{
		Version:                              p.Version,
		IPFSConcurrency:                      strconv.Itoa(p.IPFSConcurrency),
		IPFSTimeout:                          strconv.FormatInt(p.IPFSTimeout.Milliseconds(), 10),
		MinSignal:                            strconv.FormatUint(p.MinSignal, 10),
		Period:                               strconv.FormatInt(int64(p.Period.Seconds()), 10),
		GracePeriod:                          strconv.FormatInt(int64(p.GracePeriod.Seconds()), 10),
		SupportedDataSourceKinds:             strings.Join(p.SupportedDataSourceKinds, ","),
		NetworkSubgraphDeploymentID:          networkDeploymentID,
		EpochBlockOracleSubgraphDeploymentID: epochDeploymentID,
		SubgraphAvailabilityManagerContract:  availabilityManager,
		OracleIndex:                          oracleIndex,
	}, nil
}

// StatusKind classifies the outcome of comparing a local config against
// the subgraph's published snapshot.
type StatusKind int

const (
	Unchanged StatusKind = iota
	Changed
	NotFound
	FetchFailed
)

// Status is the result of CheckConfigStatus.
type Status struct {
	Kind          StatusKind
	ChangedFields []string
	FetchErr      error
}

// ConfigFetcher is the narrow interface CheckConfigStatus needs from the
// graph-monitoring subgraph client.
type ConfigFetcher interface {
	FetchOracleConfig(ctx context.Context, oracleIndex uint64) (*graphmonitoring.OracleConfig, error)
}

// CheckConfigStatus compares local against the subgraph's current
// snapshot for oracleIndex. A fetch failure is reported, not returned as
// an error, so the caller can decide to post anyway.
func CheckConfigStatus(ctx context.Context, local graphmonitoring.OracleConfig, fetcher ConfigFetcher, oracleIndex uint64) Status {
	current, err := fetcher.FetchOracleConfig(ctx, oracleIndex)
	if err != nil {
		return Status{Kind: FetchFailed, FetchErr: err}
	}
	if current == nil {
		return Status{Kind: NotFound}
	}
	if changed := graphmonitoring.Diff(local, *current); len(changed) > 0 {
		return Status{Kind: Changed, ChangedFields: changed}
	}
	return Status{Kind: Unchanged}
}

// submitConfigABI is the data-edge contract's sole entry point: it
// accepts an opaque calldata blob which it self-decodes.
const submitConfigABI = `[{"inputs":[{"name":"data","type":"bytes"}],"name":"submitConfig","outputs":[],"stateMutability":"nonpayable","type":"function"}]`

// bufferNumerator/bufferDenominator apply a 20% safety margin over the
// node's own gas price suggestion and gas estimate. The deny-flag
// submitters in internal/chain do not apply this margin.
const bufferNumerator = 120
const bufferDenominator = 100

// Backend is the chain client surface the publisher needs: gas
// estimation, transaction submission, and receipt lookup.
// *ethclient.Client satisfies it.
type Backend interface {
	bind.ContractBackend
	bind.DeployBackend
}

// Publisher posts oracle configuration snapshots to the data-edge
// contract.
type Publisher struct {
	contract *bind.BoundContract
	parsed   abi.ABI
	backend  Backend
	auth     *bind.TransactOpts
	address  common.Address
	logger   *zap.Logger
}

// NewPublisher constructs a Publisher against the data-edge contract at
// address, signing transactions with auth.
func NewPublisher(backend Backend, auth *bind.TransactOpts, address common.Address, logger *zap.Logger) (*Publisher, error) {
	parsed, err := abi.JSON(strings.NewReader(submitConfigABI))
	if err != nil {
		return nil, fmt.Errorf("dataedge: parse abi: %w", err)
	}
	return &Publisher{
		contract: bind.NewBoundContract(address, parsed, backend, backend, backend),
		parsed:   parsed,
		backend:  backend,
		auth:     auth,
		address:  address,
		logger:   logger,
	}, nil
}

// PostConfigIfChanged posts local to the data-edge contract unless the
// subgraph already reports the identical configuration. It returns
// whether a transaction was submitted.
func (p *Publisher) PostConfigIfChanged(ctx context.Context, local graphmonitoring.OracleConfig, fetcher ConfigFetcher, oracleIndex uint64) (bool, error) {
	status := CheckConfigStatus(ctx, local, fetcher, oracleIndex)
	switch status.Kind {
	case Unchanged:
		p.logger.Info("config unchanged, skipping data-edge post", zap.Uint64("oracle_index", oracleIndex))
		return false, nil
	case Changed:
		p.logger.Info("config changed, posting to data-edge",
			zap.Uint64("oracle_index", oracleIndex), zap.Strings("changed_fields", status.ChangedFields))
	case NotFound:
		p.logger.Info("oracle not found in subgraph, posting initial config", zap.Uint64("oracle_index", oracleIndex))
	case FetchFailed:
		p.logger.Warn("failed to fetch current oracle config, posting anyway",
			zap.Uint64("oracle_index", oracleIndex), zap.Error(status.FetchErr))
	}

	if err := p.PostConfig(ctx, local); err != nil {
		return false, err
	}
	return true, nil
}

// configJSON is the wire shape posted to the data-edge contract. The two
// misspelled keys are intentional: the contract's decoder was deployed
// expecting them and changing them would break compatibility.
type configJSON struct {
	Version string `json:"version"`
	Config  struct {
		IPFSConcurrency                     string `json:"ipfs_concurrency"`
		IPFSTimeout                         string `json:"ipfs_timeout"`
		MinSignal                           string `json:"min_signal"`
		Period                              string `json:"period"`
		GracePeriod                         string `json:"grace_period"`
		SupportedDataSourceKinds            string `json:"supported_data_source_kinds"`
		NetworkSubgraphDeloymentID          string `json:"network_subgraph_deloyment_id"`
		EpochBlockOracleSubgraphDeloymentID string `json:"epoch_block_oracle_subgraph_deloyment_id"`
		SubgraphAvailabilityManagerContract string `json:"subgraph_availability_manager_contract"`
		OracleIndex                         string `json:"oracle_index"`
	} `json:"config"`
}

// PostConfig submits config to the data-edge contract unconditionally.
func (p *Publisher) PostConfig(ctx context.Context, config graphmonitoring.OracleConfig) error {
	p.logger.Info("posting oracle configuration to data-edge",
		zap.String("version", config.Version),
		zap.String("data_edge_contract", p.address.Hex()),
		zap.String("network_subgraph_deployment_id", config.NetworkSubgraphDeploymentID),
		zap.String("epoch_block_oracle_subgraph_deployment_id", config.EpochBlockOracleSubgraphDeploymentID))

	var doc configJSON
	doc.Version = config.Version
	doc.Config.IPFSConcurrency = config.IPFSConcurrency
	doc.Config.IPFSTimeout = config.IPFSTimeout
	doc.Config.MinSignal = config.MinSignal
	doc.Config.Period = config.Period
	doc.Config.GracePeriod = config.GracePeriod
	doc.Config.SupportedDataSourceKinds = config.SupportedDataSourceKinds
	doc.Config.NetworkSubgraphDeloymentID = config.NetworkSubgraphDeploymentID
	doc.Config.EpochBlockOracleSubgraphDeloymentID = config.EpochBlockOracleSubgraphDeploymentID
	doc.Config.SubgraphAvailabilityManagerContract = config.SubgraphAvailabilityManagerContract
	doc.Config.OracleIndex = config.OracleIndex

	payload, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("dataedge: encode config json: %w", err)
	}

	calldata, err := p.parsed.Pack("submitConfig", payload)
	if err != nil {
		return fmt.Errorf("dataedge: pack calldata: %w", err)
	}

	gasPrice, err := p.backend.SuggestGasPrice(ctx)
	if err != nil {
		return fmt.Errorf("dataedge: suggest gas price: %w", err)
	}
	gasPrice = applyBuffer(gasPrice)

	estimate, err := p.backend.EstimateGas(ctx, ethereum.CallMsg{
		From: p.auth.From,
		To:   &p.address,
		Data: calldata,
	})
	if err != nil {
		return fmt.Errorf("dataedge: estimate gas: %w", err)
	}
	gasLimit := estimate * bufferNumerator / bufferDenominator

	opts := *p.auth
	opts.Context = ctx
	opts.GasPrice = gasPrice
	opts.GasLimit = gasLimit

	tx, err := p.contract.Transact(&opts, "submitConfig", payload)
	if err != nil {
		return fmt.Errorf("dataedge: send transaction: %w", err)
	}
	p.logger.Info("data-edge transaction sent, awaiting confirmation",
		zap.String("tx_hash", tx.Hash().Hex()), zap.Uint64("gas_limit", gasLimit))

	receipt, err := bind.WaitMined(ctx, p.backend, tx)
	if err != nil {
		return fmt.Errorf("dataedge: await inclusion: %w", err)
	}
	p.logger.Info("posted config to data-edge",
		zap.String("tx_hash", receipt.TxHash.Hex()), zap.Uint64("gas_used", receipt.GasUsed))
	return nil
}

func applyBuffer(v *big.Int) *big.Int {
	buffered := new(big.Int).Mul(v, big.NewInt(bufferNumerator))
	return buffered.Div(buffered, big.NewInt(bufferDenominator))
}
