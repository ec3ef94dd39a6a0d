package chain

import (
	"fmt"

	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"
)

// rewardsManagerABI and availabilityManagerABI are the fixed fragments
// the submitter calls; both contracts expose exactly one relevant
// method.
const rewardsManagerABI = `[{"inputs":[{"name":"_deployments","type":"bytes32[]"},{"name":"_deny","type":"bool[]"}],"name":"setDeniedMany","outputs":[],"stateMutability":"nonpayable","type":"function"}]`

const availabilityManagerABI = `[{"inputs":[{"name":"_deployments","type":"bytes32[]"},{"name":"_deny","type":"bool[]"},{"name":"_oracleIndex","type":"uint256"}],"name":"voteMany","outputs":[],"stateMutability":"nonpayable","type":"function"}]`

// Selection holds the configuration needed to pick and build a Submitter,
// mirroring the configuration surface's contract-address and oracle-index
// options.
type Selection struct {
	AvailabilityManager *common.Address
	OracleIndex         *uint64
	RewardsManager      *common.Address
	DryRun              bool
}

// New selects and constructs the Submitter implied by sel. DryRun wins
// unconditionally over any configured contract address. Otherwise: the
// vote path if both an availability-manager address and an oracle index
// are set, else the direct path if a rewards-manager address is set,
// else a configuration error.
func New(sel Selection, backend Backend, auth *bind.TransactOpts, logger *zap.Logger, metrics Metrics) (Submitter, error) {
	if sel.DryRun {
		return &DryRunSubmitter{Logger: logger}, nil
	}
	if sel.AvailabilityManager != nil && sel.OracleIndex != nil {
		return newContractSubmitter(backend, *sel.AvailabilityManager, availabilityManagerABI, "voteMany", auth, sel.OracleIndex, 0, logger, metrics)
	}
	if sel.RewardsManager != nil {
		return newContractSubmitter(backend, *sel.RewardsManager, rewardsManagerABI, "setDeniedMany", auth, nil, directGasLimit, logger, metrics)
	}
	return nil, fmt.Errorf("chain: no submitter configured: set rewards-manager, availability-manager+oracle-index, or dry-run")
}
