// Package chain implements the Chain Submitter: chunked, failure-isolated
// submission of deny-flag flips to one of three on-chain destinations
// behind a single interface.
package chain

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"
)

// maxChunkSize bounds how many flips are submitted per chain call; above
// it, gas cost grows roughly linearly and risks exceeding block limits.
const maxChunkSize = 100

// directGasLimit is the fixed gas ceiling used for the rewards-manager
// direct path, chosen conservatively to bypass estimator noise.
const directGasLimit = 3_000_000

// Flip is one deny-flag change to submit.
type Flip struct {
	ID   [32]byte
	Deny bool
}

// Submitter commits a batch of flips to chain.
type Submitter interface {
	DenyMany(ctx context.Context, flips []Flip) error
}

// Backend is the chain client surface the submitter needs: contract
// simulation and transaction submission plus receipt lookup for awaiting
// inclusion. *ethclient.Client satisfies it.
type Backend interface {
	bind.ContractBackend
	bind.DeployBackend
}

// Metrics groups the submitter's exported counters.
type Metrics struct {
	DeniedSubgraphsTotal func(n int)
}

func (m *Metrics) fillDefaults() {
	if m.DeniedSubgraphsTotal == nil {
		m.DeniedSubgraphsTotal = func(int) {}
	}
}

// Chunks splits flips into contiguous runs of at most maxChunkSize,
// preserving order. The union of the returned chunks, concatenated, is
// flips unchanged.
func Chunks(flips []Flip) [][]Flip {
	var out [][]Flip
	for len(flips) > 0 {
		n := maxChunkSize
		if n > len(flips) {
			n = len(flips)
		}
		out = append(out, flips[:n:n])
		flips = flips[n:]
	}
	return out
}

func splitFlips(chunk []Flip) ([][32]byte, []bool) {
	ids := make([][32]byte, len(chunk))
	statuses := make([]bool, len(chunk))
	for i, f := range chunk {
		ids[i] = f.ID
		statuses[i] = f.Deny
	}
	return ids, statuses
}

// contractSubmitter drives either the rewards-manager direct path or the
// availability-manager vote path; they differ only in ABI, method name,
// the trailing oracle-index argument, and whether gas is fixed.
type contractSubmitter struct {
	contract    *bind.BoundContract
	backend     Backend
	auth        *bind.TransactOpts
	method      string
	oracleIndex *uint64
	fixedGas    uint64
	metrics     Metrics
	logger      *zap.Logger
}

func newContractSubmitter(backend Backend, address common.Address, contractABI string, method string, auth *bind.TransactOpts, oracleIndex *uint64, fixedGas uint64, logger *zap.Logger, metrics Metrics) (*contractSubmitter, error) {
	parsed, err := abi.JSON(strings.NewReader(contractABI))
	if err != nil {
		return nil, fmt.Errorf("chain: parse contract abi: %w", err)
	}
	metrics.fillDefaults()
	return &contractSubmitter{
		contract:    bind.NewBoundContract(address, parsed, backend, backend, backend),
		backend:     backend,
		auth:        auth,
		method:      method,
		oracleIndex: oracleIndex,
		fixedGas:    fixedGas,
		metrics:     metrics,
		logger:      logger,
	}, nil
}

// DenyMany submits flips in chunks of up to 100. Each chunk is first
// simulated with a call; a reverting simulation is logged and the chunk
// is skipped without aborting the run. Otherwise the chunk is submitted
// and awaited before moving to the next.
func (s *contractSubmitter) DenyMany(ctx context.Context, flips []Flip) error {
	for _, chunk := range Chunks(flips) {
		ids, statuses := splitFlips(chunk)
		args := []interface{}{ids, statuses}
		if s.oracleIndex != nil {
			args = append(args, new(big.Int).SetUint64(*s.oracleIndex))
		}

		var simResults []interface{}
		if err := s.contract.Call(&bind.CallOpts{Context: ctx}, &simResults, s.method, args...); err != nil {
			s.logger.Error("chunk simulation reverted, skipping",
				zap.String("method", s.method), zap.Int("size", len(chunk)), zap.Error(err))
			continue
		}

		opts := *s.auth
		opts.Context = ctx
		if s.fixedGas > 0 {
			opts.GasLimit = s.fixedGas
		}
		tx, err := s.contract.Transact(&opts, s.method, args...)
		if err != nil {
			return fmt.Errorf("chain: submit chunk: %w", err)
		}
		if _, err := bind.WaitMined(ctx, s.backend, tx); err != nil {
			return fmt.Errorf("chain: await inclusion: %w", err)
		}
		s.metrics.DeniedSubgraphsTotal(len(chunk))
	}
	return nil
}
