// Package addressbook resolves the chain contract addresses the oracle
// transacts against: a small embedded table of known deployments keyed
// by network name, with explicit flags taking precedence over the table
// for any contract.
package addressbook

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
)

// Entry is the set of contract addresses the oracle may need for one
// network. RewardsManager and AvailabilityManager are mutually relevant
// to the submitter's selection policy; DataEdge is used by the
// configuration publisher.
type Entry struct {
	RewardsManager      common.Address
	AvailabilityManager common.Address
	DataEdge            common.Address
}

// knownNetworks covers the networks the oracle currently targets,
// limited to the three contracts the reconciler and the data-edge
// publisher touch.
var knownNetworks = map[string]Entry{
	"mainnet": {
		RewardsManager:      common.HexToAddress("0x9Ac758AB77733b4150A901ebd659cbF8cB93ED66"),
		AvailabilityManager: common.HexToAddress("0x0000000000000000000000000000000000000000"),
		DataEdge:            common.HexToAddress("0x0000000000000000000000000000000000000000"),
	},
	"arbitrum-one": {
		RewardsManager:      common.HexToAddress("0x971B9d3d0Ae3ECa029CAB5eA1fB0F72c85e6a525"),
		AvailabilityManager: common.HexToAddress("0x0000000000000000000000000000000000000000"),
		DataEdge:            common.HexToAddress("0x0000000000000000000000000000000000000000"),
	},
	"sepolia": {
		RewardsManager:      common.HexToAddress("0x1246D7c4c903fDd6147d581010BD194102aD4ee2"),
		AvailabilityManager: common.HexToAddress("0x0000000000000000000000000000000000000000"),
		DataEdge:            common.HexToAddress("0x0000000000000000000000000000000000000000"),
	},
	"arbitrum-sepolia": {
		RewardsManager:      common.HexToAddress("0x18C924BD5E8b83b47EFaDD632b7178E2Fd36073D"),
		AvailabilityManager: common.HexToAddress("0x0000000000000000000000000000000000000000"),
		DataEdge:            common.HexToAddress("0x0000000000000000000000000000000000000000"),
	},
}

// Lookup returns the known contract entry for network, or an error if the
// network isn't in the embedded table. Callers should prefer explicit
// flag-provided addresses over this table whenever one is set.
func Lookup(network string) (Entry, error) {
	e, ok := knownNetworks[network]
	if !ok {
		return Entry{}, fmt.Errorf("addressbook: unknown network %q, pass explicit contract addresses instead", network)
	}
	return e, nil
}

// Resolve picks explicit over table: if explicit is non-empty it wins
// unconditionally, otherwise the table entry for network is used. An
// empty result (the zero address) means "not configured", which the
// chain submitter's selection policy treats as absent.
func Resolve(explicit string, network string, pick func(Entry) common.Address) (common.Address, error) {
	if explicit != "" {
		if !common.IsHexAddress(explicit) {
			return common.Address{}, fmt.Errorf("addressbook: invalid contract address %q", explicit)
		}
		return common.HexToAddress(explicit), nil
	}
	if network == "" {
		return common.Address{}, nil
	}
	entry, err := Lookup(network)
	if err != nil {
		return common.Address{}, err
	}
	addr := pick(entry)
	if addr == (common.Address{}) {
		return common.Address{}, nil
	}
	return addr, nil
}
