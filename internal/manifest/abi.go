package manifest

import (
	"bytes"
	"fmt"

	ethabi "github.com/ethereum/go-ethereum/accounts/abi"
)

// ParseABI loads raw bytes as an Ethereum contract ABI.
func ParseABI(raw []byte) (ethabi.ABI, error) {
	parsed, err := ethabi.JSON(bytes.NewReader(raw))
	if err != nil {
		return ethabi.ABI{}, fmt.Errorf("parse abi: %w", err)
	}
	return parsed, nil
}
