package address

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
)

// Validates the address and returns its checksummed EVM form.
// Checksumming normalizes addresses before storage so lookups by address
// never miss on case.
func Checksummed(addressStr string) (string, error) {
	if !common.IsHexAddress(addressStr) {
		return "", fmt.Errorf("invalid address: %s", addressStr)
	}
	address := common.HexToAddress(addressStr)
	return address.Hex(), nil
}
