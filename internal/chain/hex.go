package chain

import (
	"encoding/hex"
	"fmt"
	"math/big"
	"strconv"
	"strings"
)

// hexQuantity formats a big integer as a 0x-prefixed quantity without leading
// zeroes, per the Ethereum JSON-RPC convention.
func hexQuantity(n *big.Int) string {
	if n == nil || n.Sign() == 0 {
		return "0x0"
	}
	return "0x" + n.Text(16)
}

func hexUint64(n uint64) string {
	return "0x" + strconv.FormatUint(n, 16)
}

func hexToUint64(s string) (uint64, error) {
	s = strings.TrimPrefix(s, "0x")
	if s == "" {
		return 0, fmt.Errorf("empty hex quantity")
	}
	return strconv.ParseUint(s, 16, 64)
}

func hexToBig(s string) (*big.Int, error) {
	s = strings.TrimPrefix(s, "0x")
	if s == "" {
		return nil, fmt.Errorf("empty hex quantity")
	}
	n, ok := new(big.Int).SetString(s, 16)
	if !ok {
		return nil, fmt.Errorf("malformed hex quantity %q", s)
	}
	return n, nil
}

// decodeHexData decodes 0x-prefixed hex call data or return data.
func decodeHexData(s string) ([]byte, error) {
	s = strings.TrimPrefix(s, "0x")
	if len(s)%2 != 0 {
		s = "0" + s
	}
	return hex.DecodeString(s)
}
