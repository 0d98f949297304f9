package chain

import (
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"

	"golang.org/x/crypto/sha3"
)

// ABI encoding for the registry contract. Only the handful of calls the
// service issues are encoded here; a full ABI layer would be overkill for
// three fixed signatures.

const wordSize = 32

// selector returns the 4-byte function selector for a canonical signature.
func selector(signature string) []byte {
	h := sha3.NewLegacyKeccak256()
	h.Write([]byte(signature))
	return h.Sum(nil)[:4]
}

func padLeft(b []byte) []byte {
	out := make([]byte, wordSize)
	copy(out[wordSize-len(b):], b)
	return out
}

func encodeUint(n *big.Int) []byte {
	return padLeft(n.Bytes())
}

func encodeAddress(addr string) ([]byte, error) {
	raw, err := hex.DecodeString(strings.TrimPrefix(strings.ToLower(addr), "0x"))
	if err != nil {
		return nil, fmt.Errorf("malformed address %q: %w", addr, err)
	}
	if len(raw) != 20 {
		return nil, fmt.Errorf("address %q is %d bytes, want 20", addr, len(raw))
	}
	return padLeft(raw), nil
}

// encodeStrings lays out dynamic string arguments: a head of offsets followed
// by a tail of length-prefixed, word-padded payloads.
func encodeStrings(args ...string) []byte {
	head := make([]byte, 0, len(args)*wordSize)
	tail := make([]byte, 0)
	base := int64(len(args) * wordSize)
	for _, s := range args {
		offset := base + int64(len(tail))
		head = append(head, encodeUint(big.NewInt(offset))...)
		tail = append(tail, encodeUint(big.NewInt(int64(len(s))))...)
		padded := (len(s) + wordSize - 1) / wordSize * wordSize
		buf := make([]byte, padded)
		copy(buf, s)
		tail = append(tail, buf...)
	}
	return append(head, tail...)
}

// registerClientData encodes registerClient(string,string,string) with the
// client's display name, payment reference and email.
func registerClientData(name, ref, email string) []byte {
	data := selector("registerClient(string,string,string)")
	return append(data, encodeStrings(name, ref, email)...)
}

// addressByRefData encodes addressByRef(string).
func addressByRefData(ref string) []byte {
	data := selector("addressByRef(string)")
	return append(data, encodeStrings(ref)...)
}

// isRegisteredData encodes isRegistered(address).
func isRegisteredData(addr string) ([]byte, error) {
	enc, err := encodeAddress(addr)
	if err != nil {
		return nil, err
	}
	return append(selector("isRegistered(address)"), enc...), nil
}

func decodeBoolResult(raw []byte) (bool, error) {
	if len(raw) < wordSize {
		return false, fmt.Errorf("bool return is %d bytes, want %d", len(raw), wordSize)
	}
	return raw[wordSize-1] == 1, nil
}

func decodeAddressResult(raw []byte) (string, error) {
	if len(raw) < wordSize {
		return "", fmt.Errorf("address return is %d bytes, want %d", len(raw), wordSize)
	}
	return "0x" + hex.EncodeToString(raw[wordSize-20:wordSize]), nil
}
