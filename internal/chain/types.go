package chain

import (
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
)

// RPCRequest is a JSON-RPC 2.0 request envelope.
type RPCRequest struct {
	JSONRPC string        `json:"jsonrpc"`
	Method  string        `json:"method"`
	Params  []interface{} `json:"params"`
	ID      int           `json:"id"`
}

// RPCResponse is a JSON-RPC 2.0 response envelope.
type RPCResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	Result  json.RawMessage `json:"result"`
	Error   *RPCError       `json:"error"`
	ID      int             `json:"id"`
}

// RPCError is a JSON-RPC error object.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// Operation is a requested ledger write. Value is denominated in the ledger's
// smallest native unit.
type Operation struct {
	From  string
	To    string
	Value *big.Int
	Data  []byte
	Gas   uint64
}

// Receipt is the ledger's confirmation that an operation was included.
// Succeeded is false for an included-but-reverted operation.
type Receipt struct {
	TxHash      string
	BlockNumber uint64
	GasUsed     uint64
	Succeeded   bool
}

var (
	// ErrRejected marks a synchronous pre-flight rejection by the ledger.
	// Nothing was included; the operation is safe to retry from scratch.
	ErrRejected = errors.New("ledger rejected operation")

	// ErrReceiptTimeout means the outcome is unknown: the operation may still
	// be included later. Callers must reconcile by receipt lookup, never by
	// resubmitting.
	ErrReceiptTimeout = errors.New("timed out waiting for ledger receipt")
)

// rawReceipt mirrors the eth_getTransactionReceipt wire format.
type rawReceipt struct {
	TransactionHash string `json:"transactionHash"`
	BlockNumber     string `json:"blockNumber"`
	GasUsed         string `json:"gasUsed"`
	Status          string `json:"status"`
}

func (r rawReceipt) toReceipt() (Receipt, error) {
	block, err := hexToUint64(r.BlockNumber)
	if err != nil {
		return Receipt{}, fmt.Errorf("parse block number: %w", err)
	}
	gas, err := hexToUint64(r.GasUsed)
	if err != nil {
		return Receipt{}, fmt.Errorf("parse gas used: %w", err)
	}
	return Receipt{
		TxHash:      r.TransactionHash,
		BlockNumber: block,
		GasUsed:     gas,
		Succeeded:   r.Status == "0x1",
	}, nil
}
