// Package chain provides JSON-RPC access to the payment ledger node.
package chain

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/cryp2real/pixledger/internal/config"
	"github.com/cryp2real/pixledger/pkg/logger"
)

const (
	transferGas     = 21000
	registrationGas = 3000000
)

// zeroAddress is what the registry returns for an unknown reference.
const zeroAddress = "0x0000000000000000000000000000000000000000"

// Client talks JSON-RPC to a single ledger node. It is safe for concurrent
// use; submission ordering per source address is the caller's concern.
type Client struct {
	rpcURL          string
	registry        string
	httpClient      *http.Client
	log             *logger.Logger
	receiptTimeout  time.Duration
	receiptInterval time.Duration
	idSeq           atomic.Int64
}

// NewClient creates a ledger client from configuration.
func NewClient(cfg config.ChainConfig, log *logger.Logger) (*Client, error) {
	if cfg.RPCURL == "" {
		return nil, fmt.Errorf("RPC URL required")
	}
	if log == nil {
		log = logger.NewDefault("chain")
	}
	return &Client{
		rpcURL:          cfg.RPCURL,
		registry:        cfg.RegistryContract,
		httpClient:      &http.Client{Timeout: cfg.RequestTimeout},
		log:             log,
		receiptTimeout:  cfg.ReceiptTimeout,
		receiptInterval: cfg.ReceiptInterval,
	}, nil
}

// Call makes a raw JSON-RPC call to the ledger node.
func (c *Client) Call(ctx context.Context, method string, params []interface{}) (json.RawMessage, error) {
	if params == nil {
		params = []interface{}{}
	}
	req := RPCRequest{
		JSONRPC: "2.0",
		Method:  method,
		Params:  params,
		ID:      int(c.idSeq.Add(1)),
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", c.rpcURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("execute request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%s: unexpected status %d", method, resp.StatusCode)
	}

	var rpcResp RPCResponse
	if err := json.Unmarshal(respBody, &rpcResp); err != nil {
		return nil, fmt.Errorf("unmarshal response: %w", err)
	}

	if rpcResp.Error != nil {
		return nil, rpcResp.Error
	}

	return rpcResp.Result, nil
}

// BlockNumber returns the node's current block height. Doubles as the
// liveness probe for health checks.
func (c *Client) BlockNumber(ctx context.Context) (uint64, error) {
	result, err := c.Call(ctx, "eth_blockNumber", nil)
	if err != nil {
		return 0, err
	}
	var raw string
	if err := json.Unmarshal(result, &raw); err != nil {
		return 0, fmt.Errorf("decode block number: %w", err)
	}
	return hexToUint64(raw)
}

// BalanceOf returns the native balance of an address in the smallest unit.
func (c *Client) BalanceOf(ctx context.Context, addr string) (*big.Int, error) {
	result, err := c.Call(ctx, "eth_getBalance", []interface{}{addr, "latest"})
	if err != nil {
		return nil, err
	}
	var raw string
	if err := json.Unmarshal(result, &raw); err != nil {
		return nil, fmt.Errorf("decode balance: %w", err)
	}
	return hexToBig(raw)
}

// IsRegistered asks the registry contract whether an address already belongs
// to an onboarded client.
func (c *Client) IsRegistered(ctx context.Context, addr string) (bool, error) {
	data, err := isRegisteredData(addr)
	if err != nil {
		return false, err
	}
	raw, err := c.contractCall(ctx, data)
	if err != nil {
		return false, err
	}
	return decodeBoolResult(raw)
}

// AddressByRef resolves a payment reference to a ledger address through the
// registry contract. An empty string means the reference is unknown.
func (c *Client) AddressByRef(ctx context.Context, ref string) (string, error) {
	raw, err := c.contractCall(ctx, addressByRefData(ref))
	if err != nil {
		return "", err
	}
	addr, err := decodeAddressResult(raw)
	if err != nil {
		return "", err
	}
	if addr == zeroAddress {
		return "", nil
	}
	return addr, nil
}

func (c *Client) contractCall(ctx context.Context, data []byte) ([]byte, error) {
	if c.registry == "" {
		return nil, fmt.Errorf("registry contract address not configured")
	}
	result, err := c.Call(ctx, "eth_call", []interface{}{
		map[string]string{
			"to":   c.registry,
			"data": "0x" + hex.EncodeToString(data),
		},
		"latest",
	})
	if err != nil {
		return nil, err
	}
	var raw string
	if err := json.Unmarshal(result, &raw); err != nil {
		return nil, fmt.Errorf("decode call result: %w", err)
	}
	return decodeHexData(raw)
}

// RegistrationOperation builds the registry call that binds a client's name,
// payment reference and email to its ledger address.
func (c *Client) RegistrationOperation(from, name, ref, email string) Operation {
	return Operation{
		From: from,
		To:   c.registry,
		Data: registerClientData(name, ref, email),
		Gas:  registrationGas,
	}
}

// Submit sends an operation to the ledger, authorised by the source address
// credential, and returns the receipt identifier. A synchronous rejection is
// wrapped in ErrRejected; nothing was included and the caller may retry.
func (c *Client) Submit(ctx context.Context, op Operation, credential string) (string, error) {
	tx := map[string]string{
		"from": op.From,
	}
	if op.To != "" {
		tx["to"] = op.To
	}
	if op.Value != nil && op.Value.Sign() > 0 {
		tx["value"] = hexQuantity(op.Value)
	}
	if len(op.Data) > 0 {
		tx["data"] = "0x" + hex.EncodeToString(op.Data)
	}
	gas := op.Gas
	if gas == 0 {
		gas = transferGas
	}
	tx["gas"] = hexUint64(gas)

	result, err := c.Call(ctx, "personal_sendTransaction", []interface{}{tx, credential})
	if err != nil {
		var rpcErr *RPCError
		if errors.As(err, &rpcErr) {
			return "", fmt.Errorf("%w: %s", ErrRejected, rpcErr.Message)
		}
		return "", err
	}
	var receiptID string
	if err := json.Unmarshal(result, &receiptID); err != nil {
		return "", fmt.Errorf("decode receipt id: %w", err)
	}
	c.log.WithFields(map[string]interface{}{
		"from":       op.From,
		"to":         op.To,
		"receipt_id": receiptID,
	}).Debug("operation submitted")
	return receiptID, nil
}

// Receipt looks up a single receipt. The second return is false while the
// operation is still pending.
func (c *Client) Receipt(ctx context.Context, receiptID string) (Receipt, bool, error) {
	result, err := c.Call(ctx, "eth_getTransactionReceipt", []interface{}{receiptID})
	if err != nil {
		return Receipt{}, false, err
	}
	if len(result) == 0 || string(result) == "null" {
		return Receipt{}, false, nil
	}
	var raw rawReceipt
	if err := json.Unmarshal(result, &raw); err != nil {
		return Receipt{}, false, fmt.Errorf("decode receipt: %w", err)
	}
	rec, err := raw.toReceipt()
	if err != nil {
		return Receipt{}, false, err
	}
	return rec, true, nil
}

// AwaitReceipt polls for an operation's receipt until it appears or the
// configured window elapses, in which case ErrReceiptTimeout is returned and
// the outcome is unknown. It never resubmits.
func (c *Client) AwaitReceipt(ctx context.Context, receiptID string) (Receipt, error) {
	deadline := time.NewTimer(c.receiptTimeout)
	defer deadline.Stop()
	ticker := time.NewTicker(c.receiptInterval)
	defer ticker.Stop()

	for {
		rec, found, err := c.Receipt(ctx, receiptID)
		if err != nil {
			c.log.WithError(err).WithField("receipt_id", receiptID).Warn("receipt lookup failed")
		} else if found {
			return rec, nil
		}

		select {
		case <-ctx.Done():
			return Receipt{}, ctx.Err()
		case <-deadline.C:
			return Receipt{}, fmt.Errorf("%w: %s", ErrReceiptTimeout, receiptID)
		case <-ticker.C:
		}
	}
}
