// Package monitor implements the blockchain monitor: the block-scan and
// mempool-scan driver loops that match on-chain Zcash transactions to open
// PaymentIntents, track confirmations, and handle chain reorganizations.
package monitor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/CedrosPay/server/internal/circuitbreaker"
	"github.com/CedrosPay/server/internal/httputil"
)

// RPCClient is a minimal JSON-RPC 1.0 client for a zcashd-compatible node,
// exposing only the calls the monitor needs.
type RPCClient struct {
	url        string
	user       string
	password   string
	httpClient *http.Client
	breaker    *circuitbreaker.Manager
}

// NewRPCClient constructs an RPCClient against a single zcashd endpoint.
// breaker may be nil, in which case calls are made without circuit
// breaker protection.
func NewRPCClient(url, user, password string, timeout time.Duration, breaker *circuitbreaker.Manager) *RPCClient {
	return &RPCClient{
		url:        url,
		user:       user,
		password:   password,
		httpClient: httputil.NewClient(timeout),
		breaker:    breaker,
	}
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      string `json:"id"`
	Method  string `json:"method"`
	Params  []any  `json:"params"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *rpcError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error"`
	ID     string          `json:"id"`
}

// call executes a single JSON-RPC method, optionally through the circuit
// breaker, and unmarshals the result into out.
func (c *RPCClient) call(ctx context.Context, method string, params []any, out any) error {
	do := func() (any, error) {
		body, err := json.Marshal(rpcRequest{JSONRPC: "1.0", ID: "zcash402-monitor", Method: method, Params: params})
		if err != nil {
			return nil, fmt.Errorf("marshal request: %w", err)
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
		if err != nil {
			return nil, fmt.Errorf("build request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		if c.user != "" {
			req.SetBasicAuth(c.user, c.password)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", method, err)
		}
		defer resp.Body.Close()

		var rpcResp rpcResponse
		if err := json.NewDecoder(resp.Body).Decode(&rpcResp); err != nil {
			return nil, fmt.Errorf("%s: decode response: %w", method, err)
		}
		if rpcResp.Error != nil {
			return nil, fmt.Errorf("%s: %w", method, rpcResp.Error)
		}
		return rpcResp.Result, nil
	}

	var raw any
	var err error
	if c.breaker != nil {
		raw, err = c.breaker.Execute(circuitbreaker.ServiceZcashRPC, do)
	} else {
		raw, err = do()
	}
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}

	result, ok := raw.(json.RawMessage)
	if !ok {
		return fmt.Errorf("%s: unexpected result type %T", method, raw)
	}
	if err := json.Unmarshal(result, out); err != nil {
		return fmt.Errorf("%s: unmarshal result: %w", method, err)
	}
	return nil
}

// GetBlockCount returns the current best chain height.
func (c *RPCClient) GetBlockCount(ctx context.Context) (int64, error) {
	var height int64
	err := c.call(ctx, "getblockcount", nil, &height)
	return height, err
}

// GetBlockHash returns the hash of the block at the given height.
func (c *RPCClient) GetBlockHash(ctx context.Context, height int64) (string, error) {
	var hash string
	err := c.call(ctx, "getblockhash", []any{height}, &hash)
	return hash, err
}

// RawTransactionOutput is one element of a getrawtransaction verbose
// vout entry, flattened to the fields the matcher needs.
type RawTransactionOutput struct {
	ValueZatoshis int64
	Address       string
}

// RawTransaction is the subset of getrawtransaction's verbose response the
// monitor consumes.
type RawTransaction struct {
	Txid          string
	Confirmations int
	BlockHeight   *int64
	Vout          []RawTransactionOutput
	Vin           []struct {
		Address string
	}
}

type rawTxVoutJSON struct {
	Value        float64 `json:"value"`
	ValueZat     int64   `json:"valueZat"`
	ScriptPubKey struct {
		Addresses []string `json:"addresses"`
		Address   string   `json:"address"`
	} `json:"scriptPubKey"`
}

type rawTxVinJSON struct {
	Address string `json:"address"`
}

type rawTxJSON struct {
	Txid          string          `json:"txid"`
	Confirmations int             `json:"confirmations"`
	Height        *int64          `json:"height"`
	Vout          []rawTxVoutJSON `json:"vout"`
	Vin           []rawTxVinJSON  `json:"vin"`
}

// GetRawTransaction fetches a verbose transaction record. Zcash's
// getrawtransaction does not directly report block height; nodes that
// support verbosity 2 populate "height" in the response, which this client
// reads through rawTxJSON.Height.
func (c *RPCClient) GetRawTransaction(ctx context.Context, txid string) (RawTransaction, error) {
	var raw rawTxJSON
	if err := c.call(ctx, "getrawtransaction", []any{txid, 1}, &raw); err != nil {
		return RawTransaction{}, err
	}

	tx := RawTransaction{
		Txid:          raw.Txid,
		Confirmations: raw.Confirmations,
		BlockHeight:   raw.Height,
	}
	for _, v := range raw.Vout {
		addr := v.ScriptPubKey.Address
		if addr == "" && len(v.ScriptPubKey.Addresses) > 0 {
			addr = v.ScriptPubKey.Addresses[0]
		}
		valueZat := v.ValueZat
		if valueZat == 0 && v.Value != 0 {
			valueZat = int64(v.Value*1e8 + 0.5)
		}
		tx.Vout = append(tx.Vout, RawTransactionOutput{ValueZatoshis: valueZat, Address: addr})
	}
	for _, v := range raw.Vin {
		tx.Vin = append(tx.Vin, struct{ Address string }{Address: v.Address})
	}
	return tx, nil
}

// GetRawMempool returns the txids currently sitting in the node's mempool.
func (c *RPCClient) GetRawMempool(ctx context.Context) ([]string, error) {
	var txids []string
	err := c.call(ctx, "getrawmempool", nil, &txids)
	return txids, err
}

// ValidateAddress reports whether addr is a node-recognized address on the
// configured network. The monitor's own matching and binding do not call
// it; address validity is checked by pkg/zcash402's offline validators.
func (c *RPCClient) ValidateAddress(ctx context.Context, addr string) (bool, error) {
	var result struct {
		IsValid bool `json:"isvalid"`
	}
	if err := c.call(ctx, "validateaddress", []any{addr}, &result); err != nil {
		return false, err
	}
	return result.IsValid, nil
}
