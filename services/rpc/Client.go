package rpc

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/zion-terranova/ziond/errors"
	"github.com/zion-terranova/ziond/model"
	"github.com/zion-terranova/ziond/services/blockchain"
	"github.com/zion-terranova/ziond/ulogger"
)

// circuitBreaker fails calls fast after repeated transport failures instead
// of hammering a node that is down. Five failures open the breaker for
// 60 seconds; the first call after that is the half-open probe and a
// success closes it again. Application-level RPC errors do not trip it.
type circuitBreaker struct {
	mu          sync.Mutex
	failures    int
	lastFailure time.Time
	open        bool

	maxFailures  int
	resetTimeout time.Duration
}

func newCircuitBreaker() *circuitBreaker {
	return &circuitBreaker{
		maxFailures:  5,
		resetTimeout: 60 * time.Second,
	}
}

func (cb *circuitBreaker) check() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if !cb.open {
		return nil
	}
	if time.Since(cb.lastFailure) > cb.resetTimeout {
		// Half-open: allow one probe through. One more failure reopens the
		// breaker; a success resets the count.
		cb.open = false
		cb.failures = cb.maxFailures - 1
		return nil
	}
	return errors.NewServiceError("rpc circuit breaker is open")
}

func (cb *circuitBreaker) recordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failures++
	cb.lastFailure = time.Now()
	cb.open = cb.failures >= cb.maxFailures
}

func (cb *circuitBreaker) recordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.failures = 0
	cb.open = false
}

// Client is the JSON-RPC client the pool uses to talk to the node.
type Client struct {
	logger  ulogger.Logger
	url     string
	token   string
	http    *http.Client
	breaker *circuitBreaker

	idMu   sync.Mutex
	nextID uint64
}

func NewClient(logger ulogger.Logger, url, token string) *Client {
	return &Client{
		logger:  logger,
		url:     url,
		token:   token,
		http:    &http.Client{Timeout: 30 * time.Second},
		breaker: newCircuitBreaker(),
	}
}

// Call performs one JSON-RPC round trip. Transport and HTTP failures count
// against the circuit breaker; JSON-RPC errors are returned as-is.
func (c *Client) Call(method string, params interface{}) (json.RawMessage, error) {
	if err := c.breaker.check(); err != nil {
		return nil, err
	}

	c.idMu.Lock()
	c.nextID++
	id := c.nextID
	c.idMu.Unlock()

	payload, err := json.Marshal(map[string]interface{}{
		"jsonrpc": "2.0",
		"id":      id,
		"method":  method,
		"params":  params,
	})
	if err != nil {
		return nil, errors.NewInvalidArgumentError("encoding rpc request: %v", err)
	}

	req, err := http.NewRequest(http.MethodPost, c.url, bytes.NewReader(payload))
	if err != nil {
		return nil, errors.NewInvalidArgumentError("building rpc request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		c.breaker.recordFailure()
		return nil, errors.NewServiceError("rpc connection failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		c.breaker.recordFailure()
		return nil, errors.NewServiceError("rpc http status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		c.breaker.recordFailure()
		return nil, errors.NewServiceError("reading rpc response: %v", err)
	}

	var rpcResp struct {
		Result json.RawMessage `json:"result"`
		Error  *Error          `json:"error"`
	}
	if err := json.Unmarshal(body, &rpcResp); err != nil {
		c.breaker.recordFailure()
		return nil, errors.NewServiceError("decoding rpc response: %v", err)
	}

	c.breaker.recordSuccess()

	if rpcResp.Error != nil {
		return nil, errors.NewInvalidArgumentError("rpc error %d: %s", rpcResp.Error.Code, rpcResp.Error.Message)
	}
	return rpcResp.Result, nil
}

func (c *Client) GetInfo() (map[string]interface{}, error) {
	raw, err := c.Call("getInfo", map[string]interface{}{})
	if err != nil {
		return nil, err
	}
	var info map[string]interface{}
	if err := json.Unmarshal(raw, &info); err != nil {
		return nil, errors.NewServiceError("decoding getInfo: %v", err)
	}
	return info, nil
}

func (c *Client) GetHeight() (uint64, error) {
	info, err := c.GetInfo()
	if err != nil {
		return 0, err
	}
	height, ok := info["height"].(float64)
	if !ok {
		return 0, errors.NewServiceError("getInfo did not return height")
	}
	return uint64(height), nil
}

func (c *Client) GetBlockTemplate(walletAddress string) (*blockchain.BlockTemplate, error) {
	raw, err := c.Call("getBlockTemplate", map[string]string{"wallet_address": walletAddress})
	if err != nil {
		return nil, err
	}
	var tpl blockchain.BlockTemplate
	if err := json.Unmarshal(raw, &tpl); err != nil {
		return nil, errors.NewServiceError("decoding template: %v", err)
	}
	return &tpl, nil
}

// SubmitBlockResult is the submitBlock response shape.
type SubmitBlockResult struct {
	Accepted bool   `json:"accepted"`
	Height   uint64 `json:"height"`
	Hash     string `json:"hash"`
	Message  string `json:"message"`
}

func (c *Client) SubmitBlock(blobHex string, nonce uint64, walletAddress string) (*SubmitBlockResult, error) {
	raw, err := c.Call("submitBlock", []interface{}{blobHex, nonce, walletAddress})
	if err != nil {
		return nil, err
	}
	var result SubmitBlockResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, errors.NewServiceError("decoding submitBlock: %v", err)
	}
	return &result, nil
}

// SubmitTransaction submits a fully signed transaction.
func (c *Client) SubmitTransaction(tx *model.Transaction) (string, error) {
	raw, err := c.Call("submitTransaction", []interface{}{tx})
	if err != nil {
		return "", err
	}
	var result struct {
		Status  string `json:"status"`
		Message string `json:"message"`
		TxID    string `json:"tx_id"`
	}
	if err := json.Unmarshal(raw, &result); err != nil {
		return "", errors.NewServiceError("decoding submitTransaction: %v", err)
	}
	if result.Status != "OK" {
		return "", errors.NewTxInvalidError("node rejected transaction: %s", result.Message)
	}
	return result.TxID, nil
}

// GetTransaction returns the raw result; callers check block_height to
// decide confirmation.
func (c *Client) GetTransaction(txID string) (map[string]interface{}, error) {
	raw, err := c.Call("getTransaction", []string{txID})
	if err != nil {
		return nil, err
	}
	var result map[string]interface{}
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, errors.NewServiceError("decoding getTransaction: %v", err)
	}
	return result, nil
}

func (c *Client) GetBalance(address string) (uint64, error) {
	raw, err := c.Call("getBalance", map[string]string{"address": address})
	if err != nil {
		return 0, err
	}
	var result struct {
		BalanceAtomic uint64 `json:"balance_atomic"`
	}
	if err := json.Unmarshal(raw, &result); err != nil {
		return 0, errors.NewServiceError("decoding getBalance: %v", err)
	}
	return result.BalanceAtomic, nil
}

// UTXO is one row of a getUtxos page.
type UTXO struct {
	Key          string `json:"key"`
	AmountAtomic uint64 `json:"amount_atomic"`
	Address      string `json:"address"`
}

func (c *Client) GetUtxos(address string, limit, offset int) ([]UTXO, error) {
	raw, err := c.Call("getUtxos", map[string]interface{}{
		"address": address,
		"limit":   limit,
		"offset":  offset,
	})
	if err != nil {
		return nil, err
	}
	var result struct {
		Utxos []UTXO `json:"utxos"`
	}
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, errors.NewServiceError("decoding getUtxos: %v", err)
	}
	return result.Utxos, nil
}

// GetBlockHashAtHeight is used by the maturity tracker to detect orphaning.
func (c *Client) GetBlockHashAtHeight(height uint64) (string, error) {
	raw, err := c.Call("getBlockByHeight", []uint64{height})
	if err != nil {
		return "", err
	}
	var result struct {
		Hash string `json:"hash"`
	}
	if err := json.Unmarshal(raw, &result); err != nil {
		return "", errors.NewServiceError("decoding getBlockByHeight: %v", err)
	}
	return result.Hash, nil
}
