package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// WalletClient provides access to the wallet RPC API for address
// derivation and message signing.
type WalletClient struct {
	endpoint string
	username string
	password string
	client   *http.Client
}

// NewWalletClient creates a new wallet RPC client.
func NewWalletClient(endpoint, username, password string, timeout time.Duration) *WalletClient {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &WalletClient{
		endpoint: endpoint,
		username: username,
		password: password,
		client: &http.Client{
			Timeout: timeout,
		},
	}
}

// WalletAddress is one derivable address managed by the wallet.
type WalletAddress struct {
	Index      int    `json:"index"`
	Address    string `json:"address"`
	PublicKey  string `json:"public_key"`
	Registered bool   `json:"registered"`
}

// WalletRPCRequest represents a JSON-RPC request.
type WalletRPCRequest struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      int         `json:"id"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params,omitempty"`
}

// WalletRPCResponse represents a JSON-RPC response.
type WalletRPCResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      int             `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *WalletRPCError `json:"error,omitempty"`
}

// WalletRPCError represents a JSON-RPC error.
type WalletRPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *WalletRPCError) Error() string {
	return fmt.Sprintf("wallet RPC error %d: %s", e.Code, e.Message)
}

// call makes a JSON-RPC call to the wallet.
func (w *WalletClient) call(ctx context.Context, method string, params interface{}) (json.RawMessage, error) {
	req := WalletRPCRequest{
		JSONRPC: "2.0",
		ID:      1,
		Method:  method,
		Params:  params,
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", w.endpoint+"/json_rpc", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")

	// Add basic auth if credentials are provided
	if w.username != "" || w.password != "" {
		httpReq.SetBasicAuth(w.username, w.password)
	}

	resp, err := w.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("wallet RPC error: status %d, body: %s", resp.StatusCode, string(respBody))
	}

	var rpcResp WalletRPCResponse
	if err := json.Unmarshal(respBody, &rpcResp); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}

	if rpcResp.Error != nil {
		return nil, rpcResp.Error
	}

	return rpcResp.Result, nil
}

// LoadWallet unlocks the wallet and returns its derived addresses.
func (w *WalletClient) LoadWallet(ctx context.Context, password string) ([]WalletAddress, error) {
	params := map[string]string{"password": password}
	result, err := w.call(ctx, "load_wallet", params)
	if err != nil {
		return nil, err
	}

	var addresses []WalletAddress
	if err := json.Unmarshal(result, &addresses); err != nil {
		return nil, fmt.Errorf("failed to parse addresses: %w", err)
	}

	return addresses, nil
}

// ExpandAddresses asks the wallet to derive additional addresses.
func (w *WalletClient) ExpandAddresses(ctx context.Context, password string, count int) error {
	params := map[string]interface{}{
		"password": password,
		"count":    count,
	}
	_, err := w.call(ctx, "expand_addresses", params)
	return err
}

// SignMessage signs a message with the key at the given address index.
func (w *WalletClient) SignMessage(ctx context.Context, addressIndex int, message string) (string, error) {
	params := map[string]interface{}{
		"index":   addressIndex,
		"message": message,
	}
	result, err := w.call(ctx, "sign_message", params)
	if err != nil {
		return "", err
	}

	var signature string
	if err := json.Unmarshal(result, &signature); err != nil {
		return "", fmt.Errorf("failed to parse signature: %w", err)
	}

	return signature, nil
}

// MarkRegistered persists the registered flag for an address index.
func (w *WalletClient) MarkRegistered(ctx context.Context, addressIndex int) error {
	params := map[string]int{"index": addressIndex}
	_, err := w.call(ctx, "mark_registered", params)
	return err
}

// Ping checks if the wallet RPC is reachable.
func (w *WalletClient) Ping(ctx context.Context) error {
	_, err := w.call(ctx, "get_version", nil)
	return err
}
