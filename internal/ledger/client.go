// Package ledger is the network boundary to the remote ledger. The client
// performs exactly one attempt per call and classifies failures as
// transient or rejected; retry policy lives with the worker, not here.
package ledger

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ybbus/jsonrpc/v3"

	"medledger/internal/config"
	"medledger/internal/models"
)

// Well-known accounts the on-chain program expects on create-batch
// transactions.
var (
	SystemProgramID = mustPublicKey("11111111111111111111111111111111")
	RentSysvarID    = mustPublicKey("SysvarRent111111111111111111111111111111111")
)

func mustPublicKey(s string) models.PublicKey {
	pk, err := models.ParsePublicKey(s)
	if err != nil {
		panic(err)
	}
	return pk
}

// ErrAccountNotFound is returned by FetchAccount for addresses the ledger
// has no account for.
var ErrAccountNotFound = errors.New("account not found")

// SubmitError is a failed submission attempt. Transient failures (network,
// congestion, confirmation timeout) are worth retrying with back-off;
// rejections are the program refusing the operation and retrying them only
// delays surfacing the real problem.
type SubmitError struct {
	Transient bool
	Code      int
	Msg       string
}

func (e *SubmitError) Error() string {
	kind := "rejected"
	if e.Transient {
		kind = "transient"
	}
	if e.Code != 0 {
		return fmt.Sprintf("submit %s (code %d): %s", kind, e.Code, e.Msg)
	}
	return fmt.Sprintf("submit %s: %s", kind, e.Msg)
}

// IsTransient reports whether err is a retryable submission failure.
func IsTransient(err error) bool {
	var se *SubmitError
	return errors.As(err, &se) && se.Transient
}

// IsRejected reports whether err is a deterministic program rejection.
func IsRejected(err error) bool {
	var se *SubmitError
	return errors.As(err, &se) && !se.Transient
}

// AccountMeta references an account in a transaction, mirroring the account
// lists the on-chain program requires.
type AccountMeta struct {
	Pubkey     models.PublicKey `json:"pubkey"`
	IsSigner   bool             `json:"is_signer"`
	IsWritable bool             `json:"is_writable"`
}

type instruction struct {
	ProgramID models.PublicKey `json:"program_id"`
	Accounts  []AccountMeta    `json:"accounts"`
	Data      string           `json:"data"`
}

type txMessage struct {
	RecentBlockhash string           `json:"recent_blockhash"`
	FeePayer        models.PublicKey `json:"fee_payer"`
	Instructions    []instruction    `json:"instructions"`
}

type txSignature struct {
	Pubkey    models.PublicKey `json:"pubkey"`
	Signature string           `json:"signature"`
}

type signedTx struct {
	Message    json.RawMessage `json:"message"`
	Signatures []txSignature   `json:"signatures"`
}

// Health is a diagnostic snapshot of the RPC endpoint and signing wallet.
type Health struct {
	Reachable      bool   `json:"reachable"`
	ClusterVersion string `json:"cluster_version"`
	WalletBalance  uint64 `json:"wallet_balance"`
}

// Client talks JSON-RPC to the ledger endpoint. It owns no state beyond
// connection configuration and the injected signer.
type Client struct {
	rpc          jsonrpc.RPCClient
	programID    models.PublicKey
	signer       *Signer
	commitment   string
	confirmMax   time.Duration
	confirmEvery time.Duration
}

// New builds a client from config with the process signer injected.
func New(cfg config.Config, signer *Signer) (*Client, error) {
	programID, err := models.ParsePublicKey(cfg.LedgerProgramID)
	if err != nil {
		return nil, fmt.Errorf("parse program id: %w", err)
	}
	// Non-positive intervals would break the confirmation ticker.
	confirmMax := cfg.ConfirmTimeout
	if confirmMax <= 0 {
		confirmMax = 45 * time.Second
	}
	confirmEvery := cfg.ConfirmPollInterval
	if confirmEvery <= 0 {
		confirmEvery = 2 * time.Second
	}
	return &Client{
		rpc:          jsonrpc.NewClient(cfg.LedgerRPCURL),
		programID:    programID,
		signer:       signer,
		commitment:   cfg.Commitment,
		confirmMax:   confirmMax,
		confirmEvery: confirmEvery,
	}, nil
}

// ProgramID returns the on-chain program this client submits to.
func (c *Client) ProgramID() models.PublicKey {
	return c.programID
}

// Signer returns the injected process signer.
func (c *Client) Signer() *Signer {
	return c.signer
}

// PreparedTx is a fully signed transaction ready to send. Its Signature is
// known before submission, so callers can persist it ahead of the network
// call and later reconcile a transaction whose fate is unknown.
type PreparedTx struct {
	Signature string
	raw       []byte
}

// Prepare builds a transaction around the instruction bytes and signs it
// with every provided signer. The first signer pays fees and its signature
// identifies the transaction.
func (c *Client) Prepare(ctx context.Context, data []byte, signers []*Signer, accounts []AccountMeta) (*PreparedTx, error) {
	if len(signers) == 0 {
		return nil, &SubmitError{Msg: "at least one signer required"}
	}

	blockhash, err := c.latestBlockhash(ctx)
	if err != nil {
		return nil, err
	}

	msg := txMessage{
		RecentBlockhash: blockhash,
		FeePayer:        signers[0].PublicKey(),
		Instructions: []instruction{{
			ProgramID: c.programID,
			Accounts:  accounts,
			Data:      base64.StdEncoding.EncodeToString(data),
		}},
	}
	msgBytes, err := json.Marshal(msg)
	if err != nil {
		return nil, &SubmitError{Msg: fmt.Sprintf("marshal message: %v", err)}
	}

	tx := signedTx{Message: msgBytes}
	for _, s := range signers {
		tx.Signatures = append(tx.Signatures, txSignature{
			Pubkey:    s.PublicKey(),
			Signature: base64.StdEncoding.EncodeToString(s.Sign(msgBytes)),
		})
	}
	txBytes, err := json.Marshal(tx)
	if err != nil {
		return nil, &SubmitError{Msg: fmt.Sprintf("marshal transaction: %v", err)}
	}

	return &PreparedTx{
		Signature: tx.Signatures[0].Signature,
		raw:       txBytes,
	}, nil
}

// Send submits a prepared transaction and blocks until the network confirms
// inclusion at the configured commitment or the confirmation window elapses.
// The window elapsing is transient: the transaction may still land.
func (c *Client) Send(ctx context.Context, tx *PreparedTx) error {
	resp, err := c.rpc.Call(ctx, "sendTransaction",
		base64.StdEncoding.EncodeToString(tx.raw),
		map[string]string{"commitment": c.commitment},
	)
	if err != nil {
		return transportError("sendTransaction", err)
	}
	if resp.Error != nil {
		return rpcError(resp.Error)
	}
	var signature string
	if err := resp.GetObject(&signature); err != nil || signature == "" {
		return &SubmitError{Transient: true, Msg: fmt.Sprintf("sendTransaction returned no signature: %v", err)}
	}

	// Confirm against the locally computed signature, which is also what
	// callers persisted for crash reconciliation.
	return c.awaitConfirmation(ctx, tx.Signature)
}

// SubmitAndConfirm is Prepare followed by Send, for callers that do not
// need the signature ahead of submission.
func (c *Client) SubmitAndConfirm(ctx context.Context, data []byte, signers []*Signer, accounts []AccountMeta) (string, error) {
	tx, err := c.Prepare(ctx, data, signers, accounts)
	if err != nil {
		return "", err
	}
	if err := c.Send(ctx, tx); err != nil {
		return "", err
	}
	return tx.Signature, nil
}

// awaitConfirmation polls the signature status until the ledger reports
// inclusion at the configured commitment or the window runs out.
func (c *Client) awaitConfirmation(ctx context.Context, signature string) error {
	deadline := time.Now().Add(c.confirmMax)
	ticker := time.NewTicker(c.confirmEvery)
	defer ticker.Stop()

	for {
		confirmed, err := c.SignatureStatus(ctx, signature)
		if err != nil {
			return err
		}
		if confirmed {
			return nil
		}
		if time.Now().After(deadline) {
			return &SubmitError{Transient: true, Msg: fmt.Sprintf("confirmation of %s timed out after %s", signature, c.confirmMax)}
		}
		select {
		case <-ctx.Done():
			return &SubmitError{Transient: true, Msg: fmt.Sprintf("confirmation interrupted: %v", ctx.Err())}
		case <-ticker.C:
		}
	}
}

type signatureStatus struct {
	Confirmed bool    `json:"confirmed"`
	Err       *string `json:"err"`
}

// SignatureStatus asks whether a previously submitted transaction has been
// confirmed. A status carrying a program error means the transaction landed
// and was rejected by the program.
func (c *Client) SignatureStatus(ctx context.Context, signature string) (bool, error) {
	resp, err := c.rpc.Call(ctx, "getSignatureStatus", signature, map[string]string{"commitment": c.commitment})
	if err != nil {
		return false, transportError("getSignatureStatus", err)
	}
	if resp.Error != nil {
		return false, rpcError(resp.Error)
	}
	if resp.Result == nil {
		return false, nil // unknown signature: not confirmed yet
	}
	var st signatureStatus
	if err := resp.GetObject(&st); err != nil {
		return false, &SubmitError{Transient: true, Msg: fmt.Sprintf("decode signature status: %v", err)}
	}
	if st.Err != nil {
		return false, &SubmitError{Msg: fmt.Sprintf("transaction %s failed on-chain: %s", signature, *st.Err)}
	}
	return st.Confirmed, nil
}

type accountInfo struct {
	Data string `json:"data"`
}

// FetchAccount returns the raw account buffer stored at address.
func (c *Client) FetchAccount(ctx context.Context, address models.PublicKey) ([]byte, error) {
	resp, err := c.rpc.Call(ctx, "getAccountInfo", address.String(), map[string]string{"commitment": c.commitment})
	if err != nil {
		return nil, fmt.Errorf("getAccountInfo %s: %w", address, err)
	}
	if resp.Error != nil {
		return nil, fmt.Errorf("getAccountInfo %s: %s", address, resp.Error.Message)
	}
	if resp.Result == nil {
		return nil, fmt.Errorf("account %s: %w", address, ErrAccountNotFound)
	}
	var info accountInfo
	if err := resp.GetObject(&info); err != nil {
		return nil, fmt.Errorf("decode account info: %w", err)
	}
	raw, err := base64.StdEncoding.DecodeString(info.Data)
	if err != nil {
		return nil, fmt.Errorf("decode account data: %w", err)
	}
	return raw, nil
}

// GetHealth reports endpoint reachability, cluster version, and the signer
// wallet's balance. Diagnostic only; not used in the submit path.
func (c *Client) GetHealth(ctx context.Context) Health {
	var h Health

	resp, err := c.rpc.Call(ctx, "getVersion")
	if err != nil || resp.Error != nil {
		return h
	}
	var version struct {
		Version string `json:"version"`
	}
	if err := resp.GetObject(&version); err != nil {
		return h
	}
	h.Reachable = true
	h.ClusterVersion = version.Version

	if c.signer != nil {
		if resp, err := c.rpc.Call(ctx, "getBalance", c.signer.Address()); err == nil && resp.Error == nil {
			var balance uint64
			if err := resp.GetObject(&balance); err == nil {
				h.WalletBalance = balance
			}
		}
	}
	return h
}

func (c *Client) latestBlockhash(ctx context.Context) (string, error) {
	resp, err := c.rpc.Call(ctx, "getLatestBlockhash")
	if err != nil {
		return "", transportError("getLatestBlockhash", err)
	}
	if resp.Error != nil {
		return "", rpcError(resp.Error)
	}
	var result struct {
		Blockhash string `json:"blockhash"`
	}
	if err := resp.GetObject(&result); err != nil || result.Blockhash == "" {
		return "", &SubmitError{Transient: true, Msg: fmt.Sprintf("getLatestBlockhash returned no blockhash: %v", err)}
	}
	return result.Blockhash, nil
}

// transportError wraps a failure to reach the endpoint at all. HTTP-level
// failures (timeouts, 429s, 5xx) are infrastructure trouble, never a
// verdict on the operation, so they are all transient.
func transportError(method string, err error) *SubmitError {
	var httpErr *jsonrpc.HTTPError
	if errors.As(err, &httpErr) {
		return &SubmitError{Transient: true, Code: httpErr.Code, Msg: fmt.Sprintf("%s: http %d", method, httpErr.Code)}
	}
	return &SubmitError{Transient: true, Msg: fmt.Sprintf("%s: %v", method, err)}
}

// rpcError classifies a JSON-RPC error object. Server-side error codes
// (-32000..-32099 per the JSON-RPC spec) and internal errors are transient;
// everything else is the program or the RPC contract refusing the request.
func rpcError(rpcErr *jsonrpc.RPCError) *SubmitError {
	transient := (rpcErr.Code >= -32099 && rpcErr.Code <= -32000) || rpcErr.Code == -32603
	return &SubmitError{Transient: transient, Code: rpcErr.Code, Msg: rpcErr.Message}
}
