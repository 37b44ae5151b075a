package ledger

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/xssnick/tonutils-go/address"
	"github.com/xssnick/tonutils-go/liteclient"
	"github.com/xssnick/tonutils-go/tlb"
	"github.com/xssnick/tonutils-go/ton"
	"github.com/xssnick/tonutils-go/ton/wallet"

	"credex/internal/model"
)

const tokenDecimals = 9 // 1 token = 10^9 nano units

// ErrInvalidAddress marks a destination that can never be settled to. Callers
// treat it as a permanent failure; re-drives are refused.
var ErrInvalidAddress = errors.New("invalid destination address")

// Client wraps the TON settlement network: balance reads through the toncenter
// HTTP API and transfers through the treasury wallet. Both calls can take
// seconds; callers pass a context with an explicit deadline and treat a
// deadline hit as an error, never as success.
type Client struct {
	apiKey       string
	baseURL      string
	configURL    string
	seedPhrase   string
	walletType   wallet.Version
	treasuryAddr string
	http         *http.Client
}

func NewClient(cfg model.TONConfig) *Client {
	baseURL := "https://toncenter.com/api/v2"
	configURL := "https://ton.org/global.config.json"
	if cfg.Network == "testnet" {
		baseURL = "https://testnet.toncenter.com/api/v2"
		configURL = "https://ton-blockchain.github.io/testnet-global.config.json"
	}

	version := wallet.V4R2
	switch cfg.WalletVersion {
	case "V3R1":
		version = wallet.V3R1
	case "V3R2":
		version = wallet.V3R2
	case "V4R1":
		version = wallet.V4R1
	case "V4R2":
		version = wallet.V4R2
	case "HighloadV2R2":
		version = wallet.HighloadV2R2
	}

	return &Client{
		apiKey:       cfg.APIKey,
		baseURL:      baseURL,
		configURL:    configURL,
		seedPhrase:   cfg.Mnemonic,
		walletType:   version,
		treasuryAddr: cfg.TreasuryAddress,
		http:         &http.Client{Timeout: 30 * time.Second},
	}
}

// TreasuryAddress returns the pool address withdrawals are funded from and
// deposits are sent to.
func (c *Client) TreasuryAddress() string {
	return c.treasuryAddr
}

// ValidateAddress rejects destinations that can never receive a transfer,
// before any durable write happens.
func (c *Client) ValidateAddress(addr string) error {
	if _, err := address.ParseAddr(addr); err != nil {
		return fmt.Errorf("%w: %s", ErrInvalidAddress, addr)
	}
	return nil
}

type message struct {
	Value       string `json:"value"`
	Message     string `json:"message"`
	Source      string `json:"source"`
	Destination string `json:"destination"`
}

type txID struct {
	Hash string `json:"hash"`
}

type transaction struct {
	Utime         int64     `json:"utime"`
	TransactionID txID      `json:"transaction_id"`
	InMsg         message   `json:"in_msg"`
	OutMsgs       []message `json:"out_msgs"`
}

type transactionsResponse struct {
	OK     bool          `json:"ok"`
	Result []transaction `json:"result"`
}

type balanceResponse struct {
	OK     bool   `json:"ok"`
	Result string `json:"result"`
}

// BalanceOf reads the current token balance of addr.
func (c *Client) BalanceOf(ctx context.Context, addr string) (decimal.Decimal, error) {
	params := url.Values{"address": {addr}}
	var resp balanceResponse
	if err := c.get(ctx, "getAddressBalance", params, &resp); err != nil {
		return decimal.Zero, err
	}
	if !resp.OK {
		return decimal.Zero, fmt.Errorf("balance query for %s was rejected", addr)
	}

	nano, ok := new(big.Int).SetString(resp.Result, 10)
	if !ok {
		return decimal.Zero, fmt.Errorf("unparseable balance %q for %s", resp.Result, addr)
	}
	return decimal.NewFromBigInt(nano, -tokenDecimals), nil
}

// Transfer moves amount tokens from the treasury wallet to the destination
// address and returns the transaction hash once the network accepts it.
func (c *Client) Transfer(ctx context.Context, to string, amount decimal.Decimal) (string, error) {
	dest, err := address.ParseAddr(to)
	if err != nil {
		return "", fmt.Errorf("%w: %s", ErrInvalidAddress, to)
	}

	w, err := c.treasuryWallet(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to open treasury wallet: %w", err)
	}

	coins := tlb.MustFromNano(toNano(amount), tokenDecimals)
	msg, err := w.BuildTransfer(dest, coins, false, "")
	if err != nil {
		return "", fmt.Errorf("failed to build transfer: %w", err)
	}

	tx, err := w.SendManyWaitTxHash(ctx, []*wallet.Message{msg})
	if err != nil {
		return "", fmt.Errorf("failed to send transfer: %w", err)
	}
	return hex.EncodeToString(tx), nil
}

// VerifyIncoming checks that the treasury actually received the transfer a
// deposit confirmation claims: the transaction hash must appear on a recent
// incoming message carrying at least the claimed amount.
func (c *Client) VerifyIncoming(ctx context.Context, txReference string, amount decimal.Decimal) (bool, error) {
	txs, err := c.recentTransactions(ctx)
	if err != nil {
		return false, err
	}

	want := toNano(amount)
	for _, tx := range txs {
		if !strings.EqualFold(tx.TransactionID.Hash, txReference) {
			continue
		}
		got, ok := new(big.Int).SetString(tx.InMsg.Value, 10)
		if !ok {
			continue
		}
		return got.Cmp(want) >= 0, nil
	}
	return false, nil
}

// FindOutgoing looks for a recent treasury transfer of amount to the given
// destination. Used by reconciliation to decide whether a call whose response
// was lost actually landed.
func (c *Client) FindOutgoing(ctx context.Context, to string, amount decimal.Decimal, since time.Time) (string, bool, error) {
	txs, err := c.recentTransactions(ctx)
	if err != nil {
		return "", false, err
	}

	want := toNano(amount)
	for _, tx := range txs {
		if tx.Utime < since.Unix() {
			continue
		}
		for _, out := range tx.OutMsgs {
			if out.Destination != to {
				continue
			}
			got, ok := new(big.Int).SetString(out.Value, 10)
			if !ok {
				continue
			}
			if got.Cmp(want) == 0 {
				return tx.TransactionID.Hash, true, nil
			}
		}
	}
	return "", false, nil
}

func (c *Client) recentTransactions(ctx context.Context) ([]transaction, error) {
	params := url.Values{
		"address":  {c.treasuryAddr},
		"limit":    {"50"},
		"archival": {"true"},
	}
	var resp transactionsResponse
	if err := c.get(ctx, "getTransactions", params, &resp); err != nil {
		return nil, err
	}
	if !resp.OK {
		return nil, fmt.Errorf("transaction query for %s was rejected", c.treasuryAddr)
	}
	return resp.Result, nil
}

func (c *Client) get(ctx context.Context, endpoint string, params url.Values, out interface{}) error {
	reqURL := fmt.Sprintf("%s/%s?%s", c.baseURL, endpoint, params.Encode())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("X-API-Key", c.apiKey)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("failed to reach settlement network: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}
	return nil
}

func (c *Client) treasuryWallet(ctx context.Context) (*wallet.Wallet, error) {
	pool := liteclient.NewConnectionPool()
	if err := pool.AddConnectionsFromConfigUrl(ctx, c.configURL); err != nil {
		return nil, fmt.Errorf("failed to connect to TON: %w", err)
	}
	api := ton.NewAPIClient(pool)

	words := strings.Split(c.seedPhrase, " ")
	w, err := wallet.FromSeed(api, words, c.walletType)
	if err != nil {
		return nil, fmt.Errorf("failed to create wallet from seed: %w", err)
	}
	return w, nil
}

func toNano(amount decimal.Decimal) *big.Int {
	return amount.Shift(tokenDecimals).BigInt()
}
