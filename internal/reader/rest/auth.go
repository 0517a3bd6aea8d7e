package rest

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"priceflow/internal/models"
	"priceflow/internal/symbols"
)

// The private endpoints are consumed by external collaborators (the trading
// subsystem, reporting jobs), not by the ingestion path. They share this
// client for its rate limiting and pooling.

// FetchBalance returns the account's asset balances keyed by canonical
// symbol.
func (c *Client) FetchBalance(ctx context.Context) ([]models.Balance, error) {
	body, err := c.doPrivate(ctx, "/0/private/Balance", url.Values{})
	if err != nil {
		return nil, fmt.Errorf("fetch balance: %w", err)
	}

	var result map[string]json.Number
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, fmt.Errorf("decode balance: %w", err)
	}

	balances := make([]models.Balance, 0, len(result))
	for asset, amount := range result {
		balances = append(balances, models.Balance{
			Asset:  symbols.CanonicalAsset(asset),
			Amount: numToFloat(amount),
		})
	}
	return balances, nil
}

type tradeResult struct {
	Pair  string      `json:"pair"`
	Type  string      `json:"type"`
	Price json.Number `json:"price"`
	Vol   json.Number `json:"vol"`
	Cost  json.Number `json:"cost"`
	Fee   json.Number `json:"fee"`
	Time  float64     `json:"time"`
}

// FetchTradeHistory returns the account's recent fills.
func (c *Client) FetchTradeHistory(ctx context.Context) ([]models.Trade, error) {
	body, err := c.doPrivate(ctx, "/0/private/TradesHistory", url.Values{})
	if err != nil {
		return nil, fmt.Errorf("fetch trade history: %w", err)
	}

	var result struct {
		Trades map[string]tradeResult `json:"trades"`
	}
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, fmt.Errorf("decode trade history: %w", err)
	}

	trades := make([]models.Trade, 0, len(result.Trades))
	for id, tr := range result.Trades {
		sec := int64(tr.Time)
		nsec := int64((tr.Time - float64(sec)) * 1e9)
		trades = append(trades, models.Trade{
			ID:        id,
			Pair:      tr.Pair,
			Side:      tr.Type,
			Price:     numToFloat(tr.Price),
			Volume:    numToFloat(tr.Vol),
			Cost:      numToFloat(tr.Cost),
			Fee:       numToFloat(tr.Fee),
			Timestamp: time.Unix(sec, nsec).UTC(),
		})
	}
	return trades, nil
}

// doPrivate performs one signed POST against a private endpoint under the
// private rate budget.
func (c *Client) doPrivate(ctx context.Context, path string, params url.Values) ([]byte, error) {
	if c.config.Source.APIKey == "" || c.config.Source.APISecret == "" {
		return nil, fmt.Errorf("api credentials not configured")
	}
	if err := c.private.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limiter: %w", err)
	}

	nonce := strconv.FormatInt(time.Now().UnixNano()/int64(time.Millisecond), 10)
	params.Set("nonce", nonce)
	postData := params.Encode()

	signature, err := signRequest(path, nonce, postData, c.config.Source.APISecret)
	if err != nil {
		return nil, fmt.Errorf("sign request: %w", err)
	}

	headers := map[string]string{
		"API-Key":  c.config.Source.APIKey,
		"API-Sign": signature,
	}

	body, _, err := c.doOnce(ctx, "POST", c.config.Source.RESTURL+path, headers, strings.NewReader(postData))
	return body, err
}

// signRequest computes HMAC-SHA512(path + SHA256(nonce + postData)) with the
// base64-decoded secret, returned base64-encoded.
func signRequest(path, nonce, postData, secret string) (string, error) {
	key, err := base64.StdEncoding.DecodeString(secret)
	if err != nil {
		return "", fmt.Errorf("decode secret: %w", err)
	}

	inner := sha256.Sum256([]byte(nonce + postData))
	mac := hmac.New(sha512.New, key)
	mac.Write([]byte(path))
	mac.Write(inner[:])
	return base64.StdEncoding.EncodeToString(mac.Sum(nil)), nil
}
