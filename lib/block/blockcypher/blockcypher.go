// Package blockcypher implements block.Info for the BlockCypher REST API.
package blockcypher

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/tarancss/blocksub/lib/errs"
)

// UnexpectedMessage is returned to clients for failures without a structured upstream error.
const UnexpectedMessage = "An unexpected error occurred."

// maxBody limits the size of upstream responses read into memory.
const maxBody = 10 << 20

// Client implements a connection to the BlockCypher API of one chain, ie. https://api.blockcypher.com/v1/btc/main.
type Client struct {
	base  string
	token string
	hc    *http.Client
}

// New returns a client for the API at base. token is appended to requests when not empty.
func New(base, token string, timeout time.Duration) *Client {
	return &Client{
		base:  strings.TrimRight(base, "/"),
		token: token,
		hc:    &http.Client{Timeout: timeout},
	}
}

// AddressInfo returns the balance endpoint response for address.
func (c *Client) AddressInfo(ctx context.Context, address string) (json.RawMessage, error) {
	return c.get(ctx, "/addrs/"+url.PathEscape(address)+"/balance")
}

// TransactionInfo returns the transaction endpoint response for hash.
func (c *Client) TransactionInfo(ctx context.Context, hash string) (json.RawMessage, error) {
	return c.get(ctx, "/txs/"+url.PathEscape(hash))
}

func (c *Client) get(ctx context.Context, path string) (json.RawMessage, error) {
	u := c.base + path
	if c.token != "" {
		u += "?token=" + url.QueryEscape(c.token)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, errs.NewInternal(UnexpectedMessage, err)
	}

	req.Header.Set("Accept", "application/json")

	resp, err := c.hc.Do(req)
	if err != nil {
		return nil, errs.NewInternal(UnexpectedMessage, fmt.Errorf("GET %s: %w", c.base+path, err))
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return nil, errs.NewInternal(UnexpectedMessage, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, upstreamError(resp.StatusCode, body)
	}

	if !json.Valid(body) {
		return nil, errs.NewInternal(UnexpectedMessage, fmt.Errorf("GET %s: invalid JSON response", c.base+path))
	}

	return json.RawMessage(body), nil
}

// upstreamError classifies an error response: a JSON body with an "error" string is an Upstream error.
func upstreamError(status int, body []byte) error {
	cause := fmt.Errorf("blockcypher responded %d", status)

	var e struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(body, &e); err == nil && e.Error != "" {
		return errs.NewUpstream(e.Error, cause)
	}

	log.WithField("status", status).Warn("Blockcypher error response without message")

	return errs.NewInternal(UnexpectedMessage, cause)
}
