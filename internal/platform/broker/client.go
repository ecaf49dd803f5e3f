// Package broker is the REST and WebSocket adapter for the FX venue.
package broker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/fxtriarb/internal/crypto"
	"github.com/alanyoungcy/fxtriarb/internal/domain"
)

// sessionRefreshMargin renews the bearer token this long before it expires.
const sessionRefreshMargin = 30 * time.Second

// Client is the REST client for the broker trading API. It satisfies
// domain.Broker, domain.InstrumentSource and domain.VenueInfo.
type Client struct {
	baseURL    string
	auth       *crypto.HMACAuth
	httpClient *http.Client
	logger     *slog.Logger
	now        func() time.Time

	mu        sync.RWMutex
	token     string
	expiresAt time.Time
}

// NewClient creates a new broker REST client.
//
// baseURL is the API root, e.g. "https://api.broker.example". A zero timeout
// falls back to 10s.
func NewClient(baseURL string, auth *crypto.HMACAuth, timeout time.Duration, logger *slog.Logger) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		auth:    auth,
		httpClient: &http.Client{
			Timeout: timeout,
		},
		logger: logger.With(slog.String("component", "broker")),
		now:    time.Now,
	}
}

// Login exchanges the signed API key (plus TOTP when configured) for a
// session token.
func (c *Client) Login(ctx context.Context) error {
	if c.auth == nil {
		return fmt.Errorf("broker: login: %w: no credentials configured", domain.ErrUnauthorized)
	}

	payload, err := json.Marshal(sessionRequest{APIKey: c.auth.Key})
	if err != nil {
		return fmt.Errorf("broker: login: marshal: %w", err)
	}

	const path = "/v1/session"
	headers, err := c.auth.HeadersAt(http.MethodPost, path, string(payload), c.now())
	if err != nil {
		return fmt.Errorf("broker: login: %w", err)
	}

	body, err := c.send(ctx, http.MethodPost, path, payload, headers)
	if err != nil {
		return fmt.Errorf("broker: login: %w", err)
	}

	var resp sessionResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return fmt.Errorf("broker: login: decode: %w", err)
	}
	if resp.Token == "" {
		return fmt.Errorf("broker: login: %w: empty token", domain.ErrUnauthorized)
	}

	c.mu.Lock()
	c.token = resp.Token
	c.expiresAt = time.Time{}
	if resp.ExpiresAt > 0 {
		c.expiresAt = time.UnixMilli(resp.ExpiresAt)
	}
	c.mu.Unlock()

	c.logger.Info("broker session established")
	return nil
}

// Token returns a valid session token, logging in first when needed. The
// quote stream uses it to authenticate its handshake.
func (c *Client) Token(ctx context.Context) (string, error) {
	c.mu.RLock()
	tok, exp := c.token, c.expiresAt
	c.mu.RUnlock()

	if tok != "" && (exp.IsZero() || c.now().Add(sessionRefreshMargin).Before(exp)) {
		return tok, nil
	}
	if err := c.Login(ctx); err != nil {
		return "", err
	}

	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token, nil
}

func (c *Client) invalidate() {
	c.mu.Lock()
	c.token = ""
	c.mu.Unlock()
}

// PlaceOrder submits a market order for one leg.
func (c *Client) PlaceOrder(ctx context.Context, req domain.OrderRequest) (domain.OrderAck, error) {
	orderType := req.Type
	if orderType == "" {
		orderType = domain.OrderTypeMarket
	}
	path := fmt.Sprintf("/v1/accounts/%s/orders", url.PathEscape(req.AccountID))

	body, err := c.doAuthed(ctx, http.MethodPost, path, orderRequest{
		Symbol:        req.Symbol,
		Side:          string(req.Side),
		Type:          string(orderType),
		Quantity:      decimal.NewFromFloat(req.Quantity),
		ClientOrderID: req.ClientOrderID,
		Comment:       req.Comment,
	})
	if err != nil {
		if errors.Is(err, domain.ErrConnectionFailure) {
			return domain.OrderAck{}, fmt.Errorf("broker: place order %s: %w", req.Symbol, err)
		}
		return domain.OrderAck{}, fmt.Errorf("broker: place order %s: %w: %v", req.Symbol, domain.ErrOrderRejected, err)
	}

	var resp orderResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return domain.OrderAck{}, fmt.Errorf("broker: place order %s: decode: %w", req.Symbol, err)
	}

	state := parseState(resp.State)
	if resp.OrderID == "" || state == domain.OrderStateRejected {
		return domain.OrderAck{}, fmt.Errorf("broker: place order %s: %w: %s", req.Symbol, domain.ErrOrderRejected, resp.Reason)
	}

	return domain.OrderAck{
		OrderID:     resp.OrderID,
		FilledPrice: resp.FilledPrice.InexactFloat64(),
		State:       state,
	}, nil
}

// CancelOrder cancels an existing order by its ID.
func (c *Client) CancelOrder(ctx context.Context, accountID, orderID string) error {
	path := fmt.Sprintf("/v1/accounts/%s/orders/%s", url.PathEscape(accountID), url.PathEscape(orderID))
	if _, err := c.doAuthed(ctx, http.MethodDelete, path, nil); err != nil {
		return fmt.Errorf("broker: cancel order %s: %w", orderID, err)
	}
	return nil
}

// GetOrderState returns the venue's view of an order.
func (c *Client) GetOrderState(ctx context.Context, accountID, orderID string) (domain.OrderState, error) {
	path := fmt.Sprintf("/v1/accounts/%s/orders/%s", url.PathEscape(accountID), url.PathEscape(orderID))
	body, err := c.doAuthed(ctx, http.MethodGet, path, nil)
	if err != nil {
		return domain.OrderStateUnknown, fmt.Errorf("broker: get order %s: %w", orderID, err)
	}

	var resp orderResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return domain.OrderStateUnknown, fmt.Errorf("broker: decode order %s: %w", orderID, err)
	}
	return parseState(resp.State), nil
}

// Instruments lists the tradable pairs offered by the venue.
func (c *Client) Instruments(ctx context.Context) ([]domain.Instrument, error) {
	body, err := c.doAuthed(ctx, http.MethodGet, "/v1/instruments", nil)
	if err != nil {
		return nil, fmt.Errorf("broker: get instruments: %w", err)
	}

	var resp struct {
		Instruments []instrumentWire `json:"instruments"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("broker: decode instruments: %w", err)
	}

	out := make([]domain.Instrument, 0, len(resp.Instruments))
	for _, w := range resp.Instruments {
		if w.Tradable != nil && !*w.Tradable {
			continue
		}
		out = append(out, domain.Instrument{
			Symbol:    w.Symbol,
			Base:      strings.ToUpper(w.Base),
			Quote:     strings.ToUpper(w.Quote),
			PointSize: w.PointSize,
			LotStep:   w.LotStep,
		})
	}
	return out, nil
}

// ServerTime returns the venue clock. It does not require a session.
func (c *Client) ServerTime(ctx context.Context) (time.Time, error) {
	body, err := c.send(ctx, http.MethodGet, "/v1/time", nil, nil)
	if err != nil {
		return time.Time{}, fmt.Errorf("broker: server time: %w", err)
	}
	var resp timeResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return time.Time{}, fmt.Errorf("broker: decode server time: %w", err)
	}
	return time.UnixMilli(resp.ServerTime), nil
}

// Ping checks that the venue is reachable.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.ServerTime(ctx)
	return err
}

// --------------------------------------------------------------------------
// Internal helpers
// --------------------------------------------------------------------------

// doAuthed sends a bearer-authenticated request. A 401 drops the cached
// session and retries once after a fresh login.
func (c *Client) doAuthed(ctx context.Context, method, path string, reqBody any) ([]byte, error) {
	var payload []byte
	if reqBody != nil {
		b, err := json.Marshal(reqBody)
		if err != nil {
			return nil, fmt.Errorf("marshal request body: %w", err)
		}
		payload = b
	}

	for attempt := 0; ; attempt++ {
		tok, err := c.Token(ctx)
		if err != nil {
			return nil, err
		}
		body, err := c.send(ctx, method, path, payload, map[string]string{
			"Authorization": "Bearer " + tok,
		})
		if err == nil {
			return body, nil
		}
		if errors.Is(err, domain.ErrUnauthorized) && attempt == 0 {
			c.logger.Warn("broker session rejected, logging in again", slog.String("path", path))
			c.invalidate()
			continue
		}
		return nil, err
	}
}

// send builds, sends, and reads an HTTP request against the broker API.
func (c *Client) send(ctx context.Context, method, path string, payload []byte, headers map[string]string) ([]byte, error) {
	var bodyReader io.Reader
	if payload != nil {
		bodyReader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrConnectionFailure, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: read response: %v", domain.ErrConnectionFailure, err)
	}

	if err := checkStatus(resp.StatusCode, respBody); err != nil {
		return nil, err
	}
	return respBody, nil
}

// checkStatus maps non-2xx HTTP status codes to domain errors.
func checkStatus(statusCode int, body []byte) error {
	if statusCode >= 200 && statusCode < 300 {
		return nil
	}

	var apiErr errorResponse
	_ = json.Unmarshal(body, &apiErr)

	switch {
	case statusCode == http.StatusUnauthorized || statusCode == http.StatusForbidden:
		return fmt.Errorf("%w: %s (%s)", domain.ErrUnauthorized, apiErr.Message, apiErr.Code)
	case statusCode == http.StatusNotFound:
		return fmt.Errorf("%w: %s (%s)", domain.ErrNotFound, apiErr.Message, apiErr.Code)
	case statusCode == http.StatusTooManyRequests || statusCode >= 500:
		return fmt.Errorf("%w: HTTP %d: %s (%s)", domain.ErrConnectionFailure, statusCode, apiErr.Message, apiErr.Code)
	default:
		return fmt.Errorf("HTTP %d: %s (%s)", statusCode, apiErr.Message, apiErr.Code)
	}
}
