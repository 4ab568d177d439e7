/**
 * @description
 * Client for the two bank endpoints the gateway consumes: the live balance read and the
 * token-scoped debit/credit call. Every request carries a single-use TrustToken as its
 * bearer credential; the client never sees account numbers.
 *
 * @dependencies
 * - github.com/shopspring/decimal: balances are decoded as exact decimals.
 * - github.com/sirupsen/logrus: non-2xx responses are logged with the operation name.
 */
package bankclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

// DefaultTimeout bounds each bank call when none is configured.
const DefaultTimeout = 15 * time.Second

// Client is a client for the bank's gateway API.
type Client struct {
	BaseURL    string
	HTTPClient *http.Client
	logger     logrus.FieldLogger
}

// NewClient creates a bank client whose calls give up after timeout.
func NewClient(baseURL string, timeout time.Duration, logger logrus.FieldLogger) *Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if logger == nil {
		discard := logrus.New()
		discard.SetOutput(io.Discard)
		logger = discard
	}
	return &Client{
		BaseURL:    baseURL,
		HTTPClient: &http.Client{Timeout: timeout},
		logger:     logger.WithField("component", "bank_client"),
	}
}

// BalanceResponse is the body of POST /gateway/account.
type BalanceResponse struct {
	Data struct {
		Balance decimal.Decimal `json:"balance"`
	} `json:"data"`
}

// TransferResponse is the body of POST /gateway/transfer.
type TransferResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
}

// ErrorResponse is returned for any non-2xx bank response.
type ErrorResponse struct {
	StatusCode int    `json:"-"`
	Message    string `json:"message"`
	ErrorText  string `json:"error"`
}

func (e *ErrorResponse) Error() string {
	detail := e.Message
	if detail == "" {
		detail = e.ErrorText
	}
	if detail == "" {
		detail = http.StatusText(e.StatusCode)
	}
	return fmt.Sprintf("bank api error: status %d - %s", e.StatusCode, detail)
}

// GetBalance reads the live balance of the account the token is scoped to.
func (c *Client) GetBalance(ctx context.Context, token string) (decimal.Decimal, error) {
	var resp BalanceResponse
	if err := c.post(ctx, "get_balance", "/gateway/account", token, &resp); err != nil {
		return decimal.Zero, err
	}
	return resp.Data.Balance, nil
}

// Transfer asks the bank to perform the single debit or credit the token authorizes.
// A 2xx response with success=false is reported as (false, nil).
func (c *Client) Transfer(ctx context.Context, token string) (bool, error) {
	var resp TransferResponse
	if err := c.post(ctx, "transfer", "/gateway/transfer", token, &resp); err != nil {
		return false, err
	}
	if !resp.Success {
		c.logger.WithField("op", "transfer").WithField("detail", resp.Message).Warn("bank declined transfer")
	}
	return resp.Success, nil
}

func (c *Client) post(ctx context.Context, op, path, token string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+path, bytes.NewReader([]byte("{}")))
	if err != nil {
		return fmt.Errorf("failed to create %s request: %w", op, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to execute %s request: %w", op, err)
	}
	defer resp.Body.Close()

	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read %s response body: %w", op, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		errResp := &ErrorResponse{StatusCode: resp.StatusCode}
		if jsonErr := json.Unmarshal(bodyBytes, errResp); jsonErr != nil {
			c.logger.WithField("op", op).WithField("status", resp.StatusCode).Warn("non-2xx response (unparsable error body)")
		} else {
			c.logger.WithField("op", op).WithField("status", resp.StatusCode).WithField("detail", errResp.Message).Warn("non-2xx response")
		}
		return errResp
	}

	if err := json.Unmarshal(bodyBytes, out); err != nil {
		return fmt.Errorf("failed to decode %s response: %w", op, err)
	}
	return nil
}
