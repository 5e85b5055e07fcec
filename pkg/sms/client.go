package sms

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	pkgerrors "github.com/memberhubhq/memberhub-backend/pkg/errors"
)

const (
	responseBodyReadLimit int64 = 2048
	defaultSendTimeout          = 10 * time.Second
)

var (
	errAPIURLRequired = errors.New("sms api url is required")
	errAPIKeyRequired = errors.New("sms api key is required")
	errFromRequired   = errors.New("sms from number is required")
)

// Client wraps the SMS provider's message API.
type Client struct {
	httpClient  *http.Client
	apiURL      string
	apiKey      string
	fromNumber  string
	countryCode string
}

// Option configures optional client behavior.
type Option func(*Client)

// WithHTTPClient overrides the default HTTP client.
func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) {
		if client != nil {
			c.httpClient = client
		}
	}
}

// NewClient builds the SMS client from provider credentials.
func NewClient(apiURL, apiKey, fromNumber, countryCode string, opts ...Option) (*Client, error) {
	if strings.TrimSpace(apiURL) == "" {
		return nil, errAPIURLRequired
	}
	if strings.TrimSpace(apiKey) == "" {
		return nil, errAPIKeyRequired
	}
	if strings.TrimSpace(fromNumber) == "" {
		return nil, errFromRequired
	}
	if strings.TrimSpace(countryCode) == "" {
		countryCode = "1"
	}

	client := &Client{
		httpClient:  &http.Client{Timeout: defaultSendTimeout},
		apiURL:      strings.TrimRight(strings.TrimSpace(apiURL), "/"),
		apiKey:      strings.TrimSpace(apiKey),
		fromNumber:  NormalizeNumber(fromNumber, countryCode),
		countryCode: strings.TrimSpace(countryCode),
	}

	for _, opt := range opts {
		if opt != nil {
			opt(client)
		}
	}

	return client, nil
}

type sendRequest struct {
	From string `json:"from"`
	To   string `json:"to"`
	Body string `json:"body"`
}

type sendResponse struct {
	MessageID string `json:"message_id"`
	Status    string `json:"status"`
	Error     string `json:"error,omitempty"`
}

// Receipt reports the provider's acknowledgement of a delivered message.
type Receipt struct {
	MessageID string
	Status    string
}

// Send delivers one text message. Numbers are normalized to digits with a
// leading country code before the request goes out.
func (c *Client) Send(ctx context.Context, phoneNumber, text string) (*Receipt, error) {
	to := NormalizeNumber(phoneNumber, c.countryCode)
	if to == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "recipient phone number is empty")
	}
	if strings.TrimSpace(text) == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "message body is empty")
	}

	payload, err := json.Marshal(sendRequest{From: c.fromNumber, To: to, Body: text})
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "encode sms payload")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.apiURL+"/messages", bytes.NewReader(payload))
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "build sms request")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "send sms")
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, responseBodyReadLimit))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, pkgerrors.New(pkgerrors.CodeDependency,
			fmt.Sprintf("sms provider returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body))))
	}

	var decoded sendResponse
	if err := json.Unmarshal(body, &decoded); err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "decode sms response")
	}
	if decoded.Error != "" {
		return nil, pkgerrors.New(pkgerrors.CodeDependency, "sms provider error: "+decoded.Error)
	}

	return &Receipt{MessageID: decoded.MessageID, Status: decoded.Status}, nil
}

// NormalizeNumber strips formatting characters and prepends the country code
// when the number lacks one.
func NormalizeNumber(raw, countryCode string) string {
	var digits strings.Builder
	hadPlus := false
	for i, r := range strings.TrimSpace(raw) {
		switch {
		case r >= '0' && r <= '9':
			digits.WriteRune(r)
		case r == '+' && i == 0:
			hadPlus = true
		}
	}
	number := digits.String()
	if number == "" {
		return ""
	}
	if hadPlus {
		return number
	}
	code := strings.TrimPrefix(strings.TrimSpace(countryCode), "+")
	if code != "" && !strings.HasPrefix(number, code) {
		return code + number
	}
	return number
}
