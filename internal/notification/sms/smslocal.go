// Package sms sends text messages through the SMS Local HTTP API.
package sms

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const defaultTimeout = 15 * time.Second

// SMSLocalClient sends SMS via the SMS Local bulkV2 API. OTPs use the otp route; other notices use
// the quick route with a free-text message.
type SMSLocalClient struct {
	APIKey     string
	BaseURL    string
	Sender     string
	HTTPClient *http.Client
}

// NewSMSLocalClient returns a client that uses the given API key and optional base URL/sender.
func NewSMSLocalClient(apiKey, baseURL, sender string) *SMSLocalClient {
	if baseURL == "" {
		baseURL = "https://www.smslocal.com/dev/bulkV2"
	}
	return &SMSLocalClient{
		APIKey:     apiKey,
		BaseURL:    baseURL,
		Sender:     sender,
		HTTPClient: &http.Client{Timeout: defaultTimeout},
	}
}

// SendOTP sends a one-time code. The code is never logged or echoed in errors.
func (c *SMSLocalClient) SendOTP(ctx context.Context, phone, otp string) error {
	return c.post(ctx, map[string]interface{}{
		"route":     "otp",
		"numbers":   normalizePhone(phone),
		"variables": otp,
	})
}

// SendText sends a free-text notice, e.g. a lockout alert.
func (c *SMSLocalClient) SendText(ctx context.Context, phone, text string) error {
	body := map[string]interface{}{
		"route":   "q",
		"numbers": normalizePhone(phone),
		"message": text,
	}
	if c.Sender != "" {
		body["sender_id"] = c.Sender
	}
	return c.post(ctx, body)
}

func (c *SMSLocalClient) post(ctx context.Context, body map[string]interface{}) error {
	if c.APIKey == "" {
		return fmt.Errorf("sms: API key not configured")
	}
	if body["numbers"] == "" {
		return fmt.Errorf("sms: phone number is empty")
	}
	raw, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL, bytes.NewReader(raw))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", c.APIKey)
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("sms: request failed status=%d body=%s", resp.StatusCode, string(b))
	}
	return nil
}

// normalizePhone keeps digits only; the API takes country code + number without punctuation.
func normalizePhone(phone string) string {
	return strings.Map(func(r rune) rune {
		if r >= '0' && r <= '9' {
			return r
		}
		return -1
	}, phone)
}
