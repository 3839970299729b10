package email

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
)

const defaultBrevoTimeout = 10 * time.Second

type BrevoConfig struct {
	APIKey   string
	BaseURL  string
	From     string
	FromName string
}

// BrevoProvider sends through the Brevo transactional email API.
type BrevoProvider struct {
	cfg        BrevoConfig
	httpClient *http.Client
}

func NewBrevo(cfg BrevoConfig) *BrevoProvider {
	cfg.BaseURL = strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.brevo.com/v3"
	}
	return &BrevoProvider{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: defaultBrevoTimeout},
	}
}

type brevoAddress struct {
	Name  string `json:"name,omitempty"`
	Email string `json:"email"`
}

type brevoMessage struct {
	Sender      brevoAddress   `json:"sender"`
	To          []brevoAddress `json:"to"`
	Subject     string         `json:"subject"`
	HTMLContent string         `json:"htmlContent"`
}

type brevoError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (p *BrevoProvider) Send(ctx context.Context, to []string, subject string, htmlBody string) error {
	to, err := recipients(to)
	if err != nil {
		return err
	}
	if p.cfg.APIKey == "" {
		return errors.New("brevo api key is required")
	}

	msg := brevoMessage{
		Sender:      brevoAddress{Name: p.cfg.FromName, Email: p.cfg.From},
		Subject:     subject,
		HTMLContent: htmlBody,
	}
	for _, addr := range to {
		msg.To = append(msg.To, brevoAddress{Email: addr})
	}

	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.cfg.BaseURL+"/smtp/email", bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("api-key", p.cfg.APIKey)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("brevo send: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	var apiErr brevoError
	if json.Unmarshal(body, &apiErr) == nil && apiErr.Message != "" {
		return fmt.Errorf("brevo send: status %d: %s: %s", resp.StatusCode, apiErr.Code, apiErr.Message)
	}
	return fmt.Errorf("brevo send: status %d", resp.StatusCode)
}

func (p *BrevoProvider) SendTemplate(ctx context.Context, to []string, templateName string, data interface{}) error {
	subject, body, err := Render(templateName, data)
	if err != nil {
		return err
	}
	return p.Send(ctx, to, subject, body)
}
