package alert

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// SMSGatewayConfig configures the HTTP text-message relay.
type SMSGatewayConfig struct {
	URL     string
	Token   string
	From    string
	Timeout time.Duration
}

// SMSGateway posts text messages as JSON to an HTTP relay.
type SMSGateway struct {
	url    string
	token  string
	from   string
	client *http.Client
}

type smsRequest struct {
	To   string `json:"to"`
	From string `json:"from,omitempty"`
	Body string `json:"body"`
}

func NewSMSGateway(config SMSGatewayConfig) (*SMSGateway, error) {
	if config.URL == "" {
		return nil, errors.New("sms gateway url is required")
	}
	if config.Timeout == 0 {
		config.Timeout = 15 * time.Second
	}
	return &SMSGateway{
		url:   config.URL,
		token: config.Token,
		from:  config.From,
		client: &http.Client{
			Timeout:   config.Timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}, nil
}

func (g *SMSGateway) SendText(ctx context.Context, to, body string) error {
	payload, err := json.Marshal(smsRequest{To: to, From: g.from, Body: body})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.url, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if g.token != "" {
		req.Header.Set("Authorization", "Bearer "+g.token)
	}

	resp, err := g.client.Do(req)
	if err != nil {
		return fmt.Errorf("sms gateway: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("sms gateway: unexpected status %d", resp.StatusCode)
	}
	return nil
}
