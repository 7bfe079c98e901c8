package channel

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

	"golang.org/x/time/rate"

	logx "herald/pkg/logx"
)

// GatewayConfig configures one JSON-over-HTTP messaging gateway channel.
type GatewayConfig struct {
	ID     string
	URL    string
	APIKey string
	// RatePerSec caps outbound requests. 0 defaults to 5.
	RatePerSec int
	// Timeout bounds one HTTP call. 0 means default.
	Timeout time.Duration
}

// Gateway posts messages to a stateless HTTP gateway (SMS aggregator style).
// A local rate limiter caps request bursts independently of the engine's
// inter-send delay.
type Gateway struct {
	cfg     GatewayConfig
	log     logx.Logger
	http    *http.Client
	limiter *rate.Limiter
}

func NewGateway(cfg GatewayConfig, log logx.Logger) (*Gateway, error) {
	if strings.TrimSpace(cfg.ID) == "" {
		return nil, errors.New("gateway channel id is empty")
	}
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, errors.New("gateway url is empty")
	}
	rps := cfg.RatePerSec
	if rps <= 0 {
		rps = 5
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Gateway{
		cfg:     cfg,
		log:     log,
		http:    &http.Client{Timeout: timeout},
		limiter: rate.NewLimiter(rate.Limit(rps), rps),
	}, nil
}

func (g *Gateway) ID() string { return g.cfg.ID }

type gatewayRequest struct {
	To       string `json:"to"`
	Message  string `json:"message"`
	ImageRef string `json:"image_ref,omitempty"`
	Routing  string `json:"routing,omitempty"`
}

func (g *Gateway) Send(ctx context.Context, msg Message) error {
	if err := g.limiter.Wait(ctx); err != nil {
		return &SendError{ChannelID: g.cfg.ID, Err: err}
	}

	body, err := json.Marshal(gatewayRequest{
		To:       msg.To,
		Message:  msg.Text,
		ImageRef: msg.ImageRef,
		Routing:  msg.Routing,
	})
	if err != nil {
		return &SendError{ChannelID: g.cfg.ID, Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return &SendError{ChannelID: g.cfg.ID, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	if g.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+g.cfg.APIKey)
	}

	resp, err := g.http.Do(req)
	if err != nil {
		return &SendError{ChannelID: g.cfg.ID, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		// Keep a short body excerpt; gateways put the reason there.
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		return &SendError{
			ChannelID: g.cfg.ID,
			Err:       fmt.Errorf("gateway returned %d: %s", resp.StatusCode, strings.TrimSpace(string(b))),
		}
	}
	return nil
}

func (g *Gateway) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, g.cfg.URL, nil)
	if err != nil {
		return err
	}
	resp, err := g.http.Do(req)
	if err != nil {
		return err
	}
	_ = resp.Body.Close()
	return nil
}
