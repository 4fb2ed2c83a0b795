package sender

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/lalithlochan/herald/internal/notification"
)

type PushConfig struct {
	GatewayURL string
	APIKey     string
	Timeout    time.Duration
}

// pushRequest is the body posted to the push gateway.
type pushRequest struct {
	Token    string            `json:"token"`
	Title    string            `json:"title,omitempty"`
	Body     string            `json:"body"`
	Priority string            `json:"priority"`
	Data     map[string]string `json:"data,omitempty"`
}

type pushResponse struct {
	ID string `json:"id"`
}

// PushSender posts device-token messages to an HTTP push gateway.
type PushSender struct {
	client *http.Client
	cfg    PushConfig
	logger *zap.Logger
}

func NewPushSender(cfg PushConfig, logger *zap.Logger) *PushSender {
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &PushSender{
		client: &http.Client{Timeout: cfg.Timeout},
		cfg:    cfg,
		logger: logger,
	}
}

func (s *PushSender) Channel() notification.Channel { return notification.ChannelPush }

func (s *PushSender) Send(ctx context.Context, m *Message) (*Receipt, error) {
	if s.cfg.GatewayURL == "" {
		return nil, fmt.Errorf("push gateway not configured")
	}

	priority := "normal"
	if m.Priority == notification.PriorityUrgent || m.Priority == notification.PriorityHigh {
		priority = "high"
	}
	data := map[string]string{"notification_id": m.NotificationID.String()}
	for k, v := range m.Metadata {
		data[k] = v
	}

	payload, err := json.Marshal(pushRequest{
		Token:    m.To,
		Title:    m.Subject,
		Body:     m.Body,
		Priority: priority,
		Data:     data,
	})
	if err != nil {
		return nil, fmt.Errorf("encode push payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.cfg.GatewayURL, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to create push request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "Herald/1.0")
	req.Header.Set("X-Notification-ID", m.NotificationID.String())
	if s.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+s.cfg.APIKey)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("push request failed: %w", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("push gateway returned status %d: %s", resp.StatusCode, string(body))
	}

	var out pushResponse
	_ = json.Unmarshal(body, &out)

	s.logger.Info("push accepted by gateway",
		zap.String("notification_id", m.NotificationID.String()),
		zap.Int("status_code", resp.StatusCode),
		zap.String("message_id", out.ID),
	)
	return &Receipt{ProviderMessageID: out.ID}, nil
}
