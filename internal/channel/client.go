// Package channel adapts the external messaging provider to the conductor's
// sender port.
package channel

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"leadflow_backend/internal/conductor/ports"
	"leadflow_backend/platform/config"
	"leadflow_backend/platform/logger"
)

// Client sends outbound messages over the provider's HTTP API.
// A nil Client reports every send as a transient failure so messages queue
// for retry until the channel is configured.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
	log     *logger.Logger
}

type sendRequest struct {
	To      string `json:"to"`
	Message string `json:"message"`
}

type sendResponse struct {
	MessageID string `json:"messageId"`
}

func NewClient(cfg config.ChannelConfig, log *logger.Logger) *Client {
	if cfg.GetChannelURL() == "" {
		return nil
	}

	return &Client{
		baseURL: strings.TrimRight(cfg.GetChannelURL(), "/"),
		apiKey:  cfg.GetChannelAPIKey(),
		http:    &http.Client{Timeout: 10 * time.Second},
		log:     log,
	}
}

// Send delivers one message. Provider 5xx responses and network errors are
// transient; 4xx responses are permanent because re-sending the same request
// cannot succeed.
func (c *Client) Send(ctx context.Context, identity, text string) (ports.SendResult, error) {
	if c == nil {
		return ports.SendResult{Status: ports.SendStatusTransientFailure}, nil
	}

	body, err := json.Marshal(sendRequest{To: identity, Message: text})
	if err != nil {
		return ports.SendResult{Status: ports.SendStatusPermanentFailure}, fmt.Errorf("marshal channel payload: %w", err)
	}

	url := fmt.Sprintf("%s/v1/messages", c.baseURL)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewBuffer(body))
	if err != nil {
		return ports.SendResult{Status: ports.SendStatusPermanentFailure}, err
	}

	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return ports.SendResult{Status: ports.SendStatusTransientFailure}, nil
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	switch {
	case resp.StatusCode >= http.StatusInternalServerError:
		return ports.SendResult{Status: ports.SendStatusTransientFailure}, nil
	case resp.StatusCode >= http.StatusBadRequest:
		data, _ := io.ReadAll(resp.Body)
		c.log.Warn("channel rejected message",
			"status", resp.StatusCode,
			"body", strings.TrimSpace(string(data)),
		)
		return ports.SendResult{Status: ports.SendStatusPermanentFailure}, nil
	}

	var parsed sendResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		// Delivered; a malformed body only costs us the provider id.
		parsed.MessageID = ""
	}

	return ports.SendResult{Status: ports.SendStatusSent, ProviderID: parsed.MessageID}, nil
}
