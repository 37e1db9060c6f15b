// Package meta implements the Facebook Messenger and Instagram DM channel
// adapters. Both ride the same Graph API Send surface and differ only in
// channel type and address semantics, so they share one implementation.
package meta

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/commshubhq/commshub/internal/channel"
)

const graphAPIBase = "https://graph.facebook.com/v20.0"

type Adapter struct {
	channelType channel.ChannelType
	displayName string
	baseURL     string
	httpClient  *http.Client
	logger      *slog.Logger
}

// NewMessenger builds the Facebook Messenger adapter.
func NewMessenger(log *slog.Logger) *Adapter {
	return &Adapter{
		channelType: channel.ChannelMessenger,
		displayName: "Facebook Messenger",
		baseURL:     graphAPIBase,
		httpClient:  &http.Client{Timeout: 30 * time.Second},
		logger:      log.With(slog.String("adapter", "messenger")),
	}
}

// NewInstagram builds the Instagram DM adapter.
func NewInstagram(log *slog.Logger) *Adapter {
	return &Adapter{
		channelType: channel.ChannelInstagram,
		displayName: "Instagram DM",
		baseURL:     graphAPIBase,
		httpClient:  &http.Client{Timeout: 30 * time.Second},
		logger:      log.With(slog.String("adapter", "instagram")),
	}
}

func (a *Adapter) Type() channel.ChannelType { return a.channelType }

func (a *Adapter) Descriptor() channel.Descriptor {
	// Meta's standard messaging window: replies must land within 24h of the
	// last customer message.
	return channel.Descriptor{
		Type:        a.channelType,
		DisplayName: a.displayName,
		ReplyWindow: 24 * time.Hour,
	}
}

// NormalizeAddress trims the page-scoped (PSID) or Instagram-scoped (IGSID)
// user ID. The IDs are opaque; scoping to the page is the provider's job.
func (a *Adapter) NormalizeAddress(raw string) string {
	return strings.TrimSpace(raw)
}

func (a *Adapter) Normalize(raw channel.RawInbound) (channel.InboundEvent, error) {
	sender := a.NormalizeAddress(raw.Sender)
	if sender == "" {
		return channel.InboundEvent{}, fmt.Errorf("%s sender id is required", a.channelType)
	}
	if strings.TrimSpace(raw.Body) == "" && len(raw.Attachments) == 0 {
		return channel.InboundEvent{}, fmt.Errorf("%s message has no content", a.channelType)
	}
	return channel.InboundEvent{
		Channel:       a.channelType,
		SenderAddress: sender,
		SenderName:    raw.SenderName,
		ExternalID:    raw.ExternalID,
		Body:          raw.Body,
		ReceivedAt:    raw.ReceivedAt,
		Metadata:      raw.Metadata,
		Attachments:   raw.Attachments,
	}, nil
}

// SelfAddresses is the page or account ID behind the target.
func (a *Adapter) SelfAddresses(credentials map[string]any) []string {
	var out []string
	for _, key := range []string{"page_id", "account_id"} {
		if v, _ := credentials[key].(string); v != "" {
			out = append(out, v)
		}
	}
	return out
}

// IsEcho reports whether the webhook delivery is the page's own outbound
// message mirrored back. Meta marks these with is_echo.
func (a *Adapter) IsEcho(raw channel.RawInbound) bool {
	echo, _ := raw.Metadata["is_echo"].(bool)
	return echo
}

type sendResponse struct {
	RecipientID string `json:"recipient_id"`
	MessageID   string `json:"message_id"`
}

// Send posts a text reply through the Graph API Send surface.
func (a *Adapter) Send(ctx context.Context, credentials map[string]any, req channel.SendRequest) channel.SendOutcome {
	token, _ := credentials["page_access_token"].(string)
	if token == "" {
		return channel.AuthFailure(fmt.Errorf("%s target is missing page_access_token", a.channelType), 0, "")
	}
	to := a.NormalizeAddress(req.To)
	if to == "" {
		return channel.PermanentFailure(fmt.Errorf("%s recipient id is required", a.channelType))
	}

	payload := map[string]any{
		"messaging_type": "RESPONSE",
		"recipient":      map[string]any{"id": to},
		"message":        map[string]any{"text": req.Body},
	}
	body, _ := json.Marshal(payload)

	url := fmt.Sprintf("%s/me/messages?access_token=%s", a.baseURL, token)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return channel.PermanentFailure(err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := a.httpClient.Do(httpReq)
	if err != nil {
		return channel.TransientFailure(fmt.Errorf("graph api request: %w", err))
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(resp.Body)
	switch {
	case resp.StatusCode < 300:
		var parsed sendResponse
		if err := json.Unmarshal(respBody, &parsed); err == nil && parsed.MessageID != "" {
			return channel.Sent(parsed.MessageID)
		}
		return channel.Sent("")
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return channel.AuthFailure(fmt.Errorf("graph api rejected credentials"),
			resp.StatusCode, channel.TruncateDetail(string(respBody)))
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return channel.SendOutcome{
			Class:      channel.FailureTransient,
			Err:        fmt.Errorf("graph api error: status=%d", resp.StatusCode),
			StatusCode: resp.StatusCode,
			Detail:     channel.TruncateDetail(string(respBody)),
		}
	default:
		return channel.SendOutcome{
			Class:      channel.FailurePermanent,
			Err:        fmt.Errorf("graph api error: status=%d", resp.StatusCode),
			StatusCode: resp.StatusCode,
			Detail:     channel.TruncateDetail(string(respBody)),
		}
	}
}

var (
	_ channel.Adapter    = (*Adapter)(nil)
	_ channel.Sender     = (*Adapter)(nil)
	_ channel.EchoMarker = (*Adapter)(nil)
)
