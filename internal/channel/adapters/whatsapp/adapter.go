// Package whatsapp implements the WhatsApp Cloud API channel adapter.
package whatsapp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/commshubhq/commshub/internal/channel"
)

const (
	graphAPIBase    = "https://graph.facebook.com/v20.0"
	defaultSendTime = 30 * time.Second
)

type Adapter struct {
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
}

func New(log *slog.Logger) *Adapter {
	return &Adapter{
		baseURL:    graphAPIBase,
		httpClient: &http.Client{Timeout: defaultSendTime},
		logger:     log.With(slog.String("adapter", "whatsapp")),
	}
}

func (a *Adapter) Type() channel.ChannelType { return channel.ChannelWhatsApp }

func (a *Adapter) Descriptor() channel.Descriptor {
	// WhatsApp allows free-form business replies within 24h of the last
	// customer message; outside that only template sends are accepted,
	// which this engine does not issue.
	return channel.Descriptor{
		Type:        channel.ChannelWhatsApp,
		DisplayName: "WhatsApp",
		ReplyWindow: 24 * time.Hour,
	}
}

// NormalizeAddress reduces a phone number to digits. WhatsApp wa_id values
// are E.164 without the plus sign.
func (a *Adapter) NormalizeAddress(raw string) string {
	var b strings.Builder
	for _, r := range raw {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

func (a *Adapter) Normalize(raw channel.RawInbound) (channel.InboundEvent, error) {
	sender := a.NormalizeAddress(raw.Sender)
	if sender == "" {
		return channel.InboundEvent{}, fmt.Errorf("whatsapp sender phone is required")
	}
	if strings.TrimSpace(raw.Body) == "" {
		return channel.InboundEvent{}, fmt.Errorf("whatsapp message body is required")
	}

	receivedAt := raw.ReceivedAt
	if receivedAt.IsZero() {
		if ts, ok := raw.Metadata["timestamp"].(string); ok {
			if unix, err := strconv.ParseInt(ts, 10, 64); err == nil {
				receivedAt = time.Unix(unix, 0).UTC()
			}
		}
	}

	return channel.InboundEvent{
		Channel:       channel.ChannelWhatsApp,
		SenderAddress: sender,
		SenderName:    raw.SenderName,
		ExternalID:    raw.ExternalID,
		Body:          raw.Body,
		ReceivedAt:    receivedAt,
		Metadata:      raw.Metadata,
		Attachments:   raw.Attachments,
	}, nil
}

// SelfAddresses is the business phone number behind the target.
func (a *Adapter) SelfAddresses(credentials map[string]any) []string {
	var out []string
	for _, key := range []string{"phone_number", "display_phone_number"} {
		if v, _ := credentials[key].(string); v != "" {
			out = append(out, v)
		}
	}
	return out
}

type sendResponse struct {
	Messages []struct {
		ID string `json:"id"`
	} `json:"messages"`
}

// Send posts a text message through the Cloud API. 429 and 5xx responses are
// retryable; 401/403 are flagged as auth failures with the response body kept
// for diagnosis.
func (a *Adapter) Send(ctx context.Context, credentials map[string]any, req channel.SendRequest) channel.SendOutcome {
	token, _ := credentials["access_token"].(string)
	phoneID, _ := credentials["phone_number_id"].(string)
	if token == "" || phoneID == "" {
		return channel.AuthFailure(fmt.Errorf("whatsapp target is missing access_token or phone_number_id"), 0, "")
	}
	to := a.NormalizeAddress(req.To)
	if to == "" {
		return channel.PermanentFailure(fmt.Errorf("whatsapp recipient phone is required"))
	}

	payload := map[string]any{
		"messaging_product": "whatsapp",
		"to":                to,
		"type":              "text",
		"text": map[string]any{
			"body": req.Body,
		},
	}
	body, _ := json.Marshal(payload)

	url := fmt.Sprintf("%s/%s/messages", a.baseURL, phoneID)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return channel.PermanentFailure(err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+token)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := a.httpClient.Do(httpReq)
	if err != nil {
		return channel.TransientFailure(fmt.Errorf("whatsapp api request: %w", err))
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(resp.Body)
	switch {
	case resp.StatusCode < 300:
		var parsed sendResponse
		if err := json.Unmarshal(respBody, &parsed); err == nil && len(parsed.Messages) > 0 {
			return channel.Sent(parsed.Messages[0].ID)
		}
		return channel.Sent("")
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return channel.AuthFailure(fmt.Errorf("whatsapp api rejected credentials"),
			resp.StatusCode, channel.TruncateDetail(string(respBody)))
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return channel.SendOutcome{
			Class:      channel.FailureTransient,
			Err:        fmt.Errorf("whatsapp api error: status=%d", resp.StatusCode),
			StatusCode: resp.StatusCode,
			Detail:     channel.TruncateDetail(string(respBody)),
		}
	default:
		return channel.SendOutcome{
			Class:      channel.FailurePermanent,
			Err:        fmt.Errorf("whatsapp api error: status=%d", resp.StatusCode),
			StatusCode: resp.StatusCode,
			Detail:     channel.TruncateDetail(string(respBody)),
		}
	}
}

var (
	_ channel.Adapter = (*Adapter)(nil)
	_ channel.Sender  = (*Adapter)(nil)
)
