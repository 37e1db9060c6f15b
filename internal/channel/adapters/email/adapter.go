// Package email implements the email channel adapter: address normalization,
// Message-ID handling, and outbound delivery over the target's own SMTP
// transport with an optional Mailgun fallback.
package email

import (
	"context"
	"fmt"
	"log/slog"
	"net/mail"
	"strings"

	htmltomarkdown "github.com/JohannesKaufmann/html-to-markdown/v2"
	mg "github.com/mailgun/mailgun-go/v5"
	gomail "github.com/wneessen/go-mail"

	"github.com/commshubhq/commshub/internal/channel"
	"github.com/commshubhq/commshub/internal/config"
)

type Adapter struct {
	fallback config.EmailConfig
	logger   *slog.Logger
}

func New(log *slog.Logger, fallback config.EmailConfig) *Adapter {
	return &Adapter{
		fallback: fallback,
		logger:   log.With(slog.String("adapter", "email")),
	}
}

func (a *Adapter) Type() channel.ChannelType { return channel.ChannelEmail }

func (a *Adapter) Descriptor() channel.Descriptor {
	return channel.Descriptor{
		Type:        channel.ChannelEmail,
		DisplayName: "Email",
	}
}

// NormalizeAddress folds case and strips any display-name wrapper, so
// `"Jane Doe" <Jane@Example.COM>` and `jane@example.com` collide.
func (a *Adapter) NormalizeAddress(raw string) string {
	s := strings.TrimSpace(raw)
	if s == "" {
		return ""
	}
	if parsed, err := mail.ParseAddress(s); err == nil {
		s = parsed.Address
	}
	return strings.ToLower(strings.Trim(s, "<>"))
}

func (a *Adapter) Normalize(raw channel.RawInbound) (channel.InboundEvent, error) {
	if strings.TrimSpace(raw.Sender) == "" {
		return channel.InboundEvent{}, fmt.Errorf("email sender is required")
	}

	externalID := raw.ExternalID
	if externalID == "" {
		for _, key := range []string{"Message-Id", "Message-ID"} {
			if v := strings.TrimSpace(raw.Headers[key]); v != "" {
				externalID = v
				break
			}
		}
	}

	body := raw.Body
	if body == "" {
		if html, ok := raw.Metadata["body_html"].(string); ok && html != "" {
			converted, err := htmltomarkdown.ConvertString(html)
			if err != nil {
				a.logger.Warn("html body conversion failed", slog.String("error", err.Error()))
				body = html
			} else {
				body = converted
			}
		}
	}
	if strings.TrimSpace(body) == "" && strings.TrimSpace(raw.Subject) == "" {
		return channel.InboundEvent{}, fmt.Errorf("email has neither body nor subject")
	}

	return channel.InboundEvent{
		Channel:       channel.ChannelEmail,
		SenderAddress: a.NormalizeAddress(raw.Sender),
		SenderName:    raw.SenderName,
		ExternalID:    externalID,
		Subject:       strings.TrimSpace(raw.Subject),
		Body:          body,
		ReceivedAt:    raw.ReceivedAt,
		Headers:       raw.Headers,
		Metadata:      raw.Metadata,
		Attachments:   raw.Attachments,
	}, nil
}

// SelfAddresses covers the mailbox address, the SMTP username, and any
// configured aliases.
func (a *Adapter) SelfAddresses(credentials map[string]any) []string {
	var out []string
	for _, key := range []string{"address", "username"} {
		if v, _ := credentials[key].(string); v != "" {
			out = append(out, v)
		}
	}
	if aliases, ok := credentials["aliases"].([]any); ok {
		for _, alias := range aliases {
			if v, _ := alias.(string); v != "" {
				out = append(out, v)
			}
		}
	}
	return out
}

// Send delivers over the target's SMTP transport, falling back to the
// configured Mailgun domain when SMTP fails and a fallback exists.
func (a *Adapter) Send(ctx context.Context, credentials map[string]any, req channel.SendRequest) channel.SendOutcome {
	if strings.TrimSpace(req.To) == "" {
		return channel.PermanentFailure(fmt.Errorf("email recipient is required"))
	}

	messageID, err := a.sendSMTP(ctx, credentials, req)
	if err == nil {
		return channel.Sent(messageID)
	}
	a.logger.Warn("smtp send failed",
		slog.String("to", req.To),
		slog.String("error", err.Error()))

	if a.fallback.FallbackProvider == "mailgun" && a.fallback.Mailgun.APIKey != "" {
		id, mgErr := a.sendMailgun(ctx, credentials, req)
		if mgErr == nil {
			a.logger.Info("delivered via mailgun fallback", slog.String("to", req.To))
			return channel.Sent(id)
		}
		a.logger.Warn("mailgun fallback failed", slog.String("error", mgErr.Error()))
	}

	return channel.TransientFailure(fmt.Errorf("smtp send: %w", err))
}

func (a *Adapter) sendSMTP(ctx context.Context, credentials map[string]any, req channel.SendRequest) (string, error) {
	host, _ := credentials["smtp_host"].(string)
	if host == "" {
		return "", fmt.Errorf("smtp_host is not configured")
	}
	port := intVal(credentials["smtp_port"], 587)
	username, _ := credentials["username"].(string)
	password, _ := credentials["password"].(string)
	security, _ := credentials["smtp_security"].(string)
	from, _ := credentials["address"].(string)
	if from == "" {
		from = username
	}

	m := gomail.NewMsg()
	if err := m.From(from); err != nil {
		return "", fmt.Errorf("set from: %w", err)
	}
	if err := m.To(req.To); err != nil {
		return "", fmt.Errorf("set to: %w", err)
	}
	m.Subject(req.Subject)
	m.SetBodyString(gomail.TypeTextPlain, req.Body)
	m.SetMessageID()
	if inReplyTo, ok := req.Metadata["in_reply_to"].(string); ok && inReplyTo != "" {
		ref := "<" + strings.Trim(inReplyTo, "<>") + ">"
		m.SetGenHeader("In-Reply-To", ref)
		m.SetGenHeader("References", ref)
	}

	opts := []gomail.Option{
		gomail.WithPort(port),
		gomail.WithSMTPAuth(gomail.SMTPAuthPlain),
		gomail.WithUsername(username),
		gomail.WithPassword(password),
	}
	switch security {
	case "tls":
		opts = append(opts, gomail.WithSSLPort(false), gomail.WithTLSPolicy(gomail.TLSMandatory))
	case "none":
		opts = append(opts, gomail.WithTLSPolicy(gomail.NoTLS))
	default:
		opts = append(opts, gomail.WithTLSPolicy(gomail.TLSMandatory))
	}

	client, err := gomail.NewClient(host, opts...)
	if err != nil {
		return "", fmt.Errorf("create smtp client: %w", err)
	}
	if err := client.DialAndSendWithContext(ctx, m); err != nil {
		return "", err
	}
	return strings.Trim(m.GetMessageID(), "<>"), nil
}

func (a *Adapter) sendMailgun(ctx context.Context, credentials map[string]any, req channel.SendRequest) (string, error) {
	cfg := a.fallback.Mailgun
	client := mg.NewMailgun(cfg.APIKey)
	if cfg.Region == "eu" {
		client.SetAPIBase(mg.APIBaseEU)
	}

	from, _ := credentials["address"].(string)
	if from == "" {
		from = fmt.Sprintf("noreply@%s", cfg.Domain)
	}
	m := mg.NewMessage(cfg.Domain, from, req.Subject, req.Body, req.To)
	resp, err := client.Send(ctx, m)
	if err != nil {
		return "", fmt.Errorf("mailgun send: %w", err)
	}
	return strings.Trim(resp.ID, "<>"), nil
}

func intVal(v any, fallback int) int {
	switch n := v.(type) {
	case float64:
		return int(n)
	case int:
		return n
	case int64:
		return int(n)
	default:
		return fallback
	}
}

var (
	_ channel.Adapter = (*Adapter)(nil)
	_ channel.Sender  = (*Adapter)(nil)
)
