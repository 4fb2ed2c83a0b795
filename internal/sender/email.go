package sender

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ses"
	"github.com/aws/aws-sdk-go-v2/service/ses/types"
	"github.com/wneessen/go-mail"
	"go.uber.org/zap"

	"github.com/lalithlochan/herald/internal/notification"
)

// EmailTransport hands a finished MIME message to a mail provider and returns
// the provider's message id.
type EmailTransport interface {
	Deliver(ctx context.Context, msg *mail.Msg) (string, error)
	Name() string
}

type EmailConfig struct {
	FromAddress string
	FromName    string
	// MessageIDDomain is the right-hand side of generated Message-ID headers.
	MessageIDDomain string
}

// EmailSender builds multipart messages (plain text with an optional HTML
// alternative, attachments, custom headers) and hands them to a transport.
type EmailSender struct {
	transport EmailTransport
	cfg       EmailConfig
	logger    *zap.Logger
}

func NewEmailSender(transport EmailTransport, cfg EmailConfig, logger *zap.Logger) *EmailSender {
	if cfg.MessageIDDomain == "" {
		if at := strings.LastIndex(cfg.FromAddress, "@"); at >= 0 {
			cfg.MessageIDDomain = cfg.FromAddress[at+1:]
		} else {
			cfg.MessageIDDomain = "herald.local"
		}
	}
	return &EmailSender{transport: transport, cfg: cfg, logger: logger}
}

func (s *EmailSender) Channel() notification.Channel { return notification.ChannelEmail }

func (s *EmailSender) Send(ctx context.Context, m *Message) (*Receipt, error) {
	msg, err := s.Build(m)
	if err != nil {
		return nil, err
	}

	id, err := s.transport.Deliver(ctx, msg)
	if err != nil {
		return nil, fmt.Errorf("%s send failed: %w", s.transport.Name(), err)
	}

	s.logger.Info("email sent",
		zap.String("notification_id", m.NotificationID.String()),
		zap.String("transport", s.transport.Name()),
		zap.String("message_id", id),
		zap.Int("attachments", attachmentCount(m)),
	)
	return &Receipt{ProviderMessageID: id}, nil
}

// Build assembles the MIME message for m.
func (s *EmailSender) Build(m *Message) (*mail.Msg, error) {
	if m.Body == "" && m.HTMLBody == "" {
		return nil, fmt.Errorf("email has no body")
	}

	msg := mail.NewMsg()
	fromName, fromAddr := s.cfg.FromName, s.cfg.FromAddress
	if m.Email != nil && m.Email.FromAddress != "" {
		fromAddr = m.Email.FromAddress
		fromName = m.Email.FromName
	}
	if err := msg.FromFormat(fromName, fromAddr); err != nil {
		return nil, fmt.Errorf("invalid from address: %w", err)
	}
	if err := msg.To(m.To); err != nil {
		return nil, fmt.Errorf("invalid recipient address: %w", err)
	}
	msg.Subject(m.Subject)
	msg.SetGenHeader(mail.HeaderMessageID, fmt.Sprintf("<%s.%d@%s>", m.NotificationID, m.Attempt, s.cfg.MessageIDDomain))
	msg.SetDate()

	switch m.Priority {
	case notification.PriorityUrgent:
		msg.SetImportance(mail.ImportanceUrgent)
	case notification.PriorityHigh:
		msg.SetImportance(mail.ImportanceHigh)
	case notification.PriorityLow:
		msg.SetImportance(mail.ImportanceLow)
	}

	switch {
	case m.Body != "" && m.HTMLBody != "":
		msg.SetBodyString(mail.TypeTextPlain, m.Body)
		msg.AddAlternativeString(mail.TypeTextHTML, m.HTMLBody)
	case m.HTMLBody != "":
		msg.SetBodyString(mail.TypeTextHTML, m.HTMLBody)
	default:
		msg.SetBodyString(mail.TypeTextPlain, m.Body)
	}

	if m.CorrelationID != "" {
		msg.SetGenHeader(mail.Header("X-Correlation-ID"), m.CorrelationID)
	}
	msg.SetGenHeader(mail.Header("X-Notification-ID"), m.NotificationID.String())

	if opts := m.Email; opts != nil {
		if opts.ReplyTo != "" {
			if err := msg.ReplyTo(opts.ReplyTo); err != nil {
				return nil, fmt.Errorf("invalid reply-to address: %w", err)
			}
		}
		for k, v := range opts.Headers {
			msg.SetGenHeader(mail.Header(k), v)
		}
		for _, a := range opts.Attachments {
			var fileOpts []mail.FileOption
			if a.ContentType != "" {
				fileOpts = append(fileOpts, mail.WithFileContentType(mail.ContentType(a.ContentType)))
			}
			msg.AttachReadSeeker(a.Filename, bytes.NewReader(a.Data), fileOpts...)
		}
	}

	return msg, nil
}

// MessageID returns the Message-ID header of msg without angle brackets.
func MessageID(msg *mail.Msg) string {
	ids := msg.GetGenHeader(mail.HeaderMessageID)
	if len(ids) == 0 {
		return ""
	}
	return strings.Trim(ids[0], "<>")
}

func attachmentCount(m *Message) int {
	if m.Email == nil {
		return 0
	}
	return len(m.Email.Attachments)
}

// SMTPConfig holds SMTP relay settings.
type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	// RequireTLS refuses to send over a connection without STARTTLS.
	RequireTLS bool
	Timeout    time.Duration
}

// SMTPTransport dials a fresh connection per message; mail.Client is not
// safe for concurrent use.
type SMTPTransport struct {
	cfg SMTPConfig
}

func NewSMTPTransport(cfg SMTPConfig) *SMTPTransport {
	if cfg.Port == 0 {
		cfg.Port = 587
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 15 * time.Second
	}
	return &SMTPTransport{cfg: cfg}
}

func (t *SMTPTransport) Name() string { return "smtp" }

func (t *SMTPTransport) Deliver(ctx context.Context, msg *mail.Msg) (string, error) {
	opts := []mail.Option{
		mail.WithPort(t.cfg.Port),
		mail.WithTimeout(t.cfg.Timeout),
		mail.WithTLSPolicy(mail.TLSOpportunistic),
	}
	if t.cfg.RequireTLS {
		opts = append(opts, mail.WithTLSPolicy(mail.TLSMandatory))
	}
	if t.cfg.Username != "" {
		opts = append(opts,
			mail.WithSMTPAuth(mail.SMTPAuthPlain),
			mail.WithUsername(t.cfg.Username),
			mail.WithPassword(t.cfg.Password),
		)
	}

	client, err := mail.NewClient(t.cfg.Host, opts...)
	if err != nil {
		return "", fmt.Errorf("smtp client: %w", err)
	}
	if err := client.DialAndSendWithContext(ctx, msg); err != nil {
		return "", err
	}
	return MessageID(msg), nil
}

// SESAPI is the part of the SES client the transport uses.
type SESAPI interface {
	SendRawEmail(ctx context.Context, params *ses.SendRawEmailInput, optFns ...func(*ses.Options)) (*ses.SendRawEmailOutput, error)
}

// SESTransport sends the raw MIME message through AWS SES so attachments and
// custom headers survive.
type SESTransport struct {
	client SESAPI
}

type SESConfig struct {
	Region string
}

func NewSESTransport(ctx context.Context, cfg SESConfig) (*SESTransport, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load default AWS config: %w", err)
	}
	return &SESTransport{client: ses.NewFromConfig(awsCfg)}, nil
}

func NewSESTransportWithClient(client SESAPI) *SESTransport {
	return &SESTransport{client: client}
}

func (t *SESTransport) Name() string { return "ses" }

func (t *SESTransport) Deliver(ctx context.Context, msg *mail.Msg) (string, error) {
	var buf bytes.Buffer
	if _, err := msg.WriteTo(&buf); err != nil {
		return "", fmt.Errorf("encode message: %w", err)
	}

	out, err := t.client.SendRawEmail(ctx, &ses.SendRawEmailInput{
		RawMessage: &types.RawMessage{Data: buf.Bytes()},
	})
	if err != nil {
		return "", err
	}
	return aws.ToString(out.MessageId), nil
}
