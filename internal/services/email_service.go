package services

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	pkglogger "github.com/BradenHooton/aegis/pkg/logger"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ses"
	"github.com/aws/aws-sdk-go-v2/service/ses/types"
)

// AlertKind identifies a security alert sent to an account owner.
type AlertKind string

const (
	AlertAccountLocked   AlertKind = "account_locked"
	AlertPasswordChanged AlertKind = "password_changed"
)

// SecurityAlert is the content of one security notification.
type SecurityAlert struct {
	Kind       AlertKind
	Reason     string
	OccurredAt time.Time
	Until      *time.Time
	IPAddress  string
}

// SecurityNotifier defines the interface for sending security alerts
type SecurityNotifier interface {
	SendSecurityAlert(ctx context.Context, email string, alert SecurityAlert) error
}

const alertSendTimeout = 5 * time.Second

// sendAlert delivers an alert with a bounded timeout. Failures are logged
// and never returned; alerts are best effort.
func sendAlert(ctx context.Context, notifier SecurityNotifier, logger *slog.Logger, email string, alert SecurityAlert) {
	if notifier == nil {
		return
	}

	sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), alertSendTimeout)
	defer cancel()

	if err := notifier.SendSecurityAlert(sendCtx, email, alert); err != nil {
		logger.WarnContext(ctx, "failed to send security alert",
			slog.String("kind", string(alert.Kind)),
			slog.String("email", pkglogger.SanitizedEmail(email)),
			slog.Any("error", err),
		)
	}
}

// AWSSESEmailService sends security alerts using AWS SES
type AWSSESEmailService struct {
	sesClient   *ses.Client
	fromAddress string
	logger      *slog.Logger
}

// NewAWSSESEmailService creates a new AWS SES email service
func NewAWSSESEmailService(ctx context.Context, region, fromAddress string, logger *slog.Logger) (*AWSSESEmailService, error) {
	cfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	return &AWSSESEmailService{
		sesClient:   ses.NewFromConfig(cfg),
		fromAddress: fromAddress,
		logger:      logger,
	}, nil
}

// SendSecurityAlert emails the account owner about a security event
func (s *AWSSESEmailService) SendSecurityAlert(ctx context.Context, email string, alert SecurityAlert) error {
	subject, textBody := renderAlert(alert)

	input := &ses.SendEmailInput{
		Source: aws.String(s.fromAddress),
		Destination: &types.Destination{
			ToAddresses: []string{email},
		},
		Message: &types.Message{
			Subject: &types.Content{
				Data: aws.String(subject),
			},
			Body: &types.Body{
				Text: &types.Content{
					Data: aws.String(textBody),
				},
			},
		},
	}

	result, err := s.sesClient.SendEmail(ctx, input)
	if err != nil {
		s.logger.Error("failed to send security alert via SES",
			slog.String("email", pkglogger.SanitizedEmail(email)),
			slog.Any("error", err))
		return fmt.Errorf("failed to send email: %w", err)
	}

	s.logger.Info("security alert sent",
		slog.String("kind", string(alert.Kind)),
		slog.String("email", pkglogger.SanitizedEmail(email)),
		slog.String("message_id", aws.ToString(result.MessageId)))

	return nil
}

// LogNotifier writes alerts to the log instead of sending them. Used when
// email delivery is disabled.
type LogNotifier struct {
	logger *slog.Logger
}

func NewLogNotifier(logger *slog.Logger) *LogNotifier {
	return &LogNotifier{logger: logger}
}

func (n *LogNotifier) SendSecurityAlert(ctx context.Context, email string, alert SecurityAlert) error {
	n.logger.InfoContext(ctx, "security alert (email disabled)",
		slog.String("kind", string(alert.Kind)),
		slog.String("email", pkglogger.SanitizedEmail(email)),
		slog.String("reason", alert.Reason),
	)
	return nil
}

func renderAlert(alert SecurityAlert) (string, string) {
	when := alert.OccurredAt.UTC().Format(time.RFC1123)

	switch alert.Kind {
	case AlertAccountLocked:
		until := "until it is unlocked by an administrator"
		if alert.Until != nil {
			until = "until " + alert.Until.UTC().Format(time.RFC1123)
		}
		return "Your account has been locked", fmt.Sprintf(`Your account was locked on %s %s.

Reason: %s

All active sessions have been signed out. If you did not expect this,
contact support and change your password once access is restored.

This is an automated message. Please do not reply to this email.
`, when, until, alert.Reason)

	case AlertPasswordChanged:
		return "Your password was changed", fmt.Sprintf(`The password for your account was changed on %s.

All active sessions have been signed out. If you did not make this change,
reset your password immediately and contact support.

This is an automated message. Please do not reply to this email.
`, when)

	default:
		return "Security notice for your account", fmt.Sprintf(`A security event (%s) occurred on your account on %s.

This is an automated message. Please do not reply to this email.
`, alert.Kind, when)
	}
}
