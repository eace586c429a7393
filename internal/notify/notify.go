// Package notify delivers operator alerts.
package notify

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/smtp"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"
)

// Severity ranks how urgently a message needs a human.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Notifier sends a message to an operator.
type Notifier interface {
	Notify(ctx context.Context, severity Severity, message string) error
}

// LogNotifier writes notifications to the log.
type LogNotifier struct {
	logger logrus.FieldLogger
}

// NewLogNotifier creates a notifier backed by logger.
func NewLogNotifier(logger logrus.FieldLogger) *LogNotifier {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &LogNotifier{logger: logger.WithField("component", "notify")}
}

// Notify logs message at a level matching severity.
func (n *LogNotifier) Notify(_ context.Context, severity Severity, message string) error {
	entry := n.logger.WithField("severity", severity)
	switch severity {
	case SeverityCritical:
		entry.Error(message)
	case SeverityWarning:
		entry.Warn(message)
	default:
		entry.Info(message)
	}
	return nil
}

// SMTPConfig holds the mail relay used for email-to-SMS delivery.
type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
	To       []string
}

// sendMailFunc matches smtp.SendMail.
type sendMailFunc func(addr string, a smtp.Auth, from string, to []string, msg []byte) error

// SMSNotifier sends short messages through a carrier email-to-SMS gateway.
type SMSNotifier struct {
	send     sendMailFunc
	cfg      SMTPConfig
	minLevel Severity
}

// maxSMSLength keeps gateway messages inside one SMS segment.
const maxSMSLength = 160

// NewSMSNotifier creates an SMS notifier. Messages below minLevel are dropped.
func NewSMSNotifier(cfg SMTPConfig, minLevel Severity) (*SMSNotifier, error) {
	if cfg.Host == "" || cfg.Port <= 0 {
		return nil, errors.New("smtp host and port are required")
	}
	if cfg.From == "" || len(cfg.To) == 0 {
		return nil, errors.New("smtp from and at least one recipient are required")
	}
	if minLevel == "" {
		minLevel = SeverityInfo
	}
	return &SMSNotifier{send: smtp.SendMail, cfg: cfg, minLevel: minLevel}, nil
}

// Notify sends message unless its severity is below the configured minimum.
// ctx is checked before the send; net/smtp itself is not cancellable.
func (n *SMSNotifier) Notify(ctx context.Context, severity Severity, message string) error {
	if rank(severity) < rank(n.minLevel) {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	body := message
	if severity == SeverityCritical {
		body = "CRITICAL: " + body
	}
	if len(body) > maxSMSLength {
		body = body[:maxSMSLength-3] + "..."
	}

	var msg strings.Builder
	fmt.Fprintf(&msg, "From: %s\r\n", n.cfg.From)
	fmt.Fprintf(&msg, "To: %s\r\n", strings.Join(n.cfg.To, ", "))
	msg.WriteString("Subject: \r\n\r\n")
	msg.WriteString(body)

	var auth smtp.Auth
	if n.cfg.Username != "" {
		auth = smtp.PlainAuth("", n.cfg.Username, n.cfg.Password, n.cfg.Host)
	}
	addr := net.JoinHostPort(n.cfg.Host, strconv.Itoa(n.cfg.Port))
	if err := n.send(addr, auth, n.cfg.From, n.cfg.To, []byte(msg.String())); err != nil {
		return fmt.Errorf("send sms via %s: %w", addr, err)
	}
	return nil
}

func rank(s Severity) int {
	switch s {
	case SeverityCritical:
		return 2
	case SeverityWarning:
		return 1
	default:
		return 0
	}
}

// Multi fans a notification out to every notifier and joins their errors.
type Multi []Notifier

// Notify delivers to all notifiers even when some fail.
func (m Multi) Notify(ctx context.Context, severity Severity, message string) error {
	var errs []error
	for _, n := range m {
		if n == nil {
			continue
		}
		if err := n.Notify(ctx, severity, message); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Nop discards every notification.
type Nop struct{}

// Notify implements Notifier.
func (Nop) Notify(context.Context, Severity, string) error { return nil }

var (
	_ Notifier = (*LogNotifier)(nil)
	_ Notifier = (*SMSNotifier)(nil)
	_ Notifier = Multi(nil)
	_ Notifier = Nop{}
)
