package notify

import (
	"fmt"
	"net/smtp"
	"time"

	"github.com/Dan9191/ledger-service/internal/config"
	"github.com/Dan9191/ledger-service/internal/ledger"
	"github.com/Dan9191/ledger-service/internal/models"
	"github.com/jordan-wright/email"
	"github.com/sirupsen/logrus"
)

// Party is one side of a transfer as the notifier sees it
type Party struct {
	Email    string
	Username string
}

// Notifier is told about committed transfers. Calls may block on delivery,
// callers run them off the request path.
type Notifier interface {
	TransferCompleted(transfer models.TransferIntent, sender, recipient Party)
}

// Sender handles sending emails via SMTP
type Sender struct {
	cfg    *config.Config
	logger *logrus.Logger
	send   func(e *email.Email) error
}

// NewSender creates a new email sender
func NewSender(cfg *config.Config, logger *logrus.Logger) *Sender {
	s := &Sender{cfg: cfg, logger: logger}
	s.send = func(e *email.Email) error {
		addr := fmt.Sprintf("%s:%s", cfg.SMTPHost, cfg.SMTPPort)
		var auth smtp.Auth
		if cfg.SMTPUsername != "" {
			auth = smtp.PlainAuth("", cfg.SMTPUsername, cfg.SMTPPassword, cfg.SMTPHost)
		}
		return e.Send(addr, auth)
	}
	return s
}

// TransferCompleted mails both parties and blocks until both sends finish.
// Delivery failures are logged only.
func (s *Sender) TransferCompleted(transfer models.TransferIntent, sender, recipient Party) {
	at := time.Now()
	amount := transfer.Amount.StringFixed(ledger.Scale)
	if sender.Email != "" {
		body := fmt.Sprintf("An amount of %s has been sent from your account to %s.\n", amount, recipient.Username)
		_ = s.sendTransferNotification(sender, "Transfer sent", body, at)
	}
	if recipient.Email != "" {
		body := fmt.Sprintf("Your account has been credited with %s from %s.\n", amount, sender.Username)
		_ = s.sendTransferNotification(recipient, "Transfer received", body, at)
	}
}

// sendTransferNotification sends one notification email
func (s *Sender) sendTransferNotification(to Party, subject, text string, at time.Time) error {
	e := email.NewEmail()
	e.From = s.cfg.SenderEmail
	e.To = []string{to.Email}
	e.Subject = subject

	body := fmt.Sprintf("Dear %s,\n\n", to.Username)
	body += text
	body += fmt.Sprintf("Transaction time: %s\n", at.Format("2006-01-02 15:04:05"))
	body += "\nBest regards,\nLedger Service"
	e.Text = []byte(body)

	if err := s.send(e); err != nil {
		s.logger.Errorf("Failed to send %q notification to %s: %v", subject, to.Email, err)
		return fmt.Errorf("failed to send email: %w", err)
	}

	s.logger.Infof("Email sent to %s: %s", to.Email, e.Subject)
	return nil
}
