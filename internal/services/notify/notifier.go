// Package notify tells recipients that a report job finished.
package notify

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/smtp"
	"strings"
	"time"

	"github.com/emersion/go-message/mail"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/neurareport/internal/common"
	"github.com/ternarybob/neurareport/internal/interfaces"
	"github.com/ternarybob/neurareport/internal/models"
)

// SendFunc matches smtp.SendMail
type SendFunc func(addr string, auth smtp.Auth, from string, to []string, msg []byte) error

// SMTPNotifier emails the artifact list of a finished job. Delivery is retried
// with backoff up to MaxAttempts.
type SMTPNotifier struct {
	cfg       common.SMTPConfig
	attempts  int
	baseDelay time.Duration
	send      SendFunc
	logger    arbor.ILogger
}

var _ interfaces.Notifier = (*SMTPNotifier)(nil)

func NewSMTPNotifier(cfg common.NotifyConfig, logger arbor.ILogger) *SMTPNotifier {
	attempts := cfg.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}
	return &SMTPNotifier{
		cfg:       cfg.SMTP,
		attempts:  attempts,
		baseDelay: time.Second,
		send:      smtp.SendMail,
		logger:    logger,
	}
}

// WithSender swaps the transport, mainly for tests
func (n *SMTPNotifier) WithSender(send SendFunc, baseDelay time.Duration) *SMTPNotifier {
	n.send = send
	n.baseDelay = baseDelay
	return n
}

func (n *SMTPNotifier) Notify(ctx context.Context, recipients []string, manifest models.Manifest) error {
	if len(recipients) == 0 {
		return nil
	}
	if n.cfg.Host == "" || n.cfg.From == "" {
		return errors.New("SMTP host and from address must be configured")
	}

	msg, err := composeMessage(n.cfg.From, recipients, manifest)
	if err != nil {
		return err
	}

	addr := fmt.Sprintf("%s:%d", n.cfg.Host, n.cfg.Port)
	var auth smtp.Auth
	if n.cfg.Username != "" {
		auth = smtp.PlainAuth("", n.cfg.Username, n.cfg.Password, n.cfg.Host)
	}

	delay := n.baseDelay
	for attempt := 1; ; attempt++ {
		err = n.send(addr, auth, n.cfg.From, recipients, msg)
		if err == nil {
			n.logger.Info().
				Str("job_id", manifest.JobID).
				Int("recipients", len(recipients)).
				Int("attempt", attempt).
				Msg("Job notification sent")
			return nil
		}
		if attempt >= n.attempts {
			break
		}

		n.logger.Warn().
			Err(err).
			Str("job_id", manifest.JobID).
			Int("attempt", attempt).
			Dur("backoff", delay).
			Msg("Job notification failed, retrying")

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
	}
	return fmt.Errorf("notification for job %s failed after %d attempts: %w", manifest.JobID, n.attempts, err)
}

func composeMessage(from string, recipients []string, manifest models.Manifest) ([]byte, error) {
	to := make([]*mail.Address, 0, len(recipients))
	for _, r := range recipients {
		addr, err := mail.ParseAddress(r)
		if err != nil {
			return nil, fmt.Errorf("invalid recipient %q: %w", r, err)
		}
		to = append(to, addr)
	}

	var h mail.Header
	h.SetDate(time.Now())
	h.SetAddressList("From", []*mail.Address{{Address: from}})
	h.SetAddressList("To", to)
	h.SetSubject(fmt.Sprintf("Report job %s %s", manifest.TemplateID, manifest.Status))
	h.SetContentType("text/plain", map[string]string{"charset": "utf-8"})

	var buf bytes.Buffer
	w, err := mail.CreateSingleInlineWriter(&buf, h)
	if err != nil {
		return nil, fmt.Errorf("failed to create message: %w", err)
	}
	if _, err := io.WriteString(w, Summary(manifest)); err != nil {
		return nil, fmt.Errorf("failed to write message body: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("failed to finish message: %w", err)
	}
	return buf.Bytes(), nil
}

// Summary is the plain-text body shared by all notifiers
func Summary(manifest models.Manifest) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Job %s (%s) finished with status %s.\n", manifest.JobID, manifest.TemplateID, manifest.Status)
	if manifest.Error != "" {
		fmt.Fprintf(&b, "Error: %s\n", manifest.Error)
	}
	fmt.Fprintf(&b, "\nArtifacts (%d):\n", len(manifest.Artifacts))
	for _, a := range manifest.Artifacts {
		fmt.Fprintf(&b, "  %s  %s  %s  sha256:%s\n", a.BatchID, a.Format, a.Path, a.ContentHash)
	}
	if len(manifest.Errors) > 0 {
		fmt.Fprintf(&b, "\nErrors (%d):\n", len(manifest.Errors))
		for _, e := range manifest.Errors {
			fmt.Fprintf(&b, "  %s  %s  %s\n", e.BatchID, e.Step, e.Message)
		}
	}
	return b.String()
}

// LogNotifier records notifications in the log instead of sending them
type LogNotifier struct {
	logger arbor.ILogger
}

var _ interfaces.Notifier = (*LogNotifier)(nil)

func NewLogNotifier(logger arbor.ILogger) *LogNotifier {
	return &LogNotifier{logger: logger}
}

func (n *LogNotifier) Notify(_ context.Context, recipients []string, manifest models.Manifest) error {
	n.logger.Info().
		Str("job_id", manifest.JobID).
		Str("status", string(manifest.Status)).
		Strs("recipients", recipients).
		Int("artifacts", len(manifest.Artifacts)).
		Msg("Job notification (delivery disabled)")
	return nil
}
