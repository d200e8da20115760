package notify

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/smtp"
	"testing"
	"time"

	"github.com/emersion/go-message/mail"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/neurareport/internal/common"
	"github.com/ternarybob/neurareport/internal/models"
)

func finishedManifest() models.Manifest {
	return models.Manifest{
		JobID:      "job-1",
		Status:     models.JobStatusCompletedWithErrors,
		TemplateID: "sales",
		Artifacts: []models.RenderOutput{
			{BatchID: "b1", Format: models.FormatPDF, Path: "/out/job-1/b1.pdf", ContentHash: "abc"},
		},
		Errors: []models.JobErrorEntry{{BatchID: "b3", Step: "render_batches", Message: "renderer timeout"}},
	}
}

func smtpConfig() common.NotifyConfig {
	return common.NotifyConfig{
		Enabled:     true,
		MaxAttempts: 3,
		SMTP:        common.SMTPConfig{Host: "smtp.example.com", Port: 587, From: "reports@example.com"},
	}
}

func TestSMTPNotifier_ComposesMessage(t *testing.T) {
	var sent []byte
	var rcpt []string
	n := NewSMTPNotifier(smtpConfig(), arbor.NewLogger()).WithSender(func(addr string, _ smtp.Auth, from string, to []string, msg []byte) error {
		assert.Equal(t, "smtp.example.com:587", addr)
		assert.Equal(t, "reports@example.com", from)
		rcpt = to
		sent = msg
		return nil
	}, time.Millisecond)

	require.NoError(t, n.Notify(context.Background(), []string{"ops@example.com"}, finishedManifest()))
	assert.Equal(t, []string{"ops@example.com"}, rcpt)

	r, err := mail.CreateReader(bytes.NewReader(sent))
	require.NoError(t, err)
	subject, err := r.Header.Subject()
	require.NoError(t, err)
	assert.Equal(t, "Report job sales COMPLETED_WITH_ERRORS", subject)

	part, err := r.NextPart()
	require.NoError(t, err)
	body, err := io.ReadAll(part.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "/out/job-1/b1.pdf")
	assert.Contains(t, string(body), "renderer timeout")
}

func TestSMTPNotifier_RetriesThenGivesUp(t *testing.T) {
	calls := 0
	n := NewSMTPNotifier(smtpConfig(), arbor.NewLogger()).WithSender(func(string, smtp.Auth, string, []string, []byte) error {
		calls++
		return errors.New("451 try again")
	}, time.Millisecond)

	err := n.Notify(context.Background(), []string{"ops@example.com"}, finishedManifest())
	require.Error(t, err)
	assert.Equal(t, 3, calls)
}

func TestSMTPNotifier_RecoversOnRetry(t *testing.T) {
	calls := 0
	n := NewSMTPNotifier(smtpConfig(), arbor.NewLogger()).WithSender(func(string, smtp.Auth, string, []string, []byte) error {
		calls++
		if calls == 1 {
			return errors.New("connection reset")
		}
		return nil
	}, time.Millisecond)

	require.NoError(t, n.Notify(context.Background(), []string{"ops@example.com"}, finishedManifest()))
	assert.Equal(t, 2, calls)
}

func TestSMTPNotifier_RejectsBadRecipient(t *testing.T) {
	n := NewSMTPNotifier(smtpConfig(), arbor.NewLogger()).WithSender(func(string, smtp.Auth, string, []string, []byte) error {
		t.Fatal("nothing should be sent")
		return nil
	}, time.Millisecond)

	assert.Error(t, n.Notify(context.Background(), []string{"not an address"}, finishedManifest()))
}

func TestLogNotifier(t *testing.T) {
	assert.NoError(t, NewLogNotifier(arbor.NewLogger()).Notify(context.Background(), []string{"a@example.com"}, finishedManifest()))
}
