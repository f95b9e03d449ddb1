package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/asampat/glaciate/internal/config"
	"github.com/asampat/glaciate/internal/queue"
	"github.com/asampat/glaciate/pkg/models"
	mail "github.com/wneessen/go-mail"
)

const notifyBatch = 10

// Mailer delivers one notification email.
type Mailer interface {
	Send(ctx context.Context, to, subject, body string) error
}

// SMTPMailer sends mail through a plain SMTP relay.
type SMTPMailer struct {
	cfg config.SMTPConfig
}

// NewSMTPMailer creates an SMTPMailer.
func NewSMTPMailer(cfg config.SMTPConfig) *SMTPMailer {
	return &SMTPMailer{cfg: cfg}
}

func (m *SMTPMailer) Send(ctx context.Context, to, subject, body string) error {
	msg := mail.NewMsg()
	if err := msg.From(m.cfg.From); err != nil {
		return fmt.Errorf("set sender: %w", err)
	}
	if err := msg.To(to); err != nil {
		return fmt.Errorf("set recipient: %w", err)
	}
	msg.Subject(subject)
	msg.SetBodyString(mail.TypeTextPlain, body)

	opts := []mail.Option{mail.WithPort(m.cfg.Port)}
	if m.cfg.Username != "" {
		opts = append(opts,
			mail.WithSMTPAuth(mail.SMTPAuthPlain),
			mail.WithUsername(m.cfg.Username),
			mail.WithPassword(m.cfg.Password),
		)
	}
	client, err := mail.NewClient(m.cfg.Host, opts...)
	if err != nil {
		return fmt.Errorf("create mail client: %w", err)
	}
	if err := client.DialAndSendWithContext(ctx, msg); err != nil {
		return fmt.Errorf("send mail: %w", err)
	}
	return nil
}

// Notifier consumes completion events on its own consumer group and emails
// the job owner. Notification failures are logged and acked: a missed email
// is preferable to re-running archival side effects on a shared channel.
type Notifier struct {
	completions queue.Consumer
	mailer      Mailer
	baseURL     string
	blockWait   time.Duration
	logger      *slog.Logger
}

// NewNotifier creates a Notifier. baseURL is the public address jobs are
// viewable under, included in the email body.
func NewNotifier(completions queue.Consumer, mailer Mailer, baseURL string, blockWait time.Duration, logger *slog.Logger) *Notifier {
	return &Notifier{
		completions: completions,
		mailer:      mailer,
		baseURL:     baseURL,
		blockWait:   blockWait,
		logger:      logger,
	}
}

// Run processes completion events until the context is cancelled.
func (n *Notifier) Run(ctx context.Context) error {
	return runLoop(ctx, "notifier", n.completions, notifyBatch, n.blockWait, n.logger, n.handle)
}

func (n *Notifier) handle(ctx context.Context, msg queue.Message) error {
	payload, err := queue.Unwrap(msg.Body)
	if err != nil {
		n.logger.Error("dropping malformed completion event", "message_id", msg.ID, "error", err)
		return nil
	}

	var ev models.CompletionEvent
	if err := json.Unmarshal(payload, &ev); err != nil {
		n.logger.Error("dropping undecodable completion event", "message_id", msg.ID, "error", err)
		return nil
	}
	if ev.Email == "" {
		n.logger.Info("completion event has no email address", "job_id", ev.JobID)
		return nil
	}

	subject := fmt.Sprintf("Annotation job %s completed", ev.JobID)
	body := fmt.Sprintf("Your annotation job %s finished at %s.\n\nView the results: %s/jobs/%s\n",
		ev.JobID, ev.CompleteTime.Format(time.RFC1123), n.baseURL, ev.JobID)

	if err := n.mailer.Send(ctx, ev.Email, subject, body); err != nil {
		n.logger.Error("failed to send completion email", "job_id", ev.JobID, "error", err)
		return nil
	}

	n.logger.Info("completion email sent", "job_id", ev.JobID)
	return nil
}
