// Package notify e-mails the buyer a receipt once a checkout completes.
package notify

import (
	"fmt"
	"html"
	"strings"

	"github.com/asaskevich/EventBus"
	"github.com/sendgrid/sendgrid-go"
	"github.com/sendgrid/sendgrid-go/helpers/mail"
	"github.com/sirupsen/logrus"

	"github.com/fabriqs/go-checkout/checkout"
	"github.com/fabriqs/go-checkout/config"
	"github.com/fabriqs/go-checkout/payment"
)

const receiptSubject = "Your order is confirmed"

// Mailer delivers one message.
type Mailer interface {
	Deliver(message *mail.SGMailV3) error
}

type sendgridMailer struct {
	client *sendgrid.Client
}

func (m sendgridMailer) Deliver(message *mail.SGMailV3) error {
	resp, err := m.client.Send(message)
	if err != nil {
		return fmt.Errorf("sendgrid: %w", err)
	}
	if resp.StatusCode >= 300 {
		return fmt.Errorf("sendgrid: status %d: %s", resp.StatusCode, resp.Body)
	}
	return nil
}

type Notifier struct {
	mailer Mailer
	from   *mail.Email
	log    logrus.FieldLogger
}

// New returns a notifier backed by SendGrid, or nil when no API key or sender
// address is configured.
func New(cfg config.Notify, log logrus.FieldLogger) *Notifier {
	if cfg.SendGridAPIKey == "" || cfg.From == "" {
		log.Info("receipt e-mail disabled")
		return nil
	}
	return NewWithMailer(sendgridMailer{client: sendgrid.NewSendClient(cfg.SendGridAPIKey)}, cfg.From, log)
}

func NewWithMailer(mailer Mailer, from string, log logrus.FieldLogger) *Notifier {
	return &Notifier{
		mailer: mailer,
		from:   mail.NewEmail("Checkout", from),
		log:    log.WithField("component", "notify"),
	}
}

// Subscribe delivers receipts asynchronously so a slow mail API never holds
// up a checkout session.
func (n *Notifier) Subscribe(bus EventBus.Bus) error {
	return bus.SubscribeAsync(checkout.TopicTransition, n.handle, false)
}

func (n *Notifier) handle(t checkout.Transition) {
	if t.To != checkout.PhaseTerminal || t.View.Outcome != payment.StateCompleted || t.BuyerEmail == "" {
		return
	}
	log := n.log.WithFields(logrus.Fields{
		"session_id": t.SessionID,
		"intent_id":  t.View.IntentID,
	})
	if err := n.mailer.Deliver(Receipt(n.from, t)); err != nil {
		log.WithError(err).Error("receipt not sent")
		return
	}
	log.Info("receipt sent")
}

// Receipt builds the confirmation message for a completed session.
func Receipt(from *mail.Email, t checkout.Transition) *mail.SGMailV3 {
	to := mail.NewEmail("", t.BuyerEmail)

	var text strings.Builder
	fmt.Fprintf(&text, "Thanks for your order.\n\nOrder reference: %s\n", t.View.IntentID)
	if t.View.CostDisplay != "" {
		fmt.Fprintf(&text, "Total charged: %s\n", t.View.CostDisplay)
	}
	plain := text.String()
	body := "<p>" + strings.ReplaceAll(html.EscapeString(strings.TrimSpace(plain)), "\n", "<br>") + "</p>"

	return mail.NewSingleEmail(from, receiptSubject, to, plain, body)
}
