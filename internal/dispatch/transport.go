package dispatch

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	mail "github.com/wneessen/go-mail"
)

// Message is one outbound email, fully resolved (no settings lookups
// below this point).
type Message struct {
	From       string
	Credential string
	To         string
	Subject    string
	Body       string
}

// Transport submits one message and returns a provider message id.
// Implementations must honor ctx cancellation/deadline.
type Transport interface {
	Send(ctx context.Context, m Message) (string, error)
}

// SMTPTransport sends via submission + STARTTLS.
type SMTPTransport struct {
	Host string
	Port int
}

// NewSMTPTransport returns a transport for host:port. Zero values fall
// back to Gmail submission defaults.
func NewSMTPTransport(host string, port int) *SMTPTransport {
	return &SMTPTransport{Host: host, Port: port}
}

func (t *SMTPTransport) Send(ctx context.Context, m Message) (string, error) {
	msg := mail.NewMsg()
	if err := msg.From(m.From); err != nil {
		return "", fmt.Errorf("invalid sender %q: %w", m.From, err)
	}
	if err := msg.To(m.To); err != nil {
		return "", fmt.Errorf("invalid recipient %q: %w", m.To, err)
	}
	id := fmt.Sprintf("<%s@daymail>", uuid.NewString())
	msg.SetMessageIDWithValue(id)
	msg.Subject(m.Subject)
	msg.SetBodyString(mail.TypeTextPlain, m.Body)

	host := t.Host
	if host == "" {
		host = "smtp.gmail.com"
	}
	port := t.Port
	if port == 0 {
		port = 587
	}

	c, err := mail.NewClient(host,
		mail.WithPort(port),
		mail.WithTLSPortPolicy(mail.TLSMandatory),
		mail.WithSMTPAuth(mail.SMTPAuthPlain),
		mail.WithUsername(m.From),
		mail.WithPassword(m.Credential),
	)
	if err != nil {
		return "", fmt.Errorf("smtp client: %w", err)
	}
	if err := c.DialAndSendWithContext(ctx, msg); err != nil {
		return "", err
	}
	return id, nil
}
