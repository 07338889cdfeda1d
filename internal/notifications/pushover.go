package notifications

import (
	"context"
	"fmt"
	"io"
	"log"
	"net/url"
	"strings"
	"time"

	shoutrrr "github.com/nicholas-fedor/shoutrrr"
	stypes "github.com/nicholas-fedor/shoutrrr/pkg/types"
)

// Pushover delivers alerts through the Pushover API using shoutrrr. The
// credential passed to Send is the recipient's Pushover user key.
type Pushover struct {
	appToken string
	timeout  time.Duration
}

var _ Transport = (*Pushover)(nil)

// NewPushover returns nil if appToken is empty (notifications disabled).
func NewPushover(appToken string, timeout time.Duration) *Pushover {
	if appToken == "" {
		return nil
	}
	return &Pushover{appToken: appToken, timeout: timeout}
}

// Send implements Transport.
func (p *Pushover) Send(ctx context.Context, userKey string, msg Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	userKey = strings.TrimSpace(userKey)
	if userKey == "" {
		return fmt.Errorf("empty user key: %w", ErrInvalidCredential)
	}

	sender, err := shoutrrr.CreateSender(p.serviceURL(userKey))
	if err != nil {
		return fmt.Errorf("pushover sender: %s: %w", p.redact(err), ErrInvalidCredential)
	}
	// router handles its own timeouts; derive one from ctx when it is tighter
	timeout := p.timeout
	if deadline, ok := ctx.Deadline(); ok {
		if left := time.Until(deadline); timeout <= 0 || left < timeout {
			timeout = left
		}
	}
	if timeout > 0 {
		sender.Timeout = timeout
	}
	sender.SetLogger(log.New(io.Discard, "", 0))

	params := stypes.Params{}
	params.SetTitle(msg.Title)
	for _, e := range sender.Send(msg.Body, &params) {
		if e != nil {
			return classifyPushoverError(p.redact(e))
		}
	}
	return nil
}

func (p *Pushover) serviceURL(userKey string) string {
	u := url.URL{
		Scheme: "pushover",
		User:   url.UserPassword("shoutrrr", p.appToken),
		Host:   userKey,
		Path:   "/",
	}
	return u.String()
}

// redact strips the app token from error text.
func (p *Pushover) redact(err error) string {
	return strings.ReplaceAll(err.Error(), p.appToken, "***")
}

// classifyPushoverError maps a send failure to the transport error kinds.
// Pushover answers 4xx (other than 429) when the user or token is rejected.
func classifyPushoverError(text string) error {
	lower := strings.ToLower(text)
	switch {
	case strings.Contains(lower, "429"), strings.Contains(lower, "too many"):
		return fmt.Errorf("pushover: %s: %w", text, ErrTransient)
	case strings.Contains(lower, "400"), strings.Contains(lower, "bad request"),
		strings.Contains(lower, "invalid"), strings.Contains(lower, "401"), strings.Contains(lower, "403"):
		return fmt.Errorf("pushover: %s: %w", text, ErrInvalidCredential)
	default:
		return fmt.Errorf("pushover: %s: %w", text, ErrTransient)
	}
}
