package relay

import (
	"bytes"
	"context"
	"fmt"
	"html/template"
	"strings"
	"time"

	"github.com/fannst/fmta/addr"
)

var bounceTemplate = template.Must(template.New("bounce").Parse(`<html><body>
<p>The following message could not be delivered to one or more recipients:</p>
<ul>
{{range .Failures}}<li>{{.Target}} &mdash; {{.Diagnostic}}</li>
{{end}}</ul>
<p>Generated {{.GeneratedAt}}.</p>
</body></html>`))

type bounceData struct {
	Failures    []DeliveryError
	GeneratedAt string
}

// RenderBounce composes the HTML notification spec.md §4.10 describes,
// wrapped in a minimal RFC 5322 envelope.
func RenderBounce(from, to addr.Address, failures []DeliveryError, generatedAt time.Time) ([]byte, error) {
	var body bytes.Buffer
	if err := bounceTemplate.Execute(&body, bounceData{Failures: failures, GeneratedAt: generatedAt.UTC().Format(time.RFC1123)}); err != nil {
		return nil, fmt.Errorf("relay: render bounce: %w", err)
	}
	var msg bytes.Buffer
	fmt.Fprintf(&msg, "From: %s\r\n", from.Mailbox())
	fmt.Fprintf(&msg, "To: %s\r\n", to.Mailbox())
	msg.WriteString("Subject: Undelivered Mail Returned to Sender\r\n")
	msg.WriteString("MIME-Version: 1.0\r\n")
	msg.WriteString("Content-Type: text/html; charset=utf-8\r\n")
	msg.WriteString("\r\n")
	msg.Write(body.Bytes())
	return msg.Bytes(), nil
}

// ShouldSuppressBounce reports whether a bounce addressed to
// originalSender must be suppressed to avoid an infinite loop: spec.md
// §8 "no bounce is ever addressed to the delivery subsystem's own
// address".
func ShouldSuppressBounce(originalSender, bounceFromAddress addr.Address) bool {
	return strings.EqualFold(originalSender.Mailbox(), bounceFromAddress.Mailbox())
}

// SendBounce composes and relays a bounce to originalSender describing
// failures, unless failures is empty or the loop-prevention check
// suppresses it. Callers are expected to have already checked the
// handoff's SuppressErrorMail flag (X-Fannst-Flags mailer=nerror).
func (c *Client) SendBounce(ctx context.Context, originalSender, bounceFromAddress addr.Address, failures []DeliveryError) error {
	if len(failures) == 0 {
		return nil
	}
	if ShouldSuppressBounce(originalSender, bounceFromAddress) {
		return nil
	}
	raw, err := RenderBounce(bounceFromAddress, originalSender, failures, time.Now())
	if err != nil {
		return err
	}
	if errs := c.Relay(ctx, bounceFromAddress, []addr.Address{originalSender}, raw); len(errs) > 0 {
		if c.Metrics != nil {
			c.Metrics.IncBounce()
		}
		return errs[0].Err
	}
	if c.Metrics != nil {
		c.Metrics.IncBounce()
	}
	return nil
}
