package services

import (
	"context"
	"fmt"
	"log"
	"strings"

	"lex_billing_app_go/config"

	"github.com/resend/resend-go/v2"
)

// EmailTransport delivers one document to one recipient and reports the
// outcome. Absence of a configured transport is a normal operating mode, not a
// failure: the engine skips dispatch entirely when IsConfigured is false.
type EmailTransport interface {
	Send(ctx context.Context, recipient, subject string, attachment []byte, filename string) error
	IsConfigured() bool
}

// ResendTransport sends billing documents through the Resend API.
type ResendTransport struct {
	apiKey   string
	from     string
	testMode bool
}

// NewResendTransport builds the transport from application configuration.
func NewResendTransport(cfg *config.Config) *ResendTransport {
	return &ResendTransport{
		apiKey:   cfg.ResendAPIKey,
		from:     fmt.Sprintf("%s <%s>", cfg.EmailFromName, cfg.EmailFrom),
		testMode: cfg.EmailTestMode,
	}
}

// IsConfigured reports whether the transport can attempt delivery.
func (t *ResendTransport) IsConfigured() bool {
	return t.testMode || t.apiKey != ""
}

// Send delivers the document as a PDF attachment.
func (t *ResendTransport) Send(ctx context.Context, recipient, subject string, attachment []byte, filename string) error {
	// In development mode, log the email instead of sending
	if t.testMode {
		logDispatchToConsole(recipient, subject, filename, len(attachment))
		return nil
	}

	if t.apiKey == "" {
		return fmt.Errorf("RESEND_API_KEY not configured")
	}

	client := resend.NewClient(t.apiKey)

	params := &resend.SendEmailRequest{
		From:    t.from,
		To:      []string{recipient},
		Subject: subject,
		Text:    fmt.Sprintf("Adjunto documento: %s", filename),
		Attachments: []*resend.Attachment{
			{
				Filename:    filename,
				Content:     attachment,
				ContentType: "application/pdf",
			},
		},
	}

	sent, err := client.Emails.SendWithContext(ctx, params)
	if err != nil {
		return fmt.Errorf("failed to send email via Resend: %w", err)
	}

	log.Printf("Email sent successfully via Resend (ID: %s) to: %s", sent.Id, recipient)
	return nil
}

// logDispatchToConsole logs dispatch details in development mode
func logDispatchToConsole(recipient, subject, filename string, size int) {
	separator := strings.Repeat("=", 80)
	log.Printf("\n%s\n📧 EMAIL (Development Mode - Not Actually Sent)\n%s", separator, separator)
	log.Printf("To: %s", recipient)
	log.Printf("Subject: %s", subject)
	log.Printf("Attachment: %s (%d bytes)", filename, size)
	log.Printf("%s\n", separator)
}
