// Package outbox renders drafts into wire-ready messages and drives
// their transmission with bounded retries. Entries persist across
// restarts; a message composed offline goes out when connectivity
// returns.
package outbox

import (
	"bytes"
	"fmt"
	netmail "net/mail"
	"strings"
	"time"

	"github.com/emersion/go-message/mail"
	"github.com/google/uuid"

	"github.com/PratikP1/Wixen-Mail-sub002/internal/model"
)

// Render produces the RFC 5322 payload for a draft and returns it with
// the generated Message-ID. BCC recipients appear only in the envelope,
// never in the rendered headers.
func Render(draft *model.Draft) ([]byte, string, error) {
	if draft.From == "" {
		return nil, "", fmt.Errorf("draft has no sender")
	}
	if len(draft.AllRecipients()) == 0 {
		return nil, "", fmt.Errorf("draft has no recipients")
	}

	msgID := newMessageID(draft.From)

	var h mail.Header
	h.SetDate(time.Now())
	h.SetMsgIDList("Message-Id", []string{msgID})
	h.SetSubject(draft.Subject)

	from, err := parseAddresses([]string{draft.From})
	if err != nil {
		return nil, "", fmt.Errorf("parsing sender: %w", err)
	}
	h.SetAddressList("From", from)

	if len(draft.To) > 0 {
		to, err := parseAddresses(draft.To)
		if err != nil {
			return nil, "", fmt.Errorf("parsing recipients: %w", err)
		}
		h.SetAddressList("To", to)
	}
	if len(draft.CC) > 0 {
		cc, err := parseAddresses(draft.CC)
		if err != nil {
			return nil, "", fmt.Errorf("parsing cc recipients: %w", err)
		}
		h.SetAddressList("Cc", cc)
	}

	if draft.InReplyTo != "" {
		h.SetMsgIDList("In-Reply-To", []string{strings.Trim(draft.InReplyTo, "<>")})
	}
	if len(draft.References) > 0 {
		refs := make([]string, 0, len(draft.References))
		for _, r := range draft.References {
			refs = append(refs, strings.Trim(r, "<>"))
		}
		h.SetMsgIDList("References", refs)
	}

	var buf bytes.Buffer
	if err := writeBody(&buf, h, draft); err != nil {
		return nil, "", err
	}
	return buf.Bytes(), msgID, nil
}

func writeBody(buf *bytes.Buffer, h mail.Header, draft *model.Draft) error {
	// A plain text-only draft stays single-part.
	if draft.HTMLBody == "" && len(draft.Attachments) == 0 {
		h.SetContentType("text/plain", map[string]string{"charset": "utf-8"})
		w, err := mail.CreateSingleInlineWriter(buf, h)
		if err != nil {
			return fmt.Errorf("creating message writer: %w", err)
		}
		if _, err := w.Write([]byte(draft.TextBody)); err != nil {
			return fmt.Errorf("writing text body: %w", err)
		}
		return w.Close()
	}

	mw, err := mail.CreateWriter(buf, h)
	if err != nil {
		return fmt.Errorf("creating message writer: %w", err)
	}

	iw, err := mw.CreateInline()
	if err != nil {
		return fmt.Errorf("creating inline part: %w", err)
	}
	if err := writeInline(iw, "text/plain", draft.TextBody); err != nil {
		return err
	}
	if draft.HTMLBody != "" {
		if err := writeInline(iw, "text/html", draft.HTMLBody); err != nil {
			return err
		}
	}
	if err := iw.Close(); err != nil {
		return fmt.Errorf("closing inline part: %w", err)
	}

	for _, att := range draft.Attachments {
		var ah mail.AttachmentHeader
		mimeType := att.MIMEType
		if mimeType == "" {
			mimeType = "application/octet-stream"
		}
		ah.SetContentType(mimeType, nil)
		ah.SetFilename(att.Filename)
		aw, err := mw.CreateAttachment(ah)
		if err != nil {
			return fmt.Errorf("creating attachment %q: %w", att.Filename, err)
		}
		if _, err := aw.Write(att.Content); err != nil {
			return fmt.Errorf("writing attachment %q: %w", att.Filename, err)
		}
		if err := aw.Close(); err != nil {
			return fmt.Errorf("closing attachment %q: %w", att.Filename, err)
		}
	}

	return mw.Close()
}

func writeInline(iw *mail.InlineWriter, mimeType, body string) error {
	var th mail.InlineHeader
	th.SetContentType(mimeType, map[string]string{"charset": "utf-8"})
	w, err := iw.CreatePart(th)
	if err != nil {
		return fmt.Errorf("creating %s part: %w", mimeType, err)
	}
	if _, err := w.Write([]byte(body)); err != nil {
		return fmt.Errorf("writing %s part: %w", mimeType, err)
	}
	return w.Close()
}

func parseAddresses(raw []string) ([]*mail.Address, error) {
	out := make([]*mail.Address, 0, len(raw))
	for _, r := range raw {
		addr, err := netmail.ParseAddress(r)
		if err != nil {
			return nil, fmt.Errorf("address %q: %w", r, err)
		}
		out = append(out, &mail.Address{Name: addr.Name, Address: addr.Address})
	}
	return out, nil
}

// newMessageID builds a globally unique Message-ID under the sender's
// domain.
func newMessageID(from string) string {
	domain := "localhost"
	if at := strings.LastIndex(from, "@"); at >= 0 {
		domain = strings.Trim(from[at+1:], "<> ")
	}
	return uuid.NewString() + "@" + domain
}
