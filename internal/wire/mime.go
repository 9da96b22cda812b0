package wire

import (
	"bytes"
	"fmt"
	netmail "net/mail"
	"strings"
	"time"

	"github.com/jhillyerd/enmime"
)

// Envelope is the parsed RFC 5322 envelope of a message.
type Envelope struct {
	MessageID  string
	Subject    string
	From       string
	To         []string
	CC         []string
	BCC        []string
	Date       time.Time
	InReplyTo  string
	References []string
}

// AttachmentPart is one attachment flattened out of a MIME tree.
type AttachmentPart struct {
	Filename string
	MIMEType string
	Content  []byte
}

// ParsedMail is the structured result of parsing one RFC 5322 message.
// A malformed message still yields the fields that could be recovered;
// Problems records what went wrong.
type ParsedMail struct {
	Envelope    Envelope
	TextBody    string
	HTMLBody    string
	Attachments []AttachmentPart
	// Signed reports that a signature part was present. Detection only;
	// verification is out of scope.
	Signed bool
	// Problems holds best-effort parse diagnostics.
	Problems []*ParseError
}

// ParseMessage parses a full message (headers and body). Charsets are
// folded to UTF-8 with replacement characters on invalid sequences;
// quoted-printable and base64 transfer encodings are decoded; multipart
// trees are flattened into inline bodies and attachments by
// Content-Disposition. The returned error is non-nil only when not even
// a partial parse was possible.
func ParseMessage(raw []byte) (*ParsedMail, error) {
	env, err := enmime.ReadEnvelope(bytes.NewReader(raw))
	if err != nil {
		// Header parse failed entirely; fall back to treating the input
		// as a bare text body so the caller still gets content.
		return &ParsedMail{
			TextBody: string(raw),
			Problems: []*ParseError{parseErrorf(nil, "unparseable message: %v", err)},
		}, nil
	}

	parsed := &ParsedMail{
		Envelope: envelopeFromHeaders(env),
		TextBody: env.Text,
		HTMLBody: env.HTML,
	}

	for _, att := range env.Attachments {
		parsed.Attachments = append(parsed.Attachments, AttachmentPart{
			Filename: att.FileName,
			MIMEType: att.ContentType,
			Content:  att.Content,
		})
	}
	for _, part := range env.OtherParts {
		if strings.HasPrefix(part.ContentType, "application/pkcs7") ||
			strings.HasPrefix(part.ContentType, "application/pgp-signature") {
			parsed.Signed = true
			continue
		}
		parsed.Attachments = append(parsed.Attachments, AttachmentPart{
			Filename: part.FileName,
			MIMEType: part.ContentType,
			Content:  part.Content,
		})
	}

	for _, e := range env.Errors {
		parsed.Problems = append(parsed.Problems,
			parseErrorf(nil, "%s: %s", e.Name, e.Detail))
	}

	return parsed, nil
}

// ParseHeaderBlock parses an envelope from a bare header block, as
// returned by an IMAP BODY.PEEK[HEADER.FIELDS (...)] fetch or POP3 TOP.
func ParseHeaderBlock(raw []byte) (*Envelope, error) {
	// A header-only block still needs the terminating blank line.
	if !bytes.HasSuffix(raw, []byte("\r\n\r\n")) {
		raw = append(append([]byte{}, raw...), '\r', '\n', '\r', '\n')
	}
	env, err := enmime.ReadEnvelope(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("parsing header block: %w", err)
	}
	e := envelopeFromHeaders(env)
	return &e, nil
}

func envelopeFromHeaders(env *enmime.Envelope) Envelope {
	e := Envelope{
		MessageID: strings.Trim(env.GetHeader("Message-Id"), "<>"),
		Subject:   env.GetHeader("Subject"),
		InReplyTo: strings.Trim(env.GetHeader("In-Reply-To"), "<>"),
	}

	if from, err := env.AddressList("From"); err == nil && len(from) > 0 {
		e.From = from[0].String()
	} else {
		e.From = env.GetHeader("From")
	}
	e.To = addressStrings(env, "To")
	e.CC = addressStrings(env, "Cc")
	e.BCC = addressStrings(env, "Bcc")

	if d, err := netmail.ParseDate(env.GetHeader("Date")); err == nil {
		e.Date = d
	}

	for _, ref := range strings.Fields(env.GetHeader("References")) {
		e.References = append(e.References, strings.Trim(ref, "<>"))
	}

	return e
}

func addressStrings(env *enmime.Envelope, key string) []string {
	list, err := env.AddressList(key)
	if err != nil || len(list) == 0 {
		return nil
	}
	out := make([]string, 0, len(list))
	for _, a := range list {
		out = append(out, a.String())
	}
	return out
}
