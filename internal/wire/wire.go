// Package wire implements the protocol codecs the engine speaks on the
// wire: IMAP command/response framing (including literal reassembly and
// FETCH token parsing), the POP3 line protocol, and RFC 5322 + MIME
// message parsing. SMTP framing is handled by the go-smtp client and is
// not duplicated here.
package wire

import "fmt"

// ParseError describes malformed protocol or message input. Parsing is
// best-effort: callers usually receive a partial result alongside the
// error detail rather than nothing.
type ParseError struct {
	Input  string
	Detail string
}

func (e *ParseError) Error() string {
	if e.Input == "" {
		return fmt.Sprintf("parse error: %s", e.Detail)
	}
	return fmt.Sprintf("parse error: %s in %q", e.Detail, truncate(e.Input, 120))
}

func parseErrorf(input []byte, format string, args ...interface{}) *ParseError {
	return &ParseError{Input: string(input), Detail: fmt.Sprintf(format, args...)}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
