package wire

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"regexp"
	"strconv"
	"strings"
)

// literalMarker matches an IMAP literal announcement at the end of a
// response line, e.g. `{11}`.
var literalMarker = regexp.MustCompile(`\{(\d+)\}$`)

// maxLiteralSize bounds a single literal so a hostile server cannot make
// the reader allocate without limit.
const maxLiteralSize = 64 << 20

// IMAPReader reads logical IMAP response lines from a stream. A logical
// line includes the contents of every length-prefixed literal it
// announces, reassembled with io.ReadFull no matter how the underlying
// socket splits the bytes.
type IMAPReader struct {
	r *bufio.Reader
}

// NewIMAPReader wraps r for logical-line reading.
func NewIMAPReader(r io.Reader) *IMAPReader {
	return &IMAPReader{r: bufio.NewReader(r)}
}

// ReadLine returns the next logical response line without its trailing
// CRLF. Literal contents (and the CRLF-separated continuation lines that
// follow them) are embedded in the returned slice.
func (ir *IMAPReader) ReadLine() ([]byte, error) {
	line, err := ir.r.ReadBytes('\n')
	if err != nil {
		return nil, err
	}

	for {
		m := literalMarker.FindSubmatch(dropCRLF(line))
		if m == nil {
			break
		}
		n, convErr := strconv.Atoi(string(m[1]))
		if convErr != nil {
			return nil, parseErrorf(line, "bad literal size: %v", convErr)
		}
		if n < 0 || n > maxLiteralSize {
			return nil, parseErrorf(line, "literal size %d out of range", n)
		}

		buf := make([]byte, n)
		if _, err := io.ReadFull(ir.r, buf); err != nil {
			return nil, fmt.Errorf("reading %d-byte literal: %w", n, err)
		}
		line = append(line, buf...)

		rest, err := ir.r.ReadBytes('\n')
		if err != nil {
			return nil, fmt.Errorf("reading line after literal: %w", err)
		}
		line = append(line, rest...)
	}

	return dropCRLF(line), nil
}

func dropCRLF(b []byte) []byte {
	b = bytes.TrimSuffix(b, []byte("\n"))
	return bytes.TrimSuffix(b, []byte("\r"))
}

// String replacers for escaping/unescaping quoted strings.
var (
	AddSlashes    = strings.NewReplacer(`\`, `\\`, `"`, `\"`)
	RemoveSlashes = strings.NewReplacer(`\"`, `"`, `\\`, `\`)
)

// Quote renders s as an IMAP quoted string.
func Quote(s string) string {
	return `"` + AddSlashes.Replace(s) + `"`
}

// IMAPEncoder writes tagged IMAP commands.
type IMAPEncoder struct {
	w io.Writer
}

// NewIMAPEncoder wraps w for command writing.
func NewIMAPEncoder(w io.Writer) *IMAPEncoder {
	return &IMAPEncoder{w: w}
}

// Command writes `tag SP command CRLF` and returns any write error.
func (e *IMAPEncoder) Command(tag, command string) error {
	if _, err := fmt.Fprintf(e.w, "%s %s\r\n", tag, command); err != nil {
		return fmt.Errorf("writing command: %w", err)
	}
	return nil
}

// Raw writes a bare line (used for the IDLE DONE continuation).
func (e *IMAPEncoder) Raw(line string) error {
	if _, err := fmt.Fprintf(e.w, "%s\r\n", line); err != nil {
		return fmt.Errorf("writing line: %w", err)
	}
	return nil
}

// IsTagged reports whether line is the tagged completion for tag, and if
// so returns the status word (OK/NO/BAD) and the remainder text.
func IsTagged(line []byte, tag string) (status string, rest string, ok bool) {
	prefix := []byte(tag + " ")
	if !bytes.HasPrefix(line, prefix) {
		return "", "", false
	}
	body := string(line[len(prefix):])
	if i := strings.IndexByte(body, ' '); i >= 0 {
		return strings.ToUpper(body[:i]), body[i+1:], true
	}
	return strings.ToUpper(body), "", true
}

// IsContinuation reports whether line is a command continuation request.
func IsContinuation(line []byte) bool {
	return len(line) > 0 && line[0] == '+'
}

// TokenType identifies one parsed IMAP data token.
type TokenType int

const (
	TokenAtom TokenType = iota
	TokenNumber
	TokenQuoted
	TokenLiteral
	TokenNil
	TokenList
)

// Token is one node of a parsed IMAP response.
type Token struct {
	Type TokenType
	Str  string
	Num  uint64
	List []*Token
}

// tokenScanner walks a response line and produces tokens. Literal
// contents are expected inline, as produced by IMAPReader.ReadLine.
type tokenScanner struct {
	buf []byte
	pos int
}

// ParseTokens parses a full data segment (e.g. the parenthesized part of
// a FETCH response) into tokens.
func ParseTokens(data []byte) ([]*Token, error) {
	s := &tokenScanner{buf: data}
	var tokens []*Token
	for {
		s.skipSpace()
		if s.pos >= len(s.buf) {
			return tokens, nil
		}
		t, err := s.next()
		if err != nil {
			return tokens, err
		}
		tokens = append(tokens, t)
	}
}

func (s *tokenScanner) skipSpace() {
	for s.pos < len(s.buf) && s.buf[s.pos] == ' ' {
		s.pos++
	}
}

func (s *tokenScanner) next() (*Token, error) {
	switch c := s.buf[s.pos]; c {
	case '(':
		return s.list()
	case '"':
		return s.quoted()
	case '{':
		return s.literal()
	default:
		return s.atom()
	}
}

func (s *tokenScanner) list() (*Token, error) {
	s.pos++ // consume '('
	t := &Token{Type: TokenList}
	for {
		s.skipSpace()
		if s.pos >= len(s.buf) {
			return t, parseErrorf(s.buf, "unterminated list")
		}
		if s.buf[s.pos] == ')' {
			s.pos++
			return t, nil
		}
		child, err := s.next()
		if err != nil {
			return t, err
		}
		t.List = append(t.List, child)
	}
}

func (s *tokenScanner) quoted() (*Token, error) {
	s.pos++ // consume '"'
	var b strings.Builder
	for s.pos < len(s.buf) {
		c := s.buf[s.pos]
		switch c {
		case '\\':
			if s.pos+1 >= len(s.buf) {
				return nil, parseErrorf(s.buf, "dangling escape in quoted string")
			}
			b.WriteByte(s.buf[s.pos+1])
			s.pos += 2
		case '"':
			s.pos++
			return &Token{Type: TokenQuoted, Str: b.String()}, nil
		default:
			b.WriteByte(c)
			s.pos++
		}
	}
	return nil, parseErrorf(s.buf, "unterminated quoted string")
}

func (s *tokenScanner) literal() (*Token, error) {
	end := bytes.IndexByte(s.buf[s.pos:], '}')
	if end < 0 {
		return nil, parseErrorf(s.buf, "unterminated literal marker")
	}
	n, err := strconv.Atoi(string(s.buf[s.pos+1 : s.pos+end]))
	if err != nil {
		return nil, parseErrorf(s.buf, "bad literal size: %v", err)
	}
	s.pos += end + 1
	// The reader embeds the literal right after the marker's CRLF.
	if s.pos < len(s.buf) && s.buf[s.pos] == '\r' {
		s.pos++
	}
	if s.pos < len(s.buf) && s.buf[s.pos] == '\n' {
		s.pos++
	}
	if s.pos+n > len(s.buf) {
		// Best effort: take what is present.
		n = len(s.buf) - s.pos
	}
	str := string(s.buf[s.pos : s.pos+n])
	s.pos += n
	return &Token{Type: TokenLiteral, Str: str}, nil
}

func (s *tokenScanner) atom() (*Token, error) {
	start := s.pos
	depth := 0
	for s.pos < len(s.buf) {
		c := s.buf[s.pos]
		// Bracketed item names like BODY[HEADER.FIELDS (FROM TO)] keep
		// their spaces and parens until the closing bracket.
		switch {
		case c == '[':
			depth++
		case c == ']':
			depth--
		case depth == 0 && (c == ' ' || c == ')' || c == '('):
			goto done
		}
		s.pos++
	}
done:
	raw := string(s.buf[start:s.pos])
	if raw == "" {
		return nil, parseErrorf(s.buf, "empty atom at %d", start)
	}
	if strings.EqualFold(raw, "NIL") {
		return &Token{Type: TokenNil}, nil
	}
	if n, err := strconv.ParseUint(raw, 10, 64); err == nil {
		return &Token{Type: TokenNumber, Num: n, Str: raw}, nil
	}
	return &Token{Type: TokenAtom, Str: raw}, nil
}

// FetchRecord is one parsed `* n FETCH (...)` response.
type FetchRecord struct {
	Seq   uint32
	UID   uint32
	Flags []string
	Size  int64
	// Body holds the contents of the first BODY[...] item (header
	// fields or full message, depending on the request).
	Body []byte
}

// ParseFetch parses a FETCH response line as produced by
// IMAPReader.ReadLine.
func ParseFetch(line []byte) (*FetchRecord, error) {
	u, ok := ParseUntagged(line)
	if !ok || !strings.EqualFold(u.Keyword, "FETCH") {
		return nil, parseErrorf(line, "not a FETCH response")
	}

	tokens, err := ParseTokens(u.Rest)
	if err != nil {
		return nil, err
	}
	if len(tokens) != 1 || tokens[0].Type != TokenList {
		return nil, parseErrorf(line, "FETCH data is not a list")
	}

	rec := &FetchRecord{Seq: u.Num}
	items := tokens[0].List
	for i := 0; i+1 < len(items); i += 2 {
		name := strings.ToUpper(items[i].Str)
		val := items[i+1]
		switch {
		case name == "UID" && val.Type == TokenNumber:
			rec.UID = uint32(val.Num)
		case name == "FLAGS" && val.Type == TokenList:
			for _, f := range val.List {
				rec.Flags = append(rec.Flags, f.Str)
			}
		case name == "RFC822.SIZE" && val.Type == TokenNumber:
			rec.Size = int64(val.Num)
		case strings.HasPrefix(name, "BODY["):
			if val.Type == TokenLiteral || val.Type == TokenQuoted {
				rec.Body = []byte(val.Str)
			}
		}
	}
	return rec, nil
}

// Untagged is one `* ...` response line split into its leading number
// (when present), keyword, and remainder.
type Untagged struct {
	Num     uint32
	Keyword string
	Rest    []byte
}

// ParseUntagged splits an untagged response line. It handles both the
// `* <num> <keyword> ...` and `* <keyword> ...` shapes.
func ParseUntagged(line []byte) (*Untagged, bool) {
	if !bytes.HasPrefix(line, []byte("* ")) {
		return nil, false
	}
	rest := line[2:]
	i := bytes.IndexByte(rest, ' ')

	first := rest
	if i >= 0 {
		first = rest[:i]
	}

	if n, err := strconv.ParseUint(string(first), 10, 32); err == nil {
		u := &Untagged{Num: uint32(n)}
		if i < 0 {
			return nil, false
		}
		rest = rest[i+1:]
		if j := bytes.IndexByte(rest, ' '); j >= 0 {
			u.Keyword = string(rest[:j])
			u.Rest = rest[j+1:]
		} else {
			u.Keyword = string(rest)
		}
		return u, true
	}

	u := &Untagged{Keyword: string(first)}
	if i >= 0 {
		u.Rest = rest[i+1:]
	}
	return u, true
}

// respCode matches a bracketed response code like [UIDVALIDITY 123].
var respCode = regexp.MustCompile(`\[([A-Za-z0-9.-]+)(?: ([^\]]+))?\]`)

// ParseResponseCode extracts a response code and its argument from an
// OK/NO/BAD line, e.g. UIDVALIDITY from `* OK [UIDVALIDITY 3857529045]`.
func ParseResponseCode(line []byte) (code string, arg string, ok bool) {
	m := respCode.FindSubmatch(line)
	if m == nil {
		return "", "", false
	}
	return strings.ToUpper(string(m[1])), string(m[2]), true
}

// ParseSearch parses a `* SEARCH n n n` response into UIDs.
func ParseSearch(line []byte) ([]uint32, error) {
	u, ok := ParseUntagged(line)
	if !ok || !strings.EqualFold(u.Keyword, "SEARCH") {
		return nil, parseErrorf(line, "not a SEARCH response")
	}
	fields := strings.Fields(string(u.Rest))
	uids := make([]uint32, 0, len(fields))
	for _, f := range fields {
		n, err := strconv.ParseUint(f, 10, 32)
		if err != nil {
			return uids, parseErrorf(line, "bad UID %q", f)
		}
		uids = append(uids, uint32(n))
	}
	return uids, nil
}

// ListEntry is one parsed LIST response.
type ListEntry struct {
	Attributes []string
	Delimiter  string
	Name       string
}

// ParseList parses a `* LIST (\attrs) "/" name` response line.
func ParseList(line []byte) (*ListEntry, error) {
	u, ok := ParseUntagged(line)
	if !ok || !strings.EqualFold(u.Keyword, "LIST") {
		return nil, parseErrorf(line, "not a LIST response")
	}
	tokens, err := ParseTokens(u.Rest)
	if err != nil {
		return nil, err
	}
	if len(tokens) < 3 {
		return nil, parseErrorf(line, "short LIST response")
	}
	entry := &ListEntry{}
	if tokens[0].Type == TokenList {
		for _, a := range tokens[0].List {
			entry.Attributes = append(entry.Attributes, a.Str)
		}
	}
	if tokens[1].Type != TokenNil {
		entry.Delimiter = tokens[1].Str
	}
	entry.Name = tokens[2].Str
	return entry, nil
}
