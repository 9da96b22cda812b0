package wire

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"strings"
)

// POP3Reader reads status and multi-line responses from a POP3 server.
type POP3Reader struct {
	r *bufio.Reader
}

// NewPOP3Reader wraps r for response reading.
func NewPOP3Reader(r io.Reader) *POP3Reader {
	return &POP3Reader{r: bufio.NewReader(r)}
}

// ReadStatus reads one `+OK ...` / `-ERR ...` status line. It returns
// the trailing text and a nil error for +OK; -ERR yields an error
// carrying the server's reason.
func (pr *POP3Reader) ReadStatus() (string, error) {
	line, err := pr.r.ReadString('\n')
	if err != nil {
		return "", err
	}
	line = strings.TrimRight(line, "\r\n")
	switch {
	case strings.HasPrefix(line, "+OK"):
		return strings.TrimPrefix(strings.TrimPrefix(line, "+OK"), " "), nil
	case strings.HasPrefix(line, "-ERR"):
		return "", fmt.Errorf("server refused: %s",
			strings.TrimPrefix(strings.TrimPrefix(line, "-ERR"), " "))
	}
	return "", parseErrorf([]byte(line), "bad status line")
}

// ReadMultiLine reads the multi-line portion of a response, terminated
// by a line containing a single dot. Leading-dot escaping (".." for a
// line starting with ".") is undone.
func (pr *POP3Reader) ReadMultiLine() ([]byte, error) {
	var out bytes.Buffer
	for {
		line, err := pr.r.ReadBytes('\n')
		if err != nil {
			return out.Bytes(), fmt.Errorf("reading multi-line response: %w", err)
		}
		trimmed := dropCRLF(line)
		if len(trimmed) == 1 && trimmed[0] == '.' {
			return out.Bytes(), nil
		}
		if len(trimmed) > 1 && trimmed[0] == '.' && trimmed[1] == '.' {
			line = line[1:]
		}
		out.Write(line)
	}
}

// POP3Encoder writes POP3 commands.
type POP3Encoder struct {
	w io.Writer
}

// NewPOP3Encoder wraps w for command writing.
func NewPOP3Encoder(w io.Writer) *POP3Encoder {
	return &POP3Encoder{w: w}
}

// Command writes one command line. Arguments are joined with spaces.
func (e *POP3Encoder) Command(verb string, args ...string) error {
	line := verb
	if len(args) > 0 {
		line += " " + strings.Join(args, " ")
	}
	if _, err := fmt.Fprintf(e.w, "%s\r\n", line); err != nil {
		return fmt.Errorf("writing %s: %w", verb, err)
	}
	return nil
}

// ScanListing parses the `n size` pairs of a LIST or UIDL multi-line
// body into a map keyed by message number. Values are the size (LIST)
// or the UIDL string.
func ScanListing(body []byte) (map[int]string, error) {
	out := make(map[int]string)
	for _, line := range strings.Split(string(body), "\n") {
		line = strings.TrimRight(line, "\r")
		if line == "" {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			return out, parseErrorf([]byte(line), "short listing line")
		}
		var n int
		if _, err := fmt.Sscanf(fields[0], "%d", &n); err != nil {
			return out, parseErrorf([]byte(line), "bad message number: %v", err)
		}
		out[n] = fields[1]
	}
	return out, nil
}
