package wire

import (
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// chunkReader returns its contents in fixed-size pieces to simulate a
// socket splitting reads at arbitrary points.
type chunkReader struct {
	data  []byte
	chunk int
}

func (c *chunkReader) Read(p []byte) (int, error) {
	if len(c.data) == 0 {
		return 0, io.EOF
	}
	n := c.chunk
	if n > len(c.data) {
		n = len(c.data)
	}
	if n > len(p) {
		n = len(p)
	}
	copy(p, c.data[:n])
	c.data = c.data[n:]
	return n, nil
}

func TestReadLineReassemblesSplitLiteral(t *testing.T) {
	raw := "* 1 FETCH (BODY[] {11}\r\nhello world)\r\n"

	// Deliver the stream in 5-byte chunks so the 11-byte literal spans
	// several reads.
	r := NewIMAPReader(&chunkReader{data: []byte(raw), chunk: 5})

	line, err := r.ReadLine()
	require.NoError(t, err)
	assert.Equal(t, "* 1 FETCH (BODY[] {11}\r\nhello world)", string(line))

	rec, err := ParseFetch(line)
	require.NoError(t, err)
	assert.Equal(t, []byte("hello world"), rec.Body)
}

func TestReadLineMultipleLiterals(t *testing.T) {
	raw := "* 2 FETCH (BODY[HEADER] {4}\r\nA: B FLAGS (\\Seen) BODY[TEXT] {3}\r\nhi\n)\r\n"
	r := NewIMAPReader(&chunkReader{data: []byte(raw), chunk: 7})

	line, err := r.ReadLine()
	require.NoError(t, err)

	tokens, err := ParseTokens(line[len("* 2 FETCH "):])
	require.NoError(t, err)
	require.Len(t, tokens, 1)
	require.Equal(t, TokenList, tokens[0].Type)
	assert.Len(t, tokens[0].List, 6)
	assert.Equal(t, "A: B", tokens[0].List[1].Str)
	assert.Equal(t, "hi\n", tokens[0].List[5].Str)
}

func TestReadLinePlain(t *testing.T) {
	r := NewIMAPReader(&chunkReader{data: []byte("* 23 EXISTS\r\nA1 OK done\r\n"), chunk: 3})

	line, err := r.ReadLine()
	require.NoError(t, err)
	assert.Equal(t, "* 23 EXISTS", string(line))

	line, err = r.ReadLine()
	require.NoError(t, err)
	status, rest, ok := IsTagged(line, "A1")
	require.True(t, ok)
	assert.Equal(t, "OK", status)
	assert.Equal(t, "done", rest)
}

func TestParseFetchFlagsAndUID(t *testing.T) {
	line := []byte(`* 5 FETCH (UID 7 RFC822.SIZE 1024 FLAGS (\Seen \Answered))`)

	rec, err := ParseFetch(line)
	require.NoError(t, err)
	assert.Equal(t, uint32(5), rec.Seq)
	assert.Equal(t, uint32(7), rec.UID)
	assert.Equal(t, int64(1024), rec.Size)
	assert.Equal(t, []string{`\Seen`, `\Answered`}, rec.Flags)
}

func TestParseFetchBracketedItemName(t *testing.T) {
	line := []byte("* 3 FETCH (UID 9 BODY[HEADER.FIELDS (FROM TO SUBJECT)] {15}\r\nSubject: hi\r\n\r\n)")

	rec, err := ParseFetch(line)
	require.NoError(t, err)
	assert.Equal(t, uint32(9), rec.UID)
	assert.Equal(t, "Subject: hi\r\n\r\n", string(rec.Body))
}

func TestParseUntagged(t *testing.T) {
	tests := []struct {
		line    string
		num     uint32
		keyword string
	}{
		{"* 23 EXISTS", 23, "EXISTS"},
		{"* 4 EXPUNGE", 4, "EXPUNGE"},
		{"* SEARCH 1 2 3", 0, "SEARCH"},
		{"* OK [UIDVALIDITY 123] ready", 0, "OK"},
	}
	for _, tt := range tests {
		u, ok := ParseUntagged([]byte(tt.line))
		require.True(t, ok, tt.line)
		assert.Equal(t, tt.num, u.Num, tt.line)
		assert.Equal(t, tt.keyword, u.Keyword, tt.line)
	}

	_, ok := ParseUntagged([]byte("A1 OK done"))
	assert.False(t, ok)
}

func TestParseSearch(t *testing.T) {
	uids, err := ParseSearch([]byte("* SEARCH 5 9 12"))
	require.NoError(t, err)
	assert.Equal(t, []uint32{5, 9, 12}, uids)

	uids, err = ParseSearch([]byte("* SEARCH"))
	require.NoError(t, err)
	assert.Empty(t, uids)
}

func TestParseList(t *testing.T) {
	entry, err := ParseList([]byte(`* LIST (\HasNoChildren \Sent) "/" "Sent Items"`))
	require.NoError(t, err)
	assert.Equal(t, []string{`\HasNoChildren`, `\Sent`}, entry.Attributes)
	assert.Equal(t, "/", entry.Delimiter)
	assert.Equal(t, "Sent Items", entry.Name)

	entry, err = ParseList([]byte(`* LIST () NIL INBOX`))
	require.NoError(t, err)
	assert.Empty(t, entry.Delimiter)
	assert.Equal(t, "INBOX", entry.Name)
}

func TestParseResponseCode(t *testing.T) {
	code, arg, ok := ParseResponseCode([]byte("* OK [UIDVALIDITY 3857529045] UIDs valid"))
	require.True(t, ok)
	assert.Equal(t, "UIDVALIDITY", code)
	assert.Equal(t, "3857529045", arg)

	_, _, ok = ParseResponseCode([]byte("* OK ready"))
	assert.False(t, ok)
}

func TestQuoteEscapes(t *testing.T) {
	assert.Equal(t, `"a \"b\" c"`, Quote(`a "b" c`))
	assert.Equal(t, `"back\\slash"`, Quote(`back\slash`))
}

func TestReadLineRejectsOversizeLiteral(t *testing.T) {
	r := NewIMAPReader(&chunkReader{data: []byte("* 1 FETCH (BODY[] {99999999999}\r\n"), chunk: 64})
	_, err := r.ReadLine()
	require.Error(t, err)
}
