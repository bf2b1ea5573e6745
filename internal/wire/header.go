package wire

import (
	"bufio"
	"bytes"
	"fmt"
	"net/textproto"
	"sort"
	"strings"
)

// hdrLine is the version preamble that starts every header block.
const hdrLine = "CMQ/1.0\r\n"

// Header is the message header block: canonicalized keys mapping to one or
// more values, encoded MIME-style after a version preamble.
type Header map[string][]string

// Add appends a value to the key.
func (h Header) Add(key, value string) {
	k := textproto.CanonicalMIMEHeaderKey(key)
	h[k] = append(h[k], value)
}

// Set replaces any existing values for the key.
func (h Header) Set(key, value string) {
	h[textproto.CanonicalMIMEHeaderKey(key)] = []string{value}
}

// Get returns the first value for the key, or "".
func (h Header) Get(key string) string {
	if h == nil {
		return ""
	}
	if v := h[textproto.CanonicalMIMEHeaderKey(key)]; len(v) > 0 {
		return v[0]
	}
	return ""
}

// Del removes all values for the key.
func (h Header) Del(key string) {
	delete(h, textproto.CanonicalMIMEHeaderKey(key))
}

// encode renders the header block including the trailing blank line.
// Keys are sorted so the encoding is deterministic.
func (h Header) encode() []byte {
	var b bytes.Buffer
	b.WriteString(hdrLine)

	keys := make([]string, 0, len(h))
	for k := range h {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		for _, v := range h[k] {
			b.WriteString(k)
			b.WriteString(": ")
			b.WriteString(v)
			b.WriteString(crlf)
		}
	}
	b.WriteString(crlf)
	return b.Bytes()
}

// decodeHeader parses an encoded header block.
func decodeHeader(raw []byte) (Header, error) {
	i := bytes.IndexByte(raw, '\n')
	if i < 0 {
		return nil, fmt.Errorf("%w: header block missing preamble", ErrProtocol)
	}
	version := strings.TrimRight(string(raw[:i]), "\r")
	if version != strings.TrimRight(hdrLine, "\r\n") {
		return nil, fmt.Errorf("%w: unknown header version %q", ErrProtocol, version)
	}

	tr := textproto.NewReader(bufio.NewReader(bytes.NewReader(raw[i+1:])))
	mh, err := tr.ReadMIMEHeader()
	if err != nil {
		return nil, fmt.Errorf("%w: malformed header block: %v", ErrProtocol, err)
	}
	return Header(mh), nil
}
