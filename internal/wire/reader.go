package wire

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// ErrProtocol is the base error for any byte stream the parser cannot make
// sense of. Callers treat it as unrecoverable for the connection: the parser
// does not attempt to resynchronize.
var ErrProtocol = errors.New("wire: protocol violation")

// ErrControlLineTooLong is returned when a control line exceeds the limit.
var ErrControlLineTooLong = fmt.Errorf("%w: control line exceeds limit", ErrProtocol)

// ErrPayloadTooLarge is returned when an announced payload exceeds the limit.
var ErrPayloadTooLarge = fmt.Errorf("%w: payload exceeds limit", ErrProtocol)

// DefaultMaxControlLine bounds the length of a single control line.
const DefaultMaxControlLine = 4096

// Reader decodes frames from a byte stream. It parses both directions of the
// protocol, so it serves the client as well as test brokers.
type Reader struct {
	br             *bufio.Reader
	maxControlLine int
	maxPayload     int64
}

// NewReader wraps r in a frame decoder. maxPayload <= 0 disables the payload
// size guard.
func NewReader(r io.Reader, maxPayload int64) *Reader {
	return &Reader{
		br:             bufio.NewReader(r),
		maxControlLine: DefaultMaxControlLine,
		maxPayload:     maxPayload,
	}
}

// SetMaxPayload adjusts the payload guard, typically after the broker's INFO
// announces its limit.
func (r *Reader) SetMaxPayload(n int64) {
	r.maxPayload = n
}

// ReadFrame decodes the next frame from the stream. It blocks until a full
// frame is available. I/O errors are returned as-is; anything syntactically
// wrong wraps ErrProtocol.
func (r *Reader) ReadFrame() (Frame, error) {
	line, err := r.readControlLine()
	if err != nil {
		return nil, err
	}

	verb, args := splitVerb(line)
	switch verb {
	case "MSG":
		return r.parseMsg(args, false)
	case "HMSG":
		return r.parseMsg(args, true)
	case "PING":
		return &PingFrame{}, nil
	case "PONG":
		return &PongFrame{}, nil
	case "+OK":
		return &OKFrame{}, nil
	case "-ERR":
		return &ErrFrame{Text: strings.Trim(args, "'")}, nil
	case "INFO":
		f := &InfoFrame{}
		if err := json.Unmarshal([]byte(args), &f.Info); err != nil {
			return nil, fmt.Errorf("%w: bad INFO argument: %v", ErrProtocol, err)
		}
		return f, nil
	case "CONNECT":
		f := &ConnectFrame{}
		if err := json.Unmarshal([]byte(args), &f.Options); err != nil {
			return nil, fmt.Errorf("%w: bad CONNECT argument: %v", ErrProtocol, err)
		}
		return f, nil
	case "PUB":
		return r.parsePub(args, false)
	case "HPUB":
		return r.parsePub(args, true)
	case "SUB":
		return parseSub(args)
	case "UNSUB":
		return parseUnsub(args)
	default:
		return nil, fmt.Errorf("%w: unknown verb %q", ErrProtocol, verb)
	}
}

// readControlLine reads up to CRLF, enforcing the line limit.
func (r *Reader) readControlLine() (string, error) {
	var line []byte
	for {
		chunk, err := r.br.ReadSlice('\n')
		line = append(line, chunk...)
		if err == nil {
			break
		}
		if err == bufio.ErrBufferFull {
			if len(line) > r.maxControlLine {
				return "", ErrControlLineTooLong
			}
			continue
		}
		return "", err
	}
	if len(line) > r.maxControlLine {
		return "", ErrControlLineTooLong
	}
	return strings.TrimRight(string(line), "\r\n"), nil
}

// parseMsg decodes MSG/HMSG arguments and reads the payload.
//
//	MSG  <subject> <sid> [reply] <#bytes>
//	HMSG <subject> <sid> [reply] <#hdr bytes> <#total bytes>
func (r *Reader) parseMsg(args string, headered bool) (Frame, error) {
	fields := strings.Fields(args)
	want, wantReply := 3, 4
	if headered {
		want, wantReply = 4, 5
	}
	if len(fields) != want && len(fields) != wantReply {
		return nil, fmt.Errorf("%w: bad MSG arguments %q", ErrProtocol, args)
	}

	f := &MsgFrame{Subject: fields[0]}
	sid, err := strconv.ParseUint(fields[1], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("%w: bad sid %q", ErrProtocol, fields[1])
	}
	f.Sid = sid

	rest := fields[2:]
	if len(fields) == wantReply {
		f.Reply = fields[2]
		rest = fields[3:]
	}

	if !headered {
		total, err := r.parseSizeChecked(rest[0])
		if err != nil {
			return nil, err
		}
		f.Payload, err = r.readPayload(total)
		return f, err
	}

	hdrLen, err := parseSize(rest[0])
	if err != nil {
		return nil, err
	}
	total, err := r.parseSizeChecked(rest[1])
	if err != nil {
		return nil, err
	}
	if hdrLen > total {
		return nil, fmt.Errorf("%w: header length exceeds total", ErrProtocol)
	}
	raw, err := r.readPayload(total)
	if err != nil {
		return nil, err
	}
	f.Header, err = decodeHeader(raw[:hdrLen])
	if err != nil {
		return nil, err
	}
	f.Payload = raw[hdrLen:]
	return f, nil
}

// parsePub decodes PUB/HPUB arguments and reads the payload.
func (r *Reader) parsePub(args string, headered bool) (Frame, error) {
	fields := strings.Fields(args)
	want, wantReply := 2, 3
	if headered {
		want, wantReply = 3, 4
	}
	if len(fields) != want && len(fields) != wantReply {
		return nil, fmt.Errorf("%w: bad PUB arguments %q", ErrProtocol, args)
	}

	f := &PubFrame{Subject: fields[0]}
	rest := fields[1:]
	if len(fields) == wantReply {
		f.Reply = fields[1]
		rest = fields[2:]
	}

	if !headered {
		total, err := r.parseSizeChecked(rest[0])
		if err != nil {
			return nil, err
		}
		f.Payload, err = r.readPayload(total)
		return f, err
	}

	hdrLen, err := parseSize(rest[0])
	if err != nil {
		return nil, err
	}
	total, err := r.parseSizeChecked(rest[1])
	if err != nil {
		return nil, err
	}
	if hdrLen > total {
		return nil, fmt.Errorf("%w: header length exceeds total", ErrProtocol)
	}
	raw, err := r.readPayload(total)
	if err != nil {
		return nil, err
	}
	f.Header, err = decodeHeader(raw[:hdrLen])
	if err != nil {
		return nil, err
	}
	f.Payload = raw[hdrLen:]
	return f, nil
}

func parseSub(args string) (Frame, error) {
	fields := strings.Fields(args)
	if len(fields) != 2 && len(fields) != 3 {
		return nil, fmt.Errorf("%w: bad SUB arguments %q", ErrProtocol, args)
	}
	f := &SubFrame{Subject: fields[0]}
	sidField := fields[1]
	if len(fields) == 3 {
		f.Queue = fields[1]
		sidField = fields[2]
	}
	sid, err := strconv.ParseUint(sidField, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("%w: bad sid %q", ErrProtocol, sidField)
	}
	f.Sid = sid
	return f, nil
}

func parseUnsub(args string) (Frame, error) {
	fields := strings.Fields(args)
	if len(fields) != 1 && len(fields) != 2 {
		return nil, fmt.Errorf("%w: bad UNSUB arguments %q", ErrProtocol, args)
	}
	sid, err := strconv.ParseUint(fields[0], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("%w: bad sid %q", ErrProtocol, fields[0])
	}
	f := &UnsubFrame{Sid: sid}
	if len(fields) == 2 {
		max, err := strconv.Atoi(fields[1])
		if err != nil || max < 0 {
			return nil, fmt.Errorf("%w: bad UNSUB max %q", ErrProtocol, fields[1])
		}
		f.Max = max
	}
	return f, nil
}

// readPayload reads n payload bytes plus the trailing CRLF.
func (r *Reader) readPayload(n int) ([]byte, error) {
	buf := make([]byte, n+2)
	if _, err := io.ReadFull(r.br, buf); err != nil {
		return nil, err
	}
	if buf[n] != '\r' || buf[n+1] != '\n' {
		return nil, fmt.Errorf("%w: payload missing CRLF terminator", ErrProtocol)
	}
	return buf[:n], nil
}

func (r *Reader) checkPayloadSize(n int64) error {
	if r.maxPayload > 0 && n > r.maxPayload {
		return ErrPayloadTooLarge
	}
	return nil
}

func (r *Reader) parseSizeChecked(s string) (int, error) {
	n, err := parseSize(s)
	if err != nil {
		return 0, err
	}
	if err := r.checkPayloadSize(int64(n)); err != nil {
		return 0, err
	}
	return n, nil
}

func parseSize(s string) (int, error) {
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%w: bad size %q", ErrProtocol, s)
	}
	return n, nil
}

func splitVerb(line string) (string, string) {
	i := strings.IndexAny(line, " \t")
	if i < 0 {
		return line, ""
	}
	return line[:i], strings.TrimLeft(line[i:], " \t")
}
