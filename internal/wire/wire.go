// Package wire implements the text-based frame codec spoken between the
// client and the broker. Control lines are ASCII terminated by CRLF;
// INFO and CONNECT carry a JSON argument, MSG/PUB variants carry a binary
// payload whose length is announced on the control line.
package wire

import (
	"encoding/json"
	"fmt"
	"io"
	"strconv"
)

// Kind identifies a frame type.
type Kind uint8

// Frame kinds. INFO, MSG, PING, PONG, OK and ERR originate from the broker;
// CONNECT, PUB, SUB, UNSUB, PING and PONG originate from the client.
const (
	INFO Kind = iota
	CONNECT
	PUB
	MSG
	SUB
	UNSUB
	PING
	PONG
	OK
	ERR
)

// KindNames maps frame kinds to their wire verbs, for logging.
var KindNames = map[Kind]string{
	INFO:    "INFO",
	CONNECT: "CONNECT",
	PUB:     "PUB",
	MSG:     "MSG",
	SUB:     "SUB",
	UNSUB:   "UNSUB",
	PING:    "PING",
	PONG:    "PONG",
	OK:      "+OK",
	ERR:     "-ERR",
}

// Frame is a single protocol frame in either direction.
type Frame interface {
	// Kind returns the frame type.
	Kind() Kind

	// WriteTo serializes the frame to the writer.
	WriteTo(w io.Writer) (int64, error)
}

const crlf = "\r\n"

// InfoFrame is the broker's greeting and, later, topology updates.
type InfoFrame struct {
	Info ServerInfo
}

// Kind returns the frame type.
func (f *InfoFrame) Kind() Kind { return INFO }

// WriteTo writes the INFO frame to the writer.
func (f *InfoFrame) WriteTo(w io.Writer) (int64, error) {
	arg, err := json.Marshal(&f.Info)
	if err != nil {
		return 0, err
	}
	return writeString(w, "INFO "+string(arg)+crlf)
}

// ConnectFrame carries the client's session options to the broker.
type ConnectFrame struct {
	Options ConnectOptions
}

// Kind returns the frame type.
func (f *ConnectFrame) Kind() Kind { return CONNECT }

// WriteTo writes the CONNECT frame to the writer.
func (f *ConnectFrame) WriteTo(w io.Writer) (int64, error) {
	arg, err := json.Marshal(&f.Options)
	if err != nil {
		return 0, err
	}
	return writeString(w, "CONNECT "+string(arg)+crlf)
}

// PubFrame is a client-published message. A non-nil Header selects the
// headered variant (HPUB) on the wire.
type PubFrame struct {
	Subject string
	Reply   string
	Header  Header
	Payload []byte
}

// Kind returns the frame type.
func (f *PubFrame) Kind() Kind { return PUB }

// WriteTo writes the PUB (or HPUB) frame to the writer.
func (f *PubFrame) WriteTo(w io.Writer) (int64, error) {
	if len(f.Header) == 0 {
		line := "PUB " + f.Subject
		if f.Reply != "" {
			line += " " + f.Reply
		}
		line += " " + strconv.Itoa(len(f.Payload)) + crlf
		return writePayload(w, line, f.Payload)
	}

	hdr := f.Header.encode()
	line := "HPUB " + f.Subject
	if f.Reply != "" {
		line += " " + f.Reply
	}
	line += " " + strconv.Itoa(len(hdr)) + " " + strconv.Itoa(len(hdr)+len(f.Payload)) + crlf
	return writePayload(w, line+string(hdr), f.Payload)
}

// MsgFrame is a broker-delivered message. A non-nil Header means the broker
// sent the headered variant (HMSG).
type MsgFrame struct {
	Subject string
	Sid     uint64
	Reply   string
	Header  Header
	Payload []byte
}

// Kind returns the frame type.
func (f *MsgFrame) Kind() Kind { return MSG }

// WriteTo writes the MSG (or HMSG) frame to the writer.
func (f *MsgFrame) WriteTo(w io.Writer) (int64, error) {
	sid := strconv.FormatUint(f.Sid, 10)
	if len(f.Header) == 0 {
		line := "MSG " + f.Subject + " " + sid
		if f.Reply != "" {
			line += " " + f.Reply
		}
		line += " " + strconv.Itoa(len(f.Payload)) + crlf
		return writePayload(w, line, f.Payload)
	}

	hdr := f.Header.encode()
	line := "HMSG " + f.Subject + " " + sid
	if f.Reply != "" {
		line += " " + f.Reply
	}
	line += " " + strconv.Itoa(len(hdr)) + " " + strconv.Itoa(len(hdr)+len(f.Payload)) + crlf
	return writePayload(w, line+string(hdr), f.Payload)
}

// SubFrame registers interest in a subject under a subscription id.
type SubFrame struct {
	Subject string
	Queue   string
	Sid     uint64
}

// Kind returns the frame type.
func (f *SubFrame) Kind() Kind { return SUB }

// WriteTo writes the SUB frame to the writer.
func (f *SubFrame) WriteTo(w io.Writer) (int64, error) {
	line := "SUB " + f.Subject
	if f.Queue != "" {
		line += " " + f.Queue
	}
	line += " " + strconv.FormatUint(f.Sid, 10) + crlf
	return writeString(w, line)
}

// UnsubFrame withdraws interest. Max > 0 asks the broker to stop after that
// many further deliveries instead of immediately.
type UnsubFrame struct {
	Sid uint64
	Max int
}

// Kind returns the frame type.
func (f *UnsubFrame) Kind() Kind { return UNSUB }

// WriteTo writes the UNSUB frame to the writer.
func (f *UnsubFrame) WriteTo(w io.Writer) (int64, error) {
	line := "UNSUB " + strconv.FormatUint(f.Sid, 10)
	if f.Max > 0 {
		line += " " + strconv.Itoa(f.Max)
	}
	return writeString(w, line+crlf)
}

// PingFrame is a liveness probe; the peer answers with PONG.
type PingFrame struct{}

// Kind returns the frame type.
func (f *PingFrame) Kind() Kind { return PING }

// WriteTo writes the PING frame to the writer.
func (f *PingFrame) WriteTo(w io.Writer) (int64, error) {
	return writeString(w, "PING"+crlf)
}

// PongFrame answers a PING.
type PongFrame struct{}

// Kind returns the frame type.
func (f *PongFrame) Kind() Kind { return PONG }

// WriteTo writes the PONG frame to the writer.
func (f *PongFrame) WriteTo(w io.Writer) (int64, error) {
	return writeString(w, "PONG"+crlf)
}

// OKFrame acknowledges a client frame when the session is verbose.
type OKFrame struct{}

// Kind returns the frame type.
func (f *OKFrame) Kind() Kind { return OK }

// WriteTo writes the +OK frame to the writer.
func (f *OKFrame) WriteTo(w io.Writer) (int64, error) {
	return writeString(w, "+OK"+crlf)
}

// ErrFrame reports a broker-side error.
type ErrFrame struct {
	Text string
}

// Kind returns the frame type.
func (f *ErrFrame) Kind() Kind { return ERR }

// WriteTo writes the -ERR frame to the writer.
func (f *ErrFrame) WriteTo(w io.Writer) (int64, error) {
	return writeString(w, fmt.Sprintf("-ERR '%s'%s", f.Text, crlf))
}

func writeString(w io.Writer, s string) (int64, error) {
	n, err := io.WriteString(w, s)
	return int64(n), err
}

func writePayload(w io.Writer, line string, payload []byte) (int64, error) {
	n, err := io.WriteString(w, line)
	total := int64(n)
	if err != nil {
		return total, err
	}
	n, err = w.Write(payload)
	total += int64(n)
	if err != nil {
		return total, err
	}
	n, err = io.WriteString(w, crlf)
	return total + int64(n), err
}
