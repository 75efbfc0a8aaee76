// Package stomp adapts go-stomp frames to WebSocket transport, one frame
// per text message.
package stomp

import (
	"bytes"
	"fmt"
	"strconv"
	"time"

	"github.com/go-stomp/stomp/v3/frame"
	"github.com/pkg/errors"

	"github.com/tullo/chatlink/internal/models"
)

// Client and server commands
const (
	CmdConnect     = frame.CONNECT
	CmdConnected   = frame.CONNECTED
	CmdSend        = frame.SEND
	CmdSubscribe   = frame.SUBSCRIBE
	CmdUnsubscribe = frame.UNSUBSCRIBE
	CmdDisconnect  = frame.DISCONNECT
	CmdMessage     = frame.MESSAGE
	CmdReceipt     = frame.RECEIPT
	CmdError       = frame.ERROR
)

// Well-known headers
const (
	HdrAcceptVersion = frame.AcceptVersion
	HdrHost          = frame.Host
	HdrHeartBeat     = frame.HeartBeat
	HdrAuthorization = "Authorization"
	HdrDestination   = frame.Destination
	HdrID            = frame.Id
	HdrSubscription  = frame.Subscription
	HdrMessageID     = frame.MessageId
	HdrContentType   = frame.ContentType
	HdrContentLength = frame.ContentLength
	HdrMessage       = frame.Message
	HdrReceipt       = frame.Receipt
	HdrReceiptID     = frame.ReceiptId
	HdrVersion       = frame.Version
	HdrAck           = frame.Ack
)

const Version = "1.2"

// Heartbeat is the single EOL a peer sends to keep the connection alive.
var Heartbeat = []byte{'\n'}

// Header is an ordered header list. Get returns the first occurrence.
type Header = frame.Header

type Frame struct {
	*frame.Frame
}

// New creates a frame from alternating key/value pairs.
func New(command string, kv ...string) *Frame {
	return &Frame{frame.New(command, kv...)}
}

// Get returns a header value or "".
func (f *Frame) Get(key string) string {
	return f.Header.Get(key)
}

// Set replaces a header value.
func (f *Frame) Set(key, value string) {
	f.Header.Set(key, value)
}

// Encode serializes the frame with a content-length matching the body.
func (f *Frame) Encode() []byte {
	f.Header.Del(HdrContentLength)
	if len(f.Body) > 0 {
		f.Header.Set(HdrContentLength, strconv.Itoa(len(f.Body)))
	}

	var buf bytes.Buffer
	// writes to a bytes.Buffer do not fail
	_ = frame.NewWriter(&buf).Write(f.Frame)
	return buf.Bytes()
}

// Decode parses one frame. A message holding only EOLs is a heartbeat and
// decodes to a nil frame with a nil error.
func Decode(data []byte) (*Frame, error) {
	data = bytes.TrimLeft(data, "\r\n")
	if len(data) == 0 {
		return nil, nil
	}

	f, err := frame.NewReader(bytes.NewReader(data)).Read()
	if err != nil {
		return nil, errors.Wrapf(models.ErrProtocol, "decode frame: %v", err)
	}
	if f == nil {
		return nil, nil
	}
	return &Frame{f}, nil
}

// FormatHeartBeat renders a heart-beat header value in milliseconds.
func FormatHeartBeat(out, in time.Duration) string {
	return fmt.Sprintf("%d,%d", out.Milliseconds(), in.Milliseconds())
}

// ParseHeartBeat parses "cx,cy" into durations. An absent header means no
// heart-beating.
func ParseHeartBeat(v string) (out, in time.Duration, err error) {
	if v == "" {
		return 0, 0, nil
	}
	out, in, err = frame.ParseHeartBeat(v)
	if err != nil {
		return 0, 0, errors.Wrapf(models.ErrProtocol, "bad heart-beat %q", v)
	}
	return out, in, nil
}

// NegotiateHeartBeat applies the STOMP rule: each direction is disabled if
// either side offers 0, otherwise the larger of the two values wins.
func NegotiateHeartBeat(clientOut, clientIn, serverOut, serverIn time.Duration) (send, expect time.Duration) {
	if clientOut > 0 && serverIn > 0 {
		send = max(clientOut, serverIn)
	}
	if clientIn > 0 && serverOut > 0 {
		expect = max(clientIn, serverOut)
	}
	return send, expect
}
