package conversation

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
)

// STOMP 1.2 commands used by the live channel.
const (
	cmdConnect     = "CONNECT"
	cmdConnected   = "CONNECTED"
	cmdSubscribe   = "SUBSCRIBE"
	cmdUnsubscribe = "UNSUBSCRIBE"
	cmdSend        = "SEND"
	cmdMessage     = "MESSAGE"
	cmdReceipt     = "RECEIPT"
	cmdError       = "ERROR"
	cmdDisconnect  = "DISCONNECT"
)

var (
	errEmptyFrame     = errors.New("stomp: empty frame")
	errHeartbeatFrame = errors.New("stomp: heart-beat")
)

// header is one ordered STOMP header.
type header struct {
	key   string
	value string
}

// frame is a single STOMP frame. Each websocket message carries one frame.
type frame struct {
	command string
	headers []header
	body    []byte
}

func newFrame(command string, kv ...string) frame {
	f := frame{command: command}
	for i := 0; i+1 < len(kv); i += 2 {
		f.headers = append(f.headers, header{key: kv[i], value: kv[i+1]})
	}
	return f
}

// get returns the first value of key; repeated headers keep the first.
func (f frame) get(key string) string {
	for _, h := range f.headers {
		if h.key == key {
			return h.value
		}
	}
	return ""
}

var headerEscaper = strings.NewReplacer(`\`, `\\`, "\r", `\r`, "\n", `\n`, ":", `\c`)

// encode serializes the frame. CONNECT headers are not escaped.
func (f frame) encode() []byte {
	var buf bytes.Buffer
	buf.WriteString(f.command)
	buf.WriteByte('\n')
	for _, h := range f.headers {
		key, value := h.key, h.value
		if f.command != cmdConnect && f.command != cmdConnected {
			key, value = headerEscaper.Replace(key), headerEscaper.Replace(value)
		}
		buf.WriteString(key)
		buf.WriteByte(':')
		buf.WriteString(value)
		buf.WriteByte('\n')
	}
	buf.WriteByte('\n')
	buf.Write(f.body)
	buf.WriteByte(0)
	return buf.Bytes()
}

// decodeFrame parses one frame. A message holding only EOLs is a
// heart-beat and yields errHeartbeatFrame.
func decodeFrame(data []byte) (frame, error) {
	if len(bytes.Trim(data, "\r\n")) == 0 {
		if len(data) == 0 {
			return frame{}, errEmptyFrame
		}
		return frame{}, errHeartbeatFrame
	}
	data = bytes.TrimLeft(data, "\r\n")

	headEnd := bytes.Index(data, []byte("\n\n"))
	sepLen := 2
	if crlf := bytes.Index(data, []byte("\r\n\r\n")); crlf >= 0 && (headEnd < 0 || crlf < headEnd) {
		headEnd, sepLen = crlf, 4
	}
	if headEnd < 0 {
		return frame{}, fmt.Errorf("stomp: missing header terminator")
	}

	lines := strings.Split(strings.ReplaceAll(string(data[:headEnd]), "\r\n", "\n"), "\n")
	f := frame{command: lines[0]}
	if f.command == "" {
		return frame{}, fmt.Errorf("stomp: missing command")
	}
	unescape := f.command != cmdConnect && f.command != cmdConnected
	for _, line := range lines[1:] {
		if line == "" {
			continue
		}
		key, value, ok := strings.Cut(line, ":")
		if !ok {
			return frame{}, fmt.Errorf("stomp: malformed header %q", line)
		}
		if unescape {
			var err error
			if key, err = unescapeHeader(key); err != nil {
				return frame{}, err
			}
			if value, err = unescapeHeader(value); err != nil {
				return frame{}, err
			}
		}
		f.headers = append(f.headers, header{key: key, value: value})
	}

	body := data[headEnd+sepLen:]
	if i := bytes.IndexByte(body, 0); i >= 0 {
		body = body[:i]
	}
	f.body = append([]byte(nil), body...)
	return f, nil
}

func unescapeHeader(s string) (string, error) {
	if !strings.Contains(s, `\`) {
		return s, nil
	}
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		if s[i] != '\\' {
			b.WriteByte(s[i])
			continue
		}
		if i+1 >= len(s) {
			return "", fmt.Errorf("stomp: dangling escape in %q", s)
		}
		i++
		switch s[i] {
		case '\\':
			b.WriteByte('\\')
		case 'n':
			b.WriteByte('\n')
		case 'r':
			b.WriteByte('\r')
		case 'c':
			b.WriteByte(':')
		default:
			return "", fmt.Errorf("stomp: invalid escape \\%c", s[i])
		}
	}
	return b.String(), nil
}
