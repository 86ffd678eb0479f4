// Package postgres implements the PostgreSQL frontend/backend wire
// protocol used by nvstorage's Connection: startup and authentication
// (cleartext, MD5, SCRAM-SHA-256), the simple query protocol for ad-hoc
// statements, and the extended query protocol (Parse/Bind/Describe/
// Execute/Sync) for prepared statement execution.
package postgres

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
)

// Backend message type bytes (the single leading byte of every message
// after the initial startup exchange).
const (
	msgAuthentication   = 'R'
	msgBackendKeyData   = 'K'
	msgBindComplete     = '2'
	msgCommandComplete  = 'C'
	msgDataRow          = 'D'
	msgErrorResponse    = 'E'
	msgNoticeResponse   = 'N'
	msgNoData           = 'n'
	msgParameterStatus  = 'S'
	msgParseComplete    = '1'
	msgParameterDesc    = 't'
	msgReadyForQuery    = 'Z'
	msgRowDescription   = 'T'
	msgCloseComplete    = '3'
	msgPortalSuspended  = 's'
	msgEmptyQueryResult = 'I'
)

// Frontend message type bytes.
const (
	fePassword  = 'p'
	feQuery     = 'Q'
	feParse     = 'P'
	feBind      = 'B'
	feDescribe  = 'D'
	feExecute   = 'E'
	feSync      = 'S'
	feClose     = 'C'
	feTerminate = 'X'
)

// Authentication request subtypes carried in an 'R' message's int32
// payload.
const (
	authOK                = 0
	authCleartextPassword = 3
	authMD5Password       = 5
	authSASL              = 10
	authSASLContinue      = 11
	authSASLFinal         = 12
)

// message is a parsed backend message: a type byte plus its body
// (excluding the 4-byte length prefix).
type message struct {
	Type byte
	Body []byte
}

// readMessage reads one length-prefixed backend message.
func readMessage(r *bufio.Reader) (message, error) {
	header := make([]byte, 5)
	if _, err := io.ReadFull(r, header); err != nil {
		return message{}, fmt.Errorf("nvstorage: postgres: read message header: %w", err)
	}
	length := binary.BigEndian.Uint32(header[1:5])
	if length < 4 {
		return message{}, fmt.Errorf("nvstorage: postgres: invalid message length %d", length)
	}
	body := make([]byte, length-4)
	if len(body) > 0 {
		if _, err := io.ReadFull(r, body); err != nil {
			return message{}, fmt.Errorf("nvstorage: postgres: read message body: %w", err)
		}
	}
	return message{Type: header[0], Body: body}, nil
}

// writeMessage frames and writes one frontend message.
func writeMessage(w io.Writer, msgType byte, body []byte) error {
	buf := make([]byte, 0, 5+len(body))
	buf = append(buf, msgType)
	buf = binary.BigEndian.AppendUint32(buf, uint32(4+len(body)))
	buf = append(buf, body...)
	_, err := w.Write(buf)
	return err
}

// writeStartupMessage writes the untyped (no leading type byte) startup
// packet naming the protocol version and connection parameters.
func writeStartupMessage(w io.Writer, params map[string]string) error {
	body := make([]byte, 0, 64)
	body = binary.BigEndian.AppendUint32(body, 196608) // protocol version 3.0
	for k, v := range params {
		body = append(body, k...)
		body = append(body, 0)
		body = append(body, v...)
		body = append(body, 0)
	}
	body = append(body, 0)

	buf := make([]byte, 0, 4+len(body))
	buf = binary.BigEndian.AppendUint32(buf, uint32(4+len(body)))
	buf = append(buf, body...)
	_, err := w.Write(buf)
	return err
}

func parseErrorResponse(body []byte) error {
	fields := map[byte]string{}
	i := 0
	for i < len(body) && body[i] != 0 {
		fieldType := body[i]
		i++
		start := i
		for i < len(body) && body[i] != 0 {
			i++
		}
		fields[fieldType] = string(body[start:i])
		i++ // skip NUL
	}
	sev := fields['S']
	msg := fields['M']
	code := fields['C']
	return fmt.Errorf("nvstorage: postgres: %s [%s]: %s", sev, code, msg)
}

// cstring reads a NUL-terminated string starting at offset off, returning
// the string and the offset just past its terminator.
func cstring(buf []byte, off int) (string, int) {
	start := off
	for off < len(buf) && buf[off] != 0 {
		off++
	}
	return string(buf[start:off]), off + 1
}
