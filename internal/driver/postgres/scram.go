package postgres

import (
	"bufio"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"io"
	"strconv"
	"strings"

	"golang.org/x/crypto/pbkdf2"
)

// scramSHA256 drives a full SCRAM-SHA-256 SASL exchange over an already
// startup-negotiated connection, per RFC 5802 as profiled by Postgres.
func scramSHA256(rw *bufio.ReadWriter, password string) error {
	clientNonce, err := randomNonce(18)
	if err != nil {
		return err
	}

	gs2Header := "n,,"
	clientFirstBare := "n=,r=" + clientNonce
	clientFirstMessage := gs2Header + clientFirstBare

	if err := sendSASLInitialResponse(rw, "SCRAM-SHA-256", clientFirstMessage); err != nil {
		return err
	}

	msg, err := readMessage(rw.Reader)
	if err != nil {
		return err
	}
	if msg.Type == msgErrorResponse {
		return parseErrorResponse(msg.Body)
	}
	if msg.Type != msgAuthentication {
		return fmt.Errorf("nvstorage: postgres: scram: unexpected message type %q awaiting server-first", msg.Type)
	}
	subtype := beUint32(msg.Body[:4])
	if subtype != authSASLContinue {
		return fmt.Errorf("nvstorage: postgres: scram: expected SASLContinue, got subtype %d", subtype)
	}
	serverFirst := string(msg.Body[4:])

	serverNonce, salt, iterations, err := parseServerFirst(serverFirst)
	if err != nil {
		return err
	}
	if !strings.HasPrefix(serverNonce, clientNonce) {
		return fmt.Errorf("nvstorage: postgres: scram: server nonce does not extend client nonce")
	}

	saltedPassword := pbkdf2.Key([]byte(password), salt, iterations, sha256.Size, sha256.New)
	clientKey := hmacSHA256(saltedPassword, []byte("Client Key"))
	storedKey := sha256Sum(clientKey)

	channelBinding := base64.StdEncoding.EncodeToString([]byte(gs2Header))
	clientFinalWithoutProof := "c=" + channelBinding + ",r=" + serverNonce
	authMessage := clientFirstBare + "," + serverFirst + "," + clientFinalWithoutProof

	clientSignature := hmacSHA256(storedKey, []byte(authMessage))
	clientProof := xorBytes(clientKey, clientSignature)

	clientFinalMessage := clientFinalWithoutProof + ",p=" + base64.StdEncoding.EncodeToString(clientProof)
	if err := sendSASLResponse(rw, clientFinalMessage); err != nil {
		return err
	}

	serverKey := hmacSHA256(saltedPassword, []byte("Server Key"))
	expectedServerSignature := hmacSHA256(serverKey, []byte(authMessage))

	msg, err = readMessage(rw.Reader)
	if err != nil {
		return err
	}
	if msg.Type == msgErrorResponse {
		return parseErrorResponse(msg.Body)
	}
	if msg.Type != msgAuthentication {
		return fmt.Errorf("nvstorage: postgres: scram: unexpected message type %q awaiting server-final", msg.Type)
	}
	subtype = beUint32(msg.Body[:4])
	if subtype != authSASLFinal {
		return fmt.Errorf("nvstorage: postgres: scram: expected SASLFinal, got subtype %d", subtype)
	}
	serverFinal := string(msg.Body[4:])
	if !strings.HasPrefix(serverFinal, "v=") {
		return fmt.Errorf("nvstorage: postgres: scram: malformed server-final message")
	}
	gotSignature, err := base64.StdEncoding.DecodeString(serverFinal[2:])
	if err != nil {
		return fmt.Errorf("nvstorage: postgres: scram: decode server signature: %w", err)
	}
	if !hmac.Equal(gotSignature, expectedServerSignature) {
		return fmt.Errorf("nvstorage: postgres: scram: server signature mismatch, possible MITM")
	}
	return nil
}

func sendSASLInitialResponse(rw *bufio.ReadWriter, mechanism, initialResponse string) error {
	body := make([]byte, 0, 32+len(initialResponse))
	body = append(body, mechanism...)
	body = append(body, 0)
	body = beAppendUint32(body, uint32(len(initialResponse)))
	body = append(body, initialResponse...)
	if err := writeMessage(rw.Writer, fePassword, body); err != nil {
		return err
	}
	return rw.Flush()
}

func sendSASLResponse(rw *bufio.ReadWriter, response string) error {
	if err := writeMessage(rw.Writer, fePassword, []byte(response)); err != nil {
		return err
	}
	return rw.Flush()
}

func parseServerFirst(serverFirst string) (nonce string, salt []byte, iterations int, err error) {
	parts := strings.Split(serverFirst, ",")
	for _, p := range parts {
		switch {
		case strings.HasPrefix(p, "r="):
			nonce = p[2:]
		case strings.HasPrefix(p, "s="):
			salt, err = base64.StdEncoding.DecodeString(p[2:])
			if err != nil {
				return "", nil, 0, fmt.Errorf("nvstorage: postgres: scram: decode salt: %w", err)
			}
		case strings.HasPrefix(p, "i="):
			iterations, err = strconv.Atoi(p[2:])
			if err != nil {
				return "", nil, 0, fmt.Errorf("nvstorage: postgres: scram: parse iteration count: %w", err)
			}
		}
	}
	if nonce == "" || salt == nil || iterations == 0 {
		return "", nil, 0, fmt.Errorf("nvstorage: postgres: scram: incomplete server-first message")
	}
	return nonce, salt, iterations, nil
}

func randomNonce(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := io.ReadFull(rand.Reader, buf); err != nil {
		return "", fmt.Errorf("nvstorage: postgres: scram: generate nonce: %w", err)
	}
	return base64.StdEncoding.EncodeToString(buf), nil
}

func hmacSHA256(key, data []byte) []byte {
	h := hmac.New(sha256.New, key)
	h.Write(data)
	return h.Sum(nil)
}

func sha256Sum(data []byte) []byte {
	sum := sha256.Sum256(data)
	return sum[:]
}

func xorBytes(a, b []byte) []byte {
	out := make([]byte, len(a))
	for i := range a {
		out[i] = a[i] ^ b[i]
	}
	return out
}

func beUint32(b []byte) uint32 {
	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
}

func beAppendUint32(b []byte, v uint32) []byte {
	return append(b, byte(v>>24), byte(v>>16), byte(v>>8), byte(v))
}
