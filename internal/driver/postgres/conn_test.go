package postgres

import (
	"bufio"
	"context"
	"net"
	"testing"
	"time"
)

// fakeServer drives a minimal scripted Postgres backend over an in-memory
// net.Pipe connection, mirroring the teacher's net.Pipe-based relay test
// fakes.
type fakeServer struct {
	conn net.Conn
	rw   *bufio.ReadWriter
}

func newFakeServer(conn net.Conn) *fakeServer {
	return &fakeServer{
		conn: conn,
		rw:   bufio.NewReadWriter(bufio.NewReader(conn), bufio.NewWriter(conn)),
	}
}

func (f *fakeServer) readStartup(t *testing.T) {
	t.Helper()
	header := make([]byte, 4)
	if _, err := f.rw.Read(header); err != nil {
		t.Fatalf("read startup length: %v", err)
	}
	length := int(header[0])<<24 | int(header[1])<<16 | int(header[2])<<8 | int(header[3])
	rest := make([]byte, length-4)
	if _, err := readFull(f.rw, rest); err != nil {
		t.Fatalf("read startup body: %v", err)
	}
}

func readFull(rw *bufio.ReadWriter, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := rw.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

func (f *fakeServer) sendAuthOK(t *testing.T) {
	t.Helper()
	if err := writeMessage(f.rw.Writer, msgAuthentication, beAppendUint32(nil, authOK)); err != nil {
		t.Fatal(err)
	}
	f.rw.Flush()
}

func (f *fakeServer) sendReadyForQuery(t *testing.T) {
	t.Helper()
	if err := writeMessage(f.rw.Writer, msgReadyForQuery, []byte{'I'}); err != nil {
		t.Fatal(err)
	}
	f.rw.Flush()
}

func TestOpenWithTrustAuth(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	done := make(chan error, 1)
	go func() {
		fs := newFakeServer(server)
		fs.readStartup(t)
		fs.sendAuthOK(t)
		fs.sendReadyForQuery(t)
		done <- nil
	}()

	c := &Conn{}
	c.netConn = client
	c.rw = bufio.NewReadWriter(bufio.NewReader(client), bufio.NewWriter(client))
	c.preparedNames = make(map[string]struct{})

	params := map[string]string{"user": "app", "database": "app"}
	if err := writeStartupMessage(c.rw.Writer, params); err != nil {
		t.Fatal(err)
	}
	c.rw.Flush()

	if err := c.authenticate("app", ""); err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	if err := c.drainUntilReady(); err != nil {
		t.Fatalf("drainUntilReady: %v", err)
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("fake server goroutine never finished")
	}
}

func TestComputeMD5Password(t *testing.T) {
	got := computeMD5Password("app", "secret", []byte{1, 2, 3, 4})
	if len(got) != 35 || got[:3] != "md5" {
		t.Errorf("computeMD5Password returned %q, want 35-char md5-prefixed hex", got)
	}
}

func TestExecuteAdHocParsesRowsAndCommandTag(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	c := &Conn{netConn: client, rw: bufio.NewReadWriter(bufio.NewReader(client), bufio.NewWriter(client))}

	go func() {
		srw := bufio.NewReadWriter(bufio.NewReader(server), bufio.NewWriter(server))
		// drain the Query message
		readMessage(srw.Reader)

		rd := make([]byte, 0, 16)
		rd = beAppendUint16(rd, 1)
		rd = append(rd, "id"...)
		rd = append(rd, 0)
		rd = append(rd, make([]byte, 18)...)
		writeMessage(srw.Writer, msgRowDescription, rd)

		row := beAppendUint16(nil, 1)
		row = beAppendUint32(row, 1)
		row = append(row, '7')
		writeMessage(srw.Writer, msgDataRow, row)

		writeMessage(srw.Writer, msgCommandComplete, append([]byte("SELECT 1"), 0))
		writeMessage(srw.Writer, msgReadyForQuery, []byte{'I'})
		srw.Flush()
	}()

	result, err := c.ExecuteAdHoc(context.Background(), "SELECT 1", nil)
	if err != nil {
		t.Fatalf("ExecuteAdHoc: %v", err)
	}
	if len(result.Columns) != 1 || result.Columns[0] != "id" {
		t.Errorf("Columns = %v, want [id]", result.Columns)
	}
	if len(result.Rows) != 1 {
		t.Fatalf("expected 1 row, got %d", len(result.Rows))
	}
}

func TestNewConnHasNoOpenTransaction(t *testing.T) {
	// Begin/Commit/Abort delegate to ExecuteAdHoc; this only checks the
	// initial txOpen bookkeeping, not the BEGIN statement each mode sends.
	c := &Conn{}
	if c.txOpen {
		t.Fatal("new Conn should not report an open transaction")
	}
}
