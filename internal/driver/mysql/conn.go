package mysql

import (
	"bufio"
	"context"
	"crypto/sha1"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/nvstorage/nvstorage/internal/config"
	"github.com/nvstorage/nvstorage/internal/driver"
	"github.com/nvstorage/nvstorage/internal/storages/parameters"
)

func init() {
	driver.Register(config.StorageTypeMySql, func() driver.Session { return &Conn{} })
}

// Conn is a single MySQL backend connection, authenticated with
// mysql_native_password and driven directly over the wire protocol.
type Conn struct {
	netConn net.Conn
	r       *bufio.Reader
	w       *bufio.Writer
	seq     uint8

	stmtIDs map[string]uint32
	txOpen  bool
}

var _ driver.Session = (*Conn)(nil)

// Open dials endpoint, reads the server's Handshake v10 greeting, and
// authenticates with mysql_native_password, following an AuthSwitchRequest
// if the server asks for one.
func (c *Conn) Open(ctx context.Context, endpoint config.ClusterEndpoint, timeout time.Duration) error {
	d := net.Dialer{Timeout: timeout}
	addr := net.JoinHostPort(endpoint.Host, strconv.Itoa(endpoint.Port))
	nc, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("nvstorage: mysql: dial %s: %w", addr, err)
	}
	c.netConn = nc
	c.r = bufio.NewReader(nc)
	c.w = bufio.NewWriter(nc)
	c.stmtIDs = make(map[string]uint32)

	if deadline, ok := ctx.Deadline(); ok {
		nc.SetDeadline(deadline)
	}

	if err := c.handshake(endpoint.Username, endpoint.Password, endpoint.Database); err != nil {
		c.netConn.Close()
		return err
	}

	nc.SetDeadline(time.Time{})
	return nil
}

func (c *Conn) handshake(username, password, database string) error {
	pkt, err := readPacket(c.r)
	if err != nil {
		return fmt.Errorf("nvstorage: mysql: read handshake: %w", err)
	}
	if pkt.Payload[0] == respErr {
		return parseErrPacket(pkt.Payload)
	}

	authPluginData, authPlugin, err := parseHandshakeV10(pkt.Payload)
	if err != nil {
		return err
	}

	scrambled := scramblePassword(password, authPluginData)

	resp := buildHandshakeResponse(username, database, scrambled)
	if err := writePacket(c.w, pkt.Seq+1, resp); err != nil {
		return fmt.Errorf("nvstorage: mysql: write handshake response: %w", err)
	}

	reply, err := readPacket(c.r)
	if err != nil {
		return fmt.Errorf("nvstorage: mysql: read handshake reply: %w", err)
	}

	switch reply.Payload[0] {
	case respOK:
		return nil
	case respErr:
		return parseErrPacket(reply.Payload)
	case 0xfe: // AuthSwitchRequest
		return c.handleAuthSwitch(reply, password, authPlugin)
	default:
		return fmt.Errorf("nvstorage: mysql: unexpected handshake reply marker 0x%02x", reply.Payload[0])
	}
}

func (c *Conn) handleAuthSwitch(reply packet, password, _ string) error {
	_, off := nulString(reply.Payload, 1) // plugin name, assumed mysql_native_password
	data := reply.Payload[off:]
	if len(data) > 0 && data[len(data)-1] == 0 {
		data = data[:len(data)-1]
	}
	scrambled := scramblePassword(password, data)

	if err := writePacket(c.w, reply.Seq+1, scrambled); err != nil {
		return fmt.Errorf("nvstorage: mysql: write auth switch response: %w", err)
	}
	final, err := readPacket(c.r)
	if err != nil {
		return fmt.Errorf("nvstorage: mysql: read auth switch result: %w", err)
	}
	if final.Payload[0] == respErr {
		return parseErrPacket(final.Payload)
	}
	return nil
}

// parseHandshakeV10 extracts the two-part auth plugin data (the
// "scramble") and the plugin name out of a Handshake v10 greeting.
func parseHandshakeV10(p []byte) (scramble []byte, plugin string, err error) {
	if len(p) < 1 || p[0] != 10 {
		return nil, "", fmt.Errorf("nvstorage: mysql: unsupported protocol version %d", p[0])
	}
	off := 1
	_, off = nulString(p, off) // server version
	off += 4                   // connection id
	part1 := p[off : off+8]
	off += 8
	off++    // filler
	off += 2 // capability flags (lower)
	if off >= len(p) {
		return append([]byte{}, part1...), "", nil
	}
	off++    // character set
	off += 2 // status flags
	off += 2 // capability flags (upper)
	authDataLen := int(p[off])
	off++
	off += 10 // reserved
	part2Len := authDataLen - 8
	if part2Len < 0 {
		part2Len = 13
	}
	end := off + part2Len
	if end > len(p) {
		end = len(p)
	}
	part2 := p[off:end]
	if len(part2) > 0 && part2[len(part2)-1] == 0 {
		part2 = part2[:len(part2)-1]
	}
	full := append(append([]byte{}, part1...), part2...)
	off = end
	plugin, _ = nulString(p, off)
	return full, plugin, nil
}

// scramblePassword implements mysql_native_password:
// SHA1(password) XOR SHA1(scramble + SHA1(SHA1(password))).
func scramblePassword(password string, scramble []byte) []byte {
	if password == "" {
		return nil
	}
	sha1pwd := sha1Sum([]byte(password))
	sha1sha1pwd := sha1Sum(sha1pwd)
	seed := append(append([]byte{}, scramble...), sha1sha1pwd...)
	hash := sha1Sum(seed)
	out := make([]byte, len(sha1pwd))
	for i := range out {
		out[i] = sha1pwd[i] ^ hash[i]
	}
	return out
}

func sha1Sum(data []byte) []byte {
	sum := sha1.Sum(data)
	return sum[:]
}

func buildHandshakeResponse(username, database string, scrambled []byte) []byte {
	const (
		clientLongPassword    = 0x00000001
		clientProtocol41      = 0x00000200
		clientSecureConn      = 0x00008000
		clientPluginAuth      = 0x00080000
		clientConnectWithDB   = 0x00000008
		clientMultiResults    = 0x00020000
		maxPacketSize         = 16 * 1024 * 1024
		charsetUTF8MB4General = 45
	)
	caps := uint32(clientLongPassword | clientProtocol41 | clientSecureConn | clientPluginAuth | clientMultiResults)
	if database != "" {
		caps |= clientConnectWithDB
	}

	buf := make([]byte, 0, 64+len(username)+len(database))
	buf = appendUint32(buf, caps)
	buf = appendUint32(buf, maxPacketSize)
	buf = append(buf, charsetUTF8MB4General)
	buf = append(buf, make([]byte, 23)...)
	buf = append(buf, username...)
	buf = append(buf, 0)
	buf = append(buf, byte(len(scrambled)))
	buf = append(buf, scrambled...)
	if database != "" {
		buf = append(buf, database...)
		buf = append(buf, 0)
	}
	buf = append(buf, "mysql_native_password"...)
	buf = append(buf, 0)
	return buf
}

func appendUint32(b []byte, v uint32) []byte {
	return append(b, byte(v), byte(v>>8), byte(v>>16), byte(v>>24))
}

// ExecuteAdHoc runs query via COM_QUERY, the text protocol.
func (c *Conn) ExecuteAdHoc(ctx context.Context, query string, params []parameters.ParameterValue) (driver.Result, error) {
	payload := append([]byte{comQuery}, query...)
	if err := writePacket(c.w, 0, payload); err != nil {
		return driver.Result{}, err
	}
	return c.readTextResult()
}

func (c *Conn) readTextResult() (driver.Result, error) {
	pkt, err := readPacket(c.r)
	if err != nil {
		return driver.Result{}, fmt.Errorf("nvstorage: mysql: read result header: %w", err)
	}
	if pkt.Payload[0] == respErr {
		return driver.Result{}, parseErrPacket(pkt.Payload)
	}
	if pkt.Payload[0] == respOK {
		affected, _ := lenEncInt(pkt.Payload, 1)
		return driver.Result{RowsAffected: int64(affected)}, nil
	}

	numCols, _ := lenEncInt(pkt.Payload, 0)
	columns := make([]string, 0, numCols)
	for i := uint64(0); i < numCols; i++ {
		colPkt, err := readPacket(c.r)
		if err != nil {
			return driver.Result{}, err
		}
		name := extractColumnName(colPkt.Payload)
		columns = append(columns, name)
	}
	if _, err := readPacket(c.r); err != nil { // EOF after column definitions
		return driver.Result{}, err
	}

	var rows [][]parameters.ParameterValue
	for {
		rowPkt, err := readPacket(c.r)
		if err != nil {
			return driver.Result{}, err
		}
		if rowPkt.Payload[0] == respEOF && len(rowPkt.Payload) < 9 {
			break
		}
		if rowPkt.Payload[0] == respErr {
			return driver.Result{}, parseErrPacket(rowPkt.Payload)
		}
		row := make([]parameters.ParameterValue, 0, numCols)
		off := 0
		for i := uint64(0); i < numCols; i++ {
			if off < len(rowPkt.Payload) && rowPkt.Payload[off] == 0xfb {
				row = append(row, parameters.Null(parameters.TypeString))
				off++
				continue
			}
			var s string
			s, off = lenEncString(rowPkt.Payload, off)
			row = append(row, parameters.String(s))
		}
		rows = append(rows, row)
	}

	return driver.Result{Columns: columns, Rows: rows}, nil
}

// extractColumnName parses a MySQL column-definition packet for just the
// field name, skipping catalog/schema/table fields.
func extractColumnName(p []byte) string {
	off := 0
	_, off = lenEncString(p, off) // catalog
	_, off = lenEncString(p, off) // schema
	_, off = lenEncString(p, off) // table
	_, off = lenEncString(p, off) // orig table
	name, _ := lenEncString(p, off)
	return name
}

// Prepare issues COM_STMT_PREPARE and remembers the resulting numeric
// statement id under name.
func (c *Conn) Prepare(ctx context.Context, name, query string) error {
	payload := append([]byte{comStmtPrepare}, query...)
	if err := writePacket(c.w, 0, payload); err != nil {
		return err
	}
	pkt, err := readPacket(c.r)
	if err != nil {
		return fmt.Errorf("nvstorage: mysql: read prepare response: %w", err)
	}
	if pkt.Payload[0] == respErr {
		return parseErrPacket(pkt.Payload)
	}
	stmtID := leUint32(pkt.Payload[1:5])
	numColumns := leUint16(pkt.Payload[5:7])
	numParams := leUint16(pkt.Payload[7:9])

	if err := c.drainPrepareMetadata(int(numParams), int(numColumns)); err != nil {
		return err
	}

	c.stmtIDs[name] = stmtID
	return nil
}

func (c *Conn) drainPrepareMetadata(numParams, numColumns int) error {
	total := numParams + numColumns
	for i := 0; i < total; i++ {
		if _, err := readPacket(c.r); err != nil {
			return err
		}
	}
	if total > 0 {
		if _, err := readPacket(c.r); err != nil { // trailing EOF
			return err
		}
	}
	return nil
}

// ExecutePrepared runs the previously prepared statement via
// COM_STMT_EXECUTE, sending every parameter as a length-encoded string
// (MYSQL_TYPE_VAR_STRING) regardless of its declared type; MySQL coerces
// on the server side.
func (c *Conn) ExecutePrepared(ctx context.Context, name string, params []parameters.ParameterValue) (driver.Result, error) {
	stmtID, ok := c.stmtIDs[name]
	if !ok {
		return driver.Result{}, fmt.Errorf("nvstorage: mysql: statement %q was never prepared on this connection", name)
	}

	payload := make([]byte, 0, 16+len(params)*8)
	payload = append(payload, comStmtExecute)
	payload = appendUint32(payload, stmtID)
	payload = append(payload, 0)       // cursor type: no cursor
	payload = appendUint32(payload, 1) // iteration count

	if len(params) > 0 {
		nullBitmapLen := (len(params) + 7) / 8
		nullBitmap := make([]byte, nullBitmapLen)
		for i, p := range params {
			if p.IsNull() {
				nullBitmap[i/8] |= 1 << uint(i%8)
			}
		}
		payload = append(payload, nullBitmap...)
		payload = append(payload, 1) // new-params-bound flag
		for range params {
			payload = append(payload, 0xfd, 0x00) // MYSQL_TYPE_VAR_STRING, unsigned flag 0
		}
		for _, p := range params {
			if p.IsNull() {
				continue
			}
			text := fmt.Sprint(p.Interface())
			payload = appendLenEncString(payload, text)
		}
	}

	if err := writePacket(c.w, 0, payload); err != nil {
		return driver.Result{}, err
	}
	return c.readTextResult()
}

func leUint32(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}

func leUint16(b []byte) uint16 {
	return uint16(b[0]) | uint16(b[1])<<8
}

// Begin issues SET TRANSACTION ISOLATION LEVEL followed by START
// TRANSACTION, since MySQL has no single-statement equivalent of
// Postgres's BEGIN ISOLATION LEVEL ... clause.
func (c *Conn) Begin(ctx context.Context, mode config.TransactionMode) error {
	var isolation string
	switch mode {
	case config.TransactionModeReadOnly, config.TransactionModeReadCommitted:
		isolation = "READ COMMITTED"
	default:
		isolation = "REPEATABLE READ"
	}
	if _, err := c.ExecuteAdHoc(ctx, "SET TRANSACTION ISOLATION LEVEL "+isolation, nil); err != nil {
		return err
	}
	startSQL := "START TRANSACTION"
	if mode == config.TransactionModeReadOnly {
		startSQL += " READ ONLY"
	}
	if _, err := c.ExecuteAdHoc(ctx, startSQL, nil); err != nil {
		return err
	}
	c.txOpen = true
	return nil
}

// Commit commits the open transaction, if any.
func (c *Conn) Commit(ctx context.Context) error {
	if !c.txOpen {
		return nil
	}
	_, err := c.ExecuteAdHoc(ctx, "COMMIT", nil)
	c.txOpen = false
	return err
}

// Abort rolls back the open transaction, if any.
func (c *Conn) Abort(ctx context.Context) error {
	if !c.txOpen {
		return nil
	}
	_, err := c.ExecuteAdHoc(ctx, "ROLLBACK", nil)
	c.txOpen = false
	return err
}

// Ping sends COM_PING.
func (c *Conn) Ping(ctx context.Context) error {
	if err := writePacket(c.w, 0, []byte{comPing}); err != nil {
		return err
	}
	pkt, err := readPacket(c.r)
	if err != nil {
		return err
	}
	if pkt.Payload[0] == respErr {
		return parseErrPacket(pkt.Payload)
	}
	return nil
}

// Reset deallocates all prepared statements tracked for this connection.
// MySQL has no single "reset everything" statement equivalent to
// Postgres's DISCARD ALL; COM_STMT_CLOSE per statement is the closest
// analogue.
func (c *Conn) Reset(ctx context.Context) error {
	for name, id := range c.stmtIDs {
		payload := appendUint32([]byte{comStmtClose}, id)
		writePacket(c.w, 0, payload) // COM_STMT_CLOSE has no response
		delete(c.stmtIDs, name)
	}
	return nil
}

// Close tears down the socket. Idempotent.
func (c *Conn) Close() error {
	if c.netConn == nil {
		return nil
	}
	err := c.netConn.Close()
	c.netConn = nil
	return err
}
