package postgres

import (
	"bufio"
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/nvstorage/nvstorage/internal/config"
	"github.com/nvstorage/nvstorage/internal/driver"
	"github.com/nvstorage/nvstorage/internal/storages/parameters"
)

func init() {
	driver.Register(config.StorageTypePostgres, func() driver.Session { return &Conn{} })
}

// Conn is a single PostgreSQL backend connection speaking the frontend/
// backend protocol directly (no database/sql, no pgx).
type Conn struct {
	netConn net.Conn
	rw      *bufio.ReadWriter

	preparedNames map[string]struct{}
	txOpen        bool
}

var _ driver.Session = (*Conn)(nil)

// Open dials endpoint, performs the startup message exchange, and
// completes whichever authentication method the server requests.
func (c *Conn) Open(ctx context.Context, endpoint config.ClusterEndpoint, timeout time.Duration) error {
	d := net.Dialer{Timeout: timeout}
	addr := net.JoinHostPort(endpoint.Host, strconv.Itoa(endpoint.Port))
	nc, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("nvstorage: postgres: dial %s: %w", addr, err)
	}
	c.netConn = nc
	c.rw = bufio.NewReadWriter(bufio.NewReader(nc), bufio.NewWriter(nc))
	c.preparedNames = make(map[string]struct{})

	if deadline, ok := ctx.Deadline(); ok {
		nc.SetDeadline(deadline)
	}

	params := map[string]string{
		"user":     endpoint.Username,
		"database": endpoint.Database,
	}
	if err := writeStartupMessage(c.rw.Writer, params); err != nil {
		c.netConn.Close()
		return fmt.Errorf("nvstorage: postgres: write startup message: %w", err)
	}
	if err := c.rw.Flush(); err != nil {
		c.netConn.Close()
		return fmt.Errorf("nvstorage: postgres: flush startup message: %w", err)
	}

	if err := c.authenticate(endpoint.Username, endpoint.Password); err != nil {
		c.netConn.Close()
		return err
	}

	if err := c.drainUntilReady(); err != nil {
		c.netConn.Close()
		return err
	}

	nc.SetDeadline(time.Time{})
	return nil
}

func (c *Conn) authenticate(username, password string) error {
	msg, err := readMessage(c.rw.Reader)
	if err != nil {
		return fmt.Errorf("nvstorage: postgres: read auth request: %w", err)
	}
	if msg.Type == msgErrorResponse {
		return parseErrorResponse(msg.Body)
	}
	if msg.Type != msgAuthentication {
		return fmt.Errorf("nvstorage: postgres: expected authentication message, got %q", msg.Type)
	}

	subtype := beUint32(msg.Body[:4])
	switch subtype {
	case authOK:
		return nil
	case authCleartextPassword:
		return c.sendPassword(password)
	case authMD5Password:
		salt := msg.Body[4:8]
		hashed := computeMD5Password(username, password, salt)
		return c.sendPassword(hashed)
	case authSASL:
		if err := scramSHA256(c.rw, password); err != nil {
			return err
		}
		return c.expectAuthOK()
	default:
		return fmt.Errorf("nvstorage: postgres: unsupported authentication method %d", subtype)
	}
}

func (c *Conn) expectAuthOK() error {
	msg, err := readMessage(c.rw.Reader)
	if err != nil {
		return err
	}
	if msg.Type == msgErrorResponse {
		return parseErrorResponse(msg.Body)
	}
	if msg.Type != msgAuthentication || beUint32(msg.Body[:4]) != authOK {
		return fmt.Errorf("nvstorage: postgres: expected AuthenticationOk")
	}
	return nil
}

func (c *Conn) sendPassword(password string) error {
	if err := writeMessage(c.rw.Writer, fePassword, append([]byte(password), 0)); err != nil {
		return err
	}
	if err := c.rw.Flush(); err != nil {
		return err
	}
	return c.expectAuthOK()
}

// computeMD5Password implements Postgres's md5(md5(password+username)+salt)
// scheme, prefixed with "md5" as the wire format requires.
func computeMD5Password(username, password string, salt []byte) string {
	first := md5.Sum([]byte(password + username))
	firstHex := hex.EncodeToString(first[:])
	second := md5.Sum(append([]byte(firstHex), salt...))
	return "md5" + hex.EncodeToString(second[:])
}

// drainUntilReady consumes ParameterStatus/BackendKeyData/NoticeResponse
// messages until ReadyForQuery, which marks the end of the startup
// sequence (or of one query/transaction cycle).
func (c *Conn) drainUntilReady() error {
	for {
		msg, err := readMessage(c.rw.Reader)
		if err != nil {
			return fmt.Errorf("nvstorage: postgres: read message: %w", err)
		}
		switch msg.Type {
		case msgReadyForQuery:
			return nil
		case msgErrorResponse:
			return parseErrorResponse(msg.Body)
		case msgParameterStatus, msgBackendKeyData, msgNoticeResponse:
			continue
		default:
			continue
		}
	}
}

// ExecuteAdHoc runs query via the simple query protocol, which carries no
// bind parameters. params is not sent or substituted: the query text
// runs exactly as given, and any $n placeholder in it stays as written.
func (c *Conn) ExecuteAdHoc(ctx context.Context, query string, params []parameters.ParameterValue) (driver.Result, error) {
	if err := writeMessage(c.rw.Writer, feQuery, append([]byte(query), 0)); err != nil {
		return driver.Result{}, err
	}
	if err := c.rw.Flush(); err != nil {
		return driver.Result{}, err
	}
	return c.readQueryResult()
}

func (c *Conn) readQueryResult() (driver.Result, error) {
	var result driver.Result
	var columns []string

	for {
		msg, err := readMessage(c.rw.Reader)
		if err != nil {
			return driver.Result{}, fmt.Errorf("nvstorage: postgres: read result: %w", err)
		}
		switch msg.Type {
		case msgRowDescription:
			columns = parseRowDescription(msg.Body)
			result.Columns = columns
		case msgDataRow:
			row, err := parseDataRow(msg.Body)
			if err != nil {
				return driver.Result{}, err
			}
			result.Rows = append(result.Rows, row)
		case msgCommandComplete:
			result.RowsAffected = parseCommandTag(msg.Body)
		case msgEmptyQueryResult, msgNoticeResponse:
			continue
		case msgReadyForQuery:
			return result, nil
		case msgErrorResponse:
			return driver.Result{}, parseErrorResponse(msg.Body)
		default:
			continue
		}
	}
}

func parseRowDescription(body []byte) []string {
	if len(body) < 2 {
		return nil
	}
	count := int(body[0])<<8 | int(body[1])
	cols := make([]string, 0, count)
	off := 2
	for i := 0; i < count; i++ {
		var name string
		name, off = cstring(body, off)
		off += 18 // table OID(4) + attnum(2) + type OID(4) + typlen(2) + typmod(4) + format(2)
		cols = append(cols, name)
	}
	return cols
}

func parseDataRow(body []byte) ([]parameters.ParameterValue, error) {
	if len(body) < 2 {
		return nil, nil
	}
	count := int(body[0])<<8 | int(body[1])
	row := make([]parameters.ParameterValue, 0, count)
	off := 2
	for i := 0; i < count; i++ {
		if off+4 > len(body) {
			return nil, fmt.Errorf("nvstorage: postgres: truncated data row")
		}
		length := int32(beUint32(body[off : off+4]))
		off += 4
		if length < 0 {
			row = append(row, parameters.Null(parameters.TypeString))
			continue
		}
		value := string(body[off : off+int(length)])
		off += int(length)
		row = append(row, parameters.String(value))
	}
	return row, nil
}

func parseCommandTag(body []byte) int64 {
	tag, _ := cstring(body, 0)
	var n int64
	// extract trailing integer, if any (e.g. "UPDATE 3" -> 3)
	start := len(tag)
	for start > 0 && tag[start-1] >= '0' && tag[start-1] <= '9' {
		start--
	}
	if start == len(tag) {
		return 0
	}
	for _, r := range tag[start:] {
		n = n*10 + int64(r-'0')
	}
	return n
}

// Prepare registers query server-side under name using the Parse message
// of the extended query protocol.
func (c *Conn) Prepare(ctx context.Context, name, query string) error {
	body := make([]byte, 0, len(name)+len(query)+8)
	body = append(body, name...)
	body = append(body, 0)
	body = append(body, query...)
	body = append(body, 0)
	body = beAppendUint32(body, 0) // zero parameter type hints: infer from context

	if err := writeMessage(c.rw.Writer, feParse, body); err != nil {
		return err
	}
	if err := writeMessage(c.rw.Writer, feSync, nil); err != nil {
		return err
	}
	if err := c.rw.Flush(); err != nil {
		return err
	}

	for {
		msg, err := readMessage(c.rw.Reader)
		if err != nil {
			return fmt.Errorf("nvstorage: postgres: read parse response: %w", err)
		}
		switch msg.Type {
		case msgParseComplete:
			continue
		case msgReadyForQuery:
			c.preparedNames[name] = struct{}{}
			return nil
		case msgErrorResponse:
			return parseErrorResponse(msg.Body)
		default:
			continue
		}
	}
}

// ExecutePrepared binds params to the named prepared statement and
// drives it through Bind/Execute/Sync.
func (c *Conn) ExecutePrepared(ctx context.Context, name string, params []parameters.ParameterValue) (driver.Result, error) {
	if _, ok := c.preparedNames[name]; !ok {
		return driver.Result{}, fmt.Errorf("nvstorage: postgres: statement %q was never prepared on this connection", name)
	}

	bind := make([]byte, 0, 64)
	bind = append(bind, 0) // unnamed portal
	bind = append(bind, name...)
	bind = append(bind, 0)
	bind = beAppendUint16(bind, 0) // 0 parameter format codes: all text
	bind = beAppendUint16(bind, uint16(len(params)))
	for _, p := range params {
		if p.IsNull() {
			bind = beAppendUint32(bind, 0xFFFFFFFF)
			continue
		}
		text := fmt.Sprint(p.Interface())
		bind = beAppendUint32(bind, uint32(len(text)))
		bind = append(bind, text...)
	}
	bind = beAppendUint16(bind, 0) // 0 result format codes: all text

	if err := writeMessage(c.rw.Writer, feBind, bind); err != nil {
		return driver.Result{}, err
	}
	// Describe the portal so the response carries a RowDescription.
	if err := writeMessage(c.rw.Writer, feDescribe, []byte{'P', 0}); err != nil {
		return driver.Result{}, err
	}

	exec := make([]byte, 0, 8)
	exec = append(exec, 0) // unnamed portal
	exec = beAppendUint32(exec, 0)
	if err := writeMessage(c.rw.Writer, feExecute, exec); err != nil {
		return driver.Result{}, err
	}
	if err := writeMessage(c.rw.Writer, feSync, nil); err != nil {
		return driver.Result{}, err
	}
	if err := c.rw.Flush(); err != nil {
		return driver.Result{}, err
	}

	var result driver.Result
	for {
		msg, err := readMessage(c.rw.Reader)
		if err != nil {
			return driver.Result{}, fmt.Errorf("nvstorage: postgres: read execute response: %w", err)
		}
		switch msg.Type {
		case msgBindComplete:
			continue
		case msgRowDescription:
			result.Columns = parseRowDescription(msg.Body)
		case msgDataRow:
			row, err := parseDataRow(msg.Body)
			if err != nil {
				return driver.Result{}, err
			}
			result.Rows = append(result.Rows, row)
		case msgCommandComplete:
			result.RowsAffected = parseCommandTag(msg.Body)
		case msgPortalSuspended, msgNoticeResponse:
			continue
		case msgReadyForQuery:
			return result, nil
		case msgErrorResponse:
			return driver.Result{}, parseErrorResponse(msg.Body)
		default:
			continue
		}
	}
}

func beAppendUint16(b []byte, v uint16) []byte {
	return append(b, byte(v>>8), byte(v))
}

// Begin issues BEGIN with the isolation level corresponding to mode.
func (c *Conn) Begin(ctx context.Context, mode config.TransactionMode) error {
	var sql string
	switch mode {
	case config.TransactionModeReadOnly, config.TransactionModeReadCommitted:
		sql = "BEGIN ISOLATION LEVEL READ COMMITTED READ ONLY"
	case config.TransactionModeReadWrite:
		sql = "BEGIN ISOLATION LEVEL READ COMMITTED READ WRITE"
	default:
		sql = "BEGIN"
	}
	if _, err := c.ExecuteAdHoc(ctx, sql, nil); err != nil {
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

// Ping issues a trivial SELECT 1 to confirm liveness.
func (c *Conn) Ping(ctx context.Context) error {
	_, err := c.ExecuteAdHoc(ctx, "SELECT 1", nil)
	return err
}

// Reset issues DISCARD ALL, clearing prepared statements, temp tables and
// session-level GUCs before the connection returns to its pool.
func (c *Conn) Reset(ctx context.Context) error {
	if _, err := c.ExecuteAdHoc(ctx, "DISCARD ALL", nil); err != nil {
		return err
	}
	c.preparedNames = make(map[string]struct{})
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
