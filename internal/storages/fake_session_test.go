package storages

import (
	"context"
	"time"

	"github.com/nvstorage/nvstorage/internal/config"
	"github.com/nvstorage/nvstorage/internal/driver"
	"github.com/nvstorage/nvstorage/internal/storages/parameters"
)

// fakeSession is an in-memory driver.Session double used across this
// package's tests, avoiding any real network dial.
type fakeSession struct {
	opened     bool
	closed     bool
	pinged     int
	resetCount int
	prepared   map[string]string
	executed   []string
	failOpen   error
	failPing   error
	txMode     config.TransactionMode
	committed  bool
	aborted    bool
}

func newFakeSession() *fakeSession {
	return &fakeSession{prepared: make(map[string]string)}
}

func (f *fakeSession) Open(ctx context.Context, endpoint config.ClusterEndpoint, timeout time.Duration) error {
	if f.failOpen != nil {
		return f.failOpen
	}
	f.opened = true
	return nil
}

func (f *fakeSession) Prepare(ctx context.Context, name, query string) error {
	f.prepared[name] = query
	return nil
}

func (f *fakeSession) ExecutePrepared(ctx context.Context, name string, params []parameters.ParameterValue) (driver.Result, error) {
	f.executed = append(f.executed, name)
	return driver.Result{RowsAffected: 1}, nil
}

func (f *fakeSession) ExecuteAdHoc(ctx context.Context, query string, params []parameters.ParameterValue) (driver.Result, error) {
	f.executed = append(f.executed, query)
	return driver.Result{RowsAffected: 1}, nil
}

func (f *fakeSession) Begin(ctx context.Context, mode config.TransactionMode) error {
	f.txMode = mode
	return nil
}

func (f *fakeSession) Commit(ctx context.Context) error {
	f.committed = true
	return nil
}

func (f *fakeSession) Abort(ctx context.Context) error {
	f.aborted = true
	return nil
}

func (f *fakeSession) Ping(ctx context.Context) error {
	f.pinged++
	return f.failPing
}

func (f *fakeSession) Reset(ctx context.Context) error {
	f.resetCount++
	f.prepared = make(map[string]string)
	return nil
}

func (f *fakeSession) Close() error {
	f.closed = true
	return nil
}

var _ driver.Session = (*fakeSession)(nil)
