package health

import (
	"context"
	"sync"
	"time"

	"github.com/nvstorage/nvstorage/internal/config"
	"github.com/nvstorage/nvstorage/internal/driver"
	"github.com/nvstorage/nvstorage/internal/storages/parameters"
	"testing"
)

type fakeHealthySession struct{}

func (fakeHealthySession) Open(ctx context.Context, endpoint config.ClusterEndpoint, timeout time.Duration) error {
	return nil
}
func (fakeHealthySession) Prepare(ctx context.Context, name, query string) error { return nil }
func (fakeHealthySession) ExecutePrepared(ctx context.Context, name string, params []parameters.ParameterValue) (driver.Result, error) {
	return driver.Result{RowsAffected: 1}, nil
}
func (fakeHealthySession) ExecuteAdHoc(ctx context.Context, query string, params []parameters.ParameterValue) (driver.Result, error) {
	return driver.Result{RowsAffected: 1}, nil
}
func (fakeHealthySession) Begin(ctx context.Context, mode config.TransactionMode) error { return nil }
func (fakeHealthySession) Commit(ctx context.Context) error                             { return nil }
func (fakeHealthySession) Abort(ctx context.Context) error                              { return nil }
func (fakeHealthySession) Ping(ctx context.Context) error                               { return nil }
func (fakeHealthySession) Reset(ctx context.Context) error                              { return nil }
func (fakeHealthySession) Close() error                                                 { return nil }

var _ driver.Session = fakeHealthySession{}

var driverInitOnce sync.Once

func driverInit() {
	driverInitOnce.Do(func() {
		driver.Register(config.StorageTypeNvXcel, func() driver.Session { return fakeHealthySession{} })
	})
}

func mustEndpoints(t *testing.T) config.ClusterEndpointList {
	t.Helper()
	list, err := config.NewClusterEndpointList(config.StorageTypeNvXcel, []config.ClusterEndpoint{
		{Name: "node", Type: config.StorageTypeNvXcel, Host: "localhost", Port: 1},
	})
	if err != nil {
		t.Fatal(err)
	}
	return list
}
