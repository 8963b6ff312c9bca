package eventlog

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/clickhouse"
	"github.com/testcontainers/testcontainers-go/wait"
)

// startClickHouseContainer mirrors the reference codebase's own
// internal/history/clickhouse/clickhouse_test.go setup helper.
func startClickHouseContainer(t *testing.T) string {
	t.Helper()
	ctx := context.Background()

	container, err := clickhouse.Run(ctx,
		"clickhouse/clickhouse-server:24.3.2.23",
		clickhouse.WithUsername("default"),
		clickhouse.WithPassword(""),
		clickhouse.WithDatabase("default"),
		testcontainers.WithWaitStrategy(
			wait.ForHTTP("/ping").WithPort("8123/tcp").WithStartupTimeout(30*time.Second)),
	)
	if err != nil {
		t.Skipf("clickhouse container unavailable: %v", err)
	}
	t.Cleanup(func() { _ = container.Terminate(context.Background()) })

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "9000")
	require.NoError(t, err)
	return host + ":" + port.Port()
}

func TestNewSinkFromDSN_ClickHouseSendsEvent(t *testing.T) {
	addr := startClickHouseContainer(t)
	sink, err := NewSinkFromDSN("clickhouse://" + addr)
	require.NoError(t, err)

	err = sink.Send(context.Background(), Event{InstanceID: "i1", Kind: Started, Timestamp: time.Now(), Detail: "from-test"})
	require.Error(t, err) // table is not created by NewSinkFromDSN; confirms we reached a live server

	chSink := sink.(*clickHouseSink)
	require.NoError(t, chSink.conn.Exec(context.Background(), `CREATE TABLE IF NOT EXISTS execution_events(
		instance_id String, kind String, timestamp DateTime, detail String
	) ENGINE = MergeTree() ORDER BY timestamp`))

	require.NoError(t, sink.Send(context.Background(), Event{InstanceID: "i1", Kind: Started, Timestamp: time.Now(), Detail: "from-test"}))
}
