package master

import (
	"bytes"
	"context"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/goodieshq/goclust/internal/fsstore"
	"github.com/goodieshq/goclust/internal/metrics"
	"github.com/goodieshq/goclust/internal/protocol"
	"github.com/goodieshq/goclust/internal/slave"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

type echoExecutor struct{}

func (echoExecutor) Execute(_ context.Context, command string) ([]byte, error) {
	return []byte("ran: " + command), nil
}

type bulkExecutor struct {
	size int
}

func (e bulkExecutor) Execute(context.Context, string) ([]byte, error) {
	return bytes.Repeat([]byte{'o'}, e.size), nil
}

// startSlave serves a slave rooted in a temporary directory
func startSlave(t *testing.T, mode protocol.ResyncMode) (string, string) {
	return startSlaveExec(t, mode, echoExecutor{})
}

func startSlaveExec(t *testing.T, mode protocol.ResyncMode, exec slave.Executor) (string, string) {
	t.Helper()
	root := t.TempDir()
	dir, err := fsstore.OpenDir(root)
	if err != nil {
		t.Fatal(err)
	}

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}

	srv := slave.NewServer(slave.ServerOpts{
		MaxConns: 4,
		Dispatcher: &slave.Dispatcher{
			Resync:   mode,
			Sink:     dir,
			Source:   dir,
			Executor: exec,
		},
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx, ln) }()
	t.Cleanup(func() {
		cancel()
		<-done
		dir.Close()
	})
	return ln.Addr().String(), root
}

// closedAddress returns an address nothing listens on
func closedAddress(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	address := ln.Addr().String()
	ln.Close()
	return address
}

func TestClientCommands(t *testing.T) {
	for _, mode := range []protocol.ResyncMode{protocol.ResyncEcho, protocol.ResyncReread} {
		t.Run(mode.String(), func(t *testing.T) {
			address, root := startSlave(t, mode)
			m := metrics.New()
			client := NewClient(ClientOpts{Resync: mode, Metrics: m})
			ctx := context.Background()

			conn, err := client.Connect(ctx, address)
			if err != nil {
				t.Fatal(err)
			}
			if conn, err = client.Ping(ctx, conn); err != nil {
				t.Fatalf("Ping: %v", err)
			}

			content := strings.Repeat("cluster data ", 5000)
			conn, n, err := client.SendFile(ctx, conn, "sub/dir/data.txt", strings.NewReader(content))
			if err != nil {
				t.Fatalf("SendFile: %v", err)
			}
			if n != int64(len(content)) {
				t.Fatalf("sent %d bytes, want %d", n, len(content))
			}
			stored, err := os.ReadFile(filepath.Join(root, "sub", "dir", "data.txt"))
			if err != nil || string(stored) != content {
				t.Fatalf("slave stored %d bytes (%v), want %d", len(stored), err, len(content))
			}

			var fetched bytes.Buffer
			if conn, _, err = client.FetchFile(ctx, conn, "sub/dir/data.txt", &fetched); err != nil {
				t.Fatalf("FetchFile: %v", err)
			}
			if fetched.String() != content {
				t.Fatalf("fetched %d bytes, want %d", fetched.Len(), len(content))
			}

			var output bytes.Buffer
			if conn, err = client.Exec(ctx, conn, "hostname -f", &output); err != nil {
				t.Fatalf("Exec: %v", err)
			}
			if output.String() != "ran: hostname -f" {
				t.Fatalf("output = %q", output.String())
			}

			if err := conn.Close(); err != nil {
				t.Fatal(err)
			}
			if got := testutil.ToFloat64(m.Handshakes.WithLabelValues("master", "ok")); got != 1 {
				t.Errorf("handshakes = %v, want 1", got)
			}
			if got := testutil.ToFloat64(m.TransferBytes.WithLabelValues("out")); got != float64(len(content)) {
				t.Errorf("bytes out = %v, want %d", got, len(content))
			}
		})
	}
}

func TestExecOutputIsRateLimited(t *testing.T) {
	address, _ := startSlaveExec(t, protocol.ResyncEcho, bulkExecutor{size: 15000})
	client := NewClient(ClientOpts{MaxRate: 10000})
	ctx := context.Background()

	conn, err := client.Connect(ctx, address)
	if err != nil {
		t.Fatal(err)
	}

	// the bucket starts full, the remaining 5000 bytes take half a second at 10000/s
	start := time.Now()
	var output bytes.Buffer
	if conn, err = client.Exec(ctx, conn, "dump", &output); err != nil {
		t.Fatalf("Exec: %v", err)
	}
	elapsed := time.Since(start)
	conn.Close()

	if output.Len() != 15000 {
		t.Fatalf("output = %d bytes, want 15000", output.Len())
	}
	if elapsed < 400*time.Millisecond {
		t.Fatalf("limited output took %s", elapsed)
	}
}

func TestFetchMissingFile(t *testing.T) {
	address, _ := startSlave(t, protocol.ResyncEcho)
	client := NewClient(ClientOpts{})
	ctx := context.Background()

	conn, err := client.Connect(ctx, address)
	if err != nil {
		t.Fatal(err)
	}
	if _, _, err := client.FetchFile(ctx, conn, "nope.txt", &bytes.Buffer{}); err == nil {
		t.Fatal("fetching a missing file succeeded")
	}
}

func TestConnectRefused(t *testing.T) {
	client := NewClient(ClientOpts{})
	if _, err := client.Connect(context.Background(), closedAddress(t)); err == nil {
		t.Fatal("connect to a closed port succeeded")
	}
}

func TestCluster(t *testing.T) {
	good, _ := startSlave(t, protocol.ResyncEcho)
	other, _ := startSlave(t, protocol.ResyncEcho)
	bad := closedAddress(t)
	ctx := context.Background()

	cluster := NewCluster(NewClient(ClientOpts{}))
	if err := cluster.AddNode(ctx, good); err != nil {
		t.Fatal(err)
	}
	if err := cluster.AddNode(ctx, good); err != nil {
		t.Fatal(err)
	}
	if err := cluster.AddNode(ctx, other); err != nil {
		t.Fatal(err)
	}

	err := cluster.AddNode(ctx, bad)
	if err == nil || !strings.Contains(err.Error(), "cannot connect to "+bad) {
		t.Fatalf("AddNode(bad) = %v", err)
	}

	nodes := cluster.Nodes()
	if len(nodes) != 2 || nodes[0] != good || nodes[1] != other {
		t.Fatalf("nodes = %v", nodes)
	}
	if err := cluster.PingAll(ctx); err != nil {
		t.Fatalf("PingAll: %v", err)
	}
}

func TestClusterPingAllStopsAtFirstFailure(t *testing.T) {
	ctx := context.Background()
	cluster := NewCluster(NewClient(ClientOpts{}))

	// register a node, then take it down
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	sctx, stop := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- slave.NewServer(slave.ServerOpts{MaxConns: 1}).Serve(sctx, ln) }()

	address := ln.Addr().String()
	if err := cluster.AddNode(ctx, address); err != nil {
		t.Fatal(err)
	}
	stop()
	<-done

	err = cluster.PingAll(ctx)
	if err == nil || !strings.Contains(err.Error(), address) {
		t.Fatalf("PingAll = %v, want failure naming %s", err, address)
	}
}
