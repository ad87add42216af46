package metrics

import (
	"errors"
	"fmt"
	"io"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/goodieshq/goclust/internal/protocol"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.ConnOpened()
	m.ConnClosed(errors.New("x"))
	m.Handshake("slave", nil)
	m.FlagReceived(protocol.FlagMasterPing)
	m.FlagUnhandled(protocol.FlagSlaveOk)
	m.Transferred("in", 10)

	path := filepath.Join(t.TempDir(), "goclust.prom")
	if err := m.WriteTextfile(path); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(path); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("nil metrics wrote a textfile: %v", err)
	}
}

func TestCounters(t *testing.T) {
	m := New()

	m.ConnOpened()
	m.ConnOpened()
	m.ConnClosed(nil)
	m.ConnClosed(protocol.IOError("read", io.EOF))
	if got := testutil.ToFloat64(m.Connections); got != 0 {
		t.Errorf("connections = %v", got)
	}
	if got := testutil.ToFloat64(m.ConnectionFails.WithLabelValues("eof")); got != 1 {
		t.Errorf("eof failures = %v", got)
	}

	m.Handshake("master", nil)
	m.Handshake("master", errors.New("refused"))
	if got := testutil.ToFloat64(m.Handshakes.WithLabelValues("master", "error")); got != 1 {
		t.Errorf("failed handshakes = %v", got)
	}

	m.Transferred("out", 100)
	m.Transferred("out", 0)
	m.Transferred("out", 23)
	if got := testutil.ToFloat64(m.TransferBytes.WithLabelValues("out")); got != 123 {
		t.Errorf("bytes out = %v", got)
	}
}

func TestErrorKind(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{fmt.Errorf("wrapped: %w", protocol.ErrUnknownFlag), "unknown_flag"},
		{protocol.IOError("read", io.ErrUnexpectedEOF), "eof"},
		{protocol.IOError("write", errors.New("broken pipe")), "io"},
		{protocol.ErrMagicMismatch, "magic_mismatch"},
		{protocol.ErrInvalidPath, "invalid_path"},
		{errors.New("anything"), "other"},
	}
	for _, tt := range tests {
		if got := ErrorKind(tt.err); got != tt.want {
			t.Errorf("ErrorKind(%v) = %s, want %s", tt.err, got, tt.want)
		}
	}
}

func TestHandler(t *testing.T) {
	m := New()
	m.FlagReceived(protocol.FlagMasterWantsExecution)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body := rec.Body.String()
	if !strings.Contains(body, `goclust_dispatcher_flags_received_total{flag="MASTER_WANTS_EXECUTION"} 1`) {
		t.Fatalf("flag counter missing from output:\n%s", body)
	}
}

func TestWriteTextfile(t *testing.T) {
	m := New()
	m.Handshake("master", nil)
	m.Transferred("in", 42)

	path := filepath.Join(t.TempDir(), "goclust.prom")
	if err := m.WriteTextfile(path); err != nil {
		t.Fatal(err)
	}
	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	out := string(b)
	for _, want := range []string{
		`goclust_transfer_bytes_total{direction="in"} 42`,
		`goclust_handshakes_total{`,
		`role="master"`,
	} {
		if !strings.Contains(out, want) {
			t.Errorf("textfile missing %q:\n%s", want, out)
		}
	}
}
