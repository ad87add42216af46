package transport

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"io"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/goodieshq/goclust/internal/config"
)

// writeCert writes a self-signed certificate for 127.0.0.1 and its key into dir
func writeCert(t *testing.T, dir, cn string) (string, string) {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	tmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(time.Now().UnixNano()),
		Subject:               pkix.Name{CommonName: cn},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(time.Hour),
		IPAddresses:           []net.IP{net.ParseIP("127.0.0.1")},
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		BasicConstraintsValid: true,
		IsCA:                  true,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		t.Fatal(err)
	}
	keyDER, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		t.Fatal(err)
	}

	certFile := filepath.Join(dir, "cert.pem")
	keyFile := filepath.Join(dir, "key.pem")
	if err := os.WriteFile(certFile, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(keyFile, pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER}), 0o600); err != nil {
		t.Fatal(err)
	}
	return certFile, keyFile
}

func TestLoadCAPool(t *testing.T) {
	dir := t.TempDir()
	certFile, keyFile := writeCert(t, dir, "ca")

	if _, err := LoadCAPool(certFile); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadCAPool(keyFile); !errors.Is(err, ErrNoCertsFound) {
		t.Fatalf("LoadCAPool(key) error = %v, want ErrNoCertsFound", err)
	}
	if _, err := LoadCAPool(filepath.Join(dir, "missing.pem")); err == nil {
		t.Fatal("missing file accepted")
	}
}

func TestTLSDisabled(t *testing.T) {
	srv, w, err := ServerTLS(config.TLSConfig{})
	if srv != nil || w != nil || err != nil {
		t.Fatalf("ServerTLS(disabled) = %v, %v, %v", srv, w, err)
	}
	cli, err := ClientTLS(config.TLSConfig{})
	if cli != nil || err != nil {
		t.Fatalf("ClientTLS(disabled) = %v, %v", cli, err)
	}
	if _, _, err := ServerTLS(config.TLSConfig{Enabled: true}); err == nil {
		t.Fatal("enabled server TLS without a key pair accepted")
	}
}

func TestTLSRoundTrip(t *testing.T) {
	certFile, keyFile := writeCert(t, t.TempDir(), "slave")

	srvConf, watcher, err := ServerTLS(config.TLSConfig{Enabled: true, CertFile: certFile, KeyFile: keyFile, WatchCerts: true})
	if err != nil {
		t.Fatal(err)
	}
	if watcher == nil {
		t.Fatal("watch_certs did not return a watcher")
	}
	cliConf, err := ClientTLS(config.TLSConfig{Enabled: true, CAFile: certFile})
	if err != nil {
		t.Fatal(err)
	}

	ln, err := Listen("127.0.0.1:0", srvConf)
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		io.Copy(conn, conn)
	}()

	conn, err := Dial(context.Background(), ln.Addr().String(), cliConf, time.Second)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()

	msg := []byte("over tls")
	if _, err := conn.Write(msg); err != nil {
		t.Fatal(err)
	}
	got := make([]byte, len(msg))
	if _, err := io.ReadFull(conn, got); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, msg) {
		t.Fatalf("echo = %q", got)
	}
}

func TestTLSUntrustedServer(t *testing.T) {
	certFile, keyFile := writeCert(t, t.TempDir(), "slave")
	otherCA, _ := writeCert(t, t.TempDir(), "other")

	srvConf, _, err := ServerTLS(config.TLSConfig{Enabled: true, CertFile: certFile, KeyFile: keyFile})
	if err != nil {
		t.Fatal(err)
	}
	cliConf, err := ClientTLS(config.TLSConfig{Enabled: true, CAFile: otherCA})
	if err != nil {
		t.Fatal(err)
	}

	ln, err := Listen("127.0.0.1:0", srvConf)
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()
	go func() {
		conn, err := ln.Accept()
		if err == nil {
			conn.Read(make([]byte, 1))
			conn.Close()
		}
	}()

	if _, err := Dial(context.Background(), ln.Addr().String(), cliConf, time.Second); err == nil {
		t.Fatal("handshake with an untrusted certificate succeeded")
	}
}

func TestCertWatcherReload(t *testing.T) {
	dir := t.TempDir()
	certFile, keyFile := writeCert(t, dir, "first")

	w, err := NewCertWatcher(certFile, keyFile)
	if err != nil {
		t.Fatal(err)
	}
	w.debounce = 20 * time.Millisecond
	first, _ := w.GetCertificate(nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)
	time.Sleep(100 * time.Millisecond)

	writeCert(t, dir, "second")

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		cur, _ := w.GetCertificate(nil)
		if !bytes.Equal(cur.Certificate[0], first.Certificate[0]) {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("certificate was not reloaded after rotation")
}

func TestIdleTimeout(t *testing.T) {
	a, b := net.Pipe()
	defer b.Close()

	if WithIdleTimeout(a, 0) != a {
		t.Fatal("zero timeout should leave the connection unwrapped")
	}

	conn := WithIdleTimeout(a, 50*time.Millisecond)
	defer conn.Close()

	_, err := conn.Read(make([]byte, 1))
	var netErr net.Error
	if !errors.As(err, &netErr) || !netErr.Timeout() {
		t.Fatalf("Read error = %v, want a timeout", err)
	}
}
