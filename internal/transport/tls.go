// Package transport provides the raw duplex streams connections run over:
// plain TCP, or TCP wrapped in TLS.
package transport

import (
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"

	"github.com/goodieshq/goclust/internal/config"
)

var ErrNoCertsFound = errors.New("no certificates found in PEM data")

// LoadCAPool builds a pool from every certificate in a PEM file
func LoadCAPool(path string) (*x509.CertPool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read CA file %s: %w", path, err)
	}

	pool := x509.NewCertPool()
	var added int
	for len(data) > 0 {
		var block *pem.Block
		block, data = pem.Decode(data)
		if block == nil {
			break
		}
		if block.Type != "CERTIFICATE" {
			continue
		}
		cert, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("failed to parse certificate in %s: %w", path, err)
		}
		pool.AddCert(cert)
		added++
	}
	if added == 0 {
		return nil, ErrNoCertsFound
	}
	return pool, nil
}

// ServerTLS builds the slave's TLS config. With cfg.WatchCerts the returned
// watcher must be started by the caller to pick up certificate rotations.
func ServerTLS(cfg config.TLSConfig) (*tls.Config, *CertWatcher, error) {
	if !cfg.Enabled {
		return nil, nil, nil
	}
	if cfg.CertFile == "" || cfg.KeyFile == "" {
		return nil, nil, errors.New("tls enabled without cert_file and key_file")
	}

	tlsConf := &tls.Config{MinVersion: tls.VersionTLS12}

	var watcher *CertWatcher
	if cfg.WatchCerts {
		w, err := NewCertWatcher(cfg.CertFile, cfg.KeyFile)
		if err != nil {
			return nil, nil, err
		}
		watcher = w
		tlsConf.GetCertificate = w.GetCertificate
	} else {
		cert, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to load key pair: %w", err)
		}
		tlsConf.Certificates = []tls.Certificate{cert}
	}

	if cfg.CAFile != "" {
		pool, err := LoadCAPool(cfg.CAFile)
		if err != nil {
			return nil, nil, err
		}
		tlsConf.ClientCAs = pool
		tlsConf.ClientAuth = tls.RequireAndVerifyClientCert
	}

	return tlsConf, watcher, nil
}

// ClientTLS builds the master's TLS config
func ClientTLS(cfg config.TLSConfig) (*tls.Config, error) {
	if !cfg.Enabled {
		return nil, nil
	}

	tlsConf := &tls.Config{
		MinVersion:         tls.VersionTLS12,
		ServerName:         cfg.ServerName,
		InsecureSkipVerify: cfg.InsecureSkipVerify,
	}

	if cfg.CAFile != "" {
		pool, err := LoadCAPool(cfg.CAFile)
		if err != nil {
			return nil, err
		}
		tlsConf.RootCAs = pool
	}

	if cfg.CertFile != "" {
		cert, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load client key pair: %w", err)
		}
		tlsConf.Certificates = []tls.Certificate{cert}
	}

	return tlsConf, nil
}
