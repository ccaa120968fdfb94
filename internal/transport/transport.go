// Package transport builds the pooled, TLS-configured HTTP client that every
// HEC channel sends through.
package transport

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/Adithya-Monish-Kumar-K/splunk-hec-sink/pkg/config"
	apperrors "github.com/Adithya-Monish-Kumar-K/splunk-hec-sink/pkg/errors"
)

const defaultProxyPort = 8080

// VerifyMode is the TLS verification mode of a Transport. Exactly one is
// active per Transport.
type VerifyMode int

const (
	VerifySystem VerifyMode = iota
	VerifyDisabled
	VerifyCustom
)

func (m VerifyMode) String() string {
	switch m {
	case VerifySystem:
		return "system"
	case VerifyDisabled:
		return "disabled"
	case VerifyCustom:
		return "custom"
	default:
		return "unknown"
	}
}

// Transport is a pooled HTTP client shared by the channels. Connections per
// destination are capped by the underlying http.Transport; the total across
// destinations by a weighted semaphore held until the response body closes.
type Transport struct {
	client   *http.Client
	base     *http.Transport
	total    *semaphore.Weighted
	kerberos *kerberosAuth
	mode     VerifyMode
	compress bool
	logger   *slog.Logger
}

// Build derives a Transport from cfg. It never touches the network.
func Build(cfg config.TransportConfig) (*Transport, error) {
	logger := slog.Default().With("component", "transport")

	tlsCfg, mode, err := buildTLS(cfg, logger)
	if err != nil {
		return nil, err
	}

	dialer := &net.Dialer{
		Timeout:   30 * time.Second,
		KeepAlive: 30 * time.Second,
	}
	if !cfg.KeepAlive {
		dialer.KeepAlive = -1
	}
	sendBuffer := cfg.SendBufferSize
	socketTimeout := cfg.SocketTimeout

	base := &http.Transport{
		TLSClientConfig:       tlsCfg,
		MaxConnsPerHost:       cfg.MaxConnsPerChannel,
		MaxIdleConnsPerHost:   cfg.MaxConnsPerChannel,
		MaxIdleConns:          cfg.MaxConnsTotal,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: cfg.SocketTimeout,
		DisableKeepAlives:     !cfg.KeepAlive,
		ForceAttemptHTTP2:     false,
		DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			conn, err := dialer.DialContext(ctx, network, addr)
			if err != nil {
				return nil, err
			}
			if tc, ok := conn.(*net.TCPConn); ok && sendBuffer > 0 {
				if err := tc.SetWriteBuffer(sendBuffer); err != nil {
					logger.Warn("setting send buffer size failed", "size", sendBuffer, "error", err)
				}
			}
			if socketTimeout > 0 {
				conn = &deadlineConn{Conn: conn, timeout: socketTimeout}
			}
			return conn, nil
		},
	}
	if cfg.ProxyHost != "" {
		port := cfg.ProxyPort
		if port == 0 {
			port = defaultProxyPort
		}
		proxy := &url.URL{Scheme: "http", Host: net.JoinHostPort(cfg.ProxyHost, strconv.Itoa(port))}
		base.Proxy = http.ProxyURL(proxy)
		logger.Info("using HTTP proxy", "proxy", proxy.Host)
	}

	t := &Transport{
		client:   &http.Client{Transport: base},
		base:     base,
		mode:     mode,
		compress: cfg.Compress,
		logger:   logger,
	}
	if cfg.MaxConnsTotal > 0 {
		t.total = semaphore.NewWeighted(int64(cfg.MaxConnsTotal))
	}
	if cfg.KerberosEnabled() {
		t.kerberos, err = newKerberosAuth(cfg)
		if err != nil {
			return nil, err
		}
	}

	logger.Info("transport built",
		"verify", mode,
		"max_conns_per_channel", cfg.MaxConnsPerChannel,
		"max_conns_total", cfg.MaxConnsTotal,
		"keep_alive", cfg.KeepAlive,
		"kerberos", t.kerberos != nil,
		"compress", cfg.Compress,
	)
	return t, nil
}

func buildTLS(cfg config.TransportConfig, logger *slog.Logger) (*tls.Config, VerifyMode, error) {
	tlsCfg := &tls.Config{MinVersion: tls.VersionTLS12}
	switch {
	case cfg.DisableCertVerification:
		if cfg.TrustStorePath != "" {
			logger.Warn("certificate verification disabled, ignoring configured trust store", "trust_store", cfg.TrustStorePath)
		}
		tlsCfg.InsecureSkipVerify = true
		return tlsCfg, VerifyDisabled, nil
	case cfg.TrustStorePath != "":
		pool, err := LoadTrustStore(cfg.TrustStorePath, cfg.TrustStoreType, cfg.TrustStorePassword)
		if err != nil {
			return nil, 0, err
		}
		tlsCfg.RootCAs = pool
		return tlsCfg, VerifyCustom, nil
	default:
		if _, err := x509.SystemCertPool(); err != nil {
			return nil, 0, apperrors.Newf(apperrors.ErrConfiguration, 0, "loading system trust store: %v", err)
		}
		return tlsCfg, VerifySystem, nil
	}
}

// Mode returns the active TLS verification mode.
func (t *Transport) Mode() VerifyMode { return t.mode }

// Compress reports whether request bodies should be gzip-encoded.
func (t *Transport) Compress() bool { return t.compress }

// TLSConfig returns the client TLS configuration.
func (t *Transport) TLSConfig() *tls.Config { return t.base.TLSClientConfig }

// Do sends req. When the total pool is exhausted Do waits for a slot until
// req's context is done. The slot is released when the response body is
// closed.
func (t *Transport) Do(req *http.Request) (*http.Response, error) {
	if t.total != nil {
		if err := t.total.Acquire(req.Context(), 1); err != nil {
			return nil, err
		}
	}
	if t.kerberos != nil {
		if err := t.kerberos.authorize(req); err != nil {
			t.release()
			return nil, err
		}
	}
	resp, err := t.client.Do(req)
	if err != nil {
		t.release()
		return nil, err
	}
	if t.total != nil {
		resp.Body = &releasingBody{ReadCloser: resp.Body, release: t.release}
	}
	return resp, nil
}

func (t *Transport) release() {
	if t.total != nil {
		t.total.Release(1)
	}
}

// CloseIdleConnections closes pooled connections that are not in use.
func (t *Transport) CloseIdleConnections() {
	t.base.CloseIdleConnections()
}

// deadlineConn bounds every read and write by timeout, so a peer that stops
// sending or receiving mid-exchange fails the request instead of holding it.
type deadlineConn struct {
	net.Conn
	timeout time.Duration
}

func (c *deadlineConn) Read(p []byte) (int, error) {
	if err := c.Conn.SetReadDeadline(time.Now().Add(c.timeout)); err != nil {
		return 0, err
	}
	return c.Conn.Read(p)
}

func (c *deadlineConn) Write(p []byte) (int, error) {
	if err := c.Conn.SetWriteDeadline(time.Now().Add(c.timeout)); err != nil {
		return 0, err
	}
	return c.Conn.Write(p)
}

type releasingBody struct {
	io.ReadCloser
	once    sync.Once
	release func()
}

func (b *releasingBody) Close() error {
	err := b.ReadCloser.Close()
	b.once.Do(b.release)
	return err
}
