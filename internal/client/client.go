package client

import (
	"bufio"
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httputil"
	"os"
	"strings"
	"time"

	"github.com/gwatts/rootcerts"
	"go.uber.org/zap"

	"github.com/idanyas/nearspeed/internal/errs"
)

// UserAgent is sent to the directory host, which rejects unknown clients.
const UserAgent = "Mozilla/5.0 (Macintosh; Intel Mac OS X 10.7; rv:10.0.2) Gecko/20100101 Firefox/10.0.2"

// Provider opens connections to named hosts. The zero value dials plain
// HTTP on port 80 through the system resolver with no dial timeout.
type Provider struct {
	// Debug is the diagnostic verbosity applied to every new connection.
	// 1 traces request and status lines, 2 adds headers.
	Debug int
	// Trace receives diagnostic output. Defaults to os.Stderr.
	Trace io.Writer

	TLS                bool
	InsecureSkipVerify bool

	// DialTimeout bounds connection establishment only. Zero means no limit.
	DialTimeout time.Duration
	Resolver    *Resolver
	Logger      *zap.Logger
}

// Open connects to hostname, which may carry an explicit port. Any failure
// is reported as *errs.ConnectionError. The caller must Close the result.
func (p *Provider) Open(ctx context.Context, hostname string) (*Conn, error) {
	c := &Conn{provider: p, host: hostname}
	if err := c.connect(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

func (p *Provider) address(hostname string) (addr, serverName string, err error) {
	if hostname == "" {
		return "", "", errors.New("empty hostname")
	}
	if host, _, err := net.SplitHostPort(hostname); err == nil {
		return hostname, host, nil
	}
	host := strings.Trim(hostname, "[]")
	port := "80"
	if p.TLS {
		port = "443"
	}
	return net.JoinHostPort(host, port), host, nil
}

func (p *Provider) dial(ctx context.Context, addr string) (net.Conn, error) {
	dialer := &net.Dialer{
		Timeout:   p.DialTimeout,
		KeepAlive: 30 * time.Second,
	}

	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, fmt.Errorf("invalid address format: %w", err)
	}
	if ip := net.ParseIP(host); ip != nil {
		return dialer.DialContext(ctx, "tcp", addr)
	}

	ips, err := p.resolver().Lookup(ctx, host)
	if err != nil {
		return nil, fmt.Errorf("DNS resolution failed for %s: %w", host, err)
	}

	var firstDialErr error
	for _, ip := range ips {
		conn, dialErr := dialer.DialContext(ctx, "tcp", net.JoinHostPort(ip.String(), port))
		if dialErr == nil {
			return conn, nil
		}
		if firstDialErr == nil {
			firstDialErr = dialErr
		}
	}
	return nil, fmt.Errorf("connection failed to all resolved IPs for %s:%s (first error: %w)", host, port, firstDialErr)
}

func (p *Provider) tlsConfig(serverName string) *tls.Config {
	cfg := &tls.Config{
		ServerName:         serverName,
		InsecureSkipVerify: p.InsecureSkipVerify,
	}
	if !p.InsecureSkipVerify {
		cfg.RootCAs = rootcerts.ServerCertPool()
	}
	return cfg
}

func (p *Provider) resolver() *Resolver {
	if p.Resolver == nil {
		return &Resolver{}
	}
	return p.Resolver
}

func (p *Provider) trace() io.Writer {
	if p.Trace == nil {
		return os.Stderr
	}
	return p.Trace
}

func (p *Provider) log() *zap.Logger {
	if p.Logger == nil {
		return zap.NewNop()
	}
	return p.Logger
}

// Opener is implemented by Provider. Consumers depend on it so tests can
// substitute their own.
type Opener interface {
	Open(ctx context.Context, hostname string) (*Conn, error)
}

var _ Opener = (*Provider)(nil)

// Conn is a single keep-alive HTTP/1.1 connection. It is not safe for
// concurrent use; a measurement batch gives each worker its own Conn.
type Conn struct {
	provider *Provider
	host     string
	conn     net.Conn
	br       *bufio.Reader
}

// Host returns the hostname the connection was opened for.
func (c *Conn) Host() string { return c.host }

func (c *Conn) connect(ctx context.Context) error {
	p := c.provider
	addr, serverName, err := p.address(c.host)
	if err != nil {
		return errs.Connection(c.host, err)
	}
	raw, err := p.dial(ctx, addr)
	if err != nil {
		return errs.Connection(c.host, withCause(ctx, err))
	}
	if p.TLS {
		tlsConn := tls.Client(raw, p.tlsConfig(serverName))
		if err := tlsConn.HandshakeContext(ctx); err != nil {
			raw.Close()
			return errs.Connection(c.host, withCause(ctx, err))
		}
		raw = tlsConn
	}
	p.log().Debug("connected", zap.String("host", c.host), zap.Stringer("remote", raw.RemoteAddr()))
	c.conn = raw
	c.br = bufio.NewReader(raw)
	return nil
}

// Do sends one request and reads the complete response body. Every request
// carries Connection: Keep-Alive. If the server closed the previous exchange
// the connection is re-established first.
func (c *Conn) Do(ctx context.Context, method, target string, body []byte, header http.Header) (*http.Response, []byte, error) {
	if c.conn == nil {
		if err := c.connect(ctx); err != nil {
			return nil, nil, err
		}
	}

	req, err := c.newRequest(ctx, method, target, body, header)
	if err != nil {
		return nil, nil, errs.Connection(c.host, err)
	}

	conn := c.conn
	stop := context.AfterFunc(ctx, func() {
		conn.SetDeadline(time.Unix(1, 0))
	})
	defer stop()

	c.traceRequest(req)
	bw := bufio.NewWriter(c.conn)
	if err := req.Write(bw); err != nil {
		return nil, nil, c.fail(ctx, err)
	}
	if err := bw.Flush(); err != nil {
		return nil, nil, c.fail(ctx, err)
	}

	resp, err := http.ReadResponse(c.br, req)
	if err != nil {
		return nil, nil, c.fail(ctx, err)
	}
	data, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	if err != nil {
		return nil, nil, c.fail(ctx, err)
	}
	c.traceResponse(resp)

	if resp.Close {
		c.conn.Close()
		c.conn = nil
	}
	return resp, data, nil
}

func (c *Conn) newRequest(ctx context.Context, method, target string, body []byte, header http.Header) (*http.Request, error) {
	if !strings.HasPrefix(target, "/") {
		return nil, fmt.Errorf("invalid request target %q", target)
	}
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, "http://"+c.host+target, reader)
	if err != nil {
		return nil, err
	}
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	req.Header.Set("Connection", "Keep-Alive")
	return req, nil
}

func (c *Conn) fail(ctx context.Context, err error) error {
	c.Close()
	return errs.Connection(c.host, withCause(ctx, err))
}

// withCause attaches the context's cancellation cause to an I/O error, which
// otherwise only reports the expired deadline.
func withCause(ctx context.Context, err error) error {
	cause := context.Cause(ctx)
	if cause == nil || errors.Is(err, cause) {
		return err
	}
	return fmt.Errorf("%w: %w", cause, err)
}

func (c *Conn) traceRequest(req *http.Request) {
	level := c.provider.Debug
	if level <= 0 {
		return
	}
	out := c.provider.trace()
	fmt.Fprintf(out, "send: %s %s %s\n", req.Method, req.URL.RequestURI(), c.host)
	if level >= 2 {
		if dump, err := httputil.DumpRequest(req, false); err == nil {
			fmt.Fprintf(out, "%s", dump)
		}
	}
}

func (c *Conn) traceResponse(resp *http.Response) {
	level := c.provider.Debug
	if level <= 0 {
		return
	}
	out := c.provider.trace()
	fmt.Fprintf(out, "reply: %s %s\n", resp.Proto, resp.Status)
	if level >= 2 {
		for k, vs := range resp.Header {
			for _, v := range vs {
				fmt.Fprintf(out, "header: %s: %s\n", k, v)
			}
		}
	}
}

// Close releases the connection. It is safe to call more than once.
func (c *Conn) Close() error {
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	return err
}
