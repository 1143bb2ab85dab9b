package client

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/idanyas/nearspeed/internal/errs"
)

type remoteRecorder struct {
	mu      sync.Mutex
	remotes []string
	headers []http.Header
}

func (r *remoteRecorder) record(req *http.Request) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.remotes = append(r.remotes, req.RemoteAddr)
	r.headers = append(r.headers, req.Header.Clone())
}

func hostOf(t *testing.T, server *httptest.Server) string {
	t.Helper()
	return strings.TrimPrefix(server.URL, "http://")
}

func TestConnReusesConnection(t *testing.T) {
	rec := &remoteRecorder{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec.record(r)
		io.WriteString(w, "pong "+r.URL.RawQuery)
	}))
	t.Cleanup(server.Close)

	p := &Provider{}
	conn, err := p.Open(context.Background(), hostOf(t, server))
	require.NoError(t, err)
	defer conn.Close()

	for _, q := range []string{"x=1", "x=2"} {
		resp, body, err := conn.Do(context.Background(), http.MethodGet, "/ping?"+q, nil, nil)
		require.NoError(t, err)
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, "pong "+q, string(body))
	}

	require.Len(t, rec.remotes, 2)
	assert.Equal(t, rec.remotes[0], rec.remotes[1], "second request should reuse the connection")
	assert.Equal(t, "Keep-Alive", rec.headers[0].Get("Connection"))
}

func TestConnPostSendsBody(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		assert.Equal(t, "application/x-www-form-urlencoded", r.Header.Get("Content-Type"))
		assert.Equal(t, int64(len(body)), r.ContentLength)
		io.WriteString(w, "size="+strconv.Itoa(len(body)))
	}))
	t.Cleanup(server.Close)

	p := &Provider{}
	conn, err := p.Open(context.Background(), hostOf(t, server))
	require.NoError(t, err)
	defer conn.Close()

	header := http.Header{"Content-Type": {"application/x-www-form-urlencoded"}}
	_, body, err := conn.Do(context.Background(), http.MethodPost, "/upload", []byte("a=1234"), header)
	require.NoError(t, err)
	assert.Equal(t, "size=6", string(body))
}

func TestConnReconnectsAfterServerClose(t *testing.T) {
	rec := &remoteRecorder{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec.record(r)
		w.Header().Set("Connection", "close")
		io.WriteString(w, "ok")
	}))
	t.Cleanup(server.Close)

	p := &Provider{}
	conn, err := p.Open(context.Background(), hostOf(t, server))
	require.NoError(t, err)
	defer conn.Close()

	for i := 0; i < 2; i++ {
		_, body, err := conn.Do(context.Background(), http.MethodGet, "/", nil, nil)
		require.NoError(t, err)
		assert.Equal(t, "ok", string(body))
	}
	require.Len(t, rec.remotes, 2)
	assert.NotEqual(t, rec.remotes[0], rec.remotes[1])
}

func TestOpenFailureIsConnectionError(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	ln.Close()

	p := &Provider{}
	_, err = p.Open(context.Background(), addr)
	require.Error(t, err)

	var ce *errs.ConnectionError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, addr, ce.Host)

	_, err = p.Open(context.Background(), "")
	assert.True(t, errs.IsConnection(err))
}

func TestDoRejectsRelativeTarget(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	t.Cleanup(server.Close)

	conn, err := (&Provider{}).Open(context.Background(), hostOf(t, server))
	require.NoError(t, err)
	defer conn.Close()

	_, _, err = conn.Do(context.Background(), http.MethodGet, "no-slash", nil, nil)
	assert.True(t, errs.IsConnection(err))
}

func TestDoCancelledDuringRequest(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
	}))
	t.Cleanup(server.Close)
	t.Cleanup(func() { close(release) })

	p := &Provider{}
	conn, err := p.Open(context.Background(), hostOf(t, server))
	require.NoError(t, err)
	defer conn.Close()

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(50*time.Millisecond, cancel)

	_, _, err = conn.Do(ctx, http.MethodGet, "/hang", nil, nil)
	require.Error(t, err)
	assert.True(t, errs.IsConnection(err))
	assert.True(t, errors.Is(err, context.Canceled), "got %v", err)
}

func TestOpenCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := (&Provider{}).Open(ctx, "127.0.0.1:1")
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled), "got %v", err)
}

func TestTraceLevels(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Test", "yes")
		io.WriteString(w, "ok")
	}))
	t.Cleanup(server.Close)

	tests := []struct {
		name    string
		level   int
		want    []string
		notWant []string
	}{
		{name: "silent", level: 0, notWant: []string{"send:", "reply:"}},
		{name: "lines", level: 1, want: []string{"send: GET /trace", "reply: HTTP/1.1 200 OK"}, notWant: []string{"header: X-Test"}},
		{name: "headers", level: 2, want: []string{"send: GET /trace", "Connection: Keep-Alive", "header: X-Test: yes"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var out bytes.Buffer
			p := &Provider{Debug: tt.level, Trace: &out}
			conn, err := p.Open(context.Background(), hostOf(t, server))
			require.NoError(t, err)
			defer conn.Close()

			_, _, err = conn.Do(context.Background(), http.MethodGet, "/trace", nil, nil)
			require.NoError(t, err)
			for _, w := range tt.want {
				assert.Contains(t, out.String(), w)
			}
			for _, w := range tt.notWant {
				assert.NotContains(t, out.String(), w)
			}
		})
	}
}

func startDNS(t *testing.T, records map[string]string) string {
	t.Helper()
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)

	started := make(chan struct{})
	srv := &dns.Server{
		PacketConn:        pc,
		NotifyStartedFunc: func() { close(started) },
		Handler: dns.HandlerFunc(func(w dns.ResponseWriter, r *dns.Msg) {
			m := new(dns.Msg)
			m.SetReply(r)
			q := r.Question[0]
			if ip, ok := records[q.Name]; ok && q.Qtype == dns.TypeA {
				m.Answer = append(m.Answer, &dns.A{
					Hdr: dns.RR_Header{Name: q.Name, Rrtype: dns.TypeA, Class: dns.ClassINET, Ttl: 60},
					A:   net.ParseIP(ip),
				})
			}
			w.WriteMsg(m)
		}),
	}
	go srv.ActivateAndServe()
	<-started
	t.Cleanup(func() { srv.Shutdown() })
	return pc.LocalAddr().String()
}

func TestResolverDirectNameserver(t *testing.T) {
	ns := startDNS(t, map[string]string{"mirror.test.": "127.0.0.1"})

	r := &Resolver{Nameservers: []string{ns}}
	ips, err := r.Lookup(context.Background(), "mirror.test")
	require.NoError(t, err)
	require.Len(t, ips, 1)
	assert.Equal(t, "127.0.0.1", ips[0].String())
}

func TestOpenThroughResolver(t *testing.T) {
	ns := startDNS(t, map[string]string{"mirror.test.": "127.0.0.1"})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, r.Host)
	}))
	t.Cleanup(server.Close)

	_, port, err := net.SplitHostPort(hostOf(t, server))
	require.NoError(t, err)

	p := &Provider{Resolver: &Resolver{Nameservers: []string{ns}}}
	conn, err := p.Open(context.Background(), "mirror.test:"+port)
	require.NoError(t, err)
	defer conn.Close()

	_, body, err := conn.Do(context.Background(), http.MethodGet, "/", nil, nil)
	require.NoError(t, err)
	assert.Equal(t, "mirror.test:"+port, string(body))
}

func TestAddressDefaults(t *testing.T) {
	tests := []struct {
		host     string
		tls      bool
		wantAddr string
		wantName string
	}{
		{host: "speed.example.com", wantAddr: "speed.example.com:80", wantName: "speed.example.com"},
		{host: "speed.example.com", tls: true, wantAddr: "speed.example.com:443", wantName: "speed.example.com"},
		{host: "speed.example.com:8080", wantAddr: "speed.example.com:8080", wantName: "speed.example.com"},
		{host: "[::1]", wantAddr: "[::1]:80", wantName: "::1"},
	}
	for _, tt := range tests {
		p := &Provider{TLS: tt.tls}
		addr, name, err := p.address(tt.host)
		require.NoError(t, err)
		assert.Equal(t, tt.wantAddr, addr)
		assert.Equal(t, tt.wantName, name)
	}
	assert.Equal(t, "10.0.0.1:53", nameserverAddr("10.0.0.1"))
	assert.Equal(t, "10.0.0.1:5353", nameserverAddr("10.0.0.1:5353"))
}
