package app

import (
	"context"
	"fmt"
	"math/rand/v2"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/idanyas/nearspeed/internal/client"
	"github.com/idanyas/nearspeed/internal/errs"
	"github.com/idanyas/nearspeed/internal/output"
)

const (
	DefaultRuns = 2
	uploadPath  = "/speedtest/upload.php"
	alphabet    = "0123456789abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ"
)

var (
	// DefaultDownloadTargets are fetched in order, each once per connection.
	DefaultDownloadTargets = []string{
		"/speedtest/random350x350.jpg",
		"/speedtest/random500x500.jpg",
		"/speedtest/random1500x1500.jpg",
	}
	// DefaultUploadSizes are the generated payload lengths, in order.
	DefaultUploadSizes = []int{132884, 493638}
)

// Engine runs download and upload batches over Runs parallel connections.
type Engine struct {
	Opener          client.Opener
	Runs            int
	DownloadTargets []string
	UploadSizes     []int
	Logger          *zap.Logger
	// Now times the batch window. Defaults to time.Now.
	Now func() time.Time
}

type batchItem struct {
	name string
	do   func(ctx context.Context, conn *client.Conn) (int64, error)
}

// Download returns the aggregate download speed from host in bits per second.
func (e *Engine) Download(ctx context.Context, host string) (float64, error) {
	targets := e.DownloadTargets
	if len(targets) == 0 {
		targets = DefaultDownloadTargets
	}

	items := make([]batchItem, 0, len(targets))
	for _, target := range targets {
		items = append(items, batchItem{
			name: target,
			do: func(ctx context.Context, conn *client.Conn) (int64, error) {
				url := fmt.Sprintf("%s?x=%d", target, time.Now().UnixMilli())
				_, body, err := conn.Do(ctx, http.MethodGet, url, nil, nil)
				if err != nil {
					return 0, err
				}
				return int64(len(body)), nil
			},
		})
	}

	total, elapsed, err := e.runBatch(ctx, host, items)
	if err != nil {
		return 0, fmt.Errorf("download: %w", err)
	}
	e.log().Info(fmt.Sprintf("took %d ms to download %s", elapsed.Milliseconds(), humanize.Bytes(uint64(total))),
		zap.Int64("bytes", total))
	return output.BitsPerSecond(total, elapsed), nil
}

// Upload returns the aggregate upload speed to host in bits per second. One
// payload is generated per size and shared by every connection. The byte
// count echoed by the server is what gets accumulated.
func (e *Engine) Upload(ctx context.Context, host string) (float64, error) {
	sizes := e.UploadSizes
	if len(sizes) == 0 {
		sizes = DefaultUploadSizes
	}

	header := http.Header{"Content-Type": {"application/x-www-form-urlencoded"}}
	items := make([]batchItem, 0, len(sizes))
	for _, size := range sizes {
		payload := []byte("content0=" + randomAlphanumeric(size))
		items = append(items, batchItem{
			name: strconv.Itoa(size) + " bytes",
			do: func(ctx context.Context, conn *client.Conn) (int64, error) {
				url := uploadPath + "?x=" + strconv.FormatFloat(rand.Float64(), 'f', -1, 64)
				_, body, err := conn.Do(ctx, http.MethodPost, url, payload, header)
				if err != nil {
					return 0, err
				}
				n, err := parseUploadReply(body)
				if err != nil {
					return 0, errs.Connection(conn.Host(), err)
				}
				return n, nil
			},
		})
	}

	total, elapsed, err := e.runBatch(ctx, host, items)
	if err != nil {
		return 0, fmt.Errorf("upload: %w", err)
	}
	e.log().Info(fmt.Sprintf("took %d ms to upload %s", elapsed.Milliseconds(), humanize.Bytes(uint64(total))),
		zap.Int64("bytes", total))
	return output.BitsPerSecond(total, elapsed), nil
}

// runBatch opens Runs connections, then for each item starts one worker per
// connection and waits for all of them before the next item. The returned
// window excludes connection setup and teardown. The first worker failure
// cancels the others and aborts the batch.
func (e *Engine) runBatch(ctx context.Context, host string, items []batchItem) (int64, time.Duration, error) {
	runs := e.runs()
	conns := make([]*client.Conn, 0, runs)
	defer func() {
		for _, c := range conns {
			c.Close()
		}
	}()
	for i := 0; i < runs; i++ {
		c, err := e.Opener.Open(ctx, host)
		if err != nil {
			return 0, 0, err
		}
		conns = append(conns, c)
	}

	var total int64
	start := e.now()
	for _, item := range items {
		results := make([]int64, runs)
		g, gctx := errgroup.WithContext(ctx)
		for i, conn := range conns {
			g.Go(func() error {
				n, err := item.do(gctx, conn)
				if err != nil {
					return err
				}
				results[i] = n
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return 0, 0, err
		}
		for i, n := range results {
			total += n
			e.log().Info("run finished", zap.Int("run", i+1), zap.String("item", item.name), zap.Int64("bytes", n))
		}
	}
	return total, e.now().Sub(start), nil
}

// parseUploadReply reads the byte count from a "size=N" style reply.
func parseUploadReply(body []byte) (int64, error) {
	fields := strings.Split(string(body), "=")
	if len(fields) < 2 {
		return 0, fmt.Errorf("malformed upload reply %q", truncate(string(body), 64))
	}
	n, err := strconv.ParseInt(strings.TrimSpace(fields[1]), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("malformed upload reply: %w", err)
	}
	return n, nil
}

func randomAlphanumeric(n int) string {
	b := make([]byte, n)
	for i := range b {
		b[i] = alphabet[rand.IntN(len(alphabet))]
	}
	return string(b)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

func (e *Engine) runs() int {
	if e.Runs <= 0 {
		return DefaultRuns
	}
	return e.Runs
}

func (e *Engine) now() time.Time {
	if e.Now == nil {
		return time.Now()
	}
	return e.Now()
}

func (e *Engine) log() *zap.Logger {
	if e.Logger == nil {
		return zap.NewNop()
	}
	return e.Logger
}
