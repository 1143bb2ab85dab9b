package latency

import (
	"context"
	"math/rand/v2"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/idanyas/nearspeed/internal/client"
)

const (
	// Samples is the number of round trips per probe.
	Samples = 5
	// Path is the small fixed-size resource timed by a probe.
	Path = "/speedtest/latency.txt"
)

// Prober measures request latency against a single host over one connection.
type Prober struct {
	Opener client.Opener
	Logger *zap.Logger
	// Now is the clock used to time round trips. Defaults to time.Now.
	Now func() time.Time
}

// Probe performs Samples sequential round trips and returns Aggregate of the
// elapsed seconds. Connection failures are returned as *errs.ConnectionError.
func (p *Prober) Probe(ctx context.Context, host string) (float64, error) {
	conn, err := p.Opener.Open(ctx, host)
	if err != nil {
		return 0, err
	}
	defer conn.Close()

	samples := make([]float64, 0, Samples)
	for i := 0; i < Samples; i++ {
		target := Path + "?x=" + strconv.FormatFloat(rand.Float64(), 'f', -1, 64)
		start := p.now()
		if _, _, err := conn.Do(ctx, http.MethodGet, target, nil, nil); err != nil {
			return 0, err
		}
		samples = append(samples, p.now().Sub(start).Seconds())
	}

	result := Aggregate(samples)
	p.log().Info("latency measured", zap.String("host", host), zap.Float64("latency", result))
	return result, nil
}

// Aggregate drops the first occurrence of the largest sample and returns the
// sum of the rest multiplied by 250. For five samples in seconds this is the
// average of the best four in milliseconds.
func Aggregate(samples []float64) float64 {
	if len(samples) == 0 {
		return 0
	}
	worst := 0
	for i, s := range samples {
		if s > samples[worst] {
			worst = i
		}
	}
	var sum float64
	for i, s := range samples {
		if i != worst {
			sum += s
		}
	}
	return sum * 250
}

func (p *Prober) now() time.Time {
	if p.Now == nil {
		return time.Now()
	}
	return p.Now()
}

func (p *Prober) log() *zap.Logger {
	if p.Logger == nil {
		return zap.NewNop()
	}
	return p.Logger
}
