package location

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"
	"regexp"
	"sort"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/idanyas/nearspeed/internal/client"
	"github.com/idanyas/nearspeed/internal/data"
	"github.com/idanyas/nearspeed/internal/errs"
)

const (
	// DirectoryHost serves client geolocation and the candidate server list.
	DirectoryHost = "www.speedtest.net"
	// MaxCandidates bounds how many of the nearest servers are probed.
	MaxCandidates = 10

	configPath  = "/speedtest-config.php"
	serversPath = "/speedtest-servers.php"
)

var (
	clientPattern    = regexp.MustCompile(`<client ip="([^"]*)" lat="([^"]*)" lon="([^"]*)"`)
	serverPattern    = regexp.MustCompile(`<server url="([^"]*)" lat="([^"]*)" lon="([^"]*)"`)
	uploadURLPattern = regexp.MustCompile(`http://([^/]+)/speedtest/upload\.php`)
)

type LatencyProber interface {
	Probe(ctx context.Context, host string) (float64, error)
}

// Selector picks the test host: the lowest-latency server among the
// MaxCandidates nearest to the client.
type Selector struct {
	Opener client.Opener
	Prober LatencyProber
	// Directory overrides DirectoryHost.
	Directory string
	Logger    *zap.Logger
	Now       func() time.Time
}

// Discover fetches the client location and every listed server, ranked by
// ascending Distance.
func (s *Selector) Discover(ctx context.Context) (data.Location, []data.RankedCandidate, error) {
	host := s.directory()
	conn, err := s.Opener.Open(ctx, host)
	if err != nil {
		return data.Location{}, nil, err
	}
	defer conn.Close()

	now := s.now().UnixMilli()
	header := http.Header{"User-Agent": {client.UserAgent}}

	_, body, err := conn.Do(ctx, http.MethodGet, fmt.Sprintf("%s?x=%d", configPath, now), nil, header)
	if err != nil {
		return data.Location{}, nil, err
	}
	loc, err := ParseLocation(string(body))
	if err != nil {
		s.log().Info("failed to retrieve coordinates", zap.Error(err))
		return data.Location{}, nil, errs.NoServer("failed to retrieve coordinates")
	}
	s.log().Info("client location",
		zap.String("ip", loc.IP),
		zap.Float64("lat", loc.Lat),
		zap.Float64("lon", loc.Lon),
	)

	_, body, err = conn.Do(ctx, http.MethodGet, fmt.Sprintf("%s?x=%d", serversPath, now), nil, header)
	if err != nil {
		return data.Location{}, nil, err
	}
	servers := ParseServers(string(body))
	s.log().Debug("server list", zap.Int("servers", len(servers)))

	return loc, Rank(loc, servers), nil
}

// Select returns the hostname of the chosen server. Candidates whose URL is
// not an http upload endpoint are skipped but still occupy one of the
// MaxCandidates slots.
func (s *Selector) Select(ctx context.Context) (string, error) {
	_, ranked, err := s.Discover(ctx)
	if err != nil {
		return "", err
	}
	if len(ranked) > MaxCandidates {
		ranked = ranked[:MaxCandidates]
	}

	var (
		best        string
		bestLatency float64
		found       bool
	)
	for _, c := range ranked {
		s.log().Info("candidate", zap.String("url", c.URL), zap.Float64("distance", c.Distance))
		host, ok := HostFromURL(c.URL)
		if !ok {
			continue
		}
		latency, err := s.Prober.Probe(ctx, host)
		if err != nil {
			return "", err
		}
		if !found || latency < bestLatency {
			best, bestLatency, found = host, latency, true
		}
	}

	if !found {
		return "", errs.NoServer(fmt.Sprintf("none of %d nearest candidates is usable", len(ranked)))
	}
	s.log().Info("best server", zap.String("host", best), zap.Float64("latency", bestLatency))
	return best, nil
}

// ParseLocation extracts the client tag from a configuration document.
func ParseLocation(body string) (data.Location, error) {
	m := clientPattern.FindStringSubmatch(body)
	if m == nil {
		return data.Location{}, errors.New("client tag not found")
	}
	lat, err := strconv.ParseFloat(m[2], 64)
	if err != nil {
		return data.Location{}, fmt.Errorf("invalid latitude %q: %w", m[2], err)
	}
	lon, err := strconv.ParseFloat(m[3], 64)
	if err != nil {
		return data.Location{}, fmt.Errorf("invalid longitude %q: %w", m[3], err)
	}
	return data.Location{IP: m[1], Lat: lat, Lon: lon}, nil
}

// ParseServers extracts every server tag. Entries with unparsable
// coordinates are dropped.
func ParseServers(body string) []data.ServerCandidate {
	matches := serverPattern.FindAllStringSubmatch(body, -1)
	servers := make([]data.ServerCandidate, 0, len(matches))
	for _, m := range matches {
		lat, err := strconv.ParseFloat(m[2], 64)
		if err != nil {
			continue
		}
		lon, err := strconv.ParseFloat(m[3], 64)
		if err != nil {
			continue
		}
		servers = append(servers, data.ServerCandidate{URL: m[1], Lat: lat, Lon: lon})
	}
	return servers
}

// Distance is the planar distance between raw latitude/longitude degrees.
// It is not a great-circle distance.
func Distance(loc data.Location, s data.ServerCandidate) float64 {
	return math.Sqrt(math.Pow(s.Lat-loc.Lat, 2) + math.Pow(s.Lon-loc.Lon, 2))
}

// Rank orders servers by ascending Distance from loc, then by URL.
func Rank(loc data.Location, servers []data.ServerCandidate) []data.RankedCandidate {
	ranked := make([]data.RankedCandidate, 0, len(servers))
	for _, s := range servers {
		ranked = append(ranked, data.RankedCandidate{Distance: Distance(loc, s), URL: s.URL})
	}
	sort.SliceStable(ranked, func(i, j int) bool {
		if ranked[i].Distance != ranked[j].Distance {
			return ranked[i].Distance < ranked[j].Distance
		}
		return ranked[i].URL < ranked[j].URL
	})
	return ranked
}

// HostFromURL returns the host (with port, if any) of an
// http://host/speedtest/upload.php endpoint.
func HostFromURL(url string) (string, bool) {
	m := uploadURLPattern.FindStringSubmatch(url)
	if m == nil {
		return "", false
	}
	return m[1], true
}

func (s *Selector) directory() string {
	if s.Directory == "" {
		return DirectoryHost
	}
	return s.Directory
}

func (s *Selector) now() time.Time {
	if s.Now == nil {
		return time.Now()
	}
	return s.Now()
}

func (s *Selector) log() *zap.Logger {
	if s.Logger == nil {
		return zap.NewNop()
	}
	return s.Logger
}
