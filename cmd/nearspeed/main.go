package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/idanyas/nearspeed/internal/app"
	"github.com/idanyas/nearspeed/internal/client"
	"github.com/idanyas/nearspeed/internal/config"
	"github.com/idanyas/nearspeed/internal/data"
	"github.com/idanyas/nearspeed/internal/errs"
	"github.com/idanyas/nearspeed/internal/location"
	"github.com/idanyas/nearspeed/internal/logging"
	"github.com/idanyas/nearspeed/internal/output"
)

var (
	version     = "DEV"
	debug       = pflag.IntP("debug", "d", 0, "Set HTTP trace level (1 request lines, 2 headers).")
	mode        = pflag.IntP("mode", "m", int(data.ModeAll), "Test mode: 1 download, 2 upload, 4 ping, or a sum of them.")
	runs        = pflag.IntP("runs", "r", 2, "Number of parallel connections per transfer.")
	server      = pflag.StringP("server", "s", "", "Use the given test host instead of selecting one.")
	format      = pflag.StringP("format", "f", output.FormatDefault, "Output format: "+strings.Join(output.Formats, ", ")+".")
	verbose     = pflag.BoolP("verbose", "v", false, "Log measurement details to stderr.")
	showVersion = pflag.Bool("version", false, "Print version and exit.")
	configPath  = pflag.String("config", "", "Read settings from this YAML file.")
	directory   = pflag.String("directory", location.DirectoryHost, "Host serving the client location and server list.")
	useTLS      = pflag.Bool("tls", false, "Talk HTTPS to every host.")
	insecure    = pflag.Bool("insecure", false, "Skip TLS certificate verification (UNSAFE).")
	nameservers = pflag.StringSlice("dns", nil, "Query these nameservers before the system resolver.")
	dialTimeout = pflag.Duration("dial-timeout", 30*time.Second, "Connection establishment timeout (0 disables).")
	list        = pflag.Bool("list", false, "List the nearest test servers and exit.")
)

var flagNames = []string{
	"server", "directory", "runs", "mode", "format", "debug",
	"verbose", "tls", "insecure", "dns", "dial-timeout",
}

func main() {
	pflag.Usage = func() {
		out := os.Stderr
		fmt.Fprintf(out, "Usage: %s [options...]\n\n", os.Args[0])
		fmt.Fprintln(out, "Measure latency and throughput against the nearest speedtest server.")
		fmt.Fprintln(out, "\nOptions:")
		pflag.PrintDefaults()
		fmt.Fprintf(out, "\nVersion: %s\n", version)
	}
	pflag.CommandLine.Init(os.Args[0], pflag.ContinueOnError)
	err := pflag.CommandLine.Parse(os.Args[1:])
	if err != nil {
		if err == pflag.ErrHelp {
			os.Exit(0)
		}
		fmt.Fprintf(os.Stderr, "\nError parsing flags: %v\n", err)
		os.Exit(2)
	}

	if *showVersion {
		fmt.Printf("nearspeed %s\n", version)
		os.Exit(0)
	}

	path, required := config.DefaultPath(), false
	if pflag.CommandLine.Changed("config") {
		path, required = *configPath, true
	}
	fileCfg, err := config.Load(path, required)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(2)
	}

	set := make(map[string]bool, len(flagNames))
	for _, name := range flagNames {
		set[name] = pflag.CommandLine.Changed(name)
	}
	cfg := config.Merge(fileCfg, os.Getenv, config.Config{
		Server:      *server,
		Directory:   *directory,
		Runs:        *runs,
		Mode:        *mode,
		Format:      *format,
		Debug:       *debug,
		Verbose:     *verbose,
		TLS:         *useTLS,
		Insecure:    *insecure,
		Nameservers: *nameservers,
		DialTimeout: *dialTimeout,
	}, set, os.Stderr)
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(2)
	}
	if *list {
		if _, err := listJSON(cfg.Format); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(2)
		}
	}

	logger := logging.New(cfg.Verbose)
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.Insecure && cfg.Format == output.FormatDefault {
		yellow := color.New(color.FgYellow).FprintfFunc()
		yellow(os.Stderr, "Warning: Skipping TLS certificate verification (--insecure). This is potentially unsafe!\n")
	}

	provider := &client.Provider{
		Debug:              cfg.Debug,
		TLS:                cfg.TLS,
		InsecureSkipVerify: cfg.Insecure,
		DialTimeout:        cfg.DialTimeout,
		Resolver:           &client.Resolver{Nameservers: cfg.Nameservers, Timeout: cfg.DialTimeout},
		Logger:             logger,
	}

	if *list {
		if err := listCandidates(ctx, os.Stdout, provider, cfg, logger); err != nil {
			fail(err, cfg, logger)
		}
		return
	}

	test := app.New(app.Config{
		Server:    cfg.Server,
		Runs:      cfg.Runs,
		Directory: cfg.Directory,
		Provider:  provider,
		Observer:  observer(cfg.Format),
		Logger:    logger,
	})

	output.PrintHeader(os.Stdout, cfg.Format, version)
	rec, err := test.Run(ctx, data.Mode(cfg.Mode))
	if err != nil {
		fail(err, cfg, logger)
	}
	if err := output.Write(os.Stdout, cfg.Format, rec); err != nil {
		fail(err, cfg, logger)
	}
}

func observer(format string) app.Observer {
	if format != output.FormatDefault {
		return nil
	}
	return &output.Progress{Out: os.Stdout}
}

func listCandidates(ctx context.Context, w io.Writer, provider *client.Provider, cfg config.Config, logger *zap.Logger) error {
	jsonOutput, err := listJSON(cfg.Format)
	if err != nil {
		return err
	}
	sel := &location.Selector{Opener: provider, Directory: cfg.Directory, Logger: logger}
	loc, ranked, err := sel.Discover(ctx)
	if err != nil {
		return err
	}
	if len(ranked) > location.MaxCandidates {
		ranked = ranked[:location.MaxCandidates]
	}
	return output.ShowCandidates(w, loc, ranked, jsonOutput)
}

// listJSON maps the output format onto the two renderings --list has.
func listJSON(format string) (bool, error) {
	switch format {
	case output.FormatDefault:
		return false, nil
	case output.FormatJSON:
		return true, nil
	}
	return false, fmt.Errorf("--list supports the %s and %s formats, not '%s'", output.FormatDefault, output.FormatJSON, format)
}

func fail(err error, cfg config.Config, logger *zap.Logger) {
	if cfg.Verbose {
		logger.Error("speed test failed", zap.Error(err))
	} else {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	}
	if h := hint(err, cfg); h != "" {
		fmt.Fprintln(os.Stderr, "Hint: "+h)
	}
	logger.Sync()
	os.Exit(1)
}

func hint(err error, cfg config.Config) string {
	msg := err.Error()
	var dnsErr *net.DNSError
	switch {
	case errors.Is(err, context.Canceled):
		return ""
	case errs.IsNoServer(err):
		return "Pin a test host with --server or check that the directory host is reachable."
	case !cfg.Insecure && strings.Contains(msg, "certificate"):
		return "If you trust the network, try the --insecure flag (use with caution)."
	case errors.As(err, &dnsErr) || strings.Contains(msg, "DNS"):
		return "Check network connectivity and DNS settings, or query a nameserver directly with --dns."
	case errs.IsConnection(err):
		return "Check network connectivity and firewall rules."
	}
	return ""
}
