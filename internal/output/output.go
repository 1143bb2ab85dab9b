package output

import (
	"encoding/json"
	"encoding/xml"
	"fmt"
	"io"
	"strings"

	"github.com/fatih/color"

	"github.com/idanyas/nearspeed/internal/data"
)

const (
	FormatDefault = "default"
	FormatJSON    = "json"
	FormatXML     = "xml"
	FormatQuiet   = "quiet"
)

// Formats lists the supported output formats.
var Formats = []string{FormatDefault, FormatJSON, FormatXML, FormatQuiet}

// Supported reports whether format names an output format, ignoring case.
func Supported(format string) bool {
	for _, f := range Formats {
		if f == strings.ToLower(format) {
			return true
		}
	}
	return false
}

func PrintHeader(w io.Writer, format, version string) {
	if format != FormatDefault {
		return
	}
	cyan := color.New(color.FgCyan)
	cyan.Fprintf(w, "\n    nearspeed v%s\n\n", version)
}

// Write renders a finished record. The default format is printed
// progressively by Progress, so Write only handles json, xml and quiet.
func Write(w io.Writer, format string, rec *data.StatsRecord) error {
	switch strings.ToLower(format) {
	case FormatJSON:
		js, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("marshal json: %w", err)
		}
		_, err = fmt.Fprintln(w, string(js))
		return err
	case FormatXML:
		x, err := xml.Marshal(rec)
		if err != nil {
			return fmt.Errorf("marshal xml: %w", err)
		}
		_, err = fmt.Fprintln(w, string(x))
		return err
	case FormatDefault, FormatQuiet:
		return nil
	default:
		return fmt.Errorf("output format not supported: %s", format)
	}
}

// Progress prints results as they are measured.
type Progress struct {
	Out io.Writer
}

func (p *Progress) ServerSelected(host string) {
	cyan := color.New(color.FgCyan).SprintFunc()
	fmt.Fprintf(p.Out, "%s Using server: %s\n", cyan("✓"), host)
}

func (p *Progress) MeasurementStarted(mode data.Mode) {
	name := mode.String()
	fmt.Fprint(p.Out, strings.ToUpper(name[:1])+name[1:])
}

func (p *Progress) MeasurementDone(mode data.Mode, value float64) {
	green := color.New(color.FgGreen).SprintFunc()
	if mode == data.ModePing {
		fmt.Fprintf(p.Out, ": %s\n", green(fmt.Sprintf("%d ms", int64(value))))
		return
	}
	fmt.Fprintf(p.Out, " speed: %s\n", green(PrettySpeed(value)))
}

// ShowCandidates prints the nearest ranked servers.
func ShowCandidates(w io.Writer, loc data.Location, ranked []data.RankedCandidate, jsonOutput bool) error {
	if jsonOutput {
		js, err := json.MarshalIndent(struct {
			Client     data.Location          `json:"client"`
			Candidates []data.RankedCandidate `json:"candidates"`
		}{loc, ranked}, "", "  ")
		if err != nil {
			return fmt.Errorf("marshal candidates: %w", err)
		}
		_, err = fmt.Fprintln(w, string(js))
		return err
	}

	fmt.Fprintf(w, "Client %s [%.4f, %.4f]\n\n", loc.IP, loc.Lat, loc.Lon)
	maxURL := len("URL")
	for _, c := range ranked {
		if len(c.URL) > maxURL {
			maxURL = len(c.URL)
		}
	}
	lineFmt := fmt.Sprintf("%%-%ds %%s\n", maxURL)
	fmt.Fprintf(w, lineFmt, "URL", "Distance")
	fmt.Fprintf(w, "%s %s\n", strings.Repeat("-", maxURL), strings.Repeat("-", len("Distance")))
	for _, c := range ranked {
		fmt.Fprintf(w, lineFmt, c.URL, fmt.Sprintf("%.4f", c.Distance))
	}
	return nil
}
