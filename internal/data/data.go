package data

import (
	"encoding/xml"
	"fmt"
)

// Location is the client position reported by the directory host.
type Location struct {
	IP  string  `json:"ip"`
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// ServerCandidate is one entry of the directory server list.
type ServerCandidate struct {
	URL string  `json:"url"`
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// RankedCandidate is a server URL with its distance from the client.
type RankedCandidate struct {
	Distance float64 `json:"distance"`
	URL      string  `json:"url"`
}

// Mode selects which measurements a run performs. Values combine with OR.
type Mode uint8

const (
	ModeDownload Mode = 1
	ModeUpload   Mode = 2
	ModePing     Mode = 4
	ModeAll           = ModeDownload | ModeUpload | ModePing
)

func (m Mode) Has(flag Mode) bool {
	return m&flag == flag
}

func (m Mode) Valid() bool {
	return m >= ModeDownload && m <= ModeAll
}

// StatsRecord is the result of one run. Speeds are bits per second, Ping is
// the scaled latency unit produced by the prober.
type StatsRecord struct {
	XMLName  xml.Name `json:"-" xml:"data"`
	Server   string   `json:"server" xml:"server"`
	Ping     *float64 `json:"ping,omitempty" xml:"ping,omitempty"`
	Download *float64 `json:"download,omitempty" xml:"download,omitempty"`
	Upload   *float64 `json:"upload,omitempty" xml:"upload,omitempty"`
}

func (m Mode) String() string {
	switch m {
	case ModeDownload:
		return "download"
	case ModeUpload:
		return "upload"
	case ModePing:
		return "ping"
	default:
		return fmt.Sprintf("mode(%d)", uint8(m))
	}
}
