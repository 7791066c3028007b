package config

import (
	"fmt"
	"log"
	"math"
	"path/filepath"
	"time"

	"github.com/docker/go-units"
	"github.com/kelseyhightower/envconfig"
)

// ByteSize is a size read from a human readable value such as "2MiB".
type ByteSize int64

// Decode implements envconfig.Decoder.
func (b *ByteSize) Decode(value string) error {
	n, err := units.RAMInBytes(value)
	if err != nil {
		return err
	}
	if n < 0 {
		return fmt.Errorf("negative size %q", value)
	}
	*b = ByteSize(n)
	return nil
}

func (b ByteSize) String() string {
	return units.BytesSize(float64(b))
}

type Settings struct {
	ListenAddr string `envconfig:"LISTEN_ADDR" default:":8080"`
	DataPath   string `envconfig:"DATA_PATH" default:"/app/data"`
	LogPath    string `envconfig:"LOG_PATH" default:""`

	// Channel audit trail; disabled when AuditDBPath is empty.
	AuditDBPath        string `envconfig:"AUDIT_DB_PATH" default:""`
	AuditRetentionDays int    `envconfig:"AUDIT_RETENTION_DAYS" default:"30"`
	AuditPurgeSchedule string `envconfig:"AUDIT_PURGE_SCHEDULE" default:"@daily"`

	// Flow control
	WindowSize        ByteSize `envconfig:"WINDOW_SIZE" default:"2MiB"`
	PacketSize        ByteSize `envconfig:"PACKET_SIZE" default:"32KiB"`
	OutboundHighWater ByteSize `envconfig:"OUTBOUND_HIGH_WATER" default:"1MiB"`
	MaxChannels       uint32   `envconfig:"MAX_CHANNELS" default:"0"`

	KeepaliveInterval time.Duration `envconfig:"KEEPALIVE_INTERVAL" default:"0s"`
	KeepaliveCountMax int           `envconfig:"KEEPALIVE_COUNT_MAX" default:"3"`

	// WebSocket origins allowed on /ssh besides the request host.
	AllowedOrigins []string `envconfig:"ALLOWED_ORIGINS" default:""`
}

var Cfg Settings

// Parse reads the CHANMUX_* environment into a Settings and validates it.
func Parse() (Settings, error) {
	var s Settings
	if err := envconfig.Process("CHANMUX", &s); err != nil {
		return s, err
	}
	if err := s.Validate(); err != nil {
		return s, err
	}
	return s, nil
}

func Load() {
	s, err := Parse()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	Cfg = s
}

// Validate checks the flow control sizes against the channel limits.
func (s Settings) Validate() error {
	switch {
	case s.WindowSize <= 0 || s.WindowSize > math.MaxUint32:
		return fmt.Errorf("window size %s out of range", s.WindowSize)
	case s.PacketSize <= 0 || s.PacketSize > s.WindowSize:
		return fmt.Errorf("packet size %s must be positive and at most the window size", s.PacketSize)
	case s.OutboundHighWater < s.PacketSize:
		return fmt.Errorf("outbound high water %s is below the packet size", s.OutboundHighWater)
	case s.KeepaliveInterval < 0:
		return fmt.Errorf("negative keepalive interval %s", s.KeepaliveInterval)
	case s.KeepaliveCountMax < 1:
		return fmt.Errorf("keepalive count max must be at least 1, got %d", s.KeepaliveCountMax)
	}
	return nil
}

// LogFile returns the log file path, defaulting into DataPath.
func (s Settings) LogFile() string {
	if s.LogPath != "" {
		return s.LogPath
	}
	return filepath.Join(s.DataPath, "chanmux.log")
}
