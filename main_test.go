package main

import (
	"testing"
	"time"

	"github.com/gluk-w/claworc/chanmux/internal/config"
	"github.com/gluk-w/claworc/chanmux/internal/link"
)

func TestMuxOptionsFromSettings(t *testing.T) {
	s := config.Settings{
		WindowSize:        1 << 20,
		PacketSize:        16 << 10,
		OutboundHighWater: 4 << 20,
		KeepaliveInterval: 30 * time.Second,
		KeepaliveCountMax: 5,
		MaxChannels:       64,
	}
	opts := muxOptions(s)
	if opts.WindowSize != 1<<20 || opts.PacketSize != 16<<10 || opts.HighWater != 4<<20 {
		t.Errorf("sizes = %d/%d/%d", opts.WindowSize, opts.PacketSize, opts.HighWater)
	}
	if opts.KeepaliveInterval != 30*time.Second || opts.KeepaliveCountMax != 5 || opts.MaxChannels != 64 {
		t.Errorf("keepalive/limits = %+v", opts)
	}
}

func TestReadLimit(t *testing.T) {
	tests := []struct {
		packet config.ByteSize
		want   int64
	}{
		{32 << 10, link.DefaultReadLimit},
		{256 << 10, 256<<10 + 1024},
	}
	for _, tt := range tests {
		if got := readLimit(config.Settings{PacketSize: tt.packet}); got != tt.want {
			t.Errorf("readLimit(%s) = %d, want %d", tt.packet, got, tt.want)
		}
	}
}
