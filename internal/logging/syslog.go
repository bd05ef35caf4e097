// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package logging

import (
	"fmt"
	"log/slog"
	"log/syslog"
)

// SyslogConfig configures the optional syslog backend (the -l flag).
type SyslogConfig struct {
	Enabled  bool
	Host     string
	Port     int
	Protocol string // "udp" or "tcp"
	Tag      string
	Facility syslog.Priority
}

// DefaultSyslogConfig returns the built-in syslog defaults: disabled,
// UDP port 514, tag "gatekeepd", daemon facility.
func DefaultSyslogConfig() SyslogConfig {
	return SyslogConfig{
		Enabled:  false,
		Port:     514,
		Protocol: "udp",
		Tag:      "gatekeepd",
		Facility: syslog.LOG_DAEMON,
	}
}

// NewSyslogWriter dials the syslog daemon described by cfg and returns a
// writer usable as a slog handler's destination. An empty Host (the
// daemon's bare -l flag, with no remote host given) dials the local
// syslog socket instead of a network address, matching syslog.Dial's
// own "" network / "" addr convention for local delivery.
func NewSyslogWriter(cfg SyslogConfig) (*syslog.Writer, error) {
	if cfg.Tag == "" {
		cfg.Tag = "gatekeepd"
	}
	if cfg.Host == "" {
		return syslog.Dial("", "", cfg.Facility|syslog.LOG_INFO, cfg.Tag)
	}
	if cfg.Port == 0 {
		cfg.Port = 514
	}
	if cfg.Protocol == "" {
		cfg.Protocol = "udp"
	}
	network := cfg.Protocol
	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	return syslog.Dial(network, addr, cfg.Facility|syslog.LOG_INFO, cfg.Tag)
}

// NewSyslog builds a Logger that ships every record to the syslog daemon
// described by cfg.
func NewSyslog(cfg SyslogConfig) (Logger, error) {
	w, err := NewSyslogWriter(cfg)
	if err != nil {
		return nil, err
	}
	h := slog.NewTextHandler(w, &slog.HandlerOptions{Level: slog.LevelDebug})
	return &slogLogger{l: slog.New(h).With("ident", cfg.Tag)}, nil
}
