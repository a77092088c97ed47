package logging

import (
	"fmt"
	"net"
	"time"
)

// SyslogConfig configures forwarding of log records to a syslog collector.
type SyslogConfig struct {
	Enabled  bool
	Host     string
	Port     int
	Protocol string // "udp" or "tcp"
	Tag      string
	Facility int
}

// DefaultSyslogConfig returns the disabled-by-default syslog configuration.
func DefaultSyslogConfig() SyslogConfig {
	return SyslogConfig{
		Enabled:  false,
		Port:     514,
		Protocol: "udp",
		Tag:      "censorlab",
		Facility: 1, // user-level messages
	}
}

// SyslogWriter is an io.Writer that forwards each Write as an RFC 3164
// syslog message over UDP or TCP.
type SyslogWriter struct {
	conn net.Conn
	tag  string
	pri  int
}

// NewSyslogWriter dials the configured syslog collector and returns a
// writer that forwards to it. Zero-value fields in cfg are defaulted.
func NewSyslogWriter(cfg SyslogConfig) (*SyslogWriter, error) {
	if cfg.Host == "" {
		return nil, fmt.Errorf("logging: syslog host is required")
	}
	if cfg.Port == 0 {
		cfg.Port = 514
	}
	if cfg.Protocol == "" {
		cfg.Protocol = "udp"
	}
	if cfg.Tag == "" {
		cfg.Tag = "censorlab"
	}

	addr := net.JoinHostPort(cfg.Host, fmt.Sprintf("%d", cfg.Port))
	conn, err := net.DialTimeout(cfg.Protocol, addr, 5*time.Second)
	if err != nil {
		return nil, fmt.Errorf("logging: dial syslog collector: %w", err)
	}

	return &SyslogWriter{
		conn: conn,
		tag:  cfg.Tag,
		pri:  cfg.Facility*8 + 6, // severity "info"
	}, nil
}

// Write implements io.Writer, sending p as a single syslog message.
func (s *SyslogWriter) Write(p []byte) (int, error) {
	msg := fmt.Sprintf("<%d>%s %s[%d]: %s", s.pri, time.Now().Format(time.Stamp), s.tag, 0, p)
	if _, err := s.conn.Write([]byte(msg)); err != nil {
		return 0, err
	}
	return len(p), nil
}

// Close closes the underlying connection.
func (s *SyslogWriter) Close() error {
	return s.conn.Close()
}
