package postgres

import (
	"fmt"
	"time"
)

// ServerInfo contains basic information about the PostgreSQL server
type ServerInfo struct {
	Version        string
	ServerStart    time.Time
	MaxConnections int
}

// Uptime returns how long the server has been running.
func (s *ServerInfo) Uptime(now time.Time) time.Duration {
	if s.ServerStart.IsZero() {
		return 0
	}
	return now.Sub(s.ServerStart)
}

// CeilingWarning returns a message when the pool ceiling cannot be reached
// because the server allows fewer connections, or "" when it fits.
func (s *ServerInfo) CeilingWarning(ceiling int) string {
	if s.MaxConnections <= 0 || ceiling <= s.MaxConnections {
		return ""
	}
	return fmt.Sprintf("pool ceiling %d exceeds server max_connections %d", ceiling, s.MaxConnections)
}
