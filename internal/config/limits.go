package config

import (
	"net/url"
	"regexp"
	"strconv"
	"strings"
)

// DefaultMaxConnections is the pool ceiling used when none is configured
const DefaultMaxConnections = 10

var connectionLimitRe = regexp.MustCompile(`(?:^|[?&\s])connection_limit=(\d+)`)

// ResolveMaxConnections extracts the connection_limit parameter from a
// connection string. Both URL ("...?connection_limit=20") and keyword/value
// ("host=x connection_limit=20") forms are accepted. Missing, malformed, or
// non-positive values fall back to DefaultMaxConnections.
func ResolveMaxConnections(connString string) int {
	if connString == "" {
		return DefaultMaxConnections
	}

	if strings.Contains(connString, "://") {
		if u, err := url.Parse(connString); err == nil {
			if v := u.Query().Get("connection_limit"); v != "" {
				return parseLimit(v)
			}
			return DefaultMaxConnections
		}
	}

	m := connectionLimitRe.FindStringSubmatch(connString)
	if m == nil {
		return DefaultMaxConnections
	}
	return parseLimit(m[1])
}

func parseLimit(v string) int {
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return DefaultMaxConnections
	}
	return n
}

// StripConnectionLimit removes the connection_limit parameter, which the
// PostgreSQL driver would otherwise reject as an unknown runtime parameter.
func StripConnectionLimit(connString string) string {
	if strings.Contains(connString, "://") {
		u, err := url.Parse(connString)
		if err != nil {
			return connString
		}
		q := u.Query()
		if !q.Has("connection_limit") {
			return connString
		}
		q.Del("connection_limit")
		u.RawQuery = q.Encode()
		return u.String()
	}

	fields := strings.Fields(connString)
	kept := fields[:0]
	for _, f := range fields {
		if strings.HasPrefix(f, "connection_limit=") {
			continue
		}
		kept = append(kept, f)
	}
	return strings.Join(kept, " ")
}
