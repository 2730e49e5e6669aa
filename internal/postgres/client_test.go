package postgres

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/v0xg/dbguard/internal/config"
)

func localConn(mutate func(*config.ConnectionConfig)) *config.Config {
	c := &config.Config{
		Connection: config.ConnectionConfig{
			Host:           "localhost",
			Port:           5432,
			Database:       "orders",
			User:           "svc",
			SSLMode:        "disable",
			ConnectTimeout: 10 * time.Second,
		},
	}
	if mutate != nil {
		mutate(&c.Connection)
	}
	return c
}

func TestBuildConnectionString_KeywordValue(t *testing.T) {
	t.Setenv("DATABASE_URL", "")

	tests := []struct {
		name    string
		cfg     *config.Config
		want    []string
		notWant []string
	}{
		{
			name:    "local defaults",
			cfg:     localConn(nil),
			want:    []string{"host=localhost", "port=5432", "dbname=orders", "user=svc", "sslmode=disable", "connect_timeout=10"},
			notWant: []string{"password="},
		},
		{
			name: "remote host and timeout",
			cfg: localConn(func(c *config.ConnectionConfig) {
				c.Host = "replica.internal"
				c.Port = 6432
				c.SSLMode = "verify-full"
				c.ConnectTimeout = 45 * time.Second
			}),
			want: []string{"host=replica.internal", "port=6432", "sslmode=verify-full", "connect_timeout=45"},
		},
		{
			name: "iam omits password",
			cfg: localConn(func(c *config.ConnectionConfig) {
				c.Host = "orders.cluster-abc.eu-west-1.rds.amazonaws.com"
				c.SSLMode = "require"
				c.AuthMethod = "iam"
				c.AWSRegion = "eu-west-1"
			}),
			want:    []string{"host=orders.cluster-abc.eu-west-1.rds.amazonaws.com", "sslmode=require"},
			notWant: []string{"password="},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := buildConnectionString(context.Background(), tt.cfg)
			if err != nil {
				t.Fatalf("buildConnectionString: %v", err)
			}
			for _, w := range tt.want {
				if !strings.Contains(got, w) {
					t.Errorf("%q missing %q", got, w)
				}
			}
			for _, w := range tt.notWant {
				if strings.Contains(got, w) {
					t.Errorf("%q should not contain %q", got, w)
				}
			}
		})
	}
}

func TestBuildConnectionString_EscapesPassword(t *testing.T) {
	t.Setenv("DATABASE_URL", "")

	tests := map[string]string{
		"hunter2":   "password=hunter2",
		"two words": "password=two+words",
		"a@b!c#1":   "password=a%40b%21c%231",
		"k=v":       "password=k%3Dv",
		"x&y":       "password=x%26y",
	}

	for pw, want := range tests {
		t.Run(pw, func(t *testing.T) {
			cfg := localConn(func(c *config.ConnectionConfig) {
				c.Password = pw
				c.AuthMethod = "password"
			})
			got, err := buildConnectionString(context.Background(), cfg)
			if err != nil {
				t.Fatalf("buildConnectionString: %v", err)
			}
			if !strings.Contains(got, want) {
				t.Errorf("%q missing %q", got, want)
			}
		})
	}
}

func TestBuildConnectionString_URLs(t *testing.T) {
	tests := []struct {
		name   string
		envURL string
		cfgURL string
		want   string
	}{
		{
			name:   "config url passes through",
			cfgURL: "postgres://svc:pw@localhost:5432/orders?sslmode=disable",
			want:   "postgres://svc:pw@localhost:5432/orders?sslmode=disable",
		},
		{
			name:   "connection_limit is removed",
			cfgURL: "postgres://svc:pw@localhost:5432/orders?connection_limit=25&sslmode=disable",
			want:   "postgres://svc:pw@localhost:5432/orders?sslmode=disable",
		},
		{
			name:   "DATABASE_URL used when config is empty",
			envURL: "postgres://app@db:5432/app",
			want:   "postgres://app@db:5432/app",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("DATABASE_URL", tt.envURL)
			cfg := &config.Config{Connection: config.ConnectionConfig{URL: tt.cfgURL}}

			got, err := buildConnectionString(context.Background(), cfg)
			if err != nil {
				t.Fatalf("buildConnectionString: %v", err)
			}
			if got != tt.want {
				t.Errorf("got %q, want %q", got, tt.want)
			}
		})
	}
}
