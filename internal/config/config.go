package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds node configuration.
type Config struct {
	HTTPAddr             string
	LobbyName            string
	HostName             string
	TickInterval         time.Duration
	CommandQueueCapacity int
	PeerQueueCapacity    int
	BatchSize            int
	GracePeriod          time.Duration
	SimGuests            int
	LogLevel             string
}

// Load reads configuration from environment.
func Load() (*Config, error) {
	return &Config{
		HTTPAddr:             getenv("LOBBY_HTTP_ADDR", ":8090"),
		LobbyName:            getenv("LOBBY_NAME", "Game Night"),
		HostName:             getenv("LOBBY_HOST_NAME", "Host"),
		TickInterval:         parseDuration(getenv("LOBBY_TICK_INTERVAL", "100ms"), 100*time.Millisecond),
		CommandQueueCapacity: parseInt(getenv("LOBBY_COMMAND_QUEUE_CAPACITY", "64"), 64),
		PeerQueueCapacity:    parseInt(getenv("LOBBY_PEER_QUEUE_CAPACITY", "256"), 256),
		BatchSize:            parseInt(getenv("LOBBY_BATCH_SIZE", "16"), 16),
		GracePeriod:          parseDuration(getenv("LOBBY_GRACE_PERIOD", "30s"), 30*time.Second),
		SimGuests:            parseInt(getenv("LOBBY_SIM_GUESTS", "2"), 2),
		LogLevel:             getenv("LOBBY_LOG_LEVEL", "info"),
	}, nil
}

func getenv(key, def string) string {
	val := strings.TrimSpace(os.Getenv(key))
	if val == "" {
		return def
	}
	return val
}

func parseInt(val string, def int) int {
	v, err := strconv.Atoi(val)
	if err != nil {
		return def
	}
	return v
}

func parseDuration(val string, def time.Duration) time.Duration {
	d, err := time.ParseDuration(val)
	if err != nil {
		return def
	}
	return d
}
