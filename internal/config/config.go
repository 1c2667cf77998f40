package config

import (
	"log"
	"time"

	"github.com/kelseyhightower/envconfig"
)

type Settings struct {
	ListenAddr   string `envconfig:"LISTEN_ADDR" default:":8000"`
	DatabasePath string `envconfig:"DATABASE_PATH" default:"/app/data/deskmux.db"`
	LogPath      string `envconfig:"LOG_PATH" default:"/app/data/deskmux.log"`

	// Optional YAML file of profiles imported at startup.
	ProfileSeedPath string `envconfig:"PROFILE_SEED_PATH" default:""`

	// Local port range leased out for tunnel endpoints, [start, end).
	PortRangeStart int `envconfig:"PORT_RANGE_START" default:"20000"`
	PortRangeEnd   int `envconfig:"PORT_RANGE_END" default:"30000"`

	// Session health monitoring
	HealthCheckInterval time.Duration `envconfig:"HEALTH_CHECK_INTERVAL" default:"15s"`
	ReconnectAttempts   int           `envconfig:"RECONNECT_ATTEMPTS" default:"2"`
	ReconnectDelay      time.Duration `envconfig:"RECONNECT_DELAY" default:"3s"`

	// Group launch settings
	MemberLaunchTimeout time.Duration `envconfig:"MEMBER_LAUNCH_TIMEOUT" default:"45s"`
	LaunchStagger       time.Duration `envconfig:"LAUNCH_STAGGER" default:"250ms"`
}

var Cfg Settings

func Load() {
	if err := envconfig.Process("DESKMUX", &Cfg); err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
}
