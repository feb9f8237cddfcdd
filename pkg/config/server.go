package config

import "time"

// ServerConfig holds runtime configuration for the site host.
type ServerConfig struct {
	Environment string
	Mode        string
	Addr        string
	AdminAddr   string
	AdminToken  string

	RootDomain string
	SitesDir   string
	DataDir    string

	DockerHost     string
	RuntimeImage   string
	ContainerPort  int
	PortRangeFrom  int
	PortRangeTo    int
	StartupGrace   time.Duration
	StopGrace      time.Duration
	SpawnFailTTL   time.Duration
	BuildTimeout   time.Duration
	LivenessProbe  time.Duration
	LogBufferLines int

	NginxConfigPath    string
	NginxReloadCommand string
	NginxContainerName string
	NginxStatusURL     string
	DynamicRouteTTL    time.Duration
	RescanDebounce     time.Duration
}

// LoadServerConfig constructs a ServerConfig from environment variables.
func LoadServerConfig() ServerConfig {
	return ServerConfig{
		Environment: GetString("APP_ENV", "development"),
		Mode:        GetString("SUBURB_MODE", "serve"),
		Addr:        GetString("SUBURB_ADDR", ":8080"),
		AdminAddr:   GetString("SUBURB_ADMIN_ADDR", ":8081"),
		AdminToken:  GetString("SUBURB_ADMIN_TOKEN", ""),

		RootDomain: GetString("SUBURB_ROOT_DOMAIN", "localhost"),
		SitesDir:   GetString("SUBURB_SITES_DIR", "./sites"),
		DataDir:    GetString("SUBURB_DATA_DIR", "./data"),

		DockerHost:     GetString("DOCKER_HOST_OVERRIDE", ""),
		RuntimeImage:   GetString("SUBURB_RUNTIME_IMAGE", "suburb/runtime:latest"),
		ContainerPort:  GetInt("SUBURB_CONTAINER_PORT", 3000),
		PortRangeFrom:  GetInt("SUBURB_PORT_RANGE_FROM", 42000),
		PortRangeTo:    GetInt("SUBURB_PORT_RANGE_TO", 42999),
		StartupGrace:   GetDuration("SUBURB_STARTUP_GRACE", 30*time.Second),
		StopGrace:      GetDuration("SUBURB_STOP_GRACE", 10*time.Second),
		SpawnFailTTL:   GetDuration("SUBURB_SPAWN_FAIL_TTL", 15*time.Second),
		BuildTimeout:   GetDuration("SUBURB_BUILD_TIMEOUT", 5*time.Minute),
		LivenessProbe:  GetDuration("SUBURB_LIVENESS_INTERVAL", 250*time.Millisecond),
		LogBufferLines: GetInt("SUBURB_LOG_BUFFER_LINES", 500),

		NginxConfigPath:    GetString("NGINX_CONFIG_PATH", "./data/suburb.conf"),
		NginxReloadCommand: GetString("NGINX_RELOAD_COMMAND", "nginx -s reload"),
		NginxContainerName: GetString("NGINX_CONTAINER_NAME", ""),
		NginxStatusURL:     GetString("NGINX_STATUS_URL", "http://127.0.0.1/__suburb_healthz"),
		DynamicRouteTTL:    GetDuration("SUBURB_DYNAMIC_ROUTE_TTL", time.Hour),
		RescanDebounce:     GetDuration("SUBURB_RESCAN_DEBOUNCE", 2*time.Second),
	}
}
