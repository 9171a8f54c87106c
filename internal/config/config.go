package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

var (
	ErrMissingField = errors.New("missing required config field")
	ErrWeakSecret   = errors.New("stream.secret must be set to a non-default value")
)

// insecureSecret is the placeholder shipped in older pod config files.
const insecureSecret = "default-secret"

type Config struct {
	PortalURL       string
	PodAPIKey       string
	PodID           string
	CameraID        string
	CameraName      string
	CameraRTSPURL   string
	SiteID          string
	CompanyID       string
	CommunityID     string
	FirmwareVersion string

	MinConfidence     float64
	RecordOnDetection bool
	ClipDuration      time.Duration
	ClipGrace         time.Duration

	AllowlistSource   string
	CachePath         string
	RefreshInterval   time.Duration
	HeartbeatInterval time.Duration
	TickInterval      time.Duration
	HTTPTimeout       time.Duration
	HeartbeatTimeout  time.Duration
	UploadTimeout     time.Duration

	FFmpegBin string

	Stream     StreamConfig
	Recordings RecordingsConfig
	MQTT       MQTTConfig
	Ingest     IngestConfig
	Frigate    FrigateConfig
	Network    NetworkConfig
	Database   DatabaseConfig
	Evidence   EvidenceConfig
	Log        LogConfig
}

type StreamConfig struct {
	Enabled     bool
	Port        int
	HLSDir      string
	SegmentTime int
	ListSize    int
	Secret      string
	JWTEnabled  bool
	CORSOrigins []string
	URLScheme   string
}

type RecordingsConfig struct {
	Dir           string
	KeepLocal     bool
	RetentionDays int
}

type MQTTConfig struct {
	Enabled  bool
	Host     string
	Port     int
	Topic    string
	Username string
	Password string
	ClientID string
}

type IngestConfig struct {
	Workers   int
	QueueSize int
}

type FrigateConfig struct {
	URL string
}

type NetworkConfig struct {
	PublicIP       string
	TailscaleBin   string
	IPDiscoveryURL string
	ProbeTimeout   time.Duration
}

type DatabaseConfig struct {
	Driver string
	DSN    string
}

type EvidenceConfig struct {
	S3Bucket string
	S3Region string
	S3Prefix string
}

type LogConfig struct {
	Level  string
	Pretty bool
}

// Load reads the YAML file at path (when present) and applies PLATEBRIDGE_* environment
// overrides on top of the defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("PLATEBRIDGE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			if _, statErr := os.Stat(path); !os.IsNotExist(statErr) {
				return nil, fmt.Errorf("read config %s: %w", path, err)
			}
		}
	}

	cfg := &Config{
		PortalURL:       strings.TrimRight(v.GetString("portal_url"), "/"),
		PodAPIKey:       v.GetString("pod_api_key"),
		PodID:           v.GetString("pod_id"),
		CameraID:        v.GetString("camera_id"),
		CameraName:      v.GetString("camera_name"),
		CameraRTSPURL:   v.GetString("camera_rtsp_url"),
		SiteID:          v.GetString("site_id"),
		CompanyID:       v.GetString("company_id"),
		CommunityID:     v.GetString("community_id"),
		FirmwareVersion: v.GetString("firmware_version"),

		MinConfidence:     v.GetFloat64("min_confidence"),
		RecordOnDetection: v.GetBool("record_on_detection"),
		ClipDuration:      getDuration(v, "clip_duration"),
		ClipGrace:         getDuration(v, "clip_grace"),

		AllowlistSource:   v.GetString("allowlist_source"),
		CachePath:         v.GetString("cache_path"),
		RefreshInterval:   getDuration(v, "whitelist_refresh_interval"),
		HeartbeatInterval: getDuration(v, "heartbeat_interval"),
		TickInterval:      getDuration(v, "tick_interval"),
		HTTPTimeout:       getDuration(v, "http_timeout"),
		HeartbeatTimeout:  getDuration(v, "heartbeat_timeout"),
		UploadTimeout:     getDuration(v, "upload_timeout"),

		FFmpegBin: v.GetString("ffmpeg_bin"),

		Stream: StreamConfig{
			Enabled:     v.GetBool("stream.enabled"),
			Port:        v.GetInt("stream.port"),
			HLSDir:      v.GetString("stream.hls_dir"),
			SegmentTime: v.GetInt("stream.segment_time"),
			ListSize:    v.GetInt("stream.list_size"),
			Secret:      v.GetString("stream.secret"),
			JWTEnabled:  v.GetBool("stream.jwt_enabled"),
			CORSOrigins: v.GetStringSlice("stream.cors_origins"),
			URLScheme:   v.GetString("stream.url_scheme"),
		},
		Recordings: RecordingsConfig{
			Dir:           v.GetString("recordings.dir"),
			KeepLocal:     v.GetBool("recordings.keep_local"),
			RetentionDays: v.GetInt("recordings.retention_days"),
		},
		MQTT: MQTTConfig{
			Enabled:  v.GetBool("mqtt.enabled"),
			Host:     v.GetString("mqtt.host"),
			Port:     v.GetInt("mqtt.port"),
			Topic:    v.GetString("mqtt.topic"),
			Username: v.GetString("mqtt.username"),
			Password: v.GetString("mqtt.password"),
			ClientID: v.GetString("mqtt.client_id"),
		},
		Ingest: IngestConfig{
			Workers:   v.GetInt("ingest.workers"),
			QueueSize: v.GetInt("ingest.queue_size"),
		},
		Frigate: FrigateConfig{
			URL: strings.TrimRight(v.GetString("frigate.url"), "/"),
		},
		Network: NetworkConfig{
			PublicIP:       v.GetString("network.public_ip"),
			TailscaleBin:   v.GetString("network.tailscale_bin"),
			IPDiscoveryURL: v.GetString("network.ip_discovery_url"),
			ProbeTimeout:   getDuration(v, "network.probe_timeout"),
		},
		Database: DatabaseConfig{
			Driver: v.GetString("database.driver"),
			DSN:    v.GetString("database.dsn"),
		},
		Evidence: EvidenceConfig{
			S3Bucket: v.GetString("evidence.s3_bucket"),
			S3Region: v.GetString("evidence.s3_region"),
			S3Prefix: v.GetString("evidence.s3_prefix"),
		},
		Log: LogConfig{
			Level:  v.GetString("log.level"),
			Pretty: v.GetBool("log.pretty"),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("camera_name", "camera-1")
	v.SetDefault("firmware_version", "dev")
	v.SetDefault("min_confidence", 0.7)
	v.SetDefault("record_on_detection", true)
	v.SetDefault("clip_duration", 30*time.Second)
	v.SetDefault("clip_grace", 10*time.Second)
	v.SetDefault("allowlist_source", "plates")
	v.SetDefault("cache_path", "whitelist_cache.json")
	v.SetDefault("whitelist_refresh_interval", 300*time.Second)
	v.SetDefault("heartbeat_interval", 60*time.Second)
	v.SetDefault("tick_interval", time.Second)
	v.SetDefault("http_timeout", 10*time.Second)
	v.SetDefault("heartbeat_timeout", 5*time.Second)
	v.SetDefault("upload_timeout", 120*time.Second)
	v.SetDefault("ffmpeg_bin", "ffmpeg")

	v.SetDefault("stream.enabled", true)
	v.SetDefault("stream.port", 8000)
	v.SetDefault("stream.hls_dir", "/tmp/hls_output")
	v.SetDefault("stream.segment_time", 2)
	v.SetDefault("stream.list_size", 5)
	v.SetDefault("stream.secret", "")
	v.SetDefault("stream.jwt_enabled", false)
	v.SetDefault("stream.cors_origins", []string{"*"})
	v.SetDefault("stream.url_scheme", "http")

	v.SetDefault("recordings.dir", "/tmp/recordings")
	v.SetDefault("recordings.keep_local", false)
	v.SetDefault("recordings.retention_days", 7)

	v.SetDefault("mqtt.enabled", true)
	v.SetDefault("mqtt.host", "localhost")
	v.SetDefault("mqtt.port", 1883)
	v.SetDefault("mqtt.topic", "frigate/events")

	v.SetDefault("ingest.workers", 2)
	v.SetDefault("ingest.queue_size", 32)

	v.SetDefault("network.public_ip", "auto")
	v.SetDefault("network.tailscale_bin", "tailscale")
	v.SetDefault("network.ip_discovery_url", "https://api.ipify.org")
	v.SetDefault("network.probe_timeout", 3*time.Second)

	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.dsn", "recordings.db")

	v.SetDefault("evidence.s3_prefix", "recordings")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.pretty", false)
}

// getDuration accepts both Go duration strings ("30s") and bare numbers, which are
// read as seconds to stay compatible with existing pod config files.
func getDuration(v *viper.Viper, key string) time.Duration {
	switch raw := v.Get(key).(type) {
	case int:
		return time.Duration(raw) * time.Second
	case int64:
		return time.Duration(raw) * time.Second
	case float64:
		return time.Duration(raw * float64(time.Second))
	case string:
		if f, err := strconv.ParseFloat(strings.TrimSpace(raw), 64); err == nil {
			return time.Duration(f * float64(time.Second))
		}
	}
	return v.GetDuration(key)
}

// Validate reports the first required field that is missing or the first
// setting that is out of range.
func (c *Config) Validate() error {
	required := []struct {
		key   string
		value string
	}{
		{"portal_url", c.PortalURL},
		{"pod_api_key", c.PodAPIKey},
		{"pod_id", c.PodID},
		{"camera_id", c.CameraID},
	}
	var missing []string
	for _, r := range required {
		if strings.TrimSpace(r.value) == "" {
			missing = append(missing, r.key)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: %s", ErrMissingField, strings.Join(missing, ", "))
	}

	if c.MinConfidence < 0 || c.MinConfidence > 1 {
		return fmt.Errorf("min_confidence must be within [0,1], got %v", c.MinConfidence)
	}
	switch c.AllowlistSource {
	case "plates", "access_list":
	default:
		return fmt.Errorf("allowlist_source must be plates or access_list, got %q", c.AllowlistSource)
	}
	switch c.Database.Driver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("database.driver must be sqlite or postgres, got %q", c.Database.Driver)
	}
	if c.TickInterval <= 0 {
		return fmt.Errorf("tick_interval must be positive")
	}
	if c.Ingest.Workers <= 0 || c.Ingest.QueueSize <= 0 {
		return fmt.Errorf("ingest.workers and ingest.queue_size must be positive")
	}
	// the gateway serves recordings even with streaming off, so the secret is always needed
	if secret := strings.TrimSpace(c.Stream.Secret); secret == "" || secret == insecureSecret {
		return ErrWeakSecret
	}
	switch c.Stream.URLScheme {
	case "http", "https":
	default:
		return fmt.Errorf("stream.url_scheme must be http or https, got %q", c.Stream.URLScheme)
	}
	return nil
}
