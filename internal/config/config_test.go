package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

const minimal = `
portal_url: https://portal.example.com/
pod_api_key: pbk_test
pod_id: pod-1
camera_id: cam-1
stream:
  secret: s3cret-for-tests
`

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, minimal))
	require.NoError(t, err)

	assert.Equal(t, "https://portal.example.com", cfg.PortalURL)
	assert.Equal(t, 0.7, cfg.MinConfidence)
	assert.Equal(t, 30*time.Second, cfg.ClipDuration)
	assert.Equal(t, 300*time.Second, cfg.RefreshInterval)
	assert.Equal(t, 60*time.Second, cfg.HeartbeatInterval)
	assert.Equal(t, time.Second, cfg.TickInterval)
	assert.Equal(t, 120*time.Second, cfg.UploadTimeout)
	assert.Equal(t, "plates", cfg.AllowlistSource)
	assert.Equal(t, 8000, cfg.Stream.Port)
	assert.Equal(t, "frigate/events", cfg.MQTT.Topic)
	assert.Equal(t, "sqlite", cfg.Database.Driver)
	assert.Equal(t, 7, cfg.Recordings.RetentionDays)
	assert.Equal(t, "auto", cfg.Network.PublicIP)
	assert.Equal(t, "http", cfg.Stream.URLScheme)
}

func TestLoad_NumbersAreSeconds(t *testing.T) {
	cfg, err := Load(writeConfig(t, minimal+`
clip_duration: 20
heartbeat_interval: "90"
whitelist_refresh_interval: 2m
`))
	require.NoError(t, err)
	assert.Equal(t, 20*time.Second, cfg.ClipDuration)
	assert.Equal(t, 90*time.Second, cfg.HeartbeatInterval)
	assert.Equal(t, 2*time.Minute, cfg.RefreshInterval)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("PLATEBRIDGE_POD_ID", "pod-env")
	t.Setenv("PLATEBRIDGE_STREAM_PORT", "9443")
	t.Setenv("PLATEBRIDGE_MIN_CONFIDENCE", "0.85")

	cfg, err := Load(writeConfig(t, minimal))
	require.NoError(t, err)
	assert.Equal(t, "pod-env", cfg.PodID)
	assert.Equal(t, 9443, cfg.Stream.Port)
	assert.Equal(t, 0.85, cfg.MinConfidence)
}

func TestLoad_MissingFileUsesEnv(t *testing.T) {
	t.Setenv("PLATEBRIDGE_PORTAL_URL", "https://portal.example.com")
	t.Setenv("PLATEBRIDGE_POD_API_KEY", "k")
	t.Setenv("PLATEBRIDGE_POD_ID", "p")
	t.Setenv("PLATEBRIDGE_CAMERA_ID", "c")
	t.Setenv("PLATEBRIDGE_STREAM_SECRET", "env-secret")

	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "p", cfg.PodID)
}

func TestLoad_Invalid(t *testing.T) {
	_, err := Load(writeConfig(t, "pod_id: pod-1\n"))
	require.ErrorIs(t, err, ErrMissingField)
	assert.Contains(t, err.Error(), "portal_url")
	assert.Contains(t, err.Error(), "camera_id")

	_, err = Load(writeConfig(t, minimal+"allowlist_source: ldap\n"))
	assert.Error(t, err)

	_, err = Load(writeConfig(t, minimal+"min_confidence: 1.5\n"))
	assert.Error(t, err)
}

func TestLoad_StreamSecretRequired(t *testing.T) {
	base := `
portal_url: https://portal.example.com
pod_api_key: pbk_test
pod_id: pod-1
camera_id: cam-1
`
	tests := []struct {
		name  string
		extra string
	}{
		{"unset", ""},
		{"placeholder", "stream:\n  secret: default-secret\n"},
		{"blank", "stream:\n  secret: \"  \"\n"},
		{"unset with streaming off", "stream:\n  enabled: false\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, base+tt.extra))
			assert.ErrorIs(t, err, ErrWeakSecret)
		})
	}

	_, err := Load(writeConfig(t, minimal))
	require.NoError(t, err)

	cfg, err := Load(writeConfig(t, base+"stream:\n  secret: x\n  url_scheme: https\n"))
	require.NoError(t, err)
	assert.Equal(t, "https", cfg.Stream.URLScheme)

	_, err = Load(writeConfig(t, base+"stream:\n  secret: x\n  url_scheme: rtsp\n"))
	assert.Error(t, err)
}
