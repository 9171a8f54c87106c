package portal

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"os/exec"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/rs/zerolog"

	"platebridge-pod/internal/config"
	"platebridge-pod/internal/domain/pod"
)

const (
	SourceTailscale = "tailscale"
	SourceStatic    = "static"
	SourceDiscovery = "discovery"
	SourceUnknown   = "unknown"

	maxProbeTimeout = 3 * time.Second
)

// Runner executes an external command and returns its stdout.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) ([]byte, error)
}

type OSRunner struct{}

func (OSRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).Output()
}

// IdentityResolver works out which address to advertise in the heartbeat. Every
// probe is bounded so a missing layer never stalls the caller.
type IdentityResolver struct {
	runner       Runner
	http         *http.Client
	tailscaleBin string
	staticIP     string
	discoveryURL string
	timeout      time.Duration
	log          zerolog.Logger
}

func NewIdentityResolver(cfg config.NetworkConfig, runner Runner, log zerolog.Logger) *IdentityResolver {
	timeout := cfg.ProbeTimeout
	if timeout <= 0 || timeout > maxProbeTimeout {
		timeout = maxProbeTimeout
	}
	static := strings.TrimSpace(cfg.PublicIP)
	if strings.EqualFold(static, "auto") {
		static = ""
	}
	if runner == nil {
		runner = OSRunner{}
	}
	return &IdentityResolver{
		runner:       runner,
		http:         &http.Client{Timeout: timeout},
		tailscaleBin: cfg.TailscaleBin,
		staticIP:     static,
		discoveryURL: cfg.IPDiscoveryURL,
		timeout:      timeout,
		log:          log.With().Str("component", "identity").Logger(),
	}
}

// Resolve walks tailscale, then the configured static address, then the discovery
// service, and falls back to "unknown".
func (r *IdentityResolver) Resolve(ctx context.Context) pod.NetworkIdentity {
	if ip, host, err := r.tailscale(ctx); err == nil {
		return pod.NetworkIdentity{
			IPAddress:         ip,
			Source:            SourceTailscale,
			TailscaleIP:       ip,
			TailscaleHostname: host,
		}
	} else {
		r.log.Debug().Err(err).Msg("tailscale address unavailable")
	}

	if r.staticIP != "" {
		return pod.NetworkIdentity{IPAddress: r.staticIP, Source: SourceStatic}
	}

	if ip, err := r.discover(ctx); err == nil {
		return pod.NetworkIdentity{IPAddress: ip, Source: SourceDiscovery}
	} else {
		r.log.Debug().Err(err).Msg("public ip discovery failed")
	}

	return pod.NetworkIdentity{IPAddress: SourceUnknown, Source: SourceUnknown}
}

func (r *IdentityResolver) tailscale(ctx context.Context) (string, string, error) {
	if r.tailscaleBin == "" {
		return "", "", fmt.Errorf("tailscale disabled")
	}
	probeCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	out, err := r.runner.Run(probeCtx, r.tailscaleBin, "ip", "-4")
	if err != nil {
		return "", "", fmt.Errorf("tailscale ip: %w", err)
	}
	ip := firstLine(out)
	if net.ParseIP(ip) == nil {
		return "", "", fmt.Errorf("tailscale ip: unexpected output %q", ip)
	}

	// hostname is optional; the address alone is enough
	var status struct {
		Self struct {
			DNSName  string `json:"DNSName"`
			HostName string `json:"HostName"`
		} `json:"Self"`
	}
	host := ""
	if raw, err := r.runner.Run(probeCtx, r.tailscaleBin, "status", "--json"); err == nil {
		if json.Unmarshal(raw, &status) == nil {
			host = strings.TrimSuffix(status.Self.DNSName, ".")
			if host == "" {
				host = status.Self.HostName
			}
		}
	}
	return ip, host, nil
}

func (r *IdentityResolver) discover(ctx context.Context) (string, error) {
	if r.discoveryURL == "" {
		return "", fmt.Errorf("discovery disabled")
	}
	probeCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(probeCtx, http.MethodGet, r.discoveryURL, nil)
	if err != nil {
		return "", err
	}
	resp, err := r.http.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", statusError(resp)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 256))
	if err != nil {
		return "", err
	}
	ip := strings.TrimSpace(string(body))
	if net.ParseIP(ip) == nil {
		return "", fmt.Errorf("discovery returned %q", ip)
	}
	return ip, nil
}

func firstLine(b []byte) string {
	s := strings.TrimSpace(string(b))
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	return strings.TrimSpace(s)
}
