package tunnel

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/antonkrylov/hpcconnect/internal/errkind"
)

// Prober checks the service through the local end of the tunnel.
type Prober interface {
	Probe(ctx context.Context, localPort int) error
}

// ProbeFunc adapts a function to Prober.
type ProbeFunc func(ctx context.Context, localPort int) error

func (f ProbeFunc) Probe(ctx context.Context, localPort int) error { return f(ctx, localPort) }

// ProberFor returns the prober matching a service scheme.
func ProberFor(scheme, healthPath string) (Prober, error) {
	switch strings.ToLower(scheme) {
	case "", "http", "https":
		return &HTTPProber{Scheme: scheme, Path: healthPath}, nil
	case "grpc":
		return &GRPCProber{}, nil
	default:
		return nil, errkind.Newf(errkind.ErrConfig, "select prober", "unsupported service scheme %q", scheme)
	}
}

// HTTPProber expects a 2xx from GET Path.
type HTTPProber struct {
	Scheme string
	Path   string
	Client *http.Client
}

func (p *HTTPProber) client() *http.Client {
	if p.Client != nil {
		return p.Client
	}
	return &http.Client{Transport: &http.Transport{
		// The certificate names the compute node, not the loopback end.
		TLSClientConfig:   &tls.Config{InsecureSkipVerify: true}, //nolint:gosec
		DisableKeepAlives: true,
	}}
}

func (p *HTTPProber) Probe(ctx context.Context, localPort int) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, localURL(p.Scheme, localPort, p.Path), nil)
	if err != nil {
		return err
	}
	resp, err := p.client().Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("health check: %s", resp.Status)
	}
	return nil
}

// GRPCProber calls grpc.health.v1.Health/Check and expects SERVING.
type GRPCProber struct {
	// Service is the health service name; empty checks the whole server.
	Service string
}

func (p *GRPCProber) Probe(ctx context.Context, localPort int) error {
	conn, err := grpc.NewClient("127.0.0.1:"+strconv.Itoa(localPort),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		return err
	}
	defer conn.Close()
	resp, err := healthpb.NewHealthClient(conn).Check(ctx, &healthpb.HealthCheckRequest{Service: p.Service})
	if err != nil {
		return err
	}
	if resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		return fmt.Errorf("health check: %s", resp.GetStatus())
	}
	return nil
}

func localURL(scheme string, port int, path string) string {
	if scheme == "" {
		scheme = "http"
	}
	if path != "" && !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return fmt.Sprintf("%s://127.0.0.1:%d%s", strings.ToLower(scheme), port, path)
}
