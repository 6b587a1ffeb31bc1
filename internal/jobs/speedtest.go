package jobs

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sort"
	"time"

	st "github.com/showwin/speedtest-go/speedtest"

	"jobqueue/internal/job"
	"jobqueue/pkg/logx"
)

const (
	speedtestCandidates = 5
	speedtestDefault    = 2 * time.Minute
)

// SpeedResult is the output of net.speedtest.
type SpeedResult struct {
	DownloadMbps  float64 `json:"download_mbps"`
	UploadMbps    float64 `json:"upload_mbps"`
	PingMs        float64 `json:"ping_ms"`
	JitterMs      float64 `json:"jitter_ms"`
	ISP           string  `json:"isp,omitempty"`
	ServerID      string  `json:"server_id"`
	ServerName    string  `json:"server_name"`
	ServerCountry string  `json:"server_country,omitempty"`
	DurationMs    int64   `json:"duration_ms"`
}

func registerSpeedtest(reg *job.Registry, cfg SpeedtestConfig, log logx.Logger) error {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = speedtestDefault
	}
	run := func(ctx context.Context, args []any, kwargs map[string]any) (any, error) {
		serverID := cfg.ServerID
		if v, err := stringArg(args, kwargs, 0, "server_id"); err == nil {
			serverID = v
		}
		ctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		res, err := runSpeedtest(ctx, serverID)
		if err != nil {
			return nil, err
		}
		log.Info("speedtest done",
			logx.Float64("download_mbps", res.DownloadMbps),
			logx.Float64("upload_mbps", res.UploadMbps),
			logx.String("server", res.ServerName),
		)
		return res, nil
	}
	return reg.Register("net.speedtest", run, "measures bandwidth (args[0] or kwargs.server_id pins a server)")
}

func runSpeedtest(ctx context.Context, serverID string) (*SpeedResult, error) {
	start := time.Now()
	tr := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		DialContext:         (&net.Dialer{Timeout: 10 * time.Second}).DialContext,
		MaxIdleConnsPerHost: 4,
		IdleConnTimeout:     10 * time.Second,
	}
	defer tr.CloseIdleConnections()

	client := st.New(st.WithDoer(&http.Client{Transport: tr}))
	defer func() {
		client.Snapshots().Clean()
		client.Reset()
	}()

	user, err := client.FetchUserInfoContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch user info: %w", err)
	}
	servers, err := client.FetchServerListContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch server list: %w", err)
	}
	if a := servers.Available(); a != nil {
		servers = *a
	}
	candidates := pickServers(servers, serverID, speedtestCandidates)
	if len(candidates) == 0 {
		if serverID != "" {
			return nil, fmt.Errorf("server %s not found", serverID)
		}
		return nil, errors.New("no servers available")
	}

	best := fastest(ctx, candidates)
	if best == nil {
		return nil, errors.New("all latency tests failed")
	}
	if err := best.DownloadTestContext(ctx); err != nil {
		return nil, fmt.Errorf("download test: %w", err)
	}
	if err := best.UploadTestContext(ctx); err != nil {
		return nil, fmt.Errorf("upload test: %w", err)
	}
	return &SpeedResult{
		DownloadMbps:  best.DLSpeed.Mbps(),
		UploadMbps:    best.ULSpeed.Mbps(),
		PingMs:        float64(best.Latency.Microseconds()) / 1000,
		JitterMs:      float64(best.Jitter.Microseconds()) / 1000,
		ISP:           user.Isp,
		ServerID:      best.ID,
		ServerName:    best.Sponsor,
		ServerCountry: best.Country,
		DurationMs:    time.Since(start).Milliseconds(),
	}, nil
}

// pickServers returns the pinned server, or the n nearest.
func pickServers(servers st.Servers, id string, n int) []*st.Server {
	if id != "" {
		for _, s := range servers {
			if s.ID == id {
				return []*st.Server{s}
			}
		}
		return nil
	}
	out := append([]*st.Server(nil), servers...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Distance < out[j].Distance })
	if len(out) > n {
		out = out[:n]
	}
	return out
}

// fastest pings candidates one by one and returns the lowest latency.
func fastest(ctx context.Context, candidates []*st.Server) *st.Server {
	var best *st.Server
	for _, s := range candidates {
		if ctx.Err() != nil {
			break
		}
		if err := s.PingTestContext(ctx, nil); err != nil || s.Latency <= 0 {
			continue
		}
		if best == nil || s.Latency < best.Latency {
			best = s
		}
	}
	return best
}
