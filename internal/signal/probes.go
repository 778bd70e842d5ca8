package signal

import (
	"context"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/rotisserie/eris"
)

// TCPProbe reports reachability of a network endpoint. An unreachable
// endpoint is evidence, not an error: the probe reports
// "<name>_reachable: false" instead of degrading.
type TCPProbe struct {
	ProbeName string
	Addr      string
}

func (p TCPProbe) Name() string { return p.ProbeName }

func (p TCPProbe) Collect(ctx context.Context) (map[string]any, error) {
	if p.Addr == "" {
		return nil, eris.New("tcp probe: addr is required")
	}
	var d net.Dialer
	start := time.Now()
	conn, err := d.DialContext(ctx, "tcp", p.Addr)
	latency := time.Since(start)
	if err != nil {
		return map[string]any{
			p.ProbeName + "_reachable": false,
		}, nil
	}
	conn.Close()
	return map[string]any{
		p.ProbeName + "_reachable":  true,
		p.ProbeName + "_latency_ms": latency.Milliseconds(),
	}, nil
}

// HTTPProbe reports status and latency of an HTTP endpoint.
type HTTPProbe struct {
	ProbeName string
	URL       string
	Client    *http.Client
}

func (p HTTPProbe) Name() string { return p.ProbeName }

func (p HTTPProbe) Collect(ctx context.Context) (map[string]any, error) {
	if p.URL == "" {
		return nil, eris.New("http probe: url is required")
	}
	client := p.Client
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.URL, nil)
	if err != nil {
		return nil, eris.Wrap(err, "http probe: build request")
	}

	start := time.Now()
	resp, err := client.Do(req)
	latency := time.Since(start)
	if err != nil {
		return map[string]any{
			p.ProbeName + "_reachable": false,
		}, nil
	}
	resp.Body.Close()
	return map[string]any{
		p.ProbeName + "_reachable":  true,
		p.ProbeName + "_status":     resp.StatusCode,
		p.ProbeName + "_ok":         resp.StatusCode < 400,
		p.ProbeName + "_latency_ms": latency.Milliseconds(),
	}, nil
}

// FileFacts reports filesystem facts about one path.
type FileFacts struct {
	FactName string
	Path     string
}

func (f FileFacts) Name() string { return f.FactName }

func (f FileFacts) Collect(ctx context.Context) (map[string]any, error) {
	if f.Path == "" {
		return nil, eris.New("file facts: path is required")
	}
	st, err := os.Stat(f.Path)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]any{f.FactName + "_exists": false}, nil
		}
		return nil, eris.Wrap(err, "file facts: stat")
	}
	return map[string]any{
		f.FactName + "_exists":   true,
		f.FactName + "_size":     st.Size(),
		f.FactName + "_age_secs": int64(time.Since(st.ModTime()).Seconds()),
	}, nil
}

// Static always reports fixed values. Used for configuration-injected
// constants and in tests.
type Static struct {
	SourceName string
	Values     map[string]any
	Err        error
}

func (s Static) Name() string { return s.SourceName }

func (s Static) Collect(ctx context.Context) (map[string]any, error) {
	if s.Err != nil {
		return nil, s.Err
	}
	return s.Values, nil
}

// Func adapts a plain function into a Source.
type Func struct {
	SourceName string
	Fn         func(ctx context.Context) (map[string]any, error)
}

func (f Func) Name() string { return f.SourceName }

func (f Func) Collect(ctx context.Context) (map[string]any, error) {
	return f.Fn(ctx)
}
