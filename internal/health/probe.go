package health

import (
	"context"
	"net/http"
	"sort"
	"sync"
	"time"
)

// Sidecar is a self-hosted dependency with a health endpoint.
type Sidecar struct {
	Name      string
	HealthURL string
}

// Prober checks sidecar health endpoints.
type Prober struct {
	sidecars   []Sidecar
	httpClient *http.Client
}

// NewProber creates a prober. Sidecars without a URL are skipped.
func NewProber(sidecars []Sidecar, timeout time.Duration) *Prober {
	kept := make([]Sidecar, 0, len(sidecars))
	for _, s := range sidecars {
		if s.HealthURL != "" {
			kept = append(kept, s)
		}
	}
	sort.Slice(kept, func(i, j int) bool { return kept[i].Name < kept[j].Name })
	return &Prober{sidecars: kept, httpClient: &http.Client{Timeout: timeout}}
}

// Names lists the probed sidecars.
func (p *Prober) Names() []string {
	names := make([]string, len(p.sidecars))
	for i, s := range p.sidecars {
		names[i] = s.Name
	}
	return names
}

// ProbeAll checks every sidecar concurrently.
func (p *Prober) ProbeAll(ctx context.Context) map[string]bool {
	out := make(map[string]bool, len(p.sidecars))
	var (
		mu sync.Mutex
		wg sync.WaitGroup
	)
	for _, s := range p.sidecars {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok := p.probeHealth(ctx, s.HealthURL)
			mu.Lock()
			out[s.Name] = ok
			mu.Unlock()
		}()
	}
	wg.Wait()
	return out
}

func (p *Prober) probeHealth(ctx context.Context, url string) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return false
	}
	resp, err := p.httpClient.Do(req)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}
