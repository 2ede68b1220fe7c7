package directory

import (
	"context"
	"net/http"
	"sync"
	"time"
)

// ProberConfig controls worker health probing.
type ProberConfig struct {
	// Interval between probe sweeps.
	Interval time.Duration
	// Timeout for a single probe request.
	Timeout time.Duration
	// UnreachableWindow is how long a worker may stay unreachable before it
	// is dropped from the directory. Its jobs are then the orphan
	// detector's problem.
	UnreachableWindow time.Duration
}

// Prober periodically checks worker health endpoints and evicts workers that
// stay unreachable past the configured window.
type Prober struct {
	dir    *Directory
	cfg    ProberConfig
	client *http.Client

	mu          sync.Mutex
	unreachable map[string]time.Time // workerID -> first failed probe

	stop chan struct{}
	done chan struct{}
}

// NewProber creates a prober over the directory.
func NewProber(dir *Directory, cfg ProberConfig) *Prober {
	return &Prober{
		dir:         dir,
		cfg:         cfg,
		client:      &http.Client{Timeout: cfg.Timeout},
		unreachable: make(map[string]time.Time),
		stop:        make(chan struct{}),
		done:        make(chan struct{}),
	}
}

// Start launches the probe loop. Stop blocks until the loop exits.
func (p *Prober) Start(ctx context.Context) {
	go p.run(ctx)
}

// Stop terminates the probe loop and waits for it.
func (p *Prober) Stop() {
	close(p.stop)
	<-p.done
}

func (p *Prober) run(ctx context.Context) {
	defer close(p.done)
	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			p.sweep(ctx)
		case <-p.stop:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (p *Prober) sweep(ctx context.Context) {
	for _, w := range p.dir.List() {
		ok := p.probe(ctx, w.BaseURL)
		p.dir.markProbed(w.ID, ok)

		p.mu.Lock()
		if ok {
			delete(p.unreachable, w.ID)
			p.mu.Unlock()
			continue
		}
		first, seen := p.unreachable[w.ID]
		if !seen {
			first = time.Now()
			p.unreachable[w.ID] = first
		}
		expired := time.Since(first) >= p.cfg.UnreachableWindow
		if expired {
			delete(p.unreachable, w.ID)
		}
		p.mu.Unlock()

		if expired {
			p.dir.remove(ctx, w.ID)
		}
	}
}

func (p *Prober) probe(ctx context.Context, baseURL string) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/health", nil)
	if err != nil {
		return false
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}
