package fieldsync

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

// DetectorConfig tunes the connectivity detector.
type DetectorConfig struct {
	ProbeURL      string        // small static resource, HEAD-probed
	ProbeTimeout  time.Duration // short, so an offline probe never blocks the UI
	ProbeInterval time.Duration // recovery polling period while offline
}

// DefaultDetectorConfig returns detector defaults for the given probe URL.
func DefaultDetectorConfig(probeURL string) *DetectorConfig {
	return &DetectorConfig{
		ProbeURL:      probeURL,
		ProbeTimeout:  3 * time.Second,
		ProbeInterval: 30 * time.Second,
	}
}

// Detector tracks network reachability. Platform online signals are treated
// as hints only: a transition to online is reported to listeners solely after
// a successful reachability probe, which debounces flapping links that claim
// connectivity they cannot deliver.
type Detector struct {
	config *DetectorConfig
	http   *http.Client
	logger *slog.Logger

	mu           sync.RWMutex
	offline      bool
	lastOnlineAt time.Time
	listeners    []func(online bool)

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup

	now func() time.Time
}

// NewDetector creates a detector. The initial state is offline until a probe
// or a confirmed platform signal proves otherwise.
func NewDetector(config *DetectorConfig, logger *slog.Logger) *Detector {
	if config == nil {
		config = DefaultDetectorConfig("")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Detector{
		config:  config,
		http:    &http.Client{Timeout: config.ProbeTimeout},
		logger:  logger,
		offline: true,
		stopCh:  make(chan struct{}),
		now:     time.Now,
	}
}

// IsOffline returns the current reachability state.
func (d *Detector) IsOffline() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.offline
}

// LastOnlineAt returns when the detector last confirmed connectivity.
func (d *Detector) LastOnlineAt() time.Time {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.lastOnlineAt
}

// Subscribe registers a listener for confirmed online/offline transitions.
func (d *Detector) Subscribe(l func(online bool)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.listeners = append(d.listeners, l)
}

// SetNetworkAvailable feeds a platform online/offline signal into the
// detector. An offline signal takes effect immediately; an online signal is
// confirmed by a probe before listeners hear about it.
func (d *Detector) SetNetworkAvailable(ctx context.Context, available bool) {
	if !available {
		d.markOffline()
		return
	}
	if err := d.Probe(ctx); err != nil {
		d.logger.Debug("online signal not confirmed by probe", "error", err)
		return
	}
	d.markOnline()
}

// Probe issues one reachability check against the configured probe URL.
func (d *Detector) Probe(ctx context.Context) error {
	if d.config.ProbeURL == "" {
		return &NetworkError{Op: "probe", Err: fmt.Errorf("no probe URL configured")}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, d.config.ProbeURL, nil)
	if err != nil {
		return &NetworkError{Op: "probe", Err: err}
	}
	resp, err := d.http.Do(req)
	if err != nil {
		return &NetworkError{Op: "probe", Err: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return &NetworkError{Op: "probe", Err: fmt.Errorf("probe returned status %d", resp.StatusCode)}
	}
	return nil
}

// Start runs the recovery loop: while offline, probe periodically and flip to
// online on the first success.
func (d *Detector) Start(ctx context.Context) {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		ticker := time.NewTicker(d.config.ProbeInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-d.stopCh:
				return
			case <-ticker.C:
				if !d.IsOffline() {
					continue
				}
				if err := d.Probe(ctx); err == nil {
					d.markOnline()
				}
			}
		}
	}()
}

// Stop halts the recovery loop and waits for it to exit.
func (d *Detector) Stop() {
	d.stopOnce.Do(func() { close(d.stopCh) })
	d.wg.Wait()
}

func (d *Detector) markOnline() {
	d.mu.Lock()
	transition := d.offline
	d.offline = false
	d.lastOnlineAt = d.now()
	listeners := make([]func(bool), len(d.listeners))
	copy(listeners, d.listeners)
	d.mu.Unlock()

	if !transition {
		return
	}
	d.logger.Info("connectivity restored")
	for _, l := range listeners {
		l(true)
	}
}

func (d *Detector) markOffline() {
	d.mu.Lock()
	transition := !d.offline
	d.offline = true
	listeners := make([]func(bool), len(d.listeners))
	copy(listeners, d.listeners)
	d.mu.Unlock()

	if !transition {
		return
	}
	d.logger.Info("connectivity lost")
	for _, l := range listeners {
		l(false)
	}
}
