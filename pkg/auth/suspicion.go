package auth

import (
	"context"
	"log/slog"
	"time"

	"github.com/tendant/simple-idm-sessions/pkg/domain"
)

// SuspicionConfig configures the heuristics. A zero window or count
// disables the corresponding heuristic.
type SuspicionConfig struct {
	// DeviceWindow is how far back a device fingerprint counts as known.
	DeviceWindow time.Duration `env:"DEVICE_WINDOW"`
	// MinTravelInterval is the shortest plausible gap between activity in
	// two different locations.
	MinTravelInterval time.Duration `env:"MIN_TRAVEL_INTERVAL"`
	// RapidWindow and RapidMaxSessions flag more than RapidMaxSessions
	// sessions created within RapidWindow.
	RapidWindow      time.Duration `env:"RAPID_WINDOW"`
	RapidMaxSessions int           `env:"RAPID_MAX_SESSIONS"`
}

// Validate checks the configuration.
func (c SuspicionConfig) Validate() error {
	if c.DeviceWindow < 0 || c.MinTravelInterval < 0 || c.RapidWindow < 0 {
		return &domain.ConfigError{Field: "Suspicion", Reason: "windows must not be negative"}
	}
	if c.RapidMaxSessions < 0 {
		return &domain.ConfigError{Field: "Suspicion.RapidMaxSessions", Reason: "must not be negative"}
	}
	return nil
}

// SuspicionDetector classifies new sessions as anomalous. Its output is
// advisory only.
type SuspicionDetector struct {
	config SuspicionConfig
	geo    GeoResolver
	logger *slog.Logger
}

// NewSuspicionDetector creates a detector. geo may be nil, which disables
// the impossible-travel heuristic.
func NewSuspicionDetector(cfg SuspicionConfig, geo GeoResolver, logger *slog.Logger) (*SuspicionDetector, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &SuspicionDetector{config: cfg, geo: geo, logger: logger}, nil
}

// Classify evaluates session against the account's earlier sessions.
// prior may include session itself; it is ignored. Reasons are reported in
// a fixed order: new device, geo velocity, rapid creation.
func (d *SuspicionDetector) Classify(ctx context.Context, session *domain.Session, prior []*domain.Session) domain.Classification {
	history := make([]*domain.Session, 0, len(prior))
	for _, p := range prior {
		if p.ID != session.ID {
			history = append(history, p)
		}
	}

	var reasons []string
	if d.newDevice(session, history) {
		reasons = append(reasons, domain.SuspicionNewDevice)
	}
	if d.impossibleTravel(ctx, session, history) {
		reasons = append(reasons, domain.SuspicionGeoVelocity)
	}
	if d.rapidCreation(session, history) {
		reasons = append(reasons, domain.SuspicionRapidCreation)
	}
	return domain.Classification{Suspicious: len(reasons) > 0, Reasons: reasons}
}

// newDevice reports a fingerprint not seen within the window. An account
// with no sessions in the window has no baseline and is not flagged.
func (d *SuspicionDetector) newDevice(session *domain.Session, history []*domain.Session) bool {
	if d.config.DeviceWindow == 0 || session.DeviceFingerprint == "" {
		return false
	}
	since := session.CreatedAt.Add(-d.config.DeviceWindow)
	baseline := 0
	for _, p := range history {
		if p.LastActivityAt.Before(since) {
			continue
		}
		baseline++
		if p.DeviceFingerprint == session.DeviceFingerprint {
			return false
		}
	}
	return baseline > 0
}

func (d *SuspicionDetector) impossibleTravel(ctx context.Context, session *domain.Session, history []*domain.Session) bool {
	if d.geo == nil || d.config.MinTravelInterval == 0 || session.SourceIP == "" {
		return false
	}

	var last *domain.Session
	for _, p := range history {
		if p.SourceIP == "" {
			continue
		}
		if last == nil || p.LastActivityAt.After(last.LastActivityAt) {
			last = p
		}
	}
	if last == nil || last.SourceIP == session.SourceIP {
		return false
	}
	if session.CreatedAt.Sub(last.LastActivityAt) >= d.config.MinTravelInterval {
		return false
	}

	current, err := d.geo.Resolve(ctx, session.SourceIP)
	if err != nil {
		d.logger.DebugContext(ctx, "geo resolution failed", "session_id", session.ID, "error", err)
		return false
	}
	previous, err := d.geo.Resolve(ctx, last.SourceIP)
	if err != nil {
		d.logger.DebugContext(ctx, "geo resolution failed", "session_id", last.ID, "error", err)
		return false
	}
	return current != "" && previous != "" && current != previous
}

func (d *SuspicionDetector) rapidCreation(session *domain.Session, history []*domain.Session) bool {
	if d.config.RapidWindow == 0 || d.config.RapidMaxSessions == 0 {
		return false
	}
	since := session.CreatedAt.Add(-d.config.RapidWindow)
	count := 1
	for _, p := range history {
		if p.CreatedAt.After(since) && !p.CreatedAt.After(session.CreatedAt) {
			count++
		}
	}
	return count > d.config.RapidMaxSessions
}
