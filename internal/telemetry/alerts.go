package telemetry

import (
	"context"
	"sort"
	"time"

	"github.com/editalwatch/discovery/internal/crawler"
)

// Level is the severity of a domain alert.
type Level string

// Alert levels.
const (
	LevelCritical Level = "critical"
	LevelWarning  Level = "warning"
)

// Thresholds are the ratios above which a domain alerts.
type Thresholds struct {
	CriticalBlocked float64 `mapstructure:"critical_blocked"`
	WarningBlocked  float64 `mapstructure:"warning_blocked"`
	WarningError    float64 `mapstructure:"warning_error"`
}

// DefaultThresholds flags more than half blocked as critical, and more than
// a fifth blocked or half failing as a warning.
var DefaultThresholds = Thresholds{CriticalBlocked: 0.5, WarningBlocked: 0.2, WarningError: 0.5}

// Alert is one row of the derived alert view.
type Alert struct {
	Domain       string    `json:"domain"`
	Level        Level     `json:"level"`
	Total        int64     `json:"total"`
	Blocked      int64     `json:"blocked"`
	BlockedRatio float64   `json:"blocked_ratio"`
	ErrorRatio   float64   `json:"error_ratio"`
	Since        time.Time `json:"since"`
}

// Evaluate sums counters per domain and returns the domains over a
// threshold, critical first then by domain.
func Evaluate(counters []crawler.DomainCounter, th Thresholds) []Alert {
	sums := map[string]*crawler.DomainCounter{}
	for _, c := range counters {
		s, ok := sums[c.Domain]
		if !ok {
			s = &crawler.DomainCounter{Domain: c.Domain, WindowStart: c.WindowStart}
			sums[c.Domain] = s
		}
		if c.WindowStart.Before(s.WindowStart) {
			s.WindowStart = c.WindowStart
		}
		s.OK += c.OK
		s.Client4xx += c.Client4xx
		s.Server5xx += c.Server5xx
		s.Blocked += c.Blocked
		s.Errors += c.Errors
	}

	var alerts []Alert
	for _, s := range sums {
		total := s.Total()
		if total == 0 {
			continue
		}
		blocked := float64(s.Blocked) / float64(total)
		failed := float64(s.Client4xx+s.Server5xx+s.Blocked+s.Errors) / float64(total)
		var level Level
		switch {
		case blocked > th.CriticalBlocked:
			level = LevelCritical
		case blocked > th.WarningBlocked || failed > th.WarningError:
			level = LevelWarning
		default:
			continue
		}
		alerts = append(alerts, Alert{
			Domain:       s.Domain,
			Level:        level,
			Total:        total,
			Blocked:      s.Blocked,
			BlockedRatio: blocked,
			ErrorRatio:   failed,
			Since:        s.WindowStart,
		})
	}
	sort.Slice(alerts, func(i, j int) bool {
		if alerts[i].Level != alerts[j].Level {
			return alerts[i].Level == LevelCritical
		}
		return alerts[i].Domain < alerts[j].Domain
	})
	return alerts
}

// Alerts evaluates the counters recorded since the given time.
func (r *Recorder) Alerts(ctx context.Context, since time.Time, th Thresholds) ([]Alert, error) {
	counters, err := r.Counters(ctx, since)
	if err != nil {
		return nil, err
	}
	return Evaluate(counters, th), nil
}
