package stream

import (
	"fmt"
	"log/slog"
	"time"
)

// progress logs how far a transfer got, at most once per interval.
type progress struct {
	logger    *slog.Logger
	interval  time.Duration
	total     int64
	startTime time.Time
	lastLog   time.Time
}

func newProgress(logger *slog.Logger, interval time.Duration, total int64) *progress {
	now := time.Now()
	return &progress{
		logger:    logger,
		interval:  interval,
		total:     total,
		startTime: now,
		lastLog:   now,
	}
}

func (p *progress) update(transferred int64) {
	if p == nil {
		return
	}

	if time.Since(p.lastLog) >= p.interval {
		p.lastLog = time.Now()
		p.log("streaming", transferred)
	}
}

func (p *progress) log(msg string, transferred int64) {
	elapsed := time.Since(p.startTime)
	attrs := []any{
		"elapsed", elapsed.Round(time.Millisecond),
		"transferred", transferred,
		"total", p.total,
	}
	if p.total > 0 {
		attrs = append(attrs, "progress", fmt.Sprintf("%.1f%%", float64(transferred)/float64(p.total)*100))
	}
	if secs := elapsed.Seconds(); secs > 0 {
		attrs = append(attrs, "mbps", fmt.Sprintf("%.2f", float64(transferred)/secs/(1024*1024)))
	}
	p.logger.Info(msg, attrs...)
}
