package engine

import (
	"errors"
	"time"
)

// Options tunes verification. Zero fields take the defaults below.
type Options struct {
	// SkipThresholdSeconds is the tolerance before a forward jump counts as a skip.
	SkipThresholdSeconds float64
	// LockDuration is how long playback stays locked after the 2nd and later skips.
	LockDuration time.Duration
	// MaxSkipAttempts is the number of skips after which completion is blocked.
	MaxSkipAttempts int
	// CompletionThresholdPct is the minimum watched share, 0..100.
	CompletionThresholdPct float64

	SampleInterval    time.Duration
	HeartbeatInterval time.Duration
	WarningDuration   time.Duration
	ReportTimeout     time.Duration
}

const (
	DefaultSkipThresholdSeconds   = 3.0
	DefaultLockDuration           = 5 * time.Second
	DefaultMaxSkipAttempts        = 3
	DefaultCompletionThresholdPct = 85.0
	DefaultSampleInterval         = 500 * time.Millisecond
	DefaultHeartbeatInterval      = 10 * time.Second
	DefaultWarningDuration        = 3 * time.Second
	DefaultReportTimeout          = 5 * time.Second
)

func DefaultOptions() Options {
	return Options{
		SkipThresholdSeconds:   DefaultSkipThresholdSeconds,
		LockDuration:           DefaultLockDuration,
		MaxSkipAttempts:        DefaultMaxSkipAttempts,
		CompletionThresholdPct: DefaultCompletionThresholdPct,
		SampleInterval:         DefaultSampleInterval,
		HeartbeatInterval:      DefaultHeartbeatInterval,
		WarningDuration:        DefaultWarningDuration,
		ReportTimeout:          DefaultReportTimeout,
	}
}

// WithDefaults fills unset fields from DefaultOptions. Zero is never a valid
// setting, so Validate rejects an explicit zero before it reaches here.
func (o Options) WithDefaults() Options {
	d := DefaultOptions()
	if o.SkipThresholdSeconds == 0 {
		o.SkipThresholdSeconds = d.SkipThresholdSeconds
	}
	if o.LockDuration == 0 {
		o.LockDuration = d.LockDuration
	}
	if o.MaxSkipAttempts == 0 {
		o.MaxSkipAttempts = d.MaxSkipAttempts
	}
	if o.CompletionThresholdPct == 0 {
		o.CompletionThresholdPct = d.CompletionThresholdPct
	}
	if o.SampleInterval == 0 {
		o.SampleInterval = d.SampleInterval
	}
	if o.HeartbeatInterval == 0 {
		o.HeartbeatInterval = d.HeartbeatInterval
	}
	if o.WarningDuration == 0 {
		o.WarningDuration = d.WarningDuration
	}
	if o.ReportTimeout == 0 {
		o.ReportTimeout = d.ReportTimeout
	}
	return o
}

func (o Options) Validate() error {
	var errs []error
	if o.SkipThresholdSeconds <= 0 {
		errs = append(errs, errors.New("skip threshold must be positive"))
	}
	if o.LockDuration <= 0 {
		errs = append(errs, errors.New("lock duration must be positive"))
	}
	if o.MaxSkipAttempts < 1 {
		errs = append(errs, errors.New("max skip attempts must be at least 1"))
	}
	if o.CompletionThresholdPct <= 0 || o.CompletionThresholdPct > 100 {
		errs = append(errs, errors.New("completion threshold must be in (0, 100]"))
	}
	if o.SampleInterval <= 0 || o.HeartbeatInterval <= 0 {
		errs = append(errs, errors.New("sample and heartbeat intervals must be positive"))
	}
	if o.HeartbeatInterval > 0 && o.SampleInterval > o.HeartbeatInterval {
		errs = append(errs, errors.New("sample interval must not exceed heartbeat interval"))
	}
	return errors.Join(errs...)
}
