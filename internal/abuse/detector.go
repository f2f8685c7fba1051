// Package abuse implements the Abuse Detector (spec.md §4.6): an EWMA of
// per-key request rate with Z-score anomaly scoring, plus a separate EWMA
// over error responses, both backed by the KV Store Adapter.
package abuse

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/wisbric/gateway/internal/kv"
	"github.com/wisbric/gateway/internal/model"
)

// BlockReason is why a key was soft-blocked.
type BlockReason string

const (
	ReasonRateSpike      BlockReason = "rate_spike"
	ReasonErrorRateSpike BlockReason = "error_rate_spike"
	ReasonManual         BlockReason = "manual"
)

// epsilon floors the standard deviation in the Z-score denominator so a
// perfectly steady rate (variance 0) never divides by zero.
const epsilon = 1e-6

// stateTTL bounds how long an idle key's EWMA state lives in the KV store.
const stateTTL = 30 * time.Minute

// state is the per-key EWMA state persisted in the KV store.
type state struct {
	EWMARate     float64 `json:"ewma_rate"`
	EWMAVariance float64 `json:"ewma_variance"`
	LastTickUTC  int64   `json:"last_tick_at"` // unix millis; 0 means never ticked
}

// Config holds the detector's tunables (spec.md §4.6 / §6 env vars).
type Config struct {
	Alpha         float64       // EWMA smoothing factor, default 0.3
	ZThreshold    float64       // default 3.0
	BlockDuration time.Duration // default 300s
}

// Verdict is the result of a Tick call.
type Verdict struct {
	Blocked      bool
	Reason       BlockReason
	AnomalyScore float64
	BlockedUntil time.Time
}

// Recorder persists the soft-blocks a Detector installs (spec.md §3's
// BlockedKeyRecord). The gateway's real implementation is
// *configstore.Store.
type Recorder interface {
	InsertBlockedKeyRecord(ctx context.Context, rec model.BlockedKeyRecord) error
}

// Detector tracks per-key request/error EWMAs and installs soft-blocks.
type Detector struct {
	store    kv.Store
	recorder Recorder
	cfg      Config
}

// New creates a Detector backed by store. recorder may be nil to skip
// persisting BlockedKeyRecord rows (e.g. in tests).
func New(store kv.Store, recorder Recorder, cfg Config) *Detector {
	if cfg.Alpha <= 0 || cfg.Alpha > 1 {
		cfg.Alpha = 0.3
	}
	if cfg.ZThreshold <= 0 {
		cfg.ZThreshold = 3.0
	}
	if cfg.BlockDuration <= 0 {
		cfg.BlockDuration = 300 * time.Second
	}
	return &Detector{store: store, recorder: recorder, cfg: cfg}
}

// IsBlocked checks abuse:block:<key> without mutating any state — the
// pipeline's early abuse-precheck step (spec.md §4.9 step 3).
func (d *Detector) IsBlocked(ctx context.Context, key string) (bool, error) {
	_, err := d.store.Get(ctx, blockKey(key))
	if err != nil {
		if err == kv.ErrNotFound {
			return false, nil
		}
		return false, fmt.Errorf("checking abuse block: %w", err)
	}
	return true, nil
}

// TickRequest updates the request-rate EWMA for key and returns a soft-block
// Verdict if the resulting Z-score crosses the configured threshold.
func (d *Detector) TickRequest(ctx context.Context, key string) (Verdict, error) {
	return d.tick(ctx, key, rateStateKey(key), ReasonRateSpike, blockKey(key))
}

// TickError updates the separate error-rate EWMA for key (called only for
// admitted requests whose upstream response was an error) and returns a
// soft-block Verdict if the error-rate Z-score crosses the threshold.
func (d *Detector) TickError(ctx context.Context, key string) (Verdict, error) {
	return d.tick(ctx, key, errorStateKey(key), ReasonErrorRateSpike, blockKey(key))
}

func (d *Detector) tick(ctx context.Context, apiKeyID, stateKey string, reason BlockReason, blockK string) (Verdict, error) {
	now := time.Now()

	st, err := d.loadState(ctx, stateKey)
	if err != nil {
		return Verdict{}, fmt.Errorf("loading abuse state: %w", err)
	}

	if st.LastTickUTC == 0 {
		st.LastTickUTC = now.UnixMilli()
		d.saveState(ctx, stateKey, st)
		return Verdict{}, nil
	}

	dt := now.Sub(time.UnixMilli(st.LastTickUTC)).Seconds()
	if dt <= 0 {
		dt = 0.001
	}
	r := 1 / dt

	mu := st.EWMARate
	sigma2 := st.EWMAVariance
	alpha := d.cfg.Alpha

	muPrime := alpha*r + (1-alpha)*mu
	sigma2Prime := alpha*math.Pow(r-mu, 2) + (1-alpha)*sigma2
	z := (r - muPrime) / math.Max(math.Sqrt(sigma2Prime), epsilon)

	st.EWMARate = muPrime
	st.EWMAVariance = sigma2Prime
	st.LastTickUTC = now.UnixMilli()
	d.saveState(ctx, stateKey, st)

	if math.Abs(z) <= d.cfg.ZThreshold {
		return Verdict{}, nil
	}

	blockedUntil := now.Add(d.cfg.BlockDuration)
	if err := d.store.Set(ctx, blockK, []byte(reason), d.cfg.BlockDuration); err != nil {
		return Verdict{}, fmt.Errorf("installing abuse block: %w", err)
	}

	if d.recorder != nil {
		rec := model.BlockedKeyRecord{
			ID:           uuid.New().String(),
			APIKeyID:     apiKeyID,
			Reason:       model.BlockReason(reason),
			AnomalyScore: z,
			BlockedAt:    now,
			BlockedUntil: &blockedUntil,
			IsActive:     true,
		}
		// Best-effort: the KV block above is what actually enforces the
		// block, so a failed persist here is ignored rather than undoing
		// it; the error is not returned or logged.
		_ = d.recorder.InsertBlockedKeyRecord(ctx, rec)
	}

	return Verdict{
		Blocked:      true,
		Reason:       reason,
		AnomalyScore: z,
		BlockedUntil: blockedUntil,
	}, nil
}

// Unblock clears an active soft-block (operator action).
func (d *Detector) Unblock(ctx context.Context, key string) error {
	return d.store.Del(ctx, blockKey(key))
}

func (d *Detector) loadState(ctx context.Context, stateKey string) (state, error) {
	raw, err := d.store.Get(ctx, stateKey)
	if err != nil {
		if err == kv.ErrNotFound {
			return state{}, nil
		}
		return state{}, err
	}
	var st state
	if jerr := json.Unmarshal(raw, &st); jerr != nil {
		return state{}, nil
	}
	return st, nil
}

func (d *Detector) saveState(ctx context.Context, stateKey string, st state) {
	buf, err := json.Marshal(st)
	if err != nil {
		return
	}
	// Best-effort: a dropped EWMA update just means the next tick starts
	// from a slightly stale baseline, not an incorrect one.
	_ = d.store.Set(ctx, stateKey, buf, stateTTL)
}

func rateStateKey(key string) string  { return "abuse:rate:" + key }
func errorStateKey(key string) string { return "abuse:err:" + key }
func blockKey(key string) string      { return "abuse:block:" + key }
