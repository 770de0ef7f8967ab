package poller

import (
	"math/rand"
	"time"

	"github.com/BearBump/TrackFlow/internal/models"
)

type Rand interface {
	Intn(n int) int
}

type PlannerConfig struct {
	TerminalDelay time.Duration // default: 365 days

	OutForDeliveryDelay time.Duration // default: 10 minutes

	InTransitMinDelay time.Duration // default: 30 minutes
	InTransitMaxDelay time.Duration // default: 120 minutes

	ExceptionDelay time.Duration // default: 20 minutes

	UnknownDelay time.Duration // default: 90 minutes

	Backoff1 time.Duration // default: 5 minutes
	Backoff2 time.Duration // default: 15 minutes
	Backoff3 time.Duration // default: 30 minutes
	Backoff4 time.Duration // default: 60 minutes
}

func DefaultPlannerConfig() PlannerConfig {
	return PlannerConfig{
		TerminalDelay: 365 * 24 * time.Hour,

		OutForDeliveryDelay: 10 * time.Minute,

		InTransitMinDelay: 30 * time.Minute,
		InTransitMaxDelay: 120 * time.Minute,

		ExceptionDelay: 20 * time.Minute,

		UnknownDelay: 90 * time.Minute,

		Backoff1: 5 * time.Minute,
		Backoff2: 15 * time.Minute,
		Backoff3: 30 * time.Minute,
		Backoff4: 60 * time.Minute,
	}
}

type Planner struct {
	cfg PlannerConfig
	r   Rand
}

func NewPlanner(cfg PlannerConfig, r Rand) *Planner {
	def := DefaultPlannerConfig()
	if cfg.TerminalDelay <= 0 {
		cfg.TerminalDelay = def.TerminalDelay
	}
	if cfg.OutForDeliveryDelay <= 0 {
		cfg.OutForDeliveryDelay = def.OutForDeliveryDelay
	}
	if cfg.InTransitMinDelay <= 0 {
		cfg.InTransitMinDelay = def.InTransitMinDelay
	}
	if cfg.InTransitMaxDelay <= 0 {
		cfg.InTransitMaxDelay = def.InTransitMaxDelay
	}
	if cfg.InTransitMaxDelay < cfg.InTransitMinDelay {
		cfg.InTransitMaxDelay = cfg.InTransitMinDelay
	}
	if cfg.ExceptionDelay <= 0 {
		cfg.ExceptionDelay = def.ExceptionDelay
	}
	if cfg.UnknownDelay <= 0 {
		cfg.UnknownDelay = def.UnknownDelay
	}
	if cfg.Backoff1 <= 0 {
		cfg.Backoff1 = def.Backoff1
	}
	if cfg.Backoff2 <= 0 {
		cfg.Backoff2 = def.Backoff2
	}
	if cfg.Backoff3 <= 0 {
		cfg.Backoff3 = def.Backoff3
	}
	if cfg.Backoff4 <= 0 {
		cfg.Backoff4 = def.Backoff4
	}
	if r == nil {
		r = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return &Planner{cfg: cfg, r: r}
}

// NextCheckDelay — когда снова опрашивать отправление в данном статусе.
// Терминальные почти не опрашиваются (только как страховка от ошибок
// справочника), активные чаще, с джиттером против синхронных волн.
func (p *Planner) NextCheckDelay(status models.UnifiedStatus, terminal bool) time.Duration {
	if terminal {
		return p.cfg.TerminalDelay
	}
	switch status {
	case models.StatusDelivered:
		return p.cfg.TerminalDelay
	case models.StatusOutForDelivery:
		return p.cfg.OutForDeliveryDelay
	case models.StatusInTransit, models.StatusPickedUp:
		min := p.cfg.InTransitMinDelay
		max := p.cfg.InTransitMaxDelay
		if max == min {
			return min
		}
		secMin := int(min.Seconds())
		secMax := int(max.Seconds())
		if secMin < 0 {
			secMin = 0
		}
		if secMax < secMin {
			secMax = secMin
		}
		return time.Duration(secMin+p.r.Intn(secMax-secMin+1)) * time.Second
	case models.StatusException:
		return p.cfg.ExceptionDelay
	default:
		return p.cfg.UnknownDelay
	}
}

func (p *Planner) BackoffDelay(nextFailCount int32) time.Duration {
	switch {
	case nextFailCount <= 1:
		return p.cfg.Backoff1
	case nextFailCount == 2:
		return p.cfg.Backoff2
	case nextFailCount == 3:
		return p.cfg.Backoff3
	default:
		return p.cfg.Backoff4
	}
}
