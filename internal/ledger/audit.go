package ledger

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

// Auditor periodically checks the conservation invariant: between two runs the
// total of all balances may only change by what the engine provisioned.
type Auditor struct {
	store  Store
	engine *Engine
	log    *logrus.Logger

	mu       sync.Mutex
	ran      bool
	lastSum  decimal.Decimal
	lastProv decimal.Decimal
}

// AuditResult is the outcome of one audit run
type AuditResult struct {
	Total    decimal.Decimal
	Expected decimal.Decimal
	Drift    decimal.Decimal
}

// NewAuditor creates an auditor over the engine's store
func NewAuditor(store Store, engine *Engine, log *logrus.Logger) *Auditor {
	return &Auditor{store: store, engine: engine, log: log}
}

// Run computes the current total and compares it with the previous run.
// The first run only records a baseline.
func (a *Auditor) Run(ctx context.Context) (*AuditResult, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	var total decimal.Decimal
	prov, err := a.engine.snapshot(func() error {
		var err error
		total, err = a.store.Total(ctx)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to total balances: %w", err)
	}

	res := &AuditResult{Total: total, Expected: total}
	if a.ran {
		res.Expected = a.lastSum.Add(prov.Sub(a.lastProv))
		res.Drift = total.Sub(res.Expected)
	}
	a.ran = true
	a.lastSum = total
	a.lastProv = prov

	log := a.log.WithFields(logrus.Fields{
		"total":    total.StringFixed(Scale),
		"expected": res.Expected.StringFixed(Scale),
	})
	if !res.Drift.IsZero() {
		// Provisioning by other processes sharing the store also shows up here.
		log.WithField("drift", res.Drift.StringFixed(Scale)).Warn("Ledger total drifted")
	} else {
		log.Debug("Ledger audit passed")
	}
	return res, nil
}

// Schedule registers Run on a cron scheduler using spec and returns the
// started scheduler. The caller stops it on shutdown.
func (a *Auditor) Schedule(spec string, timeout time.Duration) (*cron.Cron, error) {
	c := cron.New()
	_, err := c.AddFunc(spec, func() {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		if _, err := a.Run(ctx); err != nil {
			a.log.WithError(err).Error("Ledger audit failed")
		}
	})
	if err != nil {
		return nil, fmt.Errorf("invalid audit schedule %q: %w", spec, err)
	}
	c.Start()
	return c, nil
}
