package adaptation

import (
	"adaptive-risk-go/internal/calibration"
	"adaptive-risk-go/internal/drift"
	"adaptive-risk-go/internal/models"
	"adaptive-risk-go/internal/outcomestore"
	"adaptive-risk-go/internal/penalty"
	"adaptive-risk-go/internal/persistence"
	"adaptive-risk-go/internal/risk"
	"adaptive-risk-go/internal/threshold"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Persisted component names. Each is saved as its own document so a crash
// mid-cycle loses at most the components not yet written.
const (
	componentPenalty     = "penalty"
	componentThreshold   = "threshold"
	componentDrift       = "drift"
	componentRisk        = "risk"
	componentCalibration = "calibration"
)

// Event kinds published on the core's event stream.
const (
	EventDriftDetected  = "drift_detected"
	EventCycleCompleted = "cycle_completed"
	EventCooldownActive = "cooldown_active"
	EventStorageFailure = "storage_failure"
)

// Event is one observable occurrence inside the control loop, consumed by
// the monitoring surface.
type Event struct {
	Kind   string         `json:"kind"`
	Time   time.Time      `json:"time"`
	Detail map[string]any `json:"detail,omitempty"`
}

// BaselineSizer is the caller-supplied fallback used when sizing fails
// internally: it must return one currency amount per input signal.
type BaselineSizer func(signals []models.Signal, walletBalance float64) []float64

// Summary aggregates every component's monitoring view.
type Summary struct {
	Trades            int           `json:"trades"`
	TradesSinceCycle  int           `json:"trades_since_cycle"`
	LastCycleTime     time.Time     `json:"last_cycle_time"`
	CyclesRun         int64         `json:"cycles_run"`
	GlobalThreshold   float64       `json:"global_threshold"`
	Drift             drift.Summary `json:"drift"`
	CalibratorBuckets int           `json:"calibrator_buckets"`
	MaxKellyFraction  float64       `json:"max_kelly_fraction"`
	LastStorageError  string        `json:"last_storage_error,omitempty"`
}

// Core is the orchestrator and the only component the trading loop talks
// to. It fans incoming outcomes out to every tracker, schedules the
// background adaptation cycle through a queue-depth-one worker, and answers
// the filter and sizing queries on a lock-free read path.
type Core struct {
	cfg       models.CoreConfig
	retention models.RetentionConfig
	sessionID string

	store       *outcomestore.Store
	penalties   *penalty.Tracker
	calibrator  *calibration.Calibrator
	detector    *drift.Detector
	thresholds  *threshold.Controller
	optimizer   *risk.Optimizer
	repo        persistence.StateRepository

	// logMu serializes LogOutcome with itself; trades close sequentially in
	// practice but the API must not corrupt state under concurrent calls.
	logMu            sync.Mutex
	tradesSinceCycle int
	lastCycleTime    time.Time
	totalTrades      int64

	// cycleQueue is the bounded work queue consumed by the single
	// adaptation worker; cycleRunning makes a trigger observed while a
	// cycle is in flight a no-op rather than a queued re-run.
	cycleQueue   chan struct{}
	cycleRunning atomic.Bool
	cyclesRun    atomic.Int64

	stopChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	events         chan Event
	lastStorageErr atomic.Pointer[string]

	logger *zap.SugaredLogger
}

// NewCore wires explicitly constructed components together. No component is
// shared-mutable across the others except through the accessors Core calls.
func NewCore(
	cfg *models.Config,
	store *outcomestore.Store,
	penalties *penalty.Tracker,
	calibrator *calibration.Calibrator,
	detector *drift.Detector,
	thresholds *threshold.Controller,
	optimizer *risk.Optimizer,
	repo persistence.StateRepository,
	logger *zap.SugaredLogger,
) *Core {
	return &Core{
		cfg:           cfg.Core,
		retention:     cfg.Retention,
		sessionID:     cfg.SessionID,
		store:         store,
		penalties:     penalties,
		calibrator:    calibrator,
		detector:      detector,
		thresholds:    thresholds,
		optimizer:     optimizer,
		repo:          repo,
		lastCycleTime: time.Now(),
		cycleQueue:    make(chan struct{}, 1),
		stopChan:      make(chan struct{}),
		events:        make(chan Event, 64),
		logger:        logger,
	}
}

// Start restores persisted state and launches the adaptation worker.
func (c *Core) Start() {
	c.loadAll()
	c.wg.Add(1)
	go c.cycleWorker()
	c.logger.Info("adaptation core started")
}

// Stop shuts the worker down and saves every component a final time.
func (c *Core) Stop() {
	c.stopOnce.Do(func() {
		close(c.stopChan)
	})
	c.wg.Wait()
	c.saveAll()
	c.logger.Info("adaptation core stopped")
}

// Events exposes the bounded event stream. Slow consumers lose events;
// delivery is best-effort by design of the hot path.
func (c *Core) Events() <-chan Event {
	return c.events
}

// LogOutcome ingests one completed trade: it scores the penalty, appends to
// the outcome log, updates the EWMA/drift/daily-loss trackers and evaluates
// the cycle trigger. Everything completes, in order, before the call
// returns, so the next Filter/Size call observes the new state. Failures
// are absorbed: nothing here may halt the live trading loop.
func (c *Core) LogOutcome(o *models.TradeOutcome) {
	c.logMu.Lock()

	o.Normalize()
	if o.SessionID == models.UnknownID && c.sessionID != "" {
		o.SessionID = c.sessionID
	}

	score := c.penalties.Score(o)
	o.Penalty = score

	if _, err := c.store.Append(o); err != nil {
		// In-memory trackers keep serving; the failure is surfaced to the
		// operator-facing health signal instead of the caller.
		c.recordStorageError(err)
	}

	c.penalties.UpdateEWMA(o.Symbol, o.Cluster, score)
	fired := c.detector.Observe(o)
	c.optimizer.RecordOutcome(o.PnL)
	c.thresholds.IncrementTradeCount()

	c.tradesSinceCycle++
	c.totalTrades++
	trigger := c.tradesSinceCycle >= c.cfg.MinTradesForUpdate ||
		time.Since(c.lastCycleTime) >= c.updateInterval()

	c.logMu.Unlock()

	for _, metric := range fired {
		c.emit(Event{Kind: EventDriftDetected, Time: time.Now(),
			Detail: map[string]any{"metric": metric, "symbol": o.Symbol}})
	}

	if trigger {
		c.scheduleCycle()
	}
}

// Filter answers "should this candidate pass, and with what calibrated
// confidence". It reads only snapshot state and never blocks on a running
// adaptation cycle.
func (c *Core) Filter(signals []models.Signal) []models.Signal {
	adjust := c.detector.PrudentAdjustments()

	kept := make([]models.Signal, 0, len(signals))
	for _, sig := range signals {
		if sig.Cluster == "" {
			sig.Cluster = models.DefaultCluster
		}
		sig.CalibratedConfidence = c.calibrator.Calibrate(sig.RawConfidence, sig.Side, sig.Timeframe)

		if c.penalties.IsCoolingDown(sig.Symbol, sig.Cluster) {
			c.logger.Debugf("signal %s rejected: cooldown active", sig.Symbol)
			c.emit(Event{Kind: EventCooldownActive, Time: time.Now(),
				Detail: map[string]any{"symbol": sig.Symbol, "cluster": sig.Cluster}})
			continue
		}

		effective := c.thresholds.EffectiveThreshold(sig.Side, sig.Timeframe, sig.Cluster) + adjust.ThresholdBump
		if sig.CalibratedConfidence < effective {
			c.logger.Debugf("signal %s rejected: calibrated %.3f < threshold %.3f",
				sig.Symbol, sig.CalibratedConfidence, effective)
			continue
		}
		kept = append(kept, sig)
	}
	return kept
}

// SizeAll answers "how much capital should each signal get", one currency
// amount per input signal, order-preserving. On any internal failure the
// whole batch falls back to the caller-supplied baseline rather than
// partially failing; it never panics out, even on a zero wallet balance.
func (c *Core) SizeAll(signals []models.Signal, walletBalance float64, baseline BaselineSizer) (amounts []float64) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Errorf("sizing failed (%v); falling back to baseline for whole batch", r)
			if baseline != nil {
				amounts = baseline(signals, walletBalance)
			} else {
				amounts = make([]float64, len(signals))
			}
		}
	}()

	adjust := c.detector.PrudentAdjustments()

	amounts = make([]float64, len(signals))
	for i, sig := range signals {
		if sig.Cluster == "" {
			sig.Cluster = models.DefaultCluster
		}
		calibrated := sig.CalibratedConfidence
		if calibrated == 0 {
			calibrated = c.calibrator.Calibrate(sig.RawConfidence, sig.Side, sig.Timeframe)
		}

		bucket := models.Bucket{Symbol: sig.Symbol, Cluster: sig.Cluster, Timeframe: sig.Timeframe}
		fraction := c.optimizer.KellyFraction(calibrated, bucket, walletBalance)
		fraction *= adjust.KellyMultiplier
		// KellyFraction already enforces f_max; the dollar bounds are
		// re-applied after prudent-mode scaling so a shrunk position never
		// lands below the tradeable floor.
		fraction = c.optimizer.BoundPosition(fraction, walletBalance)
		amounts[i] = fraction * walletBalance
	}
	return amounts
}

// scheduleCycle enqueues one adaptation cycle. A trigger observed while a
// cycle is running is dropped, not queued; the queue itself holds at most
// one pending run.
func (c *Core) scheduleCycle() {
	if c.cycleRunning.Load() {
		return
	}
	select {
	case c.cycleQueue <- struct{}{}:
	default:
	}
}

// cycleWorker is the single consumer of the cycle queue, so ingestion never
// starts unmanaged concurrent work.
func (c *Core) cycleWorker() {
	defer c.wg.Done()
	for {
		select {
		case <-c.cycleQueue:
			c.runAdaptationCycle()
		case <-c.stopChan:
			return
		}
	}
}

// runAdaptationCycle is the one heavyweight operation. It holds no lock
// that would block Filter/SizeAll: each component publishes its own
// snapshot atomically when its update lands.
func (c *Core) runAdaptationCycle() {
	c.cycleRunning.Store(true)
	defer c.cycleRunning.Store(false)

	start := time.Now()

	clusterEWMA := c.penalties.ClusterEWMA()
	c.thresholds.Update(c.store, clusterEWMA)

	summary, err := c.calibrator.RecalibrateAll(c.store)
	if err != nil {
		c.logger.Warnf("cycle: recalibration failed: %v", err)
	}

	if err := c.optimizer.Refit(c.store); err != nil {
		c.logger.Warnf("cycle: risk refit failed: %v", err)
	}

	c.penalties.TickCooldowns()
	c.detector.DecrementPrudentMode()

	if removed, err := c.store.RetentionSweep(c.retention.MaxCount, c.retention.MaxAgeDays); err != nil {
		c.recordStorageError(err)
	} else if removed > 0 {
		c.logger.Infof("cycle: retention sweep removed %d outcomes", removed)
	}

	c.logMu.Lock()
	c.tradesSinceCycle = 0
	c.lastCycleTime = time.Now()
	c.logMu.Unlock()

	c.saveAll()
	c.cyclesRun.Add(1)

	c.logger.Infof("adaptation cycle completed in %s (global threshold %.3f, %d calibration buckets refit)",
		time.Since(start).Round(time.Millisecond), c.thresholds.Global(), summary.BucketsRefit)
	c.emit(Event{Kind: EventCycleCompleted, Time: time.Now(), Detail: map[string]any{
		"duration_ms":      time.Since(start).Milliseconds(),
		"global_threshold": c.thresholds.Global(),
		"buckets_refit":    summary.BucketsRefit,
	}})
}

// saveAll persists every component independently. A failure on one
// component does not stop the others; each failure feeds the health signal.
func (c *Core) saveAll() {
	saves := []struct {
		name  string
		state any
	}{
		{componentPenalty, c.penalties.Snapshot()},
		{componentThreshold, c.thresholds.Snapshot()},
		{componentDrift, c.detector.Snapshot()},
		{componentRisk, c.optimizer.Snapshot()},
		{componentCalibration, c.calibrator.Snapshot()},
	}
	for _, s := range saves {
		if err := c.repo.Save(s.name, s.state); err != nil {
			c.recordStorageError(err)
		}
	}
}

// loadAll restores every component from its snapshot. A missing or corrupt
// snapshot means fresh defaults, never a fatal startup error.
func (c *Core) loadAll() {
	var penaltyState models.PenaltySnapshot
	if ok := c.load(componentPenalty, &penaltyState); ok {
		c.penalties.Restore(penaltyState)
	}
	var thresholdState models.ThresholdSnapshot
	if ok := c.load(componentThreshold, &thresholdState); ok {
		c.thresholds.Restore(thresholdState)
	}
	var driftState models.DriftSnapshot
	if ok := c.load(componentDrift, &driftState); ok {
		c.detector.Restore(driftState)
	}
	var riskState models.RiskSnapshot
	if ok := c.load(componentRisk, &riskState); ok {
		c.optimizer.Restore(riskState)
	}
	var calibrationState models.CalibrationSnapshot
	if ok := c.load(componentCalibration, &calibrationState); ok {
		c.calibrator.Restore(calibrationState)
	}
}

func (c *Core) load(component string, out any) bool {
	ok, err := c.repo.Load(component, out)
	if err != nil {
		c.logger.Warnf("state for %s unreadable (%v); starting from defaults", component, err)
		return false
	}
	if ok {
		c.logger.Infof("restored %s state", component)
	}
	return ok
}

// Summary aggregates component monitoring views for the ops surface.
func (c *Core) Summary() Summary {
	c.logMu.Lock()
	trades := c.totalTrades
	sinceCycle := c.tradesSinceCycle
	lastCycle := c.lastCycleTime
	c.logMu.Unlock()

	s := Summary{
		Trades:            int(trades),
		TradesSinceCycle:  sinceCycle,
		LastCycleTime:     lastCycle,
		CyclesRun:         c.cyclesRun.Load(),
		GlobalThreshold:   c.thresholds.Global(),
		Drift:             c.detector.Summary(),
		CalibratorBuckets: c.calibrator.Info().BucketCount,
		MaxKellyFraction:  c.optimizer.MaxFraction(),
	}
	if msg := c.lastStorageErr.Load(); msg != nil {
		s.LastStorageError = *msg
	}
	return s
}

func (c *Core) recordStorageError(err error) {
	c.logger.Errorf("storage failure: %v", err)
	msg := err.Error()
	c.lastStorageErr.Store(&msg)
	c.emit(Event{Kind: EventStorageFailure, Time: time.Now(),
		Detail: map[string]any{"error": msg}})
}

// emit publishes an event without ever blocking the hot path.
func (c *Core) emit(e Event) {
	select {
	case c.events <- e:
	default:
	}
}

func (c *Core) updateInterval() time.Duration {
	hours := c.cfg.UpdateIntervalHours
	if hours <= 0 {
		hours = 12
	}
	return time.Duration(hours) * time.Hour
}
