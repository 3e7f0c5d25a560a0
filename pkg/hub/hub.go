package hub

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cuemby/sentinel/pkg/controller"
	"github.com/cuemby/sentinel/pkg/errs"
	"github.com/cuemby/sentinel/pkg/events"
	"github.com/cuemby/sentinel/pkg/log"
	"github.com/cuemby/sentinel/pkg/metrics"
	"github.com/cuemby/sentinel/pkg/service"
	"github.com/cuemby/sentinel/pkg/types"
	"github.com/cuemby/sentinel/pkg/watchdog"
)

// Driver is the subset of ProcessDriver the Hub needs: everything a
// Controller needs (controller.Driver), plus unit lifecycle and bulk
// shutdown.
type Driver interface {
	controller.Driver
	AddService(targetUUID uuid.UUID, factory types.ProcessFactory, wd watchdog.Watchdog) error
	RemoveService(targetUUID uuid.UUID) error
	StopAllServices() error
	WaitAllServices(timeout time.Duration) error
}

// WatchdogFactory builds the watchdog a newly added unit's worker will
// be supervised by. A nil factory makes AddService attach an inert
// watchdog.NewNone() to every unit, matching a driver with no liveness
// requirement.
type WatchdogFactory func(unitUUID uuid.UUID) (watchdog.Watchdog, error)

// Config configures the Hub's own service loop: the cadence it drives
// the Driver at, and how each unit's watchdog is constructed.
type Config struct {
	// StepPeriod is how often the controller runs one reconciliation
	// pass.
	StepPeriod time.Duration
	// LoopPeriod is the Hub's own scheduling poll interval; zero wakes
	// precisely at the next step, matching service.Config.LoopPeriod.
	LoopPeriod time.Duration
	// NewWatchdog constructs the per-unit watchdog AddService attaches
	// to a freshly registered unit.
	NewWatchdog WatchdogFactory
	// WaitTimeout bounds driver.WaitAllServices during teardown; zero
	// means unbounded.
	WaitTimeout time.Duration
	// SubscribeSignals, when true, has the Hub's own service loop stop
	// on SIGINT/SIGTERM. The zero value (false) leaves signals alone.
	SubscribeSignals bool
	// Sender, if non-nil, receives the Hub's own step/step_error events
	// (e.g. a pkg/journal.Journal), distinct from any per-unit worker's
	// own event wiring.
	Sender events.Sender
}

// Hub holds the declared set of Units and drives driver towards their
// target states via controller, once per StepPeriod.
type Hub struct {
	mu          sync.Mutex
	units       map[uuid.UUID]*types.Unit
	driver      Driver
	controller  controller.Controller
	newWatchdog WatchdogFactory
	waitTimeout time.Duration

	svc      *service.Service
	fatalErr error
}

// New constructs a Hub. wd is the watchdog the Hub's own service loop
// is supervised by (pass watchdog.NewNone() if the Hub itself is not
// run under another supervisor's liveness check).
func New(driver Driver, ctrl controller.Controller, cfg Config, wd watchdog.Watchdog) (*Hub, error) {
	if cfg.StepPeriod <= 0 {
		cfg.StepPeriod = time.Second
	}

	h := &Hub{
		units:       make(map[uuid.UUID]*types.Unit),
		driver:      driver,
		controller:  ctrl,
		newWatchdog: cfg.NewWatchdog,
		waitTimeout: cfg.WaitTimeout,
	}

	svc, err := service.New(h, wd, service.Config{
		Name:             "hub",
		StepPeriod:       cfg.StepPeriod,
		LoopPeriod:       cfg.LoopPeriod,
		Operate:          true,
		SubscribeSignals: cfg.SubscribeSignals,
		Sender:           cfg.Sender,
	})
	if err != nil {
		return nil, fmt.Errorf("hub: %w", err)
	}
	h.svc = svc
	return h, nil
}

// Serve runs the Hub's controller loop until Stop is called, ctx is
// cancelled, or the controller raises something other than StopHub —
// which stops the Hub and is re-raised here to the caller.
func (h *Hub) Serve(ctx context.Context) error {
	if err := h.svc.Serve(ctx); err != nil {
		return err
	}
	h.mu.Lock()
	fatal := h.fatalErr
	h.mu.Unlock()
	return fatal
}

// Stop requests a clean shutdown: controller.Stop(driver), then the
// Hub's own loop. The remaining two steps (StopAllServices/
// WaitAllServices) run in Teardown, invoked unconditionally by the
// embedded service as it exits.
func (h *Hub) Stop() {
	log.Logger.Info().Msg("hub: stopping")
	h.controller.Stop(h.driver)
	h.svc.Stop()
}

// Step implements service.Stepper: one controller pass over every
// declared unit's target state.
func (h *Hub) Step(ctx context.Context) error {
	timer := metrics.NewTimer()
	targets := h.GetTargetStates()
	err := h.controller.Manage(targets, h.driver)
	timer.ObserveDuration(metrics.ReconciliationDuration)
	metrics.ReconciliationCyclesTotal.Inc()
	h.recordStateMetrics(targets)

	if err == nil {
		return nil
	}

	var stopHub *errs.StopHub
	if errors.As(err, &stopHub) {
		log.Logger.Info().Str("reason", stopHub.Reason).Msg("hub: controller requested a clean stop")
		h.controller.Stop(h.driver)
		h.svc.Stop()
		return nil
	}

	log.Logger.Error().Err(err).Msg("hub: controller failed, stopping hub")
	h.controller.Stop(h.driver)
	h.mu.Lock()
	h.fatalErr = err
	h.mu.Unlock()
	h.svc.Stop()
	return err
}

// Teardown implements service.Teardowner: the last two steps of the
// teardown order, run unconditionally as the embedded service exits.
func (h *Hub) Teardown(ctx context.Context) error {
	if err := h.driver.StopAllServices(); err != nil {
		log.Logger.Warn().Err(err).Msg("hub: stop-all-services failed")
	}
	if err := h.driver.WaitAllServices(h.waitTimeout); err != nil {
		log.Logger.Warn().Err(err).Msg("hub: wait-all-services failed")
		return err
	}
	return nil
}

func (h *Hub) recordStateMetrics(targets map[uuid.UUID]types.State) {
	counts := map[types.State]float64{}
	for _, s := range targets {
		counts[s]++
	}
	for _, s := range []types.State{types.StateInitial, types.StateRunning, types.StateStopped, types.StateFailed, types.StateNumb} {
		metrics.UnitsTotal.WithLabelValues(string(s)).Set(counts[s])
	}

	observed := h.driver.GetStates()
	obsCounts := map[types.State]float64{}
	for _, s := range observed {
		obsCounts[s]++
	}
	for _, s := range []types.State{types.StateInitial, types.StateRunning, types.StateStopped, types.StateFailed, types.StateNumb} {
		metrics.ObservedStatesTotal.WithLabelValues(string(s)).Set(obsCounts[s])
	}
}

// AddUnit registers a declared-desired record. It does not touch the
// driver; use AddService to register both the Unit and its backing
// process in one call.
func (h *Hub) AddUnit(u types.Unit) (types.Unit, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	id := u.UUID()
	if _, exists := h.units[id]; exists {
		return types.Unit{}, &errs.UnitExists{UnitUUID: id}
	}
	stored := u
	h.units[id] = &stored
	log.Logger.Info().Str("unit", id.String()).Msg("hub: added unit")
	return stored, nil
}

// UpdateUnit mutates only a unit's target state; a mismatched factory
// is a caller error, since a Unit's factory is immutable after
// registration.
func (h *Hub) UpdateUnit(u types.Unit) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	existing, ok := h.units[u.UUID()]
	if !ok {
		return &errs.UnitNotFound{UnitUUID: u.UUID()}
	}
	if !existing.Factory().Equal(u.Factory()) {
		return fmt.Errorf("hub: update_unit %s: factory is immutable after registration", u.UUID())
	}
	existing.SetState(u.State())
	log.Logger.Debug().Str("unit", u.UUID().String()).Str("state", string(u.State())).
		Msg("hub: updated unit target state")
	return nil
}

// RemoveUnit stops and joins the unit's process via the driver, then
// forgets the declared record.
func (h *Hub) RemoveUnit(unitUUID uuid.UUID) error {
	h.mu.Lock()
	_, ok := h.units[unitUUID]
	h.mu.Unlock()
	if !ok {
		return &errs.UnitNotFound{UnitUUID: unitUUID}
	}

	log.Logger.Info().Str("unit", unitUUID.String()).Msg("hub: removing unit")
	if err := h.driver.RemoveService(unitUUID); err != nil {
		return err
	}

	h.mu.Lock()
	delete(h.units, unitUUID)
	h.mu.Unlock()
	return nil
}

// AddService registers both a driver-side process record and a
// Hub-side declared Unit in one call, wiring a freshly built watchdog
// between them. An empty state defaults to StateRunning, mirroring
// add_service(svc_class, svc_kwargs, state=RUNNING).
func (h *Hub) AddService(factory types.ProcessFactory, state types.State) (types.Unit, error) {
	if state == "" {
		state = types.StateRunning
	}

	unitUUID := uuid.New()
	wd, err := h.buildWatchdog(unitUUID)
	if err != nil {
		return types.Unit{}, err
	}
	if err := h.driver.AddService(unitUUID, factory, wd); err != nil {
		return types.Unit{}, err
	}

	u := types.NewUnit(factory, state, unitUUID)
	if _, err := h.AddUnit(u); err != nil {
		_ = h.driver.RemoveService(unitUUID)
		return types.Unit{}, err
	}
	return u, nil
}

func (h *Hub) buildWatchdog(id uuid.UUID) (watchdog.Watchdog, error) {
	if h.newWatchdog == nil {
		return watchdog.NewNone(), nil
	}
	wd, err := h.newWatchdog(id)
	if err != nil {
		return nil, fmt.Errorf("hub: build watchdog for %s: %w", id, err)
	}
	return wd, nil
}

// GetTargetStates returns every declared unit's current target state.
// At steady state its key set matches driver.GetStates'.
func (h *Hub) GetTargetStates() map[uuid.UUID]types.State {
	h.mu.Lock()
	defer h.mu.Unlock()

	out := make(map[uuid.UUID]types.State, len(h.units))
	for id, u := range h.units {
		out[id] = u.State()
	}
	return out
}

// Units returns a snapshot of every declared unit.
func (h *Hub) Units() []types.Unit {
	h.mu.Lock()
	defer h.mu.Unlock()

	out := make([]types.Unit, 0, len(h.units))
	for _, u := range h.units {
		out = append(out, *u)
	}
	return out
}
