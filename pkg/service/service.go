package service

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/cuemby/sentinel/pkg/events"
	"github.com/cuemby/sentinel/pkg/log"
	"github.com/cuemby/sentinel/pkg/shm"
	"github.com/cuemby/sentinel/pkg/watchdog"
)

// Stepper is the work a Service repeats once per iteration. Setup and
// Teardown are optional lifecycle hooks around the whole Serve call, run
// once each; a Stepper that doesn't need them simply doesn't implement
// them.
type Stepper interface {
	Step(ctx context.Context) error
}

// Setupper is an optional Stepper extension run once before the loop
// starts.
type Setupper interface {
	Setup(ctx context.Context) error
}

// Teardowner is an optional Stepper extension run once after the loop
// stops. The operate=false fake-serve path does not run it.
type Teardowner interface {
	Teardown(ctx context.Context) error
}

// Config configures a Service's scheduling, signal wiring and event
// naming.
type Config struct {
	// Name identifies the service; it is copied into Event.Service on
	// every emitted event.
	Name string

	// StepPeriod is the minimal period between the start of one step and
	// the next; a step that overruns it runs again immediately.
	StepPeriod time.Duration
	// LoopPeriod is the poll interval the scheduling loop sleeps for
	// between checks. Zero means sleep precisely until the next step is
	// due instead of polling at a fixed cadence.
	LoopPeriod time.Duration

	// Operate, when false, makes Serve a no-op that only waits for
	// SIGINT/SIGTERM to exit — the step loop never runs and no heartbeat
	// is ever generated. A non-inert Watchdog with Operate=false is
	// refused at construction (see New).
	Operate bool

	// SignalCell, if non-nil, is a cross-process cell another process
	// (typically the driver) writes a signal number into; the loop
	// drains and dispatches it once per iteration via SignumHandlers.
	SignalCell *shm.Int64Cell

	// SignumHandlers maps a signal number (as written into SignalCell)
	// to a handler run synchronously at the top of the next iteration.
	// SIGHUP and SIGUSR1 have defaults (no-op, log-level toggle) that
	// entries here override.
	SignumHandlers map[syscall.Signal]func()

	// Sender, if non-nil, receives up to three events per iteration:
	// step, step_error, and watchdog_error.
	Sender events.Sender

	// SubscribeSignals disables the OS-level SIGINT/SIGTERM/ignore-all
	// subscription when false, for embedding a Service inside a process
	// that manages its own signal handling.
	SubscribeSignals bool
}

// Service runs a Stepper under watchdog supervision, once per
// StepPeriod, until stopped.
type Service struct {
	cfg      Config
	stepper  Stepper
	watchdog watchdog.Watchdog

	launchID string
	pid      int

	iteration int64

	running      atomic.Bool
	nextStepDelta atomic.Int64 // nanoseconds; 0 means "no reschedule pending"
	hasDelta      atomic.Bool

	sigSubscribed bool
	mu            sync.Mutex
}

// New constructs a Service. A non-inert watchdog (anything but
// watchdog.None) combined with Operate=false is refused: a service that
// never steps can never refresh a heartbeat or lock, so such a watchdog
// would only ever report failure.
func New(stepper Stepper, wd watchdog.Watchdog, cfg Config) (*Service, error) {
	if wd == nil {
		wd = watchdog.NewNone()
	}
	if !cfg.Operate {
		if _, inert := wd.(*watchdog.None); !inert {
			return nil, fmt.Errorf("service: operate=false requires an inert watchdog, got %T", wd)
		}
	}
	if cfg.StepPeriod <= 0 {
		cfg.StepPeriod = time.Second
	}

	if cfg.Name == "" {
		cfg.Name = "service"
	}

	return &Service{
		cfg:     cfg,
		stepper: stepper,
		watchdog: wd,
	}, nil
}

// Stop requests the step loop to exit after its current iteration.
func (s *Service) Stop() {
	log.Logger.Info().Msg("service: stopping")
	s.running.Store(false)
}

// ScheduleNextStep arranges for the next iteration to start delta from
// now, overriding the normal step-period cadence for one cycle.
func (s *Service) ScheduleNextStep(delta time.Duration) {
	log.Logger.Info().Dur("delta", delta).Msg("service: rescheduling next step")
	s.nextStepDelta.Store(int64(delta))
	s.hasDelta.Store(true)
}

// Serve runs the service until Stop is called or ctx is cancelled. When
// Operate is false it instead blocks until SIGINT/SIGTERM (only with
// SubscribeSignals) or ctx cancellation (the fake-serve path: "operate=false" means "don't actually run", used to dry-
// run unit configuration without ever stepping).
func (s *Service) Serve(ctx context.Context) error {
	if !s.cfg.Operate {
		return s.serveFake(ctx)
	}
	return s.serveOperational(ctx)
}

func (s *Service) serveFake(ctx context.Context) error {
	log.Logger.Info().Msg("service: serving is not started, operate is not enabled")
	if s.cfg.SubscribeSignals {
		stop := make(chan os.Signal, 1)
		signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
		defer signal.Stop(stop)
		select {
		case <-stop:
		case <-ctx.Done():
		}
		return nil
	}
	<-ctx.Done()
	return nil
}

func (s *Service) serveOperational(ctx context.Context) (err error) {
	log.Logger.Info().Msg("service: preparing to serve")
	if err = s.setup(ctx); err != nil {
		return err
	}

	var stopSignals chan os.Signal
	if s.cfg.SubscribeSignals {
		stopSignals = s.subscribeSignals()
		defer signal.Stop(stopSignals)
	}

	defer func() {
		log.Logger.Info().Msg("service: tearing down")
		s.teardown(ctx)
	}()

	log.Logger.Info().Msg("service: serving")
	s.loop(ctx, stopSignals)
	log.Logger.Info().Msg("service: finished serving normally")
	return nil
}

// subscribeSignals installs the SIGINT/SIGTERM-to-stop handler and
// ignores every other catchable signal except SIGCHLD, mirroring
// AbstractService._subscribe_signals's "ignore everything not
// explicitly handled" table. SIGKILL/SIGSTOP are never delivered to a Go
// process at all, so no corresponding entry exists.
func (s *Service) subscribeSignals() chan os.Signal {
	s.mu.Lock()
	if s.sigSubscribed {
		s.mu.Unlock()
		panic("service: already subscribed signals")
	}
	s.sigSubscribed = true
	s.mu.Unlock()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	ignore := make(chan os.Signal, 1)
	ignoreSigs := ignorableSignals()
	ignoreOS := make([]os.Signal, len(ignoreSigs))
	for i, sig := range ignoreSigs {
		ignoreOS[i] = sig
	}
	signal.Notify(ignore, ignoreOS...)
	go func() {
		for range ignore {
		}
	}()

	log.Logger.Info().Msg("service: subscribed signals: SIGINT/SIGTERM -> stop, SIGCHLD default, rest ignored")
	return stop
}

func (s *Service) setup(ctx context.Context) error {
	s.launchID = uuid.NewString()
	s.pid = os.Getpid()
	setPdeathsig()
	if setupper, ok := s.stepper.(Setupper); ok {
		return setupper.Setup(ctx)
	}
	return nil
}

func (s *Service) teardown(ctx context.Context) {
	if teardowner, ok := s.stepper.(Teardowner); ok {
		if err := teardowner.Teardown(ctx); err != nil {
			log.Logger.Error().Err(err).Msg("service: stepper teardown failed")
		}
	}
	if err := s.watchdog.Teardown(); err != nil {
		log.Logger.Error().Err(err).Msg("service: watchdog teardown failed")
	}
	s.launchID = ""
	s.pid = 0
	log.Logger.Info().Msg("service: has been stopped")
}

// loop runs loopStep whenever due, honours a pending one-shot
// reschedule, then sleeps either precisely until the next due time
// (LoopPeriod==0) or for the fixed LoopPeriod.
func (s *Service) loop(ctx context.Context, stopSignals chan os.Signal) {
	s.running.Store(true)
	var nextStepTime time.Time

	for s.running.Load() {
		select {
		case <-ctx.Done():
			return
		case sig, ok := <-stopSignalChan(stopSignals):
			if ok && sig != nil {
				s.Stop()
				continue
			}
		default:
		}

		now := time.Now()
		if !now.Before(nextStepTime) {
			nextStepTime = now.Add(s.cfg.StepPeriod)
			s.loopStep(ctx)
		}

		if s.hasDelta.Load() {
			delta := time.Duration(s.nextStepDelta.Load())
			nextStepTime = time.Now().Add(delta)
			s.hasDelta.Store(false)
		}

		if !s.running.Load() {
			return
		}

		if s.cfg.LoopPeriod == 0 {
			sleep := time.Until(nextStepTime)
			if sleep > 0 {
				sleepOrDone(ctx, sleep)
			}
		} else {
			sleepOrDone(ctx, s.cfg.LoopPeriod)
		}
	}
}

func stopSignalChan(ch chan os.Signal) chan os.Signal {
	if ch == nil {
		return nil
	}
	return ch
}

func sleepOrDone(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
	}
}

// stepInfo mirrors _make_step_info: the fixed fields every emitted event
// for this iteration shares.
type stepInfo struct {
	iteration int64
	pid       int
	launchID  string
	start     time.Time
	end       time.Time
	skipped   bool
}

// loopStep runs one iteration's seven-step sequence:
//  1. dispatch any pending cross-process signal
//  2. measure start/end around the watchdog-bracketed step
//  3. Watchdog.Enter
//  4. run the Stepper, recording any error without letting it escape the
//     measured block
//  5. Watchdog.Exit, then GenerateHeartbeat on a fully successful
//     iteration
//  6. classify any failure as a step error, a watchdog error, or both,
//     logging and (for non-minor watchdog errors) never heartbeating
//  7. emit up to three events and increment the iteration counter
func (s *Service) loopStep(ctx context.Context) {
	iteration := s.iteration
	info := stepInfo{iteration: iteration, pid: s.pid, launchID: s.launchID, skipped: true}

	s.dispatchSignal()
	log.Logger.Debug().Int64("iteration", iteration).Msg("service: starting iteration")

	var stepErr error
	var wdErr error
	var wdMinor bool

	info.start = time.Now()
	if enterErr := s.watchdog.Enter(ctx); enterErr != nil {
		wdErr = enterErr
		wdMinor = isMinor(enterErr)
	} else {
		info.skipped = false
		stepErr = s.runStep(ctx)

		if exitErr := s.watchdog.Exit(); exitErr != nil {
			if stepErr == nil || !errors.Is(exitErr, stepErr) {
				wdErr = exitErr
				wdMinor = isMinor(exitErr)
			}
		}
	}
	info.end = time.Now()

	if wdErr == nil && stepErr == nil {
		log.Logger.Debug().Int64("iteration", iteration).Dur("duration", info.end.Sub(info.start)).
			Msg("service: finished iteration")
		if err := s.watchdog.GenerateHeartbeat(); err != nil {
			log.Logger.Debug().Err(err).Msg("service: heartbeat generation failed")
		}
	} else if wdErr != nil {
		if wdMinor {
			log.Logger.Debug().Int64("iteration", iteration).Err(wdErr).
				Msg("service: ignoring minor watchdog error")
			if err := s.watchdog.GenerateHeartbeat(); err != nil {
				log.Logger.Debug().Err(err).Msg("service: heartbeat generation failed")
			}
		} else {
			log.Logger.Error().Int64("iteration", iteration).Err(wdErr).
				Msg("service: unexpected watchdog exception within iteration")
		}
	}
	if stepErr != nil {
		log.Logger.Error().Int64("iteration", iteration).Err(stepErr).
			Msg("service: unexpected step error during iteration")
	}

	s.emitEvents(info, stepErr, wdErr, wdMinor)
	s.iteration++
}

func (s *Service) runStep(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("service: step panicked: %v", r)
		}
	}()
	return s.stepper.Step(ctx)
}

func isMinor(err error) bool {
	var wdErr *watchdog.Error
	return errors.As(err, &wdErr) && wdErr.Severity == watchdog.SeverityMinor
}

func (s *Service) emitEvents(info stepInfo, stepErr, wdErr error, wdMinor bool) {
	if s.cfg.Sender == nil {
		return
	}
	base := events.Event{
		Type:       events.EventStep,
		Iteration:  info.iteration,
		Service:    s.cfg.Name,
		PID:        info.pid,
		LaunchID:   info.launchID,
		StepPeriod: s.cfg.StepPeriod,
		Start:      info.start,
		End:        info.end,
		Duration:   info.end.Sub(info.start),
		Skipped:    info.skipped,
		Traceback:  stepErr != nil || wdErr != nil,
	}
	s.cfg.Sender.Send(base)

	if stepErr != nil {
		errEvent := base
		errEvent.Type = events.EventStepError
		errEvent.ErrorType = fmt.Sprintf("%T", stepErr)
		errEvent.Error = stepErr.Error()
		s.cfg.Sender.Send(errEvent)
	}

	if wdErr != nil {
		wdEvent := base
		wdEvent.Type = events.EventWatchdogError
		wdEvent.ErrorType = fmt.Sprintf("%T", wdErr)
		wdEvent.Error = wdErr.Error()
		wdEvent.Minor = wdMinor
		s.cfg.Sender.Send(wdEvent)
	}
}

// dispatchSignal drains the cross-process signal cell and runs the
// matching handler, resetting the cell to zero. SIGHUP defaults to a
// no-op; SIGUSR1 defaults to toggling the debug log level — both
// overridable via Config.SignumHandlers.
func (s *Service) dispatchSignal() {
	if s.cfg.SignalCell == nil {
		return
	}
	v, err := s.cfg.SignalCell.Load()
	if err != nil || v == 0 {
		return
	}
	sig := syscall.Signal(v)

	if handler, ok := s.cfg.SignumHandlers[sig]; ok {
		handler()
	} else {
		switch sig {
		case syscall.SIGHUP:
			onSighup()
		case syscall.SIGUSR1:
			log.ToggleDebug()
		}
	}

	if err := s.cfg.SignalCell.Store(0); err != nil {
		log.Logger.Warn().Err(err).Msg("service: failed to clear signal cell")
	}
}

func onSighup() {}

// setPdeathsig arranges for this process to receive SIGKILL if its
// parent dies first. Defined per platform in pdeathsig_linux.go /
// pdeathsig_other.go; it is a silent no-op on platforms without
// prctl(PR_SET_PDEATHSIG) support.
