// Package control owns the deterministic tick loop: it samples inputs
// through the Adapter, runs the state machine, applies any decision, and
// persists a UI snapshot for the dashboard to read.
package control

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/arrbs/evsemanager/internal/adapter"
	"github.com/arrbs/evsemanager/internal/fsm"
	"github.com/arrbs/evsemanager/internal/steptable"
)

// historyLimit bounds the in-memory energy history ring kept for the UI
// graph.
const historyLimit = 180

// staleAfter is how long PV and inverter readings may be absent before the
// UI snapshot surfaces a sensor_stale limiting factor. The FSM itself never
// waits on this; an absent reading already falls through to hold/no-decision
// every tick. This is purely a presentation signal, tracked inline in the
// tick loop rather than a separate watchdog goroutine.
const staleAfter = 60 * time.Second

// energySample is one point on the UI's history graph.
type energySample struct {
	TS        string   `json:"ts"`
	Available *float64 `json:"available"`
	PV        *float64 `json:"pv"`
	Load      *float64 `json:"load"`
	Current   float64  `json:"current"`
	Target    float64  `json:"target"`
}

// snapshot is the full UI state document written atomically every tick.
type snapshot struct {
	Mode               string          `json:"mode"`
	Status             string          `json:"status"`
	ModeState          string          `json:"mode_state"`
	Region             string          `json:"region"`
	ChargerStatus      string          `json:"charger_status"`
	CurrentAmps        int             `json:"current_amps"`
	TargetCurrent      int             `json:"target_current"`
	AvailablePower     *float64        `json:"available_power"`
	UIAvailableForEV   *float64        `json:"ui_available_for_ev"`
	UIPvDisplay        *float64        `json:"ui_pv_display"`
	ChargingPower      float64         `json:"charging_power"`
	InverterPower      *float64        `json:"inverter_power"`
	PvPowerW           *float64        `json:"pv_power_w"`
	Battery            *batteryPayload `json:"battery"`
	BatteryPrioritySoc float64         `json:"battery_priority_soc"`
	LimitingFactors    []string        `json:"limiting_factors"`
	AutoState          string          `json:"auto_state"`
	AutoStateLabel     string          `json:"auto_state_label"`
	AutoStateHelp      string          `json:"auto_state_help"`
	EnergyMap          energyMap       `json:"energy_map"`
}

type batteryPayload struct {
	SOC       *float64 `json:"soc"`
	Power     *float64 `json:"power"`
	Direction string   `json:"direction"`
}

type stepWatts struct {
	Amps  int     `json:"amps"`
	Watts float64 `json:"watts"`
}

type energyMap struct {
	History         []energySample `json:"history"`
	EvseSteps       []stepWatts    `json:"evse_steps"`
	CurrentWatts    float64        `json:"current_watts"`
	TargetWatts     float64        `json:"target_watts"`
	AvailablePower  *float64       `json:"available_power"`
	InverterLimit   float64        `json:"inverter_limit"`
	BatteryGuardSoc float64        `json:"battery_guard_soc"`
}

// Service owns the tick loop, the energy history ring, and the UI snapshot
// file.
type Service struct {
	machine      *fsm.StateMachine
	adapter      *adapter.Adapter
	steps        *steptable.Table
	config       fsm.Config
	tickInterval time.Duration
	snapshotPath string
	logger       *logrus.Logger

	mutex       sync.Mutex
	history     []energySample
	lastFreshAt time.Time
}

// New constructs a Service ready to run. It performs the startup sync with
// any pre-existing charging session before returning.
func New(machine *fsm.StateMachine, ad *adapter.Adapter, steps *steptable.Table, cfg fsm.Config, tickSeconds float64, snapshotPath string, logger *logrus.Logger) *Service {
	if logger == nil {
		logger = logrus.New()
	}
	tickSeconds = math.Max(1.0, math.Min(2.0, tickSeconds))
	svc := &Service{
		machine:      machine,
		adapter:      ad,
		steps:        steps,
		config:       cfg,
		tickInterval: time.Duration(tickSeconds * float64(time.Second)),
		snapshotPath: snapshotPath,
		logger:       logger,
		lastFreshAt:  time.Now(),
	}

	startupInputs := ad.ReadInputs(monotonicSeconds())
	machine.SyncWithCharger(startupInputs)
	if st := machine.State(); st.EvseStepIndex > 0 {
		logger.Infof("detected existing charging session: %dA (step %d), taking ownership",
			steps.AmpsAt(st.EvseStepIndex), st.EvseStepIndex)
	}
	return svc
}

// Run drives the tick loop until stop is closed. Ticks start tickSeconds
// apart, or later when a tick itself takes longer than that; a slow tick is
// followed at once by the next one, with no attempt to make up lost time.
func (s *Service) Run(stop <-chan struct{}) {
	for {
		tickStart := time.Now()
		s.runTick(monotonicSeconds())

		select {
		case <-stop:
			return
		default:
		}

		elapsed := time.Since(tickStart)
		sleep := s.tickInterval - elapsed
		if sleep < 0 {
			sleep = 0
		}
		select {
		case <-stop:
			return
		case <-time.After(sleep):
		}
	}
}

func (s *Service) runTick(nowS float64) {
	prevState := s.machine.State()
	inputs := s.adapter.ReadInputs(nowS)

	decision, derived := s.machine.Tick(inputs)
	newState := s.machine.State()

	switch {
	case decision != nil:
		s.logTransition(prevState, newState, *decision, inputs)
		s.adapter.ApplyDecision(*decision)
	case prevState.EvseStepIndex != newState.EvseStepIndex:
		s.logger.Infof("synchronized with external change: %dA->%dA (step %d->%d)",
			s.steps.AmpsAt(prevState.EvseStepIndex), s.steps.AmpsAt(newState.EvseStepIndex),
			prevState.EvseStepIndex, newState.EvseStepIndex)
	default:
		s.logConservativeHold(newState, inputs, derived)
	}

	s.persistSnapshot(inputs, derived, decision, newState)
}

func (s *Service) logTransition(prev, next fsm.State, decision fsm.Decision, in fsm.Inputs) {
	soc := 0.0
	if in.BattSocPercent != nil {
		soc = *in.BattSocPercent
	}
	s.logger.Infof("fsm %s->%s | %dA->%dA | reason=%s | soc=%.2f%% | inv=%v",
		prev.ModeState, next.ModeState,
		s.steps.AmpsAt(prev.EvseStepIndex), s.steps.AmpsAt(next.EvseStepIndex),
		decision.Reason, soc, in.InverterPowerW)
}

func (s *Service) logConservativeHold(state fsm.State, in fsm.Inputs, derived fsm.Derived) {
	if state.EvseStepIndex == 0 || in.BattSocPercent == nil || in.BattPowerW == nil {
		return
	}
	if *in.BattSocPercent >= s.config.SocConservativeBelow || *in.BattPowerW <= s.config.ConservativeDischargeThresholdW {
		return
	}
	s.logger.Debugf("conservative mode: soc=%.1f%%, batt_discharge=%.0fW, excess=%v, no decision",
		*in.BattSocPercent, *in.BattPowerW, derived.ExcessW)
}

func (s *Service) persistSnapshot(in fsm.Inputs, derived fsm.Derived, decision *fsm.Decision, state fsm.State) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if in.PvPowerW != nil || in.InverterPowerW != nil {
		s.lastFreshAt = time.Now()
	}
	sensorStale := time.Since(s.lastFreshAt) > staleAfter

	currentAmps := s.steps.AmpsAt(state.EvseStepIndex)
	targetAmps := currentAmps
	if decision != nil && decision.CurrentCommandAmps != nil {
		targetAmps = *decision.CurrentCommandAmps
	}
	currentWatts := float64(currentAmps) * s.config.LineVoltageV
	targetWatts := float64(targetAmps) * s.config.LineVoltageV

	available := s.availablePower(in, derived)
	uiAvailableForEv := s.uiAvailableForEV(in, currentWatts, derived.Region)

	s.appendHistory(energySample{
		TS:        time.Now().UTC().Format(time.RFC3339),
		Available: uiAvailableForEv,
		PV:        in.PvPowerW,
		Load:      in.InverterPowerW,
		Current:   currentWatts,
		Target:    targetWatts,
	})

	status := "idle"
	if currentAmps > 0 {
		status = "active"
	}

	snap := snapshot{
		Mode:               "auto",
		Status:             status,
		ModeState:          state.ModeState.String(),
		Region:             derived.Region.String(),
		ChargerStatus:      string(in.ChargerStatus),
		CurrentAmps:        currentAmps,
		TargetCurrent:      targetAmps,
		AvailablePower:     available,
		UIAvailableForEV:   uiAvailableForEv,
		UIPvDisplay:        in.PvPowerW,
		ChargingPower:      currentWatts,
		InverterPower:      in.InverterPowerW,
		PvPowerW:           in.PvPowerW,
		Battery:            s.batteryPayload(in),
		BatteryPrioritySoc: s.config.SocMainMax,
		LimitingFactors:    s.limitingFactors(in, derived, sensorStale),
		AutoState:          s.autoState(state.EvseStepIndex, in, derived),
		AutoStateLabel:     autoStateLabel(s.autoState(state.EvseStepIndex, in, derived)),
		AutoStateHelp:      autoStateHelp(s.autoState(state.EvseStepIndex, in, derived)),
		EnergyMap:          s.energyMap(currentWatts, targetWatts, available),
	}

	if err := writeAtomic(s.snapshotPath, snap); err != nil {
		s.logger.Warnf("unable to write UI snapshot: %v", err)
	}
}

func (s *Service) batteryPayload(in fsm.Inputs) *batteryPayload {
	if in.BattSocPercent == nil && in.BattPowerW == nil {
		return nil
	}
	direction := "idle"
	if in.BattPowerW != nil {
		switch {
		case *in.BattPowerW > 50:
			direction = "discharging"
		case *in.BattPowerW < -50:
			direction = "charging"
		}
	}
	return &batteryPayload{SOC: in.BattSocPercent, Power: in.BattPowerW, Direction: direction}
}

func (s *Service) availablePower(in fsm.Inputs, derived fsm.Derived) *float64 {
	if derived.Region == fsm.RegionMain {
		return derived.ExcessW
	}
	if in.BattPowerW == nil {
		return nil
	}
	if *in.BattPowerW <= 0 {
		v := math.Abs(*in.BattPowerW)
		return &v
	}
	if *in.BattPowerW <= s.config.ProbeMaxDischargeW {
		zero := 0.0
		return &zero
	}
	return nil
}

// uiAvailableForEV computes the human-facing "available for EV" figure,
// which differs from the FSM's own excess_w: PV minus (inverter minus the
// EVSE's own current draw). PROBE region has no meaningful number here, so
// the UI shows "Probing" instead by receiving nil.
func (s *Service) uiAvailableForEV(in fsm.Inputs, currentEvseWatts float64, region fsm.Region) *float64 {
	if region == fsm.RegionProbe {
		return nil
	}
	if in.PvPowerW == nil || in.InverterPowerW == nil {
		return nil
	}
	available := *in.PvPowerW - (*in.InverterPowerW - currentEvseWatts)
	return &available
}

func (s *Service) appendHistory(sample energySample) {
	s.history = append(s.history, sample)
	if len(s.history) > historyLimit {
		s.history = s.history[len(s.history)-historyLimit:]
	}
}

func (s *Service) energyMap(currentWatts, targetWatts float64, available *float64) energyMap {
	amps := s.steps.Amps()
	steps := make([]stepWatts, len(amps))
	for i, a := range amps {
		steps[i] = stepWatts{Amps: a, Watts: float64(a) * s.config.LineVoltageV}
	}
	historyCopy := make([]energySample, len(s.history))
	copy(historyCopy, s.history)
	return energyMap{
		History:         historyCopy,
		EvseSteps:       steps,
		CurrentWatts:    currentWatts,
		TargetWatts:     targetWatts,
		AvailablePower:  available,
		InverterLimit:   s.config.InverterLimitW,
		BatteryGuardSoc: s.config.SocMainMax,
	}
}

func (s *Service) limitingFactors(in fsm.Inputs, derived fsm.Derived, sensorStale bool) []string {
	var factors []string
	if !derived.EvPlugged {
		factors = append(factors, "car_unplugged")
	}
	if !in.AutoEnabled {
		factors = append(factors, "auto_disabled")
	}
	if derived.InverterOverLimit {
		factors = append(factors, "inverter_limit")
	}
	if derived.WaitingTimedOut {
		factors = append(factors, "vehicle_waiting")
	}
	if sensorStale {
		factors = append(factors, "sensor_stale")
	}
	return factors
}

func (s *Service) autoState(stepIndex int, in fsm.Inputs, derived fsm.Derived) string {
	switch {
	case stepIndex > 0:
		return "charging"
	case !derived.EvPlugged:
		return "waiting_for_vehicle"
	case !in.AutoEnabled:
		return "auto_disabled"
	default:
		return "idle"
	}
}

func autoStateLabel(state string) string {
	switch state {
	case "charging":
		return "Charging"
	case "waiting_for_vehicle":
		return "Waiting for vehicle"
	case "auto_disabled":
		return "Auto disabled"
	default:
		return "Idle"
	}
}

func autoStateHelp(state string) string {
	switch state {
	case "charging":
		return "EVSE drawing solar-limited current."
	case "waiting_for_vehicle":
		return "Plug a vehicle into the charger to resume control."
	case "auto_disabled":
		return "Auto-enable boolean is off; controller is holding the EVSE."
	default:
		return "Controller is monitoring sensors for solar headroom."
	}
}

// writeAtomic marshals v and writes it to path via a temp file plus rename,
// so a concurrent reader (the dashboard) never observes a partial write.
func writeAtomic(path string, v any) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating snapshot directory: %w", err)
	}
	body, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encoding snapshot: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".snapshot-*.tmp")
	if err != nil {
		return fmt.Errorf("creating temp snapshot file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(body); err != nil {
		tmp.Close()
		return fmt.Errorf("writing temp snapshot file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing temp snapshot file: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("renaming snapshot into place: %w", err)
	}
	return nil
}

var startMono = time.Now()

// monotonicSeconds returns a process-monotonic clock reading, the Go
// equivalent of Python's time.monotonic() that Inputs.NowS is built from.
func monotonicSeconds() float64 {
	return time.Since(startMono).Seconds()
}
