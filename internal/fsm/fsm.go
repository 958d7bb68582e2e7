package fsm

import (
	"math"

	"github.com/arrbs/evsemanager/internal/steptable"
	"github.com/sirupsen/logrus"
)

// resyncToleranceA is the largest commanded-amps discrepancy that is
// tolerated; only a larger one triggers resync.
const resyncToleranceA = 2.0

// resyncMatchToleranceA is how close a reported amperage must be to a table
// step before resync (or startup sync) will adopt it.
const resyncMatchToleranceA = 3.0

// StateMachine is the single owner of the live ControllerState. It holds no
// I/O and performs all policy decisions as pure functions of its state and
// the Inputs handed to it each tick.
type StateMachine struct {
	config Config
	steps  *steptable.Table
	state  State
	logger *logrus.Logger
}

// New constructs a StateMachine at rest (OFF, step 0). No step change has
// happened yet, so the first start is not held back by the cooldown.
func New(config Config, steps *steptable.Table, logger *logrus.Logger) *StateMachine {
	if logger == nil {
		logger = logrus.New()
	}
	return &StateMachine{
		config: config,
		steps:  steps,
		state:  State{ModeState: Off, EvseStepIndex: 0, LastChangeTsS: math.Inf(-1)},
		logger: logger,
	}
}

// State returns the current FSM state. Callers must treat the returned
// value as read-only; the StateMachine is the sole owner of the live state.
func (m *StateMachine) State() State {
	return m.state
}

// SyncWithCharger runs once at startup to adopt any pre-existing charging
// session.
func (m *StateMachine) SyncWithCharger(in Inputs) {
	if m.state.EvseStepIndex != 0 {
		return
	}
	switch in.ChargerStatus {
	case StatusCharging, StatusConnected:
	default:
		return
	}
	if in.ChargerCurrentA == nil || *in.ChargerCurrentA < 1 {
		return
	}
	index, ok := m.nearestChargingStep(*in.ChargerCurrentA)
	if !ok {
		return
	}
	region := m.regionForSoc(in.BattSocPercent)
	mode := MainReady
	if region == RegionProbe {
		mode = ProbeReady
	}
	m.state = State{
		ModeState:     mode,
		EvseStepIndex: index,
		LastChangeTsS: in.NowS,
	}
	m.logger.Infof("fsm: startup sync adopted existing session at %dA (step %d)", m.steps.AmpsAt(index), index)
}

// Tick evaluates one control period and returns the optional Decision along
// with the Derived facts computed for this tick. If a Decision is returned,
// its NewState has already been adopted as the machine's current state.
func (m *StateMachine) Tick(in Inputs) (*Decision, Derived) {
	m.detectExternalChange(in)
	derived := m.derive(in)
	m.syncModeState(derived.Region, derived.CooldownActive)

	decision := m.evaluateRules(in, derived)
	if decision != nil {
		m.state = decision.NewState
	}
	return decision, derived
}

// detectExternalChange runs before rule evaluation every tick and replaces
// state wholesale if the charger's commanded-amps read-back no longer
// matches what the FSM expects.
func (m *StateMachine) detectExternalChange(in Inputs) {
	if in.ChargerCurrentA == nil || *in.ChargerCurrentA < 1 {
		return
	}
	actual := *in.ChargerCurrentA
	expected := float64(m.steps.AmpsAt(m.state.EvseStepIndex))
	diff := math.Abs(expected - actual)
	if m.state.EvseStepIndex == 0 {
		// Off but charger delivering current: always treat as a mismatch.
		diff = actual
	}
	if diff <= resyncToleranceA {
		return
	}
	index, ok := m.nearestChargingStepAllowingOff(actual)
	if !ok {
		return
	}
	region := m.regionForSoc(in.BattSocPercent)
	mode := Off
	if index > 0 {
		mode = MainReady
		if region == RegionProbe {
			mode = ProbeReady
		}
	}
	m.logger.Infof("fsm: resync %dA->%dA (step %d->%d)", m.steps.AmpsAt(m.state.EvseStepIndex), m.steps.AmpsAt(index), m.state.EvseStepIndex, index)
	m.state = State{
		ModeState:        mode,
		EvseStepIndex:    index,
		LastChangeTsS:    in.NowS,
		WaitingSinceTsS:  m.state.WaitingSinceTsS,
		PendingEffectTsS: nil,
	}
}

func (m *StateMachine) derive(in Inputs) Derived {
	region := m.regionForSoc(in.BattSocPercent)
	timeSince := in.NowS - m.state.LastChangeTsS
	if timeSince < 0 {
		timeSince = 0
	}
	cooldownActive := timeSince < m.config.CooldownS

	inverterOver := false
	if in.InverterPowerW != nil {
		inverterOver = *in.InverterPowerW > m.config.SafeInverterMaxW()
	}

	var excess *float64
	if region == RegionMain {
		if in.PvPowerW != nil && in.InverterPowerW != nil {
			excess = floatPtr(*in.PvPowerW - *in.InverterPowerW)
		} else if in.BattPowerW != nil {
			excess = floatPtr(-*in.BattPowerW)
		}
	}

	waitingTimedOut := false
	if m.state.WaitingSinceTsS != nil {
		waitingTimedOut = (in.NowS - *m.state.WaitingSinceTsS) > m.config.WaitingTimeoutS
	}

	effectReady := true
	if m.state.PendingEffectTsS != nil {
		effectReady = (in.NowS - *m.state.PendingEffectTsS) >= m.config.SensorLatencyS
		if effectReady {
			cleared := m.state
			cleared.PendingEffectTsS = nil
			m.state = cleared
		}
	}

	return Derived{
		Region:               region,
		EvPlugged:            in.EvPlugged(),
		ExcessW:              excess,
		InverterOverLimit:    inverterOver,
		CooldownActive:       cooldownActive,
		TimeSinceLastChangeS: timeSince,
		WaitingTimedOut:      waitingTimedOut,
		EffectReady:          effectReady,
	}
}

// syncModeState keeps ModeState consistent with EvseStepIndex/region/cooldown
// outside of an explicit transition (e.g. after a region flip with no step
// change). It never changes EvseStepIndex.
func (m *StateMachine) syncModeState(region Region, cooldownActive bool) {
	desired := m.desiredModeState(region, cooldownActive)
	if m.state.ModeState != desired {
		next := m.state
		next.ModeState = desired
		m.state = next
	}
}

func (m *StateMachine) desiredModeState(region Region, cooldownActive bool) ModeState {
	if m.state.EvseStepIndex == 0 {
		return Off
	}
	if region == RegionMain {
		if cooldownActive {
			return MainCooldown
		}
		return MainReady
	}
	if cooldownActive {
		return ProbeCooldown
	}
	return ProbeReady
}

func (m *StateMachine) regionForSoc(soc *float64) Region {
	if soc == nil {
		return RegionMain
	}
	if *soc >= m.config.SocMainMax {
		return RegionProbe
	}
	return RegionMain
}

// evaluateRules is a strict, top-down, first-match-wins chain. The order of
// the checks below is load-bearing: a rule only runs once every rule above
// it has declined to act.
func (m *StateMachine) evaluateRules(in Inputs, derived Derived) *Decision {
	m.updateWaitingTimer(in)

	if d := m.globalRules(in, derived); d != nil {
		return d
	}

	if m.state.ModeState == Off {
		if derived.CooldownActive {
			return nil
		}
		if derived.Region == RegionMain {
			return m.mainStartLogic(in, derived)
		}
		return m.probeStartLogic(in, derived)
	}

	if m.state.ModeState == MainCooldown || m.state.ModeState == ProbeCooldown {
		return nil
	}

	if d := m.inverterEmergency(in, derived); d != nil {
		return d
	}

	if derived.Region == RegionMain {
		return m.mainReadyLogic(in, derived)
	}
	return m.probeReadyLogic(in, derived)
}

func (m *StateMachine) updateWaitingTimer(in Inputs) {
	if in.ChargerStatus == StatusWaiting {
		if m.state.WaitingSinceTsS == nil {
			next := m.state
			next.WaitingSinceTsS = floatPtr(in.NowS)
			m.state = next
		}
		return
	}
	if m.state.WaitingSinceTsS != nil {
		next := m.state
		next.WaitingSinceTsS = nil
		m.state = next
	}
}

func (m *StateMachine) globalRules(in Inputs, derived Derived) *Decision {
	if in.ChargerStatus == StatusFault {
		return m.forceOff(in, "fault_state", true)
	}
	if derived.WaitingTimedOut {
		return m.forceOff(in, "waiting_timeout", true)
	}
	if !derived.EvPlugged {
		return m.forceOff(in, "ev_unplugged", false)
	}
	if !in.AutoEnabled {
		return m.forceOff(in, "auto_disabled", false)
	}
	return nil
}

func (m *StateMachine) forceOff(in Inputs, reason string, latchWait bool) *Decision {
	var waitingTs *float64
	if latchWait {
		waitingTs = m.state.WaitingSinceTsS
	}
	newState := State{
		ModeState:       Off,
		EvseStepIndex:   0,
		LastChangeTsS:   in.NowS,
		WaitingSinceTsS: waitingTs,
	}
	soc := 0.0
	if in.BattSocPercent != nil {
		soc = *in.BattSocPercent
	}
	return &Decision{
		NewState:      newState,
		SwitchCommand: boolPtr(false),
		Reason:        reason,
		Metadata:      map[string]float64{"soc": soc},
	}
}

func (m *StateMachine) mainStartLogic(in Inputs, derived Derived) *Decision {
	if derived.ExcessW == nil {
		return nil
	}
	threshold := float64(m.steps.AmpsAt(1)) * m.config.LineVoltageV
	if *derived.ExcessW < threshold {
		return nil
	}
	if !m.inverterSafe(in, 0) {
		return nil
	}
	return m.setStep(in, 1, "main_start")
}

func (m *StateMachine) probeStartLogic(in Inputs, _ Derived) *Decision {
	if in.BattPowerW == nil {
		return nil
	}
	if *in.BattPowerW > 0 {
		return nil
	}
	if !m.inverterSafe(in, 0) {
		return nil
	}
	return m.setStep(in, 1, "probe_start")
}

func (m *StateMachine) inverterEmergency(in Inputs, derived Derived) *Decision {
	if m.state.EvseStepIndex == 0 {
		return nil
	}
	if !derived.InverterOverLimit {
		return nil
	}
	if m.state.EvseStepIndex == 1 {
		return m.setStep(in, 0, "inverter_drop")
	}
	return m.setStep(in, m.state.EvseStepIndex-1, "inverter_step_down")
}

func (m *StateMachine) mainReadyLogic(in Inputs, derived Derived) *Decision {
	conservative := m.isConservativeMode(in.BattSocPercent)

	if conservative && m.state.EvseStepIndex > 0 {
		if derived.ExcessW == nil && in.BattPowerW != nil {
			if *in.BattPowerW > m.config.ConservativeDischargeThresholdW {
				next := m.state.EvseStepIndex - 1
				if next < 0 {
					next = 0
				}
				return m.setStep(in, next, "main_conservative_batt_discharge")
			}
		}
	}

	if m.state.EvseStepIndex > 0 && derived.ExcessW != nil {
		if m.state.EvseStepIndex < m.steps.MaxIndex() {
			required := m.steps.StepUpPower(m.state.EvseStepIndex, m.config.LineVoltageV)
			if derived.EffectReady && *derived.ExcessW >= required && m.inverterSafe(in, m.state.EvseStepIndex) {
				return m.setStep(in, m.state.EvseStepIndex+1, "main_step_up")
			}
		}

		if conservative {
			if *derived.ExcessW >= m.config.ConservativeChargeTargetW {
				return nil
			}
			next := m.state.EvseStepIndex - 1
			if next < 0 {
				next = 0
			}
			return m.setStep(in, next, "main_conservative_step_down")
		}

		if *derived.ExcessW >= -m.config.SmallDischargeMarginW {
			return nil
		}
		next := m.state.EvseStepIndex - 1
		if next < 0 {
			next = 0
		}
		return m.setStep(in, next, "main_step_down")
	}
	return nil
}

func (m *StateMachine) isConservativeMode(soc *float64) bool {
	if soc == nil {
		return false
	}
	return *soc < m.config.SocConservativeBelow
}

func (m *StateMachine) probeReadyLogic(in Inputs, derived Derived) *Decision {
	if in.BattPowerW == nil {
		return nil
	}
	if m.state.EvseStepIndex == 0 {
		return nil
	}
	battPower := *in.BattPowerW
	if battPower <= 0 {
		if m.state.EvseStepIndex < m.steps.MaxIndex() && derived.EffectReady && m.inverterSafe(in, m.state.EvseStepIndex) {
			return m.setStep(in, m.state.EvseStepIndex+1, "probe_step_up")
		}
		return nil
	}
	if battPower <= m.config.ProbeMaxDischargeW {
		return nil
	}
	next := m.state.EvseStepIndex - 1
	if next < 0 {
		next = 0
	}
	return m.setStep(in, next, "probe_step_down")
}

func (m *StateMachine) inverterSafe(in Inputs, index int) bool {
	if in.InverterPowerW == nil {
		return true
	}
	projected := *in.InverterPowerW + m.steps.StepUpPower(index, m.config.LineVoltageV)
	return projected <= m.config.SafeInverterMaxW()
}

func (m *StateMachine) setStep(in Inputs, newIndex int, reason string) *Decision {
	if newIndex < 0 {
		newIndex = 0
	}
	if newIndex > m.steps.MaxIndex() {
		newIndex = m.steps.MaxIndex()
	}
	oldIndex := m.state.EvseStepIndex

	var mode ModeState
	if newIndex == 0 {
		mode = Off
	} else {
		region := m.regionForSoc(in.BattSocPercent)
		mode = MainCooldown
		if region == RegionProbe {
			mode = ProbeCooldown
		}
	}

	pendingEffect := m.state.PendingEffectTsS
	switch {
	case newIndex > oldIndex:
		pendingEffect = floatPtr(in.NowS)
	case newIndex < oldIndex, newIndex == 0:
		pendingEffect = nil
	}

	newState := State{
		ModeState:        mode,
		EvseStepIndex:    newIndex,
		LastChangeTsS:    in.NowS,
		WaitingSinceTsS:  m.state.WaitingSinceTsS,
		PendingEffectTsS: pendingEffect,
	}

	metadata := map[string]float64{"index": float64(newIndex)}
	var switchCmd *bool
	var currentCmd *int
	if newIndex == 0 {
		switchCmd = boolPtr(false)
	} else {
		switchCmd = boolPtr(true)
		amps := m.steps.AmpsAt(newIndex)
		currentCmd = intPtr(amps)
		metadata["target_amps"] = float64(amps)
	}

	return &Decision{
		NewState:           newState,
		SwitchCommand:      switchCmd,
		CurrentCommandAmps: currentCmd,
		Reason:             reason,
		Metadata:           metadata,
	}
}

// nearestChargingStep finds the closest non-off step within tolerance,
// used by SyncWithCharger (which never adopts the off step).
func (m *StateMachine) nearestChargingStep(amps float64) (int, bool) {
	best := 0
	bestDiff := math.Inf(1)
	for i := 1; i <= m.steps.MaxIndex(); i++ {
		diff := math.Abs(float64(m.steps.AmpsAt(i)) - amps)
		if diff < bestDiff {
			bestDiff = diff
			best = i
		}
	}
	if best == 0 || bestDiff > resyncMatchToleranceA {
		return 0, false
	}
	return best, true
}

// nearestChargingStepAllowingOff finds the closest step (including off)
// within tolerance, used by the resync path.
func (m *StateMachine) nearestChargingStepAllowingOff(amps float64) (int, bool) {
	index, within := m.steps.NearestStepIndex(amps, resyncMatchToleranceA)
	if !within {
		return 0, false
	}
	return index, true
}
