package fsm

import (
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arrbs/evsemanager/internal/steptable"
)

func testConfig() Config {
	return Config{
		LineVoltageV:                    230,
		SocMainMax:                      95,
		SocConservativeBelow:            94,
		ConservativeDischargeThresholdW: 50,
		SmallDischargeMarginW:           200,
		ConservativeChargeTargetW:       100,
		ProbeMaxDischargeW:              1000,
		InverterLimitW:                  8000,
		InverterMarginW:                 500,
		CooldownS:                       5,
		WaitingTimeoutS:                 60,
		SensorLatencyS:                  25,
	}
}

func testMachine(t *testing.T) *StateMachine {
	t.Helper()
	logger := logrus.New()
	logger.SetLevel(logrus.FatalLevel)
	steps := steptable.MustNew(steptable.DefaultAmps, 6)
	return New(testConfig(), steps, logger)
}

func f(v float64) *float64 { return &v }

func baseInputs(nowS float64) Inputs {
	return Inputs{
		BattSocPercent:  f(60),
		BattPowerW:      f(-500),
		InverterPowerW:  f(2000),
		PvPowerW:        f(6000),
		ChargerStatus:   StatusCharging,
		ChargerSwitchOn: false,
		AutoEnabled:     true,
		NowS:            nowS,
	}
}

// Scenario 1: cold start with headroom.
func TestScenario_ColdStartWithHeadroom(t *testing.T) {
	m := testMachine(t)
	in := baseInputs(100)

	decision, _ := m.Tick(in)

	require.NotNil(t, decision)
	assert.Equal(t, "main_start", decision.Reason)
	require.NotNil(t, decision.CurrentCommandAmps)
	assert.Equal(t, 6, *decision.CurrentCommandAmps)
	require.NotNil(t, decision.SwitchCommand)
	assert.True(t, *decision.SwitchCommand)
	assert.Equal(t, 1, m.State().EvseStepIndex)
	assert.Equal(t, 100.0, m.State().LastChangeTsS)
}

// Scenario 2: cooldown blocks a second step-up immediately after the first.
func TestScenario_CooldownBlocksSecondStep(t *testing.T) {
	m := testMachine(t)
	_, _ = m.Tick(baseInputs(100))
	require.Equal(t, 1, m.State().EvseStepIndex)

	in := baseInputs(102)
	in.PvPowerW = f(8000)
	in.InverterPowerW = f(2500)
	decision, _ := m.Tick(in)

	assert.Nil(t, decision)
	assert.Equal(t, 1, m.State().EvseStepIndex)
}

// Scenario 3: cooldown clears but sensor latency still blocks the step-up.
func TestScenario_LatencyBlocksStepAfterCooldown(t *testing.T) {
	m := testMachine(t)
	_, _ = m.Tick(baseInputs(100))

	in := baseInputs(110)
	in.PvPowerW = f(8000)
	in.InverterPowerW = f(2500)
	decision, _ := m.Tick(in)

	assert.Nil(t, decision)
	assert.Equal(t, 1, m.State().EvseStepIndex)
}

// Scenario 4: once both cooldown and latency windows clear, the step-up fires.
func TestScenario_StepUpAfterBothWindowsClear(t *testing.T) {
	m := testMachine(t)
	_, _ = m.Tick(baseInputs(100))

	in := baseInputs(130)
	in.PvPowerW = f(8000)
	in.InverterPowerW = f(2500)
	decision, _ := m.Tick(in)

	require.NotNil(t, decision)
	assert.Equal(t, "main_step_up", decision.Reason)
	require.NotNil(t, decision.CurrentCommandAmps)
	assert.Equal(t, 8, *decision.CurrentCommandAmps)
	assert.Equal(t, 2, m.State().EvseStepIndex)
}

// Scenario 5: insufficient headroom against the inverter's safety margin
// keeps the charger off at cold start; once headroom clears, it starts.
func TestScenario_InverterSafetyBlocksColdStart(t *testing.T) {
	m := testMachine(t)
	in := baseInputs(200)
	in.PvPowerW = f(7000)
	in.InverterPowerW = f(7000)

	decision, _ := m.Tick(in)
	assert.Nil(t, decision)
	assert.Equal(t, 0, m.State().EvseStepIndex)

	in2 := baseInputs(210)
	in2.PvPowerW = f(7000)
	in2.InverterPowerW = f(5000)
	decision2, _ := m.Tick(in2)

	require.NotNil(t, decision2)
	assert.Equal(t, "main_start", decision2.Reason)
	require.NotNil(t, decision2.CurrentCommandAmps)
	assert.Equal(t, 6, *decision2.CurrentCommandAmps)
}

// Scenario 6: a vehicle stuck "waiting" past the timeout is force-stopped.
func TestScenario_WaitingTimeoutForcesOff(t *testing.T) {
	m := testMachine(t)
	m.state = State{
		ModeState:       MainReady,
		EvseStepIndex:   3,
		LastChangeTsS:   900,
		WaitingSinceTsS: f(1000),
	}

	in := baseInputs(1065)
	in.ChargerStatus = StatusWaiting

	decision, _ := m.Tick(in)

	require.NotNil(t, decision)
	assert.Equal(t, "waiting_timeout", decision.Reason)
	require.NotNil(t, decision.SwitchCommand)
	assert.False(t, *decision.SwitchCommand)
	assert.Equal(t, 0, m.State().EvseStepIndex)
}

// Scenario 7: an externally commanded current is detected and resynced to
// the nearest table step without waiting for the next rule evaluation.
func TestScenario_ExternalChangeResyncs(t *testing.T) {
	m := testMachine(t)
	m.state = State{
		ModeState:     MainReady,
		EvseStepIndex: 2,
		LastChangeTsS: 50,
	}

	in := baseInputs(60)
	in.ChargerCurrentA = f(16)

	_, _ = m.Tick(in)

	assert.Equal(t, 5, m.State().EvseStepIndex)
	assert.Equal(t, 60.0, m.State().LastChangeTsS)
}

// Scenario 8: PROBE region steps up purely on the battery not discharging.
func TestScenario_ProbeStepUpOnBatteryNotDischarging(t *testing.T) {
	m := testMachine(t)
	m.state = State{
		ModeState:     ProbeReady,
		EvseStepIndex: 2,
		LastChangeTsS: 0,
	}

	in := Inputs{
		BattSocPercent:  f(96),
		BattPowerW:      f(-100),
		InverterPowerW:  f(2000),
		PvPowerW:        f(6000),
		ChargerStatus:   StatusCharging,
		AutoEnabled:     true,
		NowS:            100,
	}

	decision, derived := m.Tick(in)

	assert.Equal(t, RegionProbe, derived.Region)
	require.NotNil(t, decision)
	assert.Equal(t, "probe_step_up", decision.Reason)
	require.NotNil(t, decision.CurrentCommandAmps)
	assert.Equal(t, 10, *decision.CurrentCommandAmps)
	assert.Equal(t, 3, m.State().EvseStepIndex)
}

// --- Invariants -----------------------------------------------------------

func TestInvariant_SingleStepPerTick(t *testing.T) {
	m := testMachine(t)
	m.state = State{ModeState: MainReady, EvseStepIndex: 2, LastChangeTsS: 0}

	in := baseInputs(100)
	in.PvPowerW = f(20000)
	in.InverterPowerW = f(1000)

	decision, _ := m.Tick(in)

	require.NotNil(t, decision)
	require.NotNil(t, decision.CurrentCommandAmps)
	assert.Equal(t, 10, *decision.CurrentCommandAmps) // step 3, not a jump to max
	assert.Equal(t, 3, m.State().EvseStepIndex)
}

func TestInvariant_OffMeansZeroAmpsAndSwitchOff(t *testing.T) {
	m := testMachine(t)
	m.state = State{ModeState: MainReady, EvseStepIndex: 2, LastChangeTsS: 0}

	in := baseInputs(100)
	in.ChargerStatus = StatusAvailable // unplugged

	decision, _ := m.Tick(in)

	require.NotNil(t, decision)
	require.NotNil(t, decision.SwitchCommand)
	assert.False(t, *decision.SwitchCommand)
	assert.Equal(t, 0, m.State().EvseStepIndex)
}

func TestInvariant_CooldownPreventsImmediateSecondChange(t *testing.T) {
	m := testMachine(t)
	_, _ = m.Tick(baseInputs(0))
	stepAfterFirst := m.State().EvseStepIndex
	require.Equal(t, 1, stepAfterFirst)

	in := baseInputs(1)
	in.PvPowerW = f(20000)
	in.InverterPowerW = f(1000)
	decision, _ := m.Tick(in)

	assert.Nil(t, decision)
	assert.Equal(t, stepAfterFirst, m.State().EvseStepIndex)
}

func TestInvariant_InverterSafetyNeverExceedsSafeMax(t *testing.T) {
	m := testMachine(t)
	m.state = State{ModeState: MainReady, EvseStepIndex: 1, LastChangeTsS: -1000, PendingEffectTsS: nil}

	in := baseInputs(100)
	in.PvPowerW = f(20000)
	in.InverterPowerW = f(7400) // safe max is 7500; next step needs +460W

	decision, _ := m.Tick(in)
	assert.Nil(t, decision)
	assert.Equal(t, 1, m.State().EvseStepIndex)
}

func TestInvariant_LatencyGateClearsAfterWindow(t *testing.T) {
	m := testMachine(t)
	_, _ = m.Tick(baseInputs(0))
	require.NotNil(t, m.State().PendingEffectTsS)

	in := baseInputs(24)
	in.PvPowerW = f(20000)
	in.InverterPowerW = f(1000)
	decision, _ := m.Tick(in)
	assert.Nil(t, decision) // 24s < 5s cooldown? no, cooldown cleared by 5s; latency not yet (24 < 25)
	assert.Equal(t, 1, m.State().EvseStepIndex)

	in2 := baseInputs(25)
	in2.PvPowerW = f(20000)
	in2.InverterPowerW = f(1000)
	decision2, _ := m.Tick(in2)
	require.NotNil(t, decision2)
	assert.Equal(t, "main_step_up", decision2.Reason)
}

func TestInvariant_ResyncIsIdempotent(t *testing.T) {
	m := testMachine(t)
	m.state = State{ModeState: MainReady, EvseStepIndex: 2, LastChangeTsS: 0}

	in := baseInputs(10)
	in.ChargerCurrentA = f(16)
	_, _ = m.Tick(in)
	firstIndex := m.State().EvseStepIndex

	in2 := baseInputs(11)
	in2.ChargerCurrentA = f(16)
	_, _ = m.Tick(in2)

	assert.Equal(t, firstIndex, m.State().EvseStepIndex)
}

func TestInvariant_Determinism(t *testing.T) {
	run := func() (int, string) {
		m := testMachine(t)
		_, _ = m.Tick(baseInputs(0))
		in := baseInputs(30)
		in.PvPowerW = f(8000)
		in.InverterPowerW = f(2500)
		decision, _ := m.Tick(in)
		reason := ""
		if decision != nil {
			reason = decision.Reason
		}
		return m.State().EvseStepIndex, reason
	}

	index1, reason1 := run()
	index2, reason2 := run()

	assert.Equal(t, index1, index2)
	assert.Equal(t, reason1, reason2)
}

func TestSyncWithChargerAdoptsExistingSession(t *testing.T) {
	m := testMachine(t)
	in := baseInputs(5)
	in.ChargerCurrentA = f(13)

	m.SyncWithCharger(in)

	assert.Equal(t, 4, m.State().EvseStepIndex)
	assert.Equal(t, MainReady, m.State().ModeState)
}

func TestFaultStateForcesOffRegardlessOfRegion(t *testing.T) {
	m := testMachine(t)
	m.state = State{ModeState: ProbeReady, EvseStepIndex: 4, LastChangeTsS: 0}

	in := baseInputs(10)
	in.ChargerStatus = StatusFault
	in.BattSocPercent = f(97)

	decision, _ := m.Tick(in)

	require.NotNil(t, decision)
	assert.Equal(t, "fault_state", decision.Reason)
	assert.Equal(t, 0, m.State().EvseStepIndex)
}
