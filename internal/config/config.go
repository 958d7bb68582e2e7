// Package config loads the process's single JSON options document into a
// validated runtime configuration via viper.
package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"

	"github.com/arrbs/evsemanager/internal/adapter"
	"github.com/arrbs/evsemanager/internal/fsm"
	"github.com/arrbs/evsemanager/internal/steptable"
)

// RuntimeConfig is everything cmd/evsemanager needs to wire the service.
type RuntimeConfig struct {
	TickSeconds  float64
	Controller   fsm.Config
	Steps        *steptable.Table
	Entities     adapter.EntityConfig
	LogLevel     string
	SnapshotPath string
}

// Load reads options from path (an add-on style options.json, or a plain
// options file in development) and resolves each setting through three
// fallbacks in order: a flat top-level key, a nested-group key, then a
// hard default. Entity IDs are first looked up under entities.* before
// that chain.
func Load(path string) (*RuntimeConfig, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("json")

	v.SetDefault("line_voltage_v", 230.0)
	v.SetDefault("soc_main_max", 95.0)
	v.SetDefault("soc_conservative_below", 94.0)
	v.SetDefault("conservative_discharge_threshold_w", 50.0)
	v.SetDefault("small_discharge_margin_w", 200.0)
	v.SetDefault("conservative_charge_target_w", 100.0)
	v.SetDefault("probe_max_discharge_w", 1000.0)
	v.SetDefault("inverter_limit_w", 8000.0)
	v.SetDefault("inverter_margin_w", 500.0)
	v.SetDefault("cooldown_s", 5.0)
	v.SetDefault("waiting_timeout_s", 60.0)
	v.SetDefault("sensor_latency_s", 25.0)
	v.SetDefault("tick_seconds", 2.0)
	v.SetDefault("log_level", "INFO")
	v.SetDefault("step_amps", steptable.DefaultAmps)
	v.SetDefault("charger_switch", "switch.ev_charger")
	v.SetDefault("charger_current", "number.ev_charger_set_current")
	v.SetDefault("charger_status", "sensor.ev_charger_status")
	v.SetDefault("auto_enabled_default", true)
	v.SetDefault("min_operating_amps", 6)
	v.SetDefault("snapshot_path", "/data/ui_state.json")

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}

	tickSeconds := v.GetFloat64("tick_seconds")
	if tickSeconds == 0 {
		tickSeconds = v.GetFloat64("control.update_interval")
	}
	if tickSeconds < 1.0 {
		tickSeconds = 1.0
	}
	if tickSeconds > 2.0 {
		tickSeconds = 2.0
	}

	inverterLimit := v.GetFloat64("inverter_limit_w")
	if !v.InConfig("inverter_limit_w") {
		inverterLimit = v.GetFloat64("sensors.inverter_max_power")
		if inverterLimit == 0 {
			inverterLimit = 8000.0
		}
	}

	controller := fsm.Config{
		LineVoltageV:                    v.GetFloat64("line_voltage_v"),
		SocMainMax:                      v.GetFloat64("soc_main_max"),
		SocConservativeBelow:            v.GetFloat64("soc_conservative_below"),
		ConservativeDischargeThresholdW: v.GetFloat64("conservative_discharge_threshold_w"),
		SmallDischargeMarginW:           v.GetFloat64("small_discharge_margin_w"),
		ConservativeChargeTargetW:       v.GetFloat64("conservative_charge_target_w"),
		ProbeMaxDischargeW:              v.GetFloat64("probe_max_discharge_w"),
		InverterLimitW:                  inverterLimit,
		InverterMarginW:                 v.GetFloat64("inverter_margin_w"),
		CooldownS:                       v.GetFloat64("cooldown_s"),
		WaitingTimeoutS:                 v.GetFloat64("waiting_timeout_s"),
		SensorLatencyS:                  v.GetFloat64("sensor_latency_s"),
	}

	entities := adapter.EntityConfig{
		ChargerSwitch:      firstNonEmpty(v.GetString("entities.charger_switch"), v.GetString("charger_switch"), v.GetString("charger.switch_entity"), "switch.ev_charger"),
		ChargerCurrent:     firstNonEmpty(v.GetString("entities.charger_current"), v.GetString("charger_current"), v.GetString("charger.current_entity"), "number.ev_charger_set_current"),
		ChargerStatus:      firstNonEmpty(v.GetString("entities.charger_status"), v.GetString("charger_status"), v.GetString("charger.status_entity"), "sensor.ev_charger_status"),
		BatterySOC:         firstNonEmpty(v.GetString("entities.battery_soc"), v.GetString("battery_soc"), v.GetString("sensors.battery_soc_entity")),
		BatteryPower:       firstNonEmpty(v.GetString("entities.battery_power"), v.GetString("battery_power"), v.GetString("sensors.battery_power_entity")),
		InverterPower:      firstNonEmpty(v.GetString("entities.inverter_power"), v.GetString("inverter_power"), v.GetString("sensors.inverter_power_entity")),
		PvPower:            firstNonEmpty(v.GetString("entities.pv_power"), v.GetString("total_pv_power"), v.GetString("sensors.total_pv_entity")),
		AutoEnabled:        firstNonEmpty(v.GetString("entities.auto_enabled"), v.GetString("auto_enabled_entity")),
		AutoEnabledDefault: v.GetBool("auto_enabled_default"),
	}

	stepAmps := v.GetIntSlice("step_amps")
	if len(stepAmps) == 0 {
		stepAmps = steptable.DefaultAmps
	}

	steps, err := steptable.New(stepAmps, v.GetInt("min_operating_amps"))
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	logLevel := strings.ToUpper(v.GetString("log_level"))

	return &RuntimeConfig{
		TickSeconds:  tickSeconds,
		Controller:   controller,
		Steps:        steps,
		Entities:     entities,
		LogLevel:     logLevel,
		SnapshotPath: v.GetString("snapshot_path"),
	}, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
