// Package adapter translates the home-automation REST surface into the
// typed Inputs/Decision contract the state machine operates on. It is the
// sole boundary between the FSM and the outside world.
package adapter

import (
	"strconv"
	"strings"

	"github.com/arrbs/evsemanager/internal/fsm"
	"github.com/sirupsen/logrus"
)

// DataSource is the upstream home-automation contract: polling get_state
// and invoking call_service. The FSM never subscribes to events; it only
// polls.
type DataSource interface {
	// GetState returns the current reported state of an entity, or ok=false
	// if the entity is unreadable (missing, upstream error, or timeout).
	GetState(entityID string) (value string, ok bool)

	// CallService invokes a domain/service pair against an entity, optionally
	// carrying a value (e.g. number.set_value). Returns an error only for
	// logging; a failed call is never retried inside the tick.
	CallService(domain, service, entityID string, value any) error
}

// EntityConfig names the home-automation entities the Adapter reads from
// and writes to. ChargerSwitch, ChargerCurrent, and ChargerStatus are
// required; the rest are optional.
type EntityConfig struct {
	ChargerSwitch      string
	ChargerCurrent     string
	ChargerStatus      string
	BatterySOC         string
	BatteryPower       string
	InverterPower      string
	PvPower            string
	AutoEnabled        string
	AutoEnabledDefault bool
}

var autoEnabledTrue = map[string]bool{"on": true, "true": true, "1": true, "enabled": true}
var autoEnabledFalse = map[string]bool{"off": true, "false": true, "0": true, "disabled": true}

// Adapter translates between the typed fsm.Inputs/Decision contract and a
// DataSource's string-typed entity states.
type Adapter struct {
	source   DataSource
	entities EntityConfig
	logger   *logrus.Logger
}

// New constructs an Adapter bound to a DataSource and entity map.
func New(source DataSource, entities EntityConfig, logger *logrus.Logger) *Adapter {
	if logger == nil {
		logger = logrus.New()
	}
	return &Adapter{source: source, entities: entities, logger: logger}
}

// ReadInputs samples every configured entity into a typed Inputs snapshot.
// Unparseable or missing values are absent rather than guessed.
func (a *Adapter) ReadInputs(nowS float64) fsm.Inputs {
	status := a.readText(a.entities.ChargerStatus, "unknown")
	switchOn := a.readText(a.entities.ChargerSwitch, "off") == "on"

	return fsm.Inputs{
		BattSocPercent:  a.readFloat(a.entities.BatterySOC),
		BattPowerW:      a.readFloat(a.entities.BatteryPower),
		InverterPowerW:  a.readFloat(a.entities.InverterPower),
		PvPowerW:        a.readFloat(a.entities.PvPower),
		ChargerStatus:   fsm.ChargerStatus(status),
		ChargerSwitchOn: switchOn,
		ChargerCurrentA: a.readFloat(a.entities.ChargerCurrent),
		AutoEnabled:     a.readAutoEnabled(),
		NowS:            nowS,
	}
}

// ApplyDecision applies the switch and/or amperage commands of a Decision.
// A failed call is logged and left for the next tick's resync to reconcile;
// the Adapter performs no retries of its own.
func (a *Adapter) ApplyDecision(d fsm.Decision) {
	if d.SwitchCommand != nil {
		service := "turn_off"
		if *d.SwitchCommand {
			service = "turn_on"
		}
		a.logger.Infof("%s -> %s (%s)", a.entities.ChargerSwitch, service, d.Reason)
		if err := a.source.CallService("switch", service, a.entities.ChargerSwitch, nil); err != nil {
			a.logger.Warnf("switch.%s on %s failed: %v", service, a.entities.ChargerSwitch, err)
		}
	}
	if d.CurrentCommandAmps != nil {
		a.logger.Infof("%s -> %dA (%s)", a.entities.ChargerCurrent, *d.CurrentCommandAmps, d.Reason)
		if err := a.source.CallService("number", "set_value", a.entities.ChargerCurrent, *d.CurrentCommandAmps); err != nil {
			a.logger.Warnf("number.set_value on %s failed: %v", a.entities.ChargerCurrent, err)
		}
	}
}

func (a *Adapter) readText(entityID string, def string) string {
	if entityID == "" {
		return def
	}
	value, ok := a.source.GetState(entityID)
	if !ok {
		return def
	}
	return strings.ToLower(value)
}

func (a *Adapter) readFloat(entityID string) *float64 {
	if entityID == "" {
		return nil
	}
	value, ok := a.source.GetState(entityID)
	if !ok {
		return nil
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
	if err != nil {
		a.logger.Debugf("unable to parse float from %s=%q", entityID, value)
		return nil
	}
	return &f
}

func (a *Adapter) readAutoEnabled() bool {
	if a.entities.AutoEnabled == "" {
		return a.entities.AutoEnabledDefault
	}
	value, ok := a.source.GetState(a.entities.AutoEnabled)
	if !ok {
		return a.entities.AutoEnabledDefault
	}
	normalized := strings.ToLower(strings.TrimSpace(value))
	if autoEnabledTrue[normalized] {
		return true
	}
	if autoEnabledFalse[normalized] {
		return false
	}
	return a.entities.AutoEnabledDefault
}
