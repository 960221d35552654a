package router

import (
	"time"

	"github.com/SeleneOSv1/Selene-OS-sub002/pkg/ledger"
	"github.com/SeleneOSv1/Selene-OS-sub002/pkg/projection"
)

// EventCircuitTransition is the ledger event type of a breaker transition.
const EventCircuitTransition = "circuit.transition"

type transitionRecord struct {
	ProviderID string    `json:"provider_id"`
	From       State     `json:"from"`
	To         State     `json:"to"`
	Trigger    string    `json:"trigger"`
	Trips      int       `json:"trips"`
	CooldownMS int64     `json:"cooldown_ms"`
	At         time.Time `json:"at"`
}

// Reducer projects a lane's provider stream into one record per provider
// with its last known circuit state. The result is diagnostic only; live
// routing decisions come from the in-process breakers.
var Reducer = projection.ReducerFunc(func(set projection.Set, ev ledger.Event) error {
	if ev.EventType != EventCircuitTransition {
		return nil
	}
	var tr transitionRecord
	if err := ev.Decode(&tr); err != nil {
		return err
	}
	fields := map[string]any{
		"circuit_state": string(tr.To),
		"trips":         tr.Trips,
		"last_trigger":  tr.Trigger,
		"reason_code":   ev.ReasonCode,
		"changed_at":    tr.At.UTC().Format(time.RFC3339Nano),
	}
	if tr.To == Open {
		fields["cooldown_ms"] = tr.CooldownMS
	}
	set.Put(projection.Record{EntityID: tr.ProviderID, Fields: fields}, ev)
	return nil
})
