package delivery

import (
	"maps"
	"strings"

	"github.com/SeleneOSv1/Selene-OS-sub002/pkg/ledger"
	"github.com/SeleneOSv1/Selene-OS-sub002/pkg/projection"
)

// Delivery states as projected.
const (
	StatePending      = "PENDING"
	StateNotDelivered = "NOT_DELIVERED"
	StateSent         = "SENT"
	StateRejected     = "REJECTED"
	StateFailed       = "FAILED"
)

// Reducer projects a delivery stream into one record per dedupe key holding
// the latest state and the number of provider calls made under it.
var Reducer = projection.ReducerFunc(func(set projection.Set, ev ledger.Event) error {
	var a attempt
	if err := ev.Decode(&a); err != nil {
		return err
	}
	key := strings.TrimPrefix(ev.StreamID, StreamFamily+"/")
	fields := map[string]any{}
	if prev, ok := set[projection.RecordKey(a.TenantID, key)]; ok {
		fields = maps.Clone(prev.Fields)
	}

	calls := count(fields["provider_calls"])
	switch ev.EventType {
	case EventPending:
		fields["state"] = StatePending
		calls++
	case EventReconciled:
		fields["state"] = StateNotDelivered
	case EventSent:
		fields["state"] = StateSent
		if !a.Reconciled {
			calls++
		}
		fields["reconciled"] = a.Reconciled
	case EventRejected:
		fields["state"] = StateRejected
		calls++
	case EventFailed:
		fields["state"] = StateFailed
	default:
		return nil
	}
	fields["provider_calls"] = calls
	fields["provider_id"] = a.ProviderID
	fields["reason_code"] = ev.ReasonCode

	set.Put(projection.Record{TenantID: a.TenantID, EntityID: key, Fields: fields}, ev)
	return nil
})

func count(v any) int {
	switch n := v.(type) {
	case int:
		return n
	case float64:
		return int(n)
	}
	return 0
}
