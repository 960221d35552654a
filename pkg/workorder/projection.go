package workorder

import (
	"encoding/json"
	"fmt"

	"github.com/SeleneOSv1/Selene-OS-sub002/pkg/ledger"
	"github.com/SeleneOSv1/Selene-OS-sub002/pkg/projection"
)

// Reducer projects a work order stream into one record keyed by
// (tenant_id, work_order_id). Fields hold the JSON form of the WorkOrder.
var Reducer = projection.ReducerFunc(func(set projection.Set, ev ledger.Event) error {
	var w WorkOrder
	for _, rec := range set {
		decoded, err := FromRecord(rec)
		if err != nil {
			return err
		}
		w = decoded
	}
	if err := Apply(&w, ev); err != nil {
		return err
	}
	rec, err := toRecord(w)
	if err != nil {
		return err
	}
	set.Put(rec, ev)
	return nil
})

func toRecord(w WorkOrder) (projection.Record, error) {
	raw, err := json.Marshal(w)
	if err != nil {
		return projection.Record{}, fmt.Errorf("workorder: encode %s: %w", w.ID, err)
	}
	var fields map[string]any
	if err := json.Unmarshal(raw, &fields); err != nil {
		return projection.Record{}, fmt.Errorf("workorder: encode %s: %w", w.ID, err)
	}
	return projection.Record{TenantID: w.TenantID, EntityID: w.ID, Fields: fields}, nil
}

// FromRecord decodes a projected record back into a WorkOrder.
func FromRecord(rec projection.Record) (WorkOrder, error) {
	raw, err := json.Marshal(rec.Fields)
	if err != nil {
		return WorkOrder{}, fmt.Errorf("workorder: decode %s: %w", rec.Key, err)
	}
	var w WorkOrder
	if err := json.Unmarshal(raw, &w); err != nil {
		return WorkOrder{}, fmt.Errorf("workorder: decode %s: %w", rec.Key, err)
	}
	return w, nil
}
