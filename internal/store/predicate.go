package store

import (
	"github.com/cybertec-postgresql/offsync/internal/model"
)

// Predicate selects records in Query
type Predicate func(model.Record) bool

// All matches every record
func All(model.Record) bool { return true }

// StatusIs matches records with the given sync status
func StatusIs(s model.SyncStatus) Predicate {
	return func(r model.Record) bool { return r.SyncStatus == s }
}

// FieldEquals matches records whose payload field equals v. Numbers are
// compared by value whatever their Go type.
func FieldEquals(field string, v any) Predicate {
	return func(r model.Record) bool {
		got, ok := r.Payload[field]
		if !ok {
			return false
		}
		if a, isNum := model.ToNumber(got); isNum {
			b, ok := model.ToNumber(v)
			return ok && a == b
		}
		return got == v
	}
}

// And matches records accepted by every predicate
func And(preds ...Predicate) Predicate {
	return func(r model.Record) bool {
		for _, p := range preds {
			if p != nil && !p(r) {
				return false
			}
		}
		return true
	}
}

// Filter turns a field/value map into a predicate; an empty filter matches all
func Filter(filter map[string]any) Predicate {
	if len(filter) == 0 {
		return All
	}
	preds := make([]Predicate, 0, len(filter))
	for k, v := range filter {
		preds = append(preds, FieldEquals(k, v))
	}
	return And(preds...)
}
