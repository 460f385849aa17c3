package events

import "time"

// Operation names for source mutations.
const (
	OpInserted = "inserted"
	OpUpdated  = "updated"
	OpDeleted  = "deleted"
)

// Record is a source document expressed as a generic field map.
type Record = map[string]interface{}

/*
MutationEvent is a record change event produced by the source store.
It's an attempt to align all record change events to a unified structure.
Operation: <inserted|updated|deleted>
After holds the full record after the change (nil on delete).
Before holds the previous record (populated on update).
*/
type MutationEvent struct {
	Resource  string
	Operation string
	RecordID  string
	After     Record
	Before    Record
	Timestamp time.Time
}

// Operations returns the full operation set.
func Operations() []string {
	return []string{OpInserted, OpUpdated, OpDeleted}
}

// ValidOperation reports whether op is one of the three mutation operations.
func ValidOperation(op string) bool {
	return op == OpInserted || op == OpUpdated || op == OpDeleted
}
