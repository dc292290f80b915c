package order

import (
	"encoding/json"
	"time"
)

// Lifecycle identifier types issued while an order is alive.
const (
	IDTypeClose     = "close"
	IDTypeCancel    = "cancel"
	IDTypeModify    = "modify"
	IDTypeSLTrigger = "sl_trigger"
	IDTypeTPTrigger = "tp_trigger"
	IDTypeSLCancel  = "sl_cancel"
	IDTypeTPCancel  = "tp_cancel"
)

// Lifecycle entry statuses. Exactly one entry per (order, id type) is active
// at a time; executed and cancelled are terminal.
const (
	LedgerActive    = "active"
	LedgerReplaced  = "replaced"
	LedgerCancelled = "cancelled"
	LedgerExecuted  = "executed"
)

// LedgerEntry is one issued identifier with its current status and audit note.
type LedgerEntry struct {
	Value     string    `json:"value"`
	Status    string    `json:"status"`
	Note      string    `json:"note,omitempty"`
	IssuedAt  time.Time `json:"issued_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// IsTerminal reports whether the entry can no longer transition.
func (e *LedgerEntry) IsTerminal() bool {
	return e.Status == LedgerExecuted || e.Status == LedgerCancelled
}

// Ledger is the append-only history of identifiers per id type.
type Ledger map[string][]LedgerEntry

// Active returns the currently active entry for an id type, or nil.
func (l Ledger) Active(idType string) *LedgerEntry {
	entries := l[idType]
	for i := range entries {
		if entries[i].Status == LedgerActive {
			return &entries[i]
		}
	}
	return nil
}

// Find locates an entry by its value across every id type.
func (l Ledger) Find(value string) (idType string, entry *LedgerEntry) {
	for t, entries := range l {
		for i := range entries {
			if entries[i].Value == value {
				return t, &entries[i]
			}
		}
	}
	return "", nil
}

// Values returns every identifier ever issued, for Global Lookup maintenance.
func (l Ledger) Values() []string {
	var out []string
	for _, entries := range l {
		for i := range entries {
			out = append(out, entries[i].Value)
		}
	}
	return out
}

// Issue marks the prior active entry for idType as replaced and appends value
// as the new active entry. Re-issuing the currently active value only updates
// the audit note. Returns false when the call was such a no-op.
func (l Ledger) Issue(idType, value, note string, now time.Time) bool {
	if cur := l.Active(idType); cur != nil {
		if cur.Value == value {
			cur.Note = note
			cur.UpdatedAt = now
			return false
		}
		cur.Status = LedgerReplaced
		cur.UpdatedAt = now
	}
	l[idType] = append(l[idType], LedgerEntry{
		Value:     value,
		Status:    LedgerActive,
		Note:      note,
		IssuedAt:  now,
		UpdatedAt: now,
	})
	return true
}

// Transition moves the entry holding value to status. Transitions out of a
// terminal status are silent no-ops: duplicate execution/cancellation
// callbacks from the matching engine are expected. Returns false when the
// value is unknown or the entry is already terminal.
func (l Ledger) Transition(value, status, note string, now time.Time) bool {
	_, entry := l.Find(value)
	if entry == nil || entry.IsTerminal() {
		return false
	}
	entry.Status = status
	entry.Note = note
	entry.UpdatedAt = now
	return true
}

// Marshal serializes the ledger for storage in the canonical hash.
func (l Ledger) Marshal() ([]byte, error) {
	return json.Marshal(l)
}

// UnmarshalLedger decodes a ledger stored in the canonical hash.
func UnmarshalLedger(raw []byte) (Ledger, error) {
	var l Ledger
	if err := json.Unmarshal(raw, &l); err != nil {
		return nil, err
	}
	return l, nil
}
