package bridge

import (
	"encoding/json"

	"github.com/companion-dev/companion/pkg/types"
)

// pendingCtrl is an awaiting continuation for a bridge-originated
// control-request. The callback runs with the session lock held.
type pendingCtrl struct {
	subtype string
	done    func(payload json.RawMessage)
}

// pendingTable tracks unanswered upstream permission requests (in broadcast
// order, so they can be re-sent to joining browsers) and bridge-originated
// control-requests awaiting a typed response.
type pendingTable struct {
	perms map[string]types.PermissionRecord
	order []string
	ctrl  map[string]pendingCtrl
}

func newPendingTable() *pendingTable {
	return &pendingTable{
		perms: make(map[string]types.PermissionRecord),
		ctrl:  make(map[string]pendingCtrl),
	}
}

func (p *pendingTable) setPerm(rec types.PermissionRecord) {
	if _, ok := p.perms[rec.RequestID]; !ok {
		p.order = append(p.order, rec.RequestID)
	}
	p.perms[rec.RequestID] = rec
}

// takePerm removes and returns the record for a request id.
func (p *pendingTable) takePerm(requestID string) (types.PermissionRecord, bool) {
	rec, ok := p.perms[requestID]
	if !ok {
		return types.PermissionRecord{}, false
	}
	delete(p.perms, requestID)
	for i, id := range p.order {
		if id == requestID {
			p.order = append(p.order[:i], p.order[i+1:]...)
			break
		}
	}
	return rec, true
}

// permsInOrder returns the pending records in broadcast order.
func (p *pendingTable) permsInOrder() []types.PermissionRecord {
	records := make([]types.PermissionRecord, 0, len(p.order))
	for _, id := range p.order {
		if rec, ok := p.perms[id]; ok {
			records = append(records, rec)
		}
	}
	return records
}

// clearPerms empties the table and returns what it held, in order.
func (p *pendingTable) clearPerms() []types.PermissionRecord {
	records := p.permsInOrder()
	p.perms = make(map[string]types.PermissionRecord)
	p.order = nil
	return records
}

func (p *pendingTable) permCount() int { return len(p.perms) }

func (p *pendingTable) setCtrl(requestID, subtype string, done func(payload json.RawMessage)) {
	p.ctrl[requestID] = pendingCtrl{subtype: subtype, done: done}
}

// takeCtrl removes and returns the continuation for a request id.
func (p *pendingTable) takeCtrl(requestID string) (pendingCtrl, bool) {
	c, ok := p.ctrl[requestID]
	if ok {
		delete(p.ctrl, requestID)
	}
	return c, ok
}

// dropCtrl discards every awaiting continuation. Used on upstream close.
func (p *pendingTable) dropCtrl() {
	p.ctrl = make(map[string]pendingCtrl)
}

func (p *pendingTable) restorePerms(records []types.PermissionRecord) {
	p.perms = make(map[string]types.PermissionRecord, len(records))
	p.order = nil
	for _, rec := range records {
		p.setPerm(rec)
	}
}
