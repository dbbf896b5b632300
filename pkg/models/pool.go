package models

import "sync/atomic"

// Pool is an immutable snapshot of the proxies available for one target.
// A refresh replaces the whole Pool, which also resets the round-robin cursor.
type Pool struct {
	Target  string
	Records []ProxyRecord

	cursor atomic.Uint64
}

func NewPool(target string, records []ProxyRecord) *Pool {
	return &Pool{Target: target, Records: records}
}

func (p *Pool) Len() int {
	if p == nil {
		return 0
	}
	return len(p.Records)
}

func (p *Pool) Empty() bool {
	return p.Len() == 0
}

// Advance moves the round-robin cursor one position and returns the index it was on.
// It must not be called on an empty pool.
func (p *Pool) Advance() int {
	n := p.cursor.Add(1) - 1
	return int(n % uint64(len(p.Records)))
}

// Contains reports whether a record with the given id is part of this snapshot.
func (p *Pool) Contains(id ProxyID) bool {
	if p == nil {
		return false
	}
	for _, r := range p.Records {
		if r.ID == id {
			return true
		}
	}
	return false
}

// IDs returns the record ids in pool order.
func (p *Pool) IDs() []ProxyID {
	if p == nil {
		return nil
	}
	ids := make([]ProxyID, len(p.Records))
	for i, r := range p.Records {
		ids[i] = r.ID
	}
	return ids
}
