package session

import "sync"

// policyTable holds the two global levels of the timeout override chain
// (per-name and kind-wide) plus the group caps. The third, most specific
// level lives on the records themselves (Record.pinned).
//
// Chain order: individually-pinned record timeout > per-name global
// timeout > kind-wide default. A level that is explicitly set wins even
// when it is Never; lower levels are only consulted when the level above
// was never set.
type policyTable struct {
	mu sync.RWMutex

	kindDefault map[Kind]Timeout
	kindSet     map[Kind]bool
	perName     map[Kind]map[string]Timeout

	groupCap map[Kind]int // 0 = unlimited
}

func newPolicyTable() *policyTable {
	return &policyTable{
		kindDefault: make(map[Kind]Timeout),
		kindSet:     make(map[Kind]bool),
		perName:     make(map[Kind]map[string]Timeout),
		groupCap:    make(map[Kind]int),
	}
}

// resolve returns the policy timeout for a non-pinned record of the given
// kind and state name.
func (p *policyTable) resolve(kind Kind, stateName string) Timeout {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if names, ok := p.perName[kind]; ok {
		if t, ok := names[stateName]; ok {
			return t
		}
	}
	if p.kindSet[kind] {
		return p.kindDefault[kind]
	}
	return Never
}

func (p *policyTable) setKindDefault(kind Kind, t Timeout) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.kindDefault[kind] = t
	p.kindSet[kind] = true
}

func (p *policyTable) setNameTimeout(kind Kind, stateName string, t Timeout) {
	p.mu.Lock()
	defer p.mu.Unlock()
	names := p.perName[kind]
	if names == nil {
		names = make(map[string]Timeout)
		p.perName[kind] = names
	}
	names[stateName] = t
}

func (p *policyTable) setGroupCap(kind Kind, limit int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.groupCap[kind] = limit
}

func (p *policyTable) capFor(kind Kind) int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.groupCap[kind]
}
