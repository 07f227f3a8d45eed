package main

import "golang.org/x/exp/maps"

// DenyList implementations answer whether a sender address has been banned
// from posting. Denied addresses are refused before rate limiting or
// moderation ever run.
type DenyList interface {
	Contains(senderAddress string) bool
}

type MemoryDenyList struct {
	denied map[string]struct{}
}

func NewMemoryDenyList(senderAddresses []string) *MemoryDenyList {
	denied := make(map[string]struct{}, len(senderAddresses))
	for _, addr := range senderAddresses {
		denied[addr] = struct{}{}
	}

	return &MemoryDenyList{denied: denied}
}

func (l *MemoryDenyList) Contains(senderAddress string) bool {
	_, ok := l.denied[senderAddress]
	return ok
}

// Addresses returns the denied addresses, mostly for startup logging.
func (l *MemoryDenyList) Addresses() []string {
	return maps.Keys(l.denied)
}
