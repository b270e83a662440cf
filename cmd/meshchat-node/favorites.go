package main

import (
	"strings"
	"sync/atomic"

	"meshchat/internal/mesh"
	"meshchat/internal/proto"
)

// favorites is the node's mesh.Collaborator: peers are favorites by nickname,
// since PeerIDs change on every radio session.
type favorites struct {
	names map[string]struct{}
	svc   atomic.Pointer[mesh.Service]
}

func newFavorites(names []string) *favorites {
	f := &favorites{names: make(map[string]struct{}, len(names))}
	for _, n := range names {
		if n = strings.TrimSpace(n); n != "" {
			f.names[n] = struct{}{}
		}
	}
	return f
}

func (f *favorites) bind(svc *mesh.Service) {
	f.svc.Store(svc)
}

func (f *favorites) Nickname() (string, bool) {
	return "", false
}

func (f *favorites) IsFavorite(id proto.PeerID) bool {
	svc := f.svc.Load()
	if svc == nil || len(f.names) == 0 {
		return false
	}
	_, ok := f.names[svc.PeerNicknames()[id]]
	return ok
}

func (f *favorites) DecryptChannelMessage([]byte, string) (string, bool) {
	return "", false
}
