package session

import (
	"bytes"

	"meshchat/internal/crypto"
	"meshchat/internal/debuglog"
	"meshchat/internal/proto"
)

// JoinChannel joins a channel and, when password is set, derives its key off
// the caller's goroutine. Concurrent joins with the same password share one
// derivation. The returned channel yields whether a usable key was installed.
func (m *Manager) JoinChannel(channel, password string) <-chan bool {
	done := make(chan bool, 1)
	m.mu.Lock()
	ch := m.channelLocked(channel)
	ch.gen++
	gen := ch.gen
	if password == "" {
		ch.pending = ""
		ch.key, ch.commit, ch.ownAt = nil, nil, 0
		m.mu.Unlock()
		done <- false
		close(done)
		return done
	}
	ch.pending = password
	m.mu.Unlock()

	go func() {
		defer close(done)
		v, err, shared := m.group.Do(channel+"\x00"+password, func() (any, error) {
			return m.derive(channel, password)
		})
		ok := false
		if err != nil {
			debuglog.Logf("channel %s key derivation failed: %v", channel, err)
			m.clearPending(channel, gen)
		} else {
			ok = m.installKey(channel, gen, v.([]byte))
		}
		debuglog.Debugf("channel %s key ready ok=%v shared=%v", channel, ok, shared)
		if m.onReady != nil {
			m.onReady(channel, ok)
		}
		done <- ok
	}()
	return done
}

func (m *Manager) clearPending(channel string, gen uint64) {
	m.mu.Lock()
	if ch, ok := m.channels[channel]; ok && ch.gen == gen {
		ch.pending = ""
	}
	m.mu.Unlock()
}

func (m *Manager) installKey(channel string, gen uint64, key []byte) bool {
	commit := crypto.ChannelCommitment(key)
	m.mu.Lock()
	defer m.mu.Unlock()
	ch, ok := m.channels[channel]
	if !ok || ch.gen != gen {
		return false
	}
	ch.pending = ""
	if ch.auth != nil && !bytes.Equal(ch.auth.commitment, commit) {
		m.metrics.IncKeyRejected()
		debuglog.Debugf("channel %s: derived key does not match the owner's", channel)
		ch.key, ch.commit, ch.ownAt = nil, nil, 0
		return false
	}
	if ch.key == nil || !bytes.Equal(ch.commit, commit) {
		ch.ownAt = m.now().UnixMilli()
	}
	ch.key = append([]byte(nil), key...)
	ch.commit = commit
	if ch.auth == nil {
		ch.auth = &claim{commitment: commit, at: ch.ownAt, origin: m.self()}
	}
	return true
}

// SealChannel encrypts for a channel and returns the key commitment and claim
// time to carry alongside the ciphertext.
func (m *Manager) SealChannel(channel string, plaintext, aad []byte) (box, commitment []byte, claimedAt int64, err error) {
	m.mu.Lock()
	ch, ok := m.channels[channel]
	if !ok || ch.key == nil {
		m.mu.Unlock()
		return nil, nil, 0, ErrNoChannelKey
	}
	key := ch.key
	commitment = append([]byte(nil), ch.commit...)
	claimedAt = ch.ownAt
	m.mu.Unlock()
	box, err = crypto.SealBox(key, plaintext, aad)
	if err != nil {
		return nil, nil, 0, err
	}
	m.metrics.IncSealed()
	return box, commitment, claimedAt, nil
}

// ObserveClaim folds a key claim carried on a channel message into the
// channel state. The earliest claim wins and its origin becomes the owner; a
// local key with a different commitment is discarded. It reports whether the
// local key was dropped.
func (m *Manager) ObserveClaim(channel string, commitment []byte, claimedAt int64, origin proto.PeerID) bool {
	if channel == "" || len(commitment) == 0 || claimedAt <= 0 {
		return false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	ch := m.channelLocked(channel)
	if ch.auth == nil || claimedAt < ch.auth.at ||
		(claimedAt == ch.auth.at && origin.String() < ch.auth.origin.String()) {
		ch.auth = &claim{commitment: append([]byte(nil), commitment...), at: claimedAt, origin: origin}
	}
	if ch.key == nil || bytes.Equal(ch.commit, ch.auth.commitment) {
		return false
	}
	ch.key, ch.commit, ch.ownAt = nil, nil, 0
	m.metrics.IncKeyRejected()
	debuglog.Debugf("channel %s: local key superseded by owner %s", channel, ch.auth.origin)
	return true
}

// DecryptChannelMessage opens a sealed channel payload with the local key.
func (m *Manager) DecryptChannelMessage(box []byte, channel string, aad []byte) ([]byte, error) {
	m.mu.Lock()
	ch, ok := m.channels[channel]
	var key []byte
	if ok {
		key = ch.key
	}
	m.mu.Unlock()
	if !ok {
		return nil, ErrNotJoined
	}
	if key == nil {
		return nil, ErrNoChannelKey
	}
	pt, err := crypto.OpenBox(key, box, aad)
	if err != nil {
		m.metrics.IncDropDecrypt()
		return nil, err
	}
	m.metrics.IncOpened()
	return pt, nil
}
