package crypto

import (
	"bytes"
	"errors"
)

const (
	labelKDFMaster = "meshchat:kdf:v1"
	labelDirKey    = "meshchat:dir:v1"
)

// SessionKeys are the directional keys for one peer pair. Both sides derive
// the same pair with SendKey and RecvKey swapped.
type SessionKeys struct {
	Master  []byte
	SendKey []byte
	RecvKey []byte
}

func DeriveSessionKeys(ss, selfPub, peerPub []byte) (SessionKeys, error) {
	if len(ss) == 0 || len(selfPub) == 0 || len(peerPub) == 0 {
		return SessionKeys{}, errors.New("empty key material")
	}
	if bytes.Equal(selfPub, peerPub) {
		return SessionKeys{}, errors.New("peer key equals own key")
	}
	lo, hi := selfPub, peerPub
	if bytes.Compare(lo, hi) > 0 {
		lo, hi = hi, lo
	}
	master := KDF(labelKDFMaster, ss, lo, hi)
	return SessionKeys{
		Master:  master,
		SendKey: KDF(labelDirKey, master, selfPub),
		RecvKey: KDF(labelDirKey, master, peerPub),
	}, nil
}
