package crypto

import (
	"crypto/sha256"
	"errors"

	"golang.org/x/crypto/pbkdf2"
)

const (
	ChannelKDFIterations = 100000
	CommitmentSize       = 8

	channelSaltPrefix = "meshchat:channel:"
	labelCommitment   = "meshchat:commit:v1"
)

// DeriveChannelKey stretches a channel password into a 32-byte AEAD key. The
// salt is bound to the channel name so the same password yields distinct keys
// in distinct channels.
func DeriveChannelKey(channel, password string) ([]byte, error) {
	if channel == "" {
		return nil, errors.New("empty channel")
	}
	if password == "" {
		return nil, errors.New("empty password")
	}
	return pbkdf2.Key([]byte(password), []byte(channelSaltPrefix+channel), ChannelKDFIterations, XKeySize, sha256.New), nil
}

func ChannelCommitment(key []byte) []byte {
	return KDF(labelCommitment, key)[:CommitmentSize]
}
