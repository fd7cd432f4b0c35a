package gossip

import (
	mh "github.com/multiformats/go-multihash"
)

// MessageID identifies a message by its content.
type MessageID string

// ComputeID returns the base58 SHA2-256 multihash of data. Topic and origin do
// not take part, so identical payloads always collapse to one ID.
func ComputeID(data []byte) MessageID {
	sum, err := mh.Sum(data, mh.SHA2_256, -1)
	if err != nil {
		// Sum only fails for unknown codes or bad lengths.
		panic(err)
	}
	return MessageID(sum.B58String())
}

func (id MessageID) String() string { return string(id) }
