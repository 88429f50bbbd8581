package audit

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"github.com/zeebo/blake3"
)

const chainKeyContext = "hisadmin 2026-01 audit chain v1"

var chainEncMode cbor.EncMode

func init() {
	var err error
	chainEncMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("audit: CBOR encoder initialization failed: " + err.Error())
	}
}

// sealedFields is the canonical form hashed into the chain. Timestamps are
// kept at microsecond precision so values read back from Postgres verify.
type sealedFields struct {
	ID          int64  `cbor:"1,keyasint"`
	OccurredAt  int64  `cbor:"2,keyasint"`
	ActorID     int64  `cbor:"3,keyasint"`
	ActorName   string `cbor:"4,keyasint"`
	Action      string `cbor:"5,keyasint"`
	Module      string `cbor:"6,keyasint"`
	EntityType  string `cbor:"7,keyasint"`
	EntityID    string `cbor:"8,keyasint"`
	IP          string `cbor:"9,keyasint"`
	RequestID   string `cbor:"10,keyasint"`
	Description string `cbor:"11,keyasint"`
	Outcome     string `cbor:"12,keyasint"`
}

// Chain links events with a keyed BLAKE3 digest over the previous digest and
// the deterministic CBOR encoding of the event.
type Chain struct {
	key [32]byte
}

// NewChain derives the chain key from secret material.
func NewChain(secret []byte) (*Chain, error) {
	if len(secret) == 0 {
		return nil, errors.New("audit: chain secret is empty")
	}
	c := &Chain{}
	blake3.DeriveKey(chainKeyContext, secret, c.key[:])
	return c, nil
}

// Seal sets PrevHash and Hash on ev. ev.ID must already be assigned.
func (c *Chain) Seal(prev []byte, ev *Event) error {
	digest, err := c.digest(prev, *ev)
	if err != nil {
		return err
	}
	ev.PrevHash = append([]byte(nil), prev...)
	ev.Hash = digest
	return nil
}

// Check recomputes the digest of ev against prev.
func (c *Chain) Check(prev []byte, ev Event) error {
	if !bytes.Equal(prev, ev.PrevHash) {
		return ErrChainBroken.With("event %d: previous hash mismatch", ev.ID)
	}
	digest, err := c.digest(prev, ev)
	if err != nil {
		return err
	}
	if !bytes.Equal(digest, ev.Hash) {
		return ErrChainBroken.With("event %d: digest mismatch", ev.ID)
	}
	return nil
}

func (c *Chain) digest(prev []byte, ev Event) ([]byte, error) {
	payload, err := chainEncMode.Marshal(sealedFields{
		ID:          ev.ID,
		OccurredAt:  ev.OccurredAt.UTC().UnixMicro(),
		ActorID:     ev.ActorID,
		ActorName:   ev.ActorName,
		Action:      string(ev.Action),
		Module:      string(ev.Module),
		EntityType:  ev.EntityType,
		EntityID:    ev.EntityID,
		IP:          ev.IP,
		RequestID:   ev.RequestID,
		Description: ev.Description,
		Outcome:     string(ev.Outcome),
	})
	if err != nil {
		return nil, fmt.Errorf("audit: encode event %d: %w", ev.ID, err)
	}
	hasher, err := blake3.NewKeyed(c.key[:])
	if err != nil {
		return nil, err
	}
	_, _ = hasher.Write(prev)
	_, _ = hasher.Write(payload)
	return hasher.Sum(nil), nil
}
