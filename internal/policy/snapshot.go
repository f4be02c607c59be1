package policy

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"hash/crc32"
)

// Snapshot envelope: magic, version, payload length, CRC-32 of the
// payload, then the payload itself. The payload is canonical JSON of a
// Document (fixed field order, arms ascending by id), so encode →
// decode → encode is byte-equal and torn disk writes fail the CRC.
const (
	snapshotMagic   = "BSNP"
	snapshotVersion = uint16(1)
	headerLen       = 4 + 2 + 4 + 4
)

// ErrBadSnapshot reports an unreadable or corrupt snapshot blob.
type ErrBadSnapshot struct{ Reason string }

func (e *ErrBadSnapshot) Error() string { return "bad snapshot: " + e.Reason }

// ArmRecord is one row of the snapshot arm table.
type ArmRecord struct {
	ID     uint32  `json:"id"`
	Count  uint64  `json:"count"`
	Reward float64 `json:"reward"`
	Active bool    `json:"active"`
}

// Document is the self-describing snapshot payload: policy tag, current
// configuration, arm table, the next arm id and the serialized RNG state.
type Document struct {
	Policy    string      `json:"policy"`
	Config    Config      `json:"config"`
	Arms      []ArmRecord `json:"arms"`
	NextArmID uint32      `json:"next_arm_id"`
	RNG       []byte      `json:"rng,omitempty"`
}

// Encode serializes the full state of a policy into a snapshot blob.
func Encode(p Policy) ([]byte, error) {
	doc, err := p.document()
	if err != nil {
		return nil, err
	}
	payload, err := json.Marshal(doc)
	if err != nil {
		return nil, err
	}

	buf := make([]byte, headerLen, headerLen+len(payload))
	copy(buf[0:4], snapshotMagic)
	binary.BigEndian.PutUint16(buf[4:6], snapshotVersion)
	binary.BigEndian.PutUint32(buf[6:10], uint32(len(payload)))
	binary.BigEndian.PutUint32(buf[10:14], crc32.ChecksumIEEE(payload))
	return append(buf, payload...), nil
}

// Inspect validates the envelope and returns the decoded Document
// without instantiating a policy. Used by snapshot tooling and by the
// state store to detect torn writes at load time.
func Inspect(blob []byte) (*Document, error) {
	if len(blob) < headerLen {
		return nil, &ErrBadSnapshot{Reason: "truncated header"}
	}
	if !bytes.Equal(blob[0:4], []byte(snapshotMagic)) {
		return nil, &ErrBadSnapshot{Reason: "unknown magic"}
	}
	if v := binary.BigEndian.Uint16(blob[4:6]); v != snapshotVersion {
		return nil, &ErrBadSnapshot{Reason: fmt.Sprintf("unknown version %d", v)}
	}
	n := binary.BigEndian.Uint32(blob[6:10])
	if uint32(len(blob)-headerLen) != n {
		return nil, &ErrBadSnapshot{Reason: "payload length mismatch"}
	}
	payload := blob[headerLen:]
	if crc32.ChecksumIEEE(payload) != binary.BigEndian.Uint32(blob[10:14]) {
		return nil, &ErrBadSnapshot{Reason: "checksum mismatch"}
	}

	var doc Document
	if err := json.Unmarshal(payload, &doc); err != nil {
		return nil, &ErrBadSnapshot{Reason: "undecodable payload: " + err.Error()}
	}
	return &doc, nil
}

// Verify reports whether a blob is a well-formed snapshot.
func Verify(blob []byte) error {
	_, err := Inspect(blob)
	return err
}

// Decode rebuilds a policy from a snapshot blob, restoring arms, the arm
// id counter and the RNG state so that draws continue exactly where the
// snapshotted instance left off.
func Decode(blob []byte) (Policy, error) {
	doc, err := Inspect(blob)
	if err != nil {
		return nil, err
	}
	if doc.Policy != doc.Config.Type() {
		return nil, &ErrBadSnapshot{Reason: fmt.Sprintf("policy tag %q does not match config %q", doc.Policy, doc.Config.Type())}
	}

	p, err := New(doc.Config)
	if err != nil {
		return nil, fmt.Errorf("rebuilding policy from snapshot: %w", err)
	}

	switch impl := p.(type) {
	case *EpsilonGreedy:
		impl.arms.restore(doc.Arms, doc.NextArmID)
		err = impl.rng.unmarshal(doc.RNG)
	case *UCB1:
		impl.arms.restore(doc.Arms, doc.NextArmID)
		err = impl.rng.unmarshal(doc.RNG)
	case *ThompsonBeta:
		impl.arms.restore(doc.Arms, doc.NextArmID)
		err = impl.rng.unmarshal(doc.RNG)
	}
	if err != nil {
		return nil, err
	}
	return p, nil
}
