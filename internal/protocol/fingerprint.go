package protocol

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"github.com/zeebo/blake3"
)

// Fingerprint is the canonical digest of a message body. Two deliveries of
// the same message over different transports produce the same fingerprint.
type Fingerprint string

// encMode is the CBOR encoder configured with Core Deterministic Encoding
// (RFC 8949 §4.2): sorted map keys, smallest integer encoding, no
// indefinite-length items.
var encMode cbor.EncMode

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("protocol: CBOR encoder initialization failed: " + err.Error())
	}
}

// fingerprintKey separates message fingerprints from other blake3 uses
// (blob keys) that may hash identical bytes.
var fingerprintKey = [32]byte{
	'p', 'r', 'e', 'v', 'i', 'e', 'w', 's', 'y', 'n', 'c', '.',
	'f', 'i', 'n', 'g', 'e', 'r', 'p', 'r', 'i', 'n', 't',
}

// Canonical returns the deterministic serialized form of m. The message is
// first normalized through its JSON representation so values decoded off the
// wire and values built in-process (int vs float64 payloads, nil vs empty
// maps) encode identically.
func Canonical(m Message) ([]byte, error) {
	raw, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("canonical json: %w", err)
	}
	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, fmt.Errorf("canonical decode: %w", err)
	}
	return encMode.Marshal(generic)
}

// ComputeFingerprint returns the fingerprint of m.
func ComputeFingerprint(m Message) (Fingerprint, error) {
	canonical, err := Canonical(m)
	if err != nil {
		return "", err
	}
	hasher, err := blake3.NewKeyed(fingerprintKey[:])
	if err != nil {
		return "", fmt.Errorf("fingerprint hasher: %w", err)
	}
	hasher.Write(canonical)
	return Fingerprint(hex.EncodeToString(hasher.Sum(nil))), nil
}

// Equal reports whether two messages have the same canonical form.
func Equal(a, b Message) bool {
	ca, errA := Canonical(a)
	cb, errB := Canonical(b)
	return errA == nil && errB == nil && bytes.Equal(ca, cb)
}
