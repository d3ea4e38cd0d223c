// Package report defines the report kinds accepted by the server, their
// canonical signed byte form, the storage envelope, and event identifiers.
package report

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/fxamacker/cbor/v2"
)

// Kind names one report stream.
type Kind string

const (
	KindBeacon    Kind = "beacon"
	KindWitness   Kind = "witness"
	KindHeartbeat Kind = "heartbeat"
	KindSpeedtest Kind = "speedtest"
)

// Report is implemented by every accepted report kind.
type Report interface {
	// Kind names the stream this report belongs to.
	Kind() Kind
	// PubKey returns the submitter's raw wire key bytes.
	PubKey() []byte
	// Sig returns the submitted signature bytes.
	Sig() []byte
	// SignedBytes returns the exact canonical bytes the signature covers,
	// with the signature field itself excluded.
	SignedBytes() ([]byte, error)
	// Validate performs kind-specific field checks beyond the gate.
	Validate() error
}

// Ingest wraps an accepted report with its receive timestamp (unix
// milliseconds, assigned once at acceptance).
type Ingest struct {
	ReceivedTimestamp int64  `cbor:"1,keyasint"`
	Kind              Kind   `cbor:"2,keyasint"`
	Report            Report `cbor:"-"`
}

// envelope is the persisted CBOR form of an Ingest.
type envelope struct {
	ReceivedTimestamp int64           `cbor:"1,keyasint"`
	Kind              Kind            `cbor:"2,keyasint"`
	Report            cbor.RawMessage `cbor:"3,keyasint"`
}

// Encode serializes an ingest report for segment storage.
func (in Ingest) Encode() ([]byte, error) {
	body, err := cbor.Marshal(in.Report)
	if err != nil {
		return nil, fmt.Errorf("encode %s report: %w", in.Kind, err)
	}
	b, err := cbor.Marshal(envelope{
		ReceivedTimestamp: in.ReceivedTimestamp,
		Kind:              in.Kind,
		Report:            body,
	})
	if err != nil {
		return nil, fmt.Errorf("encode %s envelope: %w", in.Kind, err)
	}
	return b, nil
}

// Decode parses a stored ingest record back into its typed report.
func Decode(b []byte) (Ingest, error) {
	var env envelope
	if err := cbor.Unmarshal(b, &env); err != nil {
		return Ingest{}, fmt.Errorf("decode envelope: %w", err)
	}
	r, err := newByKind(env.Kind)
	if err != nil {
		return Ingest{}, err
	}
	if err := cbor.Unmarshal(env.Report, r); err != nil {
		return Ingest{}, fmt.Errorf("decode %s report: %w", env.Kind, err)
	}
	return Ingest{ReceivedTimestamp: env.ReceivedTimestamp, Kind: env.Kind, Report: r}, nil
}

func newByKind(k Kind) (Report, error) {
	switch k {
	case KindBeacon:
		return &Beacon{}, nil
	case KindWitness:
		return &Witness{}, nil
	case KindHeartbeat:
		return &Heartbeat{}, nil
	case KindSpeedtest:
		return &Speedtest{}, nil
	default:
		return nil, fmt.Errorf("unknown report kind %q", k)
	}
}

// EventIDSize is the digest length in bytes.
const EventIDSize = sha256.Size

// EventID derives the content digest returned to submitters: SHA-256 over
// the report's canonical payload bytes, the textual rendering of the
// receive timestamp, and the raw public key bytes. Pure and deterministic;
// used for correlation and audit only, never as a dedup key.
func EventID(payload []byte, received time.Time, pubKey []byte) [EventIDSize]byte {
	h := sha256.New()
	h.Write(payload)
	h.Write([]byte(received.UTC().Format(time.RFC3339Nano)))
	h.Write(pubKey)
	var out [EventIDSize]byte
	copy(out[:], h.Sum(nil))
	return out
}

// EventIDString renders an event id the way the API returns it.
func EventIDString(id [EventIDSize]byte) string {
	return hex.EncodeToString(id[:])
}
