// Package verify implements the stateless verification gate applied to
// every submitted report before anything else touches it.
package verify

import (
	"errors"

	"reportd/pkg/keys"
	"reportd/pkg/report"
)

// Gate failures, in check order. Exactly one is returned on first failure;
// nothing downstream of the gate runs on any failure path.
var (
	ErrInvalidPublicKey = errors.New("invalid public key")
	ErrInvalidNetwork   = errors.New("invalid network")
	ErrInvalidSignature = errors.New("invalid signature")
)

// Gate validates submitter key, network, and signature. Stateless and safe
// for unlimited concurrent callers.
type Gate struct {
	required    keys.Network
	skipNetwork map[report.Kind]bool
}

// New builds a gate requiring the given network. skipNetwork lists report
// kinds whose network check is disabled by per-stream configuration.
func New(required keys.Network, skipNetwork map[report.Kind]bool) *Gate {
	return &Gate{required: required, skipNetwork: skipNetwork}
}

// Verify runs decode -> network -> signature in strict order with
// short-circuit on first failure, returning the decoded key on success.
func (g *Gate) Verify(r report.Report) (keys.PublicKey, error) {
	pub, err := keys.Decode(r.PubKey())
	if err != nil {
		return keys.PublicKey{}, ErrInvalidPublicKey
	}
	if !g.skipNetwork[r.Kind()] && pub.Network() != g.required {
		return keys.PublicKey{}, ErrInvalidNetwork
	}
	msg, err := r.SignedBytes()
	if err != nil {
		// Canonical serialization failing means the report cannot have
		// been signed over well-formed bytes.
		return keys.PublicKey{}, ErrInvalidSignature
	}
	if !pub.Verify(msg, r.Sig()) {
		return keys.PublicKey{}, ErrInvalidSignature
	}
	return pub, nil
}

// Reason maps a gate error to its wire error code.
func Reason(err error) string {
	switch {
	case errors.Is(err, ErrInvalidPublicKey):
		return "invalid_public_key"
	case errors.Is(err, ErrInvalidNetwork):
		return "invalid_network"
	case errors.Is(err, ErrInvalidSignature):
		return "invalid_signature"
	default:
		return "invalid_argument"
	}
}
