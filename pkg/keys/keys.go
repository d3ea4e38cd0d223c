// Package keys implements the binary public key encoding used by report
// submitters. A key is 33 bytes on the wire: one version byte whose high
// nibble carries the network (0 mainnet, 1 testnet) and low nibble the key
// type (1 = ed25519), followed by the 32-byte ed25519 public key. The
// network is therefore a property of the key bytes themselves.
package keys

import (
	"crypto/ed25519"
	"errors"

	"github.com/mr-tron/base58"
)

// Network identifies which network a key belongs to.
type Network byte

const (
	Mainnet Network = 0x0
	Testnet Network = 0x1
)

const (
	// KeyTypeEd25519 is the only key type currently accepted.
	KeyTypeEd25519 byte = 0x1

	encodedLen = 1 + ed25519.PublicKeySize
)

var (
	ErrInvalidKey = errors.New("invalid public key")
)

func (n Network) String() string {
	switch n {
	case Mainnet:
		return "mainnet"
	case Testnet:
		return "testnet"
	default:
		return "unknown"
	}
}

// ParseNetwork maps a config string to a Network.
func ParseNetwork(s string) (Network, error) {
	switch s {
	case "mainnet":
		return Mainnet, nil
	case "testnet":
		return Testnet, nil
	default:
		return 0, errors.New("unknown network " + s)
	}
}

// PublicKey is a decoded submitter key.
type PublicKey struct {
	network Network
	key     ed25519.PublicKey
}

// Decode parses the 33-byte wire encoding. It fails on wrong length,
// unknown key type, or unknown network nibble.
func Decode(b []byte) (PublicKey, error) {
	if len(b) != encodedLen {
		return PublicKey{}, ErrInvalidKey
	}
	version := b[0]
	net := Network(version >> 4)
	typ := version & 0x0f
	if typ != KeyTypeEd25519 {
		return PublicKey{}, ErrInvalidKey
	}
	if net != Mainnet && net != Testnet {
		return PublicKey{}, ErrInvalidKey
	}
	key := make(ed25519.PublicKey, ed25519.PublicKeySize)
	copy(key, b[1:])
	return PublicKey{network: net, key: key}, nil
}

// DecodeB58 parses the base58 rendering of the wire encoding.
func DecodeB58(s string) (PublicKey, error) {
	b, err := base58.Decode(s)
	if err != nil {
		return PublicKey{}, ErrInvalidKey
	}
	return Decode(b)
}

// Network returns the network embedded in the key's version byte.
func (p PublicKey) Network() Network { return p.network }

// Bytes returns the 33-byte wire encoding.
func (p PublicKey) Bytes() []byte {
	out := make([]byte, 0, encodedLen)
	out = append(out, byte(p.network)<<4|KeyTypeEd25519)
	out = append(out, p.key...)
	return out
}

// String renders the wire encoding in base58.
func (p PublicKey) String() string { return base58.Encode(p.Bytes()) }

// Verify reports whether sig is a valid ed25519 signature over msg.
func (p PublicKey) Verify(msg, sig []byte) bool {
	if len(sig) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(p.key, msg, sig)
}

// Encode builds the wire encoding for an ed25519 key on the given
// network. Used by tooling and tests; the server only decodes.
func Encode(net Network, key ed25519.PublicKey) []byte {
	out := make([]byte, 0, encodedLen)
	out = append(out, byte(net)<<4|KeyTypeEd25519)
	out = append(out, key...)
	return out
}
