package crypto

import (
	"crypto/ecdsa"
	"crypto/rand"
	"fmt"
	"strings"

	"github.com/btcsuite/btcutil/bech32"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// AddressPrefix defines the human-readable part of an encoded identity.
type AddressPrefix string

// SkillChainPrefix is the prefix used for every participant identity.
const SkillChainPrefix AddressPrefix = "skc"

// Address represents a 20-byte participant identity with a specific prefix.
type Address struct {
	prefix AddressPrefix
	bytes  [20]byte
}

// NewAddress wraps b into an address. b must be exactly 20 bytes long.
func NewAddress(prefix AddressPrefix, b []byte) (Address, error) {
	if len(b) != 20 {
		return Address{}, fmt.Errorf("address must be 20 bytes long, got %d", len(b))
	}
	var raw [20]byte
	copy(raw[:], b)
	return Address{prefix: prefix, bytes: raw}, nil
}

// MustNewAddress is NewAddress for callers that already hold a 20-byte value.
func MustNewAddress(prefix AddressPrefix, b []byte) Address {
	addr, err := NewAddress(prefix, b)
	if err != nil {
		panic(err)
	}
	return addr
}

func (a Address) String() string {
	conv, err := bech32.ConvertBits(a.bytes[:], 8, 5, true)
	if err != nil {
		panic(err)
	}
	encoded, err := bech32.Encode(string(a.prefix), conv)
	if err != nil {
		panic(err)
	}
	return encoded
}

// Bytes returns the raw 20 byte identity.
func (a Address) Bytes() [20]byte { return a.bytes }

// Prefix returns the human-readable prefix associated with the address.
func (a Address) Prefix() AddressPrefix { return a.prefix }

// Hex returns the 0x-prefixed checksummed form.
func (a Address) Hex() string { return common.BytesToAddress(a.bytes[:]).Hex() }

func DecodeAddress(addrStr string) (Address, error) {
	prefix, decoded, err := bech32.Decode(addrStr)
	if err != nil {
		return Address{}, fmt.Errorf("invalid bech32 string: %w", err)
	}
	conv, err := bech32.ConvertBits(decoded, 5, 8, false)
	if err != nil {
		return Address{}, fmt.Errorf("error converting bits: %w", err)
	}
	return NewAddress(AddressPrefix(prefix), conv)
}

// FormatIdentity renders a raw identity in its canonical bech32 form.
func FormatIdentity(id [20]byte) string {
	return Address{prefix: SkillChainPrefix, bytes: id}.String()
}

// ParseIdentity accepts either the bech32 form (skc1...) or a 0x-prefixed hex
// address and returns the raw identity.
func ParseIdentity(s string) ([20]byte, error) {
	trimmed := strings.TrimSpace(s)
	if trimmed == "" {
		return [20]byte{}, fmt.Errorf("identity must not be empty")
	}
	if strings.HasPrefix(trimmed, "0x") || strings.HasPrefix(trimmed, "0X") {
		if !common.IsHexAddress(trimmed) {
			return [20]byte{}, fmt.Errorf("invalid hex identity %q", trimmed)
		}
		return common.HexToAddress(trimmed), nil
	}
	addr, err := DecodeAddress(strings.ToLower(trimmed))
	if err != nil {
		return [20]byte{}, err
	}
	if addr.Prefix() != SkillChainPrefix {
		return [20]byte{}, fmt.Errorf("unexpected identity prefix %q", addr.Prefix())
	}
	return addr.Bytes(), nil
}

// --- Key Management ---

type PrivateKey struct {
	*ecdsa.PrivateKey
}

func GeneratePrivateKey() (*PrivateKey, error) {
	key, err := ecdsa.GenerateKey(crypto.S256(), rand.Reader)
	if err != nil {
		return nil, err
	}
	return &PrivateKey{key}, nil
}

// Bytes returns the byte representation of the private key.
func (k *PrivateKey) Bytes() []byte {
	return crypto.FromECDSA(k.PrivateKey)
}

// Identity derives the participant identity controlled by the key.
func (k *PrivateKey) Identity() [20]byte {
	return crypto.PubkeyToAddress(k.PublicKey)
}
