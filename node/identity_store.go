package node

import (
	"encoding/binary"
	"fmt"

	"github.com/a7maadf/anonnet/identity"
	"github.com/a7maadf/anonnet/store"
)

// identityKey is the store key identity.key's contents live under.
const identityKey = "identity"

// encodeIdentity serializes id's private key and PoW witness into the
// flat record persisted as identity.key (§6): 32-byte private key, then
// 8-byte little-endian witness, then 1-byte difficulty.
func encodeIdentity(id *identity.Identity) []byte {
	raw := id.PrivateKey.Serialize()
	buf := make([]byte, len(raw)+9)
	copy(buf, raw)
	binary.LittleEndian.PutUint64(buf[len(raw):], id.PoW.Witness)
	buf[len(raw)+8] = id.PoW.Difficulty
	return buf
}

func decodeIdentity(raw []byte) (*identity.Identity, error) {
	if len(raw) != 41 {
		return nil, fmt.Errorf("node: malformed identity record (%d bytes)", len(raw))
	}
	pow := identity.ProofOfWork{
		Witness:    binary.LittleEndian.Uint64(raw[32:40]),
		Difficulty: raw[40],
	}
	return identity.FromPrivateKeyBytes(raw[:32], pow)
}

// loadOrCreateIdentity reads identity.key from keys, mining a fresh
// identity at difficulty and persisting it if none exists yet.
func loadOrCreateIdentity(keys store.Store, difficulty uint8) (*identity.Identity, error) {
	if raw, found := keys.Get([]byte(identityKey)); found {
		id, err := decodeIdentity(raw)
		if err != nil {
			return nil, fmt.Errorf("node: loading identity.key: %w", err)
		}
		return id, nil
	}

	id, err := identity.Generate(difficulty)
	if err != nil {
		return nil, fmt.Errorf("node: mining identity: %w", err)
	}
	if err := keys.Set([]byte(identityKey), encodeIdentity(id)); err != nil {
		return nil, fmt.Errorf("node: persisting identity.key: %w", err)
	}
	return id, nil
}

// serviceKeyFor returns the store key under which a hosted service's keypair is
// persisted, mirroring service_keys/<address>.key (§6).
func serviceKeyFor(addr string) string {
	return "service:" + addr
}
