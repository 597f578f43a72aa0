/*
ServiceAddress: a domain-separated hash of a service's signing public
key, rendered as lowercase unpadded base-32 with a ".anon" suffix.

Grounded on _examples/original_source/crates/core/src/service/address.rs
(ServiceAddress::from_public_key uses a domain-separation tag before
hashing the public key with blake3; carried over unchanged here).
*/
package wire

import (
	"encoding/base32"
	"strings"

	"github.com/btcsuite/btcd/btcec"
	"lukechampine.com/blake3"
)

const ServiceAddressSize = 32
const AnonSuffix = ".anon"

// addressDomainTag domain-separates service-address hashing from other
// blake3 uses in this module (NodeId derivation, PoW, KDF).
var addressDomainTag = []byte("anonnet-service-address-v1")

// anonBase32 is the RFC 4648 base-32 alphabet, lowercase, no padding.
var anonBase32 = base32.NewEncoding("abcdefghijklmnopqrstuvwxyz234567").WithPadding(base32.NoPadding)

// ServiceAddress identifies a hidden service by the hash of its public
// key. Clients only ever see this; they never learn a raw IP for the
// service.
type ServiceAddress [ServiceAddressSize]byte

// DeriveServiceAddress computes address = derive(service_public_key).
func DeriveServiceAddress(pub *btcec.PublicKey) ServiceAddress {
	h := blake3.New(ServiceAddressSize, nil)
	h.Write(addressDomainTag)
	h.Write(pub.SerializeCompressed())
	var addr ServiceAddress
	copy(addr[:], h.Sum(nil))
	return addr
}

// String renders the address with its .anon suffix.
func (a ServiceAddress) String() string {
	return anonBase32.EncodeToString(a[:]) + AnonSuffix
}

// expectedBase32Len is the fixed length of the base-32 rendering of a
// 32-byte address with no padding: ceil(32*8/5) = 52 characters.
const expectedBase32Len = 52

// IsAnonHostname reports whether host has the correct base-32 length
// and .anon suffix, without attempting to decode it. Used by the SOCKS
// proxy to reject non-.anon hosts before any DNS-equivalent resolution
// is attempted.
func IsAnonHostname(host string) bool {
	host = strings.ToLower(strings.TrimSpace(host))
	if !strings.HasSuffix(host, AnonSuffix) {
		return false
	}
	base := strings.TrimSuffix(host, AnonSuffix)
	return len(base) == expectedBase32Len
}

// ParseAnonHostname decodes a syntactically valid .anon hostname into a
// ServiceAddress. Callers must check IsAnonHostname first (or handle the
// returned error as PolicyRefusal).
func ParseAnonHostname(host string) (ServiceAddress, error) {
	host = strings.ToLower(strings.TrimSpace(host))
	base := strings.TrimSuffix(host, AnonSuffix)
	raw, err := anonBase32.DecodeString(base)
	if err != nil {
		return ServiceAddress{}, err
	}
	var addr ServiceAddress
	if len(raw) != ServiceAddressSize {
		return ServiceAddress{}, errShortAddress
	}
	copy(addr[:], raw)
	return addr, nil
}

var errShortAddress = shortAddrError{}

type shortAddrError struct{}

func (shortAddrError) Error() string { return "wire: decoded address has wrong length" }
