package rendezvous

import (
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/a7maadf/anonnet/identity"
)

// CookieSize matches spec.md's 20-byte rendezvous_cookie.
const CookieSize = 20

// Cookie identifies one pending rendezvous at the chosen rendezvous
// point, generated fresh by the client per connection attempt.
type Cookie [CookieSize]byte

func newCookie() (Cookie, error) {
	var c Cookie
	if _, err := rand.Read(c[:]); err != nil {
		return c, fmt.Errorf("rendezvous: generate cookie: %w", err)
	}
	return c, nil
}

// establishIntroBody is ESTABLISH_INTRO's payload: the service's routing
// key in the clear, so the intro point can index {service_public_key ->
// intro_circuit} (§4.4 step 2).
type establishIntroBody struct {
	ServiceRouteKey []byte
}

func encodeEstablishIntro(b *establishIntroBody) []byte {
	buf := make([]byte, 2+len(b.ServiceRouteKey))
	binary.LittleEndian.PutUint16(buf[0:2], uint16(len(b.ServiceRouteKey)))
	copy(buf[2:], b.ServiceRouteKey)
	return buf
}

func decodeEstablishIntro(raw []byte) (*establishIntroBody, error) {
	if len(raw) < 2 {
		return nil, errors.New("rendezvous: ESTABLISH_INTRO truncated")
	}
	n := int(binary.LittleEndian.Uint16(raw[0:2]))
	if 2+n > len(raw) {
		return nil, errors.New("rendezvous: ESTABLISH_INTRO malformed")
	}
	return &establishIntroBody{ServiceRouteKey: append([]byte(nil), raw[2:2+n]...)}, nil
}

// innerIntroduce is the plaintext sealed to the service's encryption key:
// which rendezvous point the client chose and the cookie it registered
// there (§4.6 step 3). The client's ephemeral DH value travels alongside
// this ciphertext in the clear (introduceBody.ClientEphemeralPub) since
// the recipient needs it unsealed to even begin decryption.
type innerIntroduce struct {
	RendezvousNode identity.NodeID
	Cookie         Cookie
}

func encodeInnerIntroduce(b *innerIntroduce) []byte {
	buf := make([]byte, identity.NodeIDSize+CookieSize)
	copy(buf[0:identity.NodeIDSize], b.RendezvousNode[:])
	copy(buf[identity.NodeIDSize:], b.Cookie[:])
	return buf
}

func decodeInnerIntroduce(raw []byte) (*innerIntroduce, error) {
	if len(raw) != identity.NodeIDSize+CookieSize {
		return nil, errors.New("rendezvous: inner INTRODUCE malformed")
	}
	var b innerIntroduce
	copy(b.RendezvousNode[:], raw[0:identity.NodeIDSize])
	copy(b.Cookie[:], raw[identity.NodeIDSize:])
	return &b, nil
}

// introduceBody is carried unchanged from INTRODUCE1 (client -> intro
// point) to INTRODUCE2 (intro point -> service): a routing key in the
// clear, the client's ephemeral DH value, and the sealed innerIntroduce.
type introduceBody struct {
	ServiceRouteKey    []byte
	ClientEphemeralPub [32]byte
	Ciphertext         []byte
}

func encodeIntroduce(b *introduceBody) []byte {
	buf := make([]byte, 2+len(b.ServiceRouteKey)+32+2+len(b.Ciphertext))
	off := 0
	binary.LittleEndian.PutUint16(buf[off:off+2], uint16(len(b.ServiceRouteKey)))
	off += 2
	copy(buf[off:], b.ServiceRouteKey)
	off += len(b.ServiceRouteKey)
	copy(buf[off:], b.ClientEphemeralPub[:])
	off += 32
	binary.LittleEndian.PutUint16(buf[off:off+2], uint16(len(b.Ciphertext)))
	off += 2
	copy(buf[off:], b.Ciphertext)
	return buf
}

func decodeIntroduce(raw []byte) (*introduceBody, error) {
	if len(raw) < 2 {
		return nil, errors.New("rendezvous: INTRODUCE truncated")
	}
	off := 0
	routeLen := int(binary.LittleEndian.Uint16(raw[off : off+2]))
	off += 2
	if off+routeLen+32+2 > len(raw) {
		return nil, errors.New("rendezvous: INTRODUCE malformed")
	}
	b := &introduceBody{ServiceRouteKey: append([]byte(nil), raw[off:off+routeLen]...)}
	off += routeLen
	copy(b.ClientEphemeralPub[:], raw[off:off+32])
	off += 32
	ctLen := int(binary.LittleEndian.Uint16(raw[off : off+2]))
	off += 2
	if off+ctLen > len(raw) {
		return nil, errors.New("rendezvous: INTRODUCE ciphertext truncated")
	}
	b.Ciphertext = append([]byte(nil), raw[off:off+ctLen]...)
	return b, nil
}

// establishRendezvousBody is ESTABLISH_RENDEZVOUS's payload (§4.6 step 2).
type establishRendezvousBody struct {
	Cookie Cookie
}

func encodeEstablishRendezvous(b *establishRendezvousBody) []byte {
	return append([]byte(nil), b.Cookie[:]...)
}

func decodeEstablishRendezvous(raw []byte) (*establishRendezvousBody, error) {
	if len(raw) != CookieSize {
		return nil, errors.New("rendezvous: ESTABLISH_RENDEZVOUS malformed")
	}
	var b establishRendezvousBody
	copy(b.Cookie[:], raw)
	return &b, nil
}

// rendezvousBody carries a cookie plus an ephemeral public key; used for
// RENDEZVOUS1 (service -> R, cookie included) and RENDEZVOUS2 (R ->
// client, cookie omitted since the client circuit already identifies the
// attempt) by zeroing Cookie on encode when unused.
type rendezvousBody struct {
	Cookie      Cookie
	EphemeralPub [32]byte
}

func encodeRendezvous1(b *rendezvousBody) []byte {
	buf := make([]byte, CookieSize+32)
	copy(buf[0:CookieSize], b.Cookie[:])
	copy(buf[CookieSize:], b.EphemeralPub[:])
	return buf
}

func decodeRendezvous1(raw []byte) (*rendezvousBody, error) {
	if len(raw) != CookieSize+32 {
		return nil, errors.New("rendezvous: RENDEZVOUS1 malformed")
	}
	var b rendezvousBody
	copy(b.Cookie[:], raw[0:CookieSize])
	copy(b.EphemeralPub[:], raw[CookieSize:])
	return &b, nil
}

func encodeRendezvous2(ephemeralPub [32]byte) []byte {
	return append([]byte(nil), ephemeralPub[:]...)
}

func decodeRendezvous2(raw []byte) ([32]byte, error) {
	var pub [32]byte
	if len(raw) != 32 {
		return pub, errors.New("rendezvous: RENDEZVOUS2 malformed")
	}
	copy(pub[:], raw)
	return pub, nil
}

func encodeRendezvousNack(cookie Cookie) []byte {
	return append([]byte(nil), cookie[:]...)
}

func decodeRendezvousNack(raw []byte) (Cookie, error) {
	var c Cookie
	if len(raw) != CookieSize {
		return c, errors.New("rendezvous: RENDEZVOUS_NACK malformed")
	}
	copy(c[:], raw)
	return c, nil
}
