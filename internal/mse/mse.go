// Package mse implements the MSE/PE (Message Stream Encryption /
// Protocol Encryption) handshake used to obfuscate the
// BitTorrent wire protocol from passive eavesdropping and portscanning,
// before any BitTorrent handshake bytes appear on the wire.
//
// See http://wiki.vuze.com/w/Message_Stream_Encryption for the protocol
// this implements.
package mse

import (
	"bytes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/rc4"  // nolint: gosec
	"crypto/sha1" // nolint: gosec
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/ioutil"
	"math"
	"math/big"

	"github.com/dht11-dev/gorrent/internal/logger"
)

var (
	// dhPrime is the fixed 768-bit prime specified by MSE/PE.
	dhPrime = []byte{255, 255, 255, 255, 255, 255, 255, 255, 201, 15, 218, 162, 33, 104, 194, 52, 196, 198, 98, 139, 128, 220, 28, 209, 41, 2, 78, 8, 138, 103, 204, 116, 2, 11, 190, 166, 59, 19, 155, 34, 81, 74, 8, 121, 142, 52, 4, 221, 239, 149, 25, 179, 205, 58, 67, 27, 48, 43, 10, 109, 242, 95, 20, 55, 79, 225, 53, 109, 109, 81, 194, 69, 228, 133, 181, 118, 98, 94, 126, 198, 244, 76, 66, 233, 166, 58, 54, 33, 0, 0, 0, 0, 0, 9, 5, 99}
	p       = new(big.Int)
	g       = big.NewInt(2)
	vc      = make([]byte, 8)
)

func init() { p.SetBytes(dhPrime) }

// CryptoMethod is a bitfield of the crypto methods a side will accept.
type CryptoMethod uint32

// Crypto methods defined by the MSE spec. gorrent prefers RC4 and accepts
// PlainText when the other side offers nothing else and encryption is not
// forced.
const (
	PlainText CryptoMethod = 1 << iota
	RC4
)

func (c CryptoMethod) String() string {
	switch c {
	case PlainText:
		return "plaintext"
	case RC4:
		return "rc4"
	default:
		return "unknown"
	}
}

// Handshake wraps a raw io.ReadWriter (typically a net.Conn) and performs
// the MSE Diffie-Hellman + RC4 negotiation before any BT traffic flows.
// After a successful Outgoing/Incoming call, Read/Write are transparent
// RC4 (or plaintext, if selected) framing over the wrapped stream.
type Handshake struct {
	raw io.ReadWriter
	r   *cipher.StreamReader
	w   *cipher.StreamWriter
	r2  io.Reader
	log logger.Logger
}

// New wraps rw. Outgoing or Incoming must be called before Read/Write.
func New(rw io.ReadWriter, log logger.Logger) *Handshake {
	return &Handshake{raw: rw, log: log}
}

func (s *Handshake) Read(p []byte) (int, error)  { return s.r2.Read(p) }
func (s *Handshake) Write(p []byte) (int, error) { return s.w.Write(p) }

// Outgoing runs the initiator side of the handshake. sKey is the stream
// key (SKEY, the infohash); cryptoProvide advertises
// the methods this side accepts; initialPayload (the BT handshake, which
// internal/handshake's Dial sends this way before any plaintext retry) is
// sent encrypted along with the negotiation to save a round trip.
func (s *Handshake) Outgoing(sKey []byte, cryptoProvide CryptoMethod, initialPayload []byte) (selected CryptoMethod, err error) {
	if cryptoProvide == 0 {
		return 0, errors.New("mse: no crypto methods provided")
	}
	if len(initialPayload) > math.MaxUint16 {
		return 0, errors.New("mse: initial payload too large")
	}

	writeBuf := bytes.NewBuffer(make([]byte, 0, 96+512))

	Xa, Ya, err := keyPair()
	if err != nil {
		return 0, err
	}

	// Step 1 | A->B: Ya, PadA
	writeBuf.Write(bytesWithPad(Ya))
	padA, err := padRandom()
	if err != nil {
		return 0, err
	}
	writeBuf.Write(padA)
	if _, err = writeBuf.WriteTo(s.raw); err != nil {
		return 0, err
	}

	// Step 2 | B->A: Yb, PadB
	b := make([]byte, 96+512)
	firstRead, err := io.ReadAtLeast(s.raw, b, 96)
	if err != nil {
		return 0, err
	}
	Yb := new(big.Int).SetBytes(b[:96])
	S := Yb.Exp(Yb, Xa, p)
	if err = s.initRC4("keyA", "keyB", S, sKey); err != nil {
		return 0, err
	}

	// Step 3 | A->B: HASH(req1,S), HASH(req2,SKEY) xor HASH(req3,S), ENCRYPT(VC, crypto_provide, PadC, IA)
	hashS, hashSKey := hashes(S, sKey)
	padC, err := padZero()
	if err != nil {
		return 0, err
	}
	writeBuf.Write(hashS)
	writeBuf.Write(hashSKey)
	writeBuf.Write(vc)
	_ = binary.Write(writeBuf, binary.BigEndian, cryptoProvide)
	_ = binary.Write(writeBuf, binary.BigEndian, uint16(len(padC)))
	writeBuf.Write(padC)
	_ = binary.Write(writeBuf, binary.BigEndian, uint16(len(initialPayload)))
	writeBuf.Write(initialPayload)
	encBytes := writeBuf.Bytes()[40:]
	s.w.S.XORKeyStream(encBytes, encBytes)
	if _, err = writeBuf.WriteTo(s.raw); err != nil {
		return 0, err
	}

	// Step 4 | B->A: ENCRYPT(VC, crypto_select, PadD)
	vcEnc := make([]byte, 8)
	s.r.S.XORKeyStream(vcEnc, vc)
	if err = s.readSync(vcEnc, 616-firstRead); err != nil {
		return 0, err
	}
	if err = binary.Read(s.r, binary.BigEndian, &selected); err != nil {
		return 0, err
	}
	if selected == 0 {
		return 0, errors.New("mse: peer selected no crypto method")
	}
	if !isPowerOfTwo(uint32(selected)) {
		return 0, fmt.Errorf("mse: invalid crypto selected: %d", selected)
	}
	if selected&cryptoProvide == 0 {
		return 0, fmt.Errorf("mse: selected crypto was not provided: %d", selected)
	}
	var lenPadD uint16
	if err = binary.Read(s.r, binary.BigEndian, &lenPadD); err != nil {
		return 0, err
	}
	if _, err = io.CopyN(ioutil.Discard, s.r, int64(lenPadD)); err != nil {
		return 0, err
	}
	s.updateCipher(selected)
	s.r2 = s.r
	s.log.Debugln("mse: outgoing handshake complete, selected", selected)
	return selected, nil
}

// Incoming runs the receiver side. getSKey resolves the SKEY hash read
// off the wire back to the matching infohash (HashSKey); cryptoSelect
// picks one of the peer's provided methods. Returns the cipher selected.
func (s *Handshake) Incoming(getSKey func(sKeyHash [20]byte) []byte, cryptoSelect func(provided CryptoMethod) CryptoMethod) (selected CryptoMethod, err error) {
	writeBuf := bytes.NewBuffer(make([]byte, 0, 96+512))

	Xb, Yb, err := keyPair()
	if err != nil {
		return 0, err
	}

	// Step 1 | A->B: Ya, PadA
	b := make([]byte, 96+512)
	firstRead, err := io.ReadAtLeast(s.raw, b, 96)
	if err != nil {
		return 0, err
	}
	Ya := new(big.Int).SetBytes(b[:96])
	S := Ya.Exp(Ya, Xb, p)

	// Step 2 | B->A: Yb, PadB
	writeBuf.Write(bytesWithPad(Yb))
	padB, err := padRandom()
	if err != nil {
		return 0, err
	}
	writeBuf.Write(padB)
	if _, err = writeBuf.WriteTo(s.raw); err != nil {
		return 0, err
	}

	// Step 3 | A->B: resync on HASH(req1,S), then read SKEY hash and crypto_provide
	req1 := hashInt("req1", S)
	if err = s.readSync(req1, 628-firstRead); err != nil {
		return 0, err
	}
	var hashRead [20]byte
	if _, err = io.ReadFull(s.raw, hashRead[:]); err != nil {
		return 0, err
	}
	req3 := hashInt("req3", S)
	for i := 0; i < sha1.Size; i++ {
		hashRead[i] ^= req3[i]
	}
	sKey := getSKey(hashRead)
	if sKey == nil {
		return 0, errors.New("mse: no matching SKEY for incoming handshake")
	}
	if err = s.initRC4("keyB", "keyA", S, sKey); err != nil {
		return 0, err
	}
	vcRead := make([]byte, 8)
	if _, err = io.ReadFull(s.r, vcRead); err != nil {
		return 0, err
	}
	if !bytes.Equal(vcRead, vc) {
		return 0, fmt.Errorf("mse: invalid VC: %s", hex.EncodeToString(vcRead))
	}
	var cryptoProvide CryptoMethod
	if err = binary.Read(s.r, binary.BigEndian, &cryptoProvide); err != nil {
		return 0, err
	}
	if cryptoProvide == 0 {
		return 0, errors.New("mse: peer provided no crypto methods")
	}
	selected = cryptoSelect(cryptoProvide)
	if selected == 0 {
		return 0, errors.New("mse: none of the peer's provided methods are accepted")
	}
	if !isPowerOfTwo(uint32(selected)) {
		return 0, fmt.Errorf("mse: invalid crypto selected: %d", selected)
	}
	if selected&cryptoProvide == 0 {
		return 0, fmt.Errorf("mse: selected crypto not provided: %d", selected)
	}
	var lenPadC uint16
	if err = binary.Read(s.r, binary.BigEndian, &lenPadC); err != nil {
		return 0, err
	}
	if _, err = io.CopyN(ioutil.Discard, s.r, int64(lenPadC)); err != nil {
		return 0, err
	}
	var lenIA uint16
	if err = binary.Read(s.r, binary.BigEndian, &lenIA); err != nil {
		return 0, err
	}
	ia := bytes.NewBuffer(make([]byte, 0, lenIA))
	if _, err = io.CopyN(ia, s.r, int64(lenIA)); err != nil {
		return 0, err
	}

	// Step 4 | B->A: ENCRYPT(VC, crypto_select, PadD)
	writeBuf.Write(vc)
	_ = binary.Write(writeBuf, binary.BigEndian, selected)
	padD, err := padZero()
	if err != nil {
		return 0, err
	}
	_ = binary.Write(writeBuf, binary.BigEndian, uint16(len(padD)))
	writeBuf.Write(padD)
	if _, err = writeBuf.WriteTo(s.w); err != nil {
		return 0, err
	}

	s.updateCipher(selected)
	s.r2 = io.MultiReader(ia, s.r)
	s.log.Debugln("mse: incoming handshake complete, selected", selected)
	return selected, nil
}

func (s *Handshake) initRC4(encKey, decKey string, S *big.Int, sKey []byte) error { // nolint:gocritic
	cipherEnc, err := rc4.NewCipher(rc4Key(encKey, S, sKey)) // nolint: gosec
	if err != nil {
		return err
	}
	cipherDec, err := rc4.NewCipher(rc4Key(decKey, S, sKey)) // nolint: gosec
	if err != nil {
		return err
	}
	var discard [1024]byte
	cipherEnc.XORKeyStream(discard[:], discard[:])
	cipherDec.XORKeyStream(discard[:], discard[:])
	s.w = &cipher.StreamWriter{S: cipherEnc, W: s.raw}
	s.r = &cipher.StreamReader{S: cipherDec, R: s.raw}
	return nil
}

func (s *Handshake) updateCipher(selected CryptoMethod) {
	if selected == PlainText {
		s.r = &cipher.StreamReader{S: plainTextCipher{}, R: s.raw}
		s.w = &cipher.StreamWriter{S: plainTextCipher{}, W: s.raw}
	}
}

func (s *Handshake) readSync(key []byte, max int) error {
	var buf bytes.Buffer
	if _, err := io.CopyN(&buf, s.raw, int64(len(key))); err != nil {
		return err
	}
	max -= len(key)
	for {
		if bytes.Equal(buf.Bytes(), key) {
			return nil
		}
		if max <= 0 {
			return errors.New("mse: sync point not found")
		}
		if _, err := io.CopyN(&buf, s.raw, 1); err != nil {
			return err
		}
		max--
		if _, err := io.CopyN(ioutil.Discard, &buf, 1); err != nil {
			return err
		}
	}
}

func privateKey() (*big.Int, error) {
	b := make([]byte, 20)
	if _, err := rand.Read(b); err != nil {
		return nil, err
	}
	return new(big.Int).SetBytes(b), nil
}

func publicKey(private *big.Int) *big.Int {
	return new(big.Int).Exp(g, private, p)
}

func keyPair() (private, public *big.Int, err error) {
	private, err = privateKey()
	if err != nil {
		return nil, nil, err
	}
	return private, publicKey(private), nil
}

// bytesWithPad left-pads key's bytes to the fixed 96-byte DH field width.
func bytesWithPad(key *big.Int) []byte {
	b := key.Bytes()
	if pad := 96 - len(b); pad > 0 {
		padded := make([]byte, 96)
		copy(padded[pad:], b)
		return padded
	}
	return b
}

func isPowerOfTwo(x uint32) bool { return x != 0 && x&(x-1) == 0 }

func hashes(S *big.Int, sKey []byte) (hashS, hashSKeyXored []byte) { // nolint:gocritic
	req1 := hashInt("req1", S)
	req2 := HashSKey(sKey)
	req3 := hashInt("req3", S)
	for i := 0; i < sha1.Size; i++ {
		req3[i] ^= req2[i]
	}
	return req1, req3
}

func hashInt(prefix string, i *big.Int) []byte {
	h := sha1.New() // nolint: gosec
	_, _ = h.Write([]byte(prefix))
	_, _ = h.Write(bytesWithPad(i))
	return h.Sum(nil)
}

// HashSKey hashes a stream key (the infohash) the way an incoming peer's
// req2/req3 marker can be matched against, so Incoming can resolve which
// torrent a connection is for before the BT handshake is even decrypted.
func HashSKey(key []byte) [20]byte {
	var sum [20]byte
	h := sha1.New() // nolint: gosec
	_, _ = h.Write([]byte("req2"))
	_, _ = h.Write(key)
	copy(sum[:], h.Sum(nil))
	return sum
}

func rc4Key(prefix string, S *big.Int, sKey []byte) []byte { // nolint:gocritic
	h := sha1.New() // nolint: gosec
	_, _ = h.Write([]byte(prefix))
	_, _ = h.Write(bytesWithPad(S))
	_, _ = h.Write(sKey)
	return h.Sum(nil)
}

func padRandom() ([]byte, error) {
	b, err := padZero()
	if err != nil {
		return nil, err
	}
	_, err = rand.Read(b)
	return b, err
}

func padZero() ([]byte, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(512))
	if err != nil {
		return nil, err
	}
	return make([]byte, n.Int64()), nil
}

type plainTextCipher struct{}

func (plainTextCipher) XORKeyStream(dst, src []byte) { copy(dst, src) }
