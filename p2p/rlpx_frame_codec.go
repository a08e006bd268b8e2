package p2p

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"errors"
	"fmt"
	"hash"
	"io"
	"net"
	"sync"
	"time"

	"github.com/golang/snappy"
	"golang.org/x/crypto/sha3"

	ethcrypto "github.com/ethcore/execution-core/crypto"
)

const (
	snappyMaxDecompressed = 24 * 1024 * 1024 // 24 MiB max decompressed size
	codecHeaderSize       = 16               // encrypted frame header size
	codecMACSize          = 16               // rolling MAC tag size
	keepaliveInterval     = 15 * time.Second
	keepaliveTimeout      = 30 * time.Second
	maxCodecFrameSize     = 16 * 1024 * 1024 // 16 MiB max frame payload
)

var (
	ErrSnappyDecompressTooLarge = errors.New("p2p: snappy decompressed data too large")
	ErrCodecClosed              = errors.New("p2p: frame codec closed")
	ErrPongTimeout              = errors.New("p2p: pong timeout")
	ErrUnknownCapability        = errors.New("p2p: unknown capability for message code")

	// ErrBadMAC is returned when frame MAC verification fails.
	ErrBadMAC = errors.New("p2p: frame MAC mismatch")
)

// rollingMAC implements RLPx's chained frame MAC: a Keccak-256 state that
// absorbs every encrypted header/body that crosses the wire in one
// direction, mixed each time through an AES-128 single-block encryption of
// its own running digest. Neither side ever resets the hash, so a tampered
// or reordered frame desyncs the chain and every subsequent tag fails.
type rollingMAC struct {
	state hash.Hash    // Keccak-256, never reset.
	block cipher.Block // AES-128 keyed with mac_secret[:16], used to encrypt single blocks.
}

// newRollingMAC seeds a rollingMAC for one direction of a connection.
// macSecret is the derived RLPx mac_secret; seedMaterial is
// mac_secret XOR nonce, and initBytes is the auth/ack ciphertext the MAC
// construction is initialized with, per §4.8.
func newRollingMAC(macSecret, nonce, initBytes []byte) (*rollingMAC, error) {
	if len(macSecret) < 16 {
		return nil, errors.New("p2p: mac secret must be at least 16 bytes")
	}
	block, err := aes.NewCipher(macSecret[:16])
	if err != nil {
		return nil, fmt.Errorf("p2p: mac cipher: %w", err)
	}
	rm := &rollingMAC{
		state: sha3.NewLegacyKeccak256(),
		block: block,
	}
	seed := xorBytes(macSecret, nonce)
	rm.state.Write(seed)
	rm.state.Write(initBytes)
	return rm, nil
}

// encryptSeed runs the current 32-byte digest's first 16 bytes through the
// AES-128 block cipher, producing the seed mixed into the next update.
func (rm *rollingMAC) encryptSeed() []byte {
	digest := rm.state.Sum(nil)[:16]
	out := make([]byte, 16)
	rm.block.Encrypt(out, digest)
	return out
}

// digest returns the current 16-byte MAC tag without mutating state.
func (rm *rollingMAC) digest() []byte {
	return rm.state.Sum(nil)[:16]
}

// updateHeader absorbs an encrypted frame header and returns the resulting tag.
func (rm *rollingMAC) updateHeader(encHeader []byte) []byte {
	mixed := xorBytes(rm.encryptSeed(), encHeader)
	rm.state.Write(mixed)
	return rm.digest()
}

// updateFrame absorbs an encrypted frame body and returns the resulting tag.
func (rm *rollingMAC) updateFrame(encBody []byte) []byte {
	rm.state.Write(encBody)
	seed := rm.encryptSeed()
	mixed := xorBytes(seed, rm.digest())
	rm.state.Write(mixed)
	return rm.digest()
}

// xorBytes XORs a against b up to the shorter length's extent, returning a
// new slice the length of the shorter input.
func xorBytes(a, b []byte) []byte {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	out := make([]byte, n)
	for i := 0; i < n; i++ {
		out[i] = a[i] ^ b[i]
	}
	return out
}

// FrameCodec implements the RLPx frame codec with AES-256-CTR encryption,
// snappy compression, capability offset multiplexing, and ping/pong keepalive.
type FrameCodec struct {
	conn      net.Conn
	encStream cipher.Stream
	decStream cipher.Stream
	egressMAC *rollingMAC
	ingrMAC   *rollingMAC

	snappyEnabled bool
	capOffsets    []capOffset

	lastPong      time.Time
	keepaliveDone chan struct{}
	keepaliveOnce sync.Once

	rmu, wmu, mu sync.Mutex
	closed       bool
}

// capOffset maps a capability to its message code offset and length.
type capOffset struct {
	Name    string
	Version uint
	Offset  uint64
	Length  uint64
}

// FrameCodecConfig holds the configuration for a FrameCodec. AESKey is the
// single shared aes_secret (32 bytes) used as the AES-256 session key for
// both directions, each with its own zero-initialized CTR counter; EgressMAC
// and IngressMAC are the rollingMAC instances the handshake derived,
// already correctly assigned for this side of the connection.
type FrameCodecConfig struct {
	AESKey       []byte
	EgressMAC    *rollingMAC
	IngressMAC   *rollingMAC
	EnableSnappy bool
	Caps         []Cap
}

// NewFrameCodec creates a new RLPx frame codec from an already-derived
// session key and rolling MAC pair.
func NewFrameCodec(conn net.Conn, cfg FrameCodecConfig) (*FrameCodec, error) {
	if len(cfg.AESKey) < 32 {
		return nil, errors.New("p2p: AES key must be at least 32 bytes")
	}
	if cfg.EgressMAC == nil || cfg.IngressMAC == nil {
		return nil, errors.New("p2p: egress and ingress MACs are required")
	}

	block, err := aes.NewCipher(cfg.AESKey[:32])
	if err != nil {
		return nil, fmt.Errorf("p2p: session cipher: %w", err)
	}
	zeroIV := make([]byte, aes.BlockSize)

	fc := &FrameCodec{
		conn: conn,
		// Same key, independent zero-seeded counters per direction -- the
		// real-world RLPx convention (go-ethereum's rlpx.go does the same).
		encStream:     cipher.NewCTR(block, zeroIV),
		decStream:     cipher.NewCTR(block, zeroIV),
		egressMAC:     cfg.EgressMAC,
		ingrMAC:       cfg.IngressMAC,
		snappyEnabled: cfg.EnableSnappy,
		lastPong:      time.Now(),
		keepaliveDone: make(chan struct{}),
	}

	fc.capOffsets = computeCapOffsets(cfg.Caps)
	return fc, nil
}

// computeCapOffsets assigns message code offsets after the base protocol (0x00-0x0F).
func computeCapOffsets(caps []Cap) []capOffset {
	const baseProtoLen = 16 // base protocol: codes 0x00-0x0F
	offsets := make([]capOffset, 0, len(caps))
	offset := uint64(baseProtoLen)
	for _, c := range caps {
		length := uint64(17) // default codes per capability
		if c.Name == "eth" {
			length = 21 // eth/68 uses codes 0x00-0x14
		} else if c.Name == "snap" {
			length = 8 // snap protocol uses codes 0x00-0x07
		}
		offsets = append(offsets, capOffset{
			Name:    c.Name,
			Version: c.Version,
			Offset:  offset,
			Length:  length,
		})
		offset += length
	}
	return offsets
}

// CapOffset returns the message code offset for the given capability name.
// Returns 0, false if the capability is not found.
func (fc *FrameCodec) CapOffset(name string) (uint64, bool) {
	for _, co := range fc.capOffsets {
		if co.Name == name {
			return co.Offset, true
		}
	}
	return 0, false
}

// WriteMsg encrypts and writes a framed message.
func (fc *FrameCodec) WriteMsg(msg Msg) error {
	fc.mu.Lock()
	if fc.closed {
		fc.mu.Unlock()
		return ErrCodecClosed
	}
	fc.mu.Unlock()

	fc.wmu.Lock()
	defer fc.wmu.Unlock()

	body := make([]byte, 1+len(msg.Payload))
	body[0] = byte(msg.Code)
	copy(body[1:], msg.Payload)

	if fc.snappyEnabled {
		body = snappyEncode(body)
	}

	if len(body) > maxCodecFrameSize {
		return fmt.Errorf("%w: %d", ErrFrameTooLarge, len(body))
	}

	padded := padTo16(body)
	var header [codecHeaderSize]byte
	putUint24(header[:3], uint32(len(padded)))

	var encHeader [codecHeaderSize]byte
	fc.encStream.XORKeyStream(encHeader[:], header[:])

	headerMAC := fc.egressMAC.updateHeader(encHeader[:])

	encBody := make([]byte, len(padded))
	fc.encStream.XORKeyStream(encBody, padded)

	bodyMAC := fc.egressMAC.updateFrame(encBody)

	var buf bytes.Buffer
	buf.Write(encHeader[:])
	buf.Write(headerMAC)
	buf.Write(encBody)
	buf.Write(bodyMAC)

	_, err := fc.conn.Write(buf.Bytes())
	return err
}

// ReadMsg reads and decrypts a framed message.
func (fc *FrameCodec) ReadMsg() (Msg, error) {
	fc.mu.Lock()
	if fc.closed {
		fc.mu.Unlock()
		return Msg{}, ErrCodecClosed
	}
	fc.mu.Unlock()

	fc.rmu.Lock()
	defer fc.rmu.Unlock()

	var encHeader [codecHeaderSize]byte
	if _, err := io.ReadFull(fc.conn, encHeader[:]); err != nil {
		return Msg{}, err
	}

	var headerMAC [codecMACSize]byte
	if _, err := io.ReadFull(fc.conn, headerMAC[:]); err != nil {
		return Msg{}, err
	}

	expectedHeaderMAC := fc.ingrMAC.updateHeader(encHeader[:])
	if !hmac.Equal(headerMAC[:], expectedHeaderMAC) {
		return Msg{}, ErrBadMAC
	}

	var header [codecHeaderSize]byte
	fc.decStream.XORKeyStream(header[:], encHeader[:])
	frameSize := getUint24(header[:3])

	if frameSize > maxCodecFrameSize {
		return Msg{}, fmt.Errorf("%w: %d", ErrFrameTooLarge, frameSize)
	}

	encBody := make([]byte, frameSize)
	if _, err := io.ReadFull(fc.conn, encBody); err != nil {
		return Msg{}, err
	}

	var bodyMAC [codecMACSize]byte
	if _, err := io.ReadFull(fc.conn, bodyMAC[:]); err != nil {
		return Msg{}, err
	}

	expectedBodyMAC := fc.ingrMAC.updateFrame(encBody)
	if !hmac.Equal(bodyMAC[:], expectedBodyMAC) {
		return Msg{}, ErrBadMAC
	}

	body := make([]byte, frameSize)
	fc.decStream.XORKeyStream(body, encBody)

	body = unpadFrom16(body)
	if fc.snappyEnabled && len(body) > 0 {
		var err error
		body, err = snappyDecode(body, snappyMaxDecompressed)
		if err != nil {
			return Msg{}, err
		}
	}

	if len(body) == 0 {
		return Msg{}, errors.New("p2p: empty codec frame")
	}

	code := uint64(body[0])
	payload := body[1:]

	return Msg{
		Code:    code,
		Size:    uint32(len(payload)),
		Payload: payload,
	}, nil
}

func (fc *FrameCodec) SendPing() error { return fc.WriteMsg(Msg{Code: PingMsg, Size: 0}) }
func (fc *FrameCodec) SendPong() error { return fc.WriteMsg(Msg{Code: PongMsg, Size: 0}) }

// SendDisconnect sends a disconnect message and closes the codec.
func (fc *FrameCodec) SendDisconnect(reason DisconnectReason) error {
	err := fc.WriteMsg(Msg{
		Code:    DisconnectMsg,
		Size:    1,
		Payload: []byte{byte(reason)},
	})
	fc.Close()
	return err
}

// StartKeepalive starts the background ping/pong keepalive loop.
func (fc *FrameCodec) StartKeepalive() { go fc.keepaliveLoop() }
func (fc *FrameCodec) keepaliveLoop() {
	ticker := time.NewTicker(keepaliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			fc.mu.Lock()
			elapsed := time.Since(fc.lastPong)
			fc.mu.Unlock()

			if elapsed > keepaliveTimeout {
				fc.SendDisconnect(DiscTimeout)
				return
			}
			// Ignore error; if write fails, the read loop will catch it.
			_ = fc.SendPing()

		case <-fc.keepaliveDone:
			return
		}
	}
}

func (fc *FrameCodec) HandlePong() { fc.mu.Lock(); fc.lastPong = time.Now(); fc.mu.Unlock() }

func (fc *FrameCodec) LastPong() time.Time { fc.mu.Lock(); defer fc.mu.Unlock(); return fc.lastPong }

// Close closes the frame codec.
func (fc *FrameCodec) Close() error {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	if fc.closed {
		return nil
	}
	fc.closed = true
	fc.keepaliveOnce.Do(func() { close(fc.keepaliveDone) })
	return fc.conn.Close()
}

func (fc *FrameCodec) IsClosed() bool { fc.mu.Lock(); defer fc.mu.Unlock(); return fc.closed }

// --- Helper functions ---

func keccakHash(data []byte) []byte {
	return ethcrypto.Keccak256(data)
}

func putUint24(b []byte, v uint32) {
	b[0] = byte(v >> 16)
	b[1] = byte(v >> 8)
	b[2] = byte(v)
}

func getUint24(b []byte) uint32 {
	return uint32(b[0])<<16 | uint32(b[1])<<8 | uint32(b[2])
}

func padTo16(data []byte) []byte {
	padLen := (16 - len(data)%16) % 16
	if padLen == 0 {
		return data
	}
	padded := make([]byte, len(data)+padLen)
	copy(padded, data)
	return padded
}

// unpadFrom16 removes trailing zero bytes added as padding.
func unpadFrom16(data []byte) []byte {
	end := len(data)
	for end > 1 && data[end-1] == 0 {
		end--
	}
	return data[:end]
}

// --- Snappy compression ---
func snappyEncode(src []byte) []byte {
	return snappy.Encode(nil, src)
}

func snappyDecode(src []byte, maxSize int) ([]byte, error) {
	if len(src) == 0 {
		return nil, nil
	}
	decodedLen, err := snappy.DecodedLen(src)
	if err != nil {
		return nil, fmt.Errorf("p2p: invalid snappy frame: %w", err)
	}
	if decodedLen > maxSize {
		return nil, ErrSnappyDecompressTooLarge
	}
	out, err := snappy.Decode(nil, src)
	if err != nil {
		return nil, fmt.Errorf("p2p: snappy decode: %w", err)
	}
	return out, nil
}

// GenerateNonce generates a random 32-byte nonce.
func GenerateNonce() ([32]byte, error) {
	var nonce [32]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return nonce, fmt.Errorf("p2p: nonce generation: %w", err)
	}
	return nonce, nil
}
