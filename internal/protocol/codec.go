package protocol

import (
	"bytes"
	"compress/flate"
	"compress/gzip"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync/atomic"
	"time"
)

// Compression names the payload compression applied by a codec.
type Compression string

const (
	CompressionNone    Compression = "none"
	CompressionGzip    Compression = "gzip"
	CompressionDeflate Compression = "deflate"
	// CompressionBrotli is part of the configuration enum but is not
	// implemented; NewCodec rejects it.
	CompressionBrotli Compression = "br"
)

// Encryption names the payload cipher applied by a codec.
type Encryption string

const (
	EncryptionNone   Encryption = "none"
	EncryptionAES128 Encryption = "aes128"
	EncryptionAES256 Encryption = "aes256"
)

// DefaultMaxPayloadSize bounds the decoded payload. Matches the gateway's
// per-frame read limit.
const DefaultMaxPayloadSize = 512 * 1024

// Options configures a Codec. The zero value means: no compression, no
// encryption, no checksum, default size limit.
type Options struct {
	Compression    Compression
	Encryption     Encryption
	EncryptionKey  []byte // 16 bytes for aes128, 32 for aes256
	Checksum       bool
	MaxPayloadSize int
}

// Stats are monotonic codec counters. Read them via Snapshot.
type Stats struct {
	messagesEncoded atomic.Int64
	messagesDecoded atomic.Int64
	bytesEncoded    atomic.Int64
	bytesDecoded    atomic.Int64
	encodeErrors    atomic.Int64
	decodeErrors    atomic.Int64
	encodeNanos     atomic.Int64
	decodeNanos     atomic.Int64
}

// StatsSnapshot is a point-in-time read of codec counters.
type StatsSnapshot struct {
	MessagesEncoded int64
	MessagesDecoded int64
	BytesEncoded    int64
	BytesDecoded    int64
	EncodeErrors    int64
	DecodeErrors    int64
	AvgEncodeTime   time.Duration
	AvgDecodeTime   time.Duration
}

// Codec frames packets onto a byte stream:
//
//	u32 HL ‖ HL header bytes ‖ u32 PL ‖ PL payload bytes
//
// big-endian lengths, printable-ASCII semicolon-delimited key:value header,
// implementation-defined (JSON) payload. One Codec per connection; Encode
// and Decode are safe for concurrent use from the reader and writer tasks.
type Codec struct {
	opts  Options
	gcm   cipher.AEAD
	stats Stats
}

// NewCodec validates options and builds a codec. Fails on the br
// compression placeholder and on key/cipher mismatches.
func NewCodec(opts Options) (*Codec, error) {
	if opts.Compression == "" {
		opts.Compression = CompressionNone
	}
	if opts.Encryption == "" {
		opts.Encryption = EncryptionNone
	}
	if opts.MaxPayloadSize <= 0 {
		opts.MaxPayloadSize = DefaultMaxPayloadSize
	}
	switch opts.Compression {
	case CompressionNone, CompressionGzip, CompressionDeflate:
	case CompressionBrotli:
		return nil, fmt.Errorf("compression %q is not implemented", opts.Compression)
	default:
		return nil, fmt.Errorf("unknown compression %q", opts.Compression)
	}

	c := &Codec{opts: opts}
	switch opts.Encryption {
	case EncryptionNone:
	case EncryptionAES128, EncryptionAES256:
		want := 16
		if opts.Encryption == EncryptionAES256 {
			want = 32
		}
		if len(opts.EncryptionKey) != want {
			return nil, fmt.Errorf("%s requires a %d-byte key, got %d", opts.Encryption, want, len(opts.EncryptionKey))
		}
		block, err := aes.NewCipher(opts.EncryptionKey)
		if err != nil {
			return nil, fmt.Errorf("init cipher: %w", err)
		}
		if c.gcm, err = cipher.NewGCM(block); err != nil {
			return nil, fmt.Errorf("init gcm: %w", err)
		}
	default:
		return nil, fmt.Errorf("unknown encryption %q", opts.Encryption)
	}
	return c, nil
}

// Stats returns a snapshot of the codec counters.
func (c *Codec) Stats() StatsSnapshot {
	s := StatsSnapshot{
		MessagesEncoded: c.stats.messagesEncoded.Load(),
		MessagesDecoded: c.stats.messagesDecoded.Load(),
		BytesEncoded:    c.stats.bytesEncoded.Load(),
		BytesDecoded:    c.stats.bytesDecoded.Load(),
		EncodeErrors:    c.stats.encodeErrors.Load(),
		DecodeErrors:    c.stats.decodeErrors.Load(),
	}
	if s.MessagesEncoded > 0 {
		s.AvgEncodeTime = time.Duration(c.stats.encodeNanos.Load() / s.MessagesEncoded)
	}
	if s.MessagesDecoded > 0 {
		s.AvgDecodeTime = time.Duration(c.stats.decodeNanos.Load() / s.MessagesDecoded)
	}
	return s
}

// Encode serializes a packet into one wire frame. The input packet is not
// mutated; compression/encryption/checksum flags are reflected in the
// emitted header only.
func (c *Codec) Encode(p *Packet) ([]byte, error) {
	start := time.Now()
	frame, err := c.encode(p)
	if err != nil {
		c.stats.encodeErrors.Add(1)
		return nil, err
	}
	c.stats.messagesEncoded.Add(1)
	c.stats.bytesEncoded.Add(int64(len(frame)))
	c.stats.encodeNanos.Add(time.Since(start).Nanoseconds())
	return frame, nil
}

func (c *Codec) encode(p *Packet) ([]byte, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}

	payload, err := p.Payload.marshal(p.Header.Type)
	if err != nil {
		return nil, E(CodeInvalidMessage, "payload not serializable")
	}
	if len(payload) > c.opts.MaxPayloadSize {
		return nil, E(CodeMessageTooLarge, "payload %d bytes exceeds limit %d", len(payload), c.opts.MaxPayloadSize)
	}

	hdr := p.Header
	hdr.Compression = string(CompressionNone)
	hdr.Encryption = string(EncryptionNone)
	hdr.Flags &^= FlagCompressed | FlagEncrypted | FlagChecksum
	hdr.Checksum = ""

	if c.opts.Compression != CompressionNone {
		if payload, err = compress(payload, c.opts.Compression); err != nil {
			return nil, fmt.Errorf("compress payload: %w", err)
		}
		hdr.Compression = string(c.opts.Compression)
		hdr.Flags |= FlagCompressed
	}
	if c.gcm != nil {
		nonce := make([]byte, c.gcm.NonceSize())
		if _, err := rand.Read(nonce); err != nil {
			return nil, fmt.Errorf("nonce: %w", err)
		}
		payload = c.gcm.Seal(nonce, nonce, payload, nil)
		hdr.Encryption = string(c.opts.Encryption)
		hdr.Flags |= FlagEncrypted
	}

	headerStr := formatHeader(&hdr)
	if c.opts.Checksum {
		hdr.Flags |= FlagChecksum
		headerStr = formatHeader(&hdr) // re-emit with the flag set, cs still absent
		sum := checksum([]byte(headerStr), payload)
		headerStr += ";cs:" + sum
	}

	headerBytes := []byte(headerStr)
	frame := make([]byte, 0, 8+len(headerBytes)+len(payload))
	frame = binary.BigEndian.AppendUint32(frame, uint32(len(headerBytes)))
	frame = append(frame, headerBytes...)
	frame = binary.BigEndian.AppendUint32(frame, uint32(len(payload)))
	frame = append(frame, payload...)
	return frame, nil
}

// Decode parses one wire frame into a packet, verifying length envelope,
// checksum, and version before touching the payload.
func (c *Codec) Decode(frame []byte) (*Packet, error) {
	start := time.Now()
	p, err := c.decode(frame)
	if err != nil {
		c.stats.decodeErrors.Add(1)
		return nil, err
	}
	c.stats.messagesDecoded.Add(1)
	c.stats.bytesDecoded.Add(int64(len(frame)))
	c.stats.decodeNanos.Add(time.Since(start).Nanoseconds())
	return p, nil
}

func (c *Codec) decode(frame []byte) (*Packet, error) {
	if len(frame) < 8 {
		return nil, E(CodeInvalidFormat, "frame shorter than envelope")
	}
	// Length fields come off the wire; widen before any arithmetic so a
	// hostile HL/PL cannot wrap uint32 past the bounds checks.
	hl := uint64(binary.BigEndian.Uint32(frame[:4]))
	if hl+8 > uint64(len(frame)) {
		return nil, E(CodeInvalidFormat, "header length exceeds frame")
	}
	h := int(hl)
	headerBytes := frame[4 : 4+h]
	pl := uint64(binary.BigEndian.Uint32(frame[4+h : 8+h]))
	if hl+pl+8 != uint64(len(frame)) {
		return nil, E(CodeInvalidFormat, "frame length mismatch: envelope says %d, got %d", hl+pl+8, len(frame))
	}
	if pl > uint64(c.opts.MaxPayloadSize) {
		return nil, E(CodeMessageTooLarge, "payload %d bytes exceeds limit %d", pl, c.opts.MaxPayloadSize)
	}
	payload := frame[8+h:]

	hdr, err := parseHeader(string(headerBytes))
	if err != nil {
		return nil, err
	}
	if !hdr.Version.Supported() {
		return nil, E(CodeInvalidVersion, "unsupported version %s", hdr.Version)
	}

	if hdr.Flags.Has(FlagChecksum) {
		if hdr.Checksum == "" {
			return nil, E(CodeChecksumMismatch, "checksum flag set but no checksum present")
		}
		// The checksum covers the header as emitted before the cs pair
		// was appended.
		raw := string(headerBytes)
		i := strings.LastIndex(raw, ";cs:")
		if i < 0 {
			return nil, E(CodeChecksumMismatch, "checksum flag set but no checksum present")
		}
		if checksum([]byte(raw[:i]), payload) != hdr.Checksum {
			return nil, E(CodeChecksumMismatch, "checksum mismatch")
		}
	}

	if hdr.Flags.Has(FlagEncrypted) {
		if c.gcm == nil {
			return nil, E(CodeInvalidFormat, "encrypted frame but codec has no key")
		}
		ns := c.gcm.NonceSize()
		if len(payload) < ns {
			return nil, E(CodeInvalidFormat, "encrypted payload shorter than nonce")
		}
		plain, err := c.gcm.Open(nil, payload[:ns], payload[ns:], nil)
		if err != nil {
			return nil, E(CodeChecksumMismatch, "payload authentication failed")
		}
		payload = plain
	}
	if hdr.Flags.Has(FlagCompressed) {
		plain, err := decompress(payload, Compression(hdr.Compression), c.opts.MaxPayloadSize)
		if err != nil {
			return nil, E(CodeInvalidFormat, "decompress payload: %v", err)
		}
		payload = plain
	}

	body, err := unmarshalPayload(payload, hdr.Type)
	if err != nil {
		return nil, err
	}
	p := &Packet{Header: *hdr, Payload: body}
	// A well-framed envelope can still carry a payload missing the arm
	// its type promises; callers dereference arms, so refuse it here.
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return p, nil
}

// headerKeys is the fixed key set; anything else fails decoding.
var headerKeys = map[string]struct{}{
	"id": {}, "type": {}, "ts": {}, "ver": {}, "pri": {}, "ttl": {},
	"src": {}, "dst": {}, "cid": {}, "flags": {}, "cs": {}, "comp": {}, "enc": {},
}

func formatHeader(h *Header) string {
	var b strings.Builder
	put := func(k, v string) {
		if v == "" {
			return
		}
		if b.Len() > 0 {
			b.WriteByte(';')
		}
		b.WriteString(k)
		b.WriteByte(':')
		b.WriteString(v)
	}
	put("id", h.ID)
	put("type", string(h.Type))
	put("ts", strconv.FormatInt(h.Timestamp, 10))
	put("ver", h.Version.String())
	if h.Priority != 0 {
		put("pri", strconv.Itoa(h.Priority))
	}
	if h.TTL != 0 {
		put("ttl", strconv.Itoa(h.TTL))
	}
	put("src", h.Source)
	put("dst", h.Destination)
	put("cid", h.CorrelationID)
	if h.Flags != 0 {
		put("flags", strconv.FormatUint(uint64(h.Flags), 10))
	}
	if h.Compression != "" && h.Compression != string(CompressionNone) {
		put("comp", h.Compression)
	}
	if h.Encryption != "" && h.Encryption != string(EncryptionNone) {
		put("enc", h.Encryption)
	}
	return b.String()
}

func parseHeader(raw string) (*Header, error) {
	h := &Header{
		Compression: string(CompressionNone),
		Encryption:  string(EncryptionNone),
	}
	for _, pair := range strings.Split(raw, ";") {
		if pair == "" {
			continue
		}
		kv := strings.SplitN(pair, ":", 2)
		if len(kv) != 2 {
			return nil, E(CodeInvalidFormat, "malformed header pair %q", pair)
		}
		k, v := kv[0], kv[1]
		if _, ok := headerKeys[k]; !ok {
			return nil, E(CodeInvalidFormat, "unknown header key %q", k)
		}
		var err error
		switch k {
		case "id":
			h.ID = v
		case "type":
			h.Type = MessageType(v)
		case "ts":
			h.Timestamp, err = strconv.ParseInt(v, 10, 64)
		case "ver":
			h.Version, err = ParseVersion(v)
		case "pri":
			h.Priority, err = strconv.Atoi(v)
		case "ttl":
			h.TTL, err = strconv.Atoi(v)
		case "src":
			h.Source = v
		case "dst":
			h.Destination = v
		case "cid":
			h.CorrelationID = v
		case "flags":
			var f uint64
			f, err = strconv.ParseUint(v, 10, 32)
			h.Flags = Flag(f)
		case "cs":
			h.Checksum = v
		case "comp":
			h.Compression = v
		case "enc":
			h.Encryption = v
		}
		if err != nil {
			return nil, E(CodeInvalidFormat, "malformed header value for %q", k)
		}
	}
	if h.ID == "" || h.Type == "" || h.Timestamp == 0 {
		return nil, E(CodeInvalidFormat, "header missing required keys")
	}
	return h, nil
}

// checksum is SHA-256 over header‖payload, truncated to 16 hex chars.
func checksum(header, payload []byte) string {
	d := sha256.New()
	d.Write(header)
	d.Write(payload)
	return hex.EncodeToString(d.Sum(nil))[:16]
}

func compress(data []byte, algo Compression) ([]byte, error) {
	var buf bytes.Buffer
	var w io.WriteCloser
	var err error
	switch algo {
	case CompressionGzip:
		w = gzip.NewWriter(&buf)
	case CompressionDeflate:
		w, err = flate.NewWriter(&buf, flate.DefaultCompression)
		if err != nil {
			return nil, err
		}
	default:
		return data, nil
	}
	if _, err := w.Write(data); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decompress(data []byte, algo Compression, limit int) ([]byte, error) {
	var r io.ReadCloser
	var err error
	switch algo {
	case CompressionGzip:
		r, err = gzip.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, err
		}
	case CompressionDeflate:
		r = flate.NewReader(bytes.NewReader(data))
	default:
		return data, nil
	}
	defer r.Close()
	out, err := io.ReadAll(io.LimitReader(r, int64(limit)+1))
	if err != nil {
		return nil, err
	}
	if len(out) > limit {
		return nil, fmt.Errorf("decompressed payload exceeds limit %d", limit)
	}
	return out, nil
}
