package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"sort"
)

// ErrMalformed is wrapped by every decode failure.
var ErrMalformed = errors.New("malformed frame")

// MaxPixelsPerFrame bounds a single pixel-update; the pixel-return frame
// reports counts in one byte.
const MaxPixelsPerFrame = 255

// MaxChunkOffset is the largest offset the 24-bit pixel encoding carries.
const MaxChunkOffset = 1<<24 - 1

const pixelSize = 4

// Pixel is one (offset, colour) pair inside a chunk.
type Pixel struct {
	Offset uint32
	Color  uint8
}

// ChunkID packs chunk coordinates as i<<8 | j.
type ChunkID uint16

func NewChunkID(i, j uint8) ChunkID { return ChunkID(uint16(i)<<8 | uint16(j)) }

func (c ChunkID) I() uint8 { return uint8(c >> 8) }
func (c ChunkID) J() uint8 { return uint8(c) }

type PixelUpdate struct {
	I, J   uint8
	Pixels []Pixel
}

func (p PixelUpdate) Chunk() ChunkID { return NewChunkID(p.I, p.J) }

type PixelReturn struct {
	Code            ReturnCode
	WaitMs          uint32
	CooldownSeconds int16
	Pixels          uint8
	Ranked          uint8
}

type OnlineCounter struct {
	Total    uint16
	Canvases map[uint8]uint16
}

type FishCaught struct {
	Success bool
	Type    uint8
	Size    uint8
}

func malformed(op Op, format string, args ...any) error {
	return fmt.Errorf("%s: %w: %s", op, ErrMalformed, fmt.Sprintf(format, args...))
}

// Opcode returns the opcode of a binary frame.
func Opcode(frame []byte) (Op, error) {
	if len(frame) == 0 {
		return 0, fmt.Errorf("%w: empty frame", ErrMalformed)
	}
	return Op(frame[0]), nil
}

func expectOp(frame []byte, ops ...Op) (Op, error) {
	op, err := Opcode(frame)
	if err != nil {
		return 0, err
	}
	for _, o := range ops {
		if op == o {
			return op, nil
		}
	}
	return op, malformed(op, "unexpected opcode 0x%02x", byte(op))
}

// --- client to server ---

func EncodeRegisterCanvas(canvasID uint8) []byte {
	return []byte{byte(OpRegisterCanvas), canvasID}
}

func DecodeRegisterCanvas(frame []byte) (uint8, error) {
	op, err := expectOp(frame, OpRegisterCanvas)
	if err != nil {
		return 0, err
	}
	if len(frame) != 2 {
		return 0, malformed(op, "length %d", len(frame))
	}
	return frame[1], nil
}

// EncodeChunk builds a register-chunk or deregister-chunk frame.
func EncodeChunk(op Op, chunk ChunkID) []byte {
	buf := make([]byte, 3)
	buf[0] = byte(op)
	binary.BigEndian.PutUint16(buf[1:], uint16(chunk))
	return buf
}

func DecodeChunk(frame []byte) (ChunkID, error) {
	op, err := expectOp(frame, OpRegisterChunk, OpDeregisterChunk)
	if err != nil {
		return 0, err
	}
	if len(frame) != 3 {
		return 0, malformed(op, "length %d", len(frame))
	}
	return ChunkID(binary.BigEndian.Uint16(frame[1:])), nil
}

// EncodeChunks builds a register-many-chunks or deregister-many-chunks frame.
func EncodeChunks(op Op, chunks []ChunkID) []byte {
	buf := make([]byte, 1+2*len(chunks))
	buf[0] = byte(op)
	for i, c := range chunks {
		binary.BigEndian.PutUint16(buf[1+2*i:], uint16(c))
	}
	return buf
}

func DecodeChunks(frame []byte) ([]ChunkID, error) {
	op, err := expectOp(frame, OpRegisterChunks, OpDeregisterChunks)
	if err != nil {
		return nil, err
	}
	body := frame[1:]
	if len(body) == 0 || len(body)%2 != 0 {
		return nil, malformed(op, "body length %d", len(body))
	}
	chunks := make([]ChunkID, len(body)/2)
	for i := range chunks {
		chunks[i] = ChunkID(binary.BigEndian.Uint16(body[2*i:]))
	}
	return chunks, nil
}

// EncodePixelUpdate is used for both the client request and the server push;
// the layout is identical so a committed request can be fanned out as-is.
func EncodePixelUpdate(i, j uint8, pixels []Pixel) []byte {
	buf := make([]byte, 3+pixelSize*len(pixels))
	buf[0] = byte(OpPixelUpdate)
	buf[1] = i
	buf[2] = j
	for n, p := range pixels {
		o := 3 + pixelSize*n
		buf[o] = byte(p.Offset >> 16)
		binary.BigEndian.PutUint16(buf[o+1:], uint16(p.Offset))
		buf[o+3] = p.Color
	}
	return buf
}

func DecodePixelUpdate(frame []byte) (PixelUpdate, error) {
	op, err := expectOp(frame, OpPixelUpdate)
	if err != nil {
		return PixelUpdate{}, err
	}
	if len(frame) < 3+pixelSize {
		return PixelUpdate{}, malformed(op, "length %d", len(frame))
	}
	body := frame[3:]
	if len(body)%pixelSize != 0 {
		return PixelUpdate{}, malformed(op, "trailing %d bytes", len(body)%pixelSize)
	}
	n := len(body) / pixelSize
	if n > MaxPixelsPerFrame {
		return PixelUpdate{}, malformed(op, "%d pixels exceeds %d", n, MaxPixelsPerFrame)
	}
	update := PixelUpdate{I: frame[1], J: frame[2], Pixels: make([]Pixel, n)}
	for k := 0; k < n; k++ {
		o := pixelSize * k
		update.Pixels[k] = Pixel{
			Offset: uint32(body[o])<<16 | uint32(binary.BigEndian.Uint16(body[o+1:])),
			Color:  body[o+3],
		}
	}
	return update, nil
}

// DecodeLegacyPixelUpdate validates the single-pixel layout of old clients.
// Its content is never placed; the frame only identifies a stale client.
func DecodeLegacyPixelUpdate(frame []byte) (PixelUpdate, error) {
	op, err := expectOp(frame, OpLegacyPixelUpdate)
	if err != nil {
		return PixelUpdate{}, err
	}
	if len(frame) != 6 {
		return PixelUpdate{}, malformed(op, "length %d", len(frame))
	}
	return PixelUpdate{
		I:      frame[1],
		J:      frame[2],
		Pixels: []Pixel{{Offset: uint32(binary.BigEndian.Uint16(frame[3:])), Color: frame[5]}},
	}, nil
}

func EncodePing() []byte { return []byte{byte(OpPing)} }

func EncodeFishCaughtRequest() []byte { return []byte{byte(OpFishCaught)} }

// --- server to client ---

func EncodePixelReturn(r PixelReturn) []byte {
	buf := make([]byte, 10)
	buf[0] = byte(OpPixelReturn)
	buf[1] = byte(r.Code)
	binary.BigEndian.PutUint32(buf[2:], r.WaitMs)
	binary.BigEndian.PutUint16(buf[6:], uint16(r.CooldownSeconds))
	buf[8] = r.Pixels
	buf[9] = r.Ranked
	return buf
}

func DecodePixelReturn(frame []byte) (PixelReturn, error) {
	op, err := expectOp(frame, OpPixelReturn)
	if err != nil {
		return PixelReturn{}, err
	}
	if len(frame) != 10 {
		return PixelReturn{}, malformed(op, "length %d", len(frame))
	}
	return PixelReturn{
		Code:            ReturnCode(frame[1]),
		WaitMs:          binary.BigEndian.Uint32(frame[2:]),
		CooldownSeconds: int16(binary.BigEndian.Uint16(frame[6:])),
		Pixels:          frame[8],
		Ranked:          frame[9],
	}, nil
}

// CooldownSeconds converts a millisecond cooldown delta into the signed
// 16-bit seconds field of the pixel-return frame, rounding up and clamping.
func CooldownSeconds(ms int64) int16 {
	s := int64(math.Ceil(float64(ms) / 1000))
	if s > math.MaxInt16 {
		return math.MaxInt16
	}
	if s < math.MinInt16 {
		return math.MinInt16
	}
	return int16(s)
}

func EncodeCooldown(waitMs uint32) []byte {
	buf := make([]byte, 5)
	buf[0] = byte(OpCooldown)
	binary.BigEndian.PutUint32(buf[1:], waitMs)
	return buf
}

func DecodeCooldown(frame []byte) (uint32, error) {
	op, err := expectOp(frame, OpCooldown)
	if err != nil {
		return 0, err
	}
	if len(frame) != 5 {
		return 0, malformed(op, "length %d", len(frame))
	}
	return binary.BigEndian.Uint32(frame[1:]), nil
}

func EncodeChangedMe() []byte { return []byte{byte(OpChangedMe)} }

func EncodeCaptchaReturn(code uint8) []byte {
	return []byte{byte(OpCaptchaReturn), code}
}

func DecodeCaptchaReturn(frame []byte) (uint8, error) {
	op, err := expectOp(frame, OpCaptchaReturn)
	if err != nil {
		return 0, err
	}
	if len(frame) != 2 {
		return 0, malformed(op, "length %d", len(frame))
	}
	return frame[1], nil
}

// EncodeOnlineCounter writes canvases in ascending id order.
func EncodeOnlineCounter(c OnlineCounter) []byte {
	ids := make([]int, 0, len(c.Canvases))
	for id := range c.Canvases {
		ids = append(ids, int(id))
	}
	sort.Ints(ids)
	buf := make([]byte, 3+3*len(ids))
	buf[0] = byte(OpOnlineCounter)
	binary.BigEndian.PutUint16(buf[1:], c.Total)
	for n, id := range ids {
		o := 3 + 3*n
		buf[o] = uint8(id)
		binary.BigEndian.PutUint16(buf[o+1:], c.Canvases[uint8(id)])
	}
	return buf
}

func DecodeOnlineCounter(frame []byte) (OnlineCounter, error) {
	op, err := expectOp(frame, OpOnlineCounter)
	if err != nil {
		return OnlineCounter{}, err
	}
	if len(frame) < 3 || (len(frame)-3)%3 != 0 {
		return OnlineCounter{}, malformed(op, "length %d", len(frame))
	}
	c := OnlineCounter{
		Total:    binary.BigEndian.Uint16(frame[1:]),
		Canvases: make(map[uint8]uint16, (len(frame)-3)/3),
	}
	for o := 3; o < len(frame); o += 3 {
		c.Canvases[frame[o]] = binary.BigEndian.Uint16(frame[o+1:])
	}
	return c, nil
}

func EncodeFishAppears(fishType, size uint8) []byte {
	return []byte{byte(OpFishAppears), fishType, size}
}

func DecodeFishAppears(frame []byte) (fishType, size uint8, err error) {
	op, err := expectOp(frame, OpFishAppears)
	if err != nil {
		return 0, 0, err
	}
	if len(frame) != 3 {
		return 0, 0, malformed(op, "length %d", len(frame))
	}
	return frame[1], frame[2], nil
}

func EncodeFishCaught(f FishCaught) []byte {
	var success byte
	if f.Success {
		success = 1
	}
	return []byte{byte(OpFishCaught), success, f.Type, f.Size}
}

func DecodeFishCaught(frame []byte) (FishCaught, error) {
	op, err := expectOp(frame, OpFishCaught)
	if err != nil {
		return FishCaught{}, err
	}
	if len(frame) != 4 {
		return FishCaught{}, malformed(op, "length %d", len(frame))
	}
	return FishCaught{Success: frame[1] != 0, Type: frame[2], Size: frame[3]}, nil
}

// ClampUint16 saturates a count into the 16-bit counter fields.
func ClampUint16(n int) uint16 {
	if n < 0 {
		return 0
	}
	if n > math.MaxUint16 {
		return math.MaxUint16
	}
	return uint16(n)
}
