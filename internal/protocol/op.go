// Package protocol encodes and decodes the frames exchanged over a live
// canvas connection. Binary frames start with a one-byte opcode; text frames
// are "<tag>,<JSON>".
package protocol

// Op is the leading byte of every binary frame.
type Op byte

const (
	OpRegisterCanvas    Op = 0xA0
	OpRegisterChunk     Op = 0xA1
	OpDeregisterChunk   Op = 0xA2
	OpRegisterChunks    Op = 0xA3
	OpDeregisterChunks  Op = 0xA4
	OpChangedMe         Op = 0xA6
	OpOnlineCounter     Op = 0xA7
	OpPing              Op = 0xB0
	OpLegacyPixelUpdate Op = 0xC0
	OpPixelUpdate       Op = 0xC1
	OpCooldown          Op = 0xC2
	OpPixelReturn       Op = 0xC3
	OpCaptchaReturn     Op = 0xC6
	OpFishAppears       Op = 0xC7
	OpFishCaught        Op = 0xC8
)

func (o Op) String() string {
	switch o {
	case OpRegisterCanvas:
		return "register-canvas"
	case OpRegisterChunk:
		return "register-chunk"
	case OpDeregisterChunk:
		return "deregister-chunk"
	case OpRegisterChunks:
		return "register-many-chunks"
	case OpDeregisterChunks:
		return "deregister-many-chunks"
	case OpChangedMe:
		return "changed-me"
	case OpOnlineCounter:
		return "online-counter"
	case OpPing:
		return "ping"
	case OpLegacyPixelUpdate:
		return "legacy-pixel-update"
	case OpPixelUpdate:
		return "pixel-update"
	case OpCooldown:
		return "cooldown"
	case OpPixelReturn:
		return "pixel-return"
	case OpCaptchaReturn:
		return "captcha-return"
	case OpFishAppears:
		return "fish-appears"
	case OpFishCaught:
		return "fish-caught"
	default:
		return "unknown"
	}
}

// ReturnCode is the closed set of placement outcomes sent to clients.
// Clients map them to messages; the server never formats text for them.
type ReturnCode uint8

const (
	Success              ReturnCode = 0
	InvalidCanvas        ReturnCode = 1
	XOutOfRange          ReturnCode = 2
	YOutOfRange          ReturnCode = 3
	ZOutOfRange          ReturnCode = 4
	InvalidColor         ReturnCode = 5
	Protected            ReturnCode = 8
	Cooldown             ReturnCode = 9
	CaptchaRequired      ReturnCode = 10
	ProxyAbuse           ReturnCode = 11
	SimultaneousRequest  ReturnCode = 12
	VerificationRequired ReturnCode = 13
	Banned               ReturnCode = 14
	LegacyClient         ReturnCode = 15
	OffsetOutOfRange     ReturnCode = 16
)

func (c ReturnCode) String() string {
	switch c {
	case Success:
		return "success"
	case InvalidCanvas:
		return "invalid_canvas"
	case XOutOfRange:
		return "x_out_of_range"
	case YOutOfRange:
		return "y_out_of_range"
	case ZOutOfRange:
		return "z_out_of_range"
	case InvalidColor:
		return "invalid_color"
	case Protected:
		return "protected"
	case Cooldown:
		return "cooldown"
	case CaptchaRequired:
		return "captcha_required"
	case ProxyAbuse:
		return "proxy_abuse"
	case SimultaneousRequest:
		return "simultaneous_request"
	case VerificationRequired:
		return "verification_required"
	case Banned:
		return "banned"
	case LegacyClient:
		return "legacy_client"
	case OffsetOutOfRange:
		return "offset_out_of_range"
	default:
		return "unknown"
	}
}
