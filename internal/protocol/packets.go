package protocol

import "fmt"

// Packet type codes carried in the 16-byte control header (offset 0x02).
const (
	TypeNull          byte = 0x00
	TypeRetransmit    byte = 0x01
	TypeAreYouThere   byte = 0x03
	TypeIAmHere       byte = 0x04
	TypeDisconnect    byte = 0x05
	TypeAreYouReady   byte = 0x06 // also I_AM_READY; direction disambiguates
	TypePing          byte = 0x07
)

// Fixed packet sizes, named after the families in spec.md §4.1.
const (
	SizeControl       = 16
	SizePing          = 21
	SizeOpenClose     = 22
	SizeRetransmit    = 24
	SizeToken         = 64
	SizeStatus        = 80
	SizeLoginResponse = 96
	SizeLogin         = 128
	SizeConnInfo      = 144
	SizeCapabilities  = 0xA8

	radioCapRecordSize   = 0x66
	radioCapRecordOffset = 0x42

	civMinSize   = 0x16
	audioMinSize = 0x18
)

// Header is the common 16-byte control header shared by every packet
// family. It is little-endian throughout.
type Header struct {
	Length uint16
	Type   byte
	Seq    uint16
	SentID uint32
	RcvdID uint32
}

// put writes h into the first 16 bytes of buf. buf must be at least 16
// bytes long.
func (h Header) put(buf []byte) {
	putU16LE(buf[0x00:], h.Length)
	buf[0x02] = h.Type
	buf[0x03], buf[0x04], buf[0x05] = 0, 0, 0
	putU16LE(buf[0x06:], h.Seq)
	putU32LE(buf[0x08:], h.SentID)
	putU32LE(buf[0x0C:], h.RcvdID)
}

// StampSeq overwrites the seq field (offset 0x06, little-endian) of any
// packet that starts with the common 16-byte header. Session.SendTracked
// uses this to stamp a caller-built packet template with the session's
// tracked sequence number immediately before recording it in tx_history,
// so a later Retransmit resends exactly what was stamped.
func StampSeq(buf []byte, seq uint16) {
	putU16LE(buf[0x06:], seq)
}

// ParseHeader reads the 16-byte control header from buf.
func ParseHeader(buf []byte) (Header, error) {
	if len(buf) < SizeControl {
		return Header{}, fmt.Errorf("protocol: header needs %d bytes, got %d", SizeControl, len(buf))
	}
	return Header{
		Length: u16LE(buf[0x00:]),
		Type:   buf[0x02],
		Seq:    u16LE(buf[0x06:]),
		SentID: u32LE(buf[0x08:]),
		RcvdID: u32LE(buf[0x0C:]),
	}, nil
}

// BuildControl builds a 16-byte control packet (NULL, RETRANSMIT single,
// ARE_YOU_THERE, I_AM_HERE, DISCONNECT, ARE_YOU_READY/I_AM_READY).
func BuildControl(h Header) []byte {
	buf := make([]byte, SizeControl)
	h.Length = SizeControl
	h.put(buf)
	return buf
}

// Ping is the 21-byte keep-alive packet. Reply echoes RequestTS
// byte-for-byte from the request it answers.
type Ping struct {
	Header
	IsReply    bool
	RequestTS  uint32
}

// BuildPing builds a ping request or reply packet.
func BuildPing(p Ping) []byte {
	buf := make([]byte, SizePing)
	p.Header.Length = SizePing
	p.Header.Type = TypePing
	p.Header.put(buf)
	if p.IsReply {
		buf[0x10] = 1
	}
	putU32LE(buf[0x11:], p.RequestTS)
	return buf
}

// ParsePing parses a ping packet.
func ParsePing(buf []byte) (Ping, error) {
	if len(buf) != SizePing {
		return Ping{}, fmt.Errorf("protocol: ping needs %d bytes, got %d", SizePing, len(buf))
	}
	h, err := ParseHeader(buf)
	if err != nil {
		return Ping{}, err
	}
	return Ping{
		Header:    h,
		IsReply:   buf[0x10] != 0,
		RequestTS: u32LE(buf[0x11:]),
	}, nil
}

// OpenCloseMagic values for the CI-V sub-session keep-alive packet.
const (
	OpenCloseMagicOpen  byte = 0x04
	OpenCloseMagicClose byte = 0x00
	openCloseHeaderByte byte = 0xC0
)

// OpenClose is the 22-byte CI-V sub-session open/close (keep-alive)
// packet.
type OpenClose struct {
	Header
	CivLen uint16
	CivSeq uint16
	Magic  byte
}

// BuildOpenClose builds an open or close keep-alive packet.
func BuildOpenClose(o OpenClose) []byte {
	buf := make([]byte, SizeOpenClose)
	o.Header.Length = SizeOpenClose
	o.Header.put(buf)
	buf[0x10] = openCloseHeaderByte
	putU16LE(buf[0x11:], o.CivLen)
	putU16BE(buf[0x13:], o.CivSeq)
	buf[0x15] = o.Magic
	return buf
}

// ParseOpenClose parses an open/close keep-alive packet.
func ParseOpenClose(buf []byte) (OpenClose, error) {
	if len(buf) != SizeOpenClose {
		return OpenClose{}, fmt.Errorf("protocol: openclose needs %d bytes, got %d", SizeOpenClose, len(buf))
	}
	h, err := ParseHeader(buf)
	if err != nil {
		return OpenClose{}, err
	}
	if buf[0x10] != openCloseHeaderByte {
		return OpenClose{}, fmt.Errorf("protocol: openclose bad header byte 0x%02x", buf[0x10])
	}
	return OpenClose{
		Header: h,
		CivLen: u16LE(buf[0x11:]),
		CivSeq: u16BE(buf[0x13:]),
		Magic:  buf[0x15],
	}, nil
}

// BuildRetransmitRange builds a multi-sequence retransmit request. seqs
// is padded/truncated to exactly 4 entries (SizeRetransmit-SizeControl)/2.
func BuildRetransmitRange(h Header, seqs []uint16) []byte {
	buf := make([]byte, SizeRetransmit)
	h.Length = SizeRetransmit
	h.Type = TypeRetransmit
	h.put(buf)
	n := (SizeRetransmit - SizeControl) / 2
	for i := 0; i < n && i < len(seqs); i++ {
		putU16LE(buf[SizeControl+2*i:], seqs[i])
	}
	return buf
}

// ParseRetransmitRange parses a multi-sequence retransmit request.
func ParseRetransmitRange(buf []byte) (Header, []uint16, error) {
	if len(buf) != SizeRetransmit {
		return Header{}, nil, fmt.Errorf("protocol: retransmit range needs %d bytes, got %d", SizeRetransmit, len(buf))
	}
	h, err := ParseHeader(buf)
	if err != nil {
		return Header{}, nil, err
	}
	n := (SizeRetransmit - SizeControl) / 2
	seqs := make([]uint16, n)
	for i := 0; i < n; i++ {
		seqs[i] = u16LE(buf[SizeControl+2*i:])
	}
	return h, seqs, nil
}

// innerHeader is the big-endian payload header shared by Token, Login
// and ConnInfo packets: a payload size, an inner sequence counter, and
// a request/reply discriminator pair. It lives at a fixed offset (0x10)
// past the 16-byte control header in all three families.
type innerHeader struct {
	PayloadSize  uint16
	InnerSeq     uint16
	RequestReply byte
	RequestType  byte
}

func (ih innerHeader) put(buf []byte) {
	putU16BE(buf[0x10:], ih.PayloadSize)
	putU16BE(buf[0x12:], ih.InnerSeq)
	buf[0x14] = ih.RequestReply
	buf[0x15] = ih.RequestType
}

// NewInnerHeader constructs the shared payload header for Token/Login/
// ConnInfo packets. The type itself stays unexported — callers outside
// this package assign the result directly to a struct field of that
// type, never name it.
func NewInnerHeader(payloadSize, innerSeq uint16, requestReply, requestType byte) innerHeader {
	return innerHeader{PayloadSize: payloadSize, InnerSeq: innerSeq, RequestReply: requestReply, RequestType: requestType}
}

func parseInnerHeader(buf []byte) innerHeader {
	return innerHeader{
		PayloadSize:  u16BE(buf[0x10:]),
		InnerSeq:     u16BE(buf[0x12:]),
		RequestReply: buf[0x14],
		RequestType:  buf[0x15],
	}
}

// Token request types (offset 0x15).
const (
	TokenRequestDelete     byte = 0x01
	TokenRequestConfirm    byte = 0x02
	TokenRequestDisconnect byte = 0x04
	TokenRequestRenewal    byte = 0x05
)

// TokenRenewalRejected is the sentinel response value (0xFFFFFFFF) the
// radio sends at offset 0x30 to reject a token renewal and force a
// fresh handshake.
const TokenRenewalRejected uint32 = 0xFFFFFFFF

// Token is the 64-byte token request/response packet.
type Token struct {
	Header
	Inner       innerHeader
	LocalToken  uint16
	RigToken    uint32
	Response    uint32
}

// BuildToken builds a token request packet.
func BuildToken(t Token) []byte {
	buf := make([]byte, SizeToken)
	t.Header.Length = SizeToken
	t.Header.put(buf)
	t.Inner.put(buf)
	putU16BE(buf[0x18:], t.LocalToken)
	putU32BE(buf[0x1A:], t.RigToken)
	putU32BE(buf[0x30:], t.Response)
	return buf
}

// ParseToken parses a token request/response packet.
func ParseToken(buf []byte) (Token, error) {
	if len(buf) != SizeToken {
		return Token{}, fmt.Errorf("protocol: token needs %d bytes, got %d", SizeToken, len(buf))
	}
	h, err := ParseHeader(buf)
	if err != nil {
		return Token{}, err
	}
	return Token{
		Header:     h,
		Inner:      parseInnerHeader(buf),
		LocalToken: u16BE(buf[0x18:]),
		RigToken:   u32BE(buf[0x1A:]),
		Response:   u32BE(buf[0x30:]),
	}, nil
}

// Status is the 80-byte packet the radio sends to announce dynamic
// CI-V/Audio ports and link state.
type Status struct {
	Header
	Error     uint32
	Connected bool // true when byte 0x40 == 0
	CivPort   uint16
	AudioPort uint16
}

// BuildStatus builds a status packet (used by tests / mock radios).
func BuildStatus(s Status) []byte {
	buf := make([]byte, SizeStatus)
	s.Header.Length = SizeStatus
	s.Header.put(buf)
	putU32LE(buf[0x30:], s.Error)
	if !s.Connected {
		buf[0x40] = 1
	}
	putU16BE(buf[0x42:], s.CivPort)
	putU16BE(buf[0x46:], s.AudioPort)
	return buf
}

// ParseStatus parses a status packet.
func ParseStatus(buf []byte) (Status, error) {
	if len(buf) != SizeStatus {
		return Status{}, fmt.Errorf("protocol: status needs %d bytes, got %d", SizeStatus, len(buf))
	}
	h, err := ParseHeader(buf)
	if err != nil {
		return Status{}, err
	}
	return Status{
		Header:    h,
		Error:     u32LE(buf[0x30:]),
		Connected: buf[0x40] == 0,
		CivPort:   u16BE(buf[0x42:]),
		AudioPort: u16BE(buf[0x46:]),
	}, nil
}

// LoginResponse is the 96-byte reply to a Login packet.
type LoginResponse struct {
	Header
	Inner            innerHeader
	Token            uint32
	Error            uint32
	ConnectionString string
}

// BuildLoginResponse builds a login response packet (mock-radio use).
func BuildLoginResponse(lr LoginResponse) []byte {
	buf := make([]byte, SizeLoginResponse)
	lr.Header.Length = SizeLoginResponse
	lr.Header.put(buf)
	lr.Inner.put(buf)
	putU32BE(buf[0x1C:], lr.Token)
	putU32BE(buf[0x30:], lr.Error)
	copy(buf[0x40:0x50], []byte(lr.ConnectionString))
	return buf
}

// ParseLoginResponse parses a login response packet.
func ParseLoginResponse(buf []byte) (LoginResponse, error) {
	if len(buf) != SizeLoginResponse {
		return LoginResponse{}, fmt.Errorf("protocol: login response needs %d bytes, got %d", SizeLoginResponse, len(buf))
	}
	h, err := ParseHeader(buf)
	if err != nil {
		return LoginResponse{}, err
	}
	return LoginResponse{
		Header:           h,
		Inner:            parseInnerHeader(buf),
		Token:            u32BE(buf[0x1C:]),
		Error:            u32BE(buf[0x30:]),
		ConnectionString: trimZero(buf[0x40:0x50]),
	}, nil
}

// Login is the 128-byte packet used to authenticate with the radio.
// Username and password are transmitted obfuscated (see credentials.go).
type Login struct {
	Header
	Inner      innerHeader
	Username   string
	Password   string
	ClientName string
}

// BuildLogin builds a login packet, obfuscating Username/Password.
func BuildLogin(l Login) []byte {
	buf := make([]byte, SizeLogin)
	l.Header.Length = SizeLogin
	l.Header.put(buf)
	l.Inner.put(buf)
	user := obfuscate(l.Username)
	pass := obfuscate(l.Password)
	copy(buf[0x40:0x50], user[:])
	copy(buf[0x50:0x60], pass[:])
	copy(buf[0x60:0x70], []byte(l.ClientName))
	return buf
}

// ParsedLogin holds a Login packet's fields as they appear on the wire.
// Plaintext credentials are not recoverable from a Login packet;
// ParseLogin is provided only for wire-level inspection in tests (it
// returns the raw obfuscated fields, not plaintext).
type ParsedLogin struct {
	Header
	Inner              innerHeader
	ObfuscatedUsername [16]byte
	ObfuscatedPassword [16]byte
	ClientName         string
}

// ParseLogin parses a login packet's raw (still-obfuscated) fields.
func ParseLogin(buf []byte) (ParsedLogin, error) {
	if len(buf) != SizeLogin {
		return ParsedLogin{}, fmt.Errorf("protocol: login needs %d bytes, got %d", SizeLogin, len(buf))
	}
	h, err := ParseHeader(buf)
	if err != nil {
		return ParsedLogin{}, err
	}
	var pl ParsedLogin
	pl.Header = h
	pl.Inner = parseInnerHeader(buf)
	copy(pl.ObfuscatedUsername[:], buf[0x40:0x50])
	copy(pl.ObfuscatedPassword[:], buf[0x50:0x60])
	pl.ClientName = trimZero(buf[0x60:0x70])
	return pl, nil
}

// Stream configuration bytes inside ConnInfo (0x70..0x73).
const (
	streamRXEnable byte = 0x01
	streamTXEnable byte = 0x01
	streamLPCM     byte = 0x04
	stream16Bit    byte = 0x04
)

// commonCap is the constant common-capability marker at 0x26..0x27.
var commonCap = [2]byte{0x10, 0x80}

// ConnInfo is the 144-byte port/stream negotiation packet. Outbound
// (client->radio) packets carry an obfuscated username at 0x60..0x6F;
// inbound (radio->client) packets reuse the same byte range's first
// byte as a busy indicator. BuildConnInfoReply and ParseConnInfo model
// the two directions separately because the field is direction-specific.
type ConnInfo struct {
	Header
	Inner         innerHeader
	RadioMAC      [6]byte
	RigName       string
	RXSampleRate  uint32
	TXSampleRate  uint32
	CivPort       uint16
	AudioPort     uint16
	TXBufferSize  uint16
	RXEnable      bool
	TXEnable      bool
	Busy          bool // inbound only
	ObfuscatedUser [16]byte // outbound only
}

// BuildConnInfoReply builds the client's outbound ConnInfo reply to the
// radio, per spec.md §4.7 step 5. Ports, rx/tx sample rates, TX buffer
// size, MAC and rig name are written as the caller sets them in ci (the
// controller passes the local CI-V/Audio sub-socket ports, 12000 for
// both sample rates, and the rig name copied from the inbound packet);
// the common-cap, stream-config and 0x88 bytes are fixed here.
func BuildConnInfoReply(ci ConnInfo, username string) []byte {
	buf := make([]byte, SizeConnInfo)
	ci.Header.Length = SizeConnInfo
	ci.Header.put(buf)
	ci.Inner.put(buf)
	copy(buf[0x26:0x28], commonCap[:])
	copy(buf[0x28:0x2E], ci.RadioMAC[:])
	copy(buf[0x40:0x60], []byte(ci.RigName))
	user := obfuscate(username)
	copy(buf[0x60:0x70], user[:])
	buf[0x70] = streamRXEnable
	buf[0x71] = streamTXEnable
	buf[0x72] = streamLPCM
	buf[0x73] = stream16Bit
	putU32BE(buf[0x74:], ci.RXSampleRate)
	putU32BE(buf[0x78:], ci.TXSampleRate)
	putU16BE(buf[0x7C:], ci.CivPort)
	putU16BE(buf[0x80:], ci.AudioPort)
	putU16BE(buf[0x84:], ci.TXBufferSize)
	buf[0x88] = 0x01
	return buf
}

// ParseConnInfo parses an inbound (radio->client) ConnInfo packet.
func ParseConnInfo(buf []byte) (ConnInfo, error) {
	if len(buf) != SizeConnInfo {
		return ConnInfo{}, fmt.Errorf("protocol: conninfo needs %d bytes, got %d", SizeConnInfo, len(buf))
	}
	h, err := ParseHeader(buf)
	if err != nil {
		return ConnInfo{}, err
	}
	var ci ConnInfo
	ci.Header = h
	ci.Inner = parseInnerHeader(buf)
	copy(ci.RadioMAC[:], buf[0x28:0x2E])
	ci.RigName = trimZero(buf[0x40:0x60])
	ci.Busy = buf[0x60] != 0
	ci.RXEnable = buf[0x70] != 0
	ci.TXEnable = buf[0x71] != 0
	ci.RXSampleRate = u32BE(buf[0x74:])
	ci.TXSampleRate = u32BE(buf[0x78:])
	ci.CivPort = u16BE(buf[0x7C:])
	ci.AudioPort = u16BE(buf[0x80:])
	ci.TXBufferSize = u16BE(buf[0x84:])
	return ci, nil
}

// RadioCap describes one radio's capabilities as carried in a
// Capabilities packet's first RadioCap record.
type RadioCap struct {
	RigName    string
	AudioName  string
	CivAddress byte
	RXSample   uint16
	TXSample   uint16
	SupportTX  bool
}

// ParseCapabilities parses a 0xA8-byte Capabilities packet and returns
// its first RadioCap record, per spec.md §4.7's demux rule.
func ParseCapabilities(buf []byte) (RadioCap, error) {
	if len(buf) != SizeCapabilities {
		return RadioCap{}, fmt.Errorf("protocol: capabilities needs %d bytes, got %d", SizeCapabilities, len(buf))
	}
	if _, err := ParseHeader(buf); err != nil {
		return RadioCap{}, err
	}
	rec := buf[radioCapRecordOffset : radioCapRecordOffset+radioCapRecordSize]
	return RadioCap{
		RigName:    trimZero(rec[0x10:0x30]),
		AudioName:  trimZero(rec[0x30:0x50]),
		CivAddress: rec[0x52],
		RXSample:   u16BE(rec[0x53:0x55]),
		TXSample:   u16BE(rec[0x55:0x57]),
		SupportTX:  rec[0x57] != 0,
	}, nil
}

// civHeaderByte is the fixed header byte (offset 0x10) of a CI-V
// transport packet.
const civHeaderByte byte = 0xC1

// CIV is a variable-length CI-V transport packet (>= 22 bytes).
type CIV struct {
	Header
	CivSeq  uint16
	Payload []byte
}

// BuildCIV builds a CI-V transport packet carrying payload.
func BuildCIV(h Header, civSeq uint16, payload []byte) []byte {
	size := 0x15 + len(payload)
	buf := make([]byte, size)
	h.Length = uint16(size)
	h.put(buf)
	buf[0x10] = civHeaderByte
	putU16LE(buf[0x11:], uint16(len(payload)))
	putU16BE(buf[0x13:], civSeq)
	copy(buf[0x15:], payload)
	return buf
}

// ParseCIV validates and parses an inbound CI-V transport packet per
// spec.md §4.1's inbound validation rule: header byte 0x10 must be
// 0xC1, civ_len at 0x11 (LE) must equal packet_len-0x15, and the type
// must not be RETRANSMIT.
func ParseCIV(buf []byte) (CIV, error) {
	if len(buf) < civMinSize {
		return CIV{}, fmt.Errorf("protocol: civ packet too short (%d bytes)", len(buf))
	}
	h, err := ParseHeader(buf)
	if err != nil {
		return CIV{}, err
	}
	if h.Type == TypeRetransmit {
		return CIV{}, fmt.Errorf("protocol: civ packet has RETRANSMIT type")
	}
	if buf[0x10] != civHeaderByte {
		return CIV{}, fmt.Errorf("protocol: civ bad header byte 0x%02x", buf[0x10])
	}
	civLen := u16LE(buf[0x11:])
	if int(civLen) != len(buf)-0x15 {
		return CIV{}, fmt.Errorf("protocol: civ length mismatch: field=%d actual=%d", civLen, len(buf)-0x15)
	}
	payload := make([]byte, civLen)
	copy(payload, buf[0x15:])
	return CIV{
		Header:  h,
		CivSeq:  u16BE(buf[0x13:]),
		Payload: payload,
	}, nil
}

// Audio identity values. The 16-bit ident field at offset 0x10 is
// little-endian despite the family table's "high byte / low byte"
// phrasing — the validation rule (0x10 in {0x97,0x00}, 0x11 in
// {0x80,0x81}) only holds if ident is read as u16LE, not u16BE. This is
// exactly the kind of inverted byte-order naming spec.md §4.1/§9 warns
// about in upstream references; this package resolves it by reading
// the field with u16LE and never trusting the family-table's prose.
const (
	AudioIdent160 uint16 = 0x8197
	AudioIdentOther uint16 = 0x8000
)

// Audio is a variable-length bidirectional PCM transport packet
// (>= 24 bytes header, up to 2048 bytes of payload).
type Audio struct {
	Header
	Ident   uint16
	SendSeq uint16
	Payload []byte
}

// PutPCMSample writes a little-endian PCM16 sample into frame at the
// given byte offset. Raw PCM payload bytes follow ordinary little-
// endian sample convention, distinct from the header's ident field.
func PutPCMSample(frame []byte, offset int, sample int16) {
	putU16LE(frame[offset:], uint16(sample))
}

// BuildAudio builds an audio transport packet carrying a PCM payload.
func BuildAudio(h Header, sendSeq uint16, payload []byte) []byte {
	ident := AudioIdentOther
	if len(payload) == 160 {
		ident = AudioIdent160
	}
	size := audioMinSize + len(payload)
	buf := make([]byte, size)
	h.Length = uint16(size)
	h.put(buf)
	putU16LE(buf[0x10:], ident)
	putU16BE(buf[0x12:], sendSeq)
	putU16BE(buf[0x16:], uint16(len(payload)))
	copy(buf[0x18:], payload)
	return buf
}

// ParseAudio validates and parses an inbound audio transport packet per
// spec.md §4.1's inbound validation rule.
func ParseAudio(buf []byte) (Audio, error) {
	if len(buf) < audioMinSize {
		return Audio{}, fmt.Errorf("protocol: audio packet too short (%d bytes)", len(buf))
	}
	h, err := ParseHeader(buf)
	if err != nil {
		return Audio{}, err
	}
	if buf[0x10] != 0x97 && buf[0x10] != 0x00 {
		return Audio{}, fmt.Errorf("protocol: audio bad ident low byte 0x%02x", buf[0x10])
	}
	if buf[0x11] != 0x80 && buf[0x11] != 0x81 {
		return Audio{}, fmt.Errorf("protocol: audio bad ident high byte 0x%02x", buf[0x11])
	}
	dataLen := u16BE(buf[0x16:])
	if dataLen == 0 || dataLen > 2048 {
		return Audio{}, fmt.Errorf("protocol: audio dataLen %d out of range", dataLen)
	}
	if len(buf) != audioMinSize+int(dataLen) {
		return Audio{}, fmt.Errorf("protocol: audio length mismatch: header+dataLen=%d actual=%d", audioMinSize+int(dataLen), len(buf))
	}
	payload := make([]byte, dataLen)
	copy(payload, buf[0x18:])
	return Audio{
		Header:  h,
		Ident:   u16LE(buf[0x10:]),
		SendSeq: u16BE(buf[0x12:]),
		Payload: payload,
	}, nil
}

// trimZero returns s up to (not including) the first NUL byte, or all
// of s if there is none.
func trimZero(s []byte) string {
	for i, b := range s {
		if b == 0 {
			return string(s[:i])
		}
	}
	return string(s)
}
