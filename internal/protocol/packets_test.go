package protocol

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func TestHeaderRoundTrip(t *testing.T) {
	h := Header{Type: TypeAreYouThere, Seq: 0x1234, SentID: 0xDEADBEEF, RcvdID: 0xCAFEF00D}
	buf := BuildControl(h)
	got, err := ParseHeader(buf)
	require.NoError(t, err)
	assert.Equal(t, TypeAreYouThere, got.Type)
	assert.EqualValues(t, 0x1234, got.Seq)
	assert.EqualValues(t, 0xDEADBEEF, got.SentID)
	assert.EqualValues(t, 0xCAFEF00D, got.RcvdID)
	assert.EqualValues(t, SizeControl, got.Length)
}

func TestStampSeqOverwritesOnlySeqField(t *testing.T) {
	h := Header{Type: TypePing, SentID: 1, RcvdID: 2}
	buf := BuildControl(h)
	StampSeq(buf, 0x55AA)
	got, err := ParseHeader(buf)
	require.NoError(t, err)
	assert.EqualValues(t, 0x55AA, got.Seq)
	assert.Equal(t, TypePing, got.Type)
	assert.EqualValues(t, 1, got.SentID)
	assert.EqualValues(t, 2, got.RcvdID)
}

func TestPingRoundTrip(t *testing.T) {
	req := Ping{Header: Header{SentID: 7, RcvdID: 8}, IsReply: false, RequestTS: 123456}
	got, err := ParsePing(BuildPing(req))
	require.NoError(t, err)
	assert.False(t, got.IsReply)
	assert.EqualValues(t, 123456, got.RequestTS)

	reply := Ping{Header: Header{SentID: 7, RcvdID: 8}, IsReply: true, RequestTS: 123456}
	got, err = ParsePing(BuildPing(reply))
	require.NoError(t, err)
	assert.True(t, got.IsReply)
}

func TestOpenCloseRoundTrip(t *testing.T) {
	o := OpenClose{Header: Header{SentID: 1, RcvdID: 2}, CivLen: 1, CivSeq: 99, Magic: OpenCloseMagicOpen}
	got, err := ParseOpenClose(BuildOpenClose(o))
	require.NoError(t, err)
	assert.EqualValues(t, 1, got.CivLen)
	assert.EqualValues(t, 99, got.CivSeq)
	assert.Equal(t, OpenCloseMagicOpen, got.Magic)
}

func TestParseOpenCloseRejectsWrongHeaderByte(t *testing.T) {
	o := OpenClose{Header: Header{}, Magic: OpenCloseMagicClose}
	buf := BuildOpenClose(o)
	buf[0x10] = 0xC1 // CIV header byte, not OpenClose's 0xC0
	_, err := ParseOpenClose(buf)
	assert.Error(t, err)
}

func TestRetransmitRangeRoundTrip(t *testing.T) {
	h := Header{SentID: 1, RcvdID: 2}
	seqs := []uint16{10, 20, 30, 40}
	buf := BuildRetransmitRange(h, seqs)
	assert.Len(t, buf, SizeRetransmit)
	_, got, err := ParseRetransmitRange(buf)
	require.NoError(t, err)
	assert.Equal(t, seqs, got)
}

func TestRetransmitRangeTruncatesExtraEntries(t *testing.T) {
	buf := BuildRetransmitRange(Header{}, []uint16{1, 2, 3, 4, 5, 6})
	_, got, err := ParseRetransmitRange(buf)
	require.NoError(t, err)
	assert.Equal(t, []uint16{1, 2, 3, 4}, got)
}

func TestTokenRoundTrip(t *testing.T) {
	tok := Token{
		Header:     Header{SentID: 1, RcvdID: 2},
		Inner:      NewInnerHeader(SizeToken-0x10, 5, 0, TokenRequestConfirm),
		LocalToken: 0x1111,
		RigToken:   0x22223333,
		Response:   0,
	}
	got, err := ParseToken(BuildToken(tok))
	require.NoError(t, err)
	assert.EqualValues(t, 0x1111, got.LocalToken)
	assert.EqualValues(t, 0x22223333, got.RigToken)
	assert.Equal(t, TokenRequestConfirm, got.Inner.RequestType)
}

func TestTokenRenewalRejectedSentinel(t *testing.T) {
	tok := Token{Header: Header{}, Response: TokenRenewalRejected}
	got, err := ParseToken(BuildToken(tok))
	require.NoError(t, err)
	assert.Equal(t, TokenRenewalRejected, got.Response)
}

func TestStatusRoundTrip(t *testing.T) {
	s := Status{Header: Header{}, Error: 0, Connected: true, CivPort: 50001, AudioPort: 50002}
	got, err := ParseStatus(BuildStatus(s))
	require.NoError(t, err)
	assert.True(t, got.Connected)
	assert.EqualValues(t, 50001, got.CivPort)
	assert.EqualValues(t, 50002, got.AudioPort)

	s.Connected = false
	got, err = ParseStatus(BuildStatus(s))
	require.NoError(t, err)
	assert.False(t, got.Connected)
}

func TestLoginResponseRoundTrip(t *testing.T) {
	lr := LoginResponse{
		Header:           Header{},
		Inner:            NewInnerHeader(0, 1, 0, 0),
		Token:            0xABCD1234,
		Error:            0,
		ConnectionString: "1.2.3",
	}
	got, err := ParseLoginResponse(BuildLoginResponse(lr))
	require.NoError(t, err)
	assert.EqualValues(t, 0xABCD1234, got.Token)
	assert.Equal(t, "1.2.3", got.ConnectionString)
}

func TestLoginObfuscatesCredentials(t *testing.T) {
	l := Login{Header: Header{}, Username: "op", Password: "secret", ClientName: "icomwlan"}
	buf := BuildLogin(l)
	pl, err := ParseLogin(buf)
	require.NoError(t, err)
	assert.Equal(t, "icomwlan", pl.ClientName)
	// The wire form must not contain the plaintext password bytes.
	assert.NotContains(t, string(buf), "secret")
}

func TestConnInfoRoundTrip(t *testing.T) {
	ci := ConnInfo{
		Header:       Header{},
		Inner:        NewInnerHeader(0, 1, 0, 0),
		RadioMAC:     [6]byte{1, 2, 3, 4, 5, 6},
		RigName:      "IC-705",
		RXSampleRate: 12000,
		TXSampleRate: 12000,
		CivPort:      40001,
		AudioPort:    40002,
		TXBufferSize: 1024,
		RXEnable:     true,
		TXEnable:     true,
	}
	buf := BuildConnInfoReply(ci, "op")
	got, err := ParseConnInfo(buf)
	require.NoError(t, err)
	assert.Equal(t, [6]byte{1, 2, 3, 4, 5, 6}, got.RadioMAC)
	assert.Equal(t, "IC-705", got.RigName)
	assert.EqualValues(t, 40001, got.CivPort)
	assert.EqualValues(t, 40002, got.AudioPort)
	assert.True(t, got.RXEnable)
	assert.True(t, got.TXEnable)
}

func TestParseCapabilities(t *testing.T) {
	buf := make([]byte, SizeCapabilities)
	rec := buf[radioCapRecordOffset : radioCapRecordOffset+radioCapRecordSize]
	copy(rec[0x10:], []byte("IC-705"))
	copy(rec[0x30:], []byte("IC-705 AUDIO"))
	rec[0x52] = 0xA4
	putU16BE(rec[0x53:], 12000)
	putU16BE(rec[0x55:], 12000)
	rec[0x57] = 1

	got, err := ParseCapabilities(buf)
	require.NoError(t, err)
	assert.Equal(t, "IC-705", got.RigName)
	assert.Equal(t, "IC-705 AUDIO", got.AudioName)
	assert.EqualValues(t, 0xA4, got.CivAddress)
	assert.True(t, got.SupportTX)
}

func TestCivRoundTrip(t *testing.T) {
	payload := []byte{0xFE, 0xFE, 0xA4, 0xE0, 0x03, 0xFD}
	buf := BuildCIV(Header{SentID: 1, RcvdID: 2}, 7, payload)
	got, err := ParseCIV(buf)
	require.NoError(t, err)
	assert.EqualValues(t, 7, got.CivSeq)
	assert.Equal(t, payload, got.Payload)
}

func TestParseCivRejectsRetransmitType(t *testing.T) {
	payload := []byte{0x01}
	buf := BuildCIV(Header{Type: TypeRetransmit}, 0, payload)
	_, err := ParseCIV(buf)
	assert.Error(t, err)
}

func TestParseCivRejectsLengthMismatch(t *testing.T) {
	buf := BuildCIV(Header{}, 0, []byte{1, 2, 3})
	putU16LE(buf[0x11:], 99) // lie about civ_len
	_, err := ParseCIV(buf)
	assert.Error(t, err)
}

func TestParseCivRejectsOpenCloseHeaderByte(t *testing.T) {
	buf := BuildOpenClose(OpenClose{Header: Header{}})
	_, err := ParseCIV(buf)
	assert.Error(t, err)
}

func TestAudioRoundTrip(t *testing.T) {
	payload := make([]byte, 160)
	for i := range payload {
		payload[i] = byte(i)
	}
	buf := BuildAudio(Header{SentID: 1, RcvdID: 2}, 42, payload)
	got, err := ParseAudio(buf)
	require.NoError(t, err)
	assert.EqualValues(t, 42, got.SendSeq)
	assert.Equal(t, AudioIdent160, got.Ident)
	assert.Equal(t, payload, got.Payload)
}

func TestAudioIdentOtherForNonStandardFrameSize(t *testing.T) {
	buf := BuildAudio(Header{}, 0, []byte{1, 2, 3, 4})
	got, err := ParseAudio(buf)
	require.NoError(t, err)
	assert.Equal(t, AudioIdentOther, got.Ident)
}

func TestParseAudioRejectsZeroLengthPayload(t *testing.T) {
	// The smallest legal Audio packet is audioMinSize+1==25 bytes; a
	// bare 24-byte header (dataLen==0) must be rejected so that
	// SizeRetransmit (exactly 24 bytes) never collides with Audio in
	// controller_demux.go's length-keyed dispatch.
	buf := make([]byte, audioMinSize)
	buf[0x10] = 0x97
	buf[0x11] = 0x80
	_, err := ParseAudio(buf)
	assert.Error(t, err)
}

func TestParseAudioRejectsBadIdentBytes(t *testing.T) {
	buf := BuildAudio(Header{}, 0, []byte{1, 2, 3, 4})
	buf[0x10] = 0x55
	_, err := ParseAudio(buf)
	assert.Error(t, err)
}

// Property: for every header value round-tripped through a control
// packet, ParseHeader recovers exactly the fields BuildControl wrote
// (Length is always fixed at SizeControl by the builder).
func TestHeaderRoundTripProperty(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		h := Header{
			Type:   byte(rapid.IntRange(0, 255).Draw(rt, "type")),
			Seq:    uint16(rapid.IntRange(0, 0xFFFF).Draw(rt, "seq")),
			SentID: uint32(rapid.Int64Range(0, 0xFFFFFFFF).Draw(rt, "sentID")),
			RcvdID: uint32(rapid.Int64Range(0, 0xFFFFFFFF).Draw(rt, "rcvdID")),
		}
		got, err := ParseHeader(BuildControl(h))
		require.NoError(rt, err)
		assert.Equal(rt, h.Type, got.Type)
		assert.Equal(rt, h.Seq, got.Seq)
		assert.Equal(rt, h.SentID, got.SentID)
		assert.Equal(rt, h.RcvdID, got.RcvdID)
	})
}

// Property: for every payload length in the allowed CI-V range,
// BuildCIV/ParseCIV round-trips the exact payload bytes.
func TestCivRoundTripProperty(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		n := rapid.IntRange(1, 512).Draw(rt, "n")
		payload := rapid.SliceOfN(rapid.Byte(), n, n).Draw(rt, "payload")
		civSeq := uint16(rapid.IntRange(0, 0xFFFF).Draw(rt, "civSeq"))
		buf := BuildCIV(Header{}, civSeq, payload)
		got, err := ParseCIV(buf)
		require.NoError(rt, err)
		assert.Equal(rt, civSeq, got.CivSeq)
		assert.Equal(rt, payload, got.Payload)
	})
}
