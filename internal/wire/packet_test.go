package wire

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRoundTrip(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name      string
		header    Header
		metadata  string
		codecData *CodecData
		payload   []byte
	}{
		{
			name:    "bare video frame",
			header:  Header{Flags: FlagIsKeyframe, PTS: 12345, ID: 1, Type: TypeVideoFrame},
			payload: []byte{1, 2, 3, 4},
		},
		{
			name:     "with metadata",
			header:   Header{Flags: FlagHasMetadata, PTS: 0, ID: 2, Type: TypeRPC},
			metadata: "track/video/0",
			payload:  []byte{},
		},
		{
			name:   "with codec data",
			header: Header{Flags: FlagHasCodecData | FlagIsKeyframe, PTS: 90000, ID: 3, Type: TypeVideoFrame},
			codecData: &CodecData{
				SampleRate: 0, TimebaseNum: 1, TimebaseDen: 90000,
				CodecProfile: 0x64, CodecLevel: 0x1f, Width: 1920, Height: 1080,
				CodecType: CodecAVC, Channels: 0, BitDepth: 0,
			},
			payload: []byte{0xAA, 0xBB, 0xCC},
		},
		{
			name:     "with metadata and codec data",
			header:   Header{Flags: FlagHasMetadata | FlagHasCodecData, PTS: 1, ID: 4, Type: TypeAudioFrame},
			metadata: "audio/1",
			codecData: &CodecData{
				SampleRate: 48000, TimebaseNum: 1, TimebaseDen: 48000,
				CodecType: CodecOpus, Channels: 2, BitDepth: 16,
			},
			payload: []byte("encoded-opus-bytes"),
		},
		{
			name:    "empty payload",
			header:  Header{Type: TypeDecoderData},
			payload: nil,
		},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			buf, err := Serialize(tc.header, tc.metadata, tc.codecData, tc.payload)
			require.NoError(t, err)

			parsed := Parse(buf)
			require.True(t, parsed.Valid)

			require.Equal(t, tc.header.Flags, parsed.Header.Flags)
			require.Equal(t, tc.header.PTS, parsed.Header.PTS)
			require.Equal(t, tc.header.ID, parsed.Header.ID)
			require.Equal(t, tc.header.Type, parsed.Header.Type)

			if tc.header.Flags.hasMetadata() {
				require.True(t, parsed.HasMetadata)
				require.Equal(t, tc.metadata, parsed.Metadata)
			} else {
				require.False(t, parsed.HasMetadata)
			}

			if tc.header.Flags.hasCodecData() {
				require.NotNil(t, parsed.CodecData)
				require.Equal(t, *tc.codecData, *parsed.CodecData)
			} else {
				require.Nil(t, parsed.CodecData)
			}

			require.Equal(t, len(tc.payload), len(parsed.Payload))
			require.True(t, string(tc.payload) == string(parsed.Payload))
		})
	}
}

func TestMetadataTruncation(t *testing.T) {
	t.Parallel()

	long := strings.Repeat("x", 200)
	buf, err := Serialize(Header{Flags: FlagHasMetadata, Type: TypeRPC}, long, nil, nil)
	require.NoError(t, err)

	parsed := Parse(buf)
	require.True(t, parsed.Valid)
	require.Len(t, parsed.Metadata, 63)
}

func TestSerializeRejectsMissingCodecData(t *testing.T) {
	t.Parallel()

	_, err := Serialize(Header{Flags: FlagHasCodecData, Type: TypeVideoFrame}, "", nil, nil)
	require.ErrorIs(t, err, ErrInvalidArgument)
}

func TestParsePayloadAliasesInput(t *testing.T) {
	t.Parallel()

	buf, err := Serialize(Header{Type: TypeVideoFrame}, "", nil, []byte{9, 9, 9})
	require.NoError(t, err)

	parsed := Parse(buf)
	require.True(t, parsed.Valid)

	buf[len(buf)-1] = 0xFF
	require.Equal(t, byte(0xFF), parsed.Payload[len(parsed.Payload)-1], "payload must alias the input buffer, not copy it")
}

func TestParseRejectsShortBuffer(t *testing.T) {
	t.Parallel()

	buf, err := Serialize(Header{Type: TypeVideoFrame}, "", nil, []byte{1, 2, 3})
	require.NoError(t, err)

	for length := 0; length < headerSize; length++ {
		parsed := Parse(buf[:length])
		require.False(t, parsed.Valid, "length %d should be invalid", length)
	}
}

func TestParseRejectsBadMagic(t *testing.T) {
	t.Parallel()

	buf, err := Serialize(Header{Type: TypeVideoFrame}, "", nil, nil)
	require.NoError(t, err)

	buf[0] ^= 0xFF
	require.False(t, Parse(buf).Valid)
}

func TestParseRejectsBadVersion(t *testing.T) {
	t.Parallel()

	buf, err := Serialize(Header{Type: TypeVideoFrame}, "", nil, nil)
	require.NoError(t, err)

	buf[24] = 2
	require.False(t, Parse(buf).Valid)
}

func TestParseRejectsCorruptHeaderSize(t *testing.T) {
	t.Parallel()

	buf, err := Serialize(Header{Type: TypeVideoFrame}, "", nil, []byte{1, 2, 3})
	require.NoError(t, err)

	buf[26] = 99
	buf[27] = 0
	require.False(t, Parse(buf).Valid)
}

func TestHeaderIsKeyframe(t *testing.T) {
	t.Parallel()

	require.True(t, Header{Flags: FlagIsKeyframe}.IsKeyframe())
	require.False(t, Header{}.IsKeyframe())
}
