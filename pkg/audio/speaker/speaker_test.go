package speaker

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/MrWong99/duologue/pkg/types"
)

// pcmWAV builds a minimal 16-bit mono PCM WAV file.
func pcmWAV(rate, samples int) []byte {
	var b bytes.Buffer
	dataLen := samples * 2
	b.WriteString("RIFF")
	_ = binary.Write(&b, binary.LittleEndian, uint32(36+dataLen))
	b.WriteString("WAVEfmt ")
	_ = binary.Write(&b, binary.LittleEndian, uint32(16))
	_ = binary.Write(&b, binary.LittleEndian, uint16(1)) // PCM
	_ = binary.Write(&b, binary.LittleEndian, uint16(1)) // mono
	_ = binary.Write(&b, binary.LittleEndian, uint32(rate))
	_ = binary.Write(&b, binary.LittleEndian, uint32(rate*2))
	_ = binary.Write(&b, binary.LittleEndian, uint16(2))
	_ = binary.Write(&b, binary.LittleEndian, uint16(16))
	b.WriteString("data")
	_ = binary.Write(&b, binary.LittleEndian, uint32(dataLen))
	b.Write(make([]byte, dataLen))
	return b.Bytes()
}

func TestDecode(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		audio   types.EncodedAudio
		wantErr bool
		rate    int
	}{
		{"wav", types.EncodedAudio{Data: pcmWAV(22050, 100), MIMEType: "audio/wav"}, false, 22050},
		{"wav with params", types.EncodedAudio{Data: pcmWAV(16000, 10), MIMEType: "audio/x-wav; codecs=1"}, false, 16000},
		{"empty", types.EncodedAudio{MIMEType: "audio/mpeg"}, true, 0},
		{"garbage mp3", types.EncodedAudio{Data: []byte("definitely not mp3"), MIMEType: "audio/mpeg"}, true, 0},
		{"unsupported", types.EncodedAudio{Data: []byte{1, 2, 3}, MIMEType: "audio/ogg"}, true, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			s, f, err := decode(tt.audio)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("decode: %v", err)
			}
			defer s.Close()
			if int(f.SampleRate) != tt.rate {
				t.Errorf("sample rate = %d, want %d", f.SampleRate, tt.rate)
			}
		})
	}
}

func TestNew_Options(t *testing.T) {
	t.Parallel()

	p := New()
	if p.rate != DefaultSampleRate {
		t.Errorf("default rate = %d", p.rate)
	}
	p = New(WithSampleRate(48000), WithBufferDuration(0))
	if p.rate != 48000 {
		t.Errorf("rate = %d, want 48000", p.rate)
	}
	if p.buffer <= 0 {
		t.Error("zero buffer duration should keep the default")
	}
}
