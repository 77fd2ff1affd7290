package speech

import (
	"bytes"
	"encoding/binary"
	"testing"
)

func TestFallbackAudioIsSelfContainedWAV(t *testing.T) {
	audio := FallbackAudio()
	if len(audio) <= 44 {
		t.Fatalf("clip too short to hold a WAV header and audio: %d bytes", len(audio))
	}
	if !bytes.HasPrefix(audio, []byte("RIFF")) || !bytes.Equal(audio[8:12], []byte("WAVE")) {
		t.Fatalf("clip is not a WAV container: % x", audio[:12])
	}

	var sampleRate uint32
	if err := binary.Read(bytes.NewReader(audio[24:28]), binary.LittleEndian, &sampleRate); err != nil {
		t.Fatalf("read sample rate: %v", err)
	}
	if sampleRate != fallbackSampleRate {
		t.Fatalf("sample rate = %d, want %d", sampleRate, fallbackSampleRate)
	}

	// The clip must never depend on a provider at startup; two calls yield
	// the same bytes.
	if !bytes.Equal(audio, FallbackAudio()) {
		t.Fatalf("fallback clip should be deterministic")
	}
}
