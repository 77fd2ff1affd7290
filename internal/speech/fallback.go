package speech

import (
	"bytes"
	"encoding/binary"
	"math"
)

const (
	fallbackSampleRate = 8000
	fallbackToneHz     = 440.0
	fallbackToneMs     = 600
)

// FallbackAudio returns a short hold tone as a PCM16LE mono WAV clip. It is
// generated in process, so it stays playable when every synthesis provider
// is down and no canned phrase matches.
func FallbackAudio() []byte {
	samples := fallbackSampleRate * fallbackToneMs / 1000
	pcm := make([]byte, 0, samples*2)
	for i := 0; i < samples; i++ {
		// Ramp the amplitude down so the tone does not end with a click.
		amp := 0.2 * (1 - float64(i)/float64(samples))
		v := int16(amp * math.MaxInt16 * math.Sin(2*math.Pi*fallbackToneHz*float64(i)/fallbackSampleRate))
		pcm = append(pcm, byte(v), byte(v>>8))
	}
	return encodeWAVPCM16LE(pcm, fallbackSampleRate)
}

// encodeWAVPCM16LE wraps raw PCM16LE mono audio bytes in a WAV container.
func encodeWAVPCM16LE(pcm []byte, sampleRate int) []byte {
	const (
		numChannels   = 1
		bitsPerSample = 16
		audioFormat   = 1 // PCM
	)

	dataSize := uint32(len(pcm))
	byteRate := uint32(sampleRate * numChannels * bitsPerSample / 8)
	blockAlign := uint16(numChannels * bitsPerSample / 8)

	var buf bytes.Buffer
	buf.WriteString("RIFF")
	_ = binary.Write(&buf, binary.LittleEndian, uint32(36)+dataSize)
	buf.WriteString("WAVE")

	buf.WriteString("fmt ")
	_ = binary.Write(&buf, binary.LittleEndian, uint32(16))
	_ = binary.Write(&buf, binary.LittleEndian, uint16(audioFormat))
	_ = binary.Write(&buf, binary.LittleEndian, uint16(numChannels))
	_ = binary.Write(&buf, binary.LittleEndian, uint32(sampleRate))
	_ = binary.Write(&buf, binary.LittleEndian, byteRate)
	_ = binary.Write(&buf, binary.LittleEndian, blockAlign)
	_ = binary.Write(&buf, binary.LittleEndian, uint16(bitsPerSample))

	buf.WriteString("data")
	_ = binary.Write(&buf, binary.LittleEndian, dataSize)
	buf.Write(pcm)
	return buf.Bytes()
}
