package audio

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"time"
)

const (
	bitsPerSample = 16
	wavHeaderSize = 44
)

var ErrInvalidWAV = errors.New("invalid wav container")

// Format describes interleaved PCM16LE audio.
type Format struct {
	SampleRate int
	Channels   int
}

func (f Format) normalized() Format {
	if f.SampleRate <= 0 {
		f.SampleRate = 24000
	}
	if f.Channels <= 0 {
		f.Channels = 1
	}
	return f
}

// Duration reports how long pcm plays at this format.
func (f Format) Duration(pcmBytes int) time.Duration {
	f = f.normalized()
	bytesPerSecond := f.SampleRate * f.Channels * bitsPerSample / 8
	if pcmBytes <= 0 || bytesPerSecond <= 0 {
		return 0
	}
	return time.Duration(int64(pcmBytes) * int64(time.Second) / int64(bytesPerSecond))
}

// EncodeWAV wraps raw PCM16LE audio bytes in a WAV container.
func EncodeWAV(pcm []byte, format Format) ([]byte, error) {
	var buf bytes.Buffer
	buf.Grow(wavHeaderSize + len(pcm))
	if err := WriteWAVTo(&buf, pcm, format); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// WriteWAVTo writes raw PCM16LE audio bytes to out as a WAV stream.
// The data chunk size always equals len(pcm).
func WriteWAVTo(out io.Writer, pcm []byte, format Format) error {
	const audioFormat = 1 // PCM
	format = format.normalized()

	dataSize := uint32(len(pcm))
	byteRate := uint32(format.SampleRate * format.Channels * bitsPerSample / 8)
	blockAlign := uint16(format.Channels * bitsPerSample / 8)

	w := bufio.NewWriter(out)
	fields := []any{
		[4]byte{'R', 'I', 'F', 'F'},
		uint32(36) + dataSize,
		[4]byte{'W', 'A', 'V', 'E'},
		[4]byte{'f', 'm', 't', ' '},
		uint32(16),
		uint16(audioFormat),
		uint16(format.Channels),
		uint32(format.SampleRate),
		byteRate,
		blockAlign,
		uint16(bitsPerSample),
		[4]byte{'d', 'a', 't', 'a'},
		dataSize,
	}
	for _, f := range fields {
		if err := binary.Write(w, binary.LittleEndian, f); err != nil {
			return err
		}
	}
	if _, err := w.Write(pcm); err != nil {
		return err
	}
	return w.Flush()
}

// Header is the parsed fixed-size header written by WriteWAVTo.
type Header struct {
	Format   Format
	DataSize uint32
}

// ParseHeader reads the canonical 44-byte header of a PCM16 WAV container.
func ParseHeader(wav []byte) (Header, error) {
	if len(wav) < wavHeaderSize {
		return Header{}, ErrInvalidWAV
	}
	if string(wav[0:4]) != "RIFF" || string(wav[8:12]) != "WAVE" || string(wav[12:16]) != "fmt " || string(wav[36:40]) != "data" {
		return Header{}, ErrInvalidWAV
	}
	return Header{
		Format: Format{
			Channels:   int(binary.LittleEndian.Uint16(wav[22:24])),
			SampleRate: int(binary.LittleEndian.Uint32(wav[24:28])),
		},
		DataSize: binary.LittleEndian.Uint32(wav[40:44]),
	}, nil
}

// PackInt16LE converts signed 16-bit samples into little-endian PCM bytes.
func PackInt16LE(samples []int16) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(s))
	}
	return out
}
