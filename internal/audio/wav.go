package audio

import (
	"fmt"
	"os"
	"path/filepath"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/natefinch/atomic"
)

// WriteWAV writes samples as 16-bit mono PCM. The file appears at path only
// once fully written; an existing file is replaced atomically.
func WriteWAV(path string, samples []float32, sampleRate int) (err error) {
	if sampleRate <= 0 {
		return fmt.Errorf("sample rate must be positive, got %d", sampleRate)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".recorder-*.wav.tmp")
	if err != nil {
		return fmt.Errorf("create temp wav: %w", err)
	}
	tmpName := tmp.Name()
	defer func() {
		if err != nil {
			_ = tmp.Close()
			_ = os.Remove(tmpName)
		}
	}()

	pcm := Quantize(samples)
	data := make([]int, len(pcm))
	for i, s := range pcm {
		data[i] = int(s)
	}

	enc := wav.NewEncoder(tmp, sampleRate, PCMBitDepth, CaptureChannels, PCMFormatTag)
	buf := &goaudio.IntBuffer{
		Format:         &goaudio.Format{NumChannels: CaptureChannels, SampleRate: sampleRate},
		Data:           data,
		SourceBitDepth: PCMBitDepth,
	}
	if err = enc.Write(buf); err != nil {
		return fmt.Errorf("encode wav: %w", err)
	}
	if err = enc.Close(); err != nil {
		return fmt.Errorf("finalize wav: %w", err)
	}
	if err = tmp.Close(); err != nil {
		return fmt.Errorf("close temp wav: %w", err)
	}
	if err = atomic.ReplaceFile(tmpName, path); err != nil {
		return fmt.Errorf("replace %s: %w", path, err)
	}
	return nil
}

// ReadWAV loads a PCM WAV file as normalized mono samples. Multi-channel
// files are reduced to their first channel.
func ReadWAV(path string) ([]float32, int, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, 0, err
	}
	defer f.Close()

	dec := wav.NewDecoder(f)
	if !dec.IsValidFile() {
		return nil, 0, fmt.Errorf("%s is not a valid WAV file", path)
	}
	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return nil, 0, fmt.Errorf("decode %s: %w", path, err)
	}

	channels := int(dec.NumChans)
	if channels < 1 {
		channels = 1
	}
	mono := buf.Data
	if channels > 1 {
		mono = make([]int, 0, len(buf.Data)/channels)
		for i := 0; i < len(buf.Data); i += channels {
			mono = append(mono, buf.Data[i])
		}
	}

	return Normalize(mono, int(dec.BitDepth)), int(dec.SampleRate), nil
}
