package trim

import (
	"encoding/binary"
	"sync"

	"github.com/maxhawkins/go-webrtcvad"

	apperrors "github.com/aqibmumtaz/speech-training-recorder/internal/errors"
)

// Classifier labels one analysis window as voiced or unvoiced.
type Classifier interface {
	IsVoiced(window []int16, sampleRate int) (bool, error)
}

// WebRTCClassifier wraps the WebRTC voice activity detector at a fixed
// aggressiveness. It is safe for concurrent use.
type WebRTCClassifier struct {
	mu    sync.Mutex
	vad   *webrtcvad.VAD
	frame []byte
}

// NewWebRTCClassifier creates a detector in the given mode (0-3).
func NewWebRTCClassifier(mode int) (*WebRTCClassifier, error) {
	vad, err := webrtcvad.New()
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.CodeInternal, "create vad")
	}
	if err := vad.SetMode(mode); err != nil {
		return nil, apperrors.Wrapf(err, apperrors.CodeInvalidArgument, "set vad mode %d", mode)
	}
	return &WebRTCClassifier{vad: vad}, nil
}

// IsVoiced implements Classifier.
func (c *WebRTCClassifier) IsVoiced(window []int16, sampleRate int) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.vad.ValidRateAndFrameLength(sampleRate, len(window)) {
		return false, apperrors.Newf(apperrors.CodeUnsupportedRate,
			"vad rejects %d samples at %d Hz", len(window), sampleRate)
	}

	if cap(c.frame) < 2*len(window) {
		c.frame = make([]byte, 2*len(window))
	}
	frame := c.frame[:2*len(window)]
	for i, s := range window {
		binary.LittleEndian.PutUint16(frame[2*i:], uint16(s))
	}

	voiced, err := c.vad.Process(sampleRate, frame)
	if err != nil {
		return false, apperrors.Wrap(err, apperrors.CodeInternal, "vad process")
	}
	return voiced, nil
}
