package audio

// Capture constants
const (
	// Capture rate; the silence trimmer's classifier accepts 8/16/32/48 kHz
	DefaultSampleRate = 16000

	// ~64ms at 16kHz
	DefaultFramesPerBlock = 1024

	// Blocks a take may queue before overflow; ~10 minutes at the defaults
	DefaultQueueBlocks = 10000

	// Trailing blocks discarded per take to drop the button-release click
	DefaultDropLastBlocks = 3

	// Mono capture
	CaptureChannels = 1

	// WAV output
	PCMBitDepth  = 16
	PCMFormatTag = 1
)
