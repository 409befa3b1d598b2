package trim

// Trimming parameters. These are fixed so takes trimmed by different runs
// are comparable.
const (
	WindowMs           = 30
	MovingAverageWidth = 8
	MaxSilenceWindows  = 6
	VADMode            = 3
)

// SupportedRates are the sample rates the voice classifier accepts.
var SupportedRates = []int{8000, 16000, 32000, 48000}
