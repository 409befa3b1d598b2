package session

// Session configuration constants
const (
	// Buffered state notifications; a slow observer only misses
	// intermediate states, never the latest one.
	EventBuffer = 16

	// Takes kept in the in-memory session history
	DefaultHistorySize = 200

	// Take file naming
	TakePrefix       = "recorder_"
	TakeExt          = ".wav"
	TakeTimeLayout   = "2006-01-02_15-04-05"
	NoPromptSelected = -1
)
