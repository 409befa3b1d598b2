package session

import "github.com/aqibmumtaz/speech-training-recorder/internal/prompt"

// State is the snapshot handed to the presentation layer. It is a value:
// observers never reach back into the controller through it.
type State struct {
	SessionID   string `json:"session_id"`
	Seq         uint64 `json:"seq"`
	Title       string `json:"title"`
	PromptName  string `json:"prompt_name"`
	Mode        string `json:"mode"`
	SaveDir     string `json:"save_dir"`
	Recording   bool   `json:"recording"`
	Current     int    `json:"current"`
	CurrentText string `json:"current_text,omitempty"`
	CurrentFile string `json:"current_file,omitempty"`
	Recorded    int    `json:"recorded"`
	Total       int    `json:"total"`
	LastTake    *Take  `json:"last_take,omitempty"`
}

// Take describes a finished recording.
type Take struct {
	Index         int     `json:"index"`
	Filename      string  `json:"filename"`
	Text          string  `json:"text"`
	Seconds       float64 `json:"seconds"`
	Trimmed       bool    `json:"trimmed"`
	TrimmedRatio  float64 `json:"trimmed_ratio"`
	Replaced      string  `json:"replaced,omitempty"`
	BlocksDropped int     `json:"blocks_dropped"`
}

// PromptView pairs the prompt list with the state it belongs to.
type PromptView struct {
	Seq     uint64          `json:"seq"`
	Prompts []prompt.Record `json:"prompts"`
}
