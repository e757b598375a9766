package tracker

import "fmt"

// Config controls how eagerly raw detections are promoted to confirmed detections
type Config struct {
	ConfirmationThreshold int     `json:"confirmationThreshold"` // Number of matching hits before a candidate is confirmed
	MatchIoU              float32 `json:"matchIoU"`              // Minimum IoU between a detection and a candidate for them to be considered the same object
	CandidateTimeoutMs    int64   `json:"candidateTimeoutMs"`    // Candidates that have not been seen for this long are discarded
	BoxHistorySize        int     `json:"boxHistorySize"`        // Number of recent boxes averaged into a candidate's box
}

func DefaultConfig() Config {
	return Config{
		ConfirmationThreshold: 2,
		MatchIoU:              0.4,
		CandidateTimeoutMs:    1500,
		BoxHistorySize:        8,
	}
}

func (c *Config) Validate() error {
	if c.ConfirmationThreshold < 1 {
		return fmt.Errorf("tracker confirmationThreshold must be at least 1 (got %v)", c.ConfirmationThreshold)
	}
	if !(c.MatchIoU > 0 && c.MatchIoU <= 1) {
		return fmt.Errorf("tracker matchIoU must be in (0,1] (got %v)", c.MatchIoU)
	}
	if c.CandidateTimeoutMs <= 0 {
		return fmt.Errorf("tracker candidateTimeoutMs must be positive (got %v)", c.CandidateTimeoutMs)
	}
	if c.BoxHistorySize < 1 {
		return fmt.Errorf("tracker boxHistorySize must be at least 1 (got %v)", c.BoxHistorySize)
	}
	return nil
}
