package store

import "time"

// Metadata describes a cached thumbnail: which window it belongs to
// and when the capture completed. Width and Height are the dimensions
// of the captured region, not of the resized image.
type Metadata struct {
	WindowAddress string    `json:"window_address"`
	WindowClass   string    `json:"window_class"`
	WindowTitle   string    `json:"window_title"`
	WorkspaceName string    `json:"workspace_name"`
	Timestamp     time.Time `json:"timestamp"`
	Width         int       `json:"width"`
	Height        int       `json:"height"`
}

// Age returns how old the capture is relative to now.
func (m *Metadata) Age(now time.Time) time.Duration {
	return now.Sub(m.Timestamp)
}
