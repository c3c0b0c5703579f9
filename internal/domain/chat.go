package domain

// Generation is the effective request sent to the text-generation provider.
// A nil Temperature leaves the provider default in place.
type Generation struct {
	Model       string
	Prompt      string
	Temperature *float64
}
