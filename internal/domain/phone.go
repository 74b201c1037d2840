package domain

// E164 is a phone number normalized to +<country code><subscriber number>.
type E164 string

func (n E164) String() string { return string(n) }

// MediaConstraints describes the capture a call needs.
type MediaConstraints struct {
	EchoCancellation bool `json:"echo_cancellation"`
	NoiseSuppression bool `json:"noise_suppression"`
	AutoGainControl  bool `json:"auto_gain_control"`
	SampleRate       int  `json:"sample_rate"`
	ChannelCount     int  `json:"channel_count"`
}

// DefaultMediaConstraints mirrors what an agent headset call asks for.
func DefaultMediaConstraints() MediaConstraints {
	return MediaConstraints{
		EchoCancellation: true,
		NoiseSuppression: true,
		AutoGainControl:  true,
		SampleRate:       8000,
		ChannelCount:     1,
	}
}
