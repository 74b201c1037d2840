package phone

import (
	"strings"

	"github.com/dkeye/callconsole/internal/domain"
	"github.com/nyaruka/phonenumbers"
)

// Normalizer validates dialed input. Numbers without a leading + are read
// as national numbers of DefaultRegion; with no region they are rejected.
type Normalizer struct {
	DefaultRegion string
}

func NewNormalizer(region string) *Normalizer {
	return &Normalizer{DefaultRegion: strings.ToUpper(region)}
}

func (n *Normalizer) Normalize(raw string) (domain.E164, error) {
	input := strings.TrimSpace(raw)
	if input == "" {
		return "", &domain.InvalidNumberError{Raw: raw, Reason: "empty"}
	}
	region := n.DefaultRegion
	if strings.HasPrefix(input, "+") {
		region = ""
	}

	num, err := phonenumbers.Parse(input, region)
	if err != nil {
		return "", &domain.InvalidNumberError{Raw: raw, Reason: err.Error()}
	}
	if !phonenumbers.IsValidNumber(num) {
		return "", &domain.InvalidNumberError{Raw: raw, Reason: "not a dialable number"}
	}
	return domain.E164(phonenumbers.Format(num, phonenumbers.E164)), nil
}

// Format renders n for display, e.g. "+57 300 1234567".
func Format(n domain.E164) string {
	num, err := phonenumbers.Parse(string(n), "")
	if err != nil {
		return string(n)
	}
	return phonenumbers.Format(num, phonenumbers.INTERNATIONAL)
}
