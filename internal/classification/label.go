package classification

import "strings"

var (
	fakeMarkers = []string{"fake", "deepfake", "synthetic", "manip"}
	realMarkers = []string{"real", "authentic", "realis"}
)

// NormalizeLabel maps a free-form model label onto the closed Label set.
// Matching is a case-insensitive substring test and fake markers win over real ones.
func NormalizeLabel(raw string) Label {
	lower := strings.ToLower(raw)
	for _, marker := range fakeMarkers {
		if strings.Contains(lower, marker) {
			return LabelFake
		}
	}
	for _, marker := range realMarkers {
		if strings.Contains(lower, marker) {
			return LabelReal
		}
	}
	return LabelUnknown
}
