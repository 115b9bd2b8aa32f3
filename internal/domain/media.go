package domain

type MediaKind string

const (
	KindAudio  MediaKind = "audio"
	KindCamera MediaKind = "camera"
	KindScreen MediaKind = "screen"
)

// MediaKinds lists the kinds in slot order.
var MediaKinds = []MediaKind{KindAudio, KindCamera, KindScreen}

func (k MediaKind) IsVideo() bool { return k == KindCamera || k == KindScreen }

// Mid is the fixed media section id of the kind's transceiver slot.
func (k MediaKind) Mid() string {
	switch k {
	case KindAudio:
		return "0"
	case KindCamera:
		return "1"
	case KindScreen:
		return "2"
	}
	return ""
}

// KindForMid is the inverse of Mid.
func KindForMid(mid string) (MediaKind, bool) {
	for _, k := range MediaKinds {
		if k.Mid() == mid {
			return k, true
		}
	}
	return "", false
}
