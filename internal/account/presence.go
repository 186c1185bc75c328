package account

// PresenceType is the coarse kind of a presence.
type PresenceType uint32

const (
	PresenceUnset PresenceType = iota
	PresenceOffline
	PresenceAvailable
	PresenceAway
	PresenceExtendedAway
	PresenceHidden
	PresenceBusy
	PresenceUnknown
	PresenceError
)

var presenceNames = map[PresenceType]string{
	PresenceUnset:        "unset",
	PresenceOffline:      "offline",
	PresenceAvailable:    "available",
	PresenceAway:         "away",
	PresenceExtendedAway: "xa",
	PresenceHidden:       "hidden",
	PresenceBusy:         "busy",
	PresenceUnknown:      "unknown",
	PresenceError:        "error",
}

func (t PresenceType) String() string {
	if n, ok := presenceNames[t]; ok {
		return n
	}
	return "unknown"
}

// ParsePresenceType maps a name from String back to a type.
func ParsePresenceType(s string) (PresenceType, bool) {
	for t, n := range presenceNames {
		if n == s {
			return t, true
		}
	}
	return PresenceUnset, false
}

// availability ranks presence types from least to most available.
var availability = map[PresenceType]int{
	PresenceUnset:        0,
	PresenceError:        1,
	PresenceUnknown:      2,
	PresenceOffline:      3,
	PresenceHidden:       4,
	PresenceExtendedAway: 5,
	PresenceAway:         6,
	PresenceBusy:         7,
	PresenceAvailable:    8,
}

// CompareAvailability returns a positive number if a is more available than
// b, negative if less, and 0 if they rank the same.
func CompareAvailability(a, b PresenceType) int {
	return availability[a] - availability[b]
}

// Presence is a presence type with its protocol status name and message.
type Presence struct {
	Type    PresenceType
	Status  string
	Message string
}
