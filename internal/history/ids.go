package history

import (
	"fmt"
	"strings"
	"time"
)

// idTimeLayout is the timestamp part of a session id: ddmmYYYY_HHMMSS.
const idTimeLayout = "02012006_150405"

// NewID derives a session id from the user id and creation time:
// <user>_<ddmmYYYY>_<HHMMSS>_<microseconds>, always in UTC.
func NewID(userID string, at time.Time) string {
	at = at.UTC()
	return fmt.Sprintf("%s_%s_%06d", userID, at.Format(idTimeLayout), at.Nanosecond()/1000)
}

// UserFromID recovers the user id from an id produced by NewID.
// It returns "" when id does not have that shape.
func UserFromID(id string) string {
	parts := strings.Split(id, "_")
	if len(parts) < 4 {
		return ""
	}
	tail := parts[len(parts)-3:]
	if len(tail[0]) != 8 || len(tail[1]) != 6 || len(tail[2]) != 6 {
		return ""
	}
	return strings.Join(parts[:len(parts)-3], "_")
}
