package caldav

import "strings"

// Calendar is one calendar collection on the server.
type Calendar struct {
	ID          string `json:"id"` // collection path
	DisplayName string `json:"display_name"`
	Description string `json:"description,omitempty"`
}

// objectPath builds the path of a new calendar object inside calendarPath.
func objectPath(calendarPath, uid string) string {
	if !strings.HasSuffix(calendarPath, "/") {
		calendarPath += "/"
	}
	return calendarPath + uid + ".ics"
}

func samePath(a, b string) bool {
	return strings.TrimRight(a, "/") == strings.TrimRight(b, "/")
}
