package packet

import (
	"fmt"
	"strconv"
	"strings"
)

// Status is the wire tag carried in byte 16.
type Status uint8

const (
	StatusSafe      Status = 0x00
	StatusEmergency Status = 0x01
	StatusMedical   Status = 0x02
	StatusTrapped   Status = 0x03
	StatusSupplies  Status = 0x04
)

// DefaultStatus is used for codes this build does not know.
// An unknown code is read as a call for help rather than dropped.
const DefaultStatus = StatusEmergency

// ParseStatus maps a raw code to a known Status.
func ParseStatus(code byte) Status {
	s := Status(code)
	if _, ok := statusTable[s]; ok {
		return s
	}
	return DefaultStatus
}

// StatusInfo is presentation metadata for a status tag.
type StatusInfo struct {
	Code     Status `json:"code"`
	Name     string `json:"name"`
	Label    string `json:"label"`
	Color    string `json:"color"`
	Icon     string `json:"icon"`
	Priority int    `json:"priority"` // higher is more urgent
}

var statusTable = map[Status]StatusInfo{
	StatusSafe:      {Code: StatusSafe, Name: "safe", Label: "I am safe", Color: "#2e7d32", Icon: "check_circle", Priority: 0},
	StatusEmergency: {Code: StatusEmergency, Name: "emergency", Label: "Emergency", Color: "#c62828", Icon: "sos", Priority: 4},
	StatusMedical:   {Code: StatusMedical, Name: "medical", Label: "Medical help needed", Color: "#ad1457", Icon: "medical_services", Priority: 3},
	StatusTrapped:   {Code: StatusTrapped, Name: "trapped", Label: "Trapped", Color: "#ef6c00", Icon: "warning", Priority: 3},
	StatusSupplies:  {Code: StatusSupplies, Name: "supplies", Label: "Need supplies", Color: "#1565c0", Icon: "inventory", Priority: 1},
}

// Info returns the presentation metadata for s.
func Info(s Status) StatusInfo {
	if info, ok := statusTable[s]; ok {
		return info
	}
	return statusTable[DefaultStatus]
}

// Statuses lists every known status in wire order.
func Statuses() []StatusInfo {
	out := make([]StatusInfo, 0, len(statusTable))
	for code := StatusSafe; code <= StatusSupplies; code++ {
		out = append(out, statusTable[code])
	}
	return out
}

func (s Status) String() string {
	return Info(s).Name
}

// ParseStatusName resolves a status by name ("trapped") or numeric code ("3").
func ParseStatusName(name string) (Status, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	for _, info := range statusTable {
		if info.Name == name {
			return info.Code, nil
		}
	}
	if code, err := strconv.ParseUint(name, 10, 8); err == nil {
		if _, ok := statusTable[Status(code)]; ok {
			return Status(code), nil
		}
	}
	return 0, fmt.Errorf("unknown status %q", name)
}
