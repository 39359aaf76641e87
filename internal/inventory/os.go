package inventory

import "strings"

// OSTag is the coarse operating system family of a host.
type OSTag string

const (
	OSWindows OSTag = "windows"
	OSLinux   OSTag = "linux"
	OSMacOS   OSTag = "macos"
	OSBSD     OSTag = "bsd"
	OSNetwork OSTag = "network"
	OSUnknown OSTag = "unknown"
)

// Order matters: the first family with a matching keyword wins.
var osVocabulary = []struct {
	tag      OSTag
	keywords []string
}{
	{OSWindows, []string{"windows", "microsoft", "ms-"}},
	{OSLinux, []string{"linux", "unix", "ubuntu", "debian", "centos", "red hat", "fedora", "kali", "arch"}},
	{OSMacOS, []string{"mac", "darwin", "apple", "ios"}},
	{OSBSD, []string{"freebsd", "openbsd", "netbsd"}},
	{OSNetwork, []string{"cisco", "juniper", "router", "switch", "mikrotik"}},
}

// InferOSTag maps a free-form OS name onto a family by keyword.
func InferOSTag(name string) OSTag {
	lower := strings.ToLower(name)
	for _, family := range osVocabulary {
		for _, kw := range family.keywords {
			if strings.Contains(lower, kw) {
				return family.tag
			}
		}
	}
	return OSUnknown
}

// ParseOSTag validates a user-supplied tag.
func ParseOSTag(s string) (OSTag, bool) {
	switch tag := OSTag(strings.ToLower(strings.TrimSpace(s))); tag {
	case OSWindows, OSLinux, OSMacOS, OSBSD, OSNetwork, OSUnknown:
		return tag, true
	}
	return OSUnknown, false
}

// ManualOSName is the OS name recorded when an operator sets the tag by hand.
// Tags without a manual name keep the current name.
func ManualOSName(tag OSTag, current string) string {
	switch tag {
	case OSLinux:
		return "Linux (manual)"
	case OSWindows:
		return "Windows (manual)"
	default:
		if current == "" {
			return UnknownOS
		}
		return current
	}
}
