package espformat

import "regexp"

// Tag is a four-character record, group, or subrecord type such as "WEAP" or "EDID".
type Tag string

const (
	TagGroup        Tag = "GRUP"
	TagPluginHeader Tag = "TES4"
	TagExtendedSize Tag = "XXXX"
	TagMaster       Tag = "MAST"
)

// TagSize is the on-disk width of every tag.
const TagSize = 4

var subrecordTagPattern = regexp.MustCompile(`^[A-Z0-9_]{4}$`)

// IsPrintable reports whether b is exactly four printable ASCII bytes.
func IsPrintable(b []byte) bool {
	if len(b) != TagSize {
		return false
	}
	for _, c := range b {
		if c < 0x20 || c > 0x7e {
			return false
		}
	}
	return true
}

// IsSubrecordTag reports whether t looks like a real subrecord type. The extractor uses it
// as its resynchronization check; anything else means the payload has gone off the rails.
func IsSubrecordTag(t Tag) bool {
	return subrecordTagPattern.MatchString(string(t))
}

func (t Tag) String() string { return string(t) }
