package espformat

import (
	"fmt"
	"strconv"
	"strings"
)

// FormatFormID renders a raw form id in canonical form: "0x" followed by eight lower-case
// hex digits.
func FormatFormID(id uint32) string {
	return fmt.Sprintf("0x%08x", id)
}

// ParseFormID accepts canonical text as well as upper-case or unprefixed hex.
func ParseFormID(s string) (uint32, error) {
	text := strings.TrimSpace(s)
	if strings.HasPrefix(text, "0x") || strings.HasPrefix(text, "0X") {
		text = text[2:]
	}
	if text == "" || len(text) > 8 {
		return 0, fmt.Errorf("%w: %q", ErrBadFormID, s)
	}
	v, err := strconv.ParseUint(text, 16, 32)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrBadFormID, s)
	}
	return uint32(v), nil
}

// SplitFormID returns the file index (top byte) and the 24-bit local number.
func SplitFormID(id uint32) (fileIndex uint8, local uint32) {
	return uint8(id >> 24), id & 0x00FFFFFF
}
