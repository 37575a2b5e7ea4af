package fieldschema

import (
	"github.com/kaitai-io/kaitai_struct_go_runtime/kaitai"
	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/encoding/unicode"
)

// zeroTerminated returns raw up to its first NUL and the number of bytes consumed,
// including the NUL when one is present.
func zeroTerminated(raw []byte) ([]byte, int) {
	text := kaitai.BytesTerminate(raw, 0, false)
	if len(text) < len(raw) {
		return text, len(text) + 1
	}
	return text, len(text)
}

// utf16Terminated stops at the first double NUL that starts on an even offset.
func utf16Terminated(raw []byte) ([]byte, int) {
	for i := 0; i+1 < len(raw); i += 2 {
		if raw[i] == 0 && raw[i+1] == 0 {
			return raw[:i], i + 2
		}
	}
	even := len(raw) &^ 1
	return raw[:even], len(raw)
}

func decodeText(enc Encoding, raw []byte) (string, int, error) {
	switch enc {
	case EncodingUTF16LE:
		text, n := utf16Terminated(raw)
		s, err := kaitai.BytesToStr(text, unicode.UTF16(unicode.LittleEndian, unicode.IgnoreBOM).NewDecoder())
		return s, n, err
	case EncodingCP1252:
		text, n := zeroTerminated(raw)
		s, err := kaitai.BytesToStr(text, charmap.Windows1252.NewDecoder())
		return s, n, err
	default:
		text, n := zeroTerminated(raw)
		return string(text), n, nil
	}
}
