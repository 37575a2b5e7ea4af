// Package espformat decodes the fixed-size headers of the plugin container format.
//
// A plugin file is a flat run of top-level records and groups:
//
//	GRUP  [4]  "GRUP"
//	      u32  size, including the 24-byte header
//	      [4]  label (record type for top-level groups)
//	      u32  group type (0-9)
//	      u16  timestamp
//	      u16  version control
//	      u32  unknown
//
//	REC   [4]  record type
//	      u32  payload size
//	      u32  flags
//	      u32  form id (file-local)
//	      u16  timestamp
//	      u16  version control
//	      u16  form version
//	      u16  unknown
//
//	SUB   [4]  subrecord type
//	      u16  payload size
//
// All integers are little-endian. The codecs here are total: they fail only when the
// buffer is too short or a tag is not four printable ASCII characters. Deciding whether a
// size is plausible is left to the walker.
package espformat
