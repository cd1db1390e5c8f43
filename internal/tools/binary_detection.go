package tools

import (
	"bytes"
	"path/filepath"
	"strings"
)

// binarySniffLen is how much of a file is inspected for NUL bytes.
const binarySniffLen = 8000

var binaryExtensions = map[string]struct{}{
	".exe": {}, ".dll": {}, ".so": {}, ".dylib": {}, ".a": {}, ".lib": {},
	".o": {}, ".obj": {}, ".wasm": {}, ".class": {}, ".jar": {}, ".pyc": {},
	".png": {}, ".jpg": {}, ".jpeg": {}, ".gif": {}, ".ico": {}, ".pdf": {},
	".zip": {}, ".gz": {}, ".tar": {}, ".xz": {}, ".zst": {},
}

// IsBinary reports whether path names a file whose bytes are useless as
// conversation text, by extension or by a NUL byte near the start of data.
func IsBinary(path string, data []byte) bool {
	if _, ok := binaryExtensions[strings.ToLower(filepath.Ext(path))]; ok {
		return true
	}
	if len(data) > binarySniffLen {
		data = data[:binarySniffLen]
	}
	return bytes.IndexByte(data, 0) >= 0
}
