package config

import "bytes"

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

// normalizeInput strips a UTF-8 BOM and turns CRLF/CR line endings into LF.
func normalizeInput(in []byte) []byte {
	in = bytes.TrimPrefix(in, utf8BOM)
	in = bytes.ReplaceAll(in, []byte("\r\n"), []byte("\n"))
	return bytes.ReplaceAll(in, []byte("\r"), []byte("\n"))
}
