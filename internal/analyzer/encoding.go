package analyzer

import (
	"bytes"
	"fmt"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/encoding/simplifiedchinese"
)

// Device logs come from mixed firmware revisions, some writing GBK and
// some Latin-1. Decoders are tried in order; the transform decoders
// substitute U+FFFD instead of failing, so a result containing it is
// treated as a miss and the next candidate is tried.
var fallbackDecoders = []struct {
	name string
	enc  encoding.Encoding
}{
	{"gbk", simplifiedchinese.GBK},
	{"gb18030", simplifiedchinese.GB18030},
	{"windows-1252", charmap.Windows1252},
	{"latin-1", charmap.ISO8859_1},
}

// decodeText converts raw file bytes to a string, trying UTF-8 first and
// then the fallback decoders. Returns the decoded text and the encoding
// name that succeeded.
func decodeText(raw []byte) (string, string, error) {
	if bytes.IndexByte(raw, 0) != -1 {
		return "", "", fmt.Errorf("binary content (NUL byte present)")
	}
	if utf8.Valid(raw) {
		return string(raw), "utf-8", nil
	}
	for _, cand := range fallbackDecoders {
		decoded, err := cand.enc.NewDecoder().Bytes(raw)
		if err != nil {
			continue
		}
		if strings.ContainsRune(string(decoded), utf8.RuneError) {
			continue
		}
		return string(decoded), cand.name, nil
	}
	return "", "", fmt.Errorf("no supported encoding decodes this file")
}
