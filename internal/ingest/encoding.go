package ingest

import (
	"bufio"
	"bytes"
	"io"
	"unicode/utf8"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"
)

// Encoding names recorded on the submission.
const (
	EncodingUTF8        = "utf-8"
	EncodingUTF8BOM     = "utf-8-bom"
	EncodingUTF16LE     = "utf-16le"
	EncodingUTF16BE     = "utf-16be"
	EncodingWindows1252 = "windows-1252"
)

// sniffLen is how much of the stream encoding and delimiter detection look at.
const sniffLen = 64 << 10

var (
	bomUTF8    = []byte{0xEF, 0xBB, 0xBF}
	bomUTF16LE = []byte{0xFF, 0xFE}
	bomUTF16BE = []byte{0xFE, 0xFF}
)

// DetectEncoding guesses the character encoding from the first bytes of a file.
func DetectEncoding(head []byte) string {
	switch {
	case bytes.HasPrefix(head, bomUTF8):
		return EncodingUTF8BOM
	case bytes.HasPrefix(head, bomUTF16LE):
		return EncodingUTF16LE
	case bytes.HasPrefix(head, bomUTF16BE):
		return EncodingUTF16BE
	case utf8.Valid(trimPartialRune(head)):
		return EncodingUTF8
	default:
		return EncodingWindows1252
	}
}

// trimPartialRune drops an incomplete UTF-8 sequence cut off at the end of b.
func trimPartialRune(b []byte) []byte {
	for i := 1; i <= utf8.UTFMax && i <= len(b); i++ {
		if utf8.RuneStart(b[len(b)-i]) {
			if !utf8.FullRune(b[len(b)-i:]) {
				return b[:len(b)-i]
			}
			break
		}
	}
	return b
}

func decoderFor(name string) encoding.Encoding {
	switch name {
	case EncodingUTF8BOM:
		return unicode.UTF8BOM
	case EncodingUTF16LE:
		return unicode.UTF16(unicode.LittleEndian, unicode.ExpectBOM)
	case EncodingUTF16BE:
		return unicode.UTF16(unicode.BigEndian, unicode.ExpectBOM)
	case EncodingWindows1252:
		return charmap.Windows1252
	default:
		// invalid sequences past the sniffed prefix become U+FFFD
		return unicode.UTF8
	}
}

// Decode detects the encoding of r and returns a UTF-8 stream without BOM.
func Decode(r io.Reader) (io.Reader, string, error) {
	br := bufio.NewReaderSize(r, sniffLen)
	head, err := br.Peek(sniffLen)
	if err != nil && err != io.EOF && err != bufio.ErrBufferFull {
		return nil, "", err
	}
	name := DetectEncoding(head)
	return transform.NewReader(br, decoderFor(name).NewDecoder()), name, nil
}

// delimiterCandidates in order of preference on ties.
var delimiterCandidates = []rune{',', ';', '\t', '|'}

// SniffDelimiter picks the candidate occurring most often outside quotes in
// the header line. Comma wins when nothing else is found.
func SniffDelimiter(headerLine string) rune {
	counts := make(map[rune]int, len(delimiterCandidates))
	inQuotes := false
	for _, r := range headerLine {
		if r == '"' {
			inQuotes = !inQuotes
			continue
		}
		if !inQuotes {
			counts[r]++
		}
	}

	best, bestCount := ',', 0
	for _, c := range delimiterCandidates {
		if counts[c] > bestCount {
			best, bestCount = c, counts[c]
		}
	}
	return best
}

// firstLine returns the text up to the first newline in the buffered prefix of br.
func firstLine(br *bufio.Reader) (string, error) {
	head, err := br.Peek(sniffLen)
	if err != nil && err != io.EOF && err != bufio.ErrBufferFull {
		return "", err
	}
	if i := bytes.IndexAny(head, "\r\n"); i >= 0 {
		head = head[:i]
	}
	return string(head), nil
}
