package masterlist

import (
	"bufio"
	"bytes"
	"encoding/base64"
	"fmt"
	"io"
	"strings"

	"go.uber.org/multierr"
	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"
)

// Marker introduces a base64 Master List attribute in a PKD LDIF export.
const Marker = "pkdMasterListContent::"

// MinBlockSize is the smallest decoded block considered a Master List
// candidate. Shorter matches are discarded as noise.
const MinBlockSize = 100

// ldifLineWidth is the column at which WriteLDIF folds lines.
const ldifLineWidth = 76

var (
	utf8BOM    = []byte{0xEF, 0xBB, 0xBF}
	utf16LEBOM = []byte{0xFF, 0xFE}
	utf16BEBOM = []byte{0xFE, 0xFF}
)

// DecodeText normalizes a text export to UTF-8. Input starting with a UTF-8
// or UTF-16 byte order mark is transcoded; anything else is returned as is,
// so binary input is never altered.
func DecodeText(data []byte) ([]byte, error) {
	if !bytes.HasPrefix(data, utf8BOM) && !bytes.HasPrefix(data, utf16LEBOM) && !bytes.HasPrefix(data, utf16BEBOM) {
		return data, nil
	}
	out, _, err := transform.Bytes(unicode.BOMOverride(unicode.UTF8.NewDecoder()), data)
	if err != nil {
		return nil, fmt.Errorf("failed to decode text: %w", err)
	}
	return out, nil
}

// ExtractBlocks returns the decoded value of every Marker attribute in an
// LDIF text. Folded continuation lines (starting with a space) are joined.
// Blocks shorter than MinBlockSize are dropped; blocks that are not valid
// base64 are reported in skipped and processing continues.
func ExtractBlocks(text []byte) (blocks [][]byte, skipped error) {
	scanner := bufio.NewScanner(bytes.NewReader(text))
	scanner.Buffer(make([]byte, 0, 64*1024), len(text)+1)

	var (
		value     strings.Builder
		inBlock   bool
		blockLine int
		lineNo    int
	)

	flush := func() {
		if !inBlock {
			return
		}
		inBlock = false
		decoded, err := decodeBase64(value.String())
		value.Reset()
		if err != nil {
			skipped = multierr.Append(skipped, fmt.Errorf("block at line %d: %w", blockLine, err))
			return
		}
		if len(decoded) < MinBlockSize {
			return
		}
		blocks = append(blocks, decoded)
	}

	for scanner.Scan() {
		lineNo++
		line := strings.TrimRight(scanner.Text(), "\r")

		if inBlock && strings.HasPrefix(line, " ") {
			value.WriteString(line[1:])
			continue
		}
		flush()

		if strings.HasPrefix(line, Marker) {
			inBlock = true
			blockLine = lineNo
			value.WriteString(line[len(Marker):])
		}
	}
	flush()

	if err := scanner.Err(); err != nil {
		skipped = multierr.Append(skipped, fmt.Errorf("reading text: %w", err))
	}
	return blocks, skipped
}

func decodeBase64(s string) ([]byte, error) {
	s = strings.Map(func(r rune) rune {
		switch r {
		case ' ', '\t', '\r', '\n':
			return -1
		}
		return r
	}, s)

	decoded, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("invalid base64: %w", err)
	}
	return decoded, nil
}

// WriteLDIF writes one LDIF entry carrying block as a Master List attribute,
// folded the way PKD exports are.
func WriteLDIF(w io.Writer, dn string, block []byte) error {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "dn: %s\n", dn)
	buf.WriteString("objectClass: pkdMasterList\n")

	line := Marker + " " + base64.StdEncoding.EncodeToString(block)
	buf.WriteString(line[:min(len(line), ldifLineWidth)])
	for rest := line[min(len(line), ldifLineWidth):]; len(rest) > 0; {
		n := min(len(rest), ldifLineWidth-1)
		buf.WriteString("\n ")
		buf.WriteString(rest[:n])
		rest = rest[n:]
	}
	buf.WriteString("\n\n")

	_, err := w.Write(buf.Bytes())
	return err
}
