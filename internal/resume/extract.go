// Package resume turns an uploaded CV into the plain text the AI reviewer reads.
package resume

import (
	"bytes"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/ledongthuc/pdf"
)

// ErrEmpty means the file was read but held no usable text.
var ErrEmpty = errors.New("resume: no text found")

// MaxFileSize is the largest upload the bot accepts.
const MaxFileSize = 10 << 20

var pdfMagic = []byte("%PDF-")

// Extract returns the text of a résumé. PDFs are parsed page by page; any
// other file is read as UTF-8 with invalid bytes dropped.
func Extract(filename string, data []byte) (string, error) {
	if len(data) > MaxFileSize {
		return "", errors.Newf("resume: file is %d bytes, limit is %d", len(data), MaxFileSize)
	}

	var text string
	var err error
	if isPDF(filename, data) {
		text, err = extractPDF(data)
		if err != nil {
			return "", errors.Wrapf(err, "parse pdf %s", filename)
		}
	} else {
		text = strings.ToValidUTF8(string(data), "")
	}

	text = strings.TrimSpace(text)
	if text == "" {
		return "", ErrEmpty
	}
	return text, nil
}

func isPDF(filename string, data []byte) bool {
	return strings.EqualFold(filepath.Ext(filename), ".pdf") || bytes.HasPrefix(data, pdfMagic)
}

func extractPDF(data []byte) (text string, err error) {
	// the parser panics on some malformed files
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("malformed pdf: %v", r)
		}
	}()

	reader, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", err
	}

	pages := make([]string, 0, reader.NumPage())
	for i := 1; i <= reader.NumPage(); i++ {
		page := reader.Page(i)
		if page.V.IsNull() {
			continue
		}
		content, err := page.GetPlainText(nil)
		if err != nil {
			return "", errors.Wrapf(err, "page %d", i)
		}
		pages = append(pages, content)
	}
	return strings.Join(pages, "\n"), nil
}
