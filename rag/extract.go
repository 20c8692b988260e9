package rag

import (
	"bytes"
	"fmt"
	"math"
	"path/filepath"
	"sort"
	"strings"
	"unicode/utf8"

	"code.sajari.com/docconv"
	"github.com/ledongthuc/pdf"
)

// Content types handled by name rather than prefix match.
const (
	ContentTypePDF  = "application/pdf"
	ContentTypeDoc  = "application/msword"
	ContentTypeDocx = "application/vnd.openxmlformats-officedocument.wordprocessingml.document"
)

// maxFallbackSize bounds the fallback UTF-8 sniffing path; larger unknown
// payloads are rejected outright.
const maxFallbackSize = 5 << 20

// UnsupportedContentError reports content the extractor refused to decode.
type UnsupportedContentError struct {
	ContentType string
	Filename    string
	Reason      string
}

func (e *UnsupportedContentError) Error() string {
	return fmt.Sprintf("unsupported content %q (%s): %s", e.Filename, e.ContentType, e.Reason)
}

// textLikeTypes are MIME types decoded directly as UTF-8.
var textLikeTypes = map[string]bool{
	"application/json":         true,
	"application/yaml":         true,
	"application/x-yaml":       true,
	"application/xml":          true,
	"application/javascript":   true,
	"application/typescript":   true,
	"application/x-typescript": true,
	"application/x-python":     true,
	"text/x-python":            true,
	"text/x-script.python":     true,
}

// Extract converts raw document bytes into plain text, dispatching on MIME
// type and filename. Unknown types fall through to a guarded UTF-8 sniff.
func Extract(data []byte, contentType, filename string) (string, error) {
	ct := normalizeContentType(contentType)
	ext := strings.ToLower(strings.TrimPrefix(filepath.Ext(filename), "."))

	switch {
	case ct == ContentTypePDF || ext == "pdf":
		return ExtractPDF(data)
	case strings.Contains(ct, "wordprocessingml.document") || ext == "docx":
		return extractDOCX(data)
	case ct == ContentTypeDoc || ext == "doc":
		// Legacy .doc is kept as bytes in the document memory; display is
		// delegated to the consumer.
		return fmt.Sprintf("[Legacy Word document: %s (%d bytes). Content preserved for download; text extraction is not supported for this format.]", filename, len(data)), nil
	case strings.HasPrefix(ct, "text/") || textLikeTypes[ct]:
		return string(data), nil
	default:
		return extractFallback(data, contentType, filename)
	}
}

func normalizeContentType(contentType string) string {
	ct := strings.TrimSpace(strings.ToLower(contentType))
	if i := strings.Index(ct, ";"); i >= 0 {
		ct = strings.TrimSpace(ct[:i])
	}
	return ct
}

// extractFallback attempts a UTF-8 decode of content with an unknown MIME
// type, rejecting anything that looks binary: oversized payloads, NUL bytes
// in the first KiB, or replacement characters after decoding.
func extractFallback(data []byte, contentType, filename string) (string, error) {
	if len(data) > maxFallbackSize {
		return "", &UnsupportedContentError{
			ContentType: contentType,
			Filename:    filename,
			Reason:      fmt.Sprintf("file too large for text fallback (%d bytes)", len(data)),
		}
	}
	probe := data
	if len(probe) > 1024 {
		probe = probe[:1024]
	}
	if bytes.IndexByte(probe, 0) >= 0 {
		return "", &UnsupportedContentError{
			ContentType: contentType,
			Filename:    filename,
			Reason:      "binary content detected (NUL byte)",
		}
	}
	text := string(data)
	if strings.ContainsRune(text, utf8.RuneError) {
		return "", &UnsupportedContentError{
			ContentType: contentType,
			Filename:    filename,
			Reason:      "content is not valid UTF-8",
		}
	}
	return text, nil
}

// extractDOCX pulls the raw text out of a DOCX container.
func extractDOCX(data []byte) (string, error) {
	text, _, err := docconv.ConvertDocx(bytes.NewReader(data))
	if err != nil {
		return "", fmt.Errorf("failed to extract DOCX text: %w", err)
	}
	return strings.TrimSpace(text), nil
}

// ExtractPDF extracts text from PDF bytes, reassembling reading order from
// glyph positions: items are grouped into lines by rounded Y coordinate
// (top to bottom), ordered within a line by X, joined with spaces. Lines are
// joined with newlines and pages with blank lines.
func ExtractPDF(data []byte) (string, error) {
	reader, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", fmt.Errorf("failed to open PDF: %w", err)
	}

	var pages []string
	numPages := reader.NumPage()
	for i := 1; i <= numPages; i++ {
		page := reader.Page(i)
		if page.V.IsNull() {
			continue
		}
		pageText := assemblePageText(page.Content().Text)
		if pageText != "" {
			pages = append(pages, pageText)
		}
	}
	return normalizeWhitespace(strings.Join(pages, "\n\n")), nil
}

// assemblePageText converts positioned text items into lines. PDF user space
// has its origin at the bottom-left, so larger Y means higher on the page.
func assemblePageText(items []pdf.Text) string {
	if len(items) == 0 {
		return ""
	}

	lines := make(map[int][]pdf.Text)
	var ys []int
	for _, item := range items {
		if strings.TrimSpace(item.S) == "" {
			continue
		}
		y := int(math.Round(item.Y))
		if _, seen := lines[y]; !seen {
			ys = append(ys, y)
		}
		lines[y] = append(lines[y], item)
	}
	sort.Sort(sort.Reverse(sort.IntSlice(ys)))

	var out []string
	for _, y := range ys {
		line := lines[y]
		sort.Slice(line, func(a, b int) bool { return line[a].X < line[b].X })
		words := make([]string, 0, len(line))
		for _, item := range line {
			words = append(words, strings.TrimSpace(item.S))
		}
		out = append(out, strings.Join(words, " "))
	}
	return strings.Join(out, "\n")
}

// normalizeWhitespace collapses runs of spaces and trims line edges while
// preserving the line/paragraph structure.
func normalizeWhitespace(text string) string {
	lines := strings.Split(text, "\n")
	for i, line := range lines {
		lines[i] = strings.Join(strings.Fields(line), " ")
	}
	out := strings.Join(lines, "\n")
	for strings.Contains(out, "\n\n\n") {
		out = strings.ReplaceAll(out, "\n\n\n", "\n\n")
	}
	return strings.TrimSpace(out)
}

// binaryContentTypes mark payloads that arrive base64-encoded.
var binaryContentTypes = []string{
	ContentTypePDF,
	ContentTypeDoc,
	"application/vnd.openxmlformats-officedocument.wordprocessingml",
	"application/vnd.ms-excel",
	"application/vnd.ms-powerpoint",
	"application/zip",
	"application/octet-stream",
	"image/",
	"audio/",
	"video/",
}

var binaryExtensions = map[string]bool{
	"pdf": true, "doc": true, "docx": true, "xls": true, "xlsx": true,
	"ppt": true, "pptx": true, "zip": true, "jpg": true, "jpeg": true,
	"png": true, "gif": true, "mp3": true, "mp4": true, "wav": true,
}

// IsBinaryContent reports whether a file's content arrives base64-encoded,
// judged by MIME type or filename extension.
func IsBinaryContent(contentType, filename string) bool {
	ct := normalizeContentType(contentType)
	for _, prefix := range binaryContentTypes {
		if strings.HasPrefix(ct, prefix) {
			return true
		}
	}
	ext := strings.ToLower(strings.TrimPrefix(filepath.Ext(filename), "."))
	return binaryExtensions[ext]
}
