package ocr

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"path/filepath"
	"strconv"
	"strings"

	pdf "github.com/ledongthuc/pdf"

	"github.com/blociq/docpipe/internal/config"
)

// Local reads the text layer of PDFs and the XML body of DOCX files without
// any network call. Scanned PDFs with no text layer come back empty and fail.
type Local struct{}

// NewLocal constructs the local backend.
func NewLocal() *Local { return &Local{} }

// Name implements Extractor.
func (*Local) Name() string { return config.OCRBackendLocal }

// Extract implements Extractor.
func (l *Local) Extract(ctx context.Context, doc Document) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	var (
		text  string
		pages int
		err   error
	)
	switch {
	case doc.Mime == config.MimeDOCX || strings.EqualFold(filepath.Ext(doc.Filename), ".docx"):
		text, pages, err = ExtractDOCX(doc.Data)
	default:
		text, pages, err = ExtractPDF(doc.Data)
	}
	if err != nil {
		return Result{}, backendError("%s: %v", doc.Filename, err)
	}
	if strings.TrimSpace(text) == "" {
		return Result{}, backendError("%s: no text layer found", doc.Filename)
	}
	return Result{Text: text, PageCount: pages, Backend: l.Name()}, nil
}

// ExtractPDF reads PDF bytes and returns plain text (one line break between
// pages) and the page count using ledongthuc/pdf.
func ExtractPDF(data []byte) (string, int, error) {
	doc, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", 0, fmt.Errorf("new pdf reader: %w", err)
	}
	var builder strings.Builder
	total := doc.NumPage()
	for page := 1; page <= total; page++ {
		p := doc.Page(page)
		if p.V.IsNull() {
			continue
		}
		content, err := p.GetPlainText(nil)
		if err != nil {
			return "", 0, fmt.Errorf("page %d: %w", page, err)
		}
		builder.WriteString(content)
		builder.WriteString("\n")
	}
	return builder.String(), total, nil
}

// ExtractDOCX pulls paragraph text out of word/document.xml and the page count
// Word recorded in docProps/app.xml (1 when absent).
func ExtractDOCX(data []byte) (string, int, error) {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", 0, fmt.Errorf("open docx: %w", err)
	}
	var body, props *zip.File
	for _, f := range zr.File {
		switch f.Name {
		case "word/document.xml":
			body = f
		case "docProps/app.xml":
			props = f
		}
	}
	if body == nil {
		return "", 0, fmt.Errorf("docx has no word/document.xml")
	}
	text, err := readDOCXBody(body)
	if err != nil {
		return "", 0, err
	}
	pages := 1
	if props != nil {
		if n, err := readDOCXPages(props); err == nil && n > 0 {
			pages = n
		}
	}
	return text, pages, nil
}

func readDOCXBody(f *zip.File) (string, error) {
	rc, err := f.Open()
	if err != nil {
		return "", fmt.Errorf("open document.xml: %w", err)
	}
	defer rc.Close()
	dec := xml.NewDecoder(rc)
	var (
		b      strings.Builder
		inText bool
	)
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return "", fmt.Errorf("parse document.xml: %w", err)
		}
		switch t := tok.(type) {
		case xml.StartElement:
			switch t.Name.Local {
			case "t":
				inText = true
			case "tab":
				b.WriteByte('\t')
			case "br", "cr":
				b.WriteByte('\n')
			}
		case xml.EndElement:
			switch t.Name.Local {
			case "t":
				inText = false
			case "p":
				b.WriteByte('\n')
			}
		case xml.CharData:
			if inText {
				b.Write(t)
			}
		}
	}
	return b.String(), nil
}

func readDOCXPages(f *zip.File) (int, error) {
	rc, err := f.Open()
	if err != nil {
		return 0, err
	}
	defer rc.Close()
	var props struct {
		Pages string `xml:"Pages"`
	}
	if err := xml.NewDecoder(rc).Decode(&props); err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(props.Pages))
}
