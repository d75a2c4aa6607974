// Package pdfinfo inspects uploaded documents before any page is billed.
package pdfinfo

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
)

var ErrNotPDF = errors.New("not a pdf document")

var pdfMagic = []byte("%PDF-")

// IsPDF reports whether data starts with the PDF header.
func IsPDF(data []byte) bool {
	return bytes.HasPrefix(data, pdfMagic)
}

// CountPages returns the page count of a PDF held in memory. Validation is
// relaxed so slightly malformed scans still get an estimate; the gateway
// reports the authoritative count.
func CountPages(data []byte) (int, error) {
	if !IsPDF(data) {
		return 0, ErrNotPDF
	}
	conf := model.NewDefaultConfiguration()
	conf.ValidationMode = model.ValidationRelaxed
	n, err := api.PageCount(bytes.NewReader(data), conf)
	if err != nil {
		return 0, fmt.Errorf("counting pdf pages: %w", err)
	}
	return n, nil
}
