// Package loader reads raw locations and flows from CSV files, XLSX
// workbooks and HTTP URLs.
package loader

import (
	"net/url"
	"path"
	"strings"
)

type Format string

const (
	FormatCSV  Format = "csv"
	FormatXLSX Format = "xlsx"
)

// Source names where a table comes from. Location is a file path or an
// http(s) URL. Sheet selects a worksheet of an XLSX workbook.
type Source struct {
	Location string `json:"location"`
	Sheet    string `json:"sheet,omitempty"`
}

// ParseSource reads "location" or "location#sheet".
func ParseSource(s string) Source {
	s = strings.TrimSpace(s)
	if i := strings.LastIndex(s, "#"); i >= 0 {
		return Source{Location: s[:i], Sheet: s[i+1:]}
	}
	return Source{Location: s}
}

func (s Source) String() string {
	if s.Sheet == "" {
		return s.Location
	}
	return s.Location + "#" + s.Sheet
}

// IsRemote reports whether the source is fetched over HTTP.
func (s Source) IsRemote() bool {
	u, err := url.Parse(s.Location)
	if err != nil {
		return false
	}
	return u.Scheme == "http" || u.Scheme == "https"
}

// Format guesses the table format from the file extension. Anything that is
// not .xlsx is read as CSV.
func (s Source) Format() Format {
	p := s.Location
	if s.IsRemote() {
		if u, err := url.Parse(s.Location); err == nil {
			p = u.Path
		}
	}
	if strings.EqualFold(path.Ext(p), ".xlsx") {
		return FormatXLSX
	}
	return FormatCSV
}
