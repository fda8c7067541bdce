package resolver

import (
	"archive/zip"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/JonMunkholm/esgregister/internal/oim"
	"github.com/PuerkitoBio/goquery"
)

// entityNameConcepts are inline XBRL concept local names that carry the
// reporting entity's name.
var entityNameConcepts = []string{
	"nameofreportingentity",
	"entityname",
	"nameofundertaking",
	"entityregisteredname",
}

// maxSniffBytes bounds how much of a document Sniff parses.
const maxSniffBytes = 32 << 20

// Hints are values read from the inline XBRL before conversion, used to
// fill upload defaults the caller did not supply.
type Hints struct {
	EntityName string
	Period     string
	Year       int
}

// SniffFile reads hints from an HTML/XHTML document or from the primary
// document of a ZIP package.
func SniffFile(path, ext string) (Hints, error) {
	switch NormalizeExt(ext) {
	case ".xhtml", ".html":
		f, err := os.Open(path)
		if err != nil {
			return Hints{}, err
		}
		defer f.Close()
		return Sniff(f)
	case ".zip":
		zr, err := zip.OpenReader(path)
		if err != nil {
			return Hints{}, fmt.Errorf("open package: %w", err)
		}
		defer zr.Close()
		primary, err := primaryMember(zr.File)
		if err != nil {
			return Hints{}, err
		}
		rc, err := primary.Open()
		if err != nil {
			return Hints{}, fmt.Errorf("open %s: %w", primary.Name, err)
		}
		defer rc.Close()
		return Sniff(rc)
	default:
		return Hints{}, fmt.Errorf("%w: %q", ErrUnsupportedExtension, ext)
	}
}

// Sniff parses an inline XBRL document and returns the entity name and the
// first context period it finds. Missing values are left empty.
func Sniff(r io.Reader) (Hints, error) {
	doc, err := goquery.NewDocumentFromReader(io.LimitReader(r, maxSniffBytes))
	if err != nil {
		return Hints{}, fmt.Errorf("parse html: %w", err)
	}

	var h Hints
	doc.Find("*").EachWithBreak(func(_ int, s *goquery.Selection) bool {
		if goquery.NodeName(s) != "ix:nonnumeric" {
			return true
		}
		name, _ := s.Attr("name")
		if isEntityNameConcept(name) {
			h.EntityName = strings.Join(strings.Fields(s.Text()), " ")
			return h.EntityName == ""
		}
		return true
	})

	doc.Find("*").EachWithBreak(func(_ int, s *goquery.Selection) bool {
		if goquery.NodeName(s) != "xbrli:period" {
			return true
		}
		start, end, instant := "", "", ""
		s.Children().Each(func(_ int, c *goquery.Selection) {
			switch goquery.NodeName(c) {
			case "xbrli:startdate":
				start = strings.TrimSpace(c.Text())
			case "xbrli:enddate":
				end = strings.TrimSpace(c.Text())
			case "xbrli:instant":
				instant = strings.TrimSpace(c.Text())
			}
		})
		switch {
		case start != "" && end != "":
			h.Period = start + "/" + end
		case instant != "":
			h.Period = instant
		}
		return h.Period == ""
	})

	if y, ok := oim.ReportingYear(h.Period); ok {
		h.Year = y
	}
	return h, nil
}

func isEntityNameConcept(qname string) bool {
	local := qname
	if i := strings.LastIndex(qname, ":"); i >= 0 {
		local = qname[i+1:]
	}
	local = strings.ToLower(local)
	for _, c := range entityNameConcepts {
		if local == c {
			return true
		}
	}
	return false
}
