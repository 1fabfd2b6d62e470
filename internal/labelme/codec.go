// Package labelme speaks the annotation tool's document format. The
// tool exchanges whole XML documents and performs no validation of its
// own, so everything inbound is treated as hostile until proven
// well-formed.
package labelme

import (
	"bytes"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/tpwrules/labelous/internal/store"
)

// ErrMalformed marks a structurally invalid inbound document. The whole
// request is rejected; the tool offers no recovery path beyond retry.
var ErrMalformed = errors.New("malformed document")

// Object is one polygon entry of a parsed document, in document order.
type Object struct {
	// PolyID is the stable identity echoed back by the tool, nil for
	// polygons created during the current edit session.
	PolyID *int64
	// Index is the zero-based position of the entry in the document.
	Index    int
	Label    string
	Notes    string
	Deleted  bool
	Occluded bool
	Points   []float64
}

// Document is a validated inbound edit document.
type Document struct {
	Name        Name
	EditKey     string
	EditVersion int64
	Objects     []Object
}

// Serialize renders an annotation and its visible polygons as a tool
// document. When editKey is non-empty the fresh key and version 0 are
// included; view-only documents omit them so no write can ever be
// attempted against that read.
func Serialize(anno store.Annotation, polys []store.Polygon, editKey string) []byte {
	var buf bytes.Buffer
	buf.WriteString("<annotation>")
	// The tool modifies the document rather than rebuilding it, so tags
	// it does not understand (prefixed c_) come back untouched.
	fmt.Fprintf(&buf, "<c_anno_id>%d</c_anno_id>", anno.ID)
	name := Name{ImageID: &anno.ImageID, AnnoID: &anno.ID}
	fmt.Fprintf(&buf, "<filename>%s.jpg</filename><folder>f</folder>", EncodeName(name))
	if editKey != "" {
		fmt.Fprintf(&buf, "<c_edit_key>%s</c_edit_key><c_edit_version>0</c_edit_version>", editKey)
	}
	for _, p := range polys {
		if p.Deleted {
			continue
		}
		buf.WriteString("<object>")
		fmt.Fprintf(&buf, "<c_poly_id>%d</c_poly_id>", p.ID)
		fmt.Fprintf(&buf, "<name>%s</name>", escape(p.Label))
		// verified=1 makes the tool refuse edits; a polygon is shown as
		// verified once it or its annotation is locked.
		verified := 0
		if p.Locked || anno.Locked {
			verified = 1
		}
		fmt.Fprintf(&buf, "<deleted>0</deleted><verified>%d</verified>", verified)
		occluded := "no"
		if p.Occluded {
			occluded = "yes"
		}
		fmt.Fprintf(&buf, "<occluded>%s</occluded>", occluded)
		fmt.Fprintf(&buf, "<attributes>%s</attributes>", escape(p.Notes))
		buf.WriteString("<polygon><username>hi</username>")
		for i := 0; i+1 < len(p.Points); i += 2 {
			fmt.Fprintf(&buf, "<pt><x>%s</x><y>%s</y></pt>",
				formatCoord(p.Points[i]), formatCoord(p.Points[i+1]))
		}
		buf.WriteString("</polygon></object>")
	}
	buf.WriteString("</annotation>")
	return buf.Bytes()
}

// formatCoord rounds to two decimals. Parsing a rounded value and
// re-emitting it reproduces identical text, so echoed documents stay
// byte-stable.
func formatCoord(v float64) string {
	return strconv.FormatFloat(v, 'f', 2, 64)
}

func escape(s string) string {
	var buf bytes.Buffer
	_ = xml.EscapeText(&buf, []byte(s))
	return buf.String()
}

type xmlPt struct {
	X *string `xml:"x"`
	Y *string `xml:"y"`
}

type xmlPolygon struct {
	Points []xmlPt `xml:"pt"`
}

type xmlObject struct {
	PolyID     *string    `xml:"c_poly_id"`
	Name       *string    `xml:"name"`
	Deleted    string     `xml:"deleted"`
	Occluded   string     `xml:"occluded"`
	Attributes string     `xml:"attributes"`
	Polygon    xmlPolygon `xml:"polygon"`
}

type xmlDocument struct {
	XMLName     xml.Name    `xml:"annotation"`
	Filename    string      `xml:"filename"`
	EditKey     string      `xml:"c_edit_key"`
	EditVersion string      `xml:"c_edit_version"`
	Objects     []xmlObject `xml:"object"`
}

// Parse validates an inbound edit document. Every failure is reported
// as ErrMalformed; no partially parsed result is ever returned.
func Parse(raw []byte) (*Document, error) {
	if err := rejectUnsafeMarkup(raw); err != nil {
		return nil, err
	}

	var wire xmlDocument
	if err := xml.Unmarshal(raw, &wire); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	name, err := DecodeName(wire.Filename, false, true)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	if wire.EditKey == "" {
		return nil, fmt.Errorf("%w: missing edit key", ErrMalformed)
	}
	version, err := strconv.ParseInt(wire.EditVersion, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("%w: bad edit version %q", ErrMalformed, wire.EditVersion)
	}

	doc := &Document{
		Name:        name,
		EditKey:     wire.EditKey,
		EditVersion: version,
	}

	seen := make(map[int64]bool)
	for i, obj := range wire.Objects {
		entry := Object{Index: i}

		if obj.PolyID != nil {
			id, err := strconv.ParseInt(strings.TrimSpace(*obj.PolyID), 10, 64)
			if err != nil {
				return nil, fmt.Errorf("%w: bad polygon id %q", ErrMalformed, *obj.PolyID)
			}
			if seen[id] {
				return nil, fmt.Errorf("%w: duplicate polygon id %d", ErrMalformed, id)
			}
			seen[id] = true
			entry.PolyID = &id
		}

		if obj.Name == nil || *obj.Name == "" {
			return nil, fmt.Errorf("%w: object %d has no label", ErrMalformed, i)
		}
		entry.Label = *obj.Name
		entry.Notes = obj.Attributes

		switch obj.Deleted {
		case "0":
		case "1":
			entry.Deleted = true
		default:
			return nil, fmt.Errorf("%w: bad deleted flag %q", ErrMalformed, obj.Deleted)
		}

		switch obj.Occluded {
		case "no":
		case "yes":
			entry.Occluded = true
		default:
			return nil, fmt.Errorf("%w: bad occluded flag %q", ErrMalformed, obj.Occluded)
		}

		if len(obj.Polygon.Points) == 0 {
			return nil, fmt.Errorf("%w: object %d has no points", ErrMalformed, i)
		}
		entry.Points = make([]float64, 0, len(obj.Polygon.Points)*2)
		for _, pt := range obj.Polygon.Points {
			x, err := parseCoord(pt.X)
			if err != nil {
				return nil, fmt.Errorf("%w: object %d: %v", ErrMalformed, i, err)
			}
			y, err := parseCoord(pt.Y)
			if err != nil {
				return nil, fmt.Errorf("%w: object %d: %v", ErrMalformed, i, err)
			}
			entry.Points = append(entry.Points, x, y)
		}

		doc.Objects = append(doc.Objects, entry)
	}

	return doc, nil
}

func parseCoord(s *string) (float64, error) {
	if s == nil {
		return 0, errors.New("missing coordinate")
	}
	v, err := strconv.ParseFloat(strings.TrimSpace(*s), 64)
	if err != nil {
		return 0, fmt.Errorf("bad coordinate %q", *s)
	}
	return v, nil
}

// rejectUnsafeMarkup refuses documents carrying DTDs before any
// entity could be resolved.
func rejectUnsafeMarkup(raw []byte) error {
	decoder := xml.NewDecoder(bytes.NewReader(raw))
	for {
		token, err := decoder.Token()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		if _, ok := token.(xml.Directive); ok {
			return fmt.Errorf("%w: document type declarations are not accepted", ErrMalformed)
		}
	}
}
