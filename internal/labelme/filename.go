package labelme

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// The annotation tool only round-trips a filename, so the image and
// annotation identities ride along inside it: "i<imageID>_a<annoID>",
// with "x" standing in for a field that is not provided.

var ErrBadName = errors.New("bad document name")

var nameRe = regexp.MustCompile(`^i([0-9]+|x)_a([0-9]+|x)$`)

type Name struct {
	ImageID *int64
	AnnoID  *int64
}

func EncodeName(n Name) string {
	image := "x"
	if n.ImageID != nil {
		image = strconv.FormatInt(*n.ImageID, 10)
	}
	anno := "x"
	if n.AnnoID != nil {
		anno = strconv.FormatInt(*n.AnnoID, 10)
	}
	return "i" + image + "_a" + anno
}

// DecodeName parses a document name, tolerating the extensions the tool
// appends. needImage and needAnno make the respective field mandatory.
func DecodeName(s string, needImage, needAnno bool) (Name, error) {
	for _, ext := range []string{".jpg", ".svg", ".xml"} {
		if strings.HasSuffix(s, ext) {
			s = strings.TrimSuffix(s, ext)
			break
		}
	}

	match := nameRe.FindStringSubmatch(s)
	if match == nil {
		return Name{}, fmt.Errorf("%w: %q", ErrBadName, s)
	}

	var name Name
	if match[1] == "x" {
		if needImage {
			return Name{}, fmt.Errorf("%w: image id required", ErrBadName)
		}
	} else {
		id, err := strconv.ParseInt(match[1], 10, 64)
		if err != nil {
			return Name{}, fmt.Errorf("%w: %q", ErrBadName, s)
		}
		name.ImageID = &id
	}
	if match[2] == "x" {
		if needAnno {
			return Name{}, fmt.Errorf("%w: annotation id required", ErrBadName)
		}
	} else {
		id, err := strconv.ParseInt(match[2], 10, 64)
		if err != nil {
			return Name{}, fmt.Errorf("%w: %q", ErrBadName, s)
		}
		name.AnnoID = &id
	}
	return name, nil
}
