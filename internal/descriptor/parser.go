package descriptor

import (
	"bytes"
	"fmt"
	"io"
	"strings"

	"deploy-keeper/internal/models"

	"github.com/beevik/etree"
	"github.com/iancoleman/orderedmap"
)

/**
 * Parse descriptor XML into a bean tree
 * @param {[]byte} data - Raw descriptor bytes
 * @param {models.ModuleType} moduleType - Module type the descriptor belongs to
 * @param {string} filename - Descriptor entry name (e.g. WEB-INF/web.xml)
 * @returns {(*Root, error)} Document node of the parsed tree
 * @description
 * - Element names drop namespace prefixes, attributes keep them (xsi:schemaLocation)
 * - xmlns declarations are not exposed as attributes
 * - Comments and processing instructions are ignored
 * @throws
 * - models.ErrConfiguration for malformed XML or a document without root element
 */
func Parse(data []byte, moduleType models.ModuleType, filename string) (*Root, error) {
	doc := etree.NewDocument()
	if err := doc.ReadFromBytes(data); err != nil {
		return nil, fmt.Errorf("%w: parse %s: %v", models.ErrConfiguration, filename, err)
	}
	el := doc.Root()
	if el == nil {
		return nil, fmt.Errorf("%w: %s has no root element", models.ErrConfiguration, filename)
	}

	root := &Root{moduleType: moduleType, filename: filename}
	root.Bean = Bean{
		xpath:    "/",
		location: "/",
		index:    1,
		attrs:    orderedmap.New(),
		root:     root,
	}
	top := buildBean(el, &root.Bean, 1, root)
	root.children = []*Bean{top}
	root.version, _ = top.Attribute("version")
	return root, nil
}

// ParseReader reads r fully and parses it.
func ParseReader(r io.Reader, moduleType models.ModuleType, filename string) (*Root, error) {
	var buf bytes.Buffer
	if _, err := buf.ReadFrom(r); err != nil {
		return nil, fmt.Errorf("%w: read %s: %v", models.ErrConfiguration, filename, err)
	}
	return Parse(buf.Bytes(), moduleType, filename)
}

func buildBean(el *etree.Element, parent *Bean, index int, root *Root) *Bean {
	b := &Bean{
		name:     el.Tag,
		xpath:    childXPath(parent.xpath, el.Tag),
		location: childLocation(parent.location, el.Tag, index),
		index:    index,
		attrs:    orderedmap.New(),
		parent:   parent,
		root:     root,
	}
	for _, a := range el.Attr {
		if a.Space == "xmlns" || (a.Space == "" && a.Key == "xmlns") {
			continue
		}
		key := a.Key
		if a.Space != "" {
			key = a.Space + ":" + a.Key
		}
		b.attrs.Set(key, a.Value)
	}

	var text strings.Builder
	seen := make(map[string]int)
	for _, tok := range el.Child {
		switch t := tok.(type) {
		case *etree.CharData:
			text.WriteString(t.Data)
		case *etree.Element:
			seen[t.Tag]++
			b.children = append(b.children, buildBean(t, b, seen[t.Tag], root))
		}
	}
	b.text = strings.TrimSpace(text.String())
	return b
}
