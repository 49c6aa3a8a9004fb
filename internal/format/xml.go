package format

import (
	"encoding/xml"
	"fmt"
	"io"
	"strings"
)

// XML dialect:
//
//	<records on_error="raise|ignore">
//	  <record model="..." external_id="..." param="..." if_exist="..." if_does_not_exist="...">
//	    <field name="..." model="..." external_id="..." param="...">text</field>
//	    <field name="..."><record model="...">...</record></field>
//	  </record>
//	  <commit/>
//	</records>
const (
	xmlRoot   = "records"
	xmlRecord = "record"
	xmlField  = "field"
	xmlCommit = "commit"
)

type xmlNode struct {
	XMLName xml.Name
	Attrs   []xml.Attr `xml:",any,attr"`
	Text    string     `xml:",chardata"`
	Nodes   []xmlNode  `xml:",any"`
}

func (n xmlNode) attr(name string) string {
	for _, a := range n.Attrs {
		if a.Name.Local == name {
			return a.Value
		}
	}
	return ""
}

// ParseXML reads an XML import document. Declared encodings other than
// UTF-8 are decoded through golang.org/x/text.
func ParseXML(r io.Reader) (*Payload, error) {
	dec := xml.NewDecoder(NewBOMSkippingReader(r))
	dec.CharsetReader = func(label string, input io.Reader) (io.Reader, error) {
		return DecodeCharset(input, label)
	}

	var root xmlNode
	if err := dec.Decode(&root); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedInput, err)
	}

	p := &Payload{OnError: root.attr("on_error")}
	if root.XMLName.Local != xmlRoot {
		p.Problem = fmt.Sprintf("root node must be <%s>, got <%s>", xmlRoot, root.XMLName.Local)
		return p, nil
	}

	var current Group
	for _, child := range root.Nodes {
		switch child.XMLName.Local {
		case xmlRecord:
			current.Records = append(current.Records, parseXMLRecord(child))
		case xmlCommit:
			current.Commit = true
			p.Groups = append(p.Groups, current)
			current = Group{}
		default:
			current.Records = append(current.Records, Record{
				Problem: fmt.Sprintf("unexpected node <%s> in <%s>", child.XMLName.Local, xmlRoot),
			})
		}
	}
	if len(current.Records) > 0 {
		p.Groups = append(p.Groups, current)
	}
	return p, nil
}

func parseXMLRecord(n xmlNode) Record {
	rec := Record{
		Model:          n.attr("model"),
		ExternalID:     n.attr("external_id"),
		Param:          n.attr("param"),
		IfExist:        n.attr("if_exist"),
		IfDoesNotExist: n.attr("if_does_not_exist"),
	}
	for _, child := range n.Nodes {
		if child.XMLName.Local != xmlField {
			rec.Fields = append(rec.Fields, Field{
				Problem: fmt.Sprintf("unexpected node <%s> in <%s>", child.XMLName.Local, xmlRecord),
			})
			continue
		}
		rec.Fields = append(rec.Fields, parseXMLField(child))
	}
	return rec
}

func parseXMLField(n xmlNode) Field {
	f := Field{
		Name:       n.attr("name"),
		Model:      n.attr("model"),
		ExternalID: n.attr("external_id"),
		Param:      n.attr("param"),
	}
	if f.Name == "" {
		f.Problem = fmt.Sprintf("<%s> without a name attribute", xmlField)
		return f
	}

	for _, child := range n.Nodes {
		if child.XMLName.Local != xmlRecord {
			f.Records = append(f.Records, Record{
				Problem: fmt.Sprintf("unexpected node <%s> in <%s name=%q>", child.XMLName.Local, xmlField, f.Name),
			})
			continue
		}
		f.Records = append(f.Records, parseXMLRecord(child))
	}

	// Whitespace around nested records is layout, not a value.
	if len(n.Nodes) == 0 && n.Text != "" {
		f.Value = textPtr(n.Text)
	} else if len(n.Nodes) > 0 && strings.TrimSpace(n.Text) != "" {
		f.Value = textPtr(strings.TrimSpace(n.Text))
	}
	return f
}

// WriteXML renders an export table in the import dialect so the output can
// be imported again. Columns ending in /EXTERNAL_ID become external_id
// attributes; identity names the column holding the record's own key, ""
// when there is none.
func WriteXML(w io.Writer, model string, header []string, rows [][]string, identity string) error {
	enc := xml.NewEncoder(w)
	enc.Indent("", "  ")

	root := xml.StartElement{Name: xml.Name{Local: xmlRoot}}
	if err := enc.EncodeToken(root); err != nil {
		return err
	}

	for _, row := range rows {
		start := xml.StartElement{
			Name: xml.Name{Local: xmlRecord},
			Attr: []xml.Attr{{Name: xml.Name{Local: "model"}, Value: model}},
		}
		for i, col := range header {
			if col == identity && i < len(row) && row[i] != "" {
				start.Attr = append(start.Attr, xml.Attr{Name: xml.Name{Local: "external_id"}, Value: row[i]})
			}
		}
		if err := enc.EncodeToken(start); err != nil {
			return err
		}

		for i, col := range header {
			if col == identity || i >= len(row) {
				continue
			}
			if err := writeXMLField(enc, col, row[i]); err != nil {
				return err
			}
		}

		if err := enc.EncodeToken(start.End()); err != nil {
			return err
		}
	}

	if err := enc.EncodeToken(root.End()); err != nil {
		return err
	}
	if err := enc.Flush(); err != nil {
		return err
	}
	_, err := io.WriteString(w, "\n")
	return err
}

func writeXMLField(enc *xml.Encoder, col, value string) error {
	name, external := strings.CutSuffix(col, ExternalIDSuffix)
	start := xml.StartElement{
		Name: xml.Name{Local: xmlField},
		Attr: []xml.Attr{{Name: xml.Name{Local: "name"}, Value: name}},
	}
	if external {
		if value != "" {
			start.Attr = append(start.Attr, xml.Attr{Name: xml.Name{Local: "external_id"}, Value: value})
		}
		if err := enc.EncodeToken(start); err != nil {
			return err
		}
		return enc.EncodeToken(start.End())
	}

	if err := enc.EncodeToken(start); err != nil {
		return err
	}
	if value != "" {
		if err := enc.EncodeToken(xml.CharData(value)); err != nil {
			return err
		}
	}
	return enc.EncodeToken(start.End())
}
