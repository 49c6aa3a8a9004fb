// Package format is the syntax layer of imports and exports.
//
// Parsers turn CSV and XML payloads into a Payload tree without consulting
// the schema; malformed nodes are kept in the tree with a Problem so the
// import engine can report them under its error policy. Writers render
// export tables.
package format

import "errors"

// ErrMalformedInput is returned when a payload cannot be tokenized at all.
var ErrMalformedInput = errors.New("malformed input")

// ExternalIDSuffix marks a column whose cells are external keys.
const ExternalIDSuffix = "/EXTERNAL_ID"

// ExternalIDColumn is the CSV column holding the record's own external key.
const ExternalIDColumn = "EXTERNAL_ID"

// Payload is a parsed import file.
type Payload struct {
	// OnError is the payload's own policy directive, "" when absent.
	OnError string

	// Problem is set when the document is unusable as a whole, for example
	// an XML root other than <records>.
	Problem string

	Groups []Group
}

// Group is a run of records committed together.
type Group struct {
	Records []Record

	// Commit is true when an explicit boundary closed the group.
	Commit bool
}

// Record is one record node.
type Record struct {
	Model          string
	ExternalID     string
	Param          string
	IfExist        string
	IfDoesNotExist string
	Fields         []Field

	// Problem describes a node that is not a usable record.
	Problem string
}

// Field is one field of a record.
type Field struct {
	Name string

	// Value is the raw text, nil when the node carried none.
	Value *string

	// Model overrides the reference target for ExternalID and Param.
	Model string

	// ExternalID is set when the value is given as an external key.
	ExternalID string

	// Param names a session alias to read or define.
	Param string

	// Records holds nested record nodes used as the field value.
	Records []Record

	// Problem describes a malformed field node.
	Problem string
}

// Text returns the raw text or "".
func (f Field) Text() string {
	if f.Value == nil {
		return ""
	}
	return *f.Value
}

// RecordCount returns the number of records across all groups, problems
// included.
func (p *Payload) RecordCount() int {
	n := 0
	for _, g := range p.Groups {
		n += len(g.Records)
	}
	return n
}

func textPtr(s string) *string {
	return &s
}
