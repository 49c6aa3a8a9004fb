// Package archive keeps the payload and error report of import sessions
// that recorded errors, so a failed run can be inspected after its
// transaction is gone.
package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"path"
	"time"
)

// Driver identifies a sink backend.
type Driver string

const (
	DriverNone       Driver = "none"
	DriverFilesystem Driver = "fs"
	DriverS3         Driver = "s3"
)

// Sink stores opaque objects under slash-separated keys.
type Sink interface {
	Put(ctx context.Context, key string, body []byte, contentType string) error
}

// Config selects and configures a sink.
type Config struct {
	Driver Driver

	// Dir is the root directory for the fs driver.
	Dir string

	Bucket          string
	Region          string
	Endpoint        string
	PathStyle       bool
	AccessKeyID     string
	SecretAccessKey string

	// Prefix is prepended to every key.
	Prefix string
}

// Open builds the sink named by cfg.Driver. An empty driver means none.
func Open(ctx context.Context, cfg Config) (Sink, error) {
	var (
		sink Sink
		err  error
	)
	switch cfg.Driver {
	case "", DriverNone:
		return Nop{}, nil
	case DriverFilesystem:
		sink, err = NewFilesystem(cfg.Dir)
	case DriverS3:
		sink, err = NewS3(ctx, cfg)
	default:
		return nil, fmt.Errorf("unknown archive driver %q", cfg.Driver)
	}
	if err != nil {
		return nil, err
	}
	if cfg.Prefix != "" {
		sink = prefixed{prefix: cfg.Prefix, next: sink}
	}
	return sink, nil
}

// Nop discards everything.
type Nop struct{}

// Put implements Sink.
func (Nop) Put(context.Context, string, []byte, string) error { return nil }

type prefixed struct {
	prefix string
	next   Sink
}

func (p prefixed) Put(ctx context.Context, key string, body []byte, contentType string) error {
	return p.next.Put(ctx, path.Join(p.prefix, key), body, contentType)
}

// Report is the JSON document stored next to a failed session's payload.
type Report struct {
	SessionID string    `json:"session_id"`
	Model     string    `json:"model"`
	Mode      string    `json:"mode"`
	Created   int       `json:"created"`
	Updated   int       `json:"updated"`
	Errors    []string  `json:"errors"`
	Aborted   bool      `json:"aborted"`
	At        time.Time `json:"at"`
}

// Keys returns the payload and report keys of a session.
func Keys(r Report) (payloadKey, reportKey string) {
	dir := path.Join(r.At.UTC().Format("2006/01/02"), r.SessionID)
	return path.Join(dir, "payload."+r.Mode), path.Join(dir, "report.json")
}

// WriteSession stores payload and report under the session's keys.
func WriteSession(ctx context.Context, sink Sink, r Report, payload []byte) error {
	payloadKey, reportKey := Keys(r)

	contentType := "text/csv"
	if r.Mode == "xml" {
		contentType = "application/xml"
	}
	if err := sink.Put(ctx, payloadKey, payload, contentType); err != nil {
		return fmt.Errorf("archive payload: %w", err)
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetIndent("", "  ")
	if err := enc.Encode(r); err != nil {
		return fmt.Errorf("encode report: %w", err)
	}
	if err := sink.Put(ctx, reportKey, buf.Bytes(), "application/json"); err != nil {
		return fmt.Errorf("archive report: %w", err)
	}
	return nil
}
