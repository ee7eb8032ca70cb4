package sse

import (
	"bufio"
	"encoding/json"
	"io"
	"strings"
)

type Kind int

const (
	KindChunk Kind = iota + 1
	KindError
	KindDone
)

// Event is one decoded frame. Text is the delta for KindChunk and the
// message for KindError.
type Event struct {
	Kind Kind
	Text string
}

// Reader decodes frames. Comments, unknown fields and payloads that are not
// valid frames are skipped.
type Reader struct {
	sc   *bufio.Scanner
	data []string
}

func NewReader(r io.Reader) *Reader {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	return &Reader{sc: sc}
}

// Next returns the next frame, or io.EOF once the body ends. An event cut off
// by the end of the body is dropped.
func (r *Reader) Next() (Event, error) {
	for r.sc.Scan() {
		line := strings.TrimSuffix(r.sc.Text(), "\r")
		if line == "" {
			if len(r.data) == 0 {
				continue
			}
			payload := strings.Join(r.data, "\n")
			r.data = r.data[:0]
			if ev, ok := decode(payload); ok {
				return ev, nil
			}
			continue
		}
		if strings.HasPrefix(line, ":") {
			continue
		}
		field, value, _ := strings.Cut(line, ":")
		if field != "data" {
			continue
		}
		r.data = append(r.data, strings.TrimPrefix(value, " "))
	}
	if err := r.sc.Err(); err != nil {
		return Event{}, err
	}
	return Event{}, io.EOF
}

func decode(payload string) (Event, bool) {
	if strings.TrimSpace(payload) == doneMarker {
		return Event{Kind: KindDone}, true
	}
	var f frame
	if err := json.Unmarshal([]byte(payload), &f); err != nil {
		return Event{}, false
	}
	switch {
	case f.Content != nil && *f.Content != "":
		return Event{Kind: KindChunk, Text: *f.Content}, true
	case f.Error != nil:
		return Event{Kind: KindError, Text: *f.Error}, true
	default:
		return Event{}, false
	}
}
