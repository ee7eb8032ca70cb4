// Package sse frames chat replies as server-sent events and decodes them.
//
// Frames on the wire:
//
//	data: {"content":"..."}   one reply delta
//	data: {"error":"..."}     terminal failure
//	data: [DONE]              terminal success
//	: ping                    heartbeat comment, ignored by readers
package sse

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
)

const doneMarker = "[DONE]"

type frame struct {
	Content *string `json:"content,omitempty"`
	Error   *string `json:"error,omitempty"`
}

// Writer writes frames and flushes after each one.
type Writer struct {
	w     io.Writer
	flush func()
}

func NewWriter(w io.Writer) *Writer {
	sw := &Writer{w: w, flush: func() {}}
	if f, ok := w.(http.Flusher); ok {
		sw.flush = f.Flush
	}
	return sw
}

// SetHeaders prepares a response for streaming.
func SetHeaders(h http.Header) {
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no") // helpful if behind nginx
}

func (w *Writer) Chunk(text string) error {
	return w.data(frame{Content: &text})
}

func (w *Writer) Error(msg string) error {
	return w.data(frame{Error: &msg})
}

func (w *Writer) Done() error {
	return w.raw("data: " + doneMarker + "\n\n")
}

func (w *Writer) Heartbeat() error {
	return w.raw(": ping\n\n")
}

func (w *Writer) data(f frame) error {
	b, err := json.Marshal(f)
	if err != nil {
		return err
	}
	return w.raw(fmt.Sprintf("data: %s\n\n", b))
}

func (w *Writer) raw(s string) error {
	if _, err := io.WriteString(w.w, s); err != nil {
		return err
	}
	w.flush()
	return nil
}
