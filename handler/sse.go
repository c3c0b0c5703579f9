package handler

import (
	"errors"
	"io"
	"net/http"
	"strings"
	"time"
)

// eventWriter frames server-sent events and flushes each one as it is written.
type eventWriter struct {
	w  io.Writer
	rc *http.ResponseController
}

var lineBreaks = strings.NewReplacer("\r\n", "\n", "\r", "\n")

func newEventWriter(w http.ResponseWriter) *eventWriter {
	hdr := w.Header()
	hdr.Set("Content-Type", "text/event-stream")
	hdr.Set("Cache-Control", "no-cache")
	hdr.Set("Connection", "keep-alive")
	hdr.Set("X-Accel-Buffering", "no")

	rc := http.NewResponseController(w)
	// Streams may outlive the server's write timeout.
	_ = rc.SetWriteDeadline(time.Time{})
	w.WriteHeader(http.StatusOK)
	return &eventWriter{w: w, rc: rc}
}

// Data writes an unnamed event.
func (e *eventWriter) Data(text string) error {
	return e.write("", text)
}

// Event writes a named event.
func (e *eventWriter) Event(name, text string) error {
	return e.write(name, text)
}

func (e *eventWriter) write(name, text string) error {
	var b strings.Builder
	if name != "" {
		b.WriteString("event: ")
		b.WriteString(name)
		b.WriteByte('\n')
	}
	for _, line := range strings.Split(lineBreaks.Replace(text), "\n") {
		b.WriteString("data: ")
		b.WriteString(line)
		b.WriteByte('\n')
	}
	b.WriteByte('\n')

	if _, err := io.WriteString(e.w, b.String()); err != nil {
		return err
	}
	if err := e.rc.Flush(); err != nil && !errors.Is(err, http.ErrNotSupported) {
		return err
	}
	return nil
}
