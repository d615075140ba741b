package eventlog

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
)

// FileSink appends one JSON object per line to a local file. Existing
// content is never truncated.
type FileSink struct {
	Path string
}

func NewFileSink(path string) *FileSink {
	return &FileSink{Path: path}
}

func (s *FileSink) Write(_ context.Context, events []Event) error {
	f, err := os.OpenFile(s.Path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open log %s: %w", s.Path, err)
	}
	w := bufio.NewWriter(f)
	if err := writeLines(w, events); err != nil {
		f.Close()
		return fmt.Errorf("write log %s: %w", s.Path, err)
	}
	if err := w.Flush(); err != nil {
		f.Close()
		return fmt.Errorf("write log %s: %w", s.Path, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close log %s: %w", s.Path, err)
	}
	return nil
}

func writeLines(w *bufio.Writer, events []Event) error {
	for _, e := range events {
		line, err := json.Marshal(e)
		if err != nil {
			return err
		}
		if _, err := w.Write(append(line, '\n')); err != nil {
			return err
		}
	}
	return nil
}

// ReadFile decodes every event of a flushed log file.
func ReadFile(path string) ([]Event, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open log %s: %w", path, err)
	}
	defer f.Close()

	var events []Event
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 64*1024*1024)
	for line := 1; scanner.Scan(); line++ {
		if len(scanner.Bytes()) == 0 {
			continue
		}
		e, err := DecodeEvent(scanner.Bytes())
		if err != nil {
			return nil, fmt.Errorf("%s:%d: %w", path, line, err)
		}
		events = append(events, e)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read log %s: %w", path, err)
	}
	return events, nil
}
