package xapi

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/onnwee/feedrelay/social"
	"github.com/onnwee/feedrelay/streamerr"
)

const maxLine = 1 << 20

// stream reads newline-delimited JSON from an open filtered stream.
type stream struct {
	body   io.ReadCloser
	reader *bufio.Reader
	once   sync.Once
}

func newStream(body io.ReadCloser) *stream {
	return &stream{body: body, reader: bufio.NewReaderSize(body, 64*1024)}
}

type payload struct {
	Data *struct {
		ID        string `json:"id"`
		Text      string `json:"text"`
		AuthorID  string `json:"author_id"`
		CreatedAt string `json:"created_at"`
	} `json:"data"`
	Includes struct {
		Users []struct {
			ID       string `json:"id"`
			Username string `json:"username"`
		} `json:"users"`
	} `json:"includes"`
	Errors []apiError `json:"errors"`
}

// Next returns the next post. Blank keep-alive lines are skipped.
func (s *stream) Next(ctx context.Context) (social.Event, error) {
	for {
		line, err := s.readLine()
		if err != nil {
			if ctx.Err() != nil {
				return social.Event{}, ctx.Err()
			}
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return social.Event{}, fmt.Errorf("x stream ended: %w", streamerr.ErrDisconnected)
			}
			return social.Event{}, fmt.Errorf("read x stream: %w", err)
		}
		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}
		return decode(line)
	}
}

func (s *stream) readLine() ([]byte, error) {
	var buf []byte
	for {
		chunk, isPrefix, err := s.reader.ReadLine()
		if err != nil {
			return nil, err
		}
		buf = append(buf, chunk...)
		if len(buf) > maxLine {
			return nil, streamerr.Temporary(errors.New("x stream line too long"))
		}
		if !isPrefix {
			return buf, nil
		}
	}
}

func decode(line []byte) (social.Event, error) {
	var p payload
	if err := json.Unmarshal(line, &p); err != nil {
		return social.Event{}, streamerr.Temporary(fmt.Errorf("decode x payload: %w", err))
	}
	if p.Data == nil {
		if len(p.Errors) > 0 {
			e := p.Errors[0]
			return social.Event{}, fmt.Errorf("%w: %s: %s", streamerr.ErrDisconnected, e.Title, e.Detail)
		}
		return social.Event{}, streamerr.Temporary(errors.New("x payload without data"))
	}
	ev := social.Event{
		ID:       p.Data.ID,
		Source:   "x",
		Text:     p.Data.Text,
		Username: p.Data.AuthorID,
	}
	for _, u := range p.Includes.Users {
		if u.ID == p.Data.AuthorID && u.Username != "" {
			ev.Username = u.Username
			break
		}
	}
	if ts, err := time.Parse(time.RFC3339, p.Data.CreatedAt); err == nil {
		ev.Timestamp = ts
	}
	return ev, nil
}

func (s *stream) Close() error {
	var err error
	s.once.Do(func() { err = s.body.Close() })
	return err
}
