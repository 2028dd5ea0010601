package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"iter"
	"log/slog"
	"strings"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
)

// StdIO implements a client transport over a reader/writer pair carrying
// newline-delimited JSON-RPC messages, typically the stdout/stdin pipes of a
// server process.
//
// StdIO provides a single session. Proper initialization requires using the
// NewStdIO constructor function.
type StdIO struct {
	reader io.Reader
	writer io.Writer
	logger *slog.Logger
}

// StdIOOption configures a StdIO transport.
type StdIOOption func(*StdIO)

type stdIOSession struct {
	id     string
	reader io.Reader
	writer io.Writer
	logger *slog.Logger

	writeMessages chan stdIOMessage
	messages      chan JSONRPCMessage

	done        chan struct{}
	stopOnce    sync.Once
	readClosed  chan struct{}
	writeClosed chan struct{}
}

type stdIOMessage struct {
	msg  []byte
	errs chan error
}

// WithStdIOLogger sets the logger of the transport.
func WithStdIOLogger(logger *slog.Logger) StdIOOption {
	return func(s *StdIO) {
		s.logger = logger
	}
}

// NewStdIO creates a StdIO transport reading server messages from reader and
// writing client messages to writer.
func NewStdIO(reader io.Reader, writer io.Writer, options ...StdIOOption) StdIO {
	s := StdIO{
		reader: reader,
		writer: writer,
		logger: slog.Default(),
	}
	for _, opt := range options {
		opt(&s)
	}
	return s
}

// StartSession implements the ClientTransport interface. The returned session
// starts reading immediately; messages are buffered until Messages is iterated.
func (s StdIO) StartSession(_ context.Context) (Session, error) {
	sess := &stdIOSession{
		id:            uuid.New().String(),
		reader:        s.reader,
		writer:        s.writer,
		logger:        s.logger,
		writeMessages: make(chan stdIOMessage),
		messages:      make(chan JSONRPCMessage, 64),
		done:          make(chan struct{}),
		readClosed:    make(chan struct{}),
		writeClosed:   make(chan struct{}),
	}
	go sess.processWriteMessages()
	go sess.readMessages()
	return sess, nil
}

func (s *stdIOSession) ID() string {
	return s.id
}

func (s *stdIOSession) Send(ctx context.Context, msg JSONRPCMessage) error {
	msgBs, err := json.Marshal(msg)
	if err != nil {
		return errors.Wrap(err, "failed to marshal message")
	}
	msgBs = append(msgBs, '\n')

	ioMsg := stdIOMessage{
		msg:  msgBs,
		errs: make(chan error, 1),
	}

	// Writes are queued so concurrent senders never interleave lines.
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		return errors.New("session is closed")
	case s.writeMessages <- ioMsg:
	}

	select {
	case err := <-ioMsg.errs:
		if err != nil {
			return errors.Wrap(err, "failed to write message")
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		return errors.New("session is closed")
	}
}

func (s *stdIOSession) Messages() iter.Seq[JSONRPCMessage] {
	return func(yield func(JSONRPCMessage) bool) {
		for {
			select {
			case <-s.done:
				return
			case msg, ok := <-s.messages:
				if !ok {
					return
				}
				if !yield(msg) {
					return
				}
			}
		}
	}
}

func (s *stdIOSession) Stop() {
	s.stopOnce.Do(func() {
		close(s.done)
		if c, ok := s.writer.(io.Closer); ok {
			if err := c.Close(); err != nil {
				s.logger.Debug("failed to close writer", "err", err)
			}
		}
		<-s.writeClosed
	})
}

func (s *stdIOSession) readMessages() {
	defer close(s.readClosed)
	defer close(s.messages)

	// bufio.Reader instead of bufio.Scanner avoids max token size errors.
	reader := bufio.NewReader(s.reader)
	for {
		line, err := reader.ReadString('\n')
		line = strings.TrimSpace(line)
		if line != "" {
			var msg JSONRPCMessage
			if uErr := json.Unmarshal([]byte(line), &msg); uErr != nil {
				s.logger.Error("failed to unmarshal message", "err", uErr)
			} else {
				select {
				case <-s.done:
					return
				case s.messages <- msg:
				}
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				s.logger.Error("failed to read message", "err", err)
			}
			return
		}
	}
}

func (s *stdIOSession) processWriteMessages() {
	defer close(s.writeClosed)

	for {
		var msg stdIOMessage
		select {
		case <-s.done:
			return
		case msg = <-s.writeMessages:
		}

		_, err := s.writer.Write(msg.msg)
		msg.errs <- err
	}
}
