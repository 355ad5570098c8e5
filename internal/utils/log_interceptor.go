// Package utils holds small filesystem, logging and encoding helpers shared by
// the minisync client, server and CLI.
package utils

import (
	"bytes"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// LogInterceptor implements io.Writer and prefixes every complete line with a
// sequence number and a timestamp before forwarding it to the target writer.
// Partial lines are buffered until their newline arrives or Close is called.
type LogInterceptor struct {
	target io.Writer
	seq    atomic.Uint64
	mu     sync.Mutex
	buf    bytes.Buffer
}

func NewLogInterceptor(target io.Writer) *LogInterceptor {
	return &LogInterceptor{target: target}
}

func (i *LogInterceptor) writeLine(line []byte) (int, error) {
	prefix := slog.Uint64("line", i.seq.Add(1)).String() + " " +
		slog.String("time", time.Now().Format(time.RFC3339)).String() + " "

	total := 0
	n, err := io.WriteString(i.target, prefix)
	total += n
	if err != nil {
		return total, err
	}
	n, err = i.target.Write(append(line, '\n'))
	total += n
	return total, err
}

// Write buffers p and flushes every complete line. It always reports len(p)
// on success so callers such as slog handlers do not treat prefixing as a short write.
func (i *LogInterceptor) Write(p []byte) (int, error) {
	i.mu.Lock()
	defer i.mu.Unlock()

	i.buf.Write(p)
	for {
		idx := bytes.IndexByte(i.buf.Bytes(), '\n')
		if idx < 0 {
			break
		}
		line := bytes.TrimRight(i.buf.Next(idx+1), "\r\n")
		if _, err := i.writeLine(append([]byte(nil), line...)); err != nil {
			return 0, err
		}
	}
	return len(p), nil
}

// Close flushes any trailing partial line.
func (i *LogInterceptor) Close() error {
	i.mu.Lock()
	defer i.mu.Unlock()

	if i.buf.Len() == 0 {
		return nil
	}
	_, err := i.writeLine(append([]byte(nil), i.buf.Bytes()...))
	i.buf.Reset()
	return err
}
