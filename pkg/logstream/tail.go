package logstream

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"
)

const (
	// tailPollInterval is the delay between tail polls.
	tailPollInterval = 500 * time.Millisecond

	// tailMaxMissingPolls bounds how long Follow waits for the log file
	// to appear (240 polls at 500ms is about two minutes).
	tailMaxMissingPolls = 240
)

// ReadIncremental returns the bytes appended to path since fromByte, and
// the new file size. A file shrunk below fromByte (rotation) restarts from
// the beginning.
func ReadIncremental(path string, fromByte int64) ([]byte, int64, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fromByte, err
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return nil, fromByte, err
	}
	size := info.Size()

	if size < fromByte {
		fromByte = 0
	}
	if size == fromByte {
		return nil, size, nil
	}

	if _, err := file.Seek(fromByte, io.SeekStart); err != nil {
		return nil, fromByte, err
	}
	chunk := make([]byte, size-fromByte)
	if _, err := io.ReadFull(file, chunk); err != nil {
		return nil, fromByte, err
	}
	return chunk, size, nil
}

// Follow tails path, invoking onLine for each complete line. A trailing
// partial line is carried across polls and delivered once its newline
// arrives (or at the end of the follow). Returns when ctx is done, or with
// an error when the file never appears.
func Follow(ctx context.Context, path string, onLine func(line string)) error {
	var offset int64
	var partial string
	missingPolls := 0

	ticker := time.NewTicker(tailPollInterval)
	defer ticker.Stop()

	for {
		chunk, newOffset, err := ReadIncremental(path, offset)
		if err != nil {
			if os.IsNotExist(err) {
				missingPolls++
				if missingPolls > tailMaxMissingPolls {
					return fmt.Errorf("cannot connect to log stream %s: file never appeared", path)
				}
			}
			// Transient read errors wait for the next poll.
		} else {
			missingPolls = 0
			offset = newOffset
			if len(chunk) > 0 {
				partial += string(chunk)
				for {
					idx := strings.IndexByte(partial, '\n')
					if idx < 0 {
						break
					}
					onLine(partial[:idx])
					partial = partial[idx+1:]
				}
			}
		}

		select {
		case <-ctx.Done():
			if partial != "" {
				onLine(partial)
			}
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
