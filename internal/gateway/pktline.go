package gateway

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/splax/shipyard/internal/gitrepo"
)

var errMalformedCommands = errors.New("gateway: malformed receive-pack commands")

// RefUpdate is one "old new ref" command sent by a pushing client.
type RefUpdate struct {
	Old string
	New string
	Ref string
}

// Delete reports whether the update removes the ref.
func (u RefUpdate) Delete() bool {
	return u.New == gitrepo.ZeroRef
}

// Branch reports whether the update targets a branch.
func (u RefUpdate) Branch() bool {
	return strings.HasPrefix(u.Ref, "refs/heads/")
}

// readCommands consumes the receive-pack command list up to and including
// the flush packet. It returns the parsed updates and the exact bytes read so
// the request can be replayed to git.
func readCommands(r *bufio.Reader) ([]RefUpdate, []byte, error) {
	var (
		raw     bytes.Buffer
		updates []RefUpdate
		head    = make([]byte, 4)
	)
	for {
		if _, err := io.ReadFull(r, head); err != nil {
			return nil, nil, fmt.Errorf("%w: read length: %v", errMalformedCommands, err)
		}
		raw.Write(head)
		size, err := strconv.ParseUint(string(head), 16, 16)
		if err != nil {
			return nil, nil, fmt.Errorf("%w: bad length %q", errMalformedCommands, head)
		}
		if size == 0 {
			return updates, raw.Bytes(), nil
		}
		if size < 4 {
			return nil, nil, fmt.Errorf("%w: bad length %d", errMalformedCommands, size)
		}
		payload := make([]byte, size-4)
		if _, err := io.ReadFull(r, payload); err != nil {
			return nil, nil, fmt.Errorf("%w: read payload: %v", errMalformedCommands, err)
		}
		raw.Write(payload)

		line := string(payload)
		if idx := strings.IndexByte(line, 0); idx >= 0 {
			line = line[:idx]
		}
		line = strings.TrimRight(line, "\n")
		if strings.HasPrefix(line, "shallow ") || strings.HasPrefix(line, "push-cert") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) != 3 {
			return nil, nil, fmt.Errorf("%w: %q", errMalformedCommands, line)
		}
		updates = append(updates, RefUpdate{Old: fields[0], New: fields[1], Ref: fields[2]})
	}
}

func pktLine(s string) string {
	return fmt.Sprintf("%04x%s", len(s)+4, s)
}

const pktFlush = "0000"
