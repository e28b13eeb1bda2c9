// Package protocol encodes and decodes the length-prefixed ASCII frames
// exchanged between the db client and the command server over the local
// socket. Keeping encode/decode in one module, rather than inline in both
// ends of the socket, is deliberate: the wire format is fragile (tokens are
// space-separated, so a filename containing a space is not representable)
// and every caller must apply the same splitting rules.
package protocol

import (
	"fmt"
	"strconv"
	"strings"
)

// MaxReplySize is the maximum number of bytes the command server will send
// back on a single reply. Replies longer than this are truncated and the
// overflow is logged by the caller, not by this package.
const MaxReplySize = 10000

// WaitingForSecondPart is the reply sent when a frame's declared length
// exceeds the bytes read so far; the server buffers and waits for the rest.
const WaitingForSecondPart = "Waiting for second part of the command"

// NothingToDo is the reply sent for an unrecognized command name.
const NothingToDo = "Nothing to do."

// Frame encodes body as a wire frame: the decimal byte count of the full
// frame (including the space and the body itself), a space, then the body.
func Frame(body string) []byte {
	// total = len(digits of total) + 1 (space) + len(body); the length
	// prefix is self-referential, so compute it by growing until stable.
	n := len(body) + 1
	for {
		total := len(strconv.Itoa(n)) + 1 + len(body)
		if total == n {
			break
		}
		n = total
	}
	return []byte(fmt.Sprintf("%d %s", n, body))
}

// Split inspects buf for one complete frame.
//
// If buf does not yet contain a complete frame (its declared length exceeds
// len(buf)), complete is false and rest is the original buffer, unchanged,
// so the caller can append the next read and try again.
//
// If buf contains exactly one frame, complete is true, body is the decoded
// command, and rest is empty.
//
// If buf contains more than one frame back to back, complete is true, body
// is the first frame's command, and rest holds the remaining bytes — the
// caller is expected to call Split again on rest.
func Split(buf []byte) (body string, rest []byte, complete bool, err error) {
	s := string(buf)
	sp := strings.IndexByte(s, ' ')
	if sp < 0 {
		return "", buf, false, nil
	}

	declared, convErr := strconv.Atoi(s[:sp])
	if convErr != nil {
		return "", nil, false, fmt.Errorf("protocol: invalid frame header %q: %w", s[:sp], convErr)
	}

	if declared > len(buf) {
		return "", buf, false, nil
	}

	frame := s[:declared]
	body = strings.TrimSpace(frame[sp:])
	if declared == len(buf) {
		return body, nil, true, nil
	}
	return body, buf[declared:], true, nil
}
