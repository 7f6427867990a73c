// Package outparse splits combined VM stdout into the user program's own
// output and the structured control lines injected by the harness.
package outparse

import (
	"bufio"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/codelab-lv/sandbox/api"
	"github.com/google/uuid"
)

// ErrProtocolViolation marks a recognized control line that could not be
// decomposed. It signals a corrupted protocol, never a failed test.
var ErrProtocolViolation = errors.New("control line protocol violation")

const (
	ctrlPrefix = "ctr-"
	typeAnswer = "answ"
	typeTiming = "time"

	tcIdToken = "tc_id:"
	uuidLen   = 36
)

type Parsed struct {
	UserStdout  string
	TestResults []api.TestVerdict

	// ElapsedMs is set when the harness emitted a timing control line.
	ElapsedMs *int64
}

// ParseCombined walks the combined stdout line by line. A line belongs to
// the job if and only if it contains the job's exact signing-key marker;
// the stream may interleave output from other tenants of shared
// infrastructure, so unmatched control markers are treated as plain output.
func ParseCombined(combined string, signingKey string) (Parsed, error) {
	marker := ctrlPrefix + signingKey + "-"

	res := Parsed{}
	var user strings.Builder

	sc := bufio.NewScanner(strings.NewReader(combined))
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for sc.Scan() {
		line := sc.Text()
		idx := strings.Index(line, marker)
		if idx < 0 {
			user.WriteString(line)
			user.WriteString("\n")
			continue
		}
		if err := parseControl(line[idx+len(marker):], &res); err != nil {
			return Parsed{}, err
		}
	}
	if err := sc.Err(); err != nil {
		return Parsed{}, fmt.Errorf("failed to scan combined output: %w", err)
	}

	res.UserStdout = user.String()
	return res, nil
}

func parseControl(rest string, res *Parsed) error {
	typ, payload, found := strings.Cut(rest, ": ")
	if !found {
		return fmt.Errorf("%w: missing payload separator in %q", ErrProtocolViolation, rest)
	}

	switch typ {
	case typeAnswer:
		verdict, err := parseAnswer(payload)
		if err != nil {
			return err
		}
		res.TestResults = append(res.TestResults, verdict)
		return nil
	case typeTiming:
		ms, err := strconv.ParseInt(strings.TrimSpace(payload), 10, 64)
		if err != nil {
			return fmt.Errorf("%w: bad timing payload %q", ErrProtocolViolation, payload)
		}
		res.ElapsedMs = &ms
		return nil
	default:
		return fmt.Errorf("%w: unknown control type %q", ErrProtocolViolation, typ)
	}
}

// parseAnswer decodes `tc_id:<36-char uuid> <bool>`.
func parseAnswer(payload string) (api.TestVerdict, error) {
	idx := strings.Index(payload, tcIdToken)
	if idx < 0 {
		return api.TestVerdict{}, fmt.Errorf("%w: missing %s token in %q",
			ErrProtocolViolation, tcIdToken, payload)
	}
	rest := payload[idx+len(tcIdToken):]
	if len(rest) < uuidLen {
		return api.TestVerdict{}, fmt.Errorf("%w: truncated test id in %q",
			ErrProtocolViolation, payload)
	}

	id, err := uuid.Parse(rest[:uuidLen])
	if err != nil {
		return api.TestVerdict{}, fmt.Errorf("%w: invalid test id %q: %v",
			ErrProtocolViolation, rest[:uuidLen], err)
	}

	passed := strings.TrimSpace(rest[uuidLen:]) == "true"
	return api.TestVerdict{TestId: id.String(), Passed: passed}, nil
}
