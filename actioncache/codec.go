package actioncache

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"time"

	"github.com/forgebuild/forge/action"
)

// encodeResult serializes an action.Result into the persisted entry
// format:
//
//	result header | output count (u32) | output ArtifactIds |
//	stdout length + bytes | stderr length + bytes
//
// No metadata map is written; an entry holds only the fields above.
// All integers are big-endian. The ActionId itself is the bbolt key, not
// part of the value, so it is omitted here (a file-backed layout would
// prefix it; bbolt already gives us keyed storage).
func encodeResult(r *action.Result) ([]byte, error) {
	var buf bytes.Buffer

	// Header: status tag, exit code, duration (ns), truncation flags, resource usage.
	if err := buf.WriteByte(statusTag(r.Status)); err != nil {
		return nil, err
	}
	if err := binary.Write(&buf, binary.BigEndian, int32(r.ExitCode)); err != nil {
		return nil, err
	}
	if err := binary.Write(&buf, binary.BigEndian, int64(r.Duration)); err != nil {
		return nil, err
	}
	if err := writeBool(&buf, r.StdoutTruncated); err != nil {
		return nil, err
	}
	if err := writeBool(&buf, r.StderrTruncated); err != nil {
		return nil, err
	}
	if err := binary.Write(&buf, binary.BigEndian, r.Resources.MaxMemoryBytes); err != nil {
		return nil, err
	}
	if err := binary.Write(&buf, binary.BigEndian, r.Resources.CPUTimeMs); err != nil {
		return nil, err
	}
	if err := binary.Write(&buf, binary.BigEndian, int64(r.Resources.WallTime)); err != nil {
		return nil, err
	}

	// Output count + ArtifactIds.
	if err := binary.Write(&buf, binary.BigEndian, uint32(len(r.Outputs))); err != nil {
		return nil, err
	}
	for _, id := range r.Outputs {
		buf.Write(id[:])
	}

	// stdout / stderr, length-prefixed.
	if err := writeBytes(&buf, r.Stdout); err != nil {
		return nil, err
	}
	if err := writeBytes(&buf, r.Stderr); err != nil {
		return nil, err
	}

	return buf.Bytes(), nil
}

func decodeResult(data []byte) (*action.Result, error) {
	r := bytes.NewReader(data)

	statusByte, err := readByte(r)
	if err != nil {
		return nil, fmt.Errorf("reading status: %w", err)
	}
	status, err := tagStatus(statusByte)
	if err != nil {
		return nil, err
	}

	var exitCode int32
	if err := binary.Read(r, binary.BigEndian, &exitCode); err != nil {
		return nil, fmt.Errorf("reading exit code: %w", err)
	}
	var durationNs int64
	if err := binary.Read(r, binary.BigEndian, &durationNs); err != nil {
		return nil, fmt.Errorf("reading duration: %w", err)
	}
	stdoutTrunc, err := readBool(r)
	if err != nil {
		return nil, err
	}
	stderrTrunc, err := readBool(r)
	if err != nil {
		return nil, err
	}

	var maxMem, cpuMs, wallNs int64
	if err := binary.Read(r, binary.BigEndian, &maxMem); err != nil {
		return nil, err
	}
	if err := binary.Read(r, binary.BigEndian, &cpuMs); err != nil {
		return nil, err
	}
	if err := binary.Read(r, binary.BigEndian, &wallNs); err != nil {
		return nil, err
	}

	var outputCount uint32
	if err := binary.Read(r, binary.BigEndian, &outputCount); err != nil {
		return nil, fmt.Errorf("reading output count: %w", err)
	}
	outputs := make([]action.ArtifactId, outputCount)
	for i := range outputs {
		if _, err := io.ReadFull(r, outputs[i][:]); err != nil {
			return nil, fmt.Errorf("reading output %d: %w", i, err)
		}
	}

	stdout, err := readBytes(r)
	if err != nil {
		return nil, fmt.Errorf("reading stdout: %w", err)
	}
	stderr, err := readBytes(r)
	if err != nil {
		return nil, fmt.Errorf("reading stderr: %w", err)
	}

	return &action.Result{
		Status:          status,
		ExitCode:        int(exitCode),
		Duration:        durationOf(durationNs),
		Outputs:         outputs,
		Stdout:          stdout,
		Stderr:          stderr,
		StdoutTruncated: stdoutTrunc,
		StderrTruncated: stderrTrunc,
		Resources: action.ResourceUsage{
			MaxMemoryBytes: maxMem,
			CPUTimeMs:      cpuMs,
			WallTime:       durationOf(wallNs),
		},
	}, nil
}

func writeBytes(buf *bytes.Buffer, b []byte) error {
	if err := binary.Write(buf, binary.BigEndian, uint32(len(b))); err != nil {
		return err
	}
	buf.Write(b)
	return nil
}

func readBytes(r *bytes.Reader) ([]byte, error) {
	var n uint32
	if err := binary.Read(r, binary.BigEndian, &n); err != nil {
		return nil, err
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(r, b); err != nil {
		return nil, err
	}
	return b, nil
}

func writeBool(buf *bytes.Buffer, v bool) error {
	if v {
		return buf.WriteByte(1)
	}
	return buf.WriteByte(0)
}

func readBool(r *bytes.Reader) (bool, error) {
	b, err := readByte(r)
	if err != nil {
		return false, err
	}
	return b != 0, nil
}

func readByte(r *bytes.Reader) (byte, error) {
	return r.ReadByte()
}

func statusTag(s action.Status) byte {
	switch s {
	case action.StatusSuccess:
		return 1
	case action.StatusFailure:
		return 2
	case action.StatusTimeout:
		return 3
	case action.StatusCancelled:
		return 4
	default:
		return 0
	}
}

func tagStatus(b byte) (action.Status, error) {
	switch b {
	case 1:
		return action.StatusSuccess, nil
	case 2:
		return action.StatusFailure, nil
	case 3:
		return action.StatusTimeout, nil
	case 4:
		return action.StatusCancelled, nil
	default:
		return "", fmt.Errorf("actioncache: unknown status tag %d", b)
	}
}

func durationOf(ns int64) time.Duration {
	return time.Duration(ns)
}
