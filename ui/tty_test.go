package ui

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestUpdateBeforeEnoughSamplesReportsUnknownETA(t *testing.T) {
	r := require.New(t)
	var buf bytes.Buffer
	tty := NewWriter(&buf)

	now := time.Now()
	tty.Update(now, 100, 10)

	r.Contains(buf.String(), "10.0% done, ETA unknown")
}

func TestUpdateAfterEnoughSamplesReportsETA(t *testing.T) {
	r := require.New(t)
	var buf bytes.Buffer
	tty := NewWriter(&buf)

	now := time.Now()
	tty.Update(now, 100, 0)
	tty.Update(now.Add(1*time.Second), 100, 25)
	tty.Update(now.Add(2*time.Second), 100, 50)

	out := buf.String()
	lines := strings.Split(out, "\r")
	last := lines[len(lines)-1]
	r.Contains(last, "50.0% done, ETA")
	r.NotContains(last, "unknown")
}

func TestDoneClearsLine(t *testing.T) {
	r := require.New(t)
	var buf bytes.Buffer
	tty := NewWriter(&buf)
	tty.Done()
	r.Equal("\r\033[K", buf.String())
}
