package main

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFormatTime(t *testing.T) {
	now := time.Now()
	sameYear := time.Date(now.Year(), time.March, 15, 10, 30, 0, 0, time.Local)
	diffYear := time.Date(2020, time.December, 25, 8, 0, 0, 0, time.Local)

	assert.Equal(t, "Mar 15 10:30:00", formatTime(sameYear))
	assert.Equal(t, "Dec 25  2020", formatTime(diffYear))
	assert.Equal(t, "-", formatTime(time.Time{}))
	assert.Equal(t, "-", formatUnixNano(0))
	assert.Equal(t, "Dec 25  2020", formatUnixNano(diffYear.UnixNano()))
}

func TestFormatDuration(t *testing.T) {
	assert.Equal(t, "12ms", formatDuration(12345*time.Microsecond))
	assert.Equal(t, "2.5s", formatDuration(2490*time.Millisecond))
}

func TestPrintTable_AlignsColumns(t *testing.T) {
	var buf bytes.Buffer

	printTable(&buf, []string{"ID", "STATUS"}, [][]string{
		{"1", "pending_sync"},
		{"200", "pending_deletion"},
	})

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 3)
	assert.Equal(t, "ID   STATUS", lines[0])
	assert.Equal(t, "1    pending_sync", lines[1])
	assert.Equal(t, "200  pending_deletion", lines[2])
}

func TestPrintJSON(t *testing.T) {
	var buf bytes.Buffer

	require.NoError(t, printJSON(&buf, map[string]int{"pending": 2}))
	assert.Equal(t, "{\n  \"pending\": 2\n}\n", buf.String())
}
