package auditlog

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDisabledLogDropsRecordsSilently(t *testing.T) {
	l := Disabled()
	defer l.Close()

	require.NotPanics(t, func() {
		l.Record("T1", "ok", "E1", time.Now(), time.Now())
	})
}

func TestDecodeStatusesRoundTrip(t *testing.T) {
	got := decodeStatuses([]byte(`{"ok","error"}`))
	require.Equal(t, []string{"ok", "error"}, got)
}

func TestDecodeStatusesMalformedReturnsEmpty(t *testing.T) {
	got := decodeStatuses([]byte(`not-an-array`))
	require.Empty(t, got)
}
