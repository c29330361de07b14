package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLogSink_WritesStructuredRecord(t *testing.T) {
	var buf bytes.Buffer
	sink := NewLogSink(slog.New(slog.NewJSONHandler(&buf, nil)))

	e := NewEvent("acme", "u-1", EventChat, "orchestrate", OutcomeFailure, map[string]any{"error": "boom"})
	require.NoError(t, sink.Record(context.Background(), e))

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "AUDIT", line["msg"])
	assert.Equal(t, "WARN", line["level"])
	rec := line["audit"].(map[string]any)
	assert.Equal(t, "acme", rec["tenant_id"])
	assert.Equal(t, "CHAT", rec["type"])
	assert.Equal(t, map[string]any{"error": "boom"}, rec["metadata"])
	assert.NotEmpty(t, rec["id"])
}

type failingSink struct{ calls int }

func (f *failingSink) Record(context.Context, Event) error {
	f.calls++
	return errors.New("disk full")
}

func TestMulti_RecordsToEverySink(t *testing.T) {
	a, b := &failingSink{}, &failingSink{}
	err := Multi{a, b}.Record(context.Background(), NewEvent("t", "u", EventTool, "x", OutcomeSuccess, nil))
	require.Error(t, err)
	assert.Equal(t, 1, a.calls)
	assert.Equal(t, 1, b.calls)
}
