package log

import (
	"bytes"
	"context"
	"log"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestInfofIncludesContextTags(t *testing.T) {
	var buf bytes.Buffer
	prev := std
	SetOutput(New(log.New(&buf, "", 0)))
	defer SetOutput(prev)

	ctx := WithTag(context.Background(), "client", "127.0.0.1:5432")
	Infof(ctx, "accepted connection")

	require.Contains(t, buf.String(), "client=127.0.0.1:5432")
	require.Contains(t, buf.String(), "accepted connection")
}

func TestWarningfAndErrorfSeverityTags(t *testing.T) {
	var buf bytes.Buffer
	prev := std
	SetOutput(New(log.New(&buf, "", 0)))
	defer SetOutput(prev)

	Warningf(context.Background(), "slow query: %dms", 500)
	Errorf(context.Background(), "backend connection lost")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 2)
	require.Contains(t, lines[0], "WARN")
	require.Contains(t, lines[1], "ERROR")
}
