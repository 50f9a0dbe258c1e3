package log

import (
	"bytes"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetupLoggerRejectsUnknownLevel(t *testing.T) {
	err := SetupLogger("chatty")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "chatty")
}

func TestPionFactoryTagsScope(t *testing.T) {
	var buf bytes.Buffer
	logrus.SetOutput(&buf)
	logrus.SetLevel(logrus.DebugLevel)
	t.Cleanup(func() { logrus.SetLevel(logrus.InfoLevel) })

	l := PionFactory().NewLogger("ice")
	l.Warnf("candidate %d dropped", 3)

	out := buf.String()
	assert.Contains(t, out, "pion=ice")
	assert.Contains(t, out, "candidate 3 dropped")
}
