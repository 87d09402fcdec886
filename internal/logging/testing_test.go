package logging

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func TestTestLogger(t *testing.T) {
	tl := NewTestLogger()
	ctx := WithTask(context.Background(), TaskInfo{ID: "fix-auth"})
	tl.Debug(ctx, "gate decided", zap.String("decision", "ALLOW"))

	tl.AssertLogged(t, zapcore.DebugLevel, "gate decided")
	tl.AssertField(t, "gate", "decision", "ALLOW")
	tl.AssertField(t, "gate", "task.id", "fix-auth")
	assert.Len(t, tl.All(), 1)
	assert.Equal(t, 0, tl.FilterMessage("unrelated").Len())
}

func TestTestLogger_CatchesLeaks(t *testing.T) {
	tl := NewTestLogger()
	tl.Info(context.Background(), "oops", zap.String("api_token", "plain"))

	rec := &recordingTB{TB: t}
	tl.AssertNoSecrets(rec)
	assert.True(t, rec.failed)
}

type recordingTB struct {
	testing.TB
	failed bool
}

func (r *recordingTB) Helper()                       {}
func (r *recordingTB) Errorf(string, ...interface{}) { r.failed = true }
