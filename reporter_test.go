package swagent

import (
	"bytes"
	"context"
	"testing"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type failingPublisher struct{}

func (failingPublisher) Publish(context.Context, Message) error {
	return errors.New("broker gone")
}

func TestReporterLogsWithOperationLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := zerolog.New(&buf).With().Str("operation_id", "op-7").Str("template_id", "516").Logger()
	ctx := logger.WithContext(context.Background())

	r, err := NewReporter(ReporterConfig{Publisher: failingPublisher{}})
	require.NoError(t, err)
	r.Executing(ctx, OperationSoftwareList)
	assert.Contains(t, buf.String(), `"operation_id":"op-7"`)
	assert.Contains(t, buf.String(), `"template_id":"516"`)
	assert.Contains(t, buf.String(), "publish smartrest message failed")

	buf.Reset()
	logInventoryErr(ctx, r.SyncInventory(ctx, nil), "software list")
	assert.Contains(t, buf.String(), `"operation_id":"op-7"`)
	assert.Contains(t, buf.String(), "inventory push skipped")
}

func TestReporterLogsGloballyOutsideOperation(t *testing.T) {
	saved := log.Logger
	t.Cleanup(func() { log.Logger = saved })
	var buf bytes.Buffer
	log.Logger = zerolog.New(&buf)

	r, err := NewReporter(ReporterConfig{Publisher: failingPublisher{}})
	require.NoError(t, err)
	r.SupportedOperations(context.Background())
	assert.Contains(t, buf.String(), "publish smartrest message failed")
}

func TestNoticesDropChannelFromVersion(t *testing.T) {
	pub := &recordingPublisher{}
	r, err := NewReporter(ReporterConfig{Publisher: pub})
	require.NoError(t, err)

	r.Notices(context.Background(), []AppliedItem{
		{SoftwareItem: SoftwareItem{Name: "hello", Version: "2.10##latest/stable", SoftwareType: SoftwareTypeSnap, Action: ActionUpdate}},
		{SoftwareItem: SoftwareItem{Name: "old", Version: "1.0##beta", Action: ActionDelete}},
		{SoftwareItem: SoftwareItem{Name: "curl", Version: "7.81.0", SoftwareType: SoftwareTypeApt, Action: ActionInstall}},
	})
	assert.Equal(t, []string{
		"141,hello,2.10,snap,",
		"142,old,1.0",
		"141,curl,7.81.0,apt,",
	}, pub.Lines())
}
