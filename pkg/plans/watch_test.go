package plans

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestCatalog_WatchReloadsOnChange(t *testing.T) {
	c := newTestCatalog(t, map[string]string{"intake.yaml": intakeYAML})
	require.NoError(t, c.Reload())
	require.Nil(t, c.FindPlan("care-gaps"))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, c.Watch(ctx, 20*time.Millisecond))

	writeFiles(t, c.Dir(), map[string]string{"gaps.json": careGapsJSON})

	require.Eventually(t, func() bool {
		return c.FindPlan("care-gaps") != nil
	}, 5*time.Second, 20*time.Millisecond)
}
