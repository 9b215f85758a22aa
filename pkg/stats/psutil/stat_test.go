package psutil

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestHostUsage(t *testing.T) {
	ds, err := New(Options{Load: true})
	require.NoError(t, err)
	require.Equal(t, DeltaStatNameHostUsage, ds.Metadata.Name)

	v, ok := ds.Valuer.Value(time.Second).(HostUsage)
	require.True(t, ok)
	require.Nil(t, v.CPU.Process)
	require.Nil(t, v.CPU.Individual)
	require.NotZero(t, v.Memory.Resident)

	v, ok = ds.Valuer.Value(time.Second).(HostUsage)
	require.True(t, ok)
	require.NotNil(t, v.CPU.Process)
	require.GreaterOrEqual(t, *v.CPU.Process, 0.0)
}
