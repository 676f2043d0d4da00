package util

import (
	"testing"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/require"
)

func newByViper(policy string, interval, maxTime time.Duration, maxCount int64) (BackoffFactory, error) {
	v := viper.New()
	v.Set(paramRetryInterval, interval)
	v.Set(paramRetryMaxCount, maxCount)
	v.Set(paramRetryMaxTime, maxTime)
	v.Set(paramRetryPolicy, policy)
	return GetRetryFromViper(v)
}

func TestDisabledRetries(t *testing.T) {
	t.Parallel()
	f, err := newByViper(policyDisabled, 10*time.Second, 10*time.Second, 10)
	require.NoError(t, err)

	bo := f()
	require.Equal(t, backoff.Stop, bo.NextBackOff())
}

func TestConstantIntervalMaxCount(t *testing.T) {
	t.Parallel()
	f, err := newByViper(policyConstant, 1*time.Second, 10*time.Second, 10)
	require.NoError(t, err)

	bo := f()
	for i := 0; i < 10; i++ {
		d := bo.NextBackOff()
		require.LessOrEqual(t, uint64(d), uint64(time.Second*2))
		require.GreaterOrEqual(t, uint64(d), uint64(time.Second/2))
	}
	require.Equal(t, backoff.Stop, bo.NextBackOff())
}

func TestInvalidPolicy(t *testing.T) {
	t.Parallel()
	_, err := newByViper("sometimes", time.Second, time.Second, 1)
	require.Error(t, err)
	_, err = newByViper(policyConstant, 0, time.Second, 1)
	require.Error(t, err)
}

func TestRetryTimes(t *testing.T) {
	t.Parallel()

	bo := NewRetryTimesFactory(time.Millisecond, 3)()
	for i := 0; i < 3; i++ {
		require.NotEqual(t, backoff.Stop, bo.NextBackOff())
	}
	require.Equal(t, backoff.Stop, bo.NextBackOff())

	bo = NewRetryTimesFactory(time.Millisecond, 0)()
	require.Equal(t, backoff.Stop, bo.NextBackOff())
}
