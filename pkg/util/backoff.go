package util

import (
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/spf13/viper"
)

const (
	paramRetryInterval = "retry-interval"  // constant
	paramRetryMaxCount = "retry-max-count" // constant + exponential
	paramRetryMaxTime  = "retry-max-time"  // constant + exponential
	paramRetryPolicy   = "retry-policy"

	defaultRetryInterval = 500 * time.Millisecond
	defaultRetryMaxCount = 3
	defaultRetryMaxTime  = 5 * time.Second
	defaultRetryPolicy   = policyExponential

	policyConstant    = "constant"
	policyDisabled    = "disabled"
	policyExponential = "exponential"
)

type BackoffFactory func() backoff.BackOff

// NewBackoffFactory creates a new BackoffFactory based on a backoff.ExponentialBackoff.  A multiplier of 1.0
// gives a constant interval with randomization.  A maxElapsedTime of zero never stops on elapsed time, a
// maxRetries of zero never stops on count.
func NewBackoffFactory(multiplier float64, maxElapsedTime, interval time.Duration, maxRetries uint64) BackoffFactory {
	return func() backoff.BackOff {
		bo := backoff.NewExponentialBackOff()
		bo.Multiplier = multiplier
		bo.MaxElapsedTime = maxElapsedTime
		bo.InitialInterval = interval
		bo.Reset() // Reset is required to make the InitialInterval change take effect.
		if maxRetries == 0 {
			return bo
		}
		return backoff.WithMaxRetries(bo, maxRetries)
	}
}

// NewRetryTimesFactory returns exponential backoff starting at interval which gives up after exactly
// retryTimes retries.  A retryTimes of zero means a single attempt.
func NewRetryTimesFactory(interval time.Duration, retryTimes int) BackoffFactory {
	if retryTimes <= 0 {
		return func() backoff.BackOff { return &backoff.StopBackOff{} }
	}
	return NewBackoffFactory(backoff.DefaultMultiplier, 0, interval, uint64(retryTimes))
}

// GetRetryFromViper reads a retry policy from v.
func GetRetryFromViper(v *viper.Viper) (BackoffFactory, error) {
	v.SetDefault(paramRetryInterval, defaultRetryInterval)
	v.SetDefault(paramRetryMaxCount, defaultRetryMaxCount)
	v.SetDefault(paramRetryMaxTime, defaultRetryMaxTime)
	v.SetDefault(paramRetryPolicy, defaultRetryPolicy)

	retryInterval := v.GetDuration(paramRetryInterval)
	retryMaxCount := v.GetInt64(paramRetryMaxCount)
	retryMaxTime := v.GetDuration(paramRetryMaxTime)
	retryPolicy := v.GetString(paramRetryPolicy)

	if retryInterval <= 0 {
		return nil, errors.New(paramRetryInterval + " must be positive")
	}
	if retryMaxCount < 0 {
		return nil, errors.New(paramRetryMaxCount + " must be zero or positive")
	}
	if retryMaxTime <= 0 {
		return nil, errors.New(paramRetryMaxTime + " must be positive")
	}

	switch retryPolicy {
	case policyDisabled:
		return func() backoff.BackOff { return &backoff.StopBackOff{} }, nil
	case policyExponential:
		return NewBackoffFactory(backoff.DefaultMultiplier, retryMaxTime, retryInterval, uint64(retryMaxCount)), nil
	case policyConstant:
		return NewBackoffFactory(1.0, retryMaxTime, retryInterval, uint64(retryMaxCount)), nil
	default:
		return nil, fmt.Errorf("%s (%s) not one of %s, %s, or %s", paramRetryPolicy, retryPolicy, policyDisabled, policyConstant, policyExponential)
	}
}
