package ecsclient

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	ecstypes "github.com/aws/aws-sdk-go-v2/service/ecs/types"
	"github.com/cenkalti/backoff/v5"

	"github.com/openfroyo/deploycore/pkg/engine"
)

const (
	statusActive   = "ACTIVE"
	statusInactive = "INACTIVE"
)

// errNotReady is returned by a poll whose target state is not reached yet.
type errNotReady struct {
	reason string
}

func (e *errNotReady) Error() string { return e.reason }

// MaxAttempts returns ceil(timeout / delay), at least 1.
func MaxAttempts(timeout, delay time.Duration) int {
	if delay <= 0 || timeout <= 0 {
		return 1
	}
	n := int(timeout / delay)
	if timeout%delay != 0 {
		n++
	}
	if n < 1 {
		n = 1
	}
	return n
}

// IsSteady reports whether a described service is in steady state: ACTIVE, exactly one
// deployment, and running count equal to desired count.
func IsSteady(svc *ecstypes.Service) bool {
	if svc == nil || aws.ToString(svc.Status) != statusActive {
		return false
	}
	return len(svc.Deployments) == 1 && svc.RunningCount == svc.DesiredCount
}

// WaitUntilServicesStable polls the service every poll delay until it is steady or
// ceil(timeout / delay) attempts are used. Transient describe errors are retried;
// a missing or draining service stops the wait as RemoteRejected.
func (c *Client) WaitUntilServicesStable(ctx context.Context, infra engine.InfraConfig, serviceName string, timeout time.Duration) error {
	return c.waitFor(ctx, infra, serviceName, timeout, "WaitUntilServicesStable", func(svc *ecstypes.Service) error {
		if svc == nil {
			return engine.NewRemoteRejectedError(fmt.Sprintf("service %s not found", serviceName), nil).
				WithCode(engine.ErrCodeNotFound)
		}
		if status := aws.ToString(svc.Status); status != statusActive {
			return engine.NewRemoteRejectedError(fmt.Sprintf("service %s is %s", serviceName, status), nil)
		}
		if !IsSteady(svc) {
			return &errNotReady{reason: fmt.Sprintf("service %s has %d deployments, running %d of %d",
				serviceName, len(svc.Deployments), svc.RunningCount, svc.DesiredCount)}
		}
		return nil
	})
}

// WaitUntilServicesInactive polls until the service is INACTIVE or gone.
func (c *Client) WaitUntilServicesInactive(ctx context.Context, infra engine.InfraConfig, serviceName string, timeout time.Duration) error {
	return c.waitFor(ctx, infra, serviceName, timeout, "WaitUntilServicesInactive", func(svc *ecstypes.Service) error {
		if svc == nil || aws.ToString(svc.Status) == statusInactive {
			return nil
		}
		return &errNotReady{reason: fmt.Sprintf("service %s is %s", serviceName, aws.ToString(svc.Status))}
	})
}

// waitFor runs a bounded constant-delay poll over one scoped session.
func (c *Client) waitFor(ctx context.Context, infra engine.InfraConfig, serviceName string, timeout time.Duration, operation string, check func(*ecstypes.Service) error) error {
	attempts := MaxAttempts(timeout, c.pollDelay)

	_, err := withSession(ctx, c, infra, operation, serviceName, func(s *Session) (struct{}, error) {
		poll := func() (struct{}, error) {
			c.metrics.RecordSteadyStatePoll(operation)

			// Transient describe errors use up an attempt, anything else stops the wait
			svc, err := describeService(ctx, s, infra, serviceName)
			if err != nil {
				classified := Classify("DescribeServices", serviceName, err)
				if engine.IsTransient(classified) {
					return struct{}{}, classified
				}
				return struct{}{}, backoff.Permanent(classified)
			}

			if err := check(svc); err != nil {
				var notReady *errNotReady
				if errors.As(err, &notReady) {
					return struct{}{}, err
				}
				return struct{}{}, backoff.Permanent(err)
			}
			return struct{}{}, nil
		}

		_, err := backoff.Retry(ctx, poll,
			backoff.WithBackOff(backoff.NewConstantBackOff(c.pollDelay)),
			backoff.WithMaxTries(uint(attempts)),
			backoff.WithMaxElapsedTime(time.Duration(attempts)*c.pollDelay+time.Second),
		)
		if err == nil {
			return struct{}{}, nil
		}
		// Unwrap permanent errors
		var permanent *backoff.PermanentError
		if errors.As(err, &permanent) {
			err = permanent.Unwrap()
		}

		// Attempts ran out while not ready or still failing transiently
		var notReady *errNotReady
		if errors.As(err, &notReady) || engine.IsTransient(err) {
			return struct{}{}, engine.NewTimeoutError(
				fmt.Sprintf("%s did not finish after %d attempts", operation, attempts), err).
				WithDetail("attempts", attempts)
		}
		return struct{}{}, err
	})
	return err
}
