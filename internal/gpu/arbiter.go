// Package gpu decides whether a GPU memory request fits the devices on this
// host right now, and on which device it should run.
//
// Capacity is never cached: every decision starts from a fresh telemetry
// query, since other tenants allocate and release memory outside the queue.
package gpu

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// CapacityExceededError the request is larger than all installed memory and
// can never be admitted
type CapacityExceededError struct {
	Requested int
	Total     int
}

func (e *CapacityExceededError) Error() string {
	return fmt.Sprintf("requested %d MB of GPU memory but only %d MB are installed", e.Requested, e.Total)
}

// AssignmentKind where an admitted job runs
type AssignmentKind int

const (
	// AssignNone CPU-only job
	AssignNone AssignmentKind = iota
	// AssignSingle one device holds the whole request
	AssignSingle
	// AssignMulti the request spans several devices
	AssignMulti
)

// Assignment an admission decision
type Assignment struct {
	Kind   AssignmentKind
	Device int
}

// DeviceArg the argument appended to a job command: nothing for CPU-only,
// deviceFlag formatted with the index for a single device, multiFlag for
// spanning jobs.
func (a Assignment) DeviceArg(deviceFlag, multiFlag string) string {
	switch a.Kind {
	case AssignSingle:
		if deviceFlag == "" {
			return ""
		}
		if strings.Contains(deviceFlag, "%") {
			return fmt.Sprintf(deviceFlag, a.Device)
		}
		return fmt.Sprintf("%s%d", deviceFlag, a.Device)
	case AssignMulti:
		return multiFlag
	default:
		return ""
	}
}

func (a Assignment) String() string {
	switch a.Kind {
	case AssignSingle:
		return fmt.Sprintf("gpu:%d", a.Device)
	case AssignMulti:
		return "multi-gpu"
	default:
		return "cpu"
	}
}

// Arbiter admits GPU memory requests against live telemetry
type Arbiter struct {
	telemetry Telemetry
	log       logrus.FieldLogger
}

// NewArbiter creates an arbiter reading from t
func NewArbiter(t Telemetry, log logrus.FieldLogger) *Arbiter {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Arbiter{telemetry: t, log: log}
}

// Snapshot queries the devices
func (a *Arbiter) Snapshot(ctx context.Context) (Snapshot, error) {
	devices, err := a.telemetry.Query(ctx)
	if err != nil {
		return Snapshot{}, errors.Wrap(err, "query GPU telemetry")
	}
	return Snapshot{Devices: devices}, nil
}

// Admit decides a request of requestedMB. ok is false when the request fits
// the installed devices but not their current free memory.
func (a *Arbiter) Admit(ctx context.Context, requestedMB int) (Assignment, bool, error) {
	if requestedMB <= 0 {
		return Assignment{Kind: AssignNone}, true, nil
	}

	snap, err := a.Snapshot(ctx)
	if err != nil {
		return Assignment{}, false, err
	}
	return decide(snap, requestedMB)
}

func decide(snap Snapshot, requestedMB int) (Assignment, bool, error) {
	if total := snap.Total(); requestedMB > total {
		return Assignment{}, false, &CapacityExceededError{Requested: requestedMB, Total: total}
	}

	if snap.LargestDevice() >= requestedMB {
		best, bestFree := -1, -1
		for _, d := range snap.Devices {
			if free := d.Free(); free >= requestedMB && free > bestFree {
				best, bestFree = d.Index, free
			}
		}
		if best < 0 {
			return Assignment{}, false, nil
		}
		return Assignment{Kind: AssignSingle, Device: best}, true, nil
	}

	if snap.Free() >= requestedMB {
		return Assignment{Kind: AssignMulti}, true, nil
	}
	return Assignment{}, false, nil
}

// errNotYetAvailable drives the retry loop in AwaitCapacity
var errNotYetAvailable = errors.New("gpu capacity not yet available")

// AwaitCapacity polls Admit every poll until the request is admitted. A
// CapacityExceededError is returned at once. Telemetry failures are logged and
// retried. Cancelling ctx stops the wait.
func (a *Arbiter) AwaitCapacity(ctx context.Context, requestedMB int, poll time.Duration) (Assignment, error) {
	var (
		assigned Assignment
		attempts int
	)

	op := func() error {
		attempts++
		as, ok, err := a.Admit(ctx, requestedMB)
		var capErr *CapacityExceededError
		switch {
		case errors.As(err, &capErr):
			return backoff.Permanent(err)
		case err != nil:
			a.log.WithError(err).Warn("GPU telemetry failed, retrying")
			return err
		case !ok:
			if attempts == 1 {
				a.log.WithField("requested_mb", requestedMB).Info("waiting for free GPU memory")
			}
			return errNotYetAvailable
		}
		assigned = as
		return nil
	}

	b := backoff.WithContext(backoff.NewConstantBackOff(poll), ctx)
	if err := backoff.Retry(op, b); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return Assignment{}, ctxErr
		}
		return Assignment{}, err
	}
	return assigned, nil
}
