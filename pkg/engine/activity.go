package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/petrijr/chirp/internal/history"
)

// ActivityDef declares a retryable unit of side-effectful work. The name
// is part of the run's replay identity and must stay stable across
// deployments.
type ActivityDef struct {
	Name string
	// MaxRetries bounds retries after the first attempt; 0 uses the
	// config default.
	MaxRetries int
	// Timeout bounds a single attempt; 0 uses the config default.
	Timeout time.Duration
	// Version gates the step for history inserted by newer workflow code;
	// 0 uses the context's version.
	Version int
}

// V returns a copy of the definition at the given version.
func (d ActivityDef) V(version int) ActivityDef {
	d.Version = version
	return d
}

// Activity runs def once per (name, input) call site in the run's life.
// On replay the recorded output is returned without executing fn. Live
// execution retries fn with exponential backoff until it succeeds, returns
// a Terminal error or exhausts its retries; a terminal failure is recorded
// and surfaces as *ActivityError here and on every replay after.
func Activity[I, O any](c *Ctx, def ActivityDef, input I, fn func(ctx context.Context, input I) (O, error)) (O, error) {
	var zero O

	encInput, err := json.Marshal(input)
	if err != nil {
		return zero, fmt.Errorf("%w: encode input for activity %s: %v", ErrSerialization, def.Name, err)
	}
	eventID := history.EventID{Name: def.Name, InputHash: hashInput(encInput)}
	version := def.Version
	if version == 0 {
		version = c.version
	}

	outcome, rec, err := c.cursor.CompareActivity(version, eventID)
	if err != nil {
		return zero, err
	}
	loc := c.cursor.LocationFor(outcome)

	if outcome == history.OutcomeReplay {
		c.cursor.Update(loc)
		if rec.Output == nil {
			return zero, &ActivityError{Name: def.Name, Attempts: len(rec.Errors), Errs: rec.Errors}
		}
		var out O
		if err := json.Unmarshal(rec.Output, &out); err != nil {
			return zero, fmt.Errorf("%w: decode recorded output for activity %s: %v", ErrSerialization, def.Name, err)
		}
		return out, nil
	}

	out, err := runActivity(c, def, version, eventID, loc, input, fn)
	c.cursor.Update(loc)
	return out, err
}

func runActivity[I, O any](c *Ctx, def ActivityDef, version int, eventID history.EventID, loc history.Location, input I, fn func(ctx context.Context, input I) (O, error)) (O, error) {
	var zero O

	maxRetries := def.MaxRetries
	if maxRetries <= 0 {
		maxRetries = c.cfg.ActivityDefaultMaxRetries
	}
	timeout := def.Timeout
	if timeout <= 0 {
		timeout = c.cfg.ActivityDefaultTimeout
	}

	createTS := c.now()
	attempts := 0
	var attemptErrs []string
	var storageErr error

	backoff := retry.WithMaxRetries(uint64(maxRetries), retry.NewExponential(100*time.Millisecond))

	var out O
	err := retry.Do(c.ctx, backoff, func(ctx context.Context) error {
		attempts++

		attemptCtx, cancel := context.WithTimeout(ctx, timeout)
		result, err := fn(attemptCtx, input)
		cancel()

		if err != nil {
			attemptErrs = append(attemptErrs, err.Error())
			c.log.Warn("activity attempt failed",
				"activity", def.Name, "attempt", attempts, "error", err)
			if cerr := c.db.CommitActivityEvent(c.ctx, c.workflowID, loc, version, eventID, createTS, nil, err.Error()); cerr != nil {
				storageErr = cerr
				return cerr
			}
			if isTerminal(err) {
				return err
			}
			return retry.RetryableError(err)
		}
		out = result
		return nil
	})
	if err != nil {
		if storageErr != nil {
			return zero, storageErr
		}
		return zero, &ActivityError{Name: def.Name, Attempts: attempts, Errs: attemptErrs}
	}

	encOut, err := json.Marshal(out)
	if err != nil {
		return zero, fmt.Errorf("%w: encode output for activity %s: %v", ErrSerialization, def.Name, err)
	}
	if err := c.db.CommitActivityEvent(c.ctx, c.workflowID, loc, version, eventID, createTS, encOut, ""); err != nil {
		return zero, err
	}
	return out, nil
}

// hashInput hashes the canonical JSON encoding of an activity input.
// encoding/json writes map keys sorted, so equal inputs hash equally.
func hashInput(encoded []byte) uint64 {
	h := fnv.New64a()
	h.Write(encoded)
	return h.Sum64()
}
