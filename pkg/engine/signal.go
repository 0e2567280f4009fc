package engine

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/petrijr/chirp/internal/history"
	"github.com/petrijr/chirp/internal/wfdb"
	"github.com/petrijr/chirp/pkg/id"
	"github.com/petrijr/chirp/pkg/ups"
)

// Listen waits for the next signal with the given name, decoding its body
// into T. If none is pending after the in-process poll window the run
// suspends until one arrives.
func Listen[T any](c *Ctx, name string) (T, error) {
	var out T
	sig, err := c.ListenAny(name)
	if err != nil {
		return out, err
	}
	if len(sig.Body) > 0 {
		if err := json.Unmarshal(sig.Body, &out); err != nil {
			return out, fmt.Errorf("%w: decode signal %s body: %v", ErrSerialization, name, err)
		}
	}
	return out, nil
}

// ListenAny waits for the next signal matching any of the names.
func (c *Ctx) ListenAny(names ...string) (*wfdb.SignalData, error) {
	if len(names) == 0 {
		return nil, errors.New("engine: listen with no signal names")
	}

	outcome, rec, err := c.cursor.CompareSignal(c.version)
	if err != nil {
		return nil, err
	}
	loc := c.cursor.LocationFor(outcome)

	if outcome == history.OutcomeReplay {
		if !containsName(names, rec.Name) {
			return nil, fmt.Errorf("%w: expected signal in %v at %s, found signal %q",
				history.ErrHistoryDiverged, names, loc, rec.Name)
		}
		c.cursor.Update(loc)
		return &wfdb.SignalData{SignalID: rec.SignalID, Name: rec.Name, Body: rec.Body}, nil
	}

	for try := 0; try < c.cfg.SignalPollTries; try++ {
		lastTry := try == c.cfg.SignalPollTries-1
		sig, err := c.db.PullNextSignal(c.ctx, c.workflowID, names, loc, c.version, lastTry)
		if err == nil {
			c.cursor.Update(loc)
			return sig, nil
		}
		if !errors.Is(err, wfdb.ErrNoSignal) {
			return nil, err
		}
		if !lastTry {
			select {
			case <-c.ctx.Done():
				return nil, c.ctx.Err()
			case <-time.After(c.cfg.SignalPollInterval):
			}
		}
	}
	return nil, suspend(wfdb.WakeConditions{Signals: names})
}

// ListenWithTimeout waits for a signal for at most timeout. It returns
// received=false when the timeout elapses first. The wait is recorded as a
// sleep event; a signal arriving in time interrupts it.
func ListenWithTimeout[T any](c *Ctx, timeout time.Duration, name string) (T, bool, error) {
	var out T
	sig, err := c.listenWithTimeout(timeout, name)
	if err != nil || sig == nil {
		return out, false, err
	}
	if len(sig.Body) > 0 {
		if err := json.Unmarshal(sig.Body, &out); err != nil {
			return out, false, fmt.Errorf("%w: decode signal %s body: %v", ErrSerialization, name, err)
		}
	}
	return out, true, nil
}

// listenWithTimeout returns nil with no error when the timeout won.
func (c *Ctx) listenWithTimeout(timeout time.Duration, names ...string) (*wfdb.SignalData, error) {
	outcome, rec, err := c.cursor.CompareSleep(c.version)
	if err != nil {
		return nil, err
	}
	sleepLoc := c.cursor.LocationFor(outcome)

	var deadline int64
	interrupted := false
	if outcome == history.OutcomeReplay {
		deadline = rec.DeadlineTS
		interrupted = rec.State == history.SleepInterrupted
		c.cursor.Update(sleepLoc)
		if rec.State == history.SleepCompleted {
			return nil, nil
		}
	} else {
		deadline = c.now() + timeout.Milliseconds()
		if err := c.db.CommitSleepEvent(c.ctx, c.workflowID, sleepLoc, c.version, deadline); err != nil {
			return nil, err
		}
		c.cursor.Update(sleepLoc)
	}

	sigOutcome, sigRec, err := c.cursor.CompareSignal(c.version)
	if err != nil {
		return nil, err
	}
	sigLoc := c.cursor.LocationFor(sigOutcome)

	if sigOutcome == history.OutcomeReplay {
		if !containsName(names, sigRec.Name) {
			return nil, fmt.Errorf("%w: expected signal in %v at %s, found signal %q",
				history.ErrHistoryDiverged, names, sigLoc, sigRec.Name)
		}
		// The interrupt mark is written after the signal event, so a crash
		// between the two is healed here.
		if !interrupted {
			if err := c.db.UpdateSleepEventState(c.ctx, c.workflowID, sleepLoc, history.SleepInterrupted); err != nil {
				return nil, err
			}
		}
		c.cursor.Update(sigLoc)
		return &wfdb.SignalData{SignalID: sigRec.SignalID, Name: sigRec.Name, Body: sigRec.Body}, nil
	}

	for try := 0; try < c.cfg.SignalPollTries; try++ {
		lastTry := try == c.cfg.SignalPollTries-1
		sig, err := c.db.PullNextSignal(c.ctx, c.workflowID, names, sigLoc, c.version, lastTry)
		if err == nil {
			if err := c.db.UpdateSleepEventState(c.ctx, c.workflowID, sleepLoc, history.SleepInterrupted); err != nil {
				return nil, err
			}
			c.cursor.Update(sigLoc)
			return sig, nil
		}
		if !errors.Is(err, wfdb.ErrNoSignal) {
			return nil, err
		}
		if c.now() >= deadline {
			if err := c.db.UpdateSleepEventState(c.ctx, c.workflowID, sleepLoc, history.SleepCompleted); err != nil {
				return nil, err
			}
			return nil, nil
		}
		if !lastTry {
			select {
			case <-c.ctx.Done():
				return nil, c.ctx.Err()
			case <-time.After(c.cfg.SignalPollInterval):
			}
		}
	}
	return nil, suspend(wfdb.WakeConditions{Signals: names, DeadlineTS: deadline})
}

func containsName(names []string, name string) bool {
	for _, n := range names {
		if n == name {
			return true
		}
	}
	return false
}

// SignalBuilder stages an outgoing signal. Exactly one of To or Tags must
// be set before Send.
type SignalBuilder struct {
	c    *Ctx
	name string
	body any
	to   id.Id
	tags map[string]string
}

// Signal starts building a signal with the given name and body.
func (c *Ctx) Signal(name string, body any) *SignalBuilder {
	return &SignalBuilder{c: c, name: name, body: body}
}

// To addresses the signal to a specific run.
func (b *SignalBuilder) To(workflowID id.Id) *SignalBuilder {
	b.to = workflowID
	return b
}

// Tags addresses the signal to any run whose tags cover the given set.
func (b *SignalBuilder) Tags(tags map[string]string) *SignalBuilder {
	b.tags = tags
	return b
}

// Send publishes the signal, once per call site in the run's life, and
// returns its id.
func (b *SignalBuilder) Send() (id.Id, error) {
	c := b.c
	if b.to.IsNil() == (len(b.tags) == 0) {
		return id.Nil, errors.New("engine: signal needs exactly one of a target id or tags")
	}

	outcome, rec, err := c.cursor.CompareSignalSend(c.version, b.name)
	if err != nil {
		return id.Nil, err
	}
	loc := c.cursor.LocationFor(outcome)

	if outcome == history.OutcomeReplay {
		c.cursor.Update(loc)
		return rec.SignalID, nil
	}

	body, err := json.Marshal(b.body)
	if err != nil {
		return id.Nil, fmt.Errorf("%w: encode signal %s body: %v", ErrSerialization, b.name, err)
	}
	sigID := id.New(c.cfg.DC)
	if !b.to.IsNil() {
		err = c.db.PublishSignalFromWorkflow(c.ctx, c.workflowID, loc, c.version, c.rayID, b.to, sigID, b.name, body)
	} else {
		err = c.db.PublishTaggedSignalFromWorkflow(c.ctx, c.workflowID, loc, c.version, c.rayID, b.tags, sigID, b.name, body)
	}
	if err != nil {
		return id.Nil, err
	}
	c.cursor.Update(loc)
	return sigID, nil
}

// messageEnvelope is the wire form of a broadcast message. The message name
// lives in the subject, not the envelope.
type messageEnvelope struct {
	RayID          id.Id             `json:"ray_id"`
	ReqID          id.Id             `json:"req_id"`
	Tags           map[string]string `json:"tags,omitempty"`
	TS             int64             `json:"ts"`
	Body           json.RawMessage   `json:"body"`
	AllowRecursive bool              `json:"allow_recursive"`
}

// MsgBuilder stages a broadcast message. Messages are fire-and-forget bus
// publishes with no durability; subscribers that are down miss them.
type MsgBuilder struct {
	c              *Ctx
	name           string
	body           any
	tags           map[string]string
	allowRecursive bool
}

// Msg starts building a broadcast message.
func (c *Ctx) Msg(name string, body any) *MsgBuilder {
	return &MsgBuilder{c: c, name: name, body: body}
}

// Tags attaches routing tags for subscribers to filter on.
func (b *MsgBuilder) Tags(tags map[string]string) *MsgBuilder {
	b.tags = tags
	return b
}

// AllowRecursive marks the message consumable by the workflow that sent it.
// Off by default to keep accidental self-triggering loops from forming.
func (b *MsgBuilder) AllowRecursive() *MsgBuilder {
	b.allowRecursive = true
	return b
}

// Send publishes the message, once per call site in the run's life.
func (b *MsgBuilder) Send() error {
	return b.send()
}

// SendWait publishes the message and waits for the bus to accept it. The
// wait covers the publish call only, not delivery.
func (b *MsgBuilder) SendWait() error {
	return b.send()
}

func (b *MsgBuilder) send() error {
	c := b.c

	outcome, _, err := c.cursor.CompareMsg(c.version, b.name)
	if err != nil {
		return err
	}
	loc := c.cursor.LocationFor(outcome)

	if outcome == history.OutcomeReplay {
		c.cursor.Update(loc)
		return nil
	}

	body, err := json.Marshal(b.body)
	if err != nil {
		return fmt.Errorf("%w: encode message %s body: %v", ErrSerialization, b.name, err)
	}
	payload, err := json.Marshal(messageEnvelope{
		RayID:          c.rayID,
		ReqID:          id.New(c.cfg.DC),
		Tags:           b.tags,
		TS:             c.now(),
		Body:           body,
		AllowRecursive: b.allowRecursive,
	})
	if err != nil {
		return fmt.Errorf("%w: encode message %s: %v", ErrSerialization, b.name, err)
	}

	// The history event commits first: a crash between the two replays as
	// sent, which matches the at-most-once bus contract.
	if err := c.db.CommitMessageSendEvent(c.ctx, c.workflowID, loc, c.version, b.tags, b.name); err != nil {
		return err
	}
	c.cursor.Update(loc)

	// Tail and bus publish are both advisory once the send is in history;
	// failures degrade delivery, not correctness.
	if err := c.db.PublishMessage(c.ctx, b.name, b.tags, body, c.cfg.MessageTailTTL); err != nil {
		c.log.Warn("message tail write failed", "message", b.name, "error", err)
	}
	if err := c.bus.Publish(c.ctx, ups.MsgSubject(b.name), payload); err != nil {
		c.log.Warn("message publish failed", "message", b.name, "error", err)
	}
	return nil
}
