package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/songzhibin97/coach-workflow/chatcontext"
	"github.com/songzhibin97/coach-workflow/registry"
	"github.com/songzhibin97/coach-workflow/storage"
	"github.com/songzhibin97/coach-workflow/timeline"
	"github.com/songzhibin97/coach-workflow/types"
	"github.com/songzhibin97/coach-workflow/workflow"
)

// MountRequest describes the conversation a host is opening.
type MountRequest struct {
	DefinitionID string
	InstanceID   string // generated when empty
	Launch       types.LaunchContext

	// Snapshot is a raw workspace digest. It is clamped to the snapshot
	// budget. SnapshotSources, when set, are described and take precedence.
	Snapshot        string
	SnapshotSources []chatcontext.SnapshotSource
}

// Mount starts a session: it claims the instance, starts it at the first
// step and fixes the launch text for the whole mount.
func (o *Orchestrator) Mount(ctx context.Context, req MountRequest) error {
	if o.Mounted() {
		return ErrAlreadyMounted
	}
	def, ok := o.registry.Lookup(req.DefinitionID)
	if !ok {
		return fmt.Errorf("%w: %s", registry.ErrDefinitionNotFound, req.DefinitionID)
	}

	snapshot := req.Snapshot
	if len(req.SnapshotSources) > 0 {
		snapshot, _ = chatcontext.BuildWorkspaceSnapshot(ctx, o.logger, o.snapshotMaxChars, req.SnapshotSources...)
	} else {
		snapshot, _ = chatcontext.ClampSnapshot(snapshot, o.snapshotMaxChars)
	}
	launchText := chatcontext.ComposeLaunchText(req.Launch, snapshot)

	instanceID := req.InstanceID
	if instanceID == "" {
		instanceID = uuid.NewString()
	}
	sess, err := o.openSession(ctx, def, instanceID)
	if err != nil {
		return err
	}

	var out []captured
	o.mu.Lock()
	if o.sess != nil {
		o.mu.Unlock()
		o.releaseLease(ctx, sess)
		return ErrAlreadyMounted
	}
	o.sess = sess
	o.seen = make(map[string]bool)
	o.launchText = launchText
	o.summary = ""
	if !o.started {
		o.started = true
		out = append(out, captured{name: eventStarted, props: o.baseProps(sess)})
	}
	out = o.stepViewedLocked(sess, out)
	o.mu.Unlock()

	o.logger.Info("workflow mounted",
		"definition_id", def.ID,
		"instance_id", instanceID,
		"launch_source", req.Launch.Source)
	o.emit(out)
	return nil
}

// SetDefinition switches the mounted conversation to another definition.
// The current instance is torn down and a fresh one started; in-flight
// continuations of the old session are discarded when they resolve.
func (o *Orchestrator) SetDefinition(ctx context.Context, definitionID string) error {
	o.mu.Lock()
	cur := o.sess
	o.mu.Unlock()
	if cur == nil {
		return ErrNotMounted
	}
	if cur.definition.ID == definitionID {
		return nil
	}
	def, ok := o.registry.Lookup(definitionID)
	if !ok {
		return fmt.Errorf("%w: %s", registry.ErrDefinitionNotFound, definitionID)
	}
	next, err := o.openSession(ctx, def, uuid.NewString())
	if err != nil {
		return err
	}

	var out []captured
	o.mu.Lock()
	if o.sess != cur {
		o.mu.Unlock()
		o.releaseLease(ctx, next)
		return ErrStaleSession
	}
	o.sess = next
	out = o.abandonedLocked(cur, out)
	out = o.stepViewedLocked(next, out)
	o.mu.Unlock()

	o.releaseLease(ctx, cur)
	o.logger.Info("workflow definition changed",
		"from", cur.definition.ID,
		"to", def.ID,
		"instance_id", next.instance.ID())
	o.emit(out)
	return nil
}

// Unmount ends the session. An instance that never completed is reported
// as abandoned, using its state at this moment.
func (o *Orchestrator) Unmount(ctx context.Context) error {
	var out []captured
	o.mu.Lock()
	sess := o.sess
	if sess == nil {
		o.mu.Unlock()
		return ErrNotMounted
	}
	o.sess = nil
	o.started = false
	o.seen = nil
	o.launchText = ""
	o.summary = ""
	out = o.abandonedLocked(sess, out)
	o.mu.Unlock()

	o.releaseLease(ctx, sess)
	o.logger.Info("workflow unmounted",
		"definition_id", sess.definition.ID,
		"instance_id", sess.instance.ID(),
		"status", sess.instance.Status())
	o.emit(out)
	return nil
}

// RenewLease extends ownership of the active instance. Sessions renew on
// their own every half TTL; this forces a renewal now. Losing the lease to
// another owner detaches the session.
func (o *Orchestrator) RenewLease(ctx context.Context) error {
	h, err := o.Current()
	if err != nil {
		return err
	}
	return o.renew(ctx, h.sess)
}

func (o *Orchestrator) renew(ctx context.Context, sess *session) error {
	err := o.leaser.Acquire(ctx, sess.instance.ID(), o.owner, o.leaseTTL)
	if errors.Is(err, storage.ErrLeaseHeld) {
		o.detach(sess)
		return fmt.Errorf("%w: %s", ErrInstanceInUse, sess.instance.ID())
	}
	return err
}

// keepalive renews sess's lease until the session is released.
func (o *Orchestrator) keepalive(sess *session) {
	ctx, cancel := context.WithCancel(context.Background())
	sess.cancel = cancel
	sess.done = make(chan struct{})

	interval := o.leaseTTL / 2
	if interval <= 0 {
		interval = time.Millisecond
	}
	go func() {
		defer close(sess.done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
			err := o.renew(ctx, sess)
			switch {
			case err == nil, ctx.Err() != nil:
			case errors.Is(err, ErrInstanceInUse):
				return
			default:
				o.logger.Warn("failed to renew instance lease",
					"instance_id", sess.instance.ID(),
					"error", err)
			}
		}
	}()
}

// detach drops sess after its lease went to another owner. Handles bound
// to it go stale.
func (o *Orchestrator) detach(sess *session) {
	o.mu.Lock()
	if o.sess != sess {
		o.mu.Unlock()
		return
	}
	o.sess = nil
	o.started = false
	o.seen = nil
	o.launchText = ""
	o.summary = ""
	o.mu.Unlock()

	o.logger.Warn("instance lease lost, session detached",
		"definition_id", sess.definition.ID,
		"instance_id", sess.instance.ID())
}

func (o *Orchestrator) openSession(ctx context.Context, def types.WorkflowDefinition, instanceID string) (*session, error) {
	if err := o.leaser.Acquire(ctx, instanceID, o.owner, o.leaseTTL); err != nil {
		if errors.Is(err, storage.ErrLeaseHeld) {
			return nil, fmt.Errorf("%w: %s", ErrInstanceInUse, instanceID)
		}
		return nil, fmt.Errorf("failed to claim instance %s: %w", instanceID, err)
	}
	inst, err := workflow.NewInstance(instanceID, def, workflow.WithTransitionHook(o.logTransition))
	if err == nil {
		err = inst.Start()
	}
	if err != nil {
		_ = o.leaser.Release(ctx, instanceID, o.owner)
		return nil, err
	}
	sess := &session{
		definition: def,
		instance:   inst,
		timeline:   timeline.New(o.nextID),
	}
	o.keepalive(sess)
	return sess, nil
}

func (o *Orchestrator) logTransition(tr workflow.Transition) {
	o.logger.Debug("workflow step completed",
		"instance_id", tr.InstanceID,
		"step_id", tr.FromStepID,
		"next_step_id", tr.ToStepID,
		"completed", tr.Completed)
}

// releaseLease must not be called with o.mu held.
func (o *Orchestrator) releaseLease(ctx context.Context, sess *session) {
	sess.stopKeepalive()
	if err := o.leaser.Release(ctx, sess.instance.ID(), o.owner); err != nil {
		o.logger.Warn("failed to release instance lease",
			"instance_id", sess.instance.ID(),
			"error", err)
	}
}
