// Package orchestrator drives the sandbox session lifecycle: start a sandbox
// for a user, persist the session and container records, and tear everything
// down on stop. It owns the "at most one live sandbox per user" rule.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/recruitkit/puppetd/internal/proxy"
	"github.com/recruitkit/puppetd/internal/runtime"
	"github.com/recruitkit/puppetd/internal/store"
	"github.com/recruitkit/puppetd/pkg/models"
)

var (
	// ErrMissingUser means the start request carried no user id.
	ErrMissingUser = errors.New("orchestrator: userId is required")
	// ErrInvalidRuntime means the requested runtime kind is unknown.
	ErrInvalidRuntime = errors.New("orchestrator: invalid runtime kind")
)

// AvailabilityProbe reports which runtimes can serve a request right now.
type AvailabilityProbe func(ctx context.Context) runtime.Availability

// Orchestrator coordinates store, proxy assignment and runtime adapters.
type Orchestrator struct {
	store    *store.Store
	assigner *proxy.Assigner
	selector runtime.Selector
	engine   runtime.Adapter
	cloud    runtime.Adapter
	probe    AvailabilityProbe
	log      *zap.Logger
}

func New(st *store.Store, assigner *proxy.Assigner, engine, cloud runtime.Adapter,
	probe AvailabilityProbe, log *zap.Logger) *Orchestrator {
	return &Orchestrator{
		store:    st,
		assigner: assigner,
		selector: runtime.NewSelector(engine, cloud),
		engine:   engine,
		cloud:    cloud,
		probe:    probe,
		log:      log,
	}
}

// StartSession provisions a sandbox for the user and returns its stream URL.
// A user who already has a live sandbox gets it replaced: the old container is
// stopped best-effort and the session row is reset to pending under a fresh
// session id.
func (o *Orchestrator) StartSession(ctx context.Context, req models.StartSessionRequest) (*models.StartSessionResponse, error) {
	if req.UserID == "" {
		return nil, ErrMissingUser
	}
	if req.Runtime != "" && !req.Runtime.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidRuntime, req.Runtime)
	}

	o.reapExisting(ctx, req.UserID)

	sessionID := uuid.NewString()
	proxyURL := req.ProxyURL
	if proxyURL == "" {
		assigned, err := o.assigner.Assign(ctx, req.UserID)
		if err != nil {
			return nil, err
		}
		proxyURL = assigned
	}

	// The pending row exists before provisioning so a crashed start leaves a
	// visible record instead of an orphaned container with no owner.
	if err := o.store.UpsertSession(ctx, &store.Session{
		ID:     sessionID,
		UserID: req.UserID,
		Status: models.SessionPending,
	}); err != nil {
		return nil, fmt.Errorf("orchestrator: persist session: %w", err)
	}

	adapter, err := o.selector.Select(req.Runtime, o.probe(ctx))
	if err != nil {
		return nil, err
	}

	inst, err := adapter.Start(ctx, runtime.StartSpec{
		SessionID: sessionID,
		UserID:    req.UserID,
		Kind:      req.Runtime,
		ProxyURL:  proxyURL,
	})
	if err != nil {
		return nil, fmt.Errorf("orchestrator: start sandbox: %w", err)
	}

	if err := o.store.SaveContainer(ctx, &store.Container{
		ID:        inst.ContainerID,
		SessionID: sessionID,
		Kind:      inst.Kind,
		State:     models.ContainerStarting,
		StreamURL: inst.StreamURL,
		DebugURL:  inst.DebugURL,
	}); err != nil {
		return nil, fmt.Errorf("orchestrator: persist container: %w", err)
	}
	if err := o.store.SetSessionContainer(ctx, sessionID, inst.ContainerID); err != nil {
		return nil, fmt.Errorf("orchestrator: link container: %w", err)
	}

	o.log.Info("sandbox session started",
		zap.String("session_id", sessionID),
		zap.String("user_id", req.UserID),
		zap.String("container_id", inst.ContainerID),
		zap.String("runtime", string(inst.Kind)))

	return &models.StartSessionResponse{
		SessionID:   sessionID,
		ContainerID: inst.ContainerID,
		StreamURL:   inst.StreamURL,
		Runtime:     inst.Kind,
		StartedAt:   time.Now(),
	}, nil
}

// reapExisting stops whatever sandbox the user's previous session points at.
// Failures are logged and ignored: the container may already be gone, and a
// stale record must never block a fresh start.
func (o *Orchestrator) reapExisting(ctx context.Context, userID string) {
	prev, err := o.store.GetSessionByUser(ctx, userID)
	if err != nil {
		return
	}
	if prev.ContainerID == "" {
		return
	}
	if err := o.adapterFor(prev.ContainerID).Stop(ctx, prev.ContainerID); err != nil {
		o.log.Warn("stopping superseded sandbox failed",
			zap.String("container_id", prev.ContainerID), zap.Error(err))
	}
	if err := o.store.SetContainerState(ctx, prev.ContainerID, models.ContainerRemoved); err != nil {
		o.log.Warn("marking superseded container removed failed", zap.Error(err))
	}
}

// StopSession tears the sandbox down and expires the session. Stop is
// idempotent: a missing container record or an already-gone container does
// not fail the call.
func (o *Orchestrator) StopSession(ctx context.Context, sessionID string) error {
	sess, err := o.store.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}

	if sess.ContainerID != "" {
		if err := o.adapterFor(sess.ContainerID).Stop(ctx, sess.ContainerID); err != nil {
			o.log.Warn("stopping sandbox failed",
				zap.String("container_id", sess.ContainerID), zap.Error(err))
		}
		if err := o.store.SetContainerState(ctx, sess.ContainerID, models.ContainerRemoved); err != nil {
			o.log.Warn("marking container removed failed", zap.Error(err))
		}
	}

	if err := o.store.ExpireSession(ctx, sessionID); err != nil {
		return fmt.Errorf("orchestrator: expire session: %w", err)
	}
	o.log.Info("sandbox session stopped", zap.String("session_id", sessionID))
	return nil
}

// adapterFor routes a stop to the adapter that owns the container id.
func (o *Orchestrator) adapterFor(containerID string) runtime.Adapter {
	if runtime.IsCloudContainerID(containerID) && o.cloud != nil {
		return o.cloud
	}
	return o.engine
}

// DebugURL resolves the remote-debug endpoint of the live sandbox backing a
// session, for the cookie harvester.
func (o *Orchestrator) DebugURL(ctx context.Context, sessionID string) (string, error) {
	c, err := o.store.GetContainerBySession(ctx, sessionID)
	if err != nil {
		return "", err
	}
	if c.DebugURL == "" {
		return "", fmt.Errorf("orchestrator: container %s exposes no debug endpoint", c.ID)
	}
	return c.DebugURL, nil
}
