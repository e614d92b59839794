// Package runtime abstracts "start a sandbox, get its stream/debug endpoints"
// over two backends: a remote container engine and a hosted headless-browser
// provider used as fallback when no engine is reachable.
package runtime

import (
	"context"
	"errors"
	"strings"

	"github.com/recruitkit/puppetd/pkg/models"
)

// CloudIDPrefix marks container ids owned by the cloud adapter. There is no
// container lifecycle behind them, so stop can route on the id alone.
const CloudIDPrefix = "cloud-"

// StartSpec carries everything an adapter needs to launch a sandbox.
type StartSpec struct {
	SessionID string
	UserID    string
	Kind      models.RuntimeKind
	ProxyURL  string
}

// Instance describes a running sandbox.
type Instance struct {
	ContainerID string
	Kind        models.RuntimeKind
	StreamURL   string
	DebugURL    string
}

// Adapter starts and stops sandboxes.
type Adapter interface {
	Start(ctx context.Context, spec StartSpec) (*Instance, error)
	Stop(ctx context.Context, containerID string) error
}

// Availability holds structured facts for engine selection, so routing is
// unit-testable without filesystem or env probing.
type Availability struct {
	EngineReachable bool
	CloudConfigured bool
}

// ErrNoRuntime indicates no adapter can serve the requested kind.
var ErrNoRuntime = errors.New("runtime: no runtime available for request")

// Selector routes a start request to an adapter given availability facts.
type Selector interface {
	Select(kind models.RuntimeKind, avail Availability) (Adapter, error)
}

type selector struct {
	engine Adapter
	cloud  Adapter
}

// NewSelector builds the default routing policy: interactive-stream requests
// go to the engine; when the engine is unreachable and a cloud fallback is
// configured, they fall through to it. Explicit cloud requests always go to
// the cloud adapter.
func NewSelector(engine, cloud Adapter) Selector {
	return &selector{engine: engine, cloud: cloud}
}

func (s *selector) Select(kind models.RuntimeKind, avail Availability) (Adapter, error) {
	switch kind {
	case models.RuntimeCloud:
		if s.cloud == nil || !avail.CloudConfigured {
			return nil, ErrNoRuntime
		}
		return s.cloud, nil
	case models.RuntimeStream, "":
		if avail.EngineReachable && s.engine != nil {
			return s.engine, nil
		}
		if avail.CloudConfigured && s.cloud != nil {
			return s.cloud, nil
		}
		return nil, ErrNoRuntime
	default:
		return nil, ErrNoRuntime
	}
}

// IsCloudContainerID reports whether a container id belongs to the cloud
// adapter.
func IsCloudContainerID(id string) bool {
	return strings.HasPrefix(id, CloudIDPrefix)
}
