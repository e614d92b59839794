package models

// ContainerState represents the lifecycle state of a sandbox container.
type ContainerState string

const (
	// ContainerStarting means the engine has been asked to create and launch.
	ContainerStarting ContainerState = "starting"
	// ContainerReady means cookies were harvested and teardown is safe.
	ContainerReady ContainerState = "ready"
	// ContainerRemoved means the container was stopped and deleted.
	ContainerRemoved ContainerState = "removed"
)
