package models

// Repository is a source repository that sessions can be created from.
type Repository struct {
	ID               string `json:"id"`
	URL              string `json:"url"`
	CurrentVersionID string `json:"currentVersionId,omitempty"`
}

type VersionPhase string

const (
	VersionCloning  VersionPhase = "Cloning"
	VersionBuilding VersionPhase = "Building"
	VersionReady    VersionPhase = "Ready"
	VersionFailed   VersionPhase = "Failed"
)

// VersionState tracks the clone-and-build pipeline for one repository
// checkout. Progress is meaningful for Cloning and Building, Runtime for
// Ready, Reason for Failed.
type VersionState struct {
	Phase    VersionPhase       `json:"phase"`
	Progress int                `json:"progress,omitempty"`
	Runtime  *RuntimeDescriptor `json:"runtime,omitempty"`
	Reason   string             `json:"reason,omitempty"`
}

// RepositoryVersion is one built artifact derived from a repository checkout.
type RepositoryVersion struct {
	ID           string       `json:"id"`
	RepositoryID string       `json:"repositoryId"`
	State        VersionState `json:"state"`
}

// Port is one network port a session container declares, with the ingress
// path that should front it.
type Port struct {
	Name string `json:"name,omitempty"`
	Port int32  `json:"port"`
	Path string `json:"path"`
}

// RuntimeDescriptor is the parsed devcontainer output: everything needed to
// run a session container built from a repository version.
type RuntimeDescriptor struct {
	Image   string            `json:"image"`
	Env     map[string]string `json:"env,omitempty"`
	WebPort int32             `json:"webPort,omitempty"`
	Ports   []Port            `json:"ports,omitempty"`
}
