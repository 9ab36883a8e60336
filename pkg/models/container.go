package models

import (
	"time"
)

// Container is a named partition of object storage with its own access policies.
type Container struct {
	Name      string    `json:"name"`
	Public    bool      `json:"public"`
	CreatedAt time.Time `json:"created_at"`
}

// PolicyAction is the operation a policy grants.
type PolicyAction string

const (
	ActionRead  PolicyAction = "read"
	ActionWrite PolicyAction = "write"
)

// Principal is the class of caller a policy applies to.
type Principal string

const (
	// PrincipalPublic covers every caller, anonymous ones included.
	PrincipalPublic        Principal = "public"
	PrincipalAuthenticated Principal = "authenticated"
)

// Policy names installed on every provisioned container.
const (
	DownloadPolicy = "download"
	UploadPolicy   = "upload"
)

// AccessPolicy grants Action to Principal on objects whose container id
// equals Container.
type AccessPolicy struct {
	Container string       `json:"container"`
	Name      string       `json:"name"`
	Action    PolicyAction `json:"action"`
	Principal Principal    `json:"principal"`
}

// Allows reports whether the policy lets a caller perform action on
// container. Anonymous callers pass authenticated=false.
func (p AccessPolicy) Allows(container string, action PolicyAction, authenticated bool) bool {
	if p.Container != container || p.Action != action {
		return false
	}
	switch p.Principal {
	case PrincipalPublic:
		return true
	case PrincipalAuthenticated:
		return authenticated
	}
	return false
}

// ContainerPolicies returns the download and upload policies for container.
func ContainerPolicies(container string) []AccessPolicy {
	return []AccessPolicy{
		{Container: container, Name: DownloadPolicy, Action: ActionRead, Principal: PrincipalPublic},
		{Container: container, Name: UploadPolicy, Action: ActionWrite, Principal: PrincipalAuthenticated},
	}
}
