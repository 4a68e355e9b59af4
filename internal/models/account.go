package models

// User is an account that can own sessions. PoolAffinity, when set, pins the
// user's sessions to a node pool unless the request overrides it.
type User struct {
	ID           string   `json:"id"`
	Admin        bool     `json:"admin,omitempty"`
	PoolAffinity string   `json:"poolAffinity,omitempty"`
	Roles        []string `json:"roles,omitempty"`
}

// Role names a set of permissions granted to users.
type Role struct {
	ID          string   `json:"id"`
	Permissions []string `json:"permissions,omitempty"`
}

// Profile is a named bundle of session defaults.
type Profile struct {
	ID       string            `json:"id"`
	Defaults map[string]string `json:"defaults,omitempty"`
}

// Preference is a single user-scoped setting.
type Preference struct {
	ID    string `json:"id"`
	Value string `json:"value"`
}

// Editor describes an IDE image that can front a session.
type Editor struct {
	ID    string `json:"id"`
	Image string `json:"image"`
	Port  int32  `json:"port,omitempty"`
}

// Node is a cluster member, purely descriptive.
type Node struct {
	Hostname string
}

// Pool is a labeled group of nodes sharing capacity characteristics. It is a
// read-only projection computed from live node labels, never stored.
type Pool struct {
	ID           string
	InstanceType string
	Nodes        []Node
}
