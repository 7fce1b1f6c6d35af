package model

// SwarmStatus summarizes the local node's view of the swarm.
type SwarmStatus struct {
	NodeID   string `json:"nodeId"`
	NodeAddr string `json:"nodeAddr"`

	// State is the local node state: inactive, pending, active, error or locked.
	State string `json:"state"`

	// ControlAvailable is true when the local node is a manager. Secret and
	// config operations are only possible on managers.
	ControlAvailable bool `json:"controlAvailable"`

	ClusterID string `json:"clusterId,omitempty"`
	Nodes     int    `json:"nodes"`
	Managers  int    `json:"managers"`
	Error     string `json:"error,omitempty"`

	// WorkerToken and ManagerToken are only populated when requested
	// explicitly on a manager node.
	WorkerToken  string `json:"workerToken,omitempty"`
	ManagerToken string `json:"managerToken,omitempty"`
}

// IsManager reports whether secrets and configs can be managed through
// this node.
func (s *SwarmStatus) IsManager() bool {
	return s.State == "active" && s.ControlAvailable
}

// Node is a swarm member as shown by "swarm nodes".
type Node struct {
	ID           string `json:"id"`
	Hostname     string `json:"hostname"`
	Role         string `json:"role"`
	Status       string `json:"status"`
	Availability string `json:"availability"`
	Addr         string `json:"addr,omitempty"`

	// ManagerStatus is "leader", "reachable" or "unreachable" for managers
	// and empty for workers.
	ManagerStatus string `json:"managerStatus,omitempty"`
}
