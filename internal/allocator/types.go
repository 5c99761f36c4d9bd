package allocator

// SlotTypesResponse lists the vessel types the service can hand out.
type SlotTypesResponse struct {
	Types []string `json:"types"`
}

// AccountResponse describes the calling identity's allocation account.
type AccountResponse struct {
	Username   string `json:"username"`
	Port       int    `json:"port"`
	MaxVessels int    `json:"max_vessels"`
}

// AcquireRequest asks for Count new vessels of SlotType.
type AcquireRequest struct {
	SlotType string `json:"slot_type"`
	Count    int    `json:"count"`
}

// HandlesRequest carries a batch of vessel handles for renew and release.
type HandlesRequest struct {
	Handles []string `json:"handles"`
}

// HandlesResponse returns a set of vessel handles.
type HandlesResponse struct {
	Handles []string `json:"handles"`
}

// StartRequest launches an uploaded program with arguments.
type StartRequest struct {
	Program string   `json:"program"`
	Args    []string `json:"args"`
}

// StatusResponse reports a vessel's state.
type StatusResponse struct {
	Status string `json:"status"`
}

// LocationResponse describes where a node is.
type LocationResponse struct {
	Location string `json:"location"`
}
