package provider

// CreateInstanceRequest asks the provider to provision a virtual server.
type CreateInstanceRequest struct {
	Name   string `json:"name"`
	Size   string `json:"size"`
	Region string `json:"region"`
	Image  string `json:"image,omitempty"`
}

// Instance is the provider's view of a virtual server.
type Instance struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Size   string `json:"size"`
	Region string `json:"region"`
	Status string `json:"status"` // new, active, off, archive
	IPv4   string `json:"ipv4,omitempty"`
}

// InstanceMetrics is one usage sample reported by the provider. The
// network counters are cumulative bytes for the current sampling window.
type InstanceMetrics struct {
	NetworkInBytes  int64   `json:"network_in_bytes"`
	NetworkOutBytes int64   `json:"network_out_bytes"`
	CPUPercent      float64 `json:"cpu_percent"`
	MemoryPercent   float64 `json:"memory_percent"`
	DiskPercent     float64 `json:"disk_percent"`
}

// CreateVolumeRequest asks the provider for a block storage volume.
type CreateVolumeRequest struct {
	Name   string `json:"name"`
	SizeGB int64  `json:"size_gb"`
	Region string `json:"region"`
}

// ProviderVolume is the provider's view of a block storage volume.
type ProviderVolume struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	SizeGB int64  `json:"size_gb"`
	Region string `json:"region"`
}

type instanceEnvelope struct {
	Instance Instance `json:"instance"`
}

type volumeEnvelope struct {
	Volume ProviderVolume `json:"volume"`
}

type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
