package models

// Resolution tiers of a built-in dataset, from full size down to 1/8.
const (
	TierFull   = "images"
	TierHalf   = "images_2"
	TierFourth = "images_4"
	TierEighth = "images_8"
)

// Tiers lists the resolution tiers in descending resolution.
var Tiers = []string{TierFull, TierHalf, TierFourth, TierEighth}

// DatasetTier describes one resolution tier of a dataset on disk.
type DatasetTier struct {
	Name       string `json:"name"`
	ImageCount int    `json:"image_count"`
	Available  bool   `json:"available"`
}

// Dataset is a built-in sample scene provisioned at deployment time.
type Dataset struct {
	Name      string        `json:"name"`
	HasPoses  bool          `json:"has_poses"`
	Available bool          `json:"available"`
	Tiers     []DatasetTier `json:"resolutions"`
}

// Upload is a set of user supplied images stored under the data directory.
type Upload struct {
	ID        string   `json:"upload_id"`
	Files     []string `json:"files"`
	FileCount int      `json:"file_count"`
}

// GPUDevice is one GPU reported by the driver.
type GPUDevice struct {
	Name          string `json:"name"`
	MemoryMB      int    `json:"memory_mb"`
	DriverVersion string `json:"driver_version,omitempty"`
}

// GPUStatus is the GPU availability snapshot returned by GET /gpu-status.
type GPUStatus struct {
	Available bool        `json:"available"`
	Name      string      `json:"name,omitempty"`
	Count     int         `json:"count"`
	Devices   []GPUDevice `json:"devices,omitempty"`
}
