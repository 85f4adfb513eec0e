package models

// Method identifies a reconstruction engine.
type Method string

const (
	MethodMeshroom          Method = "meshroom"
	MethodCOLMAP            Method = "colmap"
	MethodOpenMVG           Method = "openmvg"
	MethodInstantNGP        Method = "instant-ngp"
	MethodGaussianSplatting Method = "gaussian-splatting"
	MethodMobileNeRF        Method = "mobilenerf"
	MethodPIFuHD            Method = "pifuhd"
)

// AllMethods lists every engine the service knows about, in display order.
var AllMethods = []Method{
	MethodMeshroom,
	MethodCOLMAP,
	MethodOpenMVG,
	MethodInstantNGP,
	MethodGaussianSplatting,
	MethodMobileNeRF,
	MethodPIFuHD,
}

// MethodInfo is the public description of an engine returned by GET /methods.
type MethodInfo struct {
	ID               Method `json:"id"`
	Name             string `json:"name"`
	Description      string `json:"description"`
	Type             string `json:"type"`
	GPURequired      bool   `json:"gpu_required"`
	MobileCompatible bool   `json:"mobile_compatible"`
	EstimatedTime    string `json:"estimated_time"`
	Quality          string `json:"quality"`
	Available        bool   `json:"available"`
}
