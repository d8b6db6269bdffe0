package v2

// =============================================================================
// V2 API Types (CLIP API)
// These are not provided by huego, which only supports V1 API
// =============================================================================

// ResourceRef points at another resource
type ResourceRef struct {
	RID   string `json:"rid"`
	RType string `json:"rtype"`
}

// MirekSchema is the color temperature range a light supports, in mirek
type MirekSchema struct {
	MirekMinimum int `json:"mirek_minimum"`
	MirekMaximum int `json:"mirek_maximum"`
}

// Light represents a Hue light (V2 API / CLIP)
type Light struct {
	ID       string       `json:"id"`
	IDV1     string       `json:"id_v1,omitempty"`
	Owner    *ResourceRef `json:"owner,omitempty"`
	Metadata struct {
		Name      string `json:"name"`
		Archetype string `json:"archetype"`
	} `json:"metadata"`
	On *struct {
		On bool `json:"on"`
	} `json:"on,omitempty"`
	Dimming *struct {
		Brightness float64 `json:"brightness"`
	} `json:"dimming,omitempty"`
	ColorTemperature *struct {
		Mirek       *int         `json:"mirek"`
		MirekValid  bool         `json:"mirek_valid"`
		MirekSchema *MirekSchema `json:"mirek_schema,omitempty"`
	} `json:"color_temperature,omitempty"`
}

// ZigbeeConnectivity reports whether a device is reachable over Zigbee
type ZigbeeConnectivity struct {
	ID     string       `json:"id"`
	Owner  *ResourceRef `json:"owner,omitempty"`
	Status string       `json:"status"`
}

// Connected reports whether the device is reachable
func (z ZigbeeConnectivity) Connected() bool {
	return z.Status == StatusConnected
}

// Connectivity statuses
const (
	StatusConnected         = "connected"
	StatusDisconnected      = "disconnected"
	StatusConnectivityIssue = "connectivity_issue"
)

// LightUpdate is the body of a PUT on a light resource
type LightUpdate struct {
	Dimming          *DimmingUpdate          `json:"dimming,omitempty"`
	ColorTemperature *ColorTemperatureUpdate `json:"color_temperature,omitempty"`
}

// DimmingUpdate sets brightness in percent
type DimmingUpdate struct {
	Brightness float64 `json:"brightness"`
}

// ColorTemperatureUpdate sets color temperature in mirek
type ColorTemperatureUpdate struct {
	Mirek int `json:"mirek"`
}

// apiError is one entry of the errors array returned by the bridge
type apiError struct {
	Description string `json:"description"`
}
