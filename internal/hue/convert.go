package hue

import (
	"math"

	"github.com/dokzlo13/daylightd/internal/hue/v2"
	"github.com/dokzlo13/daylightd/internal/lights"
)

// MirekToKelvin converts a reciprocal megakelvin value to Kelvin.
func MirekToKelvin(mirek int) int {
	if mirek <= 0 {
		return 0
	}
	return int(math.Round(1e6 / float64(mirek)))
}

// KelvinToMirek converts Kelvin to the nearest mirek value.
func KelvinToMirek(kelvin int) int {
	if kelvin <= 0 {
		return 0
	}
	return int(math.Round(1e6 / float64(kelvin)))
}

// toLight converts a V2 light resource into the control model.
func toLight(l *v2.Light, reachable bool) lights.Light {
	out := lights.Light{
		ID:         l.ID,
		Name:       l.Metadata.Name,
		Reachable:  reachable,
		CanReceive: make(map[lights.Attribute]bool, 3),
	}
	if l.Owner != nil {
		out.DeviceID = l.Owner.RID
	}

	if l.On != nil {
		out.CanReceive[lights.AttrIsOn] = true
		out.IsOn = l.On.On
	}
	if l.Dimming != nil {
		out.CanReceive[lights.AttrBrightness] = true
		out.Brightness = int(math.Round(l.Dimming.Brightness))
	}
	if ct := l.ColorTemperature; ct != nil {
		out.CanReceive[lights.AttrColorTemperature] = true
		// mirek is null while the light is in xy color mode
		if ct.Mirek != nil && ct.MirekValid {
			out.ColorTemperature = MirekToKelvin(*ct.Mirek)
		} else {
			out.CustomColor = true
		}
		if s := ct.MirekSchema; s != nil {
			if s.MirekMaximum > 0 {
				minK := MirekToKelvin(s.MirekMaximum)
				out.ColorTemperatureMin = &minK
			}
			if s.MirekMinimum > 0 {
				maxK := MirekToKelvin(s.MirekMinimum)
				out.ColorTemperatureMax = &maxK
			}
		}
	}
	return out
}
