// Package v2 is a small client for the parts of the Hue CLIP v2 API that
// daylightd uses: light and zigbee_connectivity resources, light updates
// and the bridge config. The bridge serves a self-signed certificate.
package v2
