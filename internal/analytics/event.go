// ABOUTME: Event records captured by the analytics pipeline
// ABOUTME: Defines event names, known property keys per event kind and device classification

package analytics

import (
	"fmt"
	"maps"
	"time"
)

// Event names emitted by the pipeline and its derived trackers
const (
	EventPageView    = "page_view"
	EventConversion  = "conversion"
	EventScrollDepth = "scroll_depth"
	EventTimeOnPage  = "time_on_page"
	EventFormAction  = "form_interaction"
	EventSearch      = "search"
	EventClick       = "click"
	EventError       = "error"
)

// Known property keys. Each event kind documents which keys it carries.
const (
	// conversion: experimentId, variant, plus caller data (e.g. amount)
	PropExperimentID = "experimentId"
	PropVariant      = "variant"

	// page_view: title
	PropTitle = "title"

	// scroll_depth: depth (25/50/75/90)
	PropDepth = "depth"

	// time_on_page: timeOnPage (ms), maxScrollDepth (percent)
	PropTimeOnPage     = "timeOnPage"
	PropMaxScrollDepth = "maxScrollDepth"

	// form_interaction: formId, phase
	PropFormID = "formId"
	PropPhase  = "phase"

	// search: query, resultCount
	PropQuery       = "query"
	PropResultCount = "resultCount"

	// click: target
	PropTarget = "target"

	// error: message
	PropMessage = "message"
)

// FormPhase is the lifecycle step reported by TrackFormEvent
type FormPhase string

// Form phases
const (
	FormStart   FormPhase = "start"
	FormSubmit  FormPhase = "submit"
	FormSuccess FormPhase = "success"
	FormError   FormPhase = "error"
	FormAbandon FormPhase = "abandon"
)

// Device is the coarse device class derived from viewport width
type Device string

// Device classes
const (
	DeviceMobile  Device = "mobile"
	DeviceTablet  Device = "tablet"
	DeviceDesktop Device = "desktop"
)

// Viewport width thresholds for device classification
const (
	mobileMaxWidth = 768
	tabletMaxWidth = 1024
)

// ClassifyDevice maps a viewport width to a device class.
// Unknown (non-positive) widths are treated as desktop.
func ClassifyDevice(width int) Device {
	switch {
	case width <= 0:
		return DeviceDesktop
	case width < mobileMaxWidth:
		return DeviceMobile
	case width < tabletMaxWidth:
		return DeviceTablet
	default:
		return DeviceDesktop
	}
}

// Viewport is the visible page area in CSS pixels
type Viewport struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

// String formats the viewport as WIDTHxHEIGHT
func (v Viewport) String() string {
	return fmt.Sprintf("%dx%d", v.Width, v.Height)
}

// Properties is the property bag attached to an event.
// Values must be JSON-serializable scalars, slices or maps.
type Properties map[string]any

// Clone returns a shallow copy; nil stays an empty map.
func (p Properties) Clone() Properties {
	out := make(Properties, len(p))
	maps.Copy(out, p)
	return out
}

// String returns the string value stored under key, or "".
func (p Properties) String(key string) string {
	s, _ := p[key].(string)
	return s
}

// Float returns the numeric value stored under key.
func (p Properties) Float(key string) (float64, bool) {
	switch v := p[key].(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case int32:
		return float64(v), true
	default:
		return 0, false
	}
}

// Event is one captured analytics event. Events are immutable once recorded.
type Event struct {
	ID         string     `json:"id"`
	Name       string     `json:"event"`
	Properties Properties `json:"properties"`
	Timestamp  time.Time  `json:"timestamp"`
	SessionID  string     `json:"sessionId"`
	UserID     string     `json:"userId"`
	PageURL    string     `json:"pageUrl"`
	Referrer   string     `json:"referrer"`
	Device     Device     `json:"device"`
	Viewport   Viewport   `json:"viewport"`
}

// Conversion returns the experiment and variant a conversion event is attributed to.
func (e Event) Conversion() (experimentID, variant string, ok bool) {
	if e.Name != EventConversion {
		return "", "", false
	}
	experimentID = e.Properties.String(PropExperimentID)
	variant = e.Properties.String(PropVariant)
	return experimentID, variant, experimentID != "" && variant != ""
}

// ConversionProperties builds the property bag of a conversion event.
// The experiment and variant keys always win over same-named keys in data.
func ConversionProperties(experimentID, variant string, data Properties) Properties {
	props := data.Clone()
	props[PropExperimentID] = experimentID
	props[PropVariant] = variant
	return props
}
