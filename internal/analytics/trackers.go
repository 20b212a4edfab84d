// ABOUTME: Convenience trackers that shape properties for common event kinds
// ABOUTME: Each wraps Track with a fixed event name and holds no state of its own

package analytics

import "context"

// TrackPageView records a page_view on the current page context.
func (t *Tracker) TrackPageView(ctx context.Context, title string) {
	props := Properties{}
	if title != "" {
		props[PropTitle] = title
	}
	t.Track(ctx, EventPageView, props)
}

// TrackConversion records a conversion attributed to experimentID and variant.
func (t *Tracker) TrackConversion(ctx context.Context, experimentID, variant string, data Properties) {
	t.Track(ctx, EventConversion, ConversionProperties(experimentID, variant, data))
}

// TrackFormEvent records a step in a form's lifecycle.
func (t *Tracker) TrackFormEvent(ctx context.Context, formID string, phase FormPhase) {
	t.Track(ctx, EventFormAction, Properties{
		PropFormID: formID,
		PropPhase:  string(phase),
	})
}

// TrackSearch records a search and how many results it produced.
func (t *Tracker) TrackSearch(ctx context.Context, query string, resultCount int) {
	t.Track(ctx, EventSearch, Properties{
		PropQuery:       query,
		PropResultCount: resultCount,
	})
}

// TrackClick records a click on a named target.
func (t *Tracker) TrackClick(ctx context.Context, target string, props Properties) {
	p := props.Clone()
	p[PropTarget] = target
	t.Track(ctx, EventClick, p)
}

// TrackError records a client-side error message.
func (t *Tracker) TrackError(ctx context.Context, message string, props Properties) {
	p := props.Clone()
	p[PropMessage] = message
	t.Track(ctx, EventError, p)
}
