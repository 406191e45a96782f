package webhook

import "strings"

// EventType is the "type" field of an outbound webhook payload
type EventType string

const (
	EventConnection               EventType = "connection"
	EventQRCode                   EventType = "qr_code"
	EventSessionExpired           EventType = "session_expired"
	EventPresence                 EventType = "presence"
	EventMessage                  EventType = "message"
	EventGroupCreated             EventType = "group_created"
	EventGroupUpdated             EventType = "group_updated"
	EventGroupParticipantsUpdated EventType = "group_participants_updated"
	EventCallOffer                EventType = "call_offer"
	EventCallTerminate            EventType = "call_terminate"
	EventSystem                   EventType = "system"
)

// FilterKey is one name accepted in the allow-list configuration
type FilterKey string

const (
	FilterAll FilterKey = "all"

	FilterConnection        FilterKey = "connection"
	FilterPresence          FilterKey = "presence"
	FilterMessages          FilterKey = "messages"
	FilterGroups            FilterKey = "groups"
	FilterGroupParticipants FilterKey = "group_participants"
	FilterCall              FilterKey = "call"
	FilterQR                FilterKey = "qr"
	FilterSystem            FilterKey = "system"

	FilterConnectionUpdate        FilterKey = "connection.update"
	FilterConnectionClose         FilterKey = "connection:close"
	FilterConnectionOpen          FilterKey = "connection:open"
	FilterPresenceUpdate          FilterKey = "presence.update"
	FilterMessagesUpsert          FilterKey = "messages.upsert"
	FilterGroupsUpsert            FilterKey = "groups.upsert"
	FilterGroupsUpdate            FilterKey = "groups.update"
	FilterGroupParticipantsUpdate FilterKey = "group-participants.update"
	FilterCallEvent               FilterKey = "CB:call"
	FilterCallOffer               FilterKey = "call:offer"
	FilterCallTerminate           FilterKey = "call:terminate"
)

// Signal identifies the handler that produced an event. Two signals may
// share an EventType but match different filter keys.
type Signal int

const (
	SignalConnectionOpen Signal = iota
	SignalConnectionClose
	SignalQR
	SignalSessionExpired
	SignalPresence
	SignalMessage
	SignalGroupCreated
	SignalGroupUpdated
	SignalGroupParticipants
	SignalCallOffer
	SignalCallTerminate
	SignalSystem

	signalCount
)

type route struct {
	event EventType
	keys  []FilterKey
}

var routes = [signalCount]route{
	SignalConnectionOpen:    {EventConnection, []FilterKey{FilterConnection, FilterConnectionUpdate, FilterConnectionOpen}},
	SignalConnectionClose:   {EventConnection, []FilterKey{FilterConnection, FilterConnectionUpdate, FilterConnectionClose}},
	SignalQR:                {EventQRCode, []FilterKey{FilterQR}},
	SignalSessionExpired:    {EventSessionExpired, []FilterKey{FilterQR}},
	SignalPresence:          {EventPresence, []FilterKey{FilterPresence, FilterPresenceUpdate}},
	SignalMessage:           {EventMessage, []FilterKey{FilterMessages, FilterMessagesUpsert}},
	SignalGroupCreated:      {EventGroupCreated, []FilterKey{FilterGroups, FilterGroupsUpsert}},
	SignalGroupUpdated:      {EventGroupUpdated, []FilterKey{FilterGroups, FilterGroupsUpdate}},
	SignalGroupParticipants: {EventGroupParticipantsUpdated, []FilterKey{FilterGroups, FilterGroupParticipants, FilterGroupParticipantsUpdate}},
	SignalCallOffer:         {EventCallOffer, []FilterKey{FilterCall, FilterCallEvent, FilterCallOffer}},
	SignalCallTerminate:     {EventCallTerminate, []FilterKey{FilterCall, FilterCallTerminate}},
	SignalSystem:            {EventSystem, []FilterKey{FilterSystem}},
}

// Event returns the payload type emitted for the signal.
func (s Signal) Event() EventType {
	return routes[s].event
}

// Keys returns the filter names that admit the signal, wildcard excluded.
func (s Signal) Keys() []FilterKey {
	return routes[s].keys
}

// Filtered reports whether the allow-list applies to the signal. The daily
// reset notice goes out whenever a global endpoint is configured.
func (s Signal) Filtered() bool {
	return s != SignalSystem
}

var knownKeys = func() map[FilterKey]struct{} {
	m := map[FilterKey]struct{}{FilterAll: {}}
	for _, r := range routes {
		for _, k := range r.keys {
			m[k] = struct{}{}
		}
	}
	return m
}()

// AllowList is the parsed set of event names permitted to reach webhooks
type AllowList map[FilterKey]struct{}

// ParseAllowList keeps the recognised names and returns the rest so the
// caller can log them. An empty input means the wildcard.
func ParseAllowList(names []string) (AllowList, []string) {
	allow := make(AllowList)
	var unknown []string
	for _, name := range names {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		key := FilterKey(name)
		if _, ok := knownKeys[key]; !ok {
			unknown = append(unknown, name)
			continue
		}
		allow[key] = struct{}{}
	}
	if len(allow) == 0 && len(unknown) == 0 {
		allow[FilterAll] = struct{}{}
	}
	return allow, unknown
}

// Allows reports whether the signal passes the filter.
func (a AllowList) Allows(s Signal) bool {
	if !s.Filtered() {
		return true
	}
	if _, ok := a[FilterAll]; ok {
		return true
	}
	for _, k := range s.Keys() {
		if _, ok := a[k]; ok {
			return true
		}
	}
	return false
}
