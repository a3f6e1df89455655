// Package topic builds the jobs topics for one device and classifies
// inbound topics into a closed set of routes.
package topic

import "strings"

type Kind int

const (
	KindUnknown Kind = iota
	KindNotifyNext
	KindStartNextResponse
	KindStatusAck
	KindRejected
)

func (k Kind) String() string {
	switch k {
	case KindNotifyNext:
		return "notify_next"
	case KindStartNextResponse:
		return "start_next_response"
	case KindStatusAck:
		return "status_ack"
	case KindRejected:
		return "rejected"
	}
	return "unknown"
}

// Route is the classification of one inbound topic. JobID is set for
// KindStatusAck; Token for KindStatusAck and KindStartNextResponse.
type Route struct {
	Kind  Kind
	JobID string
	Token string
}

type Topics struct {
	base string // <prefix>/<thing>/jobs
}

func New(prefix, thingName string) Topics {
	prefix = strings.TrimSuffix(prefix, "/")
	if prefix == "" {
		return Topics{base: thingName + "/jobs"}
	}
	return Topics{base: prefix + "/" + thingName + "/jobs"}
}

func (t Topics) StartNext() string { return t.base + "/start-next" }

func (t Topics) Update(jobID string) string { return t.base + "/" + jobID + "/update" }

// SubscriptionFilter covers every jobs topic of the device.
func (t Topics) SubscriptionFilter() string { return t.base + "/#" }

// Classify maps an inbound topic to its route. Rejections win over every
// other shape; topics outside this device's jobs tree are Unknown.
func (t Topics) Classify(topic string) Route {
	if strings.Contains(topic, "rejected") {
		return Route{Kind: KindRejected}
	}
	rest, ok := strings.CutPrefix(topic, t.base+"/")
	if !ok {
		return Route{Kind: KindUnknown}
	}

	if rest == "notify" {
		return Route{Kind: KindNotifyNext}
	}
	if _, ok := cutLenient(rest, "notify", "next"); ok {
		return Route{Kind: KindNotifyNext}
	}
	if after, ok := cutLenient(rest, "start", "next"); ok {
		// start-next with no trailing segment is our own request echoed back.
		if token, found := strings.CutPrefix(after, "/"); found {
			return Route{Kind: KindStartNextResponse, Token: token}
		}
		return Route{Kind: KindUnknown}
	}

	// <jobId>/update/<token>; the job id may not itself contain a slash.
	jobID, after, found := strings.Cut(rest, "/")
	if !found || jobID == "" {
		return Route{Kind: KindUnknown}
	}
	if token, ok := strings.CutPrefix(after, "update/"); ok {
		return Route{Kind: KindStatusAck, JobID: jobID, Token: token}
	}
	return Route{Kind: KindUnknown}
}

// cutLenient matches "<a><b>" or "<a>?<b>" where ? is any single byte
// (notify-next, notify_next, notifynext) and returns what follows.
func cutLenient(s, a, b string) (string, bool) {
	after, ok := strings.CutPrefix(s, a)
	if !ok {
		return "", false
	}
	if rest, ok := strings.CutPrefix(after, b); ok {
		return rest, true
	}
	if len(after) > 0 {
		if rest, ok := strings.CutPrefix(after[1:], b); ok {
			return rest, true
		}
	}
	return "", false
}
