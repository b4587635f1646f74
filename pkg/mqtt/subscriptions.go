package mqtt

import "github.com/Dev-CorliJoni/simple-mqtt/pkg/mqtt/topic"

type subscription struct {
	ordinal        uint64
	filter         string
	qos            QualityOfService
	granted        QualityOfService
	retainHandling RetainHandling
	handler        MessageHandler
}

// subscriptionTable is owned by the connection loop. Entries stay in
// registration order, so matches come out in that order too.
type subscriptionTable struct {
	entries []*subscription
	next    uint64
}

func (t *subscriptionTable) add(filter string, qos QualityOfService, rh RetainHandling, h MessageHandler) *subscription {
	t.next++
	s := &subscription{
		ordinal:        t.next,
		filter:         filter,
		qos:            qos,
		granted:        qos,
		retainHandling: rh,
		handler:        h,
	}
	t.entries = append(t.entries, s)
	return s
}

func (t *subscriptionTable) remove(s *subscription) {
	for i, e := range t.entries {
		if e == s {
			t.entries = append(t.entries[:i], t.entries[i+1:]...)
			return
		}
	}
}

// removeFilter drops every entry for filter and returns how many there were.
func (t *subscriptionTable) removeFilter(filter string) int {
	kept := t.entries[:0]
	for _, e := range t.entries {
		if e.filter != filter {
			kept = append(kept, e)
		}
	}
	n := len(t.entries) - len(kept)
	for i := len(kept); i < len(t.entries); i++ {
		t.entries[i] = nil
	}
	t.entries = kept
	return n
}

func (t *subscriptionTable) match(name string) []*subscription {
	var out []*subscription
	for _, e := range t.entries {
		if topic.Match(e.filter, name) {
			out = append(out, e)
		}
	}
	return out
}

func (t *subscriptionTable) all() []*subscription {
	return append([]*subscription(nil), t.entries...)
}

func (t *subscriptionTable) len() int { return len(t.entries) }
