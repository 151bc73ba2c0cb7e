package events

import "testing"

func TestTopicPublishOrder(t *testing.T) {
	var topic Topic[int]
	var got []string

	topic.Subscribe(func(v int) { got = append(got, "a") })
	topic.Subscribe(func(v int) { got = append(got, "b") })

	topic.Publish(1)

	if len(got) != 2 || got[0] != "a" || got[1] != "b" {
		t.Fatalf("Expected [a b], got %v", got)
	}
}

func TestTopicUnsubscribe(t *testing.T) {
	var topic Topic[string]
	calls := 0

	unsubscribe := topic.Subscribe(func(string) { calls++ })
	topic.Publish("x")
	unsubscribe()
	unsubscribe()
	topic.Publish("y")

	if calls != 1 {
		t.Errorf("Expected 1 call, got %d", calls)
	}
	if topic.Len() != 0 {
		t.Errorf("Expected no subscribers, got %d", topic.Len())
	}
}
