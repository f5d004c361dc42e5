package types

import (
	"encoding/json"
	"testing"
)

var allStatuses = []MessageStatus{
	StatusSending, StatusQueued, StatusAccepted, StatusRejected, StatusDelivered, StatusFailed,
}

func TestCanTransition(t *testing.T) {
	allowed := map[[2]MessageStatus]bool{
		{StatusSending, StatusAccepted}:  true,
		{StatusSending, StatusRejected}:  true,
		{StatusSending, StatusQueued}:    true,
		{StatusSending, StatusFailed}:    true,
		{StatusQueued, StatusSending}:    true,
		{StatusQueued, StatusFailed}:     true,
		{StatusAccepted, StatusDelivered}: true,
		{StatusRejected, StatusQueued}:   true,
		{StatusRejected, StatusFailed}:   true,
		{StatusFailed, StatusQueued}:     true,
		{StatusFailed, StatusSending}:    true,
	}

	for _, from := range allStatuses {
		for _, to := range allStatuses {
			got := CanTransition(from, to)
			want := allowed[[2]MessageStatus{from, to}]
			if got != want {
				t.Errorf("CanTransition(%s, %s) = %v, expected %v", from, to, got, want)
			}
		}
	}
}

func TestDeliveredIsTerminal(t *testing.T) {
	if !StatusDelivered.IsTerminal() {
		t.Error("Expected delivered to be terminal")
	}
	for _, s := range allStatuses {
		if s != StatusDelivered && s.IsTerminal() {
			t.Errorf("Expected %s to have outgoing transitions", s)
		}
	}
}

func TestConversationIDSymmetric(t *testing.T) {
	alice := "a1b2c3d4e5f60718293a4b5c6d7e8f90a1b2c3d4e5f60718293a4b5c6d7e8f90"
	bob := "0f1e2d3c4b5a69788796a5b4c3d2e1f00f1e2d3c4b5a69788796a5b4c3d2e1f0"

	ab := ConversationID(alice, bob)
	ba := ConversationID(bob, alice)
	if ab != ba {
		t.Fatalf("Expected symmetric conversation id, got %s and %s", ab, ba)
	}
	if len(ab) != 32 {
		t.Errorf("Expected 32 hex characters, got %d", len(ab))
	}
	if ConversationID(alice, alice) == ab {
		t.Error("Expected different participants to produce a different id")
	}
}

func TestFilterJSONRoundTripWithTags(t *testing.T) {
	since := int64(1700000000)
	f := Filter{
		Kinds: []int{KindDirectMessage},
		Tags:  map[string][]string{"p": {"abc"}},
		Since: &since,
	}
	data, err := json.Marshal(f)
	if err != nil {
		t.Fatalf("Failed to marshal filter: %v", err)
	}

	var raw map[string]interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		t.Fatalf("Failed to decode filter: %v", err)
	}
	if _, ok := raw["#p"]; !ok {
		t.Errorf("Expected #p key in %s", data)
	}

	var back Filter
	if err := json.Unmarshal(data, &back); err != nil {
		t.Fatalf("Failed to unmarshal filter: %v", err)
	}
	if back.Since == nil || *back.Since != since {
		t.Errorf("Expected since %d, got %v", since, back.Since)
	}
	if len(back.Tags["p"]) != 1 || back.Tags["p"][0] != "abc" {
		t.Errorf("Expected #p [abc], got %v", back.Tags)
	}
}

func TestFilterMatches(t *testing.T) {
	ev := &Event{
		PubKey:    "sender",
		CreatedAt: 100,
		Kind:      KindDirectMessage,
		Tags:      []Tag{{"p", "me"}},
	}
	since := int64(50)
	until := int64(90)

	if !(Filter{Kinds: []int{KindDirectMessage}, Tags: map[string][]string{"p": {"me"}}}).Matches(ev) {
		t.Error("Expected addressed filter to match")
	}
	if (Filter{Tags: map[string][]string{"p": {"someone-else"}}}).Matches(ev) {
		t.Error("Expected filter for another recipient not to match")
	}
	if !(Filter{Since: &since}).Matches(ev) {
		t.Error("Expected since filter to match")
	}
	if (Filter{Until: &until}).Matches(ev) {
		t.Error("Expected until filter to reject newer event")
	}
}

func TestReplyTarget(t *testing.T) {
	ev := &Event{Tags: []Tag{{"p", "x"}, {"e", "root", "", "root"}, {"e", "parent", "", "reply"}}}
	if got := ev.ReplyTarget(); got != "parent" {
		t.Errorf("Expected reply target parent, got %s", got)
	}
	plain := &Event{Tags: []Tag{{"e", "only"}}}
	if got := plain.ReplyTarget(); got != "only" {
		t.Errorf("Expected fallback reply target only, got %s", got)
	}
}
